package changefeed

import (
	"context"

	"github.com/daveisfera/rethinkdb/mailbox"
)

// Shard is one shard of a table as a feed sees it: the primary-key region it
// owns and the mailboxes of its broadcaster.
type Shard struct {
	Region       KeyRange
	RegisterAddr mailbox.Addr
	StopAddr     mailbox.Addr
}

// NamespaceAccess is one resolved table.
type NamespaceAccess interface {
	// Shards returns the table's current shard set. Regions jointly cover
	// the whole keyspace.
	Shards() []Shard
}

// NamespaceSource resolves table identities to their shard sets. The client
// registry consults it once per feed, when the feed is created.
type NamespaceSource interface {
	Resolve(ctx context.Context, table TableID) (NamespaceAccess, error)
}
