package namespace

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/daveisfera/rethinkdb/cfg"
	"github.com/daveisfera/rethinkdb/changefeed"
)

// Cached wraps a NamespaceSource with an LRU of resolved shard sets, so a
// burst of feed creations against the same tables does not hammer a remote
// resolver.
type Cached struct {
	inner changefeed.NamespaceSource
	cache *lru.Cache[changefeed.TableID, changefeed.NamespaceAccess]
}

// NewCached builds a caching resolver. size <= 0 uses the configured
// default.
func NewCached(inner changefeed.NamespaceSource, size int) (*Cached, error) {
	if size <= 0 {
		size = cfg.Config.Namespace.CacheSize
	}
	cache, err := lru.New[changefeed.TableID, changefeed.NamespaceAccess](size)
	if err != nil {
		return nil, fmt.Errorf("failed to build namespace cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Resolve implements changefeed.NamespaceSource.
func (c *Cached) Resolve(ctx context.Context, id changefeed.TableID) (changefeed.NamespaceAccess, error) {
	if access, ok := c.cache.Get(id); ok {
		return access, nil
	}
	access, err := c.inner.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, access)
	return access, nil
}

// Invalidate drops one table from the cache, forcing the next Resolve
// through to the inner source. Call it when a table is dropped or resharded.
func (c *Cached) Invalidate(id changefeed.TableID) {
	c.cache.Remove(id)
}
