// Package changefeed implements the core of the distributed changefeed
// subsystem: the per-shard server broadcaster, the per-table client feed
// with its reassembly buffers, per-query subscriptions, and the limit-window
// managers behind ordered-prefix feeds.
package changefeed

import (
	"bytes"

	"github.com/google/uuid"
)

// Datum is the database's self-describing value encoding. The changefeed
// core treats datums as opaque byte strings whose encoding preserves the
// value ordering, so bytes.Compare is the value order.
type Datum []byte

// Compare returns -1, 0 or 1 per the datum ordering.
func (d Datum) Compare(o Datum) int {
	return bytes.Compare(d, o)
}

// Clone returns an independent copy.
func (d Datum) Clone() Datum {
	if d == nil {
		return nil
	}
	out := make(Datum, len(d))
	copy(out, d)
	return out
}

// TableID identifies a table across the cluster.
type TableID uuid.UUID

func NewTableID() TableID { return TableID(uuid.New()) }

func (id TableID) String() string { return uuid.UUID(id).String() }

// ServerID identifies one shard's broadcaster. Feeds key their reassembly
// buffers by it.
type ServerID uuid.UUID

func NewServerID() ServerID { return ServerID(uuid.New()) }

func (id ServerID) String() string { return uuid.UUID(id).String() }

// SubscriptionID identifies one query's subscription.
type SubscriptionID uuid.UUID

func NewSubscriptionID() SubscriptionID { return SubscriptionID(uuid.New()) }

func (id SubscriptionID) String() string { return uuid.UUID(id).String() }

// Sorting is the direction of an ordered-prefix window.
type Sorting uint8

const (
	Ascending Sorting = iota
	Descending
)

func (s Sorting) String() string {
	if s == Descending {
		return "descending"
	}
	return "ascending"
}

// uuidOf widens any of the id types back to a raw UUID.
func uuidOf[T ~[16]byte](id T) uuid.UUID { return uuid.UUID(id) }

func idBytes(u uuid.UUID) []byte {
	out := make([]byte, 16)
	copy(out, u[:])
	return out
}

func idFromBytes(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(b)
}
