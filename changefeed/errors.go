package changefeed

import "errors"

// Query-visible error kinds. Each one terminates the subscription that
// observes it; siblings on the same feed are unaffected unless the feed
// itself is declared broken.
var (
	// ErrOverflow terminates a subscription whose queue filled up faster
	// than the query drained it.
	ErrOverflow = errors.New("changefeed cache over array size limit")

	// ErrTableUnavailable means the namespace source could not resolve the
	// table to its shard set.
	ErrTableUnavailable = errors.New("table unavailable")

	// ErrShardUnreachable means a covering shard's server could not be
	// reached or disappeared mid-feed.
	ErrShardUnreachable = errors.New("shard unreachable")

	// ErrMalformedKeyspec rejects an invalid subscription spec.
	ErrMalformedKeyspec = errors.New("malformed keyspec")

	// ErrClosed means the feed terminated: teardown raced the caller, an
	// ordering invariant broke, or the node is shutting down.
	ErrClosed = errors.New("changefeed closed")
)
