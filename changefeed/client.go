package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/cfg"
	"github.com/daveisfera/rethinkdb/mailbox"
)

// Client is the per-node feed registry. It deduplicates feeds so all queries
// against one table share one mailbox and one set of reassembly buffers.
type Client struct {
	mgr    *mailbox.Manager
	source NamespaceSource

	queueSize        int
	reorderCap       int
	subscribeTimeout time.Duration

	mu     sync.RWMutex
	feeds  map[TableID]*Feed
	closed bool
}

// Option tunes a Client away from the configured defaults.
type Option func(*Client)

// WithQueueSize sets the per-subscription buffer before overflow.
func WithQueueSize(n int) Option {
	return func(c *Client) { c.queueSize = n }
}

// WithReorderCap bounds the per-server reorder buffer.
func WithReorderCap(n int) Option {
	return func(c *Client) { c.reorderCap = n }
}

// WithSubscribeTimeout bounds each shard registration round trip.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Client) { c.subscribeTimeout = d }
}

// NewClient builds a feed registry on top of the node's mailbox manager,
// resolving tables through source.
func NewClient(mgr *mailbox.Manager, source NamespaceSource, opts ...Option) *Client {
	c := &Client{
		mgr:              mgr,
		source:           source,
		queueSize:        cfg.Config.Changefeed.QueueSize,
		reorderCap:       cfg.Config.Changefeed.ReorderBufferSize,
		subscribeTimeout: time.Duration(cfg.Config.Changefeed.SubscribeTimeoutMS) * time.Millisecond,
		feeds:            make(map[TableID]*Feed),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe opens a subscription on the table, reusing the table's feed or
// creating it on first use. A feed tearing down between lookup and use is
// retried once against a fresh feed.
func (c *Client) Subscribe(ctx context.Context, table TableID, spec Keyspec) (*Subscription, error) {
	for attempt := 0; ; attempt++ {
		f, err := c.feedFor(ctx, table)
		if err != nil {
			return nil, err
		}
		sub, err := f.Subscribe(ctx, spec)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			continue
		}
		return sub, err
	}
}

// feedFor returns the table's live feed, resolving the table and creating
// the feed when there is none. The write lock stays held across the resolve
// so concurrent callers cannot race two feeds into existence for one table.
func (c *Client) feedFor(ctx context.Context, table TableID) (*Feed, error) {
	c.mu.RLock()
	f, ok := c.feeds[table]
	c.mu.RUnlock()
	if ok && !f.isDetached() {
		return f, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if f, ok := c.feeds[table]; ok && !f.isDetached() {
		return f, nil
	}

	access, err := c.source.Resolve(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTableUnavailable, err)
	}
	shards := access.Shards()
	if len(shards) == 0 {
		return nil, ErrTableUnavailable
	}

	f = newFeed(c, table, shards)
	c.feeds[table] = f
	log.Debug().Str("table", table.String()).Int("shards", len(shards)).Msg("Changefeed feed created")
	return f, nil
}

// maybeRemoveFeed drops the registry entry for a feed that emptied out.
// Safe to call any number of times, and a no-op when the entry was already
// replaced by a successor feed.
func (c *Client) maybeRemoveFeed(table TableID, f *Feed) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.feeds[table]
	if !ok || cur != f {
		return
	}
	if !f.empty() {
		return
	}
	delete(c.feeds, table)
}

// DetachFeed force-closes the table's feed, erroring its subscriptions.
// Used when a table is dropped out from under its watchers.
func (c *Client) DetachFeed(table TableID) {
	c.mu.Lock()
	f, ok := c.feeds[table]
	if ok {
		delete(c.feeds, table)
	}
	c.mu.Unlock()

	if ok {
		f.shutdown()
	}
}

// FeedCount returns the number of live feeds, for introspection.
func (c *Client) FeedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.feeds)
}

// Tables returns the tables with live feeds, for introspection.
func (c *Client) Tables() []TableID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TableID, 0, len(c.feeds))
	for t := range c.feeds {
		out = append(out, t)
	}
	return out
}

// Close errors out every subscription on every feed and refuses new ones.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	feeds := make([]*Feed, 0, len(c.feeds))
	for _, f := range c.feeds {
		feeds = append(feeds, f)
	}
	c.feeds = make(map[TableID]*Feed)
	c.mu.Unlock()

	for _, f := range feeds {
		f.shutdown()
	}
}
