package changefeed

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/mailbox"
	"github.com/daveisfera/rethinkdb/telemetry"
)

// serverState is a feed's view of one broadcaster: where to unsubscribe,
// the next stamp owed, and the reorder buffer holding early arrivals.
type serverState struct {
	stopAddr mailbox.Addr
	next     uint64
	pending  map[uint64]Msg
	stopped  bool
}

// Feed is the per-table demultiplexer on a client node. It owns one mailbox
// all of the table's broadcasters send to, reassembles each broadcaster's
// stream back into stamp order, and routes messages to the subscriptions
// that want them. All queries against one table on one node share one feed.
type Feed struct {
	table    TableID
	registry *Client
	mgr      *mailbox.Manager
	shards   []Shard

	addr    mailbox.Addr
	destroy func()

	queueSize        int
	reorderCap       int
	subscribeTimeout time.Duration

	mu          sync.Mutex
	servers     map[ServerID]*serverState
	subs        map[SubscriptionID]*Subscription
	removedSubs map[SubscriptionID]struct{}
	orphans     map[ServerID][]StampedMsg
	orphanCount int
	failed      error
	detached    bool
}

func newFeed(registry *Client, table TableID, shards []Shard) *Feed {
	f := &Feed{
		table:            table,
		registry:         registry,
		mgr:              registry.mgr,
		shards:           shards,
		queueSize:        registry.queueSize,
		reorderCap:       registry.reorderCap,
		subscribeTimeout: registry.subscribeTimeout,
		servers:          make(map[ServerID]*serverState),
		subs:             make(map[SubscriptionID]*Subscription),
		removedSubs:      make(map[SubscriptionID]struct{}),
		orphans:          make(map[ServerID][]StampedMsg),
	}
	f.addr, f.destroy = registry.mgr.NewMailbox(f.onMessage)
	telemetry.Feeds.Inc()
	return f
}

// Table returns the table this feed serves.
func (f *Feed) Table() TableID { return f.table }

// Addr returns the feed's delivery mailbox.
func (f *Feed) Addr() mailbox.Addr { return f.addr }

// Subscribe registers a new subscription covering spec. The subscription is
// routed to every shard whose region intersects the spec's region; it
// starts delivering once all of them acknowledged.
func (f *Feed) Subscribe(ctx context.Context, spec Keyspec) (*Subscription, error) {
	if err := ValidateKeyspec(spec); err != nil {
		return nil, err
	}

	region := spec.Region()
	var targets []Shard
	for _, sh := range f.shards {
		if sh.Region.Intersects(region) {
			targets = append(targets, sh)
		}
	}
	if len(targets) == 0 {
		return nil, ErrTableUnavailable
	}

	sub := newSubscription(f, spec, f.queueSize)

	// The subscription must be routable before the first shard replies:
	// a limit snapshot can land in the mailbox ahead of the reply
	f.mu.Lock()
	if f.failed != nil || f.detached {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.subs[sub.id] = sub
	f.mu.Unlock()

	// Register with the covering shards in parallel. The feed lock stays
	// free here so inbound traffic keeps flowing during the round trips.
	futs := make([]*future.Future[SubscribeReply], len(targets))
	for i, sh := range targets {
		p := future.NewPromise[SubscribeReply]()
		futs[i] = p.Future()
		go func(sh Shard, p *future.Promise[SubscribeReply]) {
			p.Set(f.registerWith(ctx, sh, sub.id, spec))
		}(sh, p)
	}

	for i, fut := range futs {
		rep, err := fut.Get()
		if err != nil {
			f.abortSubscribe(sub)
			return nil, fmt.Errorf("%w: shard %d: %v", ErrShardUnreachable, i, err)
		}
		f.seedServer(rep.Server, rep.Stamp, targets[i].StopAddr)

		f.mu.Lock()
		sub.servers[rep.Server] = struct{}{}
		f.mu.Unlock()
	}

	telemetry.Subscriptions.Inc()
	return sub, nil
}

func (f *Feed) registerWith(ctx context.Context, sh Shard, sub SubscriptionID, spec Keyspec) (SubscribeReply, error) {
	data, err := EncodeSubscribeRequest(SubscribeRequest{Addr: f.addr, Sub: sub, Spec: spec})
	if err != nil {
		return SubscribeReply{}, fmt.Errorf("failed to encode subscribe request: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, f.subscribeTimeout)
	defer cancel()
	resp, err := f.mgr.Request(rctx, sh.RegisterAddr, data)
	if err != nil {
		return SubscribeReply{}, fmt.Errorf("registration with %s failed: %w", sh.RegisterAddr.String(), err)
	}
	return DecodeSubscribeReply(resp)
}

// abortSubscribe undoes a half-done registration.
func (f *Feed) abortSubscribe(sub *Subscription) {
	sub.terminate(ErrShardUnreachable)
	f.removeSub(sub.id)
}

// seedServer records a broadcaster the moment its first reply arrives, and
// replays any of its messages that beat the reply to the mailbox. Later
// registrations with an already-seeded broadcaster change nothing: the
// stream position is wherever reassembly has advanced to.
func (f *Feed) seedServer(id ServerID, stamp uint64, stopAddr mailbox.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.servers[id]; ok {
		return
	}
	st := &serverState{
		stopAddr: stopAddr,
		next:     stamp,
		pending:  make(map[uint64]Msg),
	}
	f.servers[id] = st

	early := f.orphans[id]
	delete(f.orphans, id)
	f.orphanCount -= len(early)
	for _, sm := range early {
		f.dispatchLocked(id, st, sm)
	}
}

// onMessage is the mailbox handler. It runs on the transport's dispatch
// goroutine, so arrival order here is wire order.
func (f *Feed) onMessage(msg *mailbox.Message) {
	sm, err := DecodeStampedMsg(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("table", f.table.String()).Msg("Dropping undecodable changefeed message")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failed != nil || f.detached {
		return
	}

	st, ok := f.servers[sm.Server]
	if !ok {
		// Broadcast raced the registration reply; hold until seeded
		f.orphans[sm.Server] = append(f.orphans[sm.Server], sm)
		f.orphanCount++
		if f.orphanCount > f.reorderCap {
			f.failLocked(fmt.Errorf("%d messages from unannounced servers", f.orphanCount))
		}
		return
	}
	f.dispatchLocked(sm.Server, st, sm)
}

// dispatchLocked advances one broadcaster's reassembly: deliver in-order
// messages, buffer early ones, drop stale duplicates.
func (f *Feed) dispatchLocked(id ServerID, st *serverState, sm StampedMsg) {
	if sm.Stamp < st.next {
		telemetry.StaleDropsTotal.Inc()
		return
	}
	if sm.Stamp > st.next {
		telemetry.ReorderedTotal.Inc()
		st.pending[sm.Stamp] = sm.Msg
		if len(st.pending) > f.reorderCap {
			f.failLocked(fmt.Errorf("reorder buffer for server %s exceeded %d messages", id.String(), f.reorderCap))
		}
		return
	}

	f.deliverLocked(id, st, sm.Msg)
	st.next++
	for {
		m, ok := st.pending[st.next]
		if !ok {
			return
		}
		delete(st.pending, st.next)
		f.deliverLocked(id, st, m)
		st.next++
	}
}

func (f *Feed) deliverLocked(id ServerID, st *serverState, msg Msg) {
	switch m := msg.(type) {
	case Stop:
		st.stopped = true
		f.stopServerSubsLocked(id)

	case *Change:
		for _, sub := range f.subs {
			if wantsChange(sub.spec, m.Key) {
				sub.push(m)
			}
		}

	case *LimitStart:
		f.pushLimitLocked(m.Sub, m)

	case *LimitChange:
		f.pushLimitLocked(m.Sub, m)

	default:
		f.failLocked(fmt.Errorf("unroutable message kind %s", msg.Kind()))
	}
}

func wantsChange(spec Keyspec, key Datum) bool {
	switch s := spec.(type) {
	case RangeSpec:
		return s.Range.Contains(key)
	case PointSpec:
		return s.Key.Compare(key) == 0
	default:
		// Limit subscriptions consume window diffs, never raw changes
		return false
	}
}

// pushLimitLocked routes a window message to its subscription. A diff for a
// subscription this feed never knew means the streams crossed between feeds
// somehow, and nothing downstream can be trusted.
func (f *Feed) pushLimitLocked(id SubscriptionID, msg Msg) {
	if sub, ok := f.subs[id]; ok {
		sub.push(msg)
		return
	}
	if _, ok := f.removedSubs[id]; ok {
		// In-flight diff for a dropped subscription
		return
	}
	f.failLocked(fmt.Errorf("limit message for unknown subscription %s", id.String()))
}

// stopServerSubsLocked ends every subscription routed through the stopped
// broadcaster. Their streams are complete, so they finish cleanly.
func (f *Feed) stopServerSubsLocked(id ServerID) {
	for subID, sub := range f.subs {
		if _, ok := sub.servers[id]; !ok {
			continue
		}
		sub.terminate(io.EOF)
		delete(f.subs, subID)
		f.removedSubs[subID] = struct{}{}
		telemetry.Subscriptions.Dec()
	}
	if len(f.subs) == 0 {
		f.teardownLocked()
	}
}

// failLocked declares the feed broken: an ordering or routing invariant did
// not hold, so every subscription errors out rather than risk silent loss.
func (f *Feed) failLocked(cause error) {
	if f.failed != nil {
		return
	}
	f.failed = cause
	telemetry.FeedFailuresTotal.Inc()
	log.Error().Err(cause).Str("table", f.table.String()).Msg("Changefeed feed failed")

	for id, sub := range f.subs {
		sub.terminate(ErrClosed)
		delete(f.subs, id)
		f.removedSubs[id] = struct{}{}
		telemetry.Subscriptions.Dec()
	}
	f.teardownLocked()
}

// removeSub detaches one subscription, tearing the feed down when it was
// the last one.
func (f *Feed) removeSub(id SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[id]; !ok {
		return
	}
	delete(f.subs, id)
	f.removedSubs[id] = struct{}{}
	telemetry.Subscriptions.Dec()

	if len(f.subs) == 0 && !f.detached {
		f.teardownLocked()
	}
}

// teardownLocked detaches the feed from the fabric. Unsubscribing and the
// registry callback happen on a fresh goroutine: the registry lock sits
// above the feed lock, so neither may be taken here.
func (f *Feed) teardownLocked() {
	if f.detached {
		return
	}
	f.detached = true
	telemetry.Feeds.Dec()

	stops := make([]mailbox.Addr, 0, len(f.servers))
	for _, st := range f.servers {
		if !st.stopped && !st.stopAddr.IsZero() {
			stops = append(stops, st.stopAddr)
		}
	}

	go func() {
		data, err := EncodeUnsubscribe(Unsubscribe{Addr: f.addr})
		if err == nil {
			for _, addr := range stops {
				ctx, cancel := context.WithTimeout(context.Background(), f.subscribeTimeout)
				if err := f.mgr.Send(ctx, addr, data); err != nil {
					log.Debug().Err(err).Str("addr", addr.String()).Msg("Unsubscribe send failed")
				}
				cancel()
			}
		}
		f.destroy()
		if f.registry != nil {
			f.registry.maybeRemoveFeed(f.table, f)
		}
	}()
}

// shutdown force-closes the feed, erroring out its subscriptions. Used by
// the registry's Close.
func (f *Feed) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLocked(ErrClosed)
}

func (f *Feed) isDetached() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detached || f.failed != nil
}

// empty reports whether the feed has no live subscriptions. Callers hold
// the registry lock; taking the feed lock under it follows the lock order.
func (f *Feed) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs) == 0 && f.detached
}
