package changefeed

import (
	"context"
	"io"
	"sync"

	"github.com/daveisfera/rethinkdb/telemetry"
)

// Subscription is one query's view into a feed: a bounded queue of messages
// plus a terminal state. The feed pushes, the query pulls via Next.
//
// The queue never blocks the feed. When it fills up the subscription is
// terminated with ErrOverflow so that one slow consumer cannot stall the
// siblings sharing the feed.
type Subscription struct {
	id   SubscriptionID
	spec Keyspec
	feed *Feed

	events chan Msg
	done   chan struct{}

	mu  sync.Mutex
	err error

	termOnce  sync.Once
	closeOnce sync.Once

	// servers this subscription is routed through; owned by the feed and
	// only touched under the feed's lock
	servers map[ServerID]struct{}
}

func newSubscription(feed *Feed, spec Keyspec, queueSize int) *Subscription {
	return &Subscription{
		id:      NewSubscriptionID(),
		spec:    spec,
		feed:    feed,
		events:  make(chan Msg, queueSize),
		done:    make(chan struct{}),
		servers: make(map[ServerID]struct{}),
	}
}

// ID returns the subscription identity used to target limit diffs.
func (s *Subscription) ID() SubscriptionID {
	return s.id
}

// Next returns the next message. Buffered messages drain even after the
// subscription went terminal; once drained, Next returns the terminal error.
// A clean server Stop ends the stream with io.EOF.
func (s *Subscription) Next(ctx context.Context) (Msg, error) {
	select {
	case m := <-s.events:
		return m, nil
	default:
	}

	select {
	case m := <-s.events:
		return m, nil
	case <-s.done:
		// Events pushed just before termination may still be queued
		select {
		case m := <-s.events:
			return m, nil
		default:
		}
		return nil, s.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close drops the subscription. The feed may tear itself down if this was
// the last one.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.terminate(ErrClosed)
		if s.feed != nil {
			s.feed.removeSub(s.id)
		}
	})
}

func (s *Subscription) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// terminate moves the subscription to its terminal state. First caller
// wins; later arrivals for this subscription are discarded.
func (s *Subscription) terminate(err error) {
	s.termOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// push enqueues a message without blocking. Returns false when the
// subscription is terminal afterwards (already terminated, or overflowed by
// this push).
func (s *Subscription) push(m Msg) bool {
	if s.terminated() {
		return false
	}
	select {
	case s.events <- m:
		return true
	default:
		telemetry.OverflowTotal.Inc()
		s.terminate(ErrOverflow)
		return false
	}
}
