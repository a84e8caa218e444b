package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// inprocInboxSize bounds undelivered messages per node. Senders block once
// the inbox is full, which models transport backpressure.
const inprocInboxSize = 4096

// InprocTransport wires nodes living in the same process. It preserves send
// order per destination node and is the transport used by tests and
// single-process deployments.
type InprocTransport struct {
	nodes    *xsync.MapOf[string, *inprocLink]
	watchers *xsync.MapOf[string, *peerWatchSet]
}

func NewInproc() *InprocTransport {
	return &InprocTransport{
		nodes:    xsync.NewMapOf[string, *inprocLink](),
		watchers: xsync.NewMapOf[string, *peerWatchSet](),
	}
}

type inprocDelivery struct {
	box uint64
	msg *Message
}

type inprocLink struct {
	t       *InprocTransport
	node    string
	deliver DeliverFunc
	inbox   chan inprocDelivery
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type peerWatchSet struct {
	mu    sync.Mutex
	gone  bool
	chans map[*struct{}]chan struct{}
}

func (s *peerWatchSet) add() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	if s.gone {
		close(ch)
		return ch, func() {}
	}
	key := new(struct{})
	s.chans[key] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.chans, key)
		s.mu.Unlock()
	}
}

func (s *peerWatchSet) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return
	}
	s.gone = true
	for _, ch := range s.chans {
		close(ch)
	}
	s.chans = map[*struct{}]chan struct{}{}
}

// Attach registers a node. Node names must be unique per transport.
func (t *InprocTransport) Attach(node string, deliver DeliverFunc) (Link, error) {
	l := &inprocLink{
		t:       t,
		node:    node,
		deliver: deliver,
		inbox:   make(chan inprocDelivery, inprocInboxSize),
		done:    make(chan struct{}),
	}
	if _, loaded := t.nodes.LoadOrStore(node, l); loaded {
		return nil, ErrClosed
	}

	l.wg.Add(1)
	go l.dispatchLoop()
	return l, nil
}

func (l *inprocLink) dispatchLoop() {
	defer l.wg.Done()
	for {
		select {
		case d := <-l.inbox:
			l.deliver(d.box, d.msg)
		case <-l.done:
			// Drain what was already enqueued, then stop
			for {
				select {
				case d := <-l.inbox:
					l.deliver(d.box, d.msg)
				default:
					return
				}
			}
		}
	}
}

func (l *inprocLink) enqueue(ctx context.Context, box uint64, msg *Message) error {
	select {
	case l.inbox <- inprocDelivery{box: box, msg: msg}:
		return nil
	case <-l.done:
		return ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *inprocLink) Send(ctx context.Context, addr Addr, payload []byte) error {
	target, ok := l.t.nodes.Load(addr.Node)
	if !ok || target.closed.Load() {
		return ErrPeerGone
	}
	return target.enqueue(ctx, addr.Box, NewMessage(payload, nil))
}

func (l *inprocLink) Request(ctx context.Context, addr Addr, payload []byte) ([]byte, error) {
	target, ok := l.t.nodes.Load(addr.Node)
	if !ok || target.closed.Load() {
		return nil, ErrPeerGone
	}

	reply := make(chan []byte, 1)
	msg := NewMessage(payload, func(data []byte) error {
		select {
		case reply <- data:
			return nil
		default:
			return nil // Duplicate respond; first one wins
		}
	})

	if err := target.enqueue(ctx, addr.Box, msg); err != nil {
		return nil, err
	}

	select {
	case data := <-reply:
		return data, nil
	case <-target.done:
		return nil, ErrPeerGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *inprocLink) WatchPeer(node string) (<-chan struct{}, func()) {
	set, _ := l.t.watchers.LoadOrCompute(node, func() *peerWatchSet {
		return &peerWatchSet{chans: map[*struct{}]chan struct{}{}}
	})
	if target, ok := l.t.nodes.Load(node); !ok || target.closed.Load() {
		set.fire()
	}
	return set.add()
}

func (l *inprocLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.t.nodes.Delete(l.node)
	close(l.done)
	l.wg.Wait()

	if set, ok := l.t.watchers.Load(l.node); ok {
		set.fire()
	}
	return nil
}
