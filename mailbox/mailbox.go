// Package mailbox provides named, addressable message endpoints over a
// cluster transport. Delivery is at-most-once; the transport is reliable and
// ordered for connected peers, and peer disappearance surfaces as send errors
// and watch signals.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned after the manager or transport has shut down.
	ErrClosed = errors.New("mailbox manager closed")

	// ErrPeerGone is returned when the destination node is not reachable.
	ErrPeerGone = errors.New("mailbox peer gone")

	// ErrNoResponder is returned by Respond when the message carries no
	// reply path.
	ErrNoResponder = errors.New("message has no responder")
)

// Addr identifies a single mailbox: the owning node plus a node-local
// mailbox number.
type Addr struct {
	Node string `msgpack:"node"`
	Box  uint64 `msgpack:"box"`
}

func (a Addr) String() string {
	return fmt.Sprintf("%s/%d", a.Node, a.Box)
}

// IsZero reports whether the address is unset.
func (a Addr) IsZero() bool {
	return a.Node == "" && a.Box == 0
}

// Message is a single inbound payload. Respond sends a reply when the sender
// used Request; for plain sends it returns ErrNoResponder.
type Message struct {
	Payload []byte

	respond func([]byte) error
}

// NewMessage builds an inbound message. Transports use this; tests may too.
func NewMessage(payload []byte, respond func([]byte) error) *Message {
	return &Message{Payload: payload, respond: respond}
}

func (m *Message) Respond(data []byte) error {
	if m.respond == nil {
		return ErrNoResponder
	}
	return m.respond(data)
}

// Handler consumes messages arriving at one mailbox. Handlers run on the
// transport's dispatch goroutine and may block; blocking suspends delivery
// for the whole node, not just the mailbox.
type Handler func(msg *Message)

// DeliverFunc is how a transport hands an inbound message to the local node.
type DeliverFunc func(box uint64, msg *Message)

// Link is a node's attachment to a transport.
type Link interface {
	Send(ctx context.Context, addr Addr, payload []byte) error
	Request(ctx context.Context, addr Addr, payload []byte) ([]byte, error)
	// WatchPeer returns a channel closed when the named peer disappears,
	// plus a cancel func releasing the watch.
	WatchPeer(node string) (<-chan struct{}, func())
	Close() error
}

// Transport connects nodes to each other.
type Transport interface {
	Attach(node string, deliver DeliverFunc) (Link, error)
}

// Manager owns the mailboxes of one node. Mailbox numbers are allocated
// monotonically and never reused within a process lifetime, so a message to
// a destroyed mailbox is dropped rather than misdelivered.
type Manager struct {
	node    string
	link    Link
	boxes   *xsync.MapOf[uint64, Handler]
	nextBox atomic.Uint64
	closed  atomic.Bool
}

// NewManager attaches a node to the transport and returns its manager.
func NewManager(node string, t Transport) (*Manager, error) {
	m := &Manager{
		node:  node,
		boxes: xsync.NewMapOf[uint64, Handler](),
	}

	link, err := t.Attach(node, m.deliver)
	if err != nil {
		return nil, fmt.Errorf("failed to attach node %s: %w", node, err)
	}
	m.link = link
	return m, nil
}

// Node returns the node identity this manager is attached as.
func (m *Manager) Node() string {
	return m.node
}

func (m *Manager) deliver(box uint64, msg *Message) {
	if m.closed.Load() {
		return
	}
	h, ok := m.boxes.Load(box)
	if !ok {
		// Late message for a destroyed mailbox; defense in depth
		log.Debug().Str("node", m.node).Uint64("box", box).Msg("Dropping message for unknown mailbox")
		return
	}
	h(msg)
}

// NewMailbox registers a handler and returns its address plus a destroy
// func. Destroy is idempotent; after it returns no new handler invocation
// starts for this mailbox.
func (m *Manager) NewMailbox(h Handler) (Addr, func()) {
	box := m.nextBox.Add(1)
	m.boxes.Store(box, h)

	destroy := func() {
		m.boxes.Delete(box)
	}
	return Addr{Node: m.node, Box: box}, destroy
}

// Send transmits a payload to addr. Errors indicate the peer is unreachable;
// the payload will not be retried.
func (m *Manager) Send(ctx context.Context, addr Addr, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.link.Send(ctx, addr, payload)
}

// Request transmits a payload and waits for the handler's Respond.
func (m *Manager) Request(ctx context.Context, addr Addr, payload []byte) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.link.Request(ctx, addr, payload)
}

// WatchPeer reports disappearance of the named peer node.
func (m *Manager) WatchPeer(node string) (<-chan struct{}, func()) {
	return m.link.WatchPeer(node)
}

// Close detaches from the transport. All mailboxes stop receiving.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.link.Close()
}
