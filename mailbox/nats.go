package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/encoding"
)

// NatsTransport carries mailbox traffic over core NATS. Each node owns one
// inbound subject; request/reply maps onto NATS request/reply. Core NATS
// preserves publish order per connection, which is what the changefeed
// reassembly layer assumes of the fabric.
type NatsTransport struct {
	url           string
	subjectPrefix string
	probeInterval time.Duration
	probeTimeout  time.Duration
}

// NatsOption tweaks transport construction.
type NatsOption func(*NatsTransport)

// WithProbeInterval overrides how often peers are probed for liveness.
func WithProbeInterval(d time.Duration) NatsOption {
	return func(t *NatsTransport) { t.probeInterval = d }
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) NatsOption {
	return func(t *NatsTransport) { t.probeTimeout = d }
}

// NewNats creates a NATS transport. subjectPrefix namespaces all subjects so
// multiple clusters can share one NATS deployment.
func NewNats(url, subjectPrefix string, opts ...NatsOption) *NatsTransport {
	t := &NatsTransport{
		url:           url,
		subjectPrefix: subjectPrefix,
		probeInterval: 5 * time.Second,
		probeTimeout:  2 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// natsEnvelope is the wire frame around every mailbox payload.
type natsEnvelope struct {
	Box     uint64 `msgpack:"box"`
	Payload []byte `msgpack:"data"`
}

type natsLink struct {
	t    *NatsTransport
	node string
	nc   *nats.Conn
	subs []*nats.Subscription

	mu     sync.Mutex
	closed bool
}

func (t *NatsTransport) subject(node string) string {
	return t.subjectPrefix + "." + sanitizeToken(node)
}

func (t *NatsTransport) probeSubject(node string) string {
	return t.subjectPrefix + ".probe." + sanitizeToken(node)
}

// Attach connects to NATS and subscribes the node's inbound and probe
// subjects.
func (t *NatsTransport) Attach(node string, deliver DeliverFunc) (Link, error) {
	nc, err := nats.Connect(t.url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	l := &natsLink{t: t, node: node, nc: nc}

	inSub, err := nc.Subscribe(t.subject(node), func(m *nats.Msg) {
		var env natsEnvelope
		if err := encoding.Unmarshal(m.Data, &env); err != nil {
			log.Warn().Err(err).Str("node", node).Msg("Dropping undecodable mailbox frame")
			return
		}
		var respond func([]byte) error
		if m.Reply != "" {
			respond = m.Respond
		}
		deliver(env.Box, NewMessage(env.Payload, respond))
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", t.subject(node), err)
	}

	probeSub, err := nc.Subscribe(t.probeSubject(node), func(m *nats.Msg) {
		_ = m.Respond(nil)
	})
	if err != nil {
		_ = inSub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe probe subject: %w", err)
	}

	l.subs = []*nats.Subscription{inSub, probeSub}
	log.Info().Str("node", node).Str("subject", t.subject(node)).Msg("Attached mailbox node to NATS")
	return l, nil
}

func (l *natsLink) frame(addr Addr, payload []byte) ([]byte, error) {
	data, err := encoding.Marshal(natsEnvelope{Box: addr.Box, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode mailbox frame: %w", err)
	}
	return data, nil
}

func (l *natsLink) Send(ctx context.Context, addr Addr, payload []byte) error {
	data, err := l.frame(addr, payload)
	if err != nil {
		return err
	}
	if err := l.nc.Publish(l.t.subject(addr.Node), data); err != nil {
		return fmt.Errorf("%w: %s", ErrPeerGone, err)
	}
	return nil
}

func (l *natsLink) Request(ctx context.Context, addr Addr, payload []byte) ([]byte, error) {
	data, err := l.frame(addr, payload)
	if err != nil {
		return nil, err
	}
	msg, err := l.nc.RequestWithContext(ctx, l.t.subject(addr.Node), data)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s", ErrPeerGone, err)
	}
	return msg.Data, nil
}

// WatchPeer probes the peer's probe subject on an interval; a failed probe
// fires the watch. Core NATS has no presence primitive, so this is the
// detection mechanism.
func (l *natsLink) WatchPeer(node string) (<-chan struct{}, func()) {
	gone := make(chan struct{})
	stop := make(chan struct{})
	var once, stopOnce sync.Once

	go func() {
		ticker := time.NewTicker(l.t.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.t.probeTimeout)
				_, err := l.nc.RequestWithContext(ctx, l.t.probeSubject(node), nil)
				cancel()
				if err != nil {
					log.Debug().Str("peer", node).Err(err).Msg("Peer probe failed")
					once.Do(func() { close(gone) })
					return
				}
			}
		}
	}()

	return gone, func() { stopOnce.Do(func() { close(stop) }) }
}

func (l *natsLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	for _, s := range l.subs {
		_ = s.Unsubscribe()
	}
	// Drain flushes in-flight messages before closing
	if err := l.nc.Drain(); err != nil {
		l.nc.Close()
	}
	return nil
}

// sanitizeToken converts a node name into a valid NATS subject token.
// Subject tokens can't contain "." or whitespace so we replace with "_".
func sanitizeToken(node string) string {
	result := make([]byte, len(node))
	for i := 0; i < len(node); i++ {
		switch node[i] {
		case '.', ' ', '\t', '>', '*':
			result[i] = '_'
		default:
			result[i] = node[i]
		}
	}
	return string(result)
}
