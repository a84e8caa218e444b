package changefeed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/cfg"
	"github.com/daveisfera/rethinkdb/mailbox"
	"github.com/daveisfera/rethinkdb/telemetry"
)

// clientInfo is the server's bookkeeping for one subscribed client address.
// regions and limits are guarded by the server's client lock; the stamp
// counter and its send path are serialized by sendMu so that stamp order
// equals wire order per client.
type clientInfo struct {
	addr mailbox.Addr

	sendMu sync.Mutex
	stamp  atomic.Uint64

	regions []KeyRange
	limits  []*LimitManager

	unwatch func()
}

// Server is the per-shard broadcaster. It accepts subscriptions on its
// registration mailbox, tracks which client addresses want which regions,
// stamps every outgoing message with a per-client sequence number, and hosts
// the limit-window managers for ordered-prefix subscriptions.
type Server struct {
	id    ServerID
	mgr   *mailbox.Manager
	table string
	read  ReadFunc

	mu      sync.RWMutex
	clients map[mailbox.Addr]*clientInfo
	stopped bool

	stopAddr    mailbox.Addr
	regAddr     mailbox.Addr
	destroyStop func()
	destroyReg  func()

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer starts a broadcaster for one shard of the named table. read
// backs the initial snapshots and refills of limit windows.
func NewServer(mgr *mailbox.Manager, table string, read ReadFunc) *Server {
	if read == nil {
		read = func(context.Context, KeyRange, string, string, Sorting, int) ([]LimitEntry, error) {
			return nil, nil
		}
	}
	s := &Server{
		id:      NewServerID(),
		mgr:     mgr,
		table:   table,
		read:    read,
		clients: make(map[mailbox.Addr]*clientInfo),
		done:    make(chan struct{}),
	}
	s.regAddr, s.destroyReg = mgr.NewMailbox(s.onSubscribe)
	s.stopAddr, s.destroyStop = mgr.NewMailbox(s.onStop)

	log.Debug().
		Str("server", s.id.String()).
		Str("table", table).
		Msg("Changefeed server started")
	return s
}

// ID returns the broadcaster's identity, the key clients use for their
// reassembly buffers.
func (s *Server) ID() ServerID { return s.id }

// Table returns the table this shard belongs to.
func (s *Server) Table() string { return s.table }

// RegisterAddr is where SubscribeRequests go.
func (s *Server) RegisterAddr() mailbox.Addr { return s.regAddr }

// StopAddr is where Unsubscribes go.
func (s *Server) StopAddr() mailbox.Addr { return s.stopAddr }

func (s *Server) onSubscribe(msg *mailbox.Message) {
	req, err := DecodeSubscribeRequest(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("server", s.id.String()).Msg("Dropping bad subscribe request")
		return
	}

	rep, err := s.register(req)
	if err != nil {
		// No reply; the client's request times out and the subscription fails
		log.Warn().Err(err).
			Str("server", s.id.String()).
			Str("client", req.Addr.String()).
			Msg("Subscription rejected")
		return
	}

	data, err := EncodeSubscribeReply(rep)
	if err != nil {
		log.Error().Err(err).Msg("Unable to encode subscribe reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("client", req.Addr.String()).Msg("Unable to deliver subscribe reply")
	}
}

// register adds one subscription for the client address. The write lock is
// held across the whole registration, including the initial limit read and
// the LimitStart send, so concurrent broadcasts cannot interleave a diff
// before the snapshot and the replied stamp stays exact.
func (s *Server) register(req SubscribeRequest) (SubscribeReply, error) {
	if err := ValidateKeyspec(req.Spec); err != nil {
		return SubscribeReply{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return SubscribeReply{}, ErrClosed
	}

	c, ok := s.clients[req.Addr]
	if !ok {
		c = &clientInfo{addr: req.Addr}
		s.watchClient(c)
		s.clients[req.Addr] = c
		telemetry.ServerClients.Inc()
	}
	rep := SubscribeReply{Server: s.id, Stamp: c.stamp.Load()}

	if ls, isLimit := req.Spec.(LimitSpec); isLimit {
		lm := newLimitManager(s, c, req.Sub, ls)

		ctx, cancel := context.WithTimeout(context.Background(), s.subscribeTimeout())
		start, err := lm.init(ctx)
		cancel()
		if err != nil {
			return SubscribeReply{}, err
		}

		// The snapshot ships before the manager becomes visible to
		// ForeachLimit, so every diff the client sees has a preceding start
		if err := s.sendOne(c, &LimitStart{Sub: req.Sub, StartData: start}); err != nil {
			return SubscribeReply{}, err
		}
		c.limits = append(c.limits, lm)
		telemetry.LimitManagers.Inc()
	} else {
		// Only range and point subscriptions pull raw changes; window
		// subscriptions see their diffs exclusively
		c.regions = append(c.regions, req.Spec.Region())
	}

	return rep, nil
}

func (s *Server) onStop(msg *mailbox.Message) {
	u, err := DecodeUnsubscribe(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("server", s.id.String()).Msg("Dropping bad unsubscribe")
		return
	}
	s.dropClient(u.Addr)
}

// watchClient removes the client when its node leaves the cluster. Caller
// holds the write lock.
func (s *Server) watchClient(c *clientInfo) {
	gone, cancel := s.mgr.WatchPeer(c.addr.Node)
	c.unwatch = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-gone:
			log.Info().
				Str("server", s.id.String()).
				Str("client", c.addr.String()).
				Msg("Client node gone, dropping subscriptions")
			s.dropClient(c.addr)
		case <-s.done:
		}
	}()
}

func (s *Server) dropClient(addr mailbox.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropClientLocked(addr)
}

func (s *Server) dropClientLocked(addr mailbox.Addr) {
	c, ok := s.clients[addr]
	if !ok {
		return
	}
	delete(s.clients, addr)
	c.unwatch()
	telemetry.ServerClients.Dec()
	telemetry.LimitManagers.Sub(float64(len(c.limits)))
}

// SendAll broadcasts msg to every client whose subscribed regions intersect
// region. Send failures drop the failing client; the broadcast continues.
func (s *Server) SendAll(msg Msg, region KeyRange) {
	var failed []mailbox.Addr

	s.mu.RLock()
	for _, c := range s.clients {
		if !clientCovers(c, region) {
			continue
		}
		if err := s.sendOne(c, msg); err != nil {
			log.Warn().Err(err).
				Str("server", s.id.String()).
				Str("client", c.addr.String()).
				Msg("Send failed, dropping client")
			failed = append(failed, c.addr)
		}
	}
	s.mu.RUnlock()

	for _, addr := range failed {
		s.dropClient(addr)
	}
}

func clientCovers(c *clientInfo, region KeyRange) bool {
	for _, r := range c.regions {
		if r.Intersects(region) {
			return true
		}
	}
	return false
}

// sendOne stamps and transmits one message to one client. The stamp is read
// before the payload is encoded and bumped only once encoding succeeded, and
// the transport send happens inside sendMu, so per-client stamps are
// contiguous and arrive in stamp order.
func (s *Server) sendOne(c *clientInfo, msg Msg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	st := c.stamp.Load()
	data, err := EncodeStampedMsg(StampedMsg{Server: s.id, Stamp: st, Msg: msg})
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Kind(), err)
	}
	c.stamp.Store(st + 1)

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout())
	defer cancel()
	if err := s.mgr.Send(ctx, c.addr, data); err != nil {
		telemetry.SendFailuresTotal.Inc()
		return fmt.Errorf("send to %s failed: %w", c.addr.String(), err)
	}

	telemetry.MessagesSentTotal.With(msg.Kind()).Inc()
	return nil
}

// sendLimit transmits a limit diff to the manager's client. Called from
// Commit with the client read lock already held by ForeachLimit.
func (s *Server) sendLimit(c *clientInfo, lc *LimitChange) error {
	return s.sendOne(c, lc)
}

// GetStamp returns the next stamp the named client will receive, or false
// when the address is not subscribed. Reads that want a consistent cut of
// the change stream use this to know which stamps predate their snapshot.
func (s *Server) GetStamp(addr mailbox.Addr) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[addr]
	if !ok {
		return 0, false
	}
	return c.stamp.Load(), true
}

// ForeachLimit runs fn under each limit manager watching the named index.
// Managers are locked one at a time around fn; fn stages mutations and
// commits without further locking.
func (s *Server) ForeachLimit(sindex string, fn func(*LimitManager)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		for _, lm := range c.limits {
			if lm.spec.Sindex != sindex {
				continue
			}
			lm.mu.Lock()
			fn(lm)
			lm.mu.Unlock()
		}
	}
}

// SindexChange is one secondary index entry's movement in a write: the entry
// key before and after, nil on either side for absence.
type SindexChange struct {
	OldKey Datum
	NewKey Datum
}

// WriteReport describes one applied write for broadcast: the primary key,
// the row before and after (nil for insert or delete), and the touched
// secondary index entries keyed by index name. A window over the primary
// index itself reports under the empty index name.
type WriteReport struct {
	Key    Datum
	OldVal Datum
	NewVal Datum

	Sindexes map[string]SindexChange
}

// OnWrite fans one applied write out to the changefeed: a Change to every
// client whose regions contain the key, then staged updates and a commit on
// every limit window over a touched index.
func (s *Server) OnWrite(ctx context.Context, rep WriteReport) {
	s.SendAll(&Change{Key: rep.Key, OldVal: rep.OldVal, NewVal: rep.NewVal},
		Range(rep.Key, keySuccessor(rep.Key)))

	for name, ch := range rep.Sindexes {
		s.ForeachLimit(name, func(lm *LimitManager) {
			if ch.NewKey == nil {
				lm.Del(rep.Key)
			} else {
				lm.Add(ch.NewKey, rep.Key, rep.NewVal)
			}
			if err := lm.Commit(ctx); err != nil {
				log.Warn().Err(err).
					Str("server", s.id.String()).
					Str("sindex", name).
					Msg("Limit commit failed")
			}
		})
	}
}

// StopAll sends Stop to every client and refuses further registrations.
func (s *Server) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for addr, c := range s.clients {
		if err := s.sendOne(c, Stop{}); err != nil {
			log.Warn().Err(err).Str("client", addr.String()).Msg("Stop send failed")
		}
		s.dropClientLocked(addr)
	}
}

// Close stops the broadcaster: clients get Stop, the mailboxes go away and
// the watch goroutines drain.
func (s *Server) Close() {
	s.StopAll()
	s.destroyReg()
	s.destroyStop()
	close(s.done)
	s.wg.Wait()

	log.Debug().Str("server", s.id.String()).Msg("Changefeed server closed")
}

func (s *Server) subscribeTimeout() time.Duration {
	return time.Duration(cfg.Config.Changefeed.SubscribeTimeoutMS) * time.Millisecond
}

func (s *Server) sendTimeout() time.Duration {
	return time.Duration(cfg.Config.Changefeed.SendTimeoutMS) * time.Millisecond
}
