package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daveisfera/rethinkdb/mailbox"
)

// capturedClient is a bare mailbox decoding every stamped message it
// receives, standing in for a feed.
type capturedClient struct {
	addr mailbox.Addr
	msgs chan StampedMsg
}

func newCapturedClient(t *testing.T, mgr *mailbox.Manager) *capturedClient {
	t.Helper()
	c := &capturedClient{msgs: make(chan StampedMsg, 256)}
	addr, destroy := mgr.NewMailbox(func(msg *mailbox.Message) {
		sm, err := DecodeStampedMsg(msg.Payload)
		if err != nil {
			t.Errorf("undecodable frame: %v", err)
			return
		}
		c.msgs <- sm
	})
	c.addr = addr
	t.Cleanup(destroy)
	return c
}

func (c *capturedClient) next(t *testing.T) StampedMsg {
	t.Helper()
	select {
	case sm := <-c.msgs:
		return sm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return StampedMsg{}
	}
}

func (c *capturedClient) expectNone(t *testing.T) {
	t.Helper()
	select {
	case sm := <-c.msgs:
		t.Fatalf("unexpected %s message with stamp %d", sm.Msg.Kind(), sm.Stamp)
	case <-time.After(100 * time.Millisecond):
	}
}

type serverFixture struct {
	transport *mailbox.InprocTransport
	srvMgr    *mailbox.Manager
	cliMgr    *mailbox.Manager
	server    *Server
}

func newServerFixture(t *testing.T, read ReadFunc) *serverFixture {
	t.Helper()
	transport := mailbox.NewInproc()
	srvMgr, err := mailbox.NewManager("srv-node", transport)
	require.NoError(t, err)
	cliMgr, err := mailbox.NewManager("cli-node", transport)
	require.NoError(t, err)

	if read == nil {
		read = func(ctx context.Context, r KeyRange, table, sindex string, sorting Sorting, n int) ([]LimitEntry, error) {
			return nil, nil
		}
	}
	server := NewServer(srvMgr, "test_table", read)
	t.Cleanup(func() {
		server.Close()
		_ = cliMgr.Close()
		_ = srvMgr.Close()
	})
	return &serverFixture{transport: transport, srvMgr: srvMgr, cliMgr: cliMgr, server: server}
}

func (fx *serverFixture) subscribe(t *testing.T, addr mailbox.Addr, spec Keyspec) SubscribeReply {
	t.Helper()
	rep, err := fx.server.register(SubscribeRequest{Addr: addr, Sub: NewSubscriptionID(), Spec: spec})
	require.NoError(t, err)
	return rep
}

func TestServerStampsContiguousPerClient(t *testing.T) {
	fx := newServerFixture(t, nil)
	c1 := newCapturedClient(t, fx.cliMgr)
	c2 := newCapturedClient(t, fx.cliMgr)

	rep1 := fx.subscribe(t, c1.addr, RangeSpec{Range: Universe()})
	rep2 := fx.subscribe(t, c2.addr, RangeSpec{Range: Universe()})
	require.Equal(t, uint64(0), rep1.Stamp)
	require.Equal(t, uint64(0), rep2.Stamp)

	for i := 0; i < 5; i++ {
		fx.server.OnWrite(context.Background(), WriteReport{
			Key:    Datum{byte('a' + i)},
			NewVal: Datum("v"),
		})
	}

	for _, c := range []*capturedClient{c1, c2} {
		for i := uint64(0); i < 5; i++ {
			sm := c.next(t)
			require.Equal(t, fx.server.ID(), sm.Server)
			require.Equal(t, i, sm.Stamp)
			require.Equal(t, "change", sm.Msg.Kind())
		}
	}
}

func TestServerRegionFiltering(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	fx.subscribe(t, c.addr, RangeSpec{Range: Range(Datum("a"), Datum("m"))})

	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("z"), NewVal: Datum("out")})
	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("b"), NewVal: Datum("in")})

	sm := c.next(t)
	ch := sm.Msg.(*Change)
	require.Equal(t, Datum("b"), ch.Key)
	// Filtered writes never reach the send path, so no stamp was consumed
	require.Equal(t, uint64(0), sm.Stamp)
	c.expectNone(t)
}

func TestServerPointSubscription(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	fx.subscribe(t, c.addr, PointSpec{Key: Datum("k")})

	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("k"), NewVal: Datum("v1")})
	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("k2"), NewVal: Datum("v2")})

	sm := c.next(t)
	require.Equal(t, Datum("k"), sm.Msg.(*Change).Key)
	c.expectNone(t)
}

func TestServerGetStamp(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	_, ok := fx.server.GetStamp(c.addr)
	require.False(t, ok)

	fx.subscribe(t, c.addr, RangeSpec{Range: Universe()})
	st, ok := fx.server.GetStamp(c.addr)
	require.True(t, ok)
	require.Equal(t, uint64(0), st)

	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("a"), NewVal: Datum("v")})
	c.next(t)

	st, ok = fx.server.GetStamp(c.addr)
	require.True(t, ok)
	require.Equal(t, uint64(1), st)
}

func TestServerUnsubscribeViaStopMailbox(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	fx.subscribe(t, c.addr, RangeSpec{Range: Universe()})

	data, err := EncodeUnsubscribe(Unsubscribe{Addr: c.addr})
	require.NoError(t, err)
	require.NoError(t, fx.cliMgr.Send(context.Background(), fx.server.StopAddr(), data))

	require.Eventually(t, func() bool {
		_, ok := fx.server.GetStamp(c.addr)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("a"), NewVal: Datum("v")})
	c.expectNone(t)
}

func TestServerStopAll(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	fx.subscribe(t, c.addr, RangeSpec{Range: Universe()})
	fx.server.StopAll()

	sm := c.next(t)
	require.Equal(t, "stop", sm.Msg.Kind())
	require.Equal(t, uint64(0), sm.Stamp)

	_, err := fx.server.register(SubscribeRequest{Addr: c.addr, Sub: NewSubscriptionID(), Spec: RangeSpec{Range: Universe()}})
	require.ErrorIs(t, err, ErrClosed)
}

func TestServerRejectsMalformedSpec(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	_, err := fx.server.register(SubscribeRequest{
		Addr: c.addr,
		Sub:  NewSubscriptionID(),
		Spec: LimitSpec{Sindex: "", Limit: 3},
	})
	require.ErrorIs(t, err, ErrMalformedKeyspec)

	_, err = fx.server.register(SubscribeRequest{
		Addr: c.addr,
		Sub:  NewSubscriptionID(),
		Spec: RangeSpec{Range: Range(Datum("z"), Datum("a"))},
	})
	require.ErrorIs(t, err, ErrMalformedKeyspec)
}

func TestServerRegistrationOverMailbox(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	req := SubscribeRequest{Addr: c.addr, Sub: NewSubscriptionID(), Spec: RangeSpec{Range: Universe()}}
	data, err := EncodeSubscribeRequest(req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := fx.cliMgr.Request(ctx, fx.server.RegisterAddr(), data)
	require.NoError(t, err)

	rep, err := DecodeSubscribeReply(resp)
	require.NoError(t, err)
	require.Equal(t, fx.server.ID(), rep.Server)
	require.Equal(t, uint64(0), rep.Stamp)
}

func TestServerDropsClientWhenPeerGone(t *testing.T) {
	fx := newServerFixture(t, nil)
	c := newCapturedClient(t, fx.cliMgr)

	fx.subscribe(t, c.addr, RangeSpec{Range: Universe()})
	require.NoError(t, fx.cliMgr.Close())

	require.Eventually(t, func() bool {
		_, ok := fx.server.GetStamp(c.addr)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
