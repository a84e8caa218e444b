package changefeed

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daveisfera/rethinkdb/mailbox"
)

type staticSource struct {
	shards []Shard
}

func (s staticSource) Resolve(_ context.Context, _ TableID) (NamespaceAccess, error) {
	return s, nil
}

func (s staticSource) Shards() []Shard { return s.shards }

type failingSource struct{}

func (failingSource) Resolve(_ context.Context, _ TableID) (NamespaceAccess, error) {
	return nil, errors.New("no such table")
}

type feedFixture struct {
	*serverFixture
	client *Client
	table  TableID
}

func newFeedFixture(t *testing.T, read ReadFunc, opts ...Option) *feedFixture {
	t.Helper()
	fx := newServerFixture(t, read)
	source := staticSource{shards: []Shard{{
		Region:       Universe(),
		RegisterAddr: fx.server.RegisterAddr(),
		StopAddr:     fx.server.StopAddr(),
	}}}
	client := NewClient(fx.cliMgr, source, opts...)
	t.Cleanup(client.Close)
	return &feedFixture{serverFixture: fx, client: client, table: NewTableID()}
}

func subNext(t *testing.T, sub *Subscription) Msg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := sub.Next(ctx)
	require.NoError(t, err)
	return m
}

func subNextErr(t *testing.T, sub *Subscription) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	require.Error(t, err)
	return err
}

func TestSubscribeReceivesChangesInOrder(t *testing.T) {
	fx := newFeedFixture(t, nil)

	sub, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)
	defer sub.Close()

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		fx.server.OnWrite(context.Background(), WriteReport{Key: Datum(k), NewVal: Datum("v-" + k)})
	}

	for _, k := range keys {
		m := subNext(t, sub)
		ch, ok := m.(*Change)
		require.True(t, ok, "expected change, got %s", m.Kind())
		require.Equal(t, Datum(k), ch.Key)
		require.Equal(t, Datum("v-"+k), ch.NewVal)
	}
}

func TestStopEndsSubscriptionCleanly(t *testing.T) {
	fx := newFeedFixture(t, nil)

	sub, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)

	fx.server.StopAll()

	err = subNextErr(t, sub)
	require.ErrorIs(t, err, io.EOF)
}

func TestFeedSharedAcrossSubscriptions(t *testing.T) {
	fx := newFeedFixture(t, nil)

	sub1, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := fx.client.Subscribe(context.Background(), fx.table, PointSpec{Key: Datum("k")})
	require.NoError(t, err)
	defer sub2.Close()

	require.Equal(t, 1, fx.client.FeedCount())

	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("k"), NewVal: Datum("v")})

	require.Equal(t, Datum("k"), subNext(t, sub1).(*Change).Key)
	require.Equal(t, Datum("k"), subNext(t, sub2).(*Change).Key)
}

func TestOverflowTerminatesOnlySlowSubscription(t *testing.T) {
	fx := newFeedFixture(t, nil, WithQueueSize(1))

	slow, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)
	fast, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)
	defer fast.Close()

	// Drain fast after each write; slow never drains and overflows on the
	// second delivery
	for i := 0; i < 3; i++ {
		fx.server.OnWrite(context.Background(), WriteReport{Key: Datum{byte('a' + i)}, NewVal: Datum("v")})
		subNext(t, fast)
	}

	m := subNext(t, slow)
	require.Equal(t, Datum("a"), m.(*Change).Key)

	err = subNextErr(t, slow)
	require.ErrorIs(t, err, ErrOverflow)
	require.EqualError(t, err, "changefeed cache over array size limit")

	// The sibling keeps flowing
	fx.server.OnWrite(context.Background(), WriteReport{Key: Datum("x"), NewVal: Datum("v")})
	require.Equal(t, Datum("x"), subNext(t, fast).(*Change).Key)
}

func TestLimitSubscriptionEndToEnd(t *testing.T) {
	idx := newMemIndex()
	idx.set("1", "a", "ra")
	idx.set("2", "b", "rb")
	idx.set("3", "c", "rc")

	fx := newFeedFixture(t, idx.read)

	sub, err := fx.client.Subscribe(context.Background(), fx.table, limitSpec(2, Ascending))
	require.NoError(t, err)
	defer sub.Close()

	start, ok := subNext(t, sub).(*LimitStart)
	require.True(t, ok)
	require.Equal(t, sub.ID(), start.Sub)
	require.Len(t, start.StartData, 2)
	require.Equal(t, Datum("1"), start.StartData[0].SortKey)
	require.Equal(t, Datum("2"), start.StartData[1].SortKey)

	idx.upsert(fx.serverFixture, "0", "z", "rz")

	del, ok := subNext(t, sub).(*LimitChange)
	require.True(t, ok)
	require.Equal(t, Datum("2"), del.OldKey)
	require.Nil(t, del.NewVal)

	ins, ok := subNext(t, sub).(*LimitChange)
	require.True(t, ok)
	require.Equal(t, Datum("0"), ins.NewVal.SortKey)
}

func TestFeedReassemblesOutOfOrderStamps(t *testing.T) {
	fx := newFeedFixture(t, nil)

	f, err := fx.client.feedFor(context.Background(), fx.table)
	require.NoError(t, err)

	sub := newSubscription(f, RangeSpec{Range: Universe()}, 16)
	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()

	sid := NewServerID()
	f.seedServer(sid, 0, mailbox.Addr{})

	deliver := func(stamp uint64, key string) {
		data, err := EncodeStampedMsg(StampedMsg{Server: sid, Stamp: stamp, Msg: &Change{Key: Datum(key), NewVal: Datum("v")}})
		require.NoError(t, err)
		f.onMessage(mailbox.NewMessage(data, nil))
	}

	deliver(2, "c")
	deliver(0, "a")
	deliver(1, "b")
	deliver(0, "a") // stale duplicate, dropped

	for _, k := range []string{"a", "b", "c"} {
		require.Equal(t, Datum(k), subNext(t, sub).(*Change).Key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFeedFailsWhenReorderBufferOverflows(t *testing.T) {
	fx := newFeedFixture(t, nil, WithReorderCap(2))

	f, err := fx.client.feedFor(context.Background(), fx.table)
	require.NoError(t, err)

	sub := newSubscription(f, RangeSpec{Range: Universe()}, 16)
	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()

	sid := NewServerID()
	f.seedServer(sid, 0, mailbox.Addr{})

	// Stamps far ahead of the expected 0 pile up in the reorder buffer
	for stamp := uint64(5); stamp <= 8; stamp++ {
		data, err := EncodeStampedMsg(StampedMsg{Server: sid, Stamp: stamp, Msg: &Change{Key: Datum("k")}})
		require.NoError(t, err)
		f.onMessage(mailbox.NewMessage(data, nil))
	}

	err = subNextErr(t, sub)
	require.ErrorIs(t, err, ErrClosed)
}

func TestFeedFailsOnUnknownLimitSubscription(t *testing.T) {
	fx := newFeedFixture(t, nil)

	f, err := fx.client.feedFor(context.Background(), fx.table)
	require.NoError(t, err)

	sub := newSubscription(f, RangeSpec{Range: Universe()}, 16)
	f.mu.Lock()
	f.subs[sub.id] = sub
	f.mu.Unlock()

	sid := NewServerID()
	f.seedServer(sid, 0, mailbox.Addr{})

	data, err := EncodeStampedMsg(StampedMsg{Server: sid, Stamp: 0, Msg: &LimitChange{Sub: NewSubscriptionID(), OldKey: Datum("1")}})
	require.NoError(t, err)
	f.onMessage(mailbox.NewMessage(data, nil))

	err = subNextErr(t, sub)
	require.ErrorIs(t, err, ErrClosed)
}

func TestFeedDropsLateDiffForRemovedSubscription(t *testing.T) {
	fx := newFeedFixture(t, nil)

	f, err := fx.client.feedFor(context.Background(), fx.table)
	require.NoError(t, err)

	live := newSubscription(f, RangeSpec{Range: Universe()}, 16)
	removed := NewSubscriptionID()
	f.mu.Lock()
	f.subs[live.id] = live
	f.removedSubs[removed] = struct{}{}
	f.mu.Unlock()

	sid := NewServerID()
	f.seedServer(sid, 0, mailbox.Addr{})

	data, err := EncodeStampedMsg(StampedMsg{Server: sid, Stamp: 0, Msg: &LimitChange{Sub: removed, OldKey: Datum("1")}})
	require.NoError(t, err)
	f.onMessage(mailbox.NewMessage(data, nil))

	// The feed survives; the live subscription still receives
	data, err = EncodeStampedMsg(StampedMsg{Server: sid, Stamp: 1, Msg: &Change{Key: Datum("k"), NewVal: Datum("v")}})
	require.NoError(t, err)
	f.onMessage(mailbox.NewMessage(data, nil))

	require.Equal(t, Datum("k"), subNext(t, live).(*Change).Key)
}

func TestFeedTornDownWhenLastSubscriptionCloses(t *testing.T) {
	fx := newFeedFixture(t, nil)

	sub, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)
	require.Equal(t, 1, fx.client.FeedCount())

	sub.Close()

	require.Eventually(t, func() bool {
		return fx.client.FeedCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The broadcaster forgets the feed's address after the unsubscribe
	require.Eventually(t, func() bool {
		_, ok := fx.server.GetStamp(sub.feed.addr)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// A new subscription builds a fresh feed
	sub2, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)
	defer sub2.Close()
	require.Equal(t, 1, fx.client.FeedCount())
}

func TestMaybeRemoveFeedIdempotent(t *testing.T) {
	fx := newFeedFixture(t, nil)

	sub, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)

	f, err := fx.client.feedFor(context.Background(), fx.table)
	require.NoError(t, err)

	sub.Close()
	require.Eventually(t, func() bool {
		return fx.client.FeedCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	fx.client.maybeRemoveFeed(fx.table, f)
	fx.client.maybeRemoveFeed(fx.table, f)
	require.Equal(t, 0, fx.client.FeedCount())
}

func TestClientCloseErrorsSubscriptions(t *testing.T) {
	fx := newFeedFixture(t, nil)

	sub, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.NoError(t, err)

	fx.client.Close()

	err = subNextErr(t, sub)
	require.ErrorIs(t, err, ErrClosed)

	_, err = fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Universe()})
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeUnresolvableTable(t *testing.T) {
	transport := mailbox.NewInproc()
	mgr, err := mailbox.NewManager("cli-node", transport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	client := NewClient(mgr, failingSource{})
	t.Cleanup(client.Close)

	_, err = client.Subscribe(context.Background(), NewTableID(), RangeSpec{Range: Universe()})
	require.ErrorIs(t, err, ErrTableUnavailable)
}

func TestSubscribeRejectsMalformedSpec(t *testing.T) {
	fx := newFeedFixture(t, nil)

	_, err := fx.client.Subscribe(context.Background(), fx.table, RangeSpec{Range: Range(Datum("z"), Datum("a"))})
	require.ErrorIs(t, err, ErrMalformedKeyspec)

	_, err = fx.client.Subscribe(context.Background(), fx.table, nil)
	require.ErrorIs(t, err, ErrMalformedKeyspec)
}

func TestMultiShardSubscription(t *testing.T) {
	transport := mailbox.NewInproc()
	srvMgr, err := mailbox.NewManager("srv-node", transport)
	require.NoError(t, err)
	cliMgr, err := mailbox.NewManager("cli-node", transport)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cliMgr.Close(); _ = srvMgr.Close() })

	noRead := func(ctx context.Context, r KeyRange, table, sindex string, sorting Sorting, n int) ([]LimitEntry, error) {
		return nil, nil
	}
	s1 := NewServer(srvMgr, "t", noRead)
	s2 := NewServer(srvMgr, "t", noRead)
	t.Cleanup(func() { s1.Close(); s2.Close() })

	source := staticSource{shards: []Shard{
		{Region: Range(nil, Datum("m")), RegisterAddr: s1.RegisterAddr(), StopAddr: s1.StopAddr()},
		{Region: Range(Datum("m"), nil), RegisterAddr: s2.RegisterAddr(), StopAddr: s2.StopAddr()},
	}}
	client := NewClient(cliMgr, source)
	t.Cleanup(client.Close)

	sub, err := client.Subscribe(context.Background(), NewTableID(), RangeSpec{Range: Universe()})
	require.NoError(t, err)
	defer sub.Close()

	s1.OnWrite(context.Background(), WriteReport{Key: Datum("a"), NewVal: Datum("v1")})
	s2.OnWrite(context.Background(), WriteReport{Key: Datum("z"), NewVal: Datum("v2")})

	// Cross-shard arrival order is unconstrained
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[string(subNext(t, sub).(*Change).Key)] = true
	}
	require.True(t, got["a"] && got["z"])

	// A point subscription only registers with its covering shard
	point, err := client.Subscribe(context.Background(), NewTableID(), PointSpec{Key: Datum("b")})
	require.NoError(t, err)
	defer point.Close()

	s1.OnWrite(context.Background(), WriteReport{Key: Datum("b"), NewVal: Datum("v3")})
	require.Equal(t, Datum("b"), subNext(t, point).(*Change).Key)
}
