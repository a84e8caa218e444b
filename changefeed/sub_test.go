package changefeed

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionDeliversInPushOrder(t *testing.T) {
	sub := newSubscription(nil, RangeSpec{Range: Universe()}, 8)

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, sub.push(&Change{Key: Datum(k)}))
	}

	for _, k := range []string{"a", "b", "c"} {
		m, err := sub.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, Datum(k), m.(*Change).Key)
	}
}

func TestSubscriptionOverflow(t *testing.T) {
	sub := newSubscription(nil, RangeSpec{Range: Universe()}, 2)

	require.True(t, sub.push(&Change{Key: Datum("a")}))
	require.True(t, sub.push(&Change{Key: Datum("b")}))
	require.False(t, sub.push(&Change{Key: Datum("c")}))

	// Buffered messages drain before the terminal error surfaces
	m, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, Datum("a"), m.(*Change).Key)
	m, err = sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, Datum("b"), m.(*Change).Key)

	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrOverflow)
	require.EqualError(t, err, "changefeed cache over array size limit")

	// Further pushes are discarded without effect
	require.False(t, sub.push(&Change{Key: Datum("d")}))
	_, err = sub.Next(context.Background())
	require.ErrorIs(t, err, ErrOverflow)
}

func TestSubscriptionCleanStopIsEOF(t *testing.T) {
	sub := newSubscription(nil, RangeSpec{Range: Universe()}, 2)
	sub.terminate(nil)

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestSubscriptionTerminateFirstWins(t *testing.T) {
	sub := newSubscription(nil, RangeSpec{Range: Universe()}, 2)
	sub.terminate(ErrOverflow)
	sub.terminate(ErrClosed)

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrOverflow)
}

func TestSubscriptionNextHonorsContext(t *testing.T) {
	sub := newSubscription(nil, RangeSpec{Range: Universe()}, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionCloseWithoutFeed(t *testing.T) {
	sub := newSubscription(nil, RangeSpec{Range: Universe()}, 2)
	sub.Close()
	sub.Close()

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
