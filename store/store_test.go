package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daveisfera/rethinkdb/changefeed"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sortKeys(entries []changefeed.LimitEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, string(e.SortKey))
	}
	return out
}

func TestStoreReadAscendingAndDescending(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("users", "age", []byte("30"), []byte("alice"), []byte("row-a")))
	require.NoError(t, s.Put("users", "age", []byte("25"), []byte("bob"), []byte("row-b")))
	require.NoError(t, s.Put("users", "age", []byte("40"), []byte("carol"), []byte("row-c")))

	asc, err := s.Read(context.Background(), changefeed.Universe(), "users", "age", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"25", "30", "40"}, sortKeys(asc))
	require.Equal(t, []byte("row-b"), []byte(asc[0].Row))
	require.Equal(t, []byte("bob"), []byte(asc[0].PrimaryKey))

	desc, err := s.Read(context.Background(), changefeed.Universe(), "users", "age", changefeed.Descending, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"40", "30", "25"}, sortKeys(desc))
}

func TestStoreReadHonorsLimitAndRange(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, s.Put("t", "s", []byte(k), []byte("pk-"+k), []byte("row-"+k)))
	}

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "s", changefeed.Ascending, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, sortKeys(got))

	got, err = s.Read(context.Background(), changefeed.Range([]byte("2"), []byte("5")), "t", "s", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "3", "4"}, sortKeys(got))
}

func TestStoreIndexesAreIsolated(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("t", "a", []byte("1"), []byte("pk"), []byte("ra")))
	require.NoError(t, s.Put("t", "b", []byte("2"), []byte("pk"), []byte("rb")))
	require.NoError(t, s.Put("t2", "a", []byte("3"), []byte("pk"), []byte("rc")))

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "a", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, sortKeys(got))
}

func TestStoreDuplicateSortKeysOrderByPrimaryKey(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("t", "s", []byte("5"), []byte("b"), []byte("rb")))
	require.NoError(t, s.Put("t", "s", []byte("5"), []byte("a"), []byte("ra")))

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "s", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("a"), []byte(got[0].PrimaryKey))
	require.Equal(t, []byte("b"), []byte(got[1].PrimaryKey))
}

func TestStoreUpdateMovesEntry(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("t", "s", []byte("1"), []byte("pk"), []byte("row")))
	require.NoError(t, s.Update("t", "s", []byte("1"), []byte("9"), []byte("pk"), []byte("row2")))

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "s", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("9"), []byte(got[0].SortKey))
	require.Equal(t, []byte("row2"), []byte(got[0].Row))
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put("t", "s", []byte("1"), []byte("pk"), []byte("row")))
	require.NoError(t, s.Delete("t", "s", []byte("1"), []byte("pk")))
	require.NoError(t, s.Delete("t", "s", []byte("1"), []byte("pk")))

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "s", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestStoreKeysWithZeroBytesSurvive(t *testing.T) {
	s := newTestStore(t)

	sortKey := []byte{0x00, 0x41, 0x00}
	pk := []byte{0x00, 0x00}
	require.NoError(t, s.Put("t", "s", sortKey, pk, []byte("row")))

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "s", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, sortKey, []byte(got[0].SortKey))
	require.Equal(t, pk, []byte(got[0].PrimaryKey))
}

func TestStoreEscapedKeysKeepOrdering(t *testing.T) {
	s := newTestStore(t)

	// A short key that is a prefix of a longer one must still sort first
	require.NoError(t, s.Put("t", "s", []byte("a"), []byte("p1"), []byte("r1")))
	require.NoError(t, s.Put("t", "s", []byte("a\x00"), []byte("p2"), []byte("r2")))
	require.NoError(t, s.Put("t", "s", []byte("a\x01"), []byte("p3"), []byte("r3")))

	got, err := s.Read(context.Background(), changefeed.Universe(), "t", "s", changefeed.Ascending, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "a\x00", "a\x01"}, sortKeys(got))
}

func TestStoreAsReadFunc(t *testing.T) {
	s := newTestStore(t)
	var _ changefeed.ReadFunc = s.Read
}
