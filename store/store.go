// Package store persists secondary-index entries in Pebble, keyed so that a
// scan over one (table, index) pair walks entries in (sort key, primary key)
// order. It backs the read side of limit windows: initial snapshots and the
// refills after deletions.
package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog/log"

	"github.com/daveisfera/rethinkdb/changefeed"
)

const writeLockShards = 64

type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Store is a Pebble-backed index store. One value lives under each composite
// key of table, index name, sort key and primary key; the row payload is the
// value.
type Store struct {
	db *pebble.DB

	// Sharded write locks serialize the delete-plus-put of an entry whose
	// sort key moved, per (table, index, primary key)
	writeLocks [writeLockShards]sync.Mutex
}

// Options tune the underlying Pebble instance.
type Options struct {
	CacheSizeMB int64
	FS          vfs.FS
}

// New opens (or creates) a store at path.
func New(path string, opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 64
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref() // DB will hold reference

	pebbleOpts := &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	}
	if opts.FS != nil {
		pebbleOpts.FS = opts.FS
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMem opens an in-memory store, for tests.
func NewMem() (*Store, error) {
	return New("mem", Options{FS: vfs.NewMem()})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) writeLockFor(table, sindex string, pk []byte) *sync.Mutex {
	h := xxhash.New()
	_, _ = h.WriteString(table)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(sindex)
	_, _ = h.WriteString("\x00")
	_, _ = h.Write(pk)
	return &s.writeLocks[h.Sum64()%writeLockShards]
}

// Put writes one index entry.
func (s *Store) Put(table, sindex string, sortKey, pk, row []byte) error {
	if err := s.db.Set(entryKey(table, sindex, sortKey, pk), row, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to put index entry: %w", err)
	}
	return nil
}

// Delete removes one index entry. Deleting an absent entry is a no-op.
func (s *Store) Delete(table, sindex string, sortKey, pk []byte) error {
	if err := s.db.Delete(entryKey(table, sindex, sortKey, pk), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to delete index entry: %w", err)
	}
	return nil
}

// Update moves an entry from oldSortKey to sortKey atomically. A nil
// oldSortKey degenerates to Put, a nil sortKey to Delete.
func (s *Store) Update(table, sindex string, oldSortKey, sortKey, pk, row []byte) error {
	if oldSortKey == nil {
		if sortKey == nil {
			return nil
		}
		return s.Put(table, sindex, sortKey, pk, row)
	}
	if sortKey == nil {
		return s.Delete(table, sindex, oldSortKey, pk)
	}

	mu := s.writeLockFor(table, sindex, pk)
	mu.Lock()
	defer mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(entryKey(table, sindex, oldSortKey, pk), nil); err != nil {
		return fmt.Errorf("failed to stage index delete: %w", err)
	}
	if err := batch.Set(entryKey(table, sindex, sortKey, pk), row, nil); err != nil {
		return fmt.Errorf("failed to stage index put: %w", err)
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to commit index update: %w", err)
	}
	return nil
}

// Read returns the first n entries of the (table, sindex) index whose sort
// keys fall inside r, walking in the given direction. It satisfies
// changefeed.ReadFunc.
func (s *Store) Read(ctx context.Context, r changefeed.KeyRange, table, sindex string, sorting changefeed.Sorting, n int) ([]changefeed.LimitEntry, error) {
	prefix := indexPrefix(table, sindex)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open index iterator: %w", err)
	}
	defer iter.Close()

	advance := iter.Next
	valid := iter.First()
	if sorting == changefeed.Descending {
		advance = iter.Prev
		valid = iter.Last()
	}

	var out []changefeed.LimitEntry
	for ; valid && len(out) < n; valid = advance() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sortKey, pk, err := splitEntryKey(prefix, iter.Key())
		if err != nil {
			return nil, err
		}
		if !r.Contains(sortKey) {
			continue
		}

		row, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("failed to read index value: %w", err)
		}
		out = append(out, changefeed.LimitEntry{
			SortKey:    sortKey,
			PrimaryKey: pk,
			Row:        append([]byte(nil), row...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("index iteration failed: %w", err)
	}
	return out, nil
}

// Key layout: esc(table) SEP esc(sindex) SEP esc(sortKey) SEP esc(pk).
// Escaping turns 0x00 into 0x00 0xff and the separator is 0x00 0x01, which
// keeps byte order intact across component boundaries: a separator always
// sorts below any continuation of a longer component.

var keySep = []byte{0x00, 0x01}

func escapeComponent(dst, c []byte) []byte {
	for _, b := range c {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xff)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

func unescapeComponent(c []byte) ([]byte, error) {
	out := make([]byte, 0, len(c))
	for i := 0; i < len(c); i++ {
		if c[i] != 0x00 {
			out = append(out, c[i])
			continue
		}
		if i+1 >= len(c) || c[i+1] != 0xff {
			return nil, fmt.Errorf("corrupt index key escape at byte %d", i)
		}
		out = append(out, 0x00)
		i++
	}
	return out, nil
}

func indexPrefix(table, sindex string) []byte {
	key := escapeComponent(nil, []byte(table))
	key = append(key, keySep...)
	key = escapeComponent(key, []byte(sindex))
	key = append(key, keySep...)
	return key
}

func entryKey(table, sindex string, sortKey, pk []byte) []byte {
	key := indexPrefix(table, sindex)
	key = escapeComponent(key, sortKey)
	key = append(key, keySep...)
	key = escapeComponent(key, pk)
	return key
}

// splitEntryKey recovers (sortKey, pk) from a full key under prefix.
func splitEntryKey(prefix, key []byte) (changefeed.Datum, changefeed.Datum, error) {
	rest := key[len(prefix):]
	i := bytes.Index(rest, keySep)
	if i < 0 {
		return nil, nil, fmt.Errorf("corrupt index key: missing separator")
	}
	sortKey, err := unescapeComponent(rest[:i])
	if err != nil {
		return nil, nil, err
	}
	pk, err := unescapeComponent(rest[i+len(keySep):])
	if err != nil {
		return nil, nil, err
	}
	return sortKey, pk, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // Prefix is all 0xff; iterate to the end
}
