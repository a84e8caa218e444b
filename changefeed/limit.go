package changefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/daveisfera/rethinkdb/telemetry"
)

// ReadFunc reads the first n index entries inside r, in the given sort
// order, from the shard's storage. Limit managers use it for the initial
// window snapshot and for refills after deletions.
type ReadFunc func(ctx context.Context, r KeyRange, table, sindex string, sorting Sorting, n int) ([]LimitEntry, error)

const limitTreeDegree = 16

// LimitManager maintains one ordered-prefix window on behalf of one limit
// subscription: the top N entries of a secondary-index range, ordered by
// (sort key, primary key) in the subscription's direction.
//
// Writers stage mutations with Add and Del while holding the manager via
// Server.ForeachLimit, then Commit folds the staging into the window and
// streams the resulting diffs. Staging and window never change outside the
// manager's lock.
type LimitManager struct {
	srv    *Server
	client *clientInfo
	sub    SubscriptionID
	spec   LimitSpec

	// mu is taken by Server.ForeachLimit around the caller's staging and
	// commit; it is below the server's client lock in the lock order
	mu sync.Mutex

	tree *btree.BTreeG[LimitEntry]
	byPK map[string]LimitEntry

	staged []stagedOp
}

type stagedOp struct {
	del   bool
	entry LimitEntry // del uses PrimaryKey only
}

// entryLess orders entries best-first: the window is the first N entries,
// and the entry evicted on overflow is always the tree maximum.
func entryLess(sorting Sorting) btree.LessFunc[LimitEntry] {
	if sorting == Descending {
		return func(a, b LimitEntry) bool {
			if c := a.SortKey.Compare(b.SortKey); c != 0 {
				return c > 0
			}
			return a.PrimaryKey.Compare(b.PrimaryKey) > 0
		}
	}
	return func(a, b LimitEntry) bool {
		if c := a.SortKey.Compare(b.SortKey); c != 0 {
			return c < 0
		}
		return a.PrimaryKey.Compare(b.PrimaryKey) < 0
	}
}

func newLimitManager(srv *Server, client *clientInfo, sub SubscriptionID, spec LimitSpec) *LimitManager {
	return &LimitManager{
		srv:    srv,
		client: client,
		sub:    sub,
		spec:   spec,
		tree:   btree.NewG(limitTreeDegree, entryLess(spec.Sorting)),
		byPK:   make(map[string]LimitEntry),
	}
}

// init seeds the window from storage and returns the snapshot in window
// order for the LimitStart message.
func (lm *LimitManager) init(ctx context.Context) ([]LimitEntry, error) {
	entries, err := lm.srv.read(ctx, lm.spec.Range, lm.srv.table, lm.spec.Sindex, lm.spec.Sorting, lm.spec.Limit)
	if err != nil {
		return nil, fmt.Errorf("initial limit read failed: %w", err)
	}
	for _, e := range entries {
		if lm.tree.Len() >= lm.spec.Limit {
			break
		}
		lm.insert(e)
	}
	return lm.snapshot(), nil
}

// Sub returns the subscription this window feeds.
func (lm *LimitManager) Sub() SubscriptionID { return lm.sub }

// Spec returns the window's spec.
func (lm *LimitManager) Spec() LimitSpec { return lm.spec }

// Len returns the current window size.
func (lm *LimitManager) Len() int { return lm.tree.Len() }

// Add stages an upsert of pk with the given sort key and row. A sort key
// outside the subscription range stages a removal instead, which covers
// rows whose index entry moved out of the range.
func (lm *LimitManager) Add(sortKey, pk, row Datum) {
	if !lm.spec.Range.Contains(sortKey) {
		lm.Del(pk)
		return
	}
	lm.staged = append(lm.staged, stagedOp{entry: LimitEntry{SortKey: sortKey, PrimaryKey: pk, Row: row}})
}

// Del stages a removal of pk. Removing a key outside the window is a no-op
// at commit time.
func (lm *LimitManager) Del(pk Datum) {
	lm.staged = append(lm.staged, stagedOp{del: true, entry: LimitEntry{PrimaryKey: pk}})
}

// Commit folds the staged mutations into the window, refilling from storage
// when deletions open up room, and streams the per-key diffs to the client.
// Deletions go out before insertions so the client's window never exceeds N.
// With nothing staged Commit sends nothing.
func (lm *LimitManager) Commit(ctx context.Context) error {
	if len(lm.staged) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		telemetry.LimitCommitSeconds.Observe(time.Since(start).Seconds())
	}()

	old := lm.snapshot()

	shrank := false
	for _, op := range lm.staged {
		pk := string(op.entry.PrimaryKey)
		prev, had := lm.byPK[pk]
		if had {
			lm.tree.Delete(prev)
			delete(lm.byPK, pk)
		}
		if op.del {
			shrank = shrank || had
			continue
		}
		lm.insert(op.entry)
	}
	lm.staged = lm.staged[:0]

	// Evict past the window end
	for lm.tree.Len() > lm.spec.Limit {
		worst, _ := lm.tree.Max()
		lm.tree.Delete(worst)
		delete(lm.byPK, string(worst.PrimaryKey))
	}

	if shrank && lm.tree.Len() < lm.spec.Limit {
		if err := lm.refill(ctx); err != nil {
			return err
		}
	}

	return lm.sendDiff(old, lm.snapshot())
}

// refill pulls replacement entries from storage for the slots deletions
// opened up. Reads start at the worst window entry and stream toward the
// range end; entries already in the window are skipped, so an inclusive
// bound on the worst sort key cannot double-insert.
func (lm *LimitManager) refill(ctx context.Context) error {
	r := lm.spec.Range
	if worst, ok := lm.tree.Max(); ok {
		if lm.spec.Sorting == Descending {
			r.End = worst.SortKey
			r.EndBound = BoundClosed
		} else {
			r.Start = worst.SortKey
			r.StartBound = BoundClosed
		}
	}

	telemetry.LimitRefillReadsTotal.Inc()
	entries, err := lm.srv.read(ctx, r, lm.srv.table, lm.spec.Sindex, lm.spec.Sorting, lm.spec.Limit)
	if err != nil {
		return fmt.Errorf("limit refill read failed: %w", err)
	}
	for _, e := range entries {
		if lm.tree.Len() >= lm.spec.Limit {
			break
		}
		if _, ok := lm.byPK[string(e.PrimaryKey)]; ok {
			continue
		}
		lm.insert(e)
	}
	return nil
}

// sendDiff streams the old-to-new window delta keyed by primary key:
// removals first, then replacements, then insertions.
func (lm *LimitManager) sendDiff(old, cur []LimitEntry) error {
	oldByPK := make(map[string]LimitEntry, len(old))
	for _, e := range old {
		oldByPK[string(e.PrimaryKey)] = e
	}

	var changes []*LimitChange
	for _, e := range old {
		if _, ok := lm.byPK[string(e.PrimaryKey)]; !ok {
			changes = append(changes, &LimitChange{Sub: lm.sub, OldKey: e.SortKey})
		}
	}
	for _, e := range cur {
		prev, had := oldByPK[string(e.PrimaryKey)]
		if had && prev.SortKey.Compare(e.SortKey) == 0 && prev.Row.Compare(e.Row) == 0 {
			continue
		}
		ent := e
		lc := &LimitChange{Sub: lm.sub, NewVal: &ent}
		if had {
			lc.OldKey = prev.SortKey
		}
		changes = append(changes, lc)
	}

	for _, lc := range changes {
		if err := lm.srv.sendLimit(lm.client, lc); err != nil {
			return err
		}
	}
	return nil
}

func (lm *LimitManager) insert(e LimitEntry) {
	lm.tree.ReplaceOrInsert(e)
	lm.byPK[string(e.PrimaryKey)] = e
}

func (lm *LimitManager) snapshot() []LimitEntry {
	out := make([]LimitEntry, 0, lm.tree.Len())
	lm.tree.Ascend(func(e LimitEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}
