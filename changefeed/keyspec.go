package changefeed

// Bound says whether a range endpoint includes its key.
type Bound uint8

const (
	BoundOpen Bound = iota
	BoundClosed
)

// KeyRange is a range over byte-ordered keys. A nil endpoint is unbounded on
// that side regardless of its bound type.
type KeyRange struct {
	Start      Datum
	End        Datum
	StartBound Bound
	EndBound   Bound
}

// Range builds the usual half-open range [start, end). Nil endpoints are
// unbounded.
func Range(start, end Datum) KeyRange {
	return KeyRange{Start: start, End: end, StartBound: BoundClosed, EndBound: BoundOpen}
}

// Universe is the range covering every key.
func Universe() KeyRange {
	return KeyRange{}
}

// Contains reports whether k falls inside the range.
func (r KeyRange) Contains(k Datum) bool {
	if r.Start != nil {
		c := k.Compare(r.Start)
		if c < 0 || (c == 0 && r.StartBound == BoundOpen) {
			return false
		}
	}
	if r.End != nil {
		c := k.Compare(r.End)
		if c > 0 || (c == 0 && r.EndBound == BoundOpen) {
			return false
		}
	}
	return true
}

// Intersects reports whether the two ranges share at least one key. Bound
// types are treated conservatively: touching ranges count as intersecting.
// This only routes subscriptions to shards, so a false positive costs one
// idle registration while a false negative would lose changes.
func (r KeyRange) Intersects(o KeyRange) bool {
	if r.End != nil && o.Start != nil && r.End.Compare(o.Start) < 0 {
		return false
	}
	if o.End != nil && r.Start != nil && o.End.Compare(r.Start) < 0 {
		return false
	}
	return true
}

func (r KeyRange) isUnbounded() bool {
	return r.Start == nil && r.End == nil
}

// keySuccessor is the smallest key greater than k.
func keySuccessor(k Datum) Datum {
	out := make(Datum, len(k)+1)
	copy(out, k)
	return out
}

// Keyspec declares what a subscription watches. It projects to a region of
// the primary keyspace used to route the subscription to covering shards.
type Keyspec interface {
	// Region is the primary-key range this spec needs delivery from.
	Region() KeyRange

	validate() error
	isKeyspec()
}

// RangeSpec watches a primary-key range.
type RangeSpec struct {
	Range KeyRange
}

func (s RangeSpec) Region() KeyRange { return s.Range }
func (s RangeSpec) validate() error {
	if s.Range.Start != nil && s.Range.End != nil && s.Range.Start.Compare(s.Range.End) > 0 {
		return ErrMalformedKeyspec
	}
	return nil
}
func (s RangeSpec) isKeyspec() {}

// PointSpec watches a single primary key.
type PointSpec struct {
	Key Datum
}

func (s PointSpec) Region() KeyRange {
	return Range(s.Key, keySuccessor(s.Key))
}
func (s PointSpec) validate() error {
	if s.Key == nil {
		return ErrMalformedKeyspec
	}
	return nil
}
func (s PointSpec) isKeyspec() {}

// LimitSpec watches the top-N window of a secondary-index range. The sort
// key range does not project into the primary keyspace, so the region is
// the whole shard range.
type LimitSpec struct {
	Range   KeyRange // Over the secondary index sort keys
	Sindex  string
	Sorting Sorting
	Limit   int
}

func (s LimitSpec) Region() KeyRange { return Universe() }
func (s LimitSpec) validate() error {
	if s.Sindex == "" || s.Limit < 1 {
		return ErrMalformedKeyspec
	}
	if s.Range.Start != nil && s.Range.End != nil && s.Range.Start.Compare(s.Range.End) > 0 {
		return ErrMalformedKeyspec
	}
	return nil
}
func (s LimitSpec) isKeyspec() {}

// ValidateKeyspec rejects specs a server would refuse.
func ValidateKeyspec(spec Keyspec) error {
	if spec == nil {
		return ErrMalformedKeyspec
	}
	return spec.validate()
}
