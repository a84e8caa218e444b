package changefeed

import (
	"fmt"

	"github.com/daveisfera/rethinkdb/encoding"
	"github.com/daveisfera/rethinkdb/mailbox"
)

// Msg is the unit a server broadcasts. Exactly one of the concrete types
// below travels inside each StampedMsg.
type Msg interface {
	isMsg()

	// Kind labels the message for logging and metrics.
	Kind() string
}

// Stop tells clients the server is shutting down their subscription.
type Stop struct{}

func (Stop) isMsg()       {}
func (Stop) Kind() string { return "stop" }

// Change is a point mutation. A nil OldVal denotes an insert, a nil NewVal
// a delete.
type Change struct {
	Key    Datum
	OldVal Datum
	NewVal Datum
}

func (*Change) isMsg()       {}
func (*Change) Kind() string { return "change" }

// LimitEntry is one row of a limit window: its sort key, primary key and
// row value.
type LimitEntry struct {
	SortKey    Datum
	PrimaryKey Datum
	Row        Datum
}

// LimitStart carries the initial snapshot of a limit subscription, ordered,
// at most N entries. It precedes every LimitChange for its subscription,
// even when the snapshot is empty.
type LimitStart struct {
	Sub       SubscriptionID
	StartData []LimitEntry
}

func (*LimitStart) isMsg()       {}
func (*LimitStart) Kind() string { return "limit_start" }

// LimitChange is a diff on a limit window: delete OldKey (when non-nil),
// insert NewVal (when non-nil). Both set means an entry was replaced.
type LimitChange struct {
	Sub    SubscriptionID
	OldKey Datum
	NewVal *LimitEntry
}

func (*LimitChange) isMsg()       {}
func (*LimitChange) Kind() string { return "limit_change" }

// StampedMsg is the wire form: which server sent it and the per-(server,
// client) sequence number. Stamps are contiguous per destination client.
type StampedMsg struct {
	Server ServerID
	Stamp  uint64
	Msg    Msg
}

const (
	kindStop uint8 = iota
	kindChange
	kindLimitStart
	kindLimitChange
)

type wireLimitEntry struct {
	SortKey    []byte `msgpack:"sk"`
	PrimaryKey []byte `msgpack:"pk"`
	Row        []byte `msgpack:"row"`
}

func toWireEntry(e LimitEntry) wireLimitEntry {
	return wireLimitEntry{SortKey: e.SortKey, PrimaryKey: e.PrimaryKey, Row: e.Row}
}

func fromWireEntry(w wireLimitEntry) LimitEntry {
	return LimitEntry{SortKey: w.SortKey, PrimaryKey: w.PrimaryKey, Row: w.Row}
}

type wireStamped struct {
	Server []byte `msgpack:"srv"`
	Stamp  uint64 `msgpack:"stamp"`
	Kind   uint8  `msgpack:"kind"`

	Key    []byte `msgpack:"key,omitempty"`
	OldVal []byte `msgpack:"old,omitempty"`
	NewVal []byte `msgpack:"new,omitempty"`

	Sub    []byte           `msgpack:"sub,omitempty"`
	Start  []wireLimitEntry `msgpack:"start,omitempty"`
	OldKey []byte           `msgpack:"old_key,omitempty"`
	NewEnt *wireLimitEntry  `msgpack:"new_ent,omitempty"`
}

// EncodeStampedMsg serializes a stamped message for the fabric.
func EncodeStampedMsg(sm StampedMsg) ([]byte, error) {
	w := wireStamped{
		Server: idBytes(uuidOf(sm.Server)),
		Stamp:  sm.Stamp,
	}

	switch m := sm.Msg.(type) {
	case Stop:
		w.Kind = kindStop
	case *Change:
		w.Kind = kindChange
		w.Key = m.Key
		w.OldVal = m.OldVal
		w.NewVal = m.NewVal
	case *LimitStart:
		w.Kind = kindLimitStart
		w.Sub = idBytes(uuidOf(m.Sub))
		w.Start = make([]wireLimitEntry, 0, len(m.StartData))
		for _, e := range m.StartData {
			w.Start = append(w.Start, toWireEntry(e))
		}
	case *LimitChange:
		w.Kind = kindLimitChange
		w.Sub = idBytes(uuidOf(m.Sub))
		w.OldKey = m.OldKey
		if m.NewVal != nil {
			ent := toWireEntry(*m.NewVal)
			w.NewEnt = &ent
		}
	default:
		return nil, fmt.Errorf("unknown message type %T", sm.Msg)
	}

	return encoding.Marshal(w)
}

// DecodeStampedMsg is the inverse of EncodeStampedMsg.
func DecodeStampedMsg(data []byte) (StampedMsg, error) {
	var w wireStamped
	if err := encoding.Unmarshal(data, &w); err != nil {
		return StampedMsg{}, fmt.Errorf("failed to decode stamped message: %w", err)
	}

	srv, err := idFromBytes(w.Server)
	if err != nil {
		return StampedMsg{}, fmt.Errorf("bad server id: %w", err)
	}
	sm := StampedMsg{Server: ServerID(srv), Stamp: w.Stamp}

	switch w.Kind {
	case kindStop:
		sm.Msg = Stop{}
	case kindChange:
		sm.Msg = &Change{Key: w.Key, OldVal: w.OldVal, NewVal: w.NewVal}
	case kindLimitStart:
		sub, err := idFromBytes(w.Sub)
		if err != nil {
			return StampedMsg{}, fmt.Errorf("bad sub id: %w", err)
		}
		var start []LimitEntry
		for _, e := range w.Start {
			start = append(start, fromWireEntry(e))
		}
		sm.Msg = &LimitStart{Sub: SubscriptionID(sub), StartData: start}
	case kindLimitChange:
		sub, err := idFromBytes(w.Sub)
		if err != nil {
			return StampedMsg{}, fmt.Errorf("bad sub id: %w", err)
		}
		lc := &LimitChange{Sub: SubscriptionID(sub), OldKey: w.OldKey}
		if w.NewEnt != nil {
			ent := fromWireEntry(*w.NewEnt)
			lc.NewVal = &ent
		}
		sm.Msg = lc
	default:
		return StampedMsg{}, fmt.Errorf("unknown message kind %d", w.Kind)
	}

	return sm, nil
}

const (
	specKindRange uint8 = iota
	specKindPoint
	specKindLimit
)

type wireKeyRange struct {
	Start      []byte `msgpack:"lo,omitempty"`
	End        []byte `msgpack:"hi,omitempty"`
	StartBound uint8  `msgpack:"lob"`
	EndBound   uint8  `msgpack:"hib"`
}

func toWireRange(r KeyRange) wireKeyRange {
	return wireKeyRange{Start: r.Start, End: r.End, StartBound: uint8(r.StartBound), EndBound: uint8(r.EndBound)}
}

func fromWireRange(w wireKeyRange) KeyRange {
	return KeyRange{Start: w.Start, End: w.End, StartBound: Bound(w.StartBound), EndBound: Bound(w.EndBound)}
}

// SubscribeRequest registers a client mailbox with a server's registration
// mailbox. The reply is a SubscribeReply.
type SubscribeRequest struct {
	Addr mailbox.Addr
	Sub  SubscriptionID
	Spec Keyspec
}

type wireSubscribe struct {
	Addr mailbox.Addr `msgpack:"addr"`
	Sub  []byte       `msgpack:"sub"`
	Kind uint8        `msgpack:"kind"`

	Range   wireKeyRange `msgpack:"range"`
	Key     []byte       `msgpack:"key,omitempty"`
	Sindex  string       `msgpack:"sindex,omitempty"`
	Sorting uint8        `msgpack:"sorting"`
	Limit   int          `msgpack:"limit"`
}

func EncodeSubscribeRequest(req SubscribeRequest) ([]byte, error) {
	w := wireSubscribe{Addr: req.Addr, Sub: idBytes(uuidOf(req.Sub))}

	switch s := req.Spec.(type) {
	case RangeSpec:
		w.Kind = specKindRange
		w.Range = toWireRange(s.Range)
	case PointSpec:
		w.Kind = specKindPoint
		w.Key = s.Key
	case LimitSpec:
		w.Kind = specKindLimit
		w.Range = toWireRange(s.Range)
		w.Sindex = s.Sindex
		w.Sorting = uint8(s.Sorting)
		w.Limit = s.Limit
	default:
		return nil, fmt.Errorf("unknown keyspec type %T", req.Spec)
	}

	return encoding.Marshal(w)
}

func DecodeSubscribeRequest(data []byte) (SubscribeRequest, error) {
	var w wireSubscribe
	if err := encoding.Unmarshal(data, &w); err != nil {
		return SubscribeRequest{}, fmt.Errorf("failed to decode subscribe request: %w", err)
	}

	sub, err := idFromBytes(w.Sub)
	if err != nil {
		return SubscribeRequest{}, fmt.Errorf("bad sub id: %w", err)
	}
	req := SubscribeRequest{Addr: w.Addr, Sub: SubscriptionID(sub)}

	switch w.Kind {
	case specKindRange:
		req.Spec = RangeSpec{Range: fromWireRange(w.Range)}
	case specKindPoint:
		req.Spec = PointSpec{Key: w.Key}
	case specKindLimit:
		req.Spec = LimitSpec{
			Range:   fromWireRange(w.Range),
			Sindex:  w.Sindex,
			Sorting: Sorting(w.Sorting),
			Limit:   w.Limit,
		}
	default:
		return SubscribeRequest{}, fmt.Errorf("unknown keyspec kind %d", w.Kind)
	}

	return req, nil
}

// SubscribeReply seeds the client's reassembly buffer: the server identity
// and the first stamp the client will see from it.
type SubscribeReply struct {
	Server ServerID
	Stamp  uint64
}

type wireSubscribeReply struct {
	Server []byte `msgpack:"srv"`
	Stamp  uint64 `msgpack:"stamp"`
}

func EncodeSubscribeReply(rep SubscribeReply) ([]byte, error) {
	return encoding.Marshal(wireSubscribeReply{Server: idBytes(uuidOf(rep.Server)), Stamp: rep.Stamp})
}

func DecodeSubscribeReply(data []byte) (SubscribeReply, error) {
	var w wireSubscribeReply
	if err := encoding.Unmarshal(data, &w); err != nil {
		return SubscribeReply{}, fmt.Errorf("failed to decode subscribe reply: %w", err)
	}
	srv, err := idFromBytes(w.Server)
	if err != nil {
		return SubscribeReply{}, fmt.Errorf("bad server id: %w", err)
	}
	return SubscribeReply{Server: ServerID(srv), Stamp: w.Stamp}, nil
}

// Unsubscribe tells a server's stop mailbox to drop the client address.
type Unsubscribe struct {
	Addr mailbox.Addr
}

type wireUnsubscribe struct {
	Addr mailbox.Addr `msgpack:"addr"`
}

func EncodeUnsubscribe(u Unsubscribe) ([]byte, error) {
	return encoding.Marshal(wireUnsubscribe{Addr: u.Addr})
}

func DecodeUnsubscribe(data []byte) (Unsubscribe, error) {
	var w wireUnsubscribe
	if err := encoding.Unmarshal(data, &w); err != nil {
		return Unsubscribe{}, fmt.Errorf("failed to decode unsubscribe: %w", err)
	}
	return Unsubscribe{Addr: w.Addr}, nil
}
