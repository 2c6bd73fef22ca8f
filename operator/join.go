package operator

import (
	"fmt"
	"sort"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/utils"
	"github.com/tarungka/flo/stream"
)

// Pair is the value emitted by a join: one side may be nil for LEFT/RIGHT/
// FULL results whose opposite side never arrived.
type Pair struct {
	Left  any
	Right any
}

type joinEntry struct {
	Value     any
	EventTime int64
	Matched   bool
}

// joinWithExpiration buffers both sides keyed by join key. A side's entry
// is retained until that side's expiration has elapsed past its event
// time; expiry is lazy, on the next Advance. INNER emits on match only;
// LEFT/RIGHT emit a nil-opposite pair when an entry expires unmatched;
// FULL does both.
type joinWithExpiration struct {
	name     string
	joinType graph.JoinType
	leftExp  int64
	rightExp int64

	left  map[string][]*joinEntry
	right map[string][]*joinEntry
}

func newJoinWithExpiration(node graph.ProgramNode) (*joinWithExpiration, error) {
	c := node.Op.Join
	if c.LeftExpirationMicros < 0 || c.RightExpirationMicros < 0 {
		return nil, fmt.Errorf("%w: negative join expiration", ErrInvalidConfig)
	}
	return &joinWithExpiration{
		name:     node.OperatorID(),
		joinType: c.Type,
		leftExp:  c.LeftExpirationMicros,
		rightExp: c.RightExpirationMicros,
		left:     make(map[string][]*joinEntry),
		right:    make(map[string][]*joinEntry),
	}, nil
}

func (j *joinWithExpiration) Name() string { return j.name }

func (j *joinWithExpiration) Ingest(rec stream.Record, side stream.Side, out Emit) error {
	var own, opposite map[string][]*joinEntry
	switch side {
	case stream.SideLeft:
		own, opposite = j.left, j.right
	case stream.SideRight:
		own, opposite = j.right, j.left
	default:
		return fmt.Errorf("%w: join input without a side tag", ErrBadRecord)
	}

	entry := &joinEntry{Value: rec.Value, EventTime: rec.EventTime}
	own[rec.Key] = append(own[rec.Key], entry)

	for _, opp := range opposite[rec.Key] {
		entry.Matched = true
		opp.Matched = true
		pair := Pair{}
		et := rec.EventTime
		if opp.EventTime > et {
			et = opp.EventTime
		}
		if side == stream.SideLeft {
			pair.Left, pair.Right = rec.Value, opp.Value
		} else {
			pair.Left, pair.Right = opp.Value, rec.Value
		}
		out(stream.Record{Key: rec.Key, Value: pair, EventTime: et})
	}
	return nil
}

// Advance expires entries whose retention has elapsed. The engine feeds
// the minimum watermark across both inputs here, which never expires an
// entry before that side's own watermark has passed it.
func (j *joinWithExpiration) Advance(watermark int64, out Emit) {
	j.expireSide(j.left, j.leftExp, stream.SideLeft, watermark, out)
	j.expireSide(j.right, j.rightExp, stream.SideRight, watermark, out)
}

func (j *joinWithExpiration) expireSide(entries map[string][]*joinEntry, exp int64, side stream.Side, watermark int64, out Emit) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		kept := entries[k][:0]
		for _, e := range entries[k] {
			if e.EventTime+exp > watermark {
				kept = append(kept, e)
				continue
			}
			if !e.Matched && j.emitsUnmatched(side) {
				pair := Pair{}
				if side == stream.SideLeft {
					pair.Left = e.Value
				} else {
					pair.Right = e.Value
				}
				out(stream.Record{Key: k, Value: pair, EventTime: e.EventTime})
			}
		}
		if len(kept) == 0 {
			delete(entries, k)
		} else {
			entries[k] = kept
		}
	}
}

func (j *joinWithExpiration) emitsUnmatched(side stream.Side) bool {
	switch j.joinType {
	case graph.JoinLeft:
		return side == stream.SideLeft
	case graph.JoinRight:
		return side == stream.SideRight
	case graph.JoinFull:
		return true
	default:
		return false
	}
}

type joinSideSnapshot struct {
	Key     string
	Entries []joinEntry
}

type joinSnapshot struct {
	Left  []joinSideSnapshot
	Right []joinSideSnapshot
}

func snapshotSide(entries map[string][]*joinEntry) []joinSideSnapshot {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]joinSideSnapshot, 0, len(keys))
	for _, k := range keys {
		s := joinSideSnapshot{Key: k}
		for _, e := range entries[k] {
			s.Entries = append(s.Entries, *e)
		}
		out = append(out, s)
	}
	return out
}

func restoreSide(snaps []joinSideSnapshot) map[string][]*joinEntry {
	m := make(map[string][]*joinEntry, len(snaps))
	for _, s := range snaps {
		for i := range s.Entries {
			e := s.Entries[i]
			m[s.Key] = append(m[s.Key], &e)
		}
	}
	return m
}

func (j *joinWithExpiration) Snapshot() ([]byte, error) {
	snap := joinSnapshot{
		Left:  snapshotSide(j.left),
		Right: snapshotSide(j.right),
	}
	buf, err := utils.EncodeMsgPack(&snap)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (j *joinWithExpiration) Restore(data []byte) error {
	j.left = make(map[string][]*joinEntry)
	j.right = make(map[string][]*joinEntry)
	if len(data) == 0 {
		return nil
	}
	var snap joinSnapshot
	if err := utils.DecodeMsgPack(data, &snap); err != nil {
		return err
	}
	j.left = restoreSide(snap.Left)
	j.right = restoreSide(snap.Right)
	return nil
}

// pairMerge flattens a join Pair into a single value. When both sides are
// maps they are unioned (left wins on key conflict); otherwise the result
// keeps the sides under "left" and "right".
type pairMerge struct {
	name string
}

func newPairMerge(node graph.ProgramNode) (*pairMerge, error) {
	return &pairMerge{name: node.OperatorID()}, nil
}

func (p *pairMerge) Name() string { return p.name }

func (p *pairMerge) Ingest(rec stream.Record, _ stream.Side, out Emit) error {
	pair, ok := rec.Value.(Pair)
	if !ok {
		return fmt.Errorf("%w: pair merge got %T", ErrBadRecord, rec.Value)
	}

	lm, lok := pair.Left.(map[string]any)
	rm, rok := pair.Right.(map[string]any)
	var merged any
	if lok && rok {
		m := make(map[string]any, len(lm)+len(rm))
		for k, v := range rm {
			m[k] = v
		}
		for k, v := range lm {
			m[k] = v
		}
		merged = m
	} else {
		merged = map[string]any{"left": pair.Left, "right": pair.Right}
	}
	out(stream.Record{Key: rec.Key, Value: merged, EventTime: rec.EventTime})
	return nil
}

func (p *pairMerge) Advance(_ int64, _ Emit) {}

func (p *pairMerge) Snapshot() ([]byte, error) { return nil, nil }

func (p *pairMerge) Restore(_ []byte) error { return nil }
