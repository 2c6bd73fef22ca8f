package operator

import (
	"fmt"
	"sort"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/utils"
	"github.com/tarungka/flo/stream"
)

// expression applies a registered record function to each record. In
// updating mode it additionally tracks the last emitted value per key and
// wraps output as (old, new) changelog pairs.
type expression struct {
	name     string
	fn       RecordFn
	updating bool

	last map[string]any // only used when updating
}

func newExpression(node graph.ProgramNode, updating bool) (*expression, error) {
	if node.Op.Expression.Fn == "" {
		return nil, fmt.Errorf("%w: expression operator without fn", ErrInvalidConfig)
	}
	fn, err := lookupRecordFn(node.Op.Expression.Fn)
	if err != nil {
		return nil, err
	}
	e := &expression{
		name:     node.OperatorID(),
		fn:       fn,
		updating: updating,
	}
	if updating {
		e.last = make(map[string]any)
	}
	return e, nil
}

func (e *expression) Name() string { return e.name }

func (e *expression) Ingest(rec stream.Record, _ stream.Side, out Emit) error {
	res, keep, err := e.fn(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	if !keep {
		return nil
	}
	if !e.updating {
		out(res)
		return nil
	}
	old := e.last[res.Key]
	e.last[res.Key] = res.Value
	out(stream.Record{
		Key:       res.Key,
		Value:     stream.UpdatingValue{Old: old, New: res.Value},
		EventTime: res.EventTime,
	})
	return nil
}

func (e *expression) Advance(_ int64, _ Emit) {}

type exprSnapshotEntry struct {
	Key   string
	Value any
}

type exprSnapshot struct {
	Entries []exprSnapshotEntry
}

func (e *expression) Snapshot() ([]byte, error) {
	if !e.updating {
		return nil, nil
	}
	snap := exprSnapshot{}
	for k, v := range e.last {
		snap.Entries = append(snap.Entries, exprSnapshotEntry{Key: k, Value: v})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })
	buf, err := utils.EncodeMsgPack(&snap)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *expression) Restore(data []byte) error {
	if !e.updating {
		return nil
	}
	e.last = make(map[string]any)
	if len(data) == 0 {
		return nil
	}
	var snap exprSnapshot
	if err := utils.DecodeMsgPack(data, &snap); err != nil {
		return err
	}
	for _, s := range snap.Entries {
		e.last[s.Key] = s.Value
	}
	return nil
}

// flatten emits one record per element of a slice-valued record.
type flatten struct {
	name string
}

func newFlatten(node graph.ProgramNode) (*flatten, error) {
	return &flatten{name: node.OperatorID()}, nil
}

func (f *flatten) Name() string { return f.name }

func (f *flatten) Ingest(rec stream.Record, _ stream.Side, out Emit) error {
	items, ok := rec.Value.([]any)
	if !ok {
		return fmt.Errorf("%w: flatten got %T, want []any", ErrBadRecord, rec.Value)
	}
	for _, item := range items {
		out(stream.Record{Key: rec.Key, Value: item, EventTime: rec.EventTime})
	}
	return nil
}

func (f *flatten) Advance(_ int64, _ Emit) {}

func (f *flatten) Snapshot() ([]byte, error) { return nil, nil }

func (f *flatten) Restore(_ []byte) error { return nil }
