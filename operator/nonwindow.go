package operator

import (
	"sort"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/utils"
	"github.com/tarungka/flo/stream"
)

type nwEntry struct {
	Acc       any
	UpdatedAt int64
}

// nonWindowAggregator keeps one continuously-updating accumulator per key,
// independent of window boundaries. Every ingest emits the changelog pair
// (old, new); a key's state expires once expiration micros have elapsed
// past its last update, against the watermark. Expiration 0 means the
// state never expires.
type nonWindowAggregator struct {
	name       string
	expiration int64
	merge      MergeFn

	state map[string]*nwEntry
}

func newNonWindowAggregator(node graph.ProgramNode) (*nonWindowAggregator, error) {
	merge, err := resolveMerge(node.Op.Aggregate)
	if err != nil {
		return nil, err
	}
	return &nonWindowAggregator{
		name:       node.OperatorID(),
		expiration: node.Op.NonWindow.ExpirationMicros,
		merge:      merge,
		state:      make(map[string]*nwEntry),
	}, nil
}

func (a *nonWindowAggregator) Name() string { return a.name }

func (a *nonWindowAggregator) Ingest(rec stream.Record, _ stream.Side, out Emit) error {
	entry, ok := a.state[rec.Key]
	var old any
	if ok {
		old = entry.Acc
	}
	acc, err := a.merge(old, rec.Value)
	if err != nil {
		return err
	}
	if !ok {
		entry = &nwEntry{}
		a.state[rec.Key] = entry
	}
	entry.Acc = acc
	if rec.EventTime > entry.UpdatedAt {
		entry.UpdatedAt = rec.EventTime
	}
	out(stream.Record{
		Key:       rec.Key,
		Value:     stream.UpdatingValue{Old: old, New: acc},
		EventTime: rec.EventTime,
	})
	return nil
}

func (a *nonWindowAggregator) Advance(watermark int64, _ Emit) {
	if a.expiration <= 0 {
		return
	}
	for k, entry := range a.state {
		if entry.UpdatedAt+a.expiration <= watermark {
			delete(a.state, k)
		}
	}
}

type nwSnapshotEntry struct {
	Key       string
	Acc       any
	UpdatedAt int64
}

type nwSnapshot struct {
	Entries []nwSnapshotEntry
}

func (a *nonWindowAggregator) Snapshot() ([]byte, error) {
	snap := nwSnapshot{}
	for k, e := range a.state {
		snap.Entries = append(snap.Entries, nwSnapshotEntry{Key: k, Acc: e.Acc, UpdatedAt: e.UpdatedAt})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })
	buf, err := utils.EncodeMsgPack(&snap)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *nonWindowAggregator) Restore(data []byte) error {
	a.state = make(map[string]*nwEntry)
	if len(data) == 0 {
		return nil
	}
	var snap nwSnapshot
	if err := utils.DecodeMsgPack(data, &snap); err != nil {
		return err
	}
	for _, e := range snap.Entries {
		a.state[e.Key] = &nwEntry{Acc: e.Acc, UpdatedAt: e.UpdatedAt}
	}
	return nil
}
