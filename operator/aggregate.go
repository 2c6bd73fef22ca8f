package operator

import (
	"fmt"
	"sort"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/utils"
	"github.com/tarungka/flo/stream"
)

// resolveMerge returns the merge function for an aggregate config. The
// builtins are all commutative and associative; a registered expression
// merge is trusted to be.
func resolveMerge(c graph.AggregateConfig) (MergeFn, error) {
	extract := ToFloat
	if c.ExtractFn != "" {
		fn, err := lookupExtractFn(c.ExtractFn)
		if err != nil {
			return nil, err
		}
		extract = fn
	}

	switch c.Kind {
	case graph.AggCount:
		return func(acc any, _ any) (any, error) {
			if acc == nil {
				return float64(1), nil
			}
			n, err := ToFloat(acc)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			return n + 1, nil
		}, nil
	case graph.AggSum:
		return func(acc any, value any) (any, error) {
			v, err := extract(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			if acc == nil {
				return v, nil
			}
			n, err := ToFloat(acc)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			return n + v, nil
		}, nil
	case graph.AggMin:
		return func(acc any, value any) (any, error) {
			v, err := extract(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			if acc == nil {
				return v, nil
			}
			n, err := ToFloat(acc)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			if v < n {
				return v, nil
			}
			return n, nil
		}, nil
	case graph.AggMax:
		return func(acc any, value any) (any, error) {
			v, err := extract(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			if acc == nil {
				return v, nil
			}
			n, err := ToFloat(acc)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			if v > n {
				return v, nil
			}
			return n, nil
		}, nil
	case graph.AggExpression:
		return lookupMergeFn(c.MergeFn)
	default:
		return nil, fmt.Errorf("%w: unknown aggregate kind %d", ErrInvalidConfig, int(c.Kind))
	}
}

// windowAggregator maintains per (window end, key) partial aggregates and
// fires them as the watermark passes. One instance per subtask; keyed
// state is never shared.
type windowAggregator struct {
	name     string
	window   Window
	lateness int64
	merge    MergeFn

	// bins is window end -> key -> accumulator
	bins map[int64]map[string]any
}

func newWindowAggregator(node graph.ProgramNode) (*windowAggregator, error) {
	w, err := windowFromConfig(node.Op.Window)
	if err != nil {
		return nil, err
	}
	merge, err := resolveMerge(node.Op.Aggregate)
	if err != nil {
		return nil, err
	}
	return &windowAggregator{
		name:     node.OperatorID(),
		window:   w,
		lateness: node.Op.Window.AllowedLatenessMicros,
		merge:    merge,
		bins:     make(map[int64]map[string]any),
	}, nil
}

func (a *windowAggregator) Name() string { return a.name }

func (a *windowAggregator) Ingest(rec stream.Record, _ stream.Side, out Emit) error {
	if a.window.Kind == graph.WindowInstant {
		// no buffering: aggregate the single value and pass it through
		acc, err := a.merge(nil, rec.Value)
		if err != nil {
			return err
		}
		out(stream.Record{Key: rec.Key, Value: acc, EventTime: rec.EventTime})
		return nil
	}

	for _, start := range a.window.Assign(rec.EventTime) {
		end := a.window.End(start)
		keyed, ok := a.bins[end]
		if !ok {
			keyed = make(map[string]any)
			a.bins[end] = keyed
		}
		acc, err := a.merge(keyed[rec.Key], rec.Value)
		if err != nil {
			return err
		}
		keyed[rec.Key] = acc
	}
	return nil
}

// Advance fires every bin whose window end has passed the watermark minus
// allowed lateness, ascending by (window end, key) so downstream sees
// deterministic, monotonic window boundaries. Fired bins are evicted.
func (a *windowAggregator) Advance(watermark int64, out Emit) {
	var ends []int64
	for end := range a.bins {
		if end <= watermark-a.lateness {
			ends = append(ends, end)
		}
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i] < ends[j] })

	for _, end := range ends {
		keyed := a.bins[end]
		keys := make([]string, 0, len(keyed))
		for k := range keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			// results carry the window's max timestamp so a cascaded
			// window puts them in the same bucket
			out(stream.Record{Key: k, Value: keyed[k], EventTime: end - 1})
		}
		delete(a.bins, end)
	}
}

type binSnapshot struct {
	End int64
	Key string
	Acc any
}

type windowSnapshot struct {
	Bins []binSnapshot
}

func (a *windowAggregator) Snapshot() ([]byte, error) {
	snap := windowSnapshot{}
	for end, keyed := range a.bins {
		for k, acc := range keyed {
			snap.Bins = append(snap.Bins, binSnapshot{End: end, Key: k, Acc: acc})
		}
	}
	// deterministic snapshot bytes make checkpoint tests reproducible
	sort.Slice(snap.Bins, func(i, j int) bool {
		if snap.Bins[i].End != snap.Bins[j].End {
			return snap.Bins[i].End < snap.Bins[j].End
		}
		return snap.Bins[i].Key < snap.Bins[j].Key
	})
	buf, err := utils.EncodeMsgPack(&snap)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (a *windowAggregator) Restore(data []byte) error {
	a.bins = make(map[int64]map[string]any)
	if len(data) == 0 {
		return nil
	}
	var snap windowSnapshot
	if err := utils.DecodeMsgPack(data, &snap); err != nil {
		return err
	}
	for _, b := range snap.Bins {
		keyed, ok := a.bins[b.End]
		if !ok {
			keyed = make(map[string]any)
			a.bins[b.End] = keyed
		}
		keyed[b.Key] = b.Acc
	}
	return nil
}
