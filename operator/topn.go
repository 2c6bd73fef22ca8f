package operator

import (
	"fmt"
	"sort"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/utils"
	"github.com/tarungka/flo/stream"
)

type scored struct {
	Value any
	Score float64
}

// insertBounded inserts v into a rank-ordered slice, keeping at most max
// elements. Truncation happens here, at insertion time, so per-bin memory
// is bounded no matter how many records arrive.
func insertBounded(list []scored, v scored, max int, descending bool) []scored {
	pos := sort.Search(len(list), func(i int) bool {
		if descending {
			return list[i].Score < v.Score
		}
		return list[i].Score > v.Score
	})
	if pos >= max {
		return list
	}
	list = append(list, scored{})
	copy(list[pos+1:], list[pos:])
	list[pos] = v
	if len(list) > max {
		list = list[:max]
	}
	return list
}

// tumblingTopN keeps, per (window end, key), the top max_elements values
// by a supplied ordering expression.
type tumblingTopN struct {
	name       string
	window     Window
	lateness   int64
	max        int
	descending bool
	order      ExtractFn

	bins map[int64]map[string][]scored
}

func newTumblingTopN(node graph.ProgramNode) (*tumblingTopN, error) {
	cfg := node.Op.Window
	if cfg.Kind != graph.WindowTumbling {
		cfg.Kind = graph.WindowTumbling
	}
	w, err := windowFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if node.Op.TopN.MaxElements <= 0 {
		return nil, fmt.Errorf("%w: top-n max_elements %d", ErrInvalidConfig, node.Op.TopN.MaxElements)
	}
	order := ToFloat
	if node.Op.TopN.OrderFn != "" {
		order, err = lookupExtractFn(node.Op.TopN.OrderFn)
		if err != nil {
			return nil, err
		}
	}
	return &tumblingTopN{
		name:       node.OperatorID(),
		window:     w,
		lateness:   node.Op.Window.AllowedLatenessMicros,
		max:        node.Op.TopN.MaxElements,
		descending: node.Op.TopN.Descending,
		order:      order,
		bins:       make(map[int64]map[string][]scored),
	}, nil
}

func (t *tumblingTopN) Name() string { return t.name }

func (t *tumblingTopN) Ingest(rec stream.Record, _ stream.Side, _ Emit) error {
	score, err := t.order(rec.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}
	for _, start := range t.window.Assign(rec.EventTime) {
		end := t.window.End(start)
		keyed, ok := t.bins[end]
		if !ok {
			keyed = make(map[string][]scored)
			t.bins[end] = keyed
		}
		keyed[rec.Key] = insertBounded(keyed[rec.Key], scored{Value: rec.Value, Score: score}, t.max, t.descending)
	}
	return nil
}

func (t *tumblingTopN) Advance(watermark int64, out Emit) {
	var ends []int64
	for end := range t.bins {
		if end <= watermark-t.lateness {
			ends = append(ends, end)
		}
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i] < ends[j] })

	for _, end := range ends {
		keyed := t.bins[end]
		keys := make([]string, 0, len(keyed))
		for k := range keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, s := range keyed[k] {
				out(stream.Record{Key: k, Value: s.Value, EventTime: end - 1})
			}
		}
		delete(t.bins, end)
	}
}

type topNBinSnapshot struct {
	End    int64
	Key    string
	Values []scored
}

type topNSnapshot struct {
	Bins []topNBinSnapshot
}

func (t *tumblingTopN) Snapshot() ([]byte, error) {
	return encodeTopNBins(t.bins)
}

func (t *tumblingTopN) Restore(data []byte) error {
	bins, err := decodeTopNBins(data)
	if err != nil {
		return err
	}
	t.bins = bins
	return nil
}

func encodeTopNBins(bins map[int64]map[string][]scored) ([]byte, error) {
	snap := topNSnapshot{}
	for end, keyed := range bins {
		for k, vals := range keyed {
			snap.Bins = append(snap.Bins, topNBinSnapshot{End: end, Key: k, Values: vals})
		}
	}
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

func decodeTopNBins(data []byte) (map[int64]map[string][]scored, error) {
	bins := make(map[int64]map[string][]scored)
	if len(data) == 0 {
		return bins, nil
	}
	var snap topNSnapshot
	if err := utils.DecodeMsgPack(data, &snap); err != nil {
		return nil, err
	}
	for _, b := range snap.Bins {
		keyed, ok := bins[b.End]
		if !ok {
			keyed = make(map[string][]scored)
			bins[b.End] = keyed
		}
		keyed[b.Key] = b.Values
	}
	return bins, nil
}

// slidingAggregatingTopN aggregates per key inside sliding bins, keeping
// at most max_elements keys per bin. When a new key arrives at a full bin
// it displaces the lowest-ranked key, so per-bin memory stays bounded at
// insertion time.
type slidingAggregatingTopN struct {
	name       string
	window     Window
	lateness   int64
	max        int
	descending bool
	merge      MergeFn
	order      ExtractFn

	bins map[int64]map[string]any
}

func newSlidingAggregatingTopN(node graph.ProgramNode) (*slidingAggregatingTopN, error) {
	cfg := node.Op.Window
	if cfg.Kind != graph.WindowSliding {
		cfg.Kind = graph.WindowSliding
	}
	w, err := windowFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if node.Op.TopN.MaxElements <= 0 {
		return nil, fmt.Errorf("%w: top-n max_elements %d", ErrInvalidConfig, node.Op.TopN.MaxElements)
	}
	merge, err := resolveMerge(node.Op.Aggregate)
	if err != nil {
		return nil, err
	}
	order := ToFloat
	if node.Op.TopN.OrderFn != "" {
		order, err = lookupExtractFn(node.Op.TopN.OrderFn)
		if err != nil {
			return nil, err
		}
	}
	return &slidingAggregatingTopN{
		name:       node.OperatorID(),
		window:     w,
		lateness:   node.Op.Window.AllowedLatenessMicros,
		max:        node.Op.TopN.MaxElements,
		descending: node.Op.TopN.Descending,
		merge:      merge,
		order:      order,
		bins:       make(map[int64]map[string]any),
	}, nil
}

func (t *slidingAggregatingTopN) Name() string { return t.name }

func (t *slidingAggregatingTopN) Ingest(rec stream.Record, _ stream.Side, _ Emit) error {
	for _, start := range t.window.Assign(rec.EventTime) {
		end := t.window.End(start)
		keyed, ok := t.bins[end]
		if !ok {
			keyed = make(map[string]any)
			t.bins[end] = keyed
		}

		if _, exists := keyed[rec.Key]; !exists && len(keyed) >= t.max {
			// bin is full: the new key must beat the current worst to get in
			newAcc, err := t.merge(nil, rec.Value)
			if err != nil {
				return err
			}
			newScore, err := t.order(newAcc)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadRecord, err)
			}
			worstKey, worstScore, err := t.worst(keyed)
			if err != nil {
				return err
			}
			if !t.better(newScore, worstScore) {
				continue
			}
			delete(keyed, worstKey)
			keyed[rec.Key] = newAcc
			continue
		}

		acc, err := t.merge(keyed[rec.Key], rec.Value)
		if err != nil {
			return err
		}
		keyed[rec.Key] = acc
	}
	return nil
}

func (t *slidingAggregatingTopN) better(a, b float64) bool {
	if t.descending {
		return a > b
	}
	return a < b
}

func (t *slidingAggregatingTopN) worst(keyed map[string]any) (string, float64, error) {
	first := true
	var wk string
	var ws float64
	for k, acc := range keyed {
		s, err := t.order(acc)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrBadRecord, err)
		}
		if first || t.better(ws, s) {
			// ws better than s means s is worse
			wk, ws = k, s
			first = false
		}
	}
	return wk, ws, nil
}

func (t *slidingAggregatingTopN) Advance(watermark int64, out Emit) {
	var ends []int64
	for end := range t.bins {
		if end <= watermark-t.lateness {
			ends = append(ends, end)
		}
	}
	sort.Slice(ends, func(i, j int) bool { return ends[i] < ends[j] })

	for _, end := range ends {
		keyed := t.bins[end]
		ranked := make([]struct {
			key   string
			score float64
		}, 0, len(keyed))
		for k, acc := range keyed {
			s, err := t.order(acc)
			if err != nil {
				// a bin accumulator we cannot rank is dropped, same as a
				// bad record
				continue
			}
			ranked = append(ranked, struct {
				key   string
				score float64
			}{k, s})
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].score != ranked[j].score {
				return t.better(ranked[i].score, ranked[j].score)
			}
			return ranked[i].key < ranked[j].key
		})
		for _, r := range ranked {
			out(stream.Record{Key: r.key, Value: keyed[r.key], EventTime: end - 1})
		}
		delete(t.bins, end)
	}
}

func (t *slidingAggregatingTopN) Snapshot() ([]byte, error) {
	snap := windowSnapshot{}
	for end, keyed := range t.bins {
		for k, acc := range keyed {
			snap.Bins = append(snap.Bins, binSnapshot{End: end, Key: k, Acc: acc})
		}
	}
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

func (t *slidingAggregatingTopN) Restore(data []byte) error {
	t.bins = make(map[int64]map[string]any)
	if len(data) == 0 {
		return nil
	}
	var snap windowSnapshot
	if err := utils.DecodeMsgPack(data, &snap); err != nil {
		return err
	}
	for _, b := range snap.Bins {
		keyed, ok := t.bins[b.End]
		if !ok {
			keyed = make(map[string]any)
			t.bins[b.End] = keyed
		}
		keyed[b.Key] = b.Acc
	}
	return nil
}
