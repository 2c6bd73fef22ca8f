package operator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/stream"
)

func collectEmit(out *[]stream.Record) Emit {
	return func(rec stream.Record) {
		*out = append(*out, rec)
	}
}

func tumblingCountNode(sizeMicros, lateness int64) graph.ProgramNode {
	return graph.ProgramNode{
		NodeIndex: 1,
		Op: graph.Operator{
			Kind: graph.OpWindowAggregate,
			Window: graph.WindowConfig{
				Kind:                  graph.WindowTumbling,
				SizeMicros:            sizeMicros,
				AllowedLatenessMicros: lateness,
			},
			Aggregate: graph.AggregateConfig{Kind: graph.AggCount},
		},
	}
}

func TestWindowAggregator_TumblingCount(t *testing.T) {
	// 60s windows; events at 10s, 40s, 70s; watermark to 61s fires
	// [0,60) with count 2 and leaves [60,120) open
	op, err := newWindowAggregator(tumblingCountNode(60_000_000, 0))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)

	for _, et := range []int64{10_000_000, 40_000_000, 70_000_000} {
		require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: et}, stream.SideSingle, out))
	}
	assert.Empty(t, fired)

	op.Advance(61_000_000, out)
	require.Len(t, fired, 1)
	assert.Equal(t, "k", fired[0].Key)
	assert.Equal(t, float64(2), fired[0].Value)
	assert.Equal(t, int64(59_999_999), fired[0].EventTime)

	// the open bin fires once the watermark passes its end
	fired = nil
	op.Advance(120_000_000, out)
	require.Len(t, fired, 1)
	assert.Equal(t, float64(1), fired[0].Value)
}

func TestWindowAggregator_AllowedLateness(t *testing.T) {
	op, err := newWindowAggregator(tumblingCountNode(60_000_000, 5_000_000))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 10_000_000}, stream.SideSingle, out))

	// watermark past the end but inside the lateness allowance: bin stays
	op.Advance(61_000_000, out)
	assert.Empty(t, fired)

	// a late record still lands in the open bin
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 55_000_000}, stream.SideSingle, out))

	op.Advance(65_000_000, out)
	require.Len(t, fired, 1)
	assert.Equal(t, float64(2), fired[0].Value)
}

func TestWindowAggregator_FiringOrder(t *testing.T) {
	op, err := newWindowAggregator(tumblingCountNode(10, 0))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)

	// three windows, two keys, ingested in scrambled order
	for _, rec := range []stream.Record{
		{Key: "b", Value: 1, EventTime: 25},
		{Key: "a", Value: 1, EventTime: 5},
		{Key: "b", Value: 1, EventTime: 15},
		{Key: "a", Value: 1, EventTime: 22},
		{Key: "b", Value: 1, EventTime: 3},
	} {
		require.NoError(t, op.Ingest(rec, stream.SideSingle, out))
	}

	op.Advance(100, out)
	require.Len(t, fired, 5)

	// ascending window end, then ascending key within a window
	var got []struct {
		end int64
		key string
	}
	for _, r := range fired {
		got = append(got, struct {
			end int64
			key string
		}{r.EventTime + 1, r.Key})
	}
	assert.Equal(t, []struct {
		end int64
		key string
	}{
		{10, "a"}, {10, "b"},
		{20, "b"},
		{30, "a"}, {30, "b"},
	}, got)
}

func TestWindowAggregator_SumMergeOrderIndependent(t *testing.T) {
	node := graph.ProgramNode{
		NodeIndex: 1,
		Op: graph.Operator{
			Kind:      graph.OpWindowAggregate,
			Window:    graph.WindowConfig{Kind: graph.WindowTumbling, SizeMicros: 1000},
			Aggregate: graph.AggregateConfig{Kind: graph.AggSum},
		},
	}

	values := make([]int, 50)
	for i := range values {
		values[i] = i + 1
	}

	run := func(vals []int) float64 {
		op, err := newWindowAggregator(node)
		require.NoError(t, err)
		var fired []stream.Record
		for _, v := range vals {
			require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: v, EventTime: 10}, stream.SideSingle, collectEmit(&fired)))
		}
		op.Advance(2000, collectEmit(&fired))
		require.Len(t, fired, 1)
		return fired[0].Value.(float64)
	}

	want := run(values)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		shuffled := append([]int(nil), values...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, run(shuffled))
	}
}

func TestWindowAggregator_SlidingMultiAssign(t *testing.T) {
	node := graph.ProgramNode{
		NodeIndex: 1,
		Op: graph.Operator{
			Kind:      graph.OpWindowAggregate,
			Window:    graph.WindowConfig{Kind: graph.WindowSliding, SizeMicros: 10, SlideMicros: 5},
			Aggregate: graph.AggregateConfig{Kind: graph.AggCount},
		},
	}
	op, err := newWindowAggregator(node)
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 12}, stream.SideSingle, out))

	op.Advance(100, out)
	// the event belongs to [5,15) and [10,20): two firings
	require.Len(t, fired, 2)
	assert.Equal(t, int64(14), fired[0].EventTime)
	assert.Equal(t, int64(19), fired[1].EventTime)
}

func TestWindowAggregator_InstantPassThrough(t *testing.T) {
	node := graph.ProgramNode{
		NodeIndex: 1,
		Op: graph.Operator{
			Kind:      graph.OpWindowAggregate,
			Window:    graph.WindowConfig{Kind: graph.WindowInstant},
			Aggregate: graph.AggregateConfig{Kind: graph.AggSum},
		},
	}
	op, err := newWindowAggregator(node)
	require.NoError(t, err)

	var fired []stream.Record
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 3, EventTime: 42}, stream.SideSingle, collectEmit(&fired)))
	require.Len(t, fired, 1)
	assert.Equal(t, float64(3), fired[0].Value)
	assert.Equal(t, int64(42), fired[0].EventTime)
}

func TestWindowAggregator_SnapshotRestore(t *testing.T) {
	op, err := newWindowAggregator(tumblingCountNode(1000, 0))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "a", Value: 1, EventTime: 100}, stream.SideSingle, out))
	require.NoError(t, op.Ingest(stream.Record{Key: "a", Value: 1, EventTime: 200}, stream.SideSingle, out))
	require.NoError(t, op.Ingest(stream.Record{Key: "b", Value: 1, EventTime: 1500}, stream.SideSingle, out))

	data, err := op.Snapshot()
	require.NoError(t, err)

	restored, err := newWindowAggregator(tumblingCountNode(1000, 0))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))

	restored.Advance(5000, out)
	require.Len(t, fired, 2)
	assert.Equal(t, "a", fired[0].Key)
	assert.Equal(t, float64(2), fired[0].Value)
	assert.Equal(t, "b", fired[1].Key)
	assert.Equal(t, float64(1), fired[1].Value)
}

func TestResolveMerge_MinMaxExpression(t *testing.T) {
	minFn, err := resolveMerge(graph.AggregateConfig{Kind: graph.AggMin})
	require.NoError(t, err)
	acc, err := minFn(nil, 5)
	require.NoError(t, err)
	acc, err = minFn(acc, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(3), acc)

	maxFn, err := resolveMerge(graph.AggregateConfig{Kind: graph.AggMax})
	require.NoError(t, err)
	acc, err = maxFn(nil, 5)
	require.NoError(t, err)
	acc, err = maxFn(acc, 3)
	require.NoError(t, err)
	assert.Equal(t, float64(5), acc)

	RegisterMergeFn("test_concat", func(acc any, value any) (any, error) {
		if acc == nil {
			return value, nil
		}
		return acc.(string) + value.(string), nil
	})
	concat, err := resolveMerge(graph.AggregateConfig{Kind: graph.AggExpression, MergeFn: "test_concat"})
	require.NoError(t, err)
	acc, err = concat("a", "b")
	require.NoError(t, err)
	assert.Equal(t, "ab", acc)

	_, err = resolveMerge(graph.AggregateConfig{Kind: graph.AggExpression, MergeFn: "missing"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResolveMerge_BadValue(t *testing.T) {
	sum, err := resolveMerge(graph.AggregateConfig{Kind: graph.AggSum})
	require.NoError(t, err)
	_, err = sum(nil, "not a number")
	assert.ErrorIs(t, err, ErrBadRecord)
}
