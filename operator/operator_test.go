package operator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/stream"
)

func TestFromNode_AllKinds(t *testing.T) {
	RegisterRecordFn("test_upper", func(rec stream.Record) (stream.Record, bool, error) {
		rec.Value = strings.ToUpper(rec.Value.(string))
		return rec, true, nil
	})

	window := graph.WindowConfig{Kind: graph.WindowTumbling, SizeMicros: 1000}
	agg := graph.AggregateConfig{Kind: graph.AggCount}

	tests := []struct {
		kind graph.OpKind
		op   graph.Operator
	}{
		{graph.OpWindowAggregate, graph.Operator{Window: window, Aggregate: agg}},
		{graph.OpWindowMerge, graph.Operator{Window: window, Aggregate: agg}},
		{graph.OpTumblingWindowTwoPhaseAggregate, graph.Operator{Window: window, Aggregate: agg}},
		{graph.OpSlidingWindowTwoPhaseAggregate, graph.Operator{
			Window:    graph.WindowConfig{Kind: graph.WindowSliding, SizeMicros: 1000, SlideMicros: 500},
			Aggregate: agg,
		}},
		{graph.OpTumblingTopN, graph.Operator{Window: window, TopN: graph.TopNConfig{MaxElements: 3}}},
		{graph.OpWindowFunction, graph.Operator{Window: window, TopN: graph.TopNConfig{MaxElements: 3}}},
		{graph.OpSlidingAggregatingTopN, graph.Operator{
			Window:    graph.WindowConfig{Kind: graph.WindowSliding, SizeMicros: 1000, SlideMicros: 500},
			Aggregate: agg,
			TopN:      graph.TopNConfig{MaxElements: 3},
		}},
		{graph.OpJoinWithExpiration, graph.Operator{Join: graph.JoinConfig{Type: graph.JoinInner}}},
		{graph.OpInstantJoin, graph.Operator{Join: graph.JoinConfig{Type: graph.JoinInner}}},
		{graph.OpJoinPairMerge, graph.Operator{}},
		{graph.OpJoinListMerge, graph.Operator{}},
		{graph.OpNonWindowAggregate, graph.Operator{Aggregate: agg}},
		{graph.OpCount, graph.Operator{}},
		{graph.OpExpression, graph.Operator{Expression: graph.ExpressionConfig{Fn: "test_upper"}}},
		{graph.OpUpdatingExpression, graph.Operator{Expression: graph.ExpressionConfig{Fn: "test_upper"}}},
		{graph.OpUpdatingKeyOperator, graph.Operator{Expression: graph.ExpressionConfig{Fn: "test_upper"}}},
		{graph.OpFlatten, graph.Operator{}},
		{graph.OpWatermark, graph.Operator{}},
		{graph.OpConnectorSource, graph.Operator{}},
		{graph.OpConnectorSink, graph.Operator{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			op := tt.op
			op.Kind = tt.kind
			built, err := FromNode(graph.ProgramNode{NodeIndex: 1, Op: op})
			require.NoError(t, err)
			assert.NotEmpty(t, built.Name())
		})
	}
}

func TestFromNode_InvalidConfig(t *testing.T) {
	_, err := FromNode(graph.ProgramNode{Op: graph.Operator{
		Kind:   graph.OpWindowAggregate,
		Window: graph.WindowConfig{Kind: graph.WindowTumbling},
	}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = FromNode(graph.ProgramNode{Op: graph.Operator{
		Kind:       graph.OpExpression,
		Expression: graph.ExpressionConfig{Fn: "never_registered"},
	}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestExpression_FilterAndTransform(t *testing.T) {
	RegisterRecordFn("test_evens_doubled", func(rec stream.Record) (stream.Record, bool, error) {
		n := rec.Value.(int)
		if n%2 != 0 {
			return rec, false, nil
		}
		rec.Value = n * 2
		return rec, true, nil
	})

	op, err := newExpression(graph.ProgramNode{
		NodeIndex: 7,
		Op:        graph.Operator{Expression: graph.ExpressionConfig{Fn: "test_evens_doubled"}},
	}, false)
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	for i := 1; i <= 4; i++ {
		require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: i, EventTime: int64(i)}, stream.SideSingle, out))
	}
	require.Len(t, fired, 2)
	assert.Equal(t, 4, fired[0].Value)
	assert.Equal(t, 8, fired[1].Value)
}

func TestExpression_UpdatingTracksLastPerKey(t *testing.T) {
	RegisterRecordFn("test_identity", func(rec stream.Record) (stream.Record, bool, error) {
		return rec, true, nil
	})
	op, err := newExpression(graph.ProgramNode{
		NodeIndex: 7,
		Op:        graph.Operator{Expression: graph.ExpressionConfig{Fn: "test_identity"}},
	}, true)
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: "v1"}, stream.SideSingle, out))
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: "v2"}, stream.SideSingle, out))

	uv := fired[1].Value.(stream.UpdatingValue)
	assert.Equal(t, "v1", uv.Old)
	assert.Equal(t, "v2", uv.New)

	// updating state survives a snapshot/restore cycle
	data, err := op.Snapshot()
	require.NoError(t, err)
	restored, err := newExpression(graph.ProgramNode{
		NodeIndex: 7,
		Op:        graph.Operator{Expression: graph.ExpressionConfig{Fn: "test_identity"}},
	}, true)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))
	require.NoError(t, restored.Ingest(stream.Record{Key: "k", Value: "v3"}, stream.SideSingle, out))
	uv = fired[2].Value.(stream.UpdatingValue)
	assert.Equal(t, "v2", uv.Old)
}

func TestFlatten_EmitsPerElement(t *testing.T) {
	op, err := newFlatten(graph.ProgramNode{NodeIndex: 8, Op: graph.Operator{Kind: graph.OpFlatten}})
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: []any{1, 2, 3}, EventTime: 9}, stream.SideSingle, out))
	require.Len(t, fired, 3)
	assert.Equal(t, 2, fired[1].Value)
	assert.Equal(t, int64(9), fired[1].EventTime)

	err = op.Ingest(stream.Record{Key: "k", Value: 7}, stream.SideSingle, out)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestPassThrough_Forwards(t *testing.T) {
	op, err := FromNode(graph.ProgramNode{NodeIndex: 9, Op: graph.Operator{Kind: graph.OpWatermark}})
	require.NoError(t, err)

	var fired []stream.Record
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 5}, stream.SideSingle, collectEmit(&fired)))
	require.Len(t, fired, 1)

	data, err := op.Snapshot()
	require.NoError(t, err)
	assert.Nil(t, data)
	require.NoError(t, op.Restore(nil))
}
