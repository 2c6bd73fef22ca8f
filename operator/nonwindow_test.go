package operator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/stream"
)

func nonWindowNode(kind graph.AggregateKind, expiration int64) graph.ProgramNode {
	return graph.ProgramNode{
		NodeIndex: 6,
		Op: graph.Operator{
			Kind:      graph.OpNonWindowAggregate,
			Aggregate: graph.AggregateConfig{Kind: kind},
			NonWindow: graph.NonWindowConfig{ExpirationMicros: expiration},
		},
	}
}

func TestNonWindowAggregator_EmitsChangelog(t *testing.T) {
	op, err := newNonWindowAggregator(nonWindowNode(graph.AggSum, 0))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)

	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 3, EventTime: 10}, stream.SideSingle, out))
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 4, EventTime: 20}, stream.SideSingle, out))

	require.Len(t, fired, 2)
	first := fired[0].Value.(stream.UpdatingValue)
	assert.Nil(t, first.Old)
	assert.Equal(t, float64(3), first.New)

	second := fired[1].Value.(stream.UpdatingValue)
	assert.Equal(t, float64(3), second.Old)
	assert.Equal(t, float64(7), second.New)
}

func TestNonWindowAggregator_TTLExpiry(t *testing.T) {
	op, err := newNonWindowAggregator(nonWindowNode(graph.AggSum, 1000))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 3, EventTime: 100}, stream.SideSingle, out))

	// watermark short of last update + TTL: state survives
	op.Advance(1099, out)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 150}, stream.SideSingle, out))
	assert.Equal(t, float64(4), fired[1].Value.(stream.UpdatingValue).New)

	// TTL runs from the last update, which stayed at 150
	op.Advance(1150, out)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 2000}, stream.SideSingle, out))
	// state was expired, the accumulator restarts
	assert.Nil(t, fired[2].Value.(stream.UpdatingValue).Old)
	assert.Equal(t, float64(1), fired[2].Value.(stream.UpdatingValue).New)
}

func TestNonWindowAggregator_ZeroExpirationNeverExpires(t *testing.T) {
	op, err := newNonWindowAggregator(nonWindowNode(graph.AggCount, 0))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 0}, stream.SideSingle, out))
	op.Advance(stream.MaxTimestamp, out)
	require.NoError(t, op.Ingest(stream.Record{Key: "k", Value: 1, EventTime: 1}, stream.SideSingle, out))

	assert.Equal(t, float64(2), fired[1].Value.(stream.UpdatingValue).New)
}

func TestNonWindowAggregator_SnapshotRestore(t *testing.T) {
	op, err := newNonWindowAggregator(nonWindowNode(graph.AggSum, 0))
	require.NoError(t, err)

	var fired []stream.Record
	out := collectEmit(&fired)
	require.NoError(t, op.Ingest(stream.Record{Key: "a", Value: 3, EventTime: 10}, stream.SideSingle, out))
	require.NoError(t, op.Ingest(stream.Record{Key: "b", Value: 5, EventTime: 10}, stream.SideSingle, out))

	data, err := op.Snapshot()
	require.NoError(t, err)

	restored, err := newNonWindowAggregator(nonWindowNode(graph.AggSum, 0))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(data))

	require.NoError(t, restored.Ingest(stream.Record{Key: "a", Value: 1, EventTime: 20}, stream.SideSingle, out))
	last := fired[2].Value.(stream.UpdatingValue)
	assert.Equal(t, float64(3), last.Old)
	assert.Equal(t, float64(4), last.New)
}
