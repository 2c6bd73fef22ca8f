package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarungka/flo/checkpoint"
	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/operator"
	"github.com/tarungka/flo/state"
	"github.com/tarungka/flo/stream"
)

func init() {
	operator.RegisterTimestampFn("test_event_time", func(rec stream.Record) int64 {
		return rec.EventTime
	})
}

// countPipeline is the canonical three-node test job: source, tumbling
// 60s count, sink. Connector names are per-test so each test owns its
// source and sink instances.
func countPipeline(srcName, sinkName string) *graph.JobGraph {
	nodes := []graph.ProgramNode{
		{NodeIndex: 0, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSource,
			Connector: graph.ConnectorConfig{Connector: srcName},
			Watermark: graph.WatermarkConfig{Expression: "test_event_time"},
		}},
		{NodeIndex: 1, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpWindowAggregate,
			Window:    graph.WindowConfig{Kind: graph.WindowTumbling, SizeMicros: 60_000_000},
			Aggregate: graph.AggregateConfig{Kind: graph.AggCount},
		}},
		{NodeIndex: 2, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSink,
			Connector: graph.ConnectorConfig{Connector: sinkName},
		}},
	}
	edges := []graph.ProgramEdge{
		{Upstream: 0, Downstream: 1, Type: graph.Shuffle},
		{Upstream: 1, Downstream: 2, Type: graph.Forward},
	}
	return graph.New(nodes, edges)
}

func registerMemoryPair(name string) (*MemorySource, *MemorySink) {
	src := NewMemorySource()
	sink := NewMemorySink()
	RegisterSource(name+"_src", func(graph.ConnectorConfig) (Source, error) { return src, nil })
	RegisterSink(name+"_sink", func(graph.ConnectorConfig) (Sink, error) { return sink, nil })
	return src, sink
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
}

func TestEngine_EndToEnd_TumblingCount(t *testing.T) {
	src, sink := registerMemoryPair("e2e")
	e, err := New(countPipeline("e2e_src", "e2e_sink"), state.NewMemoryStore(), Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	src.Push(stream.Record{Key: "user", Value: 1, EventTime: 10_000_000})
	src.Push(stream.Record{Key: "user", Value: 2, EventTime: 40_000_000})
	src.Push(stream.Record{Key: "user", Value: 3, EventTime: 70_000_000})
	src.Finish()
	waitDone(t, e)

	recs := sink.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "user", recs[0].Key)
	assert.Equal(t, float64(2), recs[0].Value)
	assert.Equal(t, int64(59_999_999), recs[0].EventTime)
	assert.Equal(t, float64(1), recs[1].Value)
	assert.Equal(t, int64(119_999_999), recs[1].EventTime)

	status := e.Control().Status()
	assert.Equal(t, JobFinished, status.State)
	assert.NotEmpty(t, status.RunID)
	assert.NotZero(t, status.FinishTime)
}

func TestEngine_CheckpointRound_CommitsAndNotifiesSink(t *testing.T) {
	src, sink := registerMemoryPair("ckpt")
	store := state.NewMemoryStore()
	e, err := New(countPipeline("ckpt_src", "ckpt_sink"), store, Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	src.Push(stream.Record{Key: "user", Value: 1, EventTime: 10_000_000})
	require.NoError(t, e.Control().Stop(StopCheckpoint))

	require.Eventually(t, func() bool {
		epoch, ok := e.Coordinator().LastCommitted()
		return ok && epoch == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, sink.Committed(), uint64(1))

	// the round done, the job is back to plain running
	require.Eventually(t, func() bool {
		return e.Control().Status().State == JobRunning
	}, 5*time.Second, 10*time.Millisecond)

	src.Finish()
	waitDone(t, e)
}

func TestEngine_GracefulStop_FlushesAndCheckpoints(t *testing.T) {
	src, sink := registerMemoryPair("graceful")
	store := state.NewMemoryStore()
	e, err := New(countPipeline("graceful_src", "graceful_sink"), store, Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	src.Push(stream.Record{Key: "user", Value: 1, EventTime: 10_000_000})
	src.Push(stream.Record{Key: "user", Value: 2, EventTime: 40_000_000})
	require.NoError(t, e.Control().Stop(StopGraceful))
	waitDone(t, e)

	// buffered data was flushed: the open window fired before the stop
	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, float64(2), recs[0].Value)

	epoch, ok := e.Coordinator().LastCommitted()
	require.True(t, ok)
	assert.Equal(t, uint64(1), epoch)
	assert.Equal(t, []uint64{1}, sink.Committed())

	status := e.Control().Status()
	assert.Equal(t, JobFinished, status.State)
	assert.False(t, status.RunningDesired)
	assert.Empty(t, status.FailureMessage)
}

func TestEngine_ForceStop_NoCheckpoint(t *testing.T) {
	src, sink := registerMemoryPair("force")
	store := state.NewMemoryStore()
	e, err := New(countPipeline("force_src", "force_sink"), store, Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	src.Push(stream.Record{Key: "user", Value: 1, EventTime: 10_000_000})
	require.NoError(t, e.Control().Stop(StopForce))
	waitDone(t, e)

	_, ok := e.Coordinator().LastCommitted()
	assert.False(t, ok)
	assert.Empty(t, sink.Committed())

	status := e.Control().Status()
	assert.Equal(t, JobFinished, status.State)
	assert.Empty(t, status.FailureMessage)
}

func TestEngine_RestoreContinuesFromCommittedState(t *testing.T) {
	store := state.NewMemoryStore()

	src1, sink1 := registerMemoryPair("restore1")
	e1, err := New(countPipeline("restore1_src", "restore1_sink"), store, Config{})
	require.NoError(t, err)
	require.NoError(t, e1.Run(context.Background()))

	src1.Push(stream.Record{Key: "user", Value: 1, EventTime: 10_000_000})
	src1.Push(stream.Record{Key: "user", Value: 2, EventTime: 40_000_000})
	// records must clear the pipeline before the stopping barrier
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, e1.Control().Stop(StopImmediate))
	waitDone(t, e1)

	// no watermark passed the window: nothing fired, the bin is in the
	// committed snapshot instead
	assert.Empty(t, sink1.Records())
	epoch, ok := e1.Coordinator().LastCommitted()
	require.True(t, ok)
	assert.Equal(t, uint64(1), epoch)

	src2, sink2 := registerMemoryPair("restore2")
	e2, err := New(countPipeline("restore2_src", "restore2_sink"), store, Config{})
	require.NoError(t, err)
	require.NoError(t, e2.Run(context.Background()))

	src2.Push(stream.Record{Key: "user", Value: 3, EventTime: 70_000_000})
	src2.Finish()
	waitDone(t, e2)

	// the restored bin picks up where the first run stopped
	recs := sink2.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, float64(2), recs[0].Value)
	assert.Equal(t, int64(59_999_999), recs[0].EventTime)
	assert.Equal(t, float64(1), recs[1].Value)
}

func TestEngine_TwoInputJoin_AlignsBeforeSnapshot(t *testing.T) {
	left := NewMemorySource()
	right := NewMemorySource()
	sink := NewMemorySink()
	RegisterSource("join_left_src", func(graph.ConnectorConfig) (Source, error) { return left, nil })
	RegisterSource("join_right_src", func(graph.ConnectorConfig) (Source, error) { return right, nil })
	RegisterSink("join_sink", func(graph.ConnectorConfig) (Sink, error) { return sink, nil })

	nodes := []graph.ProgramNode{
		{NodeIndex: 0, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSource,
			Connector: graph.ConnectorConfig{Connector: "join_left_src"},
			Watermark: graph.WatermarkConfig{Expression: "test_event_time"},
		}},
		{NodeIndex: 1, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSource,
			Connector: graph.ConnectorConfig{Connector: "join_right_src"},
			Watermark: graph.WatermarkConfig{Expression: "test_event_time"},
		}},
		{NodeIndex: 2, Parallelism: 1, Op: graph.Operator{
			Kind: graph.OpJoinWithExpiration,
			Join: graph.JoinConfig{
				Type:                  graph.JoinInner,
				LeftExpirationMicros:  3_600_000_000,
				RightExpirationMicros: 3_600_000_000,
			},
		}},
		{NodeIndex: 3, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSink,
			Connector: graph.ConnectorConfig{Connector: "join_sink"},
		}},
	}
	edges := []graph.ProgramEdge{
		{Upstream: 0, Downstream: 2, Type: graph.LeftJoin},
		{Upstream: 1, Downstream: 2, Type: graph.RightJoin},
		{Upstream: 2, Downstream: 3, Type: graph.Forward},
	}

	e, err := New(graph.New(nodes, edges), state.NewMemoryStore(), Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	left.Push(stream.Record{Key: "order-1", Value: "l1", EventTime: 100})
	right.Push(stream.Record{Key: "order-1", Value: "r1", EventTime: 200})

	require.NoError(t, e.Control().Stop(StopCheckpoint))
	require.Eventually(t, func() bool {
		_, ok := e.Coordinator().LastCommitted()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// a two-input task must align its barriers before snapshotting
	details, ok := e.Coordinator().Details(1)
	require.True(t, ok)
	joinEvents := details["join_with_expiration_2"].Tasks[0].Events
	require.NotEmpty(t, joinEvents)
	assert.Equal(t, checkpoint.EventAlignmentStarted, joinEvents[0].Type)

	left.Finish()
	right.Finish()
	waitDone(t, e)

	recs := sink.Records()
	require.Len(t, recs, 1)
	pair := recs[0].Value.(operator.Pair)
	assert.Equal(t, "l1", pair.Left)
	assert.Equal(t, "r1", pair.Right)
}

func TestEngine_SourceOpenFailure_FailsJob(t *testing.T) {
	RegisterSource("broken_src", func(graph.ConnectorConfig) (Source, error) {
		return brokenSource{}, nil
	})
	RegisterSink("broken_sink", func(graph.ConnectorConfig) (Sink, error) {
		return NewMemorySink(), nil
	})
	e, err := New(countPipeline("broken_src", "broken_sink"), state.NewMemoryStore(), Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))
	waitDone(t, e)

	status := e.Control().Status()
	assert.Contains(t, status.FailureMessage, "connection refused")
	assert.False(t, status.RunningDesired)
}

type brokenSource struct{}

func (brokenSource) Open(ctx context.Context) (<-chan stream.Record, error) {
	return nil, errors.New("connection refused")
}

func (brokenSource) Close() error { return nil }

func TestEngine_New_UnknownConnector(t *testing.T) {
	_, err := New(countPipeline("never_registered_src", "never_registered_sink"),
		state.NewMemoryStore(), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source connector")
}

func TestEngine_New_InvalidGraph(t *testing.T) {
	g := graph.New([]graph.ProgramNode{}, nil)
	_, err := New(g, state.NewMemoryStore(), Config{})
	assert.ErrorIs(t, err, graph.ErrEmptyGraph)
}

func TestJobControl_StopTransitions(t *testing.T) {
	src, _ := registerMemoryPair("transitions")
	e, err := New(countPipeline("transitions_src", "transitions_sink"), state.NewMemoryStore(), Config{})
	require.NoError(t, err)

	// before Run the job is Created: only force may stop it
	assert.NoError(t, e.Control().Stop(StopNone))
	assert.ErrorIs(t, e.Control().Stop(StopCheckpoint), ErrBadTransition)
	assert.ErrorIs(t, e.Control().Stop(StopGraceful), ErrBadTransition)

	require.NoError(t, e.Run(context.Background()))
	src.Finish()
	waitDone(t, e)

	// a finished job rejects everything except force
	assert.ErrorIs(t, e.Control().Stop(StopGraceful), ErrBadTransition)
	assert.ErrorIs(t, e.Control().Stop(StopImmediate), ErrBadTransition)
	assert.NoError(t, e.Control().Stop(StopForce))
}

// commitTrackingSink records the ordering of PreCommit against Close.
type commitTrackingSink struct {
	mu                  sync.Mutex
	closed              bool
	preCommits          []uint64
	preCommitAfterClose bool
}

func (s *commitTrackingSink) Write(stream.Record) error { return nil }

func (s *commitTrackingSink) PreCommit(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.preCommitAfterClose = true
		return errors.New("pre-commit on closed sink")
	}
	s.preCommits = append(s.preCommits, epoch)
	return nil
}

func (s *commitTrackingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestEngine_GracefulStop_SinkOpenThroughFinalCommit(t *testing.T) {
	src := NewMemorySource()
	sink := &commitTrackingSink{}
	RegisterSource("commit_order_src", func(graph.ConnectorConfig) (Source, error) { return src, nil })
	RegisterSink("commit_order_sink", func(graph.ConnectorConfig) (Sink, error) { return sink, nil })

	e, err := New(countPipeline("commit_order_src", "commit_order_sink"), state.NewMemoryStore(), Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	src.Push(stream.Record{Key: "user", Value: 1, EventTime: 10_000_000})
	require.NoError(t, e.Control().Stop(StopGraceful))
	waitDone(t, e)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	// the stop's whole point is committing the final epoch: the sink must
	// still be open when that epoch's pre-commit runs
	assert.False(t, sink.preCommitAfterClose)
	assert.Equal(t, []uint64{1}, sink.preCommits)
	assert.True(t, sink.closed)
	assert.Empty(t, e.Control().Status().FailureMessage)
}

func TestJobControl_RunIDIsTimeOrdered(t *testing.T) {
	registerMemoryPair("runid")
	e, err := New(countPipeline("runid_src", "runid_sink"), state.NewMemoryStore(), Config{})
	require.NoError(t, err)

	id, err := uuid.Parse(e.Control().Status().RunID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestEngine_ParallelAggregation_PartitionsByKey(t *testing.T) {
	src := NewMemorySource()
	sink := NewMemorySink()
	RegisterSource("parallel_src", func(graph.ConnectorConfig) (Source, error) { return src, nil })
	RegisterSink("parallel_sink", func(graph.ConnectorConfig) (Sink, error) { return sink, nil })

	nodes := []graph.ProgramNode{
		{NodeIndex: 0, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSource,
			Connector: graph.ConnectorConfig{Connector: "parallel_src"},
			Watermark: graph.WatermarkConfig{Expression: "test_event_time"},
		}},
		{NodeIndex: 1, Parallelism: 4, Op: graph.Operator{
			Kind:      graph.OpWindowAggregate,
			Window:    graph.WindowConfig{Kind: graph.WindowTumbling, SizeMicros: 60_000_000},
			Aggregate: graph.AggregateConfig{Kind: graph.AggCount},
		}},
		{NodeIndex: 2, Parallelism: 1, Op: graph.Operator{
			Kind:      graph.OpConnectorSink,
			Connector: graph.ConnectorConfig{Connector: "parallel_sink"},
		}},
	}
	edges := []graph.ProgramEdge{
		{Upstream: 0, Downstream: 1, Type: graph.Shuffle},
		{Upstream: 1, Downstream: 2, Type: graph.Shuffle},
	}

	e, err := New(graph.New(nodes, edges), state.NewMemoryStore(), Config{})
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background()))

	// 12 keys, 3 events each, all inside the first window
	for i := 0; i < 36; i++ {
		src.Push(stream.Record{
			Key:       fmt.Sprintf("key-%d", i%12),
			Value:     i,
			EventTime: int64(i+1) * 1000,
		})
	}
	src.Finish()
	waitDone(t, e)

	recs := sink.Records()
	require.Len(t, recs, 12)
	counts := make(map[string]float64, len(recs))
	for _, rec := range recs {
		counts[rec.Key] = rec.Value.(float64)
	}
	for key, n := range counts {
		assert.Equal(t, float64(3), n, "key %s", key)
	}
}
