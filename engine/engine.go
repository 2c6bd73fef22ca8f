// Package engine executes a validated job graph: it expands nodes into
// parallel subtasks, wires their channels, and runs the checkpoint and
// job-control planes on top.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/flo/checkpoint"
	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/logger"
	"github.com/tarungka/flo/internal/metrics"
	"github.com/tarungka/flo/operator"
	"github.com/tarungka/flo/state"
	"github.com/tarungka/flo/stream"
	"github.com/tarungka/flo/watermark"
)

// ErrSourceStopped is returned by barrier injection when a source subtask
// has already shut down.
var ErrSourceStopped = errors.New("source subtask has stopped")

// Config is the engine's runtime policy.
type Config struct {
	// ChannelBuffer bounds every inter-subtask channel. Full channels
	// block the sender; that is the backpressure mechanism.
	ChannelBuffer int

	// CheckpointInterval drives periodic checkpoints. Zero disables them;
	// checkpoints then happen only on explicit trigger or stop.
	CheckpointInterval time.Duration

	// CheckpointTimeout bounds how long one epoch may stay in flight.
	CheckpointTimeout time.Duration
}

const defaultChannelBuffer = 128

// Engine owns every subtask goroutine of one job plus its coordinator
// and control state machine.
type Engine struct {
	logger zerolog.Logger
	graph  *graph.JobGraph
	store  state.Store
	cfg    Config

	subtasks []*subtask
	sources  []*subtask
	sinks    []Sink

	coord   *checkpoint.Coordinator
	control *JobControl

	events chan controlEvent

	runOnce sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// New compiles a graph into an engine. The graph is validated here; a
// bad graph never gets a goroutine.
func New(g *graph.JobGraph, store state.Store, cfg Config) (*Engine, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job graph: %w", err)
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = defaultChannelBuffer
	}

	e := &Engine{
		logger: logger.GetLogger("engine"),
		graph:  g,
		store:  store,
		cfg:    cfg,
		events: make(chan controlEvent, 256),
		done:   make(chan struct{}),
	}

	subsByNode := make(map[int][]*subtask)
	expected := make(map[string]int)
	var committers []checkpoint.PreCommitter

	for _, node := range g.Nodes() {
		op := node.Op
		subs := make([]*subtask, node.Parallelism)
		expected[node.OperatorID()] = node.Parallelism

		gen, err := buildGenerator(op.Watermark)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node.OperatorID(), err)
		}

		for i := 0; i < node.Parallelism; i++ {
			runtimeOp, err := operator.FromNode(node)
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", node.OperatorID(), err)
			}
			s := &subtask{
				operatorID: node.OperatorID(),
				index:      i,
				op:         runtimeOp,
				store:      store,
				events:     e.events,
				stats:      metrics.ForSubtask(node.OperatorID(), strconv.Itoa(i)),
				logger: logger.GetLogger("subtask").With().
					Str("operator", node.OperatorID()).Int("subtask", i).Logger(),
				doneCh: make(chan struct{}),
			}
			// each slot needs its own generator: monotonic clamping is
			// per-instance state
			if i == 0 {
				s.gen = gen
			} else if gen != nil {
				s.gen, _ = buildGenerator(op.Watermark)
			}

			switch op.Kind {
			case graph.OpConnectorSource:
				src, err := createSource(op.Connector)
				if err != nil {
					return nil, fmt.Errorf("node %s: %w", node.OperatorID(), err)
				}
				s.source = src
				s.control = make(chan stream.Message, 4)
				e.sources = append(e.sources, s)
			case graph.OpConnectorSink:
				sink, err := createSink(op.Connector)
				if err != nil {
					return nil, fmt.Errorf("node %s: %w", node.OperatorID(), err)
				}
				s.sink = sink
				e.sinks = append(e.sinks, sink)
				committers = append(committers, &sinkCommitter{
					operatorID: node.OperatorID(),
					taskIndex:  i,
					sink:       sink,
				})
			}
			if s.source == nil {
				s.in = make(chan taggedMessage, cfg.ChannelBuffer)
			}
			subs[i] = s
			e.subtasks = append(e.subtasks, s)
		}
		subsByNode[node.NodeIndex] = subs
	}

	if err := e.wire(subsByNode); err != nil {
		return nil, err
	}

	e.coord = checkpoint.NewCoordinator(store, e, expected, checkpoint.Config{
		Timeout: cfg.CheckpointTimeout,
	})
	for _, c := range committers {
		e.coord.AddPreCommitter(c)
	}
	e.control = newJobControl(e, e.coord, len(e.sources))
	e.coord.OnComplete(e.control.onCheckpointComplete)
	e.coord.OnAbort(e.control.onCheckpointAbort)
	return e, nil
}

// wire connects every edge: forward edges pin the sender's slot,
// partitioning edges fan out to every downstream slot. Each connection
// registers the sender as one input of the receiver, which is what makes
// per-input watermark tracking and barrier alignment possible.
func (e *Engine) wire(subsByNode map[int][]*subtask) error {
	register := func(dst *subtask, side stream.Side) int {
		dst.sides = append(dst.sides, side)
		return len(dst.sides) - 1
	}

	for _, edge := range e.graph.Edges() {
		ups := subsByNode[edge.Upstream]
		downs := subsByNode[edge.Downstream]
		side := stream.SideSingle
		switch edge.Type {
		case graph.LeftJoin:
			side = stream.SideLeft
		case graph.RightJoin:
			side = stream.SideRight
		}

		for u, up := range ups {
			if up.sink != nil {
				return fmt.Errorf("node %s: sink has outbound edge", up.operatorID)
			}
			var targets []target
			if edge.Type == graph.Forward {
				dst := downs[u%len(downs)]
				targets = []target{{ch: dst.in, input: register(dst, side)}}
			} else {
				targets = make([]target, len(downs))
				for d, dst := range downs {
					targets[d] = target{ch: dst.in, input: register(dst, side)}
				}
			}
			up.outs = append(up.outs, outEdge{targets: targets})
		}
	}

	for _, s := range e.subtasks {
		if s.source != nil {
			continue
		}
		if len(s.sides) == 0 {
			return fmt.Errorf("node %s: non-source subtask has no inputs", s.operatorID)
		}
		s.tracker = watermark.NewTracker(len(s.sides))
		s.blocked = make([]bool, len(s.sides))
		s.buffered = make([][]taggedMessage, len(s.sides))
		s.eod = make([]bool, len(s.sides))
	}
	return nil
}

func buildGenerator(cfg graph.WatermarkConfig) (watermark.Generator, error) {
	switch {
	case cfg.Expression != "":
		fn, err := operator.LookupTimestampFn(cfg.Expression)
		if err != nil {
			return nil, err
		}
		lateness := cfg.MaxLatenessMicros
		return watermark.NewExpression(func(rec stream.Record) int64 {
			return fn(rec) - lateness
		}), nil
	case cfg.PeriodMicros > 0:
		return watermark.NewPeriodic(cfg.PeriodMicros, cfg.MaxLatenessMicros), nil
	default:
		return nil, nil
	}
}

// Run restores committed state, starts every subtask and the control
// pump, and returns. Use Wait or Done to observe completion.
func (e *Engine) Run(ctx context.Context) error {
	var err error
	e.runOnce.Do(func() {
		if err = e.restore(); err != nil {
			e.closeSinks()
			close(e.done)
			return
		}
		ctx, e.cancel = context.WithCancel(ctx)

		go e.pump()
		for _, s := range e.subtasks {
			e.wg.Add(1)
			go func(s *subtask) {
				defer e.wg.Done()
				s.run(ctx)
			}(s)
		}
		go func() {
			e.wg.Wait()
			close(e.events)
		}()
		if e.cfg.CheckpointInterval > 0 {
			go e.periodicCheckpoints(ctx)
		}
		e.control.started()
	})
	return err
}

// restore loads the latest committed snapshot into every subtask's
// operator and re-seeds the epoch counter.
func (e *Engine) restore() error {
	if _, ok, err := e.store.Committed(); err != nil {
		return fmt.Errorf("reading committed epoch: %w", err)
	} else if !ok {
		return nil
	}
	for _, s := range e.subtasks {
		epoch, data, err := e.store.GetLatest(s.operatorID, s.index)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("loading state of %s-%d: %w", s.operatorID, s.index, err)
		}
		if err := s.op.Restore(data); err != nil {
			return fmt.Errorf("restoring %s-%d from epoch %d: %w", s.operatorID, s.index, epoch, err)
		}
		e.logger.Info().
			Str("operator", s.operatorID).Int("subtask", s.index).Uint64("epoch", epoch).
			Msg("restored state")
	}
	return e.coord.Recover()
}

// pump is the control-plane event loop: it fans subtask reports out to
// the coordinator and the job state machine.
func (e *Engine) pump() {
	defer close(e.done)
	remaining := len(e.subtasks)
	for ev := range e.events {
		switch {
		case ev.checkpointEv != nil:
			e.coord.HandleEvent(*ev.checkpointEv)
		case ev.failure != nil:
			e.control.onTaskFailure(*ev.failure)
			if epoch, _, ok := e.coord.InFlight(); ok {
				e.coord.HandleFailure(epoch, ev.failure.OperatorID, ev.failure.TaskIndex, ev.failure.Err)
			}
		case ev.drained != nil:
			e.control.onSourceDrained()
		case ev.logMsg != nil:
			e.control.appendLog(*ev.logMsg)
		case ev.done != nil:
			remaining--
			if remaining == 0 {
				e.control.onAllTasksFinished()
			}
		}
	}
	// every subtask has exited and every commit of the final epoch has
	// been processed; only now may the sinks go
	e.closeSinks()
	if remaining > 0 {
		// cancelled before every task reported in
		e.control.onAllTasksFinished()
	}
}

func (e *Engine) closeSinks() {
	for _, s := range e.sinks {
		if err := s.Close(); err != nil {
			e.logger.Error().Err(err).Msg("closing sink")
		}
	}
}

func (e *Engine) periodicCheckpoints(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.control.Status().RunningDesired {
				return
			}
			if _, err := e.coord.Trigger(false); err != nil && !errors.Is(err, checkpoint.ErrEpochInFlight) {
				e.logger.Error().Err(err).Msg("periodic checkpoint trigger failed")
			}
		}
	}
}

// InjectBarrier delivers a barrier to every source subtask. Implements
// checkpoint.BarrierInjector.
func (e *Engine) InjectBarrier(b stream.Barrier) error {
	for _, s := range e.sources {
		select {
		case s.control <- b:
		case <-s.doneCh:
			return fmt.Errorf("%w: %s-%d", ErrSourceStopped, s.operatorID, s.index)
		}
	}
	return nil
}

// drainSources asks every source to stop pulling new data. Part of the
// graceful stop sequence.
func (e *Engine) drainSources() {
	for _, s := range e.sources {
		select {
		case s.control <- stream.EndOfData{}:
		case <-s.doneCh:
		}
	}
}

// stop cancels every subtask. Force-stop path.
func (e *Engine) stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Control returns the job's control surface.
func (e *Engine) Control() *JobControl { return e.control }

// Coordinator returns the checkpoint coordinator, for status queries.
func (e *Engine) Coordinator() *checkpoint.Coordinator { return e.coord }

// Done is closed when every subtask has exited and the control pump has
// drained.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the job has fully stopped or ctx expires.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sinkCommitter adapts one sink subtask to the coordinator's two-phase
// commit hook.
type sinkCommitter struct {
	operatorID string
	taskIndex  int
	sink       Sink
}

func (s *sinkCommitter) OperatorID() string { return s.operatorID }

func (s *sinkCommitter) PreCommit(epoch uint64) error {
	return s.sink.PreCommit(epoch)
}
