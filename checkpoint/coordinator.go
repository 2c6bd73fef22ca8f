package checkpoint

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/flo/internal/logger"
	"github.com/tarungka/flo/state"
	"github.com/tarungka/flo/stream"
)

var (
	// ErrEpochInFlight is returned by Trigger when a round is already
	// running; the request has been queued, not lost.
	ErrEpochInFlight = errors.New("checkpoint epoch already in flight, trigger queued")

	// ErrNoRound is returned when an event references an epoch that is
	// not the in-flight one.
	ErrNoRound = errors.New("no such checkpoint round")

	// ErrTimeout aborts a round whose tasks did not all report within
	// the bounded wait.
	ErrTimeout = errors.New("checkpoint timed out waiting for task reports")
)

// BarrierInjector pushes a barrier into every source subtask's input
// stream. Implemented by the engine.
type BarrierInjector interface {
	InjectBarrier(b stream.Barrier) error
}

// PreCommitter is a sink with external side effects: its two-phase commit
// work happens between Collecting and Complete.
type PreCommitter interface {
	OperatorID() string
	PreCommit(epoch uint64) error
}

// Config carries the coordinator policy knobs. The bounded wait before an
// epoch is declared failed is deliberately configuration, not a constant.
type Config struct {
	// Timeout is how long a round may wait for task reports before it is
	// aborted. Zero disables the timer (tests drive aborts explicitly).
	Timeout time.Duration
}

type taskKey struct {
	OperatorID string
	TaskIndex  int
}

type round struct {
	epoch    uint64
	state    EpochState
	thenStop bool
	started  int64
	synced   map[taskKey]bool
	details  map[string]*OperatorCheckpointDetail
	timer    *time.Timer
}

// Coordinator runs the distributed snapshot protocol for one job. It is a
// control-plane component: it injects barriers and collects events but
// never touches operator state itself. At most one epoch is in flight; a
// trigger that arrives while a round is running is queued and started
// when the round leaves the state machine.
type Coordinator struct {
	mu sync.Mutex

	logger   zerolog.Logger
	store    state.Store
	injector BarrierInjector

	committers []PreCommitter
	expected   map[string]int // operator id -> parallelism

	cfg Config

	epoch   uint64 // last assigned epoch number
	current *round

	pending         bool
	pendingThenStop bool

	overviews map[uint64]*CheckpointOverview
	details   map[uint64]map[string]*OperatorCheckpointDetail

	onComplete func(epoch uint64, thenStop bool)
	onAbort    func(epoch uint64, cause error)
}

// NewCoordinator builds a coordinator. expected maps every operator id to
// its parallelism: a round completes when each has reported sync-finished
// from all its tasks.
func NewCoordinator(store state.Store, injector BarrierInjector, expected map[string]int, cfg Config) *Coordinator {
	return &Coordinator{
		logger:    logger.GetLogger("ckpt-coordinator"),
		store:     store,
		injector:  injector,
		expected:  expected,
		cfg:       cfg,
		overviews: make(map[uint64]*CheckpointOverview),
		details:   make(map[uint64]map[string]*OperatorCheckpointDetail),
	}
}

// AddPreCommitter registers a two-phase sink. Must be called before the
// first trigger.
func (c *Coordinator) AddPreCommitter(p PreCommitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committers = append(c.committers, p)
}

// OnComplete registers the completion callback (job control wiring).
func (c *Coordinator) OnComplete(fn func(epoch uint64, thenStop bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

// OnAbort registers the abort callback.
func (c *Coordinator) OnAbort(fn func(epoch uint64, cause error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAbort = fn
}

// Recover seeds the epoch counter from the last committed epoch in the
// store. The counter must continue, never restart, or a recovered job
// would reuse epoch numbers that the store already holds.
func (c *Coordinator) Recover() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	committed, ok, err := c.store.Committed()
	if err != nil {
		return err
	}
	if ok {
		c.epoch = committed
		c.logger.Info().Msgf("recovered epoch counter at %d", committed)
	}
	return nil
}

// Trigger starts a checkpoint round, or queues one if a round is already
// in flight (returning ErrEpochInFlight). thenStop makes the barrier a
// stopping barrier: subtasks shut down after snapshotting.
func (c *Coordinator) Trigger(thenStop bool) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.pending = true
		c.pendingThenStop = c.pendingThenStop || thenStop
		c.logger.Debug().Msgf("trigger while epoch %d in %s, queued", c.current.epoch, c.current.state)
		return 0, ErrEpochInFlight
	}
	return c.startLocked(thenStop)
}

func (c *Coordinator) startLocked(thenStop bool) (uint64, error) {
	c.epoch++
	epoch := c.epoch
	now := stream.ToMicros(time.Now())

	r := &round{
		epoch:    epoch,
		state:    EpochAlignmentStarted,
		thenStop: thenStop,
		started:  now,
		synced:   make(map[taskKey]bool),
		details:  make(map[string]*OperatorCheckpointDetail),
	}
	for opID := range c.expected {
		r.details[opID] = &OperatorCheckpointDetail{
			OperatorID: opID,
			StartTime:  now,
			Tasks:      make(map[int]*TaskCheckpointDetail),
		}
	}
	c.current = r
	c.overviews[epoch] = &CheckpointOverview{
		Epoch:     epoch,
		Backend:   c.store.Backend(),
		StartTime: now,
		State:     EpochAlignmentStarted,
	}
	c.details[epoch] = r.details

	if c.cfg.Timeout > 0 {
		r.timer = time.AfterFunc(c.cfg.Timeout, func() {
			c.abortEpoch(epoch, ErrTimeout)
		})
	}

	c.logger.Info().Msgf("starting checkpoint epoch %d (then_stop=%v)", epoch, thenStop)
	// injection can block on a backpressured source's control channel;
	// release the lock so status queries and event handling stay live
	c.mu.Unlock()
	err := c.injector.InjectBarrier(stream.Barrier{Epoch: epoch, ThenStop: thenStop})
	c.mu.Lock()
	if err != nil {
		if c.current == r {
			c.abortLocked(fmt.Errorf("injecting barrier: %w", err))
		}
		return 0, err
	}
	return epoch, nil
}

// HandleEvent records a task's progress report and drives the round's
// transitions. Events for unknown epochs are dropped: a late report from
// an aborted round is normal, not an error.
func (c *Coordinator) HandleEvent(ev TaskCheckpointEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.current
	if r == nil || r.epoch != ev.Epoch {
		c.logger.Debug().Msgf("dropping event %s for epoch %d (not in flight)", ev.Type, ev.Epoch)
		return
	}

	opDetail, ok := r.details[ev.OperatorID]
	if !ok {
		c.logger.Warn().Msgf("event from unexpected operator %s", ev.OperatorID)
		return
	}
	task, ok := opDetail.Tasks[ev.TaskIndex]
	if !ok {
		task = &TaskCheckpointDetail{TaskIndex: ev.TaskIndex}
		opDetail.Tasks[ev.TaskIndex] = task
	}
	task.Events = append(task.Events, ev)

	if r.state == EpochAlignmentStarted {
		r.state = EpochCollecting
		c.overviews[r.epoch].State = EpochCollecting
	}

	switch ev.Type {
	case EventOperatorFinished:
		task.Bytes = ev.Bytes
		opDetail.Bytes += ev.Bytes
	case EventSyncFinished:
		task.Finished = true
		r.synced[taskKey{ev.OperatorID, ev.TaskIndex}] = true
		if c.allSyncedLocked(r) {
			opDetail.FinishTime = ev.Time
			c.commitLocked(r)
		}
	}
}

// HandleFailure aborts the in-flight round on an explicit task failure.
func (c *Coordinator) HandleFailure(epoch uint64, operatorID string, taskIndex int, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current
	if r == nil || r.epoch != epoch {
		return
	}
	c.abortLocked(fmt.Errorf("task %s-%d failed: %w", operatorID, taskIndex, cause))
}

func (c *Coordinator) allSyncedLocked(r *round) bool {
	for opID, parallelism := range c.expected {
		for i := 0; i < parallelism; i++ {
			if !r.synced[taskKey{opID, i}] {
				return false
			}
		}
	}
	return true
}

func (c *Coordinator) commitLocked(r *round) {
	r.state = EpochCommitting
	c.overviews[r.epoch].State = EpochCommitting

	now := stream.ToMicros(time.Now())
	for _, committer := range c.committers {
		if err := committer.PreCommit(r.epoch); err != nil {
			c.abortLocked(fmt.Errorf("pre-commit of %s: %w", committer.OperatorID(), err))
			return
		}
		if d, ok := r.details[committer.OperatorID()]; ok {
			for _, task := range d.Tasks {
				task.Events = append(task.Events, TaskCheckpointEvent{
					Epoch:      r.epoch,
					OperatorID: committer.OperatorID(),
					TaskIndex:  task.TaskIndex,
					Type:       EventPreCommit,
					Time:       now,
				})
			}
		}
	}

	if err := c.store.SetCommitted(r.epoch); err != nil {
		c.abortLocked(fmt.Errorf("committing epoch %d: %w", r.epoch, err))
		return
	}
	// Only now that the new epoch is durable may older artifacts go: one
	// valid checkpoint must exist at all times.
	if err := c.store.CompactBefore(r.epoch); err != nil {
		c.logger.Warn().Err(err).Msgf("compaction after epoch %d failed", r.epoch)
	}

	if r.timer != nil {
		r.timer.Stop()
	}
	finish := stream.ToMicros(time.Now())
	ov := c.overviews[r.epoch]
	ov.State = EpochComplete
	ov.FinishTime = finish
	for _, d := range r.details {
		ov.Bytes += d.Bytes
		if d.FinishTime == 0 {
			d.FinishTime = finish
		}
	}
	c.logger.Info().Msgf("checkpoint epoch %d complete (%d bytes)", r.epoch, ov.Bytes)

	epoch, thenStop := r.epoch, r.thenStop
	c.current = nil
	if c.onComplete != nil {
		fn := c.onComplete
		c.mu.Unlock()
		fn(epoch, thenStop)
		c.mu.Lock()
	}
	c.maybeStartPendingLocked()
}

func (c *Coordinator) abortEpoch(epoch uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.epoch != epoch {
		return
	}
	c.abortLocked(cause)
}

func (c *Coordinator) abortLocked(cause error) {
	r := c.current
	if r.timer != nil {
		r.timer.Stop()
	}
	c.logger.Warn().Err(cause).Msgf("aborting checkpoint epoch %d", r.epoch)

	r.state = EpochAborted
	ov := c.overviews[r.epoch]
	ov.State = EpochAborted
	ov.FinishTime = stream.ToMicros(time.Now())

	// partial artifacts must not survive; committed epochs are untouched
	if err := c.store.DiscardEpoch(r.epoch); err != nil {
		c.logger.Error().Err(err).Msgf("discarding artifacts of epoch %d", r.epoch)
	}

	epoch := r.epoch
	c.current = nil
	if c.onAbort != nil {
		fn := c.onAbort
		c.mu.Unlock()
		fn(epoch, cause)
		c.mu.Lock()
	}
	c.maybeStartPendingLocked()
}

func (c *Coordinator) maybeStartPendingLocked() {
	if !c.pending || c.current != nil {
		return
	}
	c.pending = false
	thenStop := c.pendingThenStop
	c.pendingThenStop = false
	if _, err := c.startLocked(thenStop); err != nil {
		c.logger.Error().Err(err).Msg("starting queued checkpoint round")
	}
}

// InFlight reports the current round, if any.
func (c *Coordinator) InFlight() (uint64, EpochState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0, EpochIdle, false
	}
	return c.current.epoch, c.current.state, true
}

// Overview returns the overview record for an epoch.
func (c *Coordinator) Overview(epoch uint64) (CheckpointOverview, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ov, ok := c.overviews[epoch]
	if !ok {
		return CheckpointOverview{}, false
	}
	return *ov, true
}

// Overviews returns every epoch's overview, unordered.
func (c *Coordinator) Overviews() []CheckpointOverview {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CheckpointOverview, 0, len(c.overviews))
	for _, ov := range c.overviews {
		out = append(out, *ov)
	}
	return out
}

// Details returns the per-operator records of an epoch.
func (c *Coordinator) Details(epoch uint64) (map[string]*OperatorCheckpointDetail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.details[epoch]
	return d, ok
}

// LastCommitted returns the committed epoch from the store.
func (c *Coordinator) LastCommitted() (uint64, bool) {
	epoch, ok, err := c.store.Committed()
	if err != nil {
		c.logger.Error().Err(err).Msg("reading committed epoch")
		return 0, false
	}
	return epoch, ok
}
