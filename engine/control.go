package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tarungka/flo/checkpoint"
	"github.com/tarungka/flo/internal/logger"
	"github.com/tarungka/flo/stream"
)

// JobState is the externally observable lifecycle:
//
//	Created -> Running -> {Checkpointing, Stopping, Failed} -> Finished
type JobState int

const (
	JobCreated JobState = iota
	JobRunning
	JobCheckpointing
	JobStopping
	JobFailed
	JobFinished
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobRunning:
		return "running"
	case JobCheckpointing:
		return "checkpointing"
	case JobStopping:
		return "stopping"
	case JobFailed:
		return "failed"
	case JobFinished:
		return "finished"
	default:
		return fmt.Sprintf("job_state(%d)", int(s))
	}
}

// StopType grades a termination request, mildest first.
type StopType int

const (
	// StopNone is a no-op.
	StopNone StopType = iota
	// StopCheckpoint triggers one checkpoint round without stopping.
	StopCheckpoint
	// StopGraceful drains the sources, flushes buffered data, takes a
	// final checkpoint and stops.
	StopGraceful
	// StopImmediate stops without draining but with a final checkpoint.
	StopImmediate
	// StopForce stops without a checkpoint, best effort.
	StopForce
)

func (t StopType) String() string {
	switch t {
	case StopNone:
		return "none"
	case StopCheckpoint:
		return "checkpoint"
	case StopGraceful:
		return "graceful"
	case StopImmediate:
		return "immediate"
	case StopForce:
		return "force"
	default:
		return fmt.Sprintf("stop_type(%d)", int(t))
	}
}

// ErrBadTransition is returned for a stop request that the current job
// state cannot honor.
var ErrBadTransition = errors.New("invalid job state transition")

// JobStatus is the control-plane view of a job.
type JobStatus struct {
	RunID          string   `json:"run_id"`
	State          JobState `json:"-"`
	StateName      string   `json:"state"`
	RunningDesired bool     `json:"running_desired"`
	FailureMessage string   `json:"failure_message,omitempty"`
	StartTime      int64    `json:"start_time,omitempty"`
	FinishTime     int64    `json:"finish_time,omitempty"`
}

const maxJobLogs = 1024

// JobControl is the job lifecycle state machine. It translates StopType
// requests into coordinator and runtime signals and aggregates the
// job-level log.
type JobControl struct {
	mu     sync.Mutex
	logger zerolog.Logger

	engine *Engine
	coord  *checkpoint.Coordinator

	status   JobStatus
	stopType StopType

	totalSources   int
	drainedSources int

	logs []JobLogMessage
}

func newJobControl(e *Engine, coord *checkpoint.Coordinator, numSources int) *JobControl {
	runID, err := uuid.NewV7()
	if err != nil {
		runID = uuid.New()
	}
	return &JobControl{
		logger: logger.GetLogger("job-control"),
		engine: e,
		coord:  coord,
		status: JobStatus{
			RunID:          runID.String(),
			State:          JobCreated,
			StateName:      JobCreated.String(),
			RunningDesired: true,
		},
		totalSources: numSources,
	}
}

func (c *JobControl) setStateLocked(s JobState) {
	if c.status.State == s {
		return
	}
	c.logger.Info().Msgf("job %s: %s -> %s", c.status.RunID, c.status.State, s)
	c.status.State = s
	c.status.StateName = s.String()
}

func (c *JobControl) started() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State != JobCreated {
		return
	}
	c.status.StartTime = stream.ToMicros(time.Now())
	c.setStateLocked(JobRunning)
}

// Stop handles an external termination or checkpoint request. Requests
// against an already-stopping job return ErrBadTransition, except Force,
// which always escalates.
func (c *JobControl) Stop(t StopType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t {
	case StopNone:
		return nil

	case StopCheckpoint:
		if c.status.State != JobRunning {
			return fmt.Errorf("%w: checkpoint requested in state %s", ErrBadTransition, c.status.State)
		}
		c.setStateLocked(JobCheckpointing)
		if _, err := c.coord.Trigger(false); err != nil && !errors.Is(err, checkpoint.ErrEpochInFlight) {
			c.setStateLocked(JobRunning)
			return err
		}
		return nil

	case StopGraceful:
		if c.status.State != JobRunning && c.status.State != JobCheckpointing {
			return fmt.Errorf("%w: graceful stop requested in state %s", ErrBadTransition, c.status.State)
		}
		c.status.RunningDesired = false
		c.stopType = StopGraceful
		c.setStateLocked(JobStopping)
		if c.totalSources == 0 || c.drainedSources == c.totalSources {
			return c.triggerFinalLocked()
		}
		c.engine.drainSources()
		return nil

	case StopImmediate:
		if c.status.State == JobFinished {
			return fmt.Errorf("%w: immediate stop requested in state %s", ErrBadTransition, c.status.State)
		}
		c.status.RunningDesired = false
		c.stopType = StopImmediate
		c.setStateLocked(JobStopping)
		return c.triggerFinalLocked()

	case StopForce:
		c.status.RunningDesired = false
		c.stopType = StopForce
		if c.status.State != JobFinished && c.status.State != JobFailed {
			c.setStateLocked(JobStopping)
		}
		c.engine.stop()
		return nil

	default:
		return fmt.Errorf("%w: unknown stop type %d", ErrBadTransition, int(t))
	}
}

func (c *JobControl) triggerFinalLocked() error {
	if _, err := c.coord.Trigger(true); err != nil && !errors.Is(err, checkpoint.ErrEpochInFlight) {
		return err
	}
	return nil
}

// onSourceDrained is called once per source that has finished emitting.
// When the last one reports in, the final stopping checkpoint starts.
func (c *JobControl) onSourceDrained() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainedSources++
	if c.stopType == StopGraceful && c.drainedSources == c.totalSources {
		if err := c.triggerFinalLocked(); err != nil {
			c.logger.Error().Err(err).Msg("final checkpoint trigger failed, forcing stop")
			c.engine.stop()
		}
	}
}

func (c *JobControl) onCheckpointComplete(epoch uint64, thenStop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == JobCheckpointing {
		c.setStateLocked(JobRunning)
	}
	// thenStop rounds need no transition here: subtasks are exiting and
	// onAllTasksFinished completes the lifecycle
	_ = thenStop
}

func (c *JobControl) onCheckpointAbort(epoch uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Warn().Err(cause).Uint64("epoch", epoch).Msg("checkpoint aborted")
	switch c.status.State {
	case JobCheckpointing:
		c.setStateLocked(JobRunning)
	case JobStopping:
		// the stop's final checkpoint failed; stopping cleanly is no
		// longer possible
		c.logger.Error().Msg("final checkpoint aborted, forcing stop")
		c.engine.stop()
	}
}

func (c *JobControl) onTaskFailure(f TaskFailure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.State == JobFailed || c.status.State == JobFinished {
		return
	}
	c.status.RunningDesired = false
	c.status.FailureMessage = fmt.Sprintf("%s-%d: %v", f.OperatorID, f.TaskIndex, f.Err)
	c.setStateLocked(JobFailed)
	c.engine.stop()
}

func (c *JobControl) onAllTasksFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.FinishTime = stream.ToMicros(time.Now())
	c.setStateLocked(JobFinished)
}

func (c *JobControl) appendLog(m JobLogMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.logs) >= maxJobLogs {
		c.logs = c.logs[1:]
	}
	c.logs = append(c.logs, m)
}

// Status returns a snapshot of the job's lifecycle state.
func (c *JobControl) Status() JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Logs returns a copy of the job-level log, oldest first.
func (c *JobControl) Logs() []JobLogMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JobLogMessage, len(c.logs))
	copy(out, c.logs)
	return out
}
