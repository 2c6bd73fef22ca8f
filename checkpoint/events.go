// Package checkpoint orchestrates barrier-based distributed snapshots:
// epoch sequencing, per-task progress tracking and the commit protocol.
package checkpoint

import "fmt"

// EpochState is the per-round state machine:
//
//	Idle -> AlignmentStarted -> Collecting -> Committing -> Complete
//	                                 \-> Aborted
type EpochState int

const (
	EpochIdle EpochState = iota
	EpochAlignmentStarted
	EpochCollecting
	EpochCommitting
	EpochComplete
	EpochAborted
)

func (s EpochState) String() string {
	switch s {
	case EpochIdle:
		return "idle"
	case EpochAlignmentStarted:
		return "alignment_started"
	case EpochCollecting:
		return "collecting"
	case EpochCommitting:
		return "committing"
	case EpochComplete:
		return "complete"
	case EpochAborted:
		return "aborted"
	default:
		return fmt.Sprintf("epoch_state(%d)", int(s))
	}
}

// TaskEventType is the per-subtask sub-protocol sequence.
type TaskEventType int

const (
	EventAlignmentStarted TaskEventType = iota
	EventCheckpointStarted
	EventOperatorFinished
	EventSyncFinished
	EventPreCommit
)

func (t TaskEventType) String() string {
	switch t {
	case EventAlignmentStarted:
		return "alignment_started"
	case EventCheckpointStarted:
		return "checkpoint_started"
	case EventOperatorFinished:
		return "checkpoint_operator_finished"
	case EventSyncFinished:
		return "checkpoint_sync_finished"
	case EventPreCommit:
		return "checkpoint_pre_commit"
	default:
		return fmt.Sprintf("task_event(%d)", int(t))
	}
}

// TaskCheckpointEvent is one subtask's report of checkpoint progress.
// Time is microseconds; Bytes is the snapshot size, meaningful on the
// finished/sync events.
type TaskCheckpointEvent struct {
	Epoch      uint64
	OperatorID string
	TaskIndex  int
	Type       TaskEventType
	Time       int64
	Bytes      uint64
}

// TaskCheckpointDetail is the append-only per-subtask record of one
// epoch. Written once per epoch, destroyed only by history GC.
type TaskCheckpointDetail struct {
	TaskIndex int
	Events    []TaskCheckpointEvent
	Bytes     uint64
	Finished  bool
}

// OperatorCheckpointDetail aggregates one operator's tasks for an epoch.
type OperatorCheckpointDetail struct {
	OperatorID string
	StartTime  int64
	FinishTime int64
	Bytes      uint64
	Tasks      map[int]*TaskCheckpointDetail
}

// CheckpointOverview is the epoch-level record: created when the round is
// initiated, finalized when every operator has reported completion.
type CheckpointOverview struct {
	Epoch      uint64
	Backend    string
	StartTime  int64
	FinishTime int64
	State      EpochState
	Bytes      uint64
}
