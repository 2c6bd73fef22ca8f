package engine

import (
	"fmt"

	"github.com/tarungka/flo/checkpoint"
)

// LogLevel grades job-visible log events.
type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// JobLogMessage is a job-scoped event surfaced to the control plane, in
// addition to (not instead of) the process logs.
type JobLogMessage struct {
	Level      LogLevel
	OperatorID string
	TaskIndex  int
	Message    string
	Time       int64
}

func (m JobLogMessage) String() string {
	return fmt.Sprintf("[%s] %s-%d: %s", m.Level, m.OperatorID, m.TaskIndex, m.Message)
}

// TaskFailure is a subtask crash: it fails the whole job.
type TaskFailure struct {
	OperatorID string
	TaskIndex  int
	Err        error
}

type taskDone struct {
	operatorID string
	taskIndex  int
}

// controlEvent is the async message a subtask sends the control plane.
// Exactly one field is set.
type controlEvent struct {
	checkpointEv *checkpoint.TaskCheckpointEvent
	failure      *TaskFailure
	done         *taskDone
	drained      *taskDone
	logMsg       *JobLogMessage
}
