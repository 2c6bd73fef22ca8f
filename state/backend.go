// Package state holds the pluggable checkpoint store: where operator
// snapshots go at a barrier and where they come back from on recovery.
package state

import "errors"

var (
	// ErrNotFound is returned by GetLatest when no committed snapshot
	// exists for the operator and task.
	ErrNotFound = errors.New("no committed state found")

	// ErrStoreClosed is returned when the store has been closed.
	ErrStoreClosed = errors.New("state store is closed")
)

// Store is the checkpoint backend. Put is called by subtasks as barriers
// arrive; the coordinator drives the commit protocol. GetLatest only ever
// returns data belonging to a committed epoch: partial artifacts from an
// aborted or in-flight epoch must never be visible to recovery.
type Store interface {
	// Backend names the implementation, recorded in checkpoint overviews.
	Backend() string

	// Put stores one subtask's snapshot for an epoch. Put for the same
	// (epoch, operator, task) overwrites; the write-once discipline is
	// the coordinator's job.
	Put(epoch uint64, operatorID string, taskIndex int, data []byte) error

	// GetLatest returns the newest committed snapshot for the operator
	// and task, with its epoch.
	GetLatest(operatorID string, taskIndex int) (uint64, []byte, error)

	// SetCommitted marks an epoch as the recoverable checkpoint. Must be
	// atomic: either the epoch is the committed one or the previous
	// committed epoch still is.
	SetCommitted(epoch uint64) error

	// Committed returns the committed epoch, or ok=false if none yet.
	Committed() (uint64, bool, error)

	// DiscardEpoch removes every artifact of an (uncommitted) epoch.
	DiscardEpoch(epoch uint64) error

	// CompactBefore removes artifacts of committed epochs older than the
	// given one. Called only after a newer epoch has fully committed, so
	// at least one valid checkpoint always remains.
	CompactBefore(epoch uint64) error

	Close() error
}
