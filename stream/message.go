package stream

import "time"

// All timestamps and durations in the engine are microseconds. Window
// boundary arithmetic is integer division on these values, so mixing units
// is a correctness bug, not just a style one.

// MinTimestamp is the initial watermark of every subtask: no time has
// passed yet.
const MinTimestamp int64 = -1 << 62

// MaxTimestamp is the watermark advanced to once an input is fully
// drained: every window can fire.
const MaxTimestamp int64 = 1 << 62

// ToMicros converts a wall-clock time to engine microseconds.
func ToMicros(t time.Time) int64 {
	return t.UnixMicro()
}

// FromMicros converts engine microseconds back to wall-clock time.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us)
}

// Message is anything that flows in-band through the dataflow graph:
// data records, watermarks and control markers share the same channels so
// that ordering between them is well defined per input.
type Message interface {
	isMessage()
}

// Record is a keyed data record with an event-time timestamp.
type Record struct {
	Key       string
	Value     any
	EventTime int64
}

// Watermark is a lower bound on future event timestamps: no record older
// than Timestamp will arrive on this channel.
type Watermark struct {
	Timestamp int64
}

// Barrier delimits a checkpoint epoch's consistent cut. ThenStop tells the
// subtask to shut down after it has snapshotted and forwarded the barrier;
// this is how graceful and immediate stops ride on the checkpoint path.
type Barrier struct {
	Epoch    uint64
	ThenStop bool
}

// EndOfData signals that an input will produce no further messages. An
// operator finishes once it has seen EndOfData on every input.
type EndOfData struct{}

func (Record) isMessage()    {}
func (Watermark) isMessage() {}
func (Barrier) isMessage()   {}
func (EndOfData) isMessage() {}

// UpdatingValue is the payload of changelog-style output: Old is nil for a
// plain append, otherwise the pair is a retract+append of the same key.
type UpdatingValue struct {
	Old any
	New any
}

// Side tells a multi-input operator which logical input a record arrived
// on. Single-input operators always see SideSingle.
type Side int

const (
	SideSingle Side = iota
	SideLeft
	SideRight
)

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "single"
	}
}
