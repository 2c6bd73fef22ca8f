// Package watermark estimates per-subtask event-time progress. A
// subtask's watermark is the minimum over its input channels: an operator
// cannot claim time has passed beyond its slowest input.
package watermark

import "github.com/tarungka/flo/stream"

// Tracker combines upstream watermarks for one subtask. Not safe for
// concurrent use; each subtask owns its tracker and touches it only from
// its processing goroutine.
type Tracker struct {
	channels []int64
	current  int64
	dropped  uint64
}

// NewTracker builds a tracker over n input channels, all starting at the
// minimum timestamp.
func NewTracker(n int) *Tracker {
	t := &Tracker{
		channels: make([]int64, n),
		current:  stream.MinTimestamp,
	}
	for i := range t.channels {
		t.channels[i] = stream.MinTimestamp
	}
	return t
}

// Observe records a watermark from the given input channel and recomputes
// the combined watermark. It returns the combined value and whether it
// advanced. A watermark that regresses on its channel is dropped: that is
// the engine's out-of-order tolerance, not an error.
func (t *Tracker) Observe(channel int, wm int64) (int64, bool) {
	if channel < 0 || channel >= len(t.channels) {
		return t.current, false
	}
	if wm < t.channels[channel] {
		t.dropped++
		return t.current, false
	}
	t.channels[channel] = wm

	min := t.channels[0]
	for _, c := range t.channels[1:] {
		if c < min {
			min = c
		}
	}
	if min <= t.current {
		return t.current, false
	}
	t.current = min
	return t.current, true
}

// Current returns the subtask's watermark.
func (t *Tracker) Current() int64 {
	return t.current
}

// Channel returns the last accepted watermark of one input channel.
func (t *Tracker) Channel(i int) int64 {
	return t.channels[i]
}

// Dropped returns how many out-of-order watermarks were discarded.
func (t *Tracker) Dropped() uint64 {
	return t.dropped
}
