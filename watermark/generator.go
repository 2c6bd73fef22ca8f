package watermark

import (
	"time"

	"github.com/tarungka/flo/stream"
)

// Generator produces watermarks at a source subtask, where there is no
// upstream to combine. Both implementations clamp monotonically: a value
// that would regress is swallowed.
type Generator interface {
	// OnRecord observes a source record. Returns a new watermark and true
	// if one should be emitted now.
	OnRecord(rec stream.Record) (int64, bool)
	// OnTick observes the passage of wall-clock time. Returns a new
	// watermark and true if one should be emitted now.
	OnTick(now time.Time) (int64, bool)
	// Last returns the last emitted watermark.
	Last() int64
}

// Periodic emits now minus max lateness every period. Records do not move
// the watermark directly; they only have to beat the lateness bound.
type Periodic struct {
	period      int64
	maxLateness int64
	last        int64
	lastEmit    int64
}

// NewPeriodic builds a periodic generator. period and maxLateness are
// microseconds.
func NewPeriodic(period, maxLateness int64) *Periodic {
	return &Periodic{
		period:      period,
		maxLateness: maxLateness,
		last:        stream.MinTimestamp,
		lastEmit:    stream.MinTimestamp,
	}
}

func (p *Periodic) OnRecord(_ stream.Record) (int64, bool) {
	return p.last, false
}

func (p *Periodic) OnTick(now time.Time) (int64, bool) {
	nowMicros := stream.ToMicros(now)
	if p.lastEmit != stream.MinTimestamp && nowMicros-p.lastEmit < p.period {
		return p.last, false
	}
	wm := nowMicros - p.maxLateness
	if wm <= p.last {
		return p.last, false
	}
	p.last = wm
	p.lastEmit = nowMicros
	return wm, true
}

func (p *Periodic) Last() int64 { return p.last }

// Period returns the tick interval as a duration, for the engine's timer.
func (p *Periodic) Period() time.Duration {
	return time.Duration(p.period) * time.Microsecond
}

// Expression evaluates a user expression per record to produce the
// watermark.
type Expression struct {
	fn   func(stream.Record) int64
	last int64
}

// NewExpression builds an expression-driven generator.
func NewExpression(fn func(stream.Record) int64) *Expression {
	return &Expression{fn: fn, last: stream.MinTimestamp}
}

func (e *Expression) OnRecord(rec stream.Record) (int64, bool) {
	wm := e.fn(rec)
	if wm <= e.last {
		return e.last, false
	}
	e.last = wm
	return wm, true
}

func (e *Expression) OnTick(_ time.Time) (int64, bool) {
	return e.last, false
}

func (e *Expression) Last() int64 { return e.last }
