package watermark

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tarungka/flo/stream"
)

func TestTracker_Observe_MinCombine(t *testing.T) {
	tr := NewTracker(3)
	assert.Equal(t, stream.MinTimestamp, tr.Current())

	// one channel alone cannot advance the combined watermark
	_, advanced := tr.Observe(0, 100)
	assert.False(t, advanced)

	_, advanced = tr.Observe(1, 50)
	assert.False(t, advanced)

	// last channel reports: combined becomes the minimum
	combined, advanced := tr.Observe(2, 80)
	assert.True(t, advanced)
	assert.Equal(t, int64(50), combined)
	assert.Equal(t, int64(50), tr.Current())

	// raising the slowest channel advances to the new minimum
	combined, advanced = tr.Observe(1, 90)
	assert.True(t, advanced)
	assert.Equal(t, int64(80), combined)
}

func TestTracker_Observe_DropsRegressions(t *testing.T) {
	tr := NewTracker(1)
	_, advanced := tr.Observe(0, 100)
	assert.True(t, advanced)

	// out-of-order watermark on the same channel is dropped, not applied
	combined, advanced := tr.Observe(0, 40)
	assert.False(t, advanced)
	assert.Equal(t, int64(100), combined)
	assert.Equal(t, int64(100), tr.Channel(0))
	assert.Equal(t, uint64(1), tr.Dropped())
}

func TestTracker_Observe_EqualValueDoesNotAdvance(t *testing.T) {
	tr := NewTracker(1)
	tr.Observe(0, 100)
	_, advanced := tr.Observe(0, 100)
	assert.False(t, advanced)
}

func TestPeriodic_OnTick_Monotonic(t *testing.T) {
	// period 10ms, lateness 5ms, in micros
	p := NewPeriodic(10_000, 5_000)

	now := stream.FromMicros(1_000_000)
	wm, ok := p.OnTick(now)
	assert.True(t, ok)
	assert.Equal(t, int64(995_000), wm)

	// within the period: no emission
	_, ok = p.OnTick(stream.FromMicros(1_005_000))
	assert.False(t, ok)

	// past the period: emits now - lateness
	wm, ok = p.OnTick(stream.FromMicros(1_012_000))
	assert.True(t, ok)
	assert.Equal(t, int64(1_007_000), wm)
	assert.Equal(t, int64(1_007_000), p.Last())
}

func TestExpression_OnRecord_Monotonic(t *testing.T) {
	e := NewExpression(func(rec stream.Record) int64 { return rec.EventTime })

	wm, ok := e.OnRecord(stream.Record{EventTime: 100})
	assert.True(t, ok)
	assert.Equal(t, int64(100), wm)

	// a late record must not pull the watermark backwards
	_, ok = e.OnRecord(stream.Record{EventTime: 60})
	assert.False(t, ok)
	assert.Equal(t, int64(100), e.Last())

	wm, ok = e.OnRecord(stream.Record{EventTime: 150})
	assert.True(t, ok)
	assert.Equal(t, int64(150), wm)
}
