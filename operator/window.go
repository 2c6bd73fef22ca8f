package operator

import (
	"fmt"

	"github.com/tarungka/flo/graph"
)

// Window defines event-time bucket boundaries. All durations are
// microseconds; boundary math is integer division, so callers must never
// feed millisecond values here.
type Window struct {
	Kind  graph.WindowKind
	Size  int64
	Slide int64
}

func windowFromConfig(c graph.WindowConfig) (Window, error) {
	w := Window{Kind: c.Kind, Size: c.SizeMicros, Slide: c.SlideMicros}
	switch c.Kind {
	case graph.WindowTumbling:
		if w.Size <= 0 {
			return w, fmt.Errorf("%w: tumbling window size %d", ErrInvalidConfig, w.Size)
		}
		w.Slide = w.Size
	case graph.WindowSliding:
		if w.Size <= 0 || w.Slide <= 0 {
			return w, fmt.Errorf("%w: sliding window size %d slide %d", ErrInvalidConfig, w.Size, w.Slide)
		}
		if w.Slide > w.Size {
			return w, fmt.Errorf("%w: slide %d larger than size %d", ErrInvalidConfig, w.Slide, w.Size)
		}
	case graph.WindowInstant:
		// no buffering, nothing to check
	default:
		return w, fmt.Errorf("%w: unknown window kind %d", ErrInvalidConfig, int(c.Kind))
	}
	return w, nil
}

// Assign returns the start timestamps of every bin the event time falls
// in, ascending. A sliding window returns all slide-aligned starts whose
// [start, start+size) contains t, clamped at the stream origin; tumbling
// returns exactly one; instant returns none (the caller emits directly).
func (w Window) Assign(t int64) []int64 {
	switch w.Kind {
	case graph.WindowTumbling:
		return []int64{(t / w.Size) * w.Size}
	case graph.WindowSliding:
		last := (t / w.Slide) * w.Slide
		// smallest slide-aligned start whose window still contains t; when
		// size is not a multiple of slide this is not simply last-size+slide
		first := floorDiv(t-w.Size, w.Slide)*w.Slide + w.Slide
		// stream start: drop bins that would begin before time zero
		if first < 0 {
			first = 0
		}
		var starts []int64
		for s := first; s <= last; s += w.Slide {
			starts = append(starts, s)
		}
		return starts
	default:
		return nil
	}
}

// End returns the exclusive end of the bin starting at start.
func (w Window) End(start int64) int64 {
	return start + w.Size
}

// floorDiv divides rounding toward negative infinity; Go's / truncates
// toward zero, which is wrong for timestamps before one window size.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
