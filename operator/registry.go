package operator

import (
	"fmt"
	"sync"

	"github.com/tarungka/flo/stream"
)

// The planner references user functions by identifier; the engine resolves
// them here at operator construction time. A missing identifier is a fatal
// config error, never a runtime one.

// RecordFn transforms a record. Returning keep=false drops the record
// (predicate expressions); an error is a per-record failure.
type RecordFn func(rec stream.Record) (out stream.Record, keep bool, err error)

// MergeFn combines a value into an accumulator. acc is nil for the first
// value of a bin. Merge functions must be commutative and associative so
// partial bins can be combined out of arrival order.
type MergeFn func(acc any, value any) (any, error)

// ExtractFn produces the numeric ordering/aggregation key of a value.
type ExtractFn func(value any) (float64, error)

// TimestampFn derives an event-time watermark from a record, for
// expression-driven watermark generation.
type TimestampFn func(rec stream.Record) int64

type registry struct {
	mu         sync.RWMutex
	records    map[string]RecordFn
	merges     map[string]MergeFn
	extracts   map[string]ExtractFn
	timestamps map[string]TimestampFn
}

var funcs = &registry{
	records:    map[string]RecordFn{},
	merges:     map[string]MergeFn{},
	extracts:   map[string]ExtractFn{},
	timestamps: map[string]TimestampFn{},
}

// RegisterRecordFn registers a record expression under name.
func RegisterRecordFn(name string, fn RecordFn) {
	funcs.mu.Lock()
	defer funcs.mu.Unlock()
	funcs.records[name] = fn
}

// RegisterMergeFn registers a merge expression under name.
func RegisterMergeFn(name string, fn MergeFn) {
	funcs.mu.Lock()
	defer funcs.mu.Unlock()
	funcs.merges[name] = fn
}

// RegisterExtractFn registers an extract expression under name.
func RegisterExtractFn(name string, fn ExtractFn) {
	funcs.mu.Lock()
	defer funcs.mu.Unlock()
	funcs.extracts[name] = fn
}

// RegisterTimestampFn registers a watermark expression under name.
func RegisterTimestampFn(name string, fn TimestampFn) {
	funcs.mu.Lock()
	defer funcs.mu.Unlock()
	funcs.timestamps[name] = fn
}

func lookupRecordFn(name string) (RecordFn, error) {
	funcs.mu.RLock()
	defer funcs.mu.RUnlock()
	fn, ok := funcs.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: record fn %q not registered", ErrInvalidConfig, name)
	}
	return fn, nil
}

func lookupMergeFn(name string) (MergeFn, error) {
	funcs.mu.RLock()
	defer funcs.mu.RUnlock()
	fn, ok := funcs.merges[name]
	if !ok {
		return nil, fmt.Errorf("%w: merge fn %q not registered", ErrInvalidConfig, name)
	}
	return fn, nil
}

func lookupExtractFn(name string) (ExtractFn, error) {
	funcs.mu.RLock()
	defer funcs.mu.RUnlock()
	fn, ok := funcs.extracts[name]
	if !ok {
		return nil, fmt.Errorf("%w: extract fn %q not registered", ErrInvalidConfig, name)
	}
	return fn, nil
}

// LookupTimestampFn resolves a watermark expression; the engine calls this
// when wiring an expression watermark to a source.
func LookupTimestampFn(name string) (TimestampFn, error) {
	funcs.mu.RLock()
	defer funcs.mu.RUnlock()
	fn, ok := funcs.timestamps[name]
	if !ok {
		return nil, fmt.Errorf("%w: timestamp fn %q not registered", ErrInvalidConfig, name)
	}
	return fn, nil
}

// ToFloat coerces the numeric types a decoded record value may carry.
// Snapshot decoding widens integers, so every numeric width shows up here.
func ToFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("value %T is not numeric", v)
	}
}
