package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/internal/logger"
	"github.com/tarungka/flo/stream"
)

// Source supplies decoded records to a source subtask. Open returns the
// record channel; closing that channel signals the source is drained.
type Source interface {
	Open(ctx context.Context) (<-chan stream.Record, error)
	Close() error
}

// Sink receives the job's output records. PreCommit is called once per
// committed checkpoint epoch, after every snapshot of that epoch is
// durable; a sink that stages output should make it visible there.
type Sink interface {
	Write(rec stream.Record) error
	PreCommit(epoch uint64) error
	Close() error
}

type (
	SourceCreator func(cfg graph.ConnectorConfig) (Source, error)
	SinkCreator   func(cfg graph.ConnectorConfig) (Sink, error)
)

var connectors = struct {
	mu      sync.RWMutex
	sources map[string]SourceCreator
	sinks   map[string]SinkCreator
}{
	sources: make(map[string]SourceCreator),
	sinks:   make(map[string]SinkCreator),
}

// RegisterSource makes a source connector available under name.
// Later registrations override earlier ones.
func RegisterSource(name string, creator SourceCreator) {
	connectors.mu.Lock()
	defer connectors.mu.Unlock()
	connectors.sources[name] = creator
}

// RegisterSink makes a sink connector available under name.
func RegisterSink(name string, creator SinkCreator) {
	connectors.mu.Lock()
	defer connectors.mu.Unlock()
	connectors.sinks[name] = creator
}

func createSource(cfg graph.ConnectorConfig) (Source, error) {
	connectors.mu.RLock()
	creator, ok := connectors.sources[cfg.Connector]
	connectors.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source connector: %q", cfg.Connector)
	}
	return creator(cfg)
}

func createSink(cfg graph.ConnectorConfig) (Sink, error) {
	connectors.mu.RLock()
	creator, ok := connectors.sinks[cfg.Connector]
	connectors.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink connector: %q", cfg.Connector)
	}
	return creator(cfg)
}

func init() {
	RegisterSource("memory", func(cfg graph.ConnectorConfig) (Source, error) {
		return NewMemorySource(), nil
	})
	RegisterSource("synthetic", newSyntheticSource)
	RegisterSink("memory", func(cfg graph.ConnectorConfig) (Sink, error) {
		return NewMemorySink(), nil
	})
	RegisterSink("file", newFileSink)
	RegisterSink("log", func(cfg graph.ConnectorConfig) (Sink, error) {
		return &logSink{logger: logger.GetLogger("sink")}, nil
	})
}

// MemorySource is an in-process source fed by Push. Used by tests and
// embedded jobs.
type MemorySource struct {
	ch     chan stream.Record
	closed sync.Once
}

func NewMemorySource() *MemorySource {
	return &MemorySource{ch: make(chan stream.Record, 256)}
}

func (m *MemorySource) Open(ctx context.Context) (<-chan stream.Record, error) {
	return m.ch, nil
}

// Push enqueues a record. Blocks when the engine is backpressured.
func (m *MemorySource) Push(rec stream.Record) {
	m.ch <- rec
}

// Finish marks the source drained. No Push may follow.
func (m *MemorySource) Finish() {
	m.closed.Do(func() { close(m.ch) })
}

func (m *MemorySource) Close() error {
	m.Finish()
	return nil
}

// MemorySink collects output records in memory.
type MemorySink struct {
	mu        sync.Mutex
	records   []stream.Record
	committed []uint64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(rec stream.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) PreCommit(epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, epoch)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of everything written so far.
func (m *MemorySink) Records() []stream.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stream.Record, len(m.records))
	copy(out, m.records)
	return out
}

// Committed returns the epochs PreCommit has been called for.
func (m *MemorySink) Committed() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.committed))
	copy(out, m.committed)
	return out
}

// syntheticSource emits counter records on a wall-clock interval, for
// demos and load tests. Options: "interval" (duration, default 100ms),
// "key_cardinality" (int-ish string, default 8).
type syntheticSource struct {
	interval time.Duration
	keys     int
	cancel   context.CancelFunc
}

func newSyntheticSource(cfg graph.ConnectorConfig) (Source, error) {
	s := &syntheticSource{interval: 100 * time.Millisecond, keys: 8}
	if v := cfg.Options["interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("synthetic source: bad interval %q: %w", v, err)
		}
		s.interval = d
	}
	if v := cfg.Options["key_cardinality"]; v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("synthetic source: bad key_cardinality %q", v)
		}
		s.keys = n
	}
	return s, nil
}

func (s *syntheticSource) Open(ctx context.Context) (<-chan stream.Record, error) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch := make(chan stream.Record, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		var n uint64
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				rec := stream.Record{
					Key:       fmt.Sprintf("key-%d", n%uint64(s.keys)),
					Value:     n,
					EventTime: stream.ToMicros(t),
				}
				select {
				case ch <- rec:
				case <-ctx.Done():
					return
				}
				n++
			}
		}
	}()
	return ch, nil
}

func (s *syntheticSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// fileSink appends output records as JSON lines. Requires the "path"
// option.
type fileSink struct {
	path string
	file *os.File
}

func newFileSink(cfg graph.ConnectorConfig) (Sink, error) {
	path := cfg.Options["path"]
	if path == "" {
		return nil, fmt.Errorf("file sink: missing path option")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("file sink: create parent directories: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("file sink: open %s: %w", path, err)
	}
	return &fileSink{path: path, file: f}, nil
}

func (f *fileSink) Write(rec stream.Record) error {
	line, err := json.Marshal(map[string]any{
		"key":        rec.Key,
		"value":      rec.Value,
		"event_time": rec.EventTime,
	})
	if err != nil {
		return fmt.Errorf("file sink: encode record: %w", err)
	}
	if _, err := f.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("file sink: write %s: %w", f.path, err)
	}
	return nil
}

// PreCommit syncs buffered output so a committed epoch's records survive
// a crash.
func (f *fileSink) PreCommit(epoch uint64) error {
	return f.file.Sync()
}

func (f *fileSink) Close() error {
	return f.file.Close()
}

// logSink writes output records to the process log. Demo use.
type logSink struct {
	logger zerolog.Logger
}

func (l *logSink) Write(rec stream.Record) error {
	l.logger.Info().
		Str("key", rec.Key).
		Any("value", rec.Value).
		Int64("event_time", rec.EventTime).
		Msg("record")
	return nil
}

func (l *logSink) PreCommit(epoch uint64) error { return nil }
func (l *logSink) Close() error                 { return nil }
