package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/flo/checkpoint"
	"github.com/tarungka/flo/internal/metrics"
	"github.com/tarungka/flo/internal/partitioner"
	"github.com/tarungka/flo/operator"
	"github.com/tarungka/flo/state"
	"github.com/tarungka/flo/stream"
	"github.com/tarungka/flo/watermark"
)

// taggedMessage is what flows on inter-subtask channels: the message plus
// the receiver-local index of the input it belongs to. Every upstream
// writes into the one merged channel of the receiver, so per-input FIFO
// order is exactly per-sender order.
type taggedMessage struct {
	input int
	msg   stream.Message
}

// target is one downstream slot reachable from this subtask: its merged
// channel and the input index this subtask was registered under there.
type target struct {
	ch    chan taggedMessage
	input int
}

// outEdge is one outbound graph edge. Forward edges carry exactly one
// target; partitioning edges carry one per downstream slot, indexed by
// slot so key routing is stable.
type outEdge struct {
	targets []target
}

// subtask is one parallel instance of a graph node: a single goroutine
// that owns its operator and all its keyed state.
type subtask struct {
	operatorID string
	index      int
	op         operator.Operator

	in    chan taggedMessage // nil for sources
	sides []stream.Side      // side per input index
	outs  []outEdge

	tracker *watermark.Tracker
	gen     watermark.Generator // nil unless this node generates watermarks

	source Source // set on source subtasks
	sink   Sink   // set on sink subtasks

	control chan stream.Message // sources: barrier and stop injection

	store  state.Store
	events chan<- controlEvent
	stats  *metrics.Subtask
	logger zerolog.Logger

	// alignment state, live only between first and last barrier of an epoch
	aligning bool
	barrier  stream.Barrier
	blocked  []bool
	buffered [][]taggedMessage

	eod      []bool
	eodCount int

	// draining is set on a source when job control has requested a
	// graceful stop: finish the connector's data but hold EndOfData until
	// the final stopping barrier has passed.
	draining bool

	doneCh chan struct{} // closed when run returns
}

func (s *subtask) send(t target, m stream.Message) {
	tm := taggedMessage{input: t.input, msg: m}
	select {
	case t.ch <- tm:
	default:
		start := time.Now()
		t.ch <- tm
		s.stats.Blocked(time.Since(start))
	}
}

// emitRecord routes a data record downstream: forward edges keep the
// sender's slot, partitioning edges hash the key.
func (s *subtask) emitRecord(rec stream.Record) {
	s.stats.Sent(approxRecordBytes(rec))
	if s.sink != nil {
		if err := s.sink.Write(rec); err != nil {
			s.logger.Error().Err(err).Str("key", rec.Key).Msg("sink write failed")
			s.logJob(LevelError, fmt.Sprintf("sink write failed: %v", err))
		}
		return
	}
	for i := range s.outs {
		oe := &s.outs[i]
		if len(oe.targets) == 1 {
			s.send(oe.targets[0], rec)
			continue
		}
		s.send(oe.targets[partitioner.Slot(rec.Key, len(oe.targets))], rec)
	}
}

// broadcast delivers a control message to every downstream slot on every
// outbound edge.
func (s *subtask) broadcast(m stream.Message) {
	for i := range s.outs {
		for _, t := range s.outs[i].targets {
			s.send(t, m)
		}
	}
}

func (s *subtask) logJob(level LogLevel, msg string) {
	s.events <- controlEvent{logMsg: &JobLogMessage{
		Level:      level,
		OperatorID: s.operatorID,
		TaskIndex:  s.index,
		Message:    msg,
		Time:       stream.ToMicros(time.Now()),
	}}
}

func (s *subtask) reportCheckpoint(epoch uint64, typ checkpoint.TaskEventType, bytes uint64) {
	s.events <- controlEvent{checkpointEv: &checkpoint.TaskCheckpointEvent{
		Epoch:      epoch,
		OperatorID: s.operatorID,
		TaskIndex:  s.index,
		Type:       typ,
		Time:       stream.ToMicros(time.Now()),
		Bytes:      bytes,
	}}
}

func (s *subtask) fail(err error) {
	s.logger.Error().Err(err).Msg("subtask failed")
	s.events <- controlEvent{failure: &TaskFailure{
		OperatorID: s.operatorID,
		TaskIndex:  s.index,
		Err:        err,
	}}
}

func (s *subtask) finish() {
	s.events <- controlEvent{done: &taskDone{operatorID: s.operatorID, taskIndex: s.index}}
}

// run is the subtask goroutine body.
func (s *subtask) run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.finish()
	if s.source != nil {
		s.runSource(ctx)
		return
	}
	// sinks are closed by the engine once the final epoch has settled,
	// not here: pre-commit may still need them after this loop exits
	s.runOperator(ctx)
}

// runSource pulls from the connector, stamps watermarks and answers
// barrier injection from the coordinator.
func (s *subtask) runSource(ctx context.Context) {
	recs, err := s.source.Open(ctx)
	if err != nil {
		s.fail(fmt.Errorf("open source: %w", err))
		return
	}
	defer s.source.Close()

	var tick <-chan time.Time
	if p, ok := s.gen.(*watermark.Periodic); ok {
		ticker := time.NewTicker(p.Period())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case m := <-s.control:
			switch c := m.(type) {
			case stream.Barrier:
				s.checkpoint(c)
				s.broadcast(c)
				if c.ThenStop {
					s.broadcast(stream.EndOfData{})
					return
				}
			case stream.EndOfData:
				// drain request from a graceful stop: finish the
				// connector's data, then wait for the final barrier
				s.draining = true
				s.source.Close()
			}

		case rec, ok := <-recs:
			if !ok {
				recs = nil
				// everything emitted: flush every open window downstream
				s.broadcast(stream.Watermark{Timestamp: stream.MaxTimestamp})
				if s.draining {
					// job control triggers the stopping barrier once
					// every source has reported in
					s.events <- controlEvent{drained: &taskDone{operatorID: s.operatorID, taskIndex: s.index}}
					continue
				}
				s.broadcast(stream.EndOfData{})
				return
			}
			s.stats.Received(approxRecordBytes(rec))
			s.emitRecord(rec)
			if s.gen != nil {
				if wm, ok := s.gen.OnRecord(rec); ok {
					s.stats.Watermark(wm)
					s.broadcast(stream.Watermark{Timestamp: wm})
				}
			}

		case now := <-tick:
			if wm, ok := s.gen.OnTick(now); ok && recs != nil {
				s.stats.Watermark(wm)
				s.broadcast(stream.Watermark{Timestamp: wm})
			}
		}
	}
}

// runOperator is the loop for every non-source subtask.
func (s *subtask) runOperator(ctx context.Context) {
	var tick <-chan time.Time
	if p, ok := s.gen.(*watermark.Periodic); ok {
		ticker := time.NewTicker(p.Period())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case tm := <-s.in:
			if stop := s.handle(tm); stop {
				return
			}
		case now := <-tick:
			if wm, ok := s.gen.OnTick(now); ok {
				s.advance(wm)
			}
		}
	}
}

// handle processes one tagged message, honoring barrier alignment.
// Returns true when the subtask should exit.
func (s *subtask) handle(tm taggedMessage) bool {
	if s.aligning && s.blocked[tm.input] {
		if _, isBarrier := tm.msg.(stream.Barrier); !isBarrier {
			// input already delivered its barrier for this epoch: anything
			// after it belongs to the next epoch and must wait
			s.buffered[tm.input] = append(s.buffered[tm.input], tm)
			return false
		}
	}

	switch m := tm.msg.(type) {
	case stream.Record:
		s.stats.Received(approxRecordBytes(m))
		if err := s.op.Ingest(m, s.sides[tm.input], s.emitRecord); err != nil {
			s.logger.Error().Err(err).Str("key", m.Key).Msg("dropping record")
			s.logJob(LevelError, fmt.Sprintf("dropped record key=%q: %v", m.Key, err))
		}
		if s.gen != nil {
			if wm, ok := s.gen.OnRecord(m); ok {
				s.advance(wm)
			}
		}

	case stream.Watermark:
		// a watermark-generating node replaces upstream watermarks with
		// its own
		if s.gen == nil {
			if combined, advanced := s.tracker.Observe(tm.input, m.Timestamp); advanced {
				s.advance(combined)
			}
		}

	case stream.Barrier:
		if stop := s.handleBarrier(tm.input, m); stop {
			return true
		}

	case stream.EndOfData:
		if s.eod[tm.input] {
			break
		}
		s.eod[tm.input] = true
		s.eodCount++
		if s.aligning && !s.blocked[tm.input] {
			// this input will never deliver the barrier; treat it as
			// aligned so the epoch can still complete
			s.blocked[tm.input] = true
			if s.aligned() {
				return s.completeAlignment()
			}
		}
		if s.eodCount == len(s.eod) {
			s.op.Advance(stream.MaxTimestamp, s.emitRecord)
			s.broadcast(stream.Watermark{Timestamp: stream.MaxTimestamp})
			s.broadcast(stream.EndOfData{})
			return true
		}
	}
	return false
}

// advance moves the operator's event-time clock and republishes the
// watermark downstream.
func (s *subtask) advance(wm int64) {
	s.stats.Watermark(wm)
	s.op.Advance(wm, s.emitRecord)
	s.broadcast(stream.Watermark{Timestamp: wm})
}

// handleBarrier runs barrier alignment: the first barrier of an epoch
// blocks its input; once every live input has delivered the barrier the
// subtask snapshots, forwards the barrier, then replays what the blocked
// inputs buffered meanwhile.
func (s *subtask) handleBarrier(input int, b stream.Barrier) bool {
	if s.aligning && b.Epoch != s.barrier.Epoch {
		if b.Epoch < s.barrier.Epoch {
			// straggler of a round the coordinator has already retired
			s.logger.Warn().Uint64("epoch", b.Epoch).Uint64("aligning", s.barrier.Epoch).
				Msg("dropping stale barrier")
			return false
		}
		// a newer epoch means the round being aligned was aborted and
		// retried; an aborted epoch must not fail the subtask
		return s.restartAlignment(input, b)
	}
	if !s.aligning {
		s.aligning = true
		s.barrier = b
		for i := range s.blocked {
			// a drained input can never deliver the barrier
			s.blocked[i] = s.eod[i]
		}
		if len(s.sides) > 1 {
			s.reportCheckpoint(b.Epoch, checkpoint.EventAlignmentStarted, 0)
		}
	}
	if b.ThenStop {
		s.barrier.ThenStop = true
	}
	s.blocked[input] = true
	if s.aligned() {
		return s.completeAlignment()
	}
	return false
}

// restartAlignment abandons the round being aligned: its buffered
// messages are replayed in per-input order, then alignment re-enters for
// the newer barrier.
func (s *subtask) restartAlignment(input int, b stream.Barrier) bool {
	s.logger.Warn().Uint64("abandoned", s.barrier.Epoch).Uint64("epoch", b.Epoch).
		Msg("restarting barrier alignment")
	s.aligning = false
	buffered := s.buffered
	s.buffered = make([][]taggedMessage, len(s.sides))
	for i := range s.blocked {
		s.blocked[i] = false
	}
	for in := range buffered {
		for _, tm := range buffered[in] {
			if stop := s.handle(tm); stop {
				return true
			}
		}
	}
	return s.handleBarrier(input, b)
}

func (s *subtask) aligned() bool {
	for _, b := range s.blocked {
		if !b {
			return false
		}
	}
	return true
}

func (s *subtask) completeAlignment() bool {
	b := s.barrier
	s.checkpoint(b)
	s.broadcast(b)

	s.aligning = false
	buffered := s.buffered
	s.buffered = make([][]taggedMessage, len(s.sides))
	for input := range buffered {
		for _, tm := range buffered[input] {
			if stop := s.handle(tm); stop {
				return true
			}
		}
	}

	if b.ThenStop {
		s.broadcast(stream.EndOfData{})
		return true
	}
	return false
}

// checkpoint snapshots the operator and persists it, reporting each
// protocol step to the coordinator.
func (s *subtask) checkpoint(b stream.Barrier) {
	s.reportCheckpoint(b.Epoch, checkpoint.EventCheckpointStarted, 0)

	data, err := s.op.Snapshot()
	if err != nil {
		s.fail(fmt.Errorf("snapshot epoch %d: %w", b.Epoch, err))
		return
	}
	s.reportCheckpoint(b.Epoch, checkpoint.EventOperatorFinished, uint64(len(data)))

	if err := s.store.Put(b.Epoch, s.operatorID, s.index, data); err != nil {
		s.fail(fmt.Errorf("persist snapshot epoch %d: %w", b.Epoch, err))
		return
	}
	s.stats.Checkpoint(len(data))
	s.reportCheckpoint(b.Epoch, checkpoint.EventSyncFinished, uint64(len(data)))
}

// approxRecordBytes is a cheap volume estimate for throughput metrics,
// not an accounting of real memory.
func approxRecordBytes(rec stream.Record) int {
	n := len(rec.Key) + 8
	switch v := rec.Value.(type) {
	case string:
		n += len(v)
	case []byte:
		n += len(v)
	default:
		n += 8
	}
	return n
}
