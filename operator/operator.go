package operator

import (
	"errors"
	"fmt"

	"github.com/tarungka/flo/graph"
	"github.com/tarungka/flo/stream"
)

var (
	// ErrInvalidConfig is returned when an operator cannot be built from
	// its node config: unknown function reference, bad window shape, and
	// the like. Fatal at instantiation, the job never starts.
	ErrInvalidConfig = errors.New("invalid operator config")

	// ErrBadRecord is the base error for per-record processing failures.
	// These are logged and the record dropped; they never stop the
	// subtask.
	ErrBadRecord = errors.New("bad record")
)

// Emit hands a result record downstream. Implemented by the subtask that
// owns the operator; operators never touch channels themselves.
type Emit func(rec stream.Record)

// Operator is the capability interface every variant implements. One
// operator instance is owned by exactly one subtask and is only ever
// called from that subtask's goroutine, so implementations hold plain
// maps, no locks.
//
// Ingest routes a record into keyed state (or emits directly for
// stateless variants). Advance is driven by watermark movement and is the
// only trigger for window firing and state expiration. Snapshot and
// Restore serialize the complete keyed state for the checkpoint store.
type Operator interface {
	Name() string
	Ingest(rec stream.Record, side stream.Side, out Emit) error
	Advance(watermark int64, out Emit)
	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// FromNode builds the runtime operator for a program node. Unknown or
// malformed configs fail here with ErrInvalidConfig.
func FromNode(node graph.ProgramNode) (Operator, error) {
	op := node.Op
	switch op.Kind {
	case graph.OpWindowAggregate,
		graph.OpTumblingWindowTwoPhaseAggregate,
		graph.OpSlidingWindowTwoPhaseAggregate,
		graph.OpWindowMerge:
		// The two-phase variants and the partial-bin merge run the same
		// keyed windowing locally; the phase split is a planner concern.
		return newWindowAggregator(node)
	case graph.OpTumblingTopN, graph.OpWindowFunction:
		return newTumblingTopN(node)
	case graph.OpSlidingAggregatingTopN:
		return newSlidingAggregatingTopN(node)
	case graph.OpJoinWithExpiration:
		return newJoinWithExpiration(node)
	case graph.OpInstantJoin:
		// An instant join is a join whose entries expire as soon as the
		// watermark passes their event time.
		n := node
		n.Op.Join.LeftExpirationMicros = 0
		n.Op.Join.RightExpirationMicros = 0
		return newJoinWithExpiration(n)
	case graph.OpJoinPairMerge, graph.OpJoinListMerge:
		return newPairMerge(node)
	case graph.OpNonWindowAggregate:
		return newNonWindowAggregator(node)
	case graph.OpCount:
		n := node
		n.Op.NonWindow.ExpirationMicros = 0
		n.Op.Aggregate.Kind = graph.AggCount
		return newNonWindowAggregator(n)
	case graph.OpExpression:
		return newExpression(node, false)
	case graph.OpUpdatingExpression, graph.OpUpdatingKeyOperator:
		return newExpression(node, true)
	case graph.OpFlatten:
		return newFlatten(node)
	case graph.OpWatermark, graph.OpConnectorSource, graph.OpConnectorSink:
		// Watermark generation and connector IO live in the engine; the
		// in-graph operator is a pass-through.
		return newPassThrough(node), nil
	default:
		return nil, fmt.Errorf("%w: unknown operator kind %v", ErrInvalidConfig, op.Kind)
	}
}

// passThrough forwards every record unchanged and holds no state.
type passThrough struct {
	name string
}

func newPassThrough(node graph.ProgramNode) *passThrough {
	return &passThrough{name: node.OperatorID()}
}

func (p *passThrough) Name() string { return p.name }

func (p *passThrough) Ingest(rec stream.Record, _ stream.Side, out Emit) error {
	out(rec)
	return nil
}

func (p *passThrough) Advance(_ int64, _ Emit) {}

func (p *passThrough) Snapshot() ([]byte, error) { return nil, nil }

func (p *passThrough) Restore(_ []byte) error { return nil }
