package graph

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDanglingEdge is returned when an edge references a node index
	// that does not exist in the graph.
	ErrDanglingEdge = errors.New("edge references missing node")

	// ErrCycle is returned when the graph is not a DAG.
	ErrCycle = errors.New("graph contains a cycle")

	// ErrDuplicateNode is returned when two nodes share a node index.
	ErrDuplicateNode = errors.New("duplicate node index")

	// ErrEmptyGraph is returned when a graph has no nodes at all.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrBadParallelism is returned when a node declares parallelism < 1.
	ErrBadParallelism = errors.New("node parallelism must be at least 1")
)

// EdgeType describes how records move across an edge.
type EdgeType int

const (
	// Forward keeps records on the same parallel slot index.
	Forward EdgeType = iota
	// Shuffle hash-partitions records by key across downstream slots.
	Shuffle
	// LeftJoin and RightJoin are shuffle edges that additionally tag which
	// side of a two-input join the edge feeds.
	LeftJoin
	RightJoin
)

func (e EdgeType) String() string {
	switch e {
	case Forward:
		return "forward"
	case Shuffle:
		return "shuffle"
	case LeftJoin:
		return "left_join"
	case RightJoin:
		return "right_join"
	default:
		return fmt.Sprintf("edge_type(%d)", int(e))
	}
}

// OpKind enumerates the closed set of operator variants. This mirrors the
// planner's operator vocabulary; the engine implements each as a value of
// the operator.Operator interface.
type OpKind int

const (
	OpConnectorSource OpKind = iota
	OpConnectorSink
	OpWatermark
	OpWindowAggregate
	OpWindowMerge
	OpTumblingWindowTwoPhaseAggregate
	OpSlidingWindowTwoPhaseAggregate
	OpInstantJoin
	OpJoinWithExpiration
	OpJoinListMerge
	OpJoinPairMerge
	OpWindowFunction
	OpTumblingTopN
	OpSlidingAggregatingTopN
	OpNonWindowAggregate
	OpExpression
	OpUpdatingExpression
	OpCount
	OpFlatten
	OpUpdatingKeyOperator
)

var opKindNames = map[OpKind]string{
	OpConnectorSource:                 "connector_source",
	OpConnectorSink:                   "connector_sink",
	OpWatermark:                       "watermark",
	OpWindowAggregate:                 "window_aggregate",
	OpWindowMerge:                     "window_merge",
	OpTumblingWindowTwoPhaseAggregate: "tumbling_window_two_phase_aggregator",
	OpSlidingWindowTwoPhaseAggregate:  "sliding_window_two_phase_aggregator",
	OpInstantJoin:                     "instant_join",
	OpJoinWithExpiration:              "join_with_expiration",
	OpJoinListMerge:                   "join_list_merge",
	OpJoinPairMerge:                   "join_pair_merge",
	OpWindowFunction:                  "window_function",
	OpTumblingTopN:                    "tumbling_top_n",
	OpSlidingAggregatingTopN:          "sliding_aggregating_top_n",
	OpNonWindowAggregate:              "non_window_aggregate",
	OpExpression:                      "expression",
	OpUpdatingExpression:              "updating_expression",
	OpCount:                           "count",
	OpFlatten:                         "flatten",
	OpUpdatingKeyOperator:             "updating_key_operator",
}

func (k OpKind) String() string {
	if s, ok := opKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("op_kind(%d)", int(k))
}

// WindowKind selects the windowing strategy of a window aggregate.
type WindowKind int

const (
	WindowTumbling WindowKind = iota
	WindowSliding
	WindowInstant
)

// AggregateKind selects the builtin merge function of an aggregate. Use
// AggExpression together with MergeFn to reference a registered
// user-defined merge.
type AggregateKind int

const (
	AggCount AggregateKind = iota
	AggSum
	AggMin
	AggMax
	AggExpression
)

// JoinType selects the emission rule of JoinWithExpiration.
type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
	JoinRight
	JoinFull
)

// WindowConfig describes the window of a windowed aggregate. Durations are
// microseconds.
type WindowConfig struct {
	Kind                  WindowKind
	SizeMicros            int64
	SlideMicros           int64
	AllowedLatenessMicros int64
}

// AggregateConfig describes how values are combined into a bin. MergeFn
// and ExtractFn are identifiers resolved against the expression registry
// at operator construction time; an unknown identifier is a fatal
// configuration error.
type AggregateConfig struct {
	Kind      AggregateKind
	MergeFn   string
	ExtractFn string
}

// TopNConfig bounds the per-bin retained set. OrderFn is a registered
// expression producing the ordering key for a value.
type TopNConfig struct {
	MaxElements int
	OrderFn     string
	Descending  bool
}

// JoinConfig describes a JoinWithExpiration operator. Each side retains
// entries until its expiration has elapsed past event time.
type JoinConfig struct {
	Type                  JoinType
	LeftExpirationMicros  int64
	RightExpirationMicros int64
}

// ExpressionConfig references a registered record expression. Predicate
// expressions filter, record expressions transform.
type ExpressionConfig struct {
	Fn string
}

// WatermarkConfig drives source watermark generation: either periodic
// (PeriodMicros > 0) or expression-driven (Expression set).
type WatermarkConfig struct {
	PeriodMicros      int64
	MaxLatenessMicros int64
	Expression        string
}

// NonWindowConfig configures the TTL of an unbounded keyed aggregate.
type NonWindowConfig struct {
	ExpirationMicros int64
}

// ConnectorConfig names the external connector serving a source or sink
// node. The engine resolves it against its connector registry.
type ConnectorConfig struct {
	Connector string
	Table     string
	Options   map[string]string
}

// Operator is the tagged description of one node's behavior. Only the
// config relevant to Kind is consulted; the rest stays zero.
type Operator struct {
	Kind       OpKind
	Window     WindowConfig
	Aggregate  AggregateConfig
	TopN       TopNConfig
	Join       JoinConfig
	Expression ExpressionConfig
	Watermark  WatermarkConfig
	NonWindow  NonWindowConfig
	Connector  ConnectorConfig
}

// ProgramNode is one operator with its parallelism. NodeIndex is unique
// within a graph.
type ProgramNode struct {
	NodeIndex   int
	Name        string
	Parallelism int
	Op          Operator
}

// OperatorID returns the stable identifier used for state and checkpoint
// records belonging to this node.
func (n ProgramNode) OperatorID() string {
	return fmt.Sprintf("%s_%d", n.Op.Kind, n.NodeIndex)
}

// ProgramEdge connects two nodes. KeyType and ValueType are opaque type
// tags from the planner, carried through for diagnostics.
type ProgramEdge struct {
	Upstream   int
	Downstream int
	KeyType    string
	ValueType  string
	Type       EdgeType
}

// JobGraph is the immutable description of a compiled job: operators plus
// typed edges. Construct with New, then Validate before execution; the
// graph must not be mutated afterwards.
type JobGraph struct {
	nodes []ProgramNode
	edges []ProgramEdge

	byIndex map[int]int // node index -> position in nodes
}

// New builds a JobGraph. Nodes are kept in the given order; Validate
// checks the structural invariants.
func New(nodes []ProgramNode, edges []ProgramEdge) *JobGraph {
	g := &JobGraph{
		nodes:   append([]ProgramNode(nil), nodes...),
		edges:   append([]ProgramEdge(nil), edges...),
		byIndex: make(map[int]int, len(nodes)),
	}
	for i, n := range g.nodes {
		g.byIndex[n.NodeIndex] = i
	}
	return g
}

// Nodes returns the nodes in insertion order.
func (g *JobGraph) Nodes() []ProgramNode {
	return g.nodes
}

// Edges returns all edges.
func (g *JobGraph) Edges() []ProgramEdge {
	return g.edges
}

// Node returns the node with the given index.
func (g *JobGraph) Node(index int) (ProgramNode, bool) {
	i, ok := g.byIndex[index]
	if !ok {
		return ProgramNode{}, false
	}
	return g.nodes[i], true
}

// Inbound returns the edges feeding the given node, in edge declaration
// order. For a join node this order is not significant; the edge Type
// tags the side.
func (g *JobGraph) Inbound(index int) []ProgramEdge {
	var in []ProgramEdge
	for _, e := range g.edges {
		if e.Downstream == index {
			in = append(in, e)
		}
	}
	return in
}

// Outbound returns the edges leaving the given node.
func (g *JobGraph) Outbound(index int) []ProgramEdge {
	var out []ProgramEdge
	for _, e := range g.edges {
		if e.Upstream == index {
			out = append(out, e)
		}
	}
	return out
}

// Sources returns the nodes with no inbound edges.
func (g *JobGraph) Sources() []ProgramNode {
	var srcs []ProgramNode
	for _, n := range g.nodes {
		if len(g.Inbound(n.NodeIndex)) == 0 {
			srcs = append(srcs, n)
		}
	}
	return srcs
}

// Validate checks the structural invariants: unique node indices, sane
// parallelism, no dangling edges and no cycles. A graph that fails
// validation must never be scheduled.
func (g *JobGraph) Validate() error {
	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}
	seen := make(map[int]bool, len(g.nodes))
	for _, n := range g.nodes {
		if seen[n.NodeIndex] {
			return fmt.Errorf("%w: %d", ErrDuplicateNode, n.NodeIndex)
		}
		seen[n.NodeIndex] = true
		if n.Parallelism < 1 {
			return fmt.Errorf("%w: node %d has parallelism %d", ErrBadParallelism, n.NodeIndex, n.Parallelism)
		}
	}
	for _, e := range g.edges {
		if !seen[e.Upstream] {
			return fmt.Errorf("%w: upstream %d", ErrDanglingEdge, e.Upstream)
		}
		if !seen[e.Downstream] {
			return fmt.Errorf("%w: downstream %d", ErrDanglingEdge, e.Downstream)
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns node indices such that every node appears after
// all of its upstreams. Ties break on ascending node index so the order is
// deterministic. Returns ErrCycle if the graph is not a DAG.
func (g *JobGraph) TopologicalOrder() ([]int, error) {
	indegree := make(map[int]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n.NodeIndex] = 0
	}
	for _, e := range g.edges {
		indegree[e.Downstream]++
	}

	var ready []int
	for idx, d := range indegree {
		if d == 0 {
			ready = append(ready, idx)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		order = append(order, idx)

		var freed []int
		for _, e := range g.Outbound(idx) {
			indegree[e.Downstream]--
			if indegree[e.Downstream] == 0 {
				freed = append(freed, e.Downstream)
			}
		}
		sort.Ints(freed)
		ready = append(ready, freed...)
	}

	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	return order, nil
}
