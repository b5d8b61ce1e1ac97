// Package graph holds the typed execution DAG: nodes for every plugin
// instance and labelled, moded edges between them. The graph is built
// once per run from instantiated plugins and validated before any row
// is processed.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// NodeKind is the node type in the execution DAG.
type NodeKind string

const (
	KindSource      NodeKind = "source"
	KindTransform   NodeKind = "transform"
	KindAggregation NodeKind = "aggregation"
	KindGate        NodeKind = "gate"
	KindCoalesce    NodeKind = "coalesce"
	KindSink        NodeKind = "sink"
)

// EdgeMode controls how a token traverses an edge.
type EdgeMode string

const (
	// ModeMove continues the token on exactly this edge.
	ModeMove EdgeMode = "move"
	// ModeCopy creates a fresh child token per edge at a fork gate.
	ModeCopy EdgeMode = "copy"
	// ModeDivert is a structural edge to a quarantine or error sink.
	// Present for reachability and audit; skipped by schema validation.
	ModeDivert EdgeMode = "divert"
)

// Labels starting with this prefix are reserved for system edges.
const ReservedLabelPrefix = "__"

// ContinueLabel names the default sequential-flow edge.
const ContinueLabel = "continue"

// QuarantineLabel names the source validation-failure divert edge.
const QuarantineLabel = "__quarantine__"

// CoalescePolicy controls when a coalesce barrier closes.
type CoalescePolicy string

const (
	PolicyRequireAll CoalescePolicy = "require_all"
	PolicyBestEffort CoalescePolicy = "best_effort"
	PolicyQuorum     CoalescePolicy = "quorum"
)

// CoalesceStrategy controls how arrived branches merge.
type CoalesceStrategy string

const (
	StrategyFirstComplete CoalesceStrategy = "first_complete"
	StrategyUnion         CoalesceStrategy = "union"
)

// CoalesceSpec declares a coalesce node.
type CoalesceSpec struct {
	Name     string
	Branches []string
	Policy   CoalescePolicy
	Strategy CoalesceStrategy
	Timeout  time.Duration
	Quorum   int
}

// RetryPolicy is the per-node retry budget.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
}

// Node is one vertex of the execution DAG. Exactly one of the plugin
// fields is set, matching Kind.
type Node struct {
	ID         string
	Kind       NodeKind
	PluginName string
	Config     map[string]any
	Input      *schema.Schema
	Output     *schema.Schema
	// Step is the 1-indexed position on the main pipeline walk.
	// Sinks sit off the walk and carry the step of their producer side.
	Step int

	Source      plugin.Source
	Transform   plugin.Transform
	Gate        plugin.Gate
	Sink        plugin.Sink
	Aggregation plugin.Aggregation

	// Gate declarations
	Routes       map[string]string
	ForkBranches []string

	// Coalesce declarations
	Coalesce *CoalesceSpec

	// Aggregation flush trigger
	Trigger *TriggerSpec

	// OnError is "" / "discard" / sink name, from the plugin contract.
	OnError string

	Retry *RetryPolicy
}

// Edge is a labelled, moded connection between two nodes. Parallel
// edges between the same pair are distinguished by label.
type Edge struct {
	ID    string
	From  string
	To    string
	Label string
	Mode  EdgeMode
}

// Graph is the validated execution DAG.
type Graph struct {
	nodes    map[string]*Node
	order    []string
	edges    []*Edge
	outgoing map[string][]*Edge
	incoming map[string][]*Edge
	sourceID string
}

// New creates an empty graph
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		outgoing: make(map[string][]*Edge),
		incoming: make(map[string][]*Edge),
	}
}

// AddNode inserts a node; duplicate IDs are a configuration error.
func (g *Graph) AddNode(n *Node) error {
	if _, exists := g.nodes[n.ID]; exists {
		return plugin.Configf("duplicate node id %q", n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	if n.Kind == KindSource {
		if g.sourceID != "" {
			return plugin.Configf("graph already has a source (%s); cannot add %s", g.sourceID, n.ID)
		}
		g.sourceID = n.ID
	}
	return nil
}

// AddEdge inserts an edge. The (from, label) pair must be unique, both
// endpoints must exist, and user edges must not use reserved labels.
func (g *Graph) AddEdge(from, to, label string, mode EdgeMode) (*Edge, error) {
	if _, ok := g.nodes[from]; !ok {
		return nil, plugin.Configf("edge references unknown node %q", from)
	}
	if _, ok := g.nodes[to]; !ok {
		return nil, plugin.Configf("edge references unknown node %q", to)
	}
	if strings.HasPrefix(label, ReservedLabelPrefix) && mode != ModeDivert {
		return nil, plugin.Configf("label %q is reserved for system edges", label)
	}
	for _, e := range g.outgoing[from] {
		if e.Label == label {
			return nil, plugin.Configf("duplicate edge label %q from node %q", label, from)
		}
	}

	edge := &Edge{
		ID:    fmt.Sprintf("%s--%s-->%s", from, label, to),
		From:  from,
		To:    to,
		Label: label,
		Mode:  mode,
	}
	g.edges = append(g.edges, edge)
	g.outgoing[from] = append(g.outgoing[from], edge)
	g.incoming[to] = append(g.incoming[to], edge)
	return edge, nil
}

// Node returns the node by id
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns all edges in insertion order
func (g *Graph) Edges() []*Edge {
	return append([]*Edge(nil), g.edges...)
}

// Outgoing returns the outgoing edges of a node
func (g *Graph) Outgoing(id string) []*Edge {
	return g.outgoing[id]
}

// Incoming returns the incoming edges of a node
func (g *Graph) Incoming(id string) []*Edge {
	return g.incoming[id]
}

// SourceID returns the source node id
func (g *Graph) SourceID() string { return g.sourceID }

// ContinueEdge returns the default-flow MOVE edge out of a node
func (g *Graph) ContinueEdge(id string) (*Edge, bool) {
	for _, e := range g.outgoing[id] {
		if e.Label == ContinueLabel && e.Mode == ModeMove {
			return e, true
		}
	}
	return nil, false
}

// RouteEdge returns the labelled edge out of a node
func (g *Graph) RouteEdge(id, label string) (*Edge, bool) {
	for _, e := range g.outgoing[id] {
		if e.Label == label {
			return e, true
		}
	}
	return nil, false
}

// DivertEdge returns the divert edge from a node to the named sink
func (g *Graph) DivertEdge(id, sinkName string) (*Edge, bool) {
	for _, e := range g.outgoing[id] {
		if e.Mode != ModeDivert {
			continue
		}
		if to, ok := g.nodes[e.To]; ok && to.Kind == KindSink && to.PluginName == sinkName {
			return e, true
		}
	}
	return nil, false
}

// SinkByName returns the sink node declared under the given sink name
func (g *Graph) SinkByName(name string) (*Node, bool) {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind == KindSink && n.PluginName == name {
			return n, true
		}
	}
	return nil, false
}

// CoalesceForBranch returns the coalesce node declaring the branch
func (g *Graph) CoalesceForBranch(branch string) (*Node, bool) {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind != KindCoalesce || n.Coalesce == nil {
			continue
		}
		for _, b := range n.Coalesce.Branches {
			if b == branch {
				return n, true
			}
		}
	}
	return nil, false
}

// ResolveStep maps a node id to its 1-indexed audit step position.
func (g *Graph) ResolveStep(id string) int {
	if n, ok := g.nodes[id]; ok {
		return n.Step
	}
	return 0
}

// SinkNames returns the declared sink names, sorted
func (g *Graph) SinkNames() []string {
	var names []string
	for _, id := range g.order {
		if n := g.nodes[id]; n.Kind == KindSink {
			names = append(names, n.PluginName)
		}
	}
	sort.Strings(names)
	return names
}

// CoalesceBranches returns every branch declared by any coalesce node,
// sorted.
func (g *Graph) CoalesceBranches() []string {
	var branches []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind == KindCoalesce && n.Coalesce != nil {
			branches = append(branches, n.Coalesce.Branches...)
		}
	}
	sort.Strings(branches)
	return branches
}

// Validate checks structure and edge compatibility. Returns a
// ConfigError describing the first violation found.
func (g *Graph) Validate() error {
	if g.sourceID == "" {
		return plugin.Configf("graph has no source node")
	}

	if err := g.checkAcyclic(); err != nil {
		return err
	}
	if err := g.checkSinksReachable(); err != nil {
		return err
	}
	if err := g.checkEdgeSchemas(); err != nil {
		return err
	}
	if err := g.checkJoinProducers(); err != nil {
		return err
	}
	return nil
}

func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, e := range g.outgoing[id] {
			switch color[e.To] {
			case grey:
				return plugin.Configf("graph contains a cycle through %q and %q", id, e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) checkSinksReachable() error {
	reachable := make(map[string]bool)
	stack := []string{g.sourceID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		for _, e := range g.outgoing[id] {
			stack = append(stack, e.To)
		}
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind == KindSink && !reachable[id] {
			return plugin.Configf("sink %q is not reachable from the source", n.PluginName)
		}
	}
	return nil
}

func (g *Graph) checkEdgeSchemas() error {
	for _, e := range g.edges {
		if e.Mode == ModeDivert {
			// Diverted payloads need not match the producer schema
			continue
		}
		from := g.nodes[e.From]
		to := g.nodes[e.To]
		missing := schema.MissingRequiredFields(from.Output, to.Input)
		if len(missing) > 0 {
			return plugin.Configf(
				"edge %s -> %s (label %q): producer %q does not satisfy consumer %q, missing required fields %v",
				e.From, e.To, e.Label, from.ID, to.ID, missing,
			)
		}
	}
	return nil
}

// checkJoinProducers enforces pairwise producer agreement at coalesce
// nodes and gates with multiple typed incoming edges.
func (g *Graph) checkJoinProducers() error {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Kind != KindCoalesce && n.Kind != KindGate {
			continue
		}

		var producers []*Node
		for _, e := range g.incoming[id] {
			if e.Mode == ModeDivert {
				continue
			}
			from := g.nodes[e.From]
			if from.Output.IsDynamic() {
				continue
			}
			producers = append(producers, from)
		}
		if len(producers) < 2 {
			continue
		}

		for i := 0; i < len(producers); i++ {
			for j := i + 1; j < len(producers); j++ {
				a, b := producers[i], producers[j]
				if missing := schema.MissingRequiredFields(a.Output, b.Output); len(missing) > 0 {
					return plugin.Configf(
						"%s %q: producers %q and %q disagree on schema, %q is missing %v",
						n.Kind, n.ID, a.ID, b.ID, a.ID, missing,
					)
				}
				if missing := schema.MissingRequiredFields(b.Output, a.Output); len(missing) > 0 {
					return plugin.Configf(
						"%s %q: producers %q and %q disagree on schema, %q is missing %v",
						n.Kind, n.ID, a.ID, b.ID, b.ID, missing,
					)
				}
			}
		}
	}
	return nil
}
