package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elspeth-io/elspeth/engine/plugin"
)

// TriggerType fires an aggregation flush.
type TriggerType string

const (
	TriggerCount TriggerType = "count"
	TriggerSize  TriggerType = "size"
	TriggerTime  TriggerType = "time"
)

// TriggerSpec declares when an aggregation flushes.
type TriggerSpec struct {
	Type      TriggerType
	Count     int
	SizeBytes int
	Interval  time.Duration
}

// Step is one position on the main pipeline walk: exactly one of the
// fields below is set.
type Step struct {
	Transform   plugin.Transform
	Aggregation plugin.Aggregation
	Trigger     *TriggerSpec
	Gate        plugin.Gate
	Coalesce    *CoalesceSpec
	Retry       *RetryPolicy
}

// BuildInput is the instantiated pipeline handed to Build. The graph
// is constructed from live plugins, not raw config.
type BuildInput struct {
	Source      plugin.Source
	Steps       []Step
	Sinks       map[string]plugin.Sink
	DefaultSink string
}

// Build constructs and validates the execution graph: the source,
// ordered steps with continue MOVE edges between consecutive
// positions, gate routes as labelled edges, fork branches as COPY
// edges, and DIVERT edges for error routing.
func Build(in BuildInput) (*Graph, error) {
	if in.Source == nil {
		return nil, plugin.Configf("pipeline has no source")
	}
	if len(in.Sinks) == 0 {
		return nil, plugin.Configf("pipeline has no sinks")
	}
	if _, ok := in.Sinks[in.DefaultSink]; !ok {
		return nil, plugin.Configf("default_sink %q is not a declared sink (sinks: %v)", in.DefaultSink, sinkNames(in.Sinks))
	}

	g := New()

	sourceNode := &Node{
		ID:         nodeID(KindSource, in.Source.Name(), 1),
		Kind:       KindSource,
		PluginName: in.Source.Name(),
		Output:     in.Source.OutputSchema(),
		Step:       1,
		Source:     in.Source,
		OnError:    in.Source.OnValidationFailure(),
	}
	if err := g.AddNode(sourceNode); err != nil {
		return nil, err
	}

	// Sinks first so route and divert targets resolve during the walk
	for _, name := range sinkNames(in.Sinks) {
		s := in.Sinks[name]
		sinkNode := &Node{
			ID:         fmt.Sprintf("sink_%s", name),
			Kind:       KindSink,
			PluginName: name,
			Input:      s.InputSchema(),
			Sink:       s,
		}
		if err := g.AddNode(sinkNode); err != nil {
			return nil, err
		}
	}

	// Main walk: ordered steps with continue edges between positions
	walk := []*Node{sourceNode}
	for i, step := range in.Steps {
		n, err := stepNode(step, i+2)
		if err != nil {
			return nil, err
		}
		if err := g.AddNode(n); err != nil {
			return nil, err
		}
		walk = append(walk, n)
	}

	defaultSinkID := fmt.Sprintf("sink_%s", in.DefaultSink)
	for i, n := range walk {
		next := defaultSinkID
		if i+1 < len(walk) {
			next = walk[i+1].ID
		}
		if _, err := g.AddEdge(n.ID, next, ContinueLabel, ModeMove); err != nil {
			return nil, err
		}
	}

	// Gate routes and fork branches
	for _, n := range walk {
		if n.Kind != KindGate {
			continue
		}
		if err := wireGate(g, n); err != nil {
			return nil, err
		}
	}

	// Divert edges for error routing
	if err := wireDiverts(g, walk); err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	return g, nil
}

func stepNode(step Step, position int) (*Node, error) {
	switch {
	case step.Transform != nil:
		return &Node{
			ID:         nodeID(KindTransform, step.Transform.Name(), position),
			Kind:       KindTransform,
			PluginName: step.Transform.Name(),
			Input:      step.Transform.InputSchema(),
			Output:     step.Transform.OutputSchema(),
			Step:       position,
			Transform:  step.Transform,
			OnError:    step.Transform.OnError(),
			Retry:      step.Retry,
		}, nil

	case step.Aggregation != nil:
		if step.Trigger == nil {
			return nil, plugin.Configf("aggregation %q declares no trigger", step.Aggregation.Name())
		}
		n := &Node{
			ID:          nodeID(KindAggregation, step.Aggregation.Name(), position),
			Kind:        KindAggregation,
			PluginName:  step.Aggregation.Name(),
			Input:       step.Aggregation.InputSchema(),
			Output:      step.Aggregation.OutputSchema(),
			Step:        position,
			Aggregation: step.Aggregation,
			Trigger:     step.Trigger,
			Retry:       step.Retry,
		}
		n.Config = map[string]any{
			"trigger": string(step.Trigger.Type),
		}
		return n, nil

	case step.Gate != nil:
		gate := step.Gate
		for label := range gate.Routes() {
			if strings.HasPrefix(label, ReservedLabelPrefix) {
				return nil, plugin.Configf("gate %q: route label %q uses the reserved %q prefix", gate.Name(), label, ReservedLabelPrefix)
			}
		}
		return &Node{
			ID:           nodeID(KindGate, gate.Name(), position),
			Kind:         KindGate,
			PluginName:   gate.Name(),
			Input:        gate.InputSchema(),
			Output:       gate.InputSchema(), // gates pass rows through unchanged
			Step:         position,
			Gate:         gate,
			Routes:       gate.Routes(),
			ForkBranches: gate.ForkBranches(),
			Retry:        step.Retry,
		}, nil

	case step.Coalesce != nil:
		spec := step.Coalesce
		if len(spec.Branches) == 0 {
			return nil, plugin.Configf("coalesce %q declares no branches", spec.Name)
		}
		return &Node{
			ID:         nodeID(KindCoalesce, spec.Name, position),
			Kind:       KindCoalesce,
			PluginName: spec.Name,
			Step:       position,
			Coalesce:   spec,
		}, nil

	default:
		return nil, plugin.Configf("pipeline step %d declares no plugin", position)
	}
}

// wireGate adds labelled route edges and COPY fork edges for one gate.
func wireGate(g *Graph, gate *Node) error {
	for label, target := range gate.Routes {
		if target == ContinueLabel {
			// The decision label resolves to the existing continue edge
			continue
		}
		sinkNode, ok := g.SinkByName(target)
		if !ok {
			return plugin.Configf("gate %q route %q targets unknown sink %q (sinks: %v)",
				gate.PluginName, label, target, g.SinkNames())
		}
		if _, err := g.AddEdge(gate.ID, sinkNode.ID, label, ModeMove); err != nil {
			return err
		}
	}

	for _, branch := range gate.ForkBranches {
		if coalesce, ok := g.CoalesceForBranch(branch); ok {
			if _, err := g.AddEdge(gate.ID, coalesce.ID, branch, ModeCopy); err != nil {
				return err
			}
			continue
		}
		if sinkNode, ok := g.SinkByName(branch); ok {
			if _, err := g.AddEdge(gate.ID, sinkNode.ID, branch, ModeCopy); err != nil {
				return err
			}
			continue
		}
		return plugin.Configf(
			"gate %q fork branch %q matches no coalesce branch and no sink (coalesce branches: %v, sinks: %v)",
			gate.PluginName, branch, g.CoalesceBranches(), g.SinkNames(),
		)
	}

	return nil
}

// wireDiverts adds DIVERT edges for source validation failures and
// transform on_error sinks.
func wireDiverts(g *Graph, walk []*Node) error {
	errorSeq := 0
	for _, n := range walk {
		dest := n.OnError
		if dest == "" || dest == plugin.OnErrorDiscard {
			continue
		}
		sinkNode, ok := g.SinkByName(dest)
		if !ok {
			return plugin.Configf("node %q routes errors to unknown sink %q (sinks: %v)", n.ID, dest, g.SinkNames())
		}

		label := QuarantineLabel
		if n.Kind != KindSource {
			errorSeq++
			label = fmt.Sprintf("__error_%d__", errorSeq)
		}
		if _, err := g.AddEdge(n.ID, sinkNode.ID, label, ModeDivert); err != nil {
			return err
		}
	}
	return nil
}

func nodeID(kind NodeKind, name string, position int) string {
	return fmt.Sprintf("%s_%s_%03d", kind, name, position)
}

func sinkNames(sinks map[string]plugin.Sink) []string {
	names := make([]string, 0, len(sinks))
	for name := range sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
