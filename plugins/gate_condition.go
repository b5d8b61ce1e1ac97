package plugins

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/engine/condition"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// conditionGate routes rows on a CEL expression. When the expression
// holds, the row either routes to the configured labels or forks to the
// declared branches; otherwise it continues on the default path.
type conditionGate struct {
	expr      string
	evaluator *condition.Evaluator
	routes    map[string]string
	whenTrue  []string
	forkTo    []string
}

// NewConditionGate builds the condition gate from options:
// condition (required CEL expression), routes (label: sink|continue),
// when_true (labels chosen on a true verdict), fork_to (branches forked
// on a true verdict). fork_to and when_true are mutually exclusive.
func NewConditionGate(options map[string]any) (plugin.Gate, error) {
	expr, err := requireString(options, "condition")
	if err != nil {
		return nil, err
	}
	routes, err := optStringMap(options, "routes")
	if err != nil {
		return nil, err
	}
	whenTrue, err := optStringSlice(options, "when_true")
	if err != nil {
		return nil, err
	}
	forkTo, err := optStringSlice(options, "fork_to")
	if err != nil {
		return nil, err
	}
	if len(whenTrue) > 0 && len(forkTo) > 0 {
		return nil, plugin.Configf("condition gate: when_true and fork_to are mutually exclusive")
	}
	if len(whenTrue) == 0 && len(forkTo) == 0 {
		return nil, plugin.Configf("condition gate: one of when_true or fork_to is required")
	}
	for _, label := range whenTrue {
		if _, ok := routes[label]; !ok {
			return nil, plugin.Configf("condition gate: when_true label %q is not declared in routes", label)
		}
	}

	evaluator := condition.NewEvaluator()
	if err := evaluator.Check(expr); err != nil {
		return nil, plugin.Configf("condition gate: %v", err)
	}

	return &conditionGate{
		expr:      expr,
		evaluator: evaluator,
		routes:    routes,
		whenTrue:  whenTrue,
		forkTo:    forkTo,
	}, nil
}

func (g *conditionGate) Name() string                { return "condition" }
func (g *conditionGate) InputSchema() *schema.Schema { return nil }
func (g *conditionGate) Routes() map[string]string   { return g.routes }
func (g *conditionGate) ForkBranches() []string      { return g.forkTo }

func (g *conditionGate) Decide(_ context.Context, row plugin.Row, pctx *plugin.Context) (plugin.Decision, error) {
	var opts map[string]any
	if pctx != nil {
		opts = pctx.Options
	}

	verdict, err := g.evaluator.Evaluate(g.expr, map[string]any(row), opts)
	if err != nil {
		return plugin.Decision{}, fmt.Errorf("evaluate condition: %w", err)
	}

	reason := map[string]any{"condition": g.expr, "result": verdict}
	if !verdict {
		return plugin.Continue(), nil
	}
	if len(g.forkTo) > 0 {
		return plugin.ForkAll(reason), nil
	}
	return plugin.RouteTo(reason, g.whenTrue...), nil
}
