package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

type testSource struct {
	name      string
	out       *schema.Schema
	onFailure string
}

func (s *testSource) Name() string                 { return s.name }
func (s *testSource) OutputSchema() *schema.Schema { return s.out }
func (s *testSource) OnValidationFailure() string  { return s.onFailure }
func (s *testSource) Load(context.Context, *plugin.Context) (plugin.SourceIterator, error) {
	return nil, nil
}

type testTransform struct {
	name    string
	in, out *schema.Schema
	onError string
}

func (t *testTransform) Name() string                    { return t.name }
func (t *testTransform) InputSchema() *schema.Schema     { return t.in }
func (t *testTransform) OutputSchema() *schema.Schema    { return t.out }
func (t *testTransform) OnError() string                 { return t.onError }
func (t *testTransform) Determinism() plugin.Determinism { return plugin.Deterministic }
func (t *testTransform) Process(context.Context, plugin.Row, *plugin.Context) *plugin.Result {
	return nil
}

type testGate struct {
	name     string
	routes   map[string]string
	branches []string
}

func (g *testGate) Name() string                 { return g.name }
func (g *testGate) InputSchema() *schema.Schema  { return nil }
func (g *testGate) Routes() map[string]string    { return g.routes }
func (g *testGate) ForkBranches() []string       { return g.branches }
func (g *testGate) Decide(context.Context, plugin.Row, *plugin.Context) (plugin.Decision, error) {
	return plugin.Continue(), nil
}

type testSink struct {
	name string
	in   *schema.Schema
}

func (s *testSink) Name() string                                        { return s.name }
func (s *testSink) InputSchema() *schema.Schema                         { return s.in }
func (s *testSink) Idempotent() bool                                    { return true }
func (s *testSink) Determinism() plugin.Determinism                     { return plugin.Deterministic }
func (s *testSink) Write(context.Context, plugin.Row, *plugin.Context) error { return nil }
func (s *testSink) Flush(context.Context) error                         { return nil }
func (s *testSink) Close(context.Context) error                         { return nil }

type testAgg struct {
	name string
}

func (a *testAgg) Name() string                 { return a.name }
func (a *testAgg) InputSchema() *schema.Schema  { return nil }
func (a *testAgg) OutputSchema() *schema.Schema { return nil }
func (a *testAgg) Accumulate(context.Context, plugin.Row, *plugin.Context) error { return nil }
func (a *testAgg) Flush(context.Context, *plugin.Context) (plugin.Row, error) {
	return plugin.Row{}, nil
}

func TestBuildLinearPipeline(t *testing.T) {
	g, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Transform: &testTransform{name: "double"}},
		},
		Sinks:       map[string]plugin.Sink{"output": &testSink{name: "output"}},
		DefaultSink: "output",
	})
	require.NoError(t, err)

	assert.Equal(t, "source_rows_001", g.SourceID())
	assert.Equal(t, 2, g.ResolveStep("transform_double_002"))

	edge, ok := g.ContinueEdge(g.SourceID())
	require.True(t, ok)
	assert.Equal(t, "transform_double_002", edge.To)

	edge, ok = g.ContinueEdge("transform_double_002")
	require.True(t, ok)
	assert.Equal(t, "sink_output", edge.To)
	assert.Equal(t, ModeMove, edge.Mode)

	sink, ok := g.SinkByName("output")
	require.True(t, ok)
	assert.Equal(t, KindSink, sink.Kind)
}

func TestBuildRequiresDeclaredDefaultSink(t *testing.T) {
	_, err := Build(BuildInput{
		Source:      &testSource{name: "rows"},
		Sinks:       map[string]plugin.Sink{"output": &testSink{name: "output"}},
		DefaultSink: "elsewhere",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_sink")
}

func TestBuildGateRoutesAndForkBranches(t *testing.T) {
	g, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Gate: &testGate{
				name:     "splitter",
				routes:   map[string]string{"flagged": "flagged"},
				branches: []string{"fast", "slow"},
			}},
			{Coalesce: &CoalesceSpec{
				Name:     "join",
				Branches: []string{"fast", "slow"},
				Policy:   PolicyRequireAll,
				Strategy: StrategyUnion,
			}},
		},
		Sinks: map[string]plugin.Sink{
			"output":  &testSink{name: "output"},
			"flagged": &testSink{name: "flagged"},
		},
		DefaultSink: "output",
	})
	require.NoError(t, err)

	gateID := "gate_splitter_002"
	route, ok := g.RouteEdge(gateID, "flagged")
	require.True(t, ok)
	assert.Equal(t, "sink_flagged", route.To)
	assert.Equal(t, ModeMove, route.Mode)

	for _, branch := range []string{"fast", "slow"} {
		edge, ok := g.RouteEdge(gateID, branch)
		require.True(t, ok, branch)
		assert.Equal(t, "coalesce_join_003", edge.To)
		assert.Equal(t, ModeCopy, edge.Mode)
	}

	join, ok := g.CoalesceForBranch("slow")
	require.True(t, ok)
	assert.Equal(t, "coalesce_join_003", join.ID)
}

func TestBuildRejectsUnknownRouteTarget(t *testing.T) {
	_, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Gate: &testGate{name: "g", routes: map[string]string{"flagged": "nowhere"}}},
		},
		Sinks:       map[string]plugin.Sink{"output": &testSink{name: "output"}},
		DefaultSink: "output",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown sink "nowhere"`)
}

func TestBuildRejectsReservedRouteLabel(t *testing.T) {
	_, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Gate: &testGate{name: "g", routes: map[string]string{"__sneaky": "output"}}},
		},
		Sinks:       map[string]plugin.Sink{"output": &testSink{name: "output"}},
		DefaultSink: "output",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestBuildRejectsUnresolvedForkBranch(t *testing.T) {
	_, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Gate: &testGate{name: "g", branches: []string{"orphan"}}},
		},
		Sinks:       map[string]plugin.Sink{"output": &testSink{name: "output"}},
		DefaultSink: "output",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `fork branch "orphan"`)
}

func TestBuildWiresDivertEdges(t *testing.T) {
	g, err := Build(BuildInput{
		Source: &testSource{name: "rows", onFailure: "rejects"},
		Steps: []Step{
			{Transform: &testTransform{name: "enrich", onError: "errors"}},
		},
		Sinks: map[string]plugin.Sink{
			"output":  &testSink{name: "output"},
			"rejects": &testSink{name: "rejects"},
			"errors":  &testSink{name: "errors"},
		},
		DefaultSink: "output",
	})
	require.NoError(t, err)

	divert, ok := g.DivertEdge(g.SourceID(), "rejects")
	require.True(t, ok)
	assert.Equal(t, QuarantineLabel, divert.Label)
	assert.Equal(t, ModeDivert, divert.Mode)

	divert, ok = g.DivertEdge("transform_enrich_002", "errors")
	require.True(t, ok)
	assert.Equal(t, "__error_1__", divert.Label)
}

func TestBuildReportsSchemaMismatch(t *testing.T) {
	_, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Transform: &testTransform{
				name: "narrow",
				out:  schema.Strict("narrow", schema.Field{Name: "a", Type: schema.TypeInt, Required: true}),
			}},
		},
		Sinks: map[string]plugin.Sink{
			"output": &testSink{
				name: "output",
				in: schema.Strict("wide",
					schema.Field{Name: "a", Type: schema.TypeInt, Required: true},
					schema.Field{Name: "b", Type: schema.TypeString, Required: true},
				),
			},
		},
		DefaultSink: "output",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required fields")
	assert.Contains(t, err.Error(), "b")
}

func TestBuildAggregationRequiresTrigger(t *testing.T) {
	_, err := Build(BuildInput{
		Source: &testSource{name: "rows"},
		Steps: []Step{
			{Aggregation: &testAgg{name: "totals"}},
		},
		Sinks:       map[string]plugin.Sink{"output": &testSink{name: "output"}},
		DefaultSink: "output",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger")
}

func TestValidateDetectsCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(&Node{ID: "src", Kind: KindSource}))
	require.NoError(t, g.AddNode(&Node{ID: "a", Kind: KindTransform}))
	require.NoError(t, g.AddNode(&Node{ID: "b", Kind: KindTransform}))
	_, err := g.AddEdge("src", "a", ContinueLabel, ModeMove)
	require.NoError(t, err)
	_, err = g.AddEdge("a", "b", ContinueLabel, ModeMove)
	require.NoError(t, err)
	_, err = g.AddEdge("b", "a", "back", ModeMove)
	require.NoError(t, err)

	err = g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRequiresReachableSinks(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(&Node{ID: "src", Kind: KindSource}))
	require.NoError(t, g.AddNode(&Node{ID: "sink_lost", Kind: KindSink, PluginName: "lost"}))

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `sink "lost" is not reachable`)
}

func TestAddEdgeRejectsDuplicateAndReservedLabels(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(&Node{ID: "src", Kind: KindSource}))
	require.NoError(t, g.AddNode(&Node{ID: "out", Kind: KindSink, PluginName: "out"}))

	_, err := g.AddEdge("src", "out", ContinueLabel, ModeMove)
	require.NoError(t, err)
	_, err = g.AddEdge("src", "out", ContinueLabel, ModeMove)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate edge label")

	_, err = g.AddEdge("src", "out", "__system", ModeMove)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}
