package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// === Test plugins ===

type fakeSource struct {
	out       *schema.Schema
	onFailure string
}

func (s *fakeSource) Name() string                 { return "rows" }
func (s *fakeSource) OutputSchema() *schema.Schema { return s.out }
func (s *fakeSource) OnValidationFailure() string  { return s.onFailure }
func (s *fakeSource) Load(context.Context, *plugin.Context) (plugin.SourceIterator, error) {
	return nil, nil
}

type fakeTransform struct {
	name    string
	onError string
	in, out *schema.Schema
	fn      func(plugin.Row) *plugin.Result
}

func (t *fakeTransform) Name() string                  { return t.name }
func (t *fakeTransform) InputSchema() *schema.Schema   { return t.in }
func (t *fakeTransform) OutputSchema() *schema.Schema  { return t.out }
func (t *fakeTransform) OnError() string               { return t.onError }
func (t *fakeTransform) Determinism() plugin.Determinism {
	return plugin.Deterministic
}
func (t *fakeTransform) Process(_ context.Context, row plugin.Row, _ *plugin.Context) *plugin.Result {
	return t.fn(row)
}

type fakeGate struct {
	name     string
	routes   map[string]string
	branches []string
	fn       func(plugin.Row) plugin.Decision
}

func (g *fakeGate) Name() string                { return g.name }
func (g *fakeGate) InputSchema() *schema.Schema { return nil }
func (g *fakeGate) Routes() map[string]string   { return g.routes }
func (g *fakeGate) ForkBranches() []string      { return g.branches }
func (g *fakeGate) Decide(_ context.Context, row plugin.Row, _ *plugin.Context) (plugin.Decision, error) {
	return g.fn(row), nil
}

type memorySink struct {
	name    string
	mu      sync.Mutex
	rows    []plugin.Row
	fail    func() error
	oneShot bool // declares the sink non-idempotent
}

func (s *memorySink) Name() string                    { return s.name }
func (s *memorySink) InputSchema() *schema.Schema     { return nil }
func (s *memorySink) Idempotent() bool                { return !s.oneShot }
func (s *memorySink) Determinism() plugin.Determinism { return plugin.Deterministic }
func (s *memorySink) Flush(context.Context) error     { return nil }
func (s *memorySink) Close(context.Context) error     { return nil }
func (s *memorySink) Write(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	if s.fail != nil {
		if err := s.fail(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row.Clone())
	return nil
}

func (s *memorySink) Rows() []plugin.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugin.Row(nil), s.rows...)
}

// keyedSink stores rows by id, so a redelivered row leaves one record.
// Write always records before reporting failure, the shape of a write
// that lands but loses its acknowledgement.
type keyedSink struct {
	name   string
	mu     sync.Mutex
	rows   map[string]plugin.Row
	writes int
	drops  int
}

func (s *keyedSink) Name() string                    { return s.name }
func (s *keyedSink) InputSchema() *schema.Schema     { return nil }
func (s *keyedSink) Idempotent() bool                { return true }
func (s *keyedSink) Determinism() plugin.Determinism { return plugin.Deterministic }
func (s *keyedSink) Flush(context.Context) error     { return nil }
func (s *keyedSink) Close(context.Context) error     { return nil }
func (s *keyedSink) Write(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.rows == nil {
		s.rows = map[string]plugin.Row{}
	}
	s.rows[fmt.Sprint(row["id"])] = row.Clone()
	if s.drops > 0 {
		s.drops--
		return plugin.NewError(plugin.KindNetwork, "ack lost", nil)
	}
	return nil
}

type countingAgg struct {
	name string
	mu   sync.Mutex
	n    int
	sum  float64
}

func (a *countingAgg) Name() string                 { return a.name }
func (a *countingAgg) InputSchema() *schema.Schema  { return nil }
func (a *countingAgg) OutputSchema() *schema.Schema { return nil }
func (a *countingAgg) Accumulate(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	if v, ok := row["amount"].(float64); ok {
		a.sum += v
	}
	return nil
}
func (a *countingAgg) Flush(context.Context, *plugin.Context) (plugin.Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row := plugin.Row{"count": a.n, "total": a.sum}
	a.n, a.sum = 0, 0
	return row, nil
}

// === Harness ===

type fixture struct {
	proc  *Processor
	store *landscape.MemoryStore
	rec   *landscape.Recorder
	graph *graph.Graph
}

func newFixture(t *testing.T, in graph.BuildInput) *fixture {
	t.Helper()
	g, err := graph.Build(in)
	require.NoError(t, err)

	store := landscape.NewMemoryStore()
	rec := landscape.NewRecorder(store, logger.Discard(), landscape.NewRunID())
	ctx := context.Background()
	_, err = rec.BeginRun(ctx, "fp", "", "")
	require.NoError(t, err)

	proc, err := New(Opts{
		Graph:          g,
		Recorder:       rec,
		Log:            logger.Discard(),
		DefaultRetries: 3,
		DefaultBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{proc: proc, store: store, rec: rec, graph: g}
}

func (f *fixture) newToken(t *testing.T, position int) *landscape.Token {
	t.Helper()
	hash, err := landscape.HashJSON(map[string]any{"position": position})
	require.NoError(t, err)
	_, token, err := f.rec.RecordRow(context.Background(), f.graph.SourceID(), position, hash, "")
	require.NoError(t, err)
	return token
}

// drive processes tasks until the queue is empty, returning arrivals.
func (f *fixture) drive(t *testing.T, first Task) (aggs, joins []Task) {
	t.Helper()
	queue := []Task{first}
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		out, err := f.proc.Process(context.Background(), task)
		require.NoError(t, err)
		queue = append(queue, out.Next...)
		if out.AggArrival != nil {
			aggs = append(aggs, *out.AggArrival)
		}
		if out.CoalesceArrival != nil {
			joins = append(joins, *out.CoalesceArrival)
		}
	}
	return aggs, joins
}

func (f *fixture) terminal(t *testing.T, tokenID string) *landscape.TokenOutcome {
	t.Helper()
	outcome, err := f.store.TerminalOutcome(context.Background(), tokenID)
	require.NoError(t, err)
	return outcome
}

func simplePipeline(tr *fakeTransform, sinks map[string]plugin.Sink) graph.BuildInput {
	if sinks == nil {
		sinks = map[string]plugin.Sink{"output": &memorySink{name: "output"}}
	}
	return graph.BuildInput{
		Source:      &fakeSource{},
		Steps:       []graph.Step{{Transform: tr}},
		Sinks:       sinks,
		DefaultSink: "output",
	}
}

func firstNodeID(g *graph.Graph) string {
	edge, _ := g.ContinueEdge(g.SourceID())
	return edge.To
}

// === Tests ===

func TestTransformSuccessReachesSink(t *testing.T) {
	sink := &memorySink{name: "output"}
	tr := &fakeTransform{name: "double", fn: func(row plugin.Row) *plugin.Result {
		out := row.Clone()
		out["amount"] = row["amount"].(float64) * 2
		return plugin.Success(out, &plugin.SuccessReason{Action: "doubled", FieldsModified: []string{"amount"}})
	}}

	f := newFixture(t, simplePipeline(tr, map[string]plugin.Sink{"output": sink}))
	token := f.newToken(t, 1)

	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"amount": 21.0}})

	rows := sink.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 42.0, rows[0]["amount"])

	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeCompleted, outcome.Outcome)
	assert.Equal(t, "output", outcome.SinkName)

	states, err := f.store.ListNodeStates(context.Background(), token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 2) // transform + sink
	assert.Equal(t, landscape.StateCompleted, states[0].Status)
	assert.Contains(t, states[0].SuccessReasonJSON, "doubled")
}

func TestTransformRetryThenSuccess(t *testing.T) {
	calls := 0
	tr := &fakeTransform{name: "flaky", fn: func(row plugin.Row) *plugin.Result {
		calls++
		if calls < 3 {
			return plugin.Fail(&plugin.ErrorReason{ErrorType: "network", Message: "connection reset"}, true)
		}
		return plugin.Success(row, nil)
	}}

	f := newFixture(t, simplePipeline(tr, nil))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	assert.Equal(t, 3, calls)
	assert.Equal(t, landscape.OutcomeCompleted, f.terminal(t, token.TokenID).Outcome)

	states, err := f.store.ListNodeStates(context.Background(), token.TokenID)
	require.NoError(t, err)
	var attempts []int
	for _, st := range states {
		if st.NodeID == firstNodeID(f.graph) {
			attempts = append(attempts, st.Attempt)
			if st.Attempt < 3 {
				assert.Equal(t, landscape.StateFailed, st.Status)
			}
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestTransformBudgetExhaustedFails(t *testing.T) {
	tr := &fakeTransform{name: "down", fn: func(plugin.Row) *plugin.Result {
		return plugin.Fail(&plugin.ErrorReason{ErrorType: "server", Message: "boom"}, true)
	}}

	f := newFixture(t, simplePipeline(tr, nil))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeFailed, outcome.Outcome)
	assert.NotEmpty(t, outcome.ErrorHash)
}

func TestTransformDiscardQuarantines(t *testing.T) {
	tr := &fakeTransform{name: "strict", onError: plugin.OnErrorDiscard, fn: func(plugin.Row) *plugin.Result {
		return plugin.Fail(&plugin.ErrorReason{ErrorType: "invalid_input", Message: "bad row"}, false)
	}}

	f := newFixture(t, simplePipeline(tr, nil))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeQuarantined, outcome.Outcome)
	assert.NotEmpty(t, outcome.ErrorHash)

	require.Len(t, f.store.TransformErrors(), 1)
	assert.Equal(t, plugin.OnErrorDiscard, f.store.TransformErrors()[0].Destination)
}

func TestTransformErrorDivertsToSink(t *testing.T) {
	errorsSink := &memorySink{name: "errors"}
	tr := &fakeTransform{name: "strict", onError: "errors", fn: func(plugin.Row) *plugin.Result {
		return plugin.Fail(&plugin.ErrorReason{ErrorType: "invalid_input", Message: "bad row"}, false)
	}}

	f := newFixture(t, simplePipeline(tr, map[string]plugin.Sink{
		"output": &memorySink{name: "output"},
		"errors": errorsSink,
	}))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	require.Len(t, errorsSink.Rows(), 1)
	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeRouted, outcome.Outcome)
	assert.Equal(t, "errors", outcome.SinkName)
}

func TestTransformMultiRowExpands(t *testing.T) {
	sink := &memorySink{name: "output"}
	tr := &fakeTransform{name: "split", fn: func(row plugin.Row) *plugin.Result {
		return plugin.SuccessMulti([]plugin.Row{
			{"part": 1.0},
			{"part": 2.0},
			{"part": 3.0},
		}, &plugin.SuccessReason{Action: "split"})
	}}

	f := newFixture(t, simplePipeline(tr, map[string]plugin.Sink{"output": sink}))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"whole": true}})

	assert.Len(t, sink.Rows(), 3)

	parentOutcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeExpanded, parentOutcome.Outcome)
	assert.Equal(t, "3", parentOutcome.ExpectedBranchesJSON)

	children, err := f.store.ListChildren(context.Background(), token.TokenID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, child := range children {
		assert.Equal(t, landscape.OutcomeCompleted, f.terminal(t, child.TokenID).Outcome)
	}
}

func TestSchemaValidationFailureQuarantines(t *testing.T) {
	strict := &schema.Schema{
		Mode:   schema.ModeStrict,
		Fields: []schema.Field{{Name: "amount", Type: schema.TypeFloat, Required: true}},
	}
	tr := &fakeTransform{name: "typed", onError: plugin.OnErrorDiscard, in: strict, fn: func(row plugin.Row) *plugin.Result {
		return plugin.Success(row, nil)
	}}

	f := newFixture(t, simplePipeline(tr, nil))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"wrong": "shape"}})

	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeQuarantined, outcome.Outcome)
}

func TestGateRoutesToSink(t *testing.T) {
	flagged := &memorySink{name: "flagged"}
	gate := &fakeGate{
		name:   "screen",
		routes: map[string]string{"suspicious": "flagged"},
		fn: func(row plugin.Row) plugin.Decision {
			if row["amount"].(float64) > 100 {
				return plugin.RouteTo(map[string]any{"rule": "amount > 100"}, "suspicious")
			}
			return plugin.Continue()
		},
	}

	f := newFixture(t, graph.BuildInput{
		Source:      &fakeSource{},
		Steps:       []graph.Step{{Gate: gate}},
		Sinks:       map[string]plugin.Sink{"output": &memorySink{name: "output"}, "flagged": flagged},
		DefaultSink: "output",
	})

	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"amount": 500.0}})

	require.Len(t, flagged.Rows(), 1)
	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeRouted, outcome.Outcome)
	assert.Equal(t, "flagged", outcome.SinkName)

	states, err := f.store.ListNodeStates(context.Background(), token.TokenID)
	require.NoError(t, err)
	events, err := f.store.ListRoutingEvents(context.Background(), states[0].StateID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].ReasonJSON, "amount > 100")
}

func TestGateContinueFollowsDefaultPath(t *testing.T) {
	sink := &memorySink{name: "output"}
	gate := &fakeGate{name: "pass", fn: func(plugin.Row) plugin.Decision { return plugin.Continue() }}

	f := newFixture(t, graph.BuildInput{
		Source:      &fakeSource{},
		Steps:       []graph.Step{{Gate: gate}},
		Sinks:       map[string]plugin.Sink{"output": sink},
		DefaultSink: "output",
	})

	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	require.Len(t, sink.Rows(), 1)
	assert.Equal(t, landscape.OutcomeCompleted, f.terminal(t, token.TokenID).Outcome)
}

func TestGateForkCreatesChildrenPerBranch(t *testing.T) {
	gate := &fakeGate{
		name:     "fan",
		branches: []string{"fast", "slow"},
		fn:       func(plugin.Row) plugin.Decision { return plugin.ForkAll(map[string]any{"why": "ab_test"}) },
	}

	f := newFixture(t, graph.BuildInput{
		Source: &fakeSource{},
		Steps: []graph.Step{
			{Gate: gate},
			{Coalesce: &graph.CoalesceSpec{
				Name:     "join",
				Branches: []string{"fast", "slow"},
				Policy:   graph.PolicyRequireAll,
				Strategy: graph.StrategyUnion,
			}},
		},
		Sinks:       map[string]plugin.Sink{"output": &memorySink{name: "output"}},
		DefaultSink: "output",
	})

	token := f.newToken(t, 1)
	_, joins := f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	require.Len(t, joins, 2)

	parentOutcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeForked, parentOutcome.Outcome)
	assert.JSONEq(t, `["fast","slow"]`, parentOutcome.ExpectedBranchesJSON)

	children, err := f.store.ListChildren(context.Background(), token.TokenID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	branches := []string{children[0].BranchName, children[1].BranchName}
	assert.ElementsMatch(t, []string{"fast", "slow"}, branches)
}

func TestAggregationBuffersToken(t *testing.T) {
	agg := &countingAgg{name: "totals"}

	f := newFixture(t, graph.BuildInput{
		Source:      &fakeSource{},
		Steps:       []graph.Step{{Aggregation: agg, Trigger: &graph.TriggerSpec{Type: graph.TriggerCount, Count: 10}}},
		Sinks:       map[string]plugin.Sink{"output": &memorySink{name: "output"}},
		DefaultSink: "output",
	})

	token := f.newToken(t, 1)
	aggs, _ := f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"amount": 5.0}})

	require.Len(t, aggs, 1)
	assert.Equal(t, 1, agg.n)

	// Buffered but not settled
	_, err := f.store.TerminalOutcome(context.Background(), token.TokenID)
	require.ErrorIs(t, err, landscape.ErrNotFound)

	outcomes, err := f.store.ListOutcomes(context.Background(), f.rec.RunID())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, landscape.OutcomeBuffered, outcomes[0].Outcome)
}

func TestSettledTokenRejectedByScheduler(t *testing.T) {
	tr := &fakeTransform{name: "noop", fn: func(row plugin.Row) *plugin.Result { return plugin.Success(row, nil) }}
	f := newFixture(t, simplePipeline(tr, nil))
	token := f.newToken(t, 1)

	require.NoError(t, f.rec.RecordOutcome(context.Background(), token.TokenID, landscape.OutcomeCompleted, landscape.OutcomeOpts{}))

	_, err := f.proc.Process(context.Background(), Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already settled")
}

func TestSinkRetryOnRetryableError(t *testing.T) {
	failures := 2
	sink := &memorySink{name: "output", fail: func() error {
		if failures > 0 {
			failures--
			return plugin.NewError(plugin.KindTimeout, "slow disk", nil)
		}
		return nil
	}}
	tr := &fakeTransform{name: "noop", fn: func(row plugin.Row) *plugin.Result { return plugin.Success(row, nil) }}

	f := newFixture(t, simplePipeline(tr, map[string]plugin.Sink{"output": sink}))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	require.Len(t, sink.Rows(), 1)
	assert.Equal(t, landscape.OutcomeCompleted, f.terminal(t, token.TokenID).Outcome)
}

func TestIdempotentSinkRedeliveryLeavesOneEffect(t *testing.T) {
	sink := &keyedSink{name: "output", drops: 1}
	tr := &fakeTransform{name: "noop", fn: func(row plugin.Row) *plugin.Result { return plugin.Success(row, nil) }}

	f := newFixture(t, simplePipeline(tr, map[string]plugin.Sink{"output": sink}))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"id": "a"}})

	// The row was delivered twice but the sink shows a single write
	assert.Equal(t, 2, sink.writes)
	assert.Len(t, sink.rows, 1)
	assert.Equal(t, landscape.OutcomeCompleted, f.terminal(t, token.TokenID).Outcome)
}

func TestNonIdempotentSinkIsNeverRetried(t *testing.T) {
	attempts := 0
	sink := &memorySink{name: "output", oneShot: true, fail: func() error {
		attempts++
		return plugin.NewError(plugin.KindTimeout, "slow disk", nil)
	}}
	tr := &fakeTransform{name: "noop", fn: func(row plugin.Row) *plugin.Result { return plugin.Success(row, nil) }}

	f := newFixture(t, simplePipeline(tr, map[string]plugin.Sink{"output": sink}))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"a": 1.0}})

	assert.Equal(t, 1, attempts)
	assert.Empty(t, sink.Rows())
	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeFailed, outcome.Outcome)
}

func TestTransformAddingExistingFieldFails(t *testing.T) {
	tr := &fakeTransform{name: "enrich", fn: func(row plugin.Row) *plugin.Result {
		out := row.Clone()
		out["score"] = 0.9
		return plugin.Success(out, &plugin.SuccessReason{Action: "scored", FieldsAdded: []string{"score"}})
	}}

	f := newFixture(t, simplePipeline(tr, nil))
	token := f.newToken(t, 1)
	f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"id": "a", "score": 0.1}})

	outcome := f.terminal(t, token.TokenID)
	assert.Equal(t, landscape.OutcomeFailed, outcome.Outcome)
	assert.Contains(t, outcome.ContextJSON, "field_collision")
	assert.Contains(t, outcome.ContextJSON, "score")

	states, err := f.store.ListNodeStates(context.Background(), token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, landscape.StateFailed, states[0].Status)

	// The same declaration is fine when the field is genuinely new
	clean := f.newToken(t, 2)
	f.drive(t, Task{Token: clean, NodeID: firstNodeID(f.graph), Row: plugin.Row{"id": "b"}})
	assert.Equal(t, landscape.OutcomeCompleted, f.terminal(t, clean.TokenID).Outcome)
}

func TestDeterministicTransformRepeatsOutputHash(t *testing.T) {
	tr := &fakeTransform{name: "double", fn: func(row plugin.Row) *plugin.Result {
		out := row.Clone()
		out["amount"] = row["amount"].(float64) * 2
		return plugin.Success(out, nil)
	}}
	f := newFixture(t, simplePipeline(tr, nil))

	var inputs, outputs []string
	for i := 1; i <= 2; i++ {
		token := f.newToken(t, i)
		f.drive(t, Task{Token: token, NodeID: firstNodeID(f.graph), Row: plugin.Row{"amount": 21.0}})
		states, err := f.store.ListNodeStates(context.Background(), token.TokenID)
		require.NoError(t, err)
		require.NotEmpty(t, states)
		inputs = append(inputs, states[0].InputHash)
		outputs = append(outputs, states[0].OutputHash)
	}

	require.NotEmpty(t, inputs[0])
	assert.Equal(t, inputs[0], inputs[1])
	require.NotEmpty(t, outputs[0])
	assert.Equal(t, outputs[0], outputs[1])
}
