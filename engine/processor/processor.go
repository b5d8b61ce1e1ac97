// Package processor executes one (token, node) step: outcome gating,
// schema validation, node_state bookkeeping, plugin invocation with
// retries, and result classification into successor tasks.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/common/ratelimit"
	"github.com/elspeth-io/elspeth/engine/experiments"
	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/payload"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/telemetry"
)

// Task is one unit of work: a token positioned at a node with its row.
type Task struct {
	Token  *landscape.Token
	NodeID string
	Row    plugin.Row

	// Routed marks arrival via a gate route or divert; sinks record
	// ROUTED instead of COMPLETED for these.
	Routed bool
	// Diverted marks arrival via a DIVERT edge; schema validation is
	// skipped because the payload intentionally misses the sink schema.
	Diverted bool
}

// Outcome is what a processed task produced. Next tasks go back on the
// queue; aggregation and coalesce arrivals go to the orchestrator's
// barrier and trigger bookkeeping.
type Outcome struct {
	Next            []Task
	AggArrival      *Task
	CoalesceArrival *Task
}

// Opts configures a Processor.
type Opts struct {
	Graph     *graph.Graph
	Recorder  *landscape.Recorder
	Payloads  *payload.Store
	Rates     *ratelimit.Registry
	Telemetry *telemetry.Emitter
	Assigner  *experiments.Assigner
	Log       *logger.Logger

	// Defaults for nodes without a retry policy.
	DefaultRetries int
	DefaultBackoff time.Duration
}

// Processor executes tasks against the graph and records every step in
// the landscape.
type Processor struct {
	graph     *graph.Graph
	rec       *landscape.Recorder
	payloads  *payload.Store
	rates     *ratelimit.Registry
	telemetry *telemetry.Emitter
	assigner  *experiments.Assigner
	log       *logger.Logger

	defaultRetries int
	defaultBackoff time.Duration
}

// New creates a processor
func New(opts Opts) (*Processor, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("processor requires a graph")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("processor requires a recorder")
	}
	log := opts.Log
	if log == nil {
		log = discardLog()
	}
	assigner := opts.Assigner
	if assigner == nil {
		assigner, _ = experiments.NewAssigner(nil, nil)
	}
	retries := opts.DefaultRetries
	if retries < 1 {
		retries = 1
	}
	backoff := opts.DefaultBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	return &Processor{
		graph:          opts.Graph,
		rec:            opts.Recorder,
		payloads:       opts.Payloads,
		rates:          opts.Rates,
		telemetry:      opts.Telemetry,
		assigner:       assigner,
		log:            log,
		defaultRetries: retries,
		defaultBackoff: backoff,
	}, nil
}

// Process runs one task. A returned error is fatal to the run (recorder
// failure or scheduler bug); row-level problems settle through the
// token's own outcome and never propagate here.
func (p *Processor) Process(ctx context.Context, task Task) (*Outcome, error) {
	node, ok := p.graph.Node(task.NodeID)
	if !ok {
		return nil, fmt.Errorf("task references unknown node %q", task.NodeID)
	}

	// A token with a terminal outcome must never be scheduled again
	if _, err := p.rec.Store().TerminalOutcome(ctx, task.Token.TokenID); err == nil {
		return nil, fmt.Errorf("token %s already settled but was scheduled at %s", task.Token.TokenID, node.ID)
	} else if !errors.Is(err, landscape.ErrNotFound) {
		return nil, fmt.Errorf("outcome gate: %w", err)
	}

	switch node.Kind {
	case graph.KindTransform:
		return p.processTransform(ctx, task, node)
	case graph.KindGate:
		return p.processGate(ctx, task, node)
	case graph.KindSink:
		return p.processSink(ctx, task, node)
	case graph.KindAggregation:
		return p.processAggregation(ctx, task, node)
	case graph.KindCoalesce:
		return p.processCoalesce(ctx, task, node)
	default:
		return nil, fmt.Errorf("node %q has unschedulable kind %q", node.ID, node.Kind)
	}
}

// === Transforms ===

func (p *Processor) processTransform(ctx context.Context, task Task, node *graph.Node) (*Outcome, error) {
	if reason := p.validateInput(task.Row, node); reason != nil {
		return p.settleError(ctx, task, node, "", reason)
	}

	inputHash, err := landscape.HashJSON(task.Row)
	if err != nil {
		return nil, fmt.Errorf("hash input row: %w", err)
	}

	attempts, backoff, multiplier := p.retryParams(node)
	var lastReason *plugin.ErrorReason

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := p.rec.OpenState(ctx, task.Token.TokenID, node.ID, inputHash, "")
		if err != nil {
			return nil, err
		}
		pctx, err := p.pluginContext(ctx, task.Token, node, state.StateID)
		if err != nil {
			return nil, err
		}

		result := node.Transform.Process(ctx, task.Row, pctx)
		if result == nil {
			result = plugin.Fail(&plugin.ErrorReason{ErrorType: "internal", Message: "transform returned no result"}, false)
		}

		if result.Kind != plugin.ResultError {
			if collided := fieldCollisions(task.Row, result.Reason); len(collided) > 0 {
				cerr := &plugin.FieldCollisionError{Transform: node.PluginName, Fields: collided}
				reason := &plugin.ErrorReason{
					ErrorType: "field_collision",
					Message:   cerr.Error(),
					Details:   map[string]any{"fields": collided},
				}
				if err := p.rec.FailState(ctx, state, reason); err != nil {
					return nil, err
				}
				return p.settleError(ctx, task, node, inputHash, reason)
			}
			return p.settleTransformSuccess(ctx, task, node, state, result)
		}

		lastReason = result.Error
		if err := p.rec.FailState(ctx, state, result.Error); err != nil {
			return nil, err
		}

		if !result.Retryable || attempt == attempts {
			break
		}
		if err := sleep(ctx, backoffFor(backoff, multiplier, attempt)); err != nil {
			return nil, err
		}
	}

	return p.settleError(ctx, task, node, inputHash, lastReason)
}

func (p *Processor) settleTransformSuccess(ctx context.Context, task Task, node *graph.Node, state *landscape.NodeState, result *plugin.Result) (*Outcome, error) {
	edge, ok := p.graph.ContinueEdge(node.ID)
	if !ok {
		return nil, fmt.Errorf("transform node %q has no continue edge", node.ID)
	}

	switch result.Kind {
	case plugin.ResultSuccess:
		outputHash, err := landscape.HashJSON(result.Row)
		if err != nil {
			return nil, fmt.Errorf("hash output row: %w", err)
		}
		if err := p.rec.CompleteState(ctx, state, outputHash, result.Reason); err != nil {
			return nil, err
		}
		return &Outcome{Next: []Task{{
			Token:  task.Token,
			NodeID: edge.To,
			Row:    result.Row,
		}}}, nil

	case plugin.ResultSuccessMulti:
		outputHash, err := landscape.HashJSON(result.Rows)
		if err != nil {
			return nil, fmt.Errorf("hash output rows: %w", err)
		}
		if err := p.rec.CompleteState(ctx, state, outputHash, result.Reason); err != nil {
			return nil, err
		}

		step := p.graph.ResolveStep(edge.To)
		forked, err := p.rec.Expand(ctx, task.Token, len(result.Rows), step, true)
		if err != nil {
			return nil, err
		}

		out := &Outcome{}
		for i, child := range forked.Children {
			out.Next = append(out.Next, Task{
				Token:  child,
				NodeID: edge.To,
				Row:    result.Rows[i].Clone(),
			})
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unexpected result kind %q", result.Kind)
	}
}

// settleError finalises a token whose node invocation failed for good:
// quarantine on discard, divert to the error sink, or plain FAILED.
func (p *Processor) settleError(ctx context.Context, task Task, node *graph.Node, inputHash string, reason *plugin.ErrorReason) (*Outcome, error) {
	if reason == nil {
		reason = &plugin.ErrorReason{ErrorType: "internal", Message: "unknown error"}
	}
	errorHash, err := landscape.HashJSON(reason)
	if err != nil {
		return nil, fmt.Errorf("hash error reason: %w", err)
	}

	switch dest := node.OnError; {
	case dest == plugin.OnErrorDiscard:
		if err := p.recordTransformError(ctx, task, node, reason, plugin.OnErrorDiscard); err != nil {
			return nil, err
		}
		if err := p.rec.RecordOutcome(ctx, task.Token.TokenID, landscape.OutcomeQuarantined, landscape.OutcomeOpts{
			ErrorHash: errorHash,
			Context:   reason,
		}); err != nil {
			return nil, err
		}
		return &Outcome{}, nil

	case dest != "":
		edge, ok := p.graph.DivertEdge(node.ID, dest)
		if !ok {
			return nil, fmt.Errorf("node %q has no divert edge to sink %q", node.ID, dest)
		}
		if err := p.recordTransformError(ctx, task, node, reason, dest); err != nil {
			return nil, err
		}
		return &Outcome{Next: []Task{{
			Token:    task.Token,
			NodeID:   edge.To,
			Row:      task.Row,
			Routed:   true,
			Diverted: true,
		}}}, nil

	default:
		if err := p.rec.RecordOutcome(ctx, task.Token.TokenID, landscape.OutcomeFailed, landscape.OutcomeOpts{
			ErrorHash: errorHash,
			Context:   reason,
		}); err != nil {
			return nil, err
		}
		return &Outcome{}, nil
	}
}

func (p *Processor) recordTransformError(ctx context.Context, task Task, node *graph.Node, reason *plugin.ErrorReason, destination string) error {
	rowHash, err := landscape.HashJSON(task.Row)
	if err != nil {
		return fmt.Errorf("hash failed row: %w", err)
	}
	details, err := json.Marshal(reason)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}
	return p.rec.RecordTransformError(ctx, task.Token.TokenID, node.ID, rowHash, "", string(details), destination)
}

// === Gates ===

func (p *Processor) processGate(ctx context.Context, task Task, node *graph.Node) (*Outcome, error) {
	if reason := p.validateInput(task.Row, node); reason != nil {
		return p.settleError(ctx, task, node, "", reason)
	}

	inputHash, err := landscape.HashJSON(task.Row)
	if err != nil {
		return nil, fmt.Errorf("hash input row: %w", err)
	}

	state, err := p.rec.OpenState(ctx, task.Token.TokenID, node.ID, inputHash, "")
	if err != nil {
		return nil, err
	}
	pctx, err := p.pluginContext(ctx, task.Token, node, state.StateID)
	if err != nil {
		return nil, err
	}

	decision, err := node.Gate.Decide(ctx, task.Row, pctx)
	if err != nil {
		reason := &plugin.ErrorReason{ErrorType: "gate_error", Message: err.Error()}
		if failErr := p.rec.FailState(ctx, state, reason); failErr != nil {
			return nil, failErr
		}
		return p.settleError(ctx, task, node, inputHash, reason)
	}

	// Gates pass rows through unchanged
	if err := p.rec.CompleteState(ctx, state, inputHash, decision.Reason); err != nil {
		return nil, err
	}

	switch {
	case decision.Fork:
		return p.forkAt(ctx, task, node, state, node.ForkBranches, decision.Reason, false)

	case len(decision.Targets) == 0:
		edge, ok := p.graph.ContinueEdge(node.ID)
		if !ok {
			return nil, fmt.Errorf("gate node %q has no continue edge", node.ID)
		}
		if err := p.rec.RecordRouting(ctx, state.StateID, []landscape.RoutedEdge{{
			EdgeID: edge.ID, Mode: string(edge.Mode), Reason: decision.Reason,
		}}); err != nil {
			return nil, err
		}
		return &Outcome{Next: []Task{{Token: task.Token, NodeID: edge.To, Row: task.Row}}}, nil

	case len(decision.Targets) == 1:
		edge, err := p.gateEdge(node, decision.Targets[0])
		if err != nil {
			return nil, err
		}
		if err := p.rec.RecordRouting(ctx, state.StateID, []landscape.RoutedEdge{{
			EdgeID: edge.ID, Mode: string(edge.Mode), Reason: decision.Reason,
		}}); err != nil {
			return nil, err
		}
		toSink := p.isSink(edge.To)
		return &Outcome{Next: []Task{{
			Token:  task.Token,
			NodeID: edge.To,
			Row:    task.Row,
			Routed: toSink,
		}}}, nil

	default:
		// Multiple destinations need one token per destination
		return p.forkAt(ctx, task, node, state, decision.Targets, decision.Reason, true)
	}
}

// forkAt splits the token across the given labels' edges: child tokens,
// one routing event per edge sharing a group, and the parent's FORKED
// outcome, atomically recorded by the store.
func (p *Processor) forkAt(ctx context.Context, task Task, node *graph.Node, state *landscape.NodeState, labels []string, reason map[string]any, routed bool) (*Outcome, error) {
	edges := make([]*graph.Edge, 0, len(labels))
	routedEdges := make([]landscape.RoutedEdge, 0, len(labels))
	for _, label := range labels {
		edge, err := p.gateEdge(node, label)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
		routedEdges = append(routedEdges, landscape.RoutedEdge{
			EdgeID: edge.ID, Mode: string(edge.Mode), Reason: reason,
		})
	}
	if err := p.rec.RecordRouting(ctx, state.StateID, routedEdges); err != nil {
		return nil, err
	}

	// Children land at their branch target's step
	step := task.Token.StepInPipeline + 1
	forked, err := p.rec.Fork(ctx, task.Token, labels, step)
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	for i, child := range forked.Children {
		out.Next = append(out.Next, Task{
			Token:  child,
			NodeID: edges[i].To,
			Row:    task.Row.Clone(),
			Routed: routed || p.isSink(edges[i].To),
		})
	}
	return out, nil
}

// gateEdge resolves a decision label to an outgoing edge. The label
// "continue" and labels routed to "continue" both resolve to the
// default-flow edge.
func (p *Processor) gateEdge(node *graph.Node, label string) (*graph.Edge, error) {
	if label == graph.ContinueLabel || node.Routes[label] == graph.ContinueLabel {
		if edge, ok := p.graph.ContinueEdge(node.ID); ok {
			return edge, nil
		}
		return nil, fmt.Errorf("gate node %q has no continue edge", node.ID)
	}
	if edge, ok := p.graph.RouteEdge(node.ID, label); ok {
		return edge, nil
	}
	return nil, fmt.Errorf("gate %q decided label %q but no edge carries it", node.ID, label)
}

func (p *Processor) isSink(nodeID string) bool {
	n, ok := p.graph.Node(nodeID)
	return ok && n.Kind == graph.KindSink
}

// === Sinks ===

func (p *Processor) processSink(ctx context.Context, task Task, node *graph.Node) (*Outcome, error) {
	if !task.Diverted {
		if reason := p.validateInput(task.Row, node); reason != nil {
			return p.settleError(ctx, task, node, "", reason)
		}
	}

	inputHash, err := landscape.HashJSON(task.Row)
	if err != nil {
		return nil, fmt.Errorf("hash input row: %w", err)
	}

	attempts, backoff, multiplier := p.retryParams(node)
	var lastReason *plugin.ErrorReason

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := p.rec.OpenState(ctx, task.Token.TokenID, node.ID, inputHash, "")
		if err != nil {
			return nil, err
		}
		pctx, err := p.pluginContext(ctx, task.Token, node, state.StateID)
		if err != nil {
			return nil, err
		}

		writeErr := node.Sink.Write(ctx, task.Row, pctx)
		if writeErr == nil {
			if err := p.rec.CompleteState(ctx, state, inputHash, nil); err != nil {
				return nil, err
			}
			outcome := landscape.OutcomeCompleted
			if task.Routed {
				outcome = landscape.OutcomeRouted
			}
			if err := p.rec.RecordOutcome(ctx, task.Token.TokenID, outcome, landscape.OutcomeOpts{
				SinkName: node.PluginName,
			}); err != nil {
				return nil, err
			}
			return &Outcome{}, nil
		}

		lastReason = errorReason(writeErr)
		if err := p.rec.FailState(ctx, state, lastReason); err != nil {
			return nil, err
		}

		// Retrying a non-idempotent sink could double-write the row
		if !plugin.IsRetryable(writeErr) || !node.Sink.Idempotent() || attempt == attempts {
			break
		}
		if err := sleep(ctx, backoffFor(backoff, multiplier, attempt)); err != nil {
			return nil, err
		}
	}

	errorHash, err := landscape.HashJSON(lastReason)
	if err != nil {
		return nil, fmt.Errorf("hash error reason: %w", err)
	}
	if err := p.rec.RecordOutcome(ctx, task.Token.TokenID, landscape.OutcomeFailed, landscape.OutcomeOpts{
		SinkName:  node.PluginName,
		ErrorHash: errorHash,
		Context:   lastReason,
	}); err != nil {
		return nil, err
	}
	return &Outcome{}, nil
}

// === Aggregations ===

func (p *Processor) processAggregation(ctx context.Context, task Task, node *graph.Node) (*Outcome, error) {
	if reason := p.validateInput(task.Row, node); reason != nil {
		return p.settleError(ctx, task, node, "", reason)
	}

	inputHash, err := landscape.HashJSON(task.Row)
	if err != nil {
		return nil, fmt.Errorf("hash input row: %w", err)
	}

	attempts, backoff, multiplier := p.retryParams(node)
	var lastReason *plugin.ErrorReason

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state, err := p.rec.OpenState(ctx, task.Token.TokenID, node.ID, inputHash, "")
		if err != nil {
			return nil, err
		}
		pctx, err := p.pluginContext(ctx, task.Token, node, state.StateID)
		if err != nil {
			return nil, err
		}

		accErr := node.Aggregation.Accumulate(ctx, task.Row, pctx)
		if accErr == nil {
			if err := p.rec.CompleteState(ctx, state, inputHash, nil); err != nil {
				return nil, err
			}
			// Buffered is the only non-terminal outcome; the batch
			// flush later settles the token as consumed
			if err := p.rec.RecordOutcome(ctx, task.Token.TokenID, landscape.OutcomeBuffered, landscape.OutcomeOpts{}); err != nil {
				return nil, err
			}
			arrival := task
			return &Outcome{AggArrival: &arrival}, nil
		}

		lastReason = errorReason(accErr)
		if err := p.rec.FailState(ctx, state, lastReason); err != nil {
			return nil, err
		}

		if !plugin.IsRetryable(accErr) || attempt == attempts {
			break
		}
		if err := sleep(ctx, backoffFor(backoff, multiplier, attempt)); err != nil {
			return nil, err
		}
	}

	return p.settleError(ctx, task, node, inputHash, lastReason)
}

// === Coalesce arrivals ===

func (p *Processor) processCoalesce(ctx context.Context, task Task, node *graph.Node) (*Outcome, error) {
	inputHash, err := landscape.HashJSON(task.Row)
	if err != nil {
		return nil, fmt.Errorf("hash input row: %w", err)
	}

	// Record the arrival; the orchestrator's barrier settles the token
	// once the coalesce policy closes.
	state, err := p.rec.OpenState(ctx, task.Token.TokenID, node.ID, inputHash, "")
	if err != nil {
		return nil, err
	}
	if err := p.rec.CompleteState(ctx, state, inputHash, nil); err != nil {
		return nil, err
	}

	arrival := task
	return &Outcome{CoalesceArrival: &arrival}, nil
}

// === Shared helpers ===

// validateInput checks the row against the node's input schema. Dynamic
// schemas bypass validation.
func (p *Processor) validateInput(row plugin.Row, node *graph.Node) *plugin.ErrorReason {
	if node.Input.IsDynamic() {
		return nil
	}
	fieldErrors := node.Input.ValidateRow(map[string]any(row))
	if len(fieldErrors) == 0 {
		return nil
	}

	fe := make(map[string]any, len(fieldErrors))
	for _, f := range fieldErrors {
		fe[f.Field] = f.Message
	}
	return &plugin.ErrorReason{
		ErrorType:   "validation",
		Message:     fmt.Sprintf("row does not satisfy %s input schema", node.ID),
		FieldErrors: fe,
	}
}

// fieldCollisions returns declared-added fields that already exist on
// the input row. A field added over an existing value is a silent
// overwrite; the result contract requires it to surface as an error.
func fieldCollisions(row plugin.Row, reason *plugin.SuccessReason) []string {
	if reason == nil {
		return nil
	}
	var collided []string
	for _, field := range reason.FieldsAdded {
		if _, exists := row[field]; exists {
			collided = append(collided, field)
		}
	}
	return collided
}

func (p *Processor) retryParams(node *graph.Node) (attempts int, backoff time.Duration, multiplier float64) {
	attempts = p.defaultRetries
	backoff = p.defaultBackoff
	multiplier = 1
	if node.Retry != nil {
		if node.Retry.MaxAttempts > 0 {
			attempts = node.Retry.MaxAttempts
		}
		if node.Retry.Backoff > 0 {
			backoff = node.Retry.Backoff
		}
		if node.Retry.Multiplier > 1 {
			multiplier = node.Retry.Multiplier
		}
	}
	return attempts, backoff, multiplier
}

func backoffFor(base time.Duration, multiplier float64, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * multiplier)
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errorReason converts a plugin error into a structured reason,
// preserving the typed kind when present.
func errorReason(err error) *plugin.ErrorReason {
	var perr *plugin.Error
	if errors.As(err, &perr) {
		return &plugin.ErrorReason{ErrorType: string(perr.Kind), Message: perr.Message}
	}
	return &plugin.ErrorReason{ErrorType: "error", Message: err.Error()}
}
