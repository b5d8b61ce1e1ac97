package landscape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elspeth-io/elspeth/common/logger"
)

// Recorder is the write facade over the Store for one run. The engine
// never talks to the Store directly during execution; every audit write
// funnels through here so run scoping and id generation live in one
// place.
type Recorder struct {
	store Store
	log   *logger.Logger
	runID string
}

// NewRecorder creates a recorder bound to a run id
func NewRecorder(store Store, log *logger.Logger, runID string) *Recorder {
	return &Recorder{
		store: store,
		log:   log.WithRunID(runID),
		runID: runID,
	}
}

// RunID returns the bound run id
func (r *Recorder) RunID() string {
	return r.runID
}

// Store exposes the underlying store for read-side queries
func (r *Recorder) Store() Store {
	return r.store
}

// BeginRun writes the run row before any row flows.
func (r *Recorder) BeginRun(ctx context.Context, configFingerprint, settingsJSON, resumedFrom string) (*Run, error) {
	run := &Run{
		RunID:             r.runID,
		StartedAt:         time.Now().UTC(),
		Status:            RunRunning,
		ConfigFingerprint: configFingerprint,
		SettingsJSON:      settingsJSON,
		ResumedFrom:       resumedFrom,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// FinishRun closes the run row with a final status.
func (r *Recorder) FinishRun(ctx context.Context, status string) error {
	if err := r.store.FinishRun(ctx, r.runID, status); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RegisterNode records one graph node for this run.
func (r *Recorder) RegisterNode(ctx context.Context, nodeID, pluginName, nodeType, determinism string, config map[string]any, step int) error {
	configJSON := ""
	configHash := ""
	if config != nil {
		data, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("marshal node config: %w", err)
		}
		configJSON = string(data)
		configHash = HashBytes(data)
	}

	node := &NodeRecord{
		NodeID:       nodeID,
		RunID:        r.runID,
		PluginName:   pluginName,
		NodeType:     nodeType,
		Determinism:  determinism,
		ConfigHash:   configHash,
		ConfigJSON:   configJSON,
		Step:         step,
		RegisteredAt: time.Now().UTC(),
	}
	if err := r.store.RegisterNode(ctx, node); err != nil {
		return fmt.Errorf("register node %s: %w", nodeID, err)
	}
	return nil
}

// RegisterEdge records one graph edge for this run.
func (r *Recorder) RegisterEdge(ctx context.Context, edgeID, from, to, label, mode string) error {
	edge := &EdgeRecord{
		EdgeID:     edgeID,
		RunID:      r.runID,
		FromNodeID: from,
		ToNodeID:   to,
		Label:      label,
		Mode:       mode,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.RegisterEdge(ctx, edge); err != nil {
		return fmt.Errorf("register edge %s: %w", edgeID, err)
	}
	return nil
}

// RecordRow registers a source row and mints its initial token. The row
// id is content-derived, so replays of the same input address the same
// row.
func (r *Recorder) RecordRow(ctx context.Context, sourceNodeID string, position int, contentHash, dataRef string) (*RowRecord, *Token, error) {
	row := &RowRecord{
		RowID:          RowID(position, contentHash),
		RunID:          r.runID,
		SourceNodeID:   sourceNodeID,
		SourcePosition: position,
		ContentHash:    contentHash,
		DataRef:        dataRef,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateRow(ctx, row); err != nil {
		return nil, nil, fmt.Errorf("record row at position %d: %w", position, err)
	}

	token := &Token{
		TokenID:        NewTokenID(),
		RowID:          row.RowID,
		StepInPipeline: 1,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateToken(ctx, token); err != nil {
		return nil, nil, fmt.Errorf("create initial token for row %s: %w", row.RowID, err)
	}

	return row, token, nil
}

// OpenState starts a new node_state attempt. Attempt numbers continue
// from the highest recorded attempt, so retries and resumed runs append
// rather than overwrite.
func (r *Recorder) OpenState(ctx context.Context, tokenID, nodeID, inputHash, contextBeforeJSON string) (*NodeState, error) {
	prev, _, err := r.store.MaxAttempt(ctx, tokenID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	state := &NodeState{
		StateID:           NewID(),
		TokenID:           tokenID,
		RunID:             r.runID,
		NodeID:            nodeID,
		Attempt:           prev + 1,
		Status:            StatePending,
		InputHash:         inputHash,
		ContextBeforeJSON: contextBeforeJSON,
		StartedAt:         time.Now().UTC(),
	}
	if err := r.store.InsertNodeState(ctx, state); err != nil {
		return nil, fmt.Errorf("open state for token %s at %s: %w", tokenID, nodeID, err)
	}

	return state, nil
}

// CompleteState finalises an attempt as completed.
func (r *Recorder) CompleteState(ctx context.Context, state *NodeState, outputHash string, reason any) error {
	reasonJSON, err := marshalOrEmpty(reason)
	if err != nil {
		return fmt.Errorf("complete state: %w", err)
	}
	duration := time.Since(state.StartedAt).Seconds() * 1000
	if err := r.store.CompleteNodeState(ctx, state.StateID, outputHash, reasonJSON, duration); err != nil {
		return fmt.Errorf("complete state %s: %w", state.StateID, err)
	}
	return nil
}

// FailState finalises an attempt as failed.
func (r *Recorder) FailState(ctx context.Context, state *NodeState, errInfo any) error {
	errorJSON, err := marshalOrEmpty(errInfo)
	if err != nil {
		return fmt.Errorf("fail state: %w", err)
	}
	duration := time.Since(state.StartedAt).Seconds() * 1000
	if err := r.store.FailNodeState(ctx, state.StateID, errorJSON, duration); err != nil {
		return fmt.Errorf("fail state %s: %w", state.StateID, err)
	}
	return nil
}

// RoutedEdge is one destination of a routing decision.
type RoutedEdge struct {
	EdgeID string
	Mode   string
	Reason any
}

// RecordRouting writes one routing event per destination, all sharing a
// routing group id so multi-target decisions stay correlated.
func (r *Recorder) RecordRouting(ctx context.Context, stateID string, edges []RoutedEdge) error {
	if len(edges) == 0 {
		return nil
	}

	groupID := NewID()
	now := time.Now().UTC()
	events := make([]*RoutingEvent, 0, len(edges))
	for i, e := range edges {
		reasonJSON, err := marshalOrEmpty(e.Reason)
		if err != nil {
			return fmt.Errorf("record routing: %w", err)
		}
		events = append(events, &RoutingEvent{
			EventID:        NewID(),
			StateID:        stateID,
			EdgeID:         e.EdgeID,
			RoutingGroupID: groupID,
			Ordinal:        i,
			Mode:           e.Mode,
			ReasonJSON:     reasonJSON,
			CreatedAt:      now,
		})
	}

	if err := r.store.InsertRoutingEvents(ctx, events); err != nil {
		return fmt.Errorf("record routing for state %s: %w", stateID, err)
	}
	return nil
}

// OutcomeOpts carries the optional columns of a token outcome.
type OutcomeOpts struct {
	SinkName  string
	BatchID   string
	ErrorHash string
	Context   any
}

// RecordOutcome writes a disposition for a token. Terminal outcomes are
// unique per token; a second terminal write returns
// ErrDuplicateTerminalOutcome.
func (r *Recorder) RecordOutcome(ctx context.Context, tokenID string, outcome Outcome, opts OutcomeOpts) error {
	contextJSON, err := marshalOrEmpty(opts.Context)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

	rec := &TokenOutcome{
		OutcomeID:   NewID(),
		RunID:       r.runID,
		TokenID:     tokenID,
		Outcome:     outcome,
		IsTerminal:  outcome.Terminal(),
		SinkName:    opts.SinkName,
		BatchID:     opts.BatchID,
		ErrorHash:   opts.ErrorHash,
		ContextJSON: contextJSON,
		RecordedAt:  time.Now().UTC(),
	}
	if err := r.store.RecordOutcome(ctx, rec); err != nil {
		return fmt.Errorf("record %s outcome for token %s: %w", outcome, tokenID, err)
	}
	return nil
}

// Fork splits a token into one child per branch and terminally marks
// the parent FORKED, atomically.
func (r *Recorder) Fork(ctx context.Context, parent *Token, branches []string, step int) (*ForkResult, error) {
	res, err := r.store.ForkToken(ctx, parent.TokenID, parent.RowID, r.runID, branches, step)
	if err != nil {
		return nil, fmt.Errorf("fork token %s: %w", parent.TokenID, err)
	}
	return res, nil
}

// Expand replaces a token with count children from a one-to-many
// transform. For deaggregation after a batch the parent already carries
// its CONSUMED_IN_BATCH outcome, so recordParentOutcome is false.
func (r *Recorder) Expand(ctx context.Context, parent *Token, count, step int, recordParentOutcome bool) (*ForkResult, error) {
	res, err := r.store.ExpandToken(ctx, parent.TokenID, parent.RowID, r.runID, count, step, recordParentOutcome)
	if err != nil {
		return nil, fmt.Errorf("expand token %s: %w", parent.TokenID, err)
	}
	return res, nil
}

// Coalesce merges branch tokens into one continuation token, marking
// every input COALESCED, atomically. Parents keep arrival order.
func (r *Recorder) Coalesce(ctx context.Context, parents []*Token, step int) (*Token, error) {
	if len(parents) == 0 {
		return nil, fmt.Errorf("coalesce requires at least one parent")
	}
	ids := make([]string, 0, len(parents))
	for _, p := range parents {
		ids = append(ids, p.TokenID)
	}
	merged, err := r.store.CoalesceTokens(ctx, ids, parents[0].RowID, r.runID, step)
	if err != nil {
		return nil, fmt.Errorf("coalesce tokens: %w", err)
	}
	return merged, nil
}

// OpenBatch creates a batch for an aggregation flush.
func (r *Recorder) OpenBatch(ctx context.Context, aggregationNodeID, triggerType, triggerReason string) (*Batch, error) {
	batch := &Batch{
		BatchID:           NewID(),
		RunID:             r.runID,
		AggregationNodeID: aggregationNodeID,
		TriggerType:       triggerType,
		TriggerReason:     triggerReason,
		Status:            BatchExecuting,
		CreatedAt:         time.Now().UTC(),
	}
	if err := r.store.CreateBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("open batch at %s: %w", aggregationNodeID, err)
	}
	return batch, nil
}

// ConsumeInBatch records a member token as consumed by the batch: the
// membership row plus the token's terminal CONSUMED_IN_BATCH outcome.
func (r *Recorder) ConsumeInBatch(ctx context.Context, batch *Batch, tokenID string, ordinal int) error {
	member := &BatchMember{BatchID: batch.BatchID, TokenID: tokenID, Ordinal: ordinal}
	if err := r.store.AddBatchMember(ctx, member); err != nil {
		return fmt.Errorf("add batch member: %w", err)
	}
	return r.RecordOutcome(ctx, tokenID, OutcomeConsumedInBatch, OutcomeOpts{BatchID: batch.BatchID})
}

// FinishBatch closes a batch with a final status.
func (r *Recorder) FinishBatch(ctx context.Context, batchID, status string) error {
	if err := r.store.FinishBatch(ctx, batchID, status); err != nil {
		return fmt.Errorf("finish batch %s: %w", batchID, err)
	}
	return nil
}

// RecordCall persists one external call made under a node state.
func (r *Recorder) RecordCall(ctx context.Context, call *Call) error {
	if call.CallID == "" {
		call.CallID = NewID()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	if err := r.store.InsertCall(ctx, call); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// RecordValidationError persists a source-side validation reject.
func (r *Recorder) RecordValidationError(ctx context.Context, nodeID, rowHash, rowJSON, errMsg, destination string) error {
	ve := &ValidationError{
		ErrorID:     NewID(),
		RunID:       r.runID,
		NodeID:      nodeID,
		RowHash:     rowHash,
		RowJSON:     rowJSON,
		Error:       errMsg,
		Destination: destination,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.InsertValidationError(ctx, ve); err != nil {
		return fmt.Errorf("record validation error: %w", err)
	}
	return nil
}

// RecordTransformError persists a transform error routed to a divert.
func (r *Recorder) RecordTransformError(ctx context.Context, tokenID, transformID, rowHash, rowJSON, detailsJSON, destination string) error {
	te := &TransformError{
		ErrorID:     NewID(),
		RunID:       r.runID,
		TokenID:     tokenID,
		TransformID: transformID,
		RowHash:     rowHash,
		RowJSON:     rowJSON,
		DetailsJSON: detailsJSON,
		Destination: destination,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.InsertTransformError(ctx, te); err != nil {
		return fmt.Errorf("record transform error: %w", err)
	}
	return nil
}

// RecordAssignment pins a row to an experiment variant.
func (r *Recorder) RecordAssignment(ctx context.Context, rowID, experimentID, variantID, overrideJSON string) error {
	a := &Assignment{
		RunID:        r.runID,
		RowID:        rowID,
		ExperimentID: experimentID,
		VariantID:    variantID,
		OverrideJSON: overrideJSON,
		AssignedAt:   time.Now().UTC(),
	}
	if err := r.store.InsertAssignment(ctx, a); err != nil {
		return fmt.Errorf("record assignment: %w", err)
	}
	return nil
}

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}
