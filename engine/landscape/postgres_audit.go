package landscape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// === Node states ===

func (s *PostgresStore) InsertNodeState(ctx context.Context, state *NodeState) error {
	query := `
		INSERT INTO node_states (state_id, token_id, run_id, node_id, attempt, status,
		                         input_hash, context_before_json, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
	`

	_, err := s.db.Exec(ctx, query,
		state.StateID,
		state.TokenID,
		state.RunID,
		state.NodeID,
		state.Attempt,
		state.Status,
		state.InputHash,
		state.ContextBeforeJSON,
		state.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert node state: %w", err)
	}

	return nil
}

func (s *PostgresStore) CompleteNodeState(ctx context.Context, stateID, outputHash, successReasonJSON string, durationMS float64) error {
	// Attempts transition exactly once; the status guard enforces it
	query := `
		UPDATE node_states
		SET status = $2, output_hash = NULLIF($3, ''), success_reason_json = NULLIF($4, ''),
		    duration_ms = $5, completed_at = $6
		WHERE state_id = $1 AND status = $7
	`

	tag, err := s.db.Exec(ctx, query, stateID, StateCompleted, outputHash, successReasonJSON, durationMS, time.Now().UTC(), StatePending)
	if err != nil {
		return fmt.Errorf("failed to complete node state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node state %s is not pending: %w", stateID, ErrNotFound)
	}

	return nil
}

func (s *PostgresStore) FailNodeState(ctx context.Context, stateID, errorJSON string, durationMS float64) error {
	query := `
		UPDATE node_states
		SET status = $2, error_json = NULLIF($3, ''), duration_ms = $4, completed_at = $5
		WHERE state_id = $1 AND status = $6
	`

	tag, err := s.db.Exec(ctx, query, stateID, StateFailed, errorJSON, durationMS, time.Now().UTC(), StatePending)
	if err != nil {
		return fmt.Errorf("failed to fail node state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node state %s is not pending: %w", stateID, ErrNotFound)
	}

	return nil
}

func (s *PostgresStore) MaxAttempt(ctx context.Context, tokenID, nodeID string) (int, bool, error) {
	query := `
		SELECT COALESCE(MAX(attempt), 0)
		FROM node_states
		WHERE token_id = $1 AND node_id = $2
	`

	var max int
	if err := s.db.QueryRow(ctx, query, tokenID, nodeID).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("failed to query max attempt: %w", err)
	}

	return max, max > 0, nil
}

func (s *PostgresStore) ListNodeStates(ctx context.Context, tokenID string) ([]*NodeState, error) {
	query := `
		SELECT state_id, token_id, run_id, node_id, attempt, status,
		       COALESCE(input_hash, ''), COALESCE(output_hash, ''),
		       COALESCE(error_json, ''), COALESCE(success_reason_json, ''),
		       COALESCE(context_before_json, ''), COALESCE(context_after_json, ''),
		       started_at, completed_at, COALESCE(duration_ms, 0)
		FROM node_states
		WHERE token_id = $1
		ORDER BY started_at, attempt
	`

	rows, err := s.db.Query(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node states: %w", err)
	}
	defer rows.Close()

	var out []*NodeState
	for rows.Next() {
		st := &NodeState{}
		err := rows.Scan(
			&st.StateID, &st.TokenID, &st.RunID, &st.NodeID, &st.Attempt, &st.Status,
			&st.InputHash, &st.OutputHash,
			&st.ErrorJSON, &st.SuccessReasonJSON,
			&st.ContextBeforeJSON, &st.ContextAfterJSON,
			&st.StartedAt, &st.CompletedAt, &st.DurationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node states: %w", err)
	}

	return out, nil
}

// === Routing ===

func (s *PostgresStore) InsertRoutingEvents(ctx context.Context, events []*RoutingEvent) error {
	if len(events) == 0 {
		return nil
	}

	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		for _, ev := range events {
			_, err := tx.Exec(ctx, `
				INSERT INTO routing_events (event_id, state_id, edge_id, routing_group_id, ordinal, mode, reason_json, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
			`,
				ev.EventID, ev.StateID, ev.EdgeID, ev.RoutingGroupID, ev.Ordinal, ev.Mode, ev.ReasonJSON, ev.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert routing event %s: %w", ev.EventID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert routing events: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListRoutingEvents(ctx context.Context, stateID string) ([]*RoutingEvent, error) {
	query := `
		SELECT event_id, state_id, edge_id, routing_group_id, ordinal, mode, COALESCE(reason_json, ''), created_at
		FROM routing_events
		WHERE state_id = $1
		ORDER BY ordinal
	`

	rows, err := s.db.Query(ctx, query, stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing events: %w", err)
	}
	defer rows.Close()

	var out []*RoutingEvent
	for rows.Next() {
		ev := &RoutingEvent{}
		if err := rows.Scan(&ev.EventID, &ev.StateID, &ev.EdgeID, &ev.RoutingGroupID, &ev.Ordinal, &ev.Mode, &ev.ReasonJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routing event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routing events: %w", err)
	}

	return out, nil
}

// === Outcomes ===

const insertOutcomeSQL = `
	INSERT INTO token_outcomes (outcome_id, run_id, token_id, outcome, is_terminal,
	                            sink_name, batch_id, fork_group_id, join_group_id, expand_group_id,
	                            error_hash, expected_branches_json, context_json, recorded_at)
	VALUES ($1, $2, $3, $4, $5,
	        NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''),
	        NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14)
`

func outcomeArgs(o *TokenOutcome) []any {
	return []any{
		o.OutcomeID, o.RunID, o.TokenID, o.Outcome, o.IsTerminal,
		o.SinkName, o.BatchID, o.ForkGroupID, o.JoinGroupID, o.ExpandGroupID,
		o.ErrorHash, o.ExpectedBranchesJSON, o.ContextJSON, o.RecordedAt,
	}
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, outcome *TokenOutcome) error {
	if _, err := s.db.Exec(ctx, insertOutcomeSQL, outcomeArgs(outcome)...); err != nil {
		return classifyOutcomeErr(err)
	}
	return nil
}

const selectOutcomeSQL = `
	SELECT outcome_id, run_id, token_id, outcome, is_terminal,
	       COALESCE(sink_name, ''), COALESCE(batch_id, ''), COALESCE(fork_group_id, ''),
	       COALESCE(join_group_id, ''), COALESCE(expand_group_id, ''),
	       COALESCE(error_hash, ''), COALESCE(expected_branches_json, ''), COALESCE(context_json, ''),
	       recorded_at
	FROM token_outcomes
`

func scanOutcome(row pgx.Row) (*TokenOutcome, error) {
	o := &TokenOutcome{}
	err := row.Scan(
		&o.OutcomeID, &o.RunID, &o.TokenID, &o.Outcome, &o.IsTerminal,
		&o.SinkName, &o.BatchID, &o.ForkGroupID,
		&o.JoinGroupID, &o.ExpandGroupID,
		&o.ErrorHash, &o.ExpectedBranchesJSON, &o.ContextJSON,
		&o.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) TerminalOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	o, err := scanOutcome(s.db.QueryRow(ctx, selectOutcomeSQL+` WHERE token_id = $1 AND is_terminal`, tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("terminal outcome for token %s: %w", tokenID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal outcome: %w", err)
	}
	return o, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, runID string) ([]*TokenOutcome, error) {
	rows, err := s.db.Query(ctx, selectOutcomeSQL+` WHERE run_id = $1 ORDER BY recorded_at, outcome_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var out []*TokenOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return out, nil
}

// === Batches ===

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *Batch) error {
	query := `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, trigger_type, trigger_reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.Exec(ctx, query,
		batch.BatchID, batch.RunID, batch.AggregationNodeID,
		batch.TriggerType, batch.TriggerReason, batch.Status, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	return nil
}

func (s *PostgresStore) AddBatchMember(ctx context.Context, member *BatchMember) error {
	query := `
		INSERT INTO batch_members (batch_id, token_id, ordinal)
		VALUES ($1, $2, $3)
	`

	if _, err := s.db.Exec(ctx, query, member.BatchID, member.TokenID, member.Ordinal); err != nil {
		return fmt.Errorf("failed to add batch member: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error) {
	query := `
		SELECT batch_id, token_id, ordinal
		FROM batch_members
		WHERE batch_id = $1
		ORDER BY ordinal
	`

	rows, err := s.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch members: %w", err)
	}
	defer rows.Close()

	var out []*BatchMember
	for rows.Next() {
		m := &BatchMember{}
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("failed to scan batch member: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch members: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) FinishBatch(ctx context.Context, batchID, status string) error {
	query := `
		UPDATE batches
		SET status = $2, completed_at = $3
		WHERE batch_id = $1
	`

	if _, err := s.db.Exec(ctx, query, batchID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to finish batch: %w", err)
	}

	return nil
}

// === External calls ===

func (s *PostgresStore) InsertCall(ctx context.Context, call *Call) error {
	query := `
		INSERT INTO calls (call_id, state_id, call_index, call_type, status,
		                   request_hash, request_ref, response_hash, response_ref,
		                   error_json, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
		        NULLIF($10, ''), $11, $12)
	`

	_, err := s.db.Exec(ctx, query,
		call.CallID, call.StateID, call.CallIndex, call.CallType, call.Status,
		call.RequestHash, call.RequestRef, call.ResponseHash, call.ResponseRef,
		call.ErrorJSON, call.LatencyMS, call.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListCalls(ctx context.Context, stateID string) ([]*Call, error) {
	query := `
		SELECT call_id, state_id, call_index, call_type, status,
		       COALESCE(request_hash, ''), COALESCE(request_ref, ''),
		       COALESCE(response_hash, ''), COALESCE(response_ref, ''),
		       COALESCE(error_json, ''), COALESCE(latency_ms, 0), created_at
		FROM calls
		WHERE state_id = $1
		ORDER BY call_index
	`

	rows, err := s.db.Query(ctx, query, stateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var out []*Call
	for rows.Next() {
		c := &Call{}
		err := rows.Scan(
			&c.CallID, &c.StateID, &c.CallIndex, &c.CallType, &c.Status,
			&c.RequestHash, &c.RequestRef,
			&c.ResponseHash, &c.ResponseRef,
			&c.ErrorJSON, &c.LatencyMS, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating calls: %w", err)
	}

	return out, nil
}

// === Error routing records ===

func (s *PostgresStore) InsertValidationError(ctx context.Context, ve *ValidationError) error {
	query := `
		INSERT INTO validation_errors (error_id, run_id, node_id, row_hash, row_json, error, destination, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
	`

	_, err := s.db.Exec(ctx, query,
		ve.ErrorID, ve.RunID, ve.NodeID, ve.RowHash, ve.RowJSON, ve.Error, ve.Destination, ve.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert validation error: %w", err)
	}

	return nil
}

func (s *PostgresStore) InsertTransformError(ctx context.Context, te *TransformError) error {
	query := `
		INSERT INTO transform_errors (error_id, run_id, token_id, transform_id, row_hash, row_json, details_json, destination, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
	`

	_, err := s.db.Exec(ctx, query,
		te.ErrorID, te.RunID, te.TokenID, te.TransformID, te.RowHash, te.RowJSON, te.DetailsJSON, te.Destination, te.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transform error: %w", err)
	}

	return nil
}

// === Experiment assignments ===

func (s *PostgresStore) InsertAssignment(ctx context.Context, a *Assignment) error {
	query := `
		INSERT INTO assignments (run_id, row_id, experiment_id, variant_id, override_json, assigned_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`

	_, err := s.db.Exec(ctx, query,
		a.RunID, a.RowID, a.ExperimentID, a.VariantID, a.OverrideJSON, a.AssignedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assignment: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, runID, rowID, experimentID string) (*Assignment, error) {
	query := `
		SELECT run_id, row_id, experiment_id, variant_id, COALESCE(override_json, ''), assigned_at
		FROM assignments
		WHERE run_id = $1 AND row_id = $2 AND experiment_id = $3
	`

	a := &Assignment{}
	err := s.db.QueryRow(ctx, query, runID, rowID, experimentID).Scan(
		&a.RunID, &a.RowID, &a.ExperimentID, &a.VariantID, &a.OverrideJSON, &a.AssignedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("assignment for row %s in experiment %s: %w", rowID, experimentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	return a, nil
}
