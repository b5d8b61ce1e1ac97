package landscape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/elspeth-io/elspeth/common/db"
)

// terminalOutcomeIndex is the partial unique index backing the
// one-terminal-outcome-per-token invariant.
const terminalOutcomeIndex = "ix_token_outcomes_terminal_unique"

// PostgresStore is the production Store on pgx.
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

var _ Store = (*PostgresStore)(nil)

// === Runs ===

func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (run_id, started_at, status, config_fingerprint, settings_json, resumed_from)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`

	_, err := s.db.Exec(ctx, query,
		run.RunID,
		run.StartedAt,
		run.Status,
		run.ConfigFingerprint,
		run.SettingsJSON,
		run.ResumedFrom,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT run_id, started_at, finished_at, status, config_fingerprint, settings_json, COALESCE(resumed_from, '')
		FROM runs
		WHERE run_id = $1
	`

	run := &Run{}
	err := s.db.QueryRow(ctx, query, runID).Scan(
		&run.RunID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ConfigFingerprint,
		&run.SettingsJSON,
		&run.ResumedFrom,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID, status string) error {
	query := `
		UPDATE runs
		SET status = $2, finished_at = $3
		WHERE run_id = $1
	`

	_, err := s.db.Exec(ctx, query, runID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return nil
}

// === Topology ===

func (s *PostgresStore) RegisterNode(ctx context.Context, node *NodeRecord) error {
	query := `
		INSERT INTO nodes (node_id, run_id, plugin_name, node_type, determinism, config_hash, config_json, step, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.Exec(ctx, query,
		node.NodeID,
		node.RunID,
		node.PluginName,
		node.NodeType,
		node.Determinism,
		node.ConfigHash,
		node.ConfigJSON,
		node.Step,
		node.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}

	return nil
}

func (s *PostgresStore) RegisterEdge(ctx context.Context, edge *EdgeRecord) error {
	query := `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.Exec(ctx, query,
		edge.EdgeID,
		edge.RunID,
		edge.FromNodeID,
		edge.ToNodeID,
		edge.Label,
		edge.Mode,
		edge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to register edge: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error) {
	query := `
		SELECT node_id, run_id, plugin_name, node_type, determinism, config_hash, config_json, step, registered_at
		FROM nodes
		WHERE run_id = $1
		ORDER BY step, node_id
	`

	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		n := &NodeRecord{}
		if err := rows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &n.NodeType, &n.Determinism, &n.ConfigHash, &n.ConfigJSON, &n.Step, &n.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

func (s *PostgresStore) ListEdges(ctx context.Context, runID string) ([]*EdgeRecord, error) {
	query := `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, mode, created_at
		FROM edges
		WHERE run_id = $1
		ORDER BY edge_id
	`

	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*EdgeRecord
	for rows.Next() {
		e := &EdgeRecord{}
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &e.Mode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

// === Rows and tokens ===

func (s *PostgresStore) CreateRow(ctx context.Context, row *RowRecord) error {
	// Row ids are content-derived; resume runs re-insert the same id
	query := `
		INSERT INTO rows (row_id, run_id, source_node_id, source_position, content_hash, data_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (row_id) DO NOTHING
	`

	_, err := s.db.Exec(ctx, query,
		row.RowID,
		row.RunID,
		row.SourceNodeID,
		row.SourcePosition,
		row.ContentHash,
		row.DataRef,
		row.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create row: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListRows(ctx context.Context, runID string) ([]*RowRecord, error) {
	query := `
		SELECT row_id, run_id, source_node_id, source_position, content_hash, COALESCE(data_ref, ''), created_at
		FROM rows
		WHERE run_id = $1
		ORDER BY source_position
	`

	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []*RowRecord
	for rows.Next() {
		r := &RowRecord{}
		if err := rows.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.SourcePosition, &r.ContentHash, &r.DataRef, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, token *Token) error {
	_, err := s.db.Exec(ctx, insertTokenSQL, tokenArgs(token)...)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

const insertTokenSQL = `
	INSERT INTO tokens (token_id, row_id, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, created_at)
	VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)
`

func tokenArgs(t *Token) []any {
	return []any{
		t.TokenID,
		t.RowID,
		t.ForkGroupID,
		t.JoinGroupID,
		t.ExpandGroupID,
		t.BranchName,
		t.StepInPipeline,
		t.CreatedAt,
	}
}

const selectTokenSQL = `
	SELECT token_id, row_id, COALESCE(fork_group_id, ''), COALESCE(join_group_id, ''),
	       COALESCE(expand_group_id, ''), COALESCE(branch_name, ''), step_in_pipeline, created_at
	FROM tokens
`

func scanToken(row pgx.Row) (*Token, error) {
	t := &Token{}
	err := row.Scan(
		&t.TokenID,
		&t.RowID,
		&t.ForkGroupID,
		&t.JoinGroupID,
		&t.ExpandGroupID,
		&t.BranchName,
		&t.StepInPipeline,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	t, err := scanToken(s.db.QueryRow(ctx, selectTokenSQL+` WHERE token_id = $1`, tokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", tokenID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListRowTokens(ctx context.Context, rowID string) ([]*Token, error) {
	return s.listTokens(ctx, selectTokenSQL+` WHERE row_id = $1 ORDER BY token_id`, rowID)
}

func (s *PostgresStore) ListRunTokens(ctx context.Context, runID string) ([]*Token, error) {
	query := `
		SELECT t.token_id, t.row_id, COALESCE(t.fork_group_id, ''), COALESCE(t.join_group_id, ''),
		       COALESCE(t.expand_group_id, ''), COALESCE(t.branch_name, ''), t.step_in_pipeline, t.created_at
		FROM tokens t
		JOIN rows r ON r.row_id = t.row_id
		WHERE r.run_id = $1
		ORDER BY t.token_id
	`
	return s.listTokens(ctx, query, runID)
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentTokenID string) ([]*Token, error) {
	query := `
		SELECT t.token_id, t.row_id, COALESCE(t.fork_group_id, ''), COALESCE(t.join_group_id, ''),
		       COALESCE(t.expand_group_id, ''), COALESCE(t.branch_name, ''), t.step_in_pipeline, t.created_at
		FROM tokens t
		JOIN token_parents tp ON tp.token_id = t.token_id
		WHERE tp.parent_token_id = $1
		ORDER BY t.token_id
	`
	return s.listTokens(ctx, query, parentTokenID)
}

func (s *PostgresStore) listTokens(ctx context.Context, query string, args ...any) ([]*Token, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tokens: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) ListParents(ctx context.Context, tokenID string) ([]*TokenParent, error) {
	query := `
		SELECT token_id, parent_token_id, ordinal
		FROM token_parents
		WHERE token_id = $1
		ORDER BY ordinal
	`

	rows, err := s.db.Query(ctx, query, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token parents: %w", err)
	}
	defer rows.Close()

	var out []*TokenParent
	for rows.Next() {
		p := &TokenParent{}
		if err := rows.Scan(&p.TokenID, &p.ParentTokenID, &p.Ordinal); err != nil {
			return nil, fmt.Errorf("failed to scan token parent: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token parents: %w", err)
	}

	return out, nil
}

// === Atomic lifecycle operations ===

func (s *PostgresStore) ForkToken(ctx context.Context, parentTokenID, rowID, runID string, branches []string, step int) (*ForkResult, error) {
	groupID := NewID()
	expected, err := json.Marshal(branches)
	if err != nil {
		return nil, fmt.Errorf("marshal branch contract: %w", err)
	}

	children := make([]*Token, 0, len(branches))
	now := time.Now().UTC()
	for _, branch := range branches {
		children = append(children, &Token{
			TokenID:        NewTokenID(),
			RowID:          rowID,
			ForkGroupID:    groupID,
			BranchName:     branch,
			StepInPipeline: step,
			CreatedAt:      now,
		})
	}

	outcome := &TokenOutcome{
		OutcomeID:            NewID(),
		RunID:                runID,
		TokenID:              parentTokenID,
		Outcome:              OutcomeForked,
		IsTerminal:           true,
		ForkGroupID:          groupID,
		ExpectedBranchesJSON: string(expected),
		RecordedAt:           now,
	}

	if err := s.insertChildrenTx(ctx, parentTokenID, children, outcome); err != nil {
		return nil, err
	}

	return &ForkResult{Children: children, GroupID: groupID}, nil
}

func (s *PostgresStore) ExpandToken(ctx context.Context, parentTokenID, rowID, runID string, count, step int, recordParentOutcome bool) (*ForkResult, error) {
	parent, err := s.GetToken(ctx, parentTokenID)
	if err != nil {
		return nil, err
	}

	groupID := NewID()
	now := time.Now().UTC()
	children := make([]*Token, 0, count)
	for i := 0; i < count; i++ {
		children = append(children, &Token{
			TokenID:        NewTokenID(),
			RowID:          rowID,
			ExpandGroupID:  groupID,
			BranchName:     parent.BranchName,
			StepInPipeline: step,
			CreatedAt:      now,
		})
	}

	var outcome *TokenOutcome
	if recordParentOutcome {
		expected, err := json.Marshal(count)
		if err != nil {
			return nil, fmt.Errorf("marshal expand contract: %w", err)
		}
		outcome = &TokenOutcome{
			OutcomeID:            NewID(),
			RunID:                runID,
			TokenID:              parentTokenID,
			Outcome:              OutcomeExpanded,
			IsTerminal:           true,
			ExpandGroupID:        groupID,
			ExpectedBranchesJSON: string(expected),
			RecordedAt:           now,
		}
	}

	if err := s.insertChildrenTx(ctx, parentTokenID, children, outcome); err != nil {
		return nil, err
	}

	return &ForkResult{Children: children, GroupID: groupID}, nil
}

// insertChildrenTx writes child tokens, parent links, and the parent's
// terminal outcome in one transaction. This closes the crash window
// between "children exist" and "parent marked forked/expanded".
func (s *PostgresStore) insertChildrenTx(ctx context.Context, parentTokenID string, children []*Token, outcome *TokenOutcome) error {
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		for i, child := range children {
			if _, err := tx.Exec(ctx, insertTokenSQL, tokenArgs(child)...); err != nil {
				return fmt.Errorf("insert child token: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1, $2, $3)`,
				child.TokenID, parentTokenID, 0,
			); err != nil {
				return fmt.Errorf("insert token parent %d: %w", i, err)
			}
		}
		if outcome != nil {
			if _, err := tx.Exec(ctx, insertOutcomeSQL, outcomeArgs(outcome)...); err != nil {
				return classifyOutcomeErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fork/expand transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) CoalesceTokens(ctx context.Context, parentTokenIDs []string, rowID, runID string, step int) (*Token, error) {
	if len(parentTokenIDs) == 0 {
		return nil, fmt.Errorf("coalesce requires at least one parent")
	}

	joinGroupID := NewID()
	now := time.Now().UTC()
	merged := &Token{
		TokenID:        NewTokenID(),
		RowID:          rowID,
		JoinGroupID:    joinGroupID,
		StepInPipeline: step,
		CreatedAt:      now,
	}

	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertTokenSQL, tokenArgs(merged)...); err != nil {
			return fmt.Errorf("insert merged token: %w", err)
		}
		for i, pid := range parentTokenIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES ($1, $2, $3)`,
				merged.TokenID, pid, i,
			); err != nil {
				return fmt.Errorf("insert merged parent %d: %w", i, err)
			}
			outcome := &TokenOutcome{
				OutcomeID:   NewID(),
				RunID:       runID,
				TokenID:     pid,
				Outcome:     OutcomeCoalesced,
				IsTerminal:  true,
				JoinGroupID: joinGroupID,
				RecordedAt:  now,
			}
			if _, err := tx.Exec(ctx, insertOutcomeSQL, outcomeArgs(outcome)...); err != nil {
				return classifyOutcomeErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("coalesce transaction: %w", err)
	}

	return merged, nil
}

// classifyOutcomeErr maps a partial-unique-index violation to the
// sentinel so callers can react to a double terminal write.
func classifyOutcomeErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == terminalOutcomeIndex {
		return ErrDuplicateTerminalOutcome
	}
	return fmt.Errorf("insert token outcome: %w", err)
}
