// Package recovery inspects an interrupted run and plans its resume.
// A row counts as settled only when every token in its tree carries a
// terminal outcome and every fork and expand delivered the children it
// promised; anything less is reprocessed from the source.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// RowState is the recovery verdict for one row of the interrupted run.
type RowState struct {
	Row     *landscape.RowRecord
	Settled bool
	// Reasons lists why the row is unsettled; empty when settled.
	Reasons []string
}

// Plan is the scan result for one interrupted run.
type Plan struct {
	RunID   string
	Rows    []RowState
	settled map[string]bool
}

// Scan walks every row of the run and classifies it.
func Scan(ctx context.Context, store landscape.Store, runID string) (*Plan, error) {
	if _, err := store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	rows, err := store.ListRows(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}

	plan := &Plan{RunID: runID, settled: make(map[string]bool, len(rows))}
	for _, row := range rows {
		reasons, err := rowIssues(ctx, store, row.RowID)
		if err != nil {
			return nil, err
		}
		state := RowState{Row: row, Settled: len(reasons) == 0, Reasons: reasons}
		plan.Rows = append(plan.Rows, state)
		plan.settled[row.RowID] = state.Settled
	}
	return plan, nil
}

// rowIssues collects everything unfinished in one row's token tree.
func rowIssues(ctx context.Context, store landscape.Store, rowID string) ([]string, error) {
	tokens, err := store.ListRowTokens(ctx, rowID)
	if err != nil {
		return nil, fmt.Errorf("list tokens for row %s: %w", rowID, err)
	}

	var reasons []string
	for _, token := range tokens {
		issues, err := tokenIssues(ctx, store, token)
		if err != nil {
			return nil, err
		}
		reasons = append(reasons, issues...)
	}
	return reasons, nil
}

func tokenIssues(ctx context.Context, store landscape.Store, token *landscape.Token) ([]string, error) {
	outcome, err := store.TerminalOutcome(ctx, token.TokenID)
	if errors.Is(err, landscape.ErrNotFound) {
		return []string{fmt.Sprintf("token %s has no terminal outcome", token.TokenID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("terminal outcome for token %s: %w", token.TokenID, err)
	}

	switch outcome.Outcome {
	case landscape.OutcomeForked:
		return forkIssues(ctx, store, token, outcome)
	case landscape.OutcomeExpanded:
		return expandIssues(ctx, store, token, outcome)
	default:
		return nil, nil
	}
}

// forkIssues verifies the children the FORKED outcome promised exist,
// branch by branch.
func forkIssues(ctx context.Context, store landscape.Store, token *landscape.Token, outcome *landscape.TokenOutcome) ([]string, error) {
	var expected []string
	if outcome.ExpectedBranchesJSON != "" {
		if err := json.Unmarshal([]byte(outcome.ExpectedBranchesJSON), &expected); err != nil {
			return []string{fmt.Sprintf("token %s has an unreadable fork contract: %v", token.TokenID, err)}, nil
		}
	}

	children, err := store.ListChildren(ctx, token.TokenID)
	if err != nil {
		return nil, fmt.Errorf("list children of token %s: %w", token.TokenID, err)
	}

	have := make(map[string]int, len(children))
	for _, child := range children {
		have[child.BranchName]++
	}

	var reasons []string
	for _, branch := range expected {
		if have[branch] == 0 {
			reasons = append(reasons, fmt.Sprintf("token %s forked but branch %q has no child", token.TokenID, branch))
			continue
		}
		have[branch]--
	}
	return reasons, nil
}

func expandIssues(ctx context.Context, store landscape.Store, token *landscape.Token, outcome *landscape.TokenOutcome) ([]string, error) {
	expected, err := strconv.Atoi(outcome.ExpectedBranchesJSON)
	if err != nil {
		return []string{fmt.Sprintf("token %s has an unreadable expand contract: %v", token.TokenID, err)}, nil
	}

	children, lerr := store.ListChildren(ctx, token.TokenID)
	if lerr != nil {
		return nil, fmt.Errorf("list children of token %s: %w", token.TokenID, lerr)
	}
	if len(children) != expected {
		return []string{fmt.Sprintf("token %s expanded to %d children, expected %d", token.TokenID, len(children), expected)}, nil
	}
	return nil, nil
}

// SettledCount returns how many rows finished cleanly
func (p *Plan) SettledCount() int {
	n := 0
	for _, r := range p.Rows {
		if r.Settled {
			n++
		}
	}
	return n
}

// Unsettled returns the rows that need reprocessing
func (p *Plan) Unsettled() []RowState {
	var out []RowState
	for _, r := range p.Rows {
		if !r.Settled {
			out = append(out, r)
		}
	}
	return out
}

// ShouldProcess reports whether a resumed run must reprocess the row.
// Rows the interrupted run never recorded are always processed.
func (p *Plan) ShouldProcess(rowID string) bool {
	settled, known := p.settled[rowID]
	return !known || !settled
}

// WrapSource filters a source against the plan: rows that settled in
// the interrupted run are skipped on resume. Row identity is content
// derived, so the same input file addresses the same rows.
func WrapSource(src plugin.Source, plan *Plan, log *logger.Logger) plugin.Source {
	return &resumeSource{src: src, plan: plan, log: log}
}

type resumeSource struct {
	src  plugin.Source
	plan *Plan
	log  *logger.Logger
}

func (s *resumeSource) Name() string                 { return s.src.Name() }
func (s *resumeSource) OutputSchema() *schema.Schema { return s.src.OutputSchema() }
func (s *resumeSource) OnValidationFailure() string  { return s.src.OnValidationFailure() }

func (s *resumeSource) Load(ctx context.Context, pctx *plugin.Context) (plugin.SourceIterator, error) {
	iter, err := s.src.Load(ctx, pctx)
	if err != nil {
		return nil, err
	}
	return &resumeIterator{iter: iter, plan: s.plan, log: s.log}, nil
}

type resumeIterator struct {
	iter    plugin.SourceIterator
	plan    *Plan
	log     *logger.Logger
	skipped int
}

func (it *resumeIterator) Next(ctx context.Context) (plugin.SourceRow, bool, error) {
	for {
		row, ok, err := it.iter.Next(ctx)
		if err != nil || !ok {
			return row, ok, err
		}

		hash, herr := landscape.HashJSON(row.Row)
		if herr != nil {
			return plugin.SourceRow{}, false, fmt.Errorf("hash row at position %d: %w", row.Position, herr)
		}
		if it.plan.ShouldProcess(landscape.RowID(row.Position, hash)) {
			return row, true, nil
		}

		it.skipped++
		if it.log != nil {
			it.log.Debug("skipping settled row", "position", row.Position)
		}
	}
}

func (it *resumeIterator) Close() error { return it.iter.Close() }

// Skipped returns how many settled rows the iterator dropped
func (it *resumeIterator) Skipped() int { return it.skipped }
