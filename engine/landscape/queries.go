package landscape

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// TokenTrace is the full audit view of one token: its hops, routing
// decisions, parents, children, and disposition.
type TokenTrace struct {
	Token    *Token
	States   []*NodeState
	Routing  map[string][]*RoutingEvent
	Parents  []*TokenParent
	Children []*Token
	Outcome  *TokenOutcome
}

// RowTrace is the audit view of one row: every token it ever spawned,
// each with its trace.
type RowTrace struct {
	Row    *RowRecord
	Tokens []*TokenTrace
}

// RunSummary aggregates a run's dispositions.
type RunSummary struct {
	Run       *Run
	RowCount  int
	Tokens    int
	ByOutcome map[Outcome]int
	Unsettled int
}

// Explainer answers lineage questions from the store. Read-only.
type Explainer struct {
	store Store
}

// NewExplainer creates an explainer over a store
func NewExplainer(store Store) *Explainer {
	return &Explainer{store: store}
}

// TraceToken assembles the full trace of one token.
func (e *Explainer) TraceToken(ctx context.Context, tokenID string) (*TokenTrace, error) {
	token, err := e.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}

	states, err := e.store.ListNodeStates(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	routing := make(map[string][]*RoutingEvent)
	for _, st := range states {
		events, err := e.store.ListRoutingEvents(ctx, st.StateID)
		if err != nil {
			return nil, fmt.Errorf("trace token %s: %w", tokenID, err)
		}
		if len(events) > 0 {
			routing[st.StateID] = events
		}
	}

	parents, err := e.store.ListParents(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	children, err := e.store.ListChildren(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	outcome, err := e.store.TerminalOutcome(ctx, tokenID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("trace token %s: %w", tokenID, err)
	}

	return &TokenTrace{
		Token:    token,
		States:   states,
		Routing:  routing,
		Parents:  parents,
		Children: children,
		Outcome:  outcome,
	}, nil
}

// TraceRow assembles the traces of every token minted for a row,
// ordered by token id (creation order, since ids are ULIDs).
func (e *Explainer) TraceRow(ctx context.Context, runID, rowID string) (*RowTrace, error) {
	rows, err := e.store.ListRows(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("trace row %s: %w", rowID, err)
	}

	var row *RowRecord
	for _, r := range rows {
		if r.RowID == rowID {
			row = r
			break
		}
	}
	if row == nil {
		return nil, fmt.Errorf("row %s in run %s: %w", rowID, runID, ErrNotFound)
	}

	tokens, err := e.store.ListRowTokens(ctx, rowID)
	if err != nil {
		return nil, fmt.Errorf("trace row %s: %w", rowID, err)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].TokenID < tokens[j].TokenID })

	trace := &RowTrace{Row: row}
	for _, t := range tokens {
		tt, err := e.TraceToken(ctx, t.TokenID)
		if err != nil {
			return nil, err
		}
		trace.Tokens = append(trace.Tokens, tt)
	}

	return trace, nil
}

// Summarize counts a run's tokens by terminal outcome. Unsettled counts
// tokens with no terminal outcome, which after a clean run should be
// zero.
func (e *Explainer) Summarize(ctx context.Context, runID string) (*RunSummary, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	rows, err := e.store.ListRows(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run %s: %w", runID, err)
	}

	tokens, err := e.store.ListRunTokens(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run %s: %w", runID, err)
	}

	outcomes, err := e.store.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize run %s: %w", runID, err)
	}

	terminal := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		if o.IsTerminal {
			terminal[o.TokenID] = o.Outcome
		}
	}

	summary := &RunSummary{
		Run:       run,
		RowCount:  len(rows),
		Tokens:    len(tokens),
		ByOutcome: make(map[Outcome]int),
	}
	for _, t := range tokens {
		outcome, ok := terminal[t.TokenID]
		if !ok {
			summary.Unsettled++
			continue
		}
		summary.ByOutcome[outcome]++
	}

	return summary, nil
}
