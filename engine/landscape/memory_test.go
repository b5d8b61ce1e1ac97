package landscape

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, store *MemoryStore) string {
	t.Helper()
	runID := NewRunID()
	err := store.CreateRun(context.Background(), &Run{
		RunID:             runID,
		StartedAt:         time.Now().UTC(),
		Status:            RunRunning,
		ConfigFingerprint: "fp",
	})
	require.NoError(t, err)
	return runID
}

func seedRowToken(t *testing.T, store *MemoryStore, runID string) (*RowRecord, *Token) {
	t.Helper()
	ctx := context.Background()
	row := &RowRecord{
		RowID:          RowID(1, "abc"),
		RunID:          runID,
		SourceNodeID:   "source_csv_001",
		SourcePosition: 1,
		ContentHash:    "abc",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateRow(ctx, row))

	token := &Token{
		TokenID:        NewTokenID(),
		RowID:          row.RowID,
		StepInPipeline: 1,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateToken(ctx, token))
	return row, token
}

func TestMemoryStoreTerminalOutcomeUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	_, token := seedRowToken(t, store, runID)

	first := &TokenOutcome{
		OutcomeID:  NewID(),
		RunID:      runID,
		TokenID:    token.TokenID,
		Outcome:    OutcomeCompleted,
		IsTerminal: true,
		SinkName:   "output",
		RecordedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordOutcome(ctx, first))

	second := &TokenOutcome{
		OutcomeID:  NewID(),
		RunID:      runID,
		TokenID:    token.TokenID,
		Outcome:    OutcomeFailed,
		IsTerminal: true,
		RecordedAt: time.Now().UTC(),
	}
	err := store.RecordOutcome(ctx, second)
	require.ErrorIs(t, err, ErrDuplicateTerminalOutcome)

	got, err := store.TerminalOutcome(ctx, token.TokenID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, got.Outcome)
}

func TestMemoryStoreBufferedOutcomeIsNotTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	_, token := seedRowToken(t, store, runID)

	buffered := &TokenOutcome{
		OutcomeID:  NewID(),
		RunID:      runID,
		TokenID:    token.TokenID,
		Outcome:    OutcomeBuffered,
		IsTerminal: false,
		RecordedAt: time.Now().UTC(),
	}
	require.NoError(t, store.RecordOutcome(ctx, buffered))
	// A later terminal outcome is still allowed
	require.NoError(t, store.RecordOutcome(ctx, &TokenOutcome{
		OutcomeID:  NewID(),
		RunID:      runID,
		TokenID:    token.TokenID,
		Outcome:    OutcomeConsumedInBatch,
		IsTerminal: true,
		RecordedAt: time.Now().UTC(),
	}))

	outcomes, err := store.ListOutcomes(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, outcomes, 2)
}

func TestMemoryStoreForkToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	row, parent := seedRowToken(t, store, runID)

	res, err := store.ForkToken(ctx, parent.TokenID, row.RowID, runID, []string{"fast", "slow"}, 3)
	require.NoError(t, err)
	require.Len(t, res.Children, 2)

	assert.Equal(t, "fast", res.Children[0].BranchName)
	assert.Equal(t, "slow", res.Children[1].BranchName)
	for _, child := range res.Children {
		assert.Equal(t, res.GroupID, child.ForkGroupID)
		assert.Equal(t, 3, child.StepInPipeline)

		parents, err := store.ListParents(ctx, child.TokenID)
		require.NoError(t, err)
		require.Len(t, parents, 1)
		assert.Equal(t, parent.TokenID, parents[0].ParentTokenID)
	}

	outcome, err := store.TerminalOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeForked, outcome.Outcome)
	assert.JSONEq(t, `["fast","slow"]`, outcome.ExpectedBranchesJSON)

	// The fork consumed the parent; a second fork must refuse
	_, err = store.ForkToken(ctx, parent.TokenID, row.RowID, runID, []string{"x"}, 3)
	require.ErrorIs(t, err, ErrDuplicateTerminalOutcome)
}

func TestMemoryStoreExpandToken(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	row, parent := seedRowToken(t, store, runID)

	res, err := store.ExpandToken(ctx, parent.TokenID, row.RowID, runID, 3, 2, true)
	require.NoError(t, err)
	require.Len(t, res.Children, 3)
	for _, child := range res.Children {
		assert.Equal(t, res.GroupID, child.ExpandGroupID)
	}

	outcome, err := store.TerminalOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpanded, outcome.Outcome)
	assert.Equal(t, "3", outcome.ExpectedBranchesJSON)
}

func TestMemoryStoreExpandWithoutParentOutcome(t *testing.T) {
	// Deaggregation after a batch: the parent already carries
	// CONSUMED_IN_BATCH, so expand must not write a second terminal.
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	row, parent := seedRowToken(t, store, runID)

	require.NoError(t, store.RecordOutcome(ctx, &TokenOutcome{
		OutcomeID:  NewID(),
		RunID:      runID,
		TokenID:    parent.TokenID,
		Outcome:    OutcomeConsumedInBatch,
		IsTerminal: true,
		RecordedAt: time.Now().UTC(),
	}))

	res, err := store.ExpandToken(ctx, parent.TokenID, row.RowID, runID, 2, 4, false)
	require.NoError(t, err)
	assert.Len(t, res.Children, 2)

	outcome, err := store.TerminalOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConsumedInBatch, outcome.Outcome)
}

func TestMemoryStoreCoalesceTokens(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	row, parent := seedRowToken(t, store, runID)

	forked, err := store.ForkToken(ctx, parent.TokenID, row.RowID, runID, []string{"a", "b"}, 2)
	require.NoError(t, err)

	// Arrival order b then a; parent ordinals must preserve it
	ids := []string{forked.Children[1].TokenID, forked.Children[0].TokenID}
	merged, err := store.CoalesceTokens(ctx, ids, row.RowID, runID, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, merged.JoinGroupID)

	parents, err := store.ListParents(ctx, merged.TokenID)
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, ids[0], parents[0].ParentTokenID)
	assert.Equal(t, ids[1], parents[1].ParentTokenID)

	for _, id := range ids {
		outcome, err := store.TerminalOutcome(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCoalesced, outcome.Outcome)
		assert.Equal(t, merged.JoinGroupID, outcome.JoinGroupID)
	}

	// Coalescing an already-settled token must refuse
	_, err = store.CoalesceTokens(ctx, []string{forked.Children[0].TokenID}, row.RowID, runID, 5)
	require.ErrorIs(t, err, ErrDuplicateTerminalOutcome)
}

func TestMemoryStoreNodeStateAttemptsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	_, token := seedRowToken(t, store, runID)

	first := &NodeState{
		StateID:   NewID(),
		TokenID:   token.TokenID,
		RunID:     runID,
		NodeID:    "transform_enrich_002",
		Attempt:   1,
		Status:    StatePending,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertNodeState(ctx, first))

	// Duplicate attempt number rejected
	dup := *first
	dup.StateID = NewID()
	require.Error(t, store.InsertNodeState(ctx, &dup))

	require.NoError(t, store.FailNodeState(ctx, first.StateID, `{"error_type":"network"}`, 12.5))

	// Completed states transition exactly once
	err := store.CompleteNodeState(ctx, first.StateID, "out", "", 1)
	require.Error(t, err)

	second := *first
	second.StateID = NewID()
	second.Attempt = 2
	require.NoError(t, store.InsertNodeState(ctx, &second))
	require.NoError(t, store.CompleteNodeState(ctx, second.StateID, "hash", `{"action":"transformed"}`, 3.2))

	maxAttempt, found, err := store.MaxAttempt(ctx, token.TokenID, "transform_enrich_002")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, maxAttempt)

	states, err := store.ListNodeStates(ctx, token.TokenID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, StateFailed, states[0].Status)
	assert.Equal(t, StateCompleted, states[1].Status)
}

func TestMemoryStoreRowIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)

	row := &RowRecord{
		RowID:          RowID(7, "hash7"),
		RunID:          runID,
		SourceNodeID:   "source_csv_001",
		SourcePosition: 7,
		ContentHash:    "hash7",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateRow(ctx, row))
	require.NoError(t, store.CreateRow(ctx, row))

	rows, err := store.ListRows(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMemoryStoreParentMustPredateChild(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	runID := seedRun(t, store)
	row, _ := seedRowToken(t, store, runID)

	older := &Token{TokenID: "00000000000000000000000001", RowID: row.RowID, StepInPipeline: 1, CreatedAt: time.Now().UTC()}
	younger := &Token{TokenID: "ZZZZZZZZZZZZZZZZZZZZZZZZZZ", RowID: row.RowID, StepInPipeline: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateToken(ctx, older))
	require.NoError(t, store.CreateToken(ctx, younger))

	store.mu.Lock()
	err := store.insertTokenLocked(&Token{TokenID: "M0000000000000000000000000", RowID: row.RowID, CreatedAt: time.Now().UTC()},
		[]string{younger.TokenID})
	store.mu.Unlock()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "younger")
}

func TestRowIDDeterministic(t *testing.T) {
	a := RowID(4, "deadbeef")
	b := RowID(4, "deadbeef")
	c := RowID(5, "deadbeef")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestHashJSONStableAcrossKeyOrder(t *testing.T) {
	h1, err := HashJSON(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := HashJSON(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
