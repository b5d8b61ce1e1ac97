package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

func seedRun(t *testing.T) (*landscape.MemoryStore, *landscape.Recorder) {
	t.Helper()
	store := landscape.NewMemoryStore()
	rec := landscape.NewRecorder(store, logger.Discard(), landscape.NewRunID())
	_, err := rec.BeginRun(context.Background(), "fp", "", "")
	require.NoError(t, err)
	return store, rec
}

func TestScanClassifiesRows(t *testing.T) {
	ctx := context.Background()
	store, rec := seedRun(t)

	// Row 1: settled cleanly
	_, done, err := rec.RecordRow(ctx, "source_csv_001", 1, "h1", "")
	require.NoError(t, err)
	require.NoError(t, rec.RecordOutcome(ctx, done.TokenID, landscape.OutcomeCompleted, landscape.OutcomeOpts{SinkName: "output"}))

	// Row 2: token never settled
	_, stuck, err := rec.RecordRow(ctx, "source_csv_001", 2, "h2", "")
	require.NoError(t, err)
	_ = stuck

	// Row 3: forked, both children settled
	_, forked, err := rec.RecordRow(ctx, "source_csv_001", 3, "h3", "")
	require.NoError(t, err)
	forkRes, err := rec.Fork(ctx, forked, []string{"fast", "slow"}, 2)
	require.NoError(t, err)
	for _, child := range forkRes.Children {
		require.NoError(t, rec.RecordOutcome(ctx, child.TokenID, landscape.OutcomeCompleted, landscape.OutcomeOpts{SinkName: "output"}))
	}

	plan, err := Scan(ctx, store, rec.RunID())
	require.NoError(t, err)

	require.Len(t, plan.Rows, 3)
	assert.Equal(t, 2, plan.SettledCount())

	unsettled := plan.Unsettled()
	require.Len(t, unsettled, 1)
	assert.Equal(t, landscape.RowID(2, "h2"), unsettled[0].Row.RowID)
	assert.Contains(t, unsettled[0].Reasons[0], "no terminal outcome")

	assert.False(t, plan.ShouldProcess(landscape.RowID(1, "h1")))
	assert.True(t, plan.ShouldProcess(landscape.RowID(2, "h2")))
	assert.True(t, plan.ShouldProcess("row-the-run-never-saw"))
}

func TestScanFlagsBrokenForkContract(t *testing.T) {
	ctx := context.Background()
	store, rec := seedRun(t)

	_, token, err := rec.RecordRow(ctx, "source_csv_001", 1, "h1", "")
	require.NoError(t, err)

	// Forge a fork contract wider than the children that exist
	require.NoError(t, store.RecordOutcome(ctx, &landscape.TokenOutcome{
		OutcomeID:            landscape.NewID(),
		RunID:                rec.RunID(),
		TokenID:              token.TokenID,
		Outcome:              landscape.OutcomeForked,
		IsTerminal:           true,
		ExpectedBranchesJSON: `["fast","slow"]`,
	}))

	plan, err := Scan(ctx, store, rec.RunID())
	require.NoError(t, err)

	unsettled := plan.Unsettled()
	require.Len(t, unsettled, 1)
	assert.Contains(t, unsettled[0].Reasons[0], `branch "fast" has no child`)
}

type stubSource struct {
	rows []plugin.SourceRow
}

func (s *stubSource) Name() string                 { return "stub" }
func (s *stubSource) OutputSchema() *schema.Schema { return nil }
func (s *stubSource) OnValidationFailure() string  { return "" }
func (s *stubSource) Load(context.Context, *plugin.Context) (plugin.SourceIterator, error) {
	return &stubIterator{rows: s.rows}, nil
}

type stubIterator struct {
	rows []plugin.SourceRow
	pos  int
}

func (it *stubIterator) Next(context.Context) (plugin.SourceRow, bool, error) {
	if it.pos >= len(it.rows) {
		return plugin.SourceRow{}, false, nil
	}
	row := it.rows[it.pos]
	it.pos++
	return row, true, nil
}

func (it *stubIterator) Close() error { return nil }

func TestWrapSourceSkipsSettledRows(t *testing.T) {
	ctx := context.Background()
	store, rec := seedRun(t)

	rows := []plugin.Row{
		{"id": "a"},
		{"id": "b"},
		{"id": "c"},
	}

	// The interrupted run settled rows 1 and 3 and left row 2 hanging
	for i, row := range rows {
		hash, err := landscape.HashJSON(row)
		require.NoError(t, err)
		_, token, err := rec.RecordRow(ctx, "source_stub_001", i+1, hash, "")
		require.NoError(t, err)
		if i != 1 {
			require.NoError(t, rec.RecordOutcome(ctx, token.TokenID, landscape.OutcomeCompleted, landscape.OutcomeOpts{}))
		}
	}

	plan, err := Scan(ctx, store, rec.RunID())
	require.NoError(t, err)

	src := WrapSource(&stubSource{rows: []plugin.SourceRow{
		{Row: rows[0], Position: 1},
		{Row: rows[1], Position: 2},
		{Row: rows[2], Position: 3},
	}}, plan, logger.Discard())

	iter, err := src.Load(ctx, nil)
	require.NoError(t, err)
	defer iter.Close()

	var passed []plugin.SourceRow
	for {
		row, ok, err := iter.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		passed = append(passed, row)
	}

	require.Len(t, passed, 1)
	assert.Equal(t, "b", passed[0].Row["id"])
	assert.Equal(t, 2, passed[0].Position)
	assert.Equal(t, 2, iter.(*resumeIterator).Skipped())
}
