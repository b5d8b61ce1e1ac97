package experiments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/engine/landscape"
)

func twoArmExperiment(t *testing.T) Experiment {
	t.Helper()
	return Experiment{
		ID: "model_rollout",
		Variants: []Variant{
			{ID: "control", Weight: 1},
			{ID: "candidate", Weight: 1, Patch: []byte(`[{"op":"replace","path":"/model","value":"small"}]`)},
		},
	}
}

func TestAssignDeterministic(t *testing.T) {
	assigner, err := NewAssigner([]Experiment{twoArmExperiment(t)}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := assigner.Assign(ctx, "row-1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	for i := 0; i < 10; i++ {
		again, err := assigner.Assign(ctx, "row-1")
		require.NoError(t, err)
		assert.Equal(t, first[0].VariantID, again[0].VariantID)
	}
}

func TestAssignSpreadsAcrossVariants(t *testing.T) {
	assigner, err := NewAssigner([]Experiment{twoArmExperiment(t)}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	seen := map[string]int{}
	for i := 0; i < 64; i++ {
		got, err := assigner.Assign(ctx, landscape.RowID(i, "h"))
		require.NoError(t, err)
		seen[got[0].VariantID]++
	}
	assert.Greater(t, seen["control"], 0)
	assert.Greater(t, seen["candidate"], 0)
}

func TestAssignRecordsAndReuses(t *testing.T) {
	ctx := context.Background()
	store := landscape.NewMemoryStore()
	runID := landscape.NewRunID()
	rec := landscape.NewRecorder(store, logger.Discard(), runID)
	_, err := rec.BeginRun(ctx, "fp", "", "")
	require.NoError(t, err)

	assigner, err := NewAssigner([]Experiment{twoArmExperiment(t)}, rec)
	require.NoError(t, err)

	_, token, err := rec.RecordRow(ctx, "source_csv_001", 1, "h1", "")
	require.NoError(t, err)
	_ = token

	first, err := assigner.Assign(ctx, landscape.RowID(1, "h1"))
	require.NoError(t, err)

	stored, err := store.GetAssignment(ctx, runID, landscape.RowID(1, "h1"), "model_rollout")
	require.NoError(t, err)
	assert.Equal(t, first[0].VariantID, stored.VariantID)

	// Second call reads the stored assignment instead of re-rolling
	again, err := assigner.Assign(ctx, landscape.RowID(1, "h1"))
	require.NoError(t, err)
	assert.Equal(t, first[0].VariantID, again[0].VariantID)
}

func TestAssignRecordsEveryExperimentForARow(t *testing.T) {
	ctx := context.Background()
	store := landscape.NewMemoryStore()
	runID := landscape.NewRunID()
	rec := landscape.NewRecorder(store, logger.Discard(), runID)
	_, err := rec.BeginRun(ctx, "fp", "", "")
	require.NoError(t, err)

	assigner, err := NewAssigner([]Experiment{
		{ID: "model_rollout", Variants: []Variant{{ID: "candidate", Weight: 1}}},
		{ID: "prompt_style", Variants: []Variant{{ID: "terse", Weight: 1}}},
	}, rec)
	require.NoError(t, err)

	rowID := landscape.RowID(1, "h1")
	got, err := assigner.Assign(ctx, rowID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "model_rollout", got[0].ExperimentID)
	assert.Equal(t, "prompt_style", got[1].ExperimentID)

	// Each experiment keeps its own record for the row
	stored, err := store.GetAssignment(ctx, runID, rowID, "model_rollout")
	require.NoError(t, err)
	assert.Equal(t, "candidate", stored.VariantID)
	stored, err = store.GetAssignment(ctx, runID, rowID, "prompt_style")
	require.NoError(t, err)
	assert.Equal(t, "terse", stored.VariantID)

	// Re-assignment reuses both records instead of re-inserting
	again, err := assigner.Assign(ctx, rowID)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, got[0].VariantID, again[0].VariantID)
	assert.Equal(t, got[1].VariantID, again[1].VariantID)
}

func TestNewAssignerRejectsBadPatch(t *testing.T) {
	_, err := NewAssigner([]Experiment{{
		ID:       "bad",
		Variants: []Variant{{ID: "v", Patch: []byte(`{"not":"a patch"}`)}},
	}}, nil)
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	options := map[string]any{"model": "large", "timeout": "30s"}

	patched, err := ApplyOverrides(options, []Assignment{{
		ExperimentID: "exp",
		VariantID:    "candidate",
		Patch:        []byte(`[{"op":"replace","path":"/model","value":"small"},{"op":"add","path":"/cache","value":true}]`),
	}})
	require.NoError(t, err)

	assert.Equal(t, "small", patched["model"])
	assert.Equal(t, true, patched["cache"])
	assert.Equal(t, "30s", patched["timeout"])
	// Original untouched
	assert.Equal(t, "large", options["model"])
}

func TestApplyOverridesNoPatchReturnsInput(t *testing.T) {
	options := map[string]any{"a": 1}
	patched, err := ApplyOverrides(options, []Assignment{{ExperimentID: "e", VariantID: "control"}})
	require.NoError(t, err)
	assert.Equal(t, options, patched)
}
