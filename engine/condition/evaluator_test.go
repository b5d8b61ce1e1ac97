package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := NewEvaluator()
	row := map[string]any{"amount": 150.0, "region": "eu", "flags": []any{"vip"}}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "numeric comparison", expr: "row.amount > 100.0", want: true},
		{name: "string equality", expr: `row.region == "us"`, want: false},
		{name: "membership", expr: `"vip" in row.flags`, want: true},
		{name: "jsonpath shorthand", expr: "$.amount < 200.0", want: true},
		{name: "conjunction", expr: `row.amount > 100.0 && row.region == "eu"`, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, row, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateOpts(t *testing.T) {
	e := NewEvaluator()
	got, err := e.Evaluate("row.amount > opts.threshold", map[string]any{"amount": 50.0}, map[string]any{"threshold": 10.0})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateNonBoolean(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("row.amount + 1.0", map[string]any{"amount": 1.0}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}

func TestCheckRejectsBadSyntax(t *testing.T) {
	e := NewEvaluator()
	require.Error(t, e.Check("row.amount >"))
	require.NoError(t, e.Check("row.amount > 1.0"))
}

func TestProgramCache(t *testing.T) {
	e := NewEvaluator()
	row := map[string]any{"x": 1.0}

	_, err := e.Evaluate("row.x > 0.0", row, nil)
	require.NoError(t, err)
	_, err = e.Evaluate("row.x > 0.0", row, nil)
	require.NoError(t, err)
	// $.x normalizes to the same cached program
	_, err = e.Evaluate("$.x > 0.0", row, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, e.CacheSize())
}
