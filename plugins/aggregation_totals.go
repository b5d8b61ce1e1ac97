package plugins

import (
	"context"
	"fmt"
	"sync"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// totalsAggregation counts rows and sums the configured numeric
// fields, emitting one summary row per batch.
type totalsAggregation struct {
	sumFields []string
	groupBy   string

	mu     sync.Mutex
	count  int
	sums   map[string]float64
	groups map[string]int
}

// NewTotalsAggregation builds the totals aggregation from options:
// sum_fields (numeric fields to total), group_by (optional field whose
// value counts are reported).
func NewTotalsAggregation(options map[string]any) (plugin.Aggregation, error) {
	sumFields, err := optStringSlice(options, "sum_fields")
	if err != nil {
		return nil, err
	}
	groupBy, err := optString(options, "group_by", "")
	if err != nil {
		return nil, err
	}
	return &totalsAggregation{
		sumFields: sumFields,
		groupBy:   groupBy,
		sums:      make(map[string]float64),
		groups:    make(map[string]int),
	}, nil
}

func (a *totalsAggregation) Name() string                 { return "totals" }
func (a *totalsAggregation) InputSchema() *schema.Schema  { return nil }
func (a *totalsAggregation) OutputSchema() *schema.Schema { return nil }

func (a *totalsAggregation) Accumulate(_ context.Context, row plugin.Row, _ *plugin.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, field := range a.sumFields {
		v, ok := row[field]
		if !ok {
			continue
		}
		n, ok := numeric(v)
		if !ok {
			return plugin.NewError(plugin.KindInvalidInput,
				fmt.Sprintf("field %q is %T, want a number", field, v), nil)
		}
		a.sums[field] += n
	}

	if a.groupBy != "" {
		a.groups[fmt.Sprintf("%v", row[a.groupBy])]++
	}

	a.count++
	return nil
}

func (a *totalsAggregation) Flush(context.Context, *plugin.Context) (plugin.Row, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	row := plugin.Row{"count": a.count}
	for field, sum := range a.sums {
		row[field+"_total"] = sum
	}
	if a.groupBy != "" {
		groups := make(map[string]any, len(a.groups))
		for k, n := range a.groups {
			groups[k] = n
		}
		row["groups"] = groups
	}

	a.count = 0
	a.sums = make(map[string]float64)
	a.groups = make(map[string]int)
	return row, nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
