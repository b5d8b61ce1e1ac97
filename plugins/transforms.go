package plugins

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

// passthroughTransform hands rows through unchanged. Useful as a
// pipeline placeholder and in experiment arms that disable a step.
type passthroughTransform struct {
	onError string
}

// NewPassthroughTransform builds the passthrough transform.
func NewPassthroughTransform(options map[string]any) (plugin.Transform, error) {
	onError, err := optString(options, "on_error", "")
	if err != nil {
		return nil, err
	}
	return &passthroughTransform{onError: onError}, nil
}

func (t *passthroughTransform) Name() string                    { return "passthrough" }
func (t *passthroughTransform) InputSchema() *schema.Schema     { return nil }
func (t *passthroughTransform) OutputSchema() *schema.Schema    { return nil }
func (t *passthroughTransform) OnError() string                 { return t.onError }
func (t *passthroughTransform) Determinism() plugin.Determinism { return plugin.Deterministic }

func (t *passthroughTransform) Process(_ context.Context, row plugin.Row, _ *plugin.Context) *plugin.Result {
	return plugin.Success(row, &plugin.SuccessReason{Action: "passthrough"})
}

// fieldMapperTransform renames, sets, and drops fields.
type fieldMapperTransform struct {
	rename  map[string]string
	set     map[string]any
	drop    []string
	onError string
}

// NewFieldMapperTransform builds the field_mapper transform from
// options: rename (new: old), set (field: constant), drop (fields).
func NewFieldMapperTransform(options map[string]any) (plugin.Transform, error) {
	rename, err := optStringMap(options, "rename")
	if err != nil {
		return nil, err
	}
	drop, err := optStringSlice(options, "drop")
	if err != nil {
		return nil, err
	}
	onError, err := optString(options, "on_error", "")
	if err != nil {
		return nil, err
	}

	var set map[string]any
	if v, ok := options["set"]; ok && v != nil {
		set, ok = v.(map[string]any)
		if !ok {
			return nil, plugin.Configf("option \"set\": want mapping, got %T", v)
		}
	}

	if len(rename) == 0 && len(set) == 0 && len(drop) == 0 {
		return nil, plugin.Configf("field_mapper needs at least one of rename, set, drop")
	}

	return &fieldMapperTransform{rename: rename, set: set, drop: drop, onError: onError}, nil
}

func (t *fieldMapperTransform) Name() string                    { return "field_mapper" }
func (t *fieldMapperTransform) InputSchema() *schema.Schema     { return nil }
func (t *fieldMapperTransform) OutputSchema() *schema.Schema    { return nil }
func (t *fieldMapperTransform) OnError() string                 { return t.onError }
func (t *fieldMapperTransform) Determinism() plugin.Determinism { return plugin.Deterministic }

func (t *fieldMapperTransform) Process(_ context.Context, row plugin.Row, _ *plugin.Context) *plugin.Result {
	out := row.Clone()
	reason := &plugin.SuccessReason{Action: "mapped_fields"}

	for target, source := range t.rename {
		v, ok := out[source]
		if !ok {
			return plugin.Fail(&plugin.ErrorReason{
				ErrorType:   "missing_field",
				Message:     fmt.Sprintf("rename source field %q is absent", source),
				FieldErrors: map[string]any{source: "missing"},
			}, false)
		}
		delete(out, source)
		out[target] = v
		reason.FieldsAdded = append(reason.FieldsAdded, target)
		reason.FieldsRemoved = append(reason.FieldsRemoved, source)
	}

	for field, value := range t.set {
		if _, exists := out[field]; exists {
			reason.FieldsModified = append(reason.FieldsModified, field)
		} else {
			reason.FieldsAdded = append(reason.FieldsAdded, field)
		}
		out[field] = value
	}

	for _, field := range t.drop {
		if _, exists := out[field]; exists {
			delete(out, field)
			reason.FieldsRemoved = append(reason.FieldsRemoved, field)
		}
	}

	return plugin.Success(out, reason)
}

// splitTransform explodes an array field into one child row per
// element, driving token expansion.
type splitTransform struct {
	field   string
	into    string
	keep    bool
	onError string
}

// NewSplitTransform builds the split transform from options:
// field (required, the array to explode), into (element field name in
// children, default "item"), keep_parent_fields (default true).
func NewSplitTransform(options map[string]any) (plugin.Transform, error) {
	field, err := requireString(options, "field")
	if err != nil {
		return nil, err
	}
	into, err := optString(options, "into", "item")
	if err != nil {
		return nil, err
	}
	keep := true
	if v, ok := options["keep_parent_fields"].(bool); ok {
		keep = v
	}
	onError, err := optString(options, "on_error", "")
	if err != nil {
		return nil, err
	}
	return &splitTransform{field: field, into: into, keep: keep, onError: onError}, nil
}

func (t *splitTransform) Name() string                    { return "split" }
func (t *splitTransform) InputSchema() *schema.Schema     { return nil }
func (t *splitTransform) OutputSchema() *schema.Schema    { return nil }
func (t *splitTransform) OnError() string                 { return t.onError }
func (t *splitTransform) Determinism() plugin.Determinism { return plugin.Deterministic }

func (t *splitTransform) Process(_ context.Context, row plugin.Row, _ *plugin.Context) *plugin.Result {
	v, ok := row[t.field]
	if !ok {
		return plugin.Fail(&plugin.ErrorReason{
			ErrorType:   "missing_field",
			Message:     fmt.Sprintf("split field %q is absent", t.field),
			FieldErrors: map[string]any{t.field: "missing"},
		}, false)
	}
	items, ok := v.([]any)
	if !ok {
		return plugin.Fail(&plugin.ErrorReason{
			ErrorType:   "invalid_input",
			Message:     fmt.Sprintf("split field %q is %T, want array", t.field, v),
			FieldErrors: map[string]any{t.field: fmt.Sprintf("want array, got %T", v)},
		}, false)
	}

	rows := make([]plugin.Row, 0, len(items))
	for _, item := range items {
		var child plugin.Row
		if t.keep {
			child = row.Clone()
			delete(child, t.field)
		} else {
			child = plugin.Row{}
		}
		child[t.into] = item
		rows = append(rows, child)
	}

	return plugin.SuccessMulti(rows, &plugin.SuccessReason{
		Action:   "split",
		Metadata: map[string]any{"field": t.field, "children": len(rows)},
	})
}
