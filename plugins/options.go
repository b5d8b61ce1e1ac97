// Package plugins holds the built-in plugin set: file sources and
// sinks, row transforms, the CEL condition gate, and the totals
// aggregation. Everything registers through Register; the engine only
// ever sees the capability interfaces.
package plugins

import (
	"fmt"

	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/schema"
)

func optString(options map[string]any, key, fallback string) (string, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", plugin.Configf("option %q: want string, got %T", key, v)
	}
	return s, nil
}

func requireString(options map[string]any, key string) (string, error) {
	s, err := optString(options, key, "")
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", plugin.Configf("option %q is required", key)
	}
	return s, nil
}

func optStringSlice(options map[string]any, key string) ([]string, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]string); ok {
			return typed, nil
		}
		return nil, plugin.Configf("option %q: want list of strings, got %T", key, v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, plugin.Configf("option %q: want string entries, got %T", key, item)
		}
		out = append(out, s)
	}
	return out, nil
}

func optStringMap(options map[string]any, key string) (map[string]string, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		if typed, ok := v.(map[string]string); ok {
			return typed, nil
		}
		return nil, plugin.Configf("option %q: want string map, got %T", key, v)
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, plugin.Configf("option %q: entry %q: want string, got %T", key, k, item)
		}
		out[k] = s
	}
	return out, nil
}

// optSchema parses the inline schema declaration:
//
//	schema:
//	  - {name: amount, type: float, required: true}
func optSchema(options map[string]any, key string) (*schema.Schema, error) {
	v, ok := options[key]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, plugin.Configf("option %q: want list of field declarations, got %T", key, v)
	}

	fields := make([]schema.Field, 0, len(items))
	for i, item := range items {
		decl, ok := item.(map[string]any)
		if !ok {
			return nil, plugin.Configf("option %q: field %d: want mapping, got %T", key, i, item)
		}
		name, err := requireString(decl, "name")
		if err != nil {
			return nil, plugin.Configf("option %q: field %d: %v", key, i, err)
		}
		typ, err := optString(decl, "type", string(schema.TypeAny))
		if err != nil {
			return nil, err
		}
		required := false
		if r, ok := decl["required"].(bool); ok {
			required = r
		}
		fields = append(fields, schema.Field{
			Name:     name,
			Type:     schema.FieldType(typ),
			Required: required,
			Default:  decl["default"],
		})
	}

	return schema.Strict(fmt.Sprintf("%s_schema", key), fields...), nil
}
