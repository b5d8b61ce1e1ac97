// Package experiments assigns rows to experiment variants and applies
// variant overrides to node options. Assignment is deterministic per
// (experiment, row), so retries and resumed runs land on the same
// variant, and is recorded in the landscape.
package experiments

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/zeebo/blake3"

	"github.com/elspeth-io/elspeth/engine/landscape"
)

// Variant is one experiment arm. Patch is a JSON Patch (RFC 6902)
// applied to node options for rows assigned to this variant.
type Variant struct {
	ID     string
	Weight int
	Patch  []byte
}

// Experiment is a weighted set of variants.
type Experiment struct {
	ID       string
	Variants []Variant
}

// Assignment is the resolved variant for one row.
type Assignment struct {
	ExperimentID string
	VariantID    string
	Patch        []byte
}

// Assigner resolves and records per-row variant assignments.
type Assigner struct {
	experiments []Experiment
	recorder    *landscape.Recorder
}

// NewAssigner creates an assigner; a nil recorder skips persistence
// (dry runs).
func NewAssigner(experiments []Experiment, recorder *landscape.Recorder) (*Assigner, error) {
	for _, exp := range experiments {
		if len(exp.Variants) == 0 {
			return nil, fmt.Errorf("experiment %q has no variants", exp.ID)
		}
		for _, v := range exp.Variants {
			if len(v.Patch) == 0 {
				continue
			}
			if _, err := jsonpatch.DecodePatch(v.Patch); err != nil {
				return nil, fmt.Errorf("experiment %q variant %q patch: %w", exp.ID, v.ID, err)
			}
		}
	}
	return &Assigner{experiments: experiments, recorder: recorder}, nil
}

// Enabled reports whether any experiments are configured
func (a *Assigner) Enabled() bool {
	return a != nil && len(a.experiments) > 0
}

// Assign resolves the row's variant for every experiment. Existing
// assignments in the landscape win, so a resumed run keeps the original
// arms. Children of a row share its assignment through the row id.
func (a *Assigner) Assign(ctx context.Context, rowID string) ([]Assignment, error) {
	if !a.Enabled() {
		return nil, nil
	}

	var out []Assignment
	for _, exp := range a.experiments {
		assignment, err := a.resolve(ctx, exp, rowID)
		if err != nil {
			return nil, err
		}
		out = append(out, assignment)
	}
	return out, nil
}

func (a *Assigner) resolve(ctx context.Context, exp Experiment, rowID string) (Assignment, error) {
	if a.recorder != nil {
		existing, err := a.recorder.Store().GetAssignment(ctx, a.recorder.RunID(), rowID, exp.ID)
		if err == nil {
			for _, v := range exp.Variants {
				if v.ID == existing.VariantID {
					return Assignment{ExperimentID: exp.ID, VariantID: v.ID, Patch: v.Patch}, nil
				}
			}
			return Assignment{}, fmt.Errorf("recorded variant %q no longer exists in experiment %q", existing.VariantID, exp.ID)
		}
		if !errors.Is(err, landscape.ErrNotFound) {
			return Assignment{}, fmt.Errorf("look up assignment: %w", err)
		}
	}

	variant := pick(exp, rowID)
	assignment := Assignment{ExperimentID: exp.ID, VariantID: variant.ID, Patch: variant.Patch}

	if a.recorder != nil {
		overrideJSON := ""
		if len(variant.Patch) > 0 {
			overrideJSON = string(variant.Patch)
		}
		if err := a.recorder.RecordAssignment(ctx, rowID, exp.ID, variant.ID, overrideJSON); err != nil {
			return Assignment{}, err
		}
	}

	return assignment, nil
}

// pick hashes (experiment, row) onto the weighted variant space.
func pick(exp Experiment, rowID string) Variant {
	total := 0
	for _, v := range exp.Variants {
		w := v.Weight
		if w < 1 {
			w = 1
		}
		total += w
	}

	sum := blake3.Sum256([]byte(exp.ID + ":" + rowID))
	slot := int(binary.BigEndian.Uint64(sum[:8]) % uint64(total))

	for _, v := range exp.Variants {
		w := v.Weight
		if w < 1 {
			w = 1
		}
		if slot < w {
			return v
		}
		slot -= w
	}
	return exp.Variants[len(exp.Variants)-1]
}

// ApplyOverrides patches node options with each assignment's override.
// The input map is never mutated.
func ApplyOverrides(options map[string]any, assignments []Assignment) (map[string]any, error) {
	patched := options
	changed := false

	for _, a := range assignments {
		if len(a.Patch) == 0 {
			continue
		}

		if !changed {
			if patched == nil {
				patched = map[string]any{}
			}
		}

		doc, err := json.Marshal(patched)
		if err != nil {
			return nil, fmt.Errorf("marshal options for override: %w", err)
		}

		patch, err := jsonpatch.DecodePatch(a.Patch)
		if err != nil {
			return nil, fmt.Errorf("decode override for %s/%s: %w", a.ExperimentID, a.VariantID, err)
		}

		out, err := patch.Apply(doc)
		if err != nil {
			return nil, fmt.Errorf("apply override for %s/%s: %w", a.ExperimentID, a.VariantID, err)
		}

		var next map[string]any
		if err := json.Unmarshal(out, &next); err != nil {
			return nil, fmt.Errorf("decode patched options: %w", err)
		}
		patched = next
		changed = true
	}

	return patched, nil
}

// FromSpecs converts parsed settings specs into experiments.
func FromSpecs(specs []SettingsSpec) ([]Experiment, error) {
	var out []Experiment
	for _, spec := range specs {
		exp := Experiment{ID: spec.ID}
		for _, v := range spec.Variants {
			variant := Variant{ID: v.ID, Weight: v.Weight}
			if len(v.Patch) > 0 {
				data, err := json.Marshal(v.Patch)
				if err != nil {
					return nil, fmt.Errorf("experiment %q variant %q patch: %w", spec.ID, v.ID, err)
				}
				variant.Patch = data
			}
			exp.Variants = append(exp.Variants, variant)
		}
		out = append(out, exp)
	}
	return out, nil
}

// SettingsSpec mirrors the settings document's experiment shape without
// importing the settings package.
type SettingsSpec struct {
	ID       string
	Variants []SettingsVariant
}

// SettingsVariant is one arm as parsed from settings.
type SettingsVariant struct {
	ID     string
	Weight int
	Patch  []any
}
