// Package settings parses and validates the pipeline settings document.
// A document is checked in three passes: JSON Schema shape validation,
// structural rules the schema cannot express (reserved labels, durations,
// cross-references), and finally graph construction in the builder.
package settings

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
)

//go:embed schema.json
var schemaJSON []byte

// PluginRef names a plugin and its options.
type PluginRef struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// SourceSpec configures the pipeline source.
type SourceSpec struct {
	Plugin              string         `yaml:"plugin"`
	Options             map[string]any `yaml:"options"`
	OnValidationFailure string         `yaml:"on_validation_failure"`
}

// RetrySpec configures per-node retry behaviour.
type RetrySpec struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Backoff     string  `yaml:"backoff"`
	Multiplier  float64 `yaml:"multiplier"`
}

// TransformSpec configures one transform step.
type TransformSpec struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
	OnError string         `yaml:"on_error"`
	Retry   *RetrySpec     `yaml:"retry"`
}

// GateSpec configures one gate step.
type GateSpec struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
	Retry   *RetrySpec     `yaml:"retry"`
}

// TriggerSpec configures an aggregation flush trigger.
type TriggerSpec struct {
	Type      string `yaml:"type"`
	Count     int    `yaml:"count"`
	SizeBytes int    `yaml:"size_bytes"`
	Interval  string `yaml:"interval"`
}

// AggregationSpec configures one aggregation step.
type AggregationSpec struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
	Trigger TriggerSpec    `yaml:"trigger"`
	Retry   *RetrySpec     `yaml:"retry"`
}

// CoalesceSpec configures one coalesce barrier.
type CoalesceSpec struct {
	Name     string   `yaml:"name"`
	Branches []string `yaml:"branches"`
	Policy   string   `yaml:"policy"`
	Strategy string   `yaml:"strategy"`
	Quorum   int      `yaml:"quorum"`
	Timeout  string   `yaml:"timeout"`
}

// StepSpec is one pipeline position; exactly one field is set.
type StepSpec struct {
	Transform   *TransformSpec   `yaml:"transform"`
	Gate        *GateSpec        `yaml:"gate"`
	Aggregation *AggregationSpec `yaml:"aggregation"`
	Coalesce    *CoalesceSpec    `yaml:"coalesce"`
}

// LandscapeSpec overrides store configuration from the document.
type LandscapeSpec struct {
	DatabaseURL string `yaml:"database_url"`
	PayloadRoot string `yaml:"payload_root"`
}

// RedisSpec configures the telemetry stream exporter.
type RedisSpec struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

// TelemetrySpec configures the event emitter.
type TelemetrySpec struct {
	Mode   string     `yaml:"mode"`
	Buffer int        `yaml:"buffer"`
	Redis  *RedisSpec `yaml:"redis"`
}

// RateSpec configures one named service limiter.
type RateSpec struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// VariantSpec is one experiment arm.
type VariantSpec struct {
	ID     string `yaml:"id"`
	Weight int    `yaml:"weight"`
	Patch  []any  `yaml:"patch"`
}

// ExperimentSpec assigns rows to variants that patch node options.
type ExperimentSpec struct {
	ID       string        `yaml:"id"`
	Variants []VariantSpec `yaml:"variants"`
}

// Document is the parsed settings file.
type Document struct {
	DefaultSink string               `yaml:"default_sink"`
	Source      SourceSpec           `yaml:"source"`
	Pipeline    []StepSpec           `yaml:"pipeline"`
	Sinks       map[string]PluginRef `yaml:"sinks"`
	Landscape   LandscapeSpec        `yaml:"landscape"`
	Telemetry   TelemetrySpec        `yaml:"telemetry"`
	RateLimits  map[string]RateSpec  `yaml:"rate_limits"`
	Experiments []ExperimentSpec     `yaml:"experiments"`

	raw []byte
}

// LoadFile reads, validates, and parses a settings file.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	return Load(data)
}

// Load validates and parses settings bytes.
func Load(data []byte) (*Document, error) {
	if err := validateShape(data); err != nil {
		return nil, err
	}

	doc := &Document{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return nil, plugin.Configf("parse settings: %v", err)
	}
	doc.raw = data

	if err := doc.validateRules(); err != nil {
		return nil, err
	}

	return doc, nil
}

// validateShape checks the document against the embedded JSON Schema.
func validateShape(data []byte) error {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return plugin.Configf("parse settings: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load settings schema: %w", err)
	}
	schema, err := compiler.Compile("settings.json")
	if err != nil {
		return fmt.Errorf("compile settings schema: %w", err)
	}

	if err := schema.Validate(generic); err != nil {
		return plugin.Configf("settings document invalid: %v", err)
	}
	return nil
}

// validateRules enforces what the schema cannot: reserved labels,
// duration syntax, step exclusivity, and sink references.
func (d *Document) validateRules() error {
	if _, ok := d.Sinks[d.DefaultSink]; !ok {
		return plugin.Configf("default_sink %q is not a declared sink", d.DefaultSink)
	}
	for name := range d.Sinks {
		if strings.HasPrefix(name, graph.ReservedLabelPrefix) {
			return plugin.Configf("sink name %q uses the reserved %q prefix", name, graph.ReservedLabelPrefix)
		}
	}

	if dest := d.Source.OnValidationFailure; dest != "" && dest != plugin.OnErrorDiscard {
		if _, ok := d.Sinks[dest]; !ok {
			return plugin.Configf("source on_validation_failure %q is not a declared sink", dest)
		}
	}

	for i, step := range d.Pipeline {
		if err := step.validate(i, d.Sinks); err != nil {
			return err
		}
	}

	return nil
}

func (s *StepSpec) validate(index int, sinks map[string]PluginRef) error {
	set := 0
	for _, present := range []bool{s.Transform != nil, s.Gate != nil, s.Aggregation != nil, s.Coalesce != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return plugin.Configf("pipeline step %d must declare exactly one of transform, gate, aggregation, coalesce", index+1)
	}

	switch {
	case s.Transform != nil:
		if dest := s.Transform.OnError; dest != "" && dest != plugin.OnErrorDiscard {
			if _, ok := sinks[dest]; !ok {
				return plugin.Configf("transform %q on_error %q is not a declared sink", s.Transform.Plugin, dest)
			}
		}
		if err := s.Transform.Retry.validate(s.Transform.Plugin); err != nil {
			return err
		}

	case s.Gate != nil:
		if err := s.Gate.Retry.validate(s.Gate.Plugin); err != nil {
			return err
		}

	case s.Aggregation != nil:
		if err := s.Aggregation.Trigger.validate(s.Aggregation.Plugin); err != nil {
			return err
		}
		if err := s.Aggregation.Retry.validate(s.Aggregation.Plugin); err != nil {
			return err
		}

	case s.Coalesce != nil:
		c := s.Coalesce
		for _, branch := range c.Branches {
			if strings.HasPrefix(branch, graph.ReservedLabelPrefix) {
				return plugin.Configf("coalesce %q branch %q uses the reserved %q prefix", c.Name, branch, graph.ReservedLabelPrefix)
			}
		}
		if c.Policy == string(graph.PolicyQuorum) && (c.Quorum < 1 || c.Quorum > len(c.Branches)) {
			return plugin.Configf("coalesce %q quorum %d out of range for %d branches", c.Name, c.Quorum, len(c.Branches))
		}
		if c.Timeout != "" {
			if _, err := time.ParseDuration(c.Timeout); err != nil {
				return plugin.Configf("coalesce %q timeout: %v", c.Name, err)
			}
		}
	}

	return nil
}

func (r *RetrySpec) validate(owner string) error {
	if r == nil {
		return nil
	}
	if r.Backoff != "" {
		if _, err := time.ParseDuration(r.Backoff); err != nil {
			return plugin.Configf("%s retry backoff: %v", owner, err)
		}
	}
	return nil
}

func (tr *TriggerSpec) validate(owner string) error {
	switch graph.TriggerType(tr.Type) {
	case graph.TriggerCount:
		if tr.Count < 1 {
			return plugin.Configf("aggregation %q count trigger requires count >= 1", owner)
		}
	case graph.TriggerSize:
		if tr.SizeBytes < 1 {
			return plugin.Configf("aggregation %q size trigger requires size_bytes >= 1", owner)
		}
	case graph.TriggerTime:
		if tr.Interval == "" {
			return plugin.Configf("aggregation %q time trigger requires interval", owner)
		}
		if _, err := time.ParseDuration(tr.Interval); err != nil {
			return plugin.Configf("aggregation %q interval: %v", owner, err)
		}
	default:
		return plugin.Configf("aggregation %q has unknown trigger type %q", owner, tr.Type)
	}
	return nil
}

// Fingerprint hashes the canonical document so the landscape can prove
// which configuration a run executed.
func (d *Document) Fingerprint() (string, error) {
	var generic any
	if err := yaml.Unmarshal(d.raw, &generic); err != nil {
		return "", fmt.Errorf("fingerprint settings: %w", err)
	}
	return landscape.HashJSON(generic)
}

// Raw returns the original settings bytes
func (d *Document) Raw() []byte {
	return d.raw
}
