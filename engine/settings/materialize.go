package settings

import (
	"time"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/plugin"
)

// Materialize instantiates every plugin the document names and returns
// the builder input. Unknown plugin names fail here with the registry's
// available-plugins error.
func (d *Document) Materialize(reg *plugin.Registry) (graph.BuildInput, error) {
	var in graph.BuildInput

	source, err := reg.MakeSource(d.Source.Plugin, sourceOptions(d.Source))
	if err != nil {
		return in, err
	}
	in.Source = source

	in.Sinks = make(map[string]plugin.Sink, len(d.Sinks))
	for name, ref := range d.Sinks {
		sink, err := reg.MakeSink(ref.Plugin, ref.Options)
		if err != nil {
			return in, err
		}
		in.Sinks[name] = sink
	}
	in.DefaultSink = d.DefaultSink

	for _, spec := range d.Pipeline {
		step, err := materializeStep(reg, spec)
		if err != nil {
			return in, err
		}
		in.Steps = append(in.Steps, step)
	}

	return in, nil
}

func sourceOptions(s SourceSpec) map[string]any {
	opts := make(map[string]any, len(s.Options)+1)
	for k, v := range s.Options {
		opts[k] = v
	}
	if s.OnValidationFailure != "" {
		opts["on_validation_failure"] = s.OnValidationFailure
	}
	return opts
}

func materializeStep(reg *plugin.Registry, spec StepSpec) (graph.Step, error) {
	switch {
	case spec.Transform != nil:
		opts := withOnError(spec.Transform.Options, spec.Transform.OnError)
		tr, err := reg.MakeTransform(spec.Transform.Plugin, opts)
		if err != nil {
			return graph.Step{}, err
		}
		return graph.Step{Transform: tr, Retry: retryPolicy(spec.Transform.Retry)}, nil

	case spec.Gate != nil:
		gate, err := reg.MakeGate(spec.Gate.Plugin, spec.Gate.Options)
		if err != nil {
			return graph.Step{}, err
		}
		return graph.Step{Gate: gate, Retry: retryPolicy(spec.Gate.Retry)}, nil

	case spec.Aggregation != nil:
		agg, err := reg.MakeAggregation(spec.Aggregation.Plugin, spec.Aggregation.Options)
		if err != nil {
			return graph.Step{}, err
		}
		trigger, err := triggerSpec(spec.Aggregation.Trigger)
		if err != nil {
			return graph.Step{}, err
		}
		return graph.Step{Aggregation: agg, Trigger: trigger, Retry: retryPolicy(spec.Aggregation.Retry)}, nil

	case spec.Coalesce != nil:
		cs, err := coalesceSpec(spec.Coalesce)
		if err != nil {
			return graph.Step{}, err
		}
		return graph.Step{Coalesce: cs}, nil
	}

	return graph.Step{}, plugin.Configf("pipeline step declares no plugin")
}

func withOnError(options map[string]any, onError string) map[string]any {
	if onError == "" {
		return options
	}
	opts := make(map[string]any, len(options)+1)
	for k, v := range options {
		opts[k] = v
	}
	opts["on_error"] = onError
	return opts
}

func retryPolicy(spec *RetrySpec) *graph.RetryPolicy {
	if spec == nil {
		return nil
	}
	p := &graph.RetryPolicy{
		MaxAttempts: spec.MaxAttempts,
		Multiplier:  spec.Multiplier,
	}
	if spec.Backoff != "" {
		// Validated during Load
		p.Backoff, _ = time.ParseDuration(spec.Backoff)
	}
	return p
}

func triggerSpec(spec TriggerSpec) (*graph.TriggerSpec, error) {
	t := &graph.TriggerSpec{
		Type:      graph.TriggerType(spec.Type),
		Count:     spec.Count,
		SizeBytes: spec.SizeBytes,
	}
	if spec.Interval != "" {
		interval, err := time.ParseDuration(spec.Interval)
		if err != nil {
			return nil, plugin.Configf("trigger interval: %v", err)
		}
		t.Interval = interval
	}
	return t, nil
}

func coalesceSpec(spec *CoalesceSpec) (*graph.CoalesceSpec, error) {
	cs := &graph.CoalesceSpec{
		Name:     spec.Name,
		Branches: append([]string(nil), spec.Branches...),
		Policy:   graph.CoalescePolicy(spec.Policy),
		Strategy: graph.CoalesceStrategy(spec.Strategy),
		Quorum:   spec.Quorum,
	}
	if cs.Policy == "" {
		cs.Policy = graph.PolicyRequireAll
	}
	if cs.Strategy == "" {
		cs.Strategy = graph.StrategyUnion
	}
	if spec.Timeout != "" {
		timeout, err := time.ParseDuration(spec.Timeout)
		if err != nil {
			return nil, plugin.Configf("coalesce %q timeout: %v", spec.Name, err)
		}
		cs.Timeout = timeout
	}
	return cs, nil
}
