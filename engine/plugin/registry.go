package plugin

import (
	"sort"
	"sync"
)

// Factory builds a plugin instance from its config options.
type (
	SourceFactory      func(options map[string]any) (Source, error)
	TransformFactory   func(options map[string]any) (Transform, error)
	GateFactory        func(options map[string]any) (Gate, error)
	SinkFactory        func(options map[string]any) (Sink, error)
	AggregationFactory func(options map[string]any) (Aggregation, error)
)

// Registry holds plugin factories keyed by name, one namespace per
// capability. Built at startup; safe for concurrent reads.
type Registry struct {
	mu           sync.RWMutex
	sources      map[string]SourceFactory
	transforms   map[string]TransformFactory
	gates        map[string]GateFactory
	sinks        map[string]SinkFactory
	aggregations map[string]AggregationFactory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sources:      make(map[string]SourceFactory),
		transforms:   make(map[string]TransformFactory),
		gates:        make(map[string]GateFactory),
		sinks:        make(map[string]SinkFactory),
		aggregations: make(map[string]AggregationFactory),
	}
}

// RegisterSource registers a source factory
func (r *Registry) RegisterSource(name string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = f
}

// RegisterTransform registers a transform factory
func (r *Registry) RegisterTransform(name string, f TransformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = f
}

// RegisterGate registers a gate factory
func (r *Registry) RegisterGate(name string, f GateFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[name] = f
}

// RegisterSink registers a sink factory
func (r *Registry) RegisterSink(name string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = f
}

// RegisterAggregation registers an aggregation factory
func (r *Registry) RegisterAggregation(name string, f AggregationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregations[name] = f
}

// MakeSource instantiates the named source
func (r *Registry) MakeSource(name string, options map[string]any) (Source, error) {
	r.mu.RLock()
	f, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Configf("unknown source plugin %q (available: %v)", name, keys(r.sources))
	}
	return f(options)
}

// MakeTransform instantiates the named transform
func (r *Registry) MakeTransform(name string, options map[string]any) (Transform, error) {
	r.mu.RLock()
	f, ok := r.transforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Configf("unknown transform plugin %q (available: %v)", name, keys(r.transforms))
	}
	return f(options)
}

// MakeGate instantiates the named gate
func (r *Registry) MakeGate(name string, options map[string]any) (Gate, error) {
	r.mu.RLock()
	f, ok := r.gates[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Configf("unknown gate plugin %q (available: %v)", name, keys(r.gates))
	}
	return f(options)
}

// MakeSink instantiates the named sink
func (r *Registry) MakeSink(name string, options map[string]any) (Sink, error) {
	r.mu.RLock()
	f, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Configf("unknown sink plugin %q (available: %v)", name, keys(r.sinks))
	}
	return f(options)
}

// MakeAggregation instantiates the named aggregation
func (r *Registry) MakeAggregation(name string, options map[string]any) (Aggregation, error) {
	r.mu.RLock()
	f, ok := r.aggregations[name]
	r.mu.RUnlock()
	if !ok {
		return nil, Configf("unknown aggregation plugin %q (available: %v)", name, keys(r.aggregations))
	}
	return f(options)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
