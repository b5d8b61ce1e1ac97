package plugins

import "github.com/elspeth-io/elspeth/engine/plugin"

// Register installs every built-in plugin into the registry.
func Register(reg *plugin.Registry) {
	reg.RegisterSource("csv", NewCSVSource)
	reg.RegisterSource("jsonl", NewJSONLSource)

	reg.RegisterTransform("passthrough", NewPassthroughTransform)
	reg.RegisterTransform("field_mapper", NewFieldMapperTransform)
	reg.RegisterTransform("split", NewSplitTransform)

	reg.RegisterGate("condition", NewConditionGate)

	reg.RegisterSink("csv", NewCSVSink)
	reg.RegisterSink("jsonl", NewJSONLSink)
	reg.RegisterSink("memory", NewMemorySink)

	reg.RegisterAggregation("totals", NewTotalsAggregation)
}
