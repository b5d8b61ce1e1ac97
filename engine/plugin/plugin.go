// Package plugin defines the four capability contracts the engine
// consumes: source, transform, gate, and sink. Plugins are a closed
// set of interfaces constructed through a registry; the engine never
// depends on a concrete plugin type.
package plugin

import (
	"context"

	"github.com/elspeth-io/elspeth/engine/schema"
)

// Determinism classifies how repeatable a plugin's output is for a
// given input. Deterministic plugins are held to the contract that the
// same input hash yields the same output hash across attempts.
type Determinism string

const (
	Deterministic Determinism = "deterministic"
	IODependent   Determinism = "io_dependent"
	ExternalCall  Determinism = "external_call"
)

// OnErrorDiscard routes failed rows to quarantine instead of a sink.
const OnErrorDiscard = "discard"

// Row is the unit of data flowing through the pipeline.
type Row map[string]any

// Clone returns a deep copy. Fork and expand children must never share
// nested mutable state with siblings; a mutation in one branch leaking
// into another corrupts the audit trail.
func (r Row) Clone() Row {
	return Row(cloneValue(map[string]any(r)).(map[string]any))
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// SourceRow is one record emitted by a source, with its position and
// validation status. Quarantined rows carry the validation error and
// bypass schema enforcement on their way to the quarantine sink.
type SourceRow struct {
	Row         Row
	Position    int
	Quarantined bool
	Error       string
}

// SourceIterator yields rows one at a time. Next returns ok=false on
// exhaustion; a source error is surfaced alongside ok=false.
type SourceIterator interface {
	Next(ctx context.Context) (SourceRow, bool, error)
	Close() error
}

// Source loads rows into the pipeline.
type Source interface {
	Name() string
	OutputSchema() *schema.Schema
	// OnValidationFailure is "discard" or a sink name for rows that
	// fail source-side validation.
	OnValidationFailure() string
	Load(ctx context.Context, pctx *Context) (SourceIterator, error)
}

// Transform processes one row into zero, one, or many rows.
type Transform interface {
	Name() string
	InputSchema() *schema.Schema
	OutputSchema() *schema.Schema
	// OnError is "" (fail the row), "discard" (quarantine), or a sink name.
	OnError() string
	Determinism() Determinism
	Process(ctx context.Context, row Row, pctx *Context) *Result
}

// Gate routes rows; it never modifies row data.
type Gate interface {
	Name() string
	InputSchema() *schema.Schema
	// Routes maps route labels to sink names or "continue".
	Routes() map[string]string
	// ForkBranches is non-empty when the gate fans a row out to
	// parallel branches on COPY edges.
	ForkBranches() []string
	Decide(ctx context.Context, row Row, pctx *Context) (Decision, error)
}

// Sink receives terminal rows.
type Sink interface {
	Name() string
	InputSchema() *schema.Schema
	Idempotent() bool
	Determinism() Determinism
	Write(ctx context.Context, row Row, pctx *Context) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Aggregation buffers rows and emits a summary row when the
// orchestrator fires its trigger. Input and output schemas are
// distinct: an aggregation consumes one shape and emits another.
type Aggregation interface {
	Name() string
	InputSchema() *schema.Schema
	OutputSchema() *schema.Schema
	Accumulate(ctx context.Context, row Row, pctx *Context) error
	// Flush produces the batch summary and resets the buffer.
	Flush(ctx context.Context, pctx *Context) (Row, error)
}

// Decision is a gate verdict for one row.
type Decision struct {
	// Targets are chosen route labels; empty means continue on the
	// default path.
	Targets []string
	// Fork requests child tokens on every declared fork branch.
	Fork bool
	// Reason is recorded with each routing event.
	Reason map[string]any
}

// Continue is the decision that keeps the row on the default path.
func Continue() Decision { return Decision{} }

// RouteTo routes the row to the given labels
func RouteTo(reason map[string]any, labels ...string) Decision {
	return Decision{Targets: labels, Reason: reason}
}

// ForkAll fans the row out to all declared fork branches
func ForkAll(reason map[string]any) Decision {
	return Decision{Fork: true, Reason: reason}
}
