package plugin

import (
	"context"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/common/ratelimit"
)

// CallRecord captures one external call made during plugin execution.
// The audit rows store hashes and payload refs, never raw bodies.
type CallRecord struct {
	CallType     string
	Status       string
	RequestHash  string
	RequestRef   string
	ResponseHash string
	ResponseRef  string
	ErrorJSON    string
	LatencyMS    float64
}

// CallRecorder persists external call records under the current
// node_state. The engine injects a state-scoped implementation.
type CallRecorder interface {
	RecordCall(ctx context.Context, call CallRecord) error
}

// PayloadStore is the content-addressable blob store handed to
// plugins for large request/response bodies.
type PayloadStore interface {
	Put(data []byte) (string, error)
	Get(hash string) ([]byte, error)
}

// TelemetryEmitter receives engine events. May be nil.
type TelemetryEmitter interface {
	Emit(event string, fields map[string]any)
}

// Context is handed to every plugin invocation. It scopes the call to
// a run, row, token, and node, and exposes the shared engine services.
type Context struct {
	RunID   string
	RowID   string
	TokenID string
	NodeID  string
	StateID string

	Log        *logger.Logger
	Calls      CallRecorder
	Payloads   PayloadStore
	RateLimits *ratelimit.Registry
	Telemetry  TelemetryEmitter

	// Options carries the node's config snapshot with any per-row
	// experiment overrides already applied.
	Options map[string]any
}

// AcquireRate blocks on the named service's rate limiter, if one is
// configured.
func (c *Context) AcquireRate(ctx context.Context, service string) error {
	if c.RateLimits == nil {
		return nil
	}
	return c.RateLimits.Acquire(ctx, service)
}

// EmitEvent forwards to the telemetry emitter when present
func (c *Context) EmitEvent(event string, fields map[string]any) {
	if c.Telemetry != nil {
		c.Telemetry.Emit(event, fields)
	}
}
