package processor

import (
	"context"
	"sync"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/engine/experiments"
	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/telemetry"
)

// stateCalls persists plugin call records under one node_state,
// numbering them in call order.
type stateCalls struct {
	rec     *landscape.Recorder
	stateID string

	mu   sync.Mutex
	next int
}

var _ plugin.CallRecorder = (*stateCalls)(nil)

func (c *stateCalls) RecordCall(ctx context.Context, call plugin.CallRecord) error {
	c.mu.Lock()
	index := c.next
	c.next++
	c.mu.Unlock()

	return c.rec.RecordCall(ctx, &landscape.Call{
		StateID:      c.stateID,
		CallIndex:    index,
		CallType:     call.CallType,
		Status:       call.Status,
		RequestHash:  call.RequestHash,
		RequestRef:   call.RequestRef,
		ResponseHash: call.ResponseHash,
		ResponseRef:  call.ResponseRef,
		ErrorJSON:    call.ErrorJSON,
		LatencyMS:    call.LatencyMS,
	})
}

// scopedTelemetry forwards plugin events to the emitter with run, token,
// and node identity attached.
type scopedTelemetry struct {
	emitter *telemetry.Emitter
	runID   string
	tokenID string
	nodeID  string
}

var _ plugin.TelemetryEmitter = (*scopedTelemetry)(nil)

func (s *scopedTelemetry) Emit(event string, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(context.Background(), telemetry.Event{
		Kind:    event,
		RunID:   s.runID,
		TokenID: s.tokenID,
		NodeID:  s.nodeID,
		Fields:  fields,
	})
}

// pluginContext assembles the per-invocation context handed to plugins:
// identity, a state-scoped call recorder, the payload store, rate
// limiters, telemetry, and options with experiment overrides applied.
func (p *Processor) pluginContext(ctx context.Context, token *landscape.Token, node *graph.Node, stateID string) (*plugin.Context, error) {
	options := node.Config
	if p.assigner.Enabled() {
		assignments, err := p.assigner.Assign(ctx, token.RowID)
		if err != nil {
			return nil, err
		}
		options, err = experiments.ApplyOverrides(options, assignments)
		if err != nil {
			return nil, err
		}
	}

	log := p.log.WithTokenID(token.TokenID).WithNodeID(node.ID)
	pctx := &plugin.Context{
		RunID:      p.rec.RunID(),
		RowID:      token.RowID,
		TokenID:    token.TokenID,
		NodeID:     node.ID,
		StateID:    stateID,
		Log:        log,
		Payloads:   p.payloads,
		RateLimits: p.rates,
		Options:    options,
		Telemetry: &scopedTelemetry{
			emitter: p.telemetry,
			runID:   p.rec.RunID(),
			tokenID: token.TokenID,
			nodeID:  node.ID,
		},
	}
	if stateID != "" {
		pctx.Calls = &stateCalls{rec: p.rec, stateID: stateID}
	}
	return pctx, nil
}

// discardLog is used when no logger is configured
func discardLog() *logger.Logger {
	return logger.Discard()
}
