// Package telemetry delivers engine events to an exporter through a
// bounded buffer so a slow consumer can never corrupt the audit path.
// The audit trail in the landscape stays authoritative; telemetry is
// advisory and may drop under pressure when configured to.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elspeth-io/elspeth/common/logger"
)

// Overflow policies for a full buffer.
const (
	PolicyBlock = "block"
	PolicyDrop  = "drop"
)

// Event is one engine occurrence: token created, state completed,
// outcome recorded, batch flushed.
type Event struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	TokenID   string         `json:"token_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Exporter consumes events on the emitter's dispatch goroutine.
type Exporter interface {
	Export(ctx context.Context, event Event) error
	Close() error
}

// Emitter fans events through a bounded channel to one exporter.
type Emitter struct {
	exporter Exporter
	log      *logger.Logger
	policy   string
	buf      chan Event
	dropped  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// NewEmitter starts an emitter with the given buffer size and overflow
// policy.
func NewEmitter(exporter Exporter, log *logger.Logger, bufferSize int, policy string) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if policy != PolicyDrop {
		policy = PolicyBlock
	}

	e := &Emitter{
		exporter: exporter,
		log:      log,
		policy:   policy,
		buf:      make(chan Event, bufferSize),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Emit enqueues an event. Under PolicyBlock a full buffer blocks the
// caller until space frees or ctx is cancelled; under PolicyDrop the
// event is counted and discarded.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case <-e.done:
		e.dropped.Add(1)
		return
	default:
	}

	if e.policy == PolicyDrop {
		select {
		case e.buf <- event:
		default:
			e.dropped.Add(1)
		}
		return
	}

	select {
	case e.buf <- event:
	case <-ctx.Done():
		e.dropped.Add(1)
	case <-e.done:
		e.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops intake, drains the buffer to the exporter, and closes it.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		<-e.drained
	})
	return e.exporter.Close()
}

func (e *Emitter) dispatch() {
	defer close(e.drained)
	ctx := context.Background()
	for {
		select {
		case ev := <-e.buf:
			e.export(ctx, ev)
		case <-e.done:
			for {
				select {
				case ev := <-e.buf:
					e.export(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) export(ctx context.Context, ev Event) {
	if err := e.exporter.Export(ctx, ev); err != nil {
		e.log.Warn("telemetry export failed", "kind", ev.Kind, "error", err)
	}
}

// NoopExporter discards everything.
type NoopExporter struct{}

func (NoopExporter) Export(context.Context, Event) error { return nil }
func (NoopExporter) Close() error                        { return nil }

// MemoryExporter collects events for tests.
type MemoryExporter struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryExporter creates an empty collector
func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

func (m *MemoryExporter) Export(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryExporter) Close() error { return nil }

// Events returns a snapshot of collected events
func (m *MemoryExporter) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
