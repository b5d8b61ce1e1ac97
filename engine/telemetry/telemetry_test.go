package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/common/logger"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	exporter := NewMemoryExporter()
	emitter := NewEmitter(exporter, logger.Discard(), 16, PolicyBlock)

	ctx := context.Background()
	emitter.Emit(ctx, Event{Kind: "token_created", RunID: "r1", TokenID: "t1"})
	emitter.Emit(ctx, Event{Kind: "state_completed", RunID: "r1", TokenID: "t1"})
	emitter.Emit(ctx, Event{Kind: "outcome_recorded", RunID: "r1", TokenID: "t1"})

	require.NoError(t, emitter.Close())

	events := exporter.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "token_created", events[0].Kind)
	assert.Equal(t, "state_completed", events[1].Kind)
	assert.Equal(t, "outcome_recorded", events[2].Kind)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Zero(t, emitter.Dropped())
}

type stallExporter struct {
	release chan struct{}
	seen    chan Event
}

func (s *stallExporter) Export(_ context.Context, ev Event) error {
	s.seen <- ev
	<-s.release
	return nil
}

func (s *stallExporter) Close() error { return nil }

func TestEmitterDropPolicyCountsOverflow(t *testing.T) {
	exporter := &stallExporter{release: make(chan struct{}), seen: make(chan Event, 16)}
	emitter := NewEmitter(exporter, logger.Discard(), 1, PolicyDrop)

	ctx := context.Background()
	emitter.Emit(ctx, Event{Kind: "a"})
	// Wait until the dispatcher holds the first event so the buffer
	// state is deterministic
	<-exporter.seen

	emitter.Emit(ctx, Event{Kind: "b"}) // fills the buffer
	emitter.Emit(ctx, Event{Kind: "c"}) // dropped
	emitter.Emit(ctx, Event{Kind: "d"}) // dropped

	assert.Equal(t, int64(2), emitter.Dropped())

	close(exporter.release)
	require.NoError(t, emitter.Close())
}

func TestEmitterBlockPolicyRespectsContext(t *testing.T) {
	exporter := &stallExporter{release: make(chan struct{}), seen: make(chan Event, 16)}
	emitter := NewEmitter(exporter, logger.Discard(), 1, PolicyBlock)

	ctx := context.Background()
	emitter.Emit(ctx, Event{Kind: "a"})
	<-exporter.seen
	emitter.Emit(ctx, Event{Kind: "b"})

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		emitter.Emit(cancelled, Event{Kind: "c"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked emit did not honor context cancellation")
	}
	assert.Equal(t, int64(1), emitter.Dropped())

	close(exporter.release)
	require.NoError(t, emitter.Close())
}

func TestEmitterCloseDrainsBuffer(t *testing.T) {
	exporter := NewMemoryExporter()
	emitter := NewEmitter(exporter, logger.Discard(), 64, PolicyBlock)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		emitter.Emit(ctx, Event{Kind: "evt", RunID: "r1"})
	}
	require.NoError(t, emitter.Close())

	assert.Len(t, exporter.Events(), 50)
}
