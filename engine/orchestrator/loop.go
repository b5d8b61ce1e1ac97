package orchestrator

import (
	"context"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/processor"
)

// runLoop is the single-goroutine control state of a run. Owning the
// barriers, aggregation buffers, and in-flight accounting from one
// goroutine keeps the coordination lock-free.
type runLoop struct {
	o *Orchestrator

	pending  []processor.Task
	inflight int
	srcDone  bool

	barriers map[string]*barrier
	closed   map[string]bool
	aggs     map[string]*aggBuffer

	timeoutCh chan string
	tickCh    chan string

	res      Result
	runErr   error
	aborting bool
}

func newRunLoop(o *Orchestrator) *runLoop {
	return &runLoop{
		o:         o,
		barriers:  make(map[string]*barrier),
		closed:    make(map[string]bool),
		aggs:      newAggBuffers(o.graph),
		timeoutCh: make(chan string, 64),
		tickCh:    make(chan string, 16),
	}
}

func (l *runLoop) run(ctx context.Context, results <-chan taskResult, events <-chan sourceEvent) {
	for {
		l.fillQueue(ctx)

		if l.aborting {
			return
		}

		if l.quiet() {
			made, err := l.drainStage(ctx)
			if err != nil {
				l.fail(err)
				return
			}
			if !made {
				return
			}
			continue
		}

		// Backpressure: stop reading the source while the backlog is
		// at the high-water mark.
		var eventCh <-chan sourceEvent
		if !l.srcDone && len(l.pending) < l.o.highWater {
			eventCh = events
		}

		select {
		case r := <-results:
			l.inflight--
			if err := l.handleResult(ctx, r); err != nil {
				l.fail(err)
				return
			}

		case ev, ok := <-eventCh:
			if !ok {
				l.srcDone = true
				continue
			}
			if ev.err != nil {
				l.fail(ev.err)
				return
			}
			if err := l.handleSourceRow(ctx, ev.row); err != nil {
				l.fail(err)
				return
			}

		case nodeID := <-l.tickCh:
			if buf := l.aggs[nodeID]; buf != nil && len(buf.tasks) > 0 {
				if err := l.flushAgg(ctx, buf, "interval elapsed"); err != nil {
					l.fail(err)
					return
				}
			}

		case key := <-l.timeoutCh:
			if b, ok := l.barriers[key]; ok {
				if err := l.closeBarrier(ctx, b, b.satisfiedAtDeadline(), "timeout"); err != nil {
					l.fail(err)
					return
				}
			}

		case <-ctx.Done():
			l.fail(ctx.Err())
			return
		}
	}
}

// quiet reports that no task is queued, pending, or processing and the
// source is exhausted. Only barriers and buffered batches can still
// hold work.
func (l *runLoop) quiet() bool {
	return l.srcDone && l.inflight == 0 && len(l.pending) == 0
}

// drainStage releases end-of-input work: first barriers, then
// aggregation buffers once no barrier can feed them anymore.
func (l *runLoop) drainStage(ctx context.Context) (bool, error) {
	if len(l.barriers) > 0 {
		for _, b := range l.barriers {
			if err := l.closeBarrier(ctx, b, b.satisfiedAtDeadline(), "end of input"); err != nil {
				return false, err
			}
			// One barrier per pass; its output may feed the others
			return true, nil
		}
	}

	for _, buf := range l.aggs {
		if len(buf.tasks) == 0 {
			continue
		}
		if err := l.flushAgg(ctx, buf, "end of input"); err != nil {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

func (l *runLoop) fillQueue(ctx context.Context) {
	for len(l.pending) > 0 && l.o.queue.Len() < l.o.highWater {
		task := l.pending[0]
		l.pending = l.pending[1:]
		if err := l.o.queue.Submit(ctx, task); err != nil {
			l.fail(err)
			return
		}
	}
}

func (l *runLoop) enqueue(task processor.Task) {
	l.pending = append(l.pending, task)
	l.inflight++
}

func (l *runLoop) fail(err error) {
	if l.runErr == nil {
		l.runErr = err
	}
	l.aborting = true
	l.o.log.Error("run aborting", "error", err)
}

func (l *runLoop) handleResult(ctx context.Context, r taskResult) error {
	if r.err != nil {
		return r.err
	}
	for _, next := range r.out.Next {
		l.enqueue(next)
	}
	if r.out.AggArrival != nil {
		if err := l.handleAggArrival(ctx, *r.out.AggArrival); err != nil {
			return err
		}
	}
	if r.out.CoalesceArrival != nil {
		if err := l.handleCoalesceArrival(ctx, *r.out.CoalesceArrival); err != nil {
			return err
		}
	}
	return nil
}

// handleSourceRow records the row and its initial token, then routes it
// onto the pipeline or through source-side quarantine.
func (l *runLoop) handleSourceRow(ctx context.Context, sr plugin.SourceRow) error {
	sourceID := l.o.graph.SourceID()
	sourceNode, _ := l.o.graph.Node(sourceID)

	contentHash, err := landscape.HashJSON(sr.Row)
	if err != nil {
		return err
	}

	dataRef := ""
	if l.o.payloads != nil {
		if data := marshalRow(sr.Row); data != "" {
			ref, err := l.o.payloads.Put([]byte(data))
			if err != nil {
				l.o.log.Warn("payload store write failed", "position", sr.Position, "error", err)
			} else {
				dataRef = ref
			}
		}
	}

	_, token, err := l.o.rec.RecordRow(ctx, sourceID, sr.Position, contentHash, dataRef)
	if err != nil {
		return err
	}

	if sr.Quarantined {
		return l.quarantineSourceRow(ctx, sourceNode, token, sr, contentHash)
	}

	edge, ok := l.o.graph.ContinueEdge(sourceID)
	if !ok {
		return plugin.Configf("source node has no continue edge")
	}
	l.enqueue(processor.Task{Token: token, NodeID: edge.To, Row: sr.Row})
	l.res.Rows++
	return nil
}

// quarantineSourceRow settles a row the source rejected: the validation
// error is always recorded, then the token either diverts to the
// configured sink or quarantines in place.
func (l *runLoop) quarantineSourceRow(ctx context.Context, sourceNode *graph.Node, token *landscape.Token, sr plugin.SourceRow, contentHash string) error {
	dest := sourceNode.OnError
	recordedDest := dest
	if recordedDest == "" {
		recordedDest = plugin.OnErrorDiscard
	}
	if err := l.o.rec.RecordValidationError(ctx, sourceNode.ID, contentHash, marshalRow(sr.Row), sr.Error, recordedDest); err != nil {
		return err
	}
	l.res.Quarantined++

	if dest != "" && dest != plugin.OnErrorDiscard {
		edge, ok := l.o.graph.DivertEdge(sourceNode.ID, dest)
		if !ok {
			return plugin.Configf("source has no divert edge to sink %q", dest)
		}
		l.enqueue(processor.Task{
			Token:    token,
			NodeID:   edge.To,
			Row:      sr.Row,
			Routed:   true,
			Diverted: true,
		})
		return nil
	}

	errorHash, err := landscape.HashJSON(map[string]any{"validation_error": sr.Error})
	if err != nil {
		return err
	}
	return l.o.rec.RecordOutcome(ctx, token.TokenID, landscape.OutcomeQuarantined, landscape.OutcomeOpts{
		ErrorHash: errorHash,
		Context:   map[string]any{"validation_error": sr.Error},
	})
}
