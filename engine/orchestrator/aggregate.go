package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/processor"
)

// aggBuffer tracks the tokens buffered at one aggregation node between
// flushes. The plugin holds the accumulated data; the buffer holds the
// audit side, which tokens a flush will consume.
type aggBuffer struct {
	node    *graph.Node
	trigger graph.TriggerSpec
	tasks   []processor.Task
	bytes   int
}

func newAggBuffers(g *graph.Graph) map[string]*aggBuffer {
	buffers := make(map[string]*aggBuffer)
	for _, n := range g.Nodes() {
		if n.Kind != graph.KindAggregation {
			continue
		}
		buf := &aggBuffer{node: n}
		if t := aggTrigger(n); t != nil {
			buf.trigger = *t
		}
		buffers[n.ID] = buf
	}
	return buffers
}

func aggTrigger(n *graph.Node) *graph.TriggerSpec {
	return n.Trigger
}

// startAggTicks runs one ticker per time-triggered aggregation,
// nudging the control loop to flush on interval.
func (o *Orchestrator) startAggTicks(tickCh chan<- string) func() {
	stop := make(chan struct{})
	var tickers []*time.Ticker

	for _, n := range o.graph.Nodes() {
		if n.Kind != graph.KindAggregation {
			continue
		}
		spec := aggTrigger(n)
		if spec == nil || spec.Type != graph.TriggerTime || spec.Interval <= 0 {
			continue
		}
		ticker := time.NewTicker(spec.Interval)
		tickers = append(tickers, ticker)
		nodeID := n.ID
		go func() {
			for {
				select {
				case <-ticker.C:
					select {
					case tickCh <- nodeID:
					default:
					}
				case <-stop:
					return
				}
			}
		}()
	}

	return func() {
		close(stop)
		for _, t := range tickers {
			t.Stop()
		}
	}
}

// handleAggArrival buffers a token that an aggregation accumulated and
// flushes the batch when the count or size trigger fires.
func (l *runLoop) handleAggArrival(ctx context.Context, task processor.Task) error {
	buf, ok := l.aggs[task.NodeID]
	if !ok {
		return plugin.Configf("aggregation arrival at non-aggregation node %q", task.NodeID)
	}

	buf.tasks = append(buf.tasks, task)
	buf.bytes += len(marshalRow(task.Row))

	switch buf.trigger.Type {
	case graph.TriggerCount:
		if buf.trigger.Count > 0 && len(buf.tasks) >= buf.trigger.Count {
			return l.flushAgg(ctx, buf, fmt.Sprintf("count reached %d", buf.trigger.Count))
		}
	case graph.TriggerSize:
		if buf.trigger.SizeBytes > 0 && buf.bytes >= buf.trigger.SizeBytes {
			return l.flushAgg(ctx, buf, fmt.Sprintf("size reached %d bytes", buf.trigger.SizeBytes))
		}
	}
	return nil
}

// flushAgg closes one batch: members record CONSUMED_IN_BATCH, the
// plugin emits its summary row, and a fresh token carries the summary
// down the continue edge.
func (l *runLoop) flushAgg(ctx context.Context, buf *aggBuffer, reason string) error {
	batch, err := l.o.rec.OpenBatch(ctx, buf.node.ID, string(buf.trigger.Type), reason)
	if err != nil {
		return err
	}
	for i, task := range buf.tasks {
		if err := l.o.rec.ConsumeInBatch(ctx, batch, task.Token.TokenID, i); err != nil {
			return err
		}
	}

	pctx := l.o.nodeContext(buf.node)
	summary, err := buf.node.Aggregation.Flush(ctx, pctx)
	if err != nil {
		// Members are already consumed; the batch fails and the
		// summary never materialises.
		l.o.log.Error("aggregation flush failed",
			"aggregation", buf.node.ID,
			"batch_id", batch.BatchID,
			"members", len(buf.tasks),
			"error", err)
		if ferr := l.o.rec.FinishBatch(ctx, batch.BatchID, landscape.BatchFailed); ferr != nil {
			return ferr
		}
		buf.tasks = nil
		buf.bytes = 0
		return nil
	}

	// The summary token descends from the first member for lineage;
	// the batch membership rows hold the full input set.
	first := buf.tasks[0].Token
	expanded, err := l.o.rec.Expand(ctx, first, 1, buf.node.Step, false)
	if err != nil {
		return err
	}

	edge, ok := l.o.graph.ContinueEdge(buf.node.ID)
	if !ok {
		return plugin.Configf("aggregation node %q has no continue edge", buf.node.ID)
	}
	l.enqueue(processor.Task{
		Token:  expanded.Children[0],
		NodeID: edge.To,
		Row:    summary,
	})

	if err := l.o.rec.FinishBatch(ctx, batch.BatchID, landscape.BatchCompleted); err != nil {
		return err
	}

	l.res.Batches++
	l.o.emit("batch_flushed", map[string]any{
		"aggregation": buf.node.ID,
		"batch_id":    batch.BatchID,
		"members":     len(buf.tasks),
		"reason":      reason,
	})

	buf.tasks = nil
	buf.bytes = 0
	return nil
}
