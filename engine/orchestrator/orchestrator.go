// Package orchestrator drives a run end to end: it registers the
// topology, pulls rows from the source under backpressure, fans tasks
// out to a worker pool, and owns the cross-token coordination the
// processor cannot do alone, which is coalesce barriers and
// aggregation triggers.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/common/queue"
	"github.com/elspeth-io/elspeth/common/ratelimit"
	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/payload"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/processor"
	"github.com/elspeth-io/elspeth/engine/telemetry"
)

// Opts configures an Orchestrator.
type Opts struct {
	Graph     *graph.Graph
	Recorder  *landscape.Recorder
	Processor *processor.Processor
	Payloads  *payload.Store
	Rates     *ratelimit.Registry
	Telemetry *telemetry.Emitter
	Log       *logger.Logger

	Workers        int
	QueueHighWater int
	DrainTimeout   time.Duration
}

// Result summarises a finished run.
type Result struct {
	RunID       string
	Status      string
	Rows        int
	Quarantined int
	Batches     int
	Duration    time.Duration
}

// Orchestrator runs one pipeline invocation.
type Orchestrator struct {
	graph     *graph.Graph
	rec       *landscape.Recorder
	proc      *processor.Processor
	payloads  *payload.Store
	rates     *ratelimit.Registry
	telemetry *telemetry.Emitter
	log       *logger.Logger

	workers      int
	highWater    int
	drainTimeout time.Duration

	queue *queue.Queue[processor.Task]
}

// New creates an orchestrator
func New(opts Opts) (*Orchestrator, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("orchestrator requires a graph")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("orchestrator requires a recorder")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("orchestrator requires a processor")
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	highWater := opts.QueueHighWater
	if highWater < 1 {
		highWater = 256
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}

	return &Orchestrator{
		graph:        opts.Graph,
		rec:          opts.Recorder,
		proc:         opts.Processor,
		payloads:     opts.Payloads,
		rates:        opts.Rates,
		telemetry:    opts.Telemetry,
		log:          log.WithRunID(opts.Recorder.RunID()),
		workers:      workers,
		highWater:    highWater,
		drainTimeout: drain,
		queue:        queue.New[processor.Task](highWater),
	}, nil
}

// taskResult pairs a processed task with what it produced.
type taskResult struct {
	task processor.Task
	out  *processor.Outcome
	err  error
}

// sourceEvent is one producer message: a row, or the iterator error
// that ended production.
type sourceEvent struct {
	row plugin.SourceRow
	err error
}

// Run executes the pipeline until the source is exhausted and every
// token has settled, then flushes sinks and closes the run record.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	started := time.Now()

	if err := o.registerTopology(ctx); err != nil {
		return nil, err
	}
	o.emit("run_started", map[string]any{"workers": o.workers})

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	results := make(chan taskResult, o.workers)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go o.worker(workerCtx, results, &wg)
	}
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	events := make(chan sourceEvent)
	stopProduce := make(chan struct{})
	go o.produce(ctx, events, stopProduce)

	loop := newRunLoop(o)
	stopTicks := o.startAggTicks(loop.tickCh)
	defer stopTicks()

	loop.run(ctx, results, events)
	close(stopProduce)

	// Let in-flight work finish; on abort the grace period is bounded.
	o.queue.Close()
	var graceTimer *time.Timer
	if loop.aborting {
		graceTimer = time.AfterFunc(o.drainTimeout, cancelWorkers)
	}
drain:
	for {
		select {
		case <-results:
		case <-workersDone:
			break drain
		}
	}
	if graceTimer != nil {
		graceTimer.Stop()
	}

	status := landscape.RunFinished
	if loop.aborting {
		status = landscape.RunAborted
	}

	if err := o.closeSinks(); err != nil {
		o.log.Error("sink shutdown failed", "error", err)
		if loop.runErr == nil {
			loop.runErr = err
			status = landscape.RunAborted
		}
	}

	if err := o.rec.FinishRun(context.Background(), status); err != nil {
		o.log.Error("failed to finish run record", "error", err)
		if loop.runErr == nil {
			loop.runErr = err
		}
	}

	result := loop.res
	result.RunID = o.rec.RunID()
	result.Status = status
	result.Duration = time.Since(started)

	o.emit("run_finished", map[string]any{
		"status":      status,
		"rows":        result.Rows,
		"quarantined": result.Quarantined,
		"batches":     result.Batches,
	})

	if loop.runErr != nil {
		return &result, loop.runErr
	}
	return &result, nil
}

func (o *Orchestrator) worker(ctx context.Context, results chan<- taskResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		task, ok := o.queue.Next(ctx)
		if !ok {
			return
		}
		out, err := o.proc.Process(ctx, task)
		select {
		case results <- taskResult{task: task, out: out, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// produce iterates the source and hands rows to the control loop. The
// control loop stops reading when its backlog is at the high-water
// mark, which stalls this goroutine and paces the source.
func (o *Orchestrator) produce(ctx context.Context, events chan<- sourceEvent, stop <-chan struct{}) {
	defer close(events)

	sourceNode, _ := o.graph.Node(o.graph.SourceID())
	pctx := o.nodeContext(sourceNode)

	iter, err := sourceNode.Source.Load(ctx, pctx)
	if err != nil {
		o.send(ctx, events, stop, sourceEvent{err: fmt.Errorf("source load: %w", err)})
		return
	}
	defer func() {
		if cerr := iter.Close(); cerr != nil {
			o.log.Warn("source close failed", "error", cerr)
		}
	}()

	for {
		row, ok, err := iter.Next(ctx)
		if err != nil {
			o.send(ctx, events, stop, sourceEvent{err: fmt.Errorf("source read: %w", err)})
			return
		}
		if !ok {
			return
		}
		if !o.send(ctx, events, stop, sourceEvent{row: row}) {
			return
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, events chan<- sourceEvent, stop <-chan struct{}, ev sourceEvent) bool {
	select {
	case events <- ev:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// registerTopology writes the run's nodes and edges to the landscape
// before any row flows, so lineage queries can resolve ids.
func (o *Orchestrator) registerTopology(ctx context.Context) error {
	for _, n := range o.graph.Nodes() {
		if err := o.rec.RegisterNode(ctx, n.ID, n.PluginName, string(n.Kind), nodeDeterminism(n), n.Config, n.Step); err != nil {
			return err
		}
	}
	for _, e := range o.graph.Edges() {
		if err := o.rec.RegisterEdge(ctx, e.ID, e.From, e.To, e.Label, string(e.Mode)); err != nil {
			return err
		}
	}
	return nil
}

func nodeDeterminism(n *graph.Node) string {
	switch n.Kind {
	case graph.KindTransform:
		return string(n.Transform.Determinism())
	case graph.KindSink:
		return string(n.Sink.Determinism())
	default:
		return ""
	}
}

// closeSinks flushes and closes every sink plugin.
func (o *Orchestrator) closeSinks() error {
	ctx := context.Background()
	var firstErr error
	for _, n := range o.graph.Nodes() {
		if n.Kind != graph.KindSink {
			continue
		}
		if err := n.Sink.Flush(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush sink %s: %w", n.PluginName, err)
		}
		if err := n.Sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close sink %s: %w", n.PluginName, err)
		}
	}
	return firstErr
}

// nodeContext builds the plugin context for node work outside a token
// scope: source loading and aggregation flushes.
func (o *Orchestrator) nodeContext(n *graph.Node) *plugin.Context {
	pctx := &plugin.Context{
		RunID:      o.rec.RunID(),
		NodeID:     n.ID,
		Log:        o.log.WithNodeID(n.ID),
		RateLimits: o.rates,
		Options:    n.Config,
	}
	if o.payloads != nil {
		pctx.Payloads = o.payloads
	}
	if o.telemetry != nil {
		pctx.Telemetry = &runTelemetry{o: o, nodeID: n.ID}
	}
	return pctx
}

type runTelemetry struct {
	o      *Orchestrator
	nodeID string
}

func (t *runTelemetry) Emit(event string, fields map[string]any) {
	t.o.telemetry.Emit(context.Background(), telemetry.Event{
		Kind:   event,
		RunID:  t.o.rec.RunID(),
		NodeID: t.nodeID,
		Fields: fields,
	})
}

func (o *Orchestrator) emit(kind string, fields map[string]any) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.Emit(context.Background(), telemetry.Event{
		Kind:   kind,
		RunID:  o.rec.RunID(),
		Fields: fields,
	})
}

func marshalRow(row plugin.Row) string {
	data, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	return string(data)
}
