package orchestrator

import (
	"context"
	"time"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/processor"
)

// barrier collects the branch tokens of one row at one coalesce node.
// Arrival order is preserved; it decides parent ordering and the
// first_complete merge winner.
type barrier struct {
	key      string
	node     *graph.Node
	arrivals []processor.Task
	branches map[string]bool
	timer    *time.Timer
}

func barrierKey(nodeID, rowID string) string {
	return nodeID + "|" + rowID
}

// handleCoalesceArrival adds a branch token to its barrier, opening it
// on first arrival, and closes the barrier once every declared branch
// has arrived.
func (l *runLoop) handleCoalesceArrival(ctx context.Context, task processor.Task) error {
	node, ok := l.o.graph.Node(task.NodeID)
	if !ok || node.Coalesce == nil {
		return plugin.Configf("coalesce arrival at non-coalesce node %q", task.NodeID)
	}

	key := barrierKey(node.ID, task.Token.RowID)
	if l.closed[key] {
		// The merge already happened without this branch
		return l.o.rec.RecordOutcome(ctx, task.Token.TokenID, landscape.OutcomeFailed, landscape.OutcomeOpts{
			Context: map[string]any{
				"error":    "arrived after coalesce closed",
				"coalesce": node.ID,
				"branch":   task.Token.BranchName,
			},
		})
	}

	b, ok := l.barriers[key]
	if !ok {
		b = &barrier{key: key, node: node, branches: make(map[string]bool)}
		l.barriers[key] = b
		if timeout := node.Coalesce.Timeout; timeout > 0 {
			b.timer = time.AfterFunc(timeout, func() {
				select {
				case l.timeoutCh <- key:
				default:
					// Missed timeouts are swept at end of input
				}
			})
		}
	}

	b.arrivals = append(b.arrivals, task)
	b.branches[task.Token.BranchName] = true

	if b.complete() {
		return l.closeBarrier(ctx, b, true, "all branches arrived")
	}
	return nil
}

// complete reports that every declared branch has arrived
func (b *barrier) complete() bool {
	for _, branch := range b.node.Coalesce.Branches {
		if !b.branches[branch] {
			return false
		}
	}
	return true
}

// satisfiedAtDeadline evaluates the coalesce policy against what has
// arrived when the barrier is forced shut by timeout or end of input.
func (b *barrier) satisfiedAtDeadline() bool {
	switch b.node.Coalesce.Policy {
	case graph.PolicyBestEffort:
		return len(b.arrivals) > 0
	case graph.PolicyQuorum:
		return len(b.arrivals) >= b.node.Coalesce.Quorum
	default: // require_all
		return b.complete()
	}
}

// closeBarrier settles a barrier. When satisfied, the arrived tokens
// merge into one continuation token and each parent records COALESCED;
// otherwise every arrived token fails with the unmet policy.
func (l *runLoop) closeBarrier(ctx context.Context, b *barrier, satisfied bool, cause string) error {
	if b.timer != nil {
		b.timer.Stop()
	}
	delete(l.barriers, b.key)
	l.closed[b.key] = true

	if !satisfied {
		// The timeout marker is greppable in audit records
		failure := "coalesce policy unmet"
		if cause == "timeout" {
			failure = "COALESCE_TIMED_OUT"
		}
		for _, task := range b.arrivals {
			if err := l.o.rec.RecordOutcome(ctx, task.Token.TokenID, landscape.OutcomeFailed, landscape.OutcomeOpts{
				Context: map[string]any{
					"error":    failure,
					"coalesce": b.node.ID,
					"policy":   string(b.node.Coalesce.Policy),
					"arrived":  arrivedBranches(b.arrivals),
					"cause":    cause,
				},
			}); err != nil {
				return err
			}
		}
		l.o.log.Warn("coalesce barrier failed",
			"coalesce", b.node.ID,
			"policy", string(b.node.Coalesce.Policy),
			"arrived", len(b.arrivals),
			"cause", cause)
		return nil
	}

	parents := make([]*landscape.Token, 0, len(b.arrivals))
	for _, task := range b.arrivals {
		parents = append(parents, task.Token)
	}
	merged, err := l.o.rec.Coalesce(ctx, parents, b.node.Step)
	if err != nil {
		return err
	}

	edge, ok := l.o.graph.ContinueEdge(b.node.ID)
	if !ok {
		return plugin.Configf("coalesce node %q has no continue edge", b.node.ID)
	}
	l.enqueue(processor.Task{
		Token:  merged,
		NodeID: edge.To,
		Row:    mergeRows(b.node.Coalesce.Strategy, b.arrivals),
	})

	l.o.emit("coalesce_closed", map[string]any{
		"coalesce": b.node.ID,
		"branches": arrivedBranches(b.arrivals),
		"cause":    cause,
	})
	return nil
}

// mergeRows combines arrived branch rows. first_complete keeps the
// first arrival's row; union starts from it and fills in fields the
// later arrivals carry that it lacks.
func mergeRows(strategy graph.CoalesceStrategy, arrivals []processor.Task) plugin.Row {
	merged := arrivals[0].Row.Clone()
	if strategy == graph.StrategyFirstComplete {
		return merged
	}
	for _, task := range arrivals[1:] {
		for k, v := range task.Row {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return merged
}

func arrivedBranches(arrivals []processor.Task) []string {
	branches := make([]string, 0, len(arrivals))
	for _, task := range arrivals {
		branches = append(branches, task.Token.BranchName)
	}
	return branches
}
