package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/orchestrator"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func printGraph(w io.Writer, g *graph.Graph) {
	nodes := newTable(w)
	nodes.AppendHeader(table.Row{"Step", "Node", "Kind", "Plugin"})
	for _, n := range g.Nodes() {
		nodes.AppendRow(table.Row{n.Step, n.ID, n.Kind, n.PluginName})
	}
	nodes.Render()

	edges := newTable(w)
	edges.AppendHeader(table.Row{"From", "Label", "Mode", "To"})
	for _, e := range g.Edges() {
		edges.AppendRow(table.Row{e.From, e.Label, e.Mode, e.To})
	}
	edges.Render()
}

func printRunSummary(w io.Writer, res *orchestrator.Result, summary *landscape.RunSummary) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Status", "Rows", "Tokens", "Quarantined", "Batches", "Duration"})
	t.AppendRow(table.Row{
		res.RunID, res.Status, summary.RowCount, summary.Tokens,
		res.Quarantined, res.Batches, res.Duration.Round(time.Millisecond),
	})
	t.Render()

	printOutcomes(w, summary)
}

func printSummary(w io.Writer, summary *landscape.RunSummary) {
	run := summary.Run
	finished := "-"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339)
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Status", "Started", "Finished", "Rows", "Tokens"})
	t.AppendRow(table.Row{
		run.RunID, run.Status, run.StartedAt.Format(time.RFC3339), finished,
		summary.RowCount, summary.Tokens,
	})
	t.Render()

	printOutcomes(w, summary)
}

func printOutcomes(w io.Writer, summary *landscape.RunSummary) {
	outcomes := make([]string, 0, len(summary.ByOutcome))
	for o := range summary.ByOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	t := newTable(w)
	t.AppendHeader(table.Row{"Outcome", "Tokens"})
	for _, o := range outcomes {
		t.AppendRow(table.Row{o, summary.ByOutcome[landscape.Outcome(o)]})
	}
	if summary.Unsettled > 0 {
		t.AppendRow(table.Row{"unsettled", summary.Unsettled})
	}
	t.Render()
}

func printTokenTrace(w io.Writer, trace *landscape.TokenTrace) {
	token := trace.Token
	fmt.Fprintf(w, "token %s (row %s", token.TokenID, token.RowID)
	if token.BranchName != "" {
		fmt.Fprintf(w, ", branch %q", token.BranchName)
	}
	fmt.Fprintf(w, ", step %d)\n", token.StepInPipeline)

	if len(trace.Parents) > 0 {
		for _, p := range trace.Parents {
			fmt.Fprintf(w, "  parent[%d] %s\n", p.Ordinal, p.ParentTokenID)
		}
	}

	states := newTable(w)
	states.AppendHeader(table.Row{"Node", "Attempt", "Status", "Duration (ms)", "Error"})
	for _, st := range trace.States {
		states.AppendRow(table.Row{st.NodeID, st.Attempt, st.Status, st.DurationMS, st.ErrorJSON})
	}
	states.Render()

	for _, st := range trace.States {
		events := trace.Routing[st.StateID]
		if len(events) == 0 {
			continue
		}
		fmt.Fprintf(w, "routing at %s:\n", st.NodeID)
		t := newTable(w)
		t.AppendHeader(table.Row{"Edge", "Mode", "Ordinal", "Reason"})
		for _, ev := range events {
			t.AppendRow(table.Row{ev.EdgeID, ev.Mode, ev.Ordinal, ev.ReasonJSON})
		}
		t.Render()
	}

	switch {
	case trace.Outcome == nil:
		fmt.Fprintln(w, "outcome pending")
	case trace.Outcome.SinkName != "":
		fmt.Fprintf(w, "outcome %s -> sink %s\n", trace.Outcome.Outcome, trace.Outcome.SinkName)
	default:
		fmt.Fprintf(w, "outcome %s\n", trace.Outcome.Outcome)
	}

	for _, child := range trace.Children {
		fmt.Fprintf(w, "  child %s (branch %q)\n", child.TokenID, child.BranchName)
	}
}

func printRowTrace(w io.Writer, trace *landscape.RowTrace) {
	fmt.Fprintf(w, "row %s (position %d, hash %s)\n",
		trace.Row.RowID, trace.Row.SourcePosition, trace.Row.ContentHash)
	for _, tt := range trace.Tokens {
		fmt.Fprintln(w)
		printTokenTrace(w, tt)
	}
}
