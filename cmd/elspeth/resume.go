package main

import (
	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/engine/plugin"
)

func newResumeCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run, skipping rows that already settled",
		Long: "Resume scans the interrupted run's landscape, classifies every row as " +
			"settled or unsettled, and starts a fresh run over the same settings that " +
			"reprocesses only the unsettled rows. Row identity is content-derived, so " +
			"the same input file addresses the same rows.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.memory {
				return plugin.Configf("resume needs the persistent landscape store")
			}
			opts.resumeFrom = args[0]
			return runPipeline(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "rejected; resume requires Postgres")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "worker pool size (defaults to ELSPETH_WORKERS)")
	return cmd
}
