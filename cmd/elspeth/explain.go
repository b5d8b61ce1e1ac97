package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/common/config"
	"github.com/elspeth-io/elspeth/common/db"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/plugin"
)

func newExplainCmd() *cobra.Command {
	var runID, rowID, tokenID string

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Print lineage for a run, row, or token from the landscape",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load("elspeth")
			if err != nil {
				return plugin.Configf("load configuration: %v", err)
			}
			log := newLogger(cmd, cfg)

			database, err := db.NewFromURL(ctx, cfg.DatabaseURL(), cfg, log)
			if err != nil {
				return err
			}
			defer database.Close()

			explainer := landscape.NewExplainer(landscape.NewPostgresStore(database))
			out := cmd.OutOrStdout()

			switch {
			case tokenID != "":
				trace, err := explainer.TraceToken(ctx, tokenID)
				if err != nil {
					return asUserError(err)
				}
				printTokenTrace(out, trace)

			case runID != "" && rowID != "":
				trace, err := explainer.TraceRow(ctx, runID, rowID)
				if err != nil {
					return asUserError(err)
				}
				printRowTrace(out, trace)

			case runID != "":
				summary, err := explainer.Summarize(ctx, runID)
				if err != nil {
					return asUserError(err)
				}
				printSummary(out, summary)

			default:
				return plugin.Configf("explain needs --run, --run with --row, or --token")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "run id to summarise")
	cmd.Flags().StringVar(&rowID, "row", "", "row id to trace (with --run)")
	cmd.Flags().StringVar(&tokenID, "token", "", "token id to trace")
	return cmd
}

// asUserError reclassifies unknown ids as configuration mistakes rather
// than runtime failures.
func asUserError(err error) error {
	if errors.Is(err, landscape.ErrNotFound) {
		return plugin.Configf("%v", err)
	}
	return err
}
