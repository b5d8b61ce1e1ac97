package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/settings"
	"github.com/elspeth-io/elspeth/plugins"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the settings file and validate the execution graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("settings")
			doc, err := settings.LoadFile(path)
			if err != nil {
				return err
			}

			reg := plugin.NewRegistry()
			plugins.Register(reg)

			input, err := doc.Materialize(reg)
			if err != nil {
				return err
			}
			g, err := graph.Build(input)
			if err != nil {
				return err
			}

			fingerprint, err := doc.Fingerprint()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printGraph(out, g)
			fmt.Fprintf(out, "pipeline valid, fingerprint %s\n", fingerprint)
			return nil
		},
	}
}
