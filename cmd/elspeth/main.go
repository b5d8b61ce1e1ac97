// The elspeth command drives pipelines from the terminal: validate a
// settings document, run or resume a pipeline, inspect lineage, or
// serve the lineage API over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/common/config"
	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/engine/plugin"
)

// Exit codes; the worst outcome seen wins.
const (
	exitOK         = 0
	exitUserError  = 1
	exitRuntime    = 2
	exitPartial    = 3
	exitUnexpected = 64
)

// partialError marks a run that finished but left some rows failed or
// quarantined.
type partialError struct {
	msg string
}

func (e *partialError) Error() string { return e.msg }

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "unexpected failure: %v\n", r)
			code = exitUnexpected
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var cfgErr *plugin.ConfigError
		var partial *partialError
		switch {
		case errors.As(err, &cfgErr):
			return exitUserError
		case errors.As(err, &partial):
			return exitPartial
		default:
			return exitRuntime
		}
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "elspeth",
		Short:        "Durable, auditable row-processing pipelines",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("settings", "elspeth.yaml", "pipeline settings file")
	root.PersistentFlags().String("log-level", "", "override the configured log level")
	root.PersistentFlags().String("log-format", "", "override the configured log format (text, json)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return plugin.Configf("%v", err)
	})

	root.AddCommand(
		newValidateCmd(),
		newRunCmd(),
		newResumeCmd(),
		newExplainCmd(),
		newServeCmd(),
	)
	return root
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *logger.Logger {
	level := cfg.Service.LogLevel
	format := cfg.Service.LogFormat
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		format = v
	}
	return logger.New(level, format)
}
