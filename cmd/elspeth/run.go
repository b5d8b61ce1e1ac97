package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elspeth-io/elspeth/common/config"
	"github.com/elspeth-io/elspeth/common/db"
	"github.com/elspeth-io/elspeth/common/logger"
	"github.com/elspeth-io/elspeth/common/ratelimit"
	"github.com/elspeth-io/elspeth/engine/experiments"
	"github.com/elspeth-io/elspeth/engine/graph"
	"github.com/elspeth-io/elspeth/engine/landscape"
	"github.com/elspeth-io/elspeth/engine/orchestrator"
	"github.com/elspeth-io/elspeth/engine/payload"
	"github.com/elspeth-io/elspeth/engine/plugin"
	"github.com/elspeth-io/elspeth/engine/processor"
	"github.com/elspeth-io/elspeth/engine/recovery"
	"github.com/elspeth-io/elspeth/engine/settings"
	"github.com/elspeth-io/elspeth/engine/telemetry"
	"github.com/elspeth-io/elspeth/migrations"
	"github.com/elspeth-io/elspeth/plugins"
)

type runOptions struct {
	memory     bool
	workers    int
	resumeFrom string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the pipeline described by the settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "use the in-memory landscape store (no persistence, no resume)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "worker pool size (defaults to ELSPETH_WORKERS)")
	return cmd
}

func runPipeline(cmd *cobra.Command, opts *runOptions) error {
	ctx := cmd.Context()

	cfg, err := config.Load("elspeth")
	if err != nil {
		return plugin.Configf("load configuration: %v", err)
	}
	log := newLogger(cmd, cfg)

	settingsPath, _ := cmd.Flags().GetString("settings")
	doc, err := settings.LoadFile(settingsPath)
	if err != nil {
		return err
	}

	reg := plugin.NewRegistry()
	plugins.Register(reg)

	input, err := doc.Materialize(reg)
	if err != nil {
		return err
	}

	var store landscape.Store
	if opts.memory {
		store = landscape.NewMemoryStore()
	} else {
		url := cfg.DatabaseURL()
		if doc.Landscape.DatabaseURL != "" {
			url = doc.Landscape.DatabaseURL
		}
		if err := migrations.Up(url, log); err != nil {
			return err
		}
		database, err := db.NewFromURL(ctx, url, cfg, log)
		if err != nil {
			return err
		}
		defer database.Close()
		store = landscape.NewPostgresStore(database)
	}

	if opts.resumeFrom != "" {
		plan, err := recovery.Scan(ctx, store, opts.resumeFrom)
		if err != nil {
			return err
		}
		log.Info("resume plan ready",
			"resumed_from", opts.resumeFrom,
			"settled", plan.SettledCount(),
			"unsettled", len(plan.Unsettled()),
		)
		input.Source = recovery.WrapSource(input.Source, plan, log)
	}

	g, err := graph.Build(input)
	if err != nil {
		return err
	}

	runID := landscape.NewRunID()
	rec := landscape.NewRecorder(store, log, runID)

	fingerprint, err := doc.Fingerprint()
	if err != nil {
		return err
	}
	if _, err := rec.BeginRun(ctx, fingerprint, string(doc.Raw()), opts.resumeFrom); err != nil {
		return err
	}

	payloadRoot := cfg.Payload.Root
	if doc.Landscape.PayloadRoot != "" {
		payloadRoot = doc.Landscape.PayloadRoot
	}
	payloads, err := payload.NewStore(payloadRoot, log)
	if err != nil {
		return err
	}

	rates := ratelimit.NewRegistry(rateLimits(doc))

	emitter, err := newEmitter(ctx, cfg, doc, log)
	if err != nil {
		return err
	}
	if emitter != nil {
		defer func() {
			if cerr := emitter.Close(); cerr != nil {
				log.Warn("telemetry shutdown failed", "error", cerr)
			}
			if dropped := emitter.Dropped(); dropped > 0 {
				log.Warn("telemetry events dropped", "count", dropped)
			}
		}()
	}

	exps, err := experiments.FromSpecs(experimentSpecs(doc))
	if err != nil {
		return err
	}
	assigner, err := experiments.NewAssigner(exps, rec)
	if err != nil {
		return err
	}

	proc, err := processor.New(processor.Opts{
		Graph:          g,
		Recorder:       rec,
		Payloads:       payloads,
		Rates:          rates,
		Telemetry:      emitter,
		Assigner:       assigner,
		Log:            log,
		DefaultRetries: cfg.Engine.DefaultRetries,
		DefaultBackoff: cfg.Engine.RetryBackoff,
	})
	if err != nil {
		return err
	}

	workers := cfg.Engine.Workers
	if opts.workers > 0 {
		workers = opts.workers
	}
	orch, err := orchestrator.New(orchestrator.Opts{
		Graph:          g,
		Recorder:       rec,
		Processor:      proc,
		Payloads:       payloads,
		Rates:          rates,
		Telemetry:      emitter,
		Log:            log,
		Workers:        workers,
		QueueHighWater: cfg.Engine.QueueHighWater,
		DrainTimeout:   cfg.Engine.DrainTimeout,
	})
	if err != nil {
		return err
	}

	res, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}

	summary, err := landscape.NewExplainer(store).Summarize(ctx, res.RunID)
	if err != nil {
		return err
	}
	printRunSummary(cmd.OutOrStdout(), res, summary)

	failed := summary.ByOutcome[landscape.OutcomeFailed]
	if failed > 0 || res.Quarantined > 0 {
		return &partialError{msg: fmt.Sprintf(
			"run %s finished with %d failed and %d quarantined rows", res.RunID, failed, res.Quarantined,
		)}
	}
	return nil
}

func rateLimits(doc *settings.Document) map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit, len(doc.RateLimits))
	for name, spec := range doc.RateLimits {
		limits[name] = ratelimit.Limit{PerSecond: spec.PerSecond, Burst: spec.Burst}
	}
	return limits
}

func experimentSpecs(doc *settings.Document) []experiments.SettingsSpec {
	var specs []experiments.SettingsSpec
	for _, exp := range doc.Experiments {
		spec := experiments.SettingsSpec{ID: exp.ID}
		for _, v := range exp.Variants {
			spec.Variants = append(spec.Variants, experiments.SettingsVariant{
				ID:     v.ID,
				Weight: v.Weight,
				Patch:  v.Patch,
			})
		}
		specs = append(specs, spec)
	}
	return specs
}

// newEmitter builds the telemetry emitter: the settings document wins,
// then the environment, else telemetry stays off.
func newEmitter(ctx context.Context, cfg *config.Config, doc *settings.Document, log *logger.Logger) (*telemetry.Emitter, error) {
	if doc.Telemetry.Redis != nil {
		addr := doc.Telemetry.Redis.Addr
		if addr == "" {
			addr = cfg.Telemetry.RedisAddr
		}
		exporter, err := telemetry.NewRedisExporter(ctx, addr, doc.Telemetry.Redis.Stream, doc.Telemetry.Redis.MaxLen)
		if err != nil {
			return nil, fmt.Errorf("connect telemetry exporter: %w", err)
		}
		return telemetry.NewEmitter(exporter, log, doc.Telemetry.Buffer, doc.Telemetry.Mode), nil
	}

	if cfg.Telemetry.Enabled {
		exporter, err := telemetry.NewRedisExporter(ctx, cfg.Telemetry.RedisAddr, cfg.Telemetry.Stream, 0)
		if err != nil {
			return nil, fmt.Errorf("connect telemetry exporter: %w", err)
		}
		return telemetry.NewEmitter(exporter, log, cfg.Telemetry.BufferSize, cfg.Telemetry.Mode), nil
	}

	return nil, nil
}
