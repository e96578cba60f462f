package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/runq/internal/completion"
	"github.com/kalambet/runq/internal/config"
	"github.com/kalambet/runq/internal/coordinator"
	"github.com/kalambet/runq/internal/extract"
	"github.com/kalambet/runq/internal/finalize"
	"github.com/kalambet/runq/internal/queue"
	"github.com/kalambet/runq/internal/source"
	"github.com/kalambet/runq/internal/storage"
	"github.com/kalambet/runq/internal/worker"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Join the configured run and process documents until stopped",
	Long: `Join the configured run and process documents until stopped.

Every worker started with the same run name, sources and extensions joins
the same run. Start as many as you like, on as many machines as share the
store.

Examples:
  runq work --source ./docs
  runq work --source /srv/a --source /srv/b --concurrency 4
  runq work --source ./docs --exit-when-done`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyWorkFlags(cmd, &cfg); err != nil {
			return err
		}
		exitWhenDone, _ := cmd.Flags().GetBool("exit-when-done")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runWork(ctx, cfg, exitWhenDone)
	},
}

func init() {
	workCmd.Flags().StringSlice("source", nil, "document root (repeatable; overrides run.sources)")
	workCmd.Flags().StringSlice("ext", nil, "accepted extensions (overrides run.extensions)")
	workCmd.Flags().String("name", "", "run name (overrides run.name)")
	workCmd.Flags().Int("concurrency", 0, "items processed in parallel by this worker (overrides queue.concurrency)")
	workCmd.Flags().Bool("exit-when-done", false, "exit once the run has completed instead of idling")
}

// applyWorkFlags overlays run-shaping flags on cfg and re-validates it.
func applyWorkFlags(cmd *cobra.Command, cfg *config.Config) error {
	if v, _ := cmd.Flags().GetStringSlice("source"); len(v) > 0 {
		abs := make([]string, 0, len(v))
		for _, s := range v {
			p, err := filepath.Abs(s)
			if err != nil {
				return fmt.Errorf("resolving source %s: %w", s, err)
			}
			abs = append(abs, p)
		}
		cfg.Run.Sources = abs
	}
	if v, _ := cmd.Flags().GetStringSlice("ext"); len(v) > 0 {
		cfg.Run.Extensions = v
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Run.Name = v
	}
	if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
		cfg.Queue.Concurrency = v
	}
	return config.Validate(*cfg)
}

func queueOptions(cfg config.Config) queue.Options {
	opts := queue.DefaultOptions()
	opts.ClaimTimeout = cfg.Queue.ClaimTimeout
	opts.MaxRetries = cfg.Queue.MaxRetries
	opts.StaleThreshold = cfg.Queue.StaleThreshold
	opts.RetryBackoff = cfg.Queue.RetryBackoff
	return opts
}

func runWork(ctx context.Context, cfg config.Config, exitWhenDone bool) error {
	run := runConfig(cfg)
	if len(run.Sources) == 0 {
		return errors.New("no document sources: set run.sources or pass --source")
	}
	for _, s := range run.Sources {
		if info, err := os.Stat(s); err != nil || !info.IsDir() {
			return fmt.Errorf("source %s is not a readable directory", s)
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	runID := coordinator.RunID(run)
	workerID := worker.NewID()

	q := queue.New(store, runID, queueOptions(cfg))
	coord, err := coordinator.New(store, q, run, workerID, coordinator.Options{
		LeaseDuration: cfg.Leader.LeaseDuration,
		RenewInterval: cfg.Leader.RenewInterval,
		BatchSize:     cfg.Leader.EnqueueBatch,
	})
	if err != nil {
		return err
	}
	manifest := finalize.NewManifest(cfg.Run.OutputDir)
	tracker := completion.NewTracker(store, manifest, workerID)

	src := source.NewDir(run.Sources, run.Extensions)
	deps := worker.Deps{
		Queue:       q,
		Coordinator: coord,
		Tracker:     tracker,
		Source:      src,
		Processor:   extract.NewProcessor(src, &extract.Extractor{MaxBytes: cfg.Run.MaxDocumentBytes}),
		Registry:    store,
	}
	if cfg.Finalize.StoreText {
		deps.Sink = finalize.NewTextSink(cfg.Run.OutputDir)
	}

	w := worker.New(worker.Config{
		ID:                workerID,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		PollInterval:      cfg.Queue.PollInterval,
		SweepInterval:     cfg.Queue.SweepInterval,
		Concurrency:       cfg.Queue.Concurrency,
		ReconcileAfter:    cfg.Finalize.ReconcileAfter,
		ExitWhenDone:      exitWhenDone,
	}, deps)

	printStep("Worker %s joining run %s", workerID, runID)
	if err := w.Run(ctx); err != nil {
		return err
	}

	r, err := store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil {
		return err
	}
	if r.Status == storage.RunCompleted {
		printSuccess("Run %s completed (epoch %d); manifest at %s", runID, r.FinalizationEpoch, manifest.Path(runID, r.FinalizationEpoch))
	} else {
		printStep("Worker %s stopped; run %s is %s with %d outstanding", workerID, runID, r.Status, r.Outstanding)
	}
	return nil
}
