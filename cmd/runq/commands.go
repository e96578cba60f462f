package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/runq/internal/api"
	"github.com/kalambet/runq/internal/config"
	"github.com/kalambet/runq/internal/coordinator"
	"github.com/kalambet/runq/internal/storage"
)

// addOpsFlags registers the flags shared by commands that read or act on runs.
func addOpsFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&remote, "remote", false, "go through a running `runq serve` instead of the store")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON")
}

func withOps(cmd *cobra.Command, fn func(o ops) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	o, err := openOps(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer o.Close()
	return fn(o)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show queue depth, outstanding work and dead letters",
	Long: `Show a run's queue: item counts by status, the outstanding counter, the
leader and open dead letters. Without a run id, shows the run the current
configuration maps to, or every run when no sources are configured.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runID := ""
		if len(args) == 1 {
			runID = args[0]
		} else if len(cfg.Run.Sources) > 0 {
			runID = coordinator.RunID(runConfig(cfg))
		}

		o, err := openOps(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer o.Close()

		out := cmd.OutOrStdout()
		if runID == "" {
			runs, err := o.ListRuns(cmd.Context(), "")
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(out, runs)
			}
			printRuns(out, runs)
			return nil
		}

		stats, err := o.RunStats(cmd.Context(), runID)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(out, stats)
		}
		printRunStats(out, stats)
		return nil
	},
}

func printRunStats(w io.Writer, s api.RunStatsView) {
	fmt.Fprintf(w, "%s %s\n", colorize(bold, s.ID), colorize(statusColor(s.Status), s.Status))
	leader := s.Leader
	if leader == "" {
		leader = "none"
	}
	fmt.Fprintf(w, "  %-14s %s\n", "Leader:", leader)
	fmt.Fprintf(w, "  %-14s %d\n", "Outstanding:", s.Outstanding)
	fmt.Fprintf(w, "  %-14s %d\n", "Depth:", s.Depth)
	for _, st := range []storage.ItemStatus{
		storage.ItemPending, storage.ItemClaimed, storage.ItemProcessing,
		storage.ItemFailedRetryable, storage.ItemCompleted, storage.ItemDeadLetter,
	} {
		if n := s.Counts[string(st)]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", string(st)+":", n)
		}
	}
	fmt.Fprintf(w, "  %-14s %d\n", "Dead letters:", s.DeadLetters)
	if s.FinalizationEpoch > 0 {
		fmt.Fprintf(w, "  %-14s %d\n", "Epoch:", s.FinalizationEpoch)
	}
	if s.CompletedAt != "" {
		fmt.Fprintf(w, "  %-14s %s\n", "Completed:", s.CompletedAt)
	}
}

func printRuns(w io.Writer, runs []api.RunView) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "RUN\tOUTSTANDING\tEPOCH\tCREATED\tSTATUS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", r.ID, r.Outstanding, r.FinalizationEpoch, r.CreatedAt, colorize(statusColor(r.Status), r.Status))
	}
	tw.Flush()
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List and reconcile runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return withOps(cmd, func(o ops) error {
			runs, err := o.ListRuns(cmd.Context(), status)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		})
	},
}

var runsReconcileCmd = &cobra.Command{
	Use:   "reconcile [run-id]",
	Short: "Finalize runs whose last worker died before finalizing",
	Long: `Finalize runs left behind by dead workers.

An active run with nothing outstanding is finalized. With --stuck-after, a
run that has been finalizing for longer than that is taken over and its
post-processing runs again. Without a run id every run is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stuckAfter, _ := cmd.Flags().GetDuration("stuck-after")
		runID := ""
		if len(args) == 1 {
			runID = args[0]
		}
		return withOps(cmd, func(o ops) error {
			res, err := o.Reconcile(cmd.Context(), runID, stuckAfter)
			if err != nil {
				return err
			}
			printSuccess("Finalized %d idle run(s), recovered %d stuck finalization(s)", res.Finalized, res.Recovered)
			return nil
		})
	},
}

func init() {
	addOpsFlags(statusCmd)
	addOpsFlags(runsCmd)
	runsListCmd.Flags().String("status", "", "only runs in this state (discovering, active, finalizing, completed)")
	runsReconcileCmd.Flags().Duration("stuck-after", 0, "take over finalizations older than this (0 leaves them alone)")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsReconcileCmd)
}

// --- dlq ---

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect, requeue and purge dead letters",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open dead letters, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run")
		doc, _ := cmd.Flags().GetString("document")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		return withOps(cmd, func(o ops) error {
			entries, err := o.ListDeadLetters(cmd.Context(), storage.DeadLetterFilter{
				RunID: runID, DocumentID: doc, IncludeRequeued: all, Limit: limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No dead letters.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ID\tRUN\tDOCUMENT\tATTEMPTS\tREASON\tLAST FAILED\tERROR")
			for _, d := range entries {
				reason := d.Reason
				if d.RequeuedAt != "" {
					reason += " (requeued)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", d.ID, d.RunID, d.DocumentID, d.Attempts, reason, d.LastFailedAt, d.LastError)
			}
			return tw.Flush()
		})
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <run-id> <document-id>",
	Short: "Send one dead-lettered document back to the queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		return withOps(cmd, func(o ops) error {
			entry, err := o.Retry(cmd.Context(), args[0], args[1], actor)
			if err != nil {
				return err
			}
			printSuccess("Requeued %s (dead letter %s, %d previous attempts)", entry.DocumentID, entry.ID, entry.Attempts)
			return nil
		})
	},
}

var dlqRetryAllCmd = &cobra.Command{
	Use:   "retry-all <run-id>",
	Short: "Requeue every open dead letter of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		return withOps(cmd, func(o ops) error {
			n, err := o.RetryAll(cmd.Context(), args[0], actor)
			if err != nil {
				return err
			}
			if n == 0 {
				printWarning("No open dead letters in run %s", args[0])
				return nil
			}
			printSuccess("Requeued %d document(s) in run %s", n, args[0])
			return nil
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead letters whose last failure is older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		actor, _ := cmd.Flags().GetString("actor")
		yes, _ := cmd.Flags().GetBool("yes")

		if !yes {
			fmt.Fprintf(os.Stderr, "This permanently deletes dead letters older than %s. Type 'yes' to confirm: ", olderThan)
			var confirm string
			fmt.Fscanln(cmd.InOrStdin(), &confirm)
			if confirm != "yes" {
				printWarning("Aborted.")
				return nil
			}
		}
		return withOps(cmd, func(o ops) error {
			n, err := o.Purge(cmd.Context(), olderThan, actor)
			if err != nil {
				return err
			}
			printSuccess("Purged %d dead letter(s)", n)
			return nil
		})
	},
}

func init() {
	addOpsFlags(dlqCmd)
	dlqCmd.PersistentFlags().String("actor", actorName(), "name recorded in the audit trail")
	dlqListCmd.Flags().String("run", "", "only this run")
	dlqListCmd.Flags().String("document", "", "only this document")
	dlqListCmd.Flags().Bool("all", false, "include dead letters that were already requeued")
	dlqListCmd.Flags().Int("limit", 50, "maximum number of entries")
	dlqPurgeCmd.Flags().Duration("older-than", 30*24*time.Hour, "age of the last failure")
	dlqPurgeCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqRetryAllCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
}

// --- runid ---

var runidCmd = &cobra.Command{
	Use:   "runid",
	Short: "Print the run id the current configuration maps to",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := applyWorkFlags(cmd, &cfg); err != nil {
			return err
		}
		run := runConfig(cfg)
		if jsonOut {
			return printJSON(cmd.OutOrStdout(), map[string]any{"run_id": coordinator.RunID(run), "config": run})
		}
		fmt.Fprintln(cmd.OutOrStdout(), coordinator.RunID(run))
		return nil
	},
}

func init() {
	runidCmd.Flags().StringSlice("source", nil, "document root (repeatable; overrides run.sources)")
	runidCmd.Flags().StringSlice("ext", nil, "accepted extensions (overrides run.extensions)")
	runidCmd.Flags().String("name", "", "run name (overrides run.name)")
	runidCmd.Flags().Int("concurrency", 0, "ignored; accepted so work flags can be reused")
	runidCmd.Flags().BoolVar(&jsonOut, "json", false, "print the canonical run config too")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  (%s)\n", colorize(bold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(configPath, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
