package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/placement-fulfillment/internal/adapters/scheduler"
	"github.com/target/placement-fulfillment/internal/bootstrap"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/service"
)

type firePeriodicOptions struct {
	Task    string
	Timeout time.Duration
}

func parseFirePeriodicFlags(args []string) (firePeriodicOptions, error) {
	fs := flag.NewFlagSet("fire-periodic", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := firePeriodicOptions{Timeout: defaultCommandTimeout}
	fs.StringVar(&opts.Task, "task", "", "Periodic task name, e.g. check_provider_health (required)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the command")

	if err := fs.Parse(args); err != nil {
		return firePeriodicOptions{}, err
	}
	opts.Task = strings.TrimSpace(opts.Task)
	if opts.Task == "" {
		return firePeriodicOptions{}, errors.New("--task is required")
	}
	if opts.Timeout <= 0 {
		return firePeriodicOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runFirePeriodic(cmdCtx *commandContext, args []string) error {
	opts, err := parseFirePeriodicFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB, svcs bootstrap.ServiceContainer) error {
		runner, err := scheduler.NewRunner(scheduler.RunnerOptions{
			DB:       db,
			Enqueuer: svcs.Queue,
			Config:   cmdCtx.Config.Periodic,
			Logger:   cmdCtx.Logger,
		})
		if err != nil {
			return err
		}
		fired, err := runner.FireNow(ctx, model.TaskName(opts.Task))
		if err != nil {
			return err
		}
		if !fired {
			return writef(cmdCtx.Out, "%s skipped: another scheduler holds the lock or it ran recently\n", opts.Task)
		}
		return writef(cmdCtx.Out, "%s enqueued\n", opts.Task)
	})
}

type taskSummaryOptions struct {
	JSON    bool
	Timeout time.Duration
}

func parseTaskSummaryFlags(args []string) (taskSummaryOptions, error) {
	fs := flag.NewFlagSet("task-summary", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := taskSummaryOptions{Timeout: defaultCommandTimeout}
	fs.BoolVar(&opts.JSON, "json", false, "Print the raw summary as JSON")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the command")

	if err := fs.Parse(args); err != nil {
		return taskSummaryOptions{}, err
	}
	if opts.Timeout <= 0 {
		return taskSummaryOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runTaskSummary(cmdCtx *commandContext, args []string) error {
	opts, err := parseTaskSummaryFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, _ *sql.DB, svcs bootstrap.ServiceContainer) error {
		summary, err := svcs.Tracker.Summary(ctx)
		if err != nil {
			return fmt.Errorf("task summary: %w", err)
		}
		if opts.JSON {
			return writeJSON(cmdCtx.Out, summary)
		}
		return printTaskSummary(cmdCtx.Out, summary)
	})
}

func printTaskSummary(out io.Writer, s model.TaskSummary) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	lines := []string{
		"WINDOW\tTASKS\tSUCCESS RATE",
		fmt.Sprintf("24h\t%d\t%.2f%%", s.Last24Hours.Total, s.Last24Hours.SuccessRate),
		fmt.Sprintf("7d\t%d\t%.2f%%", s.Last7Days.Total, s.Last7Days.SuccessRate),
	}
	for _, line := range lines {
		if err := writef(w, "%s\n", line); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if err := writef(out, "\nFailures in the last 24h: %d\n", s.RecentFailuresCount); err != nil {
		return err
	}
	if len(s.TopTaskNames) == 0 {
		return nil
	}
	if err := writef(out, "\nBusiest tasks (7d):\n"); err != nil {
		return err
	}
	for _, tc := range s.TopTaskNames {
		if err := writef(out, "  %-26s %d\n", tc.TaskName, tc.Total); err != nil {
			return err
		}
	}
	return nil
}

type cleanupOptions struct {
	RetentionDays       int
	FailedRetentionDays int
	DryRun              bool
	Timeout             time.Duration
}

func parseCleanupFlags(args []string, retention, failedRetention int) (cleanupOptions, error) {
	fs := flag.NewFlagSet("cleanup-results", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := cleanupOptions{Timeout: defaultMigrationTimeout}
	fs.IntVar(&opts.RetentionDays, "retention-days", retention, "Keep SUCCESS results this many days")
	fs.IntVar(&opts.FailedRetentionDays, "failed-retention-days", failedRetention, "Keep FAILURE results this many days")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Count matching results without deleting")
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration for the command")

	if err := fs.Parse(args); err != nil {
		return cleanupOptions{}, err
	}
	if opts.Timeout <= 0 {
		return cleanupOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runCleanupResults(cmdCtx *commandContext, args []string) error {
	tracker := cmdCtx.Config.Tracker
	opts, err := parseCleanupFlags(args, tracker.RetentionDays, tracker.FailedRetentionDays)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, _ *sql.DB, svcs bootstrap.ServiceContainer) error {
		report, err := svcs.Tracker.Cleanup(ctx, service.CleanupRequest{
			RetentionDays:       opts.RetentionDays,
			FailedRetentionDays: opts.FailedRetentionDays,
			BatchSize:           tracker.CleanupBatchSize,
			DryRun:              opts.DryRun,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmdCtx.Out, report)
	})
}
