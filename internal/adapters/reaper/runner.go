// Package reaper provides adapters for running the task reaper.
package reaper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/data"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
	"github.com/target/placement-fulfillment/internal/service"
)

// Runner provides a simple adapter to run the reaper loop.
// It constructs the reaper service and runs the cleanup loop.
type Runner struct {
	reaper *service.ReaperService
	logger *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	DB     *sql.DB
	Config config.ReaperConfig
	Logger *slog.Logger
	// Queues swept for lapsed leases; defaults to every queue.
	Queues []string
	// SkipLeaseRequeue disables the lease sweep, used when tasks live in
	// RabbitMQ and redelivery is the broker's job.
	SkipLeaseRequeue bool

	// Optional dependency injection for testing/decoupling
	Repo     core.ReaperRepository
	Requeuer core.LeaseRequeuer
	Metrics  statsd.Sink
}

// NewRunner creates a new reaper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil && opts.DB == nil {
		return nil, errors.New("database connection is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	repo, requeuer := opts.Repo, opts.Requeuer
	if repo == nil || (requeuer == nil && !opts.SkipLeaseRequeue) {
		tasks := data.NewTaskRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
		if repo == nil {
			repo = tasks
		}
		if requeuer == nil && !opts.SkipLeaseRequeue {
			requeuer = tasks
		}
	}
	if opts.SkipLeaseRequeue {
		requeuer = nil
	}

	reaper, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:     repo,
		Requeuer: requeuer,
		Queues:   opts.Queues,
		Config:   opts.Config,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}
	return &Runner{reaper: reaper, logger: opts.Logger}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper runner")
	return r.reaper.Run(ctx)
}
