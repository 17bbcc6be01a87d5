package data

import (
	"database/sql"
	"log/slog"
)

// RepoConfig holds configuration options for the task repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// TaskRepo is the Postgres task broker. Tasks are reserved with
// FOR UPDATE SKIP LOCKED and redelivered when their lease expires.
type TaskRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewTaskRepo creates a TaskRepo over db.
func NewTaskRepo(db *sql.DB, cfg RepoConfig) *TaskRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskRepo{
		DB:           db,
		timeProvider: timeOrNow(cfg.TimeProvider),
		logger:       logger.With("component", "task_repo"),
	}
}

// notifyChannel is the LISTEN/NOTIFY channel woken on enqueue.
func notifyChannel(queue string) string {
	return "task_added_" + queue
}

const taskColumns = `
  id,
  name,
  queue,
  state,
  args,
  kwargs,
  retry_count,
  max_retries,
  not_before,
  lease_expires_at,
  started_at,
  completed_at,
  last_error,
  created_at,
  updated_at
`
