// Package core holds the ports of the placement fulfillment system. Services
// depend on these interfaces; internal/data and internal/adapters provide the
// implementations.
package core

import (
	"context"
	"time"

	"github.com/target/placement-fulfillment/internal/domain/model"
)

// OrderRepository defines order persistence. Every status write is
// conditional on the stored status.
type OrderRepository interface {
	GetByID(ctx context.Context, id string) (*model.Order, error)
	// UpdateStatus applies u only while the stored status equals u.From.
	// It returns model.ErrTransitionConflict when another writer got there first.
	UpdateStatus(ctx context.Context, u model.StatusUpdate) (*model.Order, error)
	ListStale(ctx context.Context, q model.StaleOrderQuery) ([]*model.Order, error)
}

// ProviderRepository defines provider persistence.
type ProviderRepository interface {
	List(ctx context.Context, statuses ...model.ProviderStatus) ([]*model.Provider, error)
	GetByID(ctx context.Context, id string) (*model.Provider, error)
	// UpdateStatus returns false when Expected no longer matches.
	UpdateStatus(ctx context.Context, u model.ProviderStatusUpdate) (bool, error)
	RecordUsage(ctx context.Context, u model.ProviderUsage) error
}

// RetryTaskParams reschedules a failed delivery.
type RetryTaskParams struct {
	TaskID     string
	RetryCount int
	NotBefore  time.Time
	Error      string
}

// TaskBroker is a durable queue with late acknowledgement.
type TaskBroker interface {
	Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Task, error)
	// Reserve returns model.ErrNoTasksAvailable when the queue is empty.
	Reserve(ctx context.Context, queue string, leaseSeconds int) (*model.Task, error)
	WaitForNotification(ctx context.Context, queue string) error
	Complete(ctx context.Context, taskID string) (bool, error)
	Retry(ctx context.Context, p RetryTaskParams) (bool, error)
	Fail(ctx context.Context, taskID, errMsg string) (bool, error)
	// Cancel revokes a task that has not been reserved yet.
	Cancel(ctx context.Context, taskID string) (bool, error)
	Stats(ctx context.Context, queue string) (*model.TaskStats, error)
}

// TaskEnqueuer is the narrow view of the queue used by producers.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (string, error)
}

// LiveTaskQuery asks whether an order already has a task in flight.
type LiveTaskQuery struct {
	Names   []model.TaskName
	OrderID string
}

// CleanupResult counts rows removed, or that would be removed, per status.
type CleanupResult struct {
	Success int64 `json:"success"`
	Failure int64 `json:"failure"`
}

// Total returns Success + Failure.
func (r CleanupResult) Total() int64 { return r.Success + r.Failure }

// TaskResultRepository persists task lifecycle records.
type TaskResultRepository interface {
	Upsert(ctx context.Context, t *model.TaskTransition) error
	Get(ctx context.Context, taskID string) (*model.TaskResult, error)
	StatusCounts(ctx context.Context, since time.Time) ([]model.TaskStatusCount, error)
	AverageDuration(ctx context.Context, since time.Time) (float64, error)
	Failed(ctx context.Context, q model.FailedTasksQuery) ([]*model.TaskResult, error)
	Recent(ctx context.Context, since time.Time, q model.RecentTasksQuery) ([]*model.TaskResult, error)
	Cleanup(ctx context.Context, p model.CleanupPolicy) (CleanupResult, error)
	CleanupPreview(ctx context.Context, p model.CleanupPolicy) (CleanupResult, error)
	LiveTaskExists(ctx context.Context, q LiveTaskQuery) (bool, error)
	Ping(ctx context.Context) error
}

// TaskTracker records lifecycle transitions. Tracking failures never fail the task.
type TaskTracker interface {
	TrackPending(ctx context.Context, t *model.Task)
	TrackStart(ctx context.Context, t *model.Task, worker string)
	TrackSuccess(ctx context.Context, t *model.Task, result any)
	TrackRetry(ctx context.Context, t *model.Task, err error)
	TrackFailure(ctx context.Context, t *model.Task, err error, trace string)
	TrackRevoked(ctx context.Context, taskID string)
}

// RateLimiter blocks until one more execution under key is allowed.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// DeleteOldTasksParams groups parameters for DeleteOldTasks.
type DeleteOldTasksParams struct {
	State     model.TaskState
	MaxAge    time.Duration
	BatchSize int
}

// FailStaleOrdersParams groups parameters for FailStaleProcessingOrders.
type FailStaleOrdersParams struct {
	MaxAge    time.Duration
	BatchSize int
	Reason    string
}

// ReaperRepository defines the batch cleanup operations run by the reaper.
type ReaperRepository interface {
	// FailStalePendingTasks marks pending tasks older than maxAge as failed.
	FailStalePendingTasks(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
	// DeleteOldTasks deletes tasks in the given state older than MaxAge.
	DeleteOldTasks(ctx context.Context, params DeleteOldTasksParams) (int64, error)
	// FailStaleProcessingOrders moves orders stuck in processing to failed.
	FailStaleProcessingOrders(ctx context.Context, params FailStaleOrdersParams) (int64, error)
}

// LeaseRequeuer returns running tasks whose lease lapsed to pending.
type LeaseRequeuer interface {
	RequeueExpired(ctx context.Context, queues ...string) (int64, error)
}

// AdvisoryLocker runs fn only when the named cluster-wide lock is free.
type AdvisoryLocker interface {
	TryWithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error)
}

// Publisher posts an article to a provider.
type Publisher interface {
	Publish(ctx context.Context, p *model.Provider, a *model.Article) model.PublishOutcome
}

// Prober checks that a provider answers at all.
type Prober interface {
	Probe(ctx context.Context, p *model.Provider) model.ProbeResult
}

// ContentGenerator is a text and image generation backend.
type ContentGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
	GenerateImage(ctx context.Context, prompt string) (*model.ImageAsset, error)
}

// Mailer delivers transactional email.
type Mailer interface {
	Send(ctx context.Context, msg model.EmailMessage) error
}

// UserDirectory resolves the contact address of an order owner.
type UserDirectory interface {
	Email(ctx context.Context, userID string) (string, error)
}
