package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/observability/metrics"
	"github.com/target/placement-fulfillment/internal/observability/statsd"
)

// finalWriteTimeout bounds the status write that ends a fulfillment, which
// still runs when the task context was canceled.
const finalWriteTimeout = 10 * time.Second

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Orders    core.OrderRepository     // Required: order persistence
	Providers *ProviderDirectory       // Required: candidate selection
	Content   *ContentPipeline         // Required: article generation
	Publisher core.Publisher           // Required: remote publishing
	Enqueuer  core.TaskEnqueuer        // Optional: notification fan-out
	Config    config.FulfillmentConfig // Required: attempt limits
	Logger    *slog.Logger             // Optional: structured logger
	Metrics   statsd.Sink              // Optional: metrics sink
	// Sleep waits out the backoff between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Orchestrator drives an order from pending to a terminal status.
type Orchestrator struct {
	orders    core.OrderRepository
	providers *ProviderDirectory
	content   *ContentPipeline
	publisher core.Publisher
	enqueuer  core.TaskEnqueuer
	cfg       config.FulfillmentConfig
	logger    *slog.Logger
	metrics   statsd.Sink
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	switch {
	case opts.Orders == nil:
		return nil, errors.New("OrderRepository is required")
	case opts.Providers == nil:
		return nil, errors.New("ProviderDirectory is required")
	case opts.Content == nil:
		return nil, errors.New("ContentPipeline is required")
	case opts.Publisher == nil:
		return nil, errors.New("publisher is required")
	}
	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		orders:    opts.Orders,
		providers: opts.Providers,
		content:   opts.Content,
		publisher: opts.Publisher,
		enqueuer:  opts.Enqueuer,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		metrics:   opts.Metrics,
		sleep:     opts.Sleep,
		now:       opts.Now,
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// FulfillRequest identifies the order and the task delivering it.
type FulfillRequest struct {
	OrderID string
	TaskID  string
}

// FulfillmentOutcome summarises one Fulfill call.
type FulfillmentOutcome struct {
	OrderID   string            `json:"order_id"`
	Status    model.OrderStatus `json:"status"`
	Skipped   bool              `json:"skipped,omitempty"`
	ResultURL string            `json:"result_url,omitempty"`
	URLs      []string          `json:"urls,omitempty"`
	Provider  string            `json:"provider,omitempty"`
	Attempts  int               `json:"attempts"`
	Excluded  []string          `json:"excluded,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Fulfill runs the fulfillment pipeline for one order. Orders asking for
// more than one placement are handed to FulfillMulti.
//
// A nil error with Skipped set means the order was not pending. An error
// wrapping model.ErrTransient means the order was failed as retryable and the
// task should be redelivered later.
func (o *Orchestrator) Fulfill(ctx context.Context, req FulfillRequest) (*FulfillmentOutcome, error) {
	order, skipped, err := o.claim(ctx, req)
	if err != nil || skipped != nil {
		return skipped, err
	}
	if order.RequestedQuantity() > 1 {
		return o.runMulti(ctx, order)
	}
	return o.runSingle(ctx, order)
}

// claim loads the order and moves it pending -> processing. It returns a
// skip outcome when another delivery owns or already finished the order.
func (o *Orchestrator) claim(ctx context.Context, req FulfillRequest) (*model.Order, *FulfillmentOutcome, error) {
	order, err := o.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("load order %s: %w", req.OrderID, err)
	}
	logger := o.logger.With("order_id", order.ID, "task_id", req.TaskID)

	if order.Status == model.OrderFailed && order.Metadata.Retryable &&
		req.TaskID != "" && req.TaskID == order.Metadata.TaskID {
		meta := order.Metadata
		meta.Retryable = false
		reset, err := o.orders.UpdateStatus(ctx, model.StatusUpdate{
			OrderID: order.ID, From: model.OrderFailed, To: model.OrderPending, Metadata: &meta,
		})
		if errors.Is(err, model.ErrTransitionConflict) {
			return nil, skippedOutcome(order), nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reset retryable order %s: %w", order.ID, err)
		}
		logger.InfoContext(ctx, "retrying transiently failed order")
		order = reset
	}

	if order.Status != model.OrderPending {
		logger.InfoContext(ctx, "order not pending, skipping", "status", order.Status)
		return nil, skippedOutcome(order), nil
	}

	meta := order.Metadata
	meta.TaskID = req.TaskID
	claimed, err := o.orders.UpdateStatus(ctx, model.StatusUpdate{
		OrderID: order.ID, From: model.OrderPending, To: model.OrderProcessing, Metadata: &meta,
	})
	if errors.Is(err, model.ErrTransitionConflict) {
		logger.InfoContext(ctx, "order claimed by another worker, skipping")
		return nil, skippedOutcome(order), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("claim order %s: %w", order.ID, err)
	}

	if err := claimed.ValidateForFulfillment(); err != nil {
		logger.WarnContext(ctx, "order failed validation", "error", err)
		meta := claimed.Metadata
		meta.FailureReason = err.Error()
		meta.Retryable = false
		meta.FailedAt = o.stamp()
		out := &FulfillmentOutcome{OrderID: claimed.ID, Status: model.OrderFailed, Reason: meta.FailureReason}
		if err := o.finish(ctx, claimed, model.OrderFailed, meta); err != nil {
			if errors.Is(err, model.ErrTransitionConflict) {
				return nil, o.superseded(ctx, claimed, model.OrderFailed, nil), nil
			}
			return nil, nil, err
		}
		o.notify(ctx, claimed, model.OrderNotification{Status: model.OrderFailed, Reason: meta.FailureReason})
		return nil, out, nil
	}
	return claimed, nil, nil
}

func skippedOutcome(order *model.Order) *FulfillmentOutcome {
	return &FulfillmentOutcome{
		OrderID:   order.ID,
		Status:    order.Status,
		Skipped:   true,
		ResultURL: order.Metadata.ResultURL,
		Provider:  order.Metadata.ProviderDomain,
	}
}

func (o *Orchestrator) runSingle(ctx context.Context, order *model.Order) (*FulfillmentOutcome, error) {
	logger := o.logger.With("order_id", order.ID)

	candidates, listErr := o.providers.Candidates(ctx, CandidateQuery{
		TargetURL:       order.Metadata.TargetURL,
		PreferredDomain: order.Metadata.PreferredDomain,
	})
	if listErr != nil {
		logger.ErrorContext(ctx, "candidate lookup failed", "error", listErr)
	}

	res := o.place(ctx, order, newCandidatePool(candidates), 0)
	meta := order.Metadata
	meta.Attempts = res.attempts
	meta.ExcludedProviders = mergeDomains(res.tried)
	meta.Degraded = res.degraded

	if res.ok() {
		meta.ProviderDomain = res.provider.Domain
		meta.ResultURL = res.url
		meta.PostID = res.postID
		meta.CompletedAt = o.stamp()
		meta.FailureReason = ""
		meta.Retryable = false
		if err := o.finish(ctx, order, model.OrderCompleted, meta); err != nil {
			if errors.Is(err, model.ErrTransitionConflict) {
				return o.superseded(ctx, order, model.OrderCompleted, []string{res.url}), nil
			}
			return nil, err
		}
		logger.InfoContext(ctx, "order fulfilled", "provider", res.provider.Domain, "url", res.url, "attempts", res.attempts)
		o.notify(ctx, order, model.OrderNotification{
			Status: model.OrderCompleted, ResultURL: res.url, URLs: []string{res.url}, Provider: res.provider.Domain,
		})
		return o.record(&FulfillmentOutcome{
			OrderID:   order.ID,
			Status:    model.OrderCompleted,
			ResultURL: res.url,
			URLs:      []string{res.url},
			Provider:  res.provider.Domain,
			Attempts:  res.attempts,
			Excluded:  meta.ExcludedProviders,
		}), nil
	}

	retryable := res.transient || res.noCandidates || listErr != nil || res.err != nil
	meta.FailureReason = res.failureReason(listErr)
	meta.FailedAt = o.stamp()
	meta.Retryable = retryable
	if err := o.finish(ctx, order, model.OrderFailed, meta); err != nil {
		if errors.Is(err, model.ErrTransitionConflict) {
			return o.superseded(ctx, order, model.OrderFailed, nil), nil
		}
		return nil, err
	}
	logger.WarnContext(ctx, "order failed", "reason", meta.FailureReason, "retryable", retryable, "excluded", meta.ExcludedProviders)
	o.notify(ctx, order, model.OrderNotification{Status: model.OrderFailed, Reason: meta.FailureReason})

	out := o.record(&FulfillmentOutcome{
		OrderID:   order.ID,
		Status:    model.OrderFailed,
		Attempts:  res.attempts,
		Excluded:  meta.ExcludedProviders,
		Retryable: retryable,
		Reason:    meta.FailureReason,
	})
	if retryable {
		return out, fmt.Errorf("order %s: %s: %w", order.ID, meta.FailureReason, model.ErrTransient)
	}
	return out, nil
}

// placement is the result of one fallback loop.
type placement struct {
	provider     *model.Provider
	url          string
	postID       string
	tried        []string
	attempts     int
	transient    bool
	noCandidates bool
	degraded     bool
	lastReason   string
	err          error
}

func (p *placement) ok() bool { return p.provider != nil && p.url != "" }

func (p *placement) failureReason(listErr error) string {
	switch {
	case p.err != nil:
		return "fulfillment interrupted: " + p.err.Error()
	case listErr != nil:
		return "provider lookup failed: " + listErr.Error()
	case p.noCandidates:
		return "no available providers"
	case p.lastReason != "":
		return fmt.Sprintf("all providers failed after %d attempts: %s", p.attempts, p.lastReason)
	default:
		return fmt.Sprintf("all providers failed after %d attempts", p.attempts)
	}
}

// place runs the sequential fallback loop for one placement. Content is
// generated once, on the first reachable candidate; a content rejection
// switches the remaining attempts to the templated article.
func (o *Orchestrator) place(ctx context.Context, order *model.Order, pool *candidatePool, item int) placement {
	logger := o.logger.With("order_id", order.ID, "item", item)
	var (
		res          placement
		article      *model.Article
		fallbackUsed bool
		considered   int
	)
	genReq := GenerateRequest{Topic: order.Metadata.Keyword, TargetURL: order.Metadata.TargetURL, WantImage: true}

	for res.attempts < o.cfg.MaxAttempts {
		p := pool.next()
		if p == nil {
			break
		}
		considered++
		if res.attempts > 0 {
			if err := o.sleep(ctx, time.Duration(res.attempts)*o.cfg.BackoffInterval); err != nil {
				res.err = err
				return res
			}
		}

		probe := o.providers.Probe(ctx, p)
		if !probe.Reachable {
			if ctx.Err() != nil {
				res.err = ctx.Err()
				return res
			}
			logger.InfoContext(ctx, "provider unreachable, trying next", "provider", p.Domain, "status", probe.StatusCode, "detail", probe.Detail)
			res.tried = append(res.tried, p.Domain)
			res.transient = true
			res.lastReason = string(model.ReasonUnreachable)
			continue
		}

		res.attempts++
		if article == nil {
			article = o.content.Generate(ctx, genReq)
			res.degraded = article.Degraded
		}

		pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
		out := o.publisher.Publish(pubCtx, p, article)
		cancel()
		o.providers.RecordUsage(context.WithoutCancel(ctx), p, out.IsOK())

		if out.IsOK() {
			res.provider, res.url, res.postID = p, out.URL, out.PostID
			return res
		}

		logger.InfoContext(ctx, "publish failed", "provider", p.Domain, "attempt", res.attempts, "outcome", out.String())
		res.tried = append(res.tried, p.Domain)
		res.lastReason = string(out.Reason)
		switch {
		case out.Reason == model.ReasonCredential:
			if err := o.providers.MarkCredentialFailure(context.WithoutCancel(ctx), p); err != nil {
				logger.WarnContext(ctx, "could not flag provider credentials", "provider", p.Domain, "error", err)
			}
		case out.Reason == model.ReasonContentRejected:
			if !fallbackUsed {
				fallbackUsed = true
				article = o.content.Fallback(genReq, "content rejected by "+p.Domain)
				res.degraded = true
			}
		case out.Reason.Transient():
			res.transient = true
		}
		if ctx.Err() != nil {
			res.err = ctx.Err()
			return res
		}
	}

	res.noCandidates = considered == 0
	return res
}

// finish writes the terminal status. It outlives a canceled task context so
// an interrupted fulfillment still leaves the order in a readable state.
func (o *Orchestrator) finish(ctx context.Context, order *model.Order, to model.OrderStatus, meta model.OrderMetadata) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer cancel()
	updated, err := o.orders.UpdateStatus(writeCtx, model.StatusUpdate{
		OrderID: order.ID, From: model.OrderProcessing, To: to, Metadata: &meta,
	})
	if err != nil {
		return fmt.Errorf("set order %s %s: %w", order.ID, to, err)
	}
	*order = *updated
	return nil
}

// superseded handles a terminal write lost to a concurrent transition, such
// as an admin cancel. The order is left as the winner wrote it and the
// delivery ends as skipped. Posts already live are logged for manual cleanup.
func (o *Orchestrator) superseded(ctx context.Context, order *model.Order, to model.OrderStatus, urls []string) *FulfillmentOutcome {
	current, err := o.orders.GetByID(context.WithoutCancel(ctx), order.ID)
	if err != nil {
		o.logger.WarnContext(ctx, "reload superseded order failed", "order_id", order.ID, "error", err)
		current = order
	}
	o.logger.WarnContext(ctx, "order changed during fulfillment, result discarded",
		"order_id", order.ID,
		"wanted", to,
		"status", current.Status,
		"published_urls", urls,
	)
	return skippedOutcome(current)
}

// notify enqueues send_order_notification. Failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, order *model.Order, n model.OrderNotification) {
	if o.enqueuer == nil {
		return
	}
	n.OrderID = order.ID
	n.Keyword = order.Metadata.Keyword
	n.TargetURL = order.Metadata.TargetURL
	if _, err := o.enqueuer.Enqueue(context.WithoutCancel(ctx), model.EnqueueRequest{
		Name:   model.TaskSendOrderNotification,
		Kwargs: n.Kwargs(),
	}); err != nil {
		o.logger.WarnContext(ctx, "enqueue order notification failed", "order_id", order.ID, "error", err)
	}
}

func (o *Orchestrator) record(out *FulfillmentOutcome) *FulfillmentOutcome {
	metrics.EmitFulfillment(o.metrics, metrics.FulfillmentMetric{
		Status:   string(out.Status),
		Attempts: out.Attempts,
		Excluded: len(out.Excluded),
	})
	return out
}

func (o *Orchestrator) stamp() *time.Time {
	t := o.now().UTC()
	return &t
}

// candidatePool hands out providers without replacement. Items of a
// multi-item order share one pool.
type candidatePool struct {
	mu        sync.Mutex
	providers []*model.Provider
}

func newCandidatePool(ps []*model.Provider) *candidatePool {
	return &candidatePool{providers: ps}
}

func (c *candidatePool) next() *model.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.providers) == 0 {
		return nil
	}
	p := c.providers[0]
	c.providers = c.providers[1:]
	return p
}

// mergeDomains concatenates domain lists, dropping blanks and repeats.
func mergeDomains(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, d := range list {
			key := strings.ToLower(strings.TrimSpace(d))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}
