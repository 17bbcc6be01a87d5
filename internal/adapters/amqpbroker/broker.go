// Package amqpbroker implements core.TaskBroker on RabbitMQ.
//
// Every named queue gets a durable main queue, a "<queue>.delay" queue whose
// expired messages dead-letter back into the main queue, and a
// "<queue>.failed" parking queue for tasks that will not run again. Messages
// are fetched with basic.get and acknowledged only after the handler returns.
package amqpbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

const (
	delaySuffix  = ".delay"
	failedSuffix = ".failed"
)

// Options configures a Broker.
type Options struct {
	URL    string   // Required: amqp:// connection URL
	Queues []string // queues declared on connect
	// PollInterval is how long WaitForNotification blocks; RabbitMQ has no
	// wakeup channel for basic.get consumers.
	PollInterval time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Broker is a RabbitMQ backed task broker.
type Broker struct {
	url    string
	queues []string
	poll   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	inflight map[string]inflight
}

type inflight struct {
	delivery amqp.Delivery
	task     *model.Task
}

var _ core.TaskBroker = (*Broker)(nil)

// New dials RabbitMQ and declares the configured queues.
func New(ctx context.Context, opts Options) (*Broker, error) {
	if opts.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	b := &Broker{
		url:      opts.URL,
		queues:   opts.Queues,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		now:      opts.Now,
		declared: make(map[string]bool),
		inflight: make(map[string]inflight),
	}
	if b.poll <= 0 {
		b.poll = time.Second
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("component", "amqp_broker")
	if b.now == nil {
		b.now = time.Now
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.channelLocked(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Close closes the channel and connection. Unacknowledged tasks are
// redelivered by RabbitMQ.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight = make(map[string]inflight)
	var errs []error
	if b.ch != nil {
		errs = append(errs, b.ch.Close())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Close())
	}
	b.ch, b.conn = nil, nil
	return errors.Join(errs...)
}

// channelLocked returns a live channel, redialing when the previous
// connection dropped. Deliveries of a dropped channel are forgotten because
// RabbitMQ requeues them.
func (b *Broker) channelLocked(ctx context.Context) (*amqp.Channel, error) {
	if b.ch != nil && !b.ch.IsClosed() {
		return b.ch, nil
	}
	if b.conn == nil || b.conn.IsClosed() {
		conn, err := amqp.DialConfig(b.url, amqp.Config{
			Dial: amqp.DefaultDial(5 * time.Second),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dial rabbitmq: %w", model.ErrQueueUnavailable, err)
		}
		b.conn = conn
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", model.ErrQueueUnavailable, err)
	}
	b.ch = ch
	b.declared = make(map[string]bool)
	b.inflight = make(map[string]inflight)
	for _, q := range b.queues {
		if err := b.declareLocked(q); err != nil {
			return nil, err
		}
	}
	b.logger.InfoContext(ctx, "connected to rabbitmq", "queues", b.queues)
	return ch, nil
}

func (b *Broker) declareLocked(queue string) error {
	if b.declared[queue] {
		return nil
	}
	for _, spec := range topology(queue) {
		if _, err := b.ch.QueueDeclare(spec.name, true, false, false, false, spec.args); err != nil {
			return fmt.Errorf("%w: declare %s: %w", model.ErrQueueUnavailable, spec.name, err)
		}
	}
	b.declared[queue] = true
	return nil
}

type queueSpec struct {
	name string
	args amqp.Table
}

// topology lists the queues backing one named queue.
func topology(queue string) []queueSpec {
	return []queueSpec{
		{name: queue},
		{name: queue + delaySuffix, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}},
		{name: queue + failedSuffix},
	}
}

func (b *Broker) withChannel(ctx context.Context, queue string, fn func(ch *amqp.Channel) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, err := b.channelLocked(ctx)
	if err != nil {
		return err
	}
	if queue != "" {
		if err := b.declareLocked(queue); err != nil {
			return err
		}
	}
	return fn(ch)
}

// Enqueue publishes a new task. A NotBefore in the future routes it through
// the delay queue.
func (b *Broker) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	args, kwargs, err := req.EncodeArgs()
	if err != nil {
		return nil, err
	}
	now := b.now().UTC()
	task := &model.Task{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Queue:      req.Queue,
		State:      model.TaskStatePending,
		Args:       args,
		Kwargs:     kwargs,
		MaxRetries: *req.MaxRetries,
		NotBefore:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.NotBefore != nil {
		task.NotBefore = req.NotBefore.UTC()
	}

	if err := b.withChannel(ctx, task.Queue, func(ch *amqp.Channel) error {
		return b.publishLocked(ctx, ch, task)
	}); err != nil {
		return nil, err
	}
	return task, nil
}

func (b *Broker) publishLocked(ctx context.Context, ch *amqp.Channel, task *model.Task) error {
	msg, routingKey, err := encodeMessage(task, b.now())
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", routingKey, false, false, msg); err != nil {
		return publishError(routingKey, err)
	}
	return nil
}

// encodeMessage builds the persistent message for task and picks the main or
// delay queue from its NotBefore.
func encodeMessage(task *model.Task, now time.Time) (amqp.Publishing, string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.ID,
		Type:         string(task.Name),
		Timestamp:    now,
		Body:         body,
	}
	routingKey := task.Queue
	if delay := task.NotBefore.Sub(now); delay > 0 {
		msg.Expiration = expiration(delay)
		routingKey = task.Queue + delaySuffix
	}
	return msg, routingKey, nil
}

// expiration renders a per-message TTL in milliseconds, rounded up.
func expiration(d time.Duration) string {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return strconv.FormatInt(int64(max(ms, 1)), 10)
}

func publishError(key string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: publish to %s: %w", model.ErrQueueUnavailable, key, err)
	}
	return fmt.Errorf("publish to %s: %w", key, err)
}

// Reserve fetches one message from queue. The lease is the time until the
// channel closes; RabbitMQ redelivers unacknowledged messages on its own.
func (b *Broker) Reserve(ctx context.Context, queue string, _ int) (*model.Task, error) {
	var task *model.Task
	err := b.withChannel(ctx, queue, func(ch *amqp.Channel) error {
		d, ok, err := ch.Get(queue, false)
		if err != nil {
			return fmt.Errorf("%w: get from %s: %w", model.ErrQueueUnavailable, queue, err)
		}
		if !ok {
			return model.ErrNoTasksAvailable
		}
		t, err := decodeDelivery(d, b.now())
		if err != nil {
			// An undecodable message can never succeed; park it.
			b.logger.ErrorContext(ctx, "dropping malformed task message", "queue", queue, "error", err)
			_ = ch.PublishWithContext(ctx, "", queue+failedSuffix, false, false, amqp.Publishing{
				ContentType: d.ContentType, DeliveryMode: amqp.Persistent, Body: d.Body,
			})
			_ = d.Ack(false)
			return model.ErrNoTasksAvailable
		}
		b.inflight[t.ID] = inflight{delivery: d, task: t}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func decodeDelivery(d amqp.Delivery, now time.Time) (*model.Task, error) {
	var t model.Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	if t.ID == "" {
		return nil, errors.New("task message without id")
	}
	started := now.UTC()
	t.State = model.TaskStateRunning
	t.StartedAt = &started
	t.UpdatedAt = started
	return &t, nil
}

// WaitForNotification sleeps for the poll interval.
func (b *Broker) WaitForNotification(ctx context.Context, _ string) error {
	t := time.NewTimer(b.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *Broker) take(id string) (inflight, bool) {
	f, ok := b.inflight[id]
	if ok {
		delete(b.inflight, id)
	}
	return f, ok
}

// Complete acknowledges a reserved task. Unknown ids report false.
func (b *Broker) Complete(ctx context.Context, taskID string) (bool, error) {
	var acked bool
	err := b.withChannel(ctx, "", func(*amqp.Channel) error {
		f, ok := b.take(taskID)
		if !ok {
			return nil
		}
		if err := f.delivery.Ack(false); err != nil {
			return fmt.Errorf("ack task %s: %w", taskID, err)
		}
		acked = true
		return nil
	})
	return acked, err
}

// Retry republishes the task through the delay queue and then acknowledges
// the original delivery.
func (b *Broker) Retry(ctx context.Context, p core.RetryTaskParams) (bool, error) {
	var retried bool
	err := b.withChannel(ctx, "", func(ch *amqp.Channel) error {
		f, ok := b.inflight[p.TaskID]
		if !ok {
			return nil
		}
		next := *f.task
		next.State = model.TaskStatePending
		next.RetryCount = p.RetryCount
		next.NotBefore = p.NotBefore.UTC()
		next.StartedAt = nil
		next.UpdatedAt = b.now().UTC()
		if p.Error != "" {
			msg := p.Error
			next.LastError = &msg
		}
		if err := b.declareLocked(next.Queue); err != nil {
			return err
		}
		if err := b.publishLocked(ctx, ch, &next); err != nil {
			return err
		}
		delete(b.inflight, p.TaskID)
		if err := f.delivery.Ack(false); err != nil {
			return fmt.Errorf("ack retried task %s: %w", p.TaskID, err)
		}
		retried = true
		return nil
	})
	return retried, err
}

// Fail parks the task on the failed queue and acknowledges it.
func (b *Broker) Fail(ctx context.Context, taskID, errMsg string) (bool, error) {
	var failed bool
	err := b.withChannel(ctx, "", func(ch *amqp.Channel) error {
		f, ok := b.inflight[taskID]
		if !ok {
			return nil
		}
		dead := *f.task
		now := b.now().UTC()
		dead.State = model.TaskStateFailed
		dead.LastError = &errMsg
		dead.CompletedAt = &now
		dead.UpdatedAt = now
		body, err := json.Marshal(&dead)
		if err != nil {
			return fmt.Errorf("encode failed task %s: %w", taskID, err)
		}
		key := dead.Queue + failedSuffix
		if err := b.declareLocked(dead.Queue); err != nil {
			return err
		}
		if err := ch.PublishWithContext(ctx, "", key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    dead.ID,
			Type:         string(dead.Name),
			Timestamp:    now,
			Body:         body,
		}); err != nil {
			return publishError(key, err)
		}
		delete(b.inflight, taskID)
		if err := f.delivery.Ack(false); err != nil {
			return fmt.Errorf("ack failed task %s: %w", taskID, err)
		}
		failed = true
		return nil
	})
	return failed, err
}

// Cancel reports false. Queued RabbitMQ messages cannot be revoked by id; the
// order state machine turns a cancelled order's task into a no-op instead.
func (b *Broker) Cancel(context.Context, string) (bool, error) {
	return false, nil
}

// Stats counts ready and delayed messages as pending and the parking queue
// as failed. Running counts only this process's deliveries.
func (b *Broker) Stats(ctx context.Context, queue string) (*model.TaskStats, error) {
	stats := &model.TaskStats{}
	err := b.withChannel(ctx, queue, func(ch *amqp.Channel) error {
		for _, name := range []string{queue, queue + delaySuffix, queue + failedSuffix} {
			q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", name, err)
			}
			if name == queue+failedSuffix {
				stats.Failed = q.Messages
			} else {
				stats.Pending += q.Messages
			}
		}
		for _, f := range b.inflight {
			if f.task.Queue == queue {
				stats.Running++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
