package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/model"
)

// fakeBroker is an in-memory core.TaskBroker.
type fakeBroker struct {
	mu        sync.Mutex
	seq       int
	tasks     map[string]*model.Task
	enqueueFn func(ctx context.Context, req *model.EnqueueRequest) (*model.Task, error)
	retries   []core.RetryTaskParams
	failed    map[string]string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{tasks: map[string]*model.Task{}, failed: map[string]string{}}
}

func (b *fakeBroker) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Task, error) {
	if b.enqueueFn != nil {
		return b.enqueueFn(ctx, req)
	}
	args, kwargs, err := req.EncodeArgs()
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	t := &model.Task{
		ID:         fmt.Sprintf("task-%d", b.seq),
		Name:       req.Name,
		Queue:      req.Queue,
		State:      model.TaskStatePending,
		Args:       args,
		Kwargs:     kwargs,
		MaxRetries: *req.MaxRetries,
		NotBefore:  time.Now(),
		CreatedAt:  time.Now(),
	}
	if req.NotBefore != nil {
		t.NotBefore = *req.NotBefore
	}
	b.tasks[t.ID] = t
	return t, nil
}

func (b *fakeBroker) Reserve(_ context.Context, queue string, _ int) (*model.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.tasks))
	for id := range b.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := b.tasks[id]
		if t.Queue == queue && t.State == model.TaskStatePending && !t.NotBefore.After(time.Now()) {
			t.State = model.TaskStateRunning
			cp := *t
			return &cp, nil
		}
	}
	return nil, model.ErrNoTasksAvailable
}

func (b *fakeBroker) WaitForNotification(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) Complete(_ context.Context, id string) (bool, error) {
	return b.transition(id, model.TaskStateRunning, model.TaskStateCompleted), nil
}

func (b *fakeBroker) Retry(_ context.Context, p core.RetryTaskParams) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[p.TaskID]
	if !ok || t.State != model.TaskStateRunning || p.RetryCount > t.MaxRetries {
		return false, nil
	}
	b.retries = append(b.retries, p)
	t.State = model.TaskStatePending
	t.RetryCount = p.RetryCount
	t.NotBefore = p.NotBefore
	return true, nil
}

func (b *fakeBroker) Fail(_ context.Context, id, msg string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok || (t.State != model.TaskStateRunning && t.State != model.TaskStatePending) {
		return false, nil
	}
	t.State = model.TaskStateFailed
	b.failed[id] = msg
	return true, nil
}

func (b *fakeBroker) Cancel(_ context.Context, id string) (bool, error) {
	return b.transition(id, model.TaskStatePending, model.TaskStateFailed), nil
}

func (b *fakeBroker) Stats(_ context.Context, queue string) (*model.TaskStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &model.TaskStats{}
	for _, t := range b.tasks {
		if t.Queue != queue {
			continue
		}
		switch t.State {
		case model.TaskStatePending:
			s.Pending++
		case model.TaskStateRunning:
			s.Running++
		case model.TaskStateCompleted:
			s.Completed++
		case model.TaskStateFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (b *fakeBroker) transition(id string, from, to model.TaskState) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok || t.State != from {
		return false
	}
	t.State = to
	return true
}

func (b *fakeBroker) byName(name model.TaskName) []*model.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*model.Task
	for _, t := range b.tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// recordingTracker captures tracker calls.
type recordingTracker struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingTracker) record(kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+id)
}

func (r *recordingTracker) TrackPending(_ context.Context, t *model.Task) { r.record("pending", t.ID) }
func (r *recordingTracker) TrackStart(_ context.Context, t *model.Task, _ string) {
	r.record("start", t.ID)
}
func (r *recordingTracker) TrackSuccess(_ context.Context, t *model.Task, _ any) {
	r.record("success", t.ID)
}
func (r *recordingTracker) TrackRetry(_ context.Context, t *model.Task, _ error) {
	r.record("retry", t.ID)
}
func (r *recordingTracker) TrackFailure(_ context.Context, t *model.Task, _ error, _ string) {
	r.record("failure", t.ID)
}
func (r *recordingTracker) TrackRevoked(_ context.Context, id string) { r.record("revoked", id) }

func (r *recordingTracker) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// memOrders is an in-memory core.OrderRepository with conditional writes.
type memOrders struct {
	mu      sync.Mutex
	orders  map[string]*model.Order
	updates []model.StatusUpdate
}

func newMemOrders(orders ...*model.Order) *memOrders {
	m := &memOrders{orders: map[string]*model.Order{}}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memOrders) GetByID(_ context.Context, id string) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, u model.StatusUpdate) (*model.Order, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[u.OrderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	if o.Status != u.From {
		return nil, model.ErrTransitionConflict
	}
	o.Status = u.To
	if u.Metadata != nil {
		o.Metadata = *u.Metadata
	}
	o.UpdatedAt = time.Now()
	m.updates = append(m.updates, u)
	cp := *o
	return &cp, nil
}

func (m *memOrders) ListStale(_ context.Context, q model.StaleOrderQuery) ([]*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Order
	for _, o := range m.orders {
		if o.Status == q.Status && o.UpdatedAt.Before(q.Before) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memOrders) status(id string) model.OrderStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memOrders) edges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.updates))
	for i, u := range m.updates {
		out[i] = string(u.From) + "->" + string(u.To)
	}
	return out
}

// memProviders is an in-memory core.ProviderRepository.
type memProviders struct {
	mu        sync.Mutex
	providers map[string]*model.Provider
	usage     []model.ProviderUsage
	listErr   error
}

func newMemProviders(ps ...*model.Provider) *memProviders {
	m := &memProviders{providers: map[string]*model.Provider{}}
	for _, p := range ps {
		m.providers[p.ID] = p
	}
	return m
}

func (m *memProviders) List(_ context.Context, statuses ...model.ProviderStatus) ([]*model.Provider, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Provider
	for _, p := range m.providers {
		if len(statuses) == 0 || containsStatus(statuses, p.Status) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsStatus(list []model.ProviderStatus, s model.ProviderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memProviders) GetByID(_ context.Context, id string) (*model.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, model.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProviders) UpdateStatus(_ context.Context, u model.ProviderStatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[u.ProviderID]
	if !ok {
		return false, model.ErrProviderNotFound
	}
	if u.Expected != nil && p.Status != *u.Expected {
		return false, nil
	}
	p.Status = u.To
	if u.CredentialFailure != nil {
		p.CredentialFailure = *u.CredentialFailure
	}
	if u.CheckedAt != nil {
		t := *u.CheckedAt
		p.LastCheckedAt = &t
	}
	return true, nil
}

func (m *memProviders) RecordUsage(_ context.Context, u model.ProviderUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[u.ProviderID]
	if !ok {
		return model.ErrProviderNotFound
	}
	if u.Success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	at := u.At
	p.LastUsedAt = &at
	m.usage = append(m.usage, u)
	return nil
}

func (m *memProviders) get(id string) model.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.providers[id]
}

// fakeEnqueuer records enqueued requests.
type fakeEnqueuer struct {
	mu   sync.Mutex
	reqs []model.EnqueueRequest
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req model.EnqueueRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("enq-%d", len(f.reqs)), nil
}

func (f *fakeEnqueuer) named(name model.TaskName) []model.EnqueueRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.EnqueueRequest
	for _, r := range f.reqs {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// fakeLocker runs fn unless held is set.
type fakeLocker struct {
	held  bool
	calls int
}

func (l *fakeLocker) TryWithLock(ctx context.Context, _ string, fn func(context.Context) error) (bool, error) {
	l.calls++
	if l.held {
		return false, nil
	}
	return true, fn(ctx)
}

var errBoom = errors.New("boom")
