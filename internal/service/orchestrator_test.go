package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/placement-fulfillment/config"
	"github.com/target/placement-fulfillment/internal/core"
	"github.com/target/placement-fulfillment/internal/domain/content"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/mocks"
)

// scriptedPublisher answers per domain; unknown domains succeed.
type scriptedPublisher struct {
	mu       sync.Mutex
	outcomes map[string]model.PublishOutcome
	calls    []string
	articles []*model.Article
}

func (s *scriptedPublisher) Publish(_ context.Context, p *model.Provider, a *model.Article) model.PublishOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p.Domain)
	s.articles = append(s.articles, a)
	if out, ok := s.outcomes[p.Domain]; ok {
		return out
	}
	return model.Ok("https://"+p.Domain+"/post-"+p.ID, p.ID)
}

func (s *scriptedPublisher) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type orchestratorFixture struct {
	orders    *memOrders
	providers *memProviders
	prober    *scriptedProber
	enqueuer  *fakeEnqueuer
	orch      *Orchestrator

	mu    sync.Mutex
	slept []time.Duration
}

func (f *orchestratorFixture) sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

type fixtureOption func(*OrchestratorOptions)

func withGenerator(gen core.ContentGenerator) fixtureOption {
	return func(o *OrchestratorOptions) {
		cfg := testContentConfig()
		cfg.WithImage = false
		o.Content = NewContentPipeline(ContentPipelineOptions{
			Generator: gen,
			Config:    cfg,
			Sleep:     func(context.Context, time.Duration) error { return nil },
		})
	}
}

func withSleep(fn func(context.Context, time.Duration) error) fixtureOption {
	return func(o *OrchestratorOptions) { o.Sleep = fn }
}

func newOrchestratorFixture(t *testing.T, pub core.Publisher, orders []*model.Order, ps []*model.Provider, opts ...fixtureOption) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		orders:    newMemOrders(orders...),
		providers: newMemProviders(ps...),
		prober:    &scriptedProber{results: map[string]model.ProbeResult{}},
		enqueuer:  &fakeEnqueuer{},
	}
	dir := newTestDirectory(t, f.providers, f.prober)
	o := OrchestratorOptions{
		Orders:    f.orders,
		Providers: dir,
		Content:   NewContentPipeline(ContentPipelineOptions{Config: testContentConfig()}),
		Publisher: pub,
		Enqueuer:  f.enqueuer,
		Config: config.FulfillmentConfig{
			MaxAttempts:      5,
			BackoffInterval:  time.Second,
			ProbeTimeout:     time.Second,
			PublishTimeout:   time.Second,
			MaxConcurrency:   3,
			SuccessThreshold: 0.7,
		},
		Sleep: func(_ context.Context, d time.Duration) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.slept = append(f.slept, d)
			return nil
		},
		Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	orch, err := NewOrchestrator(o)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func pendingOrder(id string) *model.Order {
	return &model.Order{
		ID:     id,
		UserID: "user-1",
		Status: model.OrderPending,
		Metadata: model.OrderMetadata{
			TargetURL: "https://shop.example/shoes",
			Keyword:   "running shoes",
		},
	}
}

func activeProviders(domains ...string) []*model.Provider {
	out := make([]*model.Provider, len(domains))
	for i, d := range domains {
		out[i] = provider(string(rune('a'+i))+"-id", d, model.ProviderActive)
	}
	return out
}

func TestNewOrchestratorRequiresDeps(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorOptions{})
	require.Error(t, err)

	dir := newTestDirectory(t, newMemProviders(), &scriptedProber{})
	_, err = NewOrchestrator(OrchestratorOptions{
		Orders:    newMemOrders(),
		Providers: dir,
		Content:   NewContentPipeline(ContentPipelineOptions{}),
	})
	require.Error(t, err, "publisher is required")
}

func TestFulfillFallsBackPastUnreachableProviders(t *testing.T) {
	pub := &scriptedPublisher{}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{pendingOrder("o-1")},
		activeProviders("a.example", "b.example", "c.example", "d.example"),
	)
	for _, d := range []string{"a.example", "b.example", "c.example"} {
		f.prober.results[d] = model.ProbeResult{Reachable: false, Detail: "connection refused"}
	}

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Equal(t, "d.example", out.Provider)
	assert.Equal(t, "https://d.example/post-d-id", out.ResultURL)
	assert.Equal(t, 1, out.Attempts, "unreachable providers do not consume attempts")
	assert.Equal(t, []string{"a.example", "b.example", "c.example"}, out.Excluded)
	assert.Equal(t, []string{"d.example"}, pub.published())
	assert.Empty(t, f.sleeps())

	assert.Equal(t, []string{"pending->processing", "processing->completed"}, f.orders.edges())
	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "d.example", stored.Metadata.ProviderDomain)
	assert.Equal(t, "task-1", stored.Metadata.TaskID)
	assert.NotNil(t, stored.Metadata.CompletedAt)
	assert.Nil(t, stored.Metadata.FailedAt)
	assert.Len(t, stored.Metadata.ExcludedProviders, 3)

	notes := f.enqueuer.named(model.TaskSendOrderNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "completed", notes[0].Kwargs["status"])
	assert.Equal(t, "https://d.example/post-d-id", notes[0].Kwargs["backlink_url"])

	assert.Equal(t, 1, f.providers.get("d-id").SuccessCount)
}

func TestFulfillWithoutProvidersFailsTransiently(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)

	f := newOrchestratorFixture(t, pub, []*model.Order{pendingOrder("o-1")}, nil)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrTransient)

	assert.Equal(t, model.OrderFailed, out.Status)
	assert.True(t, out.Retryable)
	assert.Equal(t, "no available providers", out.Reason)
	assert.Equal(t, model.OrderFailed, f.orders.status("o-1"))

	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.True(t, stored.Metadata.Retryable)
	assert.NotNil(t, stored.Metadata.FailedAt)
	assert.Nil(t, stored.Metadata.CompletedAt)

	notes := f.enqueuer.named(model.TaskSendOrderNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "failed", notes[0].Kwargs["status"])
}

func TestFulfillExhaustsAttemptsWithBackoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)
	pub.EXPECT().
		Publish(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(model.Retryable(model.ReasonServerError, "502 bad gateway").WithStatus(502)).
		Times(5)

	f := newOrchestratorFixture(t, pub,
		[]*model.Order{pendingOrder("o-1")},
		activeProviders("a.example", "b.example", "c.example", "d.example", "e.example", "f.example"),
	)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.ErrorIs(t, err, model.ErrTransient)

	assert.Equal(t, model.OrderFailed, out.Status)
	assert.Equal(t, 5, out.Attempts)
	assert.Len(t, out.Excluded, 5)
	assert.Equal(t, "all providers failed after 5 attempts: server_error", out.Reason)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, f.sleeps())
	assert.Equal(t, 1, f.providers.get("a-id").FailureCount)
	assert.Zero(t, f.providers.get("f-id").FailureCount, "sixth provider is never tried")
}

func TestFulfillCredentialFailureTakesProviderOutOfRotation(t *testing.T) {
	pub := &scriptedPublisher{outcomes: map[string]model.PublishOutcome{
		"a.example": model.Fatal(model.ReasonCredential, "401 unauthorized").WithStatus(401),
	}}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{pendingOrder("o-1")},
		activeProviders("a.example", "b.example"),
	)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Equal(t, "b.example", out.Provider)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []string{"a.example"}, out.Excluded)

	a := f.providers.get("a-id")
	assert.Equal(t, model.ProviderMaintenance, a.Status)
	assert.True(t, a.CredentialFailure)
	assert.Equal(t, 1, a.FailureCount)
}

func TestFulfillContentRejectionSwitchesToFallbackOnce(t *testing.T) {
	gen := &scriptedGenerator{rules: []generatorRule{
		{contains: "blog titles", replies: []textReply{{out: "Best Running Shoes"}}},
		{contains: "Write the body", replies: []textReply{{out: words(150)}}},
		{contains: "Write a conclusion", replies: []textReply{{out: "That wraps it up."}}},
	}}
	pub := &scriptedPublisher{outcomes: map[string]model.PublishOutcome{
		"a.example": model.Fatal(model.ReasonContentRejected, "rest_invalid_param").WithStatus(400),
		"b.example": model.Fatal(model.ReasonContentRejected, "rest_invalid_param").WithStatus(400),
	}}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{pendingOrder("o-1")},
		activeProviders("a.example", "b.example", "c.example"),
		withGenerator(gen),
	)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Equal(t, "c.example", out.Provider)

	require.Len(t, pub.articles, 3)
	assert.Equal(t, "Best Running Shoes", pub.articles[0].Title)
	assert.Equal(t, content.FallbackTitle("running shoes"), pub.articles[1].Title)
	assert.Same(t, pub.articles[1], pub.articles[2], "fallback article is built once")
	assert.Equal(t, 1, gen.count("blog titles"), "content is generated once per order")

	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.True(t, stored.Metadata.Degraded)
	assert.Equal(t, model.ProviderActive, f.providers.get("a-id").Status, "content rejection leaves the provider active")
}

func TestFulfillContentRejectionEverywhereIsNotRetryable(t *testing.T) {
	rejected := model.Fatal(model.ReasonContentRejected, "rest_invalid_param")
	pub := &scriptedPublisher{outcomes: map[string]model.PublishOutcome{
		"a.example": rejected,
		"b.example": rejected,
	}}
	f := newOrchestratorFixture(t, pub, []*model.Order{pendingOrder("o-1")}, activeProviders("a.example", "b.example"))

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, out.Status)
	assert.False(t, out.Retryable)
	assert.Equal(t, 2, out.Attempts)
}

func TestFulfillRedeliveryIsNoOp(t *testing.T) {
	pub := &scriptedPublisher{}
	f := newOrchestratorFixture(t, pub, []*model.Order{pendingOrder("o-1")}, activeProviders("a.example"))
	ctx := context.Background()

	_, err := f.orch.Fulfill(ctx, FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)

	out, err := f.orch.Fulfill(ctx, FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Equal(t, "https://a.example/post-a-id", out.ResultURL)

	assert.Equal(t, []string{"a.example"}, pub.published(), "a finished order is never published twice")
	assert.Len(t, f.enqueuer.named(model.TaskSendOrderNotification), 1)
}

func TestFulfillSkipsOrdersOtherWorkersOwn(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)

	processing := pendingOrder("o-1")
	processing.Status = model.OrderProcessing
	cancelled := pendingOrder("o-2")
	cancelled.Status = model.OrderCancelled
	f := newOrchestratorFixture(t, pub, []*model.Order{processing, cancelled}, activeProviders("a.example"))

	for _, id := range []string{"o-1", "o-2"} {
		out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: id, TaskID: "task-1"})
		require.NoError(t, err)
		assert.True(t, out.Skipped, id)
	}
	assert.Empty(t, f.orders.edges())
	assert.Empty(t, f.enqueuer.named(model.TaskSendOrderNotification))
}

func TestFulfillResetsRetryableFailureForSameTask(t *testing.T) {
	failed := pendingOrder("o-1")
	failed.Status = model.OrderFailed
	failed.Metadata.Retryable = true
	failed.Metadata.TaskID = "task-9"
	failed.Metadata.FailureReason = "no available providers"

	pub := &scriptedPublisher{}
	f := newOrchestratorFixture(t, pub, []*model.Order{failed}, activeProviders("a.example"))
	ctx := context.Background()

	out, err := f.orch.Fulfill(ctx, FulfillRequest{OrderID: "o-1", TaskID: "task-other"})
	require.NoError(t, err)
	assert.True(t, out.Skipped, "another task must not resurrect the order")

	out, err = f.orch.Fulfill(ctx, FulfillRequest{OrderID: "o-1", TaskID: "task-9"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Equal(t, []string{"failed->pending", "pending->processing", "processing->completed"}, f.orders.edges())

	stored, err := f.orders.GetByID(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, stored.Metadata.Retryable)
	assert.Empty(t, stored.Metadata.FailureReason)
}

func TestFulfillInvalidOrderFailsWithoutRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(ctrl)

	order := pendingOrder("o-1")
	order.Metadata.Keyword = " "
	f := newOrchestratorFixture(t, pub, []*model.Order{order}, activeProviders("a.example"))

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFailed, out.Status)
	assert.Contains(t, out.Reason, "keyword is required")
	assert.Equal(t, []string{"pending->processing", "processing->failed"}, f.orders.edges())

	notes := f.enqueuer.named(model.TaskSendOrderNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "failed", notes[0].Kwargs["status"])
}

func TestFulfillMissingOrder(t *testing.T) {
	f := newOrchestratorFixture(t, &scriptedPublisher{}, nil, nil)
	_, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "missing"})
	require.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestFulfillInterruptedDuringBackoffIsRetryable(t *testing.T) {
	pub := &scriptedPublisher{outcomes: map[string]model.PublishOutcome{
		"a.example": model.Retryable(model.ReasonServerError, "503"),
	}}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{pendingOrder("o-1")},
		activeProviders("a.example", "b.example"),
		withSleep(func(context.Context, time.Duration) error { return context.Canceled }),
	)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.ErrorIs(t, err, model.ErrTransient)
	assert.Equal(t, model.OrderFailed, out.Status)
	assert.Contains(t, out.Reason, "fulfillment interrupted")
	assert.Equal(t, []string{"a.example"}, pub.published())
}

func TestFulfillNotificationFailureDoesNotFailOrder(t *testing.T) {
	f := newOrchestratorFixture(t, &scriptedPublisher{}, []*model.Order{pendingOrder("o-1")}, activeProviders("a.example"))
	f.enqueuer.err = model.ErrQueueUnavailable

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, out.Status)
}

func multiOrder(id string, qty int) *model.Order {
	o := pendingOrder(id)
	o.Quantity = qty
	return o
}

func TestFulfillMultiCompletesWithDistinctProviders(t *testing.T) {
	pub := &scriptedPublisher{}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{multiOrder("o-1", 3)},
		activeProviders("a.example", "b.example", "c.example", "d.example"),
	)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Len(t, out.URLs, 3)
	assert.ElementsMatch(t, []string{"a.example", "b.example", "c.example"}, pub.published())

	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Metadata.SuccessfulCount)
	assert.Equal(t, 3, stored.Metadata.RequestedQuantity)
	require.Len(t, stored.Metadata.Items, 3)
	seen := map[string]bool{}
	for i, item := range stored.Metadata.Items {
		assert.Equal(t, i, item.Index)
		assert.NotEmpty(t, item.URL)
		assert.False(t, seen[item.ProviderDomain], "providers are not reused across items")
		seen[item.ProviderDomain] = true
	}
	assert.NotNil(t, stored.Metadata.CompletedAt)
}

func TestFulfillMultiPartialBelowThreshold(t *testing.T) {
	rejected := model.Fatal(model.ReasonContentRejected, "rejected")
	outcomes := map[string]model.PublishOutcome{}
	for _, d := range []string{"c.example", "d.example", "e.example", "f.example", "g.example", "h.example"} {
		outcomes[d] = rejected
	}
	pub := &scriptedPublisher{outcomes: outcomes}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{multiOrder("o-1", 3)},
		activeProviders("a.example", "b.example", "c.example", "d.example", "e.example", "f.example", "g.example", "h.example"),
	)

	out, err := f.orch.FulfillMulti(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.NoError(t, err)

	assert.Equal(t, model.OrderPartial, out.Status)
	assert.Len(t, out.URLs, 2)
	assert.Equal(t, "2 of 3 placements succeeded", out.Reason)

	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Metadata.SuccessfulCount)
	assert.Equal(t, 7, stored.Metadata.Attempts)

	var failedItems int
	for _, item := range stored.Metadata.Items {
		if item.Error != "" {
			failedItems++
			assert.Len(t, item.Tried, 5)
		}
	}
	assert.Equal(t, 1, failedItems)

	notes := f.enqueuer.named(model.TaskSendOrderNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "partial", notes[0].Kwargs["status"])
}

func TestFulfillMultiWithoutProvidersFailsTransiently(t *testing.T) {
	f := newOrchestratorFixture(t, &scriptedPublisher{}, []*model.Order{multiOrder("o-1", 2)}, nil)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
	require.ErrorIs(t, err, model.ErrTransient)
	assert.Equal(t, model.OrderFailed, out.Status)

	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	require.Len(t, stored.Metadata.Items, 2)
	for _, item := range stored.Metadata.Items {
		assert.Equal(t, "no available providers", item.Error)
	}
	assert.Zero(t, stored.Metadata.SuccessfulCount)
}

func TestMultiStatus(t *testing.T) {
	tests := []struct {
		successes, qty int
		want           model.OrderStatus
	}{
		{0, 3, model.OrderFailed},
		{2, 3, model.OrderPartial},
		{3, 3, model.OrderCompleted},
		{7, 10, model.OrderCompleted},
		{6, 10, model.OrderPartial},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, multiStatus(tt.successes, tt.qty, 0.7), "%d/%d", tt.successes, tt.qty)
	}
}

func TestMergeDomains(t *testing.T) {
	got := mergeDomains([]string{"a.example", " ", "B.example"}, []string{"b.example", "c.example"})
	assert.Equal(t, []string{"a.example", "B.example", "c.example"}, got)
	assert.Nil(t, mergeDomains())
}

func TestFulfillMultiRetryKeepsPlacedItems(t *testing.T) {
	partial := multiOrder("o-1", 3)
	partial.Status = model.OrderPartial
	partial.Metadata.RequestedQuantity = 3
	partial.Metadata.SuccessfulCount = 2
	partial.Metadata.ProviderDomain = "a.example"
	partial.Metadata.ResultURL = "https://a.example/post-1"
	partial.Metadata.PostID = "1"
	partial.Metadata.Items = []model.ItemResult{
		{Index: 0, ProviderDomain: "a.example", URL: "https://a.example/post-1", Tried: []string{"a.example"}},
		{Index: 1, Error: "all providers failed after 5 attempts: content_rejected", Tried: []string{"c.example"}},
		{Index: 2, ProviderDomain: "b.example", URL: "https://b.example/post-2", Tried: []string{"b.example"}},
	}

	pub := &scriptedPublisher{}
	f := newOrchestratorFixture(t, pub,
		[]*model.Order{partial},
		activeProviders("a.example", "b.example", "c.example", "d.example"),
	)
	admin := newTestOrderAdmin(t, f.orders, nil, f.enqueuer, nil)

	enq, err := admin.Retry(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFulfillOrderMulti, enq.TaskName)

	out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: enq.TaskID})
	require.NoError(t, err)

	assert.Equal(t, []string{"c.example"}, pub.published(), "only the missing item is placed")
	assert.Equal(t, model.OrderCompleted, out.Status)
	assert.Equal(t, []string{
		"https://a.example/post-1",
		"https://c.example/post-c-id",
		"https://b.example/post-2",
	}, out.URLs)

	stored, err := f.orders.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Metadata.SuccessfulCount)
	assert.Equal(t, 1, stored.Metadata.Attempts)
	assert.Equal(t, "a.example", stored.Metadata.ProviderDomain)
	assert.Equal(t, "https://a.example/post-1", stored.Metadata.ResultURL)
	assert.Equal(t, "1", stored.Metadata.PostID)
	require.Len(t, stored.Metadata.Items, 3)
	assert.Equal(t, "https://a.example/post-1", stored.Metadata.Items[0].URL)
	assert.Equal(t, "c.example", stored.Metadata.Items[1].ProviderDomain)
	assert.Empty(t, stored.Metadata.Items[1].Error)
	assert.Equal(t, "https://b.example/post-2", stored.Metadata.Items[2].URL)
}

func TestCarriedItems(t *testing.T) {
	items, open := carriedItems([]model.ItemResult{
		{Index: 1, ProviderDomain: "a.example", URL: "https://a.example/1"},
		{Index: 1, ProviderDomain: "b.example", URL: "https://b.example/1"},
		{Index: 2, Error: "no available providers"},
		{Index: 7, ProviderDomain: "c.example", URL: "https://c.example/7"},
	}, 3)

	assert.Equal(t, []int{0, 2}, open)
	require.Len(t, items, 3)
	assert.Equal(t, "a.example", items[1].ProviderDomain)
	assert.Equal(t, 2, items[2].Index)
	assert.Empty(t, items[2].Error)

	_, open = carriedItems(nil, 2)
	assert.Equal(t, []int{0, 1}, open)
}

// cancelOnPublish force-cancels the order while its post is going out.
type cancelOnPublish struct {
	scriptedPublisher
	cancel func()
}

func (c *cancelOnPublish) Publish(ctx context.Context, p *model.Provider, a *model.Article) model.PublishOutcome {
	c.cancel()
	return c.scriptedPublisher.Publish(ctx, p, a)
}

func TestFulfillLosesFinalWriteToForcedCancel(t *testing.T) {
	tests := []struct {
		name  string
		order *model.Order
	}{
		{"single", pendingOrder("o-1")},
		{"multi", multiOrder("o-1", 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &cancelOnPublish{}
			f := newOrchestratorFixture(t, pub, []*model.Order{tt.order}, activeProviders("a.example", "b.example"))
			admin := newTestOrderAdmin(t, f.orders, nil, f.enqueuer, nil)
			var once sync.Once
			pub.cancel = func() {
				once.Do(func() {
					_, err := admin.Cancel(context.Background(), "o-1", true)
					assert.NoError(t, err)
				})
			}

			out, err := f.orch.Fulfill(context.Background(), FulfillRequest{OrderID: "o-1", TaskID: "task-1"})
			require.NoError(t, err, "a lost final write is not redelivered")
			assert.True(t, out.Skipped)
			assert.Equal(t, model.OrderCancelled, out.Status)
			assert.Equal(t, model.OrderCancelled, f.orders.status("o-1"))
			assert.Empty(t, f.enqueuer.named(model.TaskSendOrderNotification))
		})
	}
}
