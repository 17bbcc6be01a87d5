package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/target/placement-fulfillment/internal/adapters/authroles"
	domainauth "github.com/target/placement-fulfillment/internal/domain/auth"
	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/ports"
	"github.com/target/placement-fulfillment/internal/service"
)

const (
	adminToken    = "admin-token"
	operatorToken = "operator-token"
	outsiderToken = "outsider-token"
)

// tokenTable verifies a fixed set of tokens.
type tokenTable map[string][]string

func (t tokenTable) Verify(_ context.Context, raw string) (domainauth.Identity, error) {
	groups, ok := t[raw]
	if !ok {
		return domainauth.Identity{}, ports.ErrInvalidToken
	}
	return domainauth.Identity{UserID: "user-" + raw, Groups: groups}, nil
}

func testTokens() tokenTable {
	return tokenTable{
		adminToken:    {"admins"},
		operatorToken: {"operators"},
		outsiderToken: {"staff"},
	}
}

// fakeMonitoring records the arguments of the last call.
type fakeMonitoring struct {
	err          error
	statsDays    int
	failedLimit  int
	criticalOnly bool
	recent       model.RecentTasksQuery
	taskID       string
	cleanup      *service.CleanupRequest
	results      []*model.TaskResult
}

func (f *fakeMonitoring) Statistics(_ context.Context, days int) (model.TaskStatistics, error) {
	f.statsDays = days
	return model.TaskStatistics{PeriodDays: days, Total: 3}, f.err
}

func (f *fakeMonitoring) FailedTasks(_ context.Context, limit int, criticalOnly bool) ([]*model.TaskResult, error) {
	f.failedLimit, f.criticalOnly = limit, criticalOnly
	return f.results, f.err
}

func (f *fakeMonitoring) RecentTasks(_ context.Context, q model.RecentTasksQuery) ([]*model.TaskResult, error) {
	f.recent = q
	return f.results, f.err
}

func (f *fakeMonitoring) Get(_ context.Context, id string) (*model.TaskResult, error) {
	f.taskID = id
	if f.err != nil {
		return nil, f.err
	}
	return &model.TaskResult{TaskID: id, Status: model.TaskResultSuccess}, nil
}

func (f *fakeMonitoring) Summary(context.Context) (model.TaskSummary, error) {
	return model.TaskSummary{RecentFailuresCount: 2}, f.err
}

func (f *fakeMonitoring) Health(context.Context) (model.SystemHealth, error) {
	return model.SystemHealth{Band: model.HealthGood, Database: "connected"}, f.err
}

func (f *fakeMonitoring) Cleanup(_ context.Context, req service.CleanupRequest) (service.CleanupReport, error) {
	f.cleanup = &req
	return service.CleanupReport{DryRun: req.DryRun, RetentionDays: req.RetentionDays, Total: 4}, f.err
}

// fakeOrders answers from a fixed error or a canned order.
type fakeOrders struct {
	err   error
	calls []string
	force bool
}

func (f *fakeOrders) Get(_ context.Context, id string) (*model.Order, error) {
	f.calls = append(f.calls, "get "+id)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Order{ID: id, Status: model.OrderPending}, nil
}

func (f *fakeOrders) Fulfill(_ context.Context, id string) (*service.EnqueuedFulfillment, error) {
	f.calls = append(f.calls, "fulfill "+id)
	if f.err != nil {
		return nil, f.err
	}
	return &service.EnqueuedFulfillment{OrderID: id, TaskID: "t-1", TaskName: model.TaskFulfillOrder}, nil
}

func (f *fakeOrders) Cancel(_ context.Context, id string, force bool) (*model.Order, error) {
	f.calls = append(f.calls, "cancel "+id)
	f.force = force
	if f.err != nil {
		return nil, f.err
	}
	return &model.Order{ID: id, Status: model.OrderCancelled}, nil
}

func (f *fakeOrders) Retry(_ context.Context, id string) (*service.EnqueuedFulfillment, error) {
	f.calls = append(f.calls, "retry "+id)
	if f.err != nil {
		return nil, f.err
	}
	return &service.EnqueuedFulfillment{OrderID: id, TaskID: "t-2", TaskName: model.TaskFulfillOrder}, nil
}

type testRouter struct {
	handler    http.Handler
	monitoring *fakeMonitoring
	orders     *fakeOrders
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	tr := &testRouter{monitoring: &fakeMonitoring{}, orders: &fakeOrders{}}
	tr.handler = NewRouter(RouterServices{
		Monitoring:          tr.monitoring,
		Orders:              tr.orders,
		Verifier:            testTokens(),
		Roles:               authroles.StaticRoleMapper{AdminGroup: "admins", UserGroup: "operators"},
		Metrics:             http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		FailedRetentionDays: 90,
		Logger:              testLogger(),
	})
	return tr
}

func (tr *testRouter) do(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	tr.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body %q", rec.Body.String())
	return out
}

func requireErrorBody(t *testing.T, rec *httptest.ResponseRecorder, code int, errCode string) map[string]any {
	t.Helper()
	require.Equal(t, code, rec.Code, "body %q", rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, errCode, body["error"], fmt.Sprintf("body %v", body))
	require.Contains(t, body, "message")
	return body
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
