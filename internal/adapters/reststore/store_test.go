package reststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/placement-fulfillment/internal/domain/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorded struct {
	method string
	path   string
	query  map[string]string
	header http.Header
	body   map[string]any
}

// fakeRest answers table requests with canned bodies keyed by "METHOD /path".
type fakeRest struct {
	mu       sync.Mutex
	calls    []recorded
	bodies   map[string][]string
	statuses map[string]int
}

func newFakeRest() *fakeRest {
	return &fakeRest{bodies: map[string][]string{}, statuses: map[string]int{}}
}

func (f *fakeRest) answer(key string, bodies ...string) { f.bodies[key] = append(f.bodies[key], bodies...) }

func (f *fakeRest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := recorded{method: r.Method, path: r.URL.Path, query: map[string]string{}, header: r.Header.Clone()}
	for k, v := range r.URL.Query() {
		rec.query[k] = v[0]
	}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.body)
	}
	f.calls = append(f.calls, rec)

	key := r.Method + " " + r.URL.Path
	if code, ok := f.statuses[key]; ok {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
		return
	}
	queue := f.bodies[key]
	if len(queue) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	f.bodies[key] = queue[1:]
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(queue[0]))
}

func newTestClient(t *testing.T, f *fakeRest) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/rest/v1/", APIKey: "svc-key", Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)
	return c
}

const orderJSON = `[{"id":"o-1","user_id":"u-1","kind":"paid","status":"%s","payment_status":"paid","quantity":1,
 "metadata":{"target_url":"https://client.example","keyword":"garden tools"},
 "created_at":"2026-03-01T10:00:00+00:00","updated_at":"2026-03-01T10:00:00.123456+00:00"}]`

func orderBody(status string) string {
	return fmt.Sprintf(orderJSON, status)
}

func TestNewValidatesBaseURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "not a url"})
	require.Error(t, err)
}

func TestOrderGetByIDSendsKeysAndDecodes(t *testing.T) {
	f := newFakeRest()
	f.answer("GET /rest/v1/orders", orderBody("pending"))
	store := NewOrderStore(newTestClient(t, f))

	o, err := store.GetByID(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPending, o.Status)
	assert.Equal(t, "garden tools", o.Metadata.Keyword)

	require.Len(t, f.calls, 1)
	assert.Equal(t, "eq.o-1", f.calls[0].query["id"])
	assert.Equal(t, "svc-key", f.calls[0].header.Get("apikey"))
	assert.Equal(t, "Bearer svc-key", f.calls[0].header.Get("Authorization"))
}

func TestOrderGetByIDEmptyBodiesMeanNotFound(t *testing.T) {
	for _, body := range []string{"[]", "null", "  "} {
		f := newFakeRest()
		f.answer("GET /rest/v1/orders", body)
		store := NewOrderStore(newTestClient(t, f))

		_, err := store.GetByID(context.Background(), "o-1")
		require.ErrorIs(t, err, model.ErrOrderNotFound, "body %q", body)
	}
}

func TestOrderUpdateStatusIsConditional(t *testing.T) {
	f := newFakeRest()
	f.answer("PATCH /rest/v1/orders", orderBody("processing"))
	store := NewOrderStore(newTestClient(t, f))

	meta := model.OrderMetadata{TaskID: "t-1"}
	o, err := store.UpdateStatus(context.Background(), model.StatusUpdate{
		OrderID: "o-1", From: model.OrderPending, To: model.OrderProcessing, Metadata: &meta,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderProcessing, o.Status)

	call := f.calls[0]
	assert.Equal(t, "eq.o-1", call.query["id"])
	assert.Equal(t, "eq.pending", call.query["status"])
	assert.Equal(t, "return=representation", call.header.Get("Prefer"))
	assert.Equal(t, "processing", call.body["status"])
	assert.Equal(t, "t-1", call.body["metadata"].(map[string]any)["task_id"])
}

func TestOrderUpdateStatusReportsConflict(t *testing.T) {
	f := newFakeRest()
	f.answer("PATCH /rest/v1/orders", "[]")
	f.answer("GET /rest/v1/orders", orderBody("completed"))
	store := NewOrderStore(newTestClient(t, f))

	_, err := store.UpdateStatus(context.Background(), model.StatusUpdate{
		OrderID: "o-1", From: model.OrderProcessing, To: model.OrderFailed,
	})
	require.ErrorIs(t, err, model.ErrTransitionConflict)
	assert.Contains(t, err.Error(), "expected processing, found completed")
}

func TestOrderUpdateStatusMissingOrder(t *testing.T) {
	f := newFakeRest()
	store := NewOrderStore(newTestClient(t, f))

	_, err := store.UpdateStatus(context.Background(), model.StatusUpdate{
		OrderID: "gone", From: model.OrderPending, To: model.OrderProcessing,
	})
	require.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestOrderUpdateStatusRejectsIllegalEdge(t *testing.T) {
	f := newFakeRest()
	store := NewOrderStore(newTestClient(t, f))

	_, err := store.UpdateStatus(context.Background(), model.StatusUpdate{
		OrderID: "o-1", From: model.OrderCompleted, To: model.OrderProcessing,
	})
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Empty(t, f.calls)
}

func TestOrderListStaleQuery(t *testing.T) {
	f := newFakeRest()
	f.answer("GET /rest/v1/orders", orderBody("pending"))
	store := NewOrderStore(newTestClient(t, f))

	before := fixedNow.Add(-30 * time.Minute)
	out, err := store.ListStale(context.Background(), model.StaleOrderQuery{Status: model.OrderPending, Before: before, Limit: 5})
	require.NoError(t, err)
	require.Len(t, out, 1)

	q := f.calls[0].query
	assert.Equal(t, "eq.pending", q["status"])
	assert.Equal(t, "lt.2026-03-01T11:30:00Z", q["updated_at"])
	assert.Equal(t, "updated_at.asc", q["order"])
	assert.Equal(t, "5", q["limit"])
}

func TestStoreErrorStatusIsWrapped(t *testing.T) {
	f := newFakeRest()
	f.statuses["GET /rest/v1/orders"] = http.StatusServiceUnavailable
	store := NewOrderStore(newTestClient(t, f))

	_, err := store.GetByID(context.Background(), "o-1")
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "503")
	assert.False(t, errors.Is(err, model.ErrOrderNotFound))
}

const providerJSON = `[{"id":"p-1","domain":"blog.example","username":"editor","app_password":"abcd efgh",
 "status":"active","domain_authority":30,"page_authority":20,"success_count":4,"failure_count":1,
 "credential_failure":false,"result_url_path":"","last_used_at":null,"last_checked_at":null,
 "created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}]`

func TestProviderListCarriesCredentials(t *testing.T) {
	f := newFakeRest()
	f.answer("GET /rest/v1/providers", providerJSON)
	store := NewProviderStore(newTestClient(t, f))

	out, err := store.List(context.Background(), model.ProviderActive, model.ProviderMaintenance)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "abcd efgh", out[0].Credentials.Password)
	assert.Equal(t, "editor", out[0].Credentials.Username)
	assert.Nil(t, out[0].LastUsedAt)
	assert.Equal(t, `in.("active","maintenance")`, f.calls[0].query["status"])
}

func TestProviderGetByIDNotFound(t *testing.T) {
	f := newFakeRest()
	f.answer("GET /rest/v1/providers", "[]")
	store := NewProviderStore(newTestClient(t, f))

	_, err := store.GetByID(context.Background(), "p-404")
	require.ErrorIs(t, err, model.ErrProviderNotFound)
}

func TestProviderUpdateStatusExpected(t *testing.T) {
	f := newFakeRest()
	f.answer("PATCH /rest/v1/providers", `[{"id":"p-1"}]`, `[]`)
	store := NewProviderStore(newTestClient(t, f))

	expected := model.ProviderActive
	credFail := true
	ok, err := store.UpdateStatus(context.Background(), model.ProviderStatusUpdate{
		ProviderID: "p-1", Expected: &expected, To: model.ProviderMaintenance, CredentialFailure: &credFail,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eq.active", f.calls[0].query["status"])
	assert.Equal(t, true, f.calls[0].body["credential_failure"])
	assert.NotContains(t, f.calls[0].body, "last_checked_at")

	ok, err = store.UpdateStatus(context.Background(), model.ProviderStatusUpdate{ProviderID: "p-1", To: model.ProviderActive})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotContains(t, f.calls[1].query, "status")
}

func TestProviderRecordUsageCallsRPC(t *testing.T) {
	f := newFakeRest()
	store := NewProviderStore(newTestClient(t, f))

	require.NoError(t, store.RecordUsage(context.Background(), model.ProviderUsage{ProviderID: "p-1", Success: true}))
	call := f.calls[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/rest/v1/rpc/record_provider_usage", call.path)
	assert.Equal(t, "p-1", call.body["p_provider_id"])
	assert.Equal(t, true, call.body["p_success"])
	assert.Equal(t, "2026-03-01T12:00:00Z", call.body["p_at"])
}

func TestUserEmail(t *testing.T) {
	f := newFakeRest()
	f.answer("GET /rest/v1/users", `[{"email":"owner@client.example"}]`, `[]`)
	users := NewUserStore(newTestClient(t, f))

	email, err := users.Email(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "owner@client.example", email)

	_, err = users.Email(context.Background(), "u-2")
	require.ErrorIs(t, err, model.ErrUserNotFound)
}
