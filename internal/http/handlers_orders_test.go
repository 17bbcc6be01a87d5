package httpx

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderGet(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodGet, "/api/orders/o-7", operatorToken)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "o-7", body["id"])
	assert.Equal(t, "pending", body["status"])
}

func TestOrderFulfillAndRetryAreAccepted(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.do(http.MethodPost, "/api/orders/o-7/fulfill", adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "t-1", body["task_id"])
	assert.Equal(t, "fulfill_order", body["task_name"])

	rec = tr.do(http.MethodPost, "/api/orders/o-8/retry", adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"fulfill o-7", "retry o-8"}, tr.orders.calls)
}

func TestOrderCancelForceParam(t *testing.T) {
	tr := newTestRouter(t)

	rec := tr.do(http.MethodPost, "/api/orders/o-7/cancel", adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, tr.orders.force)
	assert.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	rec = tr.do(http.MethodPost, "/api/orders/o-7/cancel?force=true", adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, tr.orders.force)

	rec = tr.do(http.MethodPost, "/api/orders/o-7/cancel?force=sure", adminToken)
	requireErrorBody(t, rec, http.StatusBadRequest, "invalid_parameter")
	assert.Len(t, tr.orders.calls, 2)
}

func TestOrderRoutesRejectWrongMethod(t *testing.T) {
	tr := newTestRouter(t)
	rec := tr.do(http.MethodGet, "/api/orders/o-7/fulfill", adminToken)
	assert.NotEqual(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, tr.orders.calls)
}
