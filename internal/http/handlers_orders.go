package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/target/placement-fulfillment/internal/domain/model"
	"github.com/target/placement-fulfillment/internal/service"
)

// OrderAdmin is the administrative order surface.
type OrderAdmin interface {
	Get(ctx context.Context, id string) (*model.Order, error)
	Fulfill(ctx context.Context, id string) (*service.EnqueuedFulfillment, error)
	Cancel(ctx context.Context, id string, force bool) (*model.Order, error)
	Retry(ctx context.Context, id string) (*service.EnqueuedFulfillment, error)
}

var _ OrderAdmin = (*service.OrderAdminService)(nil)

// OrderHandlers serves /api/orders.
type OrderHandlers struct {
	Svc    OrderAdmin
	Logger *slog.Logger
}

// Get handles GET /api/orders/{id}.
func (h *OrderHandlers) Get(w http.ResponseWriter, r *http.Request) {
	order, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, order)
}

// Fulfill handles POST /api/orders/{id}/fulfill.
func (h *OrderHandlers) Fulfill(w http.ResponseWriter, r *http.Request) {
	out, err := h.Svc.Fulfill(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, out)
}

// Cancel handles POST /api/orders/{id}/cancel?force=false.
func (h *OrderHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	force, err := boolQuery(r, "force", false)
	if err != nil {
		writeBadParam(w, err)
		return
	}
	order, err := h.Svc.Cancel(r.Context(), r.PathValue("id"), force)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, order)
}

// Retry handles POST /api/orders/{id}/retry.
func (h *OrderHandlers) Retry(w http.ResponseWriter, r *http.Request) {
	out, err := h.Svc.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, out)
}
