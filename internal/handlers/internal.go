package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/ordercore/internal/platform/httpx"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

// InternalHandlers serves scheduler-triggered maintenance endpoints. The /internal group
// is signed with HMAC by the router middleware.
type InternalHandlers struct {
	sweeper services.ReservationSweeper
	clock   func() time.Time
}

func NewInternalHandlers(sweeper services.ReservationSweeper, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &InternalHandlers{sweeper: sweeper, clock: clock}
}

func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reservations:sweep", h.sweepReservations)
}

type sweepResponse struct {
	Cancelled int `json:"cancelled"`
	Released  int `json:"released"`
	Failed    int `json:"failed"`
}

func (h *InternalHandlers) sweepReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		writeServiceUnavailable(ctx, w, "sweeper")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a non-negative integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	result, err := h.sweeper.Sweep(ctx, h.clock().UTC(), limit)
	if err != nil {
		requestctx.Logger(ctx).Error("reservation sweep failed", zap.Error(err))
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Cancelled: result.Cancelled,
		Released:  result.Released,
		Failed:    result.Failed,
	})
}
