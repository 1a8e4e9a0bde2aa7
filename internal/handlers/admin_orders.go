package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/auth"
	"github.com/hanko-field/ordercore/internal/platform/httpx"
	"github.com/hanko-field/ordercore/internal/platform/pagination"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

const maxAdminOrderBodySize = 4 * 1024

// AdminOrderHandlers serves the order management console.
type AdminOrderHandlers struct {
	authn   *auth.AdminAuthenticator
	machine services.OrderStateMachine
	queries services.OrderQueryService
}

// NewAdminOrderHandlers constructs admin handlers. When authn is nil the caller must
// protect the group itself.
func NewAdminOrderHandlers(authn *auth.AdminAuthenticator, machine services.OrderStateMachine, queries services.OrderQueryService) *AdminOrderHandlers {
	return &AdminOrderHandlers{
		authn:   authn,
		machine: machine,
		queries: queries,
	}
}

// Routes registers admin order endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAdmin)
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Patch("/orders/{orderID}/status", h.transitionOrder)
	r.Delete("/orders/{orderID}", h.deleteOrder)
}

type adminOrderPayload struct {
	ID             string                     `json:"id"`
	Code           string                     `json:"code"`
	Status         domain.OrderStatus         `json:"status"`
	PaymentStatus  domain.PaymentStatus       `json:"payment_status,omitempty"`
	Verified       bool                       `json:"verified"`
	RequiresReview bool                       `json:"requires_review"`
	Customer       adminCustomerPayload       `json:"customer"`
	ProductID      string                     `json:"product_id"`
	ProductName    string                     `json:"product_name"`
	UnitPrice      int64                      `json:"unit_price"`
	Quantity       int                        `json:"quantity"`
	Total          int64                      `json:"total"`
	Currency       string                     `json:"currency"`
	Payment        *adminPaymentPayload       `json:"payment,omitempty"`
	Reservation    adminReservationPayload    `json:"reservation"`
	History        []adminStatusChangePayload `json:"history,omitempty"`
	CancelReason   string                     `json:"cancel_reason,omitempty"`
	CreatedAt      string                     `json:"created_at"`
	UpdatedAt      string                     `json:"updated_at"`
	CancelledAt    string                     `json:"cancelled_at,omitempty"`
}

type adminCustomerPayload struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address"`
}

type adminPaymentPayload struct {
	Provider      string `json:"provider,omitempty"`
	SessionRef    string `json:"session_ref,omitempty"`
	IntentID      string `json:"intent_id,omitempty"`
	Attempts      int    `json:"attempts"`
	PaidAt        string `json:"paid_at,omitempty"`
	FailedAt      string `json:"failed_at,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type adminReservationPayload struct {
	State         domain.ReservationState `json:"state,omitempty"`
	ExpiresAt     string                  `json:"expires_at,omitempty"`
	ReleasedAt    string                  `json:"released_at,omitempty"`
	ReleaseReason string                  `json:"release_reason,omitempty"`
	// ReleasePending is set while a closed order still holds its unit.
	ReleasePending bool `json:"release_pending,omitempty"`
}

type adminStatusChangePayload struct {
	From   domain.OrderStatus `json:"from,omitempty"`
	To     domain.OrderStatus `json:"to"`
	Actor  string             `json:"actor"`
	Reason string             `json:"reason,omitempty"`
	At     string             `json:"at"`
}

type adminOrderListResponse struct {
	Items         []adminOrderPayload `json:"items"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}

	query := r.URL.Query()
	filter := domain.OrderListFilter{SearchToken: strings.TrimSpace(query.Get("search"))}
	for _, raw := range parseFilterValues(query["status"]) {
		filter.Statuses = append(filter.Statuses, domain.OrderStatus(raw))
	}
	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.CreatedAt.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		filter.CreatedAt.To = &ts
	}
	size, err := pagination.ParsePageSize(query.Get("page_size"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be a positive integer", http.StatusBadRequest))
		return
	}
	filter.Pagination = domain.Pagination{PageSize: size, PageToken: strings.TrimSpace(query.Get("page_token"))}

	page, err := h.queries.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]adminOrderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildAdminOrderPayload(order, false))
	}
	writeJSONResponse(w, http.StatusOK, adminOrderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	order, err := h.queries.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAdminOrderPayload(order, true))
}

type transitionOrderRequest struct {
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	ExpectedStatus string `json:"expected_status"`
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req transitionOrderRequest
	if !decodeJSONBody(ctx, w, r, maxAdminOrderBodySize, false, &req) {
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "status must be a valid order status", http.StatusBadRequest))
		return
	}
	cmd := services.AdminTransitionCommand{
		OrderID:      orderID,
		TargetStatus: target,
		Reason:       strings.TrimSpace(req.Reason),
		ActorID:      requestctx.ActorFrom(ctx).ID,
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected := domain.OrderStatus(strings.ToLower(raw))
		if !expected.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "expected_status must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.machine.AdminTransition(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildAdminOrderPayload(order, true))
}

func (h *AdminOrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	err := h.machine.AdminDelete(ctx, services.AdminDeleteCommand{
		OrderID: orderID,
		Reason:  strings.TrimSpace(r.URL.Query().Get("reason")),
		ActorID: requestctx.ActorFrom(ctx).ID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if id == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return id, true
}

func buildAdminOrderPayload(order domain.Order, detailed bool) adminOrderPayload {
	payload := adminOrderPayload{
		ID:             order.ID,
		Code:           order.Code,
		Status:         order.Status,
		PaymentStatus:  order.PaymentStatus,
		Verified:       order.IsVerified,
		RequiresReview: order.RequiresReview,
		Customer: adminCustomerPayload{
			Name:    order.Customer.Name,
			Email:   order.Customer.Email,
			Phone:   order.Customer.Phone,
			Address: order.Customer.Address,
		},
		ProductID:   order.ProductID,
		ProductName: order.ProductName,
		UnitPrice:   order.UnitPrice,
		Quantity:    order.Quantity,
		Total:       order.Total,
		Currency:    order.Currency,
		Reservation: adminReservationPayload{
			State:          order.Reservation.State,
			ExpiresAt:      formatTime(order.Reservation.ExpiresAt),
			ReleasedAt:     formatTime(order.Reservation.ReleasedAt),
			ReleaseReason:  order.Reservation.ReleaseReason,
			ReleasePending: order.ReleasePending(),
		},
		CancelReason: order.CancelReason,
		CreatedAt:    formatTime(&order.CreatedAt),
		UpdatedAt:    formatTime(&order.UpdatedAt),
		CancelledAt:  formatTime(order.CancelledAt),
	}
	if order.HasPaymentHistory() {
		payload.Payment = &adminPaymentPayload{
			Provider:      order.Payment.Provider,
			SessionRef:    order.PaymentSessionRef,
			IntentID:      order.Payment.IntentID,
			Attempts:      order.Payment.SessionAttempts,
			PaidAt:        formatTime(order.Payment.PaidAt),
			FailedAt:      formatTime(order.Payment.FailedAt),
			FailureReason: order.Payment.FailureReason,
		}
	}
	if detailed {
		payload.History = make([]adminStatusChangePayload, 0, len(order.History))
		for _, change := range order.History {
			payload.History = append(payload.History, adminStatusChangePayload{
				From:   change.From,
				To:     change.To,
				Actor:  change.Actor,
				Reason: change.Reason,
				At:     formatTime(&change.At),
			})
		}
	}
	return payload
}
