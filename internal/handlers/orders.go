package handlers

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/httpx"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

const (
	maxCreateOrderBodySize = 8 * 1024
	maxOrderActionBodySize = 4 * 1024

	defaultVerifyRateLimit  = 10
	defaultVerifyRateWindow = time.Minute
)

// OrderHandlers exposes the anonymous customer checkout endpoints.
type OrderHandlers struct {
	machine     services.OrderStateMachine
	queries     services.OrderQueryService
	idempotency func(http.Handler) http.Handler
	limiter     *windowLimiter
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency wraps the mutating order routes with mw.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithOrderRateLimit caps verification and resend calls per client address. A
// non-positive limit disables the limiter.
func WithOrderRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs the public order handlers.
func NewOrderHandlers(machine services.OrderStateMachine, queries services.OrderQueryService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		machine: machine,
		queries: queries,
		limiter: newWindowLimiter(defaultVerifyRateLimit, defaultVerifyRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Use(customerActor)
	r.Get("/lookup", h.lookupOrder)

	mutating := r
	if h.idempotency != nil {
		mutating = r.With(h.idempotency)
	}
	mutating.Post("/", h.createOrder)
	mutating.Post("/{orderRef}:pay", h.startPayment)
	r.Post("/{orderRef}:verify", h.verifyOrder)
	r.Post("/{orderRef}:resend-verification", h.resendVerification)
}

func customerActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestctx.WithActor(r.Context(), requestctx.Actor{Kind: requestctx.ActorCustomer})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type createOrderRequest struct {
	ProductID string          `json:"product_id"`
	Customer  customerRequest `json:"customer"`
}

type customerRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type createOrderResponse struct {
	OrderID               string             `json:"order_id"`
	OrderCode             string             `json:"order_code"`
	Status                domain.OrderStatus `json:"status"`
	Total                 int64              `json:"total"`
	Currency              string             `json:"currency"`
	VerificationExpiresAt string             `json:"verification_expires_at,omitempty"`
	ReservationExpiresAt  string             `json:"reservation_expires_at,omitempty"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxCreateOrderBodySize, false, &req) {
		return
	}

	order, err := h.machine.CreateOrder(ctx, services.CreateOrderCommand{
		ProductID: req.ProductID,
		Customer: services.CustomerInput{
			Name:    req.Customer.Name,
			Email:   req.Customer.Email,
			Phone:   req.Customer.Phone,
			Address: req.Customer.Address,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createOrderResponse{
		OrderID:               order.ID,
		OrderCode:             order.Code,
		Status:                order.Status,
		Total:                 order.Total,
		Currency:              order.Currency,
		VerificationExpiresAt: formatTime(order.Verification.ExpiresAt),
		ReservationExpiresAt:  formatTime(order.Reservation.ExpiresAt),
	})
}

type verifyOrderRequest struct {
	Code string `json:"code"`
}

type verifyOrderResponse struct {
	Verified  bool               `json:"verified"`
	OrderCode string             `json:"order_code"`
	Status    domain.OrderStatus `json:"status"`
}

func (h *OrderHandlers) verifyOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderRef, ok := orderRefParam(w, r)
	if !ok {
		return
	}
	if h.throttled(w, r, "verify", "too many verification attempts") {
		return
	}

	var req verifyOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderActionBodySize, false, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "code is required", http.StatusBadRequest))
		return
	}

	order, err := h.machine.VerifyOrder(ctx, services.VerifyOrderCommand{OrderRef: orderRef, Code: req.Code})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, verifyOrderResponse{Verified: order.IsVerified, OrderCode: order.Code, Status: order.Status})
}

type resendVerificationResponse struct {
	ExpiresAt string `json:"expires_at"`
}

func (h *OrderHandlers) resendVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderRef, ok := orderRefParam(w, r)
	if !ok {
		return
	}
	if h.throttled(w, r, "resend", "too many verification requests") {
		return
	}

	challenge, err := h.machine.ResendVerification(ctx, orderRef)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, resendVerificationResponse{ExpiresAt: formatTime(&challenge.ExpiresAt)})
}

type startPaymentRequest struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type startPaymentResponse struct {
	RedirectURL string `json:"redirect_url"`
	SessionID   string `json:"session_id"`
	Provider    string `json:"provider"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Reused      bool   `json:"reused"`
}

func (h *OrderHandlers) startPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	orderRef, ok := orderRefParam(w, r)
	if !ok {
		return
	}

	var req startPaymentRequest
	if !decodeJSONBody(ctx, w, r, maxOrderActionBodySize, true, &req) {
		return
	}

	session, err := h.machine.StartPayment(ctx, services.StartPaymentCommand{
		OrderRef:   orderRef,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, startPaymentResponse{
		RedirectURL: session.RedirectURL,
		SessionID:   session.SessionID,
		Provider:    session.Provider,
		ExpiresAt:   formatTime(&session.ExpiresAt),
		Reused:      session.Reused,
	})
}

type publicOrderResponse struct {
	OrderCode     string               `json:"order_code"`
	ProductID     string               `json:"product_id"`
	ProductName   string               `json:"product_name"`
	UnitPrice     int64                `json:"unit_price"`
	Quantity      int                  `json:"quantity"`
	Total         int64                `json:"total"`
	Currency      string               `json:"currency"`
	Status        domain.OrderStatus   `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status,omitempty"`
	Verified      bool                 `json:"verified"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
	PaidAt        string               `json:"paid_at,omitempty"`
	CancelledAt   string               `json:"cancelled_at,omitempty"`
}

func (h *OrderHandlers) lookupOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queries == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_input", "code query parameter is required", http.StatusBadRequest))
		return
	}

	view, err := h.queries.LookupByCode(ctx, code)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, publicOrderResponse{
		OrderCode:     view.OrderCode,
		ProductID:     view.ProductID,
		ProductName:   view.ProductName,
		UnitPrice:     view.UnitPrice,
		Quantity:      view.Quantity,
		Total:         view.Total,
		Currency:      view.Currency,
		Status:        view.Status,
		PaymentStatus: view.PaymentStatus,
		Verified:      view.IsVerified,
		CreatedAt:     formatTime(&view.CreatedAt),
		UpdatedAt:     formatTime(&view.UpdatedAt),
		PaidAt:        formatTime(view.PaidAt),
		CancelledAt:   formatTime(view.CancelledAt),
	})
}

// throttled writes 429 with Retry-After when the caller exhausted the action's window.
func (h *OrderHandlers) throttled(w http.ResponseWriter, r *http.Request, action, message string) bool {
	ok, retryAfter := h.limiter.Allow(action + ":" + clientAddress(r))
	if ok {
		return false
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", message, http.StatusTooManyRequests))
	return true
}

func orderRefParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref := strings.TrimSpace(chi.URLParam(r, "orderRef"))
	if ref == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order reference is required", http.StatusBadRequest))
		return "", false
	}
	return ref, true
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
