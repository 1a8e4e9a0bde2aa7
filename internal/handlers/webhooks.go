package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/ordercore/internal/platform/httpx"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

const (
	maxWebhookBodySize    = 256 * 1024
	stripeProvider        = "stripe"
	stripeSignatureHeader = "Stripe-Signature"
)

// PaymentWebhookHandlers receives asynchronous payment notifications. Signatures are
// verified by the payment provider, so the group carries no extra auth.
type PaymentWebhookHandlers struct {
	machine services.OrderStateMachine
}

func NewPaymentWebhookHandlers(machine services.OrderStateMachine) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{machine: machine}
}

// Routes registers webhook endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripeWebhook)
}

type webhookResponse struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (h *PaymentWebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.machine == nil {
		writeServiceUnavailable(ctx, w, "payment")
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	result, err := h.machine.ApplyPaymentEvent(ctx, services.PaymentWebhookCommand{
		Provider:  stripeProvider,
		Payload:   body,
		Signature: r.Header.Get(stripeSignatureHeader),
	})
	if err != nil {
		if !errors.Is(err, services.ErrWebhookSignatureInvalid) {
			requestctx.Logger(ctx).Error("payment webhook failed", zap.Error(err))
		}
		writeOrderError(ctx, w, err)
		return
	}

	status := "accepted"
	if !result.Accepted() {
		status = "ignored"
	}
	writeJSONResponse(w, http.StatusOK, webhookResponse{Status: status, EventID: result.EventID, Duplicate: result.Duplicate})
}
