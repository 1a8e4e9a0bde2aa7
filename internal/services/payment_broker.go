package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/payments"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const defaultSessionTTL = 30 * time.Minute

// PaymentGateway is the processor facade used by the broker. *payments.Manager
// implements it.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, sessionID string) error
	ParseWebhook(ctx context.Context, provider string, payload []byte, signature string) (payments.WebhookEvent, error)
}

// PaymentSessionBrokerDeps bundles collaborators for the payment broker.
type PaymentSessionBrokerDeps struct {
	Payments    PaymentGateway
	Orders      repositories.OrderRepository
	Clock       func() time.Time
	SessionTTL  time.Duration
	DefaultURLs PaymentURLs
	// RedirectHosts extends the hosts of DefaultURLs that caller supplied URLs may
	// point at.
	RedirectHosts []string
	Logger        Logger
}

type paymentSessionBroker struct {
	gateway    PaymentGateway
	orders     repositories.OrderRepository
	clock      func() time.Time
	sessionTTL time.Duration
	urls       PaymentURLs
	hosts      map[string]struct{}
	logger     Logger
}

var _ PaymentSessionBroker = (*paymentSessionBroker)(nil)

// NewPaymentSessionBroker constructs the broker over a payment gateway.
func NewPaymentSessionBroker(deps PaymentSessionBrokerDeps) (PaymentSessionBroker, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment broker: payment gateway is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment broker: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &paymentSessionBroker{
		gateway: deps.Payments,
		orders:  deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		sessionTTL: ttl,
		urls:       deps.DefaultURLs,
		hosts:      redirectHosts(deps.DefaultURLs, deps.RedirectHosts),
		logger:     loggerOrNop(deps.Logger),
	}, nil
}

func redirectHosts(defaults PaymentURLs, extra []string) map[string]struct{} {
	hosts := make(map[string]struct{}, len(extra)+2)
	for _, raw := range []string{defaults.SuccessURL, defaults.CancelURL} {
		if parsed, err := url.Parse(strings.TrimSpace(raw)); err == nil && parsed.Host != "" {
			hosts[strings.ToLower(parsed.Host)] = struct{}{}
		}
	}
	for _, host := range extra {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts[host] = struct{}{}
		}
	}
	return hosts
}

// CreateSession opens a checkout session for a verified order. Unverified orders are
// rejected before the processor is contacted.
func (b *paymentSessionBroker) CreateSession(ctx context.Context, order domain.Order, urls PaymentURLs) (PaymentSession, error) {
	if !order.IsVerified {
		return PaymentSession{}, ErrNotVerified
	}
	successURL, err := b.redirectURL(urls.SuccessURL, b.urls.SuccessURL, "success_url")
	if err != nil {
		return PaymentSession{}, err
	}
	cancelURL, err := b.redirectURL(urls.CancelURL, b.urls.CancelURL, "cancel_url")
	if err != nil {
		return PaymentSession{}, err
	}

	attempt := order.Payment.SessionAttempts + 1
	now := b.clock()
	req := payments.CheckoutSessionRequest{
		Amount:            order.Total,
		Currency:          order.Currency,
		ClientReferenceID: order.ID,
		CustomerEmail:     order.Customer.Email,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
		Metadata: map[string]string{
			"order_id":   order.ID,
			"order_code": order.Code,
		},
		IdempotencyKey: fmt.Sprintf("order:%s:session:%d", order.ID, attempt),
		ExpiresAt:      now.Add(b.sessionTTL),
		Items: []payments.CheckoutLineItem{{
			Name:     order.ProductName,
			SKU:      order.ProductID,
			Quantity: int64(max(order.Quantity, 1)),
			Amount:   order.UnitPrice,
			Currency: order.Currency,
		}},
	}

	session, err := b.gateway.CreateCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, req)
	if err != nil {
		b.logger(ctx, "payments.session.failed", map[string]any{
			"orderId":   order.ID,
			"attempt":   attempt,
			"retryable": payments.IsRetryable(err),
			"error":     err.Error(),
		})
		return PaymentSession{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	b.logger(ctx, "payments.session.created", map[string]any{
		"orderId":   order.ID,
		"sessionId": session.ID,
		"provider":  session.Provider,
		"attempt":   attempt,
	})

	return PaymentSession{
		OrderID:     order.ID,
		Provider:    session.Provider,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		IntentID:    session.IntentID,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// ExpireSession closes the order's open checkout session, if any.
func (b *paymentSessionBroker) ExpireSession(ctx context.Context, order domain.Order) error {
	ref := strings.TrimSpace(order.PaymentSessionRef)
	if ref == "" {
		return nil
	}
	err := b.gateway.ExpireCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
	return nil
}

// HandleAsyncConfirmation verifies a webhook and correlates it with an order through
// the metadata order id, falling back to the session reference.
func (b *paymentSessionBroker) HandleAsyncConfirmation(ctx context.Context, cmd PaymentWebhookCommand) (PaymentConfirmation, error) {
	event, err := b.gateway.ParseWebhook(ctx, cmd.Provider, cmd.Payload, cmd.Signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, payments.ErrUnsupportedProvider):
			return PaymentConfirmation{}, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
		default:
			return PaymentConfirmation{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
	}

	conf := PaymentConfirmation{
		EventID:       event.ID,
		EventType:     event.Type,
		Provider:      event.Provider,
		SessionRef:    event.SessionID,
		IntentID:      event.IntentID,
		FailureReason: event.FailureReason,
		OccurredAt:    event.Created,
		Outcome:       PaymentOutcomeUnrecognized,
	}
	if conf.OccurredAt.IsZero() {
		conf.OccurredAt = b.clock()
	}
	if !event.Recognized {
		return conf, nil
	}

	order, found, err := b.correlate(ctx, event)
	if err != nil {
		return PaymentConfirmation{}, err
	}
	if !found {
		b.logger(ctx, "payments.webhook.unmatched", map[string]any{
			"eventId":   event.ID,
			"type":      event.Type,
			"sessionId": event.SessionID,
		})
		return conf, nil
	}

	conf.Order = &order
	switch event.Status {
	case payments.StatusSucceeded:
		conf.Outcome = PaymentOutcomePaid
		conf.ConfirmedOrderID = order.ID
	case payments.StatusFailed, payments.StatusExpired:
		conf.Outcome = PaymentOutcomeFailed
	default:
		conf.Outcome = PaymentOutcomePending
	}
	return conf, nil
}

func (b *paymentSessionBroker) correlate(ctx context.Context, event payments.WebhookEvent) (domain.Order, bool, error) {
	if id := event.OrderID(); id != "" {
		order, err := b.orders.FindByID(ctx, id)
		switch {
		case err == nil:
			return order, true, nil
		case !repositories.IsNotFound(err):
			return domain.Order{}, false, mapRepositoryError(err)
		}
	}
	if event.SessionID == "" {
		return domain.Order{}, false, nil
	}
	order, err := b.orders.FindBySessionRef(ctx, event.SessionID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, mapRepositoryError(err)
	}
	return order, true, nil
}

// redirectURL picks the caller's URL when given, else the configured one. Caller
// URLs must point at a configured host.
func (b *paymentSessionBroker) redirectURL(candidate, fallback, field string) (string, error) {
	raw := strings.TrimSpace(candidate)
	supplied := raw != ""
	if !supplied {
		raw = strings.TrimSpace(fallback)
	}
	if raw == "" {
		return "", fmt.Errorf("%w: %s is required", ErrOrderInvalidInput, field)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "https" && parsed.Scheme != "http") {
		return "", fmt.Errorf("%w: %s must be an absolute http(s) url", ErrOrderInvalidInput, field)
	}
	if supplied {
		if _, ok := b.hosts[strings.ToLower(parsed.Host)]; !ok {
			return "", fmt.Errorf("%w: %s host %q is not allowed", ErrOrderInvalidInput, field, parsed.Host)
		}
	}
	return raw, nil
}
