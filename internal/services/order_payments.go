package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/repositories"
)

// StartPayment opens a checkout session for a verified order and moves it to
// payment_session_created. An unexpired session is handed back instead of opening a
// second one.
func (s *orderStateMachine) StartPayment(ctx context.Context, cmd StartPaymentCommand) (_ PaymentSession, err error) {
	ctx, done := track(ctx, s.metrics, "start_payment")
	defer func() { done(err) }()

	order, err := s.resolve(ctx, cmd.OrderRef)
	if err != nil {
		return PaymentSession{}, err
	}
	urls := PaymentURLs{SuccessURL: cmd.SuccessURL, CancelURL: cmd.CancelURL}
	now := s.clock()

	switch order.Status {
	case domain.OrderStatusCreated:
		return PaymentSession{}, ErrNotVerified
	case domain.OrderStatusPaymentSessionCreated:
		if session, ok := storedSession(order, now); ok {
			return session, nil
		}
		return s.refreshSession(ctx, order, urls)
	case domain.OrderStatusVerified, domain.OrderStatusPaymentFailed:
	default:
		return PaymentSession{}, fmt.Errorf("%w: cannot start payment in status %s", ErrOrderInvalidState, order.Status)
	}
	if !order.IsVerified {
		return PaymentSession{}, ErrNotVerified
	}

	session, err := s.broker.CreateSession(ctx, order, urls)
	if err != nil {
		return PaymentSession{}, err
	}

	actor := requestctx.ActorFrom(ctx)
	updated, changed, err := s.applyTransition(ctx, order, domain.OrderStatusPaymentSessionCreated, actor, "checkout_session", domain.CanAdvance, func(patch *domain.OrderPatch) {
		s.applySession(patch, order, session)
	})
	if err != nil {
		s.abandonSession(ctx, order, session)
		return PaymentSession{}, err
	}
	if !changed {
		// A concurrent request opened a session first.
		s.abandonSession(ctx, order, session)
		if stored, ok := storedSession(updated, now); ok {
			return stored, nil
		}
		return PaymentSession{}, fmt.Errorf("%w: payment session changed concurrently", ErrOrderConflict)
	}
	return session, nil
}

// refreshSession replaces a lapsed session without changing the order status.
func (s *orderStateMachine) refreshSession(ctx context.Context, order domain.Order, urls PaymentURLs) (PaymentSession, error) {
	session, err := s.broker.CreateSession(ctx, order, urls)
	if err != nil {
		return PaymentSession{}, err
	}
	patch := domain.OrderPatch{UpdatedAt: s.clock()}
	s.applySession(&patch, order, session)
	if _, err := s.orders.ConditionalUpdate(ctx, order.ID, domain.OrderStatusPaymentSessionCreated, patch.Guard(order)); err != nil {
		s.abandonSession(ctx, order, session)
		return PaymentSession{}, mapRepositoryError(err)
	}
	s.logger(ctx, "payments.session.refreshed", map[string]any{
		"orderId":   order.ID,
		"sessionId": session.SessionID,
	})
	return session, nil
}

func (s *orderStateMachine) applySession(patch *domain.OrderPatch, order domain.Order, session PaymentSession) {
	ref := session.SessionID
	pending := domain.PaymentStatusPending
	expiresAt := session.ExpiresAt
	payment := order.Payment
	payment.Provider = session.Provider
	payment.SessionRef = session.SessionID
	payment.RedirectURL = session.RedirectURL
	payment.SessionExpiresAt = &expiresAt
	payment.SessionAttempts++
	payment.IntentID = session.IntentID

	patch.SessionRef = &ref
	patch.Payment = &payment
	patch.PaymentStatus = &pending
	if order.HoldsStock() && !expiresAt.IsZero() {
		holdUntil := expiresAt.Add(s.paymentGrace)
		reservation := order.Reservation
		reservation.ExpiresAt = &holdUntil
		patch.Reservation = &reservation
	}
}

func (s *orderStateMachine) abandonSession(ctx context.Context, order domain.Order, session PaymentSession) {
	order.PaymentSessionRef = session.SessionID
	order.Payment.Provider = session.Provider
	if err := s.broker.ExpireSession(ctx, order); err != nil {
		s.logger(ctx, "payments.session.expire_failed", map[string]any{
			"orderId":   order.ID,
			"sessionId": session.SessionID,
			"error":     err.Error(),
		})
	}
}

func storedSession(order domain.Order, now time.Time) (PaymentSession, bool) {
	p := order.Payment
	if order.PaymentSessionRef == "" || p.RedirectURL == "" {
		return PaymentSession{}, false
	}
	if p.SessionExpiresAt == nil || !now.Before(*p.SessionExpiresAt) {
		return PaymentSession{}, false
	}
	return PaymentSession{
		OrderID:     order.ID,
		Provider:    p.Provider,
		SessionID:   order.PaymentSessionRef,
		RedirectURL: p.RedirectURL,
		IntentID:    p.IntentID,
		ExpiresAt:   *p.SessionExpiresAt,
		Reused:      true,
	}, true
}

// ApplyPaymentEvent verifies a processor notification and applies it to the order it
// correlates with. Events are recorded in the payment event log after processing so
// a replay is reported as a duplicate without changing state twice.
func (s *orderStateMachine) ApplyPaymentEvent(ctx context.Context, cmd PaymentWebhookCommand) (_ PaymentEventResult, err error) {
	ctx, done := track(ctx, s.metrics, "apply_payment_event", attribute.String("payment.provider", cmd.Provider))
	defer func() { done(err) }()

	conf, err := s.broker.HandleAsyncConfirmation(ctx, cmd)
	if err != nil {
		return PaymentEventResult{}, err
	}
	result := PaymentEventResult{EventID: conf.EventID, Outcome: conf.Outcome}
	if conf.Order == nil || conf.Outcome == PaymentOutcomeUnrecognized {
		result.Outcome = PaymentOutcomeUnrecognized
		s.metrics.WebhookEvent(conf.EventType, "ignored")
		return result, nil
	}

	ctx = requestctx.WithActor(ctx, requestctx.Actor{ID: conf.Provider, Kind: requestctx.ActorWebhook})
	order := *conf.Order
	result.OrderID = order.ID

	var updated domain.Order
	switch conf.Outcome {
	case PaymentOutcomePaid:
		updated, result.Applied, result.RequiresReview, err = s.applyPaid(ctx, order, conf)
	case PaymentOutcomeFailed:
		updated, result.Applied, err = s.applyFailed(ctx, order, conf)
	default:
		updated = order
	}
	if err != nil {
		return result, err
	}
	result.Status = updated.Status

	outcome := "noop"
	switch {
	case result.RequiresReview:
		outcome = "review"
	case result.Applied:
		outcome = "applied"
	}
	first, err := s.paymentEvents.Record(ctx, domain.PaymentEventRecord{
		EventID:    conf.EventID,
		Type:       conf.EventType,
		SessionRef: conf.SessionRef,
		OrderID:    order.ID,
		Outcome:    outcome,
		ReceivedAt: s.clock(),
	})
	if err != nil {
		s.logger(ctx, "payments.event.record_failed", map[string]any{
			"eventId": conf.EventID,
			"orderId": order.ID,
			"error":   err.Error(),
		})
	} else if !first {
		result.Duplicate = true
		outcome = "duplicate"
	}
	s.metrics.WebhookEvent(conf.EventType, outcome)
	s.logger(ctx, "payments.event.processed", map[string]any{
		"eventId": conf.EventID,
		"type":    conf.EventType,
		"orderId": order.ID,
		"status":  string(updated.Status),
		"outcome": outcome,
	})
	return result, nil
}

// applyPaid moves payment_session_created -> paid. Payment for an order that can no
// longer be paid is kept but flagged for review.
func (s *orderStateMachine) applyPaid(ctx context.Context, order domain.Order, conf PaymentConfirmation) (domain.Order, bool, bool, error) {
	for range conflictRetries {
		if order.PaymentStatus == domain.PaymentStatusPaid {
			if order.Payment.EventID == conf.EventID || order.PaymentSessionRef == conf.SessionRef {
				return order, false, false, nil
			}
		}
		if order.Status != domain.OrderStatusPaymentSessionCreated {
			updated, err := s.flagReview(ctx, order, conf)
			if err == nil {
				return updated, false, true, nil
			}
			if !errors.Is(err, ErrOrderConflict) {
				return order, false, false, err
			}
			order = updated
			continue
		}

		paidAt := conf.OccurredAt
		updated, changed, err := s.applyTransition(ctx, order, domain.OrderStatusPaid, requestctx.ActorFrom(ctx), conf.EventType, domain.CanAdvance, func(patch *domain.OrderPatch) {
			paid := domain.PaymentStatusPaid
			payment := order.Payment
			payment.PaidAt = &paidAt
			payment.EventID = conf.EventID
			if conf.IntentID != "" {
				payment.IntentID = conf.IntentID
			}
			patch.PaymentStatus = &paid
			patch.Payment = &payment
			if order.HoldsStock() {
				reservation := order.Reservation
				reservation.State = domain.ReservationCommitted
				reservation.ExpiresAt = nil
				patch.Reservation = &reservation
			}
		})
		if err == nil {
			return updated, changed, false, nil
		}
		if !errors.Is(err, ErrOrderConflict) {
			return order, false, false, err
		}
		order = updated
	}
	return order, false, false, fmt.Errorf("%w: order %s kept changing while applying payment", ErrOrderConflict, order.ID)
}

// applyFailed moves payment_session_created -> payment_failed for the session the
// event refers to and restarts the reservation clock.
func (s *orderStateMachine) applyFailed(ctx context.Context, order domain.Order, conf PaymentConfirmation) (domain.Order, bool, error) {
	failedAt := conf.OccurredAt
	reason := strings.TrimSpace(conf.FailureReason)
	if reason == "" {
		reason = conf.EventType
	}
	for range conflictRetries {
		if order.Status != domain.OrderStatusPaymentSessionCreated {
			return order, false, nil
		}
		if conf.SessionRef != "" && order.PaymentSessionRef != conf.SessionRef {
			return order, false, nil
		}
		current := order
		updated, changed, err := s.applyTransition(ctx, current, domain.OrderStatusPaymentFailed, requestctx.ActorFrom(ctx), conf.EventType, domain.CanAdvance, func(patch *domain.OrderPatch) {
			failed := domain.PaymentStatusFailed
			payment := current.Payment
			payment.FailedAt = &failedAt
			payment.FailureReason = reason
			payment.EventID = conf.EventID
			patch.PaymentStatus = &failed
			patch.Payment = &payment
			if current.HoldsStock() {
				holdUntil := s.clock().Add(s.reservationTTL)
				reservation := current.Reservation
				reservation.ExpiresAt = &holdUntil
				patch.Reservation = &reservation
			}
		})
		if err == nil {
			return updated, changed, nil
		}
		if !errors.Is(err, ErrOrderConflict) {
			return order, false, err
		}
		order = updated
	}
	return order, false, fmt.Errorf("%w: order %s kept changing while applying payment failure", ErrOrderConflict, order.ID)
}

// flagReview records a payment that arrived for an order outside
// payment_session_created. The status is left as it is. On a lost race the reloaded
// order is returned with ErrOrderConflict.
func (s *orderStateMachine) flagReview(ctx context.Context, order domain.Order, conf PaymentConfirmation) (domain.Order, error) {
	if order.RequiresReview && order.Payment.EventID == conf.EventID {
		return order, nil
	}
	now := s.clock()
	flag := true
	paid := domain.PaymentStatusPaid
	paidAt := conf.OccurredAt
	payment := order.Payment
	payment.PaidAt = &paidAt
	payment.EventID = conf.EventID
	if conf.IntentID != "" {
		payment.IntentID = conf.IntentID
	}
	updated, err := s.orders.ConditionalUpdate(ctx, order.ID, order.Status, domain.OrderPatch{
		RequiresReview: &flag,
		PaymentStatus:  &paid,
		Payment:        &payment,
		UpdatedAt:      now,
	}.Guard(order))
	if err != nil {
		if !repositories.IsConflict(err) {
			return order, mapRepositoryError(err)
		}
		reloaded, findErr := s.orders.FindByID(ctx, order.ID)
		if findErr != nil {
			return order, mapRepositoryError(findErr)
		}
		return reloaded, fmt.Errorf("%w: order %s changed while flagging payment", ErrOrderConflict, order.ID)
	}
	s.logger(ctx, "payments.late_payment", map[string]any{
		"orderId":   order.ID,
		"status":    string(order.Status),
		"eventId":   conf.EventID,
		"sessionId": conf.SessionRef,
	})
	s.publish(ctx, orderEvent(orderEventRequiresReview, updated, order.Status, requestctx.ActorFrom(ctx), conf.EventType, now))
	return updated, nil
}
