package services

import (
	"fmt"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
)

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status_changed"
	orderEventPaid           = "order.paid"
	orderEventCancelled      = "order.cancelled"
	orderEventRejected       = "order.rejected"
	orderEventRequiresReview = "order.requires_review"
	orderEventDeleted        = "order.deleted"
	orderEventReleasePending = "order.release_pending"
)

// planTransition builds the patch that moves order to target. It fails with
// ErrOrderInvalidState when allowed rejects the edge.
func planTransition(order domain.Order, target domain.OrderStatus, actor requestctx.Actor, reason string, now time.Time, allowed func(from, to domain.OrderStatus) bool) (domain.OrderPatch, error) {
	if !target.Valid() {
		return domain.OrderPatch{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	if !allowed(order.Status, target) {
		return domain.OrderPatch{}, fmt.Errorf("%w: cannot move from %s to %s", ErrOrderInvalidState, order.Status, target)
	}

	status := target
	patch := domain.OrderPatch{
		Status: &status,
		AppendHistory: []domain.OrderStatusChange{{
			From:   order.Status,
			To:     target,
			Actor:  actorLabel(actor),
			Reason: reason,
			At:     now,
		}},
		UpdatedAt: now,
	}
	if target.Closed() {
		cancelledAt := now
		cancelReason := reason
		patch.CancelledAt = &cancelledAt
		patch.CancelReason = &cancelReason
	}
	if domain.ShipsStock(target) && order.HoldsStock() {
		reservation := order.Reservation
		reservation.State = domain.ReservationConsumed
		reservation.ExpiresAt = nil
		patch.Reservation = &reservation
	}
	return patch, nil
}

func actorLabel(actor requestctx.Actor) string {
	if actor.ID == "" {
		return actor.Kind
	}
	return actor.Kind + ":" + actor.ID
}

func eventTypeFor(target domain.OrderStatus) string {
	switch target {
	case domain.OrderStatusPaid:
		return orderEventPaid
	case domain.OrderStatusCancelled:
		return orderEventCancelled
	case domain.OrderStatusRejected:
		return orderEventRejected
	}
	return orderEventStatusChanged
}

func orderEvent(eventType string, order domain.Order, previous domain.OrderStatus, actor requestctx.Actor, reason string, at time.Time) OrderEvent {
	return OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderCode:      order.Code,
		Status:         order.Status,
		PreviousStatus: previous,
		PaymentStatus:  order.PaymentStatus,
		ProductID:      order.ProductID,
		Total:          order.Total,
		Currency:       order.Currency,
		ActorKind:      actor.Kind,
		ActorID:        actor.ID,
		Reason:         reason,
		OccurredAt:     at,
	}
}
