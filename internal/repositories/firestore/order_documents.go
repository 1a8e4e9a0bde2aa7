package firestore

import (
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
)

type orderDocument struct {
	ID                string                 `firestore:"id"`
	Code              string                 `firestore:"code"`
	Customer          customerDocument       `firestore:"customer"`
	ProductID         string                 `firestore:"productId"`
	ProductName       string                 `firestore:"productName"`
	UnitPrice         int64                  `firestore:"unitPrice"`
	Currency          string                 `firestore:"currency"`
	Quantity          int                    `firestore:"quantity"`
	Total             int64                  `firestore:"total"`
	Status            string                 `firestore:"status"`
	PaymentStatus     string                 `firestore:"paymentStatus"`
	IsVerified        bool                   `firestore:"isVerified"`
	Verification      verificationDocument   `firestore:"verification"`
	PaymentSessionRef string                 `firestore:"paymentSessionRef,omitempty"`
	Payment           paymentDocument        `firestore:"payment"`
	Reservation       reservationDocument    `firestore:"reservation"`
	RequiresReview    bool                   `firestore:"requiresReview"`
	History           []statusChangeDocument `firestore:"history"`
	SearchKeywords    []string               `firestore:"searchKeywords"`
	CreatedAt         time.Time              `firestore:"createdAt"`
	UpdatedAt         time.Time              `firestore:"updatedAt"`
	CancelledAt       *time.Time             `firestore:"cancelledAt,omitempty"`
	CancelReason      string                 `firestore:"cancelReason,omitempty"`
	Revision          int64                  `firestore:"revision"`
}

type customerDocument struct {
	Name    string `firestore:"name"`
	Email   string `firestore:"email"`
	Phone   string `firestore:"phone,omitempty"`
	Address string `firestore:"address,omitempty"`
}

type verificationDocument struct {
	CodeHash   string     `firestore:"codeHash,omitempty"`
	IssuedAt   *time.Time `firestore:"issuedAt,omitempty"`
	ExpiresAt  *time.Time `firestore:"expiresAt,omitempty"`
	Attempts   int        `firestore:"attempts"`
	VerifiedAt *time.Time `firestore:"verifiedAt,omitempty"`
}

type paymentDocument struct {
	Provider         string     `firestore:"provider,omitempty"`
	SessionRef       string     `firestore:"sessionRef,omitempty"`
	RedirectURL      string     `firestore:"redirectUrl,omitempty"`
	SessionExpiresAt *time.Time `firestore:"sessionExpiresAt,omitempty"`
	SessionAttempts  int        `firestore:"sessionAttempts"`
	IntentID         string     `firestore:"intentId,omitempty"`
	EventID          string     `firestore:"eventId,omitempty"`
	PaidAt           *time.Time `firestore:"paidAt,omitempty"`
	FailedAt         *time.Time `firestore:"failedAt,omitempty"`
	FailureReason    string     `firestore:"failureReason,omitempty"`
}

type reservationDocument struct {
	ProductID     string     `firestore:"productId"`
	Quantity      int        `firestore:"quantity"`
	State         string     `firestore:"state"`
	ReservedAt    time.Time  `firestore:"reservedAt"`
	ExpiresAt     *time.Time `firestore:"expiresAt,omitempty"`
	ReleasedAt    *time.Time `firestore:"releasedAt,omitempty"`
	ReleaseReason string     `firestore:"releaseReason,omitempty"`
}

type statusChangeDocument struct {
	From   string    `firestore:"from"`
	To     string    `firestore:"to"`
	Actor  string    `firestore:"actor"`
	Reason string    `firestore:"reason,omitempty"`
	At     time.Time `firestore:"at"`
}

type orderCodeDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(o domain.Order) orderDocument {
	history := make([]statusChangeDocument, len(o.History))
	for i, h := range o.History {
		history[i] = statusChangeDocument{From: string(h.From), To: string(h.To), Actor: h.Actor, Reason: h.Reason, At: h.At.UTC()}
	}
	return orderDocument{
		ID:                o.ID,
		Code:              o.Code,
		Customer:          customerDocument(o.Customer),
		ProductID:         o.ProductID,
		ProductName:       o.ProductName,
		UnitPrice:         o.UnitPrice,
		Currency:          o.Currency,
		Quantity:          o.Quantity,
		Total:             o.Total,
		Status:            string(o.Status),
		PaymentStatus:     string(o.PaymentStatus),
		IsVerified:        o.IsVerified,
		Verification:      verificationDocument(o.Verification),
		PaymentSessionRef: o.PaymentSessionRef,
		Payment:           paymentDocument(o.Payment),
		Reservation: reservationDocument{
			ProductID:     o.Reservation.ProductID,
			Quantity:      o.Reservation.Quantity,
			State:         string(o.Reservation.State),
			ReservedAt:    o.Reservation.ReservedAt.UTC(),
			ExpiresAt:     o.Reservation.ExpiresAt,
			ReleasedAt:    o.Reservation.ReleasedAt,
			ReleaseReason: o.Reservation.ReleaseReason,
		},
		RequiresReview: o.RequiresReview,
		History:        history,
		SearchKeywords: o.SearchKeywords,
		CreatedAt:      o.CreatedAt.UTC(),
		UpdatedAt:      o.UpdatedAt.UTC(),
		CancelledAt:    o.CancelledAt,
		CancelReason:   o.CancelReason,
		Revision:       o.Revision,
	}
}

func (d orderDocument) toDomain() domain.Order {
	history := make([]domain.OrderStatusChange, len(d.History))
	for i, h := range d.History {
		history[i] = domain.OrderStatusChange{From: domain.OrderStatus(h.From), To: domain.OrderStatus(h.To), Actor: h.Actor, Reason: h.Reason, At: h.At}
	}
	return domain.Order{
		ID:                d.ID,
		Code:              d.Code,
		Customer:          domain.CustomerContact(d.Customer),
		ProductID:         d.ProductID,
		ProductName:       d.ProductName,
		UnitPrice:         d.UnitPrice,
		Currency:          d.Currency,
		Quantity:          d.Quantity,
		Total:             d.Total,
		Status:            domain.OrderStatus(d.Status),
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		IsVerified:        d.IsVerified,
		Verification:      domain.OrderVerification(d.Verification),
		PaymentSessionRef: d.PaymentSessionRef,
		Payment:           domain.OrderPayment(d.Payment),
		Reservation: domain.OrderReservation{
			ProductID:     d.Reservation.ProductID,
			Quantity:      d.Reservation.Quantity,
			State:         domain.ReservationState(d.Reservation.State),
			ReservedAt:    d.Reservation.ReservedAt,
			ExpiresAt:     d.Reservation.ExpiresAt,
			ReleasedAt:    d.Reservation.ReleasedAt,
			ReleaseReason: d.Reservation.ReleaseReason,
		},
		RequiresReview: d.RequiresReview,
		History:        history,
		SearchKeywords: d.SearchKeywords,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		CancelledAt:    d.CancelledAt,
		CancelReason:   d.CancelReason,
		Revision:       d.Revision,
	}
}
