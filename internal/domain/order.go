package domain

import (
	"slices"
	"time"
)

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusCreated               OrderStatus = "created"
	OrderStatusVerified              OrderStatus = "verified"
	OrderStatusPaymentSessionCreated OrderStatus = "payment_session_created"
	OrderStatusPaid                  OrderStatus = "paid"
	OrderStatusPaymentFailed         OrderStatus = "payment_failed"
	OrderStatusConfirmed             OrderStatus = "confirmed"
	OrderStatusShipped               OrderStatus = "shipped"
	OrderStatusDelivered             OrderStatus = "delivered"
	OrderStatusRejected              OrderStatus = "rejected"
	OrderStatusCancelled             OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusCreated,
	OrderStatusVerified,
	OrderStatusPaymentSessionCreated,
	OrderStatusPaymentFailed,
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusRejected,
	OrderStatusCancelled,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return slices.Contains(OrderStatuses, s)
}

// Terminal reports whether no further transition may leave s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// Closed reports whether s ends the order without fulfilment.
func (s OrderStatus) Closed() bool {
	return s == OrderStatusRejected || s == OrderStatusCancelled
}

// PaymentStatus tracks the processor-side state of the order's payment.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Order is the canonical order record shared by every component.
type Order struct {
	ID                string
	Code              string
	Customer          CustomerContact
	ProductID         string
	ProductName       string
	UnitPrice         int64
	Currency          string
	Quantity          int
	Total             int64
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	IsVerified        bool
	Verification      OrderVerification
	PaymentSessionRef string
	Payment           OrderPayment
	Reservation       OrderReservation
	RequiresReview    bool
	History           []OrderStatusChange
	SearchKeywords    []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CancelledAt       *time.Time
	CancelReason      string
	// Revision increases by one on every stored update.
	Revision int64
}

// OrderVerification holds the hashed single-use verification code.
type OrderVerification struct {
	CodeHash   string
	IssuedAt   *time.Time
	ExpiresAt  *time.Time
	Attempts   int
	VerifiedAt *time.Time
}

// OrderPayment stores processor references for the latest checkout session.
type OrderPayment struct {
	Provider         string
	SessionRef       string
	RedirectURL      string
	SessionExpiresAt *time.Time
	SessionAttempts  int
	IntentID         string
	EventID          string
	PaidAt           *time.Time
	FailedAt         *time.Time
	FailureReason    string
}

// OrderReservation mirrors the ledger reservation held for the order.
type OrderReservation struct {
	ProductID     string
	Quantity      int
	State         ReservationState
	ReservedAt    time.Time
	ExpiresAt     *time.Time
	ReleasedAt    *time.Time
	ReleaseReason string
}

// OrderStatusChange is one entry of the order's audit trail.
type OrderStatusChange struct {
	From   OrderStatus
	To     OrderStatus
	Actor  string
	Reason string
	At     time.Time
}

// HasPaymentHistory reports whether a checkout session was ever opened or a payment
// recorded for the order.
func (o Order) HasPaymentHistory() bool {
	return o.PaymentSessionRef != "" || o.Payment.SessionAttempts > 0 || o.PaymentStatus == PaymentStatusPaid
}

// HoldsStock reports whether the order still owns a reserved unit.
func (o Order) HoldsStock() bool {
	return o.Reservation.State == ReservationReserved || o.Reservation.State == ReservationCommitted
}

// ReleasePending reports a closed order whose unit has not been returned yet. The
// reservation sweeper retries those releases.
func (o Order) ReleasePending() bool {
	return o.Status.Closed() && o.HoldsStock()
}

// OrderPatch lists the fields a conditional update may change. Nil fields are left
// untouched. History entries are appended. A non-nil IfRevision makes the update
// conditional on the stored revision as well as the status.
type OrderPatch struct {
	IfRevision *int64

	Status         *OrderStatus
	PaymentStatus  *PaymentStatus
	IsVerified     *bool
	Verification   *OrderVerification
	SessionRef     *string
	Payment        *OrderPayment
	Reservation    *OrderReservation
	RequiresReview *bool
	CancelledAt    *time.Time
	CancelReason   *string
	AppendHistory  []OrderStatusChange
	UpdatedAt      time.Time
}

// Apply returns a copy of o with the patch applied.
func (p OrderPatch) Apply(o Order) Order {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
	if p.IsVerified != nil {
		o.IsVerified = *p.IsVerified
	}
	if p.Verification != nil {
		o.Verification = *p.Verification
	}
	if p.SessionRef != nil {
		o.PaymentSessionRef = *p.SessionRef
	}
	if p.Payment != nil {
		o.Payment = *p.Payment
	}
	if p.Reservation != nil {
		o.Reservation = *p.Reservation
	}
	if p.RequiresReview != nil {
		o.RequiresReview = *p.RequiresReview
	}
	if p.CancelledAt != nil {
		at := *p.CancelledAt
		o.CancelledAt = &at
	}
	if p.CancelReason != nil {
		o.CancelReason = *p.CancelReason
	}
	if len(p.AppendHistory) > 0 {
		o.History = append(slices.Clone(o.History), p.AppendHistory...)
	}
	if !p.UpdatedAt.IsZero() {
		o.UpdatedAt = p.UpdatedAt
	}
	o.Revision++
	return o
}

// Guard pins the patch to o's revision.
func (p OrderPatch) Guard(o Order) OrderPatch {
	rev := o.Revision
	p.IfRevision = &rev
	return p
}

// RevisionMismatch reports whether the patch was planned against a revision other
// than current.
func (p OrderPatch) RevisionMismatch(current int64) bool {
	return p.IfRevision != nil && *p.IfRevision != current
}

// OrderListFilter drives the admin listing.
type OrderListFilter struct {
	Statuses    []OrderStatus
	CreatedAt   RangeQuery[time.Time]
	SearchToken string
	Pagination  Pagination
}

// ReservationSweepQuery selects orders in one of Statuses that still hold stock. A
// non-zero ExpiredBefore further restricts to holds that lapsed before that instant.
type ReservationSweepQuery struct {
	Statuses      []OrderStatus
	ExpiredBefore time.Time
	Limit         int
}
