package services

import (
	"context"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
)

// OrderStateMachine is the only writer of order status. Every transition is a
// conditional update keyed on the expected prior status.
type OrderStateMachine interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	VerifyOrder(ctx context.Context, cmd VerifyOrderCommand) (domain.Order, error)
	ResendVerification(ctx context.Context, orderRef string) (VerificationChallenge, error)
	StartPayment(ctx context.Context, cmd StartPaymentCommand) (PaymentSession, error)
	ApplyPaymentEvent(ctx context.Context, cmd PaymentWebhookCommand) (PaymentEventResult, error)
	AdminTransition(ctx context.Context, cmd AdminTransitionCommand) (domain.Order, error)
	AdminDelete(ctx context.Context, cmd AdminDeleteCommand) error
	// CancelExpiredReservation cancels an order whose stock hold lapsed before now.
	CancelExpiredReservation(ctx context.Context, order domain.Order, now time.Time) (domain.Order, error)
	// RetryRelease returns stock still held by a closed order.
	RetryRelease(ctx context.Context, order domain.Order) (bool, error)
}

// OrderQueryService serves the read side for customer tracking and the admin console.
type OrderQueryService interface {
	LookupByCode(ctx context.Context, code string) (PublicOrderView, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// VerificationGate issues and checks the single-use verification code.
type VerificationGate interface {
	Issue(ctx context.Context, orderID string) (VerificationChallenge, error)
	Check(ctx context.Context, orderID, code string) (VerificationResult, domain.Order, error)
}

// PaymentSessionBroker talks to the payment processor on behalf of the state machine.
type PaymentSessionBroker interface {
	CreateSession(ctx context.Context, order domain.Order, urls PaymentURLs) (PaymentSession, error)
	ExpireSession(ctx context.Context, order domain.Order) error
	HandleAsyncConfirmation(ctx context.Context, cmd PaymentWebhookCommand) (PaymentConfirmation, error)
}

// ReservationSweeper releases stock held by abandoned orders.
type ReservationSweeper interface {
	Sweep(ctx context.Context, now time.Time, limit int) (SweepResult, error)
	Run(ctx context.Context, interval time.Duration)
}

// SystemService exposes health and build metadata for the ops endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	Build() BuildInfo
}

// CreateOrderCommand is the customer checkout form. Validation tags are enforced by
// the state machine after sanitising every field.
type CreateOrderCommand struct {
	ProductID string        `validate:"required,max=128"`
	Customer  CustomerInput `validate:"required"`
}

type CustomerInput struct {
	Name    string `validate:"required,max=120"`
	Email   string `validate:"required,email,max=254"`
	Phone   string `validate:"omitempty,max=40"`
	Address string `validate:"required,max=500"`
}

type VerifyOrderCommand struct {
	OrderRef string
	Code     string
}

type StartPaymentCommand struct {
	OrderRef   string
	SuccessURL string
	CancelURL  string
}

// PaymentURLs are the redirect targets handed to the processor.
type PaymentURLs struct {
	SuccessURL string
	CancelURL  string
}

// PaymentWebhookCommand carries a raw processor notification.
type PaymentWebhookCommand struct {
	Provider  string
	Payload   []byte
	Signature string
}

type AdminTransitionCommand struct {
	OrderID        string
	TargetStatus   domain.OrderStatus
	ExpectedStatus *domain.OrderStatus
	Reason         string
	ActorID        string
}

type AdminDeleteCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

// VerificationResult is the outcome of a code check.
type VerificationResult string

const (
	VerificationValid           VerificationResult = "valid"
	VerificationInvalid         VerificationResult = "invalid"
	VerificationAlreadyVerified VerificationResult = "already_verified"
	VerificationExpired         VerificationResult = "expired"
)

// VerificationChallenge is returned when a code is issued. Code is the clear text
// value and must only travel to the notifier.
type VerificationChallenge struct {
	OrderID   string
	Code      string
	ExpiresAt time.Time
}

// PaymentSession is the redirect handed back to the customer.
type PaymentSession struct {
	OrderID     string
	Provider    string
	SessionID   string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
	// Reused is set when an unexpired session already existed for the order.
	Reused bool
}

// PaymentOutcome classifies a processor notification.
type PaymentOutcome string

const (
	PaymentOutcomePaid         PaymentOutcome = "paid"
	PaymentOutcomeFailed       PaymentOutcome = "failed"
	PaymentOutcomePending      PaymentOutcome = "pending"
	PaymentOutcomeUnrecognized PaymentOutcome = "unrecognized"
)

// PaymentConfirmation is the verified, correlated view of a webhook event.
type PaymentConfirmation struct {
	EventID       string
	EventType     string
	Provider      string
	SessionRef    string
	IntentID      string
	Outcome       PaymentOutcome
	FailureReason string
	// ConfirmedOrderID is set for paid events that map to an order.
	ConfirmedOrderID string
	Order            *domain.Order
	OccurredAt       time.Time
}

// PaymentEventResult reports what ApplyPaymentEvent did with a notification.
type PaymentEventResult struct {
	EventID        string
	Outcome        PaymentOutcome
	OrderID        string
	Status         domain.OrderStatus
	Applied        bool
	Duplicate      bool
	RequiresReview bool
}

// Accepted reports whether the event was matched to an order.
func (r PaymentEventResult) Accepted() bool {
	return r.Outcome != PaymentOutcomeUnrecognized && r.OrderID != ""
}

// PublicOrderView is the reduced projection returned by code lookup. It carries no
// contact data.
type PublicOrderView struct {
	OrderCode     string
	ProductID     string
	ProductName   string
	UnitPrice     int64
	Quantity      int
	Total         int64
	Currency      string
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	IsVerified    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
	CancelledAt   *time.Time
}

// SweepResult counts the work done by one sweep.
type SweepResult struct {
	Cancelled int
	Released  int
	Failed    int
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemHealthReport is the readiness report enriched with build data.
type SystemHealthReport struct {
	domain.HealthReport
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
}

// OrderEvent is published after every committed order mutation.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderCode      string
	Status         domain.OrderStatus
	PreviousStatus domain.OrderStatus
	PaymentStatus  domain.PaymentStatus
	ProductID      string
	Total          int64
	Currency       string
	ActorKind      string
	ActorID        string
	Reason         string
	OccurredAt     time.Time
}

// OrderEventPublisher fan-outs order lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// VerificationNotice asks the notification pipeline to deliver a code.
type VerificationNotice struct {
	OrderID   string
	OrderCode string
	Email     string
	Name      string
	Code      string
	ExpiresAt time.Time
}

// VerificationNotifier delivers verification codes out of band.
type VerificationNotifier interface {
	SendVerificationCode(ctx context.Context, notice VerificationNotice) error
}

// Metrics receives counters from the services. metrics.Recorder satisfies it.
type Metrics interface {
	ObserveUseCase(useCase, outcome string, elapsed time.Duration)
	Transition(from, to string)
	Reservation(outcome string)
	WebhookEvent(eventType, outcome string)
}

// Logger is the structured event logger accepted by every service.
type Logger func(ctx context.Context, event string, fields map[string]any)
