package domain

import "time"

// Pagination defines cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// RangeQuery represents an inclusive range filter. Nil bounds are open.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Product is the catalog view the order core depends on. Only AvailableQuantity is
// ever written by the core, and only through the inventory ledger.
type Product struct {
	ID                string
	Name              string
	Price             int64
	Currency          string
	AvailableQuantity int
	Orderable         bool
	UpdatedAt         time.Time
}

// CustomerContact is the contact snapshot captured when the order is placed.
type CustomerContact struct {
	Name    string
	Email   string
	Phone   string
	Address string
}

// ReservationState tracks the stock unit held for an order.
type ReservationState string

const (
	ReservationReserved  ReservationState = "reserved"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
	// ReservationConsumed marks a unit that left the warehouse with the order.
	ReservationConsumed ReservationState = "consumed"
)

// InventoryReservation is the ledger record keyed by order id that makes releases
// idempotent.
type InventoryReservation struct {
	OrderID    string
	ProductID  string
	Quantity   int
	State      ReservationState
	ReservedAt time.Time
	ReleasedAt *time.Time
	Reason     string
}

// PaymentEventRecord is the first-writer-wins record of a processor webhook event.
type PaymentEventRecord struct {
	EventID    string
	Type       string
	SessionRef string
	OrderID    string
	Outcome    string
	ReceivedAt time.Time
}

// HealthStatus summarises dependency readiness.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// DependencyStatus is the outcome of a single readiness probe.
type DependencyStatus struct {
	Status    HealthStatus  `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latencyMs"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// HealthReport aggregates dependency readiness for /readyz.
type HealthReport struct {
	Status       HealthStatus                `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	GeneratedAt  time.Time                   `json:"generatedAt"`
}
