package repositories

import (
	"context"

	"github.com/hanko-field/ordercore/internal/domain"
)

// RepositoryError categorises persistence failures so services can decide between
// retry, reload and abort without string matching.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductCatalog is the read-only view of the external catalog.
type ProductCatalog interface {
	// GetProduct returns a RepositoryError with IsNotFound when the product is absent.
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// InventoryLedger owns available quantities. ReserveUnit must check and decrement
// atomically so that with n units exactly n concurrent calls succeed.
type InventoryLedger interface {
	// ReserveUnit holds one unit of productID for orderID. Failures are *InventoryError.
	ReserveUnit(ctx context.Context, productID, orderID string) (domain.InventoryReservation, error)
	// ReleaseUnit returns the unit held for orderID. Releasing twice is a no-op
	// reported with released=false.
	ReleaseUnit(ctx context.Context, orderID, reason string) (reservation domain.InventoryReservation, released bool, err error)
	// Available reports the current available quantity.
	Available(ctx context.Context, productID string) (int, error)
}

// OrderRepository persists orders keyed by id and by public order code.
type OrderRepository interface {
	// Insert stores a new order. A taken order code yields ErrOrderCodeTaken.
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByCode(ctx context.Context, code string) (domain.Order, error)
	FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error)
	// ConditionalUpdate applies patch only when the stored status equals expected and,
	// when patch.IfRevision is set, the stored revision matches it. A mismatch is an *OrderStoreError with IsConflict; a missing order IsNotFound.
	ConditionalUpdate(ctx context.Context, orderID string, expected domain.OrderStatus, patch domain.OrderPatch) (domain.Order, error)
	List(ctx context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error)
	ListReservationCandidates(ctx context.Context, query domain.ReservationSweepQuery) ([]domain.Order, error)
	// Delete removes the order and its code index when the stored status equals expected.
	Delete(ctx context.Context, orderID string, expected domain.OrderStatus) error
}

// PaymentEventLog deduplicates processor webhook deliveries.
type PaymentEventLog interface {
	// Record stores the event unless it was already seen. first is false for replays.
	Record(ctx context.Context, record domain.PaymentEventRecord) (first bool, err error)
}

// HealthRepository reports readiness of the backing stores.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
