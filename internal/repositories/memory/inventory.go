package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/repositories"
)

// InventoryLedger keeps products and reservations in memory behind a single mutex, which
// makes the check-and-decrement in ReserveUnit atomic.
type InventoryLedger struct {
	mu           sync.Mutex
	products     map[string]domain.Product
	reservations map[string]domain.InventoryReservation
	now          func() time.Time
}

var (
	_ repositories.InventoryLedger = (*InventoryLedger)(nil)
	_ repositories.ProductCatalog  = (*InventoryLedger)(nil)
)

func NewInventoryLedger(clock func() time.Time, products ...domain.Product) *InventoryLedger {
	if clock == nil {
		clock = time.Now
	}
	l := &InventoryLedger{
		products:     make(map[string]domain.Product, len(products)),
		reservations: map[string]domain.InventoryReservation{},
		now:          clock,
	}
	for _, p := range products {
		l.products[p.ID] = p
	}
	return l
}

// PutProduct inserts or replaces a catalog entry.
func (l *InventoryLedger) PutProduct(product domain.Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[product.ID] = product
}

func (l *InventoryLedger) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	product, ok := l.products[strings.TrimSpace(productID)]
	if !ok {
		return domain.Product{}, repositories.NewInventoryError("catalog.get", repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", productID), nil)
	}
	return product, nil
}

func (l *InventoryLedger) Available(ctx context.Context, productID string) (int, error) {
	product, err := l.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.AvailableQuantity, nil
}

func (l *InventoryLedger) ReserveUnit(_ context.Context, productID, orderID string) (domain.InventoryReservation, error) {
	const op = "inventory.reserve"
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.reservations[orderID]; exists {
		return domain.InventoryReservation{}, repositories.NewInventoryError(op, repositories.InventoryErrorAlreadyReserved, fmt.Sprintf("order %s already holds a reservation", orderID), nil)
	}
	product, ok := l.products[productID]
	switch {
	case !ok:
		return domain.InventoryReservation{}, repositories.NewInventoryError(op, repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", productID), nil)
	case !product.Orderable:
		return domain.InventoryReservation{}, repositories.NewInventoryError(op, repositories.InventoryErrorProductUnavailable, fmt.Sprintf("product %s is not orderable", productID), nil)
	case product.AvailableQuantity <= 0:
		return domain.InventoryReservation{}, repositories.NewInventoryError(op, repositories.InventoryErrorOutOfStock, fmt.Sprintf("product %s is out of stock", productID), nil)
	}
	now := l.now().UTC()
	product.AvailableQuantity--
	product.UpdatedAt = now
	l.products[productID] = product

	reservation := domain.InventoryReservation{
		OrderID:    orderID,
		ProductID:  productID,
		Quantity:   1,
		State:      domain.ReservationReserved,
		ReservedAt: now,
	}
	l.reservations[orderID] = reservation
	return reservation, nil
}

func (l *InventoryLedger) ReleaseUnit(_ context.Context, orderID, reason string) (domain.InventoryReservation, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reservation, ok := l.reservations[orderID]
	if !ok {
		return domain.InventoryReservation{}, false, repositories.NewInventoryError("inventory.release", repositories.InventoryErrorReservationMissing, fmt.Sprintf("no reservation for order %s", orderID), nil)
	}
	if reservation.State == domain.ReservationReleased {
		return reservation, false, nil
	}
	now := l.now().UTC()
	if product, ok := l.products[reservation.ProductID]; ok {
		product.AvailableQuantity += reservation.Quantity
		product.UpdatedAt = now
		l.products[reservation.ProductID] = product
	}
	reservation.State = domain.ReservationReleased
	reservation.ReleasedAt = &now
	reservation.Reason = reason
	l.reservations[orderID] = reservation
	return reservation, true, nil
}
