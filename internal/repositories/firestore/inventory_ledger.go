package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/ordercore/internal/domain"
	pfirestore "github.com/hanko-field/ordercore/internal/platform/firestore"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const (
	productsCollection     = "products"
	reservationsCollection = "inventory_reservations"
)

type productDocument struct {
	Name              string    `firestore:"name"`
	Price             int64     `firestore:"price"`
	Currency          string    `firestore:"currency"`
	AvailableQuantity int       `firestore:"availableQuantity"`
	Orderable         bool      `firestore:"orderable"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:                id,
		Name:              d.Name,
		Price:             d.Price,
		Currency:          strings.ToUpper(d.Currency),
		AvailableQuantity: d.AvailableQuantity,
		Orderable:         d.Orderable,
		UpdatedAt:         d.UpdatedAt,
	}
}

type ledgerReservationDocument struct {
	OrderID    string     `firestore:"orderId"`
	ProductID  string     `firestore:"productId"`
	Quantity   int        `firestore:"quantity"`
	State      string     `firestore:"state"`
	ReservedAt time.Time  `firestore:"reservedAt"`
	ReleasedAt *time.Time `firestore:"releasedAt,omitempty"`
	Reason     string     `firestore:"reason,omitempty"`
}

func (d ledgerReservationDocument) toDomain() domain.InventoryReservation {
	return domain.InventoryReservation{
		OrderID:    d.OrderID,
		ProductID:  d.ProductID,
		Quantity:   d.Quantity,
		State:      domain.ReservationState(d.State),
		ReservedAt: d.ReservedAt,
		ReleasedAt: d.ReleasedAt,
		Reason:     d.Reason,
	}
}

// InventoryLedger keeps available quantities on product documents and records one
// reservation document per order so that releases are idempotent.
type InventoryLedger struct {
	provider     *pfirestore.Provider
	products     *pfirestore.Collection[productDocument]
	reservations *pfirestore.Collection[ledgerReservationDocument]
	now          func() time.Time
}

var (
	_ repositories.InventoryLedger = (*InventoryLedger)(nil)
	_ repositories.ProductCatalog  = (*InventoryLedger)(nil)
)

func NewInventoryLedger(provider *pfirestore.Provider, clock func() time.Time) (*InventoryLedger, error) {
	if provider == nil {
		return nil, errors.New("inventory ledger requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &InventoryLedger{
		provider:     provider,
		products:     pfirestore.NewCollection[productDocument](provider, productsCollection),
		reservations: pfirestore.NewCollection[ledgerReservationDocument](provider, reservationsCollection),
		now:          clock,
	}, nil
}

func (l *InventoryLedger) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := l.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Product{}, repositories.NewInventoryError("catalog.get", repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
		}
		return domain.Product{}, wrapInventoryError("catalog.get", err)
	}
	return doc.toDomain(productID), nil
}

func (l *InventoryLedger) Available(ctx context.Context, productID string) (int, error) {
	product, err := l.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.AvailableQuantity, nil
}

func (l *InventoryLedger) ReserveUnit(ctx context.Context, productID, orderID string) (domain.InventoryReservation, error) {
	productID = strings.TrimSpace(productID)
	orderID = strings.TrimSpace(orderID)
	if productID == "" || orderID == "" {
		return domain.InventoryReservation{}, errors.New("inventory reserve: product id and order id are required")
	}

	now := l.now().UTC()
	var result domain.InventoryReservation
	err := l.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := l.reservations.Doc(ctx, orderID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewInventoryError("", repositories.InventoryErrorAlreadyReserved, fmt.Sprintf("order %s already holds a reservation", orderID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		productRef, err := l.products.Doc(ctx, productID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(productRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError("", repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
			}
			return err
		}
		product, err := pfirestore.Decode[productDocument](snap)
		if err != nil {
			return fmt.Errorf("decode product %s: %w", productID, err)
		}
		if !product.Orderable {
			return repositories.NewInventoryError("", repositories.InventoryErrorProductUnavailable, fmt.Sprintf("product %s is not orderable", productID), nil)
		}
		if product.AvailableQuantity <= 0 {
			return repositories.NewInventoryError("", repositories.InventoryErrorOutOfStock, fmt.Sprintf("product %s is out of stock", productID), nil)
		}

		if err := tx.Update(productRef, []firestore.Update{
			{Path: "availableQuantity", Value: firestore.Increment(-1)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		doc := ledgerReservationDocument{
			OrderID:    orderID,
			ProductID:  productID,
			Quantity:   1,
			State:      string(domain.ReservationReserved),
			ReservedAt: now,
		}
		if err := tx.Create(resRef, doc); err != nil {
			return err
		}
		result = doc.toDomain()
		return nil
	})
	if err != nil {
		return domain.InventoryReservation{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

func (l *InventoryLedger) ReleaseUnit(ctx context.Context, orderID, reason string) (domain.InventoryReservation, bool, error) {
	orderID = strings.TrimSpace(orderID)
	now := l.now().UTC()
	var (
		result   domain.InventoryReservation
		released bool
	)
	err := l.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		released = false
		resRef, err := l.reservations.Doc(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewInventoryError("", repositories.InventoryErrorReservationMissing, fmt.Sprintf("no reservation for order %s", orderID), err)
			}
			return err
		}
		doc, err := pfirestore.Decode[ledgerReservationDocument](snap)
		if err != nil {
			return fmt.Errorf("decode reservation %s: %w", orderID, err)
		}
		if doc.State == string(domain.ReservationReleased) {
			result = doc.toDomain()
			return nil
		}

		productRef, err := l.products.Doc(ctx, doc.ProductID)
		if err != nil {
			return err
		}
		if err := tx.Update(productRef, []firestore.Update{
			{Path: "availableQuantity", Value: firestore.Increment(doc.Quantity)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		doc.State = string(domain.ReservationReleased)
		doc.ReleasedAt = &now
		doc.Reason = reason
		if err := tx.Set(resRef, doc); err != nil {
			return err
		}
		result = doc.toDomain()
		released = true
		return nil
	})
	if err != nil {
		return domain.InventoryReservation{}, false, wrapInventoryError("inventory.release", err)
	}
	return result, released, nil
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := pfirestore.WrapError(op, err)
	if repositories.IsUnavailable(wrapped) {
		return repositories.NewInventoryError(op, repositories.InventoryErrorUnavailable, "inventory backend unavailable", wrapped)
	}
	return wrapped
}
