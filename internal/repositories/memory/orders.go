package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/pagination"
	"github.com/hanko-field/ordercore/internal/repositories"
)

// OrderRepository is an in-process OrderRepository used by tests and the memory backend.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	codes  map[string]string
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: map[string]domain.Order{}, codes: map[string]string{}}
}

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.codes[order.Code]; taken {
		return fmt.Errorf("%w: %s", repositories.ErrOrderCodeTaken, order.Code)
	}
	if _, exists := r.orders[order.ID]; exists {
		return repositories.NewOrderStoreError("orders.insert", repositories.OrderStoreConflict, fmt.Errorf("order %s exists", order.ID))
	}
	r.orders[order.ID] = cloneOrder(order)
	r.codes[order.Code] = order.ID
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.get", orderID)
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	r.mu.Lock()
	id, ok := r.codes[strings.TrimSpace(code)]
	r.mu.Unlock()
	if !ok {
		return domain.Order{}, notFound("orders.get_by_code", code)
	}
	return r.FindByID(ctx, id)
}

func (r *OrderRepository) FindBySessionRef(_ context.Context, sessionRef string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessionRef != "" {
		for _, order := range r.orders {
			if order.PaymentSessionRef == sessionRef {
				return cloneOrder(order), nil
			}
		}
	}
	return domain.Order{}, notFound("orders.get_by_session", sessionRef)
}

func (r *OrderRepository) ConditionalUpdate(_ context.Context, orderID string, expected domain.OrderStatus, patch domain.OrderPatch) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.update", orderID)
	}
	if current.Status != expected {
		return domain.Order{}, repositories.NewOrderStoreError("orders.update", repositories.OrderStoreConflict,
			fmt.Errorf("order %s is %s, expected %s", orderID, current.Status, expected))
	}
	if patch.RevisionMismatch(current.Revision) {
		return domain.Order{}, repositories.NewOrderStoreError("orders.update", repositories.OrderStoreConflict,
			fmt.Errorf("order %s is at revision %d, expected %d", orderID, current.Revision, *patch.IfRevision))
	}
	updated := patch.Apply(current)
	r.orders[orderID] = cloneOrder(updated)
	return cloneOrder(updated), nil
}

func (r *OrderRepository) List(_ context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.Normalize(filter.Pagination.PageSize)

	r.mu.Lock()
	matched := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if matches(order, filter) {
			matched = append(matched, order)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(matched, newestFirst)
	start := 0
	if !cursor.IsZero() {
		start = len(matched)
		for i, order := range matched {
			if order.CreatedAt.Before(cursor.CreatedAt) || (order.CreatedAt.Equal(cursor.CreatedAt) && order.ID < cursor.ID) {
				start = i
				break
			}
		}
	}
	end := min(start+size, len(matched))

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, end-start)}
	for _, order := range matched[start:end] {
		page.Items = append(page.Items, cloneOrder(order))
	}
	if end < len(matched) {
		last := matched[end-1]
		page.NextPageToken, err = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}
	return page, nil
}

func (r *OrderRepository) ListReservationCandidates(_ context.Context, query domain.ReservationSweepQuery) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, order := range r.orders {
		if !slices.Contains(query.Statuses, order.Status) || !order.HoldsStock() {
			continue
		}
		if !query.ExpiredBefore.IsZero() {
			if order.Reservation.ExpiresAt == nil || !order.Reservation.ExpiresAt.Before(query.ExpiredBefore) {
				continue
			}
		}
		out = append(out, cloneOrder(order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (r *OrderRepository) Delete(_ context.Context, orderID string, expected domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[orderID]
	if !ok {
		return notFound("orders.delete", orderID)
	}
	if current.Status != expected {
		return repositories.NewOrderStoreError("orders.delete", repositories.OrderStoreConflict,
			fmt.Errorf("order %s is %s, expected %s", orderID, current.Status, expected))
	}
	delete(r.orders, orderID)
	delete(r.codes, current.Code)
	return nil
}

func matches(order domain.Order, filter domain.OrderListFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
		return false
	}
	if filter.SearchToken != "" && !slices.Contains(order.SearchKeywords, filter.SearchToken) {
		return false
	}
	if from := filter.CreatedAt.From; from != nil && order.CreatedAt.Before(*from) {
		return false
	}
	if to := filter.CreatedAt.To; to != nil && order.CreatedAt.After(*to) {
		return false
	}
	return true
}

func newestFirst(a, b domain.Order) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

func cloneOrder(o domain.Order) domain.Order {
	o.History = slices.Clone(o.History)
	o.SearchKeywords = slices.Clone(o.SearchKeywords)
	return o
}

func notFound(op, key string) error {
	return repositories.NewOrderStoreError(op, repositories.OrderStoreNotFound, fmt.Errorf("order %q not found", key))
}
