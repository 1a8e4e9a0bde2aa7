package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/ordercore/internal/domain"
	pfirestore "github.com/hanko-field/ordercore/internal/platform/firestore"
	"github.com/hanko-field/ordercore/internal/platform/pagination"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const (
	ordersCollection     = "orders"
	orderCodesCollection = "order_codes"
)

// OrderRepository stores orders in Firestore with a code index collection that makes
// order codes unique.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	codes    *pfirestore.Collection[orderCodeDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		codes:    pfirestore.NewCollection[orderCodeDocument](provider, orderCodesCollection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.Code) == "" {
		return errors.New("order insert: id and code are required")
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		codeRef, err := r.codes.Doc(ctx, order.Code)
		if err != nil {
			return err
		}
		if _, err := tx.Get(codeRef); err == nil {
			return fmt.Errorf("%w: %s", repositories.ErrOrderCodeTaken, order.Code)
		} else if status.Code(err) != codes.NotFound {
			return err
		}
		orderRef, err := r.orders.Doc(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(codeRef, orderCodeDocument{OrderID: order.ID, CreatedAt: order.CreatedAt.UTC()}); err != nil {
			return err
		}
		return tx.Create(orderRef, newOrderDocument(order))
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repositories.ErrOrderCodeTaken):
		return err
	case pfirestore.IsAlreadyExists(err):
		return fmt.Errorf("%w: %s", repositories.ErrOrderCodeTaken, order.Code)
	}
	return wrapOrderError("orders.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.get", err)
	}
	return doc.toDomain(), nil
}

func (r *OrderRepository) FindByCode(ctx context.Context, code string) (domain.Order, error) {
	index, err := r.codes.Get(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.get_by_code", err)
	}
	return r.FindByID(ctx, index.OrderID)
}

func (r *OrderRepository) FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return domain.Order{}, repositories.NewOrderStoreError("orders.get_by_session", repositories.OrderStoreNotFound, errors.New("session ref is empty"))
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentSessionRef", "==", sessionRef).Limit(1)
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.get_by_session", err)
	}
	if len(docs) == 0 {
		return domain.Order{}, repositories.NewOrderStoreError("orders.get_by_session", repositories.OrderStoreNotFound, fmt.Errorf("no order for session %s", sessionRef))
	}
	return docs[0].toDomain(), nil
}

func (r *OrderRepository) ConditionalUpdate(ctx context.Context, orderID string, expected domain.OrderStatus, patch domain.OrderPatch) (domain.Order, error) {
	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Doc(ctx, orderID)
		if err != nil {
			return err
		}
		current, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if domain.OrderStatus(current.Status) != expected {
			return repositories.NewOrderStoreError("orders.update", repositories.OrderStoreConflict,
				fmt.Errorf("order %s is %s, expected %s", orderID, current.Status, expected))
		}
		if patch.RevisionMismatch(current.Revision) {
			return repositories.NewOrderStoreError("orders.update", repositories.OrderStoreConflict,
				fmt.Errorf("order %s is at revision %d, expected %d", orderID, current.Revision, *patch.IfRevision))
		}
		updated = patch.Apply(current.toDomain())
		return tx.Set(ref, newOrderDocument(updated))
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.update", err)
	}
	return updated, nil
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.Normalize(filter.Pagination.PageSize)

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(filter.Statuses) == 1 {
			q = q.Where("status", "==", string(filter.Statuses[0]))
		} else if len(filter.Statuses) > 1 {
			values := make([]string, len(filter.Statuses))
			for i, s := range filter.Statuses {
				values[i] = string(s)
			}
			q = q.Where("status", "in", values)
		}
		if filter.SearchToken != "" {
			q = q.Where("searchKeywords", "array-contains", filter.SearchToken)
		}
		if filter.CreatedAt.From != nil {
			q = q.Where("createdAt", ">=", filter.CreatedAt.From.UTC())
		}
		if filter.CreatedAt.To != nil {
			q = q.Where("createdAt", "<=", filter.CreatedAt.To.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if !cursor.IsZero() {
			q = q.StartAfter(cursor.CreatedAt.UTC(), cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, min(len(docs), size))}
	for i, doc := range docs {
		if i == size {
			last := page.Items[size-1]
			token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			if err != nil {
				return domain.CursorPage[domain.Order]{}, err
			}
			page.NextPageToken = token
			break
		}
		page.Items = append(page.Items, doc.toDomain())
	}
	return page, nil
}

func (r *OrderRepository) ListReservationCandidates(ctx context.Context, query domain.ReservationSweepQuery) ([]domain.Order, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = pagination.MaxPageSize
	}
	var out []domain.Order
	for _, st := range query.Statuses {
		if len(out) >= limit {
			break
		}
		remaining := limit - len(out)
		docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
			q = q.Where("status", "==", string(st)).
				Where("reservation.state", "in", []string{string(domain.ReservationReserved), string(domain.ReservationCommitted)})
			if !query.ExpiredBefore.IsZero() {
				q = q.Where("reservation.expiresAt", "<", query.ExpiredBefore.UTC()).OrderBy("reservation.expiresAt", firestore.Asc)
			}
			return q.Limit(remaining)
		})
		if err != nil {
			return nil, wrapOrderError("orders.sweep_candidates", err)
		}
		for _, doc := range docs {
			out = append(out, doc.toDomain())
		}
	}
	return out, nil
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string, expected domain.OrderStatus) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Doc(ctx, orderID)
		if err != nil {
			return err
		}
		current, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if domain.OrderStatus(current.Status) != expected {
			return repositories.NewOrderStoreError("orders.delete", repositories.OrderStoreConflict,
				fmt.Errorf("order %s is %s, expected %s", orderID, current.Status, expected))
		}
		if err := tx.Delete(ref); err != nil {
			return err
		}
		if current.Code == "" {
			return nil
		}
		codeRef, err := r.codes.Doc(ctx, current.Code)
		if err != nil {
			return err
		}
		return tx.Delete(codeRef)
	})
	return wrapOrderError("orders.delete", err)
}

// wrapOrderError keeps typed order errors and maps Firestore failures onto OrderStoreError.
func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *repositories.OrderStoreError
	if errors.As(err, &storeErr) {
		return storeErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := pfirestore.WrapError(op, err)
	var repoErr repositories.RepositoryError
	if errors.As(wrapped, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return repositories.NewOrderStoreError(op, repositories.OrderStoreNotFound, err)
		case repoErr.IsConflict():
			return repositories.NewOrderStoreError(op, repositories.OrderStoreConflict, err)
		case repoErr.IsUnavailable():
			return repositories.NewOrderStoreError(op, repositories.OrderStoreUnavailable, err)
		}
	}
	return wrapped
}
