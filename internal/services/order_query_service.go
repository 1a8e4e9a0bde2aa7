package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/pagination"
	"github.com/hanko-field/ordercore/internal/platform/textutil"
	"github.com/hanko-field/ordercore/internal/repositories"
)

// OrderQueryServiceDeps bundles collaborators for the read side.
type OrderQueryServiceDeps struct {
	Orders  repositories.OrderRepository
	Metrics Metrics
}

type orderQueryService struct {
	orders  repositories.OrderRepository
	metrics Metrics
}

var _ OrderQueryService = (*orderQueryService)(nil)

// NewOrderQueryService constructs the query service.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order query service: order repository is required")
	}
	return &orderQueryService{orders: deps.Orders, metrics: metricsOrNop(deps.Metrics)}, nil
}

// LookupByCode returns the public projection of the order. Malformed codes are
// reported as not found so probing reveals nothing about the code format.
func (s *orderQueryService) LookupByCode(ctx context.Context, code string) (_ PublicOrderView, err error) {
	ctx, done := track(ctx, s.metrics, "lookup_by_code")
	defer func() { done(err) }()

	code = strings.ToUpper(strings.TrimSpace(code))
	if !wellFormedOrderCode(code) {
		return PublicOrderView{}, ErrOrderNotFound
	}
	order, err := s.orders.FindByCode(ctx, code)
	if err != nil {
		return PublicOrderView{}, mapRepositoryError(err)
	}
	return publicView(order), nil
}

func (s *orderQueryService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	return order, nil
}

// ListOrders serves the admin listing, newest first.
func (s *orderQueryService) ListOrders(ctx context.Context, filter domain.OrderListFilter) (_ domain.CursorPage[domain.Order], err error) {
	ctx, done := track(ctx, s.metrics, "list_orders")
	defer func() { done(err) }()

	for _, status := range filter.Statuses {
		if !status.Valid() {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	if from, to := filter.CreatedAt.From, filter.CreatedAt.To; from != nil && to != nil && from.After(*to) {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: created_from must not be after created_to", ErrOrderInvalidInput)
	}
	if _, err := pagination.DecodeToken(filter.Pagination.PageToken); err != nil {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	filter.Pagination.PageSize = pagination.Normalize(filter.Pagination.PageSize)
	filter.SearchToken = textutil.SearchToken(filter.SearchToken)

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, mapRepositoryError(err)
	}
	return page, nil
}

func wellFormedOrderCode(code string) bool {
	if len(code) < minOrderCodeLength || len(code) > maxOrderCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(orderCodeAlphabet, r) {
			return false
		}
	}
	return true
}

func publicView(order domain.Order) PublicOrderView {
	return PublicOrderView{
		OrderCode:     order.Code,
		ProductID:     order.ProductID,
		ProductName:   order.ProductName,
		UnitPrice:     order.UnitPrice,
		Quantity:      order.Quantity,
		Total:         order.Total,
		Currency:      order.Currency,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		IsVerified:    order.IsVerified,
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		PaidAt:        order.Payment.PaidAt,
		CancelledAt:   order.CancelledAt,
	}
}
