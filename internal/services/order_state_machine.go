package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/observability"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/platform/textutil"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const (
	orderIDPrefix         = "ord_"
	orderCodeAttempts     = 5
	defaultReservationTTL = 30 * time.Minute
	defaultPaymentGrace   = time.Hour

	reasonReservationExpired = "reservation_expired"
	reasonInsertFailed       = "order_insert_failed"
)

// OrderStateMachineDeps bundles collaborators required to construct the state machine.
type OrderStateMachineDeps struct {
	Orders        repositories.OrderRepository
	Catalog       repositories.ProductCatalog
	Inventory     repositories.InventoryLedger
	PaymentEvents repositories.PaymentEventLog
	Gate          VerificationGate
	Broker        PaymentSessionBroker
	Events        OrderEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	CodeGenerator CodeGenerator
	CodeLength    int
	// ReservationTTL bounds how long an order may hold stock before payment starts.
	ReservationTTL time.Duration
	// PaymentGrace extends the hold past the checkout session expiry.
	PaymentGrace time.Duration
	Validator    *validator.Validate
	Metrics      Metrics
	Logger       Logger
}

type orderStateMachine struct {
	orders         repositories.OrderRepository
	catalog        repositories.ProductCatalog
	inventory      repositories.InventoryLedger
	paymentEvents  repositories.PaymentEventLog
	gate           VerificationGate
	broker         PaymentSessionBroker
	events         OrderEventPublisher
	clock          func() time.Time
	newID          func() string
	newCode        CodeGenerator
	codeLength     int
	reservationTTL time.Duration
	paymentGrace   time.Duration
	validate       *validator.Validate
	metrics        Metrics
	logger         Logger
}

var _ OrderStateMachine = (*orderStateMachine)(nil)

// NewOrderStateMachine wires dependencies into the order state machine.
func NewOrderStateMachine(deps OrderStateMachineDeps) (OrderStateMachine, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order state machine: order repository is required")
	case deps.Catalog == nil:
		return nil, errors.New("order state machine: product catalog is required")
	case deps.Inventory == nil:
		return nil, errors.New("order state machine: inventory ledger is required")
	case deps.PaymentEvents == nil:
		return nil, errors.New("order state machine: payment event log is required")
	case deps.Gate == nil:
		return nil, errors.New("order state machine: verification gate is required")
	case deps.Broker == nil:
		return nil, errors.New("order state machine: payment broker is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return orderIDPrefix + strings.ToLower(ulid.Make().String())
		}
	}
	codeGen := deps.CodeGenerator
	if codeGen == nil {
		codeGen = randomOrderCode
	}
	codeLength := deps.CodeLength
	if codeLength == 0 {
		codeLength = defaultOrderCodeLength
	}
	if codeLength < minOrderCodeLength || codeLength > maxOrderCodeLength {
		return nil, fmt.Errorf("order state machine: order code length must be between %d and %d", minOrderCodeLength, maxOrderCodeLength)
	}
	reservationTTL := deps.ReservationTTL
	if reservationTTL <= 0 {
		reservationTTL = defaultReservationTTL
	}
	grace := deps.PaymentGrace
	if grace <= 0 {
		grace = defaultPaymentGrace
	}
	validate := deps.Validator
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}

	return &orderStateMachine{
		orders:        deps.Orders,
		catalog:       deps.Catalog,
		inventory:     deps.Inventory,
		paymentEvents: deps.PaymentEvents,
		gate:          deps.Gate,
		broker:        deps.Broker,
		events:        deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:          idGen,
		newCode:        codeGen,
		codeLength:     codeLength,
		reservationTTL: reservationTTL,
		paymentGrace:   grace,
		validate:       validate,
		metrics:        metricsOrNop(deps.Metrics),
		logger:         loggerOrNop(deps.Logger),
	}, nil
}

// CreateOrder validates the checkout form, reserves one unit and stores the order in
// status created. The verification code is issued after the order is durable; a
// delivery failure leaves the order in place for a resend.
func (s *orderStateMachine) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (_ domain.Order, err error) {
	ctx, done := track(ctx, s.metrics, "create_order", attribute.String("product.id", cmd.ProductID))
	defer func() { done(err) }()

	cmd = sanitizeCreateCommand(cmd)
	if err := s.validateCommand(cmd); err != nil {
		return domain.Order{}, err
	}

	product, err := s.catalog.GetProduct(ctx, cmd.ProductID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrProductNotFound, cmd.ProductID)
		}
		return domain.Order{}, mapRepositoryError(err)
	}
	if !product.Orderable {
		return domain.Order{}, fmt.Errorf("%w: %s", ErrProductUnavailable, product.ID)
	}

	now := s.clock()
	orderID := s.newID()
	reservation, err := s.inventory.ReserveUnit(ctx, product.ID, orderID)
	if err != nil {
		s.metrics.Reservation(reservationOutcome(err))
		return domain.Order{}, mapInventoryError(err)
	}
	s.metrics.Reservation("reserved")

	expiresAt := now.Add(s.reservationTTL)
	actor := requestctx.ActorFrom(ctx)
	order := domain.Order{
		ID: orderID,
		Customer: domain.CustomerContact{
			Name:    cmd.Customer.Name,
			Email:   cmd.Customer.Email,
			Phone:   cmd.Customer.Phone,
			Address: cmd.Customer.Address,
		},
		ProductID:     product.ID,
		ProductName:   product.Name,
		UnitPrice:     product.Price,
		Currency:      product.Currency,
		Quantity:      1,
		Total:         product.Price,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		Reservation: domain.OrderReservation{
			ProductID:  product.ID,
			Quantity:   1,
			State:      domain.ReservationReserved,
			ReservedAt: reservation.ReservedAt,
			ExpiresAt:  &expiresAt,
		},
		History: []domain.OrderStatusChange{{
			To:     domain.OrderStatusCreated,
			Actor:  actorLabel(actor),
			Reason: "checkout",
			At:     now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.Reservation.ReservedAt.IsZero() {
		order.Reservation.ReservedAt = now
	}

	order, err = s.insertWithCode(ctx, order)
	if err != nil {
		if _, _, releaseErr := s.inventory.ReleaseUnit(ctx, orderID, reasonInsertFailed); releaseErr != nil {
			s.logger(ctx, "orders.reservation.release_failed", map[string]any{
				"orderId": orderID,
				"reason":  reasonInsertFailed,
				"error":   releaseErr.Error(),
			})
		} else {
			s.metrics.Reservation("released")
		}
		return domain.Order{}, err
	}

	s.logger(ctx, "orders.created", map[string]any{
		"orderId":   order.ID,
		"orderCode": order.Code,
		"productId": order.ProductID,
		"email":     observability.MaskEmail(order.Customer.Email),
	})
	s.publish(ctx, orderEvent(orderEventCreated, order, "", actor, "checkout", now))

	if _, err := s.gate.Issue(ctx, order.ID); err != nil {
		s.logger(ctx, "orders.verification.issue_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return order, nil
}

func (s *orderStateMachine) insertWithCode(ctx context.Context, order domain.Order) (domain.Order, error) {
	for attempt := 0; attempt < orderCodeAttempts; attempt++ {
		code, err := s.newCode(s.codeLength)
		if err != nil {
			return domain.Order{}, err
		}
		order.Code = code
		order.SearchKeywords = textutil.Keywords(order.Customer.Name, order.Customer.Email, order.ProductName, order.Code)
		err = s.orders.Insert(ctx, order)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, repositories.ErrOrderCodeTaken) {
			return domain.Order{}, mapRepositoryError(err)
		}
		s.logger(ctx, "orders.code.collision", map[string]any{"orderId": order.ID, "attempt": attempt + 1})
	}
	return domain.Order{}, fmt.Errorf("%w: could not allocate a unique order code", ErrOrderConflict)
}

// VerifyOrder checks the customer's code and, when valid, moves created -> verified.
func (s *orderStateMachine) VerifyOrder(ctx context.Context, cmd VerifyOrderCommand) (_ domain.Order, err error) {
	ctx, done := track(ctx, s.metrics, "verify_order")
	defer func() { done(err) }()

	order, err := s.resolve(ctx, cmd.OrderRef)
	if err != nil {
		return domain.Order{}, err
	}
	code := strings.TrimSpace(cmd.Code)
	if code == "" {
		return domain.Order{}, fmt.Errorf("%w: code is required", ErrOrderInvalidInput)
	}

	result, updated, err := s.gate.Check(ctx, order.ID, code)
	if err != nil {
		return domain.Order{}, err
	}
	switch result {
	case VerificationValid:
		actor := requestctx.ActorFrom(ctx)
		s.metrics.Transition(string(order.Status), string(updated.Status))
		s.logger(ctx, "orders.transition", map[string]any{
			"orderId": updated.ID,
			"from":    string(order.Status),
			"to":      string(updated.Status),
			"actor":   actorLabel(actor),
		})
		s.publish(ctx, orderEvent(orderEventStatusChanged, updated, order.Status, actor, "verification_code", updated.UpdatedAt))
		return updated, nil
	case VerificationAlreadyVerified:
		return updated, ErrAlreadyVerified
	case VerificationExpired:
		return updated, ErrVerificationExpired
	default:
		return updated, ErrVerificationInvalid
	}
}

// ResendVerification issues a replacement code subject to the resend cooldown.
func (s *orderStateMachine) ResendVerification(ctx context.Context, orderRef string) (_ VerificationChallenge, err error) {
	ctx, done := track(ctx, s.metrics, "resend_verification")
	defer func() { done(err) }()

	order, err := s.resolve(ctx, orderRef)
	if err != nil {
		return VerificationChallenge{}, err
	}
	return s.gate.Issue(ctx, order.ID)
}

// AdminTransition applies an operator status change. Closing an order returns its
// stock; a failed release is left for the sweeper.
func (s *orderStateMachine) AdminTransition(ctx context.Context, cmd AdminTransitionCommand) (_ domain.Order, err error) {
	ctx, done := track(ctx, s.metrics, "admin_transition",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target_status", string(cmd.TargetStatus)))
	defer func() { done(err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.TargetStatus)))
	if !target.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	if cmd.ExpectedStatus != nil && *cmd.ExpectedStatus != order.Status {
		return domain.Order{}, fmt.Errorf("%w: order is %s, expected %s", ErrOrderConflict, order.Status, *cmd.ExpectedStatus)
	}
	if order.Status == target {
		return order, nil
	}

	actor := requestctx.Actor{ID: strings.TrimSpace(cmd.ActorID), Kind: requestctx.ActorAdmin}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "admin"
	}

	if target.Closed() && order.Status == domain.OrderStatusPaymentSessionCreated {
		if err := s.broker.ExpireSession(ctx, order); err != nil {
			s.logger(ctx, "payments.session.expire_failed", map[string]any{
				"orderId":   order.ID,
				"sessionId": order.PaymentSessionRef,
				"error":     err.Error(),
			})
		}
	}

	updated, _, err := s.applyTransition(ctx, order, target, actor, reason, domain.AdminCanSet, nil)
	if err != nil {
		return domain.Order{}, err
	}
	if updated.ReleasePending() {
		released, relErr := s.releaseStock(ctx, updated, reason)
		if relErr != nil {
			s.publish(ctx, orderEvent(orderEventReleasePending, updated, updated.Status, actor, relErr.Error(), s.clock()))
		} else {
			updated = released
		}
	}
	return updated, nil
}

// AdminDelete removes an order that never reached payment. Live orders are cancelled
// and their stock returned before the record is deleted.
func (s *orderStateMachine) AdminDelete(ctx context.Context, cmd AdminDeleteCommand) (err error) {
	ctx, done := track(ctx, s.metrics, "admin_delete", attribute.String("order.id", cmd.OrderID))
	defer func() { done(err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return mapRepositoryError(err)
	}
	if order.HasPaymentHistory() || order.PaymentStatus == domain.PaymentStatusPaid {
		return fmt.Errorf("%w: order %s has payment history", ErrOrderInvalidState, order.ID)
	}

	actor := requestctx.Actor{ID: strings.TrimSpace(cmd.ActorID), Kind: requestctx.ActorAdmin}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "admin_delete"
	}

	if !order.Status.Terminal() {
		order, _, err = s.applyTransition(ctx, order, domain.OrderStatusCancelled, actor, reason, domain.AdminCanSet, nil)
		if err != nil {
			return err
		}
	}
	if order.HoldsStock() {
		order, err = s.releaseStock(ctx, order, reason)
		if err != nil {
			return err
		}
	}

	if err := s.orders.Delete(ctx, order.ID, order.Status); err != nil {
		return mapRepositoryError(err)
	}
	s.logger(ctx, "orders.deleted", map[string]any{
		"orderId": order.ID,
		"actor":   actorLabel(actor),
		"reason":  reason,
	})
	s.publish(ctx, orderEvent(orderEventDeleted, order, order.Status, actor, reason, s.clock()))
	return nil
}

// CancelExpiredReservation cancels an order whose stock hold lapsed before now and
// returns the unit.
func (s *orderStateMachine) CancelExpiredReservation(ctx context.Context, order domain.Order, now time.Time) (_ domain.Order, err error) {
	ctx, done := track(ctx, s.metrics, "cancel_expired", attribute.String("order.id", order.ID))
	defer func() { done(err) }()

	if !domain.SystemCanClose(order.Status) {
		return order, fmt.Errorf("%w: %s orders are not swept", ErrOrderInvalidState, order.Status)
	}
	if order.Reservation.ExpiresAt == nil || !order.Reservation.ExpiresAt.Before(now) {
		return order, fmt.Errorf("%w: reservation for %s has not expired", ErrOrderInvalidState, order.ID)
	}

	actor := requestctx.Actor{ID: "reservation-sweeper", Kind: requestctx.ActorSystem}
	if order.Status == domain.OrderStatusPaymentSessionCreated {
		if err := s.broker.ExpireSession(ctx, order); err != nil {
			s.logger(ctx, "payments.session.expire_failed", map[string]any{
				"orderId":   order.ID,
				"sessionId": order.PaymentSessionRef,
				"error":     err.Error(),
			})
		}
	}

	updated, _, err := s.applyTransition(ctx, order, domain.OrderStatusCancelled, actor, reasonReservationExpired, func(from, to domain.OrderStatus) bool {
		return to == domain.OrderStatusCancelled && domain.SystemCanClose(from)
	}, nil)
	if err != nil {
		return order, err
	}
	if updated.HoldsStock() {
		released, err := s.releaseStock(ctx, updated, reasonReservationExpired)
		if err != nil {
			return updated, err
		}
		updated = released
	}
	return updated, nil
}

// RetryRelease returns stock still held by a closed order. released is false when
// there was nothing to return.
func (s *orderStateMachine) RetryRelease(ctx context.Context, order domain.Order) (released bool, err error) {
	ctx, done := track(ctx, s.metrics, "retry_release", attribute.String("order.id", order.ID))
	defer func() { done(err) }()

	if !order.Status.Closed() || !order.HoldsStock() {
		return false, nil
	}
	if _, err := s.releaseStock(ctx, order, "release_retry"); err != nil {
		return false, err
	}
	return true, nil
}

// applyTransition writes the transition conditionally on the order's status and
// revision. When the write loses a race the order is reloaded once: a concurrent writer that
// reached the same target makes the call a no-op, anything else is a conflict.
func (s *orderStateMachine) applyTransition(ctx context.Context, order domain.Order, target domain.OrderStatus, actor requestctx.Actor, reason string, allowed func(from, to domain.OrderStatus) bool, extra func(*domain.OrderPatch)) (domain.Order, bool, error) {
	now := s.clock()
	patch, err := planTransition(order, target, actor, reason, now, allowed)
	if err != nil {
		return order, false, err
	}
	if extra != nil {
		extra(&patch)
	}

	updated, err := s.orders.ConditionalUpdate(ctx, order.ID, order.Status, patch.Guard(order))
	if err != nil {
		if !repositories.IsConflict(err) {
			return order, false, mapRepositoryError(err)
		}
		reloaded, findErr := s.orders.FindByID(ctx, order.ID)
		if findErr != nil {
			return order, false, mapRepositoryError(findErr)
		}
		if reloaded.Status == target {
			s.logger(ctx, "orders.transition.noop", map[string]any{
				"orderId": order.ID,
				"to":      string(target),
				"actor":   actorLabel(actor),
			})
			return reloaded, false, nil
		}
		return reloaded, false, fmt.Errorf("%w: order %s moved to %s", ErrOrderConflict, order.ID, reloaded.Status)
	}

	s.metrics.Transition(string(order.Status), string(target))
	s.logger(ctx, "orders.transition", map[string]any{
		"orderId": order.ID,
		"from":    string(order.Status),
		"to":      string(target),
		"actor":   actorLabel(actor),
		"reason":  reason,
	})
	s.publish(ctx, orderEvent(eventTypeFor(target), updated, order.Status, actor, reason, now))
	return updated, true, nil
}

// releaseStock returns the order's unit to the ledger and records the release on the
// order. The ledger release is idempotent per order id.
func (s *orderStateMachine) releaseStock(ctx context.Context, order domain.Order, reason string) (domain.Order, error) {
	_, _, err := s.inventory.ReleaseUnit(ctx, order.ID, reason)
	if err != nil && !repositories.IsNotFound(err) {
		s.metrics.Reservation("release_failed")
		s.logger(ctx, "orders.reservation.release_failed", map[string]any{
			"orderId": order.ID,
			"reason":  reason,
			"error":   err.Error(),
		})
		return order, mapInventoryError(err)
	}

	now := s.clock()
	for attempt := 1; ; attempt++ {
		reservation := order.Reservation
		reservation.State = domain.ReservationReleased
		reservation.ExpiresAt = nil
		reservation.ReleasedAt = &now
		reservation.ReleaseReason = reason
		updated, err := s.orders.ConditionalUpdate(ctx, order.ID, order.Status, domain.OrderPatch{
			Reservation: &reservation,
			UpdatedAt:   now,
		}.Guard(order))
		if err == nil {
			s.metrics.Reservation("released")
			s.logger(ctx, "orders.reservation.released", map[string]any{
				"orderId":   order.ID,
				"productId": order.ProductID,
				"reason":    reason,
			})
			return updated, nil
		}
		if repositories.IsConflict(err) && attempt < conflictRetries {
			reloaded, findErr := s.orders.FindByID(ctx, order.ID)
			if findErr == nil {
				if !reloaded.HoldsStock() {
					return reloaded, nil
				}
				order = reloaded
				continue
			}
			err = findErr
		}
		s.metrics.Reservation("release_failed")
		return order, mapRepositoryError(err)
	}
}

// resolve loads an order by internal id or public order code.
func (s *orderStateMachine) resolve(ctx context.Context, ref string) (domain.Order, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.Order{}, fmt.Errorf("%w: order reference is required", ErrOrderInvalidInput)
	}
	var (
		order domain.Order
		err   error
	)
	if strings.HasPrefix(ref, orderIDPrefix) {
		order, err = s.orders.FindByID(ctx, ref)
	} else {
		order, err = s.orders.FindByCode(ctx, strings.ToUpper(ref))
	}
	if err != nil {
		return domain.Order{}, mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderStateMachine) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "orders.event.publish_failed", map[string]any{
			"orderId": event.OrderID,
			"type":    event.Type,
			"error":   err.Error(),
		})
	}
}

func (s *orderStateMachine) validateCommand(cmd CreateOrderCommand) error {
	err := s.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fieldName(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrOrderInvalidInput, strings.Join(fields, ", "))
}

func fieldName(namespace string) string {
	_, field, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return field
}

func sanitizeCreateCommand(cmd CreateOrderCommand) CreateOrderCommand {
	cmd.ProductID = strings.TrimSpace(cmd.ProductID)
	cmd.Customer.Name = textutil.CleanInput(cmd.Customer.Name)
	cmd.Customer.Email = strings.ToLower(textutil.CleanInput(cmd.Customer.Email))
	cmd.Customer.Phone = textutil.CleanInput(cmd.Customer.Phone)
	cmd.Customer.Address = textutil.CleanInput(cmd.Customer.Address)
	return cmd
}

func reservationOutcome(err error) string {
	code, ok := repositories.InventoryCode(err)
	if !ok {
		return "error"
	}
	switch code {
	case repositories.InventoryErrorOutOfStock:
		return "out_of_stock"
	case repositories.InventoryErrorUnavailable:
		return "unavailable"
	}
	return "rejected"
}
