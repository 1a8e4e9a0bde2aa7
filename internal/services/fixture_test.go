package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/payments"
	"github.com/hanko-field/ordercore/internal/repositories"
	"github.com/hanko-field/ordercore/internal/repositories/memory"
)

const testProductID = "prod_stamp"

type stubGateway struct {
	mu       sync.Mutex
	created  []payments.CheckoutSessionRequest
	expired  []string
	events   map[string]payments.WebhookEvent
	createFn func(payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

func newStubGateway() *stubGateway {
	return &stubGateway{events: map[string]payments.WebhookEvent{}}
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, _ payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	if g.createFn != nil {
		return g.createFn(req)
	}
	id := fmt.Sprintf("cs_test_%d", len(g.created))
	return payments.CheckoutSession{
		ID:          id,
		Provider:    "stripe",
		RedirectURL: "https://checkout.example/" + id,
		IntentID:    "pi_" + id,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

func (g *stubGateway) ExpireCheckoutSession(_ context.Context, _ payments.PaymentContext, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, sessionID)
	return nil
}

func (g *stubGateway) ParseWebhook(_ context.Context, _ string, payload []byte, signature string) (payments.WebhookEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if signature != "valid" {
		return payments.WebhookEvent{}, payments.ErrInvalidSignature
	}
	event, ok := g.events[string(payload)]
	if !ok {
		return payments.WebhookEvent{}, errors.New("unknown payload")
	}
	return event, nil
}

func (g *stubGateway) sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

// webhook registers a processor event and returns the command that delivers it.
func (g *stubGateway) webhook(id, eventType string, status payments.Status, order domain.Order) PaymentWebhookCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events[id] = payments.WebhookEvent{
		ID:                id,
		Type:              eventType,
		Provider:          "stripe",
		SessionID:         order.PaymentSessionRef,
		ClientReferenceID: order.ID,
		Metadata:          map[string]string{"order_id": order.ID},
		Status:            status,
		Recognized:        true,
		Created:           time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	return PaymentWebhookCommand{Provider: "stripe", Payload: []byte(id), Signature: "valid"}
}

type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (n *captureNotifier) SendVerificationCode(_ context.Context, notice VerificationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.codes[notice.OrderID] = notice.Code
	return nil
}

func (n *captureNotifier) code(orderID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[orderID]
}

type capturePublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (p *capturePublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyLedger fails releases while failRelease is set.
type flakyLedger struct {
	*memory.InventoryLedger
	mu          sync.Mutex
	failRelease bool
}

func (l *flakyLedger) ReleaseUnit(ctx context.Context, orderID, reason string) (domain.InventoryReservation, bool, error) {
	l.mu.Lock()
	fail := l.failRelease
	l.mu.Unlock()
	if fail {
		return domain.InventoryReservation{}, false, repositories.NewInventoryError("inventory.release", repositories.InventoryErrorUnavailable, "ledger offline", nil)
	}
	return l.InventoryLedger.ReleaseUnit(ctx, orderID, reason)
}

func (l *flakyLedger) setFailRelease(v bool) {
	l.mu.Lock()
	l.failRelease = v
	l.mu.Unlock()
}

type fixture struct {
	t         *testing.T
	mu        sync.Mutex
	now       time.Time
	orders    *memory.OrderRepository
	ledger    *flakyLedger
	gateway   *stubGateway
	notifier  *captureNotifier
	published *capturePublisher
	machine   OrderStateMachine
	queries   OrderQueryService
	sweeper   ReservationSweeper
}

type fixtureOption func(*OrderStateMachineDeps)

func newFixture(t *testing.T, stock int, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		now:       time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		orders:    memory.NewOrderRepository(),
		gateway:   newStubGateway(),
		notifier:  &captureNotifier{codes: map[string]string{}},
		published: &capturePublisher{},
	}
	f.ledger = &flakyLedger{InventoryLedger: memory.NewInventoryLedger(f.clock, domain.Product{
		ID:                testProductID,
		Name:              "Walnut seal",
		Price:             4800,
		Currency:          "JPY",
		AvailableQuantity: stock,
		Orderable:         true,
	})}

	gate, err := NewVerificationGate(VerificationGateDeps{
		Orders:   f.orders,
		Notifier: f.notifier,
		Clock:    f.clock,
	})
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	broker, err := NewPaymentSessionBroker(PaymentSessionBrokerDeps{
		Payments: f.gateway,
		Orders:   f.orders,
		Clock:    f.clock,
		DefaultURLs: PaymentURLs{
			SuccessURL: "https://shop.example/orders/success",
			CancelURL:  "https://shop.example/orders/cancel",
		},
		RedirectHosts: []string{"pay.shop.example"},
	})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	deps := OrderStateMachineDeps{
		Orders:        f.orders,
		Catalog:       f.ledger,
		Inventory:     f.ledger,
		PaymentEvents: memory.NewPaymentEventLog(),
		Gate:          gate,
		Broker:        broker,
		Events:        f.published,
		Clock:         f.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.machine, err = NewOrderStateMachine(deps)
	if err != nil {
		t.Fatalf("new state machine: %v", err)
	}
	f.queries, err = NewOrderQueryService(OrderQueryServiceDeps{Orders: f.orders})
	if err != nil {
		t.Fatalf("new query service: %v", err)
	}
	f.sweeper, err = NewReservationSweeper(ReservationSweeperDeps{Orders: f.orders, Machine: f.machine, Clock: f.clock})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) available() int {
	f.t.Helper()
	n, err := f.ledger.Available(context.Background(), testProductID)
	if err != nil {
		f.t.Fatalf("available: %v", err)
	}
	return n
}

func (f *fixture) reload(orderID string) domain.Order {
	f.t.Helper()
	order, err := f.orders.FindByID(context.Background(), orderID)
	if err != nil {
		f.t.Fatalf("reload %s: %v", orderID, err)
	}
	return order
}

func validCommand() CreateOrderCommand {
	return CreateOrderCommand{
		ProductID: testProductID,
		Customer: CustomerInput{
			Name:    "Aiko Tanaka",
			Email:   "Aiko.Tanaka@Example.com",
			Phone:   "+81 90 1234 5678",
			Address: "1-2-3 Shibuya, Tokyo",
		},
	}
}

func (f *fixture) create() domain.Order {
	f.t.Helper()
	order, err := f.machine.CreateOrder(context.Background(), validCommand())
	if err != nil {
		f.t.Fatalf("create order: %v", err)
	}
	return order
}

func (f *fixture) verified() domain.Order {
	f.t.Helper()
	order := f.create()
	updated, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.Code, Code: f.notifier.code(order.ID)})
	if err != nil {
		f.t.Fatalf("verify order: %v", err)
	}
	return updated
}

func (f *fixture) awaitingPayment() domain.Order {
	f.t.Helper()
	order := f.verified()
	if _, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.ID}); err != nil {
		f.t.Fatalf("start payment: %v", err)
	}
	return f.reload(order.ID)
}

func (f *fixture) paid() domain.Order {
	f.t.Helper()
	order := f.awaitingPayment()
	cmd := f.gateway.webhook("evt_paid_"+order.ID, "checkout.session.completed", payments.StatusSucceeded, order)
	if _, err := f.machine.ApplyPaymentEvent(context.Background(), cmd); err != nil {
		f.t.Fatalf("apply payment: %v", err)
	}
	return f.reload(order.ID)
}
