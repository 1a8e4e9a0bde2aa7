package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/payments"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
)

func TestCreateOrderReservesStockAndIssuesCode(t *testing.T) {
	f := newFixture(t, 2)
	order := f.create()

	if order.Status != domain.OrderStatusCreated || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unexpected statuses %s/%s", order.Status, order.PaymentStatus)
	}
	if !strings.HasPrefix(order.ID, orderIDPrefix) {
		t.Fatalf("expected prefixed id, got %s", order.ID)
	}
	if len(order.Code) != defaultOrderCodeLength || !wellFormedOrderCode(order.Code) {
		t.Fatalf("unexpected order code %q", order.Code)
	}
	if order.Customer.Email != "aiko.tanaka@example.com" {
		t.Fatalf("expected lowercased email, got %s", order.Customer.Email)
	}
	if order.Total != 4800 || order.Quantity != 1 || order.Currency != "JPY" {
		t.Fatalf("unexpected pricing %+v", order)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("expected 1 unit left, got %d", got)
	}
	if order.Reservation.State != domain.ReservationReserved || order.Reservation.ExpiresAt == nil {
		t.Fatalf("unexpected reservation %+v", order.Reservation)
	}
	if want := f.clock().Add(defaultReservationTTL); !order.Reservation.ExpiresAt.Equal(want) {
		t.Fatalf("expected hold until %s, got %s", want, order.Reservation.ExpiresAt)
	}

	code := f.notifier.code(order.ID)
	if len(code) != verificationDigits {
		t.Fatalf("expected 6 digit code, got %q", code)
	}
	stored := f.reload(order.ID)
	if stored.Verification.CodeHash == "" || strings.Contains(stored.Verification.CodeHash, code) {
		t.Fatalf("expected hashed code, got %q", stored.Verification.CodeHash)
	}
	if types := f.published.types(); len(types) != 1 || types[0] != orderEventCreated {
		t.Fatalf("unexpected events %v", types)
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, 1)
	cmd := validCommand()
	cmd.Customer.Email = "not-an-email"
	cmd.Customer.Name = "<script></script>"

	_, err := f.machine.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !strings.Contains(err.Error(), "Email") || !strings.Contains(err.Error(), "Name") {
		t.Fatalf("expected field list in error, got %v", err)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func TestCreateOrderProductErrors(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.machine.CreateOrder(context.Background(), validCommand())
	if !errors.Is(err, ErrOutOfStock) {
		t.Fatalf("expected out of stock, got %v", err)
	}

	cmd := validCommand()
	cmd.ProductID = "prod_missing"
	if _, err := f.machine.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected product not found, got %v", err)
	}

	f.ledger.PutProduct(domain.Product{ID: "prod_retired", Name: "Retired", Price: 100, Currency: "JPY", AvailableQuantity: 5})
	cmd.ProductID = "prod_retired"
	if _, err := f.machine.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrProductUnavailable) {
		t.Fatalf("expected product unavailable, got %v", err)
	}
}

func TestCreateOrderSingleUnitUnderContention(t *testing.T) {
	f := newFixture(t, 1)
	const callers = 12

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		outOfStock int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.CreateOrder(context.Background(), validCommand())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrOutOfStock):
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || outOfStock != callers-1 {
		t.Fatalf("expected exactly one winner, got %d successes and %d out of stock", successes, outOfStock)
	}
	if got := f.available(); got != 0 {
		t.Fatalf("expected stock 0, got %d", got)
	}
}

func TestCreateOrderRetriesCodeCollision(t *testing.T) {
	codes := []string{"AAAAAAAAAAAA", "AAAAAAAAAAAA", "BBBBBBBBBBBB"}
	var mu sync.Mutex
	f := newFixture(t, 3, func(deps *OrderStateMachineDeps) {
		deps.CodeGenerator = func(int) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			code := codes[0]
			codes = codes[1:]
			return code, nil
		}
	})

	first := f.create()
	second := f.create()
	if first.Code != "AAAAAAAAAAAA" || second.Code != "BBBBBBBBBBBB" {
		t.Fatalf("unexpected codes %s %s", first.Code, second.Code)
	}
}

func TestCreateOrderReleasesStockWhenCodesExhausted(t *testing.T) {
	f := newFixture(t, 2, func(deps *OrderStateMachineDeps) {
		deps.CodeGenerator = func(int) (string, error) { return "CCCCCCCCCCCC", nil }
	})
	f.create()

	_, err := f.machine.CreateOrder(context.Background(), validCommand())
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("expected reserved unit returned, got %d available", got)
	}
}

func TestCreateOrderSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.notifier.err = errors.New("smtp down")

	order, err := f.machine.CreateOrder(context.Background(), validCommand())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if f.reload(order.ID).Status != domain.OrderStatusCreated {
		t.Fatalf("order must persist when delivery fails")
	}
}

func TestVerifyOrderFlow(t *testing.T) {
	f := newFixture(t, 1)
	order := f.create()
	code := f.notifier.code(order.ID)

	if _, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.Code, Code: wrongCode(code)}); !errors.Is(err, ErrVerificationInvalid) {
		t.Fatalf("expected invalid code, got %v", err)
	}
	if f.reload(order.ID).Verification.Attempts != 1 {
		t.Fatalf("expected attempt counted")
	}

	updated, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: strings.ToLower(order.Code), Code: code})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if updated.Status != domain.OrderStatusVerified || !updated.IsVerified {
		t.Fatalf("expected verified order, got %s %v", updated.Status, updated.IsVerified)
	}
	if updated.Verification.CodeHash != "" {
		t.Fatalf("code must be single use")
	}

	if _, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.ID, Code: code}); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected already verified, got %v", err)
	}
}

func TestVerifyOrderBurnsCodeAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 1)
	order := f.create()
	code := f.notifier.code(order.ID)

	for i := 0; i < defaultVerificationAttempts; i++ {
		if _, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.ID, Code: wrongCode(code)}); !errors.Is(err, ErrVerificationInvalid) {
			t.Fatalf("attempt %d: expected invalid, got %v", i+1, err)
		}
	}
	if _, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.ID, Code: code}); !errors.Is(err, ErrVerificationExpired) {
		t.Fatalf("expected burnt code, got %v", err)
	}
}

func TestVerifyOrderCodeExpires(t *testing.T) {
	f := newFixture(t, 1)
	order := f.create()
	f.advance(defaultVerificationTTL + time.Second)

	_, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.ID, Code: f.notifier.code(order.ID)})
	if !errors.Is(err, ErrVerificationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestResendVerificationCooldown(t *testing.T) {
	f := newFixture(t, 1)
	order := f.create()
	first := f.notifier.code(order.ID)

	if _, err := f.machine.ResendVerification(context.Background(), order.Code); !errors.Is(err, ErrVerificationThrottled) {
		t.Fatalf("expected throttled, got %v", err)
	}

	f.advance(2 * time.Minute)
	challenge, err := f.machine.ResendVerification(context.Background(), order.Code)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if f.reload(order.ID).Verification.Attempts != 0 {
		t.Fatalf("resend must reset attempts")
	}
	if challenge.Code != first {
		if _, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.ID, Code: first}); !errors.Is(err, ErrVerificationInvalid) {
			t.Fatalf("old code must stop working, got %v", err)
		}
	}
	if _, err := f.machine.VerifyOrder(context.Background(), VerifyOrderCommand{OrderRef: order.ID, Code: challenge.Code}); err != nil {
		t.Fatalf("verify with new code: %v", err)
	}
}

func TestStartPaymentRequiresVerification(t *testing.T) {
	f := newFixture(t, 1)
	order := f.create()

	_, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.ID})
	if !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected not verified, got %v", err)
	}
	if f.gateway.sessions() != 0 {
		t.Fatalf("processor must not be contacted")
	}
}

func TestStartPaymentOpensAndReusesSession(t *testing.T) {
	f := newFixture(t, 1)
	order := f.verified()

	session, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.Code})
	if err != nil {
		t.Fatalf("start payment: %v", err)
	}
	if session.Reused || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	stored := f.reload(order.ID)
	if stored.Status != domain.OrderStatusPaymentSessionCreated || stored.PaymentSessionRef != session.SessionID {
		t.Fatalf("unexpected stored order %s %s", stored.Status, stored.PaymentSessionRef)
	}
	want := session.ExpiresAt.Add(defaultPaymentGrace)
	if stored.Reservation.ExpiresAt == nil || !stored.Reservation.ExpiresAt.Equal(want) {
		t.Fatalf("expected hold until %s, got %v", want, stored.Reservation.ExpiresAt)
	}
	req := f.gateway.created[0]
	if req.Metadata["order_id"] != order.ID || req.IdempotencyKey != "order:"+order.ID+":session:1" {
		t.Fatalf("unexpected session request %+v", req)
	}

	again, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.ID})
	if err != nil {
		t.Fatalf("start payment again: %v", err)
	}
	if !again.Reused || again.SessionID != session.SessionID || f.gateway.sessions() != 1 {
		t.Fatalf("expected reused session, got %+v after %d sessions", again, f.gateway.sessions())
	}
}

func TestStartPaymentProcessorFailureLeavesOrder(t *testing.T) {
	f := newFixture(t, 1)
	order := f.verified()
	f.gateway.createFn = func(payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
		return payments.CheckoutSession{}, &payments.ProviderError{Provider: "stripe", Op: "create", Retryable: true, Err: errors.New("timeout")}
	}

	if _, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.ID}); !errors.Is(err, ErrPaymentUnavailable) {
		t.Fatalf("expected payment unavailable, got %v", err)
	}
	if f.reload(order.ID).Status != domain.OrderStatusVerified {
		t.Fatalf("order must stay verified")
	}
}

func TestStartPaymentRejectsBadRedirect(t *testing.T) {
	f := newFixture(t, 1)
	order := f.verified()
	_, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.ID, SuccessURL: "javascript:alert(1)"})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStartPaymentRestrictsRedirectHosts(t *testing.T) {
	f := newFixture(t, 2)
	order := f.verified()

	for _, cmd := range []StartPaymentCommand{
		{OrderRef: order.ID, SuccessURL: "https://evil.example/phish"},
		{OrderRef: order.ID, CancelURL: "https://shop.example.evil.example/cart"},
	} {
		if _, err := f.machine.StartPayment(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("%+v: expected invalid input, got %v", cmd, err)
		}
	}
	if f.gateway.sessions() != 0 {
		t.Fatalf("processor must not see rejected redirects")
	}

	_, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{
		OrderRef:   order.ID,
		SuccessURL: "https://SHOP.example/thanks",
		CancelURL:  "https://pay.shop.example/cart",
	})
	if err != nil {
		t.Fatalf("start payment: %v", err)
	}
	req := f.gateway.created[0]
	if req.SuccessURL != "https://SHOP.example/thanks" || req.CancelURL != "https://pay.shop.example/cart" {
		t.Fatalf("unexpected redirect urls %q %q", req.SuccessURL, req.CancelURL)
	}
}

func TestPaymentWebhookAppliesOnceAndDedupes(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()
	cmd := f.gateway.webhook("evt_1", "checkout.session.completed", payments.StatusSucceeded, order)

	result, err := f.machine.ApplyPaymentEvent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.Applied || result.Duplicate || result.Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected result %+v", result)
	}
	paid := f.reload(order.ID)
	if paid.PaymentStatus != domain.PaymentStatusPaid || paid.Payment.PaidAt == nil {
		t.Fatalf("expected payment recorded, got %+v", paid.Payment)
	}
	if paid.Reservation.State != domain.ReservationCommitted || paid.Reservation.ExpiresAt != nil {
		t.Fatalf("expected committed reservation, got %+v", paid.Reservation)
	}

	replay, err := f.machine.ApplyPaymentEvent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Applied || !replay.Duplicate {
		t.Fatalf("expected duplicate, got %+v", replay)
	}
	if after := f.reload(order.ID); len(after.History) != len(paid.History) {
		t.Fatalf("replay must not append history")
	}
}

func TestPaymentWebhookInvalidSignature(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()
	cmd := f.gateway.webhook("evt_forged", "checkout.session.completed", payments.StatusSucceeded, order)
	cmd.Signature = "forged"

	if _, err := f.machine.ApplyPaymentEvent(context.Background(), cmd); !errors.Is(err, ErrWebhookSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if f.reload(order.ID).Status != domain.OrderStatusPaymentSessionCreated {
		t.Fatalf("order must be untouched")
	}
}

func TestPaymentFailureAllowsRetry(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()
	cmd := f.gateway.webhook("evt_failed", "checkout.session.async_payment_failed", payments.StatusFailed, order)

	result, err := f.machine.ApplyPaymentEvent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Status != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected payment_failed, got %s", result.Status)
	}
	failed := f.reload(order.ID)
	if want := f.clock().Add(defaultReservationTTL); failed.Reservation.ExpiresAt == nil || !failed.Reservation.ExpiresAt.Equal(want) {
		t.Fatalf("expected hold restarted, got %v", failed.Reservation.ExpiresAt)
	}

	session, err := f.machine.StartPayment(context.Background(), StartPaymentCommand{OrderRef: order.ID})
	if err != nil {
		t.Fatalf("retry payment: %v", err)
	}
	retried := f.reload(order.ID)
	if retried.Status != domain.OrderStatusPaymentSessionCreated || retried.Payment.SessionAttempts != 2 || session.Reused {
		t.Fatalf("unexpected retried order %s attempts=%d", retried.Status, retried.Payment.SessionAttempts)
	}
}

func TestLatePaymentOnCancelledOrderRequiresReview(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled, ActorID: "ops"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cmd := f.gateway.webhook("evt_late", "checkout.session.completed", payments.StatusSucceeded, order)

	result, err := f.machine.ApplyPaymentEvent(context.Background(), cmd)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !result.RequiresReview || result.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected review flag on cancelled order, got %+v", result)
	}
	stored := f.reload(order.ID)
	if !stored.RequiresReview || stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected flagged paid order, got %+v", stored)
	}
	types := f.published.types()
	if types[len(types)-1] != orderEventRequiresReview {
		t.Fatalf("expected review event, got %v", types)
	}
}

func TestUnrecognizedWebhookIsIgnored(t *testing.T) {
	f := newFixture(t, 1)
	f.gateway.events["evt_other"] = payments.WebhookEvent{ID: "evt_other", Type: "customer.created", Provider: "stripe"}

	result, err := f.machine.ApplyPaymentEvent(context.Background(), PaymentWebhookCommand{Provider: "stripe", Payload: []byte("evt_other"), Signature: "valid"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Accepted() || result.Outcome != PaymentOutcomeUnrecognized {
		t.Fatalf("expected ignored event, got %+v", result)
	}
}

func TestHappyPathToDelivery(t *testing.T) {
	f := newFixture(t, 1)
	order := f.paid()

	for _, target := range []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: target, ActorID: "ops"}); err != nil {
			t.Fatalf("advance to %s: %v", target, err)
		}
	}
	delivered := f.reload(order.ID)
	if delivered.Status != domain.OrderStatusDelivered || delivered.Reservation.State != domain.ReservationConsumed {
		t.Fatalf("unexpected final order %s %s", delivered.Status, delivered.Reservation.State)
	}
	if got := f.available(); got != 0 {
		t.Fatalf("shipped stock must not return, got %d", got)
	}
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("terminal order must not move, got %v", err)
	}
	if len(delivered.History) != 7 {
		t.Fatalf("expected full audit trail, got %d entries", len(delivered.History))
	}
}

func TestAdminCancelReturnsStock(t *testing.T) {
	f := newFixture(t, 1)
	order := f.verified()
	if got := f.available(); got != 0 {
		t.Fatalf("expected stock held, got %d", got)
	}

	cancelled, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled, Reason: "customer request", ActorID: "ops"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledAt == nil || cancelled.CancelReason != "customer request" {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}
	if cancelled.Reservation.State != domain.ReservationReleased {
		t.Fatalf("expected released reservation, got %s", cancelled.Reservation.State)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("expected stock returned, got %d", got)
	}

	again, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled})
	if err != nil || again.Status != domain.OrderStatusCancelled {
		t.Fatalf("repeat cancel must be a no-op, got %s %v", again.Status, err)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("stock returned twice, got %d", got)
	}
}

func TestAdminCancelReportsPendingRelease(t *testing.T) {
	f := newFixture(t, 1)
	order := f.verified()
	f.ledger.setFailRelease(true)

	cancelled, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled, ActorID: "ops"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || !cancelled.ReleasePending() {
		t.Fatalf("expected cancelled order with pending release, got %s %s", cancelled.Status, cancelled.Reservation.State)
	}
	if !slices.Contains(f.published.types(), orderEventReleasePending) {
		t.Fatalf("expected %s event, got %v", orderEventReleasePending, f.published.types())
	}

	f.ledger.setFailRelease(false)
	released, err := f.machine.RetryRelease(context.Background(), cancelled)
	if err != nil || !released {
		t.Fatalf("retry release: %v %v", released, err)
	}
	if f.reload(order.ID).ReleasePending() || f.available() != 1 {
		t.Fatalf("expected stock returned after retry")
	}
}

func TestLatePaymentFlagRetriesAfterConcurrentUpdate(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()
	cmd := f.gateway.webhook("evt_late", "checkout.session.completed", payments.StatusSucceeded, order)
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sm := f.machine.(*orderStateMachine)
	stale := f.reload(order.ID)
	flag := true
	if _, err := f.orders.ConditionalUpdate(context.Background(), order.ID, stale.Status, domain.OrderPatch{RequiresReview: &flag}.Guard(stale)); err != nil {
		t.Fatalf("concurrent update: %v", err)
	}

	conf, err := sm.broker.HandleAsyncConfirmation(context.Background(), cmd)
	if err != nil {
		t.Fatalf("confirmation: %v", err)
	}
	updated, applied, review, err := sm.applyPaid(context.Background(), stale, conf)
	if err != nil || applied || !review {
		t.Fatalf("expected review flag after reload, got applied=%v review=%v err=%v", applied, review, err)
	}
	if updated.Payment.EventID != "evt_late" || updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("late payment not recorded: %+v", updated.Payment)
	}
}

func TestAdminCancelExpiresOpenSession(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusRejected}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(f.gateway.expired) != 1 || f.gateway.expired[0] != order.PaymentSessionRef {
		t.Fatalf("expected session expired, got %v", f.gateway.expired)
	}
}

func TestAdminTransitionGuards(t *testing.T) {
	f := newFixture(t, 2)
	order := f.paid()

	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusVerified}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected backwards move rejected, got %v", err)
	}
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected unknown status rejected, got %v", err)
	}
	expected := domain.OrderStatusConfirmed
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusShipped, ExpectedStatus: &expected}); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected stale expectation rejected, got %v", err)
	}

	fresh := f.verified()
	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: fresh.ID, TargetStatus: domain.OrderStatusPaid}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("admins must not mark orders paid, got %v", err)
	}
}

func TestAdminDelete(t *testing.T) {
	f := newFixture(t, 2)
	order := f.verified()

	if err := f.machine.AdminDelete(context.Background(), AdminDeleteCommand{OrderID: order.ID, ActorID: "ops"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.orders.FindByID(context.Background(), order.ID); err == nil {
		t.Fatalf("expected order removed")
	}
	if got := f.available(); got != 2 {
		t.Fatalf("expected stock returned, got %d", got)
	}

	paid := f.paid()
	if err := f.machine.AdminDelete(context.Background(), AdminDeleteCommand{OrderID: paid.ID}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("paid orders must not be deleted, got %v", err)
	}
}

func TestApplyTransitionResolvesLostRace(t *testing.T) {
	f := newFixture(t, 1)
	sm := f.machine.(*orderStateMachine)
	stale := f.verified()
	admin := requestctx.Actor{ID: "ops", Kind: requestctx.ActorAdmin}

	if _, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: stale.ID, TargetStatus: domain.OrderStatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	same, changed, err := sm.applyTransition(context.Background(), stale, domain.OrderStatusCancelled, admin, "dup", domain.AdminCanSet, nil)
	if err != nil || changed || same.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected idempotent no-op, got %s changed=%v err=%v", same.Status, changed, err)
	}

	_, _, err = sm.applyTransition(context.Background(), stale, domain.OrderStatusRejected, admin, "late", domain.AdminCanSet, nil)
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
