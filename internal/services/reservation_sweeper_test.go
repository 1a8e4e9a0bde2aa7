package services

import (
	"context"
	"testing"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
)

func TestSweepCancelsExpiredReservations(t *testing.T) {
	f := newFixture(t, 3)
	stale := f.create()
	f.advance(20 * time.Minute)
	fresh := f.create()
	paying := f.awaitingPayment()

	f.advance(15 * time.Minute)
	result, err := f.sweeper.Sweep(context.Background(), f.clock(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Cancelled != 1 || result.Released != 1 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	swept := f.reload(stale.ID)
	if swept.Status != domain.OrderStatusCancelled || swept.CancelReason != reasonReservationExpired {
		t.Fatalf("expected expired order cancelled, got %s %q", swept.Status, swept.CancelReason)
	}
	last := swept.History[len(swept.History)-1]
	if last.Actor != "system:reservation-sweeper" {
		t.Fatalf("expected system actor, got %s", last.Actor)
	}
	if f.reload(fresh.ID).Status != domain.OrderStatusCreated {
		t.Fatalf("fresh order must survive")
	}
	if f.reload(paying.ID).Status != domain.OrderStatusPaymentSessionCreated {
		t.Fatalf("order with an open session must survive")
	}
	if got := f.available(); got != 1 {
		t.Fatalf("expected one unit back, got %d", got)
	}
}

func TestSweepExpiresAbandonedCheckout(t *testing.T) {
	f := newFixture(t, 1)
	order := f.awaitingPayment()

	f.advance(defaultSessionTTL + defaultPaymentGrace + time.Minute)
	result, err := f.sweeper.Sweep(context.Background(), f.clock(), 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Cancelled != 1 {
		t.Fatalf("expected abandoned checkout cancelled, got %+v", result)
	}
	if len(f.gateway.expired) != 1 || f.gateway.expired[0] != order.PaymentSessionRef {
		t.Fatalf("expected processor session expired, got %v", f.gateway.expired)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("expected stock returned, got %d", got)
	}
}

func TestSweepRetriesFailedRelease(t *testing.T) {
	f := newFixture(t, 1)
	order := f.verified()

	f.ledger.setFailRelease(true)
	cancelled, err := f.machine.AdminTransition(context.Background(), AdminTransitionCommand{OrderID: order.ID, TargetStatus: domain.OrderStatusCancelled})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.HoldsStock() {
		t.Fatalf("expected stock still held after failed release")
	}

	result, err := f.sweeper.Sweep(context.Background(), f.clock(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 || result.Released != 0 {
		t.Fatalf("expected failed release counted, got %+v", result)
	}

	f.ledger.setFailRelease(false)
	result, err = f.sweeper.Sweep(context.Background(), f.clock(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Released != 1 {
		t.Fatalf("expected release retried, got %+v", result)
	}
	if got := f.available(); got != 1 {
		t.Fatalf("expected stock returned, got %d", got)
	}

	result, err = f.sweeper.Sweep(context.Background(), f.clock(), 0)
	if err != nil || result != (SweepResult{}) {
		t.Fatalf("expected idle sweep, got %+v %v", result, err)
	}
}

func TestCancelExpiredReservationGuards(t *testing.T) {
	f := newFixture(t, 2)
	order := f.create()

	if _, err := f.machine.CancelExpiredReservation(context.Background(), order, f.clock()); err == nil {
		t.Fatalf("expected unexpired hold rejected")
	}
	paid := f.paid()
	if _, err := f.machine.CancelExpiredReservation(context.Background(), paid, f.clock().Add(24*time.Hour)); err == nil {
		t.Fatalf("expected paid order protected")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}

	f.sweeper.Run(context.Background(), 0)
}
