package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/repositories"
	"github.com/hanko-field/ordercore/internal/repositories/memory"
)

// barrierOrders holds the next n reads until all of them have loaded the order, so
// every reader decides on the same revision.
type barrierOrders struct {
	repositories.OrderRepository
	mu      sync.Mutex
	pending int
	release chan struct{}
}

func (r *barrierOrders) arm(n int) {
	r.mu.Lock()
	r.pending = n
	r.release = make(chan struct{})
	r.mu.Unlock()
}

func (r *barrierOrders) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := r.OrderRepository.FindByID(ctx, orderID)
	r.mu.Lock()
	if r.pending == 0 {
		r.mu.Unlock()
		return order, err
	}
	r.pending--
	if r.pending == 0 {
		close(r.release)
	}
	release := r.release
	r.mu.Unlock()
	<-release
	return order, err
}

// hookedOrders runs after once, right after the first read it serves.
type hookedOrders struct {
	repositories.OrderRepository
	once  sync.Once
	after func()
}

func (r *hookedOrders) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := r.OrderRepository.FindByID(ctx, orderID)
	if r.after != nil {
		r.once.Do(r.after)
	}
	return order, err
}

type gateHarness struct {
	t     *testing.T
	repo  *memory.OrderRepository
	now   time.Time
	codes []string
	mu    sync.Mutex
}

func newGateHarness(t *testing.T, codes ...string) *gateHarness {
	t.Helper()
	h := &gateHarness{
		t:     t,
		repo:  memory.NewOrderRepository(),
		now:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		codes: codes,
	}
	err := h.repo.Insert(context.Background(), domain.Order{
		ID:        "ord_gate",
		Code:      "GATE2345",
		Status:    domain.OrderStatusCreated,
		CreatedAt: h.now,
	})
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	return h
}

func (h *gateHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *gateHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *gateHarness) nextCode() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	code := h.codes[0]
	h.codes = h.codes[1:]
	return code, nil
}

func (h *gateHarness) gate(orders repositories.OrderRepository) VerificationGate {
	h.t.Helper()
	gate, err := NewVerificationGate(VerificationGateDeps{
		Orders:     orders,
		Clock:      h.clock,
		CodeSource: h.nextCode,
	})
	if err != nil {
		h.t.Fatalf("new gate: %v", err)
	}
	return gate
}

func (h *gateHarness) stored() domain.Order {
	h.t.Helper()
	order, err := h.repo.FindByID(context.Background(), "ord_gate")
	if err != nil {
		h.t.Fatalf("reload: %v", err)
	}
	return order
}

func TestVerificationGateCountsConcurrentWrongCodes(t *testing.T) {
	const guesses = 20
	h := newGateHarness(t, "123456")
	orders := &barrierOrders{OrderRepository: h.repo}
	gate := h.gate(orders)
	if _, err := gate.Issue(context.Background(), "ord_gate"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	orders.arm(guesses)
	results := make(chan VerificationResult, guesses)
	errs := make(chan error, guesses)
	var wg sync.WaitGroup
	for range guesses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _, err := gate.Check(context.Background(), "ord_gate", "000000")
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("check: %v", err)
	}
	counts := map[VerificationResult]int{}
	for result := range results {
		counts[result]++
	}
	if counts[VerificationInvalid] != defaultVerificationAttempts {
		t.Fatalf("expected %d evaluated guesses, got %v", defaultVerificationAttempts, counts)
	}
	if counts[VerificationExpired] != guesses-defaultVerificationAttempts {
		t.Fatalf("expected remaining guesses to find the code burnt, got %v", counts)
	}

	stored := h.stored()
	if stored.Verification.Attempts != defaultVerificationAttempts || stored.Verification.CodeHash != "" {
		t.Fatalf("expected burnt code after %d attempts, got attempts=%d hash=%q", defaultVerificationAttempts, stored.Verification.Attempts, stored.Verification.CodeHash)
	}

	result, _, err := gate.Check(context.Background(), "ord_gate", "123456")
	if err != nil || result != VerificationExpired {
		t.Fatalf("burnt code must not verify, got %s %v", result, err)
	}
}

func TestVerificationGateStaleCheckKeepsResentCode(t *testing.T) {
	h := newGateHarness(t, "111111", "222222")
	plain := h.gate(h.repo)
	if _, err := plain.Issue(context.Background(), "ord_gate"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	h.advance(defaultResendCooldown + time.Second)

	orders := &hookedOrders{OrderRepository: h.repo}
	orders.after = func() {
		if _, err := plain.Issue(context.Background(), "ord_gate"); err != nil {
			t.Errorf("resend: %v", err)
		}
	}
	racing := h.gate(orders)

	result, _, err := racing.Check(context.Background(), "ord_gate", "000000")
	if err != nil || result != VerificationInvalid {
		t.Fatalf("expected invalid, got %s %v", result, err)
	}
	stored := h.stored()
	if stored.Verification.CodeHash != hashVerificationCode("ord_gate", "222222") {
		t.Fatalf("wrong code check restored a superseded code")
	}
	if stored.Verification.Attempts != 1 {
		t.Fatalf("expected attempt counted against the resent code, got %d", stored.Verification.Attempts)
	}

	result, verified, err := plain.Check(context.Background(), "ord_gate", "222222")
	if err != nil || result != VerificationValid || !verified.IsVerified {
		t.Fatalf("resent code must verify, got %s %v", result, err)
	}
}
