package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/observability"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const (
	defaultVerificationTTL      = 15 * time.Minute
	defaultVerificationAttempts = 5
	defaultResendCooldown       = time.Minute

	// conflictRetries bounds re-planning of a guarded write after a lost race.
	conflictRetries = 3
)

// VerificationGateDeps bundles collaborators for the verification gate.
type VerificationGateDeps struct {
	Orders         repositories.OrderRepository
	Notifier       VerificationNotifier
	Clock          func() time.Time
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration
	CodeSource     func() (string, error)
	Logger         Logger
}

type verificationGate struct {
	orders      repositories.OrderRepository
	notifier    VerificationNotifier
	clock       func() time.Time
	ttl         time.Duration
	maxAttempts int
	cooldown    time.Duration
	newCode     func() (string, error)
	logger      Logger
}

var _ VerificationGate = (*verificationGate)(nil)

// NewVerificationGate constructs the gate guarding created -> verified.
func NewVerificationGate(deps VerificationGateDeps) (VerificationGate, error) {
	if deps.Orders == nil {
		return nil, errors.New("verification gate: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := deps.TTL
	if ttl <= 0 {
		ttl = defaultVerificationTTL
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultVerificationAttempts
	}
	cooldown := deps.ResendCooldown
	if cooldown < 0 {
		cooldown = 0
	} else if cooldown == 0 {
		cooldown = defaultResendCooldown
	}
	newCode := deps.CodeSource
	if newCode == nil {
		newCode = randomVerificationCode
	}
	return &verificationGate{
		orders:   deps.Orders,
		notifier: deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		ttl:         ttl,
		maxAttempts: attempts,
		cooldown:    cooldown,
		newCode:     newCode,
		logger:      loggerOrNop(deps.Logger),
	}, nil
}

// errStaleOrder marks a guarded write that lost to a concurrent update.
var errStaleOrder = errors.New("order changed concurrently")

// Issue generates a fresh code for an unverified order, resets the attempt counter and
// hands the clear text code to the notifier.
func (g *verificationGate) Issue(ctx context.Context, orderID string) (VerificationChallenge, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return VerificationChallenge{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	for range conflictRetries {
		challenge, err := g.issueOnce(ctx, orderID)
		if !errors.Is(err, errStaleOrder) {
			return challenge, err
		}
	}
	return VerificationChallenge{}, g.resolveConflict(ctx, orderID)
}

func (g *verificationGate) issueOnce(ctx context.Context, orderID string) (VerificationChallenge, error) {
	order, err := g.orders.FindByID(ctx, orderID)
	if err != nil {
		return VerificationChallenge{}, mapRepositoryError(err)
	}
	if order.IsVerified {
		return VerificationChallenge{}, ErrAlreadyVerified
	}
	if order.Status != domain.OrderStatusCreated {
		return VerificationChallenge{}, fmt.Errorf("%w: cannot issue a code in status %s", ErrOrderInvalidState, order.Status)
	}

	now := g.clock()
	if issued := order.Verification.IssuedAt; issued != nil && g.cooldown > 0 && now.Sub(*issued) < g.cooldown {
		return VerificationChallenge{}, ErrVerificationThrottled
	}

	code, err := g.newCode()
	if err != nil {
		return VerificationChallenge{}, err
	}
	expiresAt := now.Add(g.ttl)
	verification := domain.OrderVerification{
		CodeHash:  hashVerificationCode(order.ID, code),
		IssuedAt:  &now,
		ExpiresAt: &expiresAt,
	}
	updated, err := g.write(ctx, order, domain.OrderPatch{
		Verification: &verification,
		UpdatedAt:    now,
	})
	if err != nil {
		return VerificationChallenge{}, err
	}

	challenge := VerificationChallenge{OrderID: updated.ID, Code: code, ExpiresAt: expiresAt}
	g.deliver(ctx, updated, challenge)
	return challenge, nil
}

// Check compares code against the stored hash. Wrong codes consume an attempt; the
// last allowed attempt burns the code. A valid code flips isVerified and moves the
// order to verified in the same conditional update.
// Writes are pinned to the revision the decision was made on; a check that loses a
// race reloads and decides again.
func (g *verificationGate) Check(ctx context.Context, orderID, code string) (VerificationResult, domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	code = strings.TrimSpace(code)
	// Each lost round is another stored guess or resend.
	for range g.maxAttempts + conflictRetries {
		result, order, err := g.checkOnce(ctx, orderID, code)
		if !errors.Is(err, errStaleOrder) {
			return result, order, err
		}
	}
	return g.checkConflict(ctx, orderID, VerificationInvalid)
}

func (g *verificationGate) checkOnce(ctx context.Context, orderID, code string) (VerificationResult, domain.Order, error) {
	order, err := g.orders.FindByID(ctx, orderID)
	if err != nil {
		return "", domain.Order{}, mapRepositoryError(err)
	}
	if order.IsVerified {
		return VerificationAlreadyVerified, order, nil
	}
	if order.Status != domain.OrderStatusCreated {
		return "", order, fmt.Errorf("%w: cannot verify in status %s", ErrOrderInvalidState, order.Status)
	}

	now := g.clock()
	v := order.Verification
	if v.CodeHash == "" || v.Attempts >= g.maxAttempts || (v.ExpiresAt != nil && !now.Before(*v.ExpiresAt)) {
		return VerificationExpired, order, nil
	}

	if !verificationCodeMatches(v.CodeHash, order.ID, code) {
		v.Attempts++
		if v.Attempts >= g.maxAttempts {
			v.CodeHash = ""
		}
		updated, err := g.write(ctx, order, domain.OrderPatch{
			Verification: &v,
			UpdatedAt:    now,
		})
		if err != nil {
			return "", order, err
		}
		g.logger(ctx, "orders.verification.rejected", map[string]any{
			"orderId":  order.ID,
			"attempts": v.Attempts,
			"burnt":    v.CodeHash == "",
		})
		return VerificationInvalid, updated, nil
	}

	patch, err := planTransition(order, domain.OrderStatusVerified, requestctx.ActorFrom(ctx), "verification_code", now, domain.CanAdvance)
	if err != nil {
		return "", order, err
	}
	verified := true
	v.CodeHash = ""
	v.VerifiedAt = &now
	patch.IsVerified = &verified
	patch.Verification = &v

	updated, err := g.write(ctx, order, patch)
	if err != nil {
		return "", order, err
	}
	return VerificationValid, updated, nil
}

// write stores patch against the revision of order. A lost race is errStaleOrder.
func (g *verificationGate) write(ctx context.Context, order domain.Order, patch domain.OrderPatch) (domain.Order, error) {
	updated, err := g.orders.ConditionalUpdate(ctx, order.ID, domain.OrderStatusCreated, patch.Guard(order))
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.Order{}, errStaleOrder
		}
		return domain.Order{}, mapRepositoryError(err)
	}
	return updated, nil
}

// checkConflict reloads after the retries ran out. An order verified concurrently
// reports AlreadyVerified; anything else is a conflict.
func (g *verificationGate) checkConflict(ctx context.Context, orderID string, attempted VerificationResult) (VerificationResult, domain.Order, error) {
	reloaded, err := g.orders.FindByID(ctx, orderID)
	if err != nil {
		return "", domain.Order{}, mapRepositoryError(err)
	}
	if reloaded.IsVerified {
		return VerificationAlreadyVerified, reloaded, nil
	}
	return "", reloaded, fmt.Errorf("%w: order %s changed while checking a %s code", ErrOrderConflict, orderID, attempted)
}

func (g *verificationGate) resolveConflict(ctx context.Context, orderID string) error {
	result, _, err := g.checkConflict(ctx, orderID, "resend")
	if err != nil {
		return err
	}
	if result == VerificationAlreadyVerified {
		return ErrAlreadyVerified
	}
	return fmt.Errorf("%w: order %s changed while issuing a code", ErrOrderConflict, orderID)
}

func (g *verificationGate) deliver(ctx context.Context, order domain.Order, challenge VerificationChallenge) {
	fields := map[string]any{
		"orderId":   order.ID,
		"email":     observability.MaskEmail(order.Customer.Email),
		"expiresAt": challenge.ExpiresAt,
	}
	if g.notifier == nil {
		g.logger(ctx, "orders.verification.issued", fields)
		return
	}
	err := g.notifier.SendVerificationCode(ctx, VerificationNotice{
		OrderID:   order.ID,
		OrderCode: order.Code,
		Email:     order.Customer.Email,
		Name:      order.Customer.Name,
		Code:      challenge.Code,
		ExpiresAt: challenge.ExpiresAt,
	})
	if err != nil {
		fields["error"] = err.Error()
		g.logger(ctx, "orders.verification.delivery.failed", fields)
		return
	}
	g.logger(ctx, "orders.verification.issued", fields)
}
