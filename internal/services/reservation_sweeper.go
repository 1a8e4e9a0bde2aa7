package services

import (
	"context"
	"errors"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const defaultSweepBatch = 100

// ReservationSweeperDeps bundles collaborators for the sweeper.
type ReservationSweeperDeps struct {
	Orders    repositories.OrderRepository
	Machine   OrderStateMachine
	Clock     func() time.Time
	BatchSize int
	Logger    Logger
}

type reservationSweeper struct {
	orders  repositories.OrderRepository
	machine OrderStateMachine
	clock   func() time.Time
	batch   int
	logger  Logger
}

var _ ReservationSweeper = (*reservationSweeper)(nil)

// NewReservationSweeper constructs the background reservation sweeper.
func NewReservationSweeper(deps ReservationSweeperDeps) (ReservationSweeper, error) {
	if deps.Orders == nil {
		return nil, errors.New("reservation sweeper: order repository is required")
	}
	if deps.Machine == nil {
		return nil, errors.New("reservation sweeper: state machine is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &reservationSweeper{
		orders:  deps.Orders,
		machine: deps.Machine,
		clock: func() time.Time {
			return clock().UTC()
		},
		batch:  batch,
		logger: loggerOrNop(deps.Logger),
	}, nil
}

// Sweep cancels orders whose reservation lapsed before now and then retries releases
// for closed orders that still hold stock. Orders that moved on since they were
// listed are skipped.
func (s *reservationSweeper) Sweep(ctx context.Context, now time.Time, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = s.batch
	}
	ctx = requestctx.WithActor(ctx, requestctx.Actor{ID: "reservation-sweeper", Kind: requestctx.ActorSystem})
	var result SweepResult

	expired, err := s.orders.ListReservationCandidates(ctx, domain.ReservationSweepQuery{
		Statuses: []domain.OrderStatus{
			domain.OrderStatusCreated,
			domain.OrderStatusVerified,
			domain.OrderStatusPaymentSessionCreated,
			domain.OrderStatusPaymentFailed,
		},
		ExpiredBefore: now,
		Limit:         limit,
	})
	if err != nil {
		return result, mapRepositoryError(err)
	}
	for _, order := range expired {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		updated, err := s.machine.CancelExpiredReservation(ctx, order, now)
		if err != nil {
			if skippable(err) {
				continue
			}
			if updated.Status == domain.OrderStatusCancelled {
				// Cancelled but the release failed; the second pass picks it up.
				result.Cancelled++
			}
			result.Failed++
			s.logger(ctx, "orders.sweep.cancel_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			continue
		}
		result.Cancelled++
		if updated.Reservation.State == domain.ReservationReleased {
			result.Released++
		}
	}

	stuck, err := s.orders.ListReservationCandidates(ctx, domain.ReservationSweepQuery{
		Statuses: []domain.OrderStatus{domain.OrderStatusCancelled, domain.OrderStatusRejected},
		Limit:    limit,
	})
	if err != nil {
		return result, mapRepositoryError(err)
	}
	for _, order := range stuck {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		released, err := s.machine.RetryRelease(ctx, order)
		if err != nil {
			if skippable(err) {
				continue
			}
			result.Failed++
			s.logger(ctx, "orders.sweep.release_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
			continue
		}
		if released {
			result.Released++
		}
	}

	if result != (SweepResult{}) {
		s.logger(ctx, "orders.sweep.completed", map[string]any{
			"cancelled": result.Cancelled,
			"released":  result.Released,
			"failed":    result.Failed,
		})
	}
	return result, nil
}

// Run sweeps on every tick until ctx is cancelled. A non-positive interval disables
// the loop.
func (s *reservationSweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, s.clock(), s.batch); err != nil && ctx.Err() == nil {
				s.logger(ctx, "orders.sweep.failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func skippable(err error) bool {
	return errors.Is(err, ErrOrderConflict) || errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrOrderNotFound)
}
