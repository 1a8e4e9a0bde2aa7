package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/repositories"
)

func TestInventoryLedgerConcurrentReservations(t *testing.T) {
	const units = 5
	ledger := NewInventoryLedger(nil, domain.Product{ID: "prod_1", AvailableQuantity: units, Orderable: true})

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
	)
	for i := range units + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.ReserveUnit(context.Background(), "prod_1", fmt.Sprintf("ord_%d", i))
			if err == nil {
				ok.Add(1)
				return
			}
			if code, _ := repositories.InventoryCode(err); code == repositories.InventoryErrorOutOfStock {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, units, ok.Load())
	assert.EqualValues(t, 1, rejected.Load())
	available, err := ledger.Available(context.Background(), "prod_1")
	require.NoError(t, err)
	assert.Zero(t, available)
}

func TestInventoryLedgerReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewInventoryLedger(nil, domain.Product{ID: "prod_1", AvailableQuantity: 1, Orderable: true})

	_, err := ledger.ReserveUnit(ctx, "prod_1", "ord_1")
	require.NoError(t, err)

	_, released, err := ledger.ReleaseUnit(ctx, "ord_1", "cancelled")
	require.NoError(t, err)
	assert.True(t, released)

	res, released, err := ledger.ReleaseUnit(ctx, "ord_1", "cancelled")
	require.NoError(t, err)
	assert.False(t, released)
	assert.Equal(t, domain.ReservationReleased, res.State)

	available, _ := ledger.Available(ctx, "prod_1")
	assert.Equal(t, 1, available)

	_, _, err = ledger.ReleaseUnit(ctx, "ord_unknown", "x")
	assert.True(t, repositories.IsNotFound(err))
}

func TestInventoryLedgerRejectsUnorderable(t *testing.T) {
	ledger := NewInventoryLedger(nil, domain.Product{ID: "prod_1", AvailableQuantity: 3})
	_, err := ledger.ReserveUnit(context.Background(), "prod_1", "ord_1")
	code, _ := repositories.InventoryCode(err)
	assert.Equal(t, repositories.InventoryErrorProductUnavailable, code)

	_, err = ledger.ReserveUnit(context.Background(), "prod_missing", "ord_1")
	code, _ = repositories.InventoryCode(err)
	assert.Equal(t, repositories.InventoryErrorProductNotFound, code)
}

func TestOrderRepositoryConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, domain.Order{ID: "ord_1", Code: "AAAA2222", Status: domain.OrderStatusCreated}))

	err := repo.Insert(ctx, domain.Order{ID: "ord_2", Code: "AAAA2222", Status: domain.OrderStatusCreated})
	assert.True(t, errors.Is(err, repositories.ErrOrderCodeTaken))

	verified := domain.OrderStatusVerified
	patch := domain.OrderPatch{
		Status:        &verified,
		AppendHistory: []domain.OrderStatusChange{{From: domain.OrderStatusCreated, To: verified, Actor: "customer"}},
	}
	updated, err := repo.ConditionalUpdate(ctx, "ord_1", domain.OrderStatusCreated, patch)
	require.NoError(t, err)
	assert.Equal(t, verified, updated.Status)
	assert.Len(t, updated.History, 1)

	_, err = repo.ConditionalUpdate(ctx, "ord_1", domain.OrderStatusCreated, patch)
	assert.True(t, repositories.IsConflict(err))

	_, err = repo.ConditionalUpdate(ctx, "ord_404", domain.OrderStatusCreated, patch)
	assert.True(t, repositories.IsNotFound(err))

	byCode, err := repo.FindByCode(ctx, "AAAA2222")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", byCode.ID)
}

func TestOrderRepositoryConditionalUpdateChecksRevision(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	require.NoError(t, repo.Insert(ctx, domain.Order{ID: "ord_1", Code: "BBBB3333", Status: domain.OrderStatusCreated}))

	stale, err := repo.FindByID(ctx, "ord_1")
	require.NoError(t, err)

	first := domain.OrderVerification{CodeHash: "new", Attempts: 0}
	updated, err := repo.ConditionalUpdate(ctx, "ord_1", domain.OrderStatusCreated, domain.OrderPatch{Verification: &first}.Guard(stale))
	require.NoError(t, err)
	assert.Equal(t, stale.Revision+1, updated.Revision)

	second := domain.OrderVerification{CodeHash: "old", Attempts: 1}
	_, err = repo.ConditionalUpdate(ctx, "ord_1", domain.OrderStatusCreated, domain.OrderPatch{Verification: &second}.Guard(stale))
	assert.True(t, repositories.IsConflict(err))

	current, err := repo.FindByID(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, "new", current.Verification.CodeHash)

	_, err = repo.ConditionalUpdate(ctx, "ord_1", domain.OrderStatusCreated, domain.OrderPatch{Verification: &second})
	require.NoError(t, err, "unguarded patches only check status")
}

func TestOrderRepositoryListPaginates(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	base := time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, repo.Insert(ctx, domain.Order{
			ID:             fmt.Sprintf("ord_%d", i),
			Code:           fmt.Sprintf("CODE000%d", i),
			Status:         domain.OrderStatusCreated,
			SearchKeywords: []string{"walnut"},
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	first, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "ord_4", first.Items[0].ID)
	require.NotEmpty(t, first.NextPageToken)

	second, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "ord_2", second.Items[0].ID)

	third, err := repo.List(ctx, domain.OrderListFilter{Pagination: domain.Pagination{PageSize: 2, PageToken: second.NextPageToken}})
	require.NoError(t, err)
	assert.Len(t, third.Items, 1)
	assert.Empty(t, third.NextPageToken)

	none, err := repo.List(ctx, domain.OrderListFilter{SearchToken: "oak"})
	require.NoError(t, err)
	assert.Empty(t, none.Items)
}

func TestOrderRepositoryReservationCandidates(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	now := time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	require.NoError(t, repo.Insert(ctx, domain.Order{ID: "ord_old", Code: "C1", Status: domain.OrderStatusCreated,
		Reservation: domain.OrderReservation{State: domain.ReservationReserved, ExpiresAt: &past}}))
	require.NoError(t, repo.Insert(ctx, domain.Order{ID: "ord_new", Code: "C2", Status: domain.OrderStatusCreated,
		Reservation: domain.OrderReservation{State: domain.ReservationReserved, ExpiresAt: &future}}))
	require.NoError(t, repo.Insert(ctx, domain.Order{ID: "ord_paid", Code: "C3", Status: domain.OrderStatusPaid,
		Reservation: domain.OrderReservation{State: domain.ReservationReserved, ExpiresAt: &past}}))

	got, err := repo.ListReservationCandidates(ctx, domain.ReservationSweepQuery{
		Statuses:      []domain.OrderStatus{domain.OrderStatusCreated},
		ExpiredBefore: now,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ord_old", got[0].ID)
}

func TestPaymentEventLogFirstWriterWins(t *testing.T) {
	log := NewPaymentEventLog()
	first, err := log.Record(context.Background(), domain.PaymentEventRecord{EventID: "evt_1"})
	require.NoError(t, err)
	assert.True(t, first)
	first, err = log.Record(context.Background(), domain.PaymentEventRecord{EventID: "evt_1"})
	require.NoError(t, err)
	assert.False(t, first)
}
