package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/ordercore/internal/domain"
)

func TestReadinessProbeAllHealthy(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	probe, err := NewReadinessProbe([]DependencyCheck{
		{Name: "orders", Check: func(context.Context) error { return nil }},
		{Name: "ledger", Check: func(context.Context) error { return nil }},
	}, WithProbeClock(func() time.Time { return now }))
	require.NoError(t, err)

	report, err := probe.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusOK, report.Status)
	assert.Len(t, report.Dependencies, 2)
	assert.Equal(t, now, report.GeneratedAt)
}

func TestReadinessProbeOptionalFailureDegrades(t *testing.T) {
	probe, err := NewReadinessProbe([]DependencyCheck{
		{Name: "orders", Check: func(context.Context) error { return nil }},
		{Name: "redis", Optional: true, Check: func(context.Context) error { return errors.New("dial tcp: refused") }},
	})
	require.NoError(t, err)

	report, err := probe.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusDegraded, report.Status)
	assert.Equal(t, "dial tcp: refused", report.Dependencies["redis"].Detail)
}

func TestReadinessProbeTimeoutIsError(t *testing.T) {
	probe, err := NewReadinessProbe([]DependencyCheck{
		{Name: "ledger", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	})
	require.NoError(t, err)

	report, err := probe.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.HealthStatusError, report.Status)
	assert.Equal(t, "timeout", report.Dependencies["ledger"].Detail)
}

func TestNewReadinessProbeValidation(t *testing.T) {
	_, err := NewReadinessProbe(nil)
	assert.Error(t, err)

	_, err = NewReadinessProbe([]DependencyCheck{{Name: "orders"}})
	assert.Error(t, err)

	noop := func(context.Context) error { return nil }
	_, err = NewReadinessProbe([]DependencyCheck{{Name: "a", Check: noop}, {Name: "a", Check: noop}})
	assert.Error(t, err)
}

func TestErrorClassifiers(t *testing.T) {
	notFound := NewOrderStoreError("orders.get", OrderStoreNotFound, nil)
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsConflict(notFound))

	outOfStock := NewInventoryError("inventory.reserve", InventoryErrorOutOfStock, "", nil)
	assert.True(t, IsConflict(outOfStock))
	code, ok := InventoryCode(outOfStock)
	require.True(t, ok)
	assert.Equal(t, InventoryErrorOutOfStock, code)
	assert.Equal(t, "inventory.reserve: inventory_out_of_stock", outOfStock.Error())

	wrapped := errors.Join(errors.New("ctx"), NewOrderStoreError("orders.update", OrderStoreUnavailable, errors.New("deadline")))
	assert.True(t, IsUnavailable(wrapped))
}
