package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/ordercore/internal/domain"
)

func TestPaymentEventLogRecordsOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log, err := NewPaymentEventLog(client, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	record := domain.PaymentEventRecord{EventID: "evt_123", Type: "checkout.session.completed", OrderID: "ord_1"}

	first, err := log.Record(ctx, record)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = log.Record(ctx, record)
	require.NoError(t, err)
	assert.False(t, first)

	assert.True(t, mr.Exists(paymentEventPrefix+"evt_123"))
	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists(paymentEventPrefix+"evt_123"))
}

func TestPaymentEventLogRequiresID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	log, err := NewPaymentEventLog(client, 0)
	require.NoError(t, err)
	_, err = log.Record(context.Background(), domain.PaymentEventRecord{})
	assert.Error(t, err)
}
