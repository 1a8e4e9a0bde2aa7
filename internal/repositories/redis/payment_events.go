package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const paymentEventPrefix = "ordercore:payment_event:"

// PaymentEventLog deduplicates webhook deliveries with SETNX so concurrent replicas agree
// on the first writer.
type PaymentEventLog struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

var _ repositories.PaymentEventLog = (*PaymentEventLog)(nil)

func NewPaymentEventLog(client goredis.UniversalClient, ttl time.Duration) (*PaymentEventLog, error) {
	if client == nil {
		return nil, errors.New("payment event log requires redis client")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &PaymentEventLog{client: client, ttl: ttl}, nil
}

func (l *PaymentEventLog) Record(ctx context.Context, record domain.PaymentEventRecord) (bool, error) {
	if record.EventID == "" {
		return false, errors.New("payment event log: event id is required")
	}
	payload, err := json.Marshal(map[string]any{
		"type":       record.Type,
		"sessionRef": record.SessionRef,
		"orderId":    record.OrderID,
		"outcome":    record.Outcome,
		"receivedAt": record.ReceivedAt.UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("payment event log: encode: %w", err)
	}
	first, err := l.client.SetNX(ctx, paymentEventPrefix+record.EventID, payload, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("payment event log: setnx: %w", err)
	}
	return first, nil
}
