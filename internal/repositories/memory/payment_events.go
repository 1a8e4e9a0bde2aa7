package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/repositories"
)

// PaymentEventLog remembers processed event ids for the lifetime of the process.
type PaymentEventLog struct {
	mu     sync.Mutex
	events map[string]domain.PaymentEventRecord
}

var _ repositories.PaymentEventLog = (*PaymentEventLog)(nil)

func NewPaymentEventLog() *PaymentEventLog {
	return &PaymentEventLog{events: map[string]domain.PaymentEventRecord{}}
}

func (l *PaymentEventLog) Record(_ context.Context, record domain.PaymentEventRecord) (bool, error) {
	if record.EventID == "" {
		return false, errors.New("payment event log: event id is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.events[record.EventID]; seen {
		return false, nil
	}
	l.events[record.EventID] = record
	return true, nil
}
