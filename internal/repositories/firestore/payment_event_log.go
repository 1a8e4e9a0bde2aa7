package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hanko-field/ordercore/internal/domain"
	pfirestore "github.com/hanko-field/ordercore/internal/platform/firestore"
	"github.com/hanko-field/ordercore/internal/repositories"
)

const paymentEventsCollection = "payment_events"

type paymentEventDocument struct {
	Type       string    `firestore:"type"`
	SessionRef string    `firestore:"sessionRef,omitempty"`
	OrderID    string    `firestore:"orderId,omitempty"`
	Outcome    string    `firestore:"outcome,omitempty"`
	ReceivedAt time.Time `firestore:"receivedAt"`
}

// PaymentEventLog records processed webhook events under their processor event id.
type PaymentEventLog struct {
	events *pfirestore.Collection[paymentEventDocument]
}

var _ repositories.PaymentEventLog = (*PaymentEventLog)(nil)

func NewPaymentEventLog(provider *pfirestore.Provider) (*PaymentEventLog, error) {
	if provider == nil {
		return nil, errors.New("payment event log requires firestore provider")
	}
	return &PaymentEventLog{events: pfirestore.NewCollection[paymentEventDocument](provider, paymentEventsCollection)}, nil
}

func (l *PaymentEventLog) Record(ctx context.Context, record domain.PaymentEventRecord) (bool, error) {
	id := strings.TrimSpace(record.EventID)
	if id == "" {
		return false, errors.New("payment event log: event id is required")
	}
	ref, err := l.events.Doc(ctx, id)
	if err != nil {
		return false, err
	}
	_, err = ref.Create(ctx, paymentEventDocument{
		Type:       record.Type,
		SessionRef: record.SessionRef,
		OrderID:    record.OrderID,
		Outcome:    record.Outcome,
		ReceivedAt: record.ReceivedAt.UTC(),
	})
	if err != nil {
		if pfirestore.IsAlreadyExists(err) {
			return false, nil
		}
		return false, pfirestore.WrapError("payment_events.create", err)
	}
	return true, nil
}
