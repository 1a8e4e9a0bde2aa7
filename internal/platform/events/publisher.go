package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

const (
	envelopeVersion = 1

	eventVerificationRequested = "order.verification_requested"
)

// Envelope wraps every payload published by the order core.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type orderPayload struct {
	OrderID        string    `json:"order_id"`
	OrderCode      string    `json:"order_code"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	PaymentStatus  string    `json:"payment_status,omitempty"`
	ProductID      string    `json:"product_id"`
	Total          int64     `json:"total"`
	Currency       string    `json:"currency"`
	ActorKind      string    `json:"actor_kind"`
	ActorID        string    `json:"actor_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

type verificationPayload struct {
	OrderID   string    `json:"order_id"`
	OrderCode string    `json:"order_code"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FailureRecorder counts publish failures. metrics.Recorder satisfies it.
type FailureRecorder interface {
	EventPublishFailed(event string)
}

// PublisherConfig configures topic routing.
type PublisherConfig struct {
	OrderTopic        string
	NotificationTopic string
	Producer          string
	Clock             func() time.Time
	NewID             func() string
	Failures          FailureRecorder
}

// Publisher turns order events and verification notices into envelopes and hands
// them to a sink.
type Publisher struct {
	sink              Sink
	orderTopic        string
	notificationTopic string
	producer          string
	clock             func() time.Time
	newID             func() string
	failures          FailureRecorder
}

var (
	_ services.OrderEventPublisher  = (*Publisher)(nil)
	_ services.VerificationNotifier = (*Publisher)(nil)
)

func NewPublisher(sink Sink, cfg PublisherConfig) (*Publisher, error) {
	if sink == nil {
		return nil, errors.New("event publisher: sink is required")
	}
	if cfg.OrderTopic == "" || cfg.NotificationTopic == "" {
		return nil, errors.New("event publisher: order and notification topics are required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	producer := cfg.Producer
	if producer == "" {
		producer = "ordercore"
	}
	return &Publisher{
		sink:              sink,
		orderTopic:        cfg.OrderTopic,
		notificationTopic: cfg.NotificationTopic,
		producer:          producer,
		clock:             clock,
		newID:             newID,
		failures:          cfg.Failures,
	}, nil
}

// PublishOrderEvent publishes a lifecycle event keyed by order id.
func (p *Publisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = p.clock().UTC()
	}
	payload := orderPayload{
		OrderID:        event.OrderID,
		OrderCode:      event.OrderCode,
		Status:         string(event.Status),
		PreviousStatus: string(event.PreviousStatus),
		PaymentStatus:  string(event.PaymentStatus),
		ProductID:      event.ProductID,
		Total:          event.Total,
		Currency:       event.Currency,
		ActorKind:      event.ActorKind,
		ActorID:        event.ActorID,
		Reason:         event.Reason,
		OccurredAt:     occurred,
	}
	return p.send(ctx, p.orderTopic, event.Type, event.OrderID, occurred, payload, nil)
}

// SendVerificationCode asks the notification consumer to deliver the code.
func (p *Publisher) SendVerificationCode(ctx context.Context, notice services.VerificationNotice) error {
	payload := verificationPayload{
		OrderID:   notice.OrderID,
		OrderCode: notice.OrderCode,
		Email:     notice.Email,
		Name:      notice.Name,
		Code:      notice.Code,
		ExpiresAt: notice.ExpiresAt,
	}
	return p.send(ctx, p.notificationTopic, eventVerificationRequested, notice.OrderID, p.clock().UTC(), payload,
		map[string]string{AttrSensitive: "true"})
}

func (p *Publisher) send(ctx context.Context, topic, eventType, key string, occurred time.Time, payload any, attrs map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:       p.newID(),
		EventType:     eventType,
		EventVersion:  envelopeVersion,
		OccurredAt:    occurred,
		Producer:      p.producer,
		TraceID:       traceID(ctx),
		CorrelationID: requestctx.CorrelationID(ctx),
		Payload:       data,
	}
	if env.CorrelationID == "" {
		env.CorrelationID = key
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}

	attributes := map[string]string{
		"eventId":   env.EventID,
		"eventType": eventType,
		"orderId":   key,
	}
	for k, v := range attrs {
		attributes[k] = v
	}
	if err := p.sink.Send(ctx, Message{Topic: topic, Key: key, Data: body, Attributes: attributes}); err != nil {
		if p.failures != nil {
			p.failures.EventPublishFailed(eventType)
		}
		return err
	}
	return nil
}

func traceID(ctx context.Context) string {
	if id := requestctx.TraceID(ctx); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
