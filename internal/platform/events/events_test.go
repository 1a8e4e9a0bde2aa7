package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

type captureSink struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (s *captureSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *captureSink) Close() error { return nil }

type countingFailures struct{ events []string }

func (c *countingFailures) EventPublishFailed(event string) { c.events = append(c.events, event) }

func newTestPublisher(t *testing.T, sink Sink, failures FailureRecorder) *Publisher {
	t.Helper()
	p, err := NewPublisher(sink, PublisherConfig{
		OrderTopic:        "order-events",
		NotificationTopic: "order-notifications",
		Producer:          "ordercore-test",
		Clock:             func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
		NewID:             func() string { return "evt-fixed" },
		Failures:          failures,
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func TestPublishOrderEventWrapsEnvelope(t *testing.T) {
	sink := &captureSink{}
	p := newTestPublisher(t, sink, nil)
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "trace-1"})
	ctx = requestctx.WithCorrelationID(ctx, "corr-1")

	err := p.PublishOrderEvent(ctx, services.OrderEvent{
		Type:           "order.paid",
		OrderID:        "ord_1",
		OrderCode:      "ABCDEFGHJKLM",
		Status:         domain.OrderStatusPaid,
		PreviousStatus: domain.OrderStatusPaymentSessionCreated,
		Total:          4800,
		Currency:       "JPY",
		ActorKind:      requestctx.ActorWebhook,
		OccurredAt:     time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sink.messages))
	}
	msg := sink.messages[0]
	if msg.Topic != "order-events" || msg.Key != "ord_1" || msg.Attributes["eventType"] != "order.paid" {
		t.Fatalf("unexpected message %+v", msg)
	}

	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.EventID != "evt-fixed" || env.EventVersion != 1 || env.Producer != "ordercore-test" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if env.TraceID != "trace-1" || env.CorrelationID != "corr-1" {
		t.Fatalf("expected trace and correlation ids, got %q %q", env.TraceID, env.CorrelationID)
	}
	var payload orderPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Status != "paid" || payload.PreviousStatus != "payment_session_created" || payload.Total != 4800 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestSendVerificationCodeIsSensitive(t *testing.T) {
	sink := &captureSink{}
	p := newTestPublisher(t, sink, nil)

	err := p.SendVerificationCode(context.Background(), services.VerificationNotice{OrderID: "ord_2", Email: "a@example.com", Code: "123456"})
	if err != nil {
		t.Fatalf("SendVerificationCode: %v", err)
	}
	msg := sink.messages[0]
	if msg.Topic != "order-notifications" || msg.Attributes[AttrSensitive] != "true" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.CorrelationID != "ord_2" || env.EventType != eventVerificationRequested {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestPublishFailureIsCounted(t *testing.T) {
	failures := &countingFailures{}
	p := newTestPublisher(t, &captureSink{err: errors.New("broker down")}, failures)

	if err := p.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.created", OrderID: "ord_3"}); err == nil {
		t.Fatalf("expected error")
	}
	if len(failures.events) != 1 || failures.events[0] != "order.created" {
		t.Fatalf("unexpected failures %v", failures.events)
	}
}

func TestLogSinkRedactsSensitivePayloads(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core), false)

	_ = sink.Send(context.Background(), Message{Topic: "t", Data: []byte(`{"code":"123456"}`), Attributes: map[string]string{AttrSensitive: "true"}})
	_ = sink.Send(context.Background(), Message{Topic: "t", Data: []byte(`{"status":"paid"}`)})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if _, ok := entries[0].ContextMap()["data"]; ok {
		t.Fatalf("sensitive payload must not be logged")
	}
	if data, _ := entries[1].ContextMap()["data"].(string); !strings.Contains(data, "paid") {
		t.Fatalf("expected payload logged, got %v", entries[1].ContextMap())
	}
}

func TestKafkaMessageCarriesHeaders(t *testing.T) {
	m := kafkaMessage(Message{Topic: "order-events", Key: "ord_1", Data: []byte("{}"), Attributes: map[string]string{"eventType": "order.paid"}})
	if m.Topic != "order-events" || string(m.Key) != "ord_1" || len(m.Headers) != 1 {
		t.Fatalf("unexpected kafka message %+v", m)
	}
	if m.Headers[0].Key != "eventType" || string(m.Headers[0].Value) != "order.paid" {
		t.Fatalf("unexpected header %+v", m.Headers[0])
	}
	if _, err := NewKafkaSink(nil); err == nil {
		t.Fatalf("expected brokers required")
	}
}

func TestPubSubSinkPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	if _, err := client.CreateTopic(ctx, "order-events"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if _, err := client.CreateTopic(ctx, "order-notifications"); err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	sink, err := NewPubSubSink(client)
	if err != nil {
		t.Fatalf("NewPubSubSink: %v", err)
	}
	defer func() {
		_ = sink.Close()
	}()
	p := newTestPublisher(t, sink, nil)

	if err := p.PublishOrderEvent(ctx, services.OrderEvent{Type: "order.created", OrderID: "ord_9", Status: domain.OrderStatusCreated}); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Attributes["orderId"] != "ord_9" {
		t.Fatalf("unexpected attributes %v", messages[0].Attributes)
	}
	var env Envelope
	if err := json.Unmarshal(messages[0].Data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.EventType != "order.created" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}
