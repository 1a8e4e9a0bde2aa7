package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is a serialised envelope addressed to a topic. Key orders messages for the
// same order on partitioned transports.
type Message struct {
	Topic      string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Sink delivers messages to a transport.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// PubSubSink publishes to Google Cloud Pub/Sub topics, creating topic handles lazily.
type PubSubSink struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSubSink wraps an existing Pub/Sub client. The caller keeps ownership of the client.
func NewPubSubSink(client *pubsub.Client) (*PubSubSink, error) {
	if client == nil {
		return nil, errors.New("pubsub sink: client is required")
	}
	return &PubSubSink{client: client, topics: map[string]*pubsub.Topic{}}, nil
}

func (s *PubSubSink) topic(name string) *pubsub.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		return t
	}
	t := s.client.Topic(name)
	t.EnableMessageOrdering = true
	s.topics[name] = t
	return t
}

// Send publishes msg and waits for the server acknowledgement.
func (s *PubSubSink) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Topic) == "" {
		return errors.New("pubsub sink: topic is required")
	}
	topic := s.topic(msg.Topic)
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.Key,
	})
	if _, err := result.Get(ctx); err != nil {
		if msg.Key != "" {
			topic.ResumePublish(msg.Key)
		}
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes and stops every topic handle.
func (s *PubSubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.topics {
		t.Stop()
		delete(s.topics, name)
	}
	return nil
}

// KafkaSink writes to Kafka through a single writer. The topic is chosen per message.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a synchronous writer that waits for all in-sync replicas.
func NewKafkaSink(brokers []string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: brokers are required")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}}, nil
}

func (s *KafkaSink) Send(ctx context.Context, msg Message) error {
	if err := s.writer.WriteMessages(ctx, kafkaMessage(msg)); err != nil {
		return fmt.Errorf("write to %s: %w", msg.Topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Attributes))
	for k, v := range msg.Attributes {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Data,
		Headers: headers,
	}
}

// AttrSensitive marks messages whose payload must not reach logs.
const AttrSensitive = "sensitive"

// LogSink writes messages to the structured log. It backs local development, where
// revealSensitive lets a developer read verification codes from the console.
type LogSink struct {
	logger          *zap.Logger
	revealSensitive bool
}

func NewLogSink(logger *zap.Logger, revealSensitive bool) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, revealSensitive: revealSensitive}
}

func (s *LogSink) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.Any("attributes", msg.Attributes),
	}
	if msg.Attributes[AttrSensitive] != "true" || s.revealSensitive {
		fields = append(fields, zap.ByteString("data", msg.Data))
	}
	s.logger.Info("event published", fields...)
	return nil
}

func (s *LogSink) Close() error { return nil }
