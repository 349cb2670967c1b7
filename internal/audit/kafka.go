package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic receives audit events when no topic is configured.
const DefaultKafkaTopic = "cfgvault.audit.v1"

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by set id so that one set's
// events land on one partition in order.
type KafkaSink struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

// KafkaOption configures a KafkaSink.
type KafkaOption func(*KafkaSink)

// WithWriter replaces the kafka-go writer.
func WithWriter(w MessageWriter) KafkaOption {
	return func(s *KafkaSink) { s.writer = w }
}

// WithPublishTimeout bounds one publish.
func WithPublishTimeout(d time.Duration) KafkaOption {
	return func(s *KafkaSink) { s.timeout = d }
}

// NewKafkaSink builds a synchronous, all-acks producer for brokers.
func NewKafkaSink(brokers []string, topic string, opts ...KafkaOption) (*KafkaSink, error) {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	s := &KafkaSink{topic: topic, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if s.writer == nil {
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka audit sink: no brokers configured")
		}
		s.writer = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		}
	}
	return s, nil
}

// Topic returns the destination topic.
func (s *KafkaSink) Topic() string {
	return s.topic
}

func (s *KafkaSink) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(ev.SetID),
		Value: payload,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit event to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
