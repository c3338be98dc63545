// Package kafka publishes seed results to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type keyed interface {
	MessageKey() string
}

// Publisher wraps a Kafka writer. The topic is chosen per message.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// New creates a publisher for the given brokers.
func New(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("publisher.kafka.brokers is required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}), nil
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish marshals payload to JSON and writes it to topic. The returned id
// is also sent as the message_id header.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	msg := kafka.Message{
		Topic:   topic,
		Value:   data,
		Time:    p.now(),
		Headers: []kafka.Header{{Key: "message_id", Value: []byte(id.String())}},
	}
	if k, ok := payload.(keyed); ok {
		msg.Key = []byte(k.MessageKey())
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return id.String(), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
