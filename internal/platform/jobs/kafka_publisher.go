package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/storefront/fulfillment/internal/services"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOrderPublisher writes order events keyed by order id so a partition sees an order's
// events in order.
type KafkaOrderPublisher struct {
	writer messageWriter
}

// NewKafkaOrderPublisher builds a writer for the given brokers and topic.
func NewKafkaOrderPublisher(brokers []string, topic string) (*KafkaOrderPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka order publisher: brokers and topic are required")
	}
	return &KafkaOrderPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}, nil
}

func (p *KafkaOrderPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(event.Type)},
			{Key: "eventId", Value: []byte(event.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write order event: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaOrderPublisher) Close() error {
	return p.writer.Close()
}
