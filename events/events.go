/*
Package events publishes resource events to a message bus.

The reading verticals publish an event whenever a reading is created,
so downstream consumers (dashboards, alerting) can react without
polling the API. Publishing is best effort: a failed publish is logged
and never fails the originating request.
*/
package events

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/agrisense-io/agrisense/core/logger"
)

// Event is a resource event
type Event struct {
	Resource   string          `json:"resource"`
	Operation  string          `json:"operation"`
	ResourceID uuid.UUID       `json:"resource_id"`
	DeviceID   *uuid.UUID      `json:"device_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// operations used in events
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

// PayloadOf marshals the affected resource for inclusion in an event.
// A resource that cannot be marshalled yields an empty payload, the
// event is still published.
func PayloadOf(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Publisher publishes resource events
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// KafkaPublisher publishes events to a kafka topic, keyed by resource
// so that consumers see per-resource ordering.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// KafkaPublisherBuilder is a builder helper for the KafkaPublisher
type KafkaPublisherBuilder struct {
	// Brokers is a comma separated list of broker addresses. This is mandatory.
	Brokers string
	// Topic is the destination topic. This is mandatory.
	Topic string
}

// MustNewKafkaPublisher realizes the actual publisher
func MustNewKafkaPublisher(b *KafkaPublisherBuilder) *KafkaPublisher {
	if len(b.Brokers) == 0 {
		panic("Brokers is missing")
	}
	if len(b.Topic) == 0 {
		panic("Topic is missing")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(b.Brokers, ",")...),
		Topic:    b.Topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{writer: writer}
}

// Publish writes the event to the topic
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Resource),
		Value: value,
	})
}

// Close closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NullPublisher drops all events. It is used when no message bus is
// configured.
type NullPublisher struct{}

// Publish drops the event
func (NullPublisher) Publish(ctx context.Context, event Event) error { return nil }

// Close does nothing
func (NullPublisher) Close() error { return nil }

// PublishOrLog publishes the event and logs a warning on failure. The
// originating request is never failed because of the message bus.
func PublishOrLog(ctx context.Context, p Publisher, event Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		logger.FromContext(ctx).WithError(err).Warningln("cannot publish event for", event.Resource)
	}
}
