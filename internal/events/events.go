// Package events announces publish-job status changes to downstream
// consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"content-publisher/internal/models"
)

const (
	TypeScheduled = "publish.scheduled"
	TypePosted    = "publish.posted"
	TypeError     = "publish.error"
)

// Event is the payload of a status change.
type Event struct {
	Type         string     `json:"type"`
	PublishingID string     `json:"publishing_id"`
	ContentID    string     `json:"content_id"`
	ChannelKey   string     `json:"channel_key"`
	Status       string     `json:"status"`
	ExternalID   string     `json:"external_id,omitempty"`
	ExternalURL  string     `json:"external_url,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// TypeFor maps a settled status onto its event type. ok is false for statuses
// that are not announced.
func TypeFor(s models.Status) (string, bool) {
	switch s {
	case models.StatusScheduled:
		return TypeScheduled, true
	case models.StatusPosted:
		return TypePosted, true
	case models.StatusError:
		return TypeError, true
	}
	return "", false
}

// Publisher emits events. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by publishing id, so every
// event of a job lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           10 * time.Second,
		},
		topic: topic,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   p.topic,
		Key:     []byte(e.PublishingID),
		Value:   payload,
		Time:    e.OccurredAt,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
