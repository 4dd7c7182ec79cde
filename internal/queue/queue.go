// Package queue carries job descriptors from the dispatcher to the upload
// consumer with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"content-publisher/internal/models"
)

// Queue is an at-least-once message queue of job descriptors. A received
// message stays owned by the receiver until it is acked or retried; messages
// whose receiver disappears are redelivered after the visibility timeout.
type Queue interface {
	Publish(ctx context.Context, d models.JobDescriptor) error
	// Receive returns the next message, or nil when none arrived in time.
	Receive(ctx context.Context) (*Message, error)
	Ack(ctx context.Context, m *Message) error
	// Retry returns the message to the queue for redelivery after delay.
	Retry(ctx context.Context, m *Message, delay time.Duration) error
	// Extend restarts the visibility timeout of a message still being worked
	// on. It returns ErrLeaseLost once the message belongs to someone else.
	Extend(ctx context.Context, m *Message) error
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// ErrLeaseLost means the message was redelivered to another receiver.
var ErrLeaseLost = errors.New("message lease lost")

// Message is one delivery of a job descriptor.
type Message struct {
	ID         string
	Descriptor models.JobDescriptor
	// Attempt is the 1-based delivery attempt as far as the transport knows.
	Attempt int

	raw any
}

type envelope struct {
	Attempt int                  `json:"attempt"`
	Job     models.JobDescriptor `json:"job"`
}

func encode(d models.JobDescriptor, attempt int) ([]byte, error) {
	data, err := json.Marshal(envelope{Attempt: attempt, Job: d})
	if err != nil {
		return nil, fmt.Errorf("marshal job descriptor: %w", err)
	}
	return data, nil
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal job descriptor: %w", err)
	}
	if env.Attempt < 1 {
		env.Attempt = 1
	}
	return env, nil
}
