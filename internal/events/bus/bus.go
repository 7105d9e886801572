// Package bus provides event bus abstractions for Botmesh.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Chat and task events carry
// the task/subtask identifiers so subscribers can route without decoding
// the payload.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Room      string         `json:"room,omitempty"`
	TaskID    int64          `json:"task_id,omitempty"`
	SubtaskID int64          `json:"subtask_id,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations. Delivery is best-effort,
// at-most-once per subscriber; clients reconcile gaps via history:sync.
type EventBus interface {
	// Publish sends an event to a subject (fire-and-forget)
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
