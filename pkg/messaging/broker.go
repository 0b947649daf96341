package messaging

import (
	"context"
	"time"
)

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Message is the body published on per-user realtime channels.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Meta describes an envelope for tracing across services.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source,omitempty"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Envelope wraps domain events travelling over the broker.
type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

const (
	TopicEvents             = "notification.events"
	TypeEventEmitted        = "event.emitted"
	TypeEntityDeleted       = "entity.deleted"
	TypeNotificationCreated = "notification.created"
	TypeNotificationStatus  = "notification.status"
)

// UserChannel is the realtime channel for one user's inbox updates.
func UserChannel(userID string) string {
	return "notifications:" + userID
}
