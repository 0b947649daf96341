package inapp

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/notify/internal/channel"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/pkg/messaging"
)

// Created is published on the user's realtime channel.
type Created struct {
	NotificationID string            `json:"notification_id"`
	Type           model.EventType   `json:"type"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Sender announces a persisted notification to connected clients. The
// notification row itself is the inbox entry.
type Sender struct {
	broker messaging.Broker
	now    func() time.Time
}

func NewSender(broker messaging.Broker) *Sender {
	return &Sender{broker: broker, now: time.Now}
}

func (s *Sender) Channel() model.Channel { return model.ChannelInApp }

func (s *Sender) Send(ctx context.Context, msg channel.Message) channel.Result {
	err := s.broker.Publish(ctx, messaging.UserChannel(msg.UserID), messaging.Message{
		Type: messaging.TypeNotificationCreated,
		Payload: Created{
			NotificationID: msg.NotificationID,
			Type:           msg.Type,
			Title:          msg.Payload.Title,
			Body:           msg.Payload.Body,
			Metadata:       msg.Payload.Metadata,
			CreatedAt:      s.now(),
		},
	})
	if err != nil {
		return channel.Transient(fmt.Errorf("publish in-app notification: %w", err))
	}
	return channel.Sent()
}
