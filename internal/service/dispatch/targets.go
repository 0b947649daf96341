package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository"
	"github.com/jwalitptl/notify/pkg/messaging"
)

type tokenCleaner struct {
	tokens repository.PushTokenRepository
}

// NewTokenCleaner deletes stale push tokens. Bounced email addresses are left
// to the contact source and only recorded in analytics.
func NewTokenCleaner(tokens repository.PushTokenRepository) TargetCleaner {
	return &tokenCleaner{tokens: tokens}
}

func (c *tokenCleaner) CleanTargets(ctx context.Context, _ string, ch model.Channel, targets []string) error {
	if ch != model.ChannelPush {
		return nil
	}
	for _, t := range targets {
		if err := c.tokens.DeleteToken(ctx, t); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("delete push token: %w", err)
		}
	}
	return nil
}

// Status is published on the user's realtime channel after each dispatch.
type Status struct {
	NotificationID string                                 `json:"notification_id"`
	Outcome        Outcome                                `json:"outcome"`
	Channels       map[model.Channel]model.DeliveryStatus `json:"channels"`
}

type brokerObserver struct {
	broker messaging.Broker
}

// NewBrokerObserver forwards dispatch results to realtime subscribers.
func NewBrokerObserver(broker messaging.Broker) Observer {
	return &brokerObserver{broker: broker}
}

func (o *brokerObserver) Dispatched(ctx context.Context, n *model.Notification, outcome Outcome) {
	channels := make(map[model.Channel]model.DeliveryStatus, len(n.ChannelStates))
	for ch, st := range n.ChannelStates {
		channels[ch] = st.Status
	}
	// Best effort; the in-app sender already announced the notification.
	_ = o.broker.Publish(ctx, messaging.UserChannel(n.UserID), messaging.Message{
		Type: messaging.TypeNotificationStatus,
		Payload: Status{
			NotificationID: n.ID,
			Outcome:        outcome,
			Channels:       channels,
		},
	})
}
