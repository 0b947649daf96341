package model

import "time"

type DeliveryKind string

const (
	DeliveryKindSent      DeliveryKind = "sent"
	DeliveryKindOpened    DeliveryKind = "opened"
	DeliveryKindClicked   DeliveryKind = "clicked"
	DeliveryKindDismissed DeliveryKind = "dismissed"
	DeliveryKindBounced   DeliveryKind = "bounced"
	DeliveryKindFailed    DeliveryKind = "failed"
)

// DeliveryEvent is one append-only analytics record.
type DeliveryEvent struct {
	NotificationID string       `json:"notification_id" db:"notification_id"`
	UserID         string       `json:"user_id" db:"user_id"`
	TemplateID     string       `json:"template_id" db:"template_id"`
	VariantID      string       `json:"variant_id" db:"variant_id"`
	TestID         string       `json:"test_id" db:"test_id"`
	Channel        Channel      `json:"channel,omitempty" db:"channel"`
	Kind           DeliveryKind `json:"kind" db:"kind"`
	OccurredAt     time.Time    `json:"occurred_at" db:"occurred_at"`
}

// DeliveryEventFor builds an analytics record from a notification.
func DeliveryEventFor(n *Notification, ch Channel, kind DeliveryKind, at time.Time) DeliveryEvent {
	ev := DeliveryEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		TemplateID:     n.TemplateID,
		Channel:        ch,
		Kind:           kind,
		OccurredAt:     at,
	}
	if n.VariantID != nil {
		ev.VariantID = *n.VariantID
	}
	if n.TestID != nil {
		ev.TestID = *n.TestID
	}
	return ev
}

type DeliveryEventQuery struct {
	TemplateID string
	TestID     string
	From       time.Time
	To         time.Time
}

type VariantMetrics struct {
	VariantID      string    `json:"variant_id"`
	BucketStart    time.Time `json:"bucket_start,omitempty"`
	Sent           int       `json:"sent"`
	Opened         int       `json:"opened"`
	Clicked        int       `json:"clicked"`
	Dismissed      int       `json:"dismissed"`
	Bounced        int       `json:"bounced"`
	Failed         int       `json:"failed"`
	OpenRate       float64   `json:"open_rate"`
	ClickThrough   float64   `json:"click_through_rate"`
	DismissRate    float64   `json:"dismiss_rate"`
	UniqueDelivery int       `json:"unique_notifications"`
}
