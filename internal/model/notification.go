package model

import (
	"time"
)

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// AllChannels is the fan-out order used when a type has no explicit channel list.
var AllChannels = []Channel{ChannelInApp, ChannelEmail, ChannelPush}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelPush:
		return true
	}
	return false
}

type NotificationStatus string

const (
	NotificationStatusScheduled  NotificationStatus = "scheduled"
	NotificationStatusReleased   NotificationStatus = "released"
	NotificationStatusDispatched NotificationStatus = "dispatched"
	NotificationStatusRead       NotificationStatus = "read"
	NotificationStatusDismissed  NotificationStatus = "dismissed"
	NotificationStatusArchived   NotificationStatus = "archived"
	NotificationStatusCancelled  NotificationStatus = "cancelled"
	NotificationStatusFailed     NotificationStatus = "failed"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

type ChannelState struct {
	Status    DeliveryStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	Error     string         `json:"error,omitempty"`
}

type Payload struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Notification struct {
	ID            string                   `json:"id"`
	UserID        string                   `json:"user_id"`
	WorkspaceID   string                   `json:"workspace_id,omitempty"`
	Type          EventType                `json:"type"`
	ChannelStates map[Channel]ChannelState `json:"channel_states"`
	TemplateID    string                   `json:"template_id"`
	VariantID     *string                  `json:"variant_id,omitempty"`
	TestID        *string                  `json:"test_id,omitempty"`
	BatchKey      *string                  `json:"batch_key,omitempty"`
	EntityType    string                   `json:"entity_type,omitempty"`
	EntityID      string                   `json:"entity_id,omitempty"`
	Payload       Payload                  `json:"payload"`
	ScheduledFor  time.Time                `json:"scheduled_for"`
	Status        NotificationStatus       `json:"status"`
	Attempts      int                      `json:"attempts"`
	LastError     string                   `json:"last_error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	ReadAt        *time.Time               `json:"read_at,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared maps.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	if n.ChannelStates != nil {
		c.ChannelStates = make(map[Channel]ChannelState, len(n.ChannelStates))
		for k, v := range n.ChannelStates {
			c.ChannelStates[k] = v
		}
	}
	if n.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(n.Payload.Metadata))
		for k, v := range n.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}
	c.VariantID = cloneString(n.VariantID)
	c.TestID = cloneString(n.TestID)
	c.BatchKey = cloneString(n.BatchKey)
	if n.ReadAt != nil {
		t := *n.ReadAt
		c.ReadAt = &t
	}
	return &c
}

func (n *Notification) SetChannelState(ch Channel, status DeliveryStatus, errMsg string, at time.Time) {
	if n.ChannelStates == nil {
		n.ChannelStates = make(map[Channel]ChannelState)
	}
	n.ChannelStates[ch] = ChannelState{Status: status, UpdatedAt: at, Error: errMsg}
}

// Unread reports whether the notification is visible in the inbox and unread.
func (n *Notification) Unread() bool {
	return n.ReadAt == nil && n.Status == NotificationStatusDispatched
}

// NotificationFilter selects notifications for listing and bulk actions.
type NotificationFilter struct {
	UserID     string      `json:"-"`
	UnreadOnly bool        `json:"unread_only,omitempty"`
	Types      []EventType `json:"types,omitempty"`
	Before     *time.Time  `json:"before,omitempty"`
	Limit      int         `json:"-"`
	Offset     int         `json:"-"`
}

// Matches evaluates the filter against one notification. Only inbox-visible
// notifications (dispatched, read, dismissed, archived) ever match.
func (f NotificationFilter) Matches(n *Notification) bool {
	if n.UserID != f.UserID {
		return false
	}
	switch n.Status {
	case NotificationStatusDispatched, NotificationStatusRead,
		NotificationStatusDismissed, NotificationStatusArchived:
	default:
		return false
	}
	if f.UnreadOnly && n.ReadAt != nil {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == n.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Before != nil && !n.CreatedAt.Before(*f.Before) {
		return false
	}
	return true
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func StringPtr(s string) *string {
	return &s
}
