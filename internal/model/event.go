package model

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventTypeTask      EventType = "task"
	EventTypeComment   EventType = "comment"
	EventTypeShare     EventType = "share"
	EventTypeSystem    EventType = "system"
	EventTypeDigest    EventType = "digest"
	EventTypeMarketing EventType = "marketing"
)

// IsTransactional reports whether the type notifies by default when the user
// has no stored preference.
func (t EventType) IsTransactional() bool {
	switch t {
	case EventTypeTask, EventTypeComment, EventTypeShare, EventTypeSystem:
		return true
	}
	return false
}

func (t EventType) IsValid() bool {
	switch t {
	case EventTypeTask, EventTypeComment, EventTypeShare, EventTypeSystem,
		EventTypeDigest, EventTypeMarketing:
		return true
	}
	return false
}

// NotificationEvent is the raw trigger produced by domain collaborators.
type NotificationEvent struct {
	ID           string        `json:"id"`
	Type         EventType     `json:"type" validate:"required"`
	ActorID      string        `json:"actor_id,omitempty"`
	TargetUserID string        `json:"target_user_id,omitempty" validate:"required_without=Audience"`
	Audience     []string      `json:"audience,omitempty" validate:"required_without=TargetUserID"`
	WorkspaceID  string        `json:"workspace_id,omitempty"`
	EntityID     string        `json:"entity_id,omitempty"`
	EntityType   string        `json:"entity_type,omitempty"`
	Metadata     EventMetadata `json:"metadata,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
	DeliverAt    *time.Time    `json:"deliver_at,omitempty"`
}

// Recipients returns the users the event is addressed to, without duplicates.
func (e *NotificationEvent) Recipients() []string {
	if e.TargetUserID != "" {
		return []string{e.TargetUserID}
	}
	seen := make(map[string]struct{}, len(e.Audience))
	out := make([]string, 0, len(e.Audience))
	for _, u := range e.Audience {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Bindings returns template variables for the event, including the common
// envelope fields.
func (e *NotificationEvent) Bindings() map[string]any {
	b := map[string]any{}
	if e.Metadata != nil {
		for k, v := range e.Metadata.Bindings() {
			b[k] = v
		}
	}
	b["ActorID"] = e.ActorID
	b["EntityID"] = e.EntityID
	b["EntityType"] = e.EntityType
	return b
}

func (e *NotificationEvent) UnmarshalJSON(data []byte) error {
	type alias NotificationEvent
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Metadata) == 0 || string(aux.Metadata) == "null" {
		e.Metadata = nil
		return nil
	}
	md, err := DecodeMetadata(e.Type, aux.Metadata)
	if err != nil {
		return fmt.Errorf("decode %s metadata: %w", e.Type, err)
	}
	e.Metadata = md
	return nil
}
