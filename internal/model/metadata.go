package model

import "encoding/json"

// EventMetadata is the typed payload carried by an event. Known event types
// have a concrete struct; anything else falls back to GenericMetadata.
type EventMetadata interface {
	Kind() EventType
	Bindings() map[string]any
}

type TaskMetadata struct {
	TaskTitle   string `json:"task_title"`
	ProjectName string `json:"project_name,omitempty"`
	Change      string `json:"change,omitempty"`
}

func (TaskMetadata) Kind() EventType { return EventTypeTask }

func (m TaskMetadata) Bindings() map[string]any {
	return map[string]any{
		"TaskTitle":   m.TaskTitle,
		"ProjectName": m.ProjectName,
		"Change":      m.Change,
	}
}

type CommentMetadata struct {
	TaskTitle  string `json:"task_title"`
	AuthorName string `json:"author_name"`
	Excerpt    string `json:"excerpt,omitempty"`
}

func (CommentMetadata) Kind() EventType { return EventTypeComment }

func (m CommentMetadata) Bindings() map[string]any {
	return map[string]any{
		"TaskTitle":  m.TaskTitle,
		"AuthorName": m.AuthorName,
		"Excerpt":    m.Excerpt,
	}
}

type ShareMetadata struct {
	ResourceName string `json:"resource_name"`
	ResourceKind string `json:"resource_kind"`
	SharerName   string `json:"sharer_name"`
}

func (ShareMetadata) Kind() EventType { return EventTypeShare }

func (m ShareMetadata) Bindings() map[string]any {
	return map[string]any{
		"ResourceName": m.ResourceName,
		"ResourceKind": m.ResourceKind,
		"SharerName":   m.SharerName,
	}
}

type SystemMetadata struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (SystemMetadata) Kind() EventType { return EventTypeSystem }

func (m SystemMetadata) Bindings() map[string]any {
	return map[string]any{
		"Subject": m.Subject,
		"Message": m.Message,
	}
}

// GenericMetadata keeps unknown shapes (marketing campaigns, future types).
type GenericMetadata map[string]any

func (GenericMetadata) Kind() EventType { return "" }

func (m GenericMetadata) Bindings() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DecodeMetadata picks the concrete metadata type from the event type.
func DecodeMetadata(t EventType, raw json.RawMessage) (EventMetadata, error) {
	var md EventMetadata
	switch t {
	case EventTypeTask:
		var m TaskMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		md = m
	case EventTypeComment:
		var m CommentMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		md = m
	case EventTypeShare:
		var m ShareMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		md = m
	case EventTypeSystem:
		var m SystemMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		md = m
	default:
		var m GenericMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		md = m
	}
	return md, nil
}
