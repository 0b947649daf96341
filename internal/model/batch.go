package model

import "time"

type BatchMode string

const (
	BatchModeFixed   BatchMode = "fixed"
	BatchModeSliding BatchMode = "sliding"
)

// BatchWindow is the transient grouping of events for one (user, batch key).
type BatchWindow struct {
	UserID   string              `json:"user_id"`
	BatchKey string              `json:"batch_key"`
	Type     EventType           `json:"type"`
	Events   []NotificationEvent `json:"events"`
	OpenedAt time.Time           `json:"opened_at"`
	FlushAt  time.Time           `json:"flush_at"`
}

// WindowID is the store key of a window.
func WindowID(userID, batchKey string) string {
	return userID + "|" + batchKey
}

type DigestSchedule struct {
	UserID    string       `json:"user_id" db:"user_id"`
	Frequency Frequency    `json:"frequency" db:"frequency"`
	Hour      int          `json:"hour" db:"hour"`
	Weekday   time.Weekday `json:"weekday" db:"weekday"`
	NextRunAt time.Time    `json:"next_run_at" db:"next_run_at"`
	LastRunAt *time.Time   `json:"last_run_at,omitempty" db:"last_run_at"`
}

// NextOccurrence returns the first run strictly after from.
func (s *DigestSchedule) NextOccurrence(from time.Time) time.Time {
	from = from.UTC()
	next := time.Date(from.Year(), from.Month(), from.Day(), s.Hour, 0, 0, 0, time.UTC)
	if s.Frequency == FrequencyWeekly {
		shift := (int(s.Weekday) - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, shift)
		if !next.After(from) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	}
	if !next.After(from) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DigestItem is one event held back for a user's next digest.
type DigestItem struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	EventType  EventType `json:"event_type" db:"event_type"`
	Summary    string    `json:"summary" db:"summary"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}
