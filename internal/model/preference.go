package model

import "time"

type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

func (f Frequency) IsDigest() bool {
	return f == FrequencyDaily || f == FrequencyWeekly
}

// Preference is a user's opt-in for one (channel, type) pair.
type Preference struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Channel   Channel   `json:"channel" db:"channel" validate:"required,oneof=in_app email push"`
	Type      EventType `json:"type" db:"type" validate:"required"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	Frequency Frequency `json:"frequency" db:"frequency" validate:"omitempty,oneof=immediate daily weekly"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WorkspacePolicy can force-suppress a type, or some of its channels, for
// every member of a workspace.
type WorkspacePolicy struct {
	WorkspaceID      string    `json:"workspace_id"`
	Type             EventType `json:"type" validate:"required"`
	Suppressed       bool      `json:"suppressed"`
	DisabledChannels []Channel `json:"disabled_channels,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (p *WorkspacePolicy) Denies(ch Channel) bool {
	if p == nil {
		return false
	}
	if p.Suppressed {
		return true
	}
	for _, c := range p.DisabledChannels {
		if c == ch {
			return true
		}
	}
	return false
}

type PushToken struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Token     string    `json:"token" db:"token" validate:"required"`
	Platform  string    `json:"platform" db:"platform" validate:"omitempty,oneof=ios android web"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
