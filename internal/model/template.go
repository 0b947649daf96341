package model

import "time"

type ContentSpec struct {
	Title    string            `json:"title" validate:"required"`
	Body     string            `json:"body" validate:"required"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type Variant struct {
	ID      string      `json:"id" validate:"required"`
	Name    string      `json:"name"`
	Weight  float64     `json:"weight" validate:"gte=0"`
	Content ContentSpec `json:"content" validate:"required"`
}

type Template struct {
	ID               string    `json:"id" validate:"required"`
	Name             string    `json:"name"`
	Type             EventType `json:"type" validate:"required"`
	Version          int       `json:"version"`
	DefaultVariantID string    `json:"default_variant_id"`
	Variants         []Variant `json:"variants" validate:"required,min=1,dive"`
	CreatedAt        time.Time `json:"created_at"`
}

func (t *Template) Variant(id string) (*Variant, bool) {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i], true
		}
	}
	return nil, false
}

// DefaultVariant returns the configured default or the first variant.
func (t *Template) DefaultVariant() *Variant {
	if v, ok := t.Variant(t.DefaultVariantID); ok {
		return v
	}
	if len(t.Variants) == 0 {
		return nil
	}
	return &t.Variants[0]
}

type ABTestStatus string

const (
	ABTestStatusDraft     ABTestStatus = "draft"
	ABTestStatusRunning   ABTestStatus = "running"
	ABTestStatusCompleted ABTestStatus = "completed"
)

type AssignmentPolicy string

const AssignmentPolicyHash AssignmentPolicy = "hash"

type ABTest struct {
	ID         string           `json:"id"`
	TemplateID string           `json:"template_id" validate:"required"`
	Status     ABTestStatus     `json:"status"`
	StartAt    *time.Time       `json:"start_at,omitempty"`
	EndAt      *time.Time       `json:"end_at,omitempty"`
	Policy     AssignmentPolicy `json:"policy"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Live reports whether the test assigns variants at the given instant.
func (t *ABTest) Live(now time.Time) bool {
	if t.Status != ABTestStatusRunning {
		return false
	}
	if t.StartAt != nil && now.Before(*t.StartAt) {
		return false
	}
	if t.EndAt != nil && !now.Before(*t.EndAt) {
		return false
	}
	return true
}

type Assignment struct {
	TestID     string    `json:"test_id" db:"test_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	VariantID  string    `json:"variant_id" db:"variant_id"`
	AssignedAt time.Time `json:"assigned_at" db:"assigned_at"`
}
