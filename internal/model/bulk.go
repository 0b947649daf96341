package model

import "time"

type BulkActionType string

const (
	BulkActionMarkRead BulkActionType = "mark_read"
	BulkActionDelete   BulkActionType = "delete"
	BulkActionArchive  BulkActionType = "archive"
)

type BulkActionStatus string

const (
	BulkActionStatusPending   BulkActionStatus = "pending"
	BulkActionStatusCompleted BulkActionStatus = "completed"
	BulkActionStatusFailed    BulkActionStatus = "failed"
)

type BulkAction struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id" validate:"required"`
	Type            BulkActionType      `json:"type" validate:"required,oneof=mark_read delete archive"`
	Filter          *NotificationFilter `json:"filter,omitempty"`
	NotificationIDs []string            `json:"notification_ids,omitempty"`
	Status          BulkActionStatus    `json:"status"`
	AffectedCount   int                 `json:"affected_count"`
	Error           string              `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}
