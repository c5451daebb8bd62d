package models

import (
	"encoding/json"
	"time"
)

type NotificationSeverity string

const (
	NotificationSeverityInfo    NotificationSeverity = "info"
	NotificationSeverityWarning NotificationSeverity = "warning"
	NotificationSeverityError   NotificationSeverity = "error"
)

type NotificationEvent string

const (
	NotificationEventMigrationEnqueued  NotificationEvent = "migration.enqueued"
	NotificationEventMigrationStarted   NotificationEvent = "migration.started"
	NotificationEventMigrationStep      NotificationEvent = "migration.step"
	NotificationEventMigrationSucceeded NotificationEvent = "migration.succeeded"
	NotificationEventMigrationFailed    NotificationEvent = "migration.failed"
	NotificationEventShadowReclaimed    NotificationEvent = "migration.shadow_reclaimed"
)

// Notification is one persisted lifecycle event of a migration job.
type Notification struct {
	ID        string               `json:"id" db:"id"`
	JobID     int64                `json:"jobId,string" db:"job_id"`
	EventType NotificationEvent    `json:"event" db:"event"`
	Severity  NotificationSeverity `json:"severity" db:"severity"`
	Message   string               `json:"message" db:"message"`
	Metadata  json.RawMessage      `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time            `json:"createdAt" db:"created_at"`
}
