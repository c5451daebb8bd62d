package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusEnqueued   JobStatus = "ENQUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"

	// JobStatusDuplicate is only ever returned by Submit; it is never stored.
	JobStatusDuplicate JobStatus = "DUPLICATE"
)

// Active reports whether the status holds the per-table migration slot.
func (s JobStatus) Active() bool {
	return s == JobStatusEnqueued || s == JobStatusProcessing
}

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// CanTransition reports whether from -> to is a legal, monotonic transition.
// PROCESSING -> PROCESSING is allowed so an expired lease can be re-claimed.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusEnqueued:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusProcessing || to == JobStatusSucceeded || to == JobStatusFailed
	default:
		return false
	}
}

// JobStep records how far the pipeline has progressed for a job.
type JobStep string

const (
	StepPending           JobStep = "pending"
	StepProvisioned       JobStep = "provisioned"
	StepTriggersInstalled JobStep = "triggers_installed"
	StepBackfilled        JobStep = "backfilled"
	StepCutOver           JobStep = "cut_over"
)

var stepOrder = map[JobStep]int{
	StepPending:           0,
	StepProvisioned:       1,
	StepTriggersInstalled: 2,
	StepBackfilled:        3,
	StepCutOver:           4,
}

// Reached reports whether s is at or past target.
func (s JobStep) Reached(target JobStep) bool {
	return stepOrder[s] >= stepOrder[target]
}

// MigrationResult is recorded on a SUCCEEDED job.
type MigrationResult struct {
	ShadowTable  string `json:"shadowTable"`
	TargetSchema string `json:"targetSchema"`
	Detail       string `json:"detail,omitempty"`
}

// MigrationJob is one request to relocate a table to another schema.
type MigrationJob struct {
	ID                int64            `json:"jobId,string" db:"id"`
	TableID           string           `json:"tableId" db:"table_id"`
	SourceSchema      string           `json:"sourceSchema" db:"source_schema"`
	SourceTable       string           `json:"sourceTable" db:"source_table"`
	TargetSchema      string           `json:"targetSchema" db:"target_schema"`
	ShadowTable       string           `json:"shadowTable" db:"shadow_table"`
	Status            JobStatus        `json:"status" db:"status"`
	Step              JobStep          `json:"step" db:"step"`
	LastCopiedKey     *string          `json:"lastCopiedKey,omitempty" db:"last_copied_key"`
	RowsCopied        int64            `json:"rowsCopied" db:"rows_copied"`
	Attempts          int              `json:"attempts" db:"attempts"`
	Result            *MigrationResult `json:"result,omitempty" db:"result"`
	FailureReason     *string          `json:"failureReason,omitempty" db:"failure_reason"`
	WorkerID          *string          `json:"workerId,omitempty" db:"worker_id"`
	HeartbeatAt       *time.Time       `json:"heartbeatAt,omitempty" db:"heartbeat_at"`
	StartedAt         *time.Time       `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty" db:"completed_at"`
	ShadowReclaimedAt *time.Time       `json:"shadowReclaimedAt,omitempty" db:"shadow_reclaimed_at"`
	CreatedAt         time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time        `json:"updatedAt" db:"updated_at"`
}

// Name is the human readable job name reported by status queries.
func (j MigrationJob) Name() string {
	return fmt.Sprintf("relocate %s.%s to %s", j.SourceSchema, j.SourceTable, j.TargetSchema)
}

// Details projects the job onto the status contract.
func (j MigrationJob) Details() JobDetails {
	d := JobDetails{
		JobID:     j.ID,
		Status:    j.Status,
		JobName:   j.Name(),
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Status == JobStatusSucceeded {
		d.Result = j.Result
	}
	if j.Status == JobStatusFailed {
		d.FailureReason = j.FailureReason
	}
	return d
}

// JobDetails is the status view of a job.
type JobDetails struct {
	JobID         int64            `json:"jobId,string"`
	Status        JobStatus        `json:"status"`
	JobName       string           `json:"jobName"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Result        *MigrationResult `json:"result,omitempty"`
	FailureReason *string          `json:"failureReason,omitempty"`
}

// SubmitResult is returned by Submit. Status is ENQUEUED or DUPLICATE.
type SubmitResult struct {
	JobID   int64     `json:"jobId,string"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
}

// ActiveMigration answers whether a table currently has a non-terminal job.
type ActiveMigration struct {
	HasActiveMigration bool       `json:"hasActiveMigration"`
	JobID              *int64     `json:"jobId,omitempty,string"`
	Status             *JobStatus `json:"status,omitempty"`
}
