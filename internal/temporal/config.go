package temporal

import (
	"strconv"
	"time"
)

// TaskQueueName is the default Temporal task queue for migration workflows.
const TaskQueueName = "STRATUM_RELOCATE"

// WorkflowIDPrefix is the prefix used for migration workflow IDs.
const WorkflowIDPrefix = "stratum-migration-"

// WorkflowName is the name MigrationWorkflow is registered under, so starters
// do not have to import the workflow package.
const WorkflowName = "MigrationWorkflow"

// DefaultStepTimeout bounds a single step when the job has no deadline.
const DefaultStepTimeout = 6 * time.Hour

// HeartbeatTimeout is how long a step activity may go without heartbeating
// before Temporal considers its worker gone.
const HeartbeatTimeout = time.Minute

// Application error types raised by the step activities. Both are
// non-retryable: the runner already retried transient failures.
const (
	ErrTypeJobNotActive = "JobNotActive"
	ErrTypeStepFailed   = "StepFailed"
)

// MigrationParams is the input of MigrationWorkflow.
type MigrationParams struct {
	JobID    int64
	WorkerID string
	// Deadline is the job timeout. The zero time means none.
	Deadline time.Time
	// MaxAttempts covers activity timeouts and lost workers.
	MaxAttempts  int32
	RetryBackoff time.Duration
}

// WorkflowID is unique per claim so a workflow left over from a previous
// claim of the same job never blocks the new one; the old one is fenced out
// by its stale worker id.
func WorkflowID(jobID int64, attempt int) string {
	return WorkflowIDPrefix + strconv.FormatInt(jobID, 10) + "-" + strconv.Itoa(attempt)
}
