package workflows

import (
	"errors"
	"time"

	"github.com/stanstork/stratum-relocator/internal/migration"
	"github.com/stanstork/stratum-relocator/internal/temporal"
	"github.com/stanstork/stratum-relocator/internal/temporal/activities"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const finishTimeout = 2 * time.Minute

// MigrationWorkflow runs the pipeline steps of one claimed job as separate
// activities. A failed step ends the job as FAILED; a job taken away from
// this claim is only cleaned up.
func MigrationWorkflow(ctx workflow.Context, params temporal.MigrationParams) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting migration workflow", "JobID", params.JobID, "WorkerID", params.WorkerID)

	var a *activities.Activities

	attempts := params.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := params.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for i, step := range migration.Steps {
		// Each step only gets what is left of the job budget.
		timeout := temporal.DefaultStepTimeout
		if !params.Deadline.IsZero() {
			timeout = params.Deadline.Sub(workflow.Now(ctx))
		}
		if timeout <= 0 {
			if i == 0 {
				return finish(ctx, a.FailActivity, params.JobID, "job timed out before it was resumed")
			}
			return finish(ctx, a.FailActivity, params.JobID, "job timed out before "+string(step))
		}

		stepCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			ScheduleToCloseTimeout: timeout,
			StartToCloseTimeout:    timeout,
			HeartbeatTimeout:       temporal.HeartbeatTimeout,
			RetryPolicy: &sdktemporal.RetryPolicy{
				InitialInterval:        backoff,
				BackoffCoefficient:     2,
				MaximumAttempts:        attempts,
				NonRetryableErrorTypes: []string{temporal.ErrTypeJobNotActive, temporal.ErrTypeStepFailed},
			},
		})
		err := workflow.ExecuteActivity(stepCtx, a.RunStepActivity, params, string(step)).Get(stepCtx, nil)
		if err == nil {
			continue
		}

		var appErr *sdktemporal.ApplicationError
		switch {
		case sdktemporal.IsCanceledError(err):
			// Shutdown of the starter; the job stays PROCESSING for resume.
			return err
		case errors.As(err, &appErr) && appErr.Type() == temporal.ErrTypeJobNotActive:
			logger.Warn("Job no longer held by this claim.", "JobID", params.JobID, "Step", string(step))
			return finish(ctx, a.AbandonActivity, params.JobID)
		case sdktemporal.IsTimeoutError(err):
			return finish(ctx, a.FailActivity, params.JobID, "job timed out during "+string(step))
		case appErr != nil:
			return finish(ctx, a.FailActivity, params.JobID, string(step)+": "+appErr.Message())
		default:
			return finish(ctx, a.FailActivity, params.JobID, string(step)+": "+err.Error())
		}
	}

	logger.Info("Migration workflow completed successfully.", "JobID", params.JobID)
	return nil
}

// finish runs a terminal activity on a context that survives cancellation
// of the workflow.
func finish(ctx workflow.Context, activity interface{}, args ...interface{}) error {
	finishCtx, cancel := workflow.NewDisconnectedContext(ctx)
	defer cancel()
	finishCtx = workflow.WithActivityOptions(finishCtx, workflow.ActivityOptions{
		StartToCloseTimeout: finishTimeout,
		RetryPolicy:         &sdktemporal.RetryPolicy{MaximumAttempts: 3},
	})
	err := workflow.ExecuteActivity(finishCtx, activity, args...).Get(finishCtx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Error("Finishing migration job failed.", "error", err)
	}
	return err
}
