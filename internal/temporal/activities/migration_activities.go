package activities

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/migration"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/temporal"
	"go.temporal.io/sdk/activity"
	sdktemporal "go.temporal.io/sdk/temporal"
)

// StepRunner is the part of *migration.Runner the activities drive.
type StepRunner interface {
	RunStep(ctx context.Context, jobID int64, workerID string, step migration.Step) error
	Fail(ctx context.Context, jobID int64, reason string) error
	Abandon(ctx context.Context, jobID int64) error
}

type Activities struct {
	Runner StepRunner
}

// RunStepActivity runs one pipeline step. Transient failures were already
// retried by the runner, so anything it returns is final for this claim.
func (a *Activities) RunStepActivity(ctx context.Context, params temporal.MigrationParams, step string) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Running migration step", "JobID", params.JobID, "Step", step)

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go heartbeat(hbCtx, step)

	err := a.Runner.RunStep(ctx, params.JobID, params.WorkerID, migration.Step(step))
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Cancelled or timed out by Temporal; let the server classify it.
		return ctx.Err()
	}

	logger.Error("Migration step failed", "JobID", params.JobID, "Step", step, "error", err)
	errType := temporal.ErrTypeStepFailed
	if errors.Is(err, models.ErrJobNotActive) {
		errType = temporal.ErrTypeJobNotActive
	}
	return sdktemporal.NewNonRetryableApplicationError(err.Error(), errType, err)
}

func (a *Activities) FailActivity(ctx context.Context, jobID int64, reason string) error {
	activity.GetLogger(ctx).Warn("Failing migration job", "JobID", jobID, "Reason", reason)
	return a.Runner.Fail(ctx, jobID, reason)
}

func (a *Activities) AbandonActivity(ctx context.Context, jobID int64) error {
	activity.GetLogger(ctx).Warn("Abandoning migration job", "JobID", jobID)
	return a.Runner.Abandon(ctx, jobID)
}

func heartbeat(ctx context.Context, step string) {
	ticker := time.NewTicker(temporal.HeartbeatTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, step)
		}
	}
}
