package temporal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"go.temporal.io/sdk/client"
)

// Activity attempts per step. Transient database errors are retried inside
// the step already, these only cover lost activity workers.
const maxActivityAttempts = 2

type Deadliner interface {
	Deadline(job models.MigrationJob) time.Time
}

// Executor processes claimed jobs by starting a MigrationWorkflow and
// waiting for it, so steps are scheduled and recorded by Temporal instead of
// running in the claiming goroutine.
type Executor struct {
	client    client.Client
	taskQueue string
	deadlines Deadliner
	cfg       config.MigrationConfig
	notifier  notification.Service
	logger    zerolog.Logger
}

func NewExecutor(c client.Client, taskQueue string, deadlines Deadliner, notifier notification.Service, cfg config.MigrationConfig, logger zerolog.Logger) *Executor {
	if taskQueue == "" {
		taskQueue = TaskQueueName
	}
	return &Executor{
		client:    c,
		taskQueue: taskQueue,
		deadlines: deadlines,
		cfg:       cfg,
		notifier:  notifier,
		logger:    logger.With().Str("component", "temporal-executor").Logger(),
	}
}

func (e *Executor) Process(ctx context.Context, job models.MigrationJob) error {
	if job.WorkerID == nil {
		return errors.Errorf("job %d is not claimed", job.ID)
	}
	params := MigrationParams{
		JobID:        job.ID,
		WorkerID:     *job.WorkerID,
		Deadline:     e.deadlines.Deadline(job),
		MaxAttempts:  maxActivityAttempts,
		RetryBackoff: e.cfg.RetryBackoff,
	}

	if err := e.notifier.NotifyStarted(ctx, job); err != nil {
		e.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to record migration event")
	}

	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(job.ID, job.Attempts),
		TaskQueue: e.taskQueue,
	}, WorkflowName, params)
	if err != nil {
		return errors.Wrapf(err, "start workflow for job %d", job.ID)
	}
	e.logger.Info().
		Int64("job_id", job.ID).
		Str("workflow_id", run.GetID()).
		Str("run_id", run.GetRunID()).
		Msg("migration workflow started")

	if err := run.Get(ctx, nil); err != nil {
		return errors.Wrapf(err, "workflow for job %d", job.ID)
	}
	return nil
}
