package migration

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/cdc"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository"
	"github.com/stanstork/stratum-relocator/internal/shadow"
	"github.com/stanstork/stratum-relocator/internal/transfer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const teardownTimeout = 2 * time.Minute

// Step is one stage of the migration pipeline.
type Step string

const (
	StepProvision       Step = "provision"
	StepInstallTriggers Step = "install_triggers"
	StepBackfill        Step = "backfill"
	StepCutover         Step = "cutover"
)

// Steps is the pipeline in execution order.
var Steps = []Step{StepProvision, StepInstallTriggers, StepBackfill, StepCutover}

// Reaches is the persisted progress once the step has completed.
func (s Step) Reaches() models.JobStep {
	switch s {
	case StepProvision:
		return models.StepProvisioned
	case StepInstallTriggers:
		return models.StepTriggersInstalled
	case StepBackfill:
		return models.StepBackfilled
	case StepCutover:
		return models.StepCutOver
	}
	return models.StepPending
}

type Provisioner interface {
	Provision(ctx context.Context, plan shadow.Plan) (catalog.TableDefinition, error)
}

type TriggerInstaller interface {
	InstallAll(ctx context.Context, jobID int64, b cdc.Binding) error
}

type Copier interface {
	BulkCopyTableData(ctx context.Context, sourceTable, sourceSchema, targetTable, targetSchema string, opts transfer.Options) (transfer.Result, error)
}

// Finalizer ends jobs. *Coordinator is the production implementation.
type Finalizer interface {
	Cutover(ctx context.Context, job models.MigrationJob, workerID string) (models.MigrationResult, error)
	Fail(ctx context.Context, jobID int64, reason string) (models.MigrationJob, error)
	Cleanup(ctx context.Context, job models.MigrationJob) error
}

type RunnerDeps struct {
	Jobs      repository.JobRepository
	Tables    repository.MetadataRepository
	Catalog   catalog.Catalog
	Shadows   Provisioner
	Triggers  TriggerInstaller
	Copier    Copier
	Finalizer Finalizer
	Notifier  notification.Service
	Tracer    trace.Tracer
}

// Runner executes the pipeline for claimed jobs. Every step re-reads the job,
// skips itself when the persisted step is already past it and retries
// transient failures, so any step can be re-run after a crash.
type Runner struct {
	jobs      repository.JobRepository
	tables    repository.MetadataRepository
	catalog   catalog.Catalog
	shadows   Provisioner
	triggers  TriggerInstaller
	copier    Copier
	finalizer Finalizer
	notifier  notification.Service
	tracer    trace.Tracer
	cfg       config.MigrationConfig
	logger    zerolog.Logger
}

func NewRunner(deps RunnerDeps, cfg config.MigrationConfig, logger zerolog.Logger) *Runner {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Runner{
		jobs:      deps.Jobs,
		tables:    deps.Tables,
		catalog:   deps.Catalog,
		shadows:   deps.Shadows,
		triggers:  deps.Triggers,
		copier:    deps.Copier,
		finalizer: deps.Finalizer,
		notifier:  deps.Notifier,
		tracer:    deps.Tracer,
		cfg:       cfg,
		logger:    logger.With().Str("component", "runner").Logger(),
	}
}

// Deadline is when the job is forced to FAILED. The zero time means never.
func (r *Runner) Deadline(job models.MigrationJob) time.Time {
	if r.cfg.JobTimeout <= 0 {
		return time.Time{}
	}
	start := time.Now()
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	return start.Add(r.cfg.JobTimeout)
}

// Process runs every remaining step of a claimed job in this process.
// Step failures end in a FAILED job and are not returned; only a cancelled
// ctx (shutdown) leaves the job PROCESSING for another worker to resume.
func (r *Runner) Process(ctx context.Context, job models.MigrationJob) error {
	workerID := ""
	if job.WorkerID != nil {
		workerID = *job.WorkerID
	}
	log := r.logger.With().Int64("job_id", job.ID).Str("worker_id", workerID).Logger()
	log.Info().Int("attempt", job.Attempts).Str("step", string(job.Step)).Msg("processing migration")
	r.notify(log, r.notifier.NotifyStarted(ctx, job))

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if deadline := r.Deadline(job); !deadline.IsZero() {
		jobCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	for _, step := range Steps {
		err := r.RunStep(jobCtx, job.ID, workerID, step)
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, models.ErrJobNotActive):
			return r.abandon(ctx, job.ID, log)
		case ctx.Err() != nil:
			log.Warn().Err(err).Str("step", string(step)).Msg("stopped before completion, job left for resume")
			return ctx.Err()
		case jobCtx.Err() != nil:
			return r.Fail(ctx, job.ID, "job timed out after "+r.cfg.JobTimeout.String()+" during "+string(step))
		default:
			return r.Fail(ctx, job.ID, string(step)+": "+err.Error())
		}
	}
	return nil
}

// RunStep runs one step for a job held by workerID.
func (r *Runner) RunStep(ctx context.Context, jobID int64, workerID string, step Step) error {
	ctx, span := r.tracer.Start(ctx, "migration."+string(step), trace.WithAttributes(
		attribute.Int64("migration.job_id", jobID),
		attribute.String("migration.worker_id", workerID),
	))
	defer span.End()

	log := r.logger.With().Int64("job_id", jobID).Str("step", string(step)).Logger()
	start := time.Now()
	skipped := false

	backoff := retry.WithMaxRetries(r.cfg.MaxStepRetries, retry.NewExponential(r.cfg.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		job, err := r.activeJob(ctx, jobID, workerID)
		if err == nil {
			if job.Step.Reached(step.Reaches()) {
				skipped = true
				return nil
			}
			err = r.execute(ctx, job, workerID, step)
		}
		if err != nil && IsTransient(err) {
			StepRetries.WithLabelValues(string(step)).Inc()
			log.Warn().Err(err).Msg("transient step failure, retrying")
			return retry.RetryableError(err)
		}
		return err
	})

	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("step failed")
	case skipped:
		status = "skipped"
		log.Debug().Msg("step already completed")
	default:
		log.Info().Dur("elapsed", time.Since(start)).Msg("step completed")
	}
	span.SetAttributes(attribute.String("migration.step_status", status))
	StepDuration.WithLabelValues(string(step), status).Observe(time.Since(start).Seconds())
	return err
}

func (r *Runner) activeJob(ctx context.Context, jobID int64, workerID string) (models.MigrationJob, error) {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return models.MigrationJob{}, err
	}
	if job.Status != models.JobStatusProcessing || job.WorkerID == nil || *job.WorkerID != workerID {
		return models.MigrationJob{}, errors.Wrapf(models.ErrJobNotActive, "job %d is %s", jobID, job.Status)
	}
	return job, nil
}

func (r *Runner) execute(ctx context.Context, job models.MigrationJob, workerID string, step Step) error {
	var err error
	switch step {
	case StepProvision:
		err = r.provision(ctx, job)
	case StepInstallTriggers:
		err = r.installTriggers(ctx, job)
	case StepBackfill:
		job, err = r.backfill(ctx, job, workerID)
	case StepCutover:
		return r.cutover(ctx, job, workerID)
	default:
		return errors.Errorf("unknown step %q", step)
	}
	if err != nil {
		return err
	}

	if err := r.jobs.UpdateProgress(ctx, job.ID, workerID, step.Reaches(), job.LastCopiedKey, job.RowsCopied); err != nil {
		return err
	}
	r.notify(r.logger, r.notifier.NotifyStep(ctx, job, step.Reaches()))
	return nil
}

func (r *Runner) provision(ctx context.Context, job models.MigrationJob) error {
	table, err := r.tables.GetTable(ctx, job.TableID)
	if err != nil {
		return err
	}
	if table.PhysicalSchema != job.SourceSchema || table.PhysicalTable != job.SourceTable {
		return errors.Errorf("table %s moved to %s.%s after the job was submitted",
			job.TableID, table.PhysicalSchema, table.PhysicalTable)
	}
	columns, err := r.tables.ListColumns(ctx, job.TableID)
	if err != nil {
		return err
	}
	_, err = r.shadows.Provision(ctx, shadow.Plan{
		JobID:        job.ID,
		Table:        table,
		Columns:      columns,
		TargetSchema: job.TargetSchema,
		ShadowTable:  job.ShadowTable,
	})
	return err
}

func (r *Runner) installTriggers(ctx context.Context, job models.MigrationJob) error {
	def, err := r.catalog.TableDefinition(ctx, job.ShadowTable, job.TargetSchema)
	if err != nil {
		return err
	}
	if def.PrimaryKey == "" {
		return errors.Wrapf(models.ErrNoStableKey, "%s.%s", job.TargetSchema, job.ShadowTable)
	}
	return r.triggers.InstallAll(ctx, job.ID, cdc.Binding{
		SourceSchema: job.SourceSchema,
		SourceTable:  job.SourceTable,
		TargetSchema: job.TargetSchema,
		TargetTable:  job.ShadowTable,
		Key:          def.PrimaryKey,
		Columns:      def.Columns,
	})
}

// backfill returns the job with the checkpoint of the last copied page.
func (r *Runner) backfill(ctx context.Context, job models.MigrationJob, workerID string) (models.MigrationJob, error) {
	counted := job.RowsCopied
	res, err := r.copier.BulkCopyTableData(ctx, job.SourceTable, job.SourceSchema, job.ShadowTable, job.TargetSchema, transfer.Options{
		BatchSize:   r.cfg.BatchSize,
		ResumeAfter: job.LastCopiedKey,
		RowsBefore:  job.RowsCopied,
		OnCheckpoint: func(ctx context.Context, tx pgx.Tx, cp transfer.Checkpoint) error {
			key := cp.LastKey
			jobs := r.jobs
			if tx != nil {
				jobs = jobs.WithTx(tx)
			}
			if err := jobs.UpdateProgress(ctx, job.ID, workerID, models.StepTriggersInstalled, &key, cp.Rows); err != nil {
				return err
			}
			RowsCopied.Add(float64(cp.Rows - counted))
			counted = cp.Rows
			return nil
		},
	})
	if err != nil {
		return job, err
	}
	job.LastCopiedKey = res.LastKey
	job.RowsCopied = res.Rows
	return job, nil
}

func (r *Runner) cutover(ctx context.Context, job models.MigrationJob, workerID string) error {
	result, err := r.finalizer.Cutover(ctx, job, workerID)
	if err != nil {
		return err
	}
	JobsFinished.WithLabelValues(string(models.JobStatusSucceeded)).Inc()
	r.notify(r.logger, r.notifier.NotifySucceeded(ctx, job, result))
	return nil
}

// Fail ends the job as FAILED with reason after tearing down its triggers and
// retiring its shadow. It runs on a context detached from ctx's cancellation
// so a shutting-down worker still releases the table.
func (r *Runner) Fail(ctx context.Context, jobID int64, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	job, err := r.finalizer.Fail(ctx, jobID, reason)
	if err != nil {
		if errors.Is(err, models.ErrIllegalTransition) {
			r.logger.Info().Int64("job_id", jobID).Err(err).Msg("job already terminal, nothing to fail")
			return nil
		}
		return errors.Wrapf(err, "fail job %d", jobID)
	}
	JobsFinished.WithLabelValues(string(models.JobStatusFailed)).Inc()
	r.logger.Warn().Int64("job_id", jobID).Str("reason", reason).Msg("migration failed")
	r.notify(r.logger, r.notifier.NotifyFailed(ctx, job, reason))
	return nil
}

// Abandon is the exit for a step that reported models.ErrJobNotActive.
func (r *Runner) Abandon(ctx context.Context, jobID int64) error {
	return r.abandon(ctx, jobID, r.logger.With().Int64("job_id", jobID).Logger())
}

// abandon handles a job that stopped being ours mid-run. A job failed from
// outside gets its teardown repeated, since this worker may have created
// artifacts after the first one.
func (r *Runner) abandon(ctx context.Context, jobID int64, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	log.Warn().Str("status", string(job.Status)).Msg("job no longer held by this worker")
	if job.Status != models.JobStatusFailed {
		return nil
	}
	return r.finalizer.Cleanup(ctx, job)
}

func (r *Runner) notify(log zerolog.Logger, err error) {
	if err != nil {
		log.Warn().Err(err).Msg("failed to record migration event")
	}
}
