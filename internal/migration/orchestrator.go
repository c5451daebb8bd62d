// Package migration runs online table relocations: it accepts submissions,
// sequences the pipeline steps for claimed jobs and performs the cutover.
package migration

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sony/sonyflake"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository"
	"github.com/stanstork/stratum-relocator/internal/sanitize"
)

const (
	msgEnqueued  = "Migration job enqueued"
	msgDuplicate = "A migration is already in progress for this table"

	defaultEventLimit = 100
)

type IDGenerator interface {
	NextID() (uint64, error)
}

// NewIDGenerator returns a sonyflake generator. machineID 0 lets sonyflake
// derive the id from the private IP address.
func NewIDGenerator(machineID uint16) (*sonyflake.Sonyflake, error) {
	var st sonyflake.Settings
	if machineID != 0 {
		st.MachineID = func() (uint16, error) { return machineID, nil }
	}
	sf := sonyflake.NewSonyflake(st)
	if sf == nil {
		return nil, errors.New("sonyflake not created")
	}
	return sf, nil
}

// Failer ends a job as FAILED with full teardown. *Runner implements it.
type Failer interface {
	Fail(ctx context.Context, jobID int64, reason string) error
}

type Exporter interface {
	Export(ctx context.Context, table, schema string, batchSize int, w io.Writer) (int64, error)
}

type OrchestratorDeps struct {
	Jobs     repository.JobRepository
	Tables   repository.MetadataRepository
	Catalog  catalog.Catalog
	IDs      IDGenerator
	Failer   Failer
	Exporter Exporter
	Notifier notification.Service
}

// Orchestrator is the submission and status surface of the migration
// subsystem. It never runs pipeline steps itself.
type Orchestrator struct {
	jobs     repository.JobRepository
	tables   repository.MetadataRepository
	catalog  catalog.Catalog
	ids      IDGenerator
	failer   Failer
	exporter Exporter
	notifier notification.Service
	cfg      config.MigrationConfig
	logger   zerolog.Logger
}

func NewOrchestrator(deps OrchestratorDeps, cfg config.MigrationConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:     deps.Jobs,
		tables:   deps.Tables,
		catalog:  deps.Catalog,
		ids:      deps.IDs,
		failer:   deps.Failer,
		exporter: deps.Exporter,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Submit validates the request and enqueues a job. Validation problems are
// returned as errors and nothing is written; a table that already has an
// active job yields a DUPLICATE result carrying that job's id.
func (o *Orchestrator) Submit(ctx context.Context, tableID, targetSchema string) (models.SubmitResult, error) {
	job, err := o.validate(ctx, tableID, targetSchema)
	if err != nil {
		JobsSubmitted.WithLabelValues("rejected").Inc()
		return models.SubmitResult{}, err
	}

	if active, err := o.jobs.GetActiveByTable(ctx, tableID); err != nil {
		return models.SubmitResult{}, err
	} else if active != nil {
		return o.duplicate(*active), nil
	}

	// A leftover table under the shadow name would otherwise only fail the
	// job at provisioning time.
	occupied, err := o.catalog.TableExistsInSchema(ctx, job.ShadowTable, targetSchema)
	if err != nil {
		return models.SubmitResult{}, err
	}
	if occupied {
		JobsSubmitted.WithLabelValues("rejected").Inc()
		// Relocation leaves the old copy in place, so moving a table back hits it.
		if table, err := o.tables.GetTable(ctx, tableID); err == nil && table.Version > 1 {
			return models.SubmitResult{}, errors.Wrapf(models.ErrTargetOccupied,
				"%s.%s is likely the copy left by an earlier relocation; drop it before moving the table back",
				targetSchema, job.ShadowTable)
		}
		return models.SubmitResult{}, errors.Wrapf(models.ErrTargetOccupied, "%s.%s", targetSchema, job.ShadowTable)
	}

	id, err := o.ids.NextID()
	if err != nil {
		return models.SubmitResult{}, errors.Wrap(err, "generate job id")
	}
	job.ID = int64(id)

	// Two attempts: the active job seen by a failed insert can finish before
	// it is read back, which frees the slot again.
	for attempt := 0; attempt < 2; attempt++ {
		err = o.jobs.Create(ctx, &job)
		if err == nil {
			break
		}
		if !errors.Is(err, models.ErrDuplicateMigration) {
			return models.SubmitResult{}, err
		}
		active, err := o.jobs.GetActiveByTable(ctx, tableID)
		if err != nil {
			return models.SubmitResult{}, err
		}
		if active != nil {
			return o.duplicate(*active), nil
		}
	}
	if err != nil {
		return models.SubmitResult{}, err
	}

	JobsSubmitted.WithLabelValues("enqueued").Inc()
	o.logger.Info().
		Int64("job_id", job.ID).
		Str("table_id", tableID).
		Str("source", job.SourceSchema+"."+job.SourceTable).
		Str("target_schema", targetSchema).
		Msg("migration enqueued")
	if err := o.notifier.NotifyEnqueued(ctx, job); err != nil {
		o.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to record enqueue event")
	}

	return models.SubmitResult{JobID: job.ID, Status: models.JobStatusEnqueued, Message: msgEnqueued}, nil
}

func (o *Orchestrator) validate(ctx context.Context, tableID, targetSchema string) (models.MigrationJob, error) {
	if err := sanitize.Check(targetSchema); err != nil {
		return models.MigrationJob{}, err
	}
	if !o.cfg.TargetAllowed(targetSchema) {
		return models.MigrationJob{}, errors.Wrapf(models.ErrSchemaNotAllowed, "%q", targetSchema)
	}
	if strings.TrimSpace(tableID) == "" {
		return models.MigrationJob{}, models.ErrTableNotFound
	}

	table, err := o.tables.GetTable(ctx, tableID)
	if err != nil {
		return models.MigrationJob{}, err
	}
	if err := sanitize.CheckAll(table.PhysicalSchema, table.PhysicalTable); err != nil {
		return models.MigrationJob{}, err
	}
	if table.PhysicalSchema == targetSchema {
		return models.MigrationJob{}, errors.Wrapf(models.ErrSameSchema, "%s.%s", table.PhysicalSchema, table.PhysicalTable)
	}

	return models.MigrationJob{
		TableID:      tableID,
		SourceSchema: table.PhysicalSchema,
		SourceTable:  table.PhysicalTable,
		TargetSchema: targetSchema,
		ShadowTable:  table.PhysicalTable,
	}, nil
}

func (o *Orchestrator) duplicate(active models.MigrationJob) models.SubmitResult {
	JobsSubmitted.WithLabelValues("duplicate").Inc()
	o.logger.Info().Int64("job_id", active.ID).Str("table_id", active.TableID).Msg("migration already active")
	return models.SubmitResult{JobID: active.ID, Status: models.JobStatusDuplicate, Message: msgDuplicate}
}

func (o *Orchestrator) GetStatus(ctx context.Context, jobID int64) (models.JobDetails, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return models.JobDetails{}, err
	}
	return job.Details(), nil
}

func (o *Orchestrator) HasActiveMigration(ctx context.Context, tableID string) (models.ActiveMigration, error) {
	job, err := o.jobs.GetActiveByTable(ctx, tableID)
	if err != nil {
		return models.ActiveMigration{}, err
	}
	if job == nil {
		return models.ActiveMigration{HasActiveMigration: false}, nil
	}
	id, status := job.ID, job.Status
	return models.ActiveMigration{HasActiveMigration: true, JobID: &id, Status: &status}, nil
}

// ForceFail is the manual exit for a stuck job: it tears the job down and
// marks it FAILED. Terminal jobs return models.ErrIllegalTransition.
func (o *Orchestrator) ForceFail(ctx context.Context, jobID int64, reason string) (models.JobDetails, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return models.JobDetails{}, err
	}
	if job.Status.Terminal() {
		return models.JobDetails{}, errors.Wrapf(models.ErrIllegalTransition, "job %d is %s", jobID, job.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "failed manually"
	}

	o.logger.Warn().Int64("job_id", jobID).Str("reason", reason).Msg("force failing migration")
	if err := o.failer.Fail(ctx, jobID, reason); err != nil {
		return models.JobDetails{}, err
	}
	return o.GetStatus(ctx, jobID)
}

func (o *Orchestrator) Events(ctx context.Context, jobID int64, limit int) ([]models.Notification, error) {
	if _, err := o.jobs.Get(ctx, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	return o.notifier.ListByJob(ctx, jobID, limit)
}

// ExportTable streams the table's current physical storage as Arrow IPC.
func (o *Orchestrator) ExportTable(ctx context.Context, tableID string, w io.Writer) (int64, error) {
	table, err := o.tables.GetTable(ctx, tableID)
	if err != nil {
		return 0, err
	}
	return o.exporter.Export(ctx, table.PhysicalTable, table.PhysicalSchema, o.cfg.BatchSize, w)
}
