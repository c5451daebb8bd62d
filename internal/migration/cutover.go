package migration

import (
	"context"
	"fmt"
	"strconv"
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
	"github.com/stanstork/stratum-relocator/internal/sanitize"
	"github.com/stanstork/stratum-relocator/internal/shadow"
)

const maxIdentifierLength = 63

// Coordinator owns the last step of a migration and every path that ends
// one: the atomic cutover, failure teardown and reclaiming retired shadows.
type Coordinator struct {
	db       catalog.Querier
	catalog  catalog.Catalog
	triggers *cdc.Manager
	jobs     repository.JobRepository
	tables   repository.MetadataRepository
	mirrors  shadow.MirrorFactory
	notifier notification.Service
	cfg      config.MigrationConfig
	logger   zerolog.Logger
}

type CoordinatorDeps struct {
	DB       catalog.Querier
	Catalog  catalog.Catalog
	Triggers *cdc.Manager
	Jobs     repository.JobRepository
	Tables   repository.MetadataRepository
	Mirrors  shadow.MirrorFactory
	Notifier notification.Service
}

func NewCoordinator(deps CoordinatorDeps, cfg config.MigrationConfig, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:       deps.DB,
		catalog:  deps.Catalog,
		triggers: deps.Triggers,
		jobs:     deps.Jobs,
		tables:   deps.Tables,
		mirrors:  deps.Mirrors,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "cutover").Logger(),
	}
}

// RetiredName is the name a failed job's shadow is renamed to while it waits
// for the janitor.
func RetiredName(job models.MigrationJob) string {
	suffix := "__failed_" + strconv.FormatInt(job.ID, 10)
	base := job.ShadowTable
	if len(base)+len(suffix) > maxIdentifierLength {
		base = base[:maxIdentifierLength-len(suffix)]
	}
	return base + suffix
}

// Cutover swaps the table pointer to the shadow in one transaction. Writers
// of the source are blocked from the lock until commit, so the convergence
// check sees every write the triggers will ever mirror.
func (c *Coordinator) Cutover(ctx context.Context, job models.MigrationJob, workerID string) (models.MigrationResult, error) {
	src, err := sanitize.Qualified(job.SourceSchema, job.SourceTable)
	if err != nil {
		return models.MigrationResult{}, err
	}

	var result models.MigrationResult
	err = c.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "LOCK TABLE "+src+" IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return errors.Wrapf(err, "lock %s", src)
		}

		cat := c.catalog.WithTx(tx)
		def, err := cat.TableDefinition(ctx, job.ShadowTable, job.TargetSchema)
		if err != nil {
			return err
		}
		detail, err := c.verify(ctx, cat, job, def)
		if err != nil {
			return err
		}
		if err := syncIdentity(ctx, tx, def); err != nil {
			return err
		}

		updated, err := c.tables.WithTx(tx).UpdatePointer(ctx, job.TableID,
			job.SourceSchema, job.SourceTable, job.TargetSchema, job.ShadowTable)
		if err != nil {
			return err
		}
		if mirror := c.mirrors(job.TargetSchema); mirror != nil {
			if err := mirror.WithTx(tx).UpsertTable(ctx, updated); err != nil {
				return err
			}
		}

		triggers := c.triggers.WithTx(tx)
		if err := triggers.DropAll(ctx, job.ID, job.SourceTable, job.SourceSchema, job.TargetSchema); err != nil {
			return err
		}
		left, err := triggers.Remaining(ctx, job.ID, job.SourceTable, job.SourceSchema)
		if err != nil {
			return err
		}
		if len(left) > 0 {
			return errors.Errorf("sync triggers still present after drop: %v", left)
		}

		result = models.MigrationResult{
			ShadowTable:  job.ShadowTable,
			TargetSchema: job.TargetSchema,
			Detail:       detail,
		}
		return c.jobs.WithTx(tx).MarkSucceeded(ctx, job.ID, workerID, result)
	})
	if err != nil {
		return models.MigrationResult{}, err
	}

	c.logger.Info().
		Int64("job_id", job.ID).
		Str("table_id", job.TableID).
		Str("pointer", job.TargetSchema+"."+job.ShadowTable).
		Str("detail", result.Detail).
		Msg("cutover committed")
	return result, nil
}

func (c *Coordinator) verify(ctx context.Context, cat catalog.Catalog, job models.MigrationJob, def catalog.TableDefinition) (string, error) {
	srcRows, err := cat.RowCount(ctx, job.SourceTable, job.SourceSchema)
	if err != nil {
		return "", err
	}
	dstRows, err := cat.RowCount(ctx, job.ShadowTable, job.TargetSchema)
	if err != nil {
		return "", err
	}

	if c.cfg.Verification == config.VerificationChecksum {
		if srcRows != dstRows {
			return "", errors.Wrapf(models.ErrConvergence, "source has %d rows, shadow has %d", srcRows, dstRows)
		}
		cols := def.ColumnNames()
		want, err := cat.Checksum(ctx, job.SourceTable, job.SourceSchema, def.PrimaryKey, cols)
		if err != nil {
			return "", err
		}
		got, err := cat.Checksum(ctx, job.ShadowTable, job.TargetSchema, def.PrimaryKey, cols)
		if err != nil {
			return "", err
		}
		if want != got {
			return "", errors.Wrapf(models.ErrConvergence, "checksum mismatch over %d rows", dstRows)
		}
		return fmt.Sprintf("verified %d rows by checksum", dstRows), nil
	}

	diff := srcRows - dstRows
	if diff < 0 {
		diff = -diff
	}
	if diff > c.cfg.RowCountTolerance {
		return "", errors.Wrapf(models.ErrConvergence, "source has %d rows, shadow has %d", srcRows, dstRows)
	}
	return fmt.Sprintf("verified %d rows by row count", dstRows), nil
}

// syncIdentity moves identity sequences of the shadow past the copied keys.
func syncIdentity(ctx context.Context, tx pgx.Tx, def catalog.TableDefinition) error {
	table, err := sanitize.Qualified(def.Schema, def.Name)
	if err != nil {
		return err
	}
	for _, col := range def.Columns {
		if !col.Identity {
			continue
		}
		name, err := sanitize.Identifier(col.Name)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(
			`SELECT setval(pg_get_serial_sequence($1, $2), COALESCE(MAX(%s), 0) + 1, false) FROM %s`,
			name, table)
		if _, err := tx.Exec(ctx, query, table, col.Name); err != nil {
			return errors.Wrapf(err, "sync identity of %s", col.Name)
		}
	}
	return nil
}

// Fail marks an active job FAILED and tears its artifacts down in the same
// transaction, so the per-table slot is only released once the triggers are
// gone. If the teardown itself cannot succeed the job is still failed and the
// leftovers are logged.
func (c *Coordinator) Fail(ctx context.Context, jobID int64, reason string) (models.MigrationJob, error) {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	var failed models.MigrationJob
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		job, err := c.fail(ctx, jobID, reason, true)
		if err != nil && IsTransient(err) {
			return retry.RetryableError(err)
		}
		failed = job
		return err
	})
	if err == nil {
		return failed, nil
	}
	if errors.Is(err, models.ErrIllegalTransition) || errors.Is(err, models.ErrJobNotFound) {
		return models.MigrationJob{}, err
	}

	c.logger.Error().Err(err).Int64("job_id", jobID).Msg("teardown failed, failing job without it")
	reason = fmt.Sprintf("%s (teardown incomplete: %v)", reason, err)
	return c.fail(ctx, jobID, reason, false)
}

func (c *Coordinator) fail(ctx context.Context, jobID int64, reason string, teardown bool) (models.MigrationJob, error) {
	var job models.MigrationJob
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		jobs := c.jobs.WithTx(tx)
		var err error
		if job, err = jobs.Lock(ctx, jobID); err != nil {
			return err
		}
		if !job.Status.Active() {
			return errors.Wrapf(models.ErrIllegalTransition, "job %d is %s", jobID, job.Status)
		}
		if teardown {
			if err := c.teardown(ctx, tx, job); err != nil {
				return err
			}
		}
		return jobs.MarkFailed(ctx, jobID, reason)
	})
	if err != nil {
		return models.MigrationJob{}, err
	}
	job.Status = models.JobStatusFailed
	job.FailureReason = &reason
	return job, nil
}

// Cleanup repeats the teardown for a job that is already FAILED. It is used
// when a worker notices its job was failed underneath it and may have
// recreated artifacts after the original teardown.
func (c *Coordinator) Cleanup(ctx context.Context, job models.MigrationJob) error {
	if job.Status != models.JobStatusFailed {
		return errors.Wrapf(models.ErrIllegalTransition, "cleanup of %s job %d", job.Status, job.ID)
	}
	return c.inTx(ctx, func(tx pgx.Tx) error {
		return c.teardown(ctx, tx, job)
	})
}

func (c *Coordinator) teardown(ctx context.Context, tx pgx.Tx, job models.MigrationJob) error {
	err := c.triggers.WithTx(tx).DropAll(ctx, job.ID, job.SourceTable, job.SourceSchema, job.TargetSchema)
	if err != nil {
		return err
	}
	return c.retire(ctx, c.catalog.WithTx(tx), job)
}

// retire renames the job's shadow out of the way. Tables the job does not
// own are never touched.
func (c *Coordinator) retire(ctx context.Context, cat catalog.Catalog, job models.MigrationJob) error {
	exists, err := cat.TableExistsInSchema(ctx, job.ShadowTable, job.TargetSchema)
	if err != nil || !exists {
		return err
	}
	owner, err := cat.TableComment(ctx, job.ShadowTable, job.TargetSchema)
	if err != nil {
		return err
	}
	if owner != shadow.OwnerComment(job.ID) {
		return nil
	}

	retired := RetiredName(job)
	taken, err := cat.TableExistsInSchema(ctx, retired, job.TargetSchema)
	if err != nil {
		return err
	}
	if taken {
		return cat.DropTable(ctx, job.ShadowTable, job.TargetSchema)
	}
	if err := cat.RenameTable(ctx, job.ShadowTable, job.TargetSchema, retired); err != nil {
		return err
	}
	c.logger.Info().Int64("job_id", job.ID).Str("shadow", job.TargetSchema+"."+retired).Msg("shadow retired")
	return nil
}

// ReclaimShadows drops retired shadows of jobs that failed more than
// shadow_retention ago and returns how many jobs it reclaimed.
func (c *Coordinator) ReclaimShadows(ctx context.Context, now time.Time) (int, error) {
	jobs, err := c.jobs.ListReclaimable(ctx, now.Add(-c.cfg.ShadowRetention), 20)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, job := range jobs {
		retired := RetiredName(job)
		owner, err := c.ownerOf(ctx, retired, job.TargetSchema)
		if err != nil {
			return reclaimed, err
		}
		dropped := owner == shadow.OwnerComment(job.ID)
		if dropped {
			if err := c.catalog.DropTable(ctx, retired, job.TargetSchema); err != nil {
				return reclaimed, err
			}
		}
		if err := c.jobs.MarkShadowReclaimed(ctx, job.ID); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if dropped {
			if err := c.notifier.NotifyShadowReclaimed(ctx, job, retired); err != nil {
				c.logger.Warn().Err(err).Int64("job_id", job.ID).Msg("failed to record reclaim event")
			}
		}
	}
	return reclaimed, nil
}

func (c *Coordinator) ownerOf(ctx context.Context, table, schema string) (string, error) {
	exists, err := c.catalog.TableExistsInSchema(ctx, table, schema)
	if err != nil || !exists {
		return "", err
	}
	return c.catalog.TableComment(ctx, table, schema)
}

func (c *Coordinator) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)
	if c.cfg.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.cfg.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "set lock_timeout")
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit")
}
