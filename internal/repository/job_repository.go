package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

const pgUniqueViolation = "23505"

type JobRepository interface {
	// Create inserts an ENQUEUED job. It returns models.ErrDuplicateMigration
	// when the table already has an ENQUEUED or PROCESSING job.
	Create(ctx context.Context, job *models.MigrationJob) error
	Get(ctx context.Context, id int64) (models.MigrationJob, error)
	// Lock reads the job FOR UPDATE. Only meaningful inside a transaction.
	Lock(ctx context.Context, id int64) (models.MigrationJob, error)
	// GetActiveByTable returns nil when the table has no active job.
	GetActiveByTable(ctx context.Context, tableID string) (*models.MigrationJob, error)

	// ClaimNext moves the oldest claimable job to PROCESSING for workerID.
	// Claimable means ENQUEUED, or PROCESSING with a heartbeat older than lease.
	// It returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.MigrationJob, error)
	Heartbeat(ctx context.Context, id int64, workerID string) error
	UpdateProgress(ctx context.Context, id int64, workerID string, step models.JobStep, lastKey *string, rowsCopied int64) error
	MarkSucceeded(ctx context.Context, id int64, workerID string, result models.MigrationResult) error
	MarkFailed(ctx context.Context, id int64, reason string) error

	// ListReclaimable returns FAILED jobs completed before cutoff whose shadow
	// table has not been dropped yet.
	ListReclaimable(ctx context.Context, cutoff time.Time, limit int) ([]models.MigrationJob, error)
	MarkShadowReclaimed(ctx context.Context, id int64) error

	WithTx(tx pgx.Tx) JobRepository
}

type jobRepository struct {
	db    DBTX
	table string
}

func NewJobRepository(db DBTX, schema string) JobRepository {
	return &jobRepository{db: db, table: table(schema, "migration_jobs")}
}

func (r *jobRepository) WithTx(tx pgx.Tx) JobRepository {
	return &jobRepository{db: tx, table: r.table}
}

const jobColumns = `id, table_id, source_schema, source_table, target_schema, shadow_table,
	status, step, last_copied_key, rows_copied, attempts, result, failure_reason, worker_id,
	heartbeat_at, started_at, completed_at, shadow_reclaimed_at, created_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job *models.MigrationJob) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, table_id, source_schema, source_table, target_schema, shadow_table, status, step)
		VALUES ($1, $2, $3, $4, $5, $6, 'ENQUEUED', 'pending')
		ON CONFLICT (table_id) WHERE status IN ('ENQUEUED', 'PROCESSING') DO NOTHING
		RETURNING status, step, created_at, updated_at
	`, r.table)

	var status, step string
	err := r.db.QueryRow(ctx, query,
		job.ID,
		job.TableID,
		job.SourceSchema,
		job.SourceTable,
		job.TargetSchema,
		job.ShadowTable,
	).Scan(&status, &step, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrDuplicateMigration
		}
		// The arbiter only covers the partial index; a concurrent insert that
		// commits between our check and insert still surfaces as 23505.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return models.ErrDuplicateMigration
		}
		return errors.Wrap(err, "insert migration job")
	}
	job.Status = models.JobStatus(status)
	job.Step = models.JobStep(step)
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id int64) (models.MigrationJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, r.table)
	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MigrationJob{}, models.ErrJobNotFound
		}
		return models.MigrationJob{}, errors.Wrapf(err, "get migration job %d", id)
	}
	return job, nil
}

func (r *jobRepository) Lock(ctx context.Context, id int64) (models.MigrationJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, jobColumns, r.table)
	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MigrationJob{}, models.ErrJobNotFound
		}
		return models.MigrationJob{}, errors.Wrapf(err, "lock migration job %d", id)
	}
	return job, nil
}

func (r *jobRepository) GetActiveByTable(ctx context.Context, tableID string) (*models.MigrationJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE table_id = $1 AND status IN ('ENQUEUED', 'PROCESSING')
	`, jobColumns, r.table)
	job, err := scanJob(r.db.QueryRow(ctx, query, tableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get active job for table %s", tableID)
	}
	return &job, nil
}

func (r *jobRepository) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.MigrationJob, error) {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = 'PROCESSING',
			worker_id = $1,
			heartbeat_at = NOW(),
			started_at = COALESCE(started_at, NOW()),
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE status = 'ENQUEUED'
			   OR (status = 'PROCESSING' AND heartbeat_at < NOW() - make_interval(secs => $2))
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %[2]s
	`, r.table, jobColumns)

	job, err := scanJob(r.db.QueryRow(ctx, query, workerID, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "claim migration job")
	}
	return &job, nil
}

func (r *jobRepository) Heartbeat(ctx context.Context, id int64, workerID string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET heartbeat_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'PROCESSING'
	`, r.table)
	return r.execOwned(ctx, query, id, workerID)
}

func (r *jobRepository) UpdateProgress(ctx context.Context, id int64, workerID string, step models.JobStep, lastKey *string, rowsCopied int64) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET step = $3, last_copied_key = $4, rows_copied = $5, heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'PROCESSING'
	`, r.table)
	return r.execOwned(ctx, query, id, workerID, string(step), lastKey, rowsCopied)
}

func (r *jobRepository) MarkSucceeded(ctx context.Context, id int64, workerID string, result models.MigrationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "marshal migration result")
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'SUCCEEDED', step = 'cut_over', result = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'PROCESSING'
	`, r.table)
	return r.execOwned(ctx, query, id, workerID, payload)
}

func (r *jobRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'FAILED', failure_reason = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('ENQUEUED', 'PROCESSING')
	`, r.table)
	tag, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return errors.Wrapf(err, "mark job %d failed", id)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrTerminal(ctx, id)
	}
	return nil
}

func (r *jobRepository) ListReclaimable(ctx context.Context, cutoff time.Time, limit int) ([]models.MigrationJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'FAILED' AND shadow_reclaimed_at IS NULL AND completed_at < $1
		ORDER BY completed_at
		LIMIT $2
	`, jobColumns, r.table)

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list reclaimable jobs")
	}
	defer rows.Close()

	var jobs []models.MigrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) MarkShadowReclaimed(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`
		UPDATE %s SET shadow_reclaimed_at = NOW()
		WHERE id = $1 AND status = 'FAILED' AND shadow_reclaimed_at IS NULL
	`, r.table)
	_, err := r.db.Exec(ctx, query, id)
	return errors.Wrapf(err, "mark shadow of job %d reclaimed", id)
}

// execOwned runs an update guarded by worker ownership and PROCESSING status.
func (r *jobRepository) execOwned(ctx context.Context, query string, id int64, args ...any) error {
	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return errors.Wrapf(err, "update job %d", id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrJobNotActive, "job %d", id)
	}
	return nil
}

func (r *jobRepository) missingOrTerminal(ctx context.Context, id int64) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(models.ErrIllegalTransition, "job %d is %s", id, job.Status)
}

func scanJob(row scanner) (models.MigrationJob, error) {
	var (
		job       models.MigrationJob
		status    string
		step      string
		resultRaw []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.TableID,
		&job.SourceSchema,
		&job.SourceTable,
		&job.TargetSchema,
		&job.ShadowTable,
		&status,
		&step,
		&job.LastCopiedKey,
		&job.RowsCopied,
		&job.Attempts,
		&resultRaw,
		&job.FailureReason,
		&job.WorkerID,
		&job.HeartbeatAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ShadowReclaimedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.MigrationJob{}, err
	}
	job.Status = models.JobStatus(status)
	job.Step = models.JobStep(step)
	if len(resultRaw) > 0 {
		var result models.MigrationResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return models.MigrationJob{}, errors.Wrap(err, "decode migration result")
		}
		job.Result = &result
	}
	return job, nil
}
