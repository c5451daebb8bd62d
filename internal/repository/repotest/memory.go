// Package repotest provides in-memory repositories that follow the same
// guards as the SQL implementations.
package repotest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/repository"
)

var _ repository.JobRepository = (*Jobs)(nil)

type Jobs struct {
	mu   sync.Mutex
	jobs map[int64]*models.MigrationJob
	// Now stands in for the database clock.
	Now func() time.Time
	// Err, when set, is returned by every call.
	Err error
}

func NewJobs() *Jobs {
	return &Jobs{jobs: map[int64]*models.MigrationJob{}, Now: time.Now}
}

// Put stores a job as-is.
func (r *Jobs) Put(job models.MigrationJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &job
}

func (r *Jobs) Create(_ context.Context, job *models.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	for _, j := range r.jobs {
		if j.TableID == job.TableID && j.Status.Active() {
			return models.ErrDuplicateMigration
		}
	}
	now := r.Now()
	job.Status = models.JobStatusEnqueued
	job.Step = models.StepPending
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *Jobs) Get(_ context.Context, id int64) (models.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return models.MigrationJob{}, r.Err
	}
	j, ok := r.jobs[id]
	if !ok {
		return models.MigrationJob{}, models.ErrJobNotFound
	}
	return *j, nil
}

func (r *Jobs) Lock(ctx context.Context, id int64) (models.MigrationJob, error) {
	return r.Get(ctx, id)
}

func (r *Jobs) GetActiveByTable(_ context.Context, tableID string) (*models.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	for _, j := range r.jobs {
		if j.TableID == tableID && j.Status.Active() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *Jobs) ClaimNext(_ context.Context, workerID string, lease time.Duration) (*models.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	now := r.Now()
	var ids []int64
	for id, j := range r.jobs {
		stale := j.Status == models.JobStatusProcessing && j.HeartbeatAt != nil && j.HeartbeatAt.Before(now.Add(-lease))
		if j.Status == models.JobStatusEnqueued || stale {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	j := r.jobs[ids[0]]
	j.Status = models.JobStatusProcessing
	j.WorkerID = &workerID
	j.HeartbeatAt = &now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.Attempts++
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (r *Jobs) Heartbeat(_ context.Context, id int64, workerID string) error {
	return r.owned(id, workerID, func(j *models.MigrationJob, now time.Time) {
		j.HeartbeatAt = &now
	})
}

func (r *Jobs) UpdateProgress(_ context.Context, id int64, workerID string, step models.JobStep, lastKey *string, rowsCopied int64) error {
	return r.owned(id, workerID, func(j *models.MigrationJob, now time.Time) {
		j.Step = step
		j.LastCopiedKey = lastKey
		j.RowsCopied = rowsCopied
		j.HeartbeatAt = &now
	})
}

func (r *Jobs) MarkSucceeded(_ context.Context, id int64, workerID string, result models.MigrationResult) error {
	return r.owned(id, workerID, func(j *models.MigrationJob, now time.Time) {
		j.Status = models.JobStatusSucceeded
		j.Step = models.StepCutOver
		j.Result = &result
		j.CompletedAt = &now
	})
}

func (r *Jobs) MarkFailed(_ context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	j, ok := r.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	if !j.Status.Active() {
		return errors.Wrapf(models.ErrIllegalTransition, "job %d is %s", id, j.Status)
	}
	now := r.Now()
	j.Status = models.JobStatusFailed
	j.FailureReason = &reason
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (r *Jobs) ListReclaimable(_ context.Context, cutoff time.Time, limit int) ([]models.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []models.MigrationJob
	for _, j := range r.jobs {
		if j.Status == models.JobStatusFailed && j.ShadowReclaimedAt == nil && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CompletedAt.Before(*out[b].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Jobs) MarkShadowReclaimed(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok && j.Status == models.JobStatusFailed && j.ShadowReclaimedAt == nil {
		now := r.Now()
		j.ShadowReclaimedAt = &now
	}
	return r.Err
}

func (r *Jobs) WithTx(pgx.Tx) repository.JobRepository { return r }

func (r *Jobs) owned(id int64, workerID string, apply func(*models.MigrationJob, time.Time)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	j, ok := r.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		return errors.Wrapf(models.ErrJobNotActive, "job %d", id)
	}
	now := r.Now()
	apply(j, now)
	j.UpdatedAt = now
	return nil
}

var _ repository.MetadataRepository = (*Metadata)(nil)

type Metadata struct {
	mu      sync.Mutex
	Tables  map[string]models.TableMetadata
	Columns map[string][]models.ColumnMetadata
}

func NewMetadata() *Metadata {
	return &Metadata{Tables: map[string]models.TableMetadata{}, Columns: map[string][]models.ColumnMetadata{}}
}

func (r *Metadata) GetTable(_ context.Context, id string) (models.TableMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tables[id]
	if !ok {
		return models.TableMetadata{}, models.ErrTableNotFound
	}
	return t, nil
}

func (r *Metadata) ListColumns(_ context.Context, tableID string) ([]models.ColumnMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ColumnMetadata(nil), r.Columns[tableID]...), nil
}

func (r *Metadata) UpsertTable(_ context.Context, t models.TableMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	r.Tables[t.ID] = t
	return nil
}

func (r *Metadata) UpsertColumns(_ context.Context, cols []models.ColumnMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cols {
		existing := r.Columns[c.TableID]
		replaced := false
		for i := range existing {
			if existing[i].ID == c.ID {
				existing[i] = c
				replaced = true
			}
		}
		if !replaced {
			existing = append(existing, c)
		}
		r.Columns[c.TableID] = existing
	}
	return nil
}

func (r *Metadata) UpdatePointer(_ context.Context, id, fromSchema, fromTable, toSchema, toTable string) (models.TableMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tables[id]
	if !ok || t.PhysicalSchema != fromSchema || t.PhysicalTable != fromTable {
		return models.TableMetadata{}, errors.Errorf("table %s no longer points at %s.%s", id, fromSchema, fromTable)
	}
	t.PhysicalSchema = toSchema
	t.PhysicalTable = toTable
	t.Version++
	r.Tables[id] = t
	return t, nil
}

func (r *Metadata) WithTx(pgx.Tx) repository.MetadataRepository { return r }

var _ repository.NotificationRepository = (*Notifications)(nil)

type Notifications struct {
	mu     sync.Mutex
	Events []models.Notification
}

func (r *Notifications) Create(_ context.Context, p repository.CreateNotificationParams) (models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var meta json.RawMessage
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return models.Notification{}, err
		}
		meta = b
	}
	severity := p.Severity
	if severity == "" {
		severity = models.NotificationSeverityInfo
	}
	n := models.Notification{
		ID:        uuid.NewString(),
		JobID:     p.JobID,
		EventType: p.Event,
		Severity:  severity,
		Message:   p.Message,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}
	r.Events = append(r.Events, n)
	return n, nil
}

func (r *Notifications) ListByJob(_ context.Context, jobID int64, limit int) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.Events {
		if n.JobID == jobID {
			out = append(out, n)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Kinds lists the event types recorded for a job, oldest first.
func (r *Notifications) Kinds(jobID int64) []models.NotificationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.NotificationEvent
	for _, n := range r.Events {
		if n.JobID == jobID {
			out = append(out, n.EventType)
		}
	}
	return out
}
