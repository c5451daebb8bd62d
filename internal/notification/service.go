package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/repository"
)

type Event struct {
	JobID    int64
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyEnqueued(ctx context.Context, job models.MigrationJob) error
	NotifyStarted(ctx context.Context, job models.MigrationJob) error
	NotifyStep(ctx context.Context, job models.MigrationJob, step models.JobStep) error
	NotifySucceeded(ctx context.Context, job models.MigrationJob, result models.MigrationResult) error
	NotifyFailed(ctx context.Context, job models.MigrationJob, reason string) error
	NotifyShadowReclaimed(ctx context.Context, job models.MigrationJob, table string) error
	ListByJob(ctx context.Context, jobID int64, limit int) ([]models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if evt.JobID == 0 {
		return models.Notification{}, fmt.Errorf("job id is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	message := strings.TrimSpace(evt.Message)
	if message == "" {
		message = string(evt.Event)
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		JobID:    evt.JobID,
		Event:    evt.Event,
		Severity: evt.Severity,
		Message:  message,
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("job_id", evt.JobID).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifyEnqueued(ctx context.Context, job models.MigrationJob) error {
	_, err := s.Publish(ctx, Event{
		JobID:    job.ID,
		Event:    models.NotificationEventMigrationEnqueued,
		Message:  fmt.Sprintf("Migration of %s.%s to %s enqueued.", job.SourceSchema, job.SourceTable, job.TargetSchema),
		Metadata: jobMetadata(job),
	})
	return err
}

func (s *service) NotifyStarted(ctx context.Context, job models.MigrationJob) error {
	metadata := jobMetadata(job)
	metadata["attempt"] = job.Attempts
	if job.WorkerID != nil {
		metadata["worker_id"] = *job.WorkerID
	}
	_, err := s.Publish(ctx, Event{
		JobID:    job.ID,
		Event:    models.NotificationEventMigrationStarted,
		Message:  fmt.Sprintf("Migration %d started (attempt %d).", job.ID, job.Attempts),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyStep(ctx context.Context, job models.MigrationJob, step models.JobStep) error {
	metadata := jobMetadata(job)
	metadata["step"] = string(step)
	if job.RowsCopied > 0 {
		metadata["rows_copied"] = job.RowsCopied
	}
	_, err := s.Publish(ctx, Event{
		JobID:    job.ID,
		Event:    models.NotificationEventMigrationStep,
		Message:  fmt.Sprintf("Migration %d reached step %s.", job.ID, step),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifySucceeded(ctx context.Context, job models.MigrationJob, result models.MigrationResult) error {
	metadata := jobMetadata(job)
	metadata["shadow_table"] = result.ShadowTable
	if result.Detail != "" {
		metadata["detail"] = result.Detail
	}
	_, err := s.Publish(ctx, Event{
		JobID:    job.ID,
		Event:    models.NotificationEventMigrationSucceeded,
		Message:  fmt.Sprintf("Table %s.%s now lives in %s.", job.SourceSchema, job.SourceTable, result.TargetSchema),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyFailed(ctx context.Context, job models.MigrationJob, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown error"
	}
	metadata := jobMetadata(job)
	metadata["reason"] = reason
	_, err := s.Publish(ctx, Event{
		JobID:    job.ID,
		Event:    models.NotificationEventMigrationFailed,
		Severity: models.NotificationSeverityError,
		Message:  fmt.Sprintf("Migration %d failed: %s", job.ID, reason),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyShadowReclaimed(ctx context.Context, job models.MigrationJob, table string) error {
	metadata := jobMetadata(job)
	metadata["dropped_table"] = table
	_, err := s.Publish(ctx, Event{
		JobID:    job.ID,
		Event:    models.NotificationEventShadowReclaimed,
		Severity: models.NotificationSeverityWarning,
		Message:  fmt.Sprintf("Retired shadow %s.%s dropped.", job.TargetSchema, table),
		Metadata: metadata,
	})
	return err
}

func (s *service) ListByJob(ctx context.Context, jobID int64, limit int) ([]models.Notification, error) {
	return s.repo.ListByJob(ctx, jobID, limit)
}

func jobMetadata(job models.MigrationJob) map[string]interface{} {
	return map[string]interface{}{
		"table_id":      job.TableID,
		"source_schema": job.SourceSchema,
		"source_table":  job.SourceTable,
		"target_schema": job.TargetSchema,
	}
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
