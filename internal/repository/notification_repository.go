package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListByJob(ctx context.Context, jobID int64, limit int) ([]models.Notification, error)
}

type notificationRepository struct {
	db    DBTX
	table string
}

type CreateNotificationParams struct {
	JobID    int64
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Message  string
	Metadata map[string]interface{}
}

func NewNotificationRepository(db DBTX, schema string) NotificationRepository {
	return &notificationRepository{db: db, table: table(schema, "migration_events")}
}

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, job_id, event, severity, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, job_id, event, severity, message, metadata, created_at
	`, r.table)

	var metadata []byte
	if len(params.Metadata) > 0 {
		b, err := json.Marshal(params.Metadata)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "marshal metadata")
		}
		metadata = b
	}
	severity := params.Severity
	if severity == "" {
		severity = models.NotificationSeverityInfo
	}

	row := r.db.QueryRow(ctx, query, uuid.NewString(), params.JobID, string(params.Event), string(severity), params.Message, metadata)
	return scanNotification(row)
}

func (r *notificationRepository) ListByJob(ctx context.Context, jobID int64, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT id, job_id, event, severity, message, metadata, created_at
		FROM %s
		WHERE job_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, r.table)

	rows, err := r.db.Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list events of job %d", jobID)
	}
	defer rows.Close()

	notifications := []models.Notification{}
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	return notifications, rows.Err()
}

func scanNotification(row scanner) (models.Notification, error) {
	var (
		notif       models.Notification
		id          uuid.UUID
		event       string
		severity    string
		metadataRaw []byte
	)
	if err := row.Scan(&id, &notif.JobID, &event, &severity, &notif.Message, &metadataRaw, &notif.CreatedAt); err != nil {
		return models.Notification{}, err
	}
	notif.ID = id.String()
	notif.EventType = models.NotificationEvent(event)
	notif.Severity = models.NotificationSeverity(severity)
	if len(metadataRaw) > 0 {
		notif.Metadata = metadataRaw
	}
	return notif, nil
}
