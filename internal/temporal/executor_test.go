package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
)

type fixedDeadline time.Time

func (d fixedDeadline) Deadline(models.MigrationJob) time.Time { return time.Time(d) }

func claimedJob() models.MigrationJob {
	worker := "host-0"
	return models.MigrationJob{
		ID:           42,
		TableID:      "tbl-1",
		SourceSchema: "public",
		SourceTable:  "orders",
		TargetSchema: "dmgr",
		Status:       models.JobStatusProcessing,
		WorkerID:     &worker,
		Attempts:     3,
	}
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "stratum-migration-42-3", WorkflowID(42, 3))
}

func TestExecutorStartsWorkflowAndWaits(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	events := &repotest.Notifications{}
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}

	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "stratum-migration-42-3" && o.TaskQueue == "relocate"
		}),
		WorkflowName,
		MigrationParams{JobID: 42, WorkerID: "host-0", Deadline: deadline, MaxAttempts: maxActivityAttempts, RetryBackoff: time.Second},
	).Return(run, nil).Once()
	run.On("GetID").Return("stratum-migration-42-3")
	run.On("GetRunID").Return("run-1")
	run.On("Get", mock.Anything, nil).Return(nil).Once()

	exec := NewExecutor(c, "relocate", fixedDeadline(deadline), notification.NewService(events, zerolog.Nop()),
		config.MigrationConfig{RetryBackoff: time.Second}, zerolog.Nop())

	require.NoError(t, exec.Process(context.Background(), claimedJob()))
	c.AssertExpectations(t)
	run.AssertExpectations(t)
	assert.Equal(t, []models.NotificationEvent{models.NotificationEventMigrationStarted}, events.Kinds(42))
}

func TestExecutorStartError(t *testing.T) {
	c := &mocks.Client{}
	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, WorkflowName, mock.Anything).
		Return(nil, errors.New("namespace not found"))

	exec := NewExecutor(c, "", fixedDeadline(time.Time{}), notification.NewService(&repotest.Notifications{}, zerolog.Nop()),
		config.MigrationConfig{}, zerolog.Nop())

	err := exec.Process(context.Background(), claimedJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace not found")
}

func TestExecutorRejectsUnclaimedJob(t *testing.T) {
	exec := NewExecutor(&mocks.Client{}, "", fixedDeadline(time.Time{}), notification.NewService(&repotest.Notifications{}, zerolog.Nop()),
		config.MigrationConfig{}, zerolog.Nop())

	job := claimedJob()
	job.WorkerID = nil
	assert.Error(t, exec.Process(context.Background(), job))
}
