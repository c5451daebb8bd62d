package workflows

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stanstork/stratum-relocator/internal/migration"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/temporal"
	"github.com/stanstork/stratum-relocator/internal/temporal/activities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

type fakeRunner struct {
	mu        sync.Mutex
	steps     []string
	failed    []string
	abandoned []int64
	errs      map[migration.Step]error
}

func (r *fakeRunner) RunStep(_ context.Context, _ int64, _ string, step migration.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, string(step))
	return r.errs[step]
}

func (r *fakeRunner) Fail(_ context.Context, _ int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
	return nil
}

func (r *fakeRunner) Abandon(_ context.Context, jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abandoned = append(r.abandoned, jobID)
	return nil
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, runner *fakeRunner) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	env.SetStartTime(start)
	env.RegisterWorkflowWithOptions(MigrationWorkflow, workflow.RegisterOptions{Name: temporal.WorkflowName})
	env.RegisterActivity(&activities.Activities{Runner: runner})
	return env
}

func params() temporal.MigrationParams {
	return temporal.MigrationParams{
		JobID:        42,
		WorkerID:     "host-1",
		Deadline:     start.Add(2 * time.Hour),
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
	}
}

func TestMigrationWorkflowRunsAllSteps(t *testing.T) {
	runner := &fakeRunner{}
	env := newEnv(t, runner)

	env.ExecuteWorkflow(MigrationWorkflow, params())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"provision", "install_triggers", "backfill", "cutover"}, runner.steps)
	assert.Empty(t, runner.failed)
}

func TestMigrationWorkflowFailsJobOnStepError(t *testing.T) {
	runner := &fakeRunner{errs: map[migration.Step]error{
		migration.StepBackfill: errors.New("relation \"orders\" does not exist"),
	}}
	env := newEnv(t, runner)

	env.ExecuteWorkflow(MigrationWorkflow, params())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []string{"provision", "install_triggers", "backfill"}, runner.steps, "step errors are not retried")
	require.Len(t, runner.failed, 1)
	assert.Equal(t, `backfill: relation "orders" does not exist`, runner.failed[0])
}

func TestMigrationWorkflowAbandonsJobTakenAway(t *testing.T) {
	runner := &fakeRunner{errs: map[migration.Step]error{
		migration.StepInstallTriggers: errors.Wrap(models.ErrJobNotActive, "job 42 is FAILED"),
	}}
	env := newEnv(t, runner)

	env.ExecuteWorkflow(MigrationWorkflow, params())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, []int64{42}, runner.abandoned)
	assert.Empty(t, runner.failed)
}

func TestMigrationWorkflowPastDeadline(t *testing.T) {
	runner := &fakeRunner{}
	env := newEnv(t, runner)

	p := params()
	p.Deadline = start.Add(-time.Minute)
	env.ExecuteWorkflow(MigrationWorkflow, p)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Empty(t, runner.steps)
	assert.Equal(t, []string{"job timed out before it was resumed"}, runner.failed)
}

func TestMigrationWorkflowDeadlineCoversWholeJob(t *testing.T) {
	runner := &fakeRunner{}
	env := newEnv(t, runner)

	var mu sync.Mutex
	var ran []string
	record := func(_ context.Context, _ temporal.MigrationParams, step string) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, step)
		return nil
	}
	var a *activities.Activities
	// Every step alone fits in the hour, together they do not.
	env.OnActivity(a.RunStepActivity, mock.Anything, mock.Anything, "provision").After(50 * time.Minute).Return(record)
	env.OnActivity(a.RunStepActivity, mock.Anything, mock.Anything, "install_triggers").After(12 * time.Minute).Return(record)
	env.OnActivity(a.RunStepActivity, mock.Anything, mock.Anything, "backfill").Return(record).Maybe()
	env.OnActivity(a.RunStepActivity, mock.Anything, mock.Anything, "cutover").Return(record).Maybe()

	p := params()
	p.Deadline = start.Add(time.Hour)
	env.ExecuteWorkflow(MigrationWorkflow, p)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.NotContains(t, ran, "backfill")
	assert.NotContains(t, ran, "cutover")
	require.Len(t, runner.failed, 1)
	assert.Contains(t, runner.failed[0], "job timed out")
}
