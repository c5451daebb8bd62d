package migration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog/catalogtest"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository"
	"github.com/stanstork/stratum-relocator/internal/repository/repotest"
	"github.com/stanstork/stratum-relocator/internal/shadow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetiredName(t *testing.T) {
	job := models.MigrationJob{ID: 42, ShadowTable: "orders"}
	assert.Equal(t, "orders__failed_42", RetiredName(job))

	job = models.MigrationJob{ID: 1234567890123, ShadowTable: strings.Repeat("t", 63)}
	name := RetiredName(job)
	assert.Len(t, name, maxIdentifierLength)
	assert.True(t, strings.HasSuffix(name, "__failed_1234567890123"))
}

func TestReclaimShadows(t *testing.T) {
	jobs := repotest.NewJobs()
	cat := catalogtest.New()
	events := &repotest.Notifications{}
	cfg := testConfig()
	cfg.ShadowRetention = time.Hour

	now := time.Now()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-10 * time.Minute)
	owned := models.MigrationJob{ID: 1, TableID: "orders", SourceSchema: "public", SourceTable: "orders",
		TargetSchema: "dmgr", ShadowTable: "orders", Status: models.JobStatusFailed, CompletedAt: &old}
	foreign := models.MigrationJob{ID: 2, TableID: "users", SourceSchema: "public", SourceTable: "users",
		TargetSchema: "dmgr", ShadowTable: "users", Status: models.JobStatusFailed, CompletedAt: &old}
	fresh := models.MigrationJob{ID: 3, TableID: "items", SourceSchema: "public", SourceTable: "items",
		TargetSchema: "dmgr", ShadowTable: "items", Status: models.JobStatusFailed, CompletedAt: &recent}
	for _, j := range []models.MigrationJob{owned, foreign, fresh} {
		jobs.Put(j)
		def := ordersDef("dmgr")
		def.Name = RetiredName(j)
		cat.AddTable(def, 5)
	}
	cat.Comments["dmgr."+RetiredName(owned)] = shadow.OwnerComment(owned.ID)
	cat.Comments["dmgr."+RetiredName(foreign)] = "someone else's table"
	cat.Comments["dmgr."+RetiredName(fresh)] = shadow.OwnerComment(fresh.ID)

	coord := NewCoordinator(CoordinatorDeps{
		Catalog:  cat,
		Jobs:     jobs,
		Mirrors:  func(string) repository.MetadataRepository { return nil },
		Notifier: notification.NewService(events, zerolog.Nop()),
	}, cfg, zerolog.Nop())

	n, err := coord.ReclaimShadows(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"DropTable dmgr.orders__failed_1"}, cat.Calls)
	exists, _ := cat.TableExistsInSchema(context.Background(), "users__failed_2", "dmgr")
	assert.True(t, exists, "tables the job does not own are kept")
	exists, _ = cat.TableExistsInSchema(context.Background(), "items__failed_3", "dmgr")
	assert.True(t, exists, "retention not elapsed")

	got, _ := jobs.Get(context.Background(), 1)
	assert.NotNil(t, got.ShadowReclaimedAt)
	got, _ = jobs.Get(context.Background(), 3)
	assert.Nil(t, got.ShadowReclaimedAt)
	assert.Equal(t, []models.NotificationEvent{models.NotificationEventShadowReclaimed}, events.Kinds(1))

	// a second pass finds nothing left to do
	n, err = coord.ReclaimShadows(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, n)
}
