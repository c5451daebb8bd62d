//go:build integration

package migration_test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/cdc"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/dbmigrate"
	"github.com/stanstork/stratum-relocator/internal/migration"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository"
	"github.com/stanstork/stratum-relocator/internal/shadow"
	"github.com/stanstork/stratum-relocator/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

const registrySchema = "public"

var databaseURL string

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not connect to docker: %v\n", err)
		os.Exit(1)
	}
	resource, err := pool.Run("postgres", "16-alpine", []string{"POSTGRES_PASSWORD=postgres", "POSTGRES_DB=stratum"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start postgres: %v\n", err)
		os.Exit(1)
	}

	databaseURL = fmt.Sprintf("postgres://postgres:postgres@%s:%s/stratum?sslmode=disable",
		getEnv("DOCKERTEST_HOST", "localhost"), resource.GetPort("5432/tcp"))

	// exponential backoff-retry, because the application in the container might not be ready to accept connections yet
	err = pool.Retry(func() error {
		db, err := pgxpool.New(context.Background(), databaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Ping(context.Background())
	})
	if err == nil {
		err = dbmigrate.RunMigrations(databaseURL, registrySchema, zerolog.Nop())
	}

	code := 1
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not prepare database: %v\n", err)
	} else {
		code = m.Run()
	}

	if err := pool.Purge(resource); err != nil {
		fmt.Fprintf(os.Stderr, "could not purge postgres: %v\n", err)
	}
	os.Exit(code)
}

type env struct {
	db       *pgxpool.Pool
	cfg      config.MigrationConfig
	jobs     repository.JobRepository
	tables   repository.MetadataRepository
	triggers *cdc.Manager
	engine   *transfer.Engine
	coord    *migration.Coordinator
	runner   *migration.Runner
	orch     *migration.Orchestrator
	events   notification.Service
}

// newEnv wires the subsystem against the shared database. copier wraps the
// transfer engine when the test needs to interleave work with the backfill.
func newEnv(t *testing.T, copier func(migration.Copier) migration.Copier) *env {
	t.Helper()
	ctx := context.Background()

	db, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	cfg := config.MigrationConfig{
		DefaultSchema:   "public",
		AllowedSchemas:  []string{"dmgr"},
		Verification:    config.VerificationChecksum,
		BatchSize:       100,
		MaxStepRetries:  2,
		RetryBackoff:    10 * time.Millisecond,
		JobTimeout:      5 * time.Minute,
		ShadowRetention: time.Hour,
		LockTimeout:     5 * time.Second,
	}
	logger := zerolog.Nop()

	ids, err := migration.NewIDGenerator(1)
	require.NoError(t, err)

	e := &env{db: db, cfg: cfg}
	cat := catalog.NewPostgres(db, logger)
	e.triggers = cdc.NewManager(db, cfg.LockTimeout, logger)
	e.engine = transfer.NewEngine(db, cat, logger)
	e.jobs = repository.NewJobRepository(db, registrySchema)
	e.tables = repository.NewMetadataRepository(db, registrySchema)
	e.events = notification.NewService(repository.NewNotificationRepository(db, registrySchema), logger)
	mirrors := func(schema string) repository.MetadataRepository {
		if schema == registrySchema {
			return nil
		}
		return repository.NewMetadataRepository(db, schema)
	}

	var cp migration.Copier = e.engine
	if copier != nil {
		cp = copier(e.engine)
	}

	e.coord = migration.NewCoordinator(migration.CoordinatorDeps{
		DB:       db,
		Catalog:  cat,
		Triggers: e.triggers,
		Jobs:     e.jobs,
		Tables:   e.tables,
		Mirrors:  mirrors,
		Notifier: e.events,
	}, cfg, logger)
	e.runner = migration.NewRunner(migration.RunnerDeps{
		Jobs:      e.jobs,
		Tables:    e.tables,
		Catalog:   cat,
		Shadows:   shadow.NewBuilder(cat, mirrors, logger),
		Triggers:  e.triggers,
		Copier:    cp,
		Finalizer: e.coord,
		Notifier:  e.events,
		Tracer:    noop.NewTracerProvider().Tracer("test"),
	}, cfg, logger)
	e.orch = migration.NewOrchestrator(migration.OrchestratorDeps{
		Jobs:     e.jobs,
		Tables:   e.tables,
		Catalog:  cat,
		IDs:      ids,
		Failer:   e.runner,
		Exporter: e.engine,
		Notifier: e.events,
	}, cfg, logger)
	return e
}

// seed creates public.<name> with rows rows and registers it under the same id.
func (e *env) seed(t *testing.T, name string, rows int) {
	t.Helper()
	ctx := context.Background()

	_, err := e.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE public.%s (
		id         BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
		customer   VARCHAR(255) NOT NULL,
		amount     NUMERIC(12,2) NOT NULL,
		note       TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, name))
	require.NoError(t, err)
	_, err = e.db.Exec(ctx, fmt.Sprintf(
		`INSERT INTO public.%s (customer, amount) SELECT 'customer-' || g, g * 1.5 FROM generate_series(1, $1) g`, name), rows)
	require.NoError(t, err)

	require.NoError(t, e.tables.UpsertTable(ctx, models.TableMetadata{
		ID: name, Label: name, PhysicalSchema: "public", PhysicalTable: name, Version: 1,
	}))
	var cols []models.ColumnMetadata
	for _, c := range []struct{ col, typ string }{
		{"id", "bigint"}, {"customer", "text"}, {"amount", "decimal(12,2)"}, {"note", "longtext"}, {"created_at", "datetime"},
	} {
		cols = append(cols, models.ColumnMetadata{
			ID: name + "." + c.col, TableID: name, Label: c.col, PhysicalColumn: c.col, LogicalType: c.typ,
		})
	}
	require.NoError(t, e.tables.UpsertColumns(ctx, cols))
}

func (e *env) claim(t *testing.T, workerID string, jobID int64) models.MigrationJob {
	t.Helper()
	job, err := e.jobs.ClaimNext(context.Background(), workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)
	return *job
}

func (e *env) submit(t *testing.T, name string) int64 {
	t.Helper()
	res, err := e.orch.Submit(context.Background(), name, "dmgr")
	require.NoError(t, err)
	require.Equal(t, models.JobStatusEnqueued, res.Status)
	return res.JobID
}

// differences counts rows present in only one of the two tables.
func (e *env) differences(t *testing.T, name string) int {
	t.Helper()
	query := fmt.Sprintf(`SELECT count(*) FROM (
		(SELECT id, customer, amount, note FROM public.%[1]s EXCEPT SELECT id, customer, amount, note FROM dmgr.%[1]s)
		UNION ALL
		(SELECT id, customer, amount, note FROM dmgr.%[1]s EXCEPT SELECT id, customer, amount, note FROM public.%[1]s)
	) d`, name)
	var n int
	require.NoError(t, e.db.QueryRow(context.Background(), query).Scan(&n))
	return n
}

func (e *env) tableExists(t *testing.T, schema, name string) bool {
	t.Helper()
	var exists bool
	err := e.db.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func (e *env) assertNoTriggers(t *testing.T, jobID int64, name string) {
	t.Helper()
	left, err := e.triggers.Remaining(context.Background(), jobID, name, "public")
	require.NoError(t, err)
	assert.Empty(t, left)
}

// writer keeps inserting, updating and deleting source rows until stopped,
// and always performs at least minOps writes.
type writer struct {
	db     *pgxpool.Pool
	table  string
	maxID  int
	minOps int64

	ops  atomic.Int64
	stop chan struct{}
	done chan struct{}
	err  error
}

func (w *writer) start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		rng := rand.New(rand.NewSource(42))
		ctx := context.Background()
		for {
			if w.ops.Load() >= w.minOps {
				select {
				case <-w.stop:
					return
				default:
				}
			}
			var err error
			switch op := rng.Intn(10); {
			case op < 4:
				_, err = w.db.Exec(ctx, fmt.Sprintf(`INSERT INTO public.%s (customer, amount) VALUES ($1, $2)`, w.table),
					fmt.Sprintf("late-%d", w.ops.Load()), rng.Intn(1000))
			case op < 8:
				_, err = w.db.Exec(ctx, fmt.Sprintf(`UPDATE public.%s SET amount = amount + 1, note = $1 WHERE id = $2`, w.table),
					fmt.Sprintf("touched-%d", w.ops.Load()), rng.Intn(w.maxID)+1)
			default:
				_, err = w.db.Exec(ctx, fmt.Sprintf(`DELETE FROM public.%s WHERE id = $1`, w.table), rng.Intn(w.maxID)+1)
			}
			if err != nil {
				w.err = err
				return
			}
			w.ops.Add(1)
		}
	}()
}

func (w *writer) halt() error {
	close(w.stop)
	<-w.done
	return w.err
}

// duringBackfill runs w for exactly the duration of the backfill step.
type duringBackfill struct {
	migration.Copier
	w *writer
}

func (d *duringBackfill) BulkCopyTableData(ctx context.Context, sourceTable, sourceSchema, targetTable, targetSchema string, opts transfer.Options) (transfer.Result, error) {
	d.w.start()
	res, err := d.Copier.BulkCopyTableData(ctx, sourceTable, sourceSchema, targetTable, targetSchema, opts)
	if werr := d.w.halt(); werr != nil && err == nil {
		err = errors.Wrap(werr, "concurrent writer")
	}
	return res, err
}

func TestMigrationWithConcurrentWrites(t *testing.T) {
	const name = "orders_live"
	w := &writer{table: name, maxID: 2000, minOps: 300}
	e := newEnv(t, func(c migration.Copier) migration.Copier { return &duringBackfill{Copier: c, w: w} })
	w.db = e.db
	e.seed(t, name, 2000)
	ctx := context.Background()

	jobID := e.submit(t, name)
	job := e.claim(t, "it-worker-1", jobID)
	require.NoError(t, e.runner.Process(ctx, job))
	require.GreaterOrEqual(t, w.ops.Load(), int64(300))

	done, err := e.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSucceeded, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "dmgr", done.Result.TargetSchema)
	assert.Contains(t, done.Result.Detail, "checksum")

	assert.Zero(t, e.differences(t, name), "shadow converged with the source")

	table, err := e.tables.GetTable(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "dmgr", table.PhysicalSchema)
	assert.Equal(t, name, table.PhysicalTable)
	assert.Equal(t, 2, table.Version)

	mirror, err := repository.NewMetadataRepository(e.db, "dmgr").GetTable(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "dmgr", mirror.PhysicalSchema)

	e.assertNoTriggers(t, jobID, name)
	assert.True(t, e.tableExists(t, "public", name), "source is left in place")

	// New rows in the relocated table get keys past every copied one.
	var maxSource, newID int64
	require.NoError(t, e.db.QueryRow(ctx, fmt.Sprintf(`SELECT max(id) FROM public.%s`, name)).Scan(&maxSource))
	require.NoError(t, e.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO dmgr.%s (customer, amount) VALUES ('after', 1) RETURNING id`, name)).Scan(&newID))
	assert.Greater(t, newID, maxSource)

	events, err := e.events.ListByJob(ctx, jobID, 100)
	require.NoError(t, err)
	var kinds []models.NotificationEvent
	for _, ev := range events {
		kinds = append(kinds, ev.EventType)
	}
	assert.Contains(t, kinds, models.NotificationEventMigrationEnqueued)
	assert.Contains(t, kinds, models.NotificationEventMigrationStarted)
	assert.Contains(t, kinds, models.NotificationEventMigrationSucceeded)

	var buf bytes.Buffer
	exported, err := e.orch.ExportTable(ctx, name, &buf)
	require.NoError(t, err)
	assert.Positive(t, exported)
	assert.NotZero(t, buf.Len())

	active, err := e.orch.HasActiveMigration(ctx, name)
	require.NoError(t, err)
	assert.False(t, active.HasActiveMigration)
}

func TestConcurrentSubmitCreatesOneJob(t *testing.T) {
	const name = "orders_dup"
	e := newEnv(t, nil)
	e.seed(t, name, 10)

	var wg sync.WaitGroup
	results := make([]models.SubmitResult, 8)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.orch.Submit(context.Background(), name, "dmgr")
		}(i)
	}
	wg.Wait()

	enqueued := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Status == models.JobStatusEnqueued {
			enqueued++
		}
		assert.Equal(t, results[0].JobID, res.JobID, "every caller sees the same job")
	}
	assert.Equal(t, 1, enqueued)

	var n int
	require.NoError(t, e.db.QueryRow(context.Background(),
		`SELECT count(*) FROM migration_jobs WHERE table_id = $1`, name).Scan(&n))
	assert.Equal(t, 1, n)

	// Workers claim the oldest job first; keep it from leaking into later tests.
	_, err := e.orch.ForceFail(context.Background(), results[0].JobID, "test done")
	require.NoError(t, err)
}

func TestConvergenceFailureRetiresShadow(t *testing.T) {
	const name = "orders_drift"
	e := newEnv(t, nil)
	e.seed(t, name, 250)
	ctx := context.Background()

	jobID := e.submit(t, name)
	job := e.claim(t, "it-worker-1", jobID)
	for _, step := range []migration.Step{migration.StepProvision, migration.StepInstallTriggers, migration.StepBackfill} {
		require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", step))
	}

	// A row written straight into the shadow is never seen by the triggers.
	_, err := e.db.Exec(ctx, fmt.Sprintf(`INSERT INTO dmgr.%s (id, customer, amount) VALUES (100000, 'stray', 1)`, name))
	require.NoError(t, err)

	require.NoError(t, e.runner.Process(ctx, job))

	failed, err := e.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "cutover")

	table, err := e.tables.GetTable(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "public", table.PhysicalSchema, "pointer is unchanged")

	e.assertNoTriggers(t, jobID, name)
	retired := migration.RetiredName(failed)
	assert.False(t, e.tableExists(t, "dmgr", name))
	assert.True(t, e.tableExists(t, "dmgr", retired))

	n, err := e.coord.ReclaimShadows(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "retention has not passed")

	n, err = e.coord.ReclaimShadows(ctx, time.Now().Add(e.cfg.ShadowRetention+time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.False(t, e.tableExists(t, "dmgr", retired))
}

func TestResumeAfterWorkerCrash(t *testing.T) {
	const name = "orders_resume"
	e := newEnv(t, nil)
	e.seed(t, name, 500)
	ctx := context.Background()

	jobID := e.submit(t, name)
	e.claim(t, "it-worker-1", jobID)
	require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepProvision))
	require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepInstallTriggers))

	// The first worker commits two pages, then dies while writing the third.
	crash := errors.New("worker crashed")
	_, err := e.engine.BulkCopyTableData(ctx, name, "public", name, "dmgr", transfer.Options{
		BatchSize: 100,
		OnCheckpoint: func(ctx context.Context, tx pgx.Tx, cp transfer.Checkpoint) error {
			if cp.Pages == 3 {
				return crash
			}
			key := cp.LastKey
			return e.jobs.WithTx(tx).UpdateProgress(ctx, jobID, "it-worker-1", models.StepTriggersInstalled, &key, cp.Rows)
		},
	})
	require.ErrorIs(t, err, crash)

	// Rows keep arriving while nobody holds the job.
	_, err = e.db.Exec(ctx, fmt.Sprintf(`UPDATE public.%s SET note = 'orphaned' WHERE id IN (1, 150, 450)`, name))
	require.NoError(t, err)
	_, err = e.db.Exec(ctx, fmt.Sprintf(`DELETE FROM public.%s WHERE id IN (2, 350)`, name))
	require.NoError(t, err)

	_, err = e.db.Exec(ctx, `UPDATE migration_jobs SET heartbeat_at = now() - interval '1 hour' WHERE id = $1`, jobID)
	require.NoError(t, err)

	resumed := e.claim(t, "it-worker-2", jobID)
	assert.Equal(t, 2, resumed.Attempts)
	assert.Equal(t, models.StepTriggersInstalled, resumed.Step)
	require.NotNil(t, resumed.LastCopiedKey)
	assert.Equal(t, "200", *resumed.LastCopiedKey)
	assert.EqualValues(t, 200, resumed.RowsCopied)

	err = e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepBackfill)
	assert.ErrorIs(t, err, models.ErrJobNotActive, "the crashed worker is fenced out")

	require.NoError(t, e.runner.Process(ctx, resumed))

	done, err := e.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.Zero(t, e.differences(t, name))
}

func TestForceFailReleasesTable(t *testing.T) {
	const name = "orders_stuck"
	e := newEnv(t, nil)
	e.seed(t, name, 50)
	ctx := context.Background()

	jobID := e.submit(t, name)
	e.claim(t, "it-worker-1", jobID)
	require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepProvision))
	require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepInstallTriggers))

	details, err := e.orch.ForceFail(ctx, jobID, "operator gave up")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, details.Status)
	require.NotNil(t, details.FailureReason)
	assert.Equal(t, "operator gave up", *details.FailureReason)

	e.assertNoTriggers(t, jobID, name)
	assert.False(t, e.tableExists(t, "dmgr", name))

	err = e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepBackfill)
	assert.ErrorIs(t, err, models.ErrJobNotActive)

	_, err = e.orch.ForceFail(ctx, jobID, "again")
	assert.ErrorIs(t, err, models.ErrIllegalTransition)

	// The slot is free again.
	next := e.submit(t, name)
	assert.NotEqual(t, jobID, next)
	_, err = e.orch.ForceFail(ctx, next, "test done")
	require.NoError(t, err)
}

// fingerprint returns the row count and a digest of every row of schema.name.
func (e *env) fingerprint(t *testing.T, schema, name string) (int64, string) {
	t.Helper()
	var n int64
	var digest string
	err := e.db.QueryRow(context.Background(), fmt.Sprintf(
		`SELECT count(*), coalesce(md5(string_agg(concat_ws('|', id, customer, amount, note), ',' ORDER BY id)), '') FROM %s.%s`,
		schema, name)).Scan(&n, &digest)
	require.NoError(t, err)
	return n, digest
}

func TestBulkCopyRerunFromStart(t *testing.T) {
	const name = "orders_rerun"
	e := newEnv(t, nil)
	e.seed(t, name, 350)
	ctx := context.Background()
	_, err := e.db.Exec(ctx, fmt.Sprintf(
		`UPDATE public.%s SET created_at = CASE id WHEN 1 THEN '-infinity'::timestamptz ELSE 'infinity'::timestamptz END WHERE id IN (1, 350)`, name))
	require.NoError(t, err)

	jobID := e.submit(t, name)
	e.claim(t, "it-worker-1", jobID)
	require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepProvision))
	require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", migration.StepInstallTriggers))

	opts := transfer.Options{BatchSize: 100}
	first, err := e.engine.BulkCopyTableData(ctx, name, "public", name, "dmgr", opts)
	require.NoError(t, err)
	assert.EqualValues(t, 350, first.Rows)
	assert.EqualValues(t, 350, first.Inserted)
	rows, digest := e.fingerprint(t, "dmgr", name)

	second, err := e.engine.BulkCopyTableData(ctx, name, "public", name, "dmgr", opts)
	require.NoError(t, err)
	assert.EqualValues(t, 350, second.Rows)
	assert.Zero(t, second.Inserted, "rows already in the shadow are skipped")

	rerunRows, rerunDigest := e.fingerprint(t, "dmgr", name)
	assert.Equal(t, rows, rerunRows)
	assert.Equal(t, digest, rerunDigest)
	sourceRows, sourceDigest := e.fingerprint(t, "public", name)
	assert.Equal(t, sourceRows, rerunRows)
	assert.Equal(t, sourceDigest, rerunDigest)

	var infinite int
	require.NoError(t, e.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM dmgr.%s WHERE NOT isfinite(created_at)`, name)).Scan(&infinite))
	assert.Equal(t, 2, infinite, "infinite timestamps survive the copy")

	_, err = e.orch.ForceFail(ctx, jobID, "test done")
	require.NoError(t, err)
}

func TestResubmitAfterFailureWithUniqueConstraint(t *testing.T) {
	const name = "orders_unique"
	e := newEnv(t, nil)
	e.seed(t, name, 120)
	ctx := context.Background()
	_, err := e.db.Exec(ctx, fmt.Sprintf(`ALTER TABLE public.%[1]s ADD CONSTRAINT %[1]s_customer_key UNIQUE (customer)`, name))
	require.NoError(t, err)

	jobID := e.submit(t, name)
	job := e.claim(t, "it-worker-1", jobID)
	for _, step := range []migration.Step{migration.StepProvision, migration.StepInstallTriggers, migration.StepBackfill} {
		require.NoError(t, e.runner.RunStep(ctx, jobID, "it-worker-1", step))
	}
	_, err = e.db.Exec(ctx, fmt.Sprintf(`INSERT INTO dmgr.%s (id, customer, amount) VALUES (100000, 'stray', 1)`, name))
	require.NoError(t, err)
	require.NoError(t, e.runner.Process(ctx, job))

	failed, err := e.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, failed.Status)
	require.True(t, e.tableExists(t, "dmgr", migration.RetiredName(failed)), "retired shadow is still within retention")

	next := e.submit(t, name)
	retry := e.claim(t, "it-worker-1", next)
	require.NoError(t, e.runner.Process(ctx, retry))

	done, err := e.jobs.Get(ctx, next)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSucceeded, done.Status)
	assert.Zero(t, e.differences(t, name))

	_, err = e.db.Exec(ctx, fmt.Sprintf(`INSERT INTO dmgr.%s (customer, amount) VALUES ('customer-1', 1)`, name))
	assert.Error(t, err, "uniqueness carried over to the relocated table")
}

func TestSerialKeyGetsOwnSequence(t *testing.T) {
	const name = "orders_serial"
	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE public.%[1]s (id BIGSERIAL PRIMARY KEY, customer TEXT NOT NULL);
		INSERT INTO public.%[1]s (customer) SELECT 'customer-' || g FROM generate_series(1, 30) g`, name))
	require.NoError(t, err)
	require.NoError(t, e.tables.UpsertTable(ctx, models.TableMetadata{
		ID: name, Label: name, PhysicalSchema: "public", PhysicalTable: name, Version: 1,
	}))

	jobID := e.submit(t, name)
	job := e.claim(t, "it-worker-1", jobID)
	require.NoError(t, e.runner.Process(ctx, job))
	done, err := e.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusSucceeded, done.Status)

	var seq string
	require.NoError(t, e.db.QueryRow(ctx, `SELECT pg_get_serial_sequence($1, 'id')`, "dmgr."+name).Scan(&seq))
	assert.Equal(t, "dmgr."+name+"_id_seq", seq)

	var newID int64
	require.NoError(t, e.db.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO dmgr.%s (customer) VALUES ('after') RETURNING id`, name)).Scan(&newID))
	assert.EqualValues(t, 31, newID)
}
