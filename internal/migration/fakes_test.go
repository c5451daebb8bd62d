package migration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/catalog/catalogtest"
	"github.com/stanstork/stratum-relocator/internal/cdc"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository/repotest"
	"github.com/stanstork/stratum-relocator/internal/shadow"
	"github.com/stanstork/stratum-relocator/internal/transfer"
	"go.opentelemetry.io/otel/trace/noop"
)

func ordersDef(schema string) catalog.TableDefinition {
	return catalog.TableDefinition{
		Schema:     schema,
		Name:       "orders",
		PrimaryKey: "id",
		Columns: []catalog.Column{
			{Name: "id", DataType: "bigint", UDTName: "int8", FormatType: "bigint", Ordinal: 1},
			{Name: "customer", DataType: "text", UDTName: "text", FormatType: "text", Nullable: true, Ordinal: 2},
			{Name: "total", DataType: "numeric", UDTName: "numeric", FormatType: "numeric(10,2)", Nullable: true, Ordinal: 3},
		},
	}
}

// queue hands out the queued errors one call at a time, then nil.
type queue struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (q *queue) next() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.errs) == 0 {
		return nil
	}
	err := q.errs[0]
	if len(q.errs) > 1 {
		q.errs = q.errs[1:]
	}
	return err
}

func (q *queue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

type fakeProvisioner struct {
	queue
	cat *catalogtest.Fake
}

func (p *fakeProvisioner) Provision(_ context.Context, plan shadow.Plan) (catalog.TableDefinition, error) {
	if err := p.next(); err != nil {
		return catalog.TableDefinition{}, err
	}
	def := ordersDef(plan.TargetSchema)
	def.Name = plan.ShadowTable
	p.cat.AddTable(def, 0)
	p.cat.Comments[plan.TargetSchema+"."+plan.ShadowTable] = shadow.OwnerComment(plan.JobID)
	return def, nil
}

type fakeTriggers struct {
	queue
	bindings []cdc.Binding
}

func (t *fakeTriggers) InstallAll(_ context.Context, _ int64, b cdc.Binding) error {
	if err := t.next(); err != nil {
		return err
	}
	t.bindings = append(t.bindings, b)
	return nil
}

type fakeCopier struct {
	queue
	pages []string
	opts  []transfer.Options
	// during runs between the checkpoints and the return.
	during func()
}

func (c *fakeCopier) BulkCopyTableData(ctx context.Context, _, _, _, _ string, opts transfer.Options) (transfer.Result, error) {
	c.opts = append(c.opts, opts)
	if err := c.next(); err != nil {
		return transfer.Result{}, err
	}
	res := transfer.Result{Rows: opts.RowsBefore, LastKey: opts.ResumeAfter}
	for _, key := range c.pages {
		if opts.ResumeAfter != nil && key <= *opts.ResumeAfter {
			continue
		}
		res.Rows++
		res.Inserted++
		res.Pages++
		k := key
		res.LastKey = &k
		cp := transfer.Checkpoint{LastKey: key, Rows: res.Rows, Inserted: res.Inserted, Pages: res.Pages}
		if err := opts.OnCheckpoint(ctx, nil, cp); err != nil {
			return res, err
		}
	}
	if c.during != nil {
		c.during()
	}
	return res, nil
}

type fakeFinalizer struct {
	jobs    *repotest.Jobs
	cutover queue
	reasons []string
	cleaned []int64
}

func (f *fakeFinalizer) Cutover(ctx context.Context, job models.MigrationJob, workerID string) (models.MigrationResult, error) {
	if err := f.cutover.next(); err != nil {
		return models.MigrationResult{}, err
	}
	result := models.MigrationResult{ShadowTable: job.ShadowTable, TargetSchema: job.TargetSchema, Detail: "verified"}
	return result, f.jobs.MarkSucceeded(ctx, job.ID, workerID, result)
}

func (f *fakeFinalizer) Fail(ctx context.Context, jobID int64, reason string) (models.MigrationJob, error) {
	if err := f.jobs.MarkFailed(ctx, jobID, reason); err != nil {
		return models.MigrationJob{}, err
	}
	f.reasons = append(f.reasons, reason)
	return f.jobs.Get(ctx, jobID)
}

func (f *fakeFinalizer) Cleanup(_ context.Context, job models.MigrationJob) error {
	f.cleaned = append(f.cleaned, job.ID)
	return nil
}

type sequenceIDs struct{ n atomic.Uint64 }

func (s *sequenceIDs) NextID() (uint64, error) { return s.n.Add(1) + 1000, nil }

type harness struct {
	jobs     *repotest.Jobs
	tables   *repotest.Metadata
	events   *repotest.Notifications
	cat      *catalogtest.Fake
	prov     *fakeProvisioner
	triggers *fakeTriggers
	copier   *fakeCopier
	fin      *fakeFinalizer
	runner   *Runner
	orch     *Orchestrator
	cfg      config.MigrationConfig
}

func testConfig() config.MigrationConfig {
	return config.MigrationConfig{
		DefaultSchema:  "public",
		AllowedSchemas: []string{"dmgr", "archive"},
		Verification:   config.VerificationRowCount,
		BatchSize:      100,
		MaxStepRetries: 2,
		RetryBackoff:   time.Millisecond,
		JobTimeout:     2 * time.Hour,
		LockTimeout:    time.Second,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		jobs:   repotest.NewJobs(),
		tables: repotest.NewMetadata(),
		events: &repotest.Notifications{},
		cat:    catalogtest.New(),
		cfg:    testConfig(),
	}
	h.prov = &fakeProvisioner{cat: h.cat}
	h.triggers = &fakeTriggers{}
	h.copier = &fakeCopier{pages: []string{"1", "2", "3"}}
	h.fin = &fakeFinalizer{jobs: h.jobs}

	h.cat.AddTable(ordersDef("public"), 3)
	h.tables.Tables["orders"] = models.TableMetadata{
		ID: "orders", Label: "Orders", PhysicalSchema: "public", PhysicalTable: "orders", Version: 1,
	}

	notifier := notification.NewService(h.events, zerolog.Nop())
	h.runner = NewRunner(RunnerDeps{
		Jobs:      h.jobs,
		Tables:    h.tables,
		Catalog:   h.cat,
		Shadows:   h.prov,
		Triggers:  h.triggers,
		Copier:    h.copier,
		Finalizer: h.fin,
		Notifier:  notifier,
		Tracer:    noop.NewTracerProvider().Tracer("test"),
	}, h.cfg, zerolog.Nop())
	h.orch = NewOrchestrator(OrchestratorDeps{
		Jobs:     h.jobs,
		Tables:   h.tables,
		Catalog:  h.cat,
		IDs:      &sequenceIDs{},
		Failer:   h.runner,
		Notifier: notifier,
	}, h.cfg, zerolog.Nop())
	return h
}

// claimed submits orders to dmgr and claims it as worker w1.
func (h *harness) claimed(t *testing.T) models.MigrationJob {
	t.Helper()
	res, err := h.orch.Submit(context.Background(), "orders", "dmgr")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := h.jobs.ClaimNext(context.Background(), "w1", time.Minute)
	if err != nil || job == nil || job.ID != res.JobID {
		t.Fatalf("claim: %v %v", job, err)
	}
	return *job
}
