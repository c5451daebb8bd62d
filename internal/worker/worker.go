package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/models"
	"github.com/stanstork/stratum-relocator/internal/repository"
)

var activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "active_workers",
	Help:      "Workers currently processing a migration job",
})

var jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "stratum",
	Subsystem: "migration",
	Name:      "jobs_claimed_total",
	Help:      "Jobs claimed by this process, including resumed ones",
})

// Processor runs a claimed job to completion. A nil error means the job is
// no longer this worker's concern; an error after ctx was cancelled leaves
// the job for another worker.
type Processor interface {
	Process(ctx context.Context, job models.MigrationJob) error
}

// Janitor drops retired shadow tables once their retention has passed.
type Janitor interface {
	ReclaimShadows(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Jobs      repository.JobRepository
	Processor Processor
	// Janitor is optional.
	Janitor         Janitor
	Count           int
	PollInterval    time.Duration
	Lease           time.Duration
	JanitorInterval time.Duration
	Logger          zerolog.Logger
}

// Pool is a fixed set of goroutines that claim jobs from the queue. Jobs
// survive the process: a claimed job keeps a heartbeat, and once it stops
// any pool can claim it again after the lease expires.
type Pool struct {
	cfg    Config
	prefix string
	logger zerolog.Logger
}

func NewPool(cfg Config) (*Pool, error) {
	if cfg.Jobs == nil || cfg.Processor == nil {
		return nil, errors.New("worker pool needs a job repository and a processor")
	}
	if cfg.Count <= 0 {
		return nil, errors.Errorf("worker count must be positive, got %d", cfg.Count)
	}
	if cfg.PollInterval <= 0 || cfg.Lease <= 0 {
		return nil, errors.New("poll interval and lease must be positive")
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		cfg:    cfg,
		prefix: host + "-" + uuid.NewString()[:8],
		logger: cfg.Logger.With().Str("component", "worker").Logger(),
	}, nil
}

// WorkerID is the identity the i-th goroutine claims jobs under.
func (p *Pool) WorkerID(i int) string {
	return fmt.Sprintf("%s-%d", p.prefix, i)
}

// Start blocks until ctx is cancelled and every in-flight job has returned.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info().
		Int("workers", p.cfg.Count).
		Dur("poll_interval", p.cfg.PollInterval).
		Dur("lease", p.cfg.Lease).
		Msg("worker pool started, polling for jobs")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.loop(ctx, workerID)
		}(p.WorkerID(i))
	}
	if p.cfg.Janitor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.janitor(ctx)
		}()
	}

	wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return ctx.Err()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.logger.With().Str("worker_id", workerID).Logger()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		claimed, err := p.processNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			// Log the error, but keep polling
			log.Error().Err(err).Msg("error processing jobs")
		}
		if claimed && ctx.Err() == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// processNext claims at most one job and runs it. It reports whether a job
// was claimed so the caller can poll again without waiting.
func (p *Pool) processNext(ctx context.Context, workerID string) (bool, error) {
	job, err := p.cfg.Jobs.ClaimNext(ctx, workerID, p.cfg.Lease)
	if err != nil {
		return false, errors.Wrap(err, "claim next job")
	}
	if job == nil {
		return false, nil
	}
	jobsClaimed.Inc()
	activeWorkers.Inc()
	defer activeWorkers.Dec()

	p.logger.Info().
		Int64("job_id", job.ID).
		Str("worker_id", workerID).
		Str("table_id", job.TableID).
		Str("step", string(job.Step)).
		Int("attempt", job.Attempts).
		Msg("claimed migration job")

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeat(hbCtx, job.ID, workerID)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	if err := p.cfg.Processor.Process(ctx, *job); err != nil {
		return true, errors.Wrapf(err, "process job %d", job.ID)
	}
	return true, nil
}

// heartbeat keeps the lease of a job fresh until ctx is done. It stops on
// its own once the job is no longer held by workerID.
func (p *Pool) heartbeat(ctx context.Context, jobID int64, workerID string) {
	interval := p.cfg.Lease / 3
	if interval <= 0 {
		interval = p.cfg.Lease
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.cfg.Jobs.Heartbeat(ctx, jobID, workerID)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrJobNotActive):
				p.logger.Warn().Int64("job_id", jobID).Str("worker_id", workerID).Msg("job no longer held, heartbeat stopped")
				return
			case ctx.Err() != nil:
				return
			default:
				p.logger.Warn().Err(err).Int64("job_id", jobID).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Pool) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.cfg.Janitor.ReclaimShadows(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error().Err(err).Msg("reclaiming retired shadows failed")
				}
				continue
			}
			if n > 0 {
				p.logger.Info().Int("reclaimed", n).Msg("retired shadows reclaimed")
			}
		}
	}
}
