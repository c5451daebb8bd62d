package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/catalog"
	"github.com/stanstork/stratum-relocator/internal/cdc"
	"github.com/stanstork/stratum-relocator/internal/config"
	"github.com/stanstork/stratum-relocator/internal/dbmigrate"
	"github.com/stanstork/stratum-relocator/internal/handlers"
	"github.com/stanstork/stratum-relocator/internal/migration"
	"github.com/stanstork/stratum-relocator/internal/notification"
	"github.com/stanstork/stratum-relocator/internal/repository"
	"github.com/stanstork/stratum-relocator/internal/routes"
	"github.com/stanstork/stratum-relocator/internal/shadow"
	"github.com/stanstork/stratum-relocator/internal/telemetry"
	"github.com/stanstork/stratum-relocator/internal/temporal"
	"github.com/stanstork/stratum-relocator/internal/temporal/activities"
	"github.com/stanstork/stratum-relocator/internal/temporal/workflows"
	"github.com/stanstork/stratum-relocator/internal/transfer"
	"github.com/stanstork/stratum-relocator/internal/worker"
	tc "go.temporal.io/sdk/client"
	tw "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

type application struct {
	config        *config.Config
	db            *pgxpool.Pool
	logger        zerolog.Logger
	notifications notification.Service
	orchestrator  *migration.Orchestrator
	runner        *migration.Runner
	coordinator   *migration.Coordinator
	jobs          repository.JobRepository
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
		logger = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.SetFlags(0)
	log.SetOutput(logger)
	return logger
}

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	if tp != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Tracer shutdown error")
			}
		}()
	}

	// Run database migrations.
	if err := dbmigrate.RunMigrations(cfg.DatabaseURL, cfg.RegistrySchema, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Initialize database connection.
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	app := &application{config: cfg, db: db, logger: logger}

	// Initialize notification service.
	var notifiers []notification.Notifier
	if cfg.Nats.URL != "" {
		nc, err := notification.ConnectNats(cfg.Nats.URL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Unable to connect to NATS")
		}
		defer nc.Drain()
		notifiers = append(notifiers, notification.NewNatsNotifier(nc, cfg.Nats.SubjectPrefix))
	}
	notificationRepo := repository.NewNotificationRepository(db, cfg.RegistrySchema)
	app.notifications = notification.NewService(notificationRepo, logger, notifiers...)

	if err := app.initMigrations(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize migration subsystem")
	}

	// Pick the executor and start the worker pool.
	var processor worker.Processor = app.runner
	var temporalWorker tw.Worker
	if cfg.Worker.Executor == config.ExecutorTemporal {
		temporalClient, err := tc.Dial(tc.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    temporal.NewTemporalAdapter(logger),
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Unable to create Temporal client")
		}
		defer temporalClient.Close()

		temporalWorker = app.startTemporalWorker(temporalClient)
		processor = temporal.NewExecutor(temporalClient, cfg.Temporal.TaskQueue, app.runner,
			app.notifications, cfg.Migration, logger)
	}

	pool, err := worker.NewPool(worker.Config{
		Jobs:            app.jobs,
		Processor:       processor,
		Janitor:         app.coordinator,
		Count:           cfg.Worker.Count,
		PollInterval:    cfg.Worker.PollInterval,
		Lease:           cfg.Worker.Lease,
		JanitorInterval: janitorInterval(cfg.Migration.ShadowRetention),
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create worker pool")
	}
	poolCtx, stopPool := context.WithCancel(context.Background())
	var poolDone sync.WaitGroup
	poolDone.Add(1)
	go func() {
		defer poolDone.Done()
		pool.Start(poolCtx)
	}()

	// Initialize the HTTP router and middleware.
	router := routes.NewRouter(handlers.NewMigrationHandler(app.orchestrator, logger), db, logger)
	handler := h.RecoveryHandler(h.PrintRecoveryStack(true), h.RecoveryLogger(recoveryLogger{logger}))(router)

	app.startServer(ctx, handler)

	// In-flight jobs stop at their next step boundary and stay PROCESSING
	// until this or another worker resumes them.
	logger.Info().Msg("Stopping worker pool...")
	stopPool()
	poolDone.Wait()

	if temporalWorker != nil {
		logger.Info().Msg("Stopping Temporal worker...")
		temporalWorker.Stop()
		logger.Info().Msg("Temporal worker stopped.")
	}

	logger.Info().Msg("Application terminated.")
}

// initMigrations wires the migration subsystem: catalog and sync triggers,
// transfer engine, shadow builder, cutover coordinator, runner and
// orchestrator.
func (app *application) initMigrations() error {
	cfg := app.config
	logger := app.logger

	ids, err := migration.NewIDGenerator(cfg.Worker.MachineID)
	if err != nil {
		return err
	}

	cat := catalog.NewPostgres(app.db, logger)
	triggers := cdc.NewManager(app.db, cfg.Migration.LockTimeout, logger)
	engine := transfer.NewEngine(app.db, cat, logger)

	app.jobs = repository.NewJobRepository(app.db, cfg.RegistrySchema)
	tables := repository.NewMetadataRepository(app.db, cfg.RegistrySchema)

	// The registry schema holds the authoritative rows; only other schemas
	// get mirror rows.
	mirrors := func(schema string) repository.MetadataRepository {
		if schema == cfg.RegistrySchema {
			return nil
		}
		return repository.NewMetadataRepository(app.db, schema)
	}

	app.coordinator = migration.NewCoordinator(migration.CoordinatorDeps{
		DB:       app.db,
		Catalog:  cat,
		Triggers: triggers,
		Jobs:     app.jobs,
		Tables:   tables,
		Mirrors:  mirrors,
		Notifier: app.notifications,
	}, cfg.Migration, logger)

	app.runner = migration.NewRunner(migration.RunnerDeps{
		Jobs:      app.jobs,
		Tables:    tables,
		Catalog:   cat,
		Shadows:   shadow.NewBuilder(cat, mirrors, logger),
		Triggers:  triggers,
		Copier:    engine,
		Finalizer: app.coordinator,
		Notifier:  app.notifications,
		Tracer:    telemetry.Tracer(),
	}, cfg.Migration, logger)

	app.orchestrator = migration.NewOrchestrator(migration.OrchestratorDeps{
		Jobs:     app.jobs,
		Tables:   tables,
		Catalog:  cat,
		IDs:      ids,
		Failer:   app.runner,
		Exporter: engine,
		Notifier: app.notifications,
	}, cfg.Migration, logger)
	return nil
}

func (app *application) startTemporalWorker(c tc.Client) tw.Worker {
	w := tw.New(c, app.config.Temporal.TaskQueue, tw.Options{})

	w.RegisterWorkflowWithOptions(workflows.MigrationWorkflow, workflow.RegisterOptions{Name: temporal.WorkflowName})
	w.RegisterActivity(&activities.Activities{Runner: app.runner})

	app.logger.Info().Str("task_queue", app.config.Temporal.TaskQueue).Msg("Starting Temporal worker...")
	if err := w.Start(); err != nil {
		app.logger.Fatal().Err(err).Msg("Unable to start worker")
	}
	return w
}

// startServer launches the HTTP server and blocks until ctx is cancelled or
// the server fails, then shuts it down gracefully.
func (app *application) startServer(ctx context.Context, handler http.Handler) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal. Shutting down...")
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}

// janitorInterval checks for expired shadows a few times per retention
// period, at most once a minute.
func janitorInterval(retention time.Duration) time.Duration {
	if interval := retention / 4; interval > time.Minute {
		return interval
	}
	return time.Minute
}

type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Msg("panic recovered: " + fmt.Sprint(v...))
}
