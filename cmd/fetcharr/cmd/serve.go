package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/fetcharr/internal/adapters"
	"github.com/jmylchreest/fetcharr/internal/artwork"
	"github.com/jmylchreest/fetcharr/internal/backup"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/database"
	"github.com/jmylchreest/fetcharr/internal/database/migrations"
	"github.com/jmylchreest/fetcharr/internal/dispatch"
	internalhttp "github.com/jmylchreest/fetcharr/internal/http"
	"github.com/jmylchreest/fetcharr/internal/http/handlers"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/internal/ratelimit"
	"github.com/jmylchreest/fetcharr/internal/recovery"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
	"github.com/jmylchreest/fetcharr/internal/secrets"
	"github.com/jmylchreest/fetcharr/internal/service"
	"github.com/jmylchreest/fetcharr/internal/startup"
	"github.com/jmylchreest/fetcharr/internal/statemachine"
	"github.com/jmylchreest/fetcharr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fetcharr server",
	Long: `Start the fetcharr HTTP server, pipeline engine, and job runner.

The server provides:
- REST API for requests, pipelines, executions, workers, and jobs
- Websocket dispatch endpoint for fetcharr-encoderd workers
- Health check endpoint
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "", "Database DSN (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Base data directory (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlags(cmd, cfg)

	// Clean up temp directories left behind by a previous run.
	if removed, err := startup.CleanupSystemTempDirs(logger); err != nil {
		logger.Warn("failed to clean system temp directories", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned temp directories on startup", slog.Int("removed_count", removed))
	}
	if cfg.Storage.TempDir != "" {
		if removed, err := startup.CleanupOrphanedTempDirs(logger, cfg.Storage.TempDir, startup.DefaultCleanupAge); err != nil {
			logger.Warn("failed to clean storage temp directory", slog.String("error", err.Error()))
		} else if removed > 0 {
			logger.Info("cleaned storage temp directory on startup", slog.Int("removed_count", removed))
		}
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Repositories
	requestRepo := repository.NewRequestRepository(db.DB)
	itemRepo := repository.NewProcessingItemRepository(db.DB)
	templateRepo := repository.NewTemplateRepository(db.DB)
	executionRepo := repository.NewExecutionRepository(db.DB)
	stepRepo := repository.NewStepExecutionRepository(db.DB)
	jobRepo := repository.NewJobRepository(db.DB)
	workerRepo := repository.NewEncoderWorkerRepository(db.DB)
	assignmentRepo := repository.NewEncoderAssignmentRepository(db.DB)
	downloadRepo := repository.NewDownloadRepository(db.DB)
	rateLimitRepo := repository.NewRateLimitRepository(db.DB)
	secretRepo := repository.NewSecretRepository(db.DB)

	secretStore, err := buildSecretStore(cfg, secretRepo, logger)
	if err != nil {
		return fmt.Errorf("initializing secret store: %w", err)
	}

	adapterSet, err := adapters.Build(context.Background(), cfg, secretStore, logger)
	if err != nil {
		return fmt.Errorf("building adapters: %w", err)
	}

	limiter := ratelimit.NewLimiter(rateLimitRepo).WithLogger(logger)
	machine := statemachine.New(itemRepo).WithLogger(logger)

	// Pipeline engine and step handlers
	registry := pipeline.NewRegistry()
	engine := pipeline.NewEngine(executionRepo, stepRepo, templateRepo, requestRepo, registry).
		WithLogger(logger).
		WithStepTimeout(cfg.Pipeline.StepTimeout)

	dispatcher := dispatch.New(cfg.Dispatch, workerRepo, assignmentRepo, itemRepo, executionRepo, machine, engine).
		WithLogger(logger).
		WithOutputDir(cfg.Storage.TempDir)

	artworkFetcher := artwork.New(cfg.Storage.TempDir).WithLogger(logger)

	steps.RegisterAll(registry, steps.Dependencies{
		Items:       itemRepo,
		Downloads:   downloadRepo,
		Assignments: assignmentRepo,
		Machine:     machine,
		Adapters:    adapterSet,
		Limiter:     limiter,
		Artwork:     artworkFetcher,
		Search:      cfg.Search,
		Download:    cfg.Download,
		Dispatch:    cfg.Dispatch,
		Logger:      logger,
	})

	// Services
	requestService := service.NewRequestService(requestRepo, itemRepo, templateRepo, executionRepo, machine, engine).
		WithLogger(logger)
	executionService := service.NewExecutionService(executionRepo, stepRepo, engine).
		WithLogger(logger)

	// When an execution reaches a terminal state the owning request's
	// aggregate status is recomputed from its items.
	engine.WithTerminalListener(func(ctx context.Context, execution *models.PipelineExecution) {
		requestService.SyncAggregate(ctx, execution.RequestID)
	})

	recoverySvc := recovery.New(cfg.Recovery, itemRepo, downloadRepo, assignmentRepo, executionRepo, machine, adapterSet.Downloads, engine).
		WithLogger(logger).
		WithDownloadCategory(cfg.Download.Category).
		WithBranchSpawner(engine)

	backupSvc := backup.New(cfg.Backup, cfg.Storage.BaseDir, templateRepo, requestRepo, secretRepo).
		WithLogger(logger)

	// Maintenance job scheduling and execution
	sched := scheduler.NewScheduler(jobRepo, scheduler.SchedulesFromConfig(cfg)).
		WithLogger(logger).
		WithConfig(scheduler.SchedulerConfig{SyncInterval: cfg.Scheduler.SyncInterval})

	executor := scheduler.NewExecutor(jobRepo).WithLogger(logger)
	executor.RegisterHandler(models.JobTypeRecoverySweep, scheduler.NewRecoverySweepHandler(recoverySvc))
	executor.RegisterHandler(models.JobTypeCooldownPromote, scheduler.NewCooldownPromoteHandler(recoverySvc))
	executor.RegisterHandler(models.JobTypeDownloadPoll, scheduler.NewDownloadPollHandler(recoverySvc))
	executor.RegisterHandler(models.JobTypeRateLimitGC, scheduler.NewRateLimitGCHandler(limiter))
	executor.RegisterHandler(models.JobTypeBackup, scheduler.NewBackupJobHandler(backupSvc).WithLogger(logger))

	runner := scheduler.NewRunner(jobRepo, executor).
		WithLogger(logger).
		WithConfig(scheduler.RunnerConfig{
			WorkerCount:  cfg.Scheduler.WorkerCount,
			PollInterval: cfg.Scheduler.PollInterval,
		})

	jobService := service.NewJobService(jobRepo, sched, runner).WithLogger(logger)

	// HTTP server
	serverConfig := internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.MaxConnections,
	}
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	handlers.NewHealthHandler(version.Version).WithDB(db).Register(server.API())
	handlers.NewVersionHandler().Register(server.API())
	handlers.NewRequestHandler(requestService).Register(server.API())
	handlers.NewPipelineHandler(templateRepo).Register(server.API())
	handlers.NewExecutionHandler(executionService).Register(server.API())
	handlers.NewWorkerHandler(workerRepo, dispatcher).Register(server.API())
	handlers.NewDownloadHandler(downloadRepo).Register(server.API())
	handlers.NewJobHandler(jobService).Register(server.API())

	// Encoder workers connect over websocket outside the huma API surface.
	server.Router().Handle(cfg.Dispatch.Path, dispatcher.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	engine.Start(ctx)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("starting job runner: %w", err)
	}

	// Executions that were mid-walk when the previous process died get their
	// interrupted steps reset and a fresh walk scheduled.
	if ids, err := startup.RecoverInterruptedExecutions(ctx, logger, executionRepo, stepRepo); err != nil {
		logger.Warn("failed to recover interrupted executions", slog.String("error", err.Error()))
	} else {
		for _, id := range ids {
			engine.Schedule(id)
		}
	}

	logger.Info("starting fetcharr server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
	)

	serveErr := server.ListenAndServe(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	runner.Stop()
	sched.Stop()
	dispatcher.Stop(shutdownCtx)
	engine.Stop(shutdownCtx)

	return serveErr
}

// applyServeFlags overrides loaded config with explicitly set CLI flags.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Storage.BaseDir, _ = cmd.Flags().GetString("data-dir")
	}
}

// buildSecretStore assembles the secret store from configured keys. With no
// keys configured the store is nil and secret references in adapter configs
// fall back to their inline values.
func buildSecretStore(cfg *config.Config, repo repository.SecretRepository, logger *slog.Logger) (*secrets.Store, error) {
	keys := append([]string(nil), cfg.Secrets.Keys...)
	if cfg.Secrets.KeyFile != "" {
		fileKeys, err := secrets.ReadKeyFile(cfg.Secrets.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		keys = append(keys, fileKeys...)
	}
	if len(keys) == 0 {
		logger.Warn("no secret keys configured, stored secrets are unavailable")
		return nil, nil
	}

	store, err := secrets.NewStore(repo, keys)
	if err != nil {
		return nil, err
	}
	return store.WithLogger(logger), nil
}
