package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/api"
	"github.com/medisync-ke/claims-pipeline/internal/bulk"
	"github.com/medisync-ke/claims-pipeline/internal/bulk/history"
	"github.com/medisync-ke/claims-pipeline/internal/claims"
	"github.com/medisync-ke/claims-pipeline/internal/config"
	"github.com/medisync-ke/claims-pipeline/internal/excel"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
	"github.com/medisync-ke/claims-pipeline/pkg/database"
	"github.com/medisync-ke/claims-pipeline/pkg/utils"
)

func main() {
	// Credentials live in .env during local development.
	_ = gotenv.Load()

	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting bulk claims pipeline",
		zap.Int("port", cfg.Server.Port))

	db, err := database.Open(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(ctx, cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	for _, dir := range []string{cfg.Bulk.UploadDir, cfg.Bulk.ProcessedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("Failed to create working directory",
				zap.String("dir", dir),
				zap.Error(err))
		}
	}

	environments := make(map[string]fhirclient.Environment, len(cfg.Environments))
	var clientCfg fhirclient.Config
	for name, env := range cfg.Environments {
		environments[name] = fhirclient.Environment{
			Name:    name,
			BaseURL: env.BaseURL,
			APIKey:  env.APIKey,
		}
		// One client is shared across environments, so it carries the
		// longest configured timeout.
		if env.Timeout > clientCfg.Timeout {
			clientCfg.Timeout = env.Timeout
		}
	}

	client := fhirclient.NewClient(clientCfg, logger)
	builder := claims.NewBundleBuilder(claims.DefaultServerURLs())

	resultWriter, err := excel.NewWriter(cfg.Bulk.ProcessedDir, logger)
	if err != nil {
		logger.Fatal("Failed to prepare result writer", zap.Error(err))
	}

	openSource := func(path string, batchSize int) (bulk.BatchSource, error) {
		reader, err := excel.NewReader(path, batchSize, logger)
		if err != nil {
			return nil, err
		}
		return reader, nil
	}

	historyStore := history.NewStore(db, logger)

	coordinator := bulk.NewCoordinator(
		ctx,
		bulk.CoordinatorConfig{
			BatchSize:    cfg.Bulk.BatchSize,
			BatchDelay:   cfg.Bulk.BatchDelay,
			UploadDir:    cfg.Bulk.UploadDir,
			ProcessedDir: cfg.Bulk.ProcessedDir,
			Submitter: bulk.SubmitterConfig{
				Concurrency: cfg.Bulk.Concurrency,
				WindowDelay: cfg.Bulk.WindowDelay,
				PollRetries: cfg.Bulk.PollRetries,
				PollDelay:   cfg.Bulk.PollDelay,
			},
		},
		bulk.NewRegistry(),
		client,
		builder,
		openSource,
		resultWriter,
		historyStore,
		logger,
	)

	// Drain the coordinator's event stream into the log.
	go func() {
		for event := range coordinator.Events() {
			logger.Debug("Job event",
				zap.String("type", string(event.Type)),
				zap.String("job_id", event.JobID),
				zap.Int("total_processed", event.TotalProcessed))
		}
	}()

	handlers := api.NewHandlers(coordinator, client, historyStore, environments, cfg.Bulk.UploadDir, logger)
	server := api.NewServer(api.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, handlers, logger)

	if err := server.Start(ctx); err != nil {
		logger.Error("HTTP server terminated", zap.Error(err))
	}

	// Let background jobs finish before the process exits.
	logger.Info("Waiting for running jobs to settle")
	coordinator.Wait()

	logger.Info("Server exited")
}
