package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/api"
	"github.com/mikeyg42/tileabr/internal/config"
	"github.com/mikeyg42/tileabr/internal/logging"
	"github.com/mikeyg42/tileabr/internal/metrics"
	"github.com/mikeyg42/tileabr/internal/session"
	"github.com/mikeyg42/tileabr/internal/storage"
)

// Application holds all components
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	syncLogs func()

	metrics  *metrics.Metrics
	store    *storage.MetadataStore
	writer   *storage.Writer
	exporter storage.Exporter
	sessions *session.Manager
	server   *api.Server
}

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file (default tileabr.yaml if present)")
		envFile     = flag.String("env", ".env", "dotenv file loaded before the config")
		addr        = flag.String("addr", "", "listen address, overrides server.addr")
		healthcheck = flag.String("healthcheck", "", "poll URL's /api/health until ready, then exit")
	)
	flag.Parse()

	if *healthcheck != "" {
		if err := waitForServer(context.Background(), *healthcheck); err != nil {
			log.Fatalf("Server not ready: %v", err)
		}
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}
	defer app.Cleanup()

	if err := app.Run(ctx); err != nil {
		app.logger.Error("Server stopped", zap.Error(err))
	}
}

// NewApplication wires the stores, the session manager and the API server.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger, syncLogs, err := logging.Install(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	app := &Application{config: cfg, logger: logger, syncLogs: syncLogs, metrics: metrics.New()}

	if cfg.Storage.DB.Driver != "" && cfg.Storage.DB.Driver != "none" {
		app.store, err = storage.OpenMetadataStore(ctx, cfg.Storage.DB, logger)
		if err != nil {
			app.Cleanup()
			return nil, fmt.Errorf("failed to open metadata store: %w", err)
		}
		app.writer = storage.NewWriter(app.store, cfg.Storage.QueueSize, func(op string, err error) {
			app.metrics.StoreErrors.WithLabelValues(op).Inc()
		}, logger)
		app.writer.Start(ctx)
	}

	switch cfg.Storage.Exporter {
	case "local":
		app.exporter, err = storage.NewLocalExporter(cfg.Storage.LocalDir, logger)
	case "minio":
		app.exporter, err = storage.NewMinIOExporter(cfg.Storage.MinIO, logger)
	default:
		app.exporter = storage.Nop{}
	}
	if err != nil {
		app.Cleanup()
		return nil, fmt.Errorf("failed to create %s exporter: %w", cfg.Storage.Exporter, err)
	}

	app.sessions = session.NewManager(ctx, cfg, session.Deps{
		Metrics:  app.metrics,
		Writer:   app.writer,
		Exporter: app.exporter,
	}, logger)

	opts := api.Options{
		Config:   cfg,
		Sessions: app.sessions,
		Metrics:  app.metrics,
		Logger:   logger,
	}
	if app.store != nil {
		opts.History = app.store
	}
	app.server = api.NewServer(opts)

	logger.Info("Application initialized",
		zap.String("addr", cfg.Server.Addr),
		zap.String("mode", cfg.Session.Mode),
		zap.Int("tiles", cfg.Session.TileCount),
		zap.String("db", cfg.Storage.DB.Driver),
		zap.String("exporter", cfg.Storage.Exporter))
	return app, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (app *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- app.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		app.logger.Info("Shutdown requested")
		return nil
	}
}

// Cleanup stops components in reverse start order.
func (app *Application) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Warn("API server shutdown", zap.Error(err))
		}
	}
	if app.sessions != nil {
		if err := app.sessions.Shutdown(ctx); err != nil {
			app.logger.Warn("Session shutdown", zap.Error(err))
		}
	}
	if app.writer != nil {
		if err := app.writer.Close(); err != nil {
			app.logger.Warn("Metadata writer close", zap.Error(err))
		}
		stats := app.writer.Stats()
		app.logger.Info("Metadata writer stopped",
			zap.Uint64("written", stats.Written.Load()),
			zap.Uint64("dropped", stats.Dropped.Load()),
			zap.Uint64("failed", stats.Failed.Load()))
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Warn("Metadata store close", zap.Error(err))
		}
	}
	if app.syncLogs != nil {
		app.syncLogs()
	}
}
