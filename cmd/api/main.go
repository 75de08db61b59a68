package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/config"
	"github.com/zhouzirui/dealroom/backend/internal/handler"
	"github.com/zhouzirui/dealroom/backend/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dealroom-api",
	Short: "Dealroom chat backend",
	Long: `Dealroom chat backend: conversations with language models about
portfolio companies, streamed to browsers over WebSocket or SSE.

Without a subcommand the HTTP server is started.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and embedded workers for the in-memory queue)",
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run generation workers against the shared Redis queue",
	RunE:  runWorker,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "optional YAML config file")
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads .env and the configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return err
	}
	defer app.Close()

	workersDone := make(chan error, 1)
	if cfg.Queue.RunsEmbeddedWorkers() {
		go func() { workersDone <- app.runWorkers(ctx) }()
		logger.Info("embedded workers started",
			zap.String("queue", cfg.Queue.Driver),
			zap.Int("workers", cfg.Queue.Workers))
	} else {
		close(workersDone)
		logger.Info("embedded workers disabled, run `worker` to process replies")
	}

	router := handler.NewRouter(handler.Deps{
		Models:         app.models,
		Chats:          app.chats,
		Events:         app.bus,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		JWTSecret:      cfg.Auth.JWTSecret,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("dealroom backend listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Database.Driver),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("provider", cfg.AI.Provider))
	serveErr := runServer(ctx, srv, cfg.Server.ShutdownTimeout)

	// workers stop taking jobs once ctx is cancelled; replies in flight still finish
	stop()
	if err := <-workersDone; err != nil {
		logger.Warn("workers stopped with error", zap.Error(err))
	}
	if serveErr != nil {
		logger.Error("server error", zap.Error(serveErr))
	}
	return serveErr
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Queue.Driver != "redis" {
		return fmt.Errorf("the worker command needs QUEUE_DRIVER=redis, got %q", cfg.Queue.Driver)
	}

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", zap.Error(err))
		return err
	}
	defer app.Close()

	logger.Info("worker started",
		zap.String("queue_key", cfg.Queue.Key),
		zap.Int("workers", cfg.Queue.Workers))
	err = app.runWorkers(ctx)
	logger.Info("worker stopped")
	return err
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
