package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/bus"
	"github.com/zhouzirui/dealroom/backend/internal/config"
	"github.com/zhouzirui/dealroom/backend/internal/model/catalog"
	"github.com/zhouzirui/dealroom/backend/internal/queue"
	"github.com/zhouzirui/dealroom/backend/internal/service/ai"
	"github.com/zhouzirui/dealroom/backend/internal/service/broadcast"
	chatService "github.com/zhouzirui/dealroom/backend/internal/service/chat"
	"github.com/zhouzirui/dealroom/backend/internal/store"
)

type taskQueue interface {
	queue.TaskQueue
	queue.Runner
}

// app holds every long-lived component for one process.
type app struct {
	logger      *zap.Logger
	store       store.Store
	bus         bus.Bus
	queue       taskQueue
	models      catalog.Store
	chats       *chatService.Service
	broadcaster *broadcast.Broadcaster
	closers     []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = openStore(cfg.Database, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	var redisClient *redis.Client
	if cfg.Bus.Driver == "redis" || cfg.Queue.Driver == "redis" {
		if redisClient, err = openRedis(ctx, cfg.Bus); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, redisClient.Close)
	}

	switch cfg.Bus.Driver {
	case "redis":
		a.bus = bus.NewRedisBus(redisClient, logger)
	case "nats":
		if a.bus, err = bus.NewNATSBus(cfg.Bus.NATSURL, logger); err != nil {
			return nil, err
		}
	default:
		a.bus = bus.NewMemoryBus(logger)
	}
	a.closers = append(a.closers, a.bus.Close)

	queueOpts := queue.Options{
		Workers:     cfg.Queue.Workers,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      logger,
	}
	switch cfg.Queue.Driver {
	case "redis":
		a.queue = queue.NewRedisQueue(redisClient, queue.RedisOptions{Options: queueOpts, Key: cfg.Queue.Key})
	default:
		mq := queue.NewMemoryQueue(queueOpts)
		a.queue = mq
		a.closers = append(a.closers, mq.Close)
	}

	if a.models, err = loadCatalog(cfg.AI); err != nil {
		return nil, err
	}
	provider, err := ai.NewProvider(cfg.AI, logger)
	if err != nil {
		return nil, err
	}
	completer := ai.NewService(provider, a.models, ai.Options{
		HistoryLimit: cfg.AI.HistoryLimit,
		Logger:       logger,
	})

	a.broadcaster = broadcast.New(a.store, completer, a.bus, broadcast.Options{
		GenerationTimeout: cfg.AI.GenerationTimeout,
		Logger:            logger,
	})
	a.chats = chatService.NewService(a.store, a.models, a.queue, chatService.Options{
		DefaultModel: cfg.AI.DefaultModel,
		Logger:       logger,
	})
	return a, nil
}

// runWorkers blocks until ctx is cancelled and in-flight replies are done.
func (a *app) runWorkers(ctx context.Context) error {
	return a.queue.Run(ctx, a.broadcaster.Handle)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path, logger)
	case "postgres":
		return store.NewGormStore(cfg.DSN, logger)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openRedis(ctx context.Context, cfg config.BusConfig) (*redis.Client, error) {
	opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisURL != "" {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// loadCatalog uses AI_MODELS when set and the built-in list otherwise.
func loadCatalog(cfg config.AIConfig) (catalog.Store, error) {
	if cfg.Models == "" {
		return catalog.NewMemoryStore(catalog.Seed()), nil
	}
	models, err := catalog.Parse(cfg.Models, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("invalid AI_MODELS: %w", err)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("AI_MODELS lists no models")
	}
	return catalog.NewMemoryStore(models), nil
}
