package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"item-image-pipeline/internal/backoff"
	"item-image-pipeline/internal/blob"
	"item-image-pipeline/internal/cache"
	"item-image-pipeline/internal/events"
	"item-image-pipeline/internal/imageproc"
	"item-image-pipeline/internal/models"
	"item-image-pipeline/internal/pipeline"
	"item-image-pipeline/internal/provider"
	"item-image-pipeline/internal/storage"
)

type app struct {
	cfg        *models.Config
	db         *storage.Storage
	provider   *provider.Client
	publisher  *events.Publisher
	cache      *cache.ItemCache
	dispatcher *pipeline.Dispatcher
	log        *zap.Logger
}

func newApp(ctx context.Context, cfg *models.Config, log *zap.Logger) (*app, error) {
	const op = "main.newApp"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	var err error

	a.db, err = storage.NewStorage(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	objects, err := blob.NewClient(ctx, cfg.StorageEndpoint, cfg.StorageAccessKey, cfg.StorageSecretKey,
		cfg.StorageBucket, cfg.StorageUseSSL, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.cache, err = cache.NewItemCache(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.provider = provider.NewClient(provider.Config{
		BaseURL:      cfg.ProviderBaseURL,
		APIToken:     cfg.ProviderAPIToken,
		ModelVersion: cfg.ProviderModelVersion,
		PollInterval: cfg.ProviderPollInterval(),
	}, log)
	a.publisher = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic, log)

	deps := pipeline.Deps{
		Store:   a.db,
		Blob:    objects,
		Remover: a.provider,
		Imager: imageproc.NewProcessor(imageproc.Options{
			ThumbnailSize: cfg.ThumbnailSize,
			CleanMaxEdge:  cfg.CleanImageMaxDimension,
			JPEGQuality:   cfg.JPEGQuality,
		}),
		Notifier: a.publisher,
		Cache:    a.cache,
		Log:      log,
	}
	policy := backoff.Policy{
		Base:   cfg.RetryBaseDelay(),
		Max:    cfg.RetryMaxDelay(),
		Jitter: backoff.DefaultJitter,
	}

	executor := pipeline.NewExecutor(deps, policy, cfg.ProviderTimeout())
	runner := pipeline.NewRunner(a.db, executor, cfg.WorkerPoolSize, log)
	a.dispatcher = pipeline.NewDispatcher(a.db, runner, pipeline.NewRecoverer(deps), pipeline.DispatcherConfig{
		MaxAttempts:      cfg.JobMaxAttempts,
		DefaultBatchSize: cfg.DefaultBatchSize,
		StaleThreshold:   cfg.StaleJobThreshold(),
	}, log)

	return a, nil
}

func (a *app) Close() {
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if err := a.publisher.Close(); err != nil {
		a.log.Warn("publisher_close_failed", zap.Error(err))
	}
	if err := a.cache.Close(); err != nil {
		a.log.Warn("cache_close_failed", zap.Error(err))
	}
	if a.db != nil {
		a.db.Close()
	}
}
