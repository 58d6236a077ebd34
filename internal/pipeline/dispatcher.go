package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/models"
)

// Request selects the mode of one invocation. ItemID wins over BatchSize.
type Request struct {
	ItemID       *uuid.UUID
	BatchSize    int
	RecoverStale bool
}

type Response struct {
	Success   bool               `json:"success"`
	Processed *int               `json:"processed,omitempty"`
	Failed    *int               `json:"failed,omitempty"`
	Recovered *int               `json:"recovered,omitempty"`
	Results   []models.JobResult `json:"results,omitempty"`
}

type DispatcherConfig struct {
	MaxAttempts      int
	DefaultBatchSize int
	StaleThreshold   time.Duration
}

type Dispatcher struct {
	store     Store
	runner    *Runner
	recoverer *Recoverer
	cfg       DispatcherConfig
	log       *zap.Logger
	now       func() time.Time
}

func NewDispatcher(store Store, runner *Runner, recoverer *Recoverer, cfg DispatcherConfig, log *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = DefaultBatchSize
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:     store,
		runner:    runner,
		recoverer: recoverer,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Dispatch runs one invocation. Pipeline failures are reported per job in
// the response; only store outages surface as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	if req.ItemID != nil {
		return d.direct(ctx, *req.ItemID)
	}
	return d.queue(ctx, req)
}

func (d *Dispatcher) queue(ctx context.Context, req Request) (Response, error) {
	const op = "pipeline.Dispatch.queue"

	resp := Response{Success: true}
	if req.RecoverStale {
		n, err := d.recoverer.RecoverStale(ctx, d.cfg.StaleThreshold)
		if err != nil {
			return Response{}, fmt.Errorf("%s: %w", op, err)
		}
		resp.Recovered = &n
	}

	size := req.BatchSize
	if size <= 0 {
		size = d.cfg.DefaultBatchSize
	}
	batch, err := d.runner.RunBatch(ctx, size)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", op, err)
	}
	resp.Processed = &batch.Processed
	resp.Failed = &batch.Failed
	resp.Results = batch.Results
	return resp, nil
}

// direct processes a single item on demand. The item's job is created if
// needed and claimed immediately, ignoring any scheduled retry time.
func (d *Dispatcher) direct(ctx context.Context, itemID uuid.UUID) (Response, error) {
	const op = "pipeline.Dispatch.direct"

	log := d.log.With(zap.String("item_id", itemID.String()))
	now := d.now()

	item, err := d.store.GetItem(ctx, itemID)
	if errors.Is(err, models.ErrItemNotFound) {
		log.Warn("direct_item_not_found")
		return single(rejected(itemID, "", failure.CodeNotFound)), nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", op, err)
	}
	if item.OriginalKey == "" {
		log.Warn("direct_item_without_original")
		return single(rejected(itemID, "", failure.CodeValidation)), nil
	}

	created, err := d.store.EnqueueJob(ctx, item.ID, item.OriginalKey, d.cfg.MaxAttempts, now)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", op, err)
	}
	job, err := d.store.FindJob(ctx, item.ID, item.OriginalKey)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", op, err)
	}
	log.Info("direct_job_resolved", zap.String("job_id", job.ID.String()), zap.Bool("created", created))

	claimed, err := d.store.ClaimJob(ctx, job.ID, now)
	if errors.Is(err, models.ErrJobUnavailable) {
		log.Info("direct_job_unavailable", zap.String("job_id", job.ID.String()), zap.String("status", string(job.Status)))
		return single(rejected(itemID, job.ID.String(), failure.CodeValidation)), nil
	}
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", op, err)
	}

	return single(d.runner.RunJob(ctx, *claimed)), nil
}

func rejected(itemID uuid.UUID, jobID string, code failure.Code) models.JobResult {
	return models.JobResult{
		ItemID:        itemID.String(),
		JobID:         jobID,
		Error:         code.Message(),
		ErrorCode:     string(code),
		ErrorCategory: string(code.Category()),
	}
}

func single(res models.JobResult) Response {
	processed, failed := 1, 0
	if !res.Success {
		failed = 1
	}
	return Response{
		Success:   true,
		Processed: &processed,
		Failed:    &failed,
		Results:   []models.JobResult{res},
	}
}
