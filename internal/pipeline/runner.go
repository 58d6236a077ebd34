package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/models"
)

const (
	DefaultBatchSize  = 10
	DefaultWorkerPool = 3
)

type Runner struct {
	store    Store
	executor *Executor
	workers  int
	log      *zap.Logger
	now      func() time.Time
}

func NewRunner(store Store, executor *Executor, workers int, log *zap.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkerPool
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{store: store, executor: executor, workers: workers, log: log, now: time.Now}
}

// RunBatch claims up to batchSize jobs and runs them on the worker pool.
// Jobs are independent: a failure or panic in one never affects another.
// Results keep claim order.
func (r *Runner) RunBatch(ctx context.Context, batchSize int) (models.BatchResult, error) {
	const op = "pipeline.RunBatch"

	switch {
	case batchSize <= 0:
		batchSize = DefaultBatchSize
	case batchSize > models.MaxBatchSize:
		batchSize = models.MaxBatchSize
	}

	r.log.Info("queue_poll_start", zap.Int("batch_size", batchSize))
	jobs, err := r.store.ClaimBatch(ctx, batchSize, r.now())
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("%s: %w", op, err)
	}
	r.log.Info("queue_poll_complete", zap.Int("claimed", len(jobs)))

	results := make([]models.JobResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = r.runOne(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	out := models.BatchResult{Processed: len(results), Results: results}
	for _, res := range results {
		if !res.Success {
			out.Failed++
		}
	}
	r.log.Info("queue_batch_complete",
		zap.Int("processed", out.Processed),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}

// RunJob runs a single already-claimed job with the same panic guard as a
// batch member.
func (r *Runner) RunJob(ctx context.Context, job models.Job) models.JobResult {
	return r.runOne(ctx, job)
}

func (r *Runner) runOne(ctx context.Context, job models.Job) (res models.JobResult) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job_panic",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			res = models.JobResult{
				ItemID:        job.ItemID.String(),
				JobID:         job.ID.String(),
				Error:         failure.CodeUnknown.Message(),
				ErrorCode:     string(failure.CodeUnknown),
				ErrorCategory: string(failure.Transient),
			}
		}
	}()
	return r.executor.Run(ctx, job)
}
