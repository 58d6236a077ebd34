package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"item-image-pipeline/internal/backoff"
	"item-image-pipeline/internal/blob"
	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/models"
)

const DefaultProviderTimeout = 120 * time.Second

type Deps struct {
	Store    Store
	Blob     Blob
	Remover  Remover
	Imager   Imager
	Notifier Notifier
	Cache    ItemCache
	Log      *zap.Logger
}

type Executor struct {
	store    Store
	blob     Blob
	remover  Remover
	imager   Imager
	notifier Notifier
	cache    ItemCache
	log      *zap.Logger

	backoff         backoff.Policy
	providerTimeout time.Duration
	now             func() time.Time
}

func NewExecutor(d Deps, policy backoff.Policy, providerTimeout time.Duration) *Executor {
	if providerTimeout <= 0 {
		providerTimeout = DefaultProviderTimeout
	}
	e := &Executor{
		store:           d.Store,
		blob:            d.Blob,
		remover:         d.Remover,
		imager:          d.Imager,
		notifier:        d.Notifier,
		cache:           d.Cache,
		log:             d.Log,
		backoff:         policy,
		providerTimeout: providerTimeout,
		now:             time.Now,
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.cache == nil {
		e.cache = nopCache{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Run executes one claimed job to a recorded outcome. It never returns an
// error: every failure ends as a job state transition plus a failed result.
func (e *Executor) Run(ctx context.Context, job models.Job) models.JobResult {
	start := e.now()
	log := e.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("item_id", job.ItemID.String()),
		zap.Int("attempt", job.AttemptCount),
	)
	log.Info("job_started")

	item, err := e.prepare(ctx, job)
	if err == nil {
		e.invalidate(ctx, log, job)
		var keys models.ImageKeys
		keys, err = e.process(ctx, log, job, item)
		if err == nil {
			return e.succeed(ctx, log, job, keys, start)
		}
		if errors.Is(err, models.ErrJobUnavailable) {
			log.Warn("job_unavailable", zap.Error(err))
			return e.result(job, start, failure.CodeUnknown, "Job no longer available")
		}
		if ferr := e.store.FailItem(ctx, job.ItemID, e.now()); ferr != nil && !errors.Is(ferr, models.ErrItemNotFound) {
			log.Error("item_fail_write_failed", zap.Error(ferr))
		}
		e.invalidate(ctx, log, job)
	}
	return e.decide(ctx, log, job, err, start)
}

// prepare checks the item and takes it into processing. Errors here leave
// the item untouched.
func (e *Executor) prepare(ctx context.Context, job models.Job) (*models.Item, error) {
	const op = "pipeline.prepare"

	item, err := e.store.GetItem(ctx, job.ItemID)
	if err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			return nil, failure.NotFound(op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if item.OriginalKey == "" {
		return nil, failure.Validation(op, errors.New("item has no original image"))
	}
	if item.OriginalKey != job.OriginalKey {
		return nil, failure.Validation(op, errors.New("item original changed since job was enqueued"))
	}
	if !item.Status.Eligible() {
		return nil, failure.Validation(op, fmt.Errorf("item status %q", item.Status))
	}

	if err := e.store.MarkItemProcessing(ctx, item.ID, e.now()); err != nil {
		switch {
		case errors.Is(err, models.ErrItemNotFound):
			return nil, failure.NotFound(op, err)
		case errors.Is(err, models.ErrItemNotEligible):
			return nil, failure.Validation(op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return item, nil
}

func (e *Executor) process(ctx context.Context, log *zap.Logger, job models.Job, item *models.Item) (models.ImageKeys, error) {
	const op = "pipeline.process"

	log.Info("storage_download_start", zap.String("key", item.OriginalKey))
	original, err := e.blob.Download(ctx, item.OriginalKey)
	if err != nil {
		return models.ImageKeys{}, err
	}
	log.Info("storage_download_complete", zap.Int("bytes", len(original)))

	if err := e.imager.Validate(original); err != nil {
		return models.ImageKeys{}, err
	}

	log.Info("provider_start")
	providerStart := e.now()
	pctx, cancel := context.WithTimeout(ctx, e.providerTimeout)
	removed, err := e.remover.RemoveBackground(pctx, original)
	cancel()
	if err != nil {
		return models.ImageKeys{}, err
	}
	log.Info("provider_complete", zap.Int64("duration_ms", e.now().Sub(providerStart).Milliseconds()))

	artifacts, err := e.imager.Process(removed)
	if err != nil {
		return models.ImageKeys{}, err
	}

	keys := blob.ItemKeys(item.UserID, item.ID)
	for _, up := range []struct {
		key  string
		data []byte
	}{
		{keys.Clean, artifacts.Clean},
		{keys.Thumb, artifacts.Thumb},
	} {
		log.Info("storage_upload_start", zap.String("key", up.key), zap.Int("bytes", len(up.data)))
		if err := e.blob.Upload(ctx, up.key, up.data, blob.ContentTypeJPEG); err != nil {
			return models.ImageKeys{}, err
		}
		log.Info("storage_upload_complete", zap.String("key", up.key))
	}

	if err := e.store.MarkComplete(ctx, job, keys, e.now()); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			return models.ImageKeys{}, failure.NotFound(op, err)
		}
		return models.ImageKeys{}, err
	}
	return keys, nil
}

func (e *Executor) succeed(ctx context.Context, log *zap.Logger, job models.Job, keys models.ImageKeys, start time.Time) models.JobResult {
	now := e.now()
	duration := now.Sub(start).Milliseconds()
	log.Info("job_completed", zap.Int64("duration_ms", duration))
	e.invalidate(ctx, log, job)
	e.publish(ctx, log, models.JobOutcome{
		JobID:    job.ID,
		ItemID:   job.ItemID,
		Status:   models.JobStatusComplete,
		Attempt:  job.AttemptCount,
		CleanKey: keys.Clean,
		ThumbKey: keys.Thumb,
		At:       now,
	})
	return models.JobResult{
		ItemID:     job.ItemID.String(),
		JobID:      job.ID.String(),
		Success:    true,
		DurationMs: duration,
	}
}

// decide records a failed attempt: permanent errors and exhausted budgets
// fail the job, everything else is scheduled for a retry with backoff.
func (e *Executor) decide(ctx context.Context, log *zap.Logger, job models.Job, cause error, start time.Time) models.JobResult {
	code, category := failure.Classify(cause)
	log.Warn("job_failed",
		zap.String("error_code", string(code)),
		zap.String("error_category", string(category)),
		zap.Error(cause),
	)

	now := e.now()
	var err error
	terminal := true
	switch {
	case category == failure.Permanent:
		err = e.store.MarkFailed(ctx, job, code, category, now)
		if err == nil {
			log.Warn("job_permanently_failed", zap.String("error_code", string(code)), zap.String("reason", "permanent_error"))
		}
	case job.CanRetry():
		terminal = false
		delay := e.backoff.NextDelay(job.AttemptCount)
		next := now.Add(delay)
		err = e.store.ScheduleRetry(ctx, job, next, code, category, now)
		if err == nil {
			log.Info("job_retry_scheduled",
				zap.String("error_code", string(code)),
				zap.Int64("delay_ms", delay.Milliseconds()),
				zap.Time("next_retry_at", next),
			)
		}
	default:
		err = e.store.MarkFailed(ctx, job, code, category, now)
		if err == nil {
			log.Warn("job_permanently_failed", zap.String("error_code", string(code)), zap.String("reason", "retries_exhausted"))
		}
	}

	switch {
	case errors.Is(err, models.ErrJobUnavailable):
		log.Warn("job_unavailable")
	case err != nil:
		log.Error("job_state_write_failed", zap.Error(err))
	case terminal:
		e.publish(ctx, log, models.JobOutcome{
			JobID:         job.ID,
			ItemID:        job.ItemID,
			Status:        models.JobStatusFailed,
			Attempt:       job.AttemptCount,
			ErrorCode:     string(code),
			ErrorCategory: string(category),
			At:            now,
		})
	}

	res := e.result(job, start, code, code.Message())
	res.ErrorCategory = string(category)
	return res
}

func (e *Executor) result(job models.Job, start time.Time, code failure.Code, msg string) models.JobResult {
	return models.JobResult{
		ItemID:        job.ItemID.String(),
		JobID:         job.ID.String(),
		Success:       false,
		Error:         msg,
		ErrorCode:     string(code),
		ErrorCategory: string(code.Category()),
		DurationMs:    e.now().Sub(start).Milliseconds(),
	}
}

func (e *Executor) invalidate(ctx context.Context, log *zap.Logger, job models.Job) {
	if err := e.cache.Invalidate(ctx, job.ItemID); err != nil {
		log.Warn("item_cache_invalidate_failed", zap.Error(err))
	}
}

func (e *Executor) publish(ctx context.Context, log *zap.Logger, outcome models.JobOutcome) {
	if err := e.notifier.Publish(ctx, outcome); err != nil {
		log.Warn("job_outcome_publish_failed", zap.Error(err))
	}
}
