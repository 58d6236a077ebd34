package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/models"
)

const DefaultStaleThreshold = 10 * time.Minute

// Recoverer returns jobs abandoned in processing (worker crash or lost
// instance) to the queue, or fails them once their budget is spent.
type Recoverer struct {
	store    Store
	cache    ItemCache
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

func NewRecoverer(d Deps) *Recoverer {
	r := &Recoverer{
		store:    d.Store,
		cache:    d.Cache,
		notifier: d.Notifier,
		log:      d.Log,
		now:      time.Now,
	}
	if r.cache == nil {
		r.cache = nopCache{}
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// RecoverStale handles every job whose claim is older than threshold and
// returns how many it moved. Per-job write conflicts are skipped.
func (r *Recoverer) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	const op = "pipeline.RecoverStale"

	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	now := r.now()
	jobs, err := r.store.FindStale(ctx, threshold, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	recovered := 0
	for _, job := range jobs {
		ok, err := r.recoverJob(ctx, job, now)
		if err != nil {
			r.log.Error("stale_job_recovery_failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (r *Recoverer) recoverJob(ctx context.Context, job models.Job, now time.Time) (bool, error) {
	log := r.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("item_id", job.ItemID.String()),
		zap.Int("attempt", job.AttemptCount),
	)

	var (
		err        error
		itemStatus models.ItemStatus
		action     string
	)
	if job.AttemptCount < job.MaxAttempts {
		err = r.store.RequeueStale(ctx, job, now)
		itemStatus, action = models.ItemStatusPending, "requeued"
	} else {
		err = r.store.MarkFailed(ctx, job, failure.CodeTimeout, failure.Transient, now)
		itemStatus, action = models.ItemStatusFailed, "failed"
	}
	if errors.Is(err, models.ErrJobUnavailable) {
		log.Info("stale_job_skipped")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := r.store.SetItemStatus(ctx, job.ItemID, itemStatus, now); err != nil {
		log.Error("item_status_write_failed", zap.Error(err))
	}
	if err := r.cache.Invalidate(ctx, job.ItemID); err != nil {
		log.Warn("item_cache_invalidate_failed", zap.Error(err))
	}
	if itemStatus == models.ItemStatusFailed {
		if err := r.notifier.Publish(ctx, models.JobOutcome{
			JobID:         job.ID,
			ItemID:        job.ItemID,
			Status:        models.JobStatusFailed,
			Attempt:       job.AttemptCount,
			ErrorCode:     string(failure.CodeTimeout),
			ErrorCategory: string(failure.Transient),
			At:            now,
		}); err != nil {
			log.Warn("job_outcome_publish_failed", zap.Error(err))
		}
	}

	var startedAt time.Time
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}
	log.Info("stale_job_recovered",
		zap.String("action", action),
		zap.Time("started_at", startedAt),
	)
	return true, nil
}
