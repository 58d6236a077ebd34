// Package pipeline runs image jobs: claiming, executing, retrying and
// recovering them. All coordination between concurrent workers goes through
// conditional writes in Store.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/imageproc"
	"item-image-pipeline/internal/models"
)

type Store interface {
	GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error)
	MarkItemProcessing(ctx context.Context, id uuid.UUID, now time.Time) error
	FailItem(ctx context.Context, id uuid.UUID, now time.Time) error
	SetItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus, now time.Time) error

	EnqueueJob(ctx context.Context, itemID uuid.UUID, originalKey string, maxAttempts int, now time.Time) (bool, error)
	FindJob(ctx context.Context, itemID uuid.UUID, originalKey string) (*models.Job, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	ClaimJob(ctx context.Context, jobID uuid.UUID, now time.Time) (*models.Job, error)
	MarkComplete(ctx context.Context, job models.Job, keys models.ImageKeys, now time.Time) error
	ScheduleRetry(ctx context.Context, job models.Job, nextRetryAt time.Time, code failure.Code, category failure.Category, now time.Time) error
	MarkFailed(ctx context.Context, job models.Job, code failure.Code, category failure.Category, now time.Time) error
	FindStale(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Job, error)
	RequeueStale(ctx context.Context, job models.Job, now time.Time) error
}

type Blob interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

type Remover interface {
	RemoveBackground(ctx context.Context, img []byte) ([]byte, error)
}

type Imager interface {
	Validate(data []byte) error
	Process(data []byte) (*imageproc.Artifacts, error)
}

// Notifier receives terminal job outcomes. Errors are logged by the caller
// and never affect job state.
type Notifier interface {
	Publish(ctx context.Context, outcome models.JobOutcome) error
}

type ItemCache interface {
	Invalidate(ctx context.Context, itemID uuid.UUID) error
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, models.JobOutcome) error { return nil }

type nopCache struct{}

func (nopCache) Invalidate(context.Context, uuid.UUID) error { return nil }
