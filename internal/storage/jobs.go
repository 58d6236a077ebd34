// internal/storage/jobs.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"item-image-pipeline/internal/failure"
	"item-image-pipeline/internal/models"
)

var jobFields = []string{
	"id", "item_id", "original_key", "status", "attempt_count", "max_attempts",
	"next_retry_at", "started_at", "completed_at", "created_at",
	"last_error_code", "last_error_category",
}

func jobColumns(alias string) string {
	if alias == "" {
		return strings.Join(jobFields, ", ")
	}
	prefixed := make([]string, len(jobFields))
	for i, f := range jobFields {
		prefixed[i] = alias + "." + f
	}
	return strings.Join(prefixed, ", ")
}

func scanJob(row scanner) (models.Job, error) {
	var (
		job    models.Job
		status string
	)
	err := row.Scan(
		&job.ID, &job.ItemID, &job.OriginalKey, &status, &job.AttemptCount, &job.MaxAttempts,
		&job.NextRetryAt, &job.StartedAt, &job.CompletedAt, &job.CreatedAt,
		&job.LastErrorCode, &job.LastErrorCategory,
	)
	job.Status = models.JobStatus(status)
	return job, err
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Job, error) {
		return scanJob(row)
	})
}

// EnqueueJob inserts a pending job for (itemID, originalKey). A second call
// for the same pair is a no-op and reports created=false.
func (s *Storage) EnqueueJob(ctx context.Context, itemID uuid.UUID, originalKey string, maxAttempts int, now time.Time) (bool, error) {
	const op = "storage.EnqueueJob"

	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO image_jobs (id, item_id, original_key, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
		ON CONFLICT (item_id, original_key) DO NOTHING`,
		uuid.New(), itemID, originalKey, string(models.JobStatusPending), maxAttempts, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) FindJob(ctx context.Context, itemID uuid.UUID, originalKey string) (*models.Job, error) {
	const op = "storage.FindJob"

	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns("")+` FROM image_jobs WHERE item_id = $1 AND original_key = $2`,
		itemID, originalKey)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &job, nil
}

func (s *Storage) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	const op = "storage.GetJob"

	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns("")+` FROM image_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &job, nil
}

// ClaimBatch moves up to limit eligible pending jobs to processing and
// returns them oldest first. Rows locked by a concurrent claimer are skipped,
// so a job is handed to at most one caller.
func (s *Storage) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	const op = "storage.ClaimBatch"

	rows, err := s.pool.Query(ctx, `
		WITH claimable AS (
			SELECT id FROM image_jobs
			WHERE status = ANY($1)
			  AND (next_retry_at IS NULL OR next_retry_at <= $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE image_jobs j
		SET status = $2, started_at = $3, updated_at = $3
		FROM claimable c
		WHERE j.id = c.id AND j.status = ANY($1)
		RETURNING `+jobColumns("j"),
		statusArgs(models.SourcesFor(models.JobStatusProcessing)),
		string(models.JobStatusProcessing), now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	slices.SortStableFunc(jobs, func(a, b models.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
}

// ClaimJob claims a single pending job regardless of next_retry_at. It
// returns ErrJobUnavailable when the job is not pending.
func (s *Storage) ClaimJob(ctx context.Context, jobID uuid.UUID, now time.Time) (*models.Job, error) {
	const op = "storage.ClaimJob"

	row := s.pool.QueryRow(ctx, `
		UPDATE image_jobs
		SET status = $2, started_at = $3, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns(""),
		jobID, string(models.JobStatusProcessing), now,
		statusArgs(models.SourcesFor(models.JobStatusProcessing)))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrJobUnavailable
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &job, nil
}

// MarkComplete finalises a job and records the item's image keys in one
// transaction. Either both rows change or neither does.
//
// MarkComplete, ScheduleRetry, MarkFailed and RequeueStale act on one claim:
// they only match while the row still carries the claim's attempt_count and
// started_at, so a run that was recovered and claimed again cannot be
// overwritten by its previous owner.
func (s *Storage) MarkComplete(ctx context.Context, job models.Job, keys models.ImageKeys, now time.Time) error {
	const op = "storage.MarkComplete"

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE image_jobs
			SET status = $2, completed_at = $3, next_retry_at = NULL, updated_at = $3
			WHERE id = $1 AND status = ANY($4) AND attempt_count = $5 AND started_at = $6`,
			job.ID, string(models.JobStatusComplete), now,
			statusArgs(models.SourcesFor(models.JobStatusComplete)),
			job.AttemptCount, job.StartedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return models.ErrJobUnavailable
		}
		return setItemKeys(ctx, tx, job.ItemID, keys, now)
	})
	if err != nil {
		if errors.Is(err, models.ErrJobUnavailable) || errors.Is(err, models.ErrItemNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ScheduleRetry returns a processing job to pending with one more attempt
// spent. The write is refused when it would exhaust the attempt budget.
func (s *Storage) ScheduleRetry(ctx context.Context, job models.Job, nextRetryAt time.Time, code failure.Code, category failure.Category, now time.Time) error {
	const op = "storage.ScheduleRetry"

	tag, err := s.pool.Exec(ctx, `
		UPDATE image_jobs
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    next_retry_at = $3,
		    started_at = NULL,
		    last_error_code = $4,
		    last_error_category = $5,
		    updated_at = $6
		WHERE id = $1 AND status = ANY($7) AND attempt_count + 1 < max_attempts
		  AND attempt_count = $8 AND started_at = $9`,
		job.ID, string(models.JobStatusPending), nextRetryAt, string(code), string(category), now,
		statusArgs(models.SourcesFor(models.JobStatusPending)),
		job.AttemptCount, job.StartedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobUnavailable
	}
	return nil
}

func (s *Storage) MarkFailed(ctx context.Context, job models.Job, code failure.Code, category failure.Category, now time.Time) error {
	const op = "storage.MarkFailed"

	tag, err := s.pool.Exec(ctx, `
		UPDATE image_jobs
		SET status = $2,
		    completed_at = $3,
		    next_retry_at = NULL,
		    last_error_code = $4,
		    last_error_category = $5,
		    updated_at = $3
		WHERE id = $1 AND status = ANY($6) AND attempt_count = $7 AND started_at = $8`,
		job.ID, string(models.JobStatusFailed), now, string(code), string(category),
		statusArgs(models.SourcesFor(models.JobStatusFailed)),
		job.AttemptCount, job.StartedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobUnavailable
	}
	return nil
}

// FindStale lists processing jobs whose claim is older than threshold.
func (s *Storage) FindStale(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Job, error) {
	const op = "storage.FindStale"

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns("")+`
		FROM image_jobs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC`,
		string(models.JobStatusProcessing), now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// RequeueStale makes an abandoned job claimable immediately, spending one
// attempt.
func (s *Storage) RequeueStale(ctx context.Context, job models.Job, now time.Time) error {
	const op = "storage.RequeueStale"

	tag, err := s.pool.Exec(ctx, `
		UPDATE image_jobs
		SET status = $2,
		    attempt_count = attempt_count + 1,
		    next_retry_at = $3,
		    started_at = NULL,
		    last_error_code = $4,
		    last_error_category = $5,
		    updated_at = $3
		WHERE id = $1 AND status = ANY($6) AND attempt_count < max_attempts
		  AND attempt_count = $7 AND started_at = $8`,
		job.ID, string(models.JobStatusPending), now,
		string(failure.CodeTimeout), string(failure.Transient),
		statusArgs(models.SourcesFor(models.JobStatusPending)),
		job.AttemptCount, job.StartedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobUnavailable
	}
	return nil
}
