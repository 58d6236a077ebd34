// internal/storage/items.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"item-image-pipeline/internal/models"
)

// CreateItem inserts an item with no derived images. Items are owned by the
// upload path; this exists for seeding and tests.
func (s *Storage) CreateItem(ctx context.Context, item models.Item) error {
	const op = "storage.CreateItem"

	status := item.Status
	if status == "" {
		status = models.ItemStatusPending
	}
	var original *string
	if item.OriginalKey != "" {
		original = &item.OriginalKey
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO items (id, user_id, original_key, image_processing_status)
		VALUES ($1, $2, $3, $4)`,
		item.ID, item.UserID, original, string(status))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetItem(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	const op = "storage.GetItem"

	var (
		item   models.Item
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(original_key, ''), clean_key, thumb_key, image_processing_status
		FROM items WHERE id = $1`, id).
		Scan(&item.ID, &item.UserID, &item.OriginalKey, &item.CleanKey, &item.ThumbKey, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrItemNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	item.Status = models.ItemStatus(status)
	return &item, nil
}

// MarkItemProcessing flips an eligible item to processing. A concurrent
// writer that got there first yields ErrItemNotEligible.
func (s *Storage) MarkItemProcessing(ctx context.Context, id uuid.UUID, now time.Time) error {
	const op = "storage.MarkItemProcessing"

	tag, err := s.pool.Exec(ctx, `
		UPDATE items
		SET image_processing_status = $2, updated_at = $3
		WHERE id = $1 AND image_processing_status = ANY($4)`,
		id, string(models.ItemStatusProcessing), now,
		statusArgs([]models.ItemStatus{models.ItemStatusPending, models.ItemStatusFailed}))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, id, models.ErrItemNotEligible)
	}
	return nil
}

// FailItem clears both derived keys and marks the item failed in a single
// statement.
func (s *Storage) FailItem(ctx context.Context, id uuid.UUID, now time.Time) error {
	const op = "storage.FailItem"

	tag, err := s.pool.Exec(ctx, `
		UPDATE items
		SET clean_key = NULL, thumb_key = NULL, image_processing_status = $2, updated_at = $3
		WHERE id = $1`,
		id, string(models.ItemStatusFailed), now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrItemNotFound
	}
	return nil
}

// SetItemStatus moves an item out of processing. Items already settled by
// another writer are left alone.
func (s *Storage) SetItemStatus(ctx context.Context, id uuid.UUID, status models.ItemStatus, now time.Time) error {
	const op = "storage.SetItemStatus"

	_, err := s.pool.Exec(ctx, `
		UPDATE items
		SET image_processing_status = $2, updated_at = $3
		WHERE id = $1 AND image_processing_status = $4`,
		id, string(status), now, string(models.ItemStatusProcessing))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func setItemKeys(ctx context.Context, q querier, id uuid.UUID, keys models.ImageKeys, now time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE items
		SET clean_key = $2, thumb_key = $3, image_processing_status = $4, updated_at = $5
		WHERE id = $1`,
		id, keys.Clean, keys.Thumb, string(models.ItemStatusComplete), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrItemNotFound
	}
	return nil
}

func (s *Storage) missingOr(ctx context.Context, id uuid.UUID, otherwise error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage.missingOr: %w", err)
	}
	if !exists {
		return models.ErrItemNotFound
	}
	return otherwise
}
