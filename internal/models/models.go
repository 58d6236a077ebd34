// internal/models/models.go
package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrItemNotEligible = errors.New("item not eligible for processing")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobUnavailable  = errors.New("job no longer available")
	ErrConfig          = errors.New("service configuration error")
)

type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusComplete   ItemStatus = "complete"
	ItemStatusFailed     ItemStatus = "failed"
)

// Eligible reports whether an item in this status may be (re)processed.
func (s ItemStatus) Eligible() bool {
	return s == ItemStatusPending || s == ItemStatusFailed
}

type Item struct {
	ID          uuid.UUID  `db:"id"`
	UserID      uuid.UUID  `db:"user_id"`
	OriginalKey string     `db:"original_key"`
	CleanKey    *string    `db:"clean_key"`
	ThumbKey    *string    `db:"thumb_key"`
	Status      ItemStatus `db:"image_processing_status"`
}

// ImageKeys are the blob paths written by a successful run. They are only
// ever persisted together.
type ImageKeys struct {
	Clean string
	Thumb string
}

const DefaultMaxAttempts = 3

type Job struct {
	ID                uuid.UUID  `db:"id"`
	ItemID            uuid.UUID  `db:"item_id"`
	OriginalKey       string     `db:"original_key"`
	Status            JobStatus  `db:"status"`
	AttemptCount      int        `db:"attempt_count"`
	MaxAttempts       int        `db:"max_attempts"`
	NextRetryAt       *time.Time `db:"next_retry_at"`
	StartedAt         *time.Time `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	CreatedAt         time.Time  `db:"created_at"`
	LastErrorCode     *string    `db:"last_error_code"`
	LastErrorCategory *string    `db:"last_error_category"`
}

// Eligible reports whether the job can be claimed at now.
func (j Job) Eligible(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	return j.NextRetryAt == nil || !now.Before(*j.NextRetryAt)
}

// CanRetry reports whether one more failed attempt still leaves budget.
func (j Job) CanRetry() bool {
	return j.AttemptCount+1 < j.MaxAttempts
}

// JobResult is the per-job outcome reported by the executor.
type JobResult struct {
	ItemID        string `json:"itemId"`
	JobID         string `json:"jobId,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	ErrorCategory string `json:"errorCategory,omitempty"`
	DurationMs    int64  `json:"durationMs,omitempty"`
}

type BatchResult struct {
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Results   []JobResult `json:"results"`
}

// JobOutcome is published when a job reaches a terminal status.
type JobOutcome struct {
	JobID         uuid.UUID `json:"jobId"`
	ItemID        uuid.UUID `json:"itemId"`
	Status        JobStatus `json:"status"`
	Attempt       int       `json:"attempt"`
	CleanKey      string    `json:"cleanKey,omitempty"`
	ThumbKey      string    `json:"thumbKey,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	ErrorCategory string    `json:"errorCategory,omitempty"`
	At            time.Time `json:"at"`
}
