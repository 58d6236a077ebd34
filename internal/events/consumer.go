// Package events connects the pipeline to Kafka: upload notifications
// enqueue jobs, and terminal job outcomes are published back.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"item-image-pipeline/internal/backoff"
	"item-image-pipeline/internal/models"
)

var ErrMalformed = errors.New("malformed upload event")

// UploadEvent announces a new original image for an item.
type UploadEvent struct {
	ItemID      string `json:"itemId"`
	OriginalKey string `json:"originalKey"`
}

type Enqueuer interface {
	EnqueueJob(ctx context.Context, itemID uuid.UUID, originalKey string, maxAttempts int, now time.Time) (bool, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader      messageReader
	store       Enqueuer
	maxAttempts int
	retry       backoff.Policy
	log         *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, store Enqueuer, maxAttempts int, log *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return newConsumer(reader, store, maxAttempts, log)
}

func newConsumer(reader messageReader, store Enqueuer, maxAttempts int, log *zap.Logger) *Consumer {
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}
	return &Consumer{
		reader:      reader,
		store:       store,
		maxAttempts: maxAttempts,
		retry:       backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.25},
		log:         log,
	}
}

// DecodeUpload parses and checks an upload event payload.
func DecodeUpload(data []byte) (uuid.UUID, string, error) {
	var ev UploadEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(ev.ItemID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: itemId: %v", ErrMalformed, err)
	}
	key := strings.TrimSpace(ev.OriginalKey)
	if key == "" {
		return uuid.Nil, "", fmt.Errorf("%w: originalKey is empty", ErrMalformed)
	}
	return id, key, nil
}

// Run consumes until ctx is cancelled. Offsets are committed only after the
// job row is written, so delivery is at-least-once and enqueue absorbs
// duplicates.
func (c *Consumer) Run(ctx context.Context) error {
	const op = "events.Consumer.Run"

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", op, err)
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: commit: %w", op, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.log.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	itemID, key, err := DecodeUpload(msg.Value)
	if err != nil {
		log.Warn("upload_event_malformed", zap.Error(err))
		return nil
	}

	for attempt := 0; ; attempt++ {
		created, err := c.store.EnqueueJob(ctx, itemID, key, c.maxAttempts, time.Now())
		if err == nil {
			log.Info("upload_event_enqueued",
				zap.String("item_id", itemID.String()),
				zap.Bool("created", created),
			)
			return nil
		}
		delay := c.retry.NextDelay(attempt)
		log.Error("upload_event_enqueue_failed", zap.Error(err), zap.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

