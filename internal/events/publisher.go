package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"item-image-pipeline/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes job outcomes keyed by item id, so all outcomes for one
// item land on the same partition. A nil *Publisher is a valid no-op.
type Publisher struct {
	writer messageWriter
	log    *zap.Logger
}

// NewPublisher returns nil when brokers or topic are not configured.
func NewPublisher(brokers []string, topic string, log *zap.Logger) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		log: log,
	}
}

func (p *Publisher) Publish(ctx context.Context, outcome models.JobOutcome) error {
	const op = "events.Publisher.Publish"

	if p == nil {
		return nil
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(outcome.ItemID.String()),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.log.Debug("job_outcome_published",
		zap.String("job_id", outcome.JobID.String()),
		zap.String("status", string(outcome.Status)),
	)
	return nil
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
