// Package publisher validates file events and publishes them to the file
// event topic, keyed by file id so each file's events stay ordered.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/kafka"
)

// EventWriter is satisfied by *kafka.Producer.
type EventWriter interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

type Publisher struct {
	writer EventWriter
	logger *slog.Logger
}

func New(w EventWriter) *Publisher {
	return &Publisher{
		writer: w,
		logger: slog.Default().With("component", "publisher"),
	}
}

// Publish validates every event, then writes them in one batch. Nothing is
// written if any event is invalid.
func (p *Publisher) Publish(ctx context.Context, events ...*ingestion.FileEvent) error {
	batch := make([]kafka.Event, 0, len(events))
	for i, ev := range events {
		if err := validator.ValidateFileEvent(ev); err != nil {
			return fmt.Errorf("validating event %d: %w", i, err)
		}
		batch = append(batch, kafka.Event{Key: ev.FileIDOrEmpty(), Value: ev})
	}
	if err := p.writer.Publish(ctx, batch...); err != nil {
		return fmt.Errorf("publishing file events: %w", err)
	}
	p.logger.Debug("file events published", "count", len(batch))
	return nil
}
