// Package consumer applies file events read from Kafka to the index.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/resilience"
)

// EventApplier is satisfied by *indexer.Engine.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev *ingestion.FileEvent) (*indexer.ApplyResult, error)
}

// HandleFileEvents returns a MessageHandler that decodes, validates and
// applies one FileEvent per message. Malformed or invalid events are
// skipped; engine failures are retried by the consumer.
func HandleFileEvents(engine EventApplier) kafka.MessageHandler {
	logger := slog.Default().With("component", "index-consumer")
	return func(ctx context.Context, key, value []byte) error {
		ev, err := kafka.DecodeJSON[ingestion.FileEvent](value)
		if err != nil {
			logger.Error("skipping undecodable file event", "key", string(key), "error", err)
			return resilience.Permanent(err)
		}
		if ev.FileID == nil && len(key) > 0 {
			ev.FileID = ingestion.StrPtr(string(key))
		}
		if err := validator.ValidateFileEvent(&ev); err != nil {
			logger.Error("skipping invalid file event", "key", string(key), "error", err)
			return resilience.Permanent(err)
		}

		res, err := engine.ApplyEvent(ctx, &ev)
		if err != nil {
			if errors.Is(err, apperrors.ErrEngineClosed) {
				return resilience.Permanent(err)
			}
			return fmt.Errorf("applying %s for %q: %w", ev.Kind, ev.FileIDOrEmpty(), err)
		}
		logger.Debug("file event applied",
			"file_id", ev.FileIDOrEmpty(),
			"kind", ev.Kind,
			"segment_id", res.SegmentID,
			"doc_id", res.DocID,
		)
		return nil
	}
}
