// Package registry is the engine's view of the external file/document
// registry: the segment manifest, the (segment, local doc) → file id map,
// and the file-level and segment-scoped tombstone tables. The engine calls
// it synchronously and treats every failure as fatal for the enclosing
// operation.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/postgres"
)

// Registry is implemented by Postgres and Memory.
type Registry interface {
	// UpsertSegment records the storage location of a segment.
	UpsertSegment(ctx context.Context, segID, path string) error
	// ListSegmentIDs returns every registered segment id, oldest first.
	ListSegmentIDs(ctx context.Context) ([]string, error)
	RemoveSegment(ctx context.Context, segID string) error

	// MapDoc associates (segID, docID) with fileID, replacing any previous
	// association.
	MapDoc(ctx context.Context, segID string, docID int32, fileID string) error
	ResolveFileID(ctx context.Context, segID string, docID int32) (string, bool, error)
	FindDocsByFileID(ctx context.Context, fileID string) ([]segment.DocPointer, error)
	UnmapDoc(ctx context.Context, segID string, docID int32) error
	DeleteDocsBySegment(ctx context.Context, segID string) error

	AddFileTombstone(ctx context.Context, fileID string) error
	ClearFileTombstone(ctx context.Context, fileID string) error
	IsFileTombstoned(ctx context.Context, fileID string) (bool, error)

	// Segment-scoped tombstones predate file-level tombstones and are kept
	// for bookkeeping only; queries consult the file-level table.
	AddSegmentTombstone(ctx context.Context, segID string, docID int32) error
	IsSegmentTombstoned(ctx context.Context, segID string, docID int32) (bool, error)
	// DeleteSegmentTombstones drops every segment-scoped tombstone of segID
	// once the segment has been merged away.
	DeleteSegmentTombstones(ctx context.Context, segID string) error

	Ping(ctx context.Context) error
	Close() error
}

const (
	DriverPostgres = config.DriverPostgres
	DriverMemory   = config.DriverMemory
)

// ValidateDriver reports whether driver names a known implementation.
func ValidateDriver(driver string) error {
	switch strings.ToLower(driver) {
	case DriverPostgres, DriverMemory:
		return nil
	default:
		return fmt.Errorf("%w: %q", apperrors.ErrUnknownRegistry, driver)
	}
}

// Open builds the registry selected by cfg.Registry.Driver. The Postgres
// schema is created if missing.
func Open(ctx context.Context, cfg *config.Config) (Registry, error) {
	if err := ValidateDriver(cfg.Registry.Driver); err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Registry.Driver, DriverMemory) {
		return NewMemory(), nil
	}
	client, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	reg := NewPostgres(client)
	if err := reg.EnsureSchema(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	return reg, nil
}
