package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/postgres"
)

// schema mirrors the manifest tables the engine depends on. Every statement
// is idempotent so EnsureSchema can run at each startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS segments (
		id         VARCHAR(128) PRIMARY KEY,
		path       VARCHAR(512) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS docmap (
		seg_id  VARCHAR(128) NOT NULL,
		doc_id  INT NOT NULL,
		file_id VARCHAR(256) NOT NULL,
		PRIMARY KEY (seg_id, doc_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_docmap_file_id ON docmap (file_id)`,
	`CREATE TABLE IF NOT EXISTS file_tombstones (
		file_id    VARCHAR(256) PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		seg_id VARCHAR(128) NOT NULL,
		doc_id INT NOT NULL,
		PRIMARY KEY (seg_id, doc_id)
	)`,
}

// Postgres is a Registry backed by PostgreSQL through lib/pq.
type Postgres struct {
	client *postgres.Client
	logger *slog.Logger
}

// NewPostgres wraps an open client. Call EnsureSchema before first use.
func NewPostgres(client *postgres.Client) *Postgres {
	return &Postgres{
		client: client,
		logger: slog.Default().With("component", "registry"),
	}
}

// EnsureSchema creates the registry tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return p.client.InTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("applying registry schema: %w", err)
			}
		}
		return nil
	})
}

func (p *Postgres) UpsertSegment(ctx context.Context, segID, path string) error {
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO segments (id, path) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET path = EXCLUDED.path`,
		segID, path,
	)
	if err != nil {
		return wrap("upserting segment", err)
	}
	return nil
}

func (p *Postgres) ListSegmentIDs(ctx context.Context) ([]string, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT id FROM segments ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, wrap("listing segments", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scanning segment row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("listing segments", err)
	}
	return ids, nil
}

func (p *Postgres) RemoveSegment(ctx context.Context, segID string) error {
	if _, err := p.client.DB.ExecContext(ctx, `DELETE FROM segments WHERE id = $1`, segID); err != nil {
		return wrap("removing segment", err)
	}
	return nil
}

func (p *Postgres) MapDoc(ctx context.Context, segID string, docID int32, fileID string) error {
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO docmap (seg_id, doc_id, file_id) VALUES ($1, $2, $3)
		 ON CONFLICT (seg_id, doc_id) DO UPDATE SET file_id = EXCLUDED.file_id`,
		segID, docID, fileID,
	)
	if err != nil {
		return wrap("mapping doc", err)
	}
	return nil
}

func (p *Postgres) ResolveFileID(ctx context.Context, segID string, docID int32) (string, bool, error) {
	var fileID string
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT file_id FROM docmap WHERE seg_id = $1 AND doc_id = $2`,
		segID, docID,
	).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("resolving file id", err)
	}
	return fileID, true, nil
}

func (p *Postgres) FindDocsByFileID(ctx context.Context, fileID string) ([]segment.DocPointer, error) {
	rows, err := p.client.DB.QueryContext(ctx,
		`SELECT seg_id, doc_id FROM docmap WHERE file_id = $1 ORDER BY seg_id, doc_id`,
		fileID,
	)
	if err != nil {
		return nil, wrap("finding docs by file id", err)
	}
	defer rows.Close()

	var out []segment.DocPointer
	for rows.Next() {
		var ptr segment.DocPointer
		if err := rows.Scan(&ptr.SegmentID, &ptr.DocID); err != nil {
			return nil, wrap("scanning docmap row", err)
		}
		out = append(out, ptr)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("finding docs by file id", err)
	}
	return out, nil
}

func (p *Postgres) UnmapDoc(ctx context.Context, segID string, docID int32) error {
	_, err := p.client.DB.ExecContext(ctx,
		`DELETE FROM docmap WHERE seg_id = $1 AND doc_id = $2`, segID, docID,
	)
	if err != nil {
		return wrap("unmapping doc", err)
	}
	return nil
}

func (p *Postgres) DeleteDocsBySegment(ctx context.Context, segID string) error {
	if _, err := p.client.DB.ExecContext(ctx, `DELETE FROM docmap WHERE seg_id = $1`, segID); err != nil {
		return wrap("deleting docmap rows", err)
	}
	return nil
}

func (p *Postgres) AddFileTombstone(ctx context.Context, fileID string) error {
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO file_tombstones (file_id) VALUES ($1) ON CONFLICT (file_id) DO NOTHING`,
		fileID,
	)
	if err != nil {
		return wrap("adding file tombstone", err)
	}
	return nil
}

func (p *Postgres) ClearFileTombstone(ctx context.Context, fileID string) error {
	if _, err := p.client.DB.ExecContext(ctx, `DELETE FROM file_tombstones WHERE file_id = $1`, fileID); err != nil {
		return wrap("clearing file tombstone", err)
	}
	return nil
}

func (p *Postgres) IsFileTombstoned(ctx context.Context, fileID string) (bool, error) {
	var exists bool
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM file_tombstones WHERE file_id = $1)`, fileID,
	).Scan(&exists)
	if err != nil {
		return false, wrap("checking file tombstone", err)
	}
	return exists, nil
}

func (p *Postgres) AddSegmentTombstone(ctx context.Context, segID string, docID int32) error {
	_, err := p.client.DB.ExecContext(ctx,
		`INSERT INTO tombstones (seg_id, doc_id) VALUES ($1, $2) ON CONFLICT (seg_id, doc_id) DO NOTHING`,
		segID, docID,
	)
	if err != nil {
		return wrap("adding segment tombstone", err)
	}
	return nil
}

func (p *Postgres) IsSegmentTombstoned(ctx context.Context, segID string, docID int32) (bool, error) {
	var exists bool
	err := p.client.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tombstones WHERE seg_id = $1 AND doc_id = $2)`, segID, docID,
	).Scan(&exists)
	if err != nil {
		return false, wrap("checking segment tombstone", err)
	}
	return exists, nil
}

func (p *Postgres) DeleteSegmentTombstones(ctx context.Context, segID string) error {
	if _, err := p.client.DB.ExecContext(ctx, `DELETE FROM tombstones WHERE seg_id = $1`, segID); err != nil {
		return wrap("deleting segment tombstones", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.logger.Info("closing registry connection")
	return p.client.Close()
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrRegistry, err)
}
