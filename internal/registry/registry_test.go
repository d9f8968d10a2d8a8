package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/segment-index/internal/indexer/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/segment-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/segment-index/pkg/postgres"
)

// exerciseRegistry runs the same contract against any implementation.
func exerciseRegistry(t *testing.T, reg Registry) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, reg.UpsertSegment(ctx, "delta-1", "/data/delta-1.seg"))
	require.NoError(t, reg.UpsertSegment(ctx, "delta-2", "/data/delta-2.seg"))
	require.NoError(t, reg.UpsertSegment(ctx, "delta-1", "/data/delta-1.seg"))
	ids, err := reg.ListSegmentIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"delta-1", "delta-2"}, ids)

	require.NoError(t, reg.MapDoc(ctx, "delta-1", 1, "f1"))
	require.NoError(t, reg.MapDoc(ctx, "delta-2", 1, "f1"))
	require.NoError(t, reg.MapDoc(ctx, "delta-2", 2, "f2"))
	require.NoError(t, reg.MapDoc(ctx, "delta-2", 2, "f3"))

	fid, ok, err := reg.ResolveFileID(ctx, "delta-2", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "f3", fid)

	_, ok, err = reg.ResolveFileID(ctx, "delta-9", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ptrs, err := reg.FindDocsByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []segment.DocPointer{
		{SegmentID: "delta-1", DocID: 1},
		{SegmentID: "delta-2", DocID: 1},
	}, ptrs)

	require.NoError(t, reg.UnmapDoc(ctx, "delta-1", 1))
	ptrs, err = reg.FindDocsByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, ptrs, 1)

	require.NoError(t, reg.DeleteDocsBySegment(ctx, "delta-2"))
	ptrs, err = reg.FindDocsByFileID(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, ptrs)

	require.NoError(t, reg.AddFileTombstone(ctx, "f1"))
	require.NoError(t, reg.AddFileTombstone(ctx, "f1"))
	dead, err := reg.IsFileTombstoned(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, dead)
	require.NoError(t, reg.ClearFileTombstone(ctx, "f1"))
	dead, err = reg.IsFileTombstoned(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, dead)

	require.NoError(t, reg.AddSegmentTombstone(ctx, "delta-1", 1))
	dead, err = reg.IsSegmentTombstoned(ctx, "delta-1", 1)
	require.NoError(t, err)
	assert.True(t, dead)
	dead, err = reg.IsSegmentTombstoned(ctx, "delta-1", 2)
	require.NoError(t, err)
	assert.False(t, dead)

	require.NoError(t, reg.AddSegmentTombstone(ctx, "delta-2", 1))
	require.NoError(t, reg.DeleteSegmentTombstones(ctx, "delta-1"))
	dead, err = reg.IsSegmentTombstoned(ctx, "delta-1", 1)
	require.NoError(t, err)
	assert.False(t, dead)
	dead, err = reg.IsSegmentTombstoned(ctx, "delta-2", 1)
	require.NoError(t, err)
	assert.True(t, dead, "other segments keep their tombstones")

	require.NoError(t, reg.RemoveSegment(ctx, "delta-1"))
	ids, err = reg.ListSegmentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"delta-2"}, ids)
	require.NoError(t, reg.Ping(ctx))
}

func TestMemory_Contract(t *testing.T) {
	exerciseRegistry(t, NewMemory())
}

func TestMemory_ListPreservesRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"delta-10", "delta-2", "merge-1"} {
		require.NoError(t, m.UpsertSegment(ctx, id, id+".seg"))
	}
	ids, err := m.ListSegmentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"delta-10", "delta-2", "merge-1"}, ids)

	path, ok := m.SegmentPath("delta-2")
	assert.True(t, ok)
	assert.Equal(t, "delta-2.seg", path)
}

func TestValidateDriver(t *testing.T) {
	assert.NoError(t, ValidateDriver("postgres"))
	assert.NoError(t, ValidateDriver("Memory"))
	assert.ErrorIs(t, ValidateDriver("h2"), apperrors.ErrUnknownRegistry)
}

// TestPostgres_Contract runs against a live database when SP_TEST_POSTGRES_HOST
// is set, e.g. SP_TEST_POSTGRES_HOST=localhost go test ./internal/registry/...
func TestPostgres_Contract(t *testing.T) {
	host := os.Getenv("SP_TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("SP_TEST_POSTGRES_HOST not set")
	}
	cfg := config.PostgresConfig{
		Host:            host,
		Port:            5432,
		Database:        envOr("SP_TEST_POSTGRES_DATABASE", "segindex_test"),
		User:            envOr("SP_TEST_POSTGRES_USER", "segindex"),
		Password:        envOr("SP_TEST_POSTGRES_PASSWORD", "localdev"),
		SSLMode:         "disable",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}
	client, err := postgres.New(context.Background(), cfg)
	require.NoError(t, err)
	reg := NewPostgres(client)
	defer reg.Close()

	ctx := context.Background()
	require.NoError(t, reg.EnsureSchema(ctx))
	for _, table := range []string{"segments", "docmap", "file_tombstones", "tombstones"} {
		_, err := client.DB.ExecContext(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}
	exerciseRegistry(t, reg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func TestOpen_Memory(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.Driver = "memory"
	reg, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	_, ok := reg.(*Memory)
	assert.True(t, ok)
	assert.NoError(t, reg.Close())

	cfg.Registry.Driver = "sqlite"
	_, err = Open(context.Background(), cfg)
	assert.ErrorIs(t, err, apperrors.ErrUnknownRegistry)
}
