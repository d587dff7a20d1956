package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "contecbridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "bridge.db")
	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.HealthCheck(context.Background()))
	require.NoError(t, s.Close())

	t.Run("reopen keeps data and skips applied migrations", func(t *testing.T) {
		s, err := Open(path)
		require.NoError(t, err)
		defer s.Close()

		var n int
		require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("wal mode", func(t *testing.T) {
		s, err := Open(path)
		require.NoError(t, err)
		defer s.Close()

		var mode string
		require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})
}

func TestStore_Entities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, e := range []Entity{
		{EntryID: "default", Domain: "light", UniqueID: "0-0", Name: "Contec Light 0-0"},
		{EntryID: "default", Domain: "binary_sensor", UniqueID: "0-0", Name: "Contec Pusher 0-0"},
		{EntryID: "default", Domain: "cover", UniqueID: "1-2", Name: "Contec Cover 1-2"},
		{EntryID: "other", Domain: "light", UniqueID: "0-0", Name: "Contec Light 0-0"},
	} {
		require.NoError(t, s.UpsertEntity(ctx, e))
	}

	list, err := s.ListEntities(ctx, "default")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "binary_sensor", list[0].Domain)
	assert.Equal(t, "cover", list[1].Domain)
	assert.Equal(t, "light", list[2].Domain)
	assert.False(t, list[0].UpdatedAt.IsZero())

	t.Run("state survives upsert", func(t *testing.T) {
		require.NoError(t, s.RecordState(ctx, "default", "light", "0-0", "on"))
		require.NoError(t, s.UpsertEntity(ctx, Entity{EntryID: "default", Domain: "light", UniqueID: "0-0", Name: "Renamed"}))

		list, err := s.ListEntities(ctx, "default")
		require.NoError(t, err)
		assert.Equal(t, "on", list[2].LastState)
		assert.Equal(t, "Renamed", list[2].Name)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteEntity(ctx, "default", "cover", "1-2"))
		assert.ErrorIs(t, s.DeleteEntity(ctx, "default", "cover", "1-2"), ErrNotFound)

		list, err := s.ListEntities(ctx, "default")
		require.NoError(t, err)
		assert.Len(t, list, 2)

		other, err := s.ListEntities(ctx, "other")
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})

	t.Run("unknown entity", func(t *testing.T) {
		assert.ErrorIs(t, s.RecordState(ctx, "default", "light", "9-9", "on"), ErrNotFound)
	})

	t.Run("empty entry", func(t *testing.T) {
		list, err := s.ListEntities(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}
