package boltdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtside/scoresync/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStorage_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.Get(ctx, "match", "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Put(ctx, "match", "m1", []byte(`{"id":"m1"}`)))
	got, err := s.Get(ctx, "match", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"m1"}`), got)

	require.NoError(t, s.Delete(ctx, "match", "m1"))
	_, err = s.Get(ctx, "match", "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStorage_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "offline-queue", "op1", []byte("pending")))
	require.NoError(t, s.Close())

	reopened, err := New(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "offline-queue", "op1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), got)
}

func TestStorage_ExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStorage(t)

	require.NoError(t, src.Put(ctx, "match", "m1", []byte("a")))
	require.NoError(t, src.Put(ctx, "team", "t1", []byte("b")))

	dump, err := src.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, dump, 2)

	dst := newTestStorage(t)
	require.NoError(t, dst.ImportAll(ctx, dump))

	got, err := dst.Get(ctx, "team", "t1")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)
}

func TestStorage_ClosedErrors(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "match", "m1")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Put(ctx, "match", "m1", nil), storage.ErrClosed)
	assert.NoError(t, s.Close())
}
