package storage

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumkey/recovery-backend/interfaces"
)

func runStoreContract(t *testing.T, store interfaces.RegistryStore) {
	t.Helper()
	ctx := context.Background()
	key := "3b9d1c6f0a7e44d2"

	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrRowNotFound)

	require.NoError(t, store.Put(ctx, key, []byte("row-v1")))
	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("row-v1"), data)

	// Overwrite replaces the row.
	require.NoError(t, store.Put(ctx, key, []byte("row-v2")))
	data, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("row-v2"), data)

	// Delete is idempotent.
	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrRowNotFound)

	assert.NotEmpty(t, store.LocationURI())
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, slog.Default())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "abc123", []byte("persisted")))

	reopened, err := NewFileStore(dir, slog.Default())
	require.NoError(t, err)
	data, err := reopened.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

func TestFactorySchemes(t *testing.T) {
	f := NewFactory(slog.Default())

	t.Run("memory", func(t *testing.T) {
		store, err := f.BackendFor("memory://")
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, store)
	})

	t.Run("file", func(t *testing.T) {
		store, err := f.BackendFor("file://" + t.TempDir())
		require.NoError(t, err)
		assert.IsType(t, &FileStore{}, store)
	})

	t.Run("s3", func(t *testing.T) {
		store, err := f.BackendFor("s3://AKIA:secret@recovery-registry/rows/?region=eu-west-1")
		require.NoError(t, err)
		assert.IsType(t, &S3Store{}, store)
		assert.NotContains(t, store.LocationURI(), "secret")
	})

	t.Run("vault", func(t *testing.T) {
		store, err := f.BackendFor("vault://vault.local:8200/secret/recovery?token=t&tls=false")
		require.NoError(t, err)
		assert.IsType(t, &VaultStore{}, store)
	})

	t.Run("rejected", func(t *testing.T) {
		for _, uri := range []string{
			"redis://localhost",
			"file://",
			"s3://?region=us-east-1",
			"vault://vault.local:8200/onlymount",
		} {
			_, err := f.BackendFor(uri)
			assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI, uri)
		}
	})
}
