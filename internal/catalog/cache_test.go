package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

func TestCacheRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	cache := NewCache(store)

	_, ok, err := cache.Load()
	require.NoError(t, err)
	require.False(t, ok)

	items := []string{"https://example.com/a", "https://example.com/b"}
	require.NoError(t, cache.Save(context.Background(), items))

	got, ok, err := cache.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, items, got)
}

func TestCacheCorruptFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, CacheFile), []byte("{not json"), 0o600))
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	_, ok, err := NewCache(store).Load()
	require.Error(t, err)
	require.False(t, ok)
}

func TestCacheNullAndEmpty(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	cache := NewCache(store)

	require.NoError(t, os.WriteFile(filepath.Join(root, CacheFile), []byte("null"), 0o600))
	_, ok, err := cache.Load()
	require.ErrorIs(t, err, ErrNullCatalog)
	require.False(t, ok)

	require.NoError(t, cache.Save(context.Background(), nil))
	got, ok, err := cache.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)
}
