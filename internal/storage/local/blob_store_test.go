// Package local_test tests the local output tree.
package local_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingRoot", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "out", "nested")
		store, err := local.New(local.Config{BaseDir: root})
		require.NoError(t, err)
		assert.Equal(t, root, store.Root())
		assert.DirExists(t, root)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGet(t *testing.T) {
	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RelativePath", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "course/1. intro/res.json", []byte(`["a"]`)))
		data, err := store.Get("course/1. intro/res.json")
		require.NoError(t, err)
		assert.Equal(t, `["a"]`, string(data))
	})

	t.Run("AbsolutePathInsideRoot", func(t *testing.T) {
		p := filepath.Join(root, "courses.json")
		require.NoError(t, store.Put(ctx, p, []byte(`[]`)))
		ok, err := store.Exists(p)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("OverwriteLeavesNoTempFiles", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "x/file.json", []byte("one")))
		require.NoError(t, store.Put(ctx, "x/file.json", []byte("two")))
		entries, err := os.ReadDir(filepath.Join(root, "x"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		data, err := store.Get("x/file.json")
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})

	t.Run("Traversal", func(t *testing.T) {
		err := store.Put(ctx, "../escape.json", []byte("x"))
		assert.ErrorContains(t, err, "path traversal")
		_, err = store.Abs("/etc/passwd")
		assert.Error(t, err)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, "", []byte("x")))
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := store.Get("absent.json")
		assert.ErrorIs(t, err, fs.ErrNotExist)
		ok, err := store.Exists("absent.json")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, store.Put(cctx, "late.json", []byte("x")))
	})
}
