package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bazelbuild/remote-apis-sdks/go/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(filepath.Join(root, "cache"), false)
	require.NoError(t, err)
	puts := 0
	store.SetOnPut(func() { puts++ })

	src := filepath.Join(root, "out.bin")
	content := []byte("output of an action")
	require.NoError(t, os.WriteFile(src, content, 0644))
	d := digest.NewFromBlob(content)

	ctx := context.Background()
	require.NoError(t, store.PutFile(ctx, d, src))
	require.Equal(t, 1, puts)

	path, err := store.BlobPath(d)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, data)

	// Same filesystem: the blob shares the source's inode.
	srcInfo, err := os.Stat(src)
	require.NoError(t, err)
	blobInfo, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, os.SameFile(srcInfo, blobInfo))

	// A stored blob is left alone.
	require.NoError(t, store.PutFile(ctx, d, src))
	require.Equal(t, 1, puts)
}

func TestLocalStore_PutFile_MissingSource(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), false)
	require.NoError(t, err)

	err = store.PutFile(context.Background(), digest.NewFromBlob([]byte("x")), filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
