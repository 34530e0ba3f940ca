package meta_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watersir/logfs/pkg/layout"
	"github.com/watersir/logfs/pkg/memfs"
	"github.com/watersir/logfs/pkg/store/meta"
)

func buildImage(t *testing.T) *meta.Image {
	t.Helper()
	fs, err := memfs.New(layout.Geometry{BlocksPerSeg: 8, SegsPerSec: 1, MainSegs: 16},
		memfs.Options{ReservedSecs: 1})
	require.NoError(t, err)

	ino, err := fs.CreateFile(5, memfs.FileOpts{})
	require.NoError(t, err)
	require.NoError(t, fs.OverwriteBlock(ino, 1))
	require.NoError(t, fs.SealLogs())
	require.NoError(t, fs.WriteCheckpoint(context.Background()))
	return fs.Export()
}

func TestSaveLoadImage(t *testing.T) {
	dir := t.TempDir()
	img := buildImage(t)

	store, err := meta.Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveImage(img))
	require.NoError(t, store.Close())

	store, err = meta.Open(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	loaded, err := store.LoadImage()
	require.NoError(t, err)

	assert.Equal(t, img.Geometry, loaded.Geometry)
	assert.Equal(t, img.NAT, loaded.NAT)
	assert.Equal(t, img.Cursegs, loaded.Cursegs)
	assert.Equal(t, img.Clock, loaded.Clock)
	assert.Len(t, loaded.Segments, len(img.Segments))
	assert.Len(t, loaded.Inodes, len(img.Inodes))

	for addr, payload := range img.Blocks {
		assert.Equal(t, payload, loaded.Blocks[addr], "block %d", addr)
	}

	// the loaded image must reconstruct a working filesystem
	fs, err := memfs.FromImage(loaded, memfs.Options{ReservedSecs: 1})
	require.NoError(t, err)
	require.NotEmpty(t, img.Inodes)
	_, err = fs.Iget(img.Inodes[0].Ino)
	require.NoError(t, err)
}

func TestSaveReplacesPreviousImage(t *testing.T) {
	dir := t.TempDir()

	store, err := meta.Open(dir)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	first := buildImage(t)
	require.NoError(t, store.SaveImage(first))

	second := buildImage(t)
	second.Clock += 1000
	require.NoError(t, store.SaveImage(second))

	loaded, err := store.LoadImage()
	require.NoError(t, err)
	assert.Equal(t, second.Clock, loaded.Clock)
}

func TestLoadMissingImage(t *testing.T) {
	store, err := meta.Open(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	_, err = store.LoadImage()
	assert.Error(t, err)
}
