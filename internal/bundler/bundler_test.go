package bundler

import (
	"archive/tar"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestAddFileWritesRetrievableEntry(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello bundle"), 0o644))

	out := filepath.Join(dir, "out")
	b, err := New(out, 8<<30)
	require.NoError(t, err)
	require.NoError(t, b.AddFile(src, "payload.bin"))
	require.NoError(t, b.Close())

	f, err := os.Open(filepath.Join(out, "bundle-0000.tar.zst"))
	require.NoError(t, err)
	defer f.Close()

	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	tr := tar.NewReader(zr)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "payload.bin", hdr.Name)
	require.Equal(t, int64(len("hello bundle")), hdr.Size)
}

func TestAddFileRotatesPastTargetSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "chunk.bin")
	require.NoError(t, os.WriteFile(src, make([]byte, 1024), 0o644))

	out := filepath.Join(dir, "out")
	b, err := New(out, 512)
	require.NoError(t, err)
	require.NoError(t, b.AddFile(src, "a.bin"))
	require.NoError(t, b.AddFile(src, "b.bin"))
	require.NoError(t, b.Close())

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestNilBundlerIsNoOp(t *testing.T) {
	var b *Bundler
	require.NoError(t, b.AddFile("/does/not/exist", "x"))
	require.NoError(t, b.Close())
}
