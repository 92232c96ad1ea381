package stablezip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return b
}

func TestAdd_ProducesValidZip(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := NewRegistry(fs)

	require.NoError(t, reg.Add("/out/archive.zip", "a.txt", []byte("hello")))
	require.NoError(t, reg.Add("/out/archive.zip", "b.txt", []byte("world")))
	require.NoError(t, reg.Close("/out/archive.zip"))

	raw := readAll(t, fs, "/out/archive.zip")
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	for _, f := range zr.File {
		assert.Equal(t, zipEpoch, f.Modified.UTC())
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		if f.Name == "a.txt" {
			assert.Equal(t, "hello", string(content))
		} else {
			assert.Equal(t, "world", string(content))
		}
	}
}

func TestAdd_StableAcrossRuns(t *testing.T) {
	build := func() []byte {
		fs := afero.NewMemMapFs()
		reg := NewRegistry(fs)
		require.NoError(t, reg.Add("/out/archive.zip", "a.txt", []byte("hello")))
		require.NoError(t, reg.Add("/out/archive.zip", "b.txt", []byte("world")))
		require.NoError(t, reg.Close("/out/archive.zip"))
		return readAll(t, fs, "/out/archive.zip")
	}

	first := build()
	second := build()
	assert.Equal(t, first, second, "identical inputs must yield byte-identical archives")
}

func TestAdd_DuplicateFilenameIsProgrammerError(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg := NewRegistry(fs)
	require.NoError(t, reg.Add("/out/archive.zip", "a.txt", []byte("hello")))

	err := reg.Add("/out/archive.zip", "a.txt", []byte("again"))
	require.Error(t, err)
	var dup *DuplicateEntryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a.txt", dup.Filename)
}

func TestIsZip(t *testing.T) {
	assert.True(t, IsZip([]byte("PK\x03\x04rest")))
	assert.False(t, IsZip([]byte("<!doctype html>")))
	assert.False(t, IsZip([]byte("PK")))
}
