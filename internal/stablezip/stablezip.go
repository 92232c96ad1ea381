// Package stablezip assembles ZIP archives whose bytes are a pure function
// of their entries' names, payloads and the order they were added — never
// of wall-clock time — so an unchanged upstream added in the same order
// yields a byte-identical archive on every run. Entries are written in the
// order Add is called; they are not sorted.
package stablezip

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const openFlags = os.O_CREATE | os.O_RDWR | os.O_TRUNC

// zipEpoch is the fixed entry timestamp (1980-01-01 00:00:00, the ZIP
// format's earliest representable date) used for every entry so that the
// archive never depends on the clock.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// DuplicateEntryError is a programmer error: a downloader attempted to add
// the same filename to the same archive twice.
type DuplicateEntryError struct {
	Path     string
	Filename string
}

func (e *DuplicateEntryError) Error() string {
	return errors.Errorf("stablezip: %q already written to %q", e.Filename, e.Path).Error()
}

// Registry tracks the archives currently being assembled by one downloader
// instance, serializing writes to a given path and rejecting duplicate
// entries within it.
type Registry struct {
	fs afero.Fs

	mu    sync.Mutex
	build map[string]*build
}

type build struct {
	mu    sync.Mutex
	f     afero.File
	zw    *zip.Writer
	names map[string]struct{}
}

// NewRegistry returns a Registry that writes archives through fs.
func NewRegistry(fs afero.Fs) *Registry {
	return &Registry{fs: fs, build: map[string]*build{}}
}

// Add appends filename to the archive at path, creating the archive (and
// any parent directories) if this is the first entry written to path by
// this Registry. Concurrent Add calls to the same path are serialized;
// calls to different paths proceed independently.
func (r *Registry) Add(path, filename string, blob []byte) error {
	b, err := r.buildFor(path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.names[filename]; ok {
		return &DuplicateEntryError{Path: path, Filename: filename}
	}

	hdr := &zip.FileHeader{
		Name:     filename,
		Method:   zip.Deflate,
		Modified: zipEpoch,
	}
	w, err := b.zw.CreateHeader(hdr)
	if err != nil {
		return errors.Wrapf(err, "stablezip: create entry %q in %q", filename, path)
	}
	if _, err := w.Write(blob); err != nil {
		return errors.Wrapf(err, "stablezip: write entry %q in %q", filename, path)
	}
	b.names[filename] = struct{}{}
	return nil
}

func (r *Registry) buildFor(path string) (*build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.build[path]; ok {
		return b, nil
	}

	if err := r.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "stablezip: create parent of %q", path)
	}
	f, err := r.fs.OpenFile(path, openFlags, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "stablezip: open %q", path)
	}
	zw := zip.NewWriter(f)
	// klauspost/compress's flate gives a stable, deterministic output for a
	// fixed compression level; the stdlib implementation does too, but this
	// keeps the archiver on the same deflate implementation used elsewhere
	// in the pipeline for large payloads.
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	b := &build{f: f, zw: zw, names: map[string]struct{}{}}
	r.build[path] = b
	return b, nil
}

// Close finalizes the archive at path, flushing its central directory and
// closing the underlying file. It is an error to Add to path after Close.
func (r *Registry) Close(path string) error {
	r.mu.Lock()
	b, ok := r.build[path]
	if ok {
		delete(r.build, path)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.zw.Close(); err != nil {
		_ = b.f.Close()
		return errors.Wrapf(err, "stablezip: finalize %q", path)
	}
	return b.f.Close()
}

// CloseAll finalizes every archive still open in the registry, returning the
// first error encountered (after attempting to close the rest).
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	paths := make([]string, 0, len(r.build))
	for p := range r.build {
		paths = append(paths, p)
	}
	r.mu.Unlock()

	var first error
	for _, p := range paths {
		if err := r.Close(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IsZip reports whether blob begins with the ZIP local-file-header magic
// bytes ("PK\x03\x04"), the check download_zipfile uses to validate a
// downloaded archive before accepting it.
func IsZip(blob []byte) bool {
	return len(blob) >= 4 &&
		blob[0] == 'P' && blob[1] == 'K' && blob[2] == 0x03 && blob[3] == 0x04
}
