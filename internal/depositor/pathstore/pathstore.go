// Package pathstore is a depositor backend that deposits to a plain
// directory tree on an afero.Fs, addressed by path rather than by any
// external service. It exists for local development and for the
// integration tests in this repository: a deposition root holds a
// "draft" directory and a "published" directory, and publishing a draft
// copies it over the published directory and discards the draft.
package pathstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pudl-archiver/pudl-archiver-go/internal/depositor"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
)

const (
	draftDirName     = "draft"
	publishedDirName = "published"

	// initialVersion is the version string of a freshly-initialized
	// deposition, with no prior published version to bump from.
	initialVersion = "1.0.0"
)

// Backend roots a family of depositions under a single directory: one
// dataset's worth of drafts and published versions.
type Backend struct {
	fs   afero.Fs
	root string
}

// New constructs a Backend rooted at root on fs, creating the root
// directory if it doesn't already exist.
func New(fs afero.Fs, root string) (*Backend, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "pathstore: creating root %s", root)
	}
	return &Backend{fs: fs, root: root}, nil
}

// Open returns the current published deposition, or ok=false if none has
// ever been published under this root.
func (b *Backend) Open(ctx context.Context) (depositor.PublishedDeposition, bool, error) {
	dir := filepath.Join(b.root, publishedDirName)
	exists, err := afero.DirExists(b.fs, dir)
	if err != nil {
		return nil, false, errors.Wrap(err, "pathstore: checking published dir")
	}
	if !exists {
		return nil, false, nil
	}
	return &published{fs: b.fs, root: b.root, dir: dir}, true, nil
}

// NewDraft opens a fresh, empty draft, discarding any previous
// not-yet-published draft under this root.
func (b *Backend) NewDraft(ctx context.Context) (depositor.DraftDeposition, error) {
	dir := filepath.Join(b.root, draftDirName)
	if err := b.fs.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "pathstore: clearing stale draft")
	}
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "pathstore: creating draft dir")
	}
	if err := writeVersion(b.fs, dir, initialVersion); err != nil {
		return nil, errors.Wrap(err, "pathstore: writing initial version")
	}
	return &draft{fs: b.fs, root: b.root, dir: dir}, nil
}

type published struct {
	fs   afero.Fs
	root string
	dir  string
}

func (p *published) ListFiles(context.Context) ([]string, error) { return listFiles(p.fs, p.dir) }

func (p *published) GetFile(_ context.Context, name string) ([]byte, bool, error) {
	return getFile(p.fs, p.dir, name)
}

func (p *published) DepositionLink() string {
	abs, err := filepath.Abs(p.dir)
	if err != nil {
		return p.dir
	}
	return "file://" + abs
}

func (p *published) Version() string { return readVersion(p.fs, p.dir) }

func (p *published) OpenDraft(ctx context.Context) (depositor.DraftDeposition, error) {
	dir := filepath.Join(p.root, draftDirName)
	if err := p.fs.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "pathstore: clearing stale draft")
	}
	if err := copyDir(p.fs, p.dir, dir); err != nil {
		return nil, errors.Wrap(err, "pathstore: seeding draft from published")
	}
	bumped := depositor.BumpMajorVersion(p.Version())
	if err := writeVersion(p.fs, dir, bumped); err != nil {
		return nil, errors.Wrap(err, "pathstore: writing bumped version")
	}
	return &draft{fs: p.fs, root: p.root, dir: dir}, nil
}

type draft struct {
	fs   afero.Fs
	root string
	dir  string
}

func (d *draft) ListFiles(context.Context) ([]string, error) { return listFiles(d.fs, d.dir) }

func (d *draft) GetFile(_ context.Context, name string) ([]byte, bool, error) {
	return getFile(d.fs, d.dir, name)
}

func (d *draft) Checksum(_ context.Context, name string) (string, bool, error) {
	p := filepath.Join(d.dir, name)
	exists, err := afero.Exists(d.fs, p)
	if err != nil {
		return "", false, err
	}
	if !exists {
		return "", false, nil
	}
	sum, err := manifest.ChecksumFile(d.fs, p)
	if err != nil {
		return "", false, err
	}
	return sum, true, nil
}

func (d *draft) DepositionLink() string {
	abs, err := filepath.Abs(d.dir)
	if err != nil {
		return d.dir
	}
	return "file://" + abs
}

func (d *draft) Version() string { return readVersion(d.fs, d.dir) }

func (d *draft) CreateFile(_ context.Context, name string, blob []byte) (depositor.DraftDeposition, error) {
	p := filepath.Join(d.dir, name)
	exists, err := afero.Exists(d.fs, p)
	if err != nil {
		return d, err
	}
	if exists {
		return d, errors.Errorf("pathstore: %s already exists, delete before re-creating", name)
	}
	if err := d.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return d, err
	}
	if err := afero.WriteFile(d.fs, p, blob, 0o644); err != nil {
		return d, errors.Wrapf(err, "pathstore: writing %s", name)
	}
	return d, nil
}

func (d *draft) DeleteFile(_ context.Context, name string) (depositor.DraftDeposition, error) {
	p := filepath.Join(d.dir, name)
	if err := d.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return d, err
	}
	return d, nil
}

func (d *draft) Publish(context.Context) (depositor.PublishedDeposition, error) {
	version := d.Version()
	publishedDir := filepath.Join(d.root, publishedDirName)
	if err := d.fs.RemoveAll(publishedDir); err != nil {
		return nil, errors.Wrap(err, "pathstore: clearing old published dir")
	}
	if err := copyDir(d.fs, d.dir, publishedDir); err != nil {
		return nil, errors.Wrap(err, "pathstore: promoting draft to published")
	}
	if err := writeVersion(d.fs, publishedDir, version); err != nil {
		return nil, errors.Wrap(err, "pathstore: writing published version")
	}
	if err := d.fs.RemoveAll(d.dir); err != nil {
		return nil, errors.Wrap(err, "pathstore: clearing draft after publish")
	}
	_ = d.fs.Remove(versionFile(d.dir))
	return &published{fs: d.fs, root: d.root, dir: publishedDir}, nil
}

func (d *draft) DeleteDeposition(context.Context) error {
	_ = d.fs.Remove(versionFile(d.dir))
	return d.fs.RemoveAll(d.dir)
}

func listFiles(fs afero.Fs, dir string) ([]string, error) {
	var names []string
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "pathstore: listing %s", dir)
	}
	sort.Strings(names)
	return names, nil
}

// versionFile names the sidecar file a deposition's version is stashed in,
// deliberately a sibling of dir rather than an entry inside it so ListFiles
// (which walks dir) never reports it as a deposition file.
func versionFile(dir string) string { return dir + ".version" }

func readVersion(fs afero.Fs, dir string) string {
	b, err := afero.ReadFile(fs, versionFile(dir))
	if err != nil {
		return initialVersion
	}
	return strings.TrimSpace(string(b))
}

func writeVersion(fs afero.Fs, dir, version string) error {
	return afero.WriteFile(fs, versionFile(dir), []byte(version), 0o644)
}

func getFile(fs afero.Fs, dir, name string) ([]byte, bool, error) {
	p := filepath.Join(dir, name)
	exists, err := afero.Exists(fs, p)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	b, err := afero.ReadFile(fs, p)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func copyDir(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, 0o755)
		}
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		return afero.WriteFile(fs, target, b, 0o644)
	})
}
