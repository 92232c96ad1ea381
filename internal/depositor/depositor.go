// Package depositor defines the backend-agnostic deposition contract and
// the apply-change protocol every backend (DOI repository, path-addressed
// store, object store) is driven through. A PublishedDeposition is a
// read-only, already-public version of a dataset; a DraftDeposition is a
// writable, not-yet-public staging area that becomes the next
// PublishedDeposition on Publish.
package depositor

import (
	"context"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
)

// Action classifies what ApplyChange must do to a single named file.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Change is a pending mutation to one named file in a draft, derived by
// comparing the local resource's checksum to the backend's remote checksum
// for that name.
type Change struct {
	Name   string
	Action Action
}

// ChecksumReader is the read slice of DraftDeposition GenerateChange needs:
// any backend that can report a remote checksum for a name.
type ChecksumReader interface {
	// Checksum returns the backend's checksum for name and true, or
	// ("", false, nil) if name does not exist in the deposition.
	Checksum(ctx context.Context, name string) (string, bool, error)
}

// PublishedDeposition is a read-only view of a dataset version that has
// already been made public. Every backend's published handle satisfies
// this, regardless of how it stores files.
type PublishedDeposition interface {
	// ListFiles lists every file name present in this deposition.
	ListFiles(ctx context.Context) ([]string, error)
	// GetFile fetches the bytes of name, or ok=false if absent.
	GetFile(ctx context.Context, name string) (data []byte, ok bool, err error)
	// DepositionLink is the human-facing URL for this deposition, recorded
	// in the run summary.
	DepositionLink() string
	// Version is this deposition's semantic version string.
	Version() string
	// OpenDraft opens a new draft version seeded from this deposition's
	// files, or returns an error if the backend does not support
	// versioning (a backend may instead return itself, see
	// Non-goals for object-store backends).
	OpenDraft(ctx context.Context) (DraftDeposition, error)
}

// DraftDeposition is a writable, not-yet-public staging area. Every mutator
// method returns the DraftDeposition reflecting that mutation rather than
// mutating in place, matching backends (like Zenodo) whose API responses
// are the authoritative post-mutation state.
type DraftDeposition interface {
	ChecksumReader

	ListFiles(ctx context.Context) ([]string, error)
	GetFile(ctx context.Context, name string) (data []byte, ok bool, err error)
	DepositionLink() string
	// Version is this draft's semantic version string: "1.0.0" for a
	// freshly-initialized draft, or the backend's bumped-major version when
	// forked from a PublishedDeposition.
	Version() string

	// CreateFile uploads blob under name. It is an error to call CreateFile
	// for a name that already exists; callers must DeleteFile first.
	CreateFile(ctx context.Context, name string, blob []byte) (DraftDeposition, error)
	// DeleteFile removes name. Deleting an absent name is a no-op.
	DeleteFile(ctx context.Context, name string) (DraftDeposition, error)

	// Publish makes this draft the new current PublishedDeposition.
	Publish(ctx context.Context) (PublishedDeposition, error)
	// DeleteDeposition discards this draft outright, used to clean up a
	// freshly-initialized deposition when a run is cancelled or fails
	// before anything was published from it.
	DeleteDeposition(ctx context.Context) error
}

// BumpMajorVersion returns the next major version after current, per
// spec §3's "version string is monotonically bumped (major version) on
// each new draft based on prior". It defaults to "1.0.0" if current does
// not parse as semver (e.g. a freshly-initialized deposition with no
// prior version).
func BumpMajorVersion(current string) string {
	v, err := semver.NewVersion(current)
	if err != nil {
		return "1.0.0"
	}
	return v.IncMajor().String()
}

// UploadPersistentlyFailingError is returned by ApplyChange when a file's
// uploaded checksum never matches its local checksum after MaxUploadRetries
// attempts.
type UploadPersistentlyFailingError struct {
	Name     string
	Attempts int
}

func (e *UploadPersistentlyFailingError) Error() string {
	return "upload persistently failing for " + e.Name + " after " + strconv.Itoa(e.Attempts) + " attempts"
}

// DefaultMaxUploadRetries is the number of upload-and-verify attempts
// ApplyChange makes before giving up on a single file.
const DefaultMaxUploadRetries = 7

// ApplyOptions configures ApplyChange.
type ApplyOptions struct {
	// MaxUploadRetries overrides DefaultMaxUploadRetries if non-zero.
	MaxUploadRetries int
}

func (o ApplyOptions) maxRetries() int {
	if o.MaxUploadRetries > 0 {
		return o.MaxUploadRetries
	}
	return DefaultMaxUploadRetries
}

// GenerateChange compares the local checksum of info.LocalPath to the
// backend's remote checksum for name and classifies the required action:
// CREATE if name is absent remotely, UPDATE if checksums differ, or nil if
// they're identical (no action needed).
func GenerateChange(ctx context.Context, remote ChecksumReader, name string, info downloader.ResourceInfo, fs afero.Fs) (*Change, error) {
	localSum, err := manifest.ChecksumFile(fs, info.LocalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "generating change for %s", name)
	}

	remoteSum, ok, err := remote.Checksum(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "reading remote checksum for %s", name)
	}
	if !ok {
		return &Change{Name: name, Action: ActionCreate}, nil
	}
	if remoteSum != localSum {
		return &Change{Name: name, Action: ActionUpdate}, nil
	}
	return nil, nil
}

// ApplyChange implements the apply-change protocol: it generates the
// change for name, and if one is needed, deletes the existing remote copy
// (on UPDATE) and re-uploads, verifying the uploaded checksum against the
// local one and retrying the upload up to opts.MaxUploadRetries times
// before giving up. Passing a zero ApplyOptions uses DefaultMaxUploadRetries.
//
// A nil Change (files already identical) is a no-op: ApplyChange returns
// draft unchanged.
func ApplyChange(ctx context.Context, draft DraftDeposition, name string, info downloader.ResourceInfo, fs afero.Fs, opts ApplyOptions) (DraftDeposition, error) {
	change, err := GenerateChange(ctx, draft, name, info, fs)
	if err != nil {
		return draft, err
	}
	if change == nil {
		return draft, nil
	}

	localSum, err := manifest.ChecksumFile(fs, info.LocalPath)
	if err != nil {
		return draft, errors.Wrapf(err, "re-reading checksum for %s", name)
	}
	blob, err := afero.ReadFile(fs, info.LocalPath)
	if err != nil {
		return draft, errors.Wrapf(err, "reading %s for upload", name)
	}

	cur := draft
	if change.Action == ActionUpdate {
		cur, err = cur.DeleteFile(ctx, name)
		if err != nil {
			return draft, errors.Wrapf(err, "deleting stale %s before update", name)
		}
	}

	maxRetries := opts.maxRetries()
	for attempt := 1; attempt <= maxRetries; attempt++ {
		cur, err = cur.CreateFile(ctx, name, blob)
		if err != nil {
			return draft, errors.Wrapf(err, "uploading %s (attempt %d/%d)", name, attempt, maxRetries)
		}

		remoteSum, ok, err := cur.Checksum(ctx, name)
		if err == nil && ok && remoteSum == localSum {
			return cur, nil
		}

		cur, err = cur.DeleteFile(ctx, name)
		if err != nil {
			return draft, errors.Wrapf(err, "removing corrupt upload of %s", name)
		}
	}
	return draft, &UploadPersistentlyFailingError{Name: name, Attempts: maxRetries}
}

// AddResource applies the default apply-change protocol for a single
// resource, the convenience entry point orchestration code uses.
func AddResource(ctx context.Context, draft DraftDeposition, name string, info downloader.ResourceInfo, fs afero.Fs) (DraftDeposition, error) {
	return ApplyChange(ctx, draft, name, info, fs, ApplyOptions{})
}

// AttachDatapackage serializes dp and uploads it as manifest.ManifestFilename,
// overwriting any previous copy. It is always called last in a publish,
// once every resource's Change has been applied, so dp reflects the final
// resource set.
func AttachDatapackage(ctx context.Context, draft DraftDeposition, dp *manifest.Datapackage) (DraftDeposition, error) {
	blob, err := manifest.Marshal(dp)
	if err != nil {
		return draft, err
	}

	cur := draft
	if _, ok, err := cur.Checksum(ctx, manifest.ManifestFilename); err == nil && ok {
		cur, err = cur.DeleteFile(ctx, manifest.ManifestFilename)
		if err != nil {
			return draft, errors.Wrap(err, "removing stale datapackage.json")
		}
	}

	cur, err = cur.CreateFile(ctx, manifest.ManifestFilename, blob)
	if err != nil {
		return draft, errors.Wrap(err, "uploading datapackage.json")
	}
	return cur, nil
}
