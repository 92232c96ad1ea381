package depositor

import (
	"context"
	"crypto/md5" //nolint:gosec // test fixture only
	"encoding/hex"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
)

// fakeDraft is an in-memory DraftDeposition used to exercise ApplyChange
// without depending on any real backend. flakyUploads, when non-zero,
// corrupts that many successive uploads before letting one through, so
// tests can exercise the checksum-verify-and-retry path.
type fakeDraft struct {
	files        map[string][]byte
	flakyUploads int
}

func newFakeDraft(files map[string][]byte) *fakeDraft {
	if files == nil {
		files = map[string][]byte{}
	}
	return &fakeDraft{files: files}
}

func checksum(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func (d *fakeDraft) ListFiles(context.Context) ([]string, error) {
	names := make([]string, 0, len(d.files))
	for n := range d.files {
		names = append(names, n)
	}
	return names, nil
}

func (d *fakeDraft) GetFile(_ context.Context, name string) ([]byte, bool, error) {
	b, ok := d.files[name]
	return b, ok, nil
}

func (d *fakeDraft) Checksum(_ context.Context, name string) (string, bool, error) {
	b, ok := d.files[name]
	if !ok {
		return "", false, nil
	}
	return checksum(b), true, nil
}

func (d *fakeDraft) DepositionLink() string { return "https://example.test/deposit/1" }

func (d *fakeDraft) CreateFile(_ context.Context, name string, blob []byte) (DraftDeposition, error) {
	next := &fakeDraft{files: cloneFiles(d.files), flakyUploads: d.flakyUploads}
	if next.flakyUploads > 0 {
		next.flakyUploads--
		corrupted := append(append([]byte{}, blob...), '!')
		next.files[name] = corrupted
		return next, nil
	}
	next.files[name] = blob
	return next, nil
}

func (d *fakeDraft) DeleteFile(_ context.Context, name string) (DraftDeposition, error) {
	next := &fakeDraft{files: cloneFiles(d.files), flakyUploads: d.flakyUploads}
	delete(next.files, name)
	return next, nil
}

func (d *fakeDraft) Publish(context.Context) (PublishedDeposition, error) { return nil, nil }
func (d *fakeDraft) DeleteDeposition(context.Context) error               { return nil }

func cloneFiles(m map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestGenerateChange_CreateWhenAbsent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("hello"), 0o644))

	draft := newFakeDraft(nil)
	change, err := GenerateChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, ActionCreate, change.Action)
}

func TestGenerateChange_UpdateWhenChecksumDiffers(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("new bytes"), 0o644))
	draft := newFakeDraft(map[string][]byte{"a.zip": []byte("old bytes")})

	change, err := GenerateChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs)
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, ActionUpdate, change.Action)
}

func TestGenerateChange_NilWhenIdentical(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("same"), 0o644))
	draft := newFakeDraft(map[string][]byte{"a.zip": []byte("same")})

	change, err := GenerateChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs)
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestApplyChange_CreateUploadsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("hello"), 0o644))

	draft := newFakeDraft(nil)
	next, err := ApplyChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs, ApplyOptions{})
	require.NoError(t, err)

	b, ok, err := next.GetFile(context.Background(), "a.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), b)
}

func TestApplyChange_UpdateDeletesThenRecreates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("v2"), 0o644))
	draft := newFakeDraft(map[string][]byte{"a.zip": []byte("v1")})

	next, err := ApplyChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs, ApplyOptions{})
	require.NoError(t, err)

	b, ok, err := next.GetFile(context.Background(), "a.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), b)
}

func TestApplyChange_NoOpWhenIdentical(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("same"), 0o644))
	draft := newFakeDraft(map[string][]byte{"a.zip": []byte("same")})

	next, err := ApplyChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs, ApplyOptions{})
	require.NoError(t, err)
	assert.Same(t, draft, next.(*fakeDraft))
}

func TestApplyChange_RetriesOnCorruptUploadThenSucceeds(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("hello"), 0o644))

	draft := newFakeDraft(nil)
	draft.flakyUploads = 2

	next, err := ApplyChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs, ApplyOptions{MaxUploadRetries: 5})
	require.NoError(t, err)

	b, ok, err := next.GetFile(context.Background(), "a.zip")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), b)
}

func TestApplyChange_GivesUpAfterMaxRetries(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.zip", []byte("hello"), 0o644))

	draft := newFakeDraft(nil)
	draft.flakyUploads = 10

	_, err := ApplyChange(context.Background(), draft, "a.zip", downloader.ResourceInfo{LocalPath: "/a.zip"}, fs, ApplyOptions{MaxUploadRetries: 3})
	require.Error(t, err)
	var upErr *UploadPersistentlyFailingError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, "a.zip", upErr.Name)
	assert.Equal(t, 3, upErr.Attempts)
}

func TestAttachDatapackage_UploadsManifest(t *testing.T) {
	draft := newFakeDraft(nil)
	dp := manifest.BuildDatapackage("ferc1", manifest.DatasetMetadata{Title: "FERC Form 1"}, nil, "1")

	next, err := AttachDatapackage(context.Background(), draft, dp)
	require.NoError(t, err)

	b, ok, err := next.GetFile(context.Background(), manifest.ManifestFilename)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(b), "FERC Form 1")
}

func TestAttachDatapackage_ReplacesExisting(t *testing.T) {
	draft := newFakeDraft(map[string][]byte{manifest.ManifestFilename: []byte(`{"name":"stale"}`)})
	dp := manifest.BuildDatapackage("ferc1", manifest.DatasetMetadata{}, nil, "2")

	next, err := AttachDatapackage(context.Background(), draft, dp)
	require.NoError(t, err)

	b, ok, err := next.GetFile(context.Background(), manifest.ManifestFilename)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, string(b), "stale")
}
