// Package manifest builds the Frictionless Data Package descriptor
// ("datapackage.json") for a deposition: dataset-level metadata plus one
// Resource record per uploaded file.
package manifest

import (
	"crypto/md5" //nolint:gosec // spec mandates hex md5, not a security digest
	"encoding/hex"
	"encoding/json"
	"io"
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
)

// ManifestFilename is the reserved name of the manifest itself; it is never
// listed among its own Resources.
const ManifestFilename = "datapackage.json"

// Resource is a single file-level entry in a datapackage.
type Resource struct {
	Name       string                `json:"name"`
	RemoteURL  string                `json:"remote_url,omitempty"`
	MediaType  string                `json:"media_type"`
	Bytes      int64                 `json:"bytes"`
	Checksum   string                `json:"checksum"`
	Format     string                `json:"format"`
	Partitions downloader.Partitions `json:"partitions,omitempty"`
}

// Contributor is a dataset creator/maintainer credited in the manifest.
type Contributor struct {
	Title string `json:"title"`
	Role  string `json:"role,omitempty"`
}

// DatasetMetadata is the static, dataset-level descriptive metadata looked
// up by dataset identifier when a manifest is built.
type DatasetMetadata struct {
	Title        string
	Description  string
	License      string
	Keywords     []string
	Contributors []Contributor
}

// Datapackage is the full dataset-level descriptor: metadata plus the set
// of Resources in the deposition, excluding datapackage.json itself.
type Datapackage struct {
	Name         string        `json:"name"`
	Title        string        `json:"title,omitempty"`
	Description  string        `json:"description,omitempty"`
	License      string        `json:"license,omitempty"`
	Keywords     []string      `json:"keywords,omitempty"`
	Contributors []Contributor `json:"contributors,omitempty"`
	Version      string        `json:"version"`
	Resources    []Resource    `json:"resources"`
}

// mediaTypeByExt derives a media type from a file extension. Unknown
// extensions fall back to application/octet-stream.
var mediaTypeByExt = map[string]string{
	".zip":     "application/zip",
	".xlsx":    "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xls":     "application/vnd.ms-excel",
	".csv":     "text/csv",
	".parquet": "application/vnd.apache.parquet",
	".pdf":     "application/pdf",
	".txt":     "text/plain",
	".json":    "application/json",
	".yaml":    "application/yaml",
	".yml":     "application/yaml",
}

// MediaType returns the media type for a filename, derived from its
// extension.
func MediaType(filename string) string {
	if mt, ok := mediaTypeByExt[path.Ext(filename)]; ok {
		return mt
	}
	return "application/octet-stream"
}

// Format returns the bare extension (without the leading dot) of filename.
func Format(filename string) string {
	ext := path.Ext(filename)
	if len(ext) == 0 {
		return ""
	}
	return ext[1:]
}

// ChecksumFile computes the hex md5 of the file at path on fs, the
// fallback used when a depositor backend doesn't hand back a
// pre-computed remote checksum.
func ChecksumFile(fs afero.Fs, filePath string) (string, error) {
	f, err := fs.Open(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "checksum: opening %s", filePath)
	}
	defer f.Close() //nolint:errcheck

	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "checksum: reading %s", filePath)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildResource constructs a Resource for name from already-known remote
// facts (size and checksum), deriving media type and format from the name.
func BuildResource(name, remoteURL string, size int64, checksum string, partitions downloader.Partitions) Resource {
	return Resource{
		Name:       name,
		RemoteURL:  remoteURL,
		MediaType:  MediaType(name),
		Bytes:      size,
		Checksum:   checksum,
		Format:     Format(name),
		Partitions: partitions,
	}
}

// BuildDatapackage assembles the full datapackage for datasetID from its
// file set, excluding any entry named ManifestFilename (the manifest does
// not list itself). Resources are sorted by name, so two datapackages over
// the same file set marshal to byte-identical JSON.
func BuildDatapackage(datasetID string, md DatasetMetadata, files []Resource, version string) *Datapackage {
	resources := make([]Resource, 0, len(files))
	for _, f := range files {
		if f.Name == ManifestFilename {
			continue
		}
		resources = append(resources, f)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].Name < resources[j].Name })

	return &Datapackage{
		Name:         datasetID,
		Title:        md.Title,
		Description:  md.Description,
		License:      md.License,
		Keywords:     md.Keywords,
		Contributors: md.Contributors,
		Version:      version,
		Resources:    resources,
	}
}

// Marshal renders dp as pretty-printed, stably-ordered JSON — Go's
// encoding/json already emits struct fields in declaration order and the
// keys of the one map in this type (Resource.Partitions) in sorted order,
// so no ordered-map shim is needed to get byte-stable output across runs
// over the same file set.
func Marshal(dp *Datapackage) ([]byte, error) {
	b, err := json.MarshalIndent(dp, "", "    ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling datapackage")
	}
	return b, nil
}

// Unmarshal parses a previously-published datapackage.json.
func Unmarshal(b []byte) (*Datapackage, error) {
	dp := &Datapackage{}
	if err := json.Unmarshal(b, dp); err != nil {
		return nil, errors.Wrap(err, "parsing datapackage.json")
	}
	return dp, nil
}
