// Package objectstore is the object-store-plus-metadata-database depositor
// backend (spec §4.7): it writes each file as an object under
// "<dataset>/<key>", unpacks ZIP archives into "<dataset>/<stem>/…", and
// records a row per file in an external relational store. It is
// intentionally non-versioning: Publish is a no-op and OpenDraft returns a
// handle onto the same live object set, per spec's explicit scoping of
// this backend. Grounded on TEACHER's internal/usage/aws client usage
// (aws-sdk-go v1 service/s3) and its jmoiron/sqlx + lib/pq metadata
// writers.
package objectstore

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // spec mandates hex md5
	"encoding/hex"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" //nolint:blank // registers the "postgres" sqlx driver
	"github.com/pkg/errors"

	"github.com/pudl-archiver/pudl-archiver-go/internal/depositor"
)

const (
	metadataTable = "archiver_files"

	// nonVersionedVersion is the constant Version every deposition.Version
	// call reports: this backend has no draft/published distinction, so
	// there is no bumped-major-version sequence to track per spec §4.7.
	nonVersionedVersion = "1.0.0"

	errListObjectsFmt  = "listing objects under %s"
	errGetObjectFmt    = "fetching object %s"
	errPutObjectFmt    = "writing object %s"
	errDeleteObjectFmt = "deleting object %s"
	errUnpackZipFmt    = "unpacking zip entries for %s"
	errMetadataRowFmt  = "writing metadata row for %s"
)

// Backend is a family of depositions, each identified by a dataset id,
// sharing one cloud bucket/container and one metadata database connection.
// scheme labels DepositionLink's URL prefix ("s3", "gs", "azblob").
type Backend struct {
	client blobClient
	scheme string
	bucket string
	db     *sqlx.DB // optional: nil disables the metadata sidecar
}

// New constructs a Backend against an already-configured AWS session and S3
// bucket. db may be nil to skip the metadata sidecar entirely (e.g. in
// tests against a bucket-only fixture).
func New(sess *session.Session, bucket string, db *sqlx.DB) *Backend {
	return &Backend{client: newS3BlobClient(sess, bucket), scheme: "s3", bucket: bucket, db: db}
}

// NewGCS constructs a Backend against an already-configured GCS client and
// bucket, per spec §9's Azure/GCS object-store variant.
func NewGCS(client *storage.Client, bucket string, db *sqlx.DB) *Backend {
	return &Backend{client: newGCSBlobClient(client, bucket), scheme: "gs", bucket: bucket, db: db}
}

// NewAzure constructs a Backend against an already-configured Azure Blob
// Storage client and container, per spec §9's Azure/GCS object-store
// variant.
func NewAzure(client *azblob.Client, container string, db *sqlx.DB) *Backend {
	return &Backend{client: newAzureBlobClient(client, container), scheme: "azblob", bucket: container, db: db}
}

// EnsureMetadataTable creates the metadata sidecar table if it does not
// already exist. IAM-authenticated Postgres connections (e.g. RDS IAM auth)
// are expected to already carry a short-lived token in the DSN by the time
// db was opened; this backend never re-derives credentials mid-run.
func (b *Backend) EnsureMetadataTable(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+metadataTable+` (
			dataset    TEXT NOT NULL,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			bytes      BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (dataset, name)
		)`)
	return errors.Wrap(err, "creating metadata table")
}

// deposition is both the PublishedDeposition and DraftDeposition view of
// one dataset's live object set — this backend has exactly one state.
type deposition struct {
	backend *Backend
	dataset string
}

// Open returns the (only) deposition view for dataset.
func (b *Backend) Open(dataset string) *deposition { //nolint:revive // unexported return is intentional, mirrors pathstore
	return &deposition{backend: b, dataset: dataset}
}

func (d *deposition) prefix() string { return d.dataset + "/" }

func (d *deposition) key(name string) string { return d.dataset + "/" + name }

func (d *deposition) ListFiles(ctx context.Context) ([]string, error) {
	names, err := d.backend.client.List(ctx, d.prefix())
	if err != nil {
		return nil, errors.Wrapf(err, errListObjectsFmt, d.prefix())
	}
	return names, nil
}

func (d *deposition) GetFile(ctx context.Context, name string) ([]byte, bool, error) {
	b, ok, err := d.backend.client.Get(ctx, d.key(name))
	if err != nil {
		return nil, false, errors.Wrapf(err, errGetObjectFmt, d.key(name))
	}
	return b, ok, nil
}

func (d *deposition) DepositionLink() string {
	return d.backend.scheme + "://" + d.backend.bucket + "/" + d.dataset
}

func (d *deposition) Version() string { return nonVersionedVersion }

// OpenDraft returns a handle onto the same live object set: this backend
// does not implement versioning, per spec §4.7.
func (d *deposition) OpenDraft(context.Context) (depositor.DraftDeposition, error) {
	return d, nil
}

func (d *deposition) Checksum(ctx context.Context, name string) (string, bool, error) {
	etag, ok, err := d.backend.client.Head(ctx, d.key(name))
	if err != nil {
		return "", false, errors.Wrapf(err, errGetObjectFmt, d.key(name))
	}
	if !ok {
		return "", false, nil
	}
	// ETag is the object's md5 hex for a non-multipart single-shot upload,
	// which is all this backend ever issues.
	return strings.Trim(etag, `"`), true, nil
}

// CreateFile writes blob as a single object under the dataset prefix. If
// name is a ZIP archive, its entries are additionally unpacked as objects
// under "<dataset>/<stem>/…" so downstream consumers can address individual
// inner files without downloading the whole archive.
func (d *deposition) CreateFile(ctx context.Context, name string, blob []byte) (depositor.DraftDeposition, error) {
	if _, err := d.backend.client.Put(ctx, d.key(name), blob); err != nil {
		return d, errors.Wrapf(err, errPutObjectFmt, d.key(name))
	}

	if strings.HasSuffix(name, ".zip") {
		if err := d.unpackZip(ctx, name, blob); err != nil {
			return d, errors.Wrapf(err, errUnpackZipFmt, name)
		}
	}

	if err := d.writeMetadataRow(ctx, name, blob); err != nil {
		return d, err
	}
	return d, nil
}

func (d *deposition) unpackZip(ctx context.Context, name string, blob []byte) error {
	stem := strings.TrimSuffix(name, ".zip")
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
		innerKey := d.key(stem + "/" + f.Name)
		if _, err := d.backend.client.Put(ctx, innerKey, data); err != nil {
			return errors.Wrapf(err, errPutObjectFmt, innerKey)
		}
	}
	return nil
}

func (d *deposition) writeMetadataRow(ctx context.Context, name string, blob []byte) error {
	if d.backend.db == nil {
		return nil
	}
	sum := md5.Sum(blob) //nolint:gosec
	_, err := d.backend.db.ExecContext(ctx, `
		INSERT INTO `+metadataTable+` (dataset, name, checksum, bytes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset, name) DO UPDATE SET checksum = $3, bytes = $4, updated_at = $5
	`, d.dataset, name, hex.EncodeToString(sum[:]), int64(len(blob)), nowFn())
	return errors.Wrapf(err, errMetadataRowFmt, name)
}

func (d *deposition) DeleteFile(ctx context.Context, name string) (depositor.DraftDeposition, error) {
	if err := d.backend.client.Delete(ctx, d.key(name)); err != nil {
		return d, errors.Wrapf(err, errDeleteObjectFmt, d.key(name))
	}
	if d.backend.db != nil {
		_, err := d.backend.db.ExecContext(ctx,
			`DELETE FROM `+metadataTable+` WHERE dataset = $1 AND name = $2`, d.dataset, name)
		if err != nil {
			return d, errors.Wrapf(err, errMetadataRowFmt, name)
		}
	}
	return d, nil
}

// Publish is a no-op: this backend has no draft/published distinction.
func (d *deposition) Publish(context.Context) (depositor.PublishedDeposition, error) {
	return d, nil
}

// DeleteDeposition removes every object under the dataset prefix.
func (d *deposition) DeleteDeposition(ctx context.Context) error {
	names, err := d.ListFiles(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := d.DeleteFile(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// nowFn is a seam for tests; production always uses wall-clock time.
var nowFn = time.Now
