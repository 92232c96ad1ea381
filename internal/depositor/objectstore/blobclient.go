package objectstore

import (
	"bytes"
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
)

// blobClient is the cloud-agnostic object operation set this backend needs,
// letting Backend dispatch to S3, GCS, or Azure Blob Storage behind one
// deposition implementation, per spec §9's note that the object-store
// backend should support more than one cloud.
type blobClient interface {
	Put(ctx context.Context, key string, body []byte) (etag string, err error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Head(ctx context.Context, key string) (etag string, ok bool, err error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// s3BlobClient is the default, fully-exercised blobClient: aws-sdk-go v1's
// S3 client plus s3manager's uploader, grounded on TEACHER's
// internal/usage/aws reader.
type s3BlobClient struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

func newS3BlobClient(sess *session.Session, bucket string) *s3BlobClient {
	return &s3BlobClient{client: s3.New(sess), uploader: s3manager.NewUploader(sess), bucket: bucket}
}

func (c *s3BlobClient) Put(ctx context.Context, key string, body []byte) (string, error) {
	if _, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return "", err
	}
	etag, _, err := c.Head(ctx, key)
	return etag, err
}

func (c *s3BlobClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := c.client.GetObjectWithContext(ctx, &s3.GetObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close() //nolint:errcheck
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *s3BlobClient) Head(ctx context.Context, key string) (string, bool, error) {
	head, err := c.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.Trim(aws.StringValue(head.ETag), `"`), true, nil
}

func (c *s3BlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := c.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.StringValue(obj.Key), prefix))
		}
		return true
	})
	return names, err
}

func (c *s3BlobClient) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{Bucket: aws.String(c.bucket), Key: aws.String(key)})
	return err
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), s3.ErrCodeNoSuchKey) || strings.Contains(err.Error(), "NotFound") ||
		strings.Contains(err.Error(), "404")
}

// gcsBlobClient is the GCS variant, grounded on TEACHER's internal/usage/gcp
// reader (a thin wrapper over *storage.Client scoped to one bucket).
type gcsBlobClient struct {
	bucket *storage.BucketHandle
}

func newGCSBlobClient(client *storage.Client, bucket string) *gcsBlobClient {
	return &gcsBlobClient{bucket: client.Bucket(bucket)}
}

func (c *gcsBlobClient) Put(ctx context.Context, key string, body []byte) (string, error) {
	w := c.bucket.Object(key).NewWriter(ctx)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.Attrs.Etag, nil
}

func (c *gcsBlobClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := c.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer r.Close() //nolint:errcheck
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *gcsBlobClient) Head(ctx context.Context, key string) (string, bool, error) {
	attrs, err := c.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return attrs.Etag, true, nil
}

func (c *gcsBlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	it := c.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(attrs.Name, prefix))
	}
	return names, nil
}

func (c *gcsBlobClient) Delete(ctx context.Context, key string) error {
	err := c.bucket.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// azureBlobClient is the Azure Blob Storage variant, grounded on TEACHER's
// internal/usage/azure reader.
type azureBlobClient struct {
	client    *azblob.Client
	container string
}

func newAzureBlobClient(client *azblob.Client, container string) *azureBlobClient {
	return &azureBlobClient{client: client, container: container}
}

func (c *azureBlobClient) Put(ctx context.Context, key string, body []byte) (string, error) {
	resp, err := c.client.UploadBuffer(ctx, c.container, key, body, nil)
	if err != nil {
		return "", err
	}
	if resp.ETag != nil {
		return string(*resp.ETag), nil
	}
	return "", nil
}

func (c *azureBlobClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, key, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close() //nolint:errcheck
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *azureBlobClient) Head(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.client.ServiceClient().NewContainerClient(c.container).NewBlobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if isAzureNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if resp.ETag != nil {
		return string(*resp.ETag), true, nil
	}
	return "", true, nil
}

func (c *azureBlobClient) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := c.client.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			names = append(names, strings.TrimPrefix(*item.Name, prefix))
		}
	}
	return names, nil
}

func (c *azureBlobClient) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteBlob(ctx, c.container, key, nil)
	if isAzureNotFound(err) {
		return nil
	}
	return err
}

func isAzureNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BlobNotFound")
}
