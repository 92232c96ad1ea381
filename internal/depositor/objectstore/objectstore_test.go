package objectstore

import (
	"context"
	"crypto/md5" //nolint:gosec // test fixture only
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal in-memory stand-in for the subset of the S3 REST API
// this backend calls: path-style PUT/GET/HEAD/DELETE on a single object and
// ListObjectsV2 under a prefix.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte // "bucket/key" -> bytes
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

type listBucketResult struct {
	XMLName xml.Name       `xml:"ListBucketResult"`
	Name    string         `xml:"Name"`
	Prefix  string         `xml:"Prefix"`
	Contents []listEntry   `xml:"Contents"`
}

type listEntry struct {
	Key  string `xml:"Key"`
	Size int64  `xml:"Size"`
}

func (f *fakeS3) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// path-style: /<bucket>/<key...>
		path := strings.TrimPrefix(r.URL.Path, "/")
		parts := strings.SplitN(path, "/", 2)
		bucket := parts[0]

		if len(parts) == 1 && r.URL.Query().Get("list-type") == "2" {
			f.handleList(w, bucket, r.URL.Query().Get("prefix"))
			return
		}
		if len(parts) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		key := bucket + "/" + parts[1]

		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.objects[key] = body
			f.mu.Unlock()
			sum := md5.Sum(body) //nolint:gosec
			w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			f.mu.Lock()
			body, ok := f.objects[key]
			f.mu.Unlock()
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`))
				return
			}
			sum := md5.Sum(body) //nolint:gosec
			w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
			_, _ = w.Write(body)
		case http.MethodHead:
			f.mu.Lock()
			body, ok := f.objects[key]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			sum := md5.Sum(body) //nolint:gosec
			w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			f.mu.Lock()
			delete(f.objects, key)
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func (f *fakeS3) handleList(w http.ResponseWriter, bucket, prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := listBucketResult{Name: bucket, Prefix: prefix}
	full := bucket + "/" + prefix
	for key, body := range f.objects {
		if !strings.HasPrefix(key, full) {
			continue
		}
		result.Contents = append(result.Contents, listEntry{
			Key:  strings.TrimPrefix(key, bucket+"/"),
			Size: int64(len(body)),
		})
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(result)
}

func testSession(t *testing.T, endpoint string) *session.Session {
	t.Helper()
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String(endpoint),
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(true),
		Credentials:      credentials.NewStaticCredentials("fake", "fake", ""),
	})
	require.NoError(t, err)
	return sess
}

func TestDeposition_CreateGetChecksumRoundTrip(t *testing.T) {
	fake := newFakeS3()
	srv := fake.server()
	defer srv.Close()

	b := New(testSession(t, srv.URL), "archiver-bucket", nil)
	dep := b.Open("ferc1")

	_, err := dep.CreateFile(context.Background(), "a.csv", []byte("hello"))
	require.NoError(t, err)

	blob, ok, err := dep.GetFile(context.Background(), "a.csv")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), blob)

	sum, ok, err := dep.Checksum(context.Background(), "a.csv")
	require.NoError(t, err)
	require.True(t, ok)
	expected := md5.Sum([]byte("hello")) //nolint:gosec
	assert.Equal(t, hex.EncodeToString(expected[:]), sum)

	names, err := dep.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Contains(t, names, "a.csv")
}

func TestDeposition_GetFileMissingReturnsNotOK(t *testing.T) {
	fake := newFakeS3()
	srv := fake.server()
	defer srv.Close()

	b := New(testSession(t, srv.URL), "archiver-bucket", nil)
	dep := b.Open("ferc1")

	_, ok, err := dep.GetFile(context.Background(), "missing.zip")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeposition_DeleteFileRemovesObject(t *testing.T) {
	fake := newFakeS3()
	srv := fake.server()
	defer srv.Close()

	b := New(testSession(t, srv.URL), "archiver-bucket", nil)
	dep := b.Open("ferc1")

	_, err := dep.CreateFile(context.Background(), "a.csv", []byte("hello"))
	require.NoError(t, err)

	_, err = dep.DeleteFile(context.Background(), "a.csv")
	require.NoError(t, err)

	_, ok, err := dep.GetFile(context.Background(), "a.csv")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeposition_PublishAndOpenDraftAreNoOps(t *testing.T) {
	fake := newFakeS3()
	srv := fake.server()
	defer srv.Close()

	b := New(testSession(t, srv.URL), "archiver-bucket", nil)
	dep := b.Open("ferc1")

	published, err := dep.Publish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3://archiver-bucket/ferc1", published.DepositionLink())
	assert.Equal(t, "1.0.0", published.Version(), "a non-versioning backend always reports the same constant version")

	draft, err := published.OpenDraft(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dep, draft)
	assert.Equal(t, "1.0.0", draft.Version())
}
