package downloader

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/pudl-archiver/pudl-archiver-go/internal/htmlindex"
	"github.com/pudl-archiver/pudl-archiver-go/internal/retry"
	"github.com/pudl-archiver/pudl-archiver-go/internal/stablezip"
)

const (
	// DefaultZipfileRetries is download_zipfile's default retry budget.
	DefaultZipfileRetries = 5

	errDownloadFmt    = "downloading %s"
	errWriteDestFmt   = "writing response body for %s to %s"
	errDecodeJSONFmt  = "decoding JSON response from %s"
	errBuildRequestFmt = "building request for %s"
)

// RequestOptions configures a single HTTP call made through the runtime,
// replacing the kwargs-style configuration of the source implementation
// with an explicit options struct.
type RequestOptions struct {
	Headers map[string]string
	Post    bool
	Data    []byte
	// InsecureSkipVerify, when true, skips TLS certificate verification
	// for this request. The zero value verifies, matching the upbound
	// InsecureSkipTLSVerify convention this is named after.
	InsecureSkipVerify bool
}

// Config wires a Runtime's shared dependencies.
type Config struct {
	HTTPClient   *http.Client
	FS           afero.Fs
	TempDir      string
	Headers      map[string]string // sent with every request, e.g. API keys
	Log          logr.Logger
	RetryOptions retry.Options
	// Trace, if set, is called once per completed HTTP round trip (status
	// 0 on transport error), for a CLI-local raw-request debug log.
	Trace func(method, url string, status int)
}

// Runtime is the shared machinery every dataset Downloader is built on top
// of: bounded-parallel retrieval, retry-validated downloads, hyperlink
// discovery, and stable-hash archive assembly.
type Runtime struct {
	cfg  Config
	sem  *semaphore.Weighted
	zips *stablezip.Registry
}

// NewRuntime returns a Runtime that gates every network call through a
// semaphore of size concurrencyLimit.
func NewRuntime(concurrencyLimit int, cfg Config) *Runtime {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	return &Runtime{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(concurrencyLimit)),
		zips: stablezip.NewRegistry(cfg.FS),
	}
}

// Close finalizes any archives still open in this Runtime's registry and
// removes its temp dir.
func (r *Runtime) Close() error {
	zipErr := r.zips.CloseAll()
	if r.cfg.TempDir != "" {
		_ = r.cfg.FS.RemoveAll(r.cfg.TempDir)
	}
	return zipErr
}

func (r *Runtime) do(ctx context.Context, url string, opts RequestOptions) (*http.Response, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	return retry.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		method := http.MethodGet
		var body io.Reader
		if opts.Post {
			method = http.MethodPost
			body = bytes.NewReader(opts.Data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, errors.Wrapf(err, errBuildRequestFmt, url)
		}
		for k, v := range r.cfg.Headers {
			req.Header.Set(k, v)
		}
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}

		resp, err := r.clientFor(opts).Do(req)
		if err != nil {
			if r.cfg.Trace != nil {
				r.cfg.Trace(method, url, 0)
			}
			return nil, errors.Wrapf(err, errDownloadFmt, url)
		}
		if r.cfg.Trace != nil {
			r.cfg.Trace(method, url, resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
		}
		return resp, nil
	}, r.cfg.RetryOptions)
}

// clientFor returns cfg.HTTPClient unchanged unless opts.InsecureSkipVerify
// is set, in which case it clones the client's transport with TLS
// verification disabled rather than mutating the shared client.
func (r *Runtime) clientFor(opts RequestOptions) *http.Client {
	if !opts.InsecureSkipVerify {
		return r.cfg.HTTPClient
	}

	base, ok := r.cfg.HTTPClient.Transport.(*http.Transport)
	if !ok {
		base = http.DefaultTransport.(*http.Transport) //nolint:errcheck
	}
	transport := base.Clone()
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{} //nolint:gosec
	} else {
		transport.TLSClientConfig = transport.TLSClientConfig.Clone()
	}
	transport.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec

	client := *r.cfg.HTTPClient
	client.Transport = transport
	return &client
}

// DownloadFile issues a (possibly POST) request through the retry helper
// and streams the response body to dest, returning the final HTTP status.
func (r *Runtime) DownloadFile(ctx context.Context, url, dest string, opts RequestOptions) (int, error) {
	resp, err := r.do(ctx, url, opts)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := r.writeAtomically(dest, resp.Body); err != nil {
		return resp.StatusCode, errors.Wrapf(err, errWriteDestFmt, url, dest)
	}
	return resp.StatusCode, nil
}

// writeAtomically streams r into dest via a sibling temp file that is
// renamed into place, so a crash mid-download never leaves a partial file
// at dest.
func (r *Runtime) writeAtomically(dest string, body io.Reader) error {
	if err := r.cfg.FS.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + ".part"
	f, err := r.cfg.FS.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = r.cfg.FS.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = r.cfg.FS.Remove(tmp)
		return err
	}
	return r.cfg.FS.Rename(tmp, dest)
}

// DownloadZipfile downloads url to dest, retrying up to retries times (0
// means DefaultZipfileRetries) whenever the result fails the ZIP magic-byte
// check, deleting the invalid file between attempts. It never returns
// success with a non-ZIP body at dest.
func (r *Runtime) DownloadZipfile(ctx context.Context, url, dest string, retries int) error {
	if retries <= 0 {
		retries = DefaultZipfileRetries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if _, err := r.DownloadFile(ctx, url, dest, RequestOptions{}); err != nil {
			lastErr = err
			continue
		}
		ok, err := r.isZipFile(dest)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		_ = r.cfg.FS.Remove(dest)
		lastErr = &ZipfileInvalidError{URL: url}
	}
	if lastErr == nil {
		lastErr = &ZipfileInvalidError{URL: url}
	}
	return lastErr
}

func (r *Runtime) isZipFile(path string) (bool, error) {
	f, err := r.cfg.FS.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close() //nolint:errcheck
	magic := make([]byte, 4)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF { //nolint:errorlint
		return false, err
	}
	return stablezip.IsZip(magic[:n]), nil
}

// GetHyperlinks fetches url and returns the set of hrefs on its page,
// optionally filtered by pattern.
func (r *Runtime) GetHyperlinks(ctx context.Context, url string, pattern *regexp.Regexp, opts RequestOptions) (map[string]struct{}, error) {
	resp, err := r.do(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return htmlindex.ExtractHrefs(resp.Body, pattern, r.cfg.Log)
}

// GetJSON fetches url and decodes the JSON response body into out.
func (r *Runtime) GetJSON(ctx context.Context, url string, out any, opts RequestOptions) error {
	resp, err := r.do(ctx, url, opts)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, errDecodeJSONFmt, url)
	}
	return nil
}

// AddToArchive appends filename to the ZIP at zipPath.
func (r *Runtime) AddToArchive(zipPath, filename string, blob []byte) error {
	return r.zips.Add(zipPath, filename, blob)
}

// CloseArchive finalizes the archive at zipPath.
func (r *Runtime) CloseArchive(zipPath string) error {
	return r.zips.Close(zipPath)
}

// DownloadAddToArchiveAndUnlink downloads url to a temp file, appends it to
// zipPath under filename, and removes the temp file — the canonical
// pattern for large multi-file archives, so no more than one file is on
// disk at a time.
func (r *Runtime) DownloadAddToArchiveAndUnlink(ctx context.Context, url, filename, zipPath string) error {
	tmp := filepath.Join(r.tempDir(), filepath.Base(filename)+".download")
	if _, err := r.DownloadFile(ctx, url, tmp, RequestOptions{}); err != nil {
		return err
	}
	defer r.cfg.FS.Remove(tmp) //nolint:errcheck

	blob, err := afero.ReadFile(r.cfg.FS, tmp)
	if err != nil {
		return errors.Wrapf(err, "reading temp download %s", tmp)
	}
	return r.AddToArchive(zipPath, filename, blob)
}

func (r *Runtime) tempDir() string {
	if r.cfg.TempDir != "" {
		return r.cfg.TempDir
	}
	return os.TempDir()
}
