// Package doi is the DOI-repository depositor backend (spec §4.7, §6):
// a Zenodo-shaped REST client maintaining a cross-version concept
// identifier, forking a new draft version per publish cycle, and bumping
// the deposition's semantic version on every new draft. Every HTTP call is
// wrapped by internal/retry, and typed errors surface per-field validation
// messages the way cmd/up/xpkg/push.go's upload path does for registry
// errors.
package doi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/pudl-archiver/pudl-archiver-go/internal/depositor"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
	"github.com/pudl-archiver/pudl-archiver-go/internal/retry"
)

const (
	// ProductionBaseURL is the production Zenodo-shaped API root.
	ProductionBaseURL = "https://zenodo.org/api"
	// SandboxBaseURL is the sandbox API root, selected by Settings.Sandbox.
	SandboxBaseURL = "https://sandbox.zenodo.org/api"

	md5Prefix = "md5:"

	errCreateDepositionFmt  = "creating deposition"
	errFetchDepositionFmt   = "fetching deposition %s"
	errForkVersionFmt       = "forking new version from deposition %s"
	errUpdateMetadataFmt    = "updating metadata for deposition %s"
	errPublishFmt           = "publishing deposition %s"
	errDeleteDepositionFmt  = "deleting deposition %s"
	errListFilesFmt         = "listing files for deposition %s"
	errGetFileFmt           = "fetching file %s from deposition %s"
	errCreateFileFmt        = "uploading file %s to deposition %s"
	errDeleteFileFmt        = "deleting file %s from deposition %s"
	errNoFilesBucketFmt     = "deposition %s exposes no bucket link for file uploads"
	errNoPublishedVersion   = "concept DOI %s has no published version yet"
)

// Tokens is the upload/publish credential pair for one environment
// (production or sandbox), per spec §6.
type Tokens struct {
	Upload  string
	Publish string
}

// Backend is a family of depositions addressed by Zenodo-shaped concept
// DOIs, all sharing one base URL and token pair.
type Backend struct {
	baseURL string
	tokens  Tokens
	client  *http.Client
	retry   retry.Options
	log     logr.Logger
}

// New constructs a Backend against baseURL (ProductionBaseURL or
// SandboxBaseURL) using tokens for upload and publish calls.
func New(baseURL string, tokens Tokens, client *http.Client, log logr.Logger) *Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &Backend{baseURL: baseURL, tokens: tokens, client: client, log: log}
}

// APIError is a typed 4xx/5xx response from the DOI repository: status
// code, top-level message, and any per-field validation errors.
type APIError struct {
	StatusCode int
	Message    string
	Errors     map[string][]string
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("doi: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("doi: %d %s (field errors: %v)", e.StatusCode, e.Message, e.Errors)
}

// Retryable mirrors retry.HTTPStatusError's classification so APIError
// participates in the same retry.Classifier.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type depositionMetadata struct {
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	UploadType         string   `json:"upload_type,omitempty"`
	License             string   `json:"license,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`
	Version            string   `json:"version,omitempty"`
	Creators           []struct {
		Name string `json:"name"`
	} `json:"creators,omitempty"`
}

type depositionLinks struct {
	Self            string `json:"self"`
	Html            string `json:"html"`
	Bucket          string `json:"bucket,omitempty"`
	Publish         string `json:"publish"`
	Discard         string `json:"discard"`
	NewVersion      string `json:"newversion,omitempty"`
	LatestDraft     string `json:"latest_draft,omitempty"`
	Latest          string `json:"latest,omitempty"`
}

type depositionFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Filesize int64  `json:"filesize"`
	Checksum string `json:"checksum"`
	Links    struct {
		Self     string `json:"self"`
		Download string `json:"download"`
	} `json:"links"`
}

type depositionResponse struct {
	ID            int                 `json:"id"`
	ConceptRecID  string              `json:"conceptrecid"`
	ConceptDOI    string              `json:"conceptdoi,omitempty"`
	DOI           string              `json:"doi,omitempty"`
	State         string              `json:"state"`
	Submitted     bool                `json:"submitted"`
	Metadata      depositionMetadata  `json:"metadata"`
	Links         depositionLinks     `json:"links"`
	Files         []depositionFile    `json:"files"`
}

func (d *depositionResponse) idStr() string { return strconv.Itoa(d.ID) }

// checksum strips the "md5:" prefix Zenodo-shaped APIs report.
func (f depositionFile) checksum() string {
	return strings.TrimPrefix(f.Checksum, md5Prefix)
}

// request issues method against baseURL+path with the given bearer token
// and JSON body, decoding a 2xx response into out (if non-nil) and
// converting a non-2xx response into an *APIError. Every call goes
// through internal/retry per spec §4.1/§9.
func (b *Backend) request(ctx context.Context, method, path, token string, body any, out any) error {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return struct{}{}, errors.Wrap(err, "encoding request body")
			}
			reader = bytes.NewReader(buf)
		}

		req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "building request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close() //nolint:errcheck

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "reading response body")
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := decodeAPIError(resp.StatusCode, respBody)
			return struct{}{}, apiErr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return struct{}{}, errors.Wrap(err, "decoding response body")
			}
		}
		return struct{}{}, nil
	}, withAPIErrorClassifier(b.retry))
	return err
}

func withAPIErrorClassifier(opts retry.Options) retry.Options {
	opts.Classifier = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Retryable()
		}
		return retry.DefaultClassifier(err)
	}
	return opts
}

func decodeAPIError(status int, body []byte) *APIError {
	var parsed struct {
		Message string `json:"message"`
		Errors  []struct {
			Field   string   `json:"field"`
			Message string   `json:"message"`
			Code    int      `json:"code"`
		} `json:"errors"`
	}
	_ = json.Unmarshal(body, &parsed)

	fieldErrs := map[string][]string{}
	for _, e := range parsed.Errors {
		fieldErrs[e.Field] = append(fieldErrs[e.Field], e.Message)
	}
	msg := parsed.Message
	if msg == "" {
		msg = string(body)
	}
	return &APIError{StatusCode: status, Message: msg, Errors: fieldErrs}
}

// NewDeposition creates a brand-new, empty deposition (used when the
// orchestrator is run with --initialize) and returns its draft handle.
func (b *Backend) NewDeposition(ctx context.Context, md manifest.DatasetMetadata) (depositor.DraftDeposition, error) {
	var resp depositionResponse
	body := map[string]any{"metadata": toAPIMetadata(md, "1.0.0")}
	if err := b.request(ctx, http.MethodPost, "/deposit/depositions", b.tokens.Upload, body, &resp); err != nil {
		return nil, errors.Wrap(err, errCreateDepositionFmt)
	}
	return &draft{backend: b, dep: resp}, nil
}

// OpenConcept fetches the latest published version of conceptDOI.
func (b *Backend) OpenConcept(ctx context.Context, conceptDOI string) (depositor.PublishedDeposition, bool, error) {
	var resp depositionResponse
	err := b.request(ctx, http.MethodGet, "/deposit/depositions/"+conceptDOI, b.tokens.Upload, nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, errFetchDepositionFmt, conceptDOI)
	}
	if !resp.Submitted {
		return nil, false, errors.Errorf(errNoPublishedVersion, conceptDOI)
	}
	return &published{backend: b, dep: resp}, true, nil
}

// ConceptDOIReporter is implemented by a PublishedDeposition that tracks a
// persistent concept DOI distinct from its version-specific DOI (spec
// §4.7). cmd/archiver/run type-asserts against it to persist the concept
// DOI into internal/config's DOIRegistry across runs.
type ConceptDOIReporter interface {
	ConceptDOI() string
}

type published struct {
	backend *Backend
	dep     depositionResponse
}

func (p *published) ListFiles(context.Context) ([]string, error) {
	names := make([]string, 0, len(p.dep.Files))
	for _, f := range p.dep.Files {
		names = append(names, f.Filename)
	}
	return names, nil
}

func (p *published) GetFile(ctx context.Context, name string) ([]byte, bool, error) {
	for _, f := range p.dep.Files {
		if f.Filename != name {
			continue
		}
		b, err := p.backend.download(ctx, f.Links.Download)
		if err != nil {
			return nil, false, errors.Wrapf(err, errGetFileFmt, name, p.dep.idStr())
		}
		return b, true, nil
	}
	return nil, false, nil
}

func (p *published) DepositionLink() string { return p.dep.Links.Html }

func (p *published) Version() string { return p.dep.Metadata.Version }

// ConceptDOI returns the persistent, version-independent DOI identifying
// this dataset across every published version.
func (p *published) ConceptDOI() string { return p.dep.ConceptDOI }

// OpenDraft forks a new version from p by POSTing to the deposition's
// /actions/newversion endpoint (the /records/{id}/versions endpoint is not
// used) and bumps the major semver component, per spec §4.7's "version
// string is monotonically bumped (major version)".
func (p *published) OpenDraft(ctx context.Context) (depositor.DraftDeposition, error) {
	var resp depositionResponse
	path := "/deposit/depositions/" + p.dep.idStr() + "/actions/newversion"
	if err := p.backend.request(ctx, http.MethodPost, path, p.backend.tokens.Upload, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, errForkVersionFmt, p.dep.idStr())
	}

	resp.Metadata.Version = depositor.BumpMajorVersion(p.dep.Metadata.Version)
	updatePath := "/deposit/depositions/" + resp.idStr()
	body := map[string]any{"metadata": resp.Metadata}
	if err := p.backend.request(ctx, http.MethodPut, updatePath, p.backend.tokens.Upload, body, &resp); err != nil {
		return nil, errors.Wrapf(err, errUpdateMetadataFmt, resp.idStr())
	}

	return &draft{backend: p.backend, dep: resp}, nil
}

func toAPIMetadata(md manifest.DatasetMetadata, version string) depositionMetadata {
	out := depositionMetadata{
		Title:       md.Title,
		Description: md.Description,
		UploadType:  "dataset",
		License:     md.License,
		Keywords:    md.Keywords,
		Version:     version,
	}
	for _, c := range md.Contributors {
		out.Creators = append(out.Creators, struct {
			Name string `json:"name"`
		}{Name: c.Title})
	}
	return out
}

type draft struct {
	backend *Backend
	dep     depositionResponse
}

func (d *draft) ListFiles(context.Context) ([]string, error) {
	names := make([]string, 0, len(d.dep.Files))
	for _, f := range d.dep.Files {
		names = append(names, f.Filename)
	}
	return names, nil
}

func (d *draft) GetFile(ctx context.Context, name string) ([]byte, bool, error) {
	for _, f := range d.dep.Files {
		if f.Filename != name {
			continue
		}
		b, err := d.backend.download(ctx, f.Links.Download)
		if err != nil {
			return nil, false, errors.Wrapf(err, errGetFileFmt, name, d.dep.idStr())
		}
		return b, true, nil
	}
	return nil, false, nil
}

func (d *draft) Checksum(_ context.Context, name string) (string, bool, error) {
	for _, f := range d.dep.Files {
		if f.Filename == name {
			return f.checksum(), true, nil
		}
	}
	return "", false, nil
}

func (d *draft) DepositionLink() string { return d.dep.Links.Html }

func (d *draft) Version() string { return d.dep.Metadata.Version }

// CreateFile prefers the bucket upload API when the fetched deposition
// exposes a bucket link (spec §9 Open Question: "retain both behind a
// single create_file with a backend-selected strategy and a capability
// probe on the deposition's link set"), falling back to the legacy
// multipart /files endpoint otherwise.
func (d *draft) CreateFile(ctx context.Context, name string, blob []byte) (depositor.DraftDeposition, error) {
	if d.dep.Links.Bucket != "" {
		return d.createFileViaBucket(ctx, name, blob)
	}
	return d.createFileViaLegacyUpload(ctx, name, blob)
}

func (d *draft) createFileViaBucket(ctx context.Context, name string, blob []byte) (depositor.DraftDeposition, error) {
	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.dep.Links.Bucket+"/"+name, bytes.NewReader(blob))
		if err != nil {
			return struct{}{}, errors.Wrap(err, "building bucket upload request")
		}
		req.Header.Set("Authorization", "Bearer "+d.backend.tokens.Upload)
		req.ContentLength = int64(len(blob))

		resp, err := d.backend.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			return struct{}{}, decodeAPIError(resp.StatusCode, body)
		}
		return struct{}{}, nil
	}, withAPIErrorClassifier(d.backend.retry))
	if err != nil {
		return d, errors.Wrapf(err, errCreateFileFmt, name, d.dep.idStr())
	}
	return d.refreshed(ctx)
}

func (d *draft) createFileViaLegacyUpload(ctx context.Context, name string, blob []byte) (depositor.DraftDeposition, error) {
	if d.dep.Links.Bucket == "" && d.dep.Links.Self == "" {
		return d, errors.Errorf(errNoFilesBucketFmt, d.dep.idStr())
	}
	var buf bytes.Buffer
	writeMultipartFile(&buf, name, blob)

	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		path := "/deposit/depositions/" + d.dep.idStr() + "/files"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.backend.baseURL+path, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return struct{}{}, errors.Wrap(err, "building legacy upload request")
		}
		req.Header.Set("Authorization", "Bearer "+d.backend.tokens.Upload)
		req.Header.Set("Content-Type", "multipart/form-data; boundary=boundary")

		resp, err := d.backend.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			return struct{}{}, decodeAPIError(resp.StatusCode, body)
		}
		return struct{}{}, nil
	}, withAPIErrorClassifier(d.backend.retry))
	if err != nil {
		return d, errors.Wrapf(err, errCreateFileFmt, name, d.dep.idStr())
	}
	return d.refreshed(ctx)
}

// writeMultipartFile writes a minimal multipart/form-data body for the
// legacy upload API; it deliberately avoids mime/multipart.Writer's random
// boundary so tests (and the backend itself) can hand-construct matching
// requests against a fixed "boundary" string.
func writeMultipartFile(buf *bytes.Buffer, name string, blob []byte) {
	buf.WriteString("--boundary\r\n")
	buf.WriteString(`Content-Disposition: form-data; name="file"; filename="` + name + "\"\r\n\r\n")
	buf.Write(blob)
	buf.WriteString("\r\n--boundary\r\n")
	buf.WriteString(`Content-Disposition: form-data; name="name"` + "\r\n\r\n")
	buf.WriteString(name)
	buf.WriteString("\r\n--boundary--\r\n")
}

func (d *draft) DeleteFile(ctx context.Context, name string) (depositor.DraftDeposition, error) {
	for _, f := range d.dep.Files {
		if f.Filename != name {
			continue
		}
		if err := d.backend.request(ctx, http.MethodDelete, f.Links.Self, d.backend.tokens.Upload, nil, nil); err != nil {
			return d, errors.Wrapf(err, errDeleteFileFmt, name, d.dep.idStr())
		}
		return d.refreshed(ctx)
	}
	return d, nil
}

func (d *draft) Publish(ctx context.Context) (depositor.PublishedDeposition, error) {
	var resp depositionResponse
	path := "/deposit/depositions/" + d.dep.idStr() + "/actions/publish"
	if err := d.backend.request(ctx, http.MethodPost, path, d.backend.tokens.Publish, nil, &resp); err != nil {
		return nil, errors.Wrapf(err, errPublishFmt, d.dep.idStr())
	}
	return &published{backend: d.backend, dep: resp}, nil
}

func (d *draft) DeleteDeposition(ctx context.Context) error {
	path := "/deposit/depositions/" + d.dep.idStr()
	if err := d.backend.request(ctx, http.MethodDelete, path, d.backend.tokens.Upload, nil, nil); err != nil {
		return errors.Wrapf(err, errDeleteDepositionFmt, d.dep.idStr())
	}
	return nil
}

// refreshed re-fetches this draft's deposition state after a mutation, the
// way the published/draft split in spec §4.7 requires ("refreshes remote
// state after each mutation").
func (d *draft) refreshed(ctx context.Context) (*draft, error) {
	var resp depositionResponse
	path := "/deposit/depositions/" + d.dep.idStr()
	if err := d.backend.request(ctx, http.MethodGet, path, d.backend.tokens.Upload, nil, &resp); err != nil {
		return d, errors.Wrapf(err, errFetchDepositionFmt, d.dep.idStr())
	}
	d.dep = resp
	return d, nil
}

func (b *Backend) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := retry.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+b.tokens.Upload)
		resp, err := b.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
		}
		return resp, nil
	}, b.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	return io.ReadAll(resp.Body)
}
