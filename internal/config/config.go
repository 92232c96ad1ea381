// Package config loads the archiver's environment-sourced credentials once
// at startup into an immutable struct, and persists the per-dataset DOI
// registry (dataset_doi.yaml), the way TEACHER's internal/config loads a
// profile once per command rather than re-reading it mid-run.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Environment variable names the archiver reads credentials and per-source
// API keys from (spec §6).
const (
	EnvZenodoTokenUpload         = "ZENODO_TOKEN_UPLOAD"
	EnvZenodoTokenPublish        = "ZENODO_TOKEN_PUBLISH"
	EnvZenodoSandboxTokenUpload  = "ZENODO_SANDBOX_TOKEN_UPLOAD"
	EnvZenodoSandboxTokenPublish = "ZENODO_SANDBOX_TOKEN_PUBLISH"
	EnvEPACEMSAPIKey             = "EPACEMS_API_KEY"
)

// Credentials holds every secret the archiver reads from the environment,
// loaded once at startup and held immutable thereafter.
type Credentials struct {
	ZenodoTokenUpload         string
	ZenodoTokenPublish        string
	ZenodoSandboxTokenUpload  string
	ZenodoSandboxTokenPublish string
	// SourceAPIKeys maps a per-source header name convention (e.g.
	// "epacems") to the raw key value, passed through to downloaders via
	// request headers.
	SourceAPIKeys map[string]string
}

// TokensFor returns the upload/publish token pair for the given sandbox
// mode.
func (c Credentials) TokensFor(sandbox bool) (upload, publish string) {
	if sandbox {
		return c.ZenodoSandboxTokenUpload, c.ZenodoSandboxTokenPublish
	}
	return c.ZenodoTokenUpload, c.ZenodoTokenPublish
}

// LoadCredentials reads every credential the archiver needs from the
// process environment exactly once.
func LoadCredentials() Credentials {
	return Credentials{
		ZenodoTokenUpload:         os.Getenv(EnvZenodoTokenUpload),
		ZenodoTokenPublish:        os.Getenv(EnvZenodoTokenPublish),
		ZenodoSandboxTokenUpload:  os.Getenv(EnvZenodoSandboxTokenUpload),
		ZenodoSandboxTokenPublish: os.Getenv(EnvZenodoSandboxTokenPublish),
		SourceAPIKeys: map[string]string{
			"epacems": os.Getenv(EnvEPACEMSAPIKey),
		},
	}
}

// DOIEntry is one dataset's production/sandbox concept-DOI pair, as
// recorded in dataset_doi.yaml.
type DOIEntry struct {
	ProductionDOI string `yaml:"production_doi,omitempty"`
	SandboxDOI    string `yaml:"sandbox_doi,omitempty"`
}

// DOIRegistry is the persisted dataset id -> DOIEntry mapping, updated on
// first successful publish of a new dataset.
type DOIRegistry map[string]DOIEntry

// LoadDOIRegistry reads path from fs, returning an empty registry if the
// file does not yet exist.
func LoadDOIRegistry(fs afero.Fs, path string) (DOIRegistry, error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "checking %s", path)
	}
	if !exists {
		return DOIRegistry{}, nil
	}
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	reg := DOIRegistry{}
	if err := yaml.Unmarshal(b, &reg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return reg, nil
}

// Save writes reg to path on fs. yaml.v3 sorts map keys lexically when
// encoding a plain map, so the file is stable across runs that touch the
// same datasets without any extra ordering shim.
func (reg DOIRegistry) Save(fs afero.Fs, path string) error {
	b, err := yaml.Marshal(reg)
	if err != nil {
		return errors.Wrap(err, "marshaling dataset_doi.yaml")
	}
	return afero.WriteFile(fs, path, b, 0o644)
}

// Set records (or updates) the DOI pair for dataset.
func (reg DOIRegistry) Set(dataset string, entry DOIEntry) {
	reg[dataset] = entry
}
