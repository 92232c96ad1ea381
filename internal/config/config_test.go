package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCredentials_ReadsEnv(t *testing.T) {
	t.Setenv(EnvZenodoTokenUpload, "prod-upload")
	t.Setenv(EnvZenodoTokenPublish, "prod-publish")
	t.Setenv(EnvZenodoSandboxTokenUpload, "sandbox-upload")
	t.Setenv(EnvZenodoSandboxTokenPublish, "sandbox-publish")
	t.Setenv(EnvEPACEMSAPIKey, "epacems-key")

	creds := LoadCredentials()

	upload, publish := creds.TokensFor(false)
	assert.Equal(t, "prod-upload", upload)
	assert.Equal(t, "prod-publish", publish)

	upload, publish = creds.TokensFor(true)
	assert.Equal(t, "sandbox-upload", upload)
	assert.Equal(t, "sandbox-publish", publish)

	assert.Equal(t, "epacems-key", creds.SourceAPIKeys["epacems"])
}

func TestDOIRegistry_LoadMissingFileReturnsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	reg, err := LoadDOIRegistry(fs, "/nonexistent/dataset_doi.yaml")
	require.NoError(t, err)
	assert.Empty(t, reg)
}

func TestDOIRegistry_SaveAndLoadRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	path := "/state/dataset_doi.yaml"

	reg := DOIRegistry{}
	reg.Set("ferc1", DOIEntry{ProductionDOI: "10.5281/zenodo.1", SandboxDOI: "10.5072/zenodo.1"})
	require.NoError(t, reg.Save(fs, path))

	loaded, err := LoadDOIRegistry(fs, path)
	require.NoError(t, err)
	require.Contains(t, loaded, "ferc1")
	assert.Equal(t, "10.5281/zenodo.1", loaded["ferc1"].ProductionDOI)
	assert.Equal(t, "10.5072/zenodo.1", loaded["ferc1"].SandboxDOI)
}
