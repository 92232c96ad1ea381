package datasets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
)

func TestRegisterLookupNames(t *testing.T) {
	name := "test-dataset-registry"
	factory := func(rt *downloader.Runtime, opts Options) downloader.Downloader {
		return nil
	}
	Register(name, factory)

	got, ok := Lookup(name)
	require.True(t, ok)
	assert.NotNil(t, got)

	assert.Contains(t, Names(), name)

	_, ok = Lookup("does-not-exist")
	assert.False(t, ok)
}
