package htmlindex

import (
	"regexp"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body>
<a href="/data/2020.zip">2020</a>
<a href="/data/2021.zip">2021</a>
<a href="/other/readme.txt">readme</a>
<div href="/ignored/not-a-link.zip">not a link</div>
</body></html>`

func TestExtractHrefs_NoPattern(t *testing.T) {
	got, err := ExtractHrefs(strings.NewReader(page), nil, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{
		"/data/2020.zip":    {},
		"/data/2021.zip":    {},
		"/other/readme.txt": {},
	}, got)
}

func TestExtractHrefs_WithPattern(t *testing.T) {
	pattern := regexp.MustCompile(`\.zip$`)
	got, err := ExtractHrefs(strings.NewReader(page), pattern, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{
		"/data/2020.zip": {},
		"/data/2021.zip": {},
	}, got)
}

func TestExtractHrefs_NoMatchesReturnsEmptyNotError(t *testing.T) {
	pattern := regexp.MustCompile(`\.parquet$`)
	got, err := ExtractHrefs(strings.NewReader(page), pattern, logr.Discard())
	require.NoError(t, err)
	assert.Empty(t, got)
}
