package manifest

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
)

func TestMediaTypeAndFormat(t *testing.T) {
	assert.Equal(t, "application/zip", MediaType("a.zip"))
	assert.Equal(t, "text/csv", MediaType("a.csv"))
	assert.Equal(t, "application/octet-stream", MediaType("a.unknownext"))
	assert.Equal(t, "zip", Format("a.zip"))
	assert.Equal(t, "", Format("noext"))
}

func TestChecksumFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.txt", []byte("hello"), 0o644))
	sum, err := ChecksumFile(fs, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sum)
}

func TestBuildDatapackage_ExcludesSelfAndSorts(t *testing.T) {
	files := []Resource{
		BuildResource("c.zip", "https://x/c.zip", 3, "csum", downloader.Partitions{"year": 2022}),
		BuildResource(ManifestFilename, "https://x/datapackage.json", 1, "msum", nil),
		BuildResource("a.zip", "https://x/a.zip", 1, "asum", downloader.Partitions{"year": 2020}),
	}
	dp := BuildDatapackage("ferc1", DatasetMetadata{Title: "FERC Form 1"}, files, "1.0.0")

	require.Len(t, dp.Resources, 2)
	assert.Equal(t, "a.zip", dp.Resources[0].Name)
	assert.Equal(t, "c.zip", dp.Resources[1].Name)
	assert.Equal(t, "FERC Form 1", dp.Title)
	assert.Equal(t, "1.0.0", dp.Version)
}

func TestMarshal_StableAcrossRuns(t *testing.T) {
	build := func() []byte {
		files := []Resource{
			BuildResource("b.zip", "https://x/b.zip", 2, "bsum", downloader.Partitions{"year": 2021}),
			BuildResource("a.zip", "https://x/a.zip", 1, "asum", downloader.Partitions{"year": 2020}),
		}
		dp := BuildDatapackage("ferc1", DatasetMetadata{Title: "FERC Form 1"}, files, "1.0.0")
		b, err := Marshal(dp)
		require.NoError(t, err)
		return b
	}
	assert.Equal(t, build(), build())
}

func TestUnmarshalRoundTrip(t *testing.T) {
	dp := BuildDatapackage("ferc1", DatasetMetadata{Title: "t"}, []Resource{
		BuildResource("a.zip", "https://x/a.zip", 1, "asum", nil),
	}, "2.0.0")
	b, err := Marshal(dp)
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, dp.Name, got.Name)
	assert.Equal(t, dp.Version, got.Version)
	require.Len(t, got.Resources, 1)
	assert.Equal(t, "a.zip", got.Resources[0].Name)
}
