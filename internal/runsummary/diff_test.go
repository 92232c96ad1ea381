package runsummary

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
)

func dp(resources ...manifest.Resource) *manifest.Datapackage {
	return &manifest.Datapackage{Name: "ferc1", Resources: resources}
}

func TestDiff_CreateUpdateDeleteNoOp(t *testing.T) {
	previous := dp(
		manifest.BuildResource("a.zip", "", 10, "sumA", downloader.Partitions{"year": 2020}),
		manifest.BuildResource("b.zip", "", 20, "sumB", downloader.Partitions{"year": 2021}),
		manifest.BuildResource("c.zip", "", 30, "sumC", downloader.Partitions{"year": 2022}),
	)
	next := dp(
		manifest.BuildResource("a.zip", "", 10, "sumA", downloader.Partitions{"year": 2020}), // unchanged -> NO_OP
		manifest.BuildResource("b.zip", "", 25, "sumB2", downloader.Partitions{"year": 2021}), // changed bytes+checksum -> UPDATE
		manifest.BuildResource("d.zip", "", 40, "sumD", downloader.Partitions{"year": 2023}),  // new -> CREATE
		// c.zip dropped -> DELETE
	)

	diffs := Diff(previous, next)
	require.Len(t, diffs, 3)

	byName := map[string]FileDiff{}
	for _, d := range diffs {
		byName[d.Name] = d
	}

	require.Contains(t, byName, "b.zip")
	assert.Equal(t, Update, byName["b.zip"].DiffType)
	assert.Equal(t, int64(5), byName["b.zip"].SizeDiff)

	require.Contains(t, byName, "d.zip")
	assert.Equal(t, Create, byName["d.zip"].DiffType)
	assert.Equal(t, int64(40), byName["d.zip"].SizeDiff)

	require.Contains(t, byName, "c.zip")
	assert.Equal(t, Delete, byName["c.zip"].DiffType)
	assert.Equal(t, int64(-30), byName["c.zip"].SizeDiff)

	assert.NotContains(t, byName, "a.zip", "unchanged file must not appear in the diff")
}

func TestDiff_PartitionOnlyChangeIsUpdateWithZeroSizeDiff(t *testing.T) {
	previous := dp(manifest.BuildResource("a.zip", "", 10, "sumA", downloader.Partitions{"year": 2020}))
	next := dp(manifest.BuildResource("a.zip", "", 10, "sumA", downloader.Partitions{"year": 2021}))

	diffs := Diff(previous, next)
	require.Len(t, diffs, 1)
	assert.Equal(t, Update, diffs[0].DiffType)
	assert.Equal(t, int64(0), diffs[0].SizeDiff)
	require.Len(t, diffs[0].PartitionChanges, 1)
	assert.Equal(t, Update, diffs[0].PartitionChanges[0].DiffType)
	assert.Equal(t, "year", diffs[0].PartitionChanges[0].Key)
}

func TestDiff_InitialPublishIsAllCreates(t *testing.T) {
	next := dp(
		manifest.BuildResource("a.zip", "", 1, "a", downloader.Partitions{"year": 2020}),
		manifest.BuildResource("b.zip", "", 2, "b", downloader.Partitions{"year": 2021}),
		manifest.BuildResource("c.zip", "", 3, "c", downloader.Partitions{"year": 2022}),
	)
	diffs := Diff(nil, next)
	require.Len(t, diffs, 3)
	for _, d := range diffs {
		assert.Equal(t, Create, d.DiffType)
	}
}
