// Package runsummary diffs two manifests into a per-file change set,
// classifies the change driving the publish decision, and runs the
// archiver's validation tests into a RunSummary artifact.
package runsummary

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
)

// DiffType classifies how a file or partition changed between two
// manifests.
type DiffType string

const (
	Create DiffType = "CREATE"
	Update DiffType = "UPDATE"
	Delete DiffType = "DELETE"
	NoOp   DiffType = "NO_OP"
)

// PartitionDiff records a single partition key's change between two
// versions of the same file.
type PartitionDiff struct {
	Key           string   `json:"key"`
	PreviousValue any      `json:"previous_value,omitempty"`
	NewValue      any      `json:"new_value,omitempty"`
	DiffType      DiffType `json:"diff_type"`
}

// FileDiff records how a single named file changed between two manifests.
// NO_OP files are never recorded in a diff list.
type FileDiff struct {
	Name             string          `json:"name"`
	DiffType         DiffType        `json:"diff_type"`
	SizeDiff         int64           `json:"size_diff"`
	PartitionChanges []PartitionDiff `json:"partition_changes,omitempty"`
}

// Diff compares previous against next resource-by-resource and returns one
// FileDiff per file that is not a NO_OP, per the classification in spec
// §4.6: CREATE/DELETE when a name only exists on one side, UPDATE when
// checksums differ or (checksums equal but) partitions differ, and no
// entry at all when nothing changed.
func Diff(previous, next *manifest.Datapackage) []FileDiff {
	prevByName := indexResources(previous)
	nextByName := indexResources(next)

	names := make(map[string]struct{}, len(prevByName)+len(nextByName))
	for n := range prevByName {
		names[n] = struct{}{}
	}
	for n := range nextByName {
		names[n] = struct{}{}
	}

	sorted := sortedKeys(names)
	diffs := make([]FileDiff, 0, len(sorted))
	for _, name := range sorted {
		p, inPrev := prevByName[name]
		n, inNext := nextByName[name]

		switch {
		case !inPrev && inNext:
			diffs = append(diffs, FileDiff{Name: name, DiffType: Create, SizeDiff: n.Bytes})
		case inPrev && !inNext:
			diffs = append(diffs, FileDiff{Name: name, DiffType: Delete, SizeDiff: -p.Bytes})
		case inPrev && inNext:
			if p.Checksum != n.Checksum {
				diffs = append(diffs, FileDiff{Name: name, DiffType: Update, SizeDiff: n.Bytes - p.Bytes})
				continue
			}
			if pd := diffPartitions(p.Partitions, n.Partitions); len(pd) > 0 {
				diffs = append(diffs, FileDiff{Name: name, DiffType: Update, SizeDiff: 0, PartitionChanges: pd})
			}
			// else: identical checksum and partitions => NO_OP, not recorded.
		}
	}
	return diffs
}

func indexResources(dp *manifest.Datapackage) map[string]manifest.Resource {
	idx := map[string]manifest.Resource{}
	if dp == nil {
		return idx
	}
	for _, r := range dp.Resources {
		idx[r.Name] = r
	}
	return idx
}

// diffPartitions is the symmetric difference of two partition maps plus
// key-wise value-change detection, per spec §4.6.
func diffPartitions(previous, next downloader.Partitions) []PartitionDiff {
	keys := make(map[string]struct{}, len(previous)+len(next))
	for k := range previous {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}

	var diffs []PartitionDiff
	for _, k := range sortedKeys(keys) {
		pv, inPrev := previous[k]
		nv, inNext := next[k]
		switch {
		case !inPrev && inNext:
			diffs = append(diffs, PartitionDiff{Key: k, NewValue: nv, DiffType: Create})
		case inPrev && !inNext:
			diffs = append(diffs, PartitionDiff{Key: k, PreviousValue: pv, DiffType: Delete})
		case inPrev && inNext && !samePartitionValue(pv, nv):
			diffs = append(diffs, PartitionDiff{Key: k, PreviousValue: pv, NewValue: nv, DiffType: Update})
		}
	}
	return diffs
}

// samePartitionValue compares two partition values by their JSON encoding,
// so a value read back from a published datapackage.json (where 2020 is a
// float64) equals the int 2020 a downloader emits.
func samePartitionValue(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
