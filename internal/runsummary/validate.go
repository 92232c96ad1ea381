package runsummary

import (
	"context"
	"strings"

	"github.com/spf13/afero"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
	"github.com/pudl-archiver/pudl-archiver-go/internal/stablezip"
)

// TestResult is one row of RunSummary.validation_tests.
type TestResult struct {
	Name          string `json:"name"`
	Success       bool   `json:"success"`
	IgnoreFailure bool   `json:"ignore_failure,omitempty"`
	Message       string `json:"message,omitempty"`
}

// DatasetTest is a downloader-specific validation hook, run alongside the
// standard tests.
type DatasetTest func(ctx context.Context, previous, next *manifest.Datapackage, resources map[string]downloader.ResourceInfo) TestResult

// Validator runs the standard validation tests plus any dataset-specific
// tests a downloader registers.
type Validator struct {
	// DisableMissingFilesTest turns off the "no silent deletion" check.
	DisableMissingFilesTest bool
	DatasetTests            []DatasetTest
}

const (
	missingFilesTestName = "missing_files"
	fileTypeTestName     = "file_type"

	zipLikeSuffix1 = ".zip"
	zipLikeSuffix2 = ".xlsx"
)

// Run executes the configured tests and returns one TestResult per test.
func (v *Validator) Run(ctx context.Context, previous, next *manifest.Datapackage, resources map[string]downloader.ResourceInfo, fs afero.Fs) []TestResult {
	var results []TestResult
	if !v.DisableMissingFilesTest {
		results = append(results, missingFilesTest(previous, next))
	}
	results = append(results, fileTypeTest(resources, fs))
	for _, dt := range v.DatasetTests {
		results = append(results, dt(ctx, previous, next, resources))
	}
	return results
}

// missingFilesTest fails if any file published in previous is absent from
// next — i.e. a file was silently deleted between versions.
func missingFilesTest(previous, next *manifest.Datapackage) TestResult {
	nextNames := map[string]struct{}{}
	if next != nil {
		for _, r := range next.Resources {
			nextNames[r.Name] = struct{}{}
		}
	}

	var missing []string
	if previous != nil {
		for _, r := range previous.Resources {
			if _, ok := nextNames[r.Name]; !ok {
				missing = append(missing, r.Name)
			}
		}
	}

	if len(missing) == 0 {
		return TestResult{Name: missingFilesTestName, Success: true}
	}
	return TestResult{
		Name:    missingFilesTestName,
		Success: false,
		Message: "missing previously published files: " + strings.Join(missing, ", "),
	}
}

// fileTypeTest checks that every downloaded artifact is non-empty and that
// ZIP-shaped artifacts (.zip and .xlsx, which is a ZIP under the hood)
// actually have ZIP magic bytes.
func fileTypeTest(resources map[string]downloader.ResourceInfo, fs afero.Fs) TestResult {
	var bad []string
	for name, info := range resources {
		stat, err := fs.Stat(info.LocalPath)
		if err != nil || stat.Size() == 0 {
			bad = append(bad, name+": empty or unreadable")
			continue
		}
		if strings.HasSuffix(name, zipLikeSuffix1) || strings.HasSuffix(name, zipLikeSuffix2) {
			magic, err := readMagic(fs, info.LocalPath)
			if err != nil || !stablezip.IsZip(magic) {
				bad = append(bad, name+": not a valid zip")
			}
		}
	}
	if len(bad) == 0 {
		return TestResult{Name: fileTypeTestName, Success: true}
	}
	return TestResult{Name: fileTypeTestName, Success: false, Message: strings.Join(bad, "; ")}
}

func readMagic(fs afero.Fs, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck
	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}
	return buf[:n], nil
}
