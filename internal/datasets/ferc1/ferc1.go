// Package ferc1 is the worked example from spec §8: a small, concrete
// downloader instance of the downloader.Downloader contract, scraping an
// index page for yearly FERC Form 1 DBF archives and yielding one
// ResourceInfo per year. Dataset-specific scraping is explicitly out of
// core scope (spec §1); this package exists only so the orchestrator and
// downloader runtime have something real to run end to end.
package ferc1

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pudl-archiver/pudl-archiver-go/internal/datasets"
	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
)

const (
	// DatasetName is the identifier this downloader registers under.
	DatasetName = "ferc1"

	// defaultConcurrencyLimit bounds in-flight HTTP calls issued by this
	// downloader, per spec §4.4.
	defaultConcurrencyLimit = 5
)

// indexURL is a var, not a const, so tests can point it at a fixture server.
var indexURL = "https://forms.ferc.gov/f1allyears/"

// yearlyArchivePattern matches hrefs of the shape "f1_2021.zip" on the
// index page, capturing the four-digit year.
var yearlyArchivePattern = regexp.MustCompile(`f1_(\d{4})\.zip$`)

func init() {
	datasets.Register(DatasetName, New)
}

// Downloader scrapes the FERC Form 1 DBF archive index.
type Downloader struct {
	rt         *downloader.Runtime
	yearFilter downloader.YearFilter
}

// New constructs the ferc1 Downloader, the shape datasets.Factory expects.
func New(rt *downloader.Runtime, opts datasets.Options) downloader.Downloader {
	return &Downloader{rt: rt, yearFilter: opts.YearFilter}
}

// Name implements downloader.Downloader.
func (d *Downloader) Name() string { return DatasetName }

// ConcurrencyLimit implements downloader.Downloader.
func (d *Downloader) ConcurrencyLimit() int { return defaultConcurrencyLimit }

// GetResources implements downloader.Downloader: it fetches the index
// page once, then yields one Awaitable per year-matching link that passes
// the year filter.
func (d *Downloader) GetResources(ctx context.Context) (<-chan downloader.Awaitable, error) {
	hrefs, err := d.rt.GetHyperlinks(ctx, indexURL, yearlyArchivePattern, downloader.RequestOptions{})
	if err != nil {
		return nil, err
	}

	out := make(chan downloader.Awaitable, len(hrefs))
	for href := range hrefs {
		href := href
		match := yearlyArchivePattern.FindStringSubmatch(href)
		if match == nil {
			continue
		}
		year, err := strconv.Atoi(match[1])
		if err != nil || !d.yearFilter.Valid(year) {
			continue
		}
		out <- d.yearArchive(year, href)
	}
	close(out)
	return out, nil
}

func (d *Downloader) yearArchive(year int, href string) downloader.Awaitable {
	return func(ctx context.Context) (downloader.ResourceInfo, error) {
		name := fmt.Sprintf("ferc1-%d.zip", year)
		dest := filepath.Join("/tmp/ferc1", name)
		if err := d.rt.DownloadZipfile(ctx, href, dest, downloader.DefaultZipfileRetries); err != nil {
			return downloader.ResourceInfo{}, err
		}
		return downloader.ResourceInfo{
			LocalPath: dest,
			Partitions: downloader.Partitions{
				"year":        year,
				"data_format": "DBF",
			},
		}, nil
	}
}
