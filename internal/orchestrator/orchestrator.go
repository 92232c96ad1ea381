// Package orchestrator is the top-level per-dataset coroutine (spec §4.8,
// C8): it wires the downloader runtime's output into a depositor through
// the change set, builds and diffs the manifest, runs validation, and
// applies the publish/cleanup policy. Grounded on TEACHER's
// cmd/up/space/mirror.Cmd.Run, which plays the same "fan out producing
// work, gather results, decide a terminal action" shape for OCI image
// mirroring.
package orchestrator

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/pudl-archiver/pudl-archiver-go/internal/depositor"
	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
	"github.com/pudl-archiver/pudl-archiver-go/internal/manifest"
	"github.com/pudl-archiver/pudl-archiver-go/internal/runsummary"
)

const (
	errOpenPublishedFmt  = "opening published deposition for %s"
	errOpenDraftFmt      = "opening draft deposition for %s"
	errNewDraftFmt       = "creating new deposition for %s"
	errAddResourceFmt    = "adding resource %s"
	errListDraftFilesFmt = "listing draft files for %s"
	errDeleteStaleFmt    = "deleting stale file %s"
	errAttachManifestFmt = "attaching datapackage for %s"
	errPublishFmt        = "publishing %s"
	errDeleteDraftFmt    = "deleting draft for %s"
)

// Backend adapts one depositor backend (DOI repository, path-addressed
// store, object store) to the two operations the orchestrator needs: find
// the current published version, or start a brand-new deposition. Each
// concrete backend package (doi, pathstore, objectstore) exposes functions
// with compatible shapes; cmd/archiver closes over the backend-specific
// constructor arguments (tokens, root path, bucket) to build one of these
// per run.
type Backend struct {
	// Open returns the current published deposition, or ok=false if this
	// dataset has never been published.
	Open func(ctx context.Context) (depositor.PublishedDeposition, bool, error)
	// NewDraft starts a brand-new, empty deposition (used when Settings.
	// Initialize is set).
	NewDraft func(ctx context.Context) (depositor.DraftDeposition, error)
}

// Settings configures one orchestrator run, per spec §4.8/§6.
type Settings struct {
	// Sandbox selects a backend's sandbox environment over production.
	Sandbox bool
	// Initialize starts a brand-new deposition rather than forking from
	// the latest published version.
	Initialize bool
	// AutoPublish, when false, always leaves the draft for inspection
	// regardless of validation outcome.
	AutoPublish bool
	// ClobberUnchanged deletes the draft when the run succeeds with zero
	// file changes; otherwise such a draft is left in place.
	ClobberUnchanged bool
	// RefreshMetadata forces dataset-level metadata (title, description,
	// etc.) to be re-applied even when no resource changed.
	RefreshMetadata bool
	DatasetMeta     manifest.DatasetMetadata
}

// Metadata carries the dataset identifier plus the static descriptive
// fields looked up for its manifest.
type Metadata = manifest.DatasetMetadata

// Run executes the eight-step algorithm of spec §4.8 for one dataset and
// returns its RunSummary. fs is the filesystem ResourceInfo.LocalPath
// values are read from (matching whatever afero.Fs the downloader runtime
// was configured with).
func Run(ctx context.Context, dl downloader.Downloader, rt *downloader.Runtime, backend Backend, validator *runsummary.Validator, fs afero.Fs, settings Settings, log logr.Logger) (*runsummary.Summary, error) {
	dataset := dl.Name()

	draft, previousManifest, freshlyInitialized, err := openDraft(ctx, dataset, backend, settings)
	if err != nil {
		return nil, err
	}

	draft, resources, resourceErrs, err := consumeResources(ctx, rt, dl, fs, draft)
	if err != nil {
		if freshlyInitialized {
			_ = draft.DeleteDeposition(ctx)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		// Cancellation cleanup per spec §5: a freshly-initialized draft is
		// discarded; a draft forked from a published version is retained
		// so the operator can resume or inspect it.
		if freshlyInitialized {
			_ = draft.DeleteDeposition(ctx)
		}
		return nil, ctx.Err()
	}

	draft, err = deleteStaleFiles(ctx, draft, resources)
	if err != nil {
		return nil, errors.Wrap(err, "cleaning up stale files")
	}

	partitions := map[string]downloader.Partitions{}
	for name, info := range resources {
		partitions[name] = info.Partitions
	}

	newManifest, draft, err := buildManifest(ctx, draft, dataset, settings.DatasetMeta, resources, previousManifest, fs)
	if err != nil {
		return nil, errors.Wrapf(err, errAttachManifestFmt, dataset)
	}

	results := validator.Run(ctx, previousManifest, newManifest, resources, fs)
	for _, rerr := range resourceErrs {
		results = append(results, runsummary.TestResult{
			Name:    "resource_download",
			Success: false,
			Message: rerr.Error(),
		})
	}

	diffs := runsummary.Diff(previousManifest, newManifest)

	summary := &runsummary.Summary{
		RunID:           uuid.NewString(),
		Dataset:         dataset,
		Version:         newManifest.Version,
		ValidationTests: results,
		FileChanges:     diffs,
		RecordURL:       draft.DepositionLink(),
	}
	if previousManifest != nil {
		summary.PreviousVersion = previousManifest.Version
	}

	if err := applyPublishPolicy(ctx, draft, summary, settings, freshlyInitialized); err != nil {
		return summary, err
	}
	return summary, nil
}

// openDraft implements spec §4.8 steps 1-3: ask the backend for either a
// new deposition or the latest published version, fetch the previous
// manifest for later diffing, then open a draft.
func openDraft(ctx context.Context, dataset string, backend Backend, settings Settings) (depositor.DraftDeposition, *manifest.Datapackage, bool, error) {
	if settings.Initialize {
		draft, err := backend.NewDraft(ctx)
		if err != nil {
			return nil, nil, false, errors.Wrapf(err, errNewDraftFmt, dataset)
		}
		return draft, nil, true, nil
	}

	published, ok, err := backend.Open(ctx)
	if err != nil {
		return nil, nil, false, errors.Wrapf(err, errOpenPublishedFmt, dataset)
	}
	if !ok {
		draft, err := backend.NewDraft(ctx)
		if err != nil {
			return nil, nil, false, errors.Wrapf(err, errNewDraftFmt, dataset)
		}
		return draft, nil, true, nil
	}

	previous, err := fetchPreviousManifest(ctx, published)
	if err != nil {
		return nil, nil, false, err
	}

	draft, err := published.OpenDraft(ctx)
	if err != nil {
		return nil, nil, false, errors.Wrapf(err, errOpenDraftFmt, dataset)
	}
	return draft, previous, false, nil
}

func fetchPreviousManifest(ctx context.Context, published depositor.PublishedDeposition) (*manifest.Datapackage, error) {
	blob, ok, err := published.GetFile(ctx, manifest.ManifestFilename)
	if err != nil {
		return nil, errors.Wrap(err, "fetching previous datapackage.json")
	}
	if !ok {
		return nil, nil
	}
	dp, err := manifest.Unmarshal(blob)
	if err != nil {
		return nil, errors.Wrap(err, "parsing previous datapackage.json")
	}
	return dp, nil
}

// consumeResources implements spec §4.8 step 4: consume the downloader's
// stream and apply each resource's change to the draft, accumulating the
// resource set. A failed resource is recorded but does not abort the rest
// of the run.
func consumeResources(ctx context.Context, rt *downloader.Runtime, dl downloader.Downloader, fs afero.Fs, draft depositor.DraftDeposition) (depositor.DraftDeposition, map[string]downloader.ResourceInfo, []error, error) {
	stream, err := rt.DownloadAllResources(ctx, dl)
	if err != nil {
		return draft, nil, nil, err
	}

	resources := map[string]downloader.ResourceInfo{}
	var resourceErrs []error
	cur := draft
	for result := range stream {
		if result.Err != nil {
			resourceErrs = append(resourceErrs, result.Err)
			continue
		}
		cur, err = depositor.AddResource(ctx, cur, result.Name, result.Info, fs)
		if err != nil {
			resourceErrs = append(resourceErrs, errors.Wrapf(err, errAddResourceFmt, result.Name))
			continue
		}
		resources[result.Name] = result.Info
	}
	return cur, resources, resourceErrs, nil
}

// deleteStaleFiles implements spec §4.8 step 5: any file currently in the
// draft that is neither a freshly-produced resource nor the manifest
// itself is deleted.
func deleteStaleFiles(ctx context.Context, draft depositor.DraftDeposition, resources map[string]downloader.ResourceInfo) (depositor.DraftDeposition, error) {
	names, err := draft.ListFiles(ctx)
	if err != nil {
		return draft, errors.Wrap(err, "listing draft files")
	}

	cur := draft
	for _, name := range names {
		if name == manifest.ManifestFilename {
			continue
		}
		if _, ok := resources[name]; ok {
			continue
		}
		cur, err = cur.DeleteFile(ctx, name)
		if err != nil {
			return cur, errors.Wrapf(err, errDeleteStaleFmt, name)
		}
	}
	return cur, nil
}

// buildManifest implements spec §4.8 step 6: build the new datapackage
// from the resource set and attach it to the draft.
func buildManifest(ctx context.Context, draft depositor.DraftDeposition, dataset string, md manifest.DatasetMetadata, resources map[string]downloader.ResourceInfo, previous *manifest.Datapackage, fs afero.Fs) (*manifest.Datapackage, depositor.DraftDeposition, error) {
	version := draft.Version()

	files := make([]manifest.Resource, 0, len(resources))
	for name, info := range resources {
		checksum, ok, err := draft.Checksum(ctx, name)
		if err != nil {
			return nil, draft, err
		}
		if !ok {
			continue
		}
		stat, err := fs.Stat(info.LocalPath)
		if err != nil {
			return nil, draft, err
		}
		files = append(files, manifest.Resource{
			Name:       name,
			Bytes:      stat.Size(),
			MediaType:  manifest.MediaType(name),
			Format:     manifest.Format(name),
			Checksum:   checksum,
			Partitions: info.Partitions,
		})
	}

	dp := manifest.BuildDatapackage(dataset, md, files, version)
	draft, err := depositor.AttachDatapackage(ctx, draft, dp)
	if err != nil {
		return nil, draft, err
	}
	return dp, draft, nil
}

// applyPublishPolicy implements the publish policy from spec §4.7: a
// failed run always leaves the draft; a successful no-op run without
// RefreshMetadata is deleted iff ClobberUnchanged is set (regardless of
// whether the draft was freshly initialized — that restriction only
// applies to cancellation cleanup, spec §4.8/§5); with RefreshMetadata a
// no-op run is treated like a changed one; AutoPublish=false always leaves
// the draft; otherwise the draft is published.
func applyPublishPolicy(ctx context.Context, draft depositor.DraftDeposition, summary *runsummary.Summary, settings Settings, _ bool) error {
	if !summary.Success() {
		return nil // leave draft for human inspection
	}

	noChanges := len(summary.FileChanges) == 0
	if noChanges && !settings.RefreshMetadata {
		if settings.ClobberUnchanged {
			return errors.Wrap(draft.DeleteDeposition(ctx), errDeleteDraftFmt)
		}
		return nil // leave draft, no publish
	}

	if !settings.AutoPublish {
		return nil
	}

	published, err := draft.Publish(ctx)
	if err != nil {
		return errors.Wrap(err, errPublishFmt)
	}
	summary.RecordURL = published.DepositionLink()
	return nil
}
