package downloader

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// NamedResult pairs a resolved ResourceInfo with the name it will be
// deposited under (the base name of its local path), or the error that
// resolving its Awaitable produced. A failed resource does not abort the
// rest of the run; its Err is surfaced to the caller for validation
// reporting.
type NamedResult struct {
	Name string
	Info ResourceInfo
	Err  error
}

// DownloadAllResources consumes dl.GetResources, resolving every Awaitable
// with no more than dl.ConcurrencyLimit() in flight at once, and streams
// results on the returned channel as they complete — completion order is
// not guaranteed to match the order GetResources produced them in. The
// channel is closed once every Awaitable has resolved (successfully or
// not). Errors discovering the resource set itself (not an individual
// resource) are returned directly rather than through the channel.
func (r *Runtime) DownloadAllResources(ctx context.Context, dl Downloader) (<-chan NamedResult, error) {
	resources, err := dl.GetResources(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan NamedResult)
	limit := dl.ConcurrencyLimit()
	if limit <= 0 {
		limit = 1
	}

	go func() {
		defer close(out)

		// gctx carries ctx's cancellation but errgroup never cancels it on a
		// member error, since a failed resource must not abort the rest.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		for awaitable := range resources {
			awaitable := awaitable
			g.Go(func() error {
				info, err := awaitable(gctx)
				name := ""
				if err == nil {
					name = filepath.Base(info.LocalPath)
				}
				select {
				case out <- NamedResult{Name: name, Info: info, Err: err}:
				case <-ctx.Done():
				}
				return nil // never fail the group; each result carries its own error
			})
		}
		_ = g.Wait()
	}()

	return out, nil
}
