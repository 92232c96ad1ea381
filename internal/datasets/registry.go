// Package datasets holds the name -> downloader-factory map populated at
// program start (spec §9: "a name→factory map at program start"). Dataset
// downloaders themselves are out of core scope (spec §1); this package
// keeps exactly one worked example, ferc1, a concrete instance of the
// downloader contract.
package datasets

import (
	"sync"

	"github.com/pudl-archiver/pudl-archiver-go/internal/downloader"
)

// Factory builds a Downloader on top of rt and its shared dependencies.
// rt's request semaphore is sized by whoever called downloader.NewRuntime;
// it is not derived from the returned Downloader's ConcurrencyLimit.
type Factory func(rt *downloader.Runtime, opts Options) downloader.Downloader

// Options is the subset of run settings a downloader factory needs: API
// keys, a year filter for --only-years, and anything else dataset code
// reads that isn't core-archiver machinery.
type Options struct {
	APIKeys    map[string]string
	YearFilter downloader.YearFilter
}

var (
	mu       sync.Mutex
	registry = map[string]Factory{}
)

// Register adds name to the registry. Called from each dataset package's
// init(), mirroring spec §9's "name->factory map at program start".
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// Lookup returns the factory registered for name, or ok=false if no
// dataset by that name is known.
func Lookup(name string) (Factory, bool) {
	mu.Lock()
	defer mu.Unlock()
	f, ok := registry[name]
	return f, ok
}

// Names returns every currently-registered dataset identifier.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
