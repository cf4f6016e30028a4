package resolve

import "sync"

// catalog is the process-wide registry of known resolvers, populated by
// init() functions in the resolvers package (and any caller-defined
// resolver package). Registration is append-only and guarded by a mutex
// rather than built once, since Go package init order only guarantees each
// package's own init runs before main but says nothing about ordering
// between unrelated packages registering concurrently in, say, a test
// binary that imports several resolver packages.
var (
	catalogMu sync.Mutex
	catalog   []registryEntry
)

type registryEntry struct {
	name   string
	getter func() *DynFactory
}

// Register adds a named resolver to the process-wide catalog. getter is
// called fresh each time the resolver is needed (by Registered callers),
// rather than caching one *DynFactory, so the same resolver can be used
// across independent ResolveMany batches without sharing closures.
func Register(name string, getter func() *DynFactory) {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	catalog = append(catalog, registryEntry{name: name, getter: getter})
}

// Registered returns a getter for every currently-registered resolver, in
// registration order, suitable for passing directly to ResolveMany.
func Registered() []func() *DynFactory {
	catalogMu.Lock()
	defer catalogMu.Unlock()
	out := make([]func() *DynFactory, len(catalog))
	for i, e := range catalog {
		out[i] = e.getter
	}
	return out
}
