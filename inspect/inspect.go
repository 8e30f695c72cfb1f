// Package inspect exposes read-only introspection over a cache instance's
// internal state: which entity keys and canonical connection keys exist,
// raw record contents, and the effective configuration — useful for
// debugging tools and DevTools-style integrations, never for mutating
// cache state.
package inspect

import (
	"strings"

	"github.com/lockvoid/cachebay/config"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/watch"
)

// Inspector is a read-only view over one cache instance's Graph.
type Inspector struct {
	graph  *graph.Graph
	watch  *watch.Registry
	config *config.Config

	// keysOf lets Inspector enumerate keys without requiring Graph to
	// expose its internal map directly; Graph hands over a live,
	// read-only snapshot function at construction time.
	keysOf func() []string
}

// New creates an Inspector bound to g/w/cfg. keysOf must return every
// RecordKey currently stored in g; wiring it through a function (rather
// than exposing Graph's map) keeps Graph's storage representation private.
func New(g *graph.Graph, w *watch.Registry, cfg *config.Config, keysOf func() []string) *Inspector {
	return &Inspector{graph: g, watch: w, config: cfg, keysOf: keysOf}
}

// EntityKeys returns every entity RecordKey ("TypeName:id") currently
// stored, optionally filtered to one __typename.
func (i *Inspector) EntityKeys(typename string) []string {
	var out []string
	for _, key := range i.keysOf() {
		tn, id, ok := splitEntityKey(key)
		if !ok {
			continue
		}
		if typename != "" && tn != typename {
			continue
		}
		_ = id
		out = append(out, key)
	}
	return out
}

// ConnectionKeys returns every canonical connection RecordKey, optionally
// filtered to those containing substr (e.g. a parent type or field name).
func (i *Inspector) ConnectionKeys(substr string) []string {
	var out []string
	for _, key := range i.keysOf() {
		if !strings.HasPrefix(key, "@connection.") {
			continue
		}
		if substr != "" && !strings.Contains(key, substr) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// Record returns the raw record stored at key, or nil.
func (i *Inspector) Record(key string) graph.Record {
	return i.graph.GetRecord(key)
}

// Version returns the current version of key.
func (i *Inspector) Version(key string) uint64 {
	return i.graph.GetVersion(key)
}

// WatcherCount reports how many active watchers are registered for key.
func (i *Inspector) WatcherCount(key string) int {
	if i.watch == nil {
		return 0
	}
	return i.watch.RefCount(key)
}

// Config returns the cache instance's effective configuration.
func (i *Inspector) Config() *config.Config {
	return i.config
}

// splitEntityKey reports whether key looks like "TypeName:id" (as opposed
// to the root key, a field key, or a derived sub-record key).
func splitEntityKey(key string) (typename, id string, ok bool) {
	if key == "" || key[0] == '@' {
		return "", "", false
	}
	idx := strings.IndexByte(key, ':')
	if idx <= 0 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}
