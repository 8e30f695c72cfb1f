// Package graph implements the keyed, versioned record store that backs
// the cache: every normalized entity, page, and derived sub-record lives
// here, addressed by its RecordKey.
package graph

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/cacheerr"
)

// KeyFunc computes a stable identity for an object of a given typename.
// It returns ("", false) when the object cannot be identified, letting
// the caller fall back to a derived sub-record key.
type KeyFunc func(obj map[string]any) (id string, ok bool)

// Listener receives every batch of record keys changed by one write.
type Listener func(touched map[string]struct{})

// Graph is the process-wide keyed record store for one cache instance.
// All operations are synchronous; change notifications fire after the
// write that produced them completes.
type Graph struct {
	mu       sync.RWMutex
	records  map[string]Record
	versions map[string]uint64

	keyFuncs map[string]KeyFunc

	listeners []Listener

	logger *zap.Logger
}

// New creates an empty Graph. keyFuncs maps __typename to the function
// that derives that type's stable id from a raw object.
func New(keyFuncs map[string]KeyFunc, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		records:  make(map[string]Record),
		versions: make(map[string]uint64),
		keyFuncs: keyFuncs,
		logger:   logger,
	}
}

// Identify computes the RecordKey for obj using its __typename's
// configured keying function. Returns "" when obj lacks a __typename,
// the typename has no configured keying function, or the function
// itself reports the object unidentifiable.
func (g *Graph) Identify(obj map[string]any) string {
	typename, _ := obj["__typename"].(string)
	if typename == "" {
		return ""
	}
	fn, ok := g.keyFuncs[typename]
	if !ok {
		return ""
	}
	id, ok := fn(obj)
	if !ok || id == "" {
		return ""
	}
	return typename + ":" + id
}

// GetRecord returns a read-only copy of the record at key, or nil if it
// does not exist.
func (g *Graph) GetRecord(key string) Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[key].clone()
}

// GetVersion returns the current version of key. Keys that have never
// been written return 0.
func (g *Graph) GetVersion(key string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.versions[key]
}

// PutRecord merges patch into the record at key. Links and LinkLists
// replace rather than deep-merge. If any field's value actually changed,
// the record's version is bumped exactly once and a change notification
// fires with the single touched key; if nothing changed, the version is
// left untouched and no notification fires.
func (g *Graph) PutRecord(key string, patch Record) {
	g.mu.Lock()

	existing := g.records[key]
	if existing == nil {
		existing = make(Record, len(patch))
	} else {
		existing = existing.clone()
	}

	changed := false
	for field, next := range patch {
		prev, had := existing[field]
		if had && valuesEqual(prev, next) {
			continue
		}
		existing[field] = next
		changed = true
	}

	if !changed {
		g.mu.Unlock()
		return
	}

	g.records[key] = existing
	g.versions[key]++
	g.logger.Debug("record written", zap.String("key", key), zap.Uint64("version", g.versions[key]))

	g.mu.Unlock()
	g.emit(key)
}

// RemoveRecord deletes the record at key, bumping its version and
// notifying listeners. Removing an already-absent key is a complete
// no-op: no version bump, no notification, matching the rule that a
// write which changes nothing must not bump version.
func (g *Graph) RemoveRecord(key string) {
	g.mu.Lock()
	if _, ok := g.records[key]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.records, key)
	g.versions[key]++
	g.logger.Debug("record removed", zap.String("key", key), zap.Uint64("version", g.versions[key]))
	g.mu.Unlock()
	g.emit(key)
}

// Keys returns every RecordKey currently stored, in no particular order.
// Intended for read-only introspection (see the inspect package), never
// for iterating during a write.
func (g *Graph) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.records))
	for k := range g.records {
		out = append(out, k)
	}
	return out
}

// Subscribe registers a listener invoked with every batch of keys changed
// by a write. Returns an unsubscribe function.
func (g *Graph) Subscribe(l Listener) (unsubscribe func()) {
	g.mu.Lock()
	g.listeners = append(g.listeners, l)
	idx := len(g.listeners) - 1
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if idx < len(g.listeners) {
			g.listeners[idx] = nil
		}
	}
}

func (g *Graph) emit(keys ...string) {
	touched := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		touched[k] = struct{}{}
	}

	g.mu.RLock()
	listeners := make([]Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.RUnlock()

	for _, l := range listeners {
		if l != nil {
			l(touched)
		}
	}
}

// MustIdentifyError builds the IdentificationError the Normalizer raises
// (as a logged fallback, not a panic) when an object expected to be
// identifiable has no usable key.
func MustIdentifyError(typename string) *cacheerr.Error {
	return cacheerr.NewIdentificationError("NO_STABLE_KEY", "object could not be identified").
		WithField("typename", typename)
}
