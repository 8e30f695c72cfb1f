// Package watch implements the refcounted subscriber registry that backs
// watchQuery/watchFragment: each distinct (rootId, plan-identity) pair is
// tracked once regardless of how many observers watch it, and callbacks
// fire whenever any of its recorded dependencies changes.
package watch

import (
	"sync"

	"github.com/lockvoid/cachebay/graph"
)

// OnChange is invoked whenever any dependency of the watched entry
// changes. touched is the set of record keys from the write that fired it.
type OnChange func(touched map[string]struct{})

// Unsubscribe decrements an entry's refcount; at zero, the entry is
// dropped entirely. The Registry's single Graph subscription stays in
// place.
type Unsubscribe func()

type entry struct {
	refcount     int
	dependencies map[string]struct{}
	listeners    map[uint64]OnChange
	nextID       uint64
}

// Registry tracks watched entries keyed by an arbitrary caller-chosen
// identity string (typically rootId + stable-stringified plan identity).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	graph *graph.Graph
}

// New creates a Registry bound to g; it subscribes to g once and fans out
// change notifications only to entries whose dependencies intersect the
// write's touched set.
func New(g *graph.Graph) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		graph:   g,
	}
	if g != nil {
		g.Subscribe(r.onGraphChange)
	}
	return r
}

// Watch registers an observer for key with the given dependency set,
// returning an Unsubscribe. Multiple Watch calls on the same key share a
// single refcounted entry; each call may supply an updated dependency set
// (typically from the most recent materialize), which replaces the
// entry's tracked set.
func (r *Registry) Watch(key string, dependencies map[string]struct{}, onChange OnChange) Unsubscribe {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{listeners: make(map[uint64]OnChange)}
		r.entries[key] = e
	}
	e.refcount++
	e.dependencies = dependencies

	e.nextID++
	id := e.nextID
	e.listeners[id] = onChange
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		cur, ok := r.entries[key]
		if !ok {
			return
		}
		delete(cur.listeners, id)
		cur.refcount--
		if cur.refcount <= 0 {
			delete(r.entries, key)
		}
	}
}

// UpdateDependencies replaces key's tracked dependency set, typically
// called after a fresh materialize so future change notifications match
// the latest read.
func (r *Registry) UpdateDependencies(key string, dependencies map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.dependencies = dependencies
	}
}

// RefCount reports the number of active watchers on key, for introspection.
func (r *Registry) RefCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refcount
	}
	return 0
}

func (r *Registry) onGraphChange(touched map[string]struct{}) {
	r.mu.Lock()
	type fire struct {
		listeners []OnChange
	}
	var fires []fire
	for _, e := range r.entries {
		if intersects(e.dependencies, touched) {
			ls := make([]OnChange, 0, len(e.listeners))
			for _, l := range e.listeners {
				ls = append(ls, l)
			}
			fires = append(fires, fire{listeners: ls})
		}
	}
	r.mu.Unlock()

	for _, f := range fires {
		for _, l := range f.listeners {
			l(touched)
		}
	}
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	small, big := a, b
	if len(b) < len(a) {
		small, big = b, a
	}
	for k := range small {
		if _, ok := big[k]; ok {
			return true
		}
	}
	return false
}
