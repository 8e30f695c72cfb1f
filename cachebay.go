// Package cachebay implements an in-process, reactive, normalized cache
// for hierarchical query-language responses: it normalizes response
// trees into a keyed record store, assembles paginated connections into
// deterministic canonical unions, materializes tree-shaped results back
// out with dependency tracking and structural sharing, and layers
// revertible optimistic edits on top of the base store.
package cachebay

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/cacheerr"
	"github.com/lockvoid/cachebay/canonical"
	"github.com/lockvoid/cachebay/config"
	"github.com/lockvoid/cachebay/documents"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/inspect"
	"github.com/lockvoid/cachebay/keys"
	"github.com/lockvoid/cachebay/observability"
	"github.com/lockvoid/cachebay/optimistic"
	"github.com/lockvoid/cachebay/plan"
	"github.com/lockvoid/cachebay/watch"
)

// Cache is one process-wide cache instance: a record store, canonical
// connection meta, optimistic layer stack, and per-plan result LRUs,
// wired together and exposed through the operations below. A single
// owner per instance is assumed, matching the core's cooperative,
// single-threaded scheduling model; re-entrant calls from within an
// observer are permitted but may not recursively normalize/materialize
// the same plan before the outer call returns.
type Cache struct {
	graph        *graph.Graph
	canonical    *canonical.Canonical
	optimistic   *optimistic.Layers
	normalizer   *documents.Normalizer
	materializer *documents.Materializer
	watch        *watch.Registry
	config       *config.Config
	logger       *zap.Logger
	metrics      *observability.Metrics

	inflight sync.Map // *plan.Plan -> struct{}, re-entrancy guard
}

// New builds a Cache from cfg.
func New(cfg *config.Config) (*Cache, error) {
	if cfg == nil {
		var err error
		cfg, err = config.New()
		if err != nil {
			return nil, err
		}
	}

	g := graph.New(cfg.Keys, cfg.Logger)
	can := canonical.New(g, cfg.Logger)
	opt := optimistic.New(g, can, cfg.Metrics, cfg.Logger)
	norm := documents.NewNormalizer(g, can, cfg, cfg.Logger)
	mat := documents.NewMaterializer(g, cfg, cfg.Limits.MaterializeLRU, cfg.Metrics, cfg.Logger)
	w := watch.New(g)

	return &Cache{
		graph:        g,
		canonical:    can,
		optimistic:   opt,
		normalizer:   norm,
		materializer: mat,
		watch:        w,
		config:       cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// NormalizeInput is the request shape for Normalize.
type NormalizeInput struct {
	Plan      *plan.Plan
	Variables map[string]any
	Data      map[string]any
}

// NormalizeResult reports precisely which record keys a write touched.
type NormalizeResult struct {
	Touched map[string]struct{}
}

// Normalize writes in.Data into the record store per in.Plan/in.Variables.
func (c *Cache) Normalize(in NormalizeInput) (NormalizeResult, error) {
	if err := c.enter(in.Plan); err != nil {
		return NormalizeResult{}, err
	}
	defer c.leave(in.Plan)

	touched := c.normalizer.Normalize(in.Plan, in.Variables, in.Data)
	c.metrics.WritesTotal.WithLabelValues("normalize").Inc()
	return NormalizeResult{Touched: touched}, nil
}

// Materialize reconstructs a tree-shaped result for in.Plan/in.Variables.
func (c *Cache) Materialize(in documents.MaterializeInput) (documents.MaterializeResult, error) {
	if err := c.enter(in.Plan); err != nil {
		return documents.MaterializeResult{}, err
	}
	defer c.leave(in.Plan)

	return c.materializer.Materialize(in), nil
}

// Invalidate drops cached materialize results matching the given plan,
// root, variables, and canonical mode (empty rootID clears every entry
// for that plan).
func (c *Cache) Invalidate(p *plan.Plan, rootID string, variables map[string]any, mode documents.CanonicalMode) {
	c.materializer.Invalidate(p, rootID, variables, mode)
}

// Identify computes obj's RecordKey, or "" if it cannot be identified.
func (c *Cache) Identify(obj map[string]any) string {
	return c.graph.Identify(obj)
}

// GetRecord returns a read-only copy of the record at key.
func (c *Cache) GetRecord(key string) graph.Record {
	return c.graph.GetRecord(key)
}

// PutRecord merges patch into the record at key.
func (c *Cache) PutRecord(key string, patch graph.Record) {
	c.graph.PutRecord(key, patch)
}

// RemoveRecord deletes the record at key.
func (c *Cache) RemoveRecord(key string) {
	c.graph.RemoveRecord(key)
}

// BeginOptimistic opens a new revertible overlay; build receives the
// mutation surface (Patch/Delete/Connection) and every call it makes
// takes effect immediately.
func (c *Cache) BeginOptimistic(build func(b *optimistic.Builder)) *optimistic.Handle {
	return c.optimistic.Begin(build)
}

// WriteFragmentInput is the request shape for WriteFragment.
type WriteFragmentInput struct {
	ID        string
	Fragment  *plan.Plan
	Variables map[string]any
	Data      map[string]any
}

// WriteFragment normalizes Data rooted at an existing entity key rather
// than the query root, letting callers update one entity (and its
// selection) directly.
func (c *Cache) WriteFragment(in WriteFragmentInput) (NormalizeResult, error) {
	if err := c.enter(in.Fragment); err != nil {
		return NormalizeResult{}, err
	}
	defer c.leave(in.Fragment)

	touched := make(map[string]struct{})
	track := func(key string) { touched[key] = struct{}{} }

	if in.Fragment != nil {
		n := c.normalizer
		n.WriteFragment(in.ID, in.Fragment.Root, in.Data, in.Variables, track)
	}

	c.metrics.WritesTotal.WithLabelValues("write_fragment").Inc()
	return NormalizeResult{Touched: touched}, nil
}

// ReadFragmentInput is the request shape for ReadFragment.
type ReadFragmentInput struct {
	ID           string
	Fragment     *plan.Plan
	Variables    map[string]any
	Materialized bool
}

// ReadFragment reads back the entity at ID through Fragment's selection.
// When Materialized is false, it returns the raw stored record instead of
// a fully materialized (dependency-tracked, fingerprinted) tree.
func (c *Cache) ReadFragment(in ReadFragmentInput) (any, error) {
	if !in.Materialized {
		return c.graph.GetRecord(in.ID), nil
	}

	result, err := c.Materialize(documents.MaterializeInput{
		Plan:      in.Fragment,
		Variables: in.Variables,
		RootID:    in.ID,
	})
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Watcher is returned by WatchQuery/WatchFragment.
type Watcher struct {
	Update      func(variables map[string]any)
	Unsubscribe func()
}

// WatchQueryInput is the request shape for WatchQuery.
type WatchQueryInput struct {
	Plan      *plan.Plan
	Variables map[string]any
	OnData    func(result documents.MaterializeResult)
}

// WatchQuery registers a refcounted observer for in.Plan/in.Variables; the
// first materialize's dependencies become the watch key's tracked set,
// and OnData fires (with a freshly materialized result) whenever any of
// them changes.
func (c *Cache) WatchQuery(in WatchQueryInput) *Watcher {
	result, _ := c.Materialize(documents.MaterializeInput{
		Plan: in.Plan, Variables: in.Variables, UpdateCache: true, PreferCache: true,
	})

	watchKey := keys.RootKey + "|" + in.Plan.Name + "|" + keys.StableStringify(in.Variables)

	variables := in.Variables
	unsub := c.watch.Watch(watchKey, result.Dependencies, func(map[string]struct{}) {
		fresh, _ := c.Materialize(documents.MaterializeInput{
			Plan: in.Plan, Variables: variables, UpdateCache: true, Force: true,
		})
		c.watch.UpdateDependencies(watchKey, fresh.Dependencies)
		in.OnData(fresh)
	})

	return &Watcher{
		Update: func(newVariables map[string]any) {
			variables = newVariables
			fresh, _ := c.Materialize(documents.MaterializeInput{
				Plan: in.Plan, Variables: variables, UpdateCache: true, Force: true,
			})
			c.watch.UpdateDependencies(watchKey, fresh.Dependencies)
			in.OnData(fresh)
		},
		Unsubscribe: unsub,
	}
}

// WatchFragmentInput is the request shape for WatchFragment.
type WatchFragmentInput struct {
	ID       string
	Fragment *plan.Plan
	OnData   func(result documents.MaterializeResult)
}

// WatchFragment registers a refcounted observer rooted at an entity key
// rather than the query root.
func (c *Cache) WatchFragment(in WatchFragmentInput) *Watcher {
	result, _ := c.Materialize(documents.MaterializeInput{
		Plan: in.Fragment, RootID: in.ID, UpdateCache: true, PreferCache: true,
	})

	watchKey := in.ID + "|" + in.Fragment.Name

	unsub := c.watch.Watch(watchKey, result.Dependencies, func(map[string]struct{}) {
		fresh, _ := c.Materialize(documents.MaterializeInput{
			Plan: in.Fragment, RootID: in.ID, UpdateCache: true, Force: true,
		})
		c.watch.UpdateDependencies(watchKey, fresh.Dependencies)
		in.OnData(fresh)
	})

	return &Watcher{
		Update:      func(map[string]any) {},
		Unsubscribe: unsub,
	}
}

// Inspect returns a read-only introspector over this cache instance.
func (c *Cache) Inspect() *inspect.Inspector {
	return inspect.New(c.graph, c.watch, c.config, c.graph.Keys)
}

// enter marks p as in-flight for re-entrancy detection and rejects a
// recursive normalize/materialize call on the same plan that has not yet
// returned. nil plans (e.g. ad-hoc fragment reads) are never guarded.
func (c *Cache) enter(p *plan.Plan) error {
	if p == nil {
		return nil
	}
	if _, already := c.inflight.LoadOrStore(p, struct{}{}); already {
		return cacheerr.NewReentrancyError("REENTRANT_CALL", "recursive normalize/materialize on the same plan").
			WithField("plan", p.Name)
	}
	return nil
}

func (c *Cache) leave(p *plan.Plan) {
	if p == nil {
		return
	}
	c.inflight.Delete(p)
}
