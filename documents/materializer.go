package documents

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/config"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/keys"
	"github.com/lockvoid/cachebay/lru"
	"github.com/lockvoid/cachebay/observability"
	"github.com/lockvoid/cachebay/plan"
)

// CanonicalMode selects how a Connection field is satisfied during
// materialization.
type CanonicalMode string

const (
	ModeCanonical CanonicalMode = "canonical"
	ModeStrict    CanonicalMode = "strict"
)

// Source reports which acceptance mode produced a materialize result.
type Source string

const (
	SourceStrict    Source = "strict"
	SourceCanonical Source = "canonical"
	SourceNone      Source = "none"
)

// MaterializeInput is the request shape for Materialize.
type MaterializeInput struct {
	Plan          *plan.Plan
	Variables     map[string]any
	CanonicalMode CanonicalMode // default ModeCanonical
	RootID        string        // default keys.RootKey
	Fingerprint   bool          // always treated as true: Materialize turns false into true
	PreferCache   bool          // always treated as true: Materialize turns false into true
	UpdateCache   bool
	Force         bool
}

// OK reports, independently, whether strict and canonical acceptance each
// would have succeeded for this walk.
type OK struct {
	Strict    bool
	Canonical bool
}

// MaterializeResult is the output shape of Materialize.
type MaterializeResult struct {
	Data         map[string]any
	Fingerprints map[string]any
	Dependencies map[string]struct{}
	Source       Source
	OK           OK
	Hot          bool
}

type cachedEntry struct {
	data         map[string]any
	fingerprints map[string]any
	stamp        string
	deps         map[string]struct{}
}

// Materializer reconstructs tree-shaped results from the Graph for a
// given plan and variables, caching results per plan and invalidating
// them by comparing a dependency-version "stamp".
type Materializer struct {
	mu      sync.Mutex
	results map[*plan.Plan]*lru.Cache[string, *cachedEntry]

	graph   *graph.Graph
	config  *config.Config
	lruSize int
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewMaterializer creates a Materializer bound to g, with each plan's
// result cache bounded to lruSize entries. cfg may be nil, in which case
// inline-fragment dispatch falls back to literal TypeCondition equality
// and connection fields always use their plan-declared mode.
func NewMaterializer(g *graph.Graph, cfg *config.Config, lruSize int, metrics *observability.Metrics, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Materializer{
		results: make(map[*plan.Plan]*lru.Cache[string, *cachedEntry]),
		graph:   g,
		config:  cfg,
		lruSize: lruSize,
		metrics: metrics,
		logger:  logger,
	}
}

// Materialize produces {data, fingerprints, dependencies, source, ok, hot}
// for in.Plan/in.Variables, reusing a cached result when its recorded
// dependencies have not changed version and in.Force is not set.
// Fingerprinting and cache preference are always on; a false
// in.Fingerprint or in.PreferCache does not switch them off.
func (m *Materializer) Materialize(in MaterializeInput) MaterializeResult {
	if in.CanonicalMode == "" {
		in.CanonicalMode = ModeCanonical
	}
	if in.RootID == "" {
		in.RootID = keys.RootKey
	}
	if !in.Fingerprint {
		in.Fingerprint = true
	}
	if !in.PreferCache {
		in.PreferCache = true
	}

	start := time.Now()
	defer func() {
		m.metrics.MaterializeDuration.WithLabelValues(string(in.CanonicalMode)).Observe(time.Since(start).Seconds())
	}()

	cacheKey := in.RootID + "|" + string(in.CanonicalMode) + "|" + boolKeyPart(in.Fingerprint) + "|" + keys.StableStringify(in.Variables)

	bucket := m.bucketFor(in.Plan)

	if !in.Force && in.PreferCache {
		if cached, ok := bucket.Get(cacheKey); ok {
			if m.stamp(cached.deps) == cached.stamp {
				m.metrics.CacheHitsTotal.WithLabelValues(string(in.CanonicalMode), "true").Inc()
				source := SourceCanonical
				if in.CanonicalMode == ModeStrict {
					source = SourceStrict
				}
				return MaterializeResult{
					Data:         cached.data,
					Fingerprints: cached.fingerprints,
					Dependencies: cached.deps,
					Source:       source,
					OK:           OK{Strict: true, Canonical: true},
					Hot:          true,
				}
			}
		}
	}
	m.metrics.CacheHitsTotal.WithLabelValues(string(in.CanonicalMode), "false").Inc()

	w := &walker{
		m:            m,
		variables:    in.Variables,
		canonicalMod: in.CanonicalMode,
		dependencies: make(map[string]struct{}),
		fingerprint:  in.Fingerprint,
		ok:           OK{Strict: true, Canonical: true},
	}

	data := make(map[string]any)
	fp := make(map[string]any)
	w.run(in.RootID, in.Plan.Root, data, fp)

	source := SourceNone
	switch {
	case in.CanonicalMode == ModeStrict:
		if w.ok.Strict {
			source = SourceStrict
		}
	case w.ok.Canonical:
		source = SourceCanonical
	}

	if source != SourceNone {
		recycled := recycleSnapshots(previousData(bucket, cacheKey), data, previousFP(bucket, cacheKey), fp)
		data = recycled
	}

	result := MaterializeResult{
		Data:         data,
		Fingerprints: fp,
		Dependencies: w.dependencies,
		Source:       source,
		OK:           w.ok,
		Hot:          false,
	}

	if in.UpdateCache && source != SourceNone {
		bucket.Put(cacheKey, &cachedEntry{
			data:         data,
			fingerprints: fp,
			stamp:        m.stamp(w.dependencies),
			deps:         w.dependencies,
		})
	}

	return result
}

// Invalidate drops cached entries. An empty rootID clears every entry for
// p, whatever variables are given.
func (m *Materializer) Invalidate(p *plan.Plan, rootID string, variables map[string]any, canonicalMode CanonicalMode) {
	bucket := m.bucketFor(p)
	if rootID == "" {
		bucket.Clear()
		return
	}
	if canonicalMode == "" {
		canonicalMode = ModeCanonical
	}
	for _, fp := range []bool{true, false} {
		cacheKey := rootID + "|" + string(canonicalMode) + "|" + boolKeyPart(fp) + "|" + keys.StableStringify(variables)
		bucket.Delete(cacheKey)
	}
}

func boolKeyPart(b bool) string {
	if b {
		return "fp"
	}
	return "nofp"
}

func (m *Materializer) bucketFor(p *plan.Plan) *lru.Cache[string, *cachedEntry] {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.results[p]
	if !ok {
		b = lru.New[string, *cachedEntry](m.lruSize)
		m.results[p] = b
	}
	return b
}

// stamp computes the sorted concatenation of "key#version;" over deps,
// used to decide whether a cached result is still valid.
func (m *Materializer) stamp(deps map[string]struct{}) string {
	names := make([]string, 0, len(deps))
	for k := range deps {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]byte, 0, 32*len(names))
	for _, k := range names {
		out = append(out, k...)
		out = append(out, '#')
		out = appendUint(out, m.graph.GetVersion(k))
		out = append(out, ';')
	}
	return string(out)
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, buf[i:]...)
}

func previousData(bucket *lru.Cache[string, *cachedEntry], key string) map[string]any {
	if e, ok := bucket.Get(key); ok {
		return e.data
	}
	return nil
}

func previousFP(bucket *lru.Cache[string, *cachedEntry], key string) map[string]any {
	if e, ok := bucket.Get(key); ok {
		return e.fingerprints
	}
	return nil
}
