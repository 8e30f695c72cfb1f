// Package optimistic implements the revertible layered overlay on top of
// the base record store: a caller opens a layer, applies a sequence of
// patch/delete/connection edits that take effect immediately, and later
// either commits (leaves the edits in place) or reverts (restores the
// pre-layer state and replays every other layer still open).
package optimistic

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/canonical"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/keys"
	"github.com/lockvoid/cachebay/observability"
)

// Mode selects how a record-level patch combines with the existing record.
type Mode int

const (
	ModeMerge Mode = iota
	ModeReplace
)

type opKind int

const (
	opPatch opKind = iota
	opDelete
	opConnectionAppend
	opConnectionPrepend
	opConnectionRemove
	opConnectionPatch
)

// entityOp is one record-level edit recorded on a layer.
type entityOp struct {
	kind  opKind
	key   string
	patch graph.Record
	mode  Mode
}

// connectionOp is one connection-level edit recorded on a layer.
type connectionOp struct {
	kind         opKind
	canonicalKey string
	edgeKey      string  // for append/prepend/remove
	node         graph.Record
	edgeExtras   graph.Record
	patchFn      func(edges []string) []string // for patch
}

// Layer is one optimistic layer: an ordered log of edits plus the set of
// record keys it touched, used to drive revert and replay.
type Layer struct {
	id         uint64
	entityOps  []entityOp
	connOps    []connectionOp
	touched    map[string]struct{}
	committed  bool
	discarded  bool
}

// commit marks l as committed: its edits remain visible and it
// participates in future replay passes in insertion order. The Handle
// returned by Begin can still revert it.
func (l *Layer) commit() { l.committed = true }

// Handle is what Begin returns: commit finalizes the layer in place,
// revert undoes it and replays every other still-open layer.
type Handle struct {
	Commit func()
	Revert func()
}

// Builder is the mutation surface exposed inside Begin's build function.
type Builder struct {
	layer  *Layer
	layers *Layers
	apply  func(entityOp)
}

// Patch records and immediately applies a record-level update. target is
// the RecordKey of the record to patch.
func (b *Builder) Patch(target string, patch graph.Record, mode Mode) {
	op := entityOp{kind: opPatch, key: target, patch: patch, mode: mode}
	b.layer.entityOps = append(b.layer.entityOps, op)
	b.apply(op)
}

// Delete records and immediately applies a record removal.
func (b *Builder) Delete(target string) {
	op := entityOp{kind: opDelete, key: target}
	b.layer.entityOps = append(b.layer.entityOps, op)
	b.apply(op)
}

// ConnectionEdit is the fluent handle returned by Builder.Connection.
type ConnectionEdit struct {
	builder      *Builder
	canonicalKey string
}

// Connection scopes a connection-level edit to the canonical key derived
// from parent/key/filters, matching keys.CanonicalKey's format exactly so
// edits target the same record the Normalizer maintains.
func (b *Builder) Connection(parentKey, connectionKey string, filtersJSON string) *ConnectionEdit {
	head := "@connection."
	if parentKey != "" && parentKey != keys.RootKey {
		head += parentKey + "."
	}
	return &ConnectionEdit{builder: b, canonicalKey: head + connectionKey + "(" + filtersJSON + ")"}
}

// Append adds node to the end of the connection's edge list.
func (c *ConnectionEdit) Append(edgeKey string, node, edgeExtras graph.Record) {
	c.builder.recordConnOp(connectionOp{
		kind: opConnectionAppend, canonicalKey: c.canonicalKey, edgeKey: edgeKey, node: node, edgeExtras: edgeExtras,
	})
}

// Prepend adds node to the front of the connection's edge list.
func (c *ConnectionEdit) Prepend(edgeKey string, node, edgeExtras graph.Record) {
	c.builder.recordConnOp(connectionOp{
		kind: opConnectionPrepend, canonicalKey: c.canonicalKey, edgeKey: edgeKey, node: node, edgeExtras: edgeExtras,
	})
}

// Remove drops an edge by key from the connection's edge list.
func (c *ConnectionEdit) Remove(edgeKey string) {
	c.builder.recordConnOp(connectionOp{
		kind: opConnectionRemove, canonicalKey: c.canonicalKey, edgeKey: edgeKey,
	})
}

// Patch rewrites the connection's edge list with fn.
func (c *ConnectionEdit) Patch(fn func(edges []string) []string) {
	c.builder.recordConnOp(connectionOp{
		kind: opConnectionPatch, canonicalKey: c.canonicalKey, patchFn: fn,
	})
}

// recordConnOp appends op to the layer's op log (for revert/replay) and
// applies it to the base store immediately, per the builder contract that
// every edit takes effect the moment it is recorded.
func (b *Builder) recordConnOp(op connectionOp) {
	b.layer.connOps = append(b.layer.connOps, op)
	b.layers.applyConnectionOp(b.layer, op)
}

// Layers owns the open layer stack, the baseline snapshot table, and the
// wiring to Graph and Canonical needed to apply, revert, and replay edits.
type Layers struct {
	mu sync.Mutex

	committed []*Layer
	pending   map[uint64]*Layer
	nextID    uint64

	baselines map[string]graph.Record // RecordKey -> snapshot at first touch
	baselined map[string]bool         // RecordKey -> has a baseline been captured

	graph     *graph.Graph
	canonical *canonical.Canonical
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// New creates a Layers bound to g and c. It self-registers with c as its
// Reapplier so canonical rebuilds replay optimistic overlays.
func New(g *graph.Graph, c *canonical.Canonical, metrics *observability.Metrics, logger *zap.Logger) *Layers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	l := &Layers{
		pending:   make(map[uint64]*Layer),
		baselines: make(map[string]graph.Record),
		baselined: make(map[string]bool),
		graph:     g,
		canonical: c,
		metrics:   metrics,
		logger:    logger,
	}
	if c != nil {
		c.SetReapplier(l)
	}
	return l
}

// Begin opens a new optimistic layer, runs build against it (applying
// every recorded edit immediately), and returns a Handle to commit or
// revert it.
func (l *Layers) Begin(build func(b *Builder)) *Handle {
	l.mu.Lock()
	id := atomic.AddUint64(&l.nextID, 1)
	layer := &Layer{id: id, touched: make(map[string]struct{})}
	l.pending[id] = layer
	l.mu.Unlock()

	l.metrics.OptimisticLayersOpen.Inc()

	b := &Builder{layer: layer, layers: l, apply: func(op entityOp) { l.applyEntityOp(layer, op) }}
	build(b)

	return &Handle{
		Commit: func() { l.commit(layer) },
		Revert: func() { l.revert(layer) },
	}
}

func (l *Layers) commit(layer *Layer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if layer.discarded {
		return
	}
	layer.commit()
	delete(l.pending, layer.id)
	l.committed = append(l.committed, layer)
}

// revert removes layer, restores every record it touched to its captured
// baseline (or deletes it if no baseline was ever captured), rebuilds
// every touched canonical key strictly from concrete pages, then replays
// the remaining open layers in order.
func (l *Layers) revert(layer *Layer) {
	l.mu.Lock()
	if layer.discarded {
		l.mu.Unlock()
		return
	}
	layer.discarded = true
	delete(l.pending, layer.id)
	l.removeFromCommitted(layer)

	touchedCanonical := make([]string, 0)
	touchedRecords := make([]string, 0, len(layer.touched))
	for k := range layer.touched {
		if isCanonicalKey(k) {
			touchedCanonical = append(touchedCanonical, k)
		} else {
			touchedRecords = append(touchedRecords, k)
		}
	}
	l.mu.Unlock()

	l.metrics.OptimisticLayersOpen.Dec()

	for _, key := range touchedRecords {
		l.mu.Lock()
		baseline, had := l.baselines[key]
		l.mu.Unlock()
		l.graph.RemoveRecord(key)
		if had && baseline != nil {
			l.graph.PutRecord(key, baseline)
		}
	}

	for _, key := range touchedCanonical {
		l.canonical.RebuildFromMeta(key, nil)
	}

	l.replay(nil)
}

func (l *Layers) removeFromCommitted(layer *Layer) {
	out := l.committed[:0]
	for _, c := range l.committed {
		if c.id != layer.id {
			out = append(out, c)
		}
	}
	l.committed = out
}

// ReapplyOnto implements canonical.Reapplier: after a network-driven
// canonical rebuild, replay every open layer's connection ops targeting
// canonicalKey so optimistic edits remain visible.
func (l *Layers) ReapplyOnto(canonicalKey string) {
	l.mu.Lock()
	layers := l.orderedLayers()
	l.mu.Unlock()

	for _, layer := range layers {
		for _, op := range layer.connOps {
			if op.canonicalKey == canonicalKey {
				l.applyConnectionOp(layer, op)
			}
		}
	}
}

// replay reapplies every committed layer (insertion order) then every
// pending layer (ascending id order) without touching baselines. hint,
// when non-nil, limits the connection ops replayed to those on that
// canonical key; entity ops are always replayed.
func (l *Layers) replay(hint *string) {
	l.mu.Lock()
	layers := l.orderedLayers()
	l.mu.Unlock()

	for _, layer := range layers {
		for _, op := range layer.entityOps {
			l.applyEntityOpNoBaseline(op)
		}
		for _, op := range layer.connOps {
			if hint != nil && op.canonicalKey != *hint {
				continue
			}
			l.applyConnectionOp(layer, op)
		}
	}
}

// Replay is the exported form of replay. The cache facade does not call
// it; after a network page write, Canonical reapplies connection ops
// through ReapplyOnto instead.
func (l *Layers) Replay(hint *string) {
	l.replay(hint)
}

func (l *Layers) orderedLayers() []*Layer {
	out := make([]*Layer, 0, len(l.committed)+len(l.pending))
	out = append(out, l.committed...)

	ids := make([]uint64, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, l.pending[id])
	}
	return out
}

func (l *Layers) applyEntityOp(layer *Layer, op entityOp) {
	l.captureBaseline(op.key)

	l.mu.Lock()
	layer.touched[op.key] = struct{}{}
	l.mu.Unlock()

	l.applyEntityOpNoBaseline(op)
}

func (l *Layers) applyEntityOpNoBaseline(op entityOp) {
	switch op.kind {
	case opPatch:
		if op.mode == ModeReplace {
			l.graph.RemoveRecord(op.key)
		}
		l.graph.PutRecord(op.key, op.patch)
	case opDelete:
		l.graph.RemoveRecord(op.key)
	}
}

func (l *Layers) captureBaseline(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.baselined[key] {
		return
	}
	l.baselined[key] = true
	l.baselines[key] = l.graph.GetRecord(key)
}

func (l *Layers) applyConnectionOp(layer *Layer, op connectionOp) {
	l.mu.Lock()
	layer.touched[op.canonicalKey] = struct{}{}
	l.mu.Unlock()

	if op.kind == opConnectionAppend || op.kind == opConnectionPrepend {
		// The edge record and the identified node record are written by
		// writeEdge; baseline and track them so revert restores them too.
		for _, k := range []string{op.edgeKey, l.graph.Identify(op.node)} {
			if k == "" {
				continue
			}
			l.captureBaseline(k)
			l.mu.Lock()
			layer.touched[k] = struct{}{}
			l.mu.Unlock()
		}
	}

	rec := l.graph.GetRecord(op.canonicalKey)
	var refs []string
	if rec != nil {
		if ll, ok := rec["edges"].(graph.LinkList); ok {
			refs = append([]string(nil), ll.Refs...)
		}
	}

	switch op.kind {
	case opConnectionAppend:
		l.writeEdge(op)
		refs = append(refs, op.edgeKey)

	case opConnectionPrepend:
		l.writeEdge(op)
		refs = append([]string{op.edgeKey}, refs...)

	case opConnectionRemove:
		refs = removeString(refs, op.edgeKey)

	case opConnectionPatch:
		if op.patchFn != nil {
			refs = op.patchFn(refs)
		}
	}

	l.graph.PutRecord(op.canonicalKey, graph.Record{"__typename": "Connection", "edges": graph.LinkList{Refs: refs}})
}

func (l *Layers) writeEdge(op connectionOp) {
	edge := make(graph.Record, len(op.edgeExtras)+1)
	for k, v := range op.edgeExtras {
		edge[k] = v
	}
	if op.node != nil {
		if id := l.graph.Identify(op.node); id != "" {
			l.graph.PutRecord(id, op.node)
			edge["node"] = graph.Link{Ref: id}
		} else {
			edge["node"] = op.node
		}
	}
	l.graph.PutRecord(op.edgeKey, edge)
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func isCanonicalKey(key string) bool {
	prefix := keys.RootKey + "connection."
	return len(key) > len(prefix) && key[:len(prefix)] == prefix
}
