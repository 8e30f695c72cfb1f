// Package canonical maintains, per connection identity, the union of all
// concrete pages written for that identity as a single deterministically
// ordered edge list plus aggregated page info.
package canonical

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/plan"
)

// Hint classifies a concrete page's role relative to its canonical union.
type Hint string

const (
	HintLeader Hint = "leader"
	HintBefore Hint = "before"
	HintAfter  Hint = "after"
)

// PageArgs describes the pagination-relevant request variables extracted
// for a single network page write, used only to classify its Hint.
type PageArgs struct {
	HasAfter  bool
	HasBefore bool
}

// Role classifies pageArgs per the leader/before/after detection rule:
// a page is the leader iff it requests neither direction; otherwise it is
// a before-page iff it declares `before`, else an after-page.
func Role(args PageArgs) Hint {
	if !args.HasAfter && !args.HasBefore {
		return HintLeader
	}
	if args.HasBefore {
		return HintBefore
	}
	return HintAfter
}

// meta is the per-canonical-key bookkeeping record: which concrete pages
// participate, in what order they arrived, and each one's hint.
type meta struct {
	pages  []string
	hints  map[string]Hint
	leader string
}

func newMeta() *meta {
	return &meta{hints: make(map[string]Hint)}
}

// Reapplier lets Canonical ask the optimistic layer to reapply its
// pending/committed overlays onto a canonical key immediately after a
// network rebuild, so optimistic edits stay visible across network
// writes. Satisfied by optimistic.Layers.
type Reapplier interface {
	ReapplyOnto(canonicalKey string)
}

// Canonical owns the per-key meta table and rebuilds canonical records in
// the given Graph whenever a participating page changes.
type Canonical struct {
	mu    sync.Mutex
	metas map[string]*meta

	graph     *graph.Graph
	reapplier Reapplier
	logger    *zap.Logger
}

// New creates a Canonical bound to g. SetReapplier must be called before
// any network write if optimistic overlays are in use; it is optional
// otherwise (e.g. in tests that exercise Canonical alone).
func New(g *graph.Graph, logger *zap.Logger) *Canonical {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Canonical{
		metas:  make(map[string]*meta),
		graph:  g,
		logger: logger,
	}
}

// SetReapplier wires the optimistic layer stack so canonical rebuilds can
// reapply overlays. Called once during cache construction to break the
// natural import cycle between canonical and optimistic.
func (c *Canonical) SetReapplier(r Reapplier) {
	c.reapplier = r
}

// UpdateNetwork records a network page write for canonicalKey/pageKey and
// rebuilds the canonical record. A leader page destructively resets the
// meta to just itself, matching the rule that a fresh leader page
// supersedes any previously known pages for that identity.
func (c *Canonical) UpdateNetwork(canonicalKey, pageKey string, args PageArgs, field *plan.Field) {
	c.update(canonicalKey, pageKey, args, field, true)
}

// UpdateCacheRead records a cache/prewarm page write: same bookkeeping as
// UpdateNetwork, but a leader page never destructively resets existing
// meta — prewarm only adds information, it never discards it.
func (c *Canonical) UpdateCacheRead(canonicalKey, pageKey string, args PageArgs, field *plan.Field) {
	c.update(canonicalKey, pageKey, args, field, false)
}

func (c *Canonical) update(canonicalKey, pageKey string, args PageArgs, field *plan.Field, destructive bool) {
	role := Role(args)

	c.mu.Lock()
	m := c.metas[canonicalKey]
	if m == nil {
		m = newMeta()
		c.metas[canonicalKey] = m
	}

	switch {
	case role == HintLeader && destructive:
		m.pages = []string{pageKey}
		m.hints = map[string]Hint{pageKey: HintLeader}
		m.leader = pageKey

	case role == HintLeader && !destructive:
		if !contains(m.pages, pageKey) {
			m.pages = append(m.pages, pageKey)
		}
		m.hints[pageKey] = HintLeader
		m.leader = pageKey

	default:
		if !contains(m.pages, pageKey) {
			m.pages = append(m.pages, pageKey)
		}
		m.hints[pageKey] = role
	}
	c.mu.Unlock()

	c.rebuild(canonicalKey, field)

	if c.reapplier != nil {
		c.reapplier.ReapplyOnto(canonicalKey)
	}
}

// RebuildFromMeta recomputes canonicalKey's edges and pageInfo strictly
// from its ordered concrete pages, with no reference to any baseline
// snapshot. Used by the optimistic layer's revert path: canonical
// records are never restored from a snapshot, only ever rebuilt.
func (c *Canonical) RebuildFromMeta(canonicalKey string, field *plan.Field) {
	c.rebuild(canonicalKey, field)
}

// orderPages returns m's pages in canonical order: before-hinted pages in
// arrival order, then the leader (if known), then after-hinted pages in
// arrival order. Unhinted pages, and leader-hinted pages that a later
// non-destructive leader has superseded, are treated as after-pages.
func orderPages(m *meta) []string {
	var before, after []string
	leader := ""

	for _, p := range m.pages {
		switch {
		case p == m.leader:
			leader = p
		case m.hints[p] == HintBefore:
			before = append(before, p)
		default:
			after = append(after, p)
		}
	}

	ordered := make([]string, 0, len(m.pages))
	ordered = append(ordered, before...)
	if leader != "" {
		ordered = append(ordered, leader)
	}
	ordered = append(ordered, after...)
	return ordered
}

func (c *Canonical) rebuild(canonicalKey string, field *plan.Field) {
	c.mu.Lock()
	m := c.metas[canonicalKey]
	if m == nil {
		c.mu.Unlock()
		return
	}
	ordered := orderPages(m)
	arrival := append([]string(nil), m.pages...)
	c.mu.Unlock()

	if field != nil && field.Mode() == plan.ModePage {
		c.rebuildLatestPageOnly(canonicalKey, arrival)
		return
	}

	edges, pageInfo := c.rebuildEdges(ordered)

	c.graph.PutRecord(canonicalKey, graph.Record{
		"__typename": "Connection",
		"edges":      graph.LinkList{Refs: edges},
	})
	c.graph.PutRecord(canonicalKey+".pageInfo", pageInfo)
}

// rebuildLatestPageOnly implements "page" (non-infinite) mode: the
// canonical record is exactly the edges and pageInfo of the page most
// recently added to the meta (pages holds arrival order), with no union
// across pages. Writing an already known page again does not make it the
// latest.
func (c *Canonical) rebuildLatestPageOnly(canonicalKey string, pages []string) {
	if len(pages) == 0 {
		return
	}
	latest := pages[len(pages)-1]

	page := c.graph.GetRecord(latest)
	var refs []string
	if ll, ok := page["edges"].(graph.LinkList); ok {
		refs = ll.Refs
	}

	c.graph.PutRecord(canonicalKey, graph.Record{
		"__typename": "Connection",
		"edges":      graph.LinkList{Refs: refs},
	})
	if pageInfo := c.graph.GetRecord(latest + ".pageInfo"); pageInfo != nil {
		c.graph.PutRecord(canonicalKey+".pageInfo", pageInfo)
	}
}

// rebuildEdges concatenates every ordered page's edges with first-seen
// deduplication by node reference: the first occurrence of a node wins
// its position, and later duplicate edges only contribute their own edge
// fields (cursor, custom edge scalars) merged onto the kept edge.
func (c *Canonical) rebuildEdges(ordered []string) ([]string, graph.Record) {
	seen := make(map[string]string) // node ref -> kept edge key
	var edgeRefs []string

	for _, pageKey := range ordered {
		page := c.graph.GetRecord(pageKey)
		if page == nil {
			continue
		}
		ll, ok := page["edges"].(graph.LinkList)
		if !ok {
			continue
		}

		for _, edgeKey := range ll.Refs {
			edge := c.graph.GetRecord(edgeKey)
			if edge == nil {
				continue
			}
			link, _ := edge["node"].(graph.Link)
			nodeRef := link.Ref

			if kept, dup := seen[nodeRef]; dup && nodeRef != "" {
				c.mergeEdgeExtras(kept, edge)
				continue
			}

			if nodeRef != "" {
				seen[nodeRef] = edgeKey
			}
			edgeRefs = append(edgeRefs, edgeKey)
		}
	}

	var head, tail string
	if len(ordered) > 0 {
		head, tail = ordered[0], ordered[len(ordered)-1]
	}

	pageInfo := graph.Record{"__typename": "PageInfo"}
	if head != "" {
		if hi := c.graph.GetRecord(head + ".pageInfo"); hi != nil {
			pageInfo["startCursor"] = hi["startCursor"]
			pageInfo["hasPreviousPage"] = hi["hasPreviousPage"]
		}
	}
	if tail != "" {
		if ti := c.graph.GetRecord(tail + ".pageInfo"); ti != nil {
			pageInfo["endCursor"] = ti["endCursor"]
			pageInfo["hasNextPage"] = ti["hasNextPage"]
		}
	}

	return edgeRefs, pageInfo
}

// mergeEdgeExtras folds a duplicate edge's non-node fields onto the
// previously kept edge at the same node, so the latest cursor/custom
// fields for that node win without disturbing its position.
func (c *Canonical) mergeEdgeExtras(keptEdgeKey string, dup graph.Record) {
	patch := make(graph.Record, len(dup))
	for k, v := range dup {
		if k == "node" {
			continue
		}
		patch[k] = v
	}
	if len(patch) > 0 {
		c.graph.PutRecord(keptEdgeKey, patch)
	}
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
