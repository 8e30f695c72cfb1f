// Package documents implements the two directions response trees flow
// between the application and the record store: Normalize writes a
// response tree into records, and Materialize reads records back out as a
// tree shaped by the same plan.
package documents

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/lockvoid/cachebay/canonical"
	"github.com/lockvoid/cachebay/config"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/keys"
	"github.com/lockvoid/cachebay/plan"
)

// Normalizer walks a response tree guided by a Plan, writing every scalar,
// entity, page, and edge it finds into the Graph, and feeding every
// connection page it encounters into Canonical.
type Normalizer struct {
	graph     *graph.Graph
	canonical *canonical.Canonical
	config    *config.Config
	logger    *zap.Logger
}

// NewNormalizer creates a Normalizer bound to g and c. cfg may be nil, in
// which case inline-fragment dispatch falls back to literal TypeCondition
// equality and connection fields always use their plan-declared mode.
func NewNormalizer(g *graph.Graph, c *canonical.Canonical, cfg *config.Config, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{graph: g, canonical: c, config: cfg, logger: logger}
}

// Normalize writes data into the Graph per p.Root and variables, returning
// every record key it touched. For mutation operations, entity bodies are
// still written but parent<->entity links from the root are suppressed,
// so a mutation's response updates records without rewriting the graph's
// shape around the root.
func (n *Normalizer) Normalize(p *plan.Plan, variables map[string]any, data map[string]any) map[string]struct{} {
	touched := make(map[string]struct{})
	track := func(key string) { touched[key] = struct{}{} }

	n.walkObject(keys.RootKey, p.Root, data, variables, !p.IsMutation, track)

	return touched
}

// walkObject visits one selection set against one object value, writing
// each selected field.
func (n *Normalizer) walkObject(parentID string, parent *plan.Field, obj map[string]any, variables map[string]any, linkFromParent bool, track func(string)) {
	if obj == nil {
		return
	}

	for _, field := range parent.SelectionSet {
		raw, present := obj[field.ResponseKey]
		if !present {
			continue
		}
		n.walkField(parentID, field, raw, variables, linkFromParent, track)
	}
}

func (n *Normalizer) walkField(parentID string, field *plan.Field, value any, variables map[string]any, linkFromParent bool, track func(string)) {
	fieldKey := keys.FieldKey(field, variables)

	if field.IsConnection {
		n.walkConnection(parentID, field, value, variables, track)
		return
	}

	if field.SelectionSet == nil {
		// Scalar or no-selection field: store as-is, including explicit null.
		n.graph.PutRecord(parentID, graph.Record{fieldKey: value})
		track(parentID)
		return
	}

	switch v := value.(type) {
	case nil:
		n.graph.PutRecord(parentID, graph.Record{fieldKey: nil})
		track(parentID)

	case map[string]any:
		n.walkSelectedObject(parentID, field, fieldKey, v, variables, linkFromParent, track)

	case []any:
		n.walkSelectedArray(parentID, field, fieldKey, v, variables, linkFromParent, track)

	default:
		n.graph.PutRecord(parentID, graph.Record{fieldKey: v})
		track(parentID)
	}
}

// walkSelectedObject handles one object-valued field with a selection: an
// identifiable entity links by its entity key; otherwise a derived,
// non-identifiable container is allocated under the parent.
func (n *Normalizer) walkSelectedObject(parentID string, field *plan.Field, fieldKey string, obj map[string]any, variables map[string]any, linkFromParent bool, track func(string)) {
	if entityKey, ok := n.identify(obj); ok {
		n.writeEntity(entityKey, obj, field, variables, track)
		if linkFromParent {
			n.graph.PutRecord(parentID, graph.Record{fieldKey: graph.Link{Ref: entityKey}})
			track(parentID)
		}
		return
	}

	derivedKey := parentID + "." + fieldKey
	n.writeScalarsAndTypename(derivedKey, obj, field, track)
	n.walkObject(derivedKey, field, obj, variables, true, track)

	n.graph.PutRecord(parentID, graph.Record{fieldKey: graph.Link{Ref: derivedKey}})
	track(parentID)
}

// walkSelectedArray handles an array of objects with a selection that is
// not a connection's edges array: each identifiable item links by entity
// key, each non-identifiable item gets a per-index derived key.
func (n *Normalizer) walkSelectedArray(parentID string, field *plan.Field, fieldKey string, arr []any, variables map[string]any, linkFromParent bool, track func(string)) {
	refs := make([]string, 0, len(arr))

	for i, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}

		if entityKey, ok := n.identify(obj); ok {
			n.writeEntity(entityKey, obj, field, variables, track)
			refs = append(refs, entityKey)
			continue
		}

		derivedKey := parentID + "." + fieldKey + "." + strconv.Itoa(i)
		n.writeScalarsAndTypename(derivedKey, obj, field, track)
		n.walkObject(derivedKey, field, obj, variables, true, track)
		refs = append(refs, derivedKey)
	}

	n.graph.PutRecord(parentID, graph.Record{fieldKey: graph.LinkList{Refs: refs}})
	track(parentID)
}

// writeEntity writes an identifiable object's own record (scalars,
// __typename) and recurses into its selection with parentId switched to
// the entity key, per the spec's "recurse with parentId = entityKey" rule.
func (n *Normalizer) writeEntity(entityKey string, obj map[string]any, field *plan.Field, variables map[string]any, track func(string)) {
	n.writeScalarsAndTypename(entityKey, obj, field, track)
	typename, _ := obj["__typename"].(string)
	n.walkObject(entityKey, resolveSelectionForType(field, typename, n.config), obj, variables, true, track)
}

// writeScalarsAndTypename writes __typename and every selected field of
// obj that has no child selection (all fields when field has no
// selection map; never edges or pageInfo) directly into key's record, catching a
// __typename disagreement with the existing record as a fatal internal
// condition: logged, then overwritten.
func (n *Normalizer) writeScalarsAndTypename(key string, obj map[string]any, field *plan.Field, track func(string)) {
	if existing := n.graph.GetRecord(key); existing != nil {
		if incoming, ok := obj["__typename"].(string); ok {
			if prev := existing.Typename(); prev != "" && prev != incoming {
				n.logger.Error("typename mismatch on existing record",
					zap.String("key", key), zap.String("previous", prev), zap.String("incoming", incoming))
			}
		}
	}

	patch := make(graph.Record)
	selected := selectionNames(field)
	for k, v := range obj {
		if k == "edges" || k == "pageInfo" {
			continue
		}
		if len(selected) > 0 {
			if _, isSelected := selected[k]; !isSelected && k != "__typename" {
				continue
			}
		}
		if _, hasSelection := hasChildSelection(field, k); hasSelection {
			continue // handled by walkObject, not copied verbatim
		}
		patch[k] = v
	}
	if len(patch) > 0 {
		n.graph.PutRecord(key, patch)
		track(key)
	}
}

func selectionNames(field *plan.Field) map[string]struct{} {
	if field == nil || field.SelectionMap == nil {
		return nil
	}
	out := make(map[string]struct{}, len(field.SelectionMap))
	for k := range field.SelectionMap {
		out[k] = struct{}{}
	}
	return out
}

func hasChildSelection(field *plan.Field, responseKey string) (*plan.Field, bool) {
	if field == nil || field.SelectionMap == nil {
		return nil, false
	}
	child, ok := field.SelectionMap[responseKey]
	if !ok || child.SelectionSet == nil {
		return child, false
	}
	return child, true
}

// resolveSelectionForType picks the selection to recurse into for an
// object of the given typename: the field's own selection, narrowed to
// drop any inline-fragment child whose TypeCondition neither matches
// typename exactly nor names an interface cfg.IsImplementor reports
// typename as implementing. A field with no type-conditioned children, or
// an empty typename, is returned unchanged. Shared by the Normalizer
// (write path) and the Materializer's walker (read path) so interface
// dispatch is symmetric between writing and reading the same selection.
func resolveSelectionForType(field *plan.Field, typename string, cfg *config.Config) *plan.Field {
	if field == nil || typename == "" {
		return field
	}

	hasConditions := false
	for _, child := range field.SelectionSet {
		if child.TypeCondition != "" {
			hasConditions = true
			break
		}
	}
	if !hasConditions {
		return field
	}

	filtered := &plan.Field{
		ResponseKey:  field.ResponseKey,
		FieldName:    field.FieldName,
		SelectionMap: make(map[string]*plan.Field, len(field.SelectionMap)),
	}
	for _, child := range field.SelectionSet {
		if child.TypeCondition != "" && child.TypeCondition != typename {
			if cfg == nil || !cfg.IsImplementor(typename, child.TypeCondition) {
				continue
			}
		}
		filtered.SelectionSet = append(filtered.SelectionSet, child)
		filtered.SelectionMap[child.ResponseKey] = child
	}
	return filtered
}

// WriteFragment normalizes data against field's selection rooted at an
// existing entity key, rather than the query root. Used by writeFragment:
// the entity's own scalars and nested selection are written exactly as
// they would be had they arrived as part of a larger query response.
func (n *Normalizer) WriteFragment(entityKey string, field *plan.Field, data map[string]any, variables map[string]any, track func(string)) {
	n.writeScalarsAndTypename(entityKey, data, field, track)
	n.walkObject(entityKey, field, data, variables, true, track)
	track(entityKey)
}

// identify resolves obj's RecordKey via the Graph's configured keying
// functions, reported through graph.Identify.
func (n *Normalizer) identify(obj map[string]any) (string, bool) {
	key := n.graph.Identify(obj)
	if key == "" {
		typename, _ := obj["__typename"].(string)
		n.logger.Debug("object not identifiable, using derived key",
			zap.Error(graph.MustIdentifyError(typename)))
		return "", false
	}
	return key, true
}

// walkConnection handles a Connection-typed field: it allocates the
// concrete page record, writes pageInfo and edges, links the parent to
// the page, and feeds the page into Canonical.
func (n *Normalizer) walkConnection(parentID string, field *plan.Field, value any, variables map[string]any, track func(string)) {
	obj, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			fieldKey := keys.FieldKey(field, variables)
			n.graph.PutRecord(parentID, graph.Record{fieldKey: nil})
			track(parentID)
		}
		return
	}

	field = n.effectiveConnectionField(parentID, field)

	pageKey := keys.ConnectionKey(field, parentID, variables)
	canonicalKey := keys.CanonicalKey(field, parentID, variables)

	n.writeScalarsAndTypename(pageKey, obj, field, track)
	track(pageKey)

	if pageInfo, ok := obj["pageInfo"].(map[string]any); ok {
		pageInfoKey := pageKey + ".pageInfo"
		n.graph.PutRecord(pageInfoKey, toRecord(pageInfo))
		n.graph.PutRecord(pageKey, graph.Record{"pageInfo": graph.Link{Ref: pageInfoKey}})
		track(pageInfoKey)
		track(pageKey)
	}

	if edges, ok := obj["edges"].([]any); ok {
		refs := n.writeEdges(pageKey, field, edges, variables, track)
		n.graph.PutRecord(pageKey, graph.Record{"edges": graph.LinkList{Refs: refs}})
		track(pageKey)
	}

	fieldKey := keys.FieldKey(field, variables)
	n.graph.PutRecord(parentID, graph.Record{fieldKey: graph.Link{Ref: pageKey}})
	track(parentID)

	args := pageArgsFromField(field, variables)
	n.canonical.UpdateNetwork(canonicalKey, pageKey, args, field)
	track(canonicalKey)
}

func (n *Normalizer) writeEdges(pageKey string, field *plan.Field, edges []any, variables map[string]any, track func(string)) []string {
	edgeField := childField(field, "edges")
	refs := make([]string, 0, len(edges))

	for i, e := range edges {
		edgeObj, ok := e.(map[string]any)
		if !ok {
			continue
		}
		edgeKey := pageKey + ".edges." + strconv.Itoa(i)

		patch := make(graph.Record)
		for k, v := range edgeObj {
			if k != "node" {
				patch[k] = v
			}
		}

		if nodeObj, ok := edgeObj["node"].(map[string]any); ok {
			nodeField := childField(edgeField, "node")
			if entityKey, ok := n.identify(nodeObj); ok {
				n.writeEntity(entityKey, nodeObj, nodeField, variables, track)
				patch["node"] = graph.Link{Ref: entityKey}
			} else {
				derivedKey := edgeKey + ".node"
				n.writeScalarsAndTypename(derivedKey, nodeObj, nodeField, track)
				n.walkObject(derivedKey, nodeField, nodeObj, variables, true, track)
				patch["node"] = graph.Link{Ref: derivedKey}
			}
		}

		n.graph.PutRecord(edgeKey, patch)
		track(edgeKey)
		refs = append(refs, edgeKey)
	}

	return refs
}

// effectiveConnectionField applies a configured per-(parentType, field)
// connection override, if any, returning a shallow copy of field with its
// mode and/or filter args replaced. Returns field unchanged when no cfg is
// wired or no override matches.
func (n *Normalizer) effectiveConnectionField(parentID string, field *plan.Field) *plan.Field {
	return applyConnectionOverride(n.config, parentTypename(n.graph, parentID), field)
}

// parentTypename resolves the type name a connection field is declared on:
// the synthetic root resolves to "Query" (the conventional GraphQL root
// operation type), anything else resolves to its stored __typename.
func parentTypename(g *graph.Graph, parentID string) string {
	if parentID == keys.RootKey {
		return "Query"
	}
	return g.GetRecord(parentID).Typename()
}

// applyConnectionOverride is the shared override-resolution logic used by
// both the Normalizer (write path) and the Materializer's walker (read
// path), so a configured mode/filter override applies symmetrically.
func applyConnectionOverride(cfg *config.Config, parentType string, field *plan.Field) *plan.Field {
	if cfg == nil || field == nil {
		return field
	}
	ov, ok := cfg.ConnectionOverrideFor(parentType, field.FieldName)
	if !ok {
		return field
	}

	next := *field
	if ov.Mode != "" {
		next.ConnectionMode = ov.Mode
	}
	if ov.Args != nil {
		next.ConnectionFilters = ov.Args
	}
	return &next
}

func childField(field *plan.Field, responseKey string) *plan.Field {
	if field == nil || field.SelectionMap == nil {
		return nil
	}
	return field.SelectionMap[responseKey]
}

func toRecord(obj map[string]any) graph.Record {
	rec := make(graph.Record, len(obj))
	for k, v := range obj {
		rec[k] = v
	}
	return rec
}

// pageArgsFromField extracts the pagination-relevant request variables
// for a page write, used only to classify the page's canonical.Hint. Per
// the spec's open question, this relies solely on the field's declared
// arg names — never a heuristic name match on the variable value itself.
func pageArgsFromField(field *plan.Field, variables map[string]any) canonical.PageArgs {
	if field.Args == nil {
		return canonical.PageArgs{}
	}
	args := field.Args(variables)
	_, hasAfter := args["after"]
	_, hasBefore := args["before"]
	return canonical.PageArgs{
		HasAfter:  hasAfter && args["after"] != nil,
		HasBefore: hasBefore && args["before"] != nil,
	}
}
