package documents

import (
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/keys"
	"github.com/lockvoid/cachebay/plan"
)

// task is one unit of work on the walker's explicit stack. Tasks that
// need to run after their children push a finalize task before pushing
// the children's tasks, so the LIFO stack runs children first.
type task func()

// walker performs one Materialize call's task-driven, explicit-stack
// tree read: RootField/Entity/Connection/PageInfo/Edge tasks as described
// by the component design, tracking every record key consulted and, when
// requested, building a parallel fingerprint tree alongside the data.
type walker struct {
	m            *Materializer
	variables    map[string]any
	canonicalMod CanonicalMode
	dependencies map[string]struct{}
	fingerprint  bool
	ok           OK

	stack []task
}

func (w *walker) touch(key string) {
	w.dependencies[key] = struct{}{}
}

func (w *walker) push(t task) {
	w.stack = append(w.stack, t)
}

func (w *walker) drain() {
	for len(w.stack) > 0 {
		n := len(w.stack) - 1
		t := w.stack[n]
		w.stack = w.stack[:n]
		t()
	}
}

// run walks rootField's selection against the record at rootID, writing
// results into out/fpOut, then drains the resulting task stack to
// completion.
func (w *walker) run(rootID string, rootField *plan.Field, out, fpOut map[string]any) {
	w.push(w.selectionTask(rootID, rootField, out, fpOut))
	w.drain()
}

// selectionTask is the generic "read this selection set off this record"
// task, used for the root, for entities, and for inline derived
// containers alike.
func (w *walker) selectionTask(recordID string, parent *plan.Field, out, fpOut map[string]any) task {
	return func() {
		w.touch(recordID)
		version := w.m.graph.GetVersion(recordID)
		rec := w.m.graph.GetRecord(recordID)

		childKeys := make([]string, 0, len(parent.SelectionSet))
		for _, field := range parent.SelectionSet {
			childKeys = append(childKeys, field.ResponseKey)
		}

		w.push(w.finalizeTask(fpOut, version, childKeys))

		for _, field := range parent.SelectionSet {
			w.push(w.fieldTask(recordID, rec, field, out, fpOut))
		}
	}
}

// finalizeTask combines a node's own version with the fingerprints of its
// named children, in declared order, once all children have run.
func (w *walker) finalizeTask(fpOut map[string]any, version uint64, childKeys []string) task {
	return func() {
		if !w.fingerprint {
			return
		}
		children := make([]uint64, 0, len(childKeys))
		for _, k := range childKeys {
			children = append(children, fpLeaf(fpOut[k]))
		}
		fpOut["__version"] = mixFingerprint(version, children...)
	}
}

func fpLeaf(v any) uint64 {
	switch x := v.(type) {
	case uint64:
		return x
	case map[string]any:
		return fpLeaf(x["__version"])
	case []any:
		items := make([]uint64, len(x))
		for i, e := range x {
			items[i] = fpLeaf(e)
		}
		return mixFingerprint(uint64(len(x)), items...)
	default:
		return 0
	}
}

func (w *walker) fieldTask(parentID string, parentRec graph.Record, field *plan.Field, out, fpOut map[string]any) task {
	return func() {
		if field.IsConnection {
			w.connectionTask(parentID, field, out, fpOut)()
			return
		}

		raw, present := fieldValue(parentRec, field, w.variables)
		if !present {
			return
		}

		if field.SelectionSet == nil {
			out[field.ResponseKey] = raw
			if w.fingerprint {
				fpOut[field.ResponseKey] = scalarFingerprint(w.m.graph.GetVersion(parentID), raw)
			}
			return
		}

		switch v := raw.(type) {
		case nil:
			out[field.ResponseKey] = nil

		case graph.Link:
			w.entityTask(v.Ref, field, out, fpOut)()

		case graph.LinkList:
			w.listTask(v.Refs, field, out, fpOut)()

		default:
			out[field.ResponseKey] = v
		}
	}
}

func fieldValue(rec graph.Record, field *plan.Field, variables map[string]any) (any, bool) {
	if rec == nil {
		return nil, false
	}
	key := keys.FieldKey(field, variables)
	v, ok := rec[key]
	return v, ok
}

func (w *walker) entityTask(entityKey string, field *plan.Field, out, fpOut map[string]any) task {
	return func() {
		if entityKey == "" {
			w.fail()
			out[field.ResponseKey] = nil
			return
		}
		w.touch(entityKey)
		rec := w.m.graph.GetRecord(entityKey)
		if rec == nil {
			w.fail()
			out[field.ResponseKey] = nil
			return
		}

		child := make(map[string]any)
		childFP := make(map[string]any)
		out[field.ResponseKey] = child
		fpOut[field.ResponseKey] = childFP

		selection := resolveSelectionForType(field, rec.Typename(), w.m.config)
		w.push(w.selectionTask(entityKey, selection, child, childFP))
	}
}

func (w *walker) listTask(refs []string, field *plan.Field, out, fpOut map[string]any) task {
	return func() {
		items := make([]any, len(refs))
		itemFPs := make([]any, len(refs))
		out[field.ResponseKey] = items
		fpOut[field.ResponseKey] = itemFPs

		for i, ref := range refs {
			i, ref := i, ref
			w.push(func() {
				w.touch(ref)
				rec := w.m.graph.GetRecord(ref)
				if rec == nil {
					w.fail()
					items[i] = nil
					return
				}
				child := make(map[string]any)
				childFP := make(map[string]any)
				items[i] = child
				itemFPs[i] = childFP
				selection := resolveSelectionForType(field, rec.Typename(), w.m.config)
				w.push(w.selectionTask(ref, selection, child, childFP))
			})
		}
	}
}

func (w *walker) fail() {
	w.ok.Strict = false
	w.ok.Canonical = false
}

// connectionTask assembles a Connection field from its canonical record.
// It also checks the concrete page keyed by the current request variables
// in every mode, recording its absence in ok.Strict; only a ModeStrict
// read is refused for it.
func (w *walker) connectionTask(parentID string, field *plan.Field, out, fpOut map[string]any) task {
	return func() {
		field = applyConnectionOverride(w.m.config, parentTypename(w.m.graph, parentID), field)

		canonicalKey := keys.CanonicalKey(field, parentID, w.variables)
		w.touch(canonicalKey)

		canonicalRec := w.m.graph.GetRecord(canonicalKey)
		if canonicalRec == nil {
			w.ok.Canonical = false
			w.ok.Strict = false
			out[field.ResponseKey] = map[string]any{"edges": []any{}, "pageInfo": map[string]any{}}
			return
		}

		pageKey := keys.ConnectionKey(field, parentID, w.variables)
		w.touch(pageKey)
		if w.m.graph.GetRecord(pageKey) == nil {
			w.ok.Strict = false
		}

		conn := map[string]any{}
		connFP := map[string]any{}
		out[field.ResponseKey] = conn
		fpOut[field.ResponseKey] = connFP

		var edgeRefs []string
		if ll, ok := canonicalRec["edges"].(graph.LinkList); ok {
			edgeRefs = ll.Refs
		}

		edgeField := childField(field, "edges")
		pageInfoField := childField(field, "pageInfo")

		w.push(w.finalizeTask(connFP, w.m.graph.GetVersion(canonicalKey), []string{"edges", "pageInfo"}))

		if pageInfoField != nil {
			w.push(w.pageInfoTask(canonicalKey+".pageInfo", pageInfoField, conn, connFP))
		} else {
			conn["pageInfo"] = map[string]any{}
		}

		w.push(w.edgesTask(edgeRefs, edgeField, conn, connFP))
	}
}

func (w *walker) pageInfoTask(pageInfoKey string, field *plan.Field, conn, connFP map[string]any) task {
	return func() {
		w.touch(pageInfoKey)
		rec := w.m.graph.GetRecord(pageInfoKey)
		if rec == nil {
			conn["pageInfo"] = map[string]any{}
			return
		}
		out := make(map[string]any, len(field.SelectionSet))
		for _, sub := range field.SelectionSet {
			if v, ok := rec[sub.ResponseKey]; ok {
				out[sub.ResponseKey] = v
			}
		}
		conn["pageInfo"] = out
		if w.fingerprint {
			connFP["pageInfo"] = scalarFingerprint(w.m.graph.GetVersion(pageInfoKey), out)
		}
	}
}

func (w *walker) edgesTask(refs []string, edgeField *plan.Field, conn, connFP map[string]any) task {
	return func() {
		edges := make([]any, len(refs))
		edgeFPs := make([]any, len(refs))
		conn["edges"] = edges
		connFP["edges"] = edgeFPs

		if edgeField == nil {
			return
		}

		for i, ref := range refs {
			i, ref := i, ref
			w.push(w.edgeTask(ref, edgeField, edges, edgeFPs, i))
		}
	}
}

func (w *walker) edgeTask(edgeKey string, edgeField *plan.Field, edges, edgeFPs []any, i int) task {
	return func() {
		w.touch(edgeKey)
		rec := w.m.graph.GetRecord(edgeKey)
		if rec == nil {
			w.fail()
			edges[i] = nil
			return
		}

		out := make(map[string]any, len(edgeField.SelectionSet))
		fpOut := make(map[string]any)
		edges[i] = out
		edgeFPs[i] = fpOut

		childKeys := make([]string, 0, len(edgeField.SelectionSet))
		for _, sub := range edgeField.SelectionSet {
			childKeys = append(childKeys, sub.ResponseKey)
		}
		w.push(w.finalizeTask(fpOut, w.m.graph.GetVersion(edgeKey), childKeys))

		for _, sub := range edgeField.SelectionSet {
			if sub.ResponseKey == "node" {
				link, _ := rec["node"].(graph.Link)
				w.push(w.entityTask(link.Ref, sub, out, fpOut))
				continue
			}
			if v, ok := rec[sub.ResponseKey]; ok {
				out[sub.ResponseKey] = v
				if w.fingerprint {
					fpOut[sub.ResponseKey] = scalarFingerprint(w.m.graph.GetVersion(edgeKey), v)
				}
			}
		}
	}
}
