package graph

// Link points from a record field to another record by key.
type Link struct {
	Ref string `json:"__ref"`
}

// LinkList points from a record field to an ordered list of other records.
type LinkList struct {
	Refs []string `json:"__refs"`
}

// Record is a flat mapping of field-keys to values. Values are JSON
// scalars (nil/bool/number/string), a Link, a LinkList, or an opaque JSON
// subvalue for fields that carry no selection.
type Record map[string]any

// clone returns a shallow copy of the record, used so callers never observe
// a record mid-mutation.
func (r Record) clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Typename returns the record's "__typename" field, or "" if absent.
func (r Record) Typename() string {
	if r == nil {
		return ""
	}
	if v, ok := r["__typename"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Fields returns a read-only copy of the record's underlying map.
func (r Record) Fields() map[string]any {
	return r.clone()
}

// valuesEqual reports whether two field values are identical for the
// purpose of deciding whether a write changed anything. Links/LinkLists
// compare by their referenced keys; everything else compares via ==
// where possible, falling back to a JSON-agnostic deep check for slices
// and maps carried as opaque JSON.
func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case Link:
		bv, ok := b.(Link)
		return ok && av.Ref == bv.Ref
	case LinkList:
		bv, ok := b.(LinkList)
		if !ok || len(av.Refs) != len(bv.Refs) {
			return false
		}
		for i := range av.Refs {
			if av.Refs[i] != bv.Refs[i] {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !valuesEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
