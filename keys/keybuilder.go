// Package keys builds the stable, deterministic RecordKey strings the rest
// of the cache uses to address records: field keys, concrete connection
// page keys, and canonical connection keys.
package keys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lockvoid/cachebay/plan"
)

// RootKey is the RecordKey of the synthetic root record.
const RootKey = "@"

// paginationArgs are excluded from canonical filter sets unconditionally,
// even when a field declares them in ConnectionFilters.
var paginationArgs = map[string]bool{
	"first":  true,
	"last":   true,
	"after":  true,
	"before": true,
}

// FieldKey returns the stable key a field occupies under its parent record:
// fieldName when its reduced args are empty, else "fieldName({argsJSON})"
// with args ordered per field.ArgNames.
func FieldKey(f *plan.Field, variables map[string]any) string {
	args := reducedArgs(f, variables)
	if len(args) == 0 {
		return f.FieldName
	}
	return f.FieldName + "(" + stableArgsJSON(f.ArgNames, args) + ")"
}

// ConnectionKey returns the concrete page key for a connection field given
// its parent record key: "@.{parent}.{fieldKey}", or "@.{fieldKey}" when
// parentKey is the root.
func ConnectionKey(f *plan.Field, parentKey string, variables map[string]any) string {
	fk := FieldKey(f, variables)
	if parentKey == RootKey {
		return RootKey + "." + fk
	}
	return RootKey + "." + parentKey + "." + fk
}

// CanonicalKey returns the canonical connection key for a field:
// "@connection.{parent?}.{connectionKey||fieldName}({filtersJSON})".
// first/last/after/before are always excluded from filtersJSON, even if
// declared in f.ConnectionFilters.
func CanonicalKey(f *plan.Field, parentKey string, variables map[string]any) string {
	name := f.ConnectionKey
	if name == "" {
		name = f.FieldName
	}

	filters := filterArgs(f, variables)
	head := "@connection."
	if parentKey != "" && parentKey != RootKey {
		head += parentKey + "."
	}
	return fmt.Sprintf("%s%s(%s)", head, name, stableArgsJSON(sortedNames(filters), filters))
}

// StableStringify renders an arbitrary value (typically a variables map)
// with object keys sorted at every nesting level. Used as part of the
// materializer result-cache key.
func StableStringify(v any) string {
	return string(stableValueJSON(v))
}

// reducedArgs evaluates f.Args against variables and drops args that aren't
// declared in f.ArgNames or that are nil/absent.
func reducedArgs(f *plan.Field, variables map[string]any) map[string]any {
	if f.Args == nil {
		return nil
	}
	raw := f.Args(variables)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for _, name := range f.ArgNames {
		if v, ok := raw[name]; ok && v != nil {
			out[name] = v
		}
	}
	return out
}

// filterArgs is like reducedArgs but scoped to the field's declared
// ConnectionFilters (default: every non-pagination arg), with pagination
// args unconditionally excluded.
func filterArgs(f *plan.Field, variables map[string]any) map[string]any {
	all := reducedArgs(f, variables)
	if len(all) == 0 {
		return nil
	}

	names := f.ConnectionFilters
	if names == nil {
		names = f.ArgNames
	}

	out := make(map[string]any, len(names))
	for _, name := range names {
		if paginationArgs[name] {
			continue
		}
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// stableArgsJSON renders args as an object whose top-level keys follow
// order (declared field order, omitting absent args), and whose nested
// values use lexicographic key order. This matches spec.md's "Args JSON"
// serialization rule.
func stableArgsJSON(order []string, args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for _, name := range order {
		v, ok := args[name]
		if !ok {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		keyJSON, _ := json.Marshal(name)
		buf.Write(keyJSON)
		buf.WriteByte(':')
		buf.Write(stableValueJSON(v))
	}
	buf.WriteByte('}')
	return buf.String()
}

// stableValueJSON marshals v with object keys sorted lexicographically at
// every nesting level, matching spec.md's "nested objects sorted by key"
// rule. It round-trips through json.Marshal/Unmarshal so arbitrary Go
// values (structs, maps, slices) are normalized the same way.
func stableValueJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}

	out, err := marshalSorted(generic)
	if err != nil {
		return raw
	}
	return out
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kJSON, _ := json.Marshal(k)
			buf.Write(kJSON)
			buf.WriteByte(':')
			child, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(child)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			child, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(child)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}
