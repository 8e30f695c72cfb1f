// Package plan defines the pre-compiled selection tree the cache core
// consumes. A Plan is produced by an external document compiler (out of
// scope for this module) and handed to Normalize/Materialize alongside
// variables.
package plan

// ConnectionMode controls how Canonical assembles a field's pages.
type ConnectionMode string

const (
	// ModeInfinite unions every page written for the (parent, field, filters)
	// identity into one ordered edge list (default).
	ModeInfinite ConnectionMode = "infinite"

	// ModePage treats each write as replacing the canonical view with the
	// latest page only.
	ModePage ConnectionMode = "page"
)

// ArgsFunc extracts a field's concrete arguments from request variables.
type ArgsFunc func(variables map[string]any) map[string]any

// Field is one node of a compiled selection tree.
type Field struct {
	// ResponseKey is the key this field occupies in the response tree
	// (the GraphQL alias, or FieldName when no alias was used).
	ResponseKey string

	// FieldName is the underlying schema field name.
	FieldName string

	// ArgNames is the declared, ordered list of argument names for this
	// field. KeyBuilder uses this order, never variable iteration order.
	ArgNames []string

	// Args extracts this field's arguments from the operation's variables.
	// May be nil for fields that take no arguments.
	Args ArgsFunc

	// TypeCondition names the type this field is gated behind when it
	// comes from an inline fragment (e.g. "VideoPost"). Empty for fields
	// that apply unconditionally.
	TypeCondition string

	// SelectionSet is the ordered list of child fields. Nil for scalar
	// leaves.
	SelectionSet []*Field

	// SelectionMap indexes SelectionSet by ResponseKey for O(1) lookup
	// during materialization. Kept in sync with SelectionSet by the
	// compiler.
	SelectionMap map[string]*Field

	// IsConnection marks this field as a Relay-style paginated connection.
	IsConnection bool

	// ConnectionFilters names the args (besides first/last/after/before)
	// that participate in the canonical connection's identity. A nil
	// slice means "every non-pagination arg".
	ConnectionFilters []string

	// ConnectionKey overrides the field name used in the canonical key,
	// letting two differently-named fields (e.g. "posts" and
	// "recentPosts") share one canonical identity.
	ConnectionKey string

	// ConnectionMode selects infinite-union vs single-page semantics.
	// Empty defaults to ModeInfinite.
	ConnectionMode ConnectionMode
}

// Mode returns the field's effective connection mode.
func (f *Field) Mode() ConnectionMode {
	if f.ConnectionMode == "" {
		return ModeInfinite
	}
	return f.ConnectionMode
}

// Plan is the compiled form of one document (query, mutation, or fragment).
type Plan struct {
	// Name identifies the operation for logging and result-cache labeling.
	Name string

	// Root is the top-level selection, rooted at the query/mutation root
	// or, for a fragment, at the fragment's type.
	Root *Field

	// IsMutation marks operations whose Normalizer pass must not create
	// parent->entity links from the root (see documents.Normalizer).
	IsMutation bool
}
