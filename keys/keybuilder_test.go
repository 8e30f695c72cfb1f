package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/plan"
)

func postsField() *plan.Field {
	return &plan.Field{
		FieldName: "posts",
		ArgNames:  []string{"category", "first", "after"},
		Args: func(vars map[string]any) map[string]any {
			return vars
		},
		IsConnection:      true,
		ConnectionFilters: []string{"category"},
	}
}

func TestFieldKeyIsStableUnderArgOrder(t *testing.T) {
	f := postsField()

	v1 := map[string]any{"category": "tech", "first": 2, "after": nil}
	v2 := map[string]any{"after": nil, "first": 2, "category": "tech"}

	require.Equal(t, FieldKey(f, v1), FieldKey(f, v2))
	assert.Equal(t, `posts({"category":"tech","first":2})`, FieldKey(f, v1))
}

func TestFieldKeyNoArgsOmitsParens(t *testing.T) {
	f := &plan.Field{FieldName: "viewer"}
	assert.Equal(t, "viewer", FieldKey(f, nil))
}

func TestConnectionKeyRootVsNested(t *testing.T) {
	f := postsField()
	vars := map[string]any{"category": "tech", "first": 2}

	assert.Equal(t, `@.posts({"category":"tech","first":2})`, ConnectionKey(f, RootKey, vars))
	assert.Equal(t, `@.User:u1.posts({"category":"tech","first":2})`, ConnectionKey(f, "User:u1", vars))
}

func TestCanonicalKeyExcludesPaginationArgs(t *testing.T) {
	f := postsField()

	vars1 := map[string]any{"category": "tech", "first": 2, "after": nil}
	vars2 := map[string]any{"category": "tech", "first": 2, "after": "p2"}

	k1 := CanonicalKey(f, RootKey, vars1)
	k2 := CanonicalKey(f, RootKey, vars2)

	assert.Equal(t, k1, k2, "first/after must never affect the canonical identity")
	assert.Equal(t, `@connection.posts({"category":"tech"})`, k1)
}

func TestCanonicalKeyNestedParent(t *testing.T) {
	f := postsField()
	vars := map[string]any{"category": "tech"}
	assert.Equal(t, `@connection.User:u1.posts({"category":"tech"})`, CanonicalKey(f, "User:u1", vars))
}

func TestCanonicalKeyUsesConnectionKeyOverride(t *testing.T) {
	f := postsField()
	f.ConnectionKey = "feed"
	vars := map[string]any{"category": "tech"}
	assert.Equal(t, `@connection.feed({"category":"tech"})`, CanonicalKey(f, RootKey, vars))
}

func TestStableStringifySortsNestedKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": map[string]any{"z": 1, "y": 2}}
	assert.Equal(t, `{"a":{"y":2,"z":1},"b":1}`, StableStringify(v))
}
