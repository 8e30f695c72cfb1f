package documents

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/canonical"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/plan"
)

// samePointer reports whether a and b are backed by the identical map
// header, the way structural sharing is meant to be observed: testify's
// assert.Same only validates pointer-kind arguments, and a map value is
// not one, so identity here is checked directly off reflect.Value.Pointer.
func samePointer(a, b map[string]any) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func TestMaterializeRoundTripsNormalizedData(t *testing.T) {
	g, _, n := newTestSystem()
	m := NewMaterializer(g, nil, 16, nil, nil)
	p := simplePlan()

	n.Normalize(p, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"},
	})

	result := m.Materialize(MaterializeInput{Plan: p})
	require.Equal(t, SourceCanonical, result.Source)

	user := result.Data["user"].(map[string]any)
	assert.Equal(t, "Ada", user["name"])
	assert.Contains(t, result.Dependencies, "User:u1")
}

func TestMaterializeConnectionCanonicalVsStrict(t *testing.T) {
	g, _, n := newTestSystem()
	m := NewMaterializer(g, nil, 16, nil, nil)
	p, _ := connectionPlan()

	n.Normalize(p, map[string]any{"category": "tech", "first": 2}, map[string]any{
		"posts": map[string]any{
			"__typename": "PostConnection",
			"edges": []any{
				map[string]any{"cursor": "p1", "node": map[string]any{"__typename": "Post", "id": "p1"}},
			},
			"pageInfo": map[string]any{"startCursor": "p1", "hasNextPage": false},
		},
	})

	canonicalResult := m.Materialize(MaterializeInput{
		Plan:          p,
		Variables:     map[string]any{"category": "tech", "first": 2, "after": "p2"},
		CanonicalMode: ModeCanonical,
	})
	assert.Equal(t, SourceCanonical, canonicalResult.Source)

	strictResult := m.Materialize(MaterializeInput{
		Plan:          p,
		Variables:     map[string]any{"category": "tech", "first": 2, "after": "p2"},
		CanonicalMode: ModeStrict,
	})
	assert.Equal(t, SourceNone, strictResult.Source)
}

func TestMaterializeCachedReadIsHotWhenDependenciesUnchanged(t *testing.T) {
	g, _, n := newTestSystem()
	m := NewMaterializer(g, nil, 16, nil, nil)
	p := simplePlan()

	n.Normalize(p, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"},
	})

	first := m.Materialize(MaterializeInput{Plan: p, UpdateCache: true})
	assert.False(t, first.Hot)

	second := m.Materialize(MaterializeInput{Plan: p, PreferCache: true})
	assert.True(t, second.Hot)
}

func TestMaterializeInvalidatesOnWrite(t *testing.T) {
	g, _, n := newTestSystem()
	m := NewMaterializer(g, nil, 16, nil, nil)
	p := simplePlan()

	n.Normalize(p, nil, map[string]any{
		"user": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"},
	})

	m.Materialize(MaterializeInput{Plan: p, UpdateCache: true})

	g.PutRecord("User:u1", graph.Record{"name": "Grace"})

	second := m.Materialize(MaterializeInput{Plan: p, PreferCache: true})
	assert.False(t, second.Hot)
	user := second.Data["user"].(map[string]any)
	assert.Equal(t, "Grace", user["name"])
}

func TestMaterializeStructuralSharingReusesUnchangedSubtree(t *testing.T) {
	g, _, n := newTestSystem()
	m := NewMaterializer(g, nil, 16, nil, nil)

	nameField := &plan.Field{ResponseKey: "name", FieldName: "name"}
	titleField := &plan.Field{ResponseKey: "title", FieldName: "title"}
	postField := &plan.Field{
		ResponseKey:  "post",
		FieldName:    "post",
		SelectionSet: []*plan.Field{titleField},
		SelectionMap: map[string]*plan.Field{"title": titleField},
	}
	userField := &plan.Field{
		ResponseKey:  "user",
		FieldName:    "user",
		SelectionSet: []*plan.Field{nameField, postField},
		SelectionMap: map[string]*plan.Field{"name": nameField, "post": postField},
	}
	root := &plan.Field{SelectionSet: []*plan.Field{userField}, SelectionMap: map[string]*plan.Field{"user": userField}}
	p := &plan.Plan{Name: "UserWithPost", Root: root}

	g2 := graph.New(map[string]graph.KeyFunc{
		"User": userKeyFunc, "Post": userKeyFunc,
	}, nil)
	m2 := NewMaterializer(g2, nil, 16, nil, nil)
	n2 := NewNormalizer(g2, canonical.New(g2, nil), nil, nil)

	n2.Normalize(p, nil, map[string]any{
		"user": map[string]any{
			"__typename": "User", "id": "u1", "name": "Ada",
			"post": map[string]any{"__typename": "Post", "id": "p1", "title": "old"},
		},
	})

	first := m2.Materialize(MaterializeInput{Plan: p, Fingerprint: true, UpdateCache: true})
	firstUser := first.Data["user"].(map[string]any)
	firstPost := firstUser["post"].(map[string]any)

	g2.PutRecord("Post:p1", graph.Record{"title": "new"})

	second := m2.Materialize(MaterializeInput{Plan: p, Fingerprint: true, UpdateCache: true, Force: true})
	secondUser := second.Data["user"].(map[string]any)
	secondPost := secondUser["post"].(map[string]any)

	assert.NotEqual(t, "new", firstPost["title"])
	assert.Equal(t, "new", secondPost["title"])
	assert.False(t, samePointer(firstPost, secondPost), "post subtree must be rebuilt once its fingerprint changes")
	assert.False(t, samePointer(firstUser, secondUser), "user wrapper must be rebuilt when a descendant's fingerprint changes")

	g2.PutRecord("Post:p1", graph.Record{"title": "new"}) // no-op write: same value, no version bump

	third := m2.Materialize(MaterializeInput{Plan: p, Fingerprint: true, UpdateCache: true, Force: true})
	thirdUser := third.Data["user"].(map[string]any)
	thirdPost := thirdUser["post"].(map[string]any)

	assert.True(t, samePointer(secondPost, thirdPost), "unchanged post subtree must keep its prior identity")
	assert.True(t, samePointer(secondUser, thirdUser), "unchanged user subtree must keep its prior identity when nothing beneath it changed")
}
