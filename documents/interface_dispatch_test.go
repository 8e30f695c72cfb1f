package documents

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/canonical"
	"github.com/lockvoid/cachebay/config"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/plan"
)

func interfaceDispatchPlan() *plan.Plan {
	authorNameField := &plan.Field{ResponseKey: "name", FieldName: "name"}
	authorField := &plan.Field{
		ResponseKey:  "author",
		FieldName:    "author",
		SelectionSet: []*plan.Field{authorNameField},
		SelectionMap: map[string]*plan.Field{"name": authorNameField},
	}
	titleField := &plan.Field{ResponseKey: "title", FieldName: "title"}
	likesField := &plan.Field{ResponseKey: "likes", FieldName: "likes"}
	durationField := &plan.Field{ResponseKey: "duration", FieldName: "duration", TypeCondition: "AudioPost"}
	resolutionField := &plan.Field{ResponseKey: "resolution", FieldName: "resolution", TypeCondition: "VideoPost"}

	postField := &plan.Field{
		ResponseKey: "post",
		FieldName:   "post",
		SelectionSet: []*plan.Field{
			titleField, likesField, authorField, durationField, resolutionField,
		},
		SelectionMap: map[string]*plan.Field{
			"title": titleField, "likes": likesField, "author": authorField,
			"duration": durationField, "resolution": resolutionField,
		},
	}
	root := &plan.Field{SelectionSet: []*plan.Field{postField}, SelectionMap: map[string]*plan.Field{"post": postField}}
	return &plan.Plan{Name: "GetPost", Root: root}
}

// S6. Interface dispatch: a VideoPost emits only its own type-conditioned
// fields plus shared scalars; AudioPost-gated fields are omitted outright,
// never written as null.
func TestInterfaceDispatchEmitsOnlyMatchingTypeConditionedFields(t *testing.T) {
	g := graph.New(map[string]graph.KeyFunc{
		"VideoPost": userKeyFunc, "AudioPost": userKeyFunc, "User": userKeyFunc,
	}, nil)
	c := canonical.New(g, nil)
	cfg, err := config.New(config.WithInterface("Post", "AudioPost", "VideoPost"))
	require.NoError(t, err)

	n := NewNormalizer(g, c, cfg, nil)
	m := NewMaterializer(g, cfg, 16, nil, nil)
	p := interfaceDispatchPlan()

	n.Normalize(p, nil, map[string]any{
		"post": map[string]any{
			"__typename": "VideoPost", "id": "p1", "title": "t1", "likes": 5, "resolution": "1080p",
			"author": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"},
		},
	})

	result := m.Materialize(MaterializeInput{Plan: p, Fingerprint: true, UpdateCache: true})
	post := result.Data["post"].(map[string]any)

	assert.Equal(t, "t1", post["title"])
	assert.Equal(t, "1080p", post["resolution"])
	assert.NotContains(t, post, "duration")
}

// S7. Interface dispatch + structural sharing interaction: writing an
// unrelated sibling field on the VideoPost entity bumps its own version,
// but the AudioPost-gated omission stays frozen (never resurfaces as
// null), and an untouched nested subtree keeps its prior identity even
// though the entity's own wrapper map is rebuilt.
func TestInterfaceDispatchOmissionSurvivesUnrelatedSiblingWrite(t *testing.T) {
	g := graph.New(map[string]graph.KeyFunc{
		"VideoPost": userKeyFunc, "AudioPost": userKeyFunc, "User": userKeyFunc,
	}, nil)
	c := canonical.New(g, nil)
	cfg, err := config.New(config.WithInterface("Post", "AudioPost", "VideoPost"))
	require.NoError(t, err)

	n := NewNormalizer(g, c, cfg, nil)
	m := NewMaterializer(g, cfg, 16, nil, nil)
	p := interfaceDispatchPlan()

	n.Normalize(p, nil, map[string]any{
		"post": map[string]any{
			"__typename": "VideoPost", "id": "p1", "title": "t1", "likes": 5, "resolution": "1080p",
			"author": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"},
		},
	})

	first := m.Materialize(MaterializeInput{Plan: p, Fingerprint: true, UpdateCache: true})
	firstPost := first.Data["post"].(map[string]any)
	firstAuthor := firstPost["author"].(map[string]any)
	require.NotContains(t, firstPost, "duration")

	g.PutRecord("VideoPost:p1", graph.Record{"likes": 6}) // unrelated sibling field, bumps Post's own version

	second := m.Materialize(MaterializeInput{Plan: p, Fingerprint: true, UpdateCache: true, Force: true})
	secondPost := second.Data["post"].(map[string]any)
	secondAuthor := secondPost["author"].(map[string]any)

	assert.Equal(t, 6, secondPost["likes"])
	assert.NotContains(t, secondPost, "duration")
	assert.False(t, samePointerAny(firstPost, secondPost), "post wrapper is rebuilt once its own version bumps")
	assert.True(t, samePointerAny(firstAuthor, secondAuthor), "untouched author subtree keeps its prior identity")
}

func samePointerAny(a, b map[string]any) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
