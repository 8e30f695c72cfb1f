package cachebay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/cacheerr"
	"github.com/lockvoid/cachebay/config"
	"github.com/lockvoid/cachebay/documents"
	"github.com/lockvoid/cachebay/graph"
	"github.com/lockvoid/cachebay/optimistic"
	"github.com/lockvoid/cachebay/plan"
)

func idKeyFunc(obj map[string]any) (string, bool) {
	id, ok := obj["id"].(string)
	return id, ok
}

func newTestCache(t *testing.T) *Cache {
	cfg, err := config.New(
		config.WithKeyFunc("User", idKeyFunc),
		config.WithKeyFunc("Post", idKeyFunc),
	)
	require.NoError(t, err)

	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func userPlan() *plan.Plan {
	nameField := &plan.Field{ResponseKey: "name", FieldName: "name"}
	userField := &plan.Field{
		ResponseKey:  "user",
		FieldName:    "user",
		SelectionSet: []*plan.Field{nameField},
		SelectionMap: map[string]*plan.Field{"name": nameField},
	}
	root := &plan.Field{SelectionSet: []*plan.Field{userField}, SelectionMap: map[string]*plan.Field{"user": userField}}
	return &plan.Plan{Name: "GetUser", Root: root}
}

// S1. Round-trip normalization.
func TestRoundTripNormalizeMaterialize(t *testing.T) {
	c := newTestCache(t)
	p := userPlan()

	_, err := c.Normalize(NormalizeInput{
		Plan: p,
		Data: map[string]any{"user": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"}},
	})
	require.NoError(t, err)

	result, err := c.Materialize(documents.MaterializeInput{Plan: p})
	require.NoError(t, err)

	user := result.Data["user"].(map[string]any)
	assert.Equal(t, "Ada", user["name"])
}

func postsPlan() *plan.Plan {
	cursorField := &plan.Field{ResponseKey: "cursor", FieldName: "cursor"}
	nodeField := &plan.Field{ResponseKey: "node", FieldName: "node"}
	edgeField := &plan.Field{
		ResponseKey:  "edges",
		FieldName:    "edges",
		SelectionSet: []*plan.Field{cursorField, nodeField},
		SelectionMap: map[string]*plan.Field{"cursor": cursorField, "node": nodeField},
	}
	startCursor := &plan.Field{ResponseKey: "startCursor", FieldName: "startCursor"}
	endCursor := &plan.Field{ResponseKey: "endCursor", FieldName: "endCursor"}
	hasNext := &plan.Field{ResponseKey: "hasNextPage", FieldName: "hasNextPage"}
	pageInfoField := &plan.Field{
		ResponseKey:  "pageInfo",
		FieldName:    "pageInfo",
		SelectionSet: []*plan.Field{startCursor, endCursor, hasNext},
		SelectionMap: map[string]*plan.Field{"startCursor": startCursor, "endCursor": endCursor, "hasNextPage": hasNext},
	}
	postsField := &plan.Field{
		ResponseKey:       "posts",
		FieldName:         "posts",
		ArgNames:          []string{"category", "first", "after"},
		Args:              func(vars map[string]any) map[string]any { return vars },
		IsConnection:      true,
		ConnectionFilters: []string{"category"},
		SelectionSet:      []*plan.Field{edgeField, pageInfoField},
		SelectionMap:      map[string]*plan.Field{"edges": edgeField, "pageInfo": pageInfoField},
	}
	root := &plan.Field{SelectionSet: []*plan.Field{postsField}, SelectionMap: map[string]*plan.Field{"posts": postsField}}
	return &plan.Plan{Name: "ListPosts", Root: root}
}

func postPage(ids ...string) map[string]any {
	edges := make([]any, len(ids))
	for i, id := range ids {
		edges[i] = map[string]any{"cursor": id, "node": map[string]any{"__typename": "Post", "id": id}}
	}
	return map[string]any{
		"posts": map[string]any{
			"__typename": "PostConnection",
			"edges":      edges,
			"pageInfo": map[string]any{
				"startCursor": ids[0], "endCursor": ids[len(ids)-1], "hasNextPage": true,
			},
		},
	}
}

// S2. Canonical union of sequential pages.
func TestCanonicalUnionOfSequentialPages(t *testing.T) {
	c := newTestCache(t)
	p := postsPlan()

	_, err := c.Normalize(NormalizeInput{Plan: p, Variables: map[string]any{"category": "tech", "first": 2}, Data: postPage("p1", "p2")})
	require.NoError(t, err)

	_, err = c.Normalize(NormalizeInput{Plan: p, Variables: map[string]any{"category": "tech", "first": 2, "after": "p2"}, Data: postPage("p3", "p4")})
	require.NoError(t, err)

	result, err := c.Materialize(documents.MaterializeInput{
		Plan: p, Variables: map[string]any{"category": "tech"}, CanonicalMode: documents.ModeCanonical,
	})
	require.NoError(t, err)

	posts := result.Data["posts"].(map[string]any)
	edges := posts["edges"].([]any)
	require.Len(t, edges, 4)

	pageInfo := posts["pageInfo"].(map[string]any)
	assert.Equal(t, "p1", pageInfo["startCursor"])
	assert.Equal(t, "p4", pageInfo["endCursor"])
}

// S3. Prepend then revert.
func TestOptimisticPrependThenRevert(t *testing.T) {
	c := newTestCache(t)
	p := postsPlan()

	_, err := c.Normalize(NormalizeInput{Plan: p, Variables: map[string]any{"category": "tech", "first": 2}, Data: postPage("p1", "p2")})
	require.NoError(t, err)

	h := c.BeginOptimistic(func(b *optimistic.Builder) {
		b.Connection("", "posts", `{"category":"tech"}`).Prepend(
			"opt.edges.p0",
			graph.Record{"__typename": "Post", "id": "p0"},
			graph.Record{"cursor": "p0"},
		)
	})

	result, err := c.Materialize(documents.MaterializeInput{Plan: p, Variables: map[string]any{"category": "tech"}})
	require.NoError(t, err)
	edges := result.Data["posts"].(map[string]any)["edges"].([]any)
	require.Len(t, edges, 3)

	h.Revert()

	result, err = c.Materialize(documents.MaterializeInput{Plan: p, Variables: map[string]any{"category": "tech"}})
	require.NoError(t, err)
	edges = result.Data["posts"].(map[string]any)["edges"].([]any)
	assert.Len(t, edges, 2)
}

// S4. Strict vs canonical.
func TestStrictVsCanonicalAcceptance(t *testing.T) {
	c := newTestCache(t)
	p := postsPlan()

	_, err := c.Normalize(NormalizeInput{Plan: p, Variables: map[string]any{"category": "tech", "first": 2}, Data: postPage("p1", "p2")})
	require.NoError(t, err)

	canonicalResult, err := c.Materialize(documents.MaterializeInput{
		Plan: p, Variables: map[string]any{"category": "tech", "first": 2, "after": "p2"}, CanonicalMode: documents.ModeCanonical,
	})
	require.NoError(t, err)
	assert.Equal(t, documents.SourceCanonical, canonicalResult.Source)

	strictResult, err := c.Materialize(documents.MaterializeInput{
		Plan: p, Variables: map[string]any{"category": "tech", "first": 2, "after": "p2"}, CanonicalMode: documents.ModeStrict,
	})
	require.NoError(t, err)
	assert.Equal(t, documents.SourceNone, strictResult.Source)
}

// S5. Fingerprint change propagation.
func TestFingerprintChangePropagation(t *testing.T) {
	c := newTestCache(t)

	titleField := &plan.Field{ResponseKey: "title", FieldName: "title"}
	commentsNode := &plan.Field{ResponseKey: "node", FieldName: "node", SelectionSet: []*plan.Field{titleField}, SelectionMap: map[string]*plan.Field{"title": titleField}}
	_ = commentsNode
	postField := &plan.Field{
		ResponseKey:  "post",
		FieldName:    "post",
		SelectionSet: []*plan.Field{titleField},
		SelectionMap: map[string]*plan.Field{"title": titleField},
	}
	userField := &plan.Field{
		ResponseKey:  "user",
		FieldName:    "user",
		SelectionSet: []*plan.Field{postField},
		SelectionMap: map[string]*plan.Field{"post": postField},
	}
	root := &plan.Field{SelectionSet: []*plan.Field{userField}, SelectionMap: map[string]*plan.Field{"user": userField}}
	p := &plan.Plan{Name: "UserPost", Root: root}

	_, err := c.Normalize(NormalizeInput{
		Plan: p,
		Data: map[string]any{"user": map[string]any{
			"__typename": "User", "id": "u1",
			"post": map[string]any{"__typename": "Post", "id": "p1", "title": "old"},
		}},
	})
	require.NoError(t, err)

	first, err := c.Materialize(documents.MaterializeInput{Plan: p, Fingerprint: true})
	require.NoError(t, err)
	firstUserFP := first.Fingerprints["user"].(map[string]any)
	firstPostFP := firstUserFP["post"].(map[string]any)["__version"]

	c.PutRecord("Post:p1", graph.Record{"title": "new"})

	second, err := c.Materialize(documents.MaterializeInput{Plan: p, Fingerprint: true})
	require.NoError(t, err)
	secondUserFP := second.Fingerprints["user"].(map[string]any)
	secondPostFP := secondUserFP["post"].(map[string]any)["__version"]

	assert.NotEqual(t, firstPostFP, secondPostFP)
	assert.NotEqual(t, first.Fingerprints["user"].(map[string]any)["__version"], second.Fingerprints["user"].(map[string]any)["__version"])
}

func TestReentrantMaterializeOnSamePlanIsRejected(t *testing.T) {
	c := newTestCache(t)
	p := userPlan()

	_, err := c.Normalize(NormalizeInput{
		Plan: p,
		Data: map[string]any{"user": map[string]any{"__typename": "User", "id": "u1", "name": "Ada"}},
	})
	require.NoError(t, err)

	var innerErr error
	unsub := c.watch.Watch("reentrancy-probe", map[string]struct{}{"User:u1": {}}, func(map[string]struct{}) {
		_, innerErr = c.Materialize(documents.MaterializeInput{Plan: p})
	})
	defer unsub()

	// A Normalize on p writes User:u1 and fires the watch callback while p
	// is still in flight, so the nested Materialize on p must be rejected.
	_, err = c.Normalize(NormalizeInput{
		Plan: p,
		Data: map[string]any{"user": map[string]any{"__typename": "User", "id": "u1", "name": "Grace"}},
	})
	require.NoError(t, err)
	require.Error(t, innerErr)
	assert.True(t, cacheerr.Is(innerErr, cacheerr.KindReentrancy))
}
