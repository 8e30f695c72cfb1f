package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/graph"
)

func TestWatchFiresOnDependencyChange(t *testing.T) {
	g := graph.New(nil, nil)
	r := New(g)

	var fired bool
	unsub := r.Watch("q1", map[string]struct{}{"User:u1": {}}, func(touched map[string]struct{}) {
		fired = true
	})
	defer unsub()

	g.PutRecord("User:u1", graph.Record{"name": "a"})
	assert.True(t, fired)
}

func TestWatchDoesNotFireOnUnrelatedChange(t *testing.T) {
	g := graph.New(nil, nil)
	r := New(g)

	var fired bool
	unsub := r.Watch("q1", map[string]struct{}{"User:u1": {}}, func(touched map[string]struct{}) {
		fired = true
	})
	defer unsub()

	g.PutRecord("User:u2", graph.Record{"name": "a"})
	assert.False(t, fired)
}

func TestRefcountSharedAcrossMultipleWatchers(t *testing.T) {
	g := graph.New(nil, nil)
	r := New(g)

	unsub1 := r.Watch("q1", map[string]struct{}{"User:u1": {}}, func(map[string]struct{}) {})
	unsub2 := r.Watch("q1", map[string]struct{}{"User:u1": {}}, func(map[string]struct{}) {})

	require.Equal(t, 2, r.RefCount("q1"))

	unsub1()
	assert.Equal(t, 1, r.RefCount("q1"))

	unsub2()
	assert.Equal(t, 0, r.RefCount("q1"))
}

func TestUnsubscribeAtZeroDropsEntry(t *testing.T) {
	g := graph.New(nil, nil)
	r := New(g)

	var calls int
	unsub := r.Watch("q1", map[string]struct{}{"User:u1": {}}, func(map[string]struct{}) {
		calls++
	})
	unsub()

	g.PutRecord("User:u1", graph.Record{"name": "a"})
	assert.Equal(t, 0, calls)
}
