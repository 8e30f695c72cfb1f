package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockvoid/cachebay/cacheerr"
	"github.com/lockvoid/cachebay/plan"
)

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, 512, c.Limits.MaterializeLRU)
	assert.NotNil(t, c.Logger)
	assert.NotNil(t, c.Metrics)
}

func TestWithKeyFuncRegistersPerType(t *testing.T) {
	fn := func(obj map[string]any) (string, bool) {
		id, ok := obj["id"].(string)
		return id, ok
	}

	c, err := New(WithKeyFunc("User", fn))
	require.NoError(t, err)
	assert.NotNil(t, c.Keys["User"])
}

func TestWithInterfaceBuildsImplementorIndex(t *testing.T) {
	c, err := New(WithInterface("Node", "User", "Post"))
	require.NoError(t, err)

	assert.True(t, c.IsImplementor("User", "Node"))
	assert.True(t, c.IsImplementor("Post", "Node"))
	assert.False(t, c.IsImplementor("Comment", "Node"))
}

func TestWithConnectionModeOverridesPerField(t *testing.T) {
	c, err := New(WithConnectionMode("Query", "search", plan.ModePage))
	require.NoError(t, err)

	assert.Equal(t, plan.ModePage, c.Connections["Query"]["search"].Mode)
}

func TestConnectionOverrideForReturnsConfiguredOverride(t *testing.T) {
	c, err := New(WithConnectionMode("Query", "search", plan.ModePage))
	require.NoError(t, err)

	ov, ok := c.ConnectionOverrideFor("Query", "search")
	require.True(t, ok)
	assert.Equal(t, plan.ModePage, ov.Mode)

	_, ok = c.ConnectionOverrideFor("Query", "other")
	assert.False(t, ok)
}

func TestNewRejectsNegativeMaterializeLRU(t *testing.T) {
	_, err := New(WithMaterializeLRU(-1))
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindConfig))
}

func TestNewRejectsCyclicInterfaceMap(t *testing.T) {
	_, err := New(
		WithInterface("A", "B"),
		WithInterface("B", "A"),
	)
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindConfig))
}

func TestNewRejectsInvalidConnectionOverride(t *testing.T) {
	_, err := New(WithConnectionMode("Query", "search", plan.ConnectionMode("bogus")))
	require.Error(t, err)
	assert.True(t, cacheerr.Is(err, cacheerr.KindConfig))
}
