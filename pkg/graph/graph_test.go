package graph

import (
	"testing"

	"github.com/lognorman20/dask/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraphValidatesClean(t *testing.T) {
	g := New()
	require.NoError(t, g.Validate())
}

func TestAddDependencyKeepsInverseConsistent(t *testing.T) {
	g := New()
	g.AddDependency("y", "x")

	assert.Equal(t, []types.Key{"x"}, g.Dependencies("y"))
	assert.Equal(t, []types.Key{"y"}, g.Dependents("x"))
	assert.NoError(t, g.Validate())
}

func TestWhoHasHasWhatStayConsistent(t *testing.T) {
	g := New()
	g.AddWhoHas("x", "alice:1234")

	assert.Contains(t, g.WhoHas("x"), types.WorkerAddress("alice:1234"))
	assert.Contains(t, g.HasWhat("alice:1234"), types.Key("x"))
	assert.NoError(t, g.Validate())

	g.RemoveWhoHas("x", "alice:1234")
	assert.Empty(t, g.WhoHas("x"))
	assert.Empty(t, g.HasWhat("alice:1234"))
}

func TestWhoWantsWantsWhatStayConsistent(t *testing.T) {
	g := New()
	g.AddWant("z", "client-1")

	assert.Contains(t, g.WhoWants("z"), types.ClientID("client-1"))
	assert.Contains(t, g.WantsWhat("client-1"), types.Key("z"))
	assert.NoError(t, g.Validate())
}

func TestValidateCatchesOverCommittedCores(t *testing.T) {
	g := New()
	g.SetNCores("alice:1234", 1)
	g.AddProcessing("alice:1234", "x")
	g.AddProcessing("alice:1234", "y")

	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invariant 7")
}

func TestReadyQueueIsFIFO(t *testing.T) {
	g := New()
	g.PushReady("a")
	g.PushReady("b")
	g.PushReady("c")

	first, ok := g.PopReady()
	require.True(t, ok)
	assert.Equal(t, types.Key("a"), first)

	assert.Equal(t, []types.Key{"b", "c"}, g.Ready())
}

func TestStacksAreLIFO(t *testing.T) {
	g := New()
	g.PushStack("alice:1234", "x")
	g.PushStack("alice:1234", "y")

	top, ok := g.PopStack("alice:1234")
	require.True(t, ok)
	assert.Equal(t, types.Key("y"), top)
}

func TestReleaseClearsBookkeeping(t *testing.T) {
	g := New()
	g.SetInPlay("x")
	g.AddWhoHas("x", "alice:1234")

	g.Release("x")

	assert.False(t, g.InPlay("x"))
	assert.True(t, g.IsReleased("x"))
	assert.Empty(t, g.WhoHas("x"))
}
