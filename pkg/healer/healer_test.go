package healer

import (
	"testing"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildChain(g *graph.Graph) {
	// x -> y -> z, output is z
	g.SetTask("x", types.Payload{Function: []byte("1")})
	g.SetTask("y", types.Payload{Function: []byte("inc")})
	g.SetTask("z", types.Payload{Function: []byte("inc")})
	g.AddDependency("y", "x")
	g.AddDependency("z", "y")
}

func TestHealPromotesRootsWithNoDeps(t *testing.T) {
	g := graph.New()
	buildChain(g)

	result := Heal(g, []types.Key{"z"})

	assert.Contains(t, result.NewlyReady, types.Key("x"))
	assert.True(t, g.IsWaiting("y"))
	assert.True(t, g.IsWaiting("z"))
	require.NoError(t, g.Validate())
}

func TestHealIsIdempotent(t *testing.T) {
	g := graph.New()
	buildChain(g)

	Heal(g, []types.Key{"z"})
	before := g.Ready()

	Heal(g, []types.Key{"z"})
	after := g.Ready()

	assert.Equal(t, before, after)
}

// orphan has no registered task at all, only a stale placement record
// from an earlier generation whose task definition is gone — the
// realistic shape of a key that accessibleFrom can no longer find a
// path to, since any key with a live task and no dependents is itself
// an implicit output (spec §4.D step 1).
func TestHealCullsUnreachableKeys(t *testing.T) {
	g := graph.New()
	buildChain(g)
	g.SetInPlay("orphan")
	g.AddWhoHas("orphan", "alice:1234")

	Heal(g, []types.Key{"z"})

	assert.True(t, g.IsReleased("orphan"))
}

func TestHealMissingDataRecoversLostKey(t *testing.T) {
	g := graph.New()
	buildChain(g)
	Heal(g, []types.Key{"z"})

	g.AddWhoHas("x", "alice:1234")
	g.RemoveWaiting("y", "x")
	g.PushReady("y")
	_, _ = g.PopReady()
	g.AddProcessing("alice:1234", "y")
	g.RemoveProcessing("alice:1234", "y")
	g.AddWhoHas("y", "alice:1234")
	g.RemoveWaiting("z", "y")
	g.PushReady("z")

	// z is in memory now too.
	g.AddWhoHas("z", "alice:1234")

	// Data loss: z's result vanishes.
	g.RemoveAllWhoHas("z")

	newlyReady := HealMissingData(g, []types.Key{"z"})

	assert.Contains(t, newlyReady, types.Key("z"))
	assert.False(t, g.IsWaiting("z"))
}
