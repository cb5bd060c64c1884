package key

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lognorman20/dask/pkg/types"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, types.Key("x"), Normalize("x"))
	assert.Equal(t, types.Key("x"), Normalize([]byte("x")))
	assert.Equal(t, types.Key("x"), Normalize(types.Key("x")))
	assert.Equal(t, types.Key("('x', 0)"), Normalize([]interface{}{"x", 0}))
	assert.Equal(t, types.Key("42"), Normalize(42))
}

func TestSplit(t *testing.T) {
	assert.Equal(t, "add", Split("add-1-2-3"))
	assert.Equal(t, "add", Split("add-4-5-6"))
	assert.Equal(t, "x", Split("x"))
}

func TestStrGraph(t *testing.T) {
	deps := map[interface{}][]interface{}{
		"b": {"a"},
		"a": {},
	}

	got := StrGraph(deps)

	assert.Equal(t, map[types.Key][]types.Key{
		"b": {"a"},
		"a": {},
	}, got)
}

func TestStrGraphNormalizesTupleKeysAndDeps(t *testing.T) {
	deps := map[interface{}][]interface{}{
		"sum": {[]interface{}{"x", 0}, []interface{}{"x", 1}},
	}

	got := StrGraph(deps)

	assert.Equal(t, []types.Key{"('x', 0)", "('x', 1)"}, got["sum"])
}

func TestStrGraphIsIdempotent(t *testing.T) {
	deps := map[interface{}][]interface{}{
		"b": {"a"},
	}

	first := StrGraph(deps)

	reinput := make(map[interface{}][]interface{}, len(first))
	for k, v := range first {
		vals := make([]interface{}, len(v))
		for i, d := range v {
			vals[i] = d
		}
		reinput[k] = vals
	}
	second := StrGraph(reinput)

	assert.Equal(t, first, second)
}
