// Package key normalizes arbitrary client-supplied task identifiers
// (strings, byte-strings, or nested tuples) into the canonical
// byte-string Key the scheduler stores internally, and rewrites
// references inside serialized call specs so they point at the
// canonical form. Grounded on the original scheduler's str_graph /
// key_split helpers (original_source/distributed/http/scheduler.py).
package key

import (
	"fmt"
	"strings"

	"github.com/lognorman20/dask/pkg/types"
)

// Normalize canonicalizes an arbitrary key value to types.Key. Tuples
// (represented here as []interface{}) are rendered to their textual
// representation before encoding, matching the source's tuple-key
// convention (e.g. ("x", 0) becomes "('x', 0)").
func Normalize(v interface{}) types.Key {
	switch t := v.(type) {
	case types.Key:
		return t
	case string:
		return types.Key(t)
	case []byte:
		return types.Key(t)
	case []interface{}:
		return types.Key(tupleString(t))
	default:
		return types.Key(fmt.Sprintf("%v", t))
	}
}

func tupleString(parts []interface{}) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range parts {
		if i > 0 {
			b.WriteString(", ")
		}
		switch v := p.(type) {
		case string:
			b.WriteByte('\'')
			b.WriteString(v)
			b.WriteByte('\'')
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	b.WriteByte(')')
	return b.String()
}

// StrGraph rewrites every key appearing as a map key or as a value
// inside deps in the given dependency map to its canonical form,
// returning a new map. It is idempotent: StrGraph(StrGraph(deps)) ==
// StrGraph(deps).
func StrGraph(deps map[interface{}][]interface{}) map[types.Key][]types.Key {
	out := make(map[types.Key][]types.Key, len(deps))
	for k, v := range deps {
		nk := Normalize(k)
		nv := make([]types.Key, len(v))
		for i, d := range v {
			nv[i] = Normalize(d)
		}
		out[nk] = nv
	}
	return out
}

// Split returns the prefix of a key before its first dash or digit
// run, used by the introspection surface to group keys from the same
// task family (e.g. "add-1-2-3" and "add-4-5-6" both split to "add").
func Split(k types.Key) string {
	s := string(k)
	for i, r := range s {
		if r == '-' || (r >= '0' && r <= '9') {
			if i == 0 {
				continue
			}
			return s[:i]
		}
	}
	return s
}
