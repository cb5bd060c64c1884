// Package selector implements decide_worker (spec §4.B): the pure
// function that picks a worker for a ready task. Grounded on the
// teacher's Scheduler.selectNode/selectNodeForService (candidate
// filtering + load-based tie-break over a node list), generalized
// here from "fewest running containers" to "most local bytes, then
// fewest stacked+processing".
package selector

import (
	"errors"
	"sort"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/types"
)

// ErrNoMatchingWorker is returned when a task's restrictions eliminate
// every candidate worker and the task is not loosely restricted.
var ErrNoMatchingWorker = errors.New("selector: no worker matches restrictions")

// DecideWorker returns the worker address that should run key, or
// ("", nil) if the cluster currently has no candidate workers at all
// (caller must handle — the task stays in ready). It never mutates g.
func DecideWorker(g *graph.Graph, key types.Key) (types.WorkerAddress, error) {
	candidates := g.Workers()

	if hosts := g.Restrictions(key); len(hosts) > 0 {
		restricted := filterByHost(candidates, hosts)
		if len(restricted) == 0 {
			if !g.IsLoose(key) {
				return "", ErrNoMatchingWorker
			}
			// Restriction dropped; fall through to the full
			// candidate set below (step 2's "restart from step 1").
		} else {
			candidates = restricted
		}
	}

	if len(candidates) == 0 {
		return "", nil
	}

	deps := g.Dependencies(key)
	bestBytes := int64(-1)
	var tied []types.WorkerAddress

	for _, w := range candidates {
		var local int64
		for _, d := range deps {
			if hasWorker(g.WhoHas(d), w) {
				n, _ := g.NBytes(d)
				local += n
			}
		}
		switch {
		case local > bestBytes:
			bestBytes = local
			tied = []types.WorkerAddress{w}
		case local == bestBytes:
			tied = append(tied, w)
		}
	}

	if len(tied) == 1 {
		return tied[0], nil
	}

	sort.Slice(tied, func(i, j int) bool {
		li := len(g.Stack(tied[i])) + len(g.Processing(tied[i]))
		lj := len(g.Stack(tied[j])) + len(g.Processing(tied[j]))
		if li != lj {
			return li < lj
		}
		return tied[i] < tied[j] // deterministic lexicographic tie-break
	})
	return tied[0], nil
}

func filterByHost(candidates []types.WorkerAddress, hosts map[string]bool) []types.WorkerAddress {
	out := candidates[:0:0]
	for _, c := range candidates {
		if hosts[c.Host()] {
			out = append(out, c)
		}
	}
	return out
}

func hasWorker(ws []types.WorkerAddress, w types.WorkerAddress) bool {
	for _, x := range ws {
		if x == w {
			return true
		}
	}
	return false
}
