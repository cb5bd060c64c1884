// Package healer rebuilds consistent scheduler bookkeeping from raw
// graph state and worker placement (spec §4.D): Heal after a graph
// update, HealMissingData after data loss. Grounded on the teacher's
// Reconciler (periodic repair pass that recomputes derived state from
// raw state and fixes drift rather than trusting cached fields),
// generalized from node/container health reconciliation to ancestor-
// walk graph healing.
package healer

import (
	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/metrics"
	"github.com/lognorman20/dask/pkg/types"
)

// Result is the output of Heal: the set of keys that just became
// eligible for dispatch.
type Result struct {
	NewlyReady []types.Key
}

// Heal rebuilds waiting, waiting_data, ready, released and
// finished_results from g's raw dependency graph and current
// placement (who_has/stacks/processing), per spec §4.D steps 1-6.
// outputs names the keys the caller still wants retained (client
// wants plus any key with no dependents). Heal is idempotent:
// Heal(Heal(g)) leaves g unchanged.
func Heal(g *graph.Graph, outputs []types.Key) Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealDuration)

	accessible := accessibleFrom(g, outputs)

	// step 2: cull anything previously tracked but no longer accessible.
	for _, k := range g.AllKeys() {
		if !accessible[k] {
			g.Release(k)
		}
	}
	for _, w := range g.Workers() {
		for _, k := range g.Stack(w) {
			if !accessible[k] {
				g.Release(k)
			}
		}
	}

	g.ClearReady()
	var newlyReady []types.Key

	for k := range accessible {
		g.SetInPlay(k)

		missing := make(map[types.Key]bool)
		for _, d := range g.Dependencies(k) {
			if !g.InWhoHas(d) {
				missing[d] = true
			}
		}
		g.SetWaiting(k, missing)

		_, processing := g.FindProcessingWorker(k)
		onStack := onAnyStack(g, k)

		if len(missing) == 0 && !g.InWhoHas(k) && !processing && !onStack {
			g.PushReady(k)
			newlyReady = append(newlyReady, k)
		} else if (processing || onStack) && len(missing) > 0 {
			// step 5: demote a stacked/processing key whose inputs are
			// no longer all in memory back to waiting.
			demote(g, k)
		}

		wd := make(map[types.Key]bool)
		for _, d := range g.Dependents(k) {
			if accessible[d] && !g.InWhoHas(d) {
				wd[d] = true
			}
		}
		g.SetWaitingData(k, wd)
	}

	for k := range accessible {
		if g.InWhoHas(k) && isOutput(k, outputs) {
			g.MarkFinished(k)
		}
	}

	return Result{NewlyReady: newlyReady}
}

// HealMissingData walks outward from every lost key in both
// directions — up its dependencies and down to anything depending on
// it — reinserting each affected key that is no longer present in
// who_has into waiting/waiting_data, demoting it out of ready/stack/
// processing if it had advanced past waiting on stale data, and
// returns the subset that (re)became ready as a result (spec §4.D,
// used by mark_missing_data and worker loss).
func HealMissingData(g *graph.Graph, lost []types.Key) []types.Key {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealDuration)
	metrics.KeysRecomputedTotal.Add(float64(len(lost)))

	toCheck := append([]types.Key(nil), lost...)
	visited := make(map[types.Key]bool)
	var newlyReady []types.Key

	for len(toCheck) > 0 {
		k := toCheck[0]
		toCheck = toCheck[1:]
		if visited[k] {
			continue
		}
		visited[k] = true

		if g.InWhoHas(k) {
			continue
		}

		missing := make(map[types.Key]bool)
		for _, d := range g.Dependencies(k) {
			if !g.InWhoHas(d) {
				missing[d] = true
				toCheck = append(toCheck, d)
			}
		}
		g.SetWaiting(k, missing)
		g.SetInPlay(k)
		demote(g, k)

		// k is no longer in memory, so each of its dependencies is
		// needed by k again.
		for _, p := range g.Dependencies(k) {
			wd := make(map[types.Key]bool)
			for _, w := range g.WaitingData(p) {
				wd[w] = true
			}
			wd[k] = true
			g.SetWaitingData(p, wd)
		}

		for _, d := range g.Dependents(k) {
			// d may have advanced past waiting while k still looked
			// available; re-derive its state from scratch too.
			if !g.InWhoHas(d) && !visited[d] {
				toCheck = append(toCheck, d)
			}
		}

		if len(missing) == 0 {
			g.PushReady(k)
			newlyReady = append(newlyReady, k)
		}
	}

	return newlyReady
}

func accessibleFrom(g *graph.Graph, outputs []types.Key) map[types.Key]bool {
	seed := append([]types.Key(nil), outputs...)
	for _, k := range g.TaskKeys() {
		if len(g.Dependents(k)) == 0 {
			seed = append(seed, k)
		}
	}

	accessible := make(map[types.Key]bool)
	stack := seed
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if accessible[k] {
			continue
		}
		accessible[k] = true
		stack = append(stack, g.Dependencies(k)...)
	}
	return accessible
}

func onAnyStack(g *graph.Graph, k types.Key) bool {
	for _, w := range g.Workers() {
		for _, s := range g.Stack(w) {
			if s == k {
				return true
			}
		}
	}
	return false
}

// demote removes k from wherever it currently sits downstream of
// waiting — ready, any worker's stack, or processing — so it can be
// safely re-marked waiting. A no-op if k isn't in any of those.
func demote(g *graph.Graph, k types.Key) {
	if w, ok := g.FindProcessingWorker(k); ok {
		g.RemoveProcessing(w, k)
	}
	for _, w := range g.Workers() {
		stack := g.Stack(w)
		for _, s := range stack {
			if s == k {
				g.ClearStack(w)
				for _, rest := range stack {
					if rest != k {
						g.PushStack(w, rest)
					}
				}
				break
			}
		}
	}

	ready := g.Ready()
	for _, r := range ready {
		if r == k {
			g.ClearReady()
			for _, rest := range ready {
				if rest != k {
					g.PushReady(rest)
				}
			}
			break
		}
	}
}

func isOutput(k types.Key, outputs []types.Key) bool {
	for _, o := range outputs {
		if o == k {
			return true
		}
	}
	return false
}
