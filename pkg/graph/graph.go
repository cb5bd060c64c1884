// Package graph owns the scheduler's in-memory state: tasks,
// dependencies, data locations, and worker bookkeeping (spec §3, §4.A).
// Every mutation goes through a typed setter that keeps paired
// structures consistent — adding to who_has also updates has_what, the
// same "two tables updated together behind a small helper" discipline
// spec §9 calls for instead of a graph-with-back-pointers.
//
// Graph is not safe for concurrent use by multiple goroutines on its
// own; pkg/engine is the single writer, and Graph additionally exposes
// an RWMutex so read-only callers (pkg/httpapi, pkg/feed) can take a
// snapshot without going through the event channel — the same split
// the teacher's Scheduler/Reconciler use their own mu for while still
// treating the manager as the authority for writes.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lognorman20/dask/pkg/types"
)

// ErrInvariantViolation is returned by Validate when the graph's
// bookkeeping has drifted from the invariants in spec §3. It is a bug,
// not a recoverable condition; callers log it and, in strict mode,
// treat it as fatal (spec §7).
var ErrInvariantViolation = errors.New("graph: invariant violation")

// Graph holds every mapping from spec §3.
type Graph struct {
	mu sync.RWMutex

	tasks        map[types.Key]types.Payload
	dependencies map[types.Key]map[types.Key]bool
	dependents   map[types.Key]map[types.Key]bool

	waiting     map[types.Key]map[types.Key]bool
	waitingData map[types.Key]map[types.Key]bool
	ready       []types.Key // insertion order; FIFO dequeue

	stacks     map[types.WorkerAddress][]types.Key
	processing map[types.WorkerAddress]map[types.Key]bool

	whoHas  map[types.Key]map[types.WorkerAddress]bool
	hasWhat map[types.WorkerAddress]map[types.Key]bool

	nbytes map[types.Key]int64
	ncores map[types.WorkerAddress]int

	whoWants  map[types.Key]map[types.ClientID]bool
	wantsWhat map[types.ClientID]map[types.Key]bool

	restrictions      map[types.Key]map[string]bool
	looseRestrictions map[types.Key]bool

	inPlay          map[types.Key]bool
	finishedResults map[types.Key]bool
	released        map[types.Key]bool

	erred map[types.Key]*types.Exception
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		tasks:             make(map[types.Key]types.Payload),
		dependencies:      make(map[types.Key]map[types.Key]bool),
		dependents:        make(map[types.Key]map[types.Key]bool),
		waiting:           make(map[types.Key]map[types.Key]bool),
		waitingData:       make(map[types.Key]map[types.Key]bool),
		stacks:            make(map[types.WorkerAddress][]types.Key),
		processing:        make(map[types.WorkerAddress]map[types.Key]bool),
		whoHas:            make(map[types.Key]map[types.WorkerAddress]bool),
		hasWhat:           make(map[types.WorkerAddress]map[types.Key]bool),
		nbytes:            make(map[types.Key]int64),
		ncores:            make(map[types.WorkerAddress]int),
		whoWants:          make(map[types.Key]map[types.ClientID]bool),
		wantsWhat:         make(map[types.ClientID]map[types.Key]bool),
		restrictions:      make(map[types.Key]map[string]bool),
		looseRestrictions: make(map[types.Key]bool),
		inPlay:            make(map[types.Key]bool),
		finishedResults:   make(map[types.Key]bool),
		released:          make(map[types.Key]bool),
		erred:             make(map[types.Key]*types.Exception),
	}
}

// Lock/Unlock/RLock/RUnlock expose the store's mutex to the single
// writer (pkg/engine) and read-only snapshot callers.
func (g *Graph) Lock()    { g.mu.Lock() }
func (g *Graph) Unlock()  { g.mu.Unlock() }
func (g *Graph) RLock()   { g.mu.RLock() }
func (g *Graph) RUnlock() { g.mu.RUnlock() }

// --- task / dependency accessors -------------------------------------------------

func (g *Graph) HasTask(k types.Key) bool {
	_, ok := g.tasks[k]
	return ok
}

func (g *Graph) Payload(k types.Key) (types.Payload, bool) {
	p, ok := g.tasks[k]
	return p, ok
}

func (g *Graph) SetTask(k types.Key, p types.Payload) {
	g.tasks[k] = p
	g.inPlay[k] = true
}

// Dependencies returns the keys k depends on.
func (g *Graph) Dependencies(k types.Key) []types.Key {
	return setKeys(g.dependencies[k])
}

// Dependents returns the keys that depend on k.
func (g *Graph) Dependents(k types.Key) []types.Key {
	return setKeys(g.dependents[k])
}

// AddDependency records that k depends on d, keeping dependencies and
// dependents mutually consistent (invariant 1).
func (g *Graph) AddDependency(k, d types.Key) {
	if g.dependencies[k] == nil {
		g.dependencies[k] = make(map[types.Key]bool)
	}
	g.dependencies[k][d] = true
	if g.dependents[d] == nil {
		g.dependents[d] = make(map[types.Key]bool)
	}
	g.dependents[d][k] = true
}

// --- waiting / ready ---------------------------------------------------------------

func (g *Graph) Waiting(k types.Key) []types.Key { return setKeys(g.waiting[k]) }

func (g *Graph) SetWaiting(k types.Key, deps map[types.Key]bool) {
	if len(deps) == 0 {
		delete(g.waiting, k)
		return
	}
	g.waiting[k] = deps
}

func (g *Graph) RemoveWaiting(k, d types.Key) {
	if m, ok := g.waiting[k]; ok {
		delete(m, d)
		if len(m) == 0 {
			delete(g.waiting, k)
		}
	}
}

func (g *Graph) IsWaiting(k types.Key) bool {
	_, ok := g.waiting[k]
	return ok
}

func (g *Graph) WaitingData(k types.Key) []types.Key { return setKeys(g.waitingData[k]) }

func (g *Graph) SetWaitingData(k types.Key, deps map[types.Key]bool) {
	if len(deps) == 0 {
		delete(g.waitingData, k)
		return
	}
	g.waitingData[k] = deps
}

func (g *Graph) RemoveWaitingDataEntry(p, k types.Key) {
	if m, ok := g.waitingData[p]; ok {
		delete(m, k)
	}
}

// Ready returns the current ready queue in FIFO order without
// mutating it.
func (g *Graph) Ready() []types.Key {
	out := make([]types.Key, len(g.ready))
	copy(out, g.ready)
	return out
}

// PushReady appends a key to the back of the ready queue.
func (g *Graph) PushReady(k types.Key) {
	g.ready = append(g.ready, k)
}

// PopReady removes and returns the front of the ready queue.
func (g *Graph) PopReady() (types.Key, bool) {
	if len(g.ready) == 0 {
		return "", false
	}
	k := g.ready[0]
	g.ready = g.ready[1:]
	return k, true
}

// ClearReady empties the ready queue (used by heal when rebuilding it
// from scratch).
func (g *Graph) ClearReady() { g.ready = nil }

// --- stacks / processing ------------------------------------------------------------

func (g *Graph) Stack(w types.WorkerAddress) []types.Key {
	out := make([]types.Key, len(g.stacks[w]))
	copy(out, g.stacks[w])
	return out
}

func (g *Graph) PushStack(w types.WorkerAddress, k types.Key) {
	g.stacks[w] = append(g.stacks[w], k)
}

// PopStack pops the top (LIFO) of w's stack.
func (g *Graph) PopStack(w types.WorkerAddress) (types.Key, bool) {
	s := g.stacks[w]
	if len(s) == 0 {
		return "", false
	}
	k := s[len(s)-1]
	g.stacks[w] = s[:len(s)-1]
	return k, true
}

func (g *Graph) ClearStack(w types.WorkerAddress) {
	delete(g.stacks, w)
}

func (g *Graph) Processing(w types.WorkerAddress) map[types.Key]bool {
	return g.processing[w]
}

func (g *Graph) AddProcessing(w types.WorkerAddress, k types.Key) {
	if g.processing[w] == nil {
		g.processing[w] = make(map[types.Key]bool)
	}
	g.processing[w][k] = true
}

func (g *Graph) RemoveProcessing(w types.WorkerAddress, k types.Key) {
	if m, ok := g.processing[w]; ok {
		delete(m, k)
	}
}

// FindProcessingWorker returns the worker currently processing k, if
// any.
func (g *Graph) FindProcessingWorker(k types.Key) (types.WorkerAddress, bool) {
	for w, ks := range g.processing {
		if ks[k] {
			return w, true
		}
	}
	return "", false
}

// --- who_has / has_what --------------------------------------------------------------

func (g *Graph) WhoHas(k types.Key) []types.WorkerAddress {
	out := make([]types.WorkerAddress, 0, len(g.whoHas[k]))
	for w := range g.whoHas[k] {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *Graph) InWhoHas(k types.Key) bool {
	return len(g.whoHas[k]) > 0
}

func (g *Graph) HasWhat(w types.WorkerAddress) []types.Key {
	return setKeys(g.hasWhat[w])
}

// AddWhoHas records that worker w holds key k, keeping has_what in
// sync (invariant 6).
func (g *Graph) AddWhoHas(k types.Key, w types.WorkerAddress) {
	if g.whoHas[k] == nil {
		g.whoHas[k] = make(map[types.WorkerAddress]bool)
	}
	g.whoHas[k][w] = true
	if g.hasWhat[w] == nil {
		g.hasWhat[w] = make(map[types.Key]bool)
	}
	g.hasWhat[w][k] = true
}

// RemoveWhoHas removes the (k, w) residency pair from both tables.
func (g *Graph) RemoveWhoHas(k types.Key, w types.WorkerAddress) {
	if m, ok := g.whoHas[k]; ok {
		delete(m, w)
		if len(m) == 0 {
			delete(g.whoHas, k)
		}
	}
	if m, ok := g.hasWhat[w]; ok {
		delete(m, k)
		if len(m) == 0 {
			delete(g.hasWhat, w)
		}
	}
}

// RemoveAllWhoHas drops every residency record for k (used on
// missing-data and erred propagation).
func (g *Graph) RemoveAllWhoHas(k types.Key) {
	for w := range g.whoHas[k] {
		if m, ok := g.hasWhat[w]; ok {
			delete(m, k)
		}
	}
	delete(g.whoHas, k)
}

func (g *Graph) NBytes(k types.Key) (int64, bool) {
	n, ok := g.nbytes[k]
	return n, ok
}

func (g *Graph) SetNBytes(k types.Key, n int64) { g.nbytes[k] = n }

func (g *Graph) NCores(w types.WorkerAddress) int { return g.ncores[w] }

func (g *Graph) SetNCores(w types.WorkerAddress, n int) { g.ncores[w] = n }

func (g *Graph) RemoveWorkerBookkeeping(w types.WorkerAddress) {
	delete(g.ncores, w)
	delete(g.stacks, w)
	delete(g.processing, w)
	delete(g.hasWhat, w)
}

// Workers returns every worker address the store knows about (the
// candidate set decide_worker starts from).
func (g *Graph) Workers() []types.WorkerAddress {
	seen := make(map[types.WorkerAddress]bool)
	for w := range g.ncores {
		seen[w] = true
	}
	for w := range g.stacks {
		seen[w] = true
	}
	out := make([]types.WorkerAddress, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- who_wants / wants_what ------------------------------------------------------------

func (g *Graph) WhoWants(k types.Key) []types.ClientID {
	out := make([]types.ClientID, 0, len(g.whoWants[k]))
	for c := range g.whoWants[k] {
		out = append(out, c)
	}
	return out
}

func (g *Graph) IsWanted(k types.Key) bool { return len(g.whoWants[k]) > 0 }

func (g *Graph) AddWant(k types.Key, c types.ClientID) {
	if g.whoWants[k] == nil {
		g.whoWants[k] = make(map[types.ClientID]bool)
	}
	g.whoWants[k][c] = true
	if g.wantsWhat[c] == nil {
		g.wantsWhat[c] = make(map[types.Key]bool)
	}
	g.wantsWhat[c][k] = true
}

func (g *Graph) RemoveWant(k types.Key, c types.ClientID) {
	if m, ok := g.whoWants[k]; ok {
		delete(m, c)
		if len(m) == 0 {
			delete(g.whoWants, k)
		}
	}
	if m, ok := g.wantsWhat[c]; ok {
		delete(m, k)
	}
}

func (g *Graph) WantsWhat(c types.ClientID) []types.Key {
	return setKeys(g.wantsWhat[c])
}

func (g *Graph) RemoveClient(c types.ClientID) {
	delete(g.wantsWhat, c)
}

// --- restrictions ------------------------------------------------------------------------

func (g *Graph) Restrictions(k types.Key) map[string]bool { return g.restrictions[k] }

func (g *Graph) SetRestrictions(k types.Key, hosts map[string]bool) {
	if len(hosts) == 0 {
		return
	}
	g.restrictions[k] = hosts
}

func (g *Graph) IsLoose(k types.Key) bool { return g.looseRestrictions[k] }

func (g *Graph) SetLoose(k types.Key) { g.looseRestrictions[k] = true }

// --- in_play / released / finished --------------------------------------------------------

func (g *Graph) InPlay(k types.Key) bool { return g.inPlay[k] }

func (g *Graph) SetInPlay(k types.Key) { g.inPlay[k] = true }

func (g *Graph) Release(k types.Key) {
	delete(g.inPlay, k)
	delete(g.waiting, k)
	delete(g.waitingData, k)
	g.released[k] = true
	g.RemoveAllWhoHas(k)
}

func (g *Graph) IsReleased(k types.Key) bool { return g.released[k] }

func (g *Graph) MarkFinished(k types.Key) { g.finishedResults[k] = true }

func (g *Graph) IsFinished(k types.Key) bool { return g.finishedResults[k] }

func (g *Graph) SetErred(k types.Key, e *types.Exception) { g.erred[k] = e }

func (g *Graph) Erred(k types.Key) (*types.Exception, bool) {
	e, ok := g.erred[k]
	return e, ok
}

func (g *Graph) AllKeys() []types.Key {
	return setKeys(g.inPlay)
}

// TaskKeys returns every key with a registered task, whether or not it
// is currently in play. Heal uses this (not AllKeys) to discover newly
// submitted roots, since a key isn't marked in-play until Heal itself
// decides it is reachable.
func (g *Graph) TaskKeys() []types.Key {
	out := make([]types.Key, 0, len(g.tasks))
	for k := range g.tasks {
		out = append(out, k)
	}
	return out
}

// WantedKeys returns every key at least one client currently wants,
// regardless of whether it has been marked in-play yet.
func (g *Graph) WantedKeys() []types.Key {
	out := make([]types.Key, 0, len(g.whoWants))
	for k := range g.whoWants {
		out = append(out, k)
	}
	return out
}

func setKeys(m map[types.Key]bool) []types.Key {
	out := make([]types.Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Validate checks invariants 1-8 from spec §3 and returns a
// descriptive error wrapping ErrInvariantViolation on the first
// violation found. The tests call it; the engine's event loop does
// not.
func (g *Graph) Validate() error {
	// 1. dependents is the exact inverse of dependencies.
	for k, deps := range g.dependencies {
		for d := range deps {
			if !g.dependents[d][k] {
				return fmt.Errorf("%w: invariant 1: %s depends on %s but dependents[%s] missing %s", ErrInvariantViolation, k, d, d, k)
			}
		}
	}
	for d, deps := range g.dependents {
		for k := range deps {
			if !g.dependencies[k][d] {
				return fmt.Errorf("%w: invariant 1: %s is a dependent of %s but dependencies[%s] missing %s", ErrInvariantViolation, d, k, k, d)
			}
		}
	}

	// 2. a key is in at most one of waiting/ready/stack/processing/who_has
	// (membership in released is not checked here).
	location := make(map[types.Key]string)
	mark := func(k types.Key, loc string) error {
		if prev, ok := location[k]; ok && prev != loc {
			return fmt.Errorf("%w: invariant 2: %s present in both %s and %s", ErrInvariantViolation, k, prev, loc)
		}
		location[k] = loc
		return nil
	}
	for k := range g.waiting {
		if err := mark(k, "waiting"); err != nil {
			return err
		}
	}
	for _, k := range g.ready {
		if err := mark(k, "ready"); err != nil {
			return err
		}
	}
	for _, ks := range g.stacks {
		for _, k := range ks {
			if err := mark(k, "stack"); err != nil {
				return err
			}
		}
	}
	for _, ks := range g.processing {
		for k := range ks {
			if err := mark(k, "processing"); err != nil {
				return err
			}
		}
	}
	for k := range g.whoHas {
		if err := mark(k, "who_has"); err != nil {
			return err
		}
	}

	// 3. waiting[k] subseteq dependencies[k], and no waiting dep is in who_has.
	for k, deps := range g.waiting {
		for d := range deps {
			if !g.dependencies[k][d] {
				return fmt.Errorf("%w: invariant 3: waiting[%s] contains %s which is not a dependency", ErrInvariantViolation, k, d)
			}
			if g.InWhoHas(d) {
				return fmt.Errorf("%w: invariant 3: waiting[%s] contains %s which is already in who_has", ErrInvariantViolation, k, d)
			}
		}
	}

	// 4. waiting_data[k] == {d in dependents[k] : d in_play and d not in who_has}.
	// If that set is empty, k has dependents and nobody wants k, k should
	// already be released; a key with no dependents is an output and is kept.
	for _, k := range g.AllKeys() {
		expected := make(map[types.Key]bool)
		for d := range g.dependents[k] {
			if g.inPlay[d] && !g.InWhoHas(d) {
				expected[d] = true
			}
		}
		for d := range expected {
			if !g.waitingData[k][d] {
				return fmt.Errorf("%w: invariant 4: waiting_data[%s] missing dependent %s", ErrInvariantViolation, k, d)
			}
		}
		for d := range g.waitingData[k] {
			if !expected[d] {
				return fmt.Errorf("%w: invariant 4: waiting_data[%s] contains stale dependent %s", ErrInvariantViolation, k, d)
			}
		}
		if len(expected) == 0 && len(g.dependents[k]) > 0 && len(g.whoWants[k]) == 0 {
			return fmt.Errorf("%w: invariant 4: %s has no waiting dependents and no wanters but was not released", ErrInvariantViolation, k)
		}
	}

	// 5. a key is in ready iff its dependencies are all in who_has and it
	// is not already on a stack, processing, finished, or erred.
	readySet := make(map[types.Key]bool, len(g.ready))
	for _, k := range g.ready {
		readySet[k] = true
	}
	for k := range readySet {
		for d := range g.dependencies[k] {
			if !g.InWhoHas(d) {
				return fmt.Errorf("%w: invariant 5: ready contains %s but dependency %s is not in who_has", ErrInvariantViolation, k, d)
			}
		}
	}
	for _, k := range g.AllKeys() {
		switch location[k] {
		case "stack", "processing", "who_has":
			continue
		}
		if g.released[k] || g.erred[k] != nil {
			continue
		}
		depsReady := true
		for d := range g.dependencies[k] {
			if !g.InWhoHas(d) {
				depsReady = false
				break
			}
		}
		if depsReady && !readySet[k] {
			return fmt.Errorf("%w: invariant 5: %s has all dependencies satisfied but is not in ready", ErrInvariantViolation, k)
		}
	}

	// 6. has_what[w] == {k : w in who_has[k]}.
	derived := make(map[types.WorkerAddress]map[types.Key]bool)
	for k, ws := range g.whoHas {
		for w := range ws {
			if derived[w] == nil {
				derived[w] = make(map[types.Key]bool)
			}
			derived[w][k] = true
		}
	}
	for w, ks := range derived {
		for k := range ks {
			if !g.hasWhat[w][k] {
				return fmt.Errorf("%w: invariant 6: has_what[%s] missing %s", ErrInvariantViolation, w, k)
			}
		}
	}
	for w, ks := range g.hasWhat {
		for k := range ks {
			if !g.whoHas[k][w] {
				return fmt.Errorf("%w: invariant 6: who_has[%s] missing %s", ErrInvariantViolation, k, w)
			}
		}
	}

	// 7. sum of |processing[w]| <= sum of ncores[w].
	var totalProcessing, totalCores int
	for _, ks := range g.processing {
		totalProcessing += len(ks)
	}
	for _, n := range g.ncores {
		totalCores += n
	}
	if totalProcessing > totalCores {
		return fmt.Errorf("%w: invariant 7: processing count %d exceeds total cores %d", ErrInvariantViolation, totalProcessing, totalCores)
	}

	// 8. who_wants and wants_what are mutual inverses.
	for k, cs := range g.whoWants {
		for c := range cs {
			if !g.wantsWhat[c][k] {
				return fmt.Errorf("%w: invariant 8: wants_what[%s] missing %s", ErrInvariantViolation, c, k)
			}
		}
	}
	for c, ks := range g.wantsWhat {
		for k := range ks {
			if !g.whoWants[k][c] {
				return fmt.Errorf("%w: invariant 8: who_wants[%s] missing %s", ErrInvariantViolation, k, c)
			}
		}
	}

	return nil
}
