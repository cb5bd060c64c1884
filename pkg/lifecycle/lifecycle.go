// Package lifecycle implements the task lifecycle engine (spec §4.C):
// applying update-graph/task-finished/task-erred/missing-data/worker
// and client events to a graph.Graph, and the dispatch step that
// follows every event. Grounded on the teacher's
// pkg/manager/fsm.go Apply(log)/switch cmd.Op dispatch table,
// generalized from persisted Raft commands to live graph events, with
// error propagation modeled on the teacher's reconciler "mark failed,
// let the scheduler replace it" idiom generalized to "mark erred,
// propagate to descendants".
package lifecycle

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/healer"
	"github.com/lognorman20/dask/pkg/key"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/metrics"
	"github.com/lognorman20/dask/pkg/selector"
	"github.com/lognorman20/dask/pkg/types"
	"github.com/lognorman20/dask/pkg/wire"
)

// ReportQueueSize is the default per-client outbound buffer. A full
// queue drops the incoming notification rather than blocking the
// engine (spec §5: "the engine never blocks on a client queue").
const ReportQueueSize = 64

// ComputeQueueSize is the default per-worker compute-message buffer.
const ComputeQueueSize = 64

// Engine owns a graph.Graph plus the outbound queues the dispatch step
// writes to. It is not safe for concurrent use; pkg/engine's event
// loop is the single caller.
type Engine struct {
	Graph *graph.Graph

	reportQueues  map[types.ClientID]chan wire.ClientNotification
	computeQueues map[types.WorkerAddress]chan wire.ComputeTask // memoized by address, like a connection pool

	logger zerolog.Logger
}

// New returns an Engine over g.
func New(g *graph.Graph) *Engine {
	return &Engine{
		Graph:         g,
		reportQueues:  make(map[types.ClientID]chan wire.ClientNotification),
		computeQueues: make(map[types.WorkerAddress]chan wire.ComputeTask),
		logger:        log.WithComponent("lifecycle"),
	}
}

// AddClient registers a client session and returns its report queue.
func (e *Engine) AddClient(c types.ClientID) <-chan wire.ClientNotification {
	q := make(chan wire.ClientNotification, ReportQueueSize)
	e.reportQueues[c] = q
	e.notify(c, wire.ClientNotification{StreamStart: &wire.StreamStart{}})
	return q
}

// RemoveClient ends a client session: releases keys no longer wanted
// by anybody and with no remaining dependents (spec §4.C).
func (e *Engine) RemoveClient(c types.ClientID) {
	wanted := e.Graph.WantsWhat(c)
	for _, k := range wanted {
		e.Graph.RemoveWant(k, c)
	}
	e.Graph.RemoveClient(c)
	if q, ok := e.reportQueues[c]; ok {
		e.notify(c, wire.ClientNotification{StreamClosed: &wire.StreamClosed{}})
		delete(e.reportQueues, c)
		close(q)
	}

	for _, k := range wanted {
		e.releaseIfUnwanted(k)
	}
}

// ClientCount returns the number of currently registered client
// sessions, used by pkg/engine to report the dask_clients_total gauge.
func (e *Engine) ClientCount() int { return len(e.reportQueues) }

// ComputeQueue returns the (memoized) outbound channel for a worker,
// creating it on first use.
func (e *Engine) ComputeQueue(w types.WorkerAddress) chan wire.ComputeTask {
	q, ok := e.computeQueues[w]
	if !ok {
		q = make(chan wire.ComputeTask, ComputeQueueSize)
		e.computeQueues[w] = q
	}
	return q
}

// UpdateGraph merges a client's submitted tasks/dependencies into the
// store, registers their wants, and heals the whole in-play set so
// newly runnable keys are promoted to ready (spec §4.C).
func (e *Engine) UpdateGraph(msg wire.UpdateGraph) error {
	for k, hosts := range msg.Restrictions {
		hostSet := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			hostSet[h] = true
		}
		e.Graph.SetRestrictions(k, hostSet)
	}
	for k, loose := range msg.LooseRestrictions {
		if loose {
			e.Graph.SetLoose(k)
		}
	}

	// Fail fast if a hard restriction is already impossible given the
	// current cluster — already-accepted tasks are unaffected (spec §7).
	for k := range msg.Restrictions {
		if !e.Graph.IsLoose(k) {
			if _, err := selector.DecideWorker(e.Graph, k); err != nil {
				return fmt.Errorf("update-graph rejected for %s: %w", k, err)
			}
		}
	}

	for k, payload := range msg.Tasks {
		if e.Graph.HasTask(k) {
			// Idempotent resubmission: keep the existing task rather
			// than erroring, matching the at-least-once contract.
			e.logger.Debug().Str("key", string(k)).Msg("update-graph resubmitted an existing key, keeping original payload")
			continue
		}
		if len(k) == 0 {
			k = key.Normalize(uuid.NewString())
		}
		e.Graph.SetTask(k, payload)
	}
	for k, deps := range msg.Dependencies {
		for _, d := range deps {
			e.Graph.AddDependency(k, d)
		}
	}
	for _, k := range msg.Keys {
		e.Graph.AddWant(k, msg.Client)
	}

	outputs := e.outputKeys()
	healer.Heal(e.Graph, outputs)
	return nil
}

// outputKeys returns every key any client currently wants, which is
// the seed set Heal walks ancestors from. Reads WantedKeys directly
// rather than filtering AllKeys, since a just-submitted key isn't
// marked in-play until Heal itself decides it is reachable.
func (e *Engine) outputKeys() []types.Key {
	return e.Graph.WantedKeys()
}

// MarkTaskFinished records a successful completion and promotes newly
// unblocked dependents to ready (spec §4.C).
func (e *Engine) MarkTaskFinished(msg wire.TaskFinished) {
	e.removeFromPipeline(msg.Key)
	e.Graph.AddWhoHas(msg.Key, msg.Worker)
	e.Graph.SetNBytes(msg.Key, msg.NBytes)
	e.Graph.RemoveProcessing(msg.Worker, msg.Key)

	for _, d := range e.Graph.Dependents(msg.Key) {
		e.Graph.RemoveWaiting(d, msg.Key)
		if !e.Graph.IsWaiting(d) && !e.Graph.InWhoHas(d) {
			if _, processing := e.Graph.FindProcessingWorker(d); !processing && !e.onAnyStack(d) {
				e.Graph.PushReady(d)
			}
		}
	}

	for _, p := range e.Graph.Dependencies(msg.Key) {
		e.Graph.RemoveWaitingDataEntry(p, msg.Key)
		e.releaseIfUnwanted(p)
	}

	if e.Graph.IsWanted(msg.Key) {
		e.Graph.MarkFinished(msg.Key)
	}
	metrics.TasksFinishedTotal.Inc()

	for _, c := range e.Graph.WhoWants(msg.Key) {
		e.notify(c, wire.ClientNotification{
			KeyInMemory: &wire.KeyInMemory{
				Key:     msg.Key,
				TypeStr: msg.TypeStr,
				Workers: e.Graph.WhoHas(msg.Key),
			},
		})
	}
}

// MarkKeysAdded folds in an out-of-band key announcement: a worker
// claiming keys it was never dispatched for (spec §4.C treats this
// exactly like MarkTaskFinished per key, minus the NBytes step, since
// an add-keys message carries no byte count). Each key is taken out of
// waiting/ready/stack/processing before it is recorded in who_has.
func (e *Engine) MarkKeysAdded(worker types.WorkerAddress, keys []types.Key) {
	for _, k := range keys {
		e.removeFromPipeline(k)
		e.Graph.AddWhoHas(k, worker)

		for _, d := range e.Graph.Dependents(k) {
			e.Graph.RemoveWaiting(d, k)
			if !e.Graph.IsWaiting(d) && !e.Graph.InWhoHas(d) {
				if _, processing := e.Graph.FindProcessingWorker(d); !processing && !e.onAnyStack(d) {
					e.Graph.PushReady(d)
				}
			}
		}

		for _, p := range e.Graph.Dependencies(k) {
			e.Graph.RemoveWaitingDataEntry(p, k)
			e.releaseIfUnwanted(p)
		}

		if e.Graph.IsWanted(k) {
			e.Graph.MarkFinished(k)
		}

		for _, c := range e.Graph.WhoWants(k) {
			e.notify(c, wire.ClientNotification{
				KeyInMemory: &wire.KeyInMemory{
					Key:     k,
					Workers: e.Graph.WhoHas(k),
				},
			})
		}
	}
}

// MarkTaskErred records a user task failure and propagates it to
// every descendant, which each become erred with the same root cause
// (spec §4.C, S3).
func (e *Engine) MarkTaskErred(msg wire.TaskErred) {
	root := &types.Exception{
		Key:       msg.Key,
		Message:   msg.Exception,
		Traceback: msg.Traceback,
		RootKey:   msg.Key,
	}
	e.Graph.RemoveProcessing(msg.Worker, msg.Key)
	metrics.TasksErredTotal.WithLabelValues("root").Inc()
	e.propagateErred(msg.Key, root)
}

func (e *Engine) propagateErred(k types.Key, root *types.Exception) {
	descendant := &types.Exception{
		Key:       k,
		Message:   root.Message,
		Traceback: root.Traceback,
		RootKey:   root.RootKey,
	}
	e.Graph.SetErred(k, descendant)
	e.removeFromPipeline(k)
	if k != root.Key {
		metrics.TasksErredTotal.WithLabelValues("propagated").Inc()
	}

	for _, c := range e.Graph.WhoWants(k) {
		e.notify(c, wire.ClientNotification{
			TaskErred: &wire.ClientTaskErred{
				Key:       k,
				Exception: descendant.Message,
				Traceback: descendant.Traceback,
			},
		})
	}

	for _, d := range e.Graph.Dependents(k) {
		if _, already := e.Graph.Erred(d); already {
			continue
		}
		e.propagateErred(d, root)
	}
}

// removeFromPipeline drops k out of waiting/ready/stack/processing
// bookkeeping; it leaves who_has alone.
func (e *Engine) removeFromPipeline(k types.Key) {
	e.Graph.SetWaiting(k, nil)
	ready := e.Graph.Ready()
	stillReady := make([]types.Key, 0, len(ready))
	for _, r := range ready {
		if r != k {
			stillReady = append(stillReady, r)
		}
	}
	e.Graph.ClearReady()
	for _, r := range stillReady {
		e.Graph.PushReady(r)
	}
	for _, w := range e.Graph.Workers() {
		stack := e.Graph.Stack(w)
		e.Graph.ClearStack(w)
		for _, s := range stack {
			if s != k {
				e.Graph.PushStack(w, s)
			}
		}
		e.Graph.RemoveProcessing(w, k)
	}
}

// MarkMissingData handles a client or worker reporting that it can no
// longer find a result: drop residency and re-heal the affected keys
// back into the pipeline (spec §4.C, S4).
func (e *Engine) MarkMissingData(keys []types.Key) {
	for _, k := range keys {
		e.Graph.RemoveAllWhoHas(k)
	}
	newlyReady := healer.HealMissingData(e.Graph, keys)
	e.logger.Debug().Int("newly_ready", len(newlyReady)).Msg("missing-data recompute")
}

// AddWorker registers a new worker and folds any keys it already holds
// into who_has (spec §4.C). It does not touch the ready queue itself;
// the Dispatch pass that follows every event fills the new worker's
// free slots from it. keys already held by the worker are accepted even
// though the worker briefly holds them before being fully registered
// (the allow_overlap relaxation of invariant 2 in spec §4.A).
func (e *Engine) AddWorker(msg wire.AddWorker) {
	e.Graph.SetNCores(msg.Address, msg.NCores)
	for _, k := range msg.Keys {
		e.Graph.AddWhoHas(k, msg.Address)
	}
}

// RemoveWorker handles an unexpected worker loss: drains its stack
// and processing set back into ready/waiting, drops its residency
// records, and re-heals any key left without a single replica (spec
// §4.C, S2, open question 3 — a key still processing elsewhere stays
// processing and is only rescheduled on its own next event).
func (e *Engine) RemoveWorker(w types.WorkerAddress) {
	e.drainWorker(w, false)
}

// RetireWorker handles a graceful drain request: unlike RemoveWorker,
// it only reclaims the stack immediately and stops routing new work
// to w (by zeroing its cores); keys already processing on w are left
// alone and finish normally, matching the original's distinction
// between "died" and "asked to leave". The caller calls RemoveWorker
// once w reports empty to complete teardown. When nothing is
// processing on w at the time of the call, RetireWorker completes the
// teardown itself, as RemoveWorker would.
func (e *Engine) RetireWorker(w types.WorkerAddress) {
	e.drainWorker(w, true)
}

func (e *Engine) drainWorker(w types.WorkerAddress, graceful bool) {
	// Keys bounced off w never produced a result, so rerouting them
	// through HealMissingData (rather than pushing straight to ready)
	// lets it also re-derive any of THEIR dependents that were waiting
	// on them, exactly as it would for a genuine data loss.
	var lost []types.Key

	lost = append(lost, e.Graph.Stack(w)...)
	e.Graph.ClearStack(w)

	stillProcessing := len(e.Graph.Processing(w)) > 0
	if !graceful {
		for k := range e.Graph.Processing(w) {
			lost = append(lost, k)
		}
		stillProcessing = false
	}

	if graceful && stillProcessing {
		// Stop handing w new work but let what's already in flight
		// finish; the caller issues RemoveWorker once it drains to
		// complete the teardown below.
		e.Graph.SetNCores(w, 0)
		if len(lost) > 0 {
			healer.HealMissingData(e.Graph, lost)
		}
		return
	}

	for _, k := range e.Graph.HasWhat(w) {
		e.Graph.RemoveWhoHas(k, w)
		if !e.Graph.InWhoHas(k) {
			lost = append(lost, k)
		}
	}

	reason := "lost"
	if graceful {
		reason = "graceful"
	}
	metrics.WorkersRemovedTotal.WithLabelValues(reason).Inc()

	e.Graph.RemoveWorkerBookkeeping(w)
	delete(e.computeQueues, w)

	if len(lost) > 0 {
		healer.HealMissingData(e.Graph, lost)
	}
}

// releaseIfUnwanted releases p when it has no remaining waiting_data
// entries and nobody wants it (spec §3 invariant 4).
func (e *Engine) releaseIfUnwanted(p types.Key) {
	if len(e.Graph.WaitingData(p)) == 0 && !e.Graph.IsWanted(p) {
		e.Graph.Release(p)
	}
}

func (e *Engine) onAnyStack(k types.Key) bool {
	for _, w := range e.Graph.Workers() {
		for _, s := range e.Graph.Stack(w) {
			if s == k {
				return true
			}
		}
	}
	return false
}

// notify pushes a notification to a client's report queue without
// blocking: if the queue is full, the message is dropped and a
// warning logged (spec §5's report-queue backpressure contract). The
// stronger guarantee — that a worker's task-finished message itself
// is never dropped — is enforced upstream by pkg/engine's worker-reply
// channel, whose Report blocks when the buffer is full, not here.
func (e *Engine) notify(c types.ClientID, msg wire.ClientNotification) {
	q, ok := e.reportQueues[c]
	if !ok {
		return
	}
	select {
	case q <- msg:
	default:
		e.logger.Warn().Str("client", string(c)).Msg("report queue full, dropping notification")
	}
}

// Dispatch runs the post-event dispatch step (spec §4.C, §4.E): for
// every worker with a free slot, pull from ready via decide_worker,
// push onto that worker's stack, then pop the stack into processing
// and emit a compute-task message. Calling Dispatch with no new state
// changes is a no-op.
func (e *Engine) Dispatch() []DispatchedTask {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration)

	var dispatched []DispatchedTask

	for {
		progressed := false
		for _, w := range e.Graph.Workers() {
			free := e.Graph.NCores(w) - len(e.Graph.Processing(w)) - len(e.Graph.Stack(w))
			if free <= 0 {
				continue
			}
			k, ok := e.pullReadyFor(w)
			if !ok {
				continue
			}
			e.Graph.PushStack(w, k)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	for _, w := range e.Graph.Workers() {
		for len(e.Graph.Processing(w)) < e.Graph.NCores(w) {
			k, ok := e.Graph.PopStack(w)
			if !ok {
				break
			}
			e.Graph.AddProcessing(w, k)
			payload, _ := e.Graph.Payload(k)
			whoHas := make(map[types.Key][]types.WorkerAddress)
			for _, d := range e.Graph.Dependencies(k) {
				whoHas[d] = e.Graph.WhoHas(d)
			}
			task := wire.ComputeTask{Key: k, Payload: payload, WhoHas: whoHas}
			e.sendCompute(w, task)
			dispatched = append(dispatched, DispatchedTask{Worker: w, Key: k})
		}
	}

	return dispatched
}

// pullReadyFor pops the front of the global ready queue whose
// decide_worker result is w; it re-queues any ready key that
// decide_worker assigns elsewhere so a single dispatch pass still
// terminates (ready order is otherwise FIFO, spec §3).
func (e *Engine) pullReadyFor(w types.WorkerAddress) (types.Key, bool) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DecideWorkerDuration)

	ready := e.Graph.Ready()
	for i, k := range ready {
		chosen, err := selector.DecideWorker(e.Graph, k)
		if err != nil || chosen != w {
			continue
		}
		e.Graph.ClearReady()
		for j, r := range ready {
			if j != i {
				e.Graph.PushReady(r)
			}
		}
		return k, true
	}
	return "", false
}

func (e *Engine) sendCompute(w types.WorkerAddress, task wire.ComputeTask) {
	q := e.ComputeQueue(w)
	select {
	case q <- task:
		metrics.TasksDispatchedTotal.Inc()
	default:
		e.logger.Warn().Str("worker", string(w)).Str("key", string(task.Key)).Msg("compute queue full, dropping dispatch (will redispatch on next cycle)")
		e.Graph.RemoveProcessing(w, task.Key)
		e.Graph.PushReady(task.Key)
	}
}

// DispatchedTask records one dispatch decision, useful for tests and
// for the broadcast/feed surfaces to observe what just happened.
type DispatchedTask struct {
	Worker types.WorkerAddress
	Key    types.Key
}
