// Package engine runs the scheduler's single-goroutine cooperative
// event loop (spec §4.E, §5): it owns the inbound client and worker
// channels, applies each message to a pkg/lifecycle.Engine, and runs a
// dispatch pass after every event. Grounded on the teacher's
// Scheduler.run()/Reconciler.run() select-loop shape, generalized from
// a ticker-driven periodic pass to an event-driven one, since spec §5
// requires dispatch after every state change rather than on a timer.
package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/lifecycle"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/metrics"
	"github.com/lognorman20/dask/pkg/types"
	"github.com/lognorman20/dask/pkg/wire"
)

// ClientQueueSize and WorkerQueueSize bound the engine's two inbound
// channels. Unlike a client's own report queue, these are never
// allowed to silently drop: a full inbound channel applies natural
// backpressure to its sender instead (spec §5 distinguishes "the
// engine's input" from "a client's output" for exactly this reason).
const (
	ClientQueueSize = 256
	WorkerQueueSize = 256
)

// Engine is the event loop. Construct with New, wire in a FeedSink if
// pkg/feed is in use, then call Run in its own goroutine.
type Engine struct {
	Lifecycle *lifecycle.Engine

	clientCh chan wire.ClientMessage
	workerCh chan wire.WorkerMessage

	feed FeedSink

	logger zerolog.Logger
}

// FeedSink receives feed subscription requests observed on the client
// channel. pkg/feed implements this by sampling the graph directly
// under RLock rather than routing through the lifecycle engine, since
// sampling never mutates state (spec §4.F).
type FeedSink interface {
	Subscribe(wire.FeedRequest)
}

// New returns an Engine whose lifecycle engine operates on g.
func New(g *graph.Graph) *Engine {
	return &Engine{
		Lifecycle: lifecycle.New(g),
		clientCh:  make(chan wire.ClientMessage, ClientQueueSize),
		workerCh:  make(chan wire.WorkerMessage, WorkerQueueSize),
		logger:    log.WithComponent("engine"),
	}
}

// SetFeedSink wires a feed manager in to receive Feed subscription
// requests. Optional — an engine with no feed sink simply logs and
// drops them.
func (e *Engine) SetFeedSink(f FeedSink) { e.feed = f }

// Submit enqueues a client message. Blocks if the client queue is
// full, applying backpressure to the caller.
func (e *Engine) Submit(msg wire.ClientMessage) { e.clientCh <- msg }

// Report enqueues a worker message. Blocks if the worker queue is
// full, applying backpressure to the caller.
func (e *Engine) Report(msg wire.WorkerMessage) { e.workerCh <- msg }

// ComputeQueue returns the outbound compute-task channel for w,
// memoized across calls the same way a grpc client would memoize a
// connection per peer (SPEC_FULL.md §11).
func (e *Engine) ComputeQueue(w types.WorkerAddress) <-chan wire.ComputeTask {
	return e.Lifecycle.ComputeQueue(w)
}

// Run drives the loop until ctx is cancelled. It is the only
// goroutine that ever mutates the underlying graph.Graph — every
// other caller reaches the engine through Submit/Report, or takes a
// read-only snapshot via graph.Graph.RLock (spec §5).
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Msg("engine started")
	defer e.logger.Info().Msg("engine stopped")

	g := e.Lifecycle.Graph
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-e.clientCh:
			if msg.Feed != nil {
				// Feed sampling takes its own read lock on the graph.
				e.applyClient(msg)
				continue
			}
			g.Lock()
			e.applyClient(msg)
			e.Lifecycle.Dispatch()
			e.updateGauges()
			g.Unlock()
		case msg := <-e.workerCh:
			g.Lock()
			e.applyWorker(msg)
			e.Lifecycle.Dispatch()
			e.updateGauges()
			g.Unlock()
		}
	}
}

// updateGauges refreshes the gauge metrics that describe current graph
// shape. Called after every dispatch pass rather than on its own
// ticker, since the engine already wakes up on every state change.
func (e *Engine) updateGauges() {
	g := e.Lifecycle.Graph

	metrics.WorkersTotal.Set(float64(len(g.Workers())))
	metrics.ClientsTotal.Set(float64(e.Lifecycle.ClientCount()))
	metrics.ReadyQueueDepth.Set(float64(len(g.Ready())))

	counts := map[string]float64{
		"waiting":    0,
		"processing": 0,
		"memory":     0,
		"erred":      0,
		"released":   0,
	}
	for _, k := range g.AllKeys() {
		_, erred := g.Erred(k)
		_, processing := g.FindProcessingWorker(k)

		switch {
		case g.IsReleased(k):
			counts["released"]++
		case erred:
			counts["erred"]++
		case g.InWhoHas(k):
			counts["memory"]++
		case processing:
			counts["processing"]++
		default:
			counts["waiting"]++
		}
	}
	for state, n := range counts {
		metrics.TasksTotal.WithLabelValues(state).Set(n)
	}
}

func (e *Engine) applyClient(msg wire.ClientMessage) {
	switch {
	case msg.RegisterClient != nil:
		q := e.Lifecycle.AddClient(msg.RegisterClient.Client)
		if msg.RegisterClient.Reply != nil {
			msg.RegisterClient.Reply <- q
		}
	case msg.UpdateGraph != nil:
		if err := e.Lifecycle.UpdateGraph(*msg.UpdateGraph); err != nil {
			e.logger.Warn().Err(err).Msg("update-graph rejected")
		}
	case msg.MissingData != nil:
		e.Lifecycle.MarkMissingData(msg.MissingData.Missing)
	case msg.CloseStream != nil:
		e.Lifecycle.RemoveClient(msg.CloseStream.Client)
	case msg.Close != nil:
		e.logger.Info().Msg("close requested; caller should cancel the run context")
	case msg.Feed != nil:
		if e.feed != nil {
			e.feed.Subscribe(*msg.Feed)
		} else {
			e.logger.Warn().Msg("feed request received with no feed sink wired")
		}
	}
}

func (e *Engine) applyWorker(msg wire.WorkerMessage) {
	switch {
	case msg.AddWorker != nil:
		e.Lifecycle.AddWorker(*msg.AddWorker)
	case msg.RemoveWorker != nil:
		if msg.RemoveWorker.Graceful {
			e.Lifecycle.RetireWorker(msg.RemoveWorker.Address)
		} else {
			e.Lifecycle.RemoveWorker(msg.RemoveWorker.Address)
		}
	case msg.TaskFinished != nil:
		e.Lifecycle.MarkTaskFinished(*msg.TaskFinished)
	case msg.TaskErred != nil:
		e.Lifecycle.MarkTaskErred(*msg.TaskErred)
	case msg.AddKeys != nil:
		e.Lifecycle.MarkKeysAdded(msg.AddKeys.Worker, msg.AddKeys.Keys)
	case msg.RemoveKeys != nil:
		e.Lifecycle.MarkMissingData(msg.RemoveKeys.Keys)
	case msg.Heartbeat != nil:
		// Liveness only; no state change.
	}
}
