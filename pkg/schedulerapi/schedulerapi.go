// Package schedulerapi wires every component — graph, selector (used
// indirectly via lifecycle), lifecycle, healer, engine, feed, and
// broadcast — into one Scheduler value with New/Start/Stop,
// following the construction style of the teacher's
// pkg/scheduler.Scheduler and pkg/manager.Manager: a top-level type
// that owns every subcomponent and assembles them in its constructor.
package schedulerapi

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/lognorman20/dask/pkg/broadcast"
	"github.com/lognorman20/dask/pkg/config"
	"github.com/lognorman20/dask/pkg/engine"
	"github.com/lognorman20/dask/pkg/feed"
	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/httpapi"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/metrics"
	"github.com/lognorman20/dask/pkg/wire"
)

// Scheduler owns one cluster's worth of scheduler state.
type Scheduler struct {
	Graph     *graph.Graph
	Engine    *engine.Engine
	Feed      *feed.Manager
	Broadcast *broadcast.Broadcaster
	HTTP      *httpapi.Server

	cfg        config.Scheduler
	httpServer *http.Server
	cancel     context.CancelFunc
	logger     zerolog.Logger
}

// New assembles a Scheduler from cfg. Nothing runs until Start.
func New(cfg config.Scheduler) *Scheduler {
	g := graph.New()
	eng := engine.New(g)
	feedMgr := feed.NewManager(g)
	eng.SetFeedSink(feedMgr)

	bc := broadcast.New(g, &broadcast.HTTPClient{AuxPort: cfg.BroadcastAux})
	httpSrv := httpapi.New(g, bc)

	metrics.SetCriticalComponents("engine", "httpapi")

	return &Scheduler{
		Graph:     g,
		Engine:    eng,
		Feed:      feedMgr,
		Broadcast: bc,
		HTTP:      httpSrv,
		cfg:       cfg,
		logger:    log.WithComponent("schedulerapi"),
	}
}

// Start launches the event loop goroutine and the introspection HTTP
// server. It returns once both are listening; call Stop to tear down.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.Engine.Run(runCtx)
	metrics.RegisterComponent("engine", true, "")

	if s.cfg.HTTPAddr != "" {
		s.httpServer = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.HTTP}
		go func() {
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				metrics.UpdateComponent("httpapi", false, err.Error())
				s.logger.Error().Err(err).Msg("introspection server stopped unexpectedly")
			}
		}()
		metrics.RegisterComponent("httpapi", true, "")
	}

	s.logger.Info().Str("http_addr", s.cfg.HTTPAddr).Msg("scheduler started")
	return nil
}

// Stop cancels the event loop and shuts the HTTP server down.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	metrics.UpdateComponent("engine", false, "stopped")
	if s.httpServer != nil {
		metrics.UpdateComponent("httpapi", false, "stopped")
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Submit enqueues a client message on the engine.
func (s *Scheduler) Submit(msg wire.ClientMessage) { s.Engine.Submit(msg) }

// Report enqueues a worker message on the engine.
func (s *Scheduler) Report(msg wire.WorkerMessage) { s.Engine.Report(msg) }
