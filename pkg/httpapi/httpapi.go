// Package httpapi exposes the scheduler's read-only introspection
// surface: JSON snapshots of graph state plus broadcast/proxy
// pass-throughs to worker auxiliary endpoints. Grounded directly on
// original_source/distributed/http/scheduler.py's HTTPScheduler route
// table (Info, Processing, MemoryLoad, MemoryLoadByKey, Broadcast);
// transport style (net/http, explicit ServeMux) follows the teacher's
// use of net/http for its pprof mux in cmd/warren/main.go rather than
// a grpc-gateway.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/lognorman20/dask/pkg/broadcast"
	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/key"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/metrics"
	"github.com/lognorman20/dask/pkg/types"
)

// Server serves the introspection endpoints over a graph.Graph. It
// never writes to the graph; every handler takes an RLock snapshot.
type Server struct {
	Graph     *graph.Graph
	Broadcast *broadcast.Broadcaster
	mux       *http.ServeMux
}

// New builds a Server with every route registered.
func New(g *graph.Graph, b *broadcast.Broadcaster) *Server {
	s := &Server{Graph: g, Broadcast: b, mux: http.NewServeMux()}
	s.mux.HandleFunc("/info.json", instrument("info", s.handleInfo))
	s.mux.HandleFunc("/processing.json", instrument("processing", s.handleProcessing))
	s.mux.HandleFunc("/memory-load.json", instrument("memory-load", s.handleMemoryLoad))
	s.mux.HandleFunc("/memory-load-by-key.json", instrument("memory-load-by-key", s.handleMemoryLoadByKey))
	s.mux.HandleFunc("/broadcast/", instrument("broadcast", s.handleBroadcast))
	s.mux.HandleFunc("/proxy/", instrument("proxy", s.handleProxy))
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/health", metrics.HealthHandler())
	s.mux.HandleFunc("/ready", metrics.ReadyHandler())
	s.mux.HandleFunc("/live", metrics.LivenessHandler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// instrument wraps a route handler with the request-count and latency
// metrics served back out over the same /metrics endpoint.
func instrument(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithComponent("httpapi").Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.Graph.RLock()
	defer s.Graph.RUnlock()

	workers := s.Graph.Workers()
	cores := make(map[string]int, len(workers))
	for _, addr := range workers {
		cores[string(addr)] = s.Graph.NCores(addr)
	}

	writeJSON(w, map[string]interface{}{
		"workers": cores,
		"ready":   len(s.Graph.Ready()),
		"tasks":   len(s.Graph.AllKeys()),
	})
}

func (s *Server) handleProcessing(w http.ResponseWriter, _ *http.Request) {
	s.Graph.RLock()
	defer s.Graph.RUnlock()

	out := make(map[string][]types.Key)
	for _, addr := range s.Graph.Workers() {
		keys := make([]types.Key, 0)
		for k := range s.Graph.Processing(addr) {
			keys = append(keys, k)
		}
		out[string(addr)] = keys
	}
	writeJSON(w, out)
}

func (s *Server) handleMemoryLoad(w http.ResponseWriter, _ *http.Request) {
	s.Graph.RLock()
	defer s.Graph.RUnlock()

	out := make(map[string]int64)
	for _, addr := range s.Graph.Workers() {
		var total int64
		for _, k := range s.Graph.HasWhat(addr) {
			n, _ := s.Graph.NBytes(k)
			total += n
		}
		out[string(addr)] = total
	}
	writeJSON(w, out)
}

func (s *Server) handleMemoryLoadByKey(w http.ResponseWriter, _ *http.Request) {
	s.Graph.RLock()
	defer s.Graph.RUnlock()

	out := make(map[string]int64)
	for _, addr := range s.Graph.Workers() {
		for _, k := range s.Graph.HasWhat(addr) {
			n, _ := s.Graph.NBytes(k)
			out[key.Split(k)] += n
		}
	}
	writeJSON(w, out)
}

// handleBroadcast serves /broadcast/<path...>, forwarding <path> to
// every worker's auxiliary endpoint and collating the results.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.Broadcast == nil {
		http.Error(w, "broadcast not configured", http.StatusServiceUnavailable)
		return
	}
	path := "/" + strings.TrimPrefix(r.URL.Path, "/broadcast/")
	results := s.Broadcast.Do(r.Context(), path)

	out := make(map[string]interface{}, len(results))
	for _, res := range results {
		if res.Err != nil {
			out[string(res.Worker)] = map[string]string{"error": res.Err.Error()}
			continue
		}
		out[string(res.Worker)] = json.RawMessage(rawOrQuoted(res.Body))
	}
	writeJSON(w, out)
}

// handleProxy serves /proxy/<host>:<port>/<path...>, forwarding
// <path> to exactly one worker.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.Broadcast == nil {
		http.Error(w, "broadcast not configured", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/proxy/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "expected /proxy/<host>:<port>/<path>", http.StatusBadRequest)
		return
	}

	body, err := s.Broadcast.Proxy(r.Context(), types.WorkerAddress(parts[0]), "/"+parts[1])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Write(body)
}

func rawOrQuoted(b []byte) []byte {
	var js json.RawMessage
	if json.Unmarshal(b, &js) == nil {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
