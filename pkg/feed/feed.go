// Package feed implements the scheduler's subscription service (spec
// §4.F): clients attach a named {setup, sample, teardown} triple and
// receive periodic samples of scheduler state without ever blocking
// the engine's event loop. Grounded on the teacher's pkg/events.Broker
// (per-subscriber buffered channel, non-blocking broadcast send) fused
// with pkg/manager/metrics_collector.go's ticker-driven periodic
// sampling shape; samples are taken directly off graph.Graph under
// RLock rather than routed through the lifecycle engine, since
// sampling never mutates state.
package feed

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/key"
	"github.com/lognorman20/dask/pkg/log"
	"github.com/lognorman20/dask/pkg/metrics"
	"github.com/lognorman20/dask/pkg/wire"
)

// SampleQueueSize is the per-subscriber buffer; a full queue drops the
// newest sample rather than blocking the sampling goroutine (spec §5).
const SampleQueueSize = 16

// DefaultInterval is used when a request specifies a zero interval.
const DefaultInterval = time.Second

// Sampler produces one named sample of current scheduler state. It
// must not mutate g.
type Sampler func(g *graph.Graph) interface{}

// Samplers is the set of named, trusted sample functions a client may
// subscribe to — feed functions are restricted to this predefined
// registry rather than arbitrary serialized callables (spec design
// notes).
var Samplers = map[string]Sampler{
	"processing":         sampleProcessing,
	"memory-load":        sampleMemoryLoad,
	"memory-load-by-key": sampleMemoryLoadByKey,
	"info":               sampleInfo,
}

func sampleProcessing(g *graph.Graph) interface{} {
	out := make(map[string]int)
	for _, w := range g.Workers() {
		out[string(w)] = len(g.Processing(w)) + len(g.Stack(w))
	}
	return out
}

func sampleMemoryLoad(g *graph.Graph) interface{} {
	out := make(map[string]int64)
	for _, w := range g.Workers() {
		var total int64
		for _, k := range g.HasWhat(w) {
			n, _ := g.NBytes(k)
			total += n
		}
		out[string(w)] = total
	}
	return out
}

func sampleMemoryLoadByKey(g *graph.Graph) interface{} {
	out := make(map[string]int64)
	for _, w := range g.Workers() {
		for _, k := range g.HasWhat(w) {
			n, _ := g.NBytes(k)
			out[key.Split(k)] += n
		}
	}
	return out
}

func sampleInfo(g *graph.Graph) interface{} {
	workers := g.Workers()
	return map[string]int{
		"ready":   len(g.Ready()),
		"workers": len(workers),
		"tasks":   len(g.AllKeys()),
	}
}

type subscription struct {
	id       string
	sample   Sampler
	teardown Sampler
	interval time.Duration
	out      chan wire.FeedSample
	stop     chan struct{}
}

// Manager owns every live feed subscription against one graph.Graph.
type Manager struct {
	mu   sync.Mutex
	g    *graph.Graph
	subs map[string]*subscription

	logger zerolog.Logger
}

// NewManager returns a Manager sampling g.
func NewManager(g *graph.Graph) *Manager {
	return &Manager{
		g:      g,
		subs:   make(map[string]*subscription),
		logger: log.WithComponent("feed"),
	}
}

// Subscribe implements pkg/engine.FeedSink: it starts a sampling
// goroutine and, if the request carries a reply channel, hands back
// the subscriber's output channel. Unknown sampler names are logged
// and ignored rather than erroring the caller off the engine loop.
func (m *Manager) Subscribe(req wire.FeedRequest) {
	sampleFn, ok := Samplers[req.Sample]
	if !ok {
		m.logger.Warn().Str("sample", req.Sample).Msg("unknown feed sampler requested")
		return
	}

	interval := req.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	sub := &subscription{
		id:       uuid.NewString(),
		sample:   sampleFn,
		teardown: Samplers[req.Teardown],
		interval: interval,
		out:      make(chan wire.FeedSample, SampleQueueSize),
		stop:     make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub.id] = sub
	count := len(m.subs)
	m.mu.Unlock()
	metrics.FeedSubscriptionsTotal.Set(float64(count))

	if req.Reply != nil {
		req.Reply <- sub.out
	}

	if setupFn, ok := Samplers[req.Setup]; ok {
		m.emit(sub, req.Setup, setupFn)
	}

	go m.run(sub, req.Sample)
}

// Unsubscribe stops a subscription by id, running its teardown
// sampler (if any) before closing the channel.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	count := len(m.subs)
	m.mu.Unlock()
	if ok {
		metrics.FeedSubscriptionsTotal.Set(float64(count))
		close(sub.stop)
	}
}

func (m *Manager) run(sub *subscription, name string) {
	ticker := time.NewTicker(sub.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.emit(sub, name, sub.sample)
		case <-sub.stop:
			if sub.teardown != nil {
				m.emit(sub, "teardown", sub.teardown)
			}
			close(sub.out)
			return
		}
	}
}

func (m *Manager) emit(sub *subscription, name string, fn Sampler) {
	m.g.RLock()
	value := fn(m.g)
	m.g.RUnlock()

	select {
	case sub.out <- wire.FeedSample{Name: name, Value: value}:
	default:
		metrics.FeedSamplesDroppedTotal.Inc()
		m.logger.Warn().Str("subscription", sub.id).Msg("feed queue full, dropping sample")
	}
}
