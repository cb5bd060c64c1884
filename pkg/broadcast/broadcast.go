// Package broadcast fans a request out to every worker and collects
// per-worker responses, never letting one worker's failure abort the
// others. Grounded on original_source/distributed/http/scheduler.py's
// Broadcast handler (gen.coroutine fan-out, yield all, collate into
// one dict keyed by worker address).
package broadcast

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lognorman20/dask/pkg/graph"
	"github.com/lognorman20/dask/pkg/types"
)

// DefaultTimeout bounds a single worker's response time so one
// unresponsive worker cannot hold up the whole broadcast.
const DefaultTimeout = 5 * time.Second

// Result is one worker's outcome.
type Result struct {
	Worker types.WorkerAddress
	Body   []byte
	Err    error
}

// Client performs the per-worker HTTP call a Broadcaster fans out.
// Production wiring uses http.DefaultClient; tests substitute a fake.
type Client interface {
	Do(ctx context.Context, worker types.WorkerAddress, path string) ([]byte, error)
}

// HTTPClient is the default Client, issuing a GET against
// http://<worker-host>:<auxPort><path> for each worker. Workers
// expose an auxiliary HTTP port alongside their compute port; the
// scheduler never talks to the compute channel itself.
type HTTPClient struct {
	HTTP    *http.Client
	AuxPort int
}

func (c *HTTPClient) Do(ctx context.Context, worker types.WorkerAddress, path string) ([]byte, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	url := "http://" + worker.Host() + auxAddr(c.AuxPort) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

func auxAddr(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

// Broadcaster fans a request out to every worker known to a graph.
type Broadcaster struct {
	Graph   *graph.Graph
	Client  Client
	Timeout time.Duration
}

// New returns a Broadcaster reading worker membership from g.
func New(g *graph.Graph, client Client) *Broadcaster {
	return &Broadcaster{Graph: g, Client: client, Timeout: DefaultTimeout}
}

// Do calls path against every worker concurrently and returns one
// Result per worker — a per-worker error never prevents the other
// results from being collected (spec: broadcast/proxy fan-out).
func (b *Broadcaster) Do(ctx context.Context, path string) []Result {
	b.Graph.RLock()
	workers := b.Graph.Workers()
	b.Graph.RUnlock()

	results := make([]Result, len(workers))
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, b.timeout())
			defer cancel()
			body, err := b.Client.Do(callCtx, w, path)
			results[i] = Result{Worker: w, Body: body, Err: err}
			return nil // per-worker errors are captured, not propagated
		})
	}
	_ = g.Wait() // never returns non-nil: every Go func swallows its own error
	return results
}

func (b *Broadcaster) timeout() time.Duration {
	if b.Timeout <= 0 {
		return DefaultTimeout
	}
	return b.Timeout
}

// Proxy forwards a single request to one worker's auxiliary endpoint,
// the single-target counterpart to Do (spec: /proxy/<host>:<port>/<path>).
func (b *Broadcaster) Proxy(ctx context.Context, worker types.WorkerAddress, path string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()
	return b.Client.Do(callCtx, worker, path)
}
