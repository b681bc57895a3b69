package scope

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Census tracks every live ResourceScope in the process. It is the source
// of truth for leak detection and the shutdown sweep.
type Census struct {
	mu   sync.Mutex
	live map[*ResourceScope]struct{}

	totalDisposed int64
	totalFailed   int64
	totalLatency  time.Duration

	liveGauge     prometheus.Gauge
	disposedTotal prometheus.Counter
	failedTotal   prometheus.Counter
}

// NewCensus creates a census registering its gauges with reg.
// reg may be nil to skip metrics registration (tests).
func NewCensus(reg prometheus.Registerer) *Census {
	c := &Census{
		live: make(map[*ResourceScope]struct{}),
		liveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_resources_live",
			Help: "Number of live (undisposed) resource scopes.",
		}),
		disposedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_resources_disposed_total",
			Help: "Total resource scopes disposed.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_resources_dispose_failures_total",
			Help: "Total resource disposals that returned an error or timed out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.liveGauge, c.disposedTotal, c.failedTotal)
	}
	return c
}

func (c *Census) register(s *ResourceScope) {
	c.mu.Lock()
	c.live[s] = struct{}{}
	c.mu.Unlock()
	c.liveGauge.Inc()
}

func (c *Census) complete(s *ResourceScope, latency time.Duration, err error) {
	c.mu.Lock()
	delete(c.live, s)
	c.totalDisposed++
	c.totalLatency += latency
	if err != nil {
		c.totalFailed++
	}
	c.mu.Unlock()

	c.liveGauge.Dec()
	c.disposedTotal.Inc()
	if err != nil {
		c.failedTotal.Inc()
	}
}

// Stats is a snapshot of census counters.
type Stats struct {
	Live           int
	TotalDisposed  int64
	TotalFailed    int64
	AvgDisposeTime time.Duration
}

// Stats returns a snapshot of the census counters.
func (c *Census) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	avg := time.Duration(0)
	if c.totalDisposed > 0 {
		avg = c.totalLatency / time.Duration(c.totalDisposed)
	}
	return Stats{
		Live:           len(c.live),
		TotalDisposed:  c.totalDisposed,
		TotalFailed:    c.totalFailed,
		AvgDisposeTime: avg,
	}
}

// LiveNames returns the names of all live scopes, for leak diagnostics.
func (c *Census) LiveNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.live))
	for s := range c.live {
		names = append(names, s.name)
	}
	return names
}

// DisposeAll disposes every live scope in parallel. Used on shutdown.
// Errors are logged, never returned; shutdown must not wedge on one
// misbehaving resource.
func (c *Census) DisposeAll(ctx context.Context, timeout time.Duration) {
	c.mu.Lock()
	scopes := make([]*ResourceScope, 0, len(c.live))
	for s := range c.live {
		scopes = append(scopes, s)
	}
	c.mu.Unlock()

	if len(scopes) == 0 {
		return
	}
	slog.Info("Disposing all live resources", "count", len(scopes))

	var wg sync.WaitGroup
	for _, s := range scopes {
		wg.Add(1)
		go func(s *ResourceScope) {
			defer wg.Done()
			_ = s.Dispose(ctx, DisposeOptions{
				Force:          true,
				Timeout:        timeout,
				SuppressErrors: true,
			})
		}(s)
	}
	wg.Wait()
}
