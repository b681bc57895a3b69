// Package pool tracks live agents by ID and enforces the concurrency, age,
// and idle-eviction policies. The pool owns agents; outer code holds agent
// IDs and looks them up, which keeps references acyclic.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus-core/pkg/agent"
)

// Sentinel errors.
var (
	// ErrPoolDestroyed indicates the pool has been shut down.
	ErrPoolDestroyed = errors.New("agent pool destroyed")

	// ErrAgentNotFound indicates an unknown agent ID.
	ErrAgentNotFound = errors.New("agent not found in pool")
)

// Policy holds the eviction thresholds.
type Policy struct {
	// MaxConcurrent caps live agents; adding beyond it evicts the
	// oldest idle agent first.
	MaxConcurrent int

	// MaxAge evicts agents older than this regardless of state.
	MaxAge time.Duration

	// MaxIdle evicts agents idle longer than this.
	MaxIdle time.Duration
}

// DefaultPolicy returns the standard eviction thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrent: 64,
		MaxAge:        1 * time.Hour,
		MaxIdle:       10 * time.Minute,
	}
}

// Metrics is a snapshot of pool occupancy.
type Metrics struct {
	Total  int `json:"total"`
	Active int `json:"active"`
	Idle   int `json:"idle"`
}

// Pool holds live agents by ID.
type Pool struct {
	policy Policy

	mu        sync.Mutex
	agents    map[string]*agent.Agent
	destroyed bool

	gauge prometheus.Gauge
}

// New creates a pool. reg may be nil to skip metrics registration (tests).
func New(policy Policy, reg prometheus.Registerer) *Pool {
	p := &Pool{
		policy: policy,
		agents: make(map[string]*agent.Agent),
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_agent_pool_size",
			Help: "Number of agents currently tracked by the pool.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.gauge)
	}
	return p
}

// Add registers an agent. When the pool is at MaxConcurrent, the oldest idle
// agent is evicted first; if every agent is busy, Add fails.
func (p *Pool) Add(ctx context.Context, a *agent.Agent) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrPoolDestroyed
	}

	if len(p.agents) >= p.policy.MaxConcurrent {
		victim := p.oldestIdleLocked()
		if victim == nil {
			p.mu.Unlock()
			return fmt.Errorf("pool at capacity (%d) with no idle agents", p.policy.MaxConcurrent)
		}
		delete(p.agents, victim.ID)
		p.mu.Unlock()

		p.disposeAgent(ctx, victim, "capacity eviction")

		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return ErrPoolDestroyed
		}
	}

	p.agents[a.ID] = a
	p.gauge.Set(float64(len(p.agents)))
	p.mu.Unlock()
	return nil
}

// oldestIdleLocked picks the non-running agent with the oldest activity
// timestamp. Callers hold p.mu.
func (p *Pool) oldestIdleLocked() *agent.Agent {
	var victim *agent.Agent
	for _, a := range p.agents {
		if a.State() == agent.StateRunning {
			continue
		}
		if victim == nil || a.LastActiveAt().Before(victim.LastActiveAt()) {
			victim = a
		}
	}
	return victim
}

// Get returns a live agent by ID.
func (p *Pool) Get(id string) (*agent.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// Remove disposes the agent and drops it from the pool. Unknown IDs are a
// no-op so cleanup paths can call it unconditionally.
func (p *Pool) Remove(ctx context.Context, id string) {
	p.mu.Lock()
	a, ok := p.agents[id]
	if ok {
		delete(p.agents, id)
		p.gauge.Set(float64(len(p.agents)))
	}
	p.mu.Unlock()
	if ok {
		p.disposeAgent(ctx, a, "removed")
	}
}

// GetActive returns the IDs of agents currently running.
func (p *Pool) GetActive() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.agents))
	for id, a := range p.agents {
		if a.State() == agent.StateRunning {
			out = append(out, id)
		}
	}
	return out
}

// GetMetrics returns an occupancy snapshot.
func (p *Pool) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{Total: len(p.agents)}
	for _, a := range p.agents {
		if a.State() == agent.StateRunning {
			m.Active++
		} else {
			m.Idle++
		}
	}
	return m
}

// Sweep evicts agents that exceeded MaxAge or sat idle beyond MaxIdle.
// Returns the number evicted.
func (p *Pool) Sweep(ctx context.Context) int {
	now := time.Now()

	p.mu.Lock()
	var victims []*agent.Agent
	for id, a := range p.agents {
		tooOld := now.Sub(a.CreatedAt()) > p.policy.MaxAge
		tooIdle := a.State() != agent.StateRunning && now.Sub(a.LastActiveAt()) > p.policy.MaxIdle
		if tooOld || tooIdle {
			victims = append(victims, a)
			delete(p.agents, id)
		}
	}
	p.gauge.Set(float64(len(p.agents)))
	p.mu.Unlock()

	for _, a := range victims {
		p.disposeAgent(ctx, a, "age/idle eviction")
	}
	return len(victims)
}

// Destroy disposes every agent and rejects further use.
func (p *Pool) Destroy(ctx context.Context) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	agents := make([]*agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.agents = make(map[string]*agent.Agent)
	p.gauge.Set(0)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			p.disposeAgent(ctx, a, "pool destroy")
		}(a)
	}
	wg.Wait()
}

func (p *Pool) disposeAgent(ctx context.Context, a *agent.Agent, reason string) {
	if err := a.Dispose(ctx); err != nil {
		slog.Warn("Agent dispose failed", "agent_id", a.ID, "reason", reason, "error", err)
		return
	}
	slog.Debug("Agent disposed", "agent_id", a.ID, "reason", reason)
}
