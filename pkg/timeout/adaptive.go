// Package timeout implements the progress-driven adaptive monitor. It is
// distinct from the hard queue-level abort: the monitor watches byte and
// chunk throughput per task and raises stall and hung signals when a stream
// goes quiet, and it keeps a per (model, complexity) completion-time history
// so future tasks get better deadline estimates.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/models"
)

// Signal is a monitor verdict for a task.
type Signal string

const (
	// SignalStall means no progress within the stall window.
	SignalStall Signal = "stall"
	// SignalHung means no progress within the hang window. Hung tasks are
	// candidates for cancellation.
	SignalHung Signal = "hung"
)

// Event is delivered to the signal handler registered at construction.
type Event struct {
	TaskID     string
	ModelID    string
	Complexity models.Complexity
	Signal     Signal
	// Quiet is how long the task has gone without progress.
	Quiet time.Duration
}

// Handler receives stall/hung events. Called from the monitor goroutine;
// implementations must not block.
type Handler func(Event)

type taskState struct {
	modelID      string
	complexity   models.Complexity
	startedAt    time.Time
	lastProgress time.Time
	bytes        int64
	chunks       int64
	stalled      bool // stall already signalled for the current quiet period
	hung         bool
}

type historyKey struct {
	model      string
	complexity models.Complexity
}

// Monitor tracks per-task progress and completion-time history.
type Monitor struct {
	cfg     *config.TimeoutConfig
	handler Handler

	mu      sync.Mutex
	tasks   map[string]*taskState
	history map[historyKey]time.Duration // EMA of observed completion times

	stopCh   chan struct{}
	stopOnce sync.Once
}

// emaAlpha weights new observations in the completion-time history.
const emaAlpha = 0.3

// checkInterval is how often quiet periods are evaluated.
const checkInterval = time.Second

// NewMonitor creates a monitor delivering signals to handler.
func NewMonitor(cfg *config.TimeoutConfig, handler Handler) *Monitor {
	return &Monitor{
		cfg:     cfg,
		handler: handler,
		tasks:   make(map[string]*taskState),
		history: make(map[historyKey]time.Duration),
		stopCh:  make(chan struct{}),
	}
}

// SetHandler rebinds the signal handler. Call before Start.
func (m *Monitor) SetHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Start launches the periodic quiet-period check.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(time.Now())
			}
		}
	}()
}

// Stop halts the check loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// StartMonitoring begins tracking a task.
func (m *Monitor) StartMonitoring(taskID, modelID string, complexity models.Complexity) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[taskID] = &taskState{
		modelID:      modelID,
		complexity:   complexity,
		startedAt:    now,
		lastProgress: now,
	}
}

// UpdateProgress feeds an observation. Any positive delta resets the quiet
// period and clears a pending stall.
func (m *Monitor) UpdateProgress(taskID string, byteDelta, chunkDelta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[taskID]
	if !ok {
		return
	}
	st.bytes += byteDelta
	st.chunks += chunkDelta
	if byteDelta > 0 || chunkDelta > 0 {
		st.lastProgress = time.Now()
		st.stalled = false
	}
}

// CompleteTask stops tracking and folds the observed duration into the
// per (model, complexity) history.
func (m *Monitor) CompleteTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tasks[taskID]
	if !ok {
		return
	}
	delete(m.tasks, taskID)

	elapsed := time.Since(st.startedAt)
	key := historyKey{model: st.modelID, complexity: st.complexity}
	if prev, ok := m.history[key]; ok {
		m.history[key] = time.Duration(emaAlpha*float64(elapsed) + (1-emaAlpha)*float64(prev))
	} else {
		m.history[key] = elapsed
	}
}

// AbandonTask stops tracking without recording an observation. Used for
// failed or cancelled tasks whose durations would skew the history.
func (m *Monitor) AbandonTask(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
}

// EstimatedCompletionTime returns the historical estimate for the pair, or
// the per-complexity default when no history exists. An empty modelID
// aggregates across all models observed at that complexity, taking the
// slowest so the estimate bounds a whole cohort.
func (m *Monitor) EstimatedCompletionTime(modelID string, complexity models.Complexity) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if modelID == "" {
		var worst time.Duration
		for key, est := range m.history {
			if key.complexity == complexity && est > worst {
				worst = est
			}
		}
		if worst > 0 {
			return worst
		}
		return m.DefaultTimeout(complexity)
	}

	if est, ok := m.history[historyKey{model: modelID, complexity: complexity}]; ok {
		return est
	}
	return m.DefaultTimeout(complexity)
}

// DefaultTimeout is the hard-deadline default for a complexity tier.
func (m *Monitor) DefaultTimeout(complexity models.Complexity) time.Duration {
	switch complexity {
	case models.ComplexitySimple:
		return m.cfg.Simple
	case models.ComplexityComplex:
		return m.cfg.Complex
	case models.ComplexityExtreme:
		return m.cfg.Extreme
	default:
		return m.cfg.Medium
	}
}

// stallWindow scales the base window by complexity. Extreme reasoning runs
// legitimately go quiet for long stretches.
func (m *Monitor) stallWindow(c models.Complexity) time.Duration {
	return time.Duration(float64(m.cfg.StallWindow) * complexityScale(c))
}

func (m *Monitor) hangWindow(c models.Complexity) time.Duration {
	return time.Duration(float64(m.cfg.HangWindow) * complexityScale(c))
}

func complexityScale(c models.Complexity) float64 {
	switch c {
	case models.ComplexitySimple:
		return 1
	case models.ComplexityComplex:
		return 2
	case models.ComplexityExtreme:
		return 4
	default:
		return 1.5
	}
}

func (m *Monitor) check(now time.Time) {
	var events []Event

	m.mu.Lock()
	handler := m.handler
	for id, st := range m.tasks {
		quiet := now.Sub(st.lastProgress)
		if !st.hung && quiet > m.hangWindow(st.complexity) {
			st.hung = true
			events = append(events, Event{
				TaskID: id, ModelID: st.modelID, Complexity: st.complexity,
				Signal: SignalHung, Quiet: quiet,
			})
			continue
		}
		if !st.stalled && !st.hung && quiet > m.stallWindow(st.complexity) {
			st.stalled = true
			events = append(events, Event{
				TaskID: id, ModelID: st.modelID, Complexity: st.complexity,
				Signal: SignalStall, Quiet: quiet,
			})
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		slog.Warn("Adaptive timeout signal",
			"task_id", ev.TaskID, "signal", string(ev.Signal),
			"model", ev.ModelID, "quiet", ev.Quiet)
		if handler != nil {
			handler(ev)
		}
	}
}
