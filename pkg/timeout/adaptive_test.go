package timeout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/models"
)

func testConfig() *config.TimeoutConfig {
	return &config.TimeoutConfig{
		Simple:      time.Minute,
		Medium:      2 * time.Minute,
		Complex:     4 * time.Minute,
		Extreme:     10 * time.Minute,
		StallWindow: 20 * time.Second,
		HangWindow:  60 * time.Second,
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestStallThenHung(t *testing.T) {
	rec := &eventRecorder{}
	m := NewMonitor(testConfig(), rec.record)
	m.StartMonitoring("task-1", "model-a", models.ComplexitySimple)

	// Quiet beyond the stall window but inside the hang window.
	m.check(time.Now().Add(30 * time.Second))
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, SignalStall, events[0].Signal)
	assert.Equal(t, "task-1", events[0].TaskID)

	// Stall is edge-triggered: a second check in the same quiet period
	// stays silent.
	m.check(time.Now().Add(40 * time.Second))
	require.Len(t, rec.all(), 1)

	// Quiet beyond the hang window raises hung once.
	m.check(time.Now().Add(2 * time.Minute))
	events = rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, SignalHung, events[1].Signal)

	m.check(time.Now().Add(3 * time.Minute))
	assert.Len(t, rec.all(), 2, "hung only fires once")
}

func TestProgressResetsQuietPeriod(t *testing.T) {
	rec := &eventRecorder{}
	m := NewMonitor(testConfig(), rec.record)
	m.StartMonitoring("task-1", "model-a", models.ComplexitySimple)

	m.check(time.Now().Add(30 * time.Second))
	require.Len(t, rec.all(), 1, "expected initial stall")

	m.UpdateProgress("task-1", 128, 1)

	// Progress cleared the stall flag and reset the quiet clock.
	m.check(time.Now().Add(10 * time.Second))
	assert.Len(t, rec.all(), 1)

	m.check(time.Now().Add(40 * time.Second))
	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, SignalStall, events[1].Signal)
}

func TestZeroDeltaDoesNotResetQuiet(t *testing.T) {
	rec := &eventRecorder{}
	m := NewMonitor(testConfig(), rec.record)
	m.StartMonitoring("task-1", "model-a", models.ComplexitySimple)

	m.UpdateProgress("task-1", 0, 0)
	m.check(time.Now().Add(30 * time.Second))
	assert.Len(t, rec.all(), 1, "zero deltas keep the quiet period running")
}

func TestComplexityScalesWindows(t *testing.T) {
	rec := &eventRecorder{}
	m := NewMonitor(testConfig(), rec.record)
	m.StartMonitoring("extreme-task", "model-a", models.ComplexityExtreme)

	// 30s is past the simple stall window but well inside extreme's 80s.
	m.check(time.Now().Add(30 * time.Second))
	assert.Empty(t, rec.all())

	m.check(time.Now().Add(90 * time.Second))
	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, SignalStall, events[0].Signal)
}

func TestCompleteTaskRecordsHistory(t *testing.T) {
	m := NewMonitor(testConfig(), nil)

	m.StartMonitoring("task-1", "model-a", models.ComplexityMedium)
	m.CompleteTask("task-1")

	est := m.EstimatedCompletionTime("model-a", models.ComplexityMedium)
	assert.Less(t, est, time.Second, "first observation becomes the estimate")

	// Completed tasks are no longer tracked.
	m.check(time.Now().Add(time.Hour))
}

func TestEstimateConvergesWithEMA(t *testing.T) {
	m := NewMonitor(testConfig(), nil)

	// Seed history directly through observations of known durations.
	m.mu.Lock()
	m.history[historyKey{model: "model-a", complexity: models.ComplexitySimple}] = 100 * time.Second
	m.mu.Unlock()

	m.StartMonitoring("task-1", "model-a", models.ComplexitySimple)
	m.mu.Lock()
	m.tasks["task-1"].startedAt = time.Now().Add(-200 * time.Second)
	m.mu.Unlock()
	m.CompleteTask("task-1")

	// 0.3*200 + 0.7*100 = 130 seconds, within scheduling slop.
	est := m.EstimatedCompletionTime("model-a", models.ComplexitySimple)
	assert.InDelta(t, float64(130*time.Second), float64(est), float64(time.Second))
}

func TestEstimateAggregatesAcrossModels(t *testing.T) {
	m := NewMonitor(testConfig(), nil)

	m.mu.Lock()
	m.history[historyKey{model: "model-a", complexity: models.ComplexitySimple}] = 90 * time.Second
	m.history[historyKey{model: "model-b", complexity: models.ComplexitySimple}] = 40 * time.Second
	m.mu.Unlock()

	// An empty model ID takes the slowest observation for the complexity.
	assert.Equal(t, 90*time.Second, m.EstimatedCompletionTime("", models.ComplexitySimple))
	assert.Equal(t, 40*time.Second, m.EstimatedCompletionTime("model-b", models.ComplexitySimple))

	// No observations at the complexity falls back to the default.
	assert.Equal(t, 2*time.Minute, m.EstimatedCompletionTime("", models.ComplexityMedium))
}

func TestAbandonTaskSkipsHistory(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	m.StartMonitoring("task-1", "model-a", models.ComplexityComplex)
	m.AbandonTask("task-1")

	est := m.EstimatedCompletionTime("model-a", models.ComplexityComplex)
	assert.Equal(t, testConfig().Complex, est, "abandoned runs fall back to the default")
}

func TestDefaultTimeouts(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	assert.Equal(t, time.Minute, m.DefaultTimeout(models.ComplexitySimple))
	assert.Equal(t, 2*time.Minute, m.DefaultTimeout(models.ComplexityMedium))
	assert.Equal(t, 4*time.Minute, m.DefaultTimeout(models.ComplexityComplex))
	assert.Equal(t, 10*time.Minute, m.DefaultTimeout(models.ComplexityExtreme))
}

func TestUpdateProgressUnknownTask(t *testing.T) {
	m := NewMonitor(testConfig(), nil)
	// Must not panic or create state.
	m.UpdateProgress("ghost", 1, 1)
	m.CompleteTask("ghost")
	m.AbandonTask("ghost")
}
