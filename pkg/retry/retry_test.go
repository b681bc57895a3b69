package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus-core/pkg/analytics"
	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/stream"
)

type fakePatternStore struct {
	mu          sync.Mutex
	pattern     *analytics.ErrorPattern
	getCalls    int
	occurrences int
	outcomes    []bool
	attempts    []*analytics.RetryAttempt
}

func (f *fakePatternStore) GetPattern(ctx context.Context, errorType, service, operation string) (*analytics.ErrorPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.pattern == nil {
		return nil, analytics.ErrPatternNotFound
	}
	return f.pattern, nil
}

func (f *fakePatternStore) RecordOccurrence(ctx context.Context, errorType, message, service, operation string, retryable bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.occurrences++
	return "pattern-1", nil
}

func (f *fakePatternStore) MarkRetryOutcome(ctx context.Context, patternID string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, success)
	return nil
}

func (f *fakePatternStore) RecordAttempt(ctx context.Context, a *analytics.RetryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (e *eventCollector) StreamToTask(taskID, eventType string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
	e.data = append(e.data, data)
}

func (e *eventCollector) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func testRetryConfig() *config.RetryConfig {
	return &config.RetryConfig{
		MaxRetries:      3,
		BaseBackoff:     time.Millisecond,
		MaxRetryDelay:   10 * time.Millisecond,
		PatternCacheTTL: 50 * time.Millisecond,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	store := &fakePatternStore{}
	events := &eventCollector{}
	ex := NewExecutor(testRetryConfig(), store, events)

	calls := 0
	result, err := Do(context.Background(), ex, Operation{TaskID: "t1", Name: "op"}, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, store.getCalls, "a clean first attempt should not consult the pattern store")
	assert.Equal(t, []string{stream.EventRetryAttempt}, events.types())
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	store := &fakePatternStore{}
	events := &eventCollector{}
	ex := NewExecutor(testRetryConfig(), store, events)

	calls := 0
	result, err := Do(context.Background(), ex, Operation{TaskID: "t1", AgentID: "a1", Name: "op"}, func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, nexuserr.New(nexuserr.CodeTransientUpstream, "upstream flaked")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, calls)

	assert.Equal(t, []string{
		stream.EventRetryAttempt,
		stream.EventRetryAnalysis,
		stream.EventRetryBackoff,
		stream.EventRetryAttempt,
		stream.EventRetrySuccess,
	}, events.types())

	require.Len(t, store.outcomes, 1)
	assert.True(t, store.outcomes[0])
	require.Len(t, store.attempts, 1)
	assert.Equal(t, "pattern-1", store.attempts[0].PatternID)
	assert.True(t, store.attempts[0].Success)
	assert.Equal(t, "a1", store.attempts[0].AgentID.String)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	store := &fakePatternStore{}
	ex := NewExecutor(testRetryConfig(), store, nil)

	calls := 0
	_, err := Do(context.Background(), ex, Operation{Name: "op"}, func(ctx context.Context) (string, error) {
		calls++
		return "", nexuserr.New(nexuserr.CodeValidation, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeValidation, nexuserr.CodeOf(err))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, store.occurrences, "even non-retryable failures are recorded")
}

func TestDoExhaustsBudget(t *testing.T) {
	store := &fakePatternStore{}
	events := &eventCollector{}
	ex := NewExecutor(testRetryConfig(), store, events)

	calls := 0
	_, err := Do(context.Background(), ex, Operation{TaskID: "t1", Name: "op", MaxRetries: 2}, func(ctx context.Context) (string, error) {
		calls++
		return "", nexuserr.New(nexuserr.CodeTransientUpstream, "still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, events.types(), stream.EventRetryExhausted)

	require.Len(t, store.outcomes, 1)
	assert.False(t, store.outcomes[0])
	require.Len(t, store.attempts, 1)
	assert.False(t, store.attempts[0].Success)
	assert.True(t, store.attempts[0].ErrorIfFailed.Valid)
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	cfg := testRetryConfig()
	cfg.BaseBackoff = time.Minute
	cfg.MaxRetryDelay = time.Minute
	ex := NewExecutor(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, ex, Operation{Name: "op"}, func(ctx context.Context) (string, error) {
		return "", nexuserr.New(nexuserr.CodeTransientUpstream, "flaky")
	})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeCancelled, nexuserr.CodeOf(err))
}

func TestDelayForSchedule(t *testing.T) {
	ex := NewExecutor(testRetryConfig(), nil, nil)
	op := Operation{BackoffSchedule: []time.Duration{time.Millisecond, 5 * time.Millisecond}}

	err := nexuserr.New(nexuserr.CodeTransientUpstream, "boom")
	assert.Equal(t, time.Millisecond, ex.delayFor(op, 0, err))
	assert.Equal(t, 5*time.Millisecond, ex.delayFor(op, 1, err))

	// Past the schedule, exponential backoff kicks in and caps at MaxRetryDelay.
	d := ex.delayFor(op, 2, err)
	assert.LessOrEqual(t, d, ex.cfg.MaxRetryDelay)
	assert.Greater(t, d, time.Duration(0))
}

func TestDelayForRetryAfterHintWins(t *testing.T) {
	ex := NewExecutor(testRetryConfig(), nil, nil)
	op := Operation{BackoffSchedule: []time.Duration{time.Millisecond}}

	limited := nexuserr.New(nexuserr.CodeRateLimit, "slow down")
	limited.RetryAfter = 30 * time.Second
	assert.Equal(t, 30*time.Second, ex.delayFor(op, 0, limited))

	// A hint smaller than the computed delay does not shorten the wait.
	tiny := nexuserr.New(nexuserr.CodeRateLimit, "slow down")
	tiny.RetryAfter = time.Microsecond
	assert.Equal(t, time.Millisecond, ex.delayFor(op, 0, tiny))
}

func TestAnalyzeCachesPatternLookups(t *testing.T) {
	store := &fakePatternStore{pattern: &analytics.ErrorPattern{ID: "p7", Retryable: false}}
	ex := NewExecutor(testRetryConfig(), store, nil)

	op := Operation{Name: "op"}
	err := nexuserr.New(nexuserr.CodeTransientUpstream, "boom")

	retryable, pattern := ex.analyze(context.Background(), op, err, nexuserr.CodeTransientUpstream)
	require.NotNil(t, pattern)
	assert.False(t, retryable, "the learned pattern overrides the code-based classification")
	assert.Equal(t, 1, store.getCalls)

	ex.analyze(context.Background(), op, err, nexuserr.CodeTransientUpstream)
	assert.Equal(t, 1, store.getCalls, "second lookup inside the TTL should hit the cache")
}

func TestAnalyzeCacheExpires(t *testing.T) {
	store := &fakePatternStore{pattern: &analytics.ErrorPattern{ID: "p7", Retryable: true}}
	cfg := testRetryConfig()
	cfg.PatternCacheTTL = time.Nanosecond
	ex := NewExecutor(cfg, store, nil)

	op := Operation{Name: "op"}
	err := nexuserr.New(nexuserr.CodeTransientUpstream, "boom")
	ex.analyze(context.Background(), op, err, nexuserr.CodeTransientUpstream)
	time.Sleep(time.Millisecond)
	ex.analyze(context.Background(), op, err, nexuserr.CodeTransientUpstream)
	assert.Equal(t, 2, store.getCalls)
}

func TestDoWithoutPatternStore(t *testing.T) {
	ex := NewExecutor(testRetryConfig(), nil, nil)

	calls := 0
	result, err := Do(context.Background(), ex, Operation{Name: "op", MaxRetries: 1}, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Len(t, truncate("aaaaaaaaaa", 4), 4)
}
