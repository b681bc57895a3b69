// Package retry implements intelligent retry: each attempt's failure is
// classified, checked against learned error patterns, and retried with
// exponential backoff while streaming progress events to the task room.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus-core/pkg/analytics"
	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/stream"
)

// maxJitter is added to each computed backoff delay.
const maxJitter = 200 * time.Millisecond

// serviceName identifies this process in pattern keys.
const serviceName = "nexus-core"

// PatternStore is the slice of the analytics store the executor needs.
type PatternStore interface {
	GetPattern(ctx context.Context, errorType, service, operation string) (*analytics.ErrorPattern, error)
	RecordOccurrence(ctx context.Context, errorType, message, service, operation string, retryable bool) (string, error)
	MarkRetryOutcome(ctx context.Context, patternID string, success bool) error
	RecordAttempt(ctx context.Context, a *analytics.RetryAttempt) error
}

// Publisher delivers retry lifecycle events to the task room.
type Publisher interface {
	StreamToTask(taskID, eventType string, data map[string]any)
}

// Operation identifies what is being retried and on whose behalf.
type Operation struct {
	TaskID    string
	AgentID   string
	Name      string
	// Overrides; zero values inherit from config.
	MaxRetries      int
	BackoffSchedule []time.Duration
	AttemptTimeout  time.Duration
}

type cachedPattern struct {
	pattern   *analytics.ErrorPattern
	fetchedAt time.Time
}

// Executor runs functions under the intelligent retry policy.
type Executor struct {
	cfg       *config.RetryConfig
	patterns  PatternStore
	publisher Publisher

	mu    sync.Mutex
	cache map[string]cachedPattern
}

// NewExecutor creates an executor. patterns and publisher may be nil; the
// executor then degrades to plain exponential backoff without learning.
func NewExecutor(cfg *config.RetryConfig, patterns PatternStore, publisher Publisher) *Executor {
	return &Executor{
		cfg:       cfg,
		patterns:  patterns,
		publisher: publisher,
		cache:     make(map[string]cachedPattern),
	}
}

// Func is the retried unit of work.
type Func[T any] func(ctx context.Context) (T, error)

// Do runs fn under op's retry policy. Non-retryable failures return
// immediately; retryable ones back off exponentially until the budget is
// exhausted.
func Do[T any](ctx context.Context, ex *Executor, op Operation, fn Func[T]) (T, error) {
	var zero T
	maxRetries := op.MaxRetries
	if maxRetries == 0 {
		maxRetries = ex.cfg.MaxRetries
	}
	start := time.Now()

	var lastErr error
	var patternID string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ex.emit(op, stream.EventRetryAttempt, map[string]any{
			"task_id":     op.TaskID,
			"agent_id":    op.AgentID,
			"operation":   op.Name,
			"attempt":     attempt + 1,
			"max_retries": maxRetries,
		})

		result, err := attemptOnce(ctx, ex, op, fn)
		if err == nil {
			if attempt > 0 {
				ex.recordOutcome(ctx, patternID, op, attempt, true, time.Since(start), nil)
				ex.emit(op, stream.EventRetrySuccess, map[string]any{
					"task_id":     op.TaskID,
					"attempts":    attempt + 1,
					"duration_ms": time.Since(start).Milliseconds(),
				})
			}
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, nexuserr.Wrap(nexuserr.CodeCancelled, ctx.Err(), "retry aborted")
		}

		code := nexuserr.CodeOf(err)
		retryable, pattern := ex.analyze(ctx, op, err, code)
		if pattern != nil {
			patternID = pattern.ID
		}
		ex.emit(op, stream.EventRetryAnalysis, map[string]any{
			"task_id":    op.TaskID,
			"error_type": string(code),
			"retryable":  retryable,
			"pattern_id": patternID,
		})
		if !retryable {
			return zero, err
		}
		if attempt == maxRetries {
			break
		}

		delay := ex.delayFor(op, attempt, err)
		ex.emit(op, stream.EventRetryBackoff, map[string]any{
			"task_id":  op.TaskID,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		select {
		case <-ctx.Done():
			return zero, nexuserr.Wrap(nexuserr.CodeCancelled, ctx.Err(), "retry aborted during backoff")
		case <-time.After(delay):
		}
	}

	ex.recordOutcome(ctx, patternID, op, maxRetries, false, time.Since(start), lastErr)
	ex.emit(op, stream.EventRetryExhausted, map[string]any{
		"task_id":    op.TaskID,
		"attempts":   maxRetries + 1,
		"last_error": lastErr.Error(),
	})
	return zero, lastErr
}

func attemptOnce[T any](ctx context.Context, ex *Executor, op Operation, fn Func[T]) (T, error) {
	timeout := op.AttemptTimeout
	if timeout == 0 {
		timeout = ex.cfg.AttemptTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// analyze classifies err and consults the learned pattern store, with a
// short-lived cache so hot retry loops do not hammer the database.
func (ex *Executor) analyze(ctx context.Context, op Operation, err error, code nexuserr.Code) (bool, *analytics.ErrorPattern) {
	retryable := nexuserr.Retryable(err)

	if ex.patterns == nil {
		return retryable, nil
	}
	key := string(code) + "|" + serviceName + "|" + op.Name

	ex.mu.Lock()
	cached, ok := ex.cache[key]
	ex.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) <= ex.cfg.PatternCacheTTL {
		if cached.pattern != nil {
			return cached.pattern.Retryable, cached.pattern
		}
		return retryable, nil
	}

	pattern, lookupErr := ex.patterns.GetPattern(ctx, string(code), serviceName, op.Name)
	if lookupErr != nil && !errors.Is(lookupErr, analytics.ErrPatternNotFound) {
		slog.Warn("Error pattern lookup failed", "operation", op.Name, "error", lookupErr)
		return retryable, nil
	}
	if errors.Is(lookupErr, analytics.ErrPatternNotFound) {
		id, recErr := ex.patterns.RecordOccurrence(ctx, string(code), truncate(err.Error(), 500), serviceName, op.Name, retryable)
		if recErr != nil {
			slog.Warn("Recording error occurrence failed", "operation", op.Name, "error", recErr)
		} else {
			pattern = &analytics.ErrorPattern{ID: id, Retryable: retryable}
		}
	} else {
		if _, recErr := ex.patterns.RecordOccurrence(ctx, string(code), truncate(err.Error(), 500), serviceName, op.Name, retryable); recErr != nil {
			slog.Warn("Recording error occurrence failed", "operation", op.Name, "error", recErr)
		}
	}

	ex.mu.Lock()
	ex.cache[key] = cachedPattern{pattern: pattern, fetchedAt: time.Now()}
	ex.mu.Unlock()

	if pattern != nil {
		return pattern.Retryable, pattern
	}
	return retryable, nil
}

// delayFor computes the next backoff sleep: the explicit schedule entry when
// one exists, otherwise base*2^attempt plus jitter, capped. A rate-limit
// retry-after hint wins when larger.
func (ex *Executor) delayFor(op Operation, attempt int, err error) time.Duration {
	var delay time.Duration
	if attempt < len(op.BackoffSchedule) {
		delay = op.BackoffSchedule[attempt]
	} else {
		delay = ex.cfg.BaseBackoff << attempt
		delay += time.Duration(rand.Int63n(int64(maxJitter)))
	}
	if delay > ex.cfg.MaxRetryDelay {
		delay = ex.cfg.MaxRetryDelay
	}
	var ne *nexuserr.Error
	if errors.As(err, &ne) && ne.RetryAfter > delay {
		delay = ne.RetryAfter
	}
	return delay
}

func (ex *Executor) recordOutcome(ctx context.Context, patternID string, op Operation, attempts int, success bool, elapsed time.Duration, lastErr error) {
	if ex.patterns == nil || patternID == "" {
		return
	}
	if err := ex.patterns.MarkRetryOutcome(ctx, patternID, success); err != nil {
		slog.Warn("Marking retry outcome failed", "pattern_id", patternID, "error", err)
	}
	attempt := &analytics.RetryAttempt{
		PatternID:       patternID,
		TaskID:          op.TaskID,
		AttemptNumber:   attempts,
		Success:         success,
		ExecutionTimeMs: int(elapsed.Milliseconds()),
	}
	if op.AgentID != "" {
		attempt.AgentID.String = op.AgentID
		attempt.AgentID.Valid = true
	}
	if lastErr != nil {
		attempt.ErrorIfFailed.String = truncate(lastErr.Error(), 500)
		attempt.ErrorIfFailed.Valid = true
	}
	if err := ex.patterns.RecordAttempt(ctx, attempt); err != nil {
		slog.Warn("Recording retry attempt failed", "pattern_id", patternID, "error", err)
	}
}

func (ex *Executor) emit(op Operation, eventType string, data map[string]any) {
	if ex.publisher == nil || op.TaskID == "" {
		return
	}
	ex.publisher.StreamToTask(op.TaskID, eventType, data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
