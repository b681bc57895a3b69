// Package spawn provides batched parallel agent instantiation with per-item
// timeouts, an optional single retry, and en-masse cancellation of in-flight
// spawns.
package spawn

import (
	"context"
	"sync"
	"time"
)

// Status of one spawn outcome.
const (
	StatusFulfilled = "fulfilled"
	StatusRejected  = "rejected"
)

// Request describes one spawn. Factory runs under the per-item timeout and
// must respect ctx cancellation.
type Request[T any] struct {
	ID      string
	Factory func(ctx context.Context) (T, error)
}

// Outcome is the per-request result.
type Outcome[T any] struct {
	ID       string
	Status   string
	Value    T
	Reason   error
	Duration time.Duration
}

// Options tune a SpawnParallel call.
type Options struct {
	// MaxConcurrency bounds simultaneous spawns within a batch. Zero means
	// the batch size.
	MaxConcurrency int

	// Timeout bounds each individual spawn.
	Timeout time.Duration

	// RetryOnFailure retries a failed spawn once after RetryPause.
	RetryOnFailure bool

	// RetryPause is the wait before the single retry. Zero means one second.
	RetryPause time.Duration

	// BatchSize splits requests into sequential batches. Zero means one
	// batch of everything.
	BatchSize int
}

// Spawner tracks in-flight spawns so they can be cancelled en masse.
type Spawner struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New creates a spawner.
func New() *Spawner {
	return &Spawner{inflight: make(map[string]context.CancelFunc)}
}

// InFlight returns the number of spawns currently running.
func (s *Spawner) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// CancelAll aborts every in-flight spawn.
func (s *Spawner) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inflight {
		cancel()
	}
}

func (s *Spawner) register(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[id] = cancel
	s.mu.Unlock()
}

func (s *Spawner) unregister(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// SpawnParallel processes requests in batches; within a batch all spawns run
// concurrently (bounded by MaxConcurrency), each racing its own timeout.
// The returned slice preserves request order.
func SpawnParallel[T any](ctx context.Context, s *Spawner, requests []Request[T], opts Options) []Outcome[T] {
	outcomes := make([]Outcome[T], len(requests))

	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > len(requests) {
		batchSize = len(requests)
	}

	for start := 0; start < len(requests); start += batchSize {
		if ctx.Err() != nil {
			// Remaining requests are rejected with the cancellation cause.
			for i := start; i < len(requests); i++ {
				outcomes[i] = Outcome[T]{ID: requests[i].ID, Status: StatusRejected, Reason: ctx.Err()}
			}
			break
		}

		end := start + batchSize
		if end > len(requests) {
			end = len(requests)
		}
		batch := requests[start:end]

		sem := make(chan struct{}, concurrency(opts, len(batch)))
		var wg sync.WaitGroup
		for i, req := range batch {
			wg.Add(1)
			go func(idx int, req Request[T]) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				outcomes[start+idx] = spawnOne(ctx, s, req, opts)
			}(i, req)
		}
		wg.Wait()
	}

	return outcomes
}

func concurrency(opts Options, batchLen int) int {
	if opts.MaxConcurrency > 0 && opts.MaxConcurrency < batchLen {
		return opts.MaxConcurrency
	}
	return batchLen
}

// spawnOne runs a single factory under its timeout, retrying once when
// configured.
func spawnOne[T any](ctx context.Context, s *Spawner, req Request[T], opts Options) Outcome[T] {
	start := time.Now()

	value, err := attempt(ctx, s, req, opts.Timeout)
	if err != nil && opts.RetryOnFailure && ctx.Err() == nil {
		pause := opts.RetryPause
		if pause <= 0 {
			pause = time.Second
		}
		select {
		case <-time.After(pause):
			value, err = attempt(ctx, s, req, opts.Timeout)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	out := Outcome[T]{ID: req.ID, Duration: time.Since(start)}
	if err != nil {
		out.Status = StatusRejected
		out.Reason = err
		return out
	}
	out.Status = StatusFulfilled
	out.Value = value
	return out
}

func attempt[T any](ctx context.Context, s *Spawner, req Request[T], timeout time.Duration) (T, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	s.register(req.ID, cancel)
	defer s.unregister(req.ID)

	type result struct {
		value T
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		v, err := req.Factory(attemptCtx)
		resCh <- result{v, err}
	}()

	select {
	case r := <-resCh:
		return r.value, r.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}
