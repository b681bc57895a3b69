// Package scope provides guaranteed-cleanup wrappers for disposable
// resources. A ResourceScope guarantees exactly one disposal per wrapped
// resource on every exit path, races disposal against a timeout, and feeds
// a process-wide census used for leak detection and shutdown.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sentinel errors.
var (
	// ErrUseAfterDispose indicates an access to a disposed resource.
	ErrUseAfterDispose = errors.New("use after dispose")

	// ErrDisposeTimeout indicates the underlying dispose exceeded its budget.
	ErrDisposeTimeout = errors.New("dispose timed out")
)

// Disposable is implemented by resources requiring explicit cleanup.
type Disposable interface {
	Dispose(ctx context.Context) error
}

// DisposeOptions tune a single Dispose call.
type DisposeOptions struct {
	// Force disposes even when the resource reports in-use state.
	Force bool

	// Timeout bounds the underlying dispose. Zero uses DefaultDisposeTimeout.
	Timeout time.Duration

	// SuppressErrors logs instead of returning disposal errors.
	SuppressErrors bool
}

// DefaultDisposeTimeout bounds disposal when the caller gives no budget.
const DefaultDisposeTimeout = 5 * time.Second

// ResourceScope wraps one Disposable with idempotent, timeout-bounded
// disposal. The disposed flag flips atomically BEFORE the underlying dispose
// runs, so re-entrant calls observe the resource as gone.
type ResourceScope struct {
	name     string
	res      Disposable
	census   *Census
	disposed atomic.Bool
	done     chan struct{}
}

// Enter wraps a resource in a scope registered with the census.
func (c *Census) Enter(name string, res Disposable) *ResourceScope {
	s := &ResourceScope{
		name:   name,
		res:    res,
		census: c,
		done:   make(chan struct{}),
	}
	c.register(s)
	return s
}

// Name returns the scope's registered name.
func (s *ResourceScope) Name() string { return s.name }

// Resource returns the wrapped resource, or ErrUseAfterDispose if the scope
// has already been disposed.
func (s *ResourceScope) Resource() (Disposable, error) {
	if s.disposed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrUseAfterDispose, s.name)
	}
	return s.res, nil
}

// Use runs fn with the resource and disposes in all cases, including panic.
// The first error of (fn error, dispose error) wins.
func (s *ResourceScope) Use(ctx context.Context, fn func(Disposable) error) (err error) {
	res, rerr := s.Resource()
	if rerr != nil {
		return rerr
	}
	defer func() {
		derr := s.Dispose(ctx, DisposeOptions{SuppressErrors: false})
		if err == nil && derr != nil {
			err = derr
		}
	}()
	return fn(res)
}

// Dispose releases the resource exactly once. Subsequent calls return nil
// immediately. The underlying dispose races against opts.Timeout.
func (s *ResourceScope) Dispose(ctx context.Context, opts DisposeOptions) error {
	// Atomic flip before any work: re-entry during a slow dispose sees the
	// resource as already disposed.
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	defer close(s.done)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDisposeTimeout
	}

	start := time.Now()
	disposeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.res.Dispose(disposeCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-disposeCtx.Done():
		err = fmt.Errorf("%w: %s after %v", ErrDisposeTimeout, s.name, timeout)
	}

	s.census.complete(s, time.Since(start), err)

	if err != nil && opts.SuppressErrors {
		slog.Warn("Resource dispose failed (suppressed)",
			"resource", s.name, "error", err)
		return nil
	}
	return err
}

// Disposed reports whether disposal has started.
func (s *ResourceScope) Disposed() bool {
	return s.disposed.Load()
}

// Done returns a channel closed once disposal has finished.
func (s *ResourceScope) Done() <-chan struct{} {
	return s.done
}
