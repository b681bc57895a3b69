package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResource counts disposals and can be made slow or failing.
type fakeResource struct {
	mu       sync.Mutex
	disposed int
	err      error
	delay    time.Duration
}

func (f *fakeResource) Dispose(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.disposed++
	f.mu.Unlock()
	return f.err
}

func (f *fakeResource) disposeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func TestDisposeExactlyOnce(t *testing.T) {
	census := NewCensus(nil)
	res := &fakeResource{}
	s := census.Enter("agent-1", res)

	ctx := context.Background()
	require.NoError(t, s.Dispose(ctx, DisposeOptions{}))
	require.NoError(t, s.Dispose(ctx, DisposeOptions{}))
	require.NoError(t, s.Dispose(ctx, DisposeOptions{}))

	assert.Equal(t, 1, res.disposeCount())
	assert.True(t, s.Disposed())
}

func TestDisposeConcurrent(t *testing.T) {
	census := NewCensus(nil)
	res := &fakeResource{}
	s := census.Enter("agent-1", res)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Dispose(context.Background(), DisposeOptions{})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, res.disposeCount())
}

func TestResourceAfterDispose(t *testing.T) {
	census := NewCensus(nil)
	s := census.Enter("agent-1", &fakeResource{})
	require.NoError(t, s.Dispose(context.Background(), DisposeOptions{}))

	_, err := s.Resource()
	assert.ErrorIs(t, err, ErrUseAfterDispose)
}

func TestUseDisposesOnSuccessAndError(t *testing.T) {
	census := NewCensus(nil)

	res := &fakeResource{}
	s := census.Enter("ok", res)
	require.NoError(t, s.Use(context.Background(), func(Disposable) error { return nil }))
	assert.Equal(t, 1, res.disposeCount())

	res2 := &fakeResource{}
	s2 := census.Enter("failing", res2)
	boom := errors.New("boom")
	err := s2.Use(context.Background(), func(Disposable) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res2.disposeCount())
}

func TestUseDisposesOnPanic(t *testing.T) {
	census := NewCensus(nil)
	res := &fakeResource{}
	s := census.Enter("panicking", res)

	assert.Panics(t, func() {
		_ = s.Use(context.Background(), func(Disposable) error { panic("kaboom") })
	})
	assert.Equal(t, 1, res.disposeCount())
}

func TestDisposeTimeout(t *testing.T) {
	census := NewCensus(nil)
	res := &fakeResource{delay: time.Second}
	s := census.Enter("slow", res)

	err := s.Dispose(context.Background(), DisposeOptions{Timeout: 10 * time.Millisecond})
	assert.ErrorIs(t, err, ErrDisposeTimeout)
	assert.True(t, s.Disposed(), "timed-out dispose still counts as disposed")
}

func TestDisposeSuppressErrors(t *testing.T) {
	census := NewCensus(nil)
	res := &fakeResource{err: errors.New("release failed")}
	s := census.Enter("flaky", res)

	assert.NoError(t, s.Dispose(context.Background(), DisposeOptions{SuppressErrors: true}))

	stats := census.Stats()
	assert.Equal(t, int64(1), stats.TotalFailed, "failure still counted")
}

func TestCensusTracksLiveScopes(t *testing.T) {
	census := NewCensus(nil)
	s1 := census.Enter("a", &fakeResource{})
	s2 := census.Enter("b", &fakeResource{})

	assert.Equal(t, 2, census.Stats().Live)
	assert.ElementsMatch(t, []string{"a", "b"}, census.LiveNames())

	require.NoError(t, s1.Dispose(context.Background(), DisposeOptions{}))
	assert.Equal(t, 1, census.Stats().Live)
	assert.Equal(t, int64(1), census.Stats().TotalDisposed)

	require.NoError(t, s2.Dispose(context.Background(), DisposeOptions{}))
	assert.Zero(t, census.Stats().Live)
}

func TestDisposeAll(t *testing.T) {
	census := NewCensus(nil)
	resources := make([]*fakeResource, 5)
	for i := range resources {
		resources[i] = &fakeResource{}
		census.Enter("bulk", resources[i])
	}

	census.DisposeAll(context.Background(), time.Second)

	assert.Zero(t, census.Stats().Live)
	for i, r := range resources {
		assert.Equal(t, 1, r.disposeCount(), "resource %d", i)
	}
}

func TestDoneChannel(t *testing.T) {
	census := NewCensus(nil)
	s := census.Enter("signal", &fakeResource{})

	select {
	case <-s.Done():
		t.Fatal("done closed before dispose")
	default:
	}

	require.NoError(t, s.Dispose(context.Background(), DisposeOptions{}))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after dispose")
	}
}
