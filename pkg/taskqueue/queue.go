// Package taskqueue provides the bounded in-process FIFO that paces
// orchestrations: max-concurrent dispatch, per-task timeouts, age-based
// eviction, and admission control under memory pressure.
package taskqueue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus-core/pkg/config"
)

// Sentinel errors.
var (
	// ErrQueueFull indicates the queue depth bound was hit.
	ErrQueueFull = errors.New("task queue full")

	// ErrMemoryPressure indicates admission was rejected by the heap watermark.
	ErrMemoryPressure = errors.New("memory pressure: admission rejected")

	// ErrQueueExpired indicates a task aged out before starting.
	ErrQueueExpired = errors.New("task expired in queue")

	// ErrQueueStopped indicates the queue is shutting down.
	ErrQueueStopped = errors.New("task queue stopped")

	// ErrUnknownTask indicates a cancel for an ID not in the queue.
	ErrUnknownTask = errors.New("unknown task")
)

// RunFunc executes a task. ctx carries the per-task deadline.
type RunFunc func(ctx context.Context)

// ExpireFunc is invoked when a queued task ages out before starting.
type ExpireFunc func(err error)

type item struct {
	id         string
	timeout    time.Duration
	run        RunFunc
	onExpired  ExpireFunc
	enqueuedAt time.Time
}

// Queue is the bounded in-process FIFO.
type Queue struct {
	cfg *config.QueueConfig

	mu       sync.Mutex
	waiting  *list.List                    // of *item
	byID     map[string]*list.Element      // waiting items by ID
	running  map[string]context.CancelFunc // running items by ID
	stopped  bool
	workCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	depthGauge prometheus.Gauge
	expired    prometheus.Counter
}

// New creates a queue. reg may be nil to skip metrics registration (tests).
func New(cfg *config.QueueConfig, reg prometheus.Registerer) *Queue {
	q := &Queue{
		cfg:     cfg,
		waiting: list.New(),
		byID:    make(map[string]*list.Element),
		running: make(map[string]context.CancelFunc),
		workCh:  make(chan struct{}, cfg.MaxDepth),
		stopCh:  make(chan struct{}),
		depthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_taskqueue_depth",
			Help: "Number of tasks waiting in the queue.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexus_taskqueue_expired_total",
			Help: "Tasks evicted from the queue before starting.",
		}),
	}
	if reg != nil {
		reg.MustRegister(q.depthGauge, q.expired)
	}
	return q
}

// Start launches the dispatcher workers and the health sweep.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.MaxConcurrent; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runDispatcher(ctx)
		}()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.runHealth(ctx)
	}()
}

// Stop drains: no new admissions, waits for running tasks up to the
// configured graceful timeout.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stopCh) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(q.cfg.GracefulShutdownTimeout):
		slog.Warn("Task queue shutdown timeout exceeded")
	}
}

// Enqueue admits a task, subject to depth and memory watermark checks.
// run executes when the task's turn comes, under a context carrying the
// per-task deadline. onExpired fires instead if the task ages out first.
func (q *Queue) Enqueue(id string, timeout time.Duration, run RunFunc, onExpired ExpireFunc) error {
	if q.cfg.MemoryWatermarkBytes > 0 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapAlloc > q.cfg.MemoryWatermarkBytes {
			return fmt.Errorf("%w: heap %d > watermark %d",
				ErrMemoryPressure, ms.HeapAlloc, q.cfg.MemoryWatermarkBytes)
		}
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if q.waiting.Len() >= q.cfg.MaxDepth {
		q.mu.Unlock()
		return fmt.Errorf("%w: depth %d", ErrQueueFull, q.cfg.MaxDepth)
	}
	it := &item{
		id:         id,
		timeout:    timeout,
		run:        run,
		onExpired:  onExpired,
		enqueuedAt: time.Now(),
	}
	q.byID[id] = q.waiting.PushBack(it)
	q.depthGauge.Set(float64(q.waiting.Len()))
	q.mu.Unlock()

	select {
	case q.workCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a waiting task or cancels a running one.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	if el, ok := q.byID[id]; ok {
		q.waiting.Remove(el)
		delete(q.byID, id)
		q.depthGauge.Set(float64(q.waiting.Len()))
		q.mu.Unlock()
		return nil
	}
	if cancel, ok := q.running[id]; ok {
		q.mu.Unlock()
		cancel()
		return nil
	}
	q.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

// Depth returns the number of waiting tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len()
}

// Running returns the number of in-flight tasks.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// runDispatcher pulls FIFO items and executes them under their deadline.
func (q *Queue) runDispatcher(ctx context.Context) {
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.workCh:
			for {
				it := q.dequeue()
				if it == nil {
					break
				}
				q.execute(ctx, it)
			}
		}
	}
}

func (q *Queue) dequeue() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.waiting.Front()
	if front == nil {
		return nil
	}
	q.waiting.Remove(front)
	it := front.Value.(*item)
	delete(q.byID, it.id)
	q.depthGauge.Set(float64(q.waiting.Len()))
	return it
}

func (q *Queue) execute(ctx context.Context, it *item) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if it.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, it.timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	q.mu.Lock()
	q.running[it.id] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.running, it.id)
		q.mu.Unlock()
	}()

	it.run(taskCtx)
}

// runHealth periodically evicts tasks that aged out before starting.
func (q *Queue) runHealth(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.evictExpired(time.Now())
		}
	}
}

func (q *Queue) evictExpired(now time.Time) {
	q.mu.Lock()
	var victims []*item
	for el := q.waiting.Front(); el != nil; {
		next := el.Next()
		it := el.Value.(*item)
		if now.Sub(it.enqueuedAt) > q.cfg.TaskTTL {
			q.waiting.Remove(el)
			delete(q.byID, it.id)
			victims = append(victims, it)
		}
		el = next
	}
	q.depthGauge.Set(float64(q.waiting.Len()))
	q.mu.Unlock()

	for _, it := range victims {
		q.expired.Inc()
		slog.Warn("Task expired in queue", "task_id", it.id, "waited", now.Sub(it.enqueuedAt))
		if it.onExpired != nil {
			it.onExpired(fmt.Errorf("%w after %v", ErrQueueExpired, now.Sub(it.enqueuedAt)))
		}
	}
}
