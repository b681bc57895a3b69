// Package jobs runs the durable FIFO worker pool. Processors are registered
// per task type; workers poll the job store with jitter, heartbeat their
// claims, and forward lifecycle events to the stream hub. An orphan sweep
// requeues jobs whose worker died mid-flight.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/jobstore"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/stream"
	"github.com/adverant/nexus-core/pkg/tenant"
)

// ErrUnknownType indicates no processor is registered for a job's type.
var ErrUnknownType = errors.New("no processor registered for task type")

// JobContext carries per-job facilities into a processor.
type JobContext struct {
	JobID  string
	Tenant tenant.Context

	// Progress reports completion percentage; forwarded to subscribers.
	Progress func(pct int)
}

// Processor handles one job attempt. At-least-once delivery: processors
// must tolerate redelivery of the same jobID.
type Processor func(ctx context.Context, params json.RawMessage, jc JobContext) (json.RawMessage, error)

// Publisher is the stream hub slice the manager needs.
type Publisher interface {
	StreamToTask(taskID, eventType string, data map[string]any)
}

// CreateOptions tunes task creation.
type CreateOptions struct {
	// TaskID overrides the generated ID.
	TaskID string
	Tenant tenant.Context
}

type jobEnvelope struct {
	Tenant tenant.Context  `json:"tenant"`
	Params json.RawMessage `json:"params"`
}

// Manager is the durable FIFO adapter.
type Manager struct {
	cfg   *config.JobsConfig
	store *jobstore.Store
	hub   Publisher

	mu         sync.RWMutex
	processors map[models.TaskType]Processor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires the manager. hub may be nil in tests.
func NewManager(cfg *config.JobsConfig, store *jobstore.Store, hub Publisher) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		processors: make(map[models.TaskType]Processor),
		stopCh:     make(chan struct{}),
	}
}

// RegisterProcessor binds a task type to its handler. Later registrations
// for the same type replace earlier ones.
func (m *Manager) RegisterProcessor(taskType models.TaskType, fn Processor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[taskType] = fn
}

// CreateTask enqueues a durable job and returns its task ID.
func (m *Manager) CreateTask(ctx context.Context, taskType models.TaskType, params json.RawMessage, opts CreateOptions) (string, error) {
	m.mu.RLock()
	_, known := m.processors[taskType]
	m.mu.RUnlock()
	if !known {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, taskType)
	}

	env, err := json.Marshal(jobEnvelope{Tenant: opts.Tenant, Params: params})
	if err != nil {
		return "", fmt.Errorf("encoding job envelope: %w", err)
	}
	return m.store.Enqueue(ctx, taskType, env, jobstore.EnqueueOptions{JobID: opts.TaskID})
}

// GetTaskStatus reads the durable record for a task.
func (m *Manager) GetTaskStatus(ctx context.Context, taskID string) (*jobstore.JobState, error) {
	return m.store.Get(ctx, taskID)
}

// Start launches the workers and the orphan sweep.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runWorker(ctx, workerID)
		}()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runOrphanSweep(ctx)
	}()
	slog.Info("Job manager started", "workers", m.cfg.WorkerCount)
}

// Stop halts polling and waits for in-flight jobs.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Job manager stopped")
}

func (m *Manager) runWorker(ctx context.Context, workerID string) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.Reserve(ctx, workerID)
		if errors.Is(err, jobstore.ErrNoJobs) {
			m.sleep(ctx)
			continue
		}
		if err != nil {
			slog.Error("Reserving job failed", "worker", workerID, "error", err)
			m.sleep(ctx)
			continue
		}
		m.process(ctx, workerID, job)
	}
}

func (m *Manager) process(ctx context.Context, workerID string, job *jobstore.JobState) {
	log := slog.With("worker", workerID, "job_id", job.ID, "type", string(job.Type))
	log.Info("Processing job")

	m.mu.RLock()
	proc, ok := m.processors[job.Type]
	m.mu.RUnlock()
	if !ok {
		log.Error("No processor for job type")
		m.failJob(ctx, job, ErrUnknownType.Error())
		return
	}

	var env jobEnvelope
	if err := json.Unmarshal(job.Params, &env); err != nil {
		log.Error("Decoding job envelope failed", "error", err)
		m.failJob(ctx, job, "malformed job envelope: "+err.Error())
		return
	}

	// Heartbeat keeps the claim alive while the processor runs.
	hbCtx, stopHB := context.WithCancel(ctx)
	go m.runHeartbeat(hbCtx, job.ID)

	jc := JobContext{
		JobID:  job.ID,
		Tenant: env.Tenant,
		Progress: func(pct int) {
			if err := m.store.Progress(ctx, job.ID, pct); err != nil {
				slog.Debug("Updating job progress failed", "job_id", job.ID, "error", err)
			}
			m.emit(job.ID, stream.EventTaskProgress, map[string]any{
				"task_id":  job.ID,
				"progress": pct,
			})
		},
	}

	start := time.Now()
	result, err := proc(ctx, env.Params, jc)
	stopHB()

	if err != nil {
		log.Error("Job failed", "duration", time.Since(start), "error", err)
		m.failJob(ctx, job, err.Error())
		return
	}
	if ackErr := m.store.Ack(ctx, job.ID, result); ackErr != nil {
		log.Error("Acking job failed", "error", ackErr)
		return
	}
	log.Info("Job completed", "duration", time.Since(start))
	m.emit(job.ID, stream.EventTaskCompleted, map[string]any{
		"task_id":     job.ID,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func (m *Manager) failJob(ctx context.Context, job *jobstore.JobState, reason string) {
	if err := m.store.Fail(ctx, job.ID, reason); err != nil {
		slog.Error("Marking job failed errored", "job_id", job.ID, "error", err)
	}
	m.emit(job.ID, stream.EventTaskFailed, map[string]any{
		"task_id": job.ID,
		"error":   reason,
	})
}

func (m *Manager) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Heartbeat(ctx, jobID); err != nil {
				slog.Debug("Job heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (m *Manager) runOrphanSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OrphanScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := m.store.RecoverOrphans(ctx, m.cfg.OrphanThreshold)
			if err != nil {
				slog.Error("Orphan sweep failed", "error", err)
				continue
			}
			if len(recovered) > 0 {
				slog.Warn("Requeued orphaned jobs", "count", len(recovered), "job_ids", recovered)
			}
		}
	}
}

// sleep waits one poll interval with jitter, or returns early on stop.
func (m *Manager) sleep(ctx context.Context) {
	interval := m.cfg.PollInterval
	if j := m.cfg.PollIntervalJitter; j > 0 {
		interval += time.Duration(rand.Int63n(int64(2*j))) - j
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	select {
	case <-m.stopCh:
	case <-ctx.Done():
	case <-time.After(interval):
	}
}

func (m *Manager) emit(taskID, eventType string, data map[string]any) {
	if m.hub == nil {
		return
	}
	m.hub.StreamToTask(taskID, eventType, data)
}
