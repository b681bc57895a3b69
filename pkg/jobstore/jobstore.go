// Package jobstore persists durable job records in Redis. Jobs flow through
// a pending list into a per-worker processing set; records survive process
// restarts and are recovered by heartbeat-based orphan scans.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus-core/pkg/models"
)

const (
	jobKeyPrefix  = "nexus:tasks:job:"
	pendingKey    = "nexus:tasks:pending"
	processingKey = "nexus:tasks:processing"
	planKeyPrefix = "nexus:plans:"

	// recordTTL bounds how long any job record lives.
	recordTTL = 24 * time.Hour
)

// Sentinel errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrNoJobs      = errors.New("no pending jobs")
)

// JobState is a durable job record.
type JobState struct {
	ID            string            `json:"id"`
	Type          models.TaskType   `json:"type"`
	Params        json.RawMessage   `json:"params"`
	Status        models.TaskStatus `json:"status"`
	Progress      int               `json:"progress"`
	ReservedBy    string            `json:"reserved_by,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Result        json.RawMessage   `json:"result,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ReservedAt    time.Time         `json:"reserved_at,omitempty"`
	CompletedAt   time.Time         `json:"completed_at,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat,omitempty"`
}

// EnqueueOptions tunes admission.
type EnqueueOptions struct {
	// JobID overrides the generated ID (used when the caller already
	// issued a task ID).
	JobID string
}

// Store is the Redis-backed durable job store.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Enqueue creates a pending job and returns its ID.
func (s *Store) Enqueue(ctx context.Context, taskType models.TaskType, params json.RawMessage, opts EnqueueOptions) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	job := JobState{
		ID:        id,
		Type:      taskType,
		Params:    params,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(id), raw, recordTTL)
	pipe.LPush(ctx, pendingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return id, nil
}

// Reserve atomically moves the oldest pending job to the processing set for
// worker. Returns ErrNoJobs when the queue is empty.
func (s *Store) Reserve(ctx context.Context, worker string) (*JobState, error) {
	id, err := s.client.LMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("reserving job: %w", err)
	}

	job, err := s.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Record expired while its ID sat in the list; drop the orphan ID.
		s.client.LRem(ctx, processingKey, 1, id)
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = models.TaskStatusRunning
	job.ReservedBy = worker
	job.ReservedAt = now
	job.LastHeartbeat = now
	if err := s.put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the worker liveness mark on a reserved job.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.LastHeartbeat = time.Now().UTC()
	return s.put(ctx, job)
}

// Ack marks a job completed with an optional result payload.
func (s *Store) Ack(ctx context.Context, jobID string, result json.RawMessage) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = models.TaskStatusCompleted
	job.Progress = 100
	job.Result = result
	job.CompletedAt = time.Now().UTC()
	if err := s.put(ctx, job); err != nil {
		return err
	}
	return s.client.LRem(ctx, processingKey, 1, jobID).Err()
}

// Fail marks a job failed with a reason.
func (s *Store) Fail(ctx context.Context, jobID, reason string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = models.TaskStatusFailed
	job.FailureReason = reason
	job.CompletedAt = time.Now().UTC()
	if err := s.put(ctx, job); err != nil {
		return err
	}
	return s.client.LRem(ctx, processingKey, 1, jobID).Err()
}

// Progress updates the completion percentage.
func (s *Store) Progress(ctx context.Context, jobID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.Progress = pct
	return s.put(ctx, job)
}

// Get loads a job record.
func (s *Store) Get(ctx context.Context, jobID string) (*JobState, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	var job JobState
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	return &job, nil
}

// RecoverOrphans requeues processing jobs whose heartbeat is older than
// staleAfter. Returns the requeued job IDs.
func (s *Store) RecoverOrphans(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	ids, err := s.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scanning processing jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-staleAfter)
	var recovered []string
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			s.client.LRem(ctx, processingKey, 1, id)
			continue
		}
		if err != nil {
			return recovered, err
		}
		if job.LastHeartbeat.After(cutoff) {
			continue
		}
		job.Status = models.TaskStatusPending
		job.ReservedBy = ""
		if err := s.put(ctx, job); err != nil {
			return recovered, err
		}
		pipe := s.client.TxPipeline()
		pipe.LRem(ctx, processingKey, 1, id)
		pipe.LPush(ctx, pendingKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("requeueing orphan %s: %w", id, err)
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// PendingDepth returns the number of pending jobs.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, pendingKey).Result()
}

func (s *Store) put(ctx context.Context, job *JobState) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), raw, recordTTL).Err(); err != nil {
		return fmt.Errorf("storing job: %w", err)
	}
	return nil
}

// SavePlan persists a plan object for a task under nexus:plans:<taskID>.
func (s *Store) SavePlan(ctx context.Context, taskID string, plan any) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	if err := s.client.Set(ctx, planKeyPrefix+taskID, raw, recordTTL).Err(); err != nil {
		return fmt.Errorf("storing plan: %w", err)
	}
	return nil
}

// LoadPlan reads a plan object into out.
func (s *Store) LoadPlan(ctx context.Context, taskID string, out any) error {
	raw, err := s.client.Get(ctx, planKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: plan for %s", ErrJobNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("loading plan: %w", err)
	}
	return json.Unmarshal([]byte(raw), out)
}
