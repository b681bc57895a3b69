// Package checkpoint implements the write-ahead log for task persistence.
// A checkpoint is written before durable persistence begins and committed
// after it finishes; pending entries found at startup are replayed so a
// crash between synthesis and persistence never loses a finished result.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus-core/pkg/tenant"
)

const (
	keyPrefix = "nexus:checkpoints:"
	indexKey  = "nexus:checkpoints:index"
)

// States.
const (
	StatePending   = "pending"
	StateCommitted = "committed"
)

// ErrCheckpointNotFound indicates no checkpoint exists for the task.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint is one write-ahead record.
type Checkpoint struct {
	TaskID            string         `json:"task_id"`
	Tenant            tenant.Context `json:"tenant"`
	State             string         `json:"state"`
	SynthesisResult   string         `json:"synthesis_result"`
	DocumentID        string         `json:"document_id,omitempty"`
	AgentCount        int            `json:"agent_count"`
	ConsensusStrength float64        `json:"consensus_strength"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	WrittenAt         time.Time      `json:"written_at"`
}

// ReplayFunc performs durable persistence for one recovered checkpoint.
type ReplayFunc func(ctx context.Context, cp *Checkpoint) error

// Service is the Redis-backed checkpoint log.
type Service struct {
	client redis.UniversalClient

	// ttl bounds pending entries; must exceed the expected persistence window.
	ttl time.Duration

	// commitGrace is how long committed entries linger before deletion.
	commitGrace time.Duration
}

// New creates the service.
func New(client redis.UniversalClient, ttl, commitGrace time.Duration) *Service {
	return &Service{client: client, ttl: ttl, commitGrace: commitGrace}
}

func key(taskID string) string { return keyPrefix + taskID }

// Write persists a pending checkpoint before durable persistence starts.
func (s *Service) Write(ctx context.Context, cp *Checkpoint) error {
	cp.State = StatePending
	cp.WrittenAt = time.Now().UTC()
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key(cp.TaskID), raw, s.ttl)
	pipe.SAdd(ctx, indexKey, cp.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Commit marks persistence done. The record lingers briefly for observability
// and then expires.
func (s *Service) Commit(ctx context.Context, taskID string) error {
	cp, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	cp.State = StateCommitted
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key(taskID), raw, s.commitGrace)
	pipe.SRem(ctx, indexKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// Get loads a checkpoint.
func (s *Service) Get(ctx context.Context, taskID string) (*Checkpoint, error) {
	raw, err := s.client.Get(ctx, key(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", taskID, err)
	}
	return &cp, nil
}

// ListPending returns all non-committed checkpoints.
func (s *Service) ListPending(ctx context.Context) ([]*Checkpoint, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	var pending []*Checkpoint
	for _, id := range ids {
		cp, err := s.Get(ctx, id)
		if errors.Is(err, ErrCheckpointNotFound) {
			// Entry expired; drop the stale index member.
			s.client.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return pending, err
		}
		if cp.State == StatePending {
			pending = append(pending, cp)
		}
	}
	return pending, nil
}

// RecoverPending replays durable persistence for every pending checkpoint.
// Successful replays are committed; failures are logged and skipped so one
// bad record cannot block startup. Returns the number recovered.
func (s *Service) RecoverPending(ctx context.Context, replay ReplayFunc) (int, error) {
	pending, err := s.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, cp := range pending {
		if err := replay(ctx, cp); err != nil {
			slog.Error("Checkpoint replay failed, skipping",
				"task_id", cp.TaskID, "written_at", cp.WrittenAt, "error", err)
			continue
		}
		if err := s.Commit(ctx, cp.TaskID); err != nil {
			slog.Error("Committing recovered checkpoint failed",
				"task_id", cp.TaskID, "error", err)
			continue
		}
		recovered++
		slog.Info("Recovered pending checkpoint", "task_id", cp.TaskID)
	}
	if len(pending) > 0 {
		slog.Info("Checkpoint recovery complete",
			"pending", len(pending), "recovered", recovered)
	}
	return recovered, nil
}
