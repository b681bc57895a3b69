package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus-core/pkg/agent"
	"github.com/adverant/nexus-core/pkg/checkpoint"
	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/consensus"
	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/jobstore"
	"github.com/adverant/nexus-core/pkg/memory"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/pool"
	"github.com/adverant/nexus-core/pkg/retry"
	"github.com/adverant/nexus-core/pkg/scope"
	"github.com/adverant/nexus-core/pkg/selector"
	"github.com/adverant/nexus-core/pkg/spawn"
	"github.com/adverant/nexus-core/pkg/stream"
	"github.com/adverant/nexus-core/pkg/taskqueue"
	"github.com/adverant/nexus-core/pkg/tenant"
	timeoutpkg "github.com/adverant/nexus-core/pkg/timeout"
)

// stubGateway routes completions by prompt shape: the meta-analyzer gets a
// cohort design, everything else gets the canned answer. Models listed in
// failModels refuse streaming with an open-circuit error.
type stubGateway struct {
	mu             sync.Mutex
	answer         string
	delay          time.Duration
	completeCalls  int
	failModels     map[string]bool
	streamedModels []string
}

const cohortReply = `[
  {"role": "research", "specialization": "analysis", "focus": "investigate",
   "capabilities": [], "priority": 6, "reasoning_depth": "medium"},
  {"role": "synthesis", "specialization": "writing", "focus": "conclude",
   "capabilities": [], "priority": 7, "reasoning_depth": "medium"}
]`

func (g *stubGateway) ListModels(context.Context) ([]gateway.Model, error) {
	return []gateway.Model{
		{ID: "anthropic/claude-opus", Provider: "anthropic", ContextLength: 200000, PromptPrice: 15, OutputPrice: 75},
		{ID: "openai/gpt-4o", Provider: "openai", ContextLength: 128000, PromptPrice: 5, OutputPrice: 15},
	}, nil
}

func (g *stubGateway) Complete(_ context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	g.mu.Lock()
	g.completeCalls++
	delay := g.delay
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	for _, m := range req.Messages {
		if m.Role == "system" && strings.Contains(m.Content, "team-design") {
			return &gateway.CompletionResponse{Content: cohortReply}, nil
		}
	}
	return &gateway.CompletionResponse{Content: g.answer, TokensUsed: 12}, nil
}

func (g *stubGateway) CompleteStream(ctx context.Context, req gateway.CompletionRequest, handler gateway.ChunkHandler) (*gateway.CompletionResponse, error) {
	g.mu.Lock()
	g.streamedModels = append(g.streamedModels, req.ModelID)
	failing := g.failModels[req.ModelID]
	g.mu.Unlock()
	if failing {
		return nil, nexuserr.New(nexuserr.CodeGatewayUnavailable, "model gateway circuit open")
	}
	for _, delta := range []string{"the agents ", "agree on the approach"} {
		if err := handler(gateway.Chunk{Delta: delta}); err != nil {
			return nil, err
		}
	}
	if err := handler(gateway.Chunk{Done: true}); err != nil {
		return nil, err
	}
	return &gateway.CompletionResponse{Content: g.answer, TokensUsed: 20}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Queue: &config.QueueConfig{
			MaxConcurrent:  2,
			MaxDepth:       10,
			TaskTTL:        time.Minute,
			HealthInterval: time.Hour,
		},
		Timeouts: &config.TimeoutConfig{
			Simple:      30 * time.Second,
			Medium:      time.Minute,
			Complex:     2 * time.Minute,
			Extreme:     5 * time.Minute,
			StallWindow: time.Hour,
			HangWindow:  2 * time.Hour,
		},
		Retry: &config.RetryConfig{
			MaxRetries:      1,
			BaseBackoff:     time.Millisecond,
			MaxRetryDelay:   5 * time.Millisecond,
			PatternCacheTTL: 50 * time.Millisecond,
		},
		Stream: &config.StreamConfig{
			BufferSize:            16,
			BackpressureThreshold: 8,
			FlushInterval:         5 * time.Millisecond,
			SessionGrace:          time.Minute,
			SubscriptionIdleTTL:   time.Hour,
			PingInterval:          time.Hour,
			WriteTimeout:          time.Second,
		},
		Selector: &config.SelectorConfig{
			CatalogTTL:      time.Hour,
			FailureCooldown: time.Minute,
			RoleDefaults: map[string]string{
				"synthesis":  "openai/gpt-4o",
				"specialist": "anthropic/claude-opus",
			},
		},
		Orchestra: &config.OrchestraConfig{
			BypassMaxChars:     10,
			MaxAgents:          4,
			ContextTokenBudget: 1000,
			TerminalRetention:  time.Hour,
			CleanupGrace:       10 * time.Millisecond,
		},
	}
}

type harness struct {
	orch     *Orchestrator
	gw       *stubGateway
	memories memory.Store
	store    *jobstore.Store
	wal      *checkpoint.Service
	tc       tenant.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	gw := &stubGateway{answer: "the agents agree on the approach"}
	sel := selector.New(gw, cfg.Selector)
	memories := memory.NewRedisStore(rdb)
	store := jobstore.New(rdb)
	wal := checkpoint.New(rdb, time.Hour, 10*time.Second)
	hub := stream.NewHub(cfg.Stream, nil)
	monitor := timeoutpkg.NewMonitor(cfg.Timeouts, nil)

	queue := taskqueue.New(cfg.Queue, nil)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		queue.Stop()
		cancel()
	})

	agents := pool.New(pool.Policy{MaxConcurrent: 16, MaxAge: time.Hour, MaxIdle: time.Hour}, nil)
	t.Cleanup(func() { agents.Destroy(context.Background()) })

	orch := New(Deps{
		Config:     cfg,
		Queue:      queue,
		Monitor:    monitor,
		Generator:  agent.NewGenerator(gw, sel, memories),
		Gateway:    gw,
		Selector:   sel,
		AgentPool:  agents,
		Spawner:    spawn.New(),
		Consensus:  consensus.NewEngine(gw, sel),
		Retries:    retry.NewExecutor(cfg.Retry, nil, nil),
		Checkpoint: wal,
		Memories:   memories,
		JobStore:   store,
		Hub:        hub,
		Census:     scope.NewCensus(nil),
	})
	return &harness{
		orch:     orch,
		gw:       gw,
		memories: memories,
		store:    store,
		wal:      wal,
		tc:       tenant.New("acme", "app1", "u1"),
	}
}

func awaitTerminal(t *testing.T, o *Orchestrator, taskID string) *StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.GetTaskStatus(taskID)
		require.NoError(t, err)
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestSubmitTaskRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task:    "analyze the storage layer",
		Options: SubmitOptions{},
	})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeValidation, nexuserr.CodeOf(err), "missing tenant is a validation failure")

	_, err = h.orch.SubmitTask(context.Background(), SubmitInput{
		Task:    "   ",
		Options: SubmitOptions{Tenant: h.tc},
	})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeValidation, nexuserr.CodeOf(err))
}

func TestSubmitTaskBypassesShortInput(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task:    "hi there",
		Options: SubmitOptions{Tenant: h.tc},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, res.Status)
	require.NotNil(t, res.Result)
	assert.Equal(t, "the agents agree on the approach", res.Result.Output)
	assert.Equal(t, true, res.Metadata["bypass"])
	assert.Zero(t, h.orch.TaskCount(), "bypassed messages are never tracked")
}

func TestSubmitTaskRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)

	input := SubmitInput{
		Task:    "summarize the incident report from last week",
		Options: SubmitOptions{Tenant: h.tc, TaskID: "task-dup"},
	}
	_, err := h.orch.SubmitTask(context.Background(), input)
	require.NoError(t, err)

	_, err = h.orch.SubmitTask(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeValidation, nexuserr.CodeOf(err))
}

func TestOrchestrationCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.SubmitTask(ctx, SubmitInput{
		Task:    "compare the two candidate cache eviction policies",
		Options: SubmitOptions{Tenant: h.tc},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, res.Status)
	assert.NotEmpty(t, res.ThreadID)

	snap := awaitTerminal(t, h.orch, res.TaskID)
	require.Equal(t, models.TaskStatusCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "the agents agree on the approach", snap.Result.Output)
	assert.NotEmpty(t, snap.Result.DocumentID)
	assert.Equal(t, 2, snap.Result.AgentCount)
	assert.NotNil(t, snap.StartedAt)
	assert.NotNil(t, snap.CompletedAt)

	// The checkpoint committed, so nothing is pending for recovery.
	pending, err := h.wal.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Durable persistence queued the memory projection job.
	depth, err := h.store.PendingDepth(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, depth, int64(1))

	// The episode is recallable under the same tenant.
	synth, err := h.memories.SynthesizeContext(ctx, h.tc, "cache eviction policies", memory.SynthesisOptions{IncludeEpisodes: true})
	require.NoError(t, err)
	assert.NotEmpty(t, synth.RelevantMemories)
}

func TestConstraintsCapCohortSize(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task: "compare the two candidate cache eviction policies",
		Options: SubmitOptions{
			Tenant:      h.tc,
			Constraints: models.Constraints{MaxAgents: 1},
		},
	})
	require.NoError(t, err)

	snap := awaitTerminal(t, h.orch, res.TaskID)
	require.Equal(t, models.TaskStatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 1, snap.Result.AgentCount,
		"the caller cap overrides the two-profile cohort design")
}

func TestSubstitutesFailedModelBetweenAttempts(t *testing.T) {
	h := newHarness(t)
	// The synthesis agent is assigned the anthropic model and runs first
	// under the sequential strategy; its circuit is open.
	h.gw.failModels = map[string]bool{"anthropic/claude-opus": true}

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task:    "compare the two candidate cache eviction policies",
		Options: SubmitOptions{Tenant: h.tc},
	})
	require.NoError(t, err)

	snap := awaitTerminal(t, h.orch, res.TaskID)
	require.Equal(t, models.TaskStatusCompleted, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, 2, snap.Result.AgentCount)

	// The failed model was tried once, then the retry ran on its healthy
	// replacement instead of hammering the open circuit.
	h.gw.mu.Lock()
	streamed := append([]string(nil), h.gw.streamedModels...)
	h.gw.mu.Unlock()
	failed := 0
	for _, id := range streamed {
		if id == "anthropic/claude-opus" {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Contains(t, streamed, "openai/gpt-4o")
}

func TestCancelPendingTask(t *testing.T) {
	h := newHarness(t)
	// Hold the pipeline at the planning call so the cancel lands first.
	h.gw.delay = 300 * time.Millisecond

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task:    "write an overview of the deployment pipeline",
		Options: SubmitOptions{Tenant: h.tc},
	})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(res.TaskID))
	snap := awaitTerminal(t, h.orch, res.TaskID)
	assert.Equal(t, models.TaskStatusCancelled, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, string(nexuserr.CodeCancelled), snap.Error.Code)

	// Terminal states are immutable; a second cancel is a no-op.
	require.NoError(t, h.orch.Cancel(res.TaskID))
	snap2, err := h.orch.GetTaskStatus(res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, snap2.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t)
	err := h.orch.Cancel("ghost")
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeNotFound, nexuserr.CodeOf(err))
}

func TestGetTaskStatusUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.GetTaskStatus("ghost")
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeNotFound, nexuserr.CodeOf(err))
}

func TestHungSignalFailsTask(t *testing.T) {
	h := newHarness(t)
	h.gw.delay = 300 * time.Millisecond

	res, err := h.orch.SubmitTask(context.Background(), SubmitInput{
		Task:    "investigate the intermittent connection resets",
		Options: SubmitOptions{Tenant: h.tc},
	})
	require.NoError(t, err)

	h.orch.onTimeoutSignal(timeoutpkg.Event{
		TaskID:  res.TaskID,
		ModelID: "anthropic/claude-opus",
		Signal:  timeoutpkg.SignalHung,
		Quiet:   90 * time.Second,
	})

	snap := awaitTerminal(t, h.orch, res.TaskID)
	assert.Equal(t, models.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, string(nexuserr.CodeAdaptiveHung), snap.Error.Code)
	assert.Contains(t, snap.Error.Message, "no progress")
}

func TestRecoverCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.orch.RecoverCheckpoint(ctx, &checkpoint.Checkpoint{
		TaskID:            "crashed-task",
		Tenant:            h.tc,
		SynthesisResult:   "the recovered synthesis about quorum reads",
		AgentCount:        3,
		ConsensusStrength: 0.9,
	})
	require.NoError(t, err)

	synth, err := h.memories.SynthesizeContext(ctx, h.tc, "quorum reads", memory.SynthesisOptions{IncludeDocuments: true})
	require.NoError(t, err)
	require.NotEmpty(t, synth.RelevantMemories)
	assert.Contains(t, synth.Summary, "quorum reads")
}

func TestRecoverCheckpointSkipsExistingDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// The crash happened after the final document write: the checkpoint
	// already carries the document ID.
	docID, err := h.memories.StoreDocument(ctx, h.tc, "the recovered synthesis about quorum reads",
		map[string]any{"task_id": "crashed-task"})
	require.NoError(t, err)

	err = h.orch.RecoverCheckpoint(ctx, &checkpoint.Checkpoint{
		TaskID:            "crashed-task",
		Tenant:            h.tc,
		SynthesisResult:   "the recovered synthesis about quorum reads",
		DocumentID:        docID,
		AgentCount:        3,
		ConsensusStrength: 0.9,
	})
	require.NoError(t, err)

	// Replay must not mint a second document for the task.
	synth, err := h.memories.SynthesizeContext(ctx, h.tc, "quorum reads",
		memory.SynthesisOptions{IncludeDocuments: true, Limit: 50})
	require.NoError(t, err)
	docs := 0
	for _, m := range synth.RelevantMemories {
		if m.Kind == "document" && m.Metadata["task_id"] == "crashed-task" {
			docs++
		}
	}
	assert.Equal(t, 1, docs)

	// The episode pointer still lands and references the surviving document.
	episodes, err := h.memories.SynthesizeContext(ctx, h.tc, "quorum reads",
		memory.SynthesisOptions{IncludeEpisodes: true, Limit: 50})
	require.NoError(t, err)
	found := false
	for _, m := range episodes.RelevantMemories {
		if m.Kind == "episode" && m.Metadata["document_id"] == docID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ComplexitySimple, classify("what time is it"))
	assert.Equal(t, models.ComplexityMedium, classify(strings.Repeat("word ", 40)))
	assert.Equal(t, models.ComplexityComplex, classify("design the architecture for the billing service"))
	assert.Equal(t, models.ComplexityComplex, classify(strings.Repeat("word ", 200)))
	assert.Equal(t, models.ComplexityExtreme, classify(strings.Repeat("word ", 450)))
	assert.Equal(t, models.ComplexityExtreme, classify("prove the protocol is correct "+strings.Repeat("word ", 160)))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, models.TaskStatusPending, statusOf(phaseReceived))
	assert.Equal(t, models.TaskStatusPending, statusOf(phaseEnqueued))
	assert.Equal(t, models.TaskStatusRunning, statusOf(phaseExecuting))
	assert.Equal(t, models.TaskStatusRunning, statusOf(phasePersisting))
	assert.Equal(t, models.TaskStatusCompleted, statusOf(phaseCompleted))
	assert.Equal(t, models.TaskStatusFailed, statusOf(phaseFailed))
	assert.Equal(t, models.TaskStatusCancelled, statusOf(phaseCancelled))
}

func TestHardTimeoutPicksGreatest(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, 30*time.Second, h.orch.hardTimeout(0, models.ComplexitySimple))
	assert.Equal(t, 10*time.Minute, h.orch.hardTimeout(10*time.Minute, models.ComplexitySimple))
	assert.Equal(t, 2*time.Minute, h.orch.hardTimeout(time.Second, models.ComplexityComplex))
}
