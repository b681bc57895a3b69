// Package orchestrator drives a task through its whole lifecycle: admission,
// classification, planning, spawning, execution, consensus, and durable
// persistence. One orchestrator instance serves many tasks concurrently;
// each task is logically single-threaded with an explicit cancellation
// signal shared by everything running on its behalf.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus-core/pkg/agent"
	"github.com/adverant/nexus-core/pkg/checkpoint"
	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/consensus"
	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/jobs"
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

// phase is an internal lifecycle state.
type phase string

const (
	phaseReceived     phase = "received"
	phaseEnqueued     phase = "enqueued"
	phaseClassified   phase = "classified"
	phasePlanned      phase = "planned"
	phaseSpawning     phase = "spawning"
	phaseExecuting    phase = "executing"
	phaseSynthesizing phase = "synthesizing"
	phasePersisting   phase = "persisting"
	phaseCompleted    phase = "completed"
	phaseFailed       phase = "failed"
	phaseCancelled    phase = "cancelled"
)

func (p phase) terminal() bool {
	return p == phaseCompleted || p == phaseFailed || p == phaseCancelled
}

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	Type        models.TaskType
	TaskID      string
	Timeout     time.Duration
	Stream      bool
	SessionID   string
	ThreadID    string
	Tenant      tenant.Context
	Constraints models.Constraints
}

// SubmitInput is the caller-facing task payload.
type SubmitInput struct {
	Task    string
	Options SubmitOptions
}

// SubmitResult is the synchronous answer to a submission.
type SubmitResult struct {
	TaskID   string             `json:"task_id"`
	ThreadID string             `json:"thread_id"`
	Status   models.TaskStatus  `json:"status"`
	Result   *models.TaskResult `json:"result,omitempty"`
	Agents   []string           `json:"agents,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// StatusSnapshot is the queryable view of a task.
type StatusSnapshot struct {
	Status      models.TaskStatus  `json:"status"`
	Progress    int                `json:"progress"`
	Result      *models.TaskResult `json:"result,omitempty"`
	Error       *models.TaskError  `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// taskEntry is the in-memory record of one live or recently terminal task.
type taskEntry struct {
	mu sync.Mutex

	id          string
	threadID    string
	tenant      tenant.Context
	input       string
	constraints models.Constraints

	phase      phase
	progress   int
	complexity models.Complexity
	result     *models.TaskResult
	taskErr    *models.TaskError

	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time

	cancel    context.CancelFunc
	cancelMsg string

	agentIDs []string
	scopes   []*scope.ResourceScope
}

// Orchestrator is the task state machine.
type Orchestrator struct {
	cfg *config.Config

	queue     *taskqueue.Queue
	monitor   *timeoutpkg.Monitor
	generator *agent.Generator
	gw        gateway.ModelGateway
	sel       *selector.Selector
	agents    *pool.Pool
	spawner   *spawn.Spawner
	engine    *consensus.Engine
	retries   *retry.Executor
	wal       *checkpoint.Service
	memories  memory.Store
	store     *jobstore.Store
	hub       *stream.Hub
	census    *scope.Census

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Config     *config.Config
	Queue      *taskqueue.Queue
	Monitor    *timeoutpkg.Monitor
	Generator  *agent.Generator
	Gateway    gateway.ModelGateway
	Selector   *selector.Selector
	AgentPool  *pool.Pool
	Spawner    *spawn.Spawner
	Consensus  *consensus.Engine
	Retries    *retry.Executor
	Checkpoint *checkpoint.Service
	Memories   memory.Store
	JobStore   *jobstore.Store
	Hub        *stream.Hub
	Census     *scope.Census
}

// New wires an orchestrator and binds it to the adaptive monitor's signals.
func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:       d.Config,
		queue:     d.Queue,
		monitor:   d.Monitor,
		generator: d.Generator,
		gw:        d.Gateway,
		sel:       d.Selector,
		agents:    d.AgentPool,
		spawner:   d.Spawner,
		engine:    d.Consensus,
		retries:   d.Retries,
		wal:       d.Checkpoint,
		memories:  d.Memories,
		store:     d.JobStore,
		hub:       d.Hub,
		census:    d.Census,
		tasks:     make(map[string]*taskEntry),
	}
	if o.monitor != nil {
		o.monitor.SetHandler(o.onTimeoutSignal)
	}
	return o
}

// SubmitTask runs the submission contract. Trivial inputs short-circuit to a
// single gateway call; everything else is admitted to the queue and
// orchestrated asynchronously.
func (o *Orchestrator) SubmitTask(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	// Tenant is captured locally up front; nothing downstream reads it from
	// shared state.
	tc := input.Options.Tenant
	if err := tc.Validate(); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeValidation, err, "invalid tenant context")
	}
	text := strings.TrimSpace(input.Task)
	if text == "" {
		return nil, nexuserr.New(nexuserr.CodeValidation, "empty task input")
	}

	taskID := input.Options.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	threadID := input.Options.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	if len(text) < o.cfg.Orchestra.BypassMaxChars {
		return o.bypass(ctx, taskID, threadID, text, tc)
	}

	entry := &taskEntry{
		id:          taskID,
		threadID:    threadID,
		tenant:      tc,
		input:       text,
		constraints: input.Options.Constraints,
		phase:       phaseReceived,
		createdAt:   time.Now().UTC(),
	}
	o.mu.Lock()
	if _, exists := o.tasks[taskID]; exists {
		o.mu.Unlock()
		return nil, nexuserr.New(nexuserr.CodeValidation, "task ID already in use: "+taskID)
	}
	o.tasks[taskID] = entry
	o.mu.Unlock()

	complexity := classify(text)
	entry.mu.Lock()
	entry.complexity = complexity
	entry.mu.Unlock()

	hardTimeout := o.hardTimeout(input.Options.Timeout, complexity)

	err := o.queue.Enqueue(taskID, hardTimeout,
		func(runCtx context.Context) { o.run(runCtx, entry) },
		func(expireErr error) { o.fail(entry, nexuserr.Wrap(nexuserr.CodeResourceExhausted, expireErr, "task expired in queue")) },
	)
	if err != nil {
		o.dropEntry(taskID)
		code := nexuserr.CodeResourceExhausted
		return nil, nexuserr.Wrap(code, err, "task admission rejected")
	}
	o.setPhase(entry, phaseEnqueued, 0)

	return &SubmitResult{
		TaskID:   taskID,
		ThreadID: threadID,
		Status:   models.TaskStatusPending,
		Metadata: map[string]any{"complexity": string(complexity)},
	}, nil
}

// bypass answers trivial messages with one direct model call.
func (o *Orchestrator) bypass(ctx context.Context, taskID, threadID, text string, tc tenant.Context) (*SubmitResult, error) {
	modelID, err := o.sel.SelectModel(ctx, selector.Criteria{
		Role:           models.RoleSynthesis,
		TaskComplexity: models.ComplexitySimple,
	})
	if err != nil {
		modelID = o.sel.RoleDefault(models.RoleSynthesis)
	}
	resp, err := o.gw.Complete(ctx, gateway.CompletionRequest{
		ModelID:     modelID,
		Temperature: 0.7,
		MaxTokens:   1000,
		Messages:    []gateway.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		TaskID:   taskID,
		ThreadID: threadID,
		Status:   models.TaskStatusCompleted,
		Result: &models.TaskResult{
			Output:     resp.Content,
			AgentCount: 0,
		},
		Metadata: map[string]any{
			"bypass": true,
			"reason": "message_too_short",
			"model":  modelID,
		},
	}, nil
}

// hardTimeout picks the queue-level abort deadline: the greatest of the
// client-supplied timeout, the adaptive estimate, and the complexity default.
func (o *Orchestrator) hardTimeout(client time.Duration, c models.Complexity) time.Duration {
	t := o.monitor.DefaultTimeout(c)
	if est := o.monitor.EstimatedCompletionTime("", c); est > t {
		t = est
	}
	if client > t {
		t = client
	}
	return t
}

// GetTaskStatus returns the queryable view of a task.
func (o *Orchestrator) GetTaskStatus(taskID string) (*StatusSnapshot, error) {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, nexuserr.New(nexuserr.CodeNotFound, "unknown task: "+taskID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return &StatusSnapshot{
		Status:      statusOf(entry.phase),
		Progress:    entry.progress,
		Result:      entry.result,
		Error:       entry.taskErr,
		CreatedAt:   entry.createdAt,
		StartedAt:   entry.startedAt,
		CompletedAt: entry.completedAt,
	}, nil
}

// Cancel aborts a task. Idempotent; terminal states are immutable.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	entry, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return nexuserr.New(nexuserr.CodeNotFound, "unknown task: "+taskID)
	}
	o.cancelEntry(entry, "cancelled by caller", nexuserr.CodeCancelled)
	return nil
}

// cancelEntry performs the four cancellation steps: atomic terminal mark,
// abort of in-flight executions, disposal of live agents, and the
// task:cancelled event.
func (o *Orchestrator) cancelEntry(entry *taskEntry, msg string, code nexuserr.Code) {
	entry.mu.Lock()
	if entry.phase.terminal() {
		entry.mu.Unlock()
		return
	}
	entry.phase = phaseCancelled
	entry.cancelMsg = msg
	entry.taskErr = &models.TaskError{Code: string(code), Message: msg}
	now := time.Now().UTC()
	entry.completedAt = &now
	cancel := entry.cancel
	entry.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Queue-level cancel covers tasks still waiting for a dispatcher.
	_ = o.queue.Cancel(entry.id)

	o.disposeAgents(entry)
	o.monitor.AbandonTask(entry.id)
	o.hub.StreamToTask(entry.id, stream.EventTaskCancelled, map[string]any{
		"task_id": entry.id,
		"reason":  msg,
	})
	slog.Info("Task cancelled", "task_id", entry.id, "reason", msg)
	o.scheduleCleanup(entry)
}

// onTimeoutSignal reacts to adaptive monitor verdicts. A hung task is
// cancelled with a diagnostic; a stall is informational.
func (o *Orchestrator) onTimeoutSignal(ev timeoutpkg.Event) {
	switch ev.Signal {
	case timeoutpkg.SignalHung:
		o.mu.Lock()
		entry, ok := o.tasks[ev.TaskID]
		o.mu.Unlock()
		if !ok {
			return
		}
		// A hung task is cancelled under the hood but reports as failed
		// with the adaptive code.
		msg := fmt.Sprintf("no progress for %s on model %s", ev.Quiet.Round(time.Second), ev.ModelID)
		o.fail(entry, nexuserr.New(nexuserr.CodeAdaptiveHung, msg).WithTask(ev.TaskID))
	case timeoutpkg.SignalStall:
		o.hub.StreamToTask(ev.TaskID, stream.EventTaskProgress, map[string]any{
			"task_id": ev.TaskID,
			"stalled": true,
			"quiet":   ev.Quiet.String(),
		})
	}
}

// Processor adapts the orchestrator as the durable "orchestrate" job
// handler: the job's params are a SubmitInput payload executed inline.
func (o *Orchestrator) Processor() jobs.Processor {
	type payload struct {
		Task    string        `json:"task"`
		Options SubmitOptions `json:"options"`
	}
	return func(ctx context.Context, params json.RawMessage, jc jobs.JobContext) (json.RawMessage, error) {
		var p payload
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeValidation, err, "malformed orchestrate payload")
		}
		p.Options.TaskID = jc.JobID
		p.Options.Tenant = jc.Tenant
		res, err := o.SubmitTask(ctx, SubmitInput{Task: p.Task, Options: p.Options})
		if err != nil {
			return nil, err
		}
		final, err := o.await(ctx, res.TaskID, jc.Progress)
		if err != nil {
			return nil, err
		}
		return json.Marshal(final)
	}
}

// await blocks until the task reaches a terminal state, forwarding progress.
func (o *Orchestrator) await(ctx context.Context, taskID string, onProgress func(int)) (*StatusSnapshot, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			return nil, nexuserr.Wrap(nexuserr.CodeCancelled, ctx.Err(), "await aborted")
		case <-ticker.C:
		}
		snap, err := o.GetTaskStatus(taskID)
		if err != nil {
			return nil, err
		}
		if onProgress != nil && snap.Progress != lastProgress {
			lastProgress = snap.Progress
			onProgress(snap.Progress)
		}
		if snap.Status.Terminal() {
			if snap.Status == models.TaskStatusCompleted {
				return snap, nil
			}
			code := nexuserr.CodeInternal
			msg := "task did not complete"
			if snap.Error != nil {
				code = nexuserr.Code(snap.Error.Code)
				msg = snap.Error.Message
			}
			return nil, nexuserr.New(code, msg).WithTask(taskID)
		}
	}
}

// TaskCount returns the number of tracked tasks, terminal retention included.
func (o *Orchestrator) TaskCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

func (o *Orchestrator) dropEntry(taskID string) {
	o.mu.Lock()
	delete(o.tasks, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) setPhase(entry *taskEntry, p phase, progress int) {
	entry.mu.Lock()
	if entry.phase.terminal() {
		entry.mu.Unlock()
		return
	}
	entry.phase = p
	if progress > entry.progress {
		entry.progress = progress
	}
	prog := entry.progress
	entry.mu.Unlock()

	if progress > 0 {
		o.hub.StreamToTask(entry.id, stream.EventTaskProgress, map[string]any{
			"task_id":  entry.id,
			"phase":    string(p),
			"progress": prog,
		})
	}
}

func statusOf(p phase) models.TaskStatus {
	switch p {
	case phaseCompleted:
		return models.TaskStatusCompleted
	case phaseFailed:
		return models.TaskStatusFailed
	case phaseCancelled:
		return models.TaskStatusCancelled
	default:
		if p == phaseReceived || p == phaseEnqueued {
			return models.TaskStatusPending
		}
		return models.TaskStatusRunning
	}
}

// classify estimates complexity from the input shape. The planner refines
// agent design; this only picks timeout tiers and consensus depth.
func classify(text string) models.Complexity {
	words := len(strings.Fields(text))
	lower := strings.ToLower(text)
	heavy := strings.Contains(lower, "architecture") ||
		strings.Contains(lower, "prove") ||
		strings.Contains(lower, "comprehensive") ||
		strings.Contains(lower, "end-to-end")
	switch {
	case words > 400 || (heavy && words > 150):
		return models.ComplexityExtreme
	case words > 150 || heavy:
		return models.ComplexityComplex
	case words > 30:
		return models.ComplexityMedium
	default:
		return models.ComplexitySimple
	}
}
