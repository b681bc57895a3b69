package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus-core/pkg/agent"
	"github.com/adverant/nexus-core/pkg/checkpoint"
	"github.com/adverant/nexus-core/pkg/jobstore"
	"github.com/adverant/nexus-core/pkg/memory"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/retry"
	"github.com/adverant/nexus-core/pkg/scope"
	"github.com/adverant/nexus-core/pkg/selector"
	"github.com/adverant/nexus-core/pkg/spawn"
	"github.com/adverant/nexus-core/pkg/stream"
	"github.com/adverant/nexus-core/pkg/tenant"
)

// spawnTimeout bounds each agent construction.
const spawnTimeout = 30 * time.Second

// run executes the orchestration pipeline for one admitted task. runCtx
// carries the hard queue-level deadline.
func (o *Orchestrator) run(runCtx context.Context, entry *taskEntry) {
	ctx, cancel := context.WithCancel(runCtx)
	defer cancel()

	entry.mu.Lock()
	if entry.phase.terminal() {
		entry.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	entry.startedAt = &now
	entry.cancel = cancel
	tc := entry.tenant
	complexity := entry.complexity
	objective := entry.input
	constraints := entry.constraints
	entry.mu.Unlock()

	log := slog.With("task_id", entry.id, "complexity", string(complexity))
	log.Info("Task started")
	o.hub.StreamToTask(entry.id, stream.EventTaskStart, map[string]any{
		"task_id":   entry.id,
		"thread_id": entry.threadID,
	})
	o.setPhase(entry, phaseClassified, 0)

	// Conversation thread append and retrieval context, both best-effort.
	shared := o.gatherContext(ctx, entry, objective, complexity, tc)

	// Task entity for external discovery, best-effort.
	if _, err := o.memories.StoreMemory(ctx, tc, "task "+entry.id+": "+truncateStr(objective, 200),
		map[string]any{"kind": "task_entity", "task_id": entry.id, "thread_id": entry.threadID}); err != nil {
		log.Debug("Task entity write failed", "error", err)
	}
	o.setPhase(entry, phaseClassified, 5)

	// Plan the cohort. Caller constraints can only narrow the configured cap.
	maxAgents := o.cfg.Orchestra.MaxAgents
	if constraints.MaxAgents > 0 && constraints.MaxAgents < maxAgents {
		maxAgents = constraints.MaxAgents
	}
	plan, err := o.generator.GenerateProfiles(ctx, agent.GenerateRequest{
		Task:                 objective,
		Complexity:           complexity,
		MaxAgents:            maxAgents,
		RequiredCapabilities: constraints.RequiredCapabilities,
		PreferredProviders:   constraints.PreferredProviders,
	}, tc)
	if err != nil {
		o.fail(entry, err)
		return
	}
	if err := o.store.SavePlan(ctx, entry.id, plan); err != nil {
		log.Debug("Plan persistence failed", "error", err)
	}
	o.setPhase(entry, phasePlanned, 15)
	log.Info("Cohort planned", "agents", len(plan.Profiles),
		"strategy", string(plan.Strategy), "consensus_layers", plan.ConsensusLayers)

	// Spawn the cohort in parallel.
	o.setPhase(entry, phaseSpawning, 15)
	cohort, err := o.spawnCohort(ctx, entry, plan, shared)
	if err != nil {
		o.fail(entry, err)
		return
	}
	o.setPhase(entry, phaseSpawning, 25)

	// Execute under retry and the adaptive monitor.
	o.setPhase(entry, phaseExecuting, 25)
	primaryModel := plan.Profiles[0].ModelID
	o.monitor.StartMonitoring(entry.id, primaryModel, complexity)

	outputs := o.executeCohort(ctx, entry, plan, cohort, objective)
	if entry.terminalNow() {
		return
	}
	if err := ctx.Err(); err != nil {
		o.fail(entry, nexuserr.Wrap(deadlineCode(runCtx), err, "execution aborted"))
		return
	}

	succeeded := 0
	for _, r := range outputs {
		if r.Success {
			succeeded++
		}
	}
	o.setPhase(entry, phaseExecuting, 70)
	o.hub.StreamToTask(entry.id, stream.EventTaskProgress, map[string]any{
		"task_id":   entry.id,
		"progress":  70,
		"agents":    len(outputs),
		"succeeded": succeeded,
	})
	if succeeded == 0 {
		o.fail(entry, nexuserr.New(nexuserr.CodeInternal, "all agent executions failed").WithTask(entry.id))
		return
	}

	// Fuse outputs.
	o.setPhase(entry, phaseSynthesizing, 80)
	fused, err := o.engine.Apply(ctx, objective, outputs, plan.ConsensusLayers, tc)
	if err != nil {
		o.fail(entry, err)
		return
	}
	o.setPhase(entry, phaseSynthesizing, 95)

	// Durable persistence, strictly sequential.
	o.setPhase(entry, phasePersisting, 95)
	result, err := o.persist(ctx, entry, fused, len(cohort), tc)
	if err != nil {
		o.fail(entry, err)
		return
	}

	o.complete(entry, result)
}

// gatherContext appends the user message to the thread and synthesizes the
// retrieval context, all best-effort under the configured token budget.
// Extreme tasks page through more items in smaller chunks.
func (o *Orchestrator) gatherContext(ctx context.Context, entry *taskEntry, objective string, complexity models.Complexity, tc tenant.Context) string {
	if _, err := o.memories.StoreMemory(ctx, tc, objective, map[string]any{
		"kind":      "user_message",
		"thread_id": entry.threadID,
	}); err != nil {
		slog.Debug("Thread message store failed", "task_id", entry.id, "error", err)
	}

	opts := memory.SynthesisOptions{
		IncludeMemories:  true,
		IncludeEpisodes:  true,
		IncludeDocuments: true,
		Limit:            10,
		MaxTokens:        o.cfg.Orchestra.ContextTokenBudget,
	}
	if complexity == models.ComplexityExtreme {
		opts.Limit = 25
		opts.ChunkSize = 512
	}
	synth, err := o.memories.SynthesizeContext(ctx, tc, objective, opts)
	if err != nil {
		slog.Debug("Context synthesis failed", "task_id", entry.id, "error", err)
		return ""
	}
	return synth.Summary
}

// spawnCohort constructs all agents in parallel batches, registering each in
// the pool and under a disposal scope.
func (o *Orchestrator) spawnCohort(ctx context.Context, entry *taskEntry, plan *agent.Plan, shared string) ([]*agent.Agent, error) {
	competitionID := ""
	if plan.Strategy == models.StrategyCompetitiveConsensus {
		competitionID = uuid.New().String()
		o.hub.StreamToTask(entry.id, stream.EventCompetitionStarted, map[string]any{
			"task_id":        entry.id,
			"competition_id": competitionID,
			"agents":         len(plan.Profiles),
		})
	}

	requests := make([]spawn.Request[*agent.Agent], 0, len(plan.Profiles))
	for i, profile := range plan.Profiles {
		profile := profile
		requests = append(requests, spawn.Request[*agent.Agent]{
			ID: fmt.Sprintf("%s-agent-%d", entry.id, i),
			Factory: func(fctx context.Context) (*agent.Agent, error) {
				a := agent.New(profile, o.gw, o.hub)
				if err := a.BindTask(entry.id, shared); err != nil {
					return nil, err
				}
				if competitionID != "" {
					a.SetGroups(competitionID, "")
				}
				taskID := entry.id
				a.OnProgress(func(byteDelta, chunkDelta int) {
					o.monitor.UpdateProgress(taskID, int64(byteDelta), int64(chunkDelta))
				})
				if err := o.agents.Add(fctx, a); err != nil {
					return nil, err
				}
				return a, nil
			},
		})
	}

	outcomes := spawn.SpawnParallel(ctx, o.spawner, requests, spawn.Options{
		MaxConcurrency: 8,
		Timeout:        spawnTimeout,
		RetryOnFailure: true,
	})

	var cohort []*agent.Agent
	for _, out := range outcomes {
		if out.Status != spawn.StatusFulfilled {
			slog.Warn("Agent spawn rejected", "task_id", entry.id, "request_id", out.ID, "reason", out.Reason)
			continue
		}
		a := out.Value
		cohort = append(cohort, a)

		sc := o.census.Enter("agent:"+a.ID, a)
		entry.mu.Lock()
		entry.agentIDs = append(entry.agentIDs, a.ID)
		entry.scopes = append(entry.scopes, sc)
		entry.mu.Unlock()

		o.hub.StreamToTask(entry.id, stream.EventAgentSpawned, map[string]any{
			"task_id":  entry.id,
			"agent_id": a.ID,
			"role":     string(a.Profile.Role),
			"model":    a.Profile.ModelID,
		})
	}
	if len(cohort) == 0 {
		return nil, nexuserr.New(nexuserr.CodeInternal, "no agents could be spawned").WithTask(entry.id)
	}
	return cohort, nil
}

// executeCohort runs the cohort under its strategy and collects results.
func (o *Orchestrator) executeCohort(ctx context.Context, entry *taskEntry, plan *agent.Plan, cohort []*agent.Agent, objective string) []models.ExecutionResult {
	if plan.Strategy == models.StrategySequentialCollaboration {
		return o.executeSequential(ctx, entry, cohort, objective)
	}
	return o.executeParallel(ctx, entry, cohort, objective)
}

// executeSequential runs agents in priority order, feeding each the outputs
// of its predecessors.
func (o *Orchestrator) executeSequential(ctx context.Context, entry *taskEntry, cohort []*agent.Agent, objective string) []models.ExecutionResult {
	ordered := make([]*agent.Agent, len(cohort))
	copy(ordered, cohort)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Profile.Priority > ordered[j].Profile.Priority
	})

	var results []models.ExecutionResult
	var handoff strings.Builder
	for _, a := range ordered {
		if ctx.Err() != nil {
			break
		}
		if handoff.Len() > 0 {
			if err := a.BindTask(entry.id, handoff.String()); err != nil {
				slog.Warn("Rebinding shared context failed", "agent_id", a.ID, "error", err)
			}
		}
		res := o.executeOne(ctx, entry, a, objective)
		results = append(results, res)
		if res.Success {
			fmt.Fprintf(&handoff, "Previous agent (%s) concluded:\n%s\n\n", res.Role, truncateStr(res.Output, 2000))
		}
	}
	return results
}

// executeParallel fans the cohort out concurrently and joins.
func (o *Orchestrator) executeParallel(ctx context.Context, entry *taskEntry, cohort []*agent.Agent, objective string) []models.ExecutionResult {
	results := make([]models.ExecutionResult, len(cohort))
	var wg sync.WaitGroup
	for i, a := range cohort {
		wg.Add(1)
		go func(i int, a *agent.Agent) {
			defer wg.Done()
			results[i] = o.executeOne(ctx, entry, a, objective)
		}(i, a)
	}
	wg.Wait()
	return results
}

// executeOne runs a single agent under the retry executor.
func (o *Orchestrator) executeOne(ctx context.Context, entry *taskEntry, a *agent.Agent, objective string) models.ExecutionResult {
	res, err := retry.Do(ctx, o.retries, retry.Operation{
		TaskID:  entry.id,
		AgentID: a.ID,
		Name:    "agent.execute",
	}, func(attemptCtx context.Context) (*models.ExecutionResult, error) {
		res, execErr := a.Execute(attemptCtx, objective)
		if execErr != nil && nexuserr.CodeOf(execErr) == nexuserr.CodeGatewayUnavailable {
			// The model's gateway circuit opened; swap in a replacement so the
			// next retry attempt does not hit the same open circuit.
			o.substituteModel(ctx, entry, a, execErr)
		}
		return res, execErr
	})
	if err != nil {
		slog.Warn("Agent execution failed",
			"task_id", entry.id, "agent_id", a.ID, "model", a.Profile.ModelID, "error", err)
		return models.ExecutionResult{
			AgentID: a.ID,
			ModelID: a.Profile.ModelID,
			Role:    a.Profile.Role,
			Success: false,
			Err:     err,
		}
	}
	o.sel.MarkModelAsWorking(res.ModelID)
	o.hub.StreamToTask(entry.id, stream.EventAgentComplete, map[string]any{
		"task_id":  entry.id,
		"agent_id": a.ID,
		"tokens":   res.TokensUsed,
	})
	return *res
}

// substituteModel marks the agent's current model failed and rebinds the
// agent to a healthy replacement for the same role. The agent keeps its
// original model when no replacement qualifies.
func (o *Orchestrator) substituteModel(ctx context.Context, entry *taskEntry, a *agent.Agent, cause error) {
	failed := a.Profile.ModelID
	o.sel.MarkModelAsFailed(failed, cause)

	entry.mu.Lock()
	complexity := entry.complexity
	entry.mu.Unlock()

	replacement, err := o.sel.SelectModel(ctx, selector.Criteria{
		Role:           a.Profile.Role,
		TaskComplexity: complexity,
		AvoidModels:    []string{failed},
	})
	if err != nil {
		slog.Warn("No substitute model available",
			"task_id", entry.id, "agent_id", a.ID, "failed_model", failed, "error", err)
		return
	}
	a.SetModel(replacement)
	slog.Info("Substituted failed model",
		"task_id", entry.id, "agent_id", a.ID, "failed_model", failed, "replacement", replacement)
}

// persist runs the sequential durability chain. Only the document write is
// fatal; the checkpoint protects against a crash inside this window.
func (o *Orchestrator) persist(ctx context.Context, entry *taskEntry, fused *models.ConsensusResult, agentCount int, tc tenant.Context) (*models.TaskResult, error) {
	// Persistence must finish even if the hard deadline expires mid-chain.
	pctx := context.WithoutCancel(ctx)

	cp := &checkpoint.Checkpoint{
		TaskID:            entry.id,
		Tenant:            tc,
		SynthesisResult:   fused.FinalOutput,
		AgentCount:        agentCount,
		ConsensusStrength: fused.ConsensusStrength,
		Metadata: map[string]any{
			"thread_id":  entry.threadID,
			"confidence": fused.ConfidenceScore,
		},
	}
	if err := o.wal.Write(pctx, cp); err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeDurability, err, "checkpoint write failed")
	}

	docID, err := o.memories.StoreDocument(pctx, tc, fused.FinalOutput, map[string]any{
		"task_id":            entry.id,
		"thread_id":          entry.threadID,
		"agent_count":        agentCount,
		"consensus_strength": fused.ConsensusStrength,
	})
	if err != nil {
		return nil, nexuserr.Wrap(nexuserr.CodeDurability, err, "final document write failed")
	}

	// Re-write the checkpoint with the document ID so a replay after a crash
	// in the remaining chain does not mint a second document.
	cp.DocumentID = docID
	if err := o.wal.Write(pctx, cp); err != nil {
		slog.Warn("Checkpoint document-id update failed", "task_id", entry.id, "error", err)
	}

	if _, err := o.store.Enqueue(pctx, models.TaskTypeWorkflow, mustJSON(map[string]any{
		"kind":        "memory_projection",
		"task_id":     entry.id,
		"document_id": docID,
	}), jobstore.EnqueueOptions{}); err != nil {
		slog.Debug("Memory projection enqueue failed", "task_id", entry.id, "error", err)
	}

	if _, err := o.memories.StoreEpisode(pctx, tc, memory.Episode{
		TaskID:  entry.id,
		Title:   truncateStr(entry.input, 120),
		Content: truncateStr(fused.FinalOutput, 500),
		Metadata: map[string]any{
			"document_id": docID,
		},
	}); err != nil {
		slog.Debug("Episode write failed", "task_id", entry.id, "error", err)
	}

	if err := o.wal.Commit(pctx, entry.id); err != nil {
		slog.Warn("Checkpoint commit failed; recovery will replay", "task_id", entry.id, "error", err)
	}

	return &models.TaskResult{
		Output:            fused.FinalOutput,
		DocumentID:        docID,
		ConsensusStrength: fused.ConsensusStrength,
		ConfidenceScore:   fused.ConfidenceScore,
		AgentCount:        agentCount,
		Metadata: map[string]any{
			"conflict_resolutions": len(fused.ConflictResolutions),
			"uncertainties":        fused.Uncertainties,
		},
	}, nil
}

// RecoverCheckpoint replays durable persistence for a checkpoint found
// pending at startup: the synthesized result is written as a document and an
// episode pointer under the original tenant. A checkpoint that already
// carries a document ID crashed after the document write, so only the
// remaining chain is replayed.
func (o *Orchestrator) RecoverCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	docID := cp.DocumentID
	if docID == "" {
		var err error
		docID, err = o.memories.StoreDocument(ctx, cp.Tenant, cp.SynthesisResult, map[string]any{
			"task_id":            cp.TaskID,
			"agent_count":        cp.AgentCount,
			"consensus_strength": cp.ConsensusStrength,
			"recovered":          true,
		})
		if err != nil {
			return nexuserr.Wrap(nexuserr.CodeDurability, err, "recovered document write failed")
		}
	}
	if _, err := o.memories.StoreEpisode(ctx, cp.Tenant, memory.Episode{
		TaskID:   cp.TaskID,
		Title:    "recovered task " + cp.TaskID,
		Content:  truncateStr(cp.SynthesisResult, 500),
		Metadata: map[string]any{"document_id": docID, "recovered": true},
	}); err != nil {
		slog.Debug("Recovered episode write failed", "task_id", cp.TaskID, "error", err)
	}
	return nil
}

func (o *Orchestrator) complete(entry *taskEntry, result *models.TaskResult) {
	entry.mu.Lock()
	if entry.phase.terminal() {
		entry.mu.Unlock()
		return
	}
	entry.phase = phaseCompleted
	entry.progress = 100
	entry.result = result
	now := time.Now().UTC()
	entry.completedAt = &now
	entry.mu.Unlock()

	o.monitor.CompleteTask(entry.id)
	o.hub.StreamToTask(entry.id, stream.EventTaskCompleted, map[string]any{
		"task_id":            entry.id,
		"progress":           100,
		"agent_count":        result.AgentCount,
		"consensus_strength": result.ConsensusStrength,
		"document_id":        result.DocumentID,
	})
	slog.Info("Task completed", "task_id", entry.id,
		"agents", result.AgentCount, "consensus_strength", result.ConsensusStrength)
	o.scheduleCleanup(entry)
}

// fail moves the task to failed with a stable error code.
func (o *Orchestrator) fail(entry *taskEntry, err error) {
	code := nexuserr.CodeOf(err)

	entry.mu.Lock()
	if entry.phase.terminal() {
		entry.mu.Unlock()
		return
	}
	entry.phase = phaseFailed
	entry.taskErr = &models.TaskError{Code: string(code), Message: err.Error()}
	now := time.Now().UTC()
	entry.completedAt = &now
	cancel := entry.cancel
	entry.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.disposeAgents(entry)
	o.monitor.AbandonTask(entry.id)
	o.hub.StreamToTask(entry.id, stream.EventTaskFailed, map[string]any{
		"task_id":    entry.id,
		"error_code": string(code),
		"error":      err.Error(),
	})
	slog.Error("Task failed", "task_id", entry.id, "error_code", string(code), "error", err)
	o.scheduleCleanup(entry)
}

// disposeAgents tears down every live agent scope and pool registration.
func (o *Orchestrator) disposeAgents(entry *taskEntry) {
	entry.mu.Lock()
	scopes := entry.scopes
	ids := entry.agentIDs
	entry.scopes = nil
	entry.mu.Unlock()

	ctx := context.Background()
	for _, sc := range scopes {
		if err := sc.Dispose(ctx, scope.DisposeOptions{SuppressErrors: true}); err != nil {
			slog.Debug("Agent scope disposal error", "scope", sc.Name(), "error", err)
		}
	}
	for _, id := range ids {
		o.agents.Remove(ctx, id)
	}
}

// scheduleCleanup disposes remaining resources after the grace period and
// drops the terminal entry after the retention window.
func (o *Orchestrator) scheduleCleanup(entry *taskEntry) {
	time.AfterFunc(o.cfg.Orchestra.CleanupGrace, func() {
		o.disposeAgents(entry)
	})
	time.AfterFunc(o.cfg.Orchestra.TerminalRetention, func() {
		o.dropEntry(entry.id)
	})
}

func (e *taskEntry) terminalNow() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase.terminal()
}

func deadlineCode(ctx context.Context) nexuserr.Code {
	if ctx.Err() == context.DeadlineExceeded {
		return nexuserr.CodeTimeout
	}
	return nexuserr.CodeCancelled
}

func mustJSON(v map[string]any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
