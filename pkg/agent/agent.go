// Package agent implements the single-model workers executed by the
// orchestrator: each agent owns one model binding, runs one task, streams
// progress, and is disposed exactly once on every exit path.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/nexuserr"
)

// State is the agent lifecycle state. A disposed agent is never reused.
type State string

// Agent states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDisposed  State = "disposed"
)

// Sentinel errors.
var (
	// ErrDisposed indicates an operation on a disposed agent.
	ErrDisposed = errors.New("agent is disposed")

	// ErrAlreadyRunning indicates Execute was called on a busy agent.
	ErrAlreadyRunning = errors.New("agent is already running")
)

// EventPublisher receives streaming events from agents. Satisfied by the
// stream hub; tests substitute a recorder.
type EventPublisher interface {
	StreamToAgent(agentID, eventType string, data map[string]any)
	StreamToTask(taskID, eventType string, data map[string]any)
}

// ProgressFunc receives byte/chunk deltas during streaming execution.
// Wired to the adaptive timeout monitor.
type ProgressFunc func(byteDelta, chunkDelta int)

// Agent is a single-model worker bound to a profile.
type Agent struct {
	ID      string
	Profile models.AgentProfile

	gw        gateway.ModelGateway
	publisher EventPublisher

	mu                 sync.Mutex
	state              State
	ownedTaskID        string
	sharedContext      string
	competitionGroup   string
	collaborationGroup string
	onProgress         ProgressFunc
	createdAt          time.Time
	lastActiveAt       time.Time
}

// New creates an idle agent for the given profile.
func New(profile models.AgentProfile, gw gateway.ModelGateway, publisher EventPublisher) *Agent {
	now := time.Now()
	return &Agent{
		ID:           uuid.New().String(),
		Profile:      profile,
		gw:           gw,
		publisher:    publisher,
		state:        StateIdle,
		createdAt:    now,
		lastActiveAt: now,
	}
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// CreatedAt returns when the agent was constructed.
func (a *Agent) CreatedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createdAt
}

// LastActiveAt returns the last execution activity time.
func (a *Agent) LastActiveAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActiveAt
}

// BindTask attaches the agent to its task before execution.
func (a *Agent) BindTask(taskID, sharedContext string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDisposed {
		return ErrDisposed
	}
	a.ownedTaskID = taskID
	a.sharedContext = sharedContext
	return nil
}

// SetGroups records competition/collaboration group membership.
func (a *Agent) SetGroups(competition, collaboration string) {
	a.mu.Lock()
	a.competitionGroup = competition
	a.collaborationGroup = collaboration
	a.mu.Unlock()
}

// SetModel rebinds the agent to a different model, used when the current
// model's gateway circuit opens between execution attempts.
func (a *Agent) SetModel(modelID string) {
	a.mu.Lock()
	a.Profile.ModelID = modelID
	a.mu.Unlock()
}

// OnProgress registers the progress callback used during streaming.
func (a *Agent) OnProgress(fn ProgressFunc) {
	a.mu.Lock()
	a.onProgress = fn
	a.mu.Unlock()
}

// Execute runs the agent's model against its bound task, streaming chunks as
// agent:streaming events and finishing with a streaming-complete frame.
func (a *Agent) Execute(ctx context.Context, objective string) (*models.ExecutionResult, error) {
	a.mu.Lock()
	switch a.state {
	case StateDisposed:
		a.mu.Unlock()
		return nil, ErrDisposed
	case StateRunning:
		a.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	a.state = StateRunning
	a.lastActiveAt = time.Now()
	taskID := a.ownedTaskID
	shared := a.sharedContext
	onProgress := a.onProgress
	a.mu.Unlock()

	start := time.Now()
	chunks, bytes := 0, 0

	req := gateway.CompletionRequest{
		ModelID:     a.Profile.ModelID,
		Temperature: temperatureFor(a.Profile.ReasoningDepth),
		Messages:    a.buildMessages(objective, shared),
	}

	resp, err := a.gw.CompleteStream(ctx, req, func(c gateway.Chunk) error {
		if c.Done {
			return nil
		}
		chunks++
		bytes += len(c.Delta)
		if onProgress != nil {
			onProgress(len(c.Delta), 1)
		}
		if a.publisher != nil {
			a.publisher.StreamToAgent(a.ID, "agent:streaming", map[string]any{
				"agent_id": a.ID,
				"model_id": a.Profile.ModelID,
				"role":     a.Profile.Role,
				"chunk":    c.Delta,
				"progress": map[string]any{
					"chunks_received": chunks,
					"bytes_received":  bytes,
				},
			})
		}
		return nil
	})

	elapsed := time.Since(start)

	a.mu.Lock()
	a.lastActiveAt = time.Now()
	if err != nil {
		a.state = StateFailed
	} else {
		a.state = StateSucceeded
	}
	a.mu.Unlock()

	if a.publisher != nil {
		a.publisher.StreamToAgent(a.ID, "agent:streaming:complete", map[string]any{
			"agent_id":     a.ID,
			"total_chunks": chunks,
			"total_bytes":  bytes,
			"duration_ms":  elapsed.Milliseconds(),
		})
	}

	result := &models.ExecutionResult{
		AgentID: a.ID,
		ModelID: a.Profile.ModelID,
		Role:    a.Profile.Role,
		Latency: elapsed,
	}
	if err != nil {
		result.Success = false
		result.Err = err
		var nerr *nexuserr.Error
		if errors.As(err, &nerr) {
			result.Err = nerr.WithAgent(a.ID, a.Profile.ModelID).WithTask(taskID).WithDuration(elapsed)
		}
		return result, result.Err
	}
	result.Success = true
	result.Output = resp.Content
	result.TokensUsed = resp.TokensUsed
	return result, nil
}

// Dispose releases the agent: listener references and cached task context are
// cleared and the state transitions to disposed. Idempotent.
func (a *Agent) Dispose(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateDisposed {
		return nil
	}
	a.state = StateDisposed
	a.publisher = nil
	a.onProgress = nil
	a.ownedTaskID = ""
	a.sharedContext = ""
	return nil
}

// buildMessages assembles the chat turns for this agent's role.
func (a *Agent) buildMessages(objective, shared string) []gateway.Message {
	msgs := []gateway.Message{{Role: "system", Content: rolePrompt(a.Profile)}}
	if shared != "" {
		msgs = append(msgs, gateway.Message{
			Role:    "system",
			Content: "Relevant context from prior work:\n" + shared,
		})
	}
	msgs = append(msgs, gateway.Message{Role: "user", Content: objective})
	return msgs
}

// rolePrompt renders the system prompt for a profile.
func rolePrompt(p models.AgentProfile) string {
	var base string
	switch p.Role {
	case models.RoleResearch:
		base = "You are a research agent. Gather, verify, and cite relevant facts before drawing conclusions."
	case models.RoleCoding:
		base = "You are a coding agent. Produce working, idiomatic code with brief rationale."
	case models.RoleReview:
		base = "You are a review agent. Critique the material for correctness, gaps, and risks."
	case models.RoleSynthesis:
		base = "You are a synthesis agent. Fuse the provided inputs into one coherent, complete answer."
	default:
		base = "You are a specialist agent."
	}
	out := base
	if p.Specialization != "" {
		out += fmt.Sprintf(" Specialization: %s.", p.Specialization)
	}
	if p.Focus != "" {
		out += fmt.Sprintf(" Focus on: %s.", p.Focus)
	}
	if p.ReasoningDepth == models.DepthDeep || p.ReasoningDepth == models.DepthExtreme {
		out += " Reason step by step and consider alternatives before answering."
	}
	return out
}

// temperatureFor maps reasoning depth to sampling temperature: deeper
// reasoning runs cooler.
func temperatureFor(depth models.ReasoningDepth) float64 {
	switch depth {
	case models.DepthShallow:
		return 0.9
	case models.DepthDeep:
		return 0.4
	case models.DepthExtreme:
		return 0.2
	default:
		return 0.7
	}
}
