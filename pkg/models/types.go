// Package models holds the domain types shared across orchestration
// components: tasks, agent profiles, execution results, and consensus
// artifacts.
package models

import (
	"time"

	"github.com/adverant/nexus-core/pkg/tenant"
)

// TaskType classifies the work a task represents.
type TaskType string

// Task types accepted at the submission boundary.
const (
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeCompetition   TaskType = "competition"
	TaskTypeCollaboration TaskType = "collaboration"
	TaskTypeSynthesis     TaskType = "synthesis"
	TaskTypeWorkflow      TaskType = "workflow"
	TaskTypeFileProcess   TaskType = "file_process"
	TaskTypeSecurityScan  TaskType = "security_scan"
	TaskTypeCodeExecute   TaskType = "code_execute"
)

// TaskStatus is the lifecycle state of a task. Terminal statuses are final.
type TaskStatus string

// Task statuses.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timeout"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled:
		return true
	}
	return false
}

// Complexity grades a task for timeout and planning decisions.
type Complexity string

// Complexity grades.
const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
	ComplexityExtreme Complexity = "extreme"
)

// ParseComplexity coerces arbitrary input to a known grade, defaulting to medium.
func ParseComplexity(s string) Complexity {
	switch Complexity(s) {
	case ComplexitySimple, ComplexityMedium, ComplexityComplex, ComplexityExtreme:
		return Complexity(s)
	}
	return ComplexityMedium
}

// Task is the unit of orchestration. Mutated only by the orchestrator;
// a terminal status write happens exactly once.
type Task struct {
	ID               string         `json:"id"`
	Type             TaskType       `json:"type"`
	Objective        string         `json:"objective"`
	Context          map[string]any `json:"context,omitempty"`
	Constraints      Constraints    `json:"constraints"`
	Complexity       Complexity     `json:"complexity"`
	Status           TaskStatus     `json:"status"`
	Result           *TaskResult    `json:"result,omitempty"`
	ThreadID         string         `json:"thread_id"`
	MemoryContextRef string         `json:"memory_context_ref,omitempty"`
	EntityID         string         `json:"entity_id,omitempty"`
	Tenant           tenant.Context `json:"tenant"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Error            *TaskError     `json:"error,omitempty"`
	Progress         int            `json:"progress"`
}

// Constraints bound the planning phase.
type Constraints struct {
	MaxAgents            int           `json:"max_agents,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
	PreferredProviders   []string      `json:"preferred_providers,omitempty"`
}

// TaskError is the caller-visible failure description.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskResult is the final artifact of a completed task.
type TaskResult struct {
	Output            string         `json:"output"`
	DocumentID        string         `json:"document_id,omitempty"`
	ConsensusStrength float64        `json:"consensus_strength,omitempty"`
	ConfidenceScore   float64        `json:"confidence_score,omitempty"`
	AgentCount        int            `json:"agent_count"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// AgentRole identifies the specialization family of an agent.
type AgentRole string

// Agent roles.
const (
	RoleResearch   AgentRole = "research"
	RoleCoding     AgentRole = "coding"
	RoleReview     AgentRole = "review"
	RoleSynthesis  AgentRole = "synthesis"
	RoleSpecialist AgentRole = "specialist"
)

// ParseRole coerces arbitrary input to a known role, defaulting to specialist.
func ParseRole(s string) AgentRole {
	switch AgentRole(s) {
	case RoleResearch, RoleCoding, RoleReview, RoleSynthesis, RoleSpecialist:
		return AgentRole(s)
	}
	return RoleSpecialist
}

// ReasoningDepth tunes how much deliberation an agent applies.
type ReasoningDepth string

// Reasoning depths.
const (
	DepthShallow ReasoningDepth = "shallow"
	DepthMedium  ReasoningDepth = "medium"
	DepthDeep    ReasoningDepth = "deep"
	DepthExtreme ReasoningDepth = "extreme"
)

// ParseDepth coerces arbitrary input to a known depth, defaulting to medium.
func ParseDepth(s string) ReasoningDepth {
	switch ReasoningDepth(s) {
	case DepthShallow, DepthMedium, DepthDeep, DepthExtreme:
		return ReasoningDepth(s)
	}
	return DepthMedium
}

// AgentProfile is the declarative description of a planned agent.
// Immutable once a model is assigned.
type AgentProfile struct {
	Role           AgentRole      `json:"role"`
	Specialization string         `json:"specialization"`
	Focus          string         `json:"focus"`
	Capabilities   []string       `json:"capabilities"`
	Priority       int            `json:"priority"` // 1..10
	ReasoningDepth ReasoningDepth `json:"reasoning_depth"`
	ModelID        string         `json:"model_id"`
}

// ExecutionResult is the output of one agent execution.
type ExecutionResult struct {
	AgentID    string        `json:"agent_id"`
	ModelID    string        `json:"model_id"`
	Role       AgentRole     `json:"role"`
	Output     string        `json:"output"`
	TokensUsed int           `json:"tokens_used"`
	Latency    time.Duration `json:"latency_ms"`
	Success    bool          `json:"success"`
	Err        error         `json:"-"`
}

// ConflictResolution records one arbitrated disagreement during consensus.
type ConflictResolution struct {
	Topic      string   `json:"topic"`
	Positions  []string `json:"positions"`
	Resolution string   `json:"resolution"`
	ArbiterID  string   `json:"arbiter_model_id"`
}

// ConsensusResult is the fused output of multiple agents.
type ConsensusResult struct {
	FinalOutput         string               `json:"final_output"`
	ConsensusStrength   float64              `json:"consensus_strength"` // [0,1]
	ConfidenceScore     float64              `json:"confidence_score"`   // [0,1]
	ConflictResolutions []ConflictResolution `json:"conflict_resolutions,omitempty"`
	Uncertainties       []string             `json:"uncertainties,omitempty"`
}

// Strategy names the execution plan for a cohort.
type Strategy string

// Cohort strategies.
const (
	StrategySingleAgent             Strategy = "single-agent"
	StrategySequentialCollaboration Strategy = "sequential-collaboration"
	StrategyParallelSynthesis       Strategy = "parallel-synthesis"
	StrategyCompetitiveConsensus    Strategy = "competitive-consensus"
)
