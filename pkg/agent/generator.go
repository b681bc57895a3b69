package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/memory"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/selector"
	"github.com/adverant/nexus-core/pkg/tenant"
)

// GenerateRequest asks for a task-specific cohort design.
type GenerateRequest struct {
	Task                 string
	Complexity           models.Complexity
	Domain               string
	MaxAgents            int
	RequiredCapabilities []string
	PreferredProviders   []string
}

// Plan is the cohort design for one task.
type Plan struct {
	Profiles            []models.AgentProfile `json:"profiles"`
	Strategy            models.Strategy       `json:"strategy"`
	EstimatedDurationMs int64                 `json:"estimated_duration_ms"`
	ConsensusLayers     int                   `json:"consensus_layers"` // 0..3
}

// Generator designs agent cohorts by consulting a meta-analyzer model and
// past successful patterns.
type Generator struct {
	gw       gateway.ModelGateway
	selector *selector.Selector
	memories memory.Store
}

// NewGenerator wires a generator. memories may be nil; pattern recall and
// storage are then skipped.
func NewGenerator(gw gateway.ModelGateway, sel *selector.Selector, memories memory.Store) *Generator {
	return &Generator{gw: gw, selector: sel, memories: memories}
}

// metaTemperature keeps the meta-analyzer deterministic.
const metaTemperature = 0.2

// GenerateProfiles designs a cohort for the request. Any failure along the
// way degrades to the minimal research+synthesis fallback rather than
// blocking the task.
func (g *Generator) GenerateProfiles(ctx context.Context, req GenerateRequest, tc tenant.Context) (*Plan, error) {
	if req.MaxAgents <= 0 {
		req.MaxAgents = 4
	}

	priorPatterns := g.recallPatterns(ctx, req, tc)

	profiles, err := g.askMetaAnalyzer(ctx, req, priorPatterns)
	if err != nil {
		slog.Warn("Meta-analyzer profile generation failed, using fallback cohort",
			"task_complexity", string(req.Complexity), "error", err)
		profiles = fallbackProfiles()
	}
	profiles = sanitizeProfiles(profiles, req.MaxAgents)

	g.assignModels(ctx, req, profiles)

	plan := &Plan{
		Profiles:            profiles,
		Strategy:            strategyFor(req.Complexity, len(profiles)),
		ConsensusLayers:     consensusLayersFor(req.Complexity, len(profiles)),
		EstimatedDurationMs: estimateDuration(req.Complexity, len(profiles)),
	}

	g.storePattern(ctx, req, plan, tc)
	return plan, nil
}

// recallPatterns surfaces similar successful cohort designs for the prompt.
func (g *Generator) recallPatterns(ctx context.Context, req GenerateRequest, tc tenant.Context) []memory.Memory {
	if g.memories == nil {
		return nil
	}
	items, err := g.memories.RecallMemory(ctx, tc, memory.RecallOptions{
		Query: "agent cohort " + req.Domain + " " + string(req.Complexity),
		Limit: 3,
	})
	if err != nil {
		slog.Debug("Pattern recall failed", "error", err)
		return nil
	}
	return items
}

func (g *Generator) askMetaAnalyzer(ctx context.Context, req GenerateRequest, patterns []memory.Memory) ([]models.AgentProfile, error) {
	modelID, err := g.selector.SelectModel(ctx, selector.Criteria{
		Role:           models.RoleSynthesis,
		TaskComplexity: models.ComplexityComplex,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting meta-analyzer model: %w", err)
	}

	var prior strings.Builder
	for _, p := range patterns {
		fmt.Fprintf(&prior, "- %s\n", p.Content)
	}

	prompt := fmt.Sprintf(`Design a team of AI agents for this task.

Task: %s
Complexity: %s
Domain: %s
Maximum agents: %d
Required capabilities: %s

Previously successful team designs:
%s
Respond with ONLY a JSON array. Each element:
{"role": "research|coding|review|synthesis|specialist",
 "specialization": "...", "focus": "...",
 "capabilities": ["..."], "priority": 1-10,
 "reasoning_depth": "shallow|medium|deep|extreme"}`,
		req.Task, req.Complexity, req.Domain, req.MaxAgents,
		strings.Join(req.RequiredCapabilities, ", "), prior.String())

	resp, err := g.gw.Complete(ctx, gateway.CompletionRequest{
		ModelID:     modelID,
		Temperature: metaTemperature,
		MaxTokens:   2000,
		Messages: []gateway.Message{
			{Role: "system", Content: "You are a team-design analyst. Output strict JSON only."},
			{Role: "user", Content: prompt},
		},
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return parseProfiles(resp.Content)
}

// parseProfiles tolerates prose around the JSON array.
func parseProfiles(content string) ([]models.AgentProfile, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in meta-analyzer output")
	}
	var raw []struct {
		Role           string   `json:"role"`
		Specialization string   `json:"specialization"`
		Focus          string   `json:"focus"`
		Capabilities   []string `json:"capabilities"`
		Priority       int      `json:"priority"`
		ReasoningDepth string   `json:"reasoning_depth"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decoding profiles: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("meta-analyzer returned an empty cohort")
	}
	profiles := make([]models.AgentProfile, 0, len(raw))
	for _, r := range raw {
		profiles = append(profiles, models.AgentProfile{
			Role:           models.ParseRole(r.Role),
			Specialization: r.Specialization,
			Focus:          r.Focus,
			Capabilities:   r.Capabilities,
			Priority:       r.Priority,
			ReasoningDepth: models.ParseDepth(r.ReasoningDepth),
		})
	}
	return profiles, nil
}

// sanitizeProfiles clamps priorities, defaults depths, and enforces the
// cohort size cap.
func sanitizeProfiles(profiles []models.AgentProfile, maxAgents int) []models.AgentProfile {
	if len(profiles) > maxAgents {
		profiles = profiles[:maxAgents]
	}
	for i := range profiles {
		if profiles[i].Priority < 1 {
			profiles[i].Priority = 1
		}
		if profiles[i].Priority > 10 {
			profiles[i].Priority = 10
		}
		if profiles[i].ReasoningDepth == "" {
			profiles[i].ReasoningDepth = models.DepthMedium
		}
	}
	return profiles
}

// assignModels distributes provider-diverse models across the cohort,
// falling back to per-role defaults when diversity selection fails.
func (g *Generator) assignModels(ctx context.Context, req GenerateRequest, profiles []models.AgentProfile) {
	ids, err := g.selector.SelectDiverseModels(ctx, len(profiles), selector.Criteria{
		TaskComplexity:       req.Complexity,
		RequiredCapabilities: req.RequiredCapabilities,
		PreferredProviders:   req.PreferredProviders,
	})
	if err == nil && len(ids) == len(profiles) {
		for i := range profiles {
			profiles[i].ModelID = ids[i]
		}
		return
	}
	slog.Warn("Diverse model selection failed, using role defaults", "error", err)
	for i := range profiles {
		profiles[i].ModelID = g.selector.RoleDefault(profiles[i].Role)
	}
}

func fallbackProfiles() []models.AgentProfile {
	return []models.AgentProfile{
		{
			Role:           models.RoleResearch,
			Specialization: "general research",
			Focus:          "gather relevant facts and context",
			Priority:       5,
			ReasoningDepth: models.DepthMedium,
		},
		{
			Role:           models.RoleSynthesis,
			Specialization: "synthesis",
			Focus:          "produce the final coherent answer",
			Priority:       7,
			ReasoningDepth: models.DepthMedium,
		},
	}
}

func strategyFor(c models.Complexity, n int) models.Strategy {
	switch {
	case n == 1:
		return models.StrategySingleAgent
	case n <= 3:
		return models.StrategySequentialCollaboration
	case c == models.ComplexityExtreme || n >= 8:
		return models.StrategyCompetitiveConsensus
	default:
		return models.StrategyParallelSynthesis
	}
}

func consensusLayersFor(c models.Complexity, n int) int {
	switch {
	case n == 1:
		return 0
	case c == models.ComplexitySimple:
		return 1
	case c == models.ComplexityMedium:
		return 2
	default:
		return 3
	}
}

func estimateDuration(c models.Complexity, n int) int64 {
	base := map[models.Complexity]int64{
		models.ComplexitySimple:  15_000,
		models.ComplexityMedium:  45_000,
		models.ComplexityComplex: 120_000,
		models.ComplexityExtreme: 300_000,
	}[c]
	if base == 0 {
		base = 45_000
	}
	// Parallel execution; duration grows sub-linearly with cohort size.
	return base + int64(n)*5_000
}

func (g *Generator) storePattern(ctx context.Context, req GenerateRequest, plan *Plan, tc tenant.Context) {
	if g.memories == nil {
		return
	}
	summary, err := json.Marshal(map[string]any{
		"task":       truncateStr(req.Task, 200),
		"complexity": req.Complexity,
		"domain":     req.Domain,
		"strategy":   plan.Strategy,
		"agents":     len(plan.Profiles),
		"layers":     plan.ConsensusLayers,
	})
	if err != nil {
		return
	}
	if _, err := g.memories.StoreMemory(ctx, tc, "agent cohort "+string(summary), map[string]any{
		"kind": "cohort_pattern",
	}); err != nil {
		slog.Debug("Storing cohort pattern failed", "error", err)
	}
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
