// Package selector chooses concrete models for agent profiles: capability
// and context-length matching, provider diversity, health tracking with a
// sliding failure cooldown, and a cached gateway catalog.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/models"
)

// Sentinel errors.
var (
	// ErrNoEligibleModels indicates every candidate was filtered out.
	ErrNoEligibleModels = errors.New("no eligible models")

	// ErrUnknownModel indicates a model ID absent from the catalog.
	ErrUnknownModel = errors.New("unknown model")
)

// Criteria constrains a single model selection.
type Criteria struct {
	Role                 models.AgentRole
	TaskComplexity       models.Complexity
	RequiredCapabilities []string
	MinContextLength     int
	PreferredProviders   []string
	AvoidModels          []string
}

// Selector picks models from the gateway catalog and tracks health.
type Selector struct {
	gw  gateway.ModelGateway
	cfg *config.SelectorConfig

	mu          sync.Mutex
	catalog     []gateway.Model
	catalogAt   time.Time
	failedUntil map[string]time.Time
}

// New creates a selector over the given gateway.
func New(gw gateway.ModelGateway, cfg *config.SelectorConfig) *Selector {
	return &Selector{
		gw:          gw,
		cfg:         cfg,
		failedUntil: make(map[string]time.Time),
	}
}

// catalogModels returns the cached catalog, refreshing when stale. A stale
// cache is served if the refresh fails.
func (s *Selector) catalogModels(ctx context.Context) ([]gateway.Model, error) {
	s.mu.Lock()
	fresh := time.Since(s.catalogAt) < s.cfg.CatalogTTL && len(s.catalog) > 0
	cached := s.catalog
	s.mu.Unlock()

	if fresh {
		return cached, nil
	}

	list, err := s.gw.ListModels(ctx)
	if err != nil {
		if len(cached) > 0 {
			slog.Warn("Catalog refresh failed, serving stale cache",
				"cached_models", len(cached), "error", err)
			return cached, nil
		}
		return nil, fmt.Errorf("fetching model catalog: %w", err)
	}

	s.mu.Lock()
	s.catalog = list
	s.catalogAt = time.Now()
	s.mu.Unlock()
	return list, nil
}

// MarkModelAsFailed puts a model on cooldown; it is avoided until the
// sliding cooldown elapses.
func (s *Selector) MarkModelAsFailed(modelID string, err error) {
	s.mu.Lock()
	s.failedUntil[modelID] = time.Now().Add(s.cfg.FailureCooldown)
	s.mu.Unlock()
	slog.Warn("Model marked as failed", "model_id", modelID, "cooldown", s.cfg.FailureCooldown, "error", err)
}

// MarkModelAsWorking clears a model's failure cooldown.
func (s *Selector) MarkModelAsWorking(modelID string) {
	s.mu.Lock()
	delete(s.failedUntil, modelID)
	s.mu.Unlock()
}

// healthy reports whether the model is not on cooldown.
func (s *Selector) healthy(modelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.failedUntil[modelID]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(s.failedUntil, modelID)
		return true
	}
	return false
}

// ValidateModel reports whether the model exists in the gateway catalog.
func (s *Selector) ValidateModel(ctx context.Context, modelID string) (bool, error) {
	catalog, err := s.catalogModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range catalog {
		if m.ID == modelID {
			return true, nil
		}
	}
	return false, nil
}

// SelectModel picks the best model for the criteria. Preference order:
// capability match → preferred provider → context length → cost/quality
// heuristic, excluding avoided, unhealthy, and (by default) free models.
func (s *Selector) SelectModel(ctx context.Context, c Criteria) (string, error) {
	ranked, err := s.rank(ctx, c)
	if err != nil {
		return "", err
	}
	if len(ranked) == 0 {
		return "", fmt.Errorf("%w for role %s", ErrNoEligibleModels, c.Role)
	}
	return ranked[0].ID, nil
}

// SelectDiverseModels returns n models maximizing provider diversity,
// falling back to round-robin within the best-ranked providers when fewer
// than n providers are available.
func (s *Selector) SelectDiverseModels(ctx context.Context, n int, c Criteria) ([]string, error) {
	ranked, err := s.rank(ctx, c)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w for diverse selection", ErrNoEligibleModels)
	}
	if n > len(ranked) {
		n = len(ranked)
	}

	// Group by provider preserving rank order within each group.
	byProvider := make(map[string][]gateway.Model)
	providerOrder := make([]string, 0)
	for _, m := range ranked {
		if _, seen := byProvider[m.Provider]; !seen {
			providerOrder = append(providerOrder, m.Provider)
		}
		byProvider[m.Provider] = append(byProvider[m.Provider], m)
	}

	// Round-robin across providers: one model per provider per pass.
	out := make([]string, 0, n)
	for pass := 0; len(out) < n; pass++ {
		advanced := false
		for _, p := range providerOrder {
			group := byProvider[p]
			if pass < len(group) {
				out = append(out, group[pass].ID)
				advanced = true
				if len(out) == n {
					break
				}
			}
		}
		if !advanced {
			break
		}
	}
	return out, nil
}

// rank filters then orders the catalog for the criteria.
func (s *Selector) rank(ctx context.Context, c Criteria) ([]gateway.Model, error) {
	catalog, err := s.catalogModels(ctx)
	if err != nil {
		return nil, err
	}

	avoid := make(map[string]bool, len(c.AvoidModels))
	for _, id := range c.AvoidModels {
		avoid[id] = true
	}
	preferred := make(map[string]bool, len(c.PreferredProviders))
	for _, p := range c.PreferredProviders {
		preferred[p] = true
	}

	eligible := make([]gateway.Model, 0, len(catalog))
	for _, m := range catalog {
		if avoid[m.ID] || !s.healthy(m.ID) {
			continue
		}
		if m.Free() && !s.cfg.AllowFreeModels {
			continue
		}
		if c.MinContextLength > 0 && m.ContextLength < c.MinContextLength {
			continue
		}
		if !hasCapabilities(m, c.RequiredCapabilities) {
			continue
		}
		eligible = append(eligible, m)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if preferred[a.Provider] != preferred[b.Provider] {
			return preferred[a.Provider]
		}
		qa, qb := qualityScore(a, c.TaskComplexity), qualityScore(b, c.TaskComplexity)
		if qa != qb {
			return qa > qb
		}
		return a.ContextLength > b.ContextLength
	})
	return eligible, nil
}

// hasCapabilities checks modality-style capability requirements (e.g.
// "vision" requires image modality).
func hasCapabilities(m gateway.Model, required []string) bool {
	for _, cap := range required {
		switch cap {
		case "vision":
			if !hasModality(m, "image") {
				return false
			}
		case "long-context":
			if m.ContextLength < 128000 {
				return false
			}
		}
	}
	return true
}

func hasModality(m gateway.Model, modality string) bool {
	for _, mod := range m.Modalities {
		if strings.Contains(mod, modality) {
			return true
		}
	}
	return false
}

// qualityScore is the cost/quality heuristic: pricier models proxy for
// stronger ones, but for simple tasks cheap models score higher.
func qualityScore(m gateway.Model, complexity models.Complexity) float64 {
	price := m.PromptPrice + m.OutputPrice
	switch complexity {
	case models.ComplexitySimple:
		if price <= 0 {
			return 0
		}
		return 1 / price
	case models.ComplexityExtreme, models.ComplexityComplex:
		return price
	default:
		// medium: mild preference for mid-priced models
		return price * 0.5
	}
}

// RoleDefault returns the configured fallback model for a role.
func (s *Selector) RoleDefault(role models.AgentRole) string {
	if id, ok := s.cfg.RoleDefaults[string(role)]; ok {
		return id
	}
	return s.cfg.RoleDefaults[string(models.RoleSpecialist)]
}
