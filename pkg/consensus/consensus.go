// Package consensus fuses multiple agent outputs into a single result. Up to
// three layers apply in order: clustering outputs into positions, arbitrating
// conflicts between clusters, and synthesizing the final artifact. Layers 1
// and 2 are pure reducers over their inputs; layer 3 consults a synthesis
// model through the gateway.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/selector"
	"github.com/adverant/nexus-core/pkg/tenant"
)

// Scoring weights for agreement. Normalized so they sum to 1.
var agreementWeights = struct {
	overlap float64
	claims  float64
}{overlap: 0.6, claims: 0.4}

// cluster groups outputs sharing a principal position.
type cluster struct {
	members   []models.ExecutionResult
	principal string  // representative output
	agreement float64 // mean pairwise agreement within the cluster
}

// Engine applies layered consensus.
type Engine struct {
	gw  gateway.ModelGateway
	sel *selector.Selector
}

// NewEngine wires the consensus engine.
func NewEngine(gw gateway.ModelGateway, sel *selector.Selector) *Engine {
	return &Engine{gw: gw, sel: sel}
}

// Apply fuses outputs under the requested layer count. layerCount 0 returns
// the single output unchanged; higher counts enable clustering, conflict
// arbitration, and model-backed synthesis in turn. Cancellation aborts
// mid-layer and surfaces as CodeCancelled.
func (e *Engine) Apply(ctx context.Context, objective string, outputs []models.ExecutionResult, layerCount int, tc tenant.Context) (*models.ConsensusResult, error) {
	succeeded := make([]models.ExecutionResult, 0, len(outputs))
	for _, o := range outputs {
		if o.Success && strings.TrimSpace(o.Output) != "" {
			succeeded = append(succeeded, o)
		}
	}
	if len(succeeded) == 0 {
		return nil, nexuserr.New(nexuserr.CodeInternal, "no successful agent outputs to fuse")
	}
	if layerCount <= 0 || len(succeeded) == 1 {
		return &models.ConsensusResult{
			FinalOutput:       succeeded[0].Output,
			ConsensusStrength: 1,
			ConfidenceScore:   confidenceOf(succeeded[0]),
		}, nil
	}

	// Layer 1: cluster by position.
	clusters := clusterOutputs(succeeded)
	var uncertainties []string
	if len(clusters) > 1 {
		uncertainties = append(uncertainties,
			fmt.Sprintf("%d distinct positions detected across %d agents", len(clusters), len(succeeded)))
	}

	// dominantCluster sorts in place; arbitration below must lead with the
	// dominant position.
	dominant := dominantCluster(clusters)
	final := dominant.principal

	// Layer 2: arbitrate conflicts between clusters.
	var resolutions []models.ConflictResolution
	if layerCount >= 2 && len(clusters) > 1 {
		if err := ctx.Err(); err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeCancelled, err, "consensus aborted")
		}
		var err error
		resolutions, err = e.resolveConflicts(ctx, objective, clusters)
		if err != nil {
			slog.Warn("Conflict arbitration failed, proceeding with dominant cluster", "error", err)
			uncertainties = append(uncertainties, "conflict arbitration unavailable: "+err.Error())
		}
	}

	// Layer 3: model-backed synthesis of the final artifact.
	if layerCount >= 3 {
		if err := ctx.Err(); err != nil {
			return nil, nexuserr.Wrap(nexuserr.CodeCancelled, err, "consensus aborted")
		}
		synthesized, err := e.synthesize(ctx, objective, succeeded, resolutions)
		if err != nil {
			slog.Warn("Synthesis layer failed, using dominant cluster output", "error", err)
			uncertainties = append(uncertainties, "synthesis layer unavailable: "+err.Error())
		} else {
			final = synthesized
		}
	}

	strength := consensusStrength(succeeded, final)
	return &models.ConsensusResult{
		FinalOutput:         final,
		ConsensusStrength:   strength,
		ConfidenceScore:     confidenceScore(succeeded, strength),
		ConflictResolutions: resolutions,
		Uncertainties:       uncertainties,
	}, nil
}

// clusterThreshold is the minimum agreement to join an existing cluster.
const clusterThreshold = 0.5

func clusterOutputs(outputs []models.ExecutionResult) []cluster {
	var clusters []cluster
	for _, o := range outputs {
		placed := false
		for i := range clusters {
			if agreement(o.Output, clusters[i].principal) >= clusterThreshold {
				clusters[i].members = append(clusters[i].members, o)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, cluster{
				members:   []models.ExecutionResult{o},
				principal: o.Output,
			})
		}
	}
	for i := range clusters {
		clusters[i].agreement = meanAgreement(clusters[i])
		// Prefer the longest member as the representative; it usually
		// carries the most complete statement of the position.
		for _, m := range clusters[i].members {
			if len(m.Output) > len(clusters[i].principal) {
				clusters[i].principal = m.Output
			}
		}
	}
	return clusters
}

func meanAgreement(c cluster) float64 {
	if len(c.members) < 2 {
		return 1
	}
	var sum float64
	var n int
	for i := 0; i < len(c.members); i++ {
		for j := i + 1; j < len(c.members); j++ {
			sum += agreement(c.members[i].Output, c.members[j].Output)
			n++
		}
	}
	return sum / float64(n)
}

// agreement combines lexical overlap with shared sub-claim scoring under
// normalized weights.
func agreement(a, b string) float64 {
	w1 := agreementWeights.overlap
	w2 := agreementWeights.claims
	total := w1 + w2
	w1, w2 = w1/total, w2/total

	score := w1*tokenOverlap(a, b) + w2*sharedClaims(a, b)
	return clamp01(score)
}

// tokenOverlap is the Jaccard similarity of the word sets.
func tokenOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

// sharedClaims compares sentence-level claims: the fraction of the shorter
// output's sentences that have a close counterpart in the other.
func sharedClaims(a, b string) float64 {
	sentsA := sentences(a)
	sentsB := sentences(b)
	if len(sentsA) == 0 || len(sentsB) == 0 {
		return 0
	}
	if len(sentsB) < len(sentsA) {
		sentsA, sentsB = sentsB, sentsA
	}
	matched := 0
	for _, sa := range sentsA {
		for _, sb := range sentsB {
			if tokenOverlap(sa, sb) >= 0.4 {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(sentsA))
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

func sentences(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); len(p) > 10 {
			out = append(out, p)
		}
	}
	return out
}

func dominantCluster(clusters []cluster) cluster {
	sort.SliceStable(clusters, func(i, j int) bool {
		if len(clusters[i].members) != len(clusters[j].members) {
			return len(clusters[i].members) > len(clusters[j].members)
		}
		return clusters[i].agreement > clusters[j].agreement
	})
	return clusters[0]
}

// resolveConflicts asks the strongest specialist model to arbitrate each
// pairwise disagreement between the dominant cluster and the others.
func (e *Engine) resolveConflicts(ctx context.Context, objective string, clusters []cluster) ([]models.ConflictResolution, error) {
	arbiterID, err := e.sel.SelectModel(ctx, selector.Criteria{
		Role:           models.RoleSpecialist,
		TaskComplexity: models.ComplexityComplex,
	})
	if err != nil {
		return nil, fmt.Errorf("selecting arbiter model: %w", err)
	}

	var resolutions []models.ConflictResolution
	lead := clusters[0]
	for _, other := range clusters[1:] {
		prompt := fmt.Sprintf(`Two AI agent teams reached different positions on this objective:

Objective: %s

Position A (%d agents): %s

Position B (%d agents): %s

Which position is better supported? Answer with a short verdict and one-sentence rationale.`,
			objective,
			len(lead.members), truncate(lead.principal, 1500),
			len(other.members), truncate(other.principal, 1500))

		resp, err := e.gw.Complete(ctx, gateway.CompletionRequest{
			ModelID:     arbiterID,
			Temperature: 0.2,
			MaxTokens:   400,
			Messages: []gateway.Message{
				{Role: "user", Content: prompt},
			},
			Timeout: 45 * time.Second,
		})
		if err != nil {
			return resolutions, fmt.Errorf("arbitrating conflict: %w", err)
		}
		resolutions = append(resolutions, models.ConflictResolution{
			Topic:      truncate(objective, 120),
			Positions:  []string{truncate(lead.principal, 300), truncate(other.principal, 300)},
			Resolution: resp.Content,
			ArbiterID:  arbiterID,
		})
	}
	return resolutions, nil
}

func (e *Engine) synthesize(ctx context.Context, objective string, outputs []models.ExecutionResult, resolutions []models.ConflictResolution) (string, error) {
	modelID, err := e.sel.SelectModel(ctx, selector.Criteria{
		Role:           models.RoleSynthesis,
		TaskComplexity: models.ComplexityComplex,
	})
	if err != nil {
		return "", fmt.Errorf("selecting synthesis model: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n\nAgent outputs:\n", objective)
	for i, o := range outputs {
		fmt.Fprintf(&b, "--- Agent %d (%s) ---\n%s\n", i+1, o.Role, truncate(o.Output, 2000))
	}
	if len(resolutions) > 0 {
		b.WriteString("\nArbitrated conflicts:\n")
		for _, r := range resolutions {
			fmt.Fprintf(&b, "- %s\n", truncate(r.Resolution, 300))
		}
	}
	b.WriteString("\nSynthesize a single, coherent final answer that honors the arbitration verdicts.")

	resp, err := e.gw.Complete(ctx, gateway.CompletionRequest{
		ModelID:     modelID,
		Temperature: 0.4,
		MaxTokens:   4000,
		Messages: []gateway.Message{
			{Role: "system", Content: "You are a synthesis agent producing the definitive final answer."},
			{Role: "user", Content: b.String()},
		},
		Timeout: 90 * time.Second,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// consensusStrength is the fraction of agents whose principal claim matches
// the final artifact.
func consensusStrength(outputs []models.ExecutionResult, final string) float64 {
	matching := 0
	for _, o := range outputs {
		if agreement(o.Output, final) >= clusterThreshold {
			matching++
		}
	}
	return clamp01(float64(matching) / float64(len(outputs)))
}

// confidenceScore is the weighted mean of per-agent confidence adjusted by
// consensus strength. Weights derive from agent priority via output length
// as a proxy for substantive contribution, normalized to sum to 1.
func confidenceScore(outputs []models.ExecutionResult, strength float64) float64 {
	weights := make([]float64, len(outputs))
	var sum float64
	for i, o := range outputs {
		weights[i] = math.Sqrt(float64(len(o.Output) + 1))
		sum += weights[i]
	}
	var conf float64
	for i, o := range outputs {
		conf += (weights[i] / sum) * confidenceOf(o)
	}
	return clamp01(conf * (0.5 + 0.5*strength))
}

// confidenceOf derives a per-agent confidence from execution health.
func confidenceOf(o models.ExecutionResult) float64 {
	if !o.Success {
		return 0
	}
	// Longer substantive outputs inspire more confidence, saturating at 0.9.
	c := 0.5 + float64(len(o.Output))/8000
	if c > 0.9 {
		c = 0.9
	}
	return c
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
