package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus-core/pkg/config"
	"github.com/adverant/nexus-core/pkg/gateway"
	"github.com/adverant/nexus-core/pkg/models"
	"github.com/adverant/nexus-core/pkg/nexuserr"
	"github.com/adverant/nexus-core/pkg/selector"
	"github.com/adverant/nexus-core/pkg/tenant"
)

type fakeGateway struct {
	completeResp  string
	completeErr   error
	completeCalls int
}

func (g *fakeGateway) ListModels(ctx context.Context) ([]gateway.Model, error) {
	return []gateway.Model{
		{ID: "anthropic/claude-opus", Provider: "anthropic", ContextLength: 200000, PromptPrice: 15, OutputPrice: 75},
	}, nil
}

func (g *fakeGateway) Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	g.completeCalls++
	if g.completeErr != nil {
		return nil, g.completeErr
	}
	return &gateway.CompletionResponse{Content: g.completeResp}, nil
}

func (g *fakeGateway) CompleteStream(ctx context.Context, req gateway.CompletionRequest, handler gateway.ChunkHandler) (*gateway.CompletionResponse, error) {
	return g.Complete(ctx, req)
}

func newTestEngine(t *testing.T, gw *fakeGateway) *Engine {
	t.Helper()
	sel := selector.New(gw, &config.SelectorConfig{
		CatalogTTL:      time.Hour,
		FailureCooldown: time.Minute,
	})
	return NewEngine(gw, sel)
}

func result(agentID, output string) models.ExecutionResult {
	return models.ExecutionResult{
		AgentID: agentID,
		ModelID: "anthropic/claude-opus",
		Role:    models.RoleSpecialist,
		Output:  output,
		Success: true,
	}
}

const positionA = "Use a write-ahead checkpoint before persistence so crashes never lose finished synthesis output"
const positionB = "Bigger worker machines would handle everything without any durability changes at all"

func TestApplySingleOutputPassthrough(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(t, gw)

	out, err := e.Apply(context.Background(), "design durability", []models.ExecutionResult{
		result("a1", positionA),
	}, 3, tenant.New("acme", "app1", ""))
	require.NoError(t, err)
	assert.Equal(t, positionA, out.FinalOutput)
	assert.Equal(t, 1.0, out.ConsensusStrength)
	assert.Zero(t, gw.completeCalls, "a single output never consults a model")
}

func TestApplyZeroLayersPassthrough(t *testing.T) {
	e := newTestEngine(t, &fakeGateway{})

	out, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionB),
	}, 0, tenant.Context{})
	require.NoError(t, err)
	assert.Equal(t, positionA, out.FinalOutput)
}

func TestApplySkipsFailedAndEmptyOutputs(t *testing.T) {
	e := newTestEngine(t, &fakeGateway{})

	failed := result("a1", "ignored")
	failed.Success = false
	out, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{
		failed,
		result("a2", "   "),
		result("a3", positionA),
	}, 1, tenant.Context{})
	require.NoError(t, err)
	assert.Equal(t, positionA, out.FinalOutput)
}

func TestApplyNoSuccessfulOutputs(t *testing.T) {
	e := newTestEngine(t, &fakeGateway{})

	failed := result("a1", "boom")
	failed.Success = false
	_, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{failed}, 2, tenant.Context{})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeInternal, nexuserr.CodeOf(err))
}

func TestApplyDominantClusterWins(t *testing.T) {
	gw := &fakeGateway{}
	e := newTestEngine(t, gw)

	out, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionA+" with periodic index pruning"),
		result("a3", positionB),
	}, 1, tenant.Context{})
	require.NoError(t, err)
	assert.Contains(t, out.FinalOutput, "write-ahead checkpoint")
	assert.NotEmpty(t, out.Uncertainties, "divergent positions surface as uncertainty")
	assert.Less(t, out.ConsensusStrength, 1.0)
	assert.Greater(t, out.ConsensusStrength, 0.0)
	assert.Zero(t, gw.completeCalls, "layer one is a pure reducer")
}

func TestApplyArbitratesConflicts(t *testing.T) {
	gw := &fakeGateway{completeResp: "Position A is better supported."}
	e := newTestEngine(t, gw)

	out, err := e.Apply(context.Background(), "durability design", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionA),
		result("a3", positionB),
	}, 2, tenant.Context{})
	require.NoError(t, err)
	require.Len(t, out.ConflictResolutions, 1)
	assert.Equal(t, "Position A is better supported.", out.ConflictResolutions[0].Resolution)
	assert.Equal(t, "anthropic/claude-opus", out.ConflictResolutions[0].ArbiterID)
	assert.Len(t, out.ConflictResolutions[0].Positions, 2)
	assert.Equal(t, 1, gw.completeCalls)
}

func TestArbitrationLeadsWithDominantPosition(t *testing.T) {
	gw := &fakeGateway{completeResp: "Position A is better supported."}
	e := newTestEngine(t, gw)

	// The minority position arrives first; arbitration must still present
	// the majority position as the lead.
	out, err := e.Apply(context.Background(), "durability design", []models.ExecutionResult{
		result("a1", positionB),
		result("a2", positionA),
		result("a3", positionA),
	}, 2, tenant.Context{})
	require.NoError(t, err)
	require.Len(t, out.ConflictResolutions, 1)
	assert.Equal(t, positionA, out.ConflictResolutions[0].Positions[0])
	assert.Equal(t, positionB, out.ConflictResolutions[0].Positions[1])
	assert.Equal(t, positionA, out.FinalOutput)
}

func TestApplySynthesisProducesFinal(t *testing.T) {
	gw := &fakeGateway{completeResp: "synthesized final answer"}
	e := newTestEngine(t, gw)

	out, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionA+" and tested under restart"),
	}, 3, tenant.Context{})
	require.NoError(t, err)
	assert.Equal(t, "synthesized final answer", out.FinalOutput)
	assert.Equal(t, 1, gw.completeCalls, "one cluster skips arbitration, synthesis still runs")
}

func TestApplySynthesisFailureFallsBack(t *testing.T) {
	gw := &fakeGateway{completeErr: errors.New("gateway down")}
	e := newTestEngine(t, gw)

	out, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionA),
	}, 3, tenant.Context{})
	require.NoError(t, err)
	assert.Equal(t, positionA, out.FinalOutput)
	assert.NotEmpty(t, out.Uncertainties)
}

func TestApplyCancelled(t *testing.T) {
	e := newTestEngine(t, &fakeGateway{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Apply(ctx, "obj", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionB),
	}, 2, tenant.Context{})
	require.Error(t, err)
	assert.Equal(t, nexuserr.CodeCancelled, nexuserr.CodeOf(err))
}

func TestScoresStayInBounds(t *testing.T) {
	e := newTestEngine(t, &fakeGateway{})

	out, err := e.Apply(context.Background(), "obj", []models.ExecutionResult{
		result("a1", positionA),
		result("a2", positionA),
		result("a3", positionB),
		result("a4", positionB),
	}, 1, tenant.Context{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.ConsensusStrength, 0.0)
	assert.LessOrEqual(t, out.ConsensusStrength, 1.0)
	assert.GreaterOrEqual(t, out.ConfidenceScore, 0.0)
	assert.LessOrEqual(t, out.ConfidenceScore, 1.0)
}

func TestAgreement(t *testing.T) {
	assert.Equal(t, 1.0, agreement(positionA, positionA))
	assert.Equal(t, 0.0, agreement(positionA, positionB))
	partial := agreement(positionA, positionA+" plus extra validation of restart paths")
	assert.Greater(t, partial, 0.5)
	assert.Less(t, partial, 1.0)
}

func TestTokenOverlapIgnoresShortWords(t *testing.T) {
	assert.Equal(t, 0.0, tokenOverlap("a an to", "of in on"))
	assert.Equal(t, 1.0, tokenOverlap("caching layers", "Caching layers."))
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, clamp01(-0.3))
	assert.Equal(t, 1.0, clamp01(1.7))
	assert.Equal(t, 0.5, clamp01(0.5))
}
