package gate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

func planFor(t *testing.T, s runstate.ExecutionState, req model.Requirements) Plan {
	t.Helper()
	res := Evaluate(s, req)
	require.False(t, res.CanFinalize, "retry planning only runs on a blocked result")
	return PlanRetry(s, req, res)
}

func TestPlanRetryLargeDeficitBroadensSearch(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	s.SourcesCount = 10
	req := model.Requirements{MinSources: 80}

	p := planFor(t, s, req)
	require.NotEmpty(t, p.Actions)
	assert.Equal(t, BroadenSearch, p.Actions[0].Kind)
	assert.Contains(t, p.Actions[0].Detail, "70")
}

func TestPlanRetrySmallDeficitAddsTargetedQueries(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	s.SourcesCount = 8
	req := model.Requirements{MinSources: 10}

	p := planFor(t, s, req)
	require.NotEmpty(t, p.Actions)
	assert.Equal(t, AddTargetedQueries, p.Actions[0].Kind)
}

func TestPlanRetryMissingArtifacts(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	s.FinalResponse = "A finished summary long enough to clear the minimum length bar."
	req := model.Requirements{MustCreate: []string{"document", "deck"}}

	p := planFor(t, s, req)
	require.Len(t, p.Actions, 2)
	assert.Equal(t, CreateArtifact, p.Actions[0].Kind)
	assert.Equal(t, "document", p.Actions[0].ArtifactType)
	assert.Equal(t, CreateArtifact, p.Actions[1].Kind)
	assert.Equal(t, "deck", p.Actions[1].ArtifactType)
	assert.Equal(t, StrategyIncremental, p.Strategy)
}

func TestPlanRetryMissingFinalResponseSynthesizes(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	req := model.Requirements{}

	p := planFor(t, s, req)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, SynthesizeResponse, p.Actions[0].Kind)
	assert.True(t, p.ShouldRetry())
}

func TestPlanRetryEscalatesToAggressive(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	req := model.Requirements{
		MinSources:  10,
		MustCreate:  []string{"document", "deck"},
		VerifyFacts: true,
	}

	// Failing checks: min_sources, two artifacts, verified_claims, and the
	// final response. Five pending actions crosses the escalation threshold.
	p := planFor(t, s, req)
	require.Len(t, p.Actions, 5)
	assert.Equal(t, StrategyAggressive, p.Strategy)
}

func TestPlanRetryCriticalToolFailureHasNoRemediation(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	s.FinalResponse = "A finished summary long enough to clear the minimum length bar."
	s.ToolResults = []runstate.ToolResult{
		{CallID: "create.document#1", Tool: "create.document", Success: false, Error: "quota"},
	}

	p := planFor(t, s, model.Requirements{})
	assert.False(t, p.ShouldRetry(), "a failed critical call cannot be patched by another iteration")
}

func TestPlanRetryVerifiedClaimsTargetsDeepReads(t *testing.T) {
	s := runstate.NewExecutionState(uuid.New())
	s.Phase = runstate.PhaseVerifying
	s.FinalResponse = "A finished summary long enough to clear the minimum length bar."
	req := model.Requirements{VerifyFacts: true}

	p := planFor(t, s, req)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, AddTargetedQueries, p.Actions[0].Kind)
	assert.Equal(t, CheckVerifiedClaims, p.Actions[0].CheckID)
}
