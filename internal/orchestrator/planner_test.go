package orchestrator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kajihq/kaji/internal/gate"
	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

func newPlannerRun(req model.Requirements, toolNeeds, planHint []string) *run {
	return &run{
		record: model.RunRecord{
			ID:           uuid.New(),
			Objective:    "test objective",
			Requirements: req,
			Config:       model.RunConfig{MaxIterations: 5, MaxConsecutiveFailures: 3},
		},
		toolNeeds: toolNeeds,
		planHint:  planHint,
		counters:  make(map[string]int),
	}
}

func TestInitialPlanShape(t *testing.T) {
	r := newPlannerRun(
		model.Requirements{MinSources: 5, MustCreate: []string{"document"}},
		[]string{"search.web", "scrape.page"},
		nil,
	)

	steps := r.buildPlan(1, gate.Plan{})
	require.Len(t, steps, 3)

	assert.Equal(t, runstate.PhaseSignals, steps[0].phase)
	require.Len(t, steps[0].calls, 2)
	assert.Equal(t, "search.web#1", steps[0].calls[0].ID)
	assert.Equal(t, "scrape.page#1", steps[0].calls[1].ID)

	assert.Equal(t, runstate.PhaseCreating, steps[1].phase)
	require.Len(t, steps[1].calls, 1)
	assert.Equal(t, "create.document#1", steps[1].calls[0].ID)

	require.Len(t, steps[2].calls, 1)
	assert.Equal(t, "synthesize.response#1", steps[2].calls[0].ID)
}

func TestInitialPlanDefaultsToSearchForResearch(t *testing.T) {
	r := newPlannerRun(model.Requirements{MinSources: 3}, nil, nil)
	steps := r.buildPlan(1, gate.Plan{})
	require.NotEmpty(t, steps)
	assert.Equal(t, "search.web#1", steps[0].calls[0].ID)
}

func TestInitialPlanHonorsPlanHint(t *testing.T) {
	r := newPlannerRun(
		model.Requirements{MinSources: 3},
		[]string{"search.web"},
		[]string{"find primary sources", "write the summary"},
	)
	steps := r.buildPlan(1, gate.Plan{})
	require.Len(t, steps, 2)
	assert.Equal(t, "find primary sources", steps[0].step.Description)
	assert.Equal(t, "write the summary", steps[1].step.Description)
}

func TestRetryPlanContinuesCallCounters(t *testing.T) {
	r := newPlannerRun(model.Requirements{MinSources: 3}, []string{"search.web"}, nil)
	r.buildPlan(1, gate.Plan{})

	retry := gate.Plan{
		Strategy: gate.StrategyIncremental,
		Actions: []gate.Remediation{
			{Kind: gate.AddTargetedQueries, CheckID: gate.CheckMinSources},
		},
	}
	steps := r.buildPlan(2, retry)
	require.Len(t, steps, 2)
	assert.Equal(t, "search.web#2", steps[0].calls[0].ID, "counters span iterations")
	assert.Equal(t, "synthesize.response#2", steps[1].calls[0].ID)
}

func TestRetryPlanAggressiveBroadenAddsSecondQuery(t *testing.T) {
	r := newPlannerRun(model.Requirements{}, nil, nil)
	retry := gate.Plan{
		Strategy: gate.StrategyAggressive,
		Actions: []gate.Remediation{
			{Kind: gate.BroadenSearch, CheckID: gate.CheckMinSources},
			{Kind: gate.CreateArtifact, CheckID: "artifact:document", ArtifactType: "document"},
			{Kind: gate.CreateArtifact, CheckID: "artifact:deck", ArtifactType: "deck"},
			{Kind: gate.SynthesizeResponse, CheckID: gate.CheckFinalResponse},
		},
	}
	steps := r.buildPlan(2, retry)
	require.Len(t, steps, 4, "search, two creations, synthesis")
	assert.Len(t, steps[0].calls, 2, "aggressive broaden issues two queries")
	assert.Equal(t, "create.document#1", steps[1].calls[0].ID)
	assert.Equal(t, "create.deck#1", steps[2].calls[0].ID)
	assert.Equal(t, kindSynthesize, steps[3].calls[0].Kind)
}

func TestPlanStepsCarryToolCallIDs(t *testing.T) {
	r := newPlannerRun(model.Requirements{MinSources: 3}, []string{"search.web"}, nil)
	steps := r.buildPlan(1, gate.Plan{})
	flat := planSteps(steps)
	require.Len(t, flat, len(steps))
	assert.Equal(t, []string{"search.web#1"}, flat[0].ToolCallIDs)
	for _, step := range flat {
		assert.Equal(t, runstate.StepPending, step.Status)
	}
}
