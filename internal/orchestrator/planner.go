package orchestrator

import (
	"fmt"

	"github.com/kajihq/kaji/internal/gate"
	"github.com/kajihq/kaji/pkg/runstate"
)

// Tool-call kinds the planner knows how to schedule. The kind is the prefix
// of every call ID it mints, so downstream criticality classification keys
// off these strings.
const (
	kindSearch     = "search.web"
	kindScrape     = "scrape.page"
	kindAttachment = "read.attachment"
	kindSynthesize = "synthesize.response"

	createKindPrefix = "create."
)

// plannedStep pairs a plan step with the tool calls that implement it and
// the phase the run enters while executing it.
type plannedStep struct {
	step  runstate.Step
	phase runstate.Phase
	calls []ToolCall
}

// buildPlan produces the steps for one iteration. Iteration 1 plans from the
// admission signals (tool needs, plan hint, requirements); later iterations
// plan from the gate's remediation actions only.
func (r *run) buildPlan(iteration int, retry gate.Plan) []plannedStep {
	if iteration > 1 && retry.ShouldRetry() {
		return r.buildRetryPlan(iteration, retry)
	}
	return r.buildInitialPlan(iteration)
}

func (r *run) buildInitialPlan(iteration int) []plannedStep {
	req := r.record.Requirements
	var steps []plannedStep

	signalKinds := signalNeeds(r.toolNeeds)
	if len(signalKinds) == 0 && (req.MinSources > 0 || req.VerifyFacts) {
		signalKinds = []string{kindSearch}
	}
	if len(signalKinds) > 0 {
		var calls []ToolCall
		stepID := r.nextStepID(iteration, len(steps))
		for _, kind := range signalKinds {
			calls = append(calls, r.newCall(kind, stepID, "collect sources for the objective"))
		}
		steps = append(steps, plannedStep{
			step:  runstate.Step{ID: stepID, Description: "collect supporting sources", Status: runstate.StepPending},
			phase: runstate.PhaseSignals,
			calls: calls,
		})
	}

	for _, typ := range creationTargets(req.MustCreate, r.toolNeeds) {
		stepID := r.nextStepID(iteration, len(steps))
		steps = append(steps, plannedStep{
			step:  runstate.Step{ID: stepID, Description: "create " + typ + " artifact", Status: runstate.StepPending},
			phase: runstate.PhaseCreating,
			calls: []ToolCall{r.newCall(createKindPrefix+typ, stepID, "create the required "+typ)},
		})
	}

	stepID := r.nextStepID(iteration, len(steps))
	steps = append(steps, plannedStep{
		step:  runstate.Step{ID: stepID, Description: "synthesize final response", Status: runstate.StepPending},
		phase: runstate.PhaseCreating,
		calls: []ToolCall{r.newCall(kindSynthesize, stepID, "write the final response")},
	})

	// Caller-provided hints override the generated step descriptions.
	for i := range steps {
		if i < len(r.planHint) && r.planHint[i] != "" {
			steps[i].step.Description = r.planHint[i]
		}
	}
	return steps
}

// buildRetryPlan turns remediation actions into steps: search-flavored
// actions merge into one signals step, each missing artifact gets its own
// creation step, and a synthesis action always runs last.
func (r *run) buildRetryPlan(iteration int, retry gate.Plan) []plannedStep {
	var steps []plannedStep

	var searchCalls []ToolCall
	var searchStepID string
	needsSynthesis := false
	for _, action := range retry.Actions {
		switch action.Kind {
		case gate.BroadenSearch, gate.AddTargetedQueries:
			if searchStepID == "" {
				searchStepID = r.nextStepID(iteration, len(steps))
			}
			searchCalls = append(searchCalls, r.newCall(kindSearch, searchStepID, action.Detail))
			if action.Kind == gate.BroadenSearch && retry.Strategy == gate.StrategyAggressive {
				// Aggressive retries widen the net with a second query.
				searchCalls = append(searchCalls, r.newCall(kindSearch, searchStepID, "broaden to adjacent topics"))
			}
		case gate.SynthesizeResponse:
			needsSynthesis = true
		}
	}
	if len(searchCalls) > 0 {
		steps = append(steps, plannedStep{
			step:  runstate.Step{ID: searchStepID, Description: "collect additional sources", Status: runstate.StepPending},
			phase: runstate.PhaseSignals,
			calls: searchCalls,
		})
	}

	for _, action := range retry.Actions {
		if action.Kind != gate.CreateArtifact {
			continue
		}
		stepID := r.nextStepID(iteration, len(steps))
		steps = append(steps, plannedStep{
			step:  runstate.Step{ID: stepID, Description: "create " + action.ArtifactType + " artifact", Status: runstate.StepPending},
			phase: runstate.PhaseCreating,
			calls: []ToolCall{r.newCall(createKindPrefix+action.ArtifactType, stepID, action.Detail)},
		})
	}

	if needsSynthesis || len(steps) > 0 {
		stepID := r.nextStepID(iteration, len(steps))
		steps = append(steps, plannedStep{
			step:  runstate.Step{ID: stepID, Description: "synthesize final response", Status: runstate.StepPending},
			phase: runstate.PhaseCreating,
			calls: []ToolCall{r.newCall(kindSynthesize, stepID, "rewrite the final response with new material")},
		})
	}
	return steps
}

// newCall mints a tool call whose ID is "<kind>#<n>" with a per-run,
// per-kind counter, so IDs stay unique across retries.
func (r *run) newCall(kind, stepID, detail string) ToolCall {
	r.counters[kind]++
	return ToolCall{
		ID:        fmt.Sprintf("%s#%d", kind, r.counters[kind]),
		Kind:      kind,
		StepID:    stepID,
		Objective: r.record.Objective,
		Detail:    detail,
	}
}

func (r *run) nextStepID(iteration, index int) string {
	return fmt.Sprintf("step-%d-%d", iteration, index+1)
}

func signalNeeds(toolNeeds []string) []string {
	var kinds []string
	for _, need := range toolNeeds {
		switch need {
		case kindSearch, kindScrape, kindAttachment:
			kinds = append(kinds, need)
		}
	}
	return kinds
}

// creationTargets resolves which artifact types iteration 1 should create:
// the explicit contract wins, with a generic document for a bare creation
// tool need.
func creationTargets(mustCreate, toolNeeds []string) []string {
	if len(mustCreate) > 0 {
		return mustCreate
	}
	for _, need := range toolNeeds {
		if need == "create.document" {
			return []string{"document"}
		}
	}
	return nil
}

func planSteps(steps []plannedStep) []runstate.Step {
	out := make([]runstate.Step, 0, len(steps))
	for _, ps := range steps {
		step := ps.step
		for _, call := range ps.calls {
			step.ToolCallIDs = append(step.ToolCallIDs, call.ID)
		}
		out = append(out, step)
	}
	return out
}
