package gate

import (
	"fmt"
	"strings"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

// RemediationKind identifies what a retry iteration should do about one
// failed check.
type RemediationKind string

const (
	// BroadenSearch widens query scope when the source deficit is large.
	BroadenSearch RemediationKind = "broaden_search"
	// AddTargetedQueries adds narrow follow-up queries for a small deficit.
	AddTargetedQueries RemediationKind = "add_targeted_queries"
	// CreateArtifact produces a required artifact that is still missing.
	CreateArtifact RemediationKind = "create_artifact"
	// SynthesizeResponse writes the final response from collected material.
	SynthesizeResponse RemediationKind = "synthesize_response"
)

// Strategy is the overall posture of a retry plan.
type Strategy string

const (
	// StrategyIncremental patches the specific gaps the gate found.
	StrategyIncremental Strategy = "incremental"
	// StrategyAggressive rebuilds more of the run when too many gaps remain.
	StrategyAggressive Strategy = "aggressive"
)

// largeDeficit is the source shortfall above which targeted queries stop
// being worthwhile and the search should broaden instead.
const largeDeficit = 50

// aggressiveThreshold is the pending-action count past which a plan
// escalates from incremental to aggressive.
const aggressiveThreshold = 3

// Remediation is one concrete corrective action for the next iteration.
type Remediation struct {
	Kind         RemediationKind `json:"kind"`
	CheckID      string          `json:"check_id"`
	ArtifactType string          `json:"artifact_type,omitempty"`
	Detail       string          `json:"detail"`
}

// Plan is the full retry decision for one failed gate evaluation.
type Plan struct {
	Strategy Strategy      `json:"strategy"`
	Actions  []Remediation `json:"actions"`
}

// ShouldRetry reports whether the plan has anything to do. An empty plan
// means the gate's blockers have no known remediation and the run should
// stop rather than loop.
func (p Plan) ShouldRetry() bool {
	return len(p.Actions) > 0
}

// PlanRetry maps a failed gate result to corrective actions for the next
// iteration. Like Evaluate it is pure; the orchestrator decides whether the
// iteration budget still allows acting on the plan.
func PlanRetry(state runstate.ExecutionState, req model.Requirements, result Result) Plan {
	var p Plan

	for _, check := range result.Checks {
		if check.Passed || !check.Required {
			continue
		}
		switch {
		case check.ID == CheckMinSources:
			deficit := req.MinSources - state.SourcesCount
			if deficit > largeDeficit {
				p.Actions = append(p.Actions, Remediation{
					Kind:    BroadenSearch,
					CheckID: check.ID,
					Detail:  fmt.Sprintf("broaden search scope to close a deficit of %d sources", deficit),
				})
			} else if deficit > 0 {
				p.Actions = append(p.Actions, Remediation{
					Kind:    AddTargetedQueries,
					CheckID: check.ID,
					Detail:  fmt.Sprintf("add targeted queries for %d more sources", deficit),
				})
			}

		case check.ID == CheckVerifiedClaims:
			// Claims come from deep reads of pages already found, so the fix
			// is more targeted collection, not a wider net.
			p.Actions = append(p.Actions, Remediation{
				Kind:    AddTargetedQueries,
				CheckID: check.ID,
				Detail:  "deep-read additional sources to extract verifiable claims",
			})

		case strings.HasPrefix(check.ID, "artifact:"):
			typ := strings.TrimPrefix(check.ID, "artifact:")
			p.Actions = append(p.Actions, Remediation{
				Kind:         CreateArtifact,
				CheckID:      check.ID,
				ArtifactType: typ,
				Detail:       fmt.Sprintf("create missing %s artifact", typ),
			})

		case check.ID == CheckFinalResponse:
			p.Actions = append(p.Actions, Remediation{
				Kind:    SynthesizeResponse,
				CheckID: check.ID,
				Detail:  "synthesize the final response from collected sources and artifacts",
			})
		}
	}

	p.Strategy = StrategyIncremental
	if len(p.Actions) > aggressiveThreshold {
		p.Strategy = StrategyAggressive
	}
	return p
}
