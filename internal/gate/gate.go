// Package gate evaluates whether a run satisfies its requirements contract.
//
// Evaluate is pure and stateless: the same state and requirements always
// produce the same result, and calling it never mutates anything. The
// orchestrator must use CanFinalize (no blockers), not Passed, to decide
// whether a run may stop — some checks are advisory by design.
package gate

import (
	"fmt"
	"strings"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

// MinFinalResponseLen is the shortest acceptable final response.
const MinFinalResponseLen = 50

// minVerifiedClaims is how many deep sources with claims fact verification
// requires.
const minVerifiedClaims = 3

// Stable check identifiers. Artifact checks use "artifact:<type>".
const (
	CheckMinSources       = "min_sources"
	CheckVerifiedClaims   = "verified_claims"
	CheckFinalResponse    = "final_response"
	CheckToolFailures     = "tool_failures"
	CheckIterationCeiling = "iteration_ceiling"
)

// AcceptanceCheck is one acceptance criterion's evaluation.
type AcceptanceCheck struct {
	ID        string `json:"id"`
	Condition string `json:"condition"`
	Threshold int    `json:"threshold,omitempty"`
	Required  bool   `json:"required"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason"`
}

// Result is a full gate evaluation. Invariants: CanFinalize is true exactly
// when Blockers is empty, and Passed is the conjunction of required checks.
type Result struct {
	Passed      bool              `json:"passed"`
	Checks      []AcceptanceCheck `json:"checks"`
	Blockers    []string          `json:"blockers"`
	Warnings    []string          `json:"warnings"`
	CanFinalize bool              `json:"can_finalize"`
}

// Evaluate runs all acceptance checks in their fixed order against the
// current execution state.
func Evaluate(state runstate.ExecutionState, req model.Requirements) Result {
	var r Result

	// 1. Minimum source count. Skipped entirely when the contract sets none.
	if req.MinSources > 0 {
		check := AcceptanceCheck{
			ID:        CheckMinSources,
			Condition: fmt.Sprintf("sources_count >= %d", req.MinSources),
			Threshold: req.MinSources,
			Required:  true,
			Passed:    state.SourcesCount >= req.MinSources,
		}
		if check.Passed {
			check.Reason = fmt.Sprintf("collected %d sources", state.SourcesCount)
		} else {
			check.Reason = fmt.Sprintf("Insufficient sources: have %d, need %d", state.SourcesCount, req.MinSources)
			r.Blockers = append(r.Blockers, check.Reason)
		}
		r.Checks = append(r.Checks, check)
	}

	// 2. Required artifact types, one check per type.
	for _, typ := range req.MustCreate {
		check := AcceptanceCheck{
			ID:        "artifact:" + typ,
			Condition: fmt.Sprintf("artifact of type %q exists", typ),
			Required:  true,
			Passed:    hasArtifactType(state.Artifacts, typ),
		}
		if check.Passed {
			check.Reason = fmt.Sprintf("artifact of type %q created", typ)
		} else {
			check.Reason = fmt.Sprintf("Missing required artifact: %s", typ)
			r.Blockers = append(r.Blockers, check.Reason)
		}
		r.Checks = append(r.Checks, check)
	}

	// 3. Fact verification: enough deep sources carrying claims.
	if req.VerifyFacts {
		verified := 0
		for _, src := range state.DeepSources {
			if len(src.Claims) > 0 {
				verified++
			}
		}
		check := AcceptanceCheck{
			ID:        CheckVerifiedClaims,
			Condition: fmt.Sprintf("at least %d deep sources carry verified claims", minVerifiedClaims),
			Threshold: minVerifiedClaims,
			Required:  true,
			Passed:    verified >= minVerifiedClaims,
		}
		if check.Passed {
			check.Reason = fmt.Sprintf("%d sources carry verified claims", verified)
		} else {
			check.Reason = fmt.Sprintf("Unverified facts: only %d of %d required sources carry claims", verified, minVerifiedClaims)
			r.Blockers = append(r.Blockers, check.Reason)
		}
		r.Checks = append(r.Checks, check)
	}

	// 4. Final response. Always evaluated; not required once the run has
	// already failed, since there is nothing left to finalize.
	{
		check := AcceptanceCheck{
			ID:        CheckFinalResponse,
			Condition: fmt.Sprintf("final response longer than %d characters", MinFinalResponseLen),
			Threshold: MinFinalResponseLen,
			Required:  state.Phase != runstate.PhaseFailed,
			Passed:    len(state.FinalResponse) > MinFinalResponseLen,
		}
		if check.Passed {
			check.Reason = fmt.Sprintf("final response present (%d chars)", len(state.FinalResponse))
		} else {
			check.Reason = "Missing or too-short final response"
			if check.Required {
				r.Blockers = append(r.Blockers, check.Reason)
			}
		}
		r.Checks = append(r.Checks, check)
	}

	// 5. Tool-result audit. A failed creation or signal-collection call is a
	// blocker; any other failure is recorded as a warning only.
	{
		check := AcceptanceCheck{
			ID:        CheckToolFailures,
			Condition: "no failed critical tool calls",
			Required:  true,
			Passed:    true,
			Reason:    "no critical tool failures",
		}
		for _, tr := range state.ToolResults {
			if tr.Success {
				continue
			}
			if CriticalCall(tr.CallID) {
				check.Passed = false
				msg := fmt.Sprintf("Critical tool failed: %s: %s", tr.CallID, tr.Error)
				check.Reason = msg
				r.Blockers = append(r.Blockers, msg)
			} else {
				r.Warnings = append(r.Warnings, fmt.Sprintf("tool failed: %s: %s", tr.CallID, tr.Error))
			}
		}
		r.Checks = append(r.Checks, check)
	}

	// 6. Iteration ceiling: advisory only, never a blocker by itself.
	{
		check := AcceptanceCheck{
			ID:        CheckIterationCeiling,
			Condition: "iteration below max_iterations",
			Threshold: state.MaxIterations,
			Required:  false,
			Passed:    state.MaxIterations == 0 || state.Iteration < state.MaxIterations,
		}
		if check.Passed {
			check.Reason = fmt.Sprintf("iteration %d of %d", state.Iteration, state.MaxIterations)
		} else {
			check.Reason = fmt.Sprintf("iteration ceiling reached (%d)", state.MaxIterations)
			r.Warnings = append(r.Warnings, check.Reason)
		}
		r.Checks = append(r.Checks, check)
	}

	r.Passed = true
	for _, c := range r.Checks {
		if c.Required && !c.Passed {
			r.Passed = false
			break
		}
	}
	r.CanFinalize = len(r.Blockers) == 0
	return r
}

// CriticalCall reports whether a tool-call ID denotes a creation or core
// signal-collection operation. The operation kind is the ID's prefix,
// e.g. "create.document#1" or "signals.collect#2".
func CriticalCall(callID string) bool {
	return strings.HasPrefix(callID, "create.") || strings.HasPrefix(callID, "signals.")
}

func hasArtifactType(artifacts []runstate.Artifact, typ string) bool {
	for _, a := range artifacts {
		if a.Type == typ {
			return true
		}
	}
	return false
}
