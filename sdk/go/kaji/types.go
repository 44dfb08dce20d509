package kaji

import (
	"time"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/pkg/runstate"
)

// RouteDecision is the server's classification of a request.
type RouteDecision struct {
	Route      string   `json:"route"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	ToolNeeds  []string `json:"tool_needs,omitempty"`
	PlanHint   []string `json:"plan_hint,omitempty"`
}

// Requirements is the acceptance contract for a run.
type Requirements struct {
	MinSources  int      `json:"min_sources"`
	MustCreate  []string `json:"must_create,omitempty"`
	VerifyFacts bool     `json:"verify_facts"`
}

// RunConfig bounds a run's execution loop. Zero values use server defaults.
type RunConfig struct {
	MaxIterations          int `json:"max_iterations,omitempty"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures,omitempty"`
}

// Run is the persisted view of a run.
type Run struct {
	ID           uuid.UUID      `json:"id"`
	Objective    string         `json:"objective"`
	Phase        runstate.Phase `json:"phase"`
	Requirements Requirements   `json:"requirements"`
	Config       RunConfig      `json:"config"`
	LastSeq      int64          `json:"last_seq"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// StartRunRequest is the body for StartRun. Requirements and Config are
// optional; the server derives requirements from the objective when omitted.
type StartRunRequest struct {
	Objective    string        `json:"objective"`
	Requirements *Requirements `json:"requirements,omitempty"`
	Config       *RunConfig    `json:"config,omitempty"`
	PlanHint     []string      `json:"plan_hint,omitempty"`
	ToolNeeds    []string      `json:"tool_needs,omitempty"`
}

// DispatchResult carries the route decision and, for agent routes, the
// started run.
type DispatchResult struct {
	Decision RouteDecision `json:"decision"`
	Run      *Run          `json:"run,omitempty"`
}

// EscalationResult reports whether a chat answer admitted needing live data
// and, when it did, the agent run the request was promoted to.
type EscalationResult struct {
	ShouldEscalate bool   `json:"should_escalate"`
	Reason         string `json:"reason,omitempty"`
	Run            *Run   `json:"run,omitempty"`
}

// EventBatch is one page of a run's event log.
type EventBatch struct {
	Events    []runstate.Event `json:"events"`
	LatestSeq int64            `json:"latest_seq"`
}

// CancelResult reports the run phase after a cancel request. Cancelled is
// false when the run had already finished.
type CancelResult struct {
	RunID     string         `json:"run_id"`
	Phase     runstate.Phase `json:"phase"`
	Cancelled bool           `json:"cancelled"`
}

// Health is the server's health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	LiveRuns int    `json:"live_runs"`
}
