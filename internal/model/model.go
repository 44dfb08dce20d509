// Package model defines the core domain types for kaji: routing decisions,
// run requirement contracts, and persisted run records.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. Event and derived-state types live in pkg/runstate so
// the SDK can share them without reaching into internal packages.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/pkg/runstate"
)

// Route is the execution path chosen for a request.
type Route string

const (
	// RouteChat is the fast single-turn path.
	RouteChat Route = "chat"
	// RouteAgent is the multi-step autonomous path.
	RouteAgent Route = "agent"
)

// RouteDecision is produced once per request and never mutated. Confidence
// is in [0,1]; Reasons explain which rule or arbiter verdict decided the
// route; ToolNeeds and PlanHint seed the orchestrator's first plan.
type RouteDecision struct {
	Route      Route    `json:"route"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	ToolNeeds  []string `json:"tool_needs,omitempty"`
	PlanHint   []string `json:"plan_hint,omitempty"`
}

// Requirements is the acceptance contract derived once from the original
// request. It is immutable for the run's lifetime.
type Requirements struct {
	MinSources  int      `json:"min_sources"`
	MustCreate  []string `json:"must_create,omitempty"`
	VerifyFacts bool     `json:"verify_facts"`
}

// RunConfig bounds one run's execution loop.
type RunConfig struct {
	MaxIterations          int `json:"max_iterations"`
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
}

// RunRecord is the persisted view of a run: identity, contract, lifecycle
// timestamps, and the latest phase. The event log is the source of truth for
// everything else.
type RunRecord struct {
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
