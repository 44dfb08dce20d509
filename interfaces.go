package kaji

import (
	"context"

	"github.com/kajihq/kaji/pkg/runstate"
)

// RouteVerdict is an arbiter's classification of a request. Route must be
// "chat" or "agent" and Confidence must be in [0,1]; the decider rejects
// anything else and falls back to its own defaults.
type RouteVerdict struct {
	Route      string
	Confidence float64
	Reasons    []string
	ToolNeeds  []string
	PlanHint   []string
}

// Arbiter classifies requests the routing heuristics could not decide.
// Typically backed by an LLM. Calls are bounded by the configured arbiter
// timeout; errors and timeouts fail open to the chat path.
type Arbiter interface {
	Arbitrate(ctx context.Context, text string) (RouteVerdict, error)
}

// ToolCall is one tool invocation handed to the executor. ID embeds the
// operation kind (e.g. "search.web#3").
type ToolCall struct {
	ID        string
	Kind      string
	StepID    string
	Objective string
	Detail    string
}

// ToolOutcome is what a tool call produced. Zero-value fields are simply
// absent; a search call fills Sources, a creation call fills Artifact.
type ToolOutcome struct {
	Sources  []runstate.Source
	Deep     bool
	Artifact *runstate.Artifact
	Response string
}

// ToolExecutor performs tool calls for the orchestrator. Implementations
// must honor ctx cancellation and are called concurrently from multiple
// goroutines. A returned error records the call as failed; the run's
// quality gate decides whether that blocks finalization.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ToolOutcome, error)
}

// Synthesizer writes the final response from collected sources. Optional;
// when absent the orchestrator falls back to a deterministic summary.
type Synthesizer interface {
	Synthesize(ctx context.Context, objective string, sources []runstate.Source) (string, error)
}
