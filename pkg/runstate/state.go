package runstate

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle phase of a run. Phases only move forward: a run
// never returns to an earlier non-retry phase, and terminal phases are final.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseSignals   Phase = "signals"
	PhaseCreating  Phase = "creating"
	PhaseVerifying Phase = "verifying"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// StepStatus is the lifecycle status of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Source is a collected information source. Sources with a non-empty Claims
// list have been deep-verified and count toward fact-verification checks.
type Source struct {
	ID     string   `json:"id"`
	URL    string   `json:"url,omitempty"`
	Title  string   `json:"title,omitempty"`
	Claims []string `json:"claims,omitempty"`
}

// Artifact is an observable fact about a generated file. How artifacts are
// produced is outside this package; only existence and type matter here.
type Artifact struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToolResult records the outcome of one tool call. Failures are data, never
// control flow: the quality gate classifies them by the operation kind
// embedded in CallID (e.g. "create.document#1").
type ToolResult struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Step is one unit of a run's plan.
type Step struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	ToolCallIDs []string   `json:"tool_call_ids,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ToolCall is the observer-side view of one tool invocation.
type ToolCall struct {
	ID         string `json:"id"`
	Tool       string `json:"tool"`
	StepID     string `json:"step_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ExecutionState is the orchestrator-owned state of one run. It is mutated
// only by folding events through Apply; once the phase is terminal it never
// changes again.
type ExecutionState struct {
	RunID         uuid.UUID    `json:"run_id"`
	Phase         Phase        `json:"phase"`
	Objective     string       `json:"objective,omitempty"`
	Sources       []Source     `json:"sources"`
	SourcesCount  int          `json:"sources_count"`
	DeepSources   []Source     `json:"deep_sources,omitempty"`
	Artifacts     []Artifact   `json:"artifacts"`
	ToolResults   []ToolResult `json:"tool_results"`
	Iteration     int          `json:"iteration"`
	MaxIterations int          `json:"max_iterations"`
	FinalResponse string       `json:"final_response,omitempty"`
	Warnings      []string     `json:"warnings,omitempty"`

	// ConsecutiveFailures counts step failures with no intervening success.
	// Derived from step_failed/step_completed events so replays reproduce it.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// NewExecutionState returns the initial state for a run.
func NewExecutionState(runID uuid.UUID) ExecutionState {
	return ExecutionState{RunID: runID, Phase: PhaseIdle}
}

// ConnectionMode is the delivery strategy a stream transport is using.
type ConnectionMode string

const (
	ModeConnecting   ConnectionMode = "connecting"
	ModeSSEActive    ConnectionMode = "sse_active"
	ModePolling      ConnectionMode = "polling"
	ModeDisconnected ConnectionMode = "disconnected"
)

// Metrics are aggregate counters folded from the event log.
type Metrics struct {
	Iterations int `json:"iterations"`
	Sources    int `json:"sources"`
	ToolCalls  int `json:"tool_calls"`
	Failures   int `json:"failures"`
	Retries    int `json:"retries"`
}

// FlatRunState is the observer-side projection of a run, rebuilt
// incrementally by folding events through Reduce. It may lag the remote
// ExecutionState; ConnectionMode is owned by the transport, not the fold.
type FlatRunState struct {
	RunID          uuid.UUID      `json:"run_id"`
	Status         Phase          `json:"status"`
	Plan           []string       `json:"plan,omitempty"`
	Steps          []Step         `json:"steps"`
	ToolCalls      []ToolCall     `json:"tool_calls"`
	Sources        []Source       `json:"sources,omitempty"`
	Artifacts      []Artifact     `json:"artifacts"`
	Events         []Event        `json:"events"`
	Warnings       []string       `json:"warnings,omitempty"`
	Progress       float64        `json:"progress"`
	CurrentStepID  string         `json:"current_step_id,omitempty"`
	FinalResponse  string         `json:"final_response,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Metrics        Metrics        `json:"metrics"`
	LastSeq        int64          `json:"last_seq"`
	ConnectionMode ConnectionMode `json:"connection_mode,omitempty"`
}

// NewFlatRunState returns the initial observer projection for a run.
func NewFlatRunState(runID uuid.UUID) FlatRunState {
	return FlatRunState{RunID: runID, Status: PhaseIdle}
}
