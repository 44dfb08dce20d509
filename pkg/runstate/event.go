// Package runstate defines the event-sourced state model for agent runs.
//
// A run's progress is an append-only log of sequence-numbered events. Two
// pure folds consume the log: Apply maintains the orchestrator's
// ExecutionState, and Reduce maintains the observer-side FlatRunState used
// by remote stream consumers. Both folds are deterministic and treat unknown
// event types as no-ops so old consumers survive new event types.
//
// Neither fold validates sequence ordering. The orchestrator is the single
// writer for a run and assigns strictly increasing seq values; consumers
// must discard any event whose seq is not greater than the last one they
// applied before calling a fold.
package runstate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a run event.
type EventType string

const (
	EventRunStarted EventType = "run_started"

	EventPhaseChanged EventType = "phase_changed"
	EventPlanCreated  EventType = "plan_created"

	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"

	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallCompleted EventType = "tool_call_completed"
	EventToolCallFailed    EventType = "tool_call_failed"

	EventSourcesCollected EventType = "sources_collected"
	EventArtifactCreated  EventType = "artifact_created"

	EventGateEvaluated  EventType = "gate_evaluated"
	EventRetryScheduled EventType = "retry_scheduled"
	EventWarning        EventType = "warning"

	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventRunCancelled EventType = "run_cancelled"
)

// Event is an immutable fact about a run's progress. Events are totally
// ordered per run by a strictly increasing Seq and are never mutated or
// deleted once written.
type Event struct {
	Type      EventType       `json:"type"`
	RunID     uuid.UUID       `json:"run_id"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New constructs an event with the given payload marshalled into Data.
// Panics only on unmarshalable payloads, which are a programming error.
func New(runID uuid.UUID, seq int64, typ EventType, payload any) Event {
	e := Event{
		Type:      typ,
		RunID:     runID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("runstate: marshal %s payload: %v", typ, err))
		}
		e.Data = data
	}
	return e
}

// decode unmarshals the event payload into v. Missing payloads leave v at
// its zero value, which every fold treats as a benign no-op.
func (e Event) decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// RunStartedData is the payload for run_started.
type RunStartedData struct {
	Objective     string `json:"objective"`
	MaxIterations int    `json:"max_iterations"`
}

// PhaseChangedData is the payload for phase_changed.
type PhaseChangedData struct {
	Phase Phase `json:"phase"`
}

// PlanCreatedData is the payload for plan_created. Steps are upserted by ID
// so a refined plan on retry replaces earlier step definitions in place.
type PlanCreatedData struct {
	Iteration int    `json:"iteration"`
	Steps     []Step `json:"steps"`
}

// StepStartedData is the payload for step_started.
type StepStartedData struct {
	StepID string `json:"step_id"`
}

// StepCompletedData is the payload for step_completed.
type StepCompletedData struct {
	StepID string `json:"step_id"`
}

// StepFailedData is the payload for step_failed.
type StepFailedData struct {
	StepID string `json:"step_id"`
	Error  string `json:"error"`
}

// ToolCallStartedData is the payload for tool_call_started.
type ToolCallStartedData struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	StepID string `json:"step_id"`
}

// ToolCallCompletedData is the payload for tool_call_completed.
type ToolCallCompletedData struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	StepID     string `json:"step_id"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ToolCallFailedData is the payload for tool_call_failed.
type ToolCallFailedData struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	StepID     string `json:"step_id"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// SourcesCollectedData is the payload for sources_collected. Deep marks
// sources that carry verified claims; they additionally land in the
// execution state's deep-source list used by fact verification checks.
type SourcesCollectedData struct {
	Sources []Source `json:"sources"`
	Deep    bool     `json:"deep,omitempty"`
}

// ArtifactCreatedData is the payload for artifact_created.
type ArtifactCreatedData struct {
	Artifact Artifact `json:"artifact"`
}

// GateEvaluatedData is the payload for gate_evaluated.
type GateEvaluatedData struct {
	Iteration   int      `json:"iteration"`
	Passed      bool     `json:"passed"`
	CanFinalize bool     `json:"can_finalize"`
	Blockers    []string `json:"blockers,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// RetryScheduledData is the payload for retry_scheduled.
type RetryScheduledData struct {
	Iteration int      `json:"iteration"`
	Strategy  string   `json:"strategy"`
	Actions   []string `json:"actions"`
}

// WarningData is the payload for warning. Marker, when set, is a stable
// machine-readable token (e.g. "unmet-requirements") that callers can match
// without parsing the human-readable message.
type WarningData struct {
	Message string `json:"message"`
	Marker  string `json:"marker,omitempty"`
}

// RunCompletedData is the payload for run_completed.
type RunCompletedData struct {
	FinalResponse string   `json:"final_response"`
	Markers       []string `json:"markers,omitempty"`
}

// RunFailedData is the payload for run_failed.
type RunFailedData struct {
	Reason string `json:"reason"`
}

// RunCancelledData is the payload for run_cancelled.
type RunCancelledData struct {
	Reason string `json:"reason,omitempty"`
}
