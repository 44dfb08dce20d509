package model

import (
	"fmt"
	"time"

	"github.com/kajihq/kaji/pkg/runstate"
)

// MaxObjectiveLen caps request text so a single oversized field cannot fill
// the events table or the arbiter prompt with caller-controlled garbage.
const MaxObjectiveLen = 16 * 1024 // 16 KB

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// RouteRequest is the request body for POST /v1/route.
type RouteRequest struct {
	Text           string `json:"text"`
	HasAttachments bool   `json:"has_attachments,omitempty"`
}

// DispatchRequest is the request body for POST /v1/requests: route the text
// and, when the agent path is chosen, start a run in one call.
type DispatchRequest struct {
	Text           string `json:"text"`
	HasAttachments bool   `json:"has_attachments,omitempty"`
}

// DispatchResponse carries the decision and, for agent routes, the started run.
type DispatchResponse struct {
	Decision RouteDecision `json:"decision"`
	Run      *RunRecord    `json:"run,omitempty"`
}

// EscalationRequest is the request body for POST /v1/escalation: scan a
// finished chat-path answer for admissions that the request needed live data,
// and retroactively promote it to an agent run on a hit.
type EscalationRequest struct {
	Text         string `json:"text"`
	ResponseText string `json:"response_text"`
}

// EscalationResponse reports the scan verdict and, when the request was
// promoted, the started run.
type EscalationResponse struct {
	ShouldEscalate bool       `json:"should_escalate"`
	Reason         string     `json:"reason,omitempty"`
	Run            *RunRecord `json:"run,omitempty"`
}

// StartRunRequest is the request body for POST /v1/runs. Requirements and
// Config are optional; omitted fields fall back to derived/configured values.
type StartRunRequest struct {
	Objective    string        `json:"objective"`
	Requirements *Requirements `json:"requirements,omitempty"`
	Config       *RunConfig    `json:"config,omitempty"`
	PlanHint     []string      `json:"plan_hint,omitempty"`
	ToolNeeds    []string      `json:"tool_needs,omitempty"`
}

// EventBatchResponse is the polling payload for
// GET /v1/runs/{run_id}/events?after=N: an ordered batch plus the latest
// sequence number persisted for the run.
type EventBatchResponse struct {
	Events    []runstate.Event `json:"events"`
	LatestSeq int64            `json:"latest_seq"`
}

// CancelResponse reports the phase after a cancel request. Cancelled is
// false when the run had already reached a terminal phase (no-op).
type CancelResponse struct {
	RunID     string         `json:"run_id"`
	Phase     runstate.Phase `json:"phase"`
	Cancelled bool           `json:"cancelled"`
}

// ValidateObjective checks request text bounds shared by the route and run
// endpoints.
func ValidateObjective(text string) error {
	if text == "" {
		return fmt.Errorf("text must not be empty")
	}
	if len(text) > MaxObjectiveLen {
		return fmt.Errorf("text exceeds maximum length of %d bytes", MaxObjectiveLen)
	}
	return nil
}
