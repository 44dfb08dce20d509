package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/internal/orchestrator"
	"github.com/kajihq/kaji/internal/router"
	"github.com/kajihq/kaji/internal/storage"
	"github.com/kajihq/kaji/pkg/runstate"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000

	// replayPageSize bounds each storage read while replaying an event
	// backlog.
	replayPageSize = 500
)

// RunService is the subset of the orchestrator the handlers need.
type RunService interface {
	Start(ctx context.Context, params orchestrator.StartParams) (model.RunRecord, error)
	Cancel(ctx context.Context, runID uuid.UUID) (runstate.Phase, bool, error)
	LiveCount() int
}

// RunStore is the subset of the storage layer the handlers need.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
	EventsAfter(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]runstate.Event, error)
	LatestSeq(ctx context.Context, runID uuid.UUID) (int64, error)
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	runs    RunService
	store   RunStore
	decider *router.Decider
	broker  *Broker
	logger  *slog.Logger

	version      string
	maxBodyBytes int64
}

// HandlersDeps contains the dependencies for creating Handlers.
type HandlersDeps struct {
	Runs    RunService
	Store   RunStore
	Decider *router.Decider
	Broker  *Broker
	Logger  *slog.Logger

	Version      string
	MaxBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		runs:         deps.Runs,
		store:        deps.Store,
		decider:      deps.Decider,
		broker:       deps.Broker,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: deps.MaxBodyBytes,
	}
}

// HandleRoute handles POST /v1/route: classify a request without starting
// anything.
func (h *Handlers) HandleRoute(w http.ResponseWriter, r *http.Request) {
	var req model.RouteRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateObjective(req.Text); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	decision := h.decider.Decide(r.Context(), req.Text, req.HasAttachments)
	writeJSON(w, r, http.StatusOK, decision)
}

// HandleDispatch handles POST /v1/requests: route the text and, when the
// agent path wins, derive its acceptance contract and start the run in the
// same call.
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateObjective(req.Text); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	decision := h.decider.Decide(r.Context(), req.Text, req.HasAttachments)
	resp := model.DispatchResponse{Decision: decision}

	if decision.Route == model.RouteAgent {
		record, err := h.runs.Start(r.Context(), orchestrator.StartParams{
			Objective:    req.Text,
			Requirements: router.DeriveRequirements(req.Text, decision),
			ToolNeeds:    decision.ToolNeeds,
			PlanHint:     decision.PlanHint,
		})
		if err != nil {
			h.logger.Error("dispatch: start run", "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start run")
			return
		}
		resp.Run = &record
		writeJSON(w, r, http.StatusCreated, resp)
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleEscalation handles POST /v1/escalation: scan a finished chat answer
// for admissions that the request actually needed live data or verification.
// On a hit the original request is promoted to an agent run; the answer text
// itself is never stored.
func (h *Handlers) HandleEscalation(w http.ResponseWriter, r *http.Request) {
	var req model.EscalationRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateObjective(req.Text); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.ResponseText == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "response_text must not be empty")
		return
	}

	esc := router.CheckDynamicEscalation(req.ResponseText)
	resp := model.EscalationResponse{ShouldEscalate: esc.ShouldEscalate, Reason: esc.Reason}
	if !esc.ShouldEscalate {
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	decision := model.RouteDecision{
		Route:      model.RouteAgent,
		Confidence: 1.0,
		Reasons:    []string{"escalated: " + esc.Reason},
		ToolNeeds:  []string{"search.web"},
	}
	record, err := h.runs.Start(r.Context(), orchestrator.StartParams{
		Objective:    req.Text,
		Requirements: router.DeriveRequirements(req.Text, decision),
		ToolNeeds:    decision.ToolNeeds,
	})
	if err != nil {
		h.logger.Error("escalation: start run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start run")
		return
	}
	resp.Run = &record
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandleStartRun handles POST /v1/runs: start a run directly, bypassing the
// route decision. Requirements omitted from the body are derived from the
// objective text.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := model.ValidateObjective(req.Objective); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	params := orchestrator.StartParams{
		Objective: req.Objective,
		ToolNeeds: req.ToolNeeds,
		PlanHint:  req.PlanHint,
	}
	if req.Requirements != nil {
		params.Requirements = *req.Requirements
	} else {
		params.Requirements = router.DeriveRequirements(req.Objective, model.RouteDecision{
			Route:     model.RouteAgent,
			ToolNeeds: req.ToolNeeds,
		})
	}
	if req.Config != nil {
		params.Config = *req.Config
	}

	record, err := h.runs.Start(r.Context(), params)
	if err != nil {
		h.logger.Error("start run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to start run")
		return
	}
	writeJSON(w, r, http.StatusCreated, record)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel. Cancelling a
// terminal run is a no-op reported in the response, not an error.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	phase, cancelled, err := h.runs.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("cancel run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to cancel run")
		return
	}

	writeJSON(w, r, http.StatusOK, model.CancelResponse{
		RunID:     runID.String(),
		Phase:     phase,
		Cancelled: cancelled,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	record, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}

// HandleListRuns handles GET /v1/runs?limit=N.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), queryLimit(r))
	if err != nil {
		h.logger.Error("list runs", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events?after=N&limit=M: the
// polling-fallback transport. Events come back ordered by seq; LatestSeq
// lets the client detect it is still behind without an extra round trip.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}
	after := queryInt64(r, "after", 0)
	limit := queryLimit(r)

	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("run events: get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read events")
		return
	}

	events, err := h.store.EventsAfter(r.Context(), runID, after, limit)
	if err != nil {
		h.logger.Error("run events", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read events")
		return
	}
	latest, err := h.store.LatestSeq(r.Context(), runID)
	if err != nil {
		h.logger.Error("run events: latest seq", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read events")
		return
	}
	if events == nil {
		events = []runstate.Event{}
	}

	writeJSON(w, r, http.StatusOK, model.EventBatchResponse{Events: events, LatestSeq: latest})
}

// HandleRunState handles GET /v1/runs/{run_id}/state: a server-side fold of
// the full event log into the flat observer state, for clients that want the
// current picture without replaying events themselves.
func (h *Handlers) HandleRunState(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("run state: get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to compute state")
		return
	}

	fs := runstate.NewFlatRunState(runID)
	after := int64(0)
	for {
		events, err := h.store.EventsAfter(r.Context(), runID, after, replayPageSize)
		if err != nil {
			h.logger.Error("run state: read events", "run_id", runID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to compute state")
			return
		}
		for _, e := range events {
			if e.Seq <= after {
				continue
			}
			fs = runstate.Reduce(fs, e)
			after = e.Seq
		}
		if len(events) < replayPageSize {
			break
		}
	}

	writeJSON(w, r, http.StatusOK, fs)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health: storage ping", "error", err)
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, code, map[string]any{
		"status":    status,
		"version":   h.version,
		"live_runs": h.runs.LiveCount(),
	})
}

// parseRunID extracts and validates the run_id path parameter. On failure it
// writes the error response and returns false.
func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id: must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryLimit parses ?limit=N with a default and a hard cap.
func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultQueryLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultQueryLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

// queryInt64 parses an int64 query parameter, returning def when absent or
// malformed.
func queryInt64(r *http.Request, key string, def int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
