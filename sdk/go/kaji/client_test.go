package kaji

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return client
}

func writeData(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BaseURL is required")
}

func TestNewClientTrimsTrailingSlash(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", client.baseURL)
}

func TestRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/route", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello there", body["text"])
		writeData(t, w, http.StatusOK, RouteDecision{
			Route:      "chat",
			Confidence: 0.9,
			Reasons:    []string{"short message"},
		})
	})

	client := newTestClient(t, mux)
	decision, err := client.Route(context.Background(), "hello there", false)
	require.NoError(t, err)
	assert.Equal(t, "chat", decision.Route)
	assert.InDelta(t, 0.9, decision.Confidence, 0.001)
}

func TestDispatchStartsRun(t *testing.T) {
	runID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/requests", func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, http.StatusCreated, DispatchResult{
			Decision: RouteDecision{Route: "agent", Confidence: 0.8},
			Run:      &Run{ID: runID, Objective: "research espresso machines"},
		})
	})

	client := newTestClient(t, mux)
	result, err := client.Dispatch(context.Background(), "research espresso machines", false)
	require.NoError(t, err)
	assert.Equal(t, "agent", result.Decision.Route)
	require.NotNil(t, result.Run)
	assert.Equal(t, runID, result.Run.ID)
}

func TestEscalate(t *testing.T) {
	runID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/escalation", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "current copper price", body["text"])
		assert.NotEmpty(t, body["response_text"])
		writeData(t, w, http.StatusCreated, EscalationResult{
			ShouldEscalate: true,
			Reason:         "answer admits missing real-time data",
			Run:            &Run{ID: runID},
		})
	})

	client := newTestClient(t, mux)
	result, err := client.Escalate(context.Background(), "current copper price",
		"I don't have access to real-time data.")
	require.NoError(t, err)
	assert.True(t, result.ShouldEscalate)
	require.NotNil(t, result.Run)
	assert.Equal(t, runID, result.Run.ID)
}

func TestStartRunSendsContract(t *testing.T) {
	runID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "compile a market report", req.Objective)
		require.NotNil(t, req.Requirements)
		assert.Equal(t, 7, req.Requirements.MinSources)
		writeData(t, w, http.StatusCreated, Run{ID: runID, Objective: req.Objective})
	})

	client := newTestClient(t, mux)
	run, err := client.StartRun(context.Background(), StartRunRequest{
		Objective:    "compile a market report",
		Requirements: &Requirements{MinSources: 7, VerifyFacts: true},
	})
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
}

func TestGetRunNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "NOT_FOUND", "message": "run not found"},
		})
	})

	client := newTestClient(t, mux)
	_, err := client.GetRun(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "run not found", apiErr.Message)
}

func TestErrorWithoutEnvelopeFallsBackToStatusText(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	client := newTestClient(t, mux)
	_, err := client.Health(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
}

func TestCancelRun(t *testing.T) {
	runID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, runID.String(), r.PathValue("run_id"))
		writeData(t, w, http.StatusOK, CancelResult{RunID: runID.String(), Phase: "cancelled", Cancelled: true})
	})

	client := newTestClient(t, mux)
	result, err := client.CancelRun(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, result.Cancelled)
}

func TestEventsQueryParams(t *testing.T) {
	runID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/{run_id}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.URL.Query().Get("after"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		writeData(t, w, http.StatusOK, EventBatch{LatestSeq: 42})
	})

	client := newTestClient(t, mux)
	batch, err := client.Events(context.Background(), runID, 42, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(42), batch.LatestSeq)
}

func TestListRuns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeData(t, w, http.StatusOK, []Run{{ID: uuid.New()}, {ID: uuid.New()}})
	})

	client := newTestClient(t, mux)
	runs, err := client.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeData(t, w, http.StatusOK, Health{Status: "ok", Version: "1.2.3", LiveRuns: 4})
	})

	client := newTestClient(t, mux)
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Equal(t, 4, health.LiveRuns)
}

func TestUnwrappedResponseFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Health{Status: "ok"})
	})

	client := newTestClient(t, mux)
	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}
