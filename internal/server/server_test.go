package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/internal/orchestrator"
	"github.com/kajihq/kaji/internal/router"
	"github.com/kajihq/kaji/internal/server"
	"github.com/kajihq/kaji/internal/storage"
	"github.com/kajihq/kaji/internal/testutil"
	"github.com/kajihq/kaji/pkg/runstate"
)

// fakeRuns implements server.RunService.
type fakeRuns struct {
	mu      sync.Mutex
	started []orchestrator.StartParams

	startErr  error
	cancelFn  func(uuid.UUID) (runstate.Phase, bool, error)
	liveCount int
}

func (f *fakeRuns) Start(_ context.Context, params orchestrator.StartParams) (model.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return model.RunRecord{}, f.startErr
	}
	f.started = append(f.started, params)
	return model.RunRecord{
		ID:        uuid.New(),
		Objective: params.Objective,
		Phase:     runstate.PhaseIdle,
		StartedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeRuns) Cancel(_ context.Context, runID uuid.UUID) (runstate.Phase, bool, error) {
	if f.cancelFn != nil {
		return f.cancelFn(runID)
	}
	return runstate.PhaseCancelled, true, nil
}

func (f *fakeRuns) LiveCount() int { return f.liveCount }

func (f *fakeRuns) startedParams() []orchestrator.StartParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.StartParams(nil), f.started...)
}

// fakeStore implements server.RunStore in memory.
type fakeStore struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]model.RunRecord
	events  map[uuid.UUID][]runstate.Event
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:   make(map[uuid.UUID]model.RunRecord),
		events: make(map[uuid.UUID][]runstate.Event),
	}
}

func (s *fakeStore) GetRun(_ context.Context, id uuid.UUID) (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, fmt.Errorf("storage: run %s: %w", id, storage.ErrNotFound)
	}
	return record, nil
}

func (s *fakeStore) ListRuns(_ context.Context, limit int) ([]model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RunRecord
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) EventsAfter(_ context.Context, runID uuid.UUID, after int64, limit int) ([]runstate.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []runstate.Event
	for _, e := range s.events[runID] {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) LatestSeq(_ context.Context, runID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest int64
	for _, e := range s.events[runID] {
		if e.Seq > latest {
			latest = e.Seq
		}
	}
	return latest, nil
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) putRun(record model.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[record.ID] = record
}

func (s *fakeStore) putEvents(runID uuid.UUID, events ...runstate.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[runID] = append(s.events[runID], events...)
}

type testServer struct {
	srv    *server.Server
	runs   *fakeRuns
	store  *fakeStore
	broker *server.Broker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := testutil.TestLogger()
	runs := &fakeRuns{}
	store := newFakeStore()
	broker := server.NewBroker(logger)

	srv := server.New(server.ServerConfig{
		Runs:                runs,
		Store:               store,
		Decider:             router.New(router.Config{}, nil, logger),
		Broker:              broker,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	})
	return &testServer{srv: srv, runs: runs, store: store, broker: broker}
}

// envelope mirrors the response wrapper with a raw data payload.
type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestHandleRouteChat(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/route", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var decision model.RouteDecision
	require.NoError(t, json.Unmarshal(env.Data, &decision))
	assert.Equal(t, model.RouteChat, decision.Route)
	assert.Empty(t, ts.runs.startedParams(), "route endpoint must not start runs")
}

func TestHandleRouteRejectsEmptyText(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/route", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestHandleRouteRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/route", `{"text":"hi","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDispatchStartsAgentRun(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/requests",
		`{"text":"research the history of espresso machines"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp model.DispatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, model.RouteAgent, resp.Decision.Route)
	require.NotNil(t, resp.Run)

	started := ts.runs.startedParams()
	require.Len(t, started, 1)
	assert.Equal(t, "research the history of espresso machines", started[0].Objective)
	assert.Equal(t, 5, started[0].Requirements.MinSources, "research requests require sources")
}

func TestHandleEscalationPromotesAdmittedAnswer(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/escalation",
		`{"text":"what is the current price of copper","response_text":"As of my last update I cannot access real-time data."}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp model.EscalationResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.ShouldEscalate)
	assert.NotEmpty(t, resp.Reason)
	require.NotNil(t, resp.Run)

	started := ts.runs.startedParams()
	require.Len(t, started, 1)
	assert.Equal(t, "what is the current price of copper", started[0].Objective)
	assert.Contains(t, started[0].ToolNeeds, "search.web")
}

func TestHandleEscalationIgnoresOrdinaryAnswer(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/escalation",
		`{"text":"explain how copper is refined","response_text":"Copper is refined by smelting and electrolysis."}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.EscalationResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.False(t, resp.ShouldEscalate)
	assert.Nil(t, resp.Run)
	assert.Empty(t, ts.runs.startedParams())
}

func TestHandleDispatchChatDoesNotStartRun(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/requests", `{"text":"thanks!"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.DispatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, model.RouteChat, resp.Decision.Route)
	assert.Nil(t, resp.Run)
	assert.Empty(t, ts.runs.startedParams())
}

func TestHandleStartRunExplicitContract(t *testing.T) {
	ts := newTestServer(t)

	body := `{
		"objective": "compile a market overview",
		"requirements": {"min_sources": 7, "must_create": ["document"], "verify_facts": true},
		"config": {"max_iterations": 3, "max_consecutive_failures": 2}
	}`
	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var record model.RunRecord
	require.NoError(t, json.Unmarshal(env.Data, &record))
	assert.Equal(t, "compile a market overview", record.Objective)

	started := ts.runs.startedParams()
	require.Len(t, started, 1)
	assert.Equal(t, 7, started[0].Requirements.MinSources)
	assert.Equal(t, []string{"document"}, started[0].Requirements.MustCreate)
	assert.Equal(t, 3, started[0].Config.MaxIterations)
}

func TestHandleStartRunDerivesRequirements(t *testing.T) {
	ts := newTestServer(t)

	rec, _ := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/runs",
		`{"objective":"research solid state batteries and create a report document"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	started := ts.runs.startedParams()
	require.Len(t, started, 1)
	assert.Equal(t, 5, started[0].Requirements.MinSources)
	assert.Contains(t, started[0].Requirements.MustCreate, "document")
}

func TestHandleCancelRun(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/runs/"+runID.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.CancelResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, runID.String(), resp.RunID)
	assert.True(t, resp.Cancelled)
	assert.Equal(t, runstate.PhaseCancelled, resp.Phase)
}

func TestHandleCancelRunNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.cancelFn = func(uuid.UUID) (runstate.Phase, bool, error) {
		return "", false, storage.ErrNotFound
	}

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodPost, "/v1/runs/"+uuid.NewString()+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestHandleGetRun(t *testing.T) {
	ts := newTestServer(t)
	record := model.RunRecord{ID: uuid.New(), Objective: "obj", Phase: runstate.PhaseSignals, StartedAt: time.Now().UTC()}
	ts.store.putRun(record)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs/"+record.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.RunRecord
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, record.ID, got.ID)
}

func TestHandleGetRunInvalidID(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
}

func TestHandleGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestHandleRunEvents(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseSignals, StartedAt: time.Now().UTC()})
	for seq := int64(1); seq <= 5; seq++ {
		ts.store.putEvents(runID, runstate.New(runID, seq, runstate.EventPhaseChanged, nil))
	}

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet,
		"/v1/runs/"+runID.String()+"/events?after=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var batch model.EventBatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &batch))
	require.Len(t, batch.Events, 3)
	assert.Equal(t, int64(3), batch.Events[0].Seq)
	assert.Equal(t, int64(5), batch.LatestSeq)
}

func TestHandleRunEventsEmptyBatch(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseIdle, StartedAt: time.Now().UTC()})

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs/"+runID.String()+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var batch model.EventBatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &batch))
	assert.NotNil(t, batch.Events)
	assert.Empty(t, batch.Events)
	assert.Equal(t, int64(0), batch.LatestSeq)
}

func TestHandleRunState(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseCompleted, StartedAt: time.Now().UTC()})
	ts.store.putEvents(runID,
		runstate.New(runID, 1, runstate.EventRunStarted, runstate.RunStartedData{Objective: "obj", MaxIterations: 5}),
		runstate.New(runID, 2, runstate.EventSourcesCollected, runstate.SourcesCollectedData{
			Sources: []runstate.Source{{ID: "s1"}, {ID: "s2"}},
		}),
		runstate.New(runID, 3, runstate.EventRunCompleted, runstate.RunCompletedData{FinalResponse: "done"}),
	)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs/"+runID.String()+"/state", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var fs runstate.FlatRunState
	require.NoError(t, json.Unmarshal(env.Data, &fs))
	assert.Equal(t, runstate.PhaseCompleted, fs.Status)
	assert.Equal(t, "done", fs.FinalResponse)
	assert.Equal(t, int64(3), fs.LastSeq)
	assert.Len(t, fs.Sources, 2)
}

func TestHandleListRuns(t *testing.T) {
	ts := newTestServer(t)
	older := model.RunRecord{ID: uuid.New(), Phase: runstate.PhaseCompleted, StartedAt: time.Now().UTC().Add(-time.Hour)}
	newer := model.RunRecord{ID: uuid.New(), Phase: runstate.PhaseSignals, StartedAt: time.Now().UTC()}
	ts.store.putRun(older)
	ts.store.putRun(newer)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []model.RunRecord
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.runs.liveCount = 2

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["live_runs"])
}

func TestHandleHealthDegraded(t *testing.T) {
	ts := newTestServer(t)
	ts.store.pingErr = fmt.Errorf("connection refused")

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestSubscribeReplaysBacklogAndCloses(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseCompleted, LastSeq: 3, StartedAt: time.Now().UTC()})
	ts.store.putEvents(runID,
		runstate.New(runID, 1, runstate.EventRunStarted, runstate.RunStartedData{Objective: "obj"}),
		runstate.New(runID, 2, runstate.EventPhaseChanged, runstate.PhaseChangedData{Phase: runstate.PhaseSignals}),
		runstate.New(runID, 3, runstate.EventRunCompleted, runstate.RunCompletedData{FinalResponse: "done"}),
	)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/v1/runs/" + runID.String() + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The run is terminal, so the stream ends after the replay.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "id: 1\nevent: run_started\n")
	assert.Contains(t, text, "id: 3\nevent: run_completed\n")
}

func TestSubscribeResumesFromLastEventID(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseCompleted, LastSeq: 3, StartedAt: time.Now().UTC()})
	ts.store.putEvents(runID,
		runstate.New(runID, 1, runstate.EventRunStarted, nil),
		runstate.New(runID, 2, runstate.EventPhaseChanged, nil),
		runstate.New(runID, 3, runstate.EventRunCompleted, runstate.RunCompletedData{FinalResponse: "done"}),
	)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	req, err := http.NewRequest(http.MethodGet, httpSrv.URL+"/v1/runs/"+runID.String()+"/subscribe", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.NotContains(t, text, "id: 1\n")
	assert.NotContains(t, text, "id: 2\n")
	assert.Contains(t, text, "id: 3\nevent: run_completed\n")
}

func TestSubscribeDeliversLiveEvents(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseSignals, LastSeq: 1, StartedAt: time.Now().UTC()})
	ts.store.putEvents(runID, runstate.New(runID, 1, runstate.EventRunStarted, nil))

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/v1/runs/" + runID.String() + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Wait until the handler has registered its subscriber, then publish.
	require.Eventually(t, func() bool {
		return ts.broker.SubscriberCount(runID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ts.broker.Publish(runstate.New(runID, 2, runstate.EventPhaseChanged, runstate.PhaseChangedData{Phase: runstate.PhaseCreating}))
	ts.broker.Publish(runstate.New(runID, 3, runstate.EventRunCompleted, runstate.RunCompletedData{FinalResponse: "done"}))

	scanner := bufio.NewScanner(resp.Body)
	var ids []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	// Replay of seq 1 plus the two live events; the stream closes after the
	// terminal event.
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestSubscribeSkipsDuplicateSeq(t *testing.T) {
	ts := newTestServer(t)
	runID := uuid.New()
	ts.store.putRun(model.RunRecord{ID: runID, Phase: runstate.PhaseSignals, LastSeq: 2, StartedAt: time.Now().UTC()})
	ts.store.putEvents(runID,
		runstate.New(runID, 1, runstate.EventRunStarted, nil),
		runstate.New(runID, 2, runstate.EventPhaseChanged, nil),
	)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/v1/runs/" + runID.String() + "/subscribe")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return ts.broker.SubscriberCount(runID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Seq 2 was already replayed from storage; a live duplicate must be dropped.
	ts.broker.Publish(runstate.New(runID, 2, runstate.EventPhaseChanged, nil))
	ts.broker.Publish(runstate.New(runID, 3, runstate.EventRunCompleted, runstate.RunCompletedData{FinalResponse: "x"}))

	scanner := bufio.NewScanner(resp.Body)
	var ids []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestSubscribeUnknownRun(t *testing.T) {
	ts := newTestServer(t)

	rec, env := doJSON(t, ts.srv.Handler(), http.MethodGet, "/v1/runs/"+uuid.NewString()+"/subscribe", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}
