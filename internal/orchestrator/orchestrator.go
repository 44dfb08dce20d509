// Package orchestrator owns the lifecycle of agent runs: one goroutine per
// run drives the plan, act, observe, gate loop, assigns the run's event
// sequence numbers, and persists every event before publishing it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

// Defaults applied when a run's config leaves a bound unset.
const (
	DefaultMaxIterations          = 5
	DefaultMaxConsecutiveFailures = 3

	// persistTimeout bounds each store write made from a run goroutine.
	persistTimeout = 5 * time.Second
)

// Store persists runs and their event logs. Writes from a run goroutine use
// a detached context so a cancelled run can still persist its terminal event.
type Store interface {
	SaveRun(ctx context.Context, run model.RunRecord) error
	UpdateRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, runID uuid.UUID) (model.RunRecord, error)
	AppendEvent(ctx context.Context, event runstate.Event) error
	EventsAfter(ctx context.Context, runID uuid.UUID, after int64, limit int) ([]runstate.Event, error)
	ListRuns(ctx context.Context, limit int) ([]model.RunRecord, error)
}

// Sink receives every event after it has been persisted. Publish must not
// block; the server broker satisfies this with buffered per-subscriber
// channels.
type Sink interface {
	Publish(event runstate.Event)
}

// ToolCall is one invocation handed to the executor. ID embeds the operation
// kind ("search.web#3") so downstream checks can classify criticality.
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

// ToolExecutor performs tool calls. Implementations must honor ctx
// cancellation and are called concurrently from multiple goroutines.
type ToolExecutor interface {
	Execute(ctx context.Context, call ToolCall) (ToolOutcome, error)
}

// Synthesizer writes a final response from collected sources. Optional; when
// absent the orchestrator falls back to a deterministic summary.
type Synthesizer interface {
	Synthesize(ctx context.Context, objective string, sources []runstate.Source) (string, error)
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	MaxIterations          int
	MaxConsecutiveFailures int

	// ShutdownGrace is how long Shutdown waits for live runs to finish
	// before cancelling them.
	ShutdownGrace time.Duration
}

// Manager starts, tracks, and cancels runs. Safe for concurrent use.
type Manager struct {
	cfg    Config
	store  Store
	sink   Sink
	exec   ToolExecutor
	synth  Synthesizer
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[uuid.UUID]*run
	wg     sync.WaitGroup
	closed bool
}

// NewManager builds a Manager. store, sink, and exec are required; synth may
// be nil.
func NewManager(cfg Config, store Store, sink Sink, exec ToolExecutor, synth Synthesizer, logger *slog.Logger) *Manager {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		store:      store,
		sink:       sink,
		exec:       exec,
		synth:      synth,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[uuid.UUID]*run),
	}
}

// StartParams carries everything a new run needs beyond its config.
type StartParams struct {
	Objective    string
	Requirements model.Requirements
	Config       model.RunConfig
	ToolNeeds    []string
	PlanHint     []string
}

// Start admits a run: persists its record, spawns its goroutine, and returns
// immediately. The returned record is in the idle phase; the run_started
// event follows asynchronously.
func (m *Manager) Start(ctx context.Context, params StartParams) (model.RunRecord, error) {
	if err := model.ValidateObjective(params.Objective); err != nil {
		return model.RunRecord{}, fmt.Errorf("orchestrator: %w", err)
	}

	cfg := params.Config
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = m.cfg.MaxIterations
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = m.cfg.MaxConsecutiveFailures
	}

	now := time.Now().UTC()
	record := model.RunRecord{
		ID:           uuid.New(),
		Objective:    params.Objective,
		Phase:        runstate.PhaseIdle,
		Requirements: params.Requirements,
		Config:       cfg,
		StartedAt:    now,
		CreatedAt:    now,
	}
	if err := m.store.SaveRun(ctx, record); err != nil {
		return model.RunRecord{}, fmt.Errorf("orchestrator: save run: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	r := &run{
		m:         m,
		record:    record,
		toolNeeds: params.ToolNeeds,
		planHint:  params.PlanHint,
		cancel:    cancel,
		state:     runstate.NewExecutionState(record.ID),
		counters:  make(map[string]int),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return model.RunRecord{}, fmt.Errorf("orchestrator: manager is shut down")
	}
	m.runs[record.ID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.release(record.ID)
		r.execute(runCtx)
	}()

	m.logger.Info("run started",
		"run_id", record.ID,
		"max_iterations", cfg.MaxIterations,
	)
	return record, nil
}

// Cancel requests cooperative cancellation. Cancelling a terminal or unknown
// run is a no-op; the second return value reports whether a cancellation was
// actually delivered.
func (m *Manager) Cancel(ctx context.Context, runID uuid.UUID) (runstate.Phase, bool, error) {
	m.mu.Lock()
	r, live := m.runs[runID]
	m.mu.Unlock()

	if live {
		phase := r.snapshot().Phase
		if phase.Terminal() {
			return phase, false, nil
		}
		r.cancel()
		m.logger.Info("run cancellation requested", "run_id", runID)
		return phase, true, nil
	}

	record, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: get run: %w", err)
	}
	return record.Phase, false, nil
}

// Get returns a snapshot of a live run's execution state.
func (m *Manager) Get(runID uuid.UUID) (runstate.ExecutionState, bool) {
	m.mu.Lock()
	r, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return runstate.ExecutionState{}, false
	}
	return r.snapshot(), true
}

// LiveCount reports how many runs are currently executing.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// Shutdown stops admitting runs, waits up to the grace period for live runs
// to finish, then cancels the rest and waits for their terminal events.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(m.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.baseCancel()
		<-done
		return ctx.Err()
	case <-grace.C:
		m.logger.Warn("shutdown grace elapsed, cancelling live runs", "live", m.LiveCount())
		m.baseCancel()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release(runID uuid.UUID) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
}
