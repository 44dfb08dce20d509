package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kajihq/kaji/internal/gate"
	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/pkg/runstate"
)

// run is one live run. The execute goroutine is the single writer for seq
// and state; concurrent emits from tool-call goroutines are serialized by
// emitMu, and mu guards snapshot reads without blocking them on store I/O.
type run struct {
	m         *Manager
	record    model.RunRecord
	toolNeeds []string
	planHint  []string
	cancel    context.CancelFunc
	counters  map[string]int

	// emitMu holds seq assignment, persistence, and publication together so
	// the store and sink observe the log in seq order.
	emitMu sync.Mutex

	mu    sync.Mutex
	state runstate.ExecutionState
	seq   int64
	draft string
}

// execute drives the plan, act, observe, gate loop until a terminal event.
func (r *run) execute(ctx context.Context) {
	cfg := r.record.Config
	req := r.record.Requirements

	r.emit(runstate.EventRunStarted, runstate.RunStartedData{
		Objective:     r.record.Objective,
		MaxIterations: cfg.MaxIterations,
	})
	r.syncRecord()

	var retry gate.Plan
	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			r.finishCancelled()
			return
		}

		steps := r.buildPlan(iteration, retry)
		r.emit(runstate.EventPlanCreated, runstate.PlanCreatedData{
			Iteration: iteration,
			Steps:     planSteps(steps),
		})

		for _, ps := range steps {
			if ctx.Err() != nil {
				r.finishCancelled()
				return
			}
			r.setPhase(ps.phase)
			r.emit(runstate.EventStepStarted, runstate.StepStartedData{StepID: ps.step.ID})

			if err := r.runStep(ctx, ps); err != nil {
				r.emit(runstate.EventStepFailed, runstate.StepFailedData{
					StepID: ps.step.ID, Error: err.Error(),
				})
			} else {
				r.emit(runstate.EventStepCompleted, runstate.StepCompletedData{StepID: ps.step.ID})
			}

			if streak := r.snapshot().ConsecutiveFailures; streak >= cfg.MaxConsecutiveFailures {
				r.finishFailed(fmt.Sprintf("%d consecutive step failures", streak))
				return
			}
		}

		r.setPhase(runstate.PhaseVerifying)
		state := r.snapshot()
		result := gate.Evaluate(state, req)
		r.emit(runstate.EventGateEvaluated, runstate.GateEvaluatedData{
			Iteration:   iteration,
			Passed:      result.Passed,
			CanFinalize: result.CanFinalize,
			Blockers:    result.Blockers,
			Warnings:    result.Warnings,
		})

		if result.CanFinalize {
			r.finishCompleted(ctx, state.FinalResponse, nil)
			return
		}

		// Cancellation always wins over an in-flight retry decision.
		if ctx.Err() != nil {
			r.finishCancelled()
			return
		}

		if iteration < cfg.MaxIterations {
			plan := gate.PlanRetry(state, req, result)
			if plan.ShouldRetry() {
				r.emit(runstate.EventRetryScheduled, runstate.RetryScheduledData{
					Iteration: iteration,
					Strategy:  string(plan.Strategy),
					Actions:   actionNames(plan),
				})
				retry = plan
				continue
			}
		}

		// Budget exhausted, or the blockers have no remediation. Finalize
		// anyway with an explicit marker rather than silently dropping the
		// unmet requirements.
		r.finishUnmet(ctx, result)
		return
	}
}

// runStep fans the step's tool calls out concurrently and waits for all of
// them. A sibling failure does not cancel the others; failures are recorded
// as tool results and judged by the gate, not treated as control flow.
func (r *run) runStep(ctx context.Context, ps plannedStep) error {
	var g errgroup.Group
	for _, call := range ps.calls {
		r.emit(runstate.EventToolCallStarted, runstate.ToolCallStartedData{
			CallID: call.ID, Tool: call.Kind, StepID: call.StepID,
		})
		g.Go(func() error {
			start := time.Now()
			out, err := r.executeCall(ctx, call)
			elapsed := time.Since(start).Milliseconds()
			if err != nil {
				r.emit(runstate.EventToolCallFailed, runstate.ToolCallFailedData{
					CallID: call.ID, Tool: call.Kind, StepID: call.StepID,
					Error: err.Error(), DurationMS: elapsed,
				})
				return fmt.Errorf("%s: %w", call.ID, err)
			}
			r.emit(runstate.EventToolCallCompleted, runstate.ToolCallCompletedData{
				CallID: call.ID, Tool: call.Kind, StepID: call.StepID,
				DurationMS: elapsed,
			})
			r.absorb(out)
			return nil
		})
	}
	return g.Wait()
}

// executeCall runs one tool call. Response synthesis is handled in-process;
// everything else goes to the injected executor.
func (r *run) executeCall(ctx context.Context, call ToolCall) (ToolOutcome, error) {
	if call.Kind == kindSynthesize {
		text, err := r.synthesize(ctx)
		if err != nil {
			return ToolOutcome{}, err
		}
		return ToolOutcome{Response: text}, nil
	}
	return r.m.exec.Execute(ctx, call)
}

// absorb folds a tool outcome into the run via events (and the draft
// response, which only becomes an event at finalization).
func (r *run) absorb(out ToolOutcome) {
	if len(out.Sources) > 0 {
		r.emit(runstate.EventSourcesCollected, runstate.SourcesCollectedData{
			Sources: out.Sources, Deep: out.Deep,
		})
	}
	if out.Artifact != nil {
		artifact := *out.Artifact
		if artifact.ID == "" {
			artifact.ID = uuid.NewString()
		}
		if artifact.CreatedAt.IsZero() {
			artifact.CreatedAt = time.Now().UTC()
		}
		r.emit(runstate.EventArtifactCreated, runstate.ArtifactCreatedData{Artifact: artifact})
	}
	if out.Response != "" {
		r.mu.Lock()
		r.draft = out.Response
		r.mu.Unlock()
	}
}

// synthesize produces the final response from collected sources, preferring
// the configured synthesizer and falling back to a deterministic summary.
func (r *run) synthesize(ctx context.Context) (string, error) {
	state := r.snapshot()
	if r.m.synth != nil {
		text, err := r.m.synth.Synthesize(ctx, state.Objective, state.Sources)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			r.m.logger.Warn("synthesizer failed, using deterministic summary",
				"run_id", r.record.ID, "error", err)
		}
	}
	return summarize(state.Objective, state.Sources, state.Artifacts), nil
}

func (r *run) finishCompleted(ctx context.Context, finalResponse string, markers []string) {
	if finalResponse == "" {
		text, err := r.synthesize(ctx)
		if err == nil {
			finalResponse = text
		}
	}
	r.emit(runstate.EventRunCompleted, runstate.RunCompletedData{
		FinalResponse: finalResponse,
		Markers:       markers,
	})
	r.syncRecord()
	r.m.logger.Info("run completed", "run_id", r.record.ID, "last_seq", r.lastSeq())
}

// finishUnmet finalizes a run whose requirements could not be met within
// budget. The warning marker makes the shortfall machine-readable.
func (r *run) finishUnmet(ctx context.Context, result gate.Result) {
	r.emit(runstate.EventWarning, runstate.WarningData{
		Message: fmt.Sprintf("finished with unmet requirements: %d blockers remain", len(result.Blockers)),
		Marker:  "unmet-requirements",
	})
	r.finishCompleted(ctx, r.snapshot().FinalResponse, []string{"[unmet-requirements]"})
}

func (r *run) finishFailed(reason string) {
	r.emit(runstate.EventRunFailed, runstate.RunFailedData{Reason: reason})
	r.syncRecord()
	r.m.logger.Warn("run failed", "run_id", r.record.ID, "reason", reason)
}

func (r *run) finishCancelled() {
	r.emit(runstate.EventRunCancelled, runstate.RunCancelledData{Reason: "cancelled by caller"})
	r.syncRecord()
	r.m.logger.Info("run cancelled", "run_id", r.record.ID)
}

func (r *run) setPhase(phase runstate.Phase) {
	if r.snapshot().Phase == phase {
		return
	}
	r.emit(runstate.EventPhaseChanged, runstate.PhaseChangedData{Phase: phase})
}

// emit assigns the next seq, folds the event into local state, persists it,
// and only then publishes it to the sink. The whole sequence runs under
// emitMu: consumers drop any seq at or below their high-water mark, so a
// higher seq becoming durable or visible first would lose the lower event
// for good. Persistence uses a detached context so terminal events survive
// run cancellation; a store failure is logged and the run continues on its
// in-memory state.
func (r *run) emit(typ runstate.EventType, payload any) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	r.seq++
	event := runstate.New(r.record.ID, r.seq, typ, payload)
	r.state = runstate.Apply(r.state, event)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.m.store.AppendEvent(ctx, event); err != nil {
		r.m.logger.Error("append event failed",
			"run_id", r.record.ID, "seq", event.Seq, "type", event.Type, "error", err)
	}
	r.m.sink.Publish(event)
}

// snapshot returns a copy of the current execution state with the draft
// response folded in so the gate can see synthesized output before the
// finalization event exists.
func (r *run) snapshot() runstate.ExecutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.state
	if state.FinalResponse == "" {
		state.FinalResponse = r.draft
	}
	return state
}

func (r *run) lastSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// syncRecord mirrors the latest phase and seq into the persisted run record.
func (r *run) syncRecord() {
	state := r.snapshot()
	r.record.Phase = state.Phase
	r.record.LastSeq = r.lastSeq()
	if state.Phase.Terminal() && r.record.CompletedAt == nil {
		now := time.Now().UTC()
		r.record.CompletedAt = &now
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.m.store.UpdateRun(ctx, r.record); err != nil {
		r.m.logger.Error("update run failed", "run_id", r.record.ID, "error", err)
	}
}

func actionNames(plan gate.Plan) []string {
	names := make([]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		names = append(names, string(a.Kind))
	}
	return names
}
