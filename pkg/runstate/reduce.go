package runstate

// Apply folds one event into the orchestrator-side ExecutionState and
// returns the new state. It is total: every defined event type has a
// transition, unknown types are a no-op, and malformed payloads are ignored
// rather than propagated as errors. Applying an upsert-style event twice
// yields the same state as applying it once.
func Apply(s ExecutionState, e Event) ExecutionState {
	if s.Phase.Terminal() {
		return s
	}

	switch e.Type {
	case EventRunStarted:
		var d RunStartedData
		if e.decode(&d) != nil {
			return s
		}
		s.RunID = e.RunID
		s.Objective = d.Objective
		s.MaxIterations = d.MaxIterations
		s.Phase = PhasePlanning

	case EventPhaseChanged:
		var d PhaseChangedData
		if e.decode(&d) != nil || d.Phase == "" {
			return s
		}
		s.Phase = d.Phase

	case EventPlanCreated:
		var d PlanCreatedData
		if e.decode(&d) != nil {
			return s
		}
		if d.Iteration > s.Iteration {
			s.Iteration = d.Iteration
		}

	case EventStepCompleted:
		s.ConsecutiveFailures = 0

	case EventStepFailed:
		s.ConsecutiveFailures++

	case EventToolCallCompleted:
		var d ToolCallCompletedData
		if e.decode(&d) != nil {
			return s
		}
		s.ToolResults = upsertResult(s.ToolResults, ToolResult{
			CallID: d.CallID, Tool: d.Tool, Success: true, DurationMS: d.DurationMS,
		})

	case EventToolCallFailed:
		var d ToolCallFailedData
		if e.decode(&d) != nil {
			return s
		}
		s.ToolResults = upsertResult(s.ToolResults, ToolResult{
			CallID: d.CallID, Tool: d.Tool, Success: false, Error: d.Error, DurationMS: d.DurationMS,
		})

	case EventSourcesCollected:
		var d SourcesCollectedData
		if e.decode(&d) != nil {
			return s
		}
		for _, src := range d.Sources {
			s.Sources = upsertSource(s.Sources, src)
			if d.Deep || len(src.Claims) > 0 {
				s.DeepSources = upsertSource(s.DeepSources, src)
			}
		}
		s.SourcesCount = len(s.Sources)

	case EventArtifactCreated:
		var d ArtifactCreatedData
		if e.decode(&d) != nil {
			return s
		}
		s.Artifacts = upsertArtifact(s.Artifacts, d.Artifact)

	case EventWarning:
		var d WarningData
		if e.decode(&d) != nil {
			return s
		}
		s.Warnings = append(s.Warnings, d.Message)

	case EventRunCompleted:
		var d RunCompletedData
		if e.decode(&d) != nil {
			return s
		}
		s.FinalResponse = d.FinalResponse
		s.Phase = PhaseCompleted

	case EventRunFailed:
		s.Phase = PhaseFailed

	case EventRunCancelled:
		s.Phase = PhaseCancelled
	}

	return s
}

// Reduce folds one event into the observer-side FlatRunState and returns the
// new projection. Steps, tool calls, artifacts, and sources are upserted by
// ID; the raw event is appended to Events. Callers must enforce the seq
// ordering contract before folding — Reduce itself is order-agnostic.
func Reduce(fs FlatRunState, e Event) FlatRunState {
	fs.Events = append(fs.Events, e)
	if e.Seq > fs.LastSeq {
		fs.LastSeq = e.Seq
	}

	switch e.Type {
	case EventRunStarted:
		fs.RunID = e.RunID
		fs.Status = PhasePlanning
		ts := e.Timestamp
		fs.StartedAt = &ts

	case EventPhaseChanged:
		var d PhaseChangedData
		if e.decode(&d) == nil && d.Phase != "" {
			fs.Status = d.Phase
		}

	case EventPlanCreated:
		var d PlanCreatedData
		if e.decode(&d) != nil {
			break
		}
		if d.Iteration > fs.Metrics.Iterations {
			fs.Metrics.Iterations = d.Iteration
		}
		for _, step := range d.Steps {
			if step.Status == "" {
				step.Status = StepPending
			}
			fs.Steps = upsertStep(fs.Steps, step)
		}
		fs.Plan = fs.Plan[:0]
		for _, step := range fs.Steps {
			fs.Plan = append(fs.Plan, step.Description)
		}

	case EventStepStarted:
		var d StepStartedData
		if e.decode(&d) == nil && d.StepID != "" {
			fs.Steps = setStepStatus(fs.Steps, d.StepID, StepRunning, "")
			fs.CurrentStepID = d.StepID
		}

	case EventStepCompleted:
		var d StepCompletedData
		if e.decode(&d) == nil && d.StepID != "" {
			fs.Steps = setStepStatus(fs.Steps, d.StepID, StepCompleted, "")
			if fs.CurrentStepID == d.StepID {
				fs.CurrentStepID = ""
			}
		}

	case EventStepFailed:
		var d StepFailedData
		if e.decode(&d) == nil && d.StepID != "" {
			fs.Steps = setStepStatus(fs.Steps, d.StepID, StepFailed, d.Error)
			if fs.CurrentStepID == d.StepID {
				fs.CurrentStepID = ""
			}
			fs.Metrics.Failures++
		}

	case EventToolCallStarted:
		var d ToolCallStartedData
		if e.decode(&d) == nil && d.CallID != "" {
			fs.ToolCalls = upsertCall(fs.ToolCalls, ToolCall{
				ID: d.CallID, Tool: d.Tool, StepID: d.StepID, Status: "running",
			})
		}

	case EventToolCallCompleted:
		var d ToolCallCompletedData
		if e.decode(&d) == nil && d.CallID != "" {
			fs.ToolCalls = upsertCall(fs.ToolCalls, ToolCall{
				ID: d.CallID, Tool: d.Tool, StepID: d.StepID,
				Status: "completed", DurationMS: d.DurationMS,
			})
		}

	case EventToolCallFailed:
		var d ToolCallFailedData
		if e.decode(&d) == nil && d.CallID != "" {
			fs.ToolCalls = upsertCall(fs.ToolCalls, ToolCall{
				ID: d.CallID, Tool: d.Tool, StepID: d.StepID,
				Status: "failed", Error: d.Error, DurationMS: d.DurationMS,
			})
		}

	case EventSourcesCollected:
		var d SourcesCollectedData
		if e.decode(&d) == nil {
			for _, src := range d.Sources {
				fs.Sources = upsertSource(fs.Sources, src)
			}
			fs.Metrics.Sources = len(fs.Sources)
		}

	case EventArtifactCreated:
		var d ArtifactCreatedData
		if e.decode(&d) == nil {
			fs.Artifacts = upsertArtifact(fs.Artifacts, d.Artifact)
		}

	case EventRetryScheduled:
		fs.Metrics.Retries++

	case EventWarning:
		var d WarningData
		if e.decode(&d) == nil {
			fs.Warnings = append(fs.Warnings, d.Message)
		}

	case EventRunCompleted:
		var d RunCompletedData
		if e.decode(&d) == nil {
			fs.FinalResponse = d.FinalResponse
		}
		fs.Status = PhaseCompleted
		ts := e.Timestamp
		fs.CompletedAt = &ts

	case EventRunFailed:
		var d RunFailedData
		if e.decode(&d) == nil {
			fs.Error = d.Reason
		}
		fs.Status = PhaseFailed
		ts := e.Timestamp
		fs.CompletedAt = &ts

	case EventRunCancelled:
		fs.Status = PhaseCancelled
		ts := e.Timestamp
		fs.CompletedAt = &ts
	}

	fs.Metrics.ToolCalls = len(fs.ToolCalls)
	fs.Progress = progress(fs)
	return fs
}

// progress is 1.0 on terminal phases, otherwise the completed-step fraction.
func progress(fs FlatRunState) float64 {
	if fs.Status.Terminal() {
		return 1.0
	}
	if len(fs.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range fs.Steps {
		if s.Status == StepCompleted || s.Status == StepFailed {
			done++
		}
	}
	return float64(done) / float64(len(fs.Steps))
}

func upsertSource(list []Source, s Source) []Source {
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return list
		}
	}
	return append(list, s)
}

func upsertArtifact(list []Artifact, a Artifact) []Artifact {
	for i := range list {
		if list[i].ID == a.ID {
			list[i] = a
			return list
		}
	}
	return append(list, a)
}

func upsertResult(list []ToolResult, r ToolResult) []ToolResult {
	for i := range list {
		if list[i].CallID == r.CallID {
			list[i] = r
			return list
		}
	}
	return append(list, r)
}

func upsertStep(list []Step, s Step) []Step {
	for i := range list {
		if list[i].ID == s.ID {
			// A re-planned step keeps progress already made on it.
			if s.Status == StepPending && list[i].Status != StepPending {
				s.Status = list[i].Status
			}
			list[i] = s
			return list
		}
	}
	return append(list, s)
}

func upsertCall(list []ToolCall, c ToolCall) []ToolCall {
	for i := range list {
		if list[i].ID == c.ID {
			list[i] = c
			return list
		}
	}
	return append(list, c)
}

func setStepStatus(list []Step, id string, status StepStatus, errMsg string) []Step {
	for i := range list {
		if list[i].ID == id {
			list[i].Status = status
			list[i].Error = errMsg
			return list
		}
	}
	// Step events can arrive for steps the observer never saw a plan for
	// (e.g. subscription started mid-run without replay). Materialize it.
	return append(list, Step{ID: id, Status: status, Error: errMsg})
}
