package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kajihq/kaji/internal/model"
	"github.com/kajihq/kaji/internal/storage"
	"github.com/kajihq/kaji/pkg/runstate"
)

// keepaliveInterval is how often an SSE comment frame is written to hold
// idle connections open through proxies.
const keepaliveInterval = 15 * time.Second

// HandleSubscribe handles GET /v1/runs/{run_id}/subscribe: a Server-Sent
// Events stream of the run's event log.
//
// The stream resumes from the seq in the Last-Event-ID header (or the
// ?after query parameter), replays the persisted backlog, then switches to
// live delivery. Subscribing happens before the replay so no event can fall
// between the two; the seq guard drops anything delivered twice. The stream
// ends after a terminal event is sent.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
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
		h.logger.Error("subscribe: get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to subscribe")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	lastSeq := queryInt64(r, "after", 0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > lastSeq {
			lastSeq = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Streaming responses must not inherit the server write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(runID)
	defer h.broker.Unsubscribe(runID, ch)

	// Replay the persisted backlog.
	done := false
	for {
		events, err := h.store.EventsAfter(r.Context(), runID, lastSeq, replayPageSize)
		if err != nil {
			h.logger.Error("subscribe: replay", "run_id", runID, "error", err)
			return
		}
		for _, e := range events {
			if e.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(w, flusher, e); err != nil {
				return
			}
			lastSeq = e.Seq
			if terminalEvent(e.Type) {
				done = true
			}
		}
		if len(events) < replayPageSize {
			break
		}
	}
	if done || (record.Phase.Terminal() && record.LastSeq <= lastSeq) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-ch:
			if !open {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(w, flusher, e); err != nil {
				return
			}
			lastSeq = e.Seq
			if terminalEvent(e.Type) {
				return
			}
		}
	}
}

// writeSSE writes one event as an SSE frame. The id field carries the seq so
// browsers resume with Last-Event-ID after a drop.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, e runstate.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("server: marshal event seq %d: %w", e.Seq, err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func terminalEvent(t runstate.EventType) bool {
	switch t {
	case runstate.EventRunCompleted, runstate.EventRunFailed, runstate.EventRunCancelled:
		return true
	}
	return false
}
