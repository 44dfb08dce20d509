package kaji

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/pkg/runstate"
)

// StreamConfig tunes the run stream's transport behavior. Zero values use
// the defaults documented on each field.
type StreamConfig struct {
	// SSEOpenTimeout bounds how long to wait for the SSE response headers
	// before falling back to polling. Defaults to 2.5 seconds.
	SSEOpenTimeout time.Duration

	// FirstEventTimeout bounds how long an open SSE connection may sit
	// silent before it is considered dead. Only applies before the first
	// frame; after that, server keepalives hold the connection. Defaults
	// to 3 seconds.
	FirstEventTimeout time.Duration

	// PollInterval is the delay between polling requests when SSE is
	// unavailable. Defaults to 500 milliseconds.
	PollInterval time.Duration

	// ReconnectBaseDelay is the first reconnect backoff delay. Doubles on
	// each consecutive failure. Defaults to 1 second.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the backoff delay. Defaults to 30 seconds.
	ReconnectMaxDelay time.Duration

	// MaxReconnects bounds consecutive SSE reconnect attempts before push
	// delivery is abandoned for this stream and polling takes over. The
	// same budget bounds consecutive poll failures before the stream gives
	// up entirely. A connection or poll that delivers at least one event
	// resets the counter. Defaults to 10.
	MaxReconnects int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.SSEOpenTimeout == 0 {
		c.SSEOpenTimeout = 2500 * time.Millisecond
	}
	if c.FirstEventTimeout == 0 {
		c.FirstEventTimeout = 3 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	return c
}

// RunStream follows a run's event log and maintains a local FlatRunState
// fold. It prefers SSE; if the connection cannot be opened or stays silent,
// or the reconnect budget runs out, it falls back to polling for the rest of
// the stream's lifetime — push delivery is never retried once polling is
// active. The stream ends when a terminal event arrives, polling itself
// fails past the budget, or Destroy is called.
type RunStream struct {
	client *Client
	runID  uuid.UUID
	cfg    StreamConfig

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.RWMutex
	state       runstate.FlatRunState
	mode        runstate.ConnectionMode
	err         error
	stateSubs   []func(runstate.FlatRunState)
	modeSubs    []func(runstate.ConnectionMode)
	destroyOnce sync.Once
}

// Stream starts following a run. The stream begins from the given sequence
// number (0 for the full log) and runs until a terminal event, a permanent
// failure, or Destroy.
func (c *Client) Stream(runID uuid.UUID, after int64, cfg StreamConfig) *RunStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RunStream{
		client: c,
		runID:  runID,
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  runstate.NewFlatRunState(runID),
		mode:   runstate.ModeConnecting,
	}
	s.state.LastSeq = after
	s.state.ConnectionMode = runstate.ModeConnecting
	go s.run()
	return s
}

// State returns a snapshot of the current fold.
func (s *RunStream) State() runstate.FlatRunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConnectionMode returns the transport's current delivery mode.
func (s *RunStream) ConnectionMode() runstate.ConnectionMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Err returns the error that ended the stream, if any. Meaningful only
// after Done is closed.
func (s *RunStream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed when the stream has stopped for any reason.
func (s *RunStream) Done() <-chan struct{} {
	return s.done
}

// Subscribe registers a callback invoked with a state snapshot after every
// applied event. Callbacks run on the stream goroutine; keep them fast.
func (s *RunStream) Subscribe(fn func(runstate.FlatRunState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateSubs = append(s.stateSubs, fn)
}

// OnConnectionModeChange registers a callback invoked whenever the
// transport switches between SSE, polling, and disconnected.
func (s *RunStream) OnConnectionModeChange(fn func(runstate.ConnectionMode)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modeSubs = append(s.modeSubs, fn)
}

// Destroy stops the stream and releases its connection. Events already
// fetched but not yet applied are discarded rather than delivered. Safe to
// call more than once; it does not wait for the stream goroutine to exit
// (use Done).
func (s *RunStream) Destroy() {
	s.destroyOnce.Do(s.cancel)
}

func (s *RunStream) run() {
	defer close(s.done)
	defer s.setMode(runstate.ModeDisconnected)

	if terminal := s.runPush(); terminal || s.ctx.Err() != nil {
		return
	}
	// Push delivery is off the table for this stream; poll to the end.
	s.runPolling()
}

// runPush drives SSE delivery. A connection that never produces a frame
// (open timeout, refusal, or silence past the first-event bound) hands over
// to polling immediately; a connection that breaks after delivering frames
// is reconnected with backoff until the budget runs out.
func (s *RunStream) runPush() (terminal bool) {
	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return false
		}
		s.setMode(runstate.ModeConnecting)

		before := s.lastSeq()
		terminal, gotFrame, _ := s.runSSE()
		if terminal || s.ctx.Err() != nil {
			return terminal
		}
		if !gotFrame {
			// SSE never became live; fall back without burning the
			// reconnect budget on a dead transport.
			return false
		}
		if s.lastSeq() > before {
			attempt = 0
		}
		attempt++
		if attempt > s.cfg.MaxReconnects {
			return false
		}
		if !s.sleep(backoffDelay(attempt, s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay)) {
			return false
		}
	}
}

// runSSE opens one SSE connection and consumes it until the stream ends.
// gotFrame reports whether the connection delivered at least one frame.
func (s *RunStream) runSSE() (terminal, gotFrame bool, err error) {
	reqCtx, cancelReq := context.WithCancel(s.ctx)
	defer cancelReq()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		s.client.baseURL+"/v1/runs/"+s.runID.String()+"/subscribe", nil)
	if err != nil {
		return false, false, fmt.Errorf("kaji: create subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if last := s.lastSeq(); last > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(last, 10))
	}

	// The open timeout covers only the wait for response headers; once the
	// stream is up the connection may idle between keepalives indefinitely.
	openTimer := time.AfterFunc(s.cfg.SSEOpenTimeout, cancelReq)
	resp, err := s.client.streamClient.Do(req)
	openTimer.Stop()
	if err != nil {
		return false, false, fmt.Errorf("kaji: open SSE stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain a little for the error body, then surface a typed error.
		buf := make([]byte, 4096)
		n, _ := resp.Body.Read(buf)
		return false, false, parseErrorResponse(resp.StatusCode, buf[:n])
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return false, false, fmt.Errorf("kaji: subscribe returned %q, not an event stream", ct)
	}

	s.setMode(runstate.ModeSSEActive)

	// A fresh connection that never produces a frame is treated as dead so
	// the transport can fall back to polling.
	firstTimer := time.AfterFunc(s.cfg.FirstEventTimeout, cancelReq)
	defer firstTimer.Stop()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		if !gotFrame {
			gotFrame = true
			firstTimer.Stop()
		}
		switch {
		case line == "":
			if len(data) > 0 {
				e, decErr := decodeSSEData(data)
				data = nil
				if decErr != nil {
					return false, gotFrame, decErr
				}
				if s.apply(e) {
					return true, true, nil
				}
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		default:
			// id: and event: fields duplicate what the data payload carries.
		}
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		return false, gotFrame, fmt.Errorf("kaji: read SSE stream: %w", err)
	}
	// A clean end of stream without a terminal event means the server closed
	// on us; the caller decides whether to reconnect.
	return false, gotFrame, nil
}

// runPolling fetches event pages until a terminal event or cancellation.
// Poll failures retry with backoff; past the budget the stream gives up and
// records the error, keeping the last known state.
func (s *RunStream) runPolling() {
	s.setMode(runstate.ModePolling)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		batch, err := s.client.Events(s.ctx, s.runID, s.lastSeq(), 0)
		switch {
		case err != nil && s.ctx.Err() != nil:
			return
		case err != nil:
			failures++
			if failures > s.cfg.MaxReconnects {
				s.fail(fmt.Errorf("kaji: stream for run %s gave up after %d failed polls: %w",
					s.runID, s.cfg.MaxReconnects, err))
				return
			}
			if !s.sleep(backoffDelay(failures, s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay)) {
				return
			}
			continue
		default:
			failures = 0
			for _, e := range batch.Events {
				if s.apply(e) {
					return
				}
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// apply folds one event into the state, skipping stale sequence numbers,
// and notifies subscribers. Returns true on a terminal event. Once Destroy
// has been called, events still in flight (scanned from an SSE body or
// sitting in a fetched poll batch) are dropped without folding or notifying.
func (s *RunStream) apply(e runstate.Event) bool {
	s.mu.Lock()
	if s.ctx.Err() != nil || e.Seq <= s.state.LastSeq {
		s.mu.Unlock()
		return false
	}
	s.state = runstate.Reduce(s.state, e)
	s.state.ConnectionMode = s.mode
	snapshot := s.state
	subs := s.stateSubs
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}

	switch e.Type {
	case runstate.EventRunCompleted, runstate.EventRunFailed, runstate.EventRunCancelled:
		return true
	}
	return false
}

// setMode records a transport mode change and notifies subscribers. After
// Destroy the mode still updates (the shutdown path ends in disconnected)
// but callbacks stay silent.
func (s *RunStream) setMode(mode runstate.ConnectionMode) {
	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	s.state.ConnectionMode = mode
	destroyed := s.ctx.Err() != nil
	subs := s.modeSubs
	s.mu.Unlock()

	if destroyed {
		return
	}
	for _, fn := range subs {
		fn(mode)
	}
}

func (s *RunStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *RunStream) lastSeq() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastSeq
}

// sleep waits for the given duration unless the stream is destroyed first.
func (s *RunStream) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func decodeSSEData(data []byte) (runstate.Event, error) {
	var e runstate.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return runstate.Event{}, fmt.Errorf("kaji: decode SSE event: %w", err)
	}
	return e, nil
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}
