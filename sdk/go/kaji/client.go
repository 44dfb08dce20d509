package kaji

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kajihq/kaji/pkg/runstate"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kaji server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client for request/response
	// calls. If nil, a default client with a 30-second timeout is used.
	// Streaming uses a separate client without a timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kaji agent-run API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client

	// streamClient has no timeout; SSE connections are long-lived.
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kaji: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	streamClient := &http.Client{}
	if cfg.HTTPClient != nil {
		streamClient.Transport = cfg.HTTPClient.Transport
	}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		streamClient: streamClient,
	}, nil
}

// Route classifies a request without starting anything.
func (c *Client) Route(ctx context.Context, text string, hasAttachments bool) (*RouteDecision, error) {
	body := map[string]any{"text": text}
	if hasAttachments {
		body["has_attachments"] = true
	}
	var resp RouteDecision
	if err := c.post(ctx, "/v1/route", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Dispatch routes the text and, when the agent path wins, starts a run in
// the same call.
func (c *Client) Dispatch(ctx context.Context, text string, hasAttachments bool) (*DispatchResult, error) {
	body := map[string]any{"text": text}
	if hasAttachments {
		body["has_attachments"] = true
	}
	var resp DispatchResult
	if err := c.post(ctx, "/v1/requests", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Escalate scans a finished chat answer for admissions that the request
// needed live data; on a hit the server promotes it to an agent run.
func (c *Client) Escalate(ctx context.Context, text, responseText string) (*EscalationResult, error) {
	body := map[string]any{"text": text, "response_text": responseText}
	var resp EscalationResult
	if err := c.post(ctx, "/v1/escalation", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRun starts a run directly, bypassing the route decision.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (*Run, error) {
	var resp Run
	if err := c.post(ctx, "/v1/runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves a run record.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun requests cooperative cancellation. Cancelling a finished run is
// a no-op reported in the result.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) (*CancelResult, error) {
	var resp CancelResult
	if err := c.post(ctx, "/v1/runs/"+runID.String()+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns the most recently started runs.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Run
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Events fetches one page of a run's event log, strictly after the given
// sequence number. This is the polling transport; Stream wraps it with SSE
// and automatic fallback.
func (c *Client) Events(ctx context.Context, runID uuid.UUID, after int64, limit int) (*EventBatch, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp EventBatch
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/events?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunState fetches the server-side fold of the run's full event log.
func (c *Client) RunState(ctx context.Context, runID uuid.UUID) (*runstate.FlatRunState, error) {
	var resp runstate.FlatRunState
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kaji: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kaji: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kaji: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kaji: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kaji: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kaji: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
