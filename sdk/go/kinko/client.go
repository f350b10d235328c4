package kinko

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
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kinko server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kinko scenario API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or unparseable.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kinko: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kinko: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// Run submits a batch. The server answers before any simulation work
// starts; poll Get or use WaitForBatch to observe the runs.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	var resp RunResponse
	if err := c.post(ctx, "/scenarios/run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Get retrieves one scenario run.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*ScenarioRun, error) {
	var resp ScenarioRun
	if err := c.get(ctx, "/scenarios/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns the most recent runs, newest first. A non-positive limit
// uses the server default.
func (c *Client) List(ctx context.Context, limit int) (*ListResponse, error) {
	path := "/scenarios"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp ListResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats returns aggregate run counts and recent activity.
func (c *Client) Stats(ctx context.Context) (*ScenarioStats, error) {
	var resp ScenarioStats
	if err := c.get(ctx, "/scenarios/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForBatch polls every interval until each of ids is terminal, then
// returns the runs in the order given. It stops early when ctx is done.
func (c *Client) WaitForBatch(ctx context.Context, ids []uuid.UUID, interval time.Duration) ([]ScenarioRun, error) {
	if interval <= 0 {
		interval = time.Second
	}
	runs := make([]ScenarioRun, len(ids))
	done := make([]bool, len(ids))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		remaining := 0
		for i, id := range ids {
			if done[i] {
				continue
			}
			run, err := c.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			runs[i] = *run
			if run.Status.Terminal() {
				done[i] = true
			} else {
				remaining++
			}
		}
		if remaining == 0 {
			return runs, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("kinko: wait for batch: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// RecordExecution reports that the recommendation behind an outcome was
// carried out.
func (c *Client) RecordExecution(ctx context.Context, outcomeID uuid.UUID, req ExecutionRequest) (*Outcome, error) {
	var resp Outcome
	if err := c.post(ctx, "/outcomes/"+outcomeID.String()+"/execution", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordFollowUp reports realised results for an outcome.
func (c *Client) RecordFollowUp(ctx context.Context, outcomeID uuid.UUID, req FollowUpRequest) (*Outcome, error) {
	var resp Outcome
	if err := c.post(ctx, "/outcomes/"+outcomeID.String()+"/follow-up", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OutcomeStats aggregates the most recent window outcomes. A non-positive
// window uses the server's learning window.
func (c *Client) OutcomeStats(ctx context.Context, window int) (*OutcomeStatsResponse, error) {
	path := "/outcomes/stats"
	if window > 0 {
		path += "?" + url.Values{"window": {strconv.Itoa(window)}}.Encode()
	}
	var resp OutcomeStatsResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health returns the server's health report. An unhealthy server answers
// 503 with a full report; both the report and an *Error are returned then.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kinko: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kinko: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kinko: read response body: %w", err)
	}
	var (
		envelope apiEnvelope
		h        Health
	)
	if json.Unmarshal(body, &envelope) != nil || envelope.Data == nil || json.Unmarshal(envelope.Data, &h) != nil {
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, body)
		}
		return nil, fmt.Errorf("kinko: decode health response: %q", body)
	}
	if resp.StatusCode >= 400 {
		return &h, &Error{StatusCode: resp.StatusCode, Code: h.Status, Message: "postgres " + h.Postgres}
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kinko: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kinko: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kinko: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kinko: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kinko: read response body: %w", err)
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
		return fmt.Errorf("kinko: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("kinko: response has no data")
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.ActiveRuns = envelope.ActiveRuns
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
