// Package generator produces natural-language recommendation text.
//
// Generators return raw model output; decoding it into structured results is
// the caller's job.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Generator turns a system prompt and a user prompt into completion text.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// ErrDisabled is returned by NoopGenerator. Every pipeline stage treats it
// like any other generation failure and takes its fallback path.
var ErrDisabled = errors.New("generator: disabled")

// NoopGenerator is used when no API key is configured.
type NoopGenerator struct{}

// Generate always returns ErrDisabled.
func (NoopGenerator) Generate(context.Context, string, string) (string, error) {
	return "", ErrDisabled
}

const (
	anthropicVersion = "2023-06-01"
	maxTokens        = 1024
)

// AnthropicClient calls the Anthropic Messages API, paced by a token-bucket
// limiter and retried on transient failures.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// Option configures an AnthropicClient.
type Option func(*AnthropicClient)

// WithBaseURL overrides the API base URL (e.g. for a proxy or a test server).
func WithBaseURL(u string) Option {
	return func(c *AnthropicClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithModel sets the model name.
func WithModel(m string) Option {
	return func(c *AnthropicClient) { c.model = m }
}

// WithRateLimit paces requests to requestsPerMinute.
func WithRateLimit(requestsPerMinute int) Option {
	return func(c *AnthropicClient) {
		c.limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	}
}

// WithRetry sets the retry count and the linear backoff step.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *AnthropicClient) {
		c.maxRetries = maxRetries
		c.backoff = backoff
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(c *AnthropicClient) { c.httpClient = &http.Client{Timeout: timeout} }
}

// NewAnthropicClient creates a client authenticated with apiKey.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...Option) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com/v1",
		model:      "claude-sonnet-4-20250514",
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(50.0/60.0), 1),
		maxRetries: 2,
		backoff:    time.Second,
		logger:     logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// statusError is a non-2xx response from the API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("generator: status %d: %s", e.code, e.body)
}

// Generate waits for the limiter, then sends the request, retrying transport
// errors, 429 and 5xx responses with linear backoff.
func (c *AnthropicClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("generator: rate limit wait: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * c.backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		start := time.Now()
		text, err := c.do(ctx, system, prompt)
		if err == nil {
			c.logger.Debug("generator: request succeeded",
				"attempt", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_length", len(text))
			return text, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return "", err
		}
		c.logger.Warn("generator: request failed, will retry",
			"attempt", attempt,
			"error", err)
	}
	return "", fmt.Errorf("generator: max retries exceeded: %w", lastErr)
}

func (c *AnthropicClient) do(ctx context.Context, system, prompt string) (string, error) {
	reqBody, err := json.Marshal(messagesRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("generator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("generator: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generator: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &statusError{code: resp.StatusCode, body: string(body)}
	}

	var result messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("generator: decode response: %w", err)
	}
	var sb strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("generator: empty completion")
	}
	return sb.String(), nil
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Transport failures are retryable; decode and empty-body errors are not.
	return strings.Contains(err.Error(), "send request")
}
