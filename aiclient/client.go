// Package aiclient defines the pluggable AI summarization client
// abstraction and an HTTP-backed implementation. The client is
// intentionally opaque text-in/text-out: callers build the prompt and
// parse the response; the client's only job is to get a completion from
// the configured provider.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client completes a prompt against an AI provider.
type Client interface {
	// Available reports whether the client is configured to make calls at
	// all (e.g. an API key is present). It does not consult the breaker;
	// callers combine this with breaker state themselves.
	Available() bool
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPConfig configures the HTTP-backed client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

const defaultTimeout = 30 * time.Second

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	cfg HTTPConfig
	hc  *http.Client
}

// NewHTTPClient constructs an HTTPClient. Available() reports false until
// both BaseURL and APIKey are set.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &HTTPClient{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
}

func (c *HTTPClient) Available() bool {
	return c.cfg.BaseURL != "" && c.cfg.APIKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete issues one chat-completion request. Callers are expected to
// wrap this with the circuit breaker and retry policy described in
// spec §4.8; this method performs no retries of its own.
func (c *HTTPClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Available() {
		return "", fmt.Errorf("aiclient: not configured")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("aiclient: provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("aiclient: empty completion")
	}
	return parsed.Choices[0].Message.Content, nil
}

// StatusError carries the HTTP status so callers can distinguish terminal
// failures (401/403) from retryable ones (429, 5xx) per spec §4.8.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("aiclient: http %d: %s", e.Code, e.Body)
}

// Terminal reports whether retrying is pointless for this status.
func (e *StatusError) Terminal() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// RateLimited reports whether the provider asked the caller to slow down.
func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests
}
