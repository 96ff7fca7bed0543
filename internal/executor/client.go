// Package executor calls the external workflow execution service.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnavailable means the request never got a response.
	ErrUnavailable = errors.New("execution service unavailable")
	// ErrTimeout means the call ran past its deadline.
	ErrTimeout = errors.New("execution timed out")
)

// GatewayError is a non-2xx answer from the execution service.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("execution gateway error: %d - %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration // default 5m
}

type Client struct {
	endpoint   string
	secret     string
	timeout    time.Duration
	httpClient *http.Client
}

const maxBodyBytes = 8 << 20

func New(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("executor base_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		endpoint:   strings.TrimRight(base, "/") + "/workflow/execute",
		secret:     cfg.Secret,
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

// Endpoint returns the resolved execute URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Execute posts the workflow payload and returns the service's result. The
// effective timeout is the smaller of the configured one and timeout.
func (c *Client) Execute(ctx context.Context, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	if timeout <= 0 || timeout > c.timeout {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return unwrapResult(body), nil
}

// unwrapResult returns X from {"success":true,"result":X} and the body
// itself otherwise.
func unwrapResult(body []byte) json.RawMessage {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	var env struct {
		Success *bool           `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Success != nil && *env.Success && env.Result != nil {
		return env.Result
	}
	return json.RawMessage(body)
}

func errorMessage(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		for _, k := range []string{"message", "detail", "error"} {
			if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return "Unknown error"
}
