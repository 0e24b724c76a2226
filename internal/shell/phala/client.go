// Package phala is a thin client for the confidential-VM control plane REST API.
// It never interprets status codes: callers receive the status and the raw body
// and classify them themselves. Only failures to obtain a response are errors.
package phala

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public control plane endpoint.
const DefaultBaseURL = "https://cloud-api.phala.network/api/v1"

// Client sends authenticated JSON requests to the control plane.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds control plane client configuration.
type Config struct {
	BaseURL string // e.g. "https://cloud-api.phala.network/api/v1"
	APIKey  string // sent as X-API-Key on every request
	Timeout time.Duration
}

// NewClient creates a new control plane client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "phala"),
	}
}

// BaseURL returns the normalized base URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// Response
// =============================================================================

// Response is a control plane reply: the status plus the raw body bytes.
type Response struct {
	Status int
	Body   []byte
}

// OK reports whether the status is one of the given codes.
func (r *Response) OK(codes ...int) bool {
	for _, code := range codes {
		if r.Status == code {
			return true
		}
	}
	return false
}

// JSON reports whether the body is non-empty, valid JSON and not null.
func (r *Response) JSON() bool {
	body := bytes.TrimSpace(r.Body)
	return r.HasBody() && json.Valid(body)
}

// HasBody reports whether the body is non-empty and not a JSON null. The body
// need not be JSON.
func (r *Response) HasBody() bool {
	body := bytes.TrimSpace(r.Body)
	return len(body) > 0 && !bytes.Equal(body, []byte("null"))
}

// String returns the body as text, for diagnostics.
func (r *Response) String() string {
	return string(r.Body)
}

// =============================================================================
// Requests
// =============================================================================

// Do sends one request. body, when non-nil, is encoded as JSON.
// The returned error is always a *TransportError; any HTTP status is a Response.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("create request: %w", err)}
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("control plane request failed", "method", method, "path", path, "error", err)
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("control plane request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration", time.Since(start),
	)

	return &Response{Status: resp.StatusCode, Body: data}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
