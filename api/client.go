// Package api is the client for the remote classifieds marketplace REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
	Fields     map[string][]string // Field-level validation messages
}

func (e *StatusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP %d %s %s", e.StatusCode, e.Method, e.URL)
	if msg := e.Messages(); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// Messages concatenates the server message and every field message, in
// field name order.
func (e *StatusError) Messages() string {
	var parts []string
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, e.Fields[name]...)
	}
	return strings.Join(parts, " ")
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// envelope is the API's standard response wrapper.
type envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Result  json.RawMessage     `json:"result"`
	Errors  map[string][]string `json:"errors"`
}

// page is the result shape of list endpoints.
type page[T any] struct {
	Data []T `json:"data"`
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	AppKey   string // Sent as X-AppApiToken on every request
	Language string
	Timeout  time.Duration
	Attempts uint // Attempts per idempotent request; 1 disables retries
}

// Client talks to the marketplace API.
type Client struct {
	baseURL  string
	headers  http.Header
	http     *http.Client
	logger   *slog.Logger
	attempts uint
}

// New creates a new API client.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	h := http.Header{}
	h.Set("Accept", "application/json")
	if opts.AppKey != "" {
		h.Set("X-AppApiToken", opts.AppKey)
	}
	h.Set("X-AppType", "mobile")
	if opts.Language != "" {
		h.Set("Content-Language", opts.Language)
	}
	return &Client{
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		headers:  h,
		http:     &http.Client{Timeout: opts.Timeout},
		logger:   logger,
		attempts: opts.Attempts,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// get issues an idempotent GET and decodes the envelope result into out.
func (c *Client) get(ctx context.Context, token, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var result json.RawMessage
	var lastErr error
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
			if err != nil {
				lastErr = fmt.Errorf("create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			result, lastErr = c.send(req, token)
			return lastErr
		},
		retry.Attempts(c.attempts),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying API request after error", "attempt", n, "url", u, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Client errors won't change on retry
			var se *StatusError
			return !errors.As(err, &se) || se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
		}),
	)
	if err != nil {
		// Keep the typed error of the final attempt for errors.As callers
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// send performs one request and unwraps the response envelope.
func (c *Client) send(req *http.Request, token string) (json.RawMessage, error) {
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("HTTP request starting", "method", req.Method, "url", req.URL.String())

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Method:     req.Method,
			URL:        req.URL.Path,
			StatusCode: resp.StatusCode,
		}
		if decodeErr == nil {
			se.Message = env.Message
			se.Fields = env.Errors
		}
		return nil, se
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode envelope: %w", decodeErr)
	}
	if !env.Success && env.Result == nil && env.Message != "" {
		return nil, &StatusError{Method: req.Method, URL: req.URL.Path, StatusCode: resp.StatusCode, Message: env.Message, Fields: env.Errors}
	}
	return env.Result, nil
}

// post sends a body once; submissions are never retried.
func (c *Client) post(ctx context.Context, token, path, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	result, err := c.send(req, token)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
