// Package rest is a thin client for the chat REST endpoints. Every call
// returns a normalized Result instead of failing with transport errors.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnauthorized is returned by typed helpers on 401/403 responses.
var ErrUnauthorized = errors.New("unauthorized")

// Result is the normalized response shape.
type Result struct {
	Success bool
	Data    json.RawMessage
	Error   string
	Status  int
}

// Err converts a failed result into an error.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrUnauthorized, r.Error)
	}
	if r.Status == 0 {
		return fmt.Errorf("request failed: %s", r.Error)
	}
	return fmt.Errorf("request failed with status %d: %s", r.Status, r.Error)
}

// Decode unmarshals the result data into v.
func (r Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client talks to the REST API with bearer token auth.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	token string
}

// New creates a client for baseURL.
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
		token:  token,
	}, nil
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Get(ctx context.Context, path string) Result {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) Result {
	return c.do(ctx, http.MethodPost, path, body)
}

func (c *Client) Put(ctx context.Context, path string, body any) Result {
	return c.do(ctx, http.MethodPut, path, body)
}

func (c *Client) Delete(ctx context.Context, path string) Result {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) Result {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Result{Error: fmt.Sprintf("marshal body: %v", err)}
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), rdr)
	if err != nil {
		return Result{Error: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) url(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) send(req *http.Request) Result {
	req.Header.Set("Accept", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("api request failed", zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Status: resp.StatusCode, Error: fmt.Sprintf("read body: %v", err)}
	}
	c.logger.Debug("api request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))
	return normalize(resp.StatusCode, raw)
}

// envelope is the server's own response wrapper. Endpoints that return a
// bare payload are wrapped by normalize.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func normalize(status int, raw []byte) Result {
	res := Result{Status: status}
	ok := status >= 200 && status < 300

	var env envelope
	wrapped := len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &env) == nil && (env.Success != nil || env.Error != "")
	switch {
	case wrapped:
		res.Success = ok && (env.Success == nil || *env.Success)
		res.Data = env.Data
		res.Error = env.Error
		if res.Error == "" && !res.Success {
			res.Error = env.Message
		}
	case ok:
		res.Success = true
		res.Data = raw
	default:
		_ = json.Unmarshal(raw, &env)
		res.Error = env.Error
		if res.Error == "" {
			res.Error = env.Message
		}
	}
	if !res.Success && res.Error == "" {
		res.Error = http.StatusText(status)
	}
	return res
}
