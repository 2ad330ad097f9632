// Package client opens event streams against the HS classification service.
package client

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

	"github.com/MikeSquared-Agency/hsstream/internal/session"
)

const errorBodyLimit = 1 << 10

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream failed: %s", e.Status)
	}
	return fmt.Sprintf("stream failed: %s: %s", e.Status, e.Body)
}

// Client implements session.Transport over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the service at baseURL. headerTimeout bounds the
// wait for response headers only; a zero value waits indefinitely. Stream
// bodies are never subject to a timeout since sessions are long-lived.
func New(baseURL string, headerTimeout time.Duration) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: transport},
	}
}

// Classify opens an initiate stream.
func (c *Client) Classify(ctx context.Context, req session.ClassifyRequest) (io.ReadCloser, error) {
	return c.open(ctx, classifyPath(req.Model), req)
}

// Continue opens a continuation stream for a resumption token.
func (c *Client) Continue(ctx context.Context, req session.ContinueRequest) (io.ReadCloser, error) {
	return c.open(ctx, continuePath(req.Model), req)
}

func classifyPath(model string) string {
	if model == session.ModelGroq {
		return "/classify-groq/stream"
	}
	return "/classify/stream"
}

func continuePath(model string) string {
	if model == session.ModelGroq {
		return "/classify-groq/continue/stream"
	}
	return "/classify/continue/stream"
}

func (c *Client) open(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	slog.Debug("classification stream connected", "path", path, "status", resp.StatusCode)
	return resp.Body, nil
}
