// Package backend is the client side of the workflow API: snapshot reads
// and recovery requests, rate-limited per operation.
package backend

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
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/stream"
)

// ErrNotFound is returned when the workflow execution does not exist.
var ErrNotFound = errors.New("backend: workflow not found")

// Client calls the workflow API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *ratelimit.OperationLimiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLimiter rate-limits calls per operation.
func WithLimiter(l *ratelimit.OperationLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client against baseURL. token is sent as a bearer token
// when non-empty.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) workflowURL(t stream.Target, suffix string) string {
	return fmt.Sprintf("%s/api/v1/projects/%s/workflows/%s/%s",
		c.baseURL, url.PathEscape(t.ProjectID), url.PathEscape(t.WorkflowID), suffix)
}

// GetSnapshot reads the authoritative pipeline snapshot.
func (c *Client) GetSnapshot(ctx context.Context, t stream.Target) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := c.do(ctx, ratelimit.OpSnapshot, http.MethodGet, c.workflowURL(t, "snapshot"), nil, &snap); err != nil {
		return nil, err
	}
	if err := domain.ValidateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("backend: snapshot: %w", err)
	}
	return &snap, nil
}

// RequestRecovery asks the workflow to act on a step. The outcome arrives
// later on the event stream.
func (c *Client) RequestRecovery(ctx context.Context, t stream.Target, req domain.RecoveryRequest) error {
	if err := domain.ValidateRecoveryRequest(req); err != nil {
		return fmt.Errorf("backend: recovery: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("backend: encode recovery: %w", err)
	}
	if err := c.do(ctx, ratelimit.OpRecovery, http.MethodPost, c.workflowURL(t, "recovery"), body, nil); err != nil {
		return err
	}
	c.logger.Debug("recovery request accepted",
		"workflow_id", t.WorkflowID, "agent", req.Agent, "action", req.Action, "request_id", req.RequestID)
	return nil
}

func (c *Client) do(ctx context.Context, op, method, u string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, op); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: network error: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return &stream.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}
