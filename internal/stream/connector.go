package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bidopsai/bidops-go/internal/domain"
)

// Target identifies the workflow execution to stream.
type Target struct {
	ProjectID  string
	WorkflowID string
}

// Validate requires both identifiers.
func (t Target) Validate() error {
	if t.ProjectID == "" || t.WorkflowID == "" {
		return errors.New("stream: project and workflow execution id are required")
	}
	return nil
}

// EventSource yields parsed events from one live connection.
type EventSource interface {
	// Next blocks for the next event. A closed stream returns io.EOF.
	Next() (domain.Event, error)
	Close() error
}

// Connector opens event sources. lastEventID is empty on the first connect.
type Connector interface {
	Connect(ctx context.Context, target Target, lastEventID string) (EventSource, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, target Target, lastEventID string) (EventSource, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, target Target, lastEventID string) (EventSource, error) {
	return f(ctx, target, lastEventID)
}

// StatusError is returned when the server refuses the stream.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("stream: %s: invalid credentials", e.Status)
	}
	return fmt.Sprintf("stream: unexpected status %s", e.Status)
}

// Temporary reports whether the refusal is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// HTTPConnector opens the workflow stream over HTTP.
type HTTPConnector struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPConnector creates a connector against baseURL. token is sent as a
// bearer token when non-empty. A nil client gets an OTel-instrumented
// default without a timeout, since the response body is long-lived.
func NewHTTPConnector(baseURL, token string, client *http.Client, logger *slog.Logger) *HTTPConnector {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPConnector{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

// StreamURL returns the stream endpoint for target.
func (c *HTTPConnector) StreamURL(target Target) string {
	return fmt.Sprintf("%s/api/v1/projects/%s/workflows/%s/stream",
		c.baseURL, url.PathEscape(target.ProjectID), url.PathEscape(target.WorkflowID))
}

// Connect opens the stream. The connection lives until ctx is cancelled or
// the returned source is closed.
func (c *HTTPConnector) Connect(ctx context.Context, target Target, lastEventID string) (EventSource, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StreamURL(target), nil)
	if err != nil {
		return nil, fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream: network error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("stream: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return NewSource(resp.Body, c.logger), nil
}

type source struct {
	body   io.ReadCloser
	dec    *Decoder
	logger *slog.Logger
}

// NewSource wraps an SSE body. Frames that do not decode into an event are
// logged and skipped.
func NewSource(body io.ReadCloser, logger *slog.Logger) EventSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &source{body: body, dec: NewDecoder(body), logger: logger}
}

func (s *source) Next() (domain.Event, error) {
	for {
		f, err := s.dec.Next()
		if err != nil {
			return domain.Event{}, err
		}
		ev, err := frameEvent(f)
		if err != nil {
			s.logger.Warn("skipping malformed stream frame", "event", f.Event, "error", err)
			continue
		}
		return ev, nil
	}
}

func (s *source) Close() error {
	return s.body.Close()
}

// frameEvent decodes the JSON payload. The SSE event name and id fill in a
// missing type and id.
func frameEvent(f Frame) (domain.Event, error) {
	ev, err := domain.ParseEventNamed([]byte(f.Data), domain.EventType(f.Event))
	if err != nil {
		return domain.Event{}, err
	}
	if ev.ID == "" {
		ev.ID = f.ID
	}
	return ev, nil
}
