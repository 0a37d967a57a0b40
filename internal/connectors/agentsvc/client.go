// Package agentsvc provides an HTTP client for the agent service, satisfying
// activities.AgentRunner.
package agentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bidopsai/bidops-go/internal/temporal/activities"
)

// StatusError is returned when the agent service answers with a non-2xx
// status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agentsvc: unexpected status %d: %s", e.Code, e.Body)
}

// Temporary reports whether the run is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}

// Client runs pipeline agents through the agent service.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// New creates an agent service client. base is wrapped with tracing; nil
// uses http.DefaultTransport. Agent runs are slow, so the timeout is
// generous and the activity's StartToClose bounds it further.
func New(endpoint, token string, base http.RoundTripper) *Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		httpClient: &http.Client{
			Timeout:   25 * time.Minute,
			Transport: otelhttp.NewTransport(base),
		},
	}
}

// NewWithHTTPClient creates a client with a custom HTTP client (for testing).
func NewWithHTTPClient(endpoint, token string, httpClient *http.Client) *Client {
	return &Client{endpoint: endpoint, token: token, httpClient: httpClient}
}

type runRequest struct {
	ProjectID  string   `json:"projectId"`
	WorkflowID string   `json:"workflowExecutionId"`
	Documents  []string `json:"documents,omitempty"`
	Attempt    int      `json:"attempt"`
}

// Run posts one agent run to /v1/agents/{agent}/runs and waits for its
// verdict.
func (c *Client) Run(ctx context.Context, in activities.AgentInput) (activities.AgentOutput, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return activities.AgentOutput{}, fmt.Errorf("agentsvc: invalid endpoint: %w", err)
	}
	u = u.JoinPath("v1", "agents", string(in.Agent), "runs")

	body, err := json.Marshal(runRequest{
		ProjectID:  in.ProjectID,
		WorkflowID: in.WorkflowID,
		Documents:  in.Documents,
		Attempt:    in.Attempt,
	})
	if err != nil {
		return activities.AgentOutput{}, fmt.Errorf("agentsvc: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return activities.AgentOutput{}, fmt.Errorf("agentsvc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return activities.AgentOutput{}, fmt.Errorf("agentsvc: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(io.LimitReader(resp.Body, 512))
		return activities.AgentOutput{}, &StatusError{Code: resp.StatusCode, Body: msg.String()}
	}

	var out activities.AgentOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return activities.AgentOutput{}, fmt.Errorf("agentsvc: decode response: %w", err)
	}
	return out, nil
}
