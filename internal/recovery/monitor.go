package recovery

import (
	"context"
	"log/slog"

	"github.com/bidopsai/bidops-go/internal/domain"
)

// Metadata is the structured context attached to every monitoring report.
type Metadata struct {
	Agent           domain.AgentType       `json:"agent,omitempty"`
	ErrorCode       string                 `json:"errorCode,omitempty"`
	CanRetry        bool                   `json:"canRetry"`
	SuggestedAction domain.SuggestedAction `json:"suggestedAction,omitempty"`
	Action          domain.ErrorActionType `json:"action"`
	WorkflowID      string                 `json:"workflowExecutionId,omitempty"`
	ProjectID       string                 `json:"projectId,omitempty"`
	Critical        bool                   `json:"critical"`
}

// Monitor is the external error-monitoring sink. Reports are best effort;
// a returned error is logged and otherwise ignored.
type Monitor interface {
	Report(ctx context.Context, err error, label string, meta Metadata) error
}

// MonitorFunc adapts a function to Monitor.
type MonitorFunc func(ctx context.Context, err error, label string, meta Metadata) error

// Report calls f.
func (f MonitorFunc) Report(ctx context.Context, err error, label string, meta Metadata) error {
	return f(ctx, err, label, meta)
}

// SlogMonitor writes reports as structured log records. It is the default
// sink when no external monitoring service is configured.
type SlogMonitor struct {
	Logger *slog.Logger
}

// Report logs the report at error level.
func (m SlogMonitor) Report(ctx context.Context, err error, label string, meta Metadata) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "workflow error reported",
		"label", label,
		"error", err,
		"agent", meta.Agent,
		"error_code", meta.ErrorCode,
		"can_retry", meta.CanRetry,
		"suggested_action", meta.SuggestedAction,
		"action", meta.Action,
		"workflow_id", meta.WorkflowID,
		"project_id", meta.ProjectID,
		"critical", meta.Critical,
	)
	return nil
}
