// Package querier provides read access to bid pipeline state held by
// Temporal workflows.
package querier

import (
	"errors"
	"time"

	"github.com/bidopsai/bidops-go/internal/temporal/workflows"
)

// Names the pipeline workflow registers.
const (
	QueryNamePipelineState = workflows.QueryNamePipelineState
	SignalNameRecovery     = workflows.SignalNameRecovery
)

// ErrNotFound is returned when the workflow execution does not exist.
var ErrNotFound = errors.New("querier: workflow not found")

// ListOptions controls filtering for ListWorkflows.
type ListOptions struct {
	// TaskQueue filters by task queue name. Empty means no filter.
	TaskQueue string
	// StatusFilter filters by workflow status (e.g. "Running", "Completed").
	StatusFilter string
	// ProjectID filters by the ProjectId search attribute.
	ProjectID string
	PageSize  int
}

// WorkflowSummary is a lightweight overview of a workflow execution.
type WorkflowSummary struct {
	WorkflowID string    `json:"workflowExecutionId"`
	RunID      string    `json:"runId"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"startTime"`
	CloseTime  time.Time `json:"closeTime,omitempty"`
	TaskQueue  string    `json:"taskQueue"`
}

// WorkflowDescription provides detailed info about a workflow execution.
type WorkflowDescription struct {
	WorkflowSummary
	HistoryLength int64 `json:"historyLength"`
}
