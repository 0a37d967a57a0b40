package querier

import (
	"context"

	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"

	"github.com/bidopsai/bidops-go/internal/domain"
)

// PipelineQuerier provides read access to bid pipeline workflows. Used by
// the HTTP API, the SSE relay, the MCP server and the CLI.
type PipelineQuerier interface {
	ListWorkflows(ctx context.Context, opts ListOptions) ([]WorkflowSummary, error)
	GetPipelineState(ctx context.Context, workflowID string) (*domain.Snapshot, error)
	DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowDescription, error)
	RequestRecovery(ctx context.Context, workflowID string, req domain.RecoveryRequest) error
}

// WorkflowClient is the subset of client.Client the querier calls.
type WorkflowClient interface {
	ListWorkflow(ctx context.Context, request *workflowservice.ListWorkflowExecutionsRequest) (*workflowservice.ListWorkflowExecutionsResponse, error)
	DescribeWorkflowExecution(ctx context.Context, workflowID, runID string) (*workflowservice.DescribeWorkflowExecutionResponse, error)
	QueryWorkflow(ctx context.Context, workflowID, runID, queryType string, args ...interface{}) (converter.EncodedValue, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

var _ WorkflowClient = client.Client(nil)
