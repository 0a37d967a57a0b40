// Package mcpserver exposes bid pipeline state via MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/pipeline"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

// Options scope the tools.
type Options struct {
	// TaskQueue filters list_workflows. Empty lists every queue.
	TaskQueue string
}

// RegisterTools registers all pipeline MCP tools on the given server.
func RegisterTools(server *mcp.Server, q querier.PipelineQuerier, opts Options) {
	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "list_workflows",
			Description: "List bid pipeline workflows for a project, optionally filtered by status",
		},
		listWorkflowsHandler(q, opts),
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "get_pipeline_state",
			Description: "Get the per-agent step statuses of a bid pipeline workflow",
		},
		getPipelineStateHandler(q),
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "get_pipeline_progress",
			Description: "Get progress percentage, current step and failed steps of a bid pipeline workflow",
		},
		getPipelineProgressHandler(q),
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "request_recovery",
			Description: "Ask a bid pipeline workflow to retry or skip an agent, restart from the beginning, or cancel",
		},
		requestRecoveryHandler(q),
	)
}

// Identifiers are optional in the schema so that a missing one reaches the
// handler and comes back as a tool error instead of a protocol error.
type listWorkflowsInput struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"project whose bid pipelines to list (required)"`
	Status    string `json:"status,omitempty" jsonschema:"filter by execution status, e.g. Running or Completed"`
}

func listWorkflowsHandler(q querier.PipelineQuerier, opts Options) mcp.ToolHandlerFor[listWorkflowsInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input listWorkflowsInput) (*mcp.CallToolResult, any, error) {
		if input.ProjectID == "" {
			return errorResult("project_id is required"), nil, nil
		}
		workflows, err := q.ListWorkflows(ctx, querier.ListOptions{
			TaskQueue:    opts.TaskQueue,
			StatusFilter: input.Status,
			ProjectID:    input.ProjectID,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("list_workflows: %w", err)
		}
		return textResult(workflows)
	}
}

type workflowIDInput struct {
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"workflow execution id (required)"`
}

func getPipelineStateHandler(q querier.PipelineQuerier) mcp.ToolHandlerFor[workflowIDInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input workflowIDInput) (*mcp.CallToolResult, any, error) {
		if input.WorkflowID == "" {
			return errorResult("workflow_id is required"), nil, nil
		}
		snap, err := q.GetPipelineState(ctx, input.WorkflowID)
		if err != nil {
			return nil, nil, fmt.Errorf("get_pipeline_state: %w", err)
		}
		return textResult(snap)
	}
}

// Progress summarizes a snapshot the way the client-side state manager
// reports it.
type Progress struct {
	WorkflowID  string             `json:"workflowExecutionId"`
	CurrentStep domain.AgentType   `json:"currentStep,omitempty"`
	Percentage  int                `json:"progressPercentage"`
	Completed   bool               `json:"completed"`
	Failed      []domain.AgentType `json:"failedSteps,omitempty"`
	Waiting     []domain.AgentType `json:"waitingSteps,omitempty"`
}

func progressOf(snap *domain.Snapshot) Progress {
	state := pipeline.NewStateManager(nil)
	state.Restore(*snap)
	p := Progress{
		WorkflowID:  snap.WorkflowID,
		CurrentStep: state.CurrentStep(),
		Percentage:  state.ProgressPercentage(),
		Completed:   snap.Completed || state.IsWorkflowComplete(),
	}
	for _, step := range state.Steps() {
		switch step.Status {
		case domain.StatusFailed:
			p.Failed = append(p.Failed, step.Agent)
		case domain.StatusWaiting:
			p.Waiting = append(p.Waiting, step.Agent)
		}
	}
	return p
}

func getPipelineProgressHandler(q querier.PipelineQuerier) mcp.ToolHandlerFor[workflowIDInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input workflowIDInput) (*mcp.CallToolResult, any, error) {
		if input.WorkflowID == "" {
			return errorResult("workflow_id is required"), nil, nil
		}
		snap, err := q.GetPipelineState(ctx, input.WorkflowID)
		if err != nil {
			return nil, nil, fmt.Errorf("get_pipeline_progress: %w", err)
		}
		return textResult(progressOf(snap))
	}
}

type recoveryInput struct {
	WorkflowID string `json:"workflow_id,omitempty" jsonschema:"workflow execution id (required)"`
	Agent      string `json:"agent,omitempty" jsonschema:"agent to act on, e.g. CONTENT; omit for restart or cancel"`
	Action     string `json:"action,omitempty" jsonschema:"one of retry, skip, restart, cancel (required)"`
	Reason     string `json:"reason,omitempty" jsonschema:"free text recorded with the request"`
}

func requestRecoveryHandler(q querier.PipelineQuerier) mcp.ToolHandlerFor[recoveryInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input recoveryInput) (*mcp.CallToolResult, any, error) {
		if input.WorkflowID == "" {
			return errorResult("workflow_id is required"), nil, nil
		}
		req := domain.RecoveryRequest{
			RequestID: uuid.NewString(),
			Agent:     domain.AgentType(input.Agent),
			Action:    domain.ErrorActionType(input.Action),
			Reason:    input.Reason,
		}
		if err := domain.ValidateRecoveryRequest(req); err != nil {
			return errorResult(err.Error()), nil, nil
		}
		if err := q.RequestRecovery(ctx, input.WorkflowID, req); err != nil {
			return nil, nil, fmt.Errorf("request_recovery: %w", err)
		}
		return textResult(map[string]string{"requestId": req.RequestID})
	}
}

func textResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
