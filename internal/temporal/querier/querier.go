package querier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"

	"github.com/bidopsai/bidops-go/internal/domain"
)

// TemporalQuerier implements PipelineQuerier using a Temporal client.
type TemporalQuerier struct {
	client WorkflowClient
	logger *slog.Logger
}

// New creates a TemporalQuerier. Pass a client.Client in production.
func New(c WorkflowClient, logger *slog.Logger) *TemporalQuerier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemporalQuerier{client: c, logger: logger}
}

func wrapNotFound(op string, err error) error {
	var nf *serviceerror.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ListWorkflows lists workflow executions using Temporal's visibility API.
func (q *TemporalQuerier) ListWorkflows(ctx context.Context, opts ListOptions) ([]WorkflowSummary, error) {
	query := ""
	add := func(clause string) {
		if query != "" {
			query += " AND "
		}
		query += clause
	}
	if opts.TaskQueue != "" {
		add(fmt.Sprintf("TaskQueue = %q", opts.TaskQueue))
	}
	if opts.StatusFilter != "" {
		add(fmt.Sprintf("ExecutionStatus = %q", opts.StatusFilter))
	}
	if opts.ProjectID != "" {
		add(fmt.Sprintf("ProjectId = %q", opts.ProjectID))
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	resp, err := q.client.ListWorkflow(ctx, &workflowservice.ListWorkflowExecutionsRequest{
		Query:    query,
		PageSize: int32(pageSize),
	})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	summaries := make([]WorkflowSummary, 0, len(resp.Executions))
	for _, exec := range resp.Executions {
		s := WorkflowSummary{
			WorkflowID: exec.Execution.WorkflowId,
			RunID:      exec.Execution.RunId,
			Status:     exec.Status.String(),
			StartTime:  exec.StartTime.AsTime(),
			TaskQueue:  exec.TaskQueue,
		}
		if exec.CloseTime != nil {
			s.CloseTime = exec.CloseTime.AsTime()
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// GetPipelineState queries the pipeline-state handler of a running or
// completed workflow. Other terminal statuses have no trustworthy state.
func (q *TemporalQuerier) GetPipelineState(ctx context.Context, workflowID string) (*domain.Snapshot, error) {
	desc, err := q.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, wrapNotFound("describe workflow", err)
	}

	status := desc.GetWorkflowExecutionInfo().GetStatus()
	switch status {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
	default:
		return nil, fmt.Errorf("workflow %s has status %s, cannot read state", workflowID, status)
	}

	resp, err := q.client.QueryWorkflow(ctx, workflowID, "", QueryNamePipelineState)
	if err != nil {
		return nil, wrapNotFound("query pipeline state", err)
	}
	var snap domain.Snapshot
	if err := resp.Get(&snap); err != nil {
		return nil, fmt.Errorf("decode query result: %w", err)
	}
	if snap.WorkflowID == "" {
		snap.WorkflowID = workflowID
	}
	if status == enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED {
		snap.Completed = true
	}
	if err := domain.ValidateSnapshot(snap); err != nil {
		return nil, fmt.Errorf("query pipeline state: %w", err)
	}
	q.logger.Debug("pipeline state queried", "workflow_id", workflowID, "seq", snap.Seq, "status", status.String())
	return &snap, nil
}

// DescribeWorkflow returns detailed information about a workflow execution.
func (q *TemporalQuerier) DescribeWorkflow(ctx context.Context, workflowID string) (*WorkflowDescription, error) {
	desc, err := q.client.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, wrapNotFound("describe workflow", err)
	}

	info := desc.GetWorkflowExecutionInfo()
	wd := &WorkflowDescription{
		WorkflowSummary: WorkflowSummary{
			WorkflowID: info.GetExecution().GetWorkflowId(),
			RunID:      info.GetExecution().GetRunId(),
			Status:     info.GetStatus().String(),
			StartTime:  info.GetStartTime().AsTime(),
			TaskQueue:  info.GetTaskQueue(),
		},
		HistoryLength: info.GetHistoryLength(),
	}
	if info.GetCloseTime() != nil {
		wd.CloseTime = info.GetCloseTime().AsTime()
	}
	return wd, nil
}

// RequestRecovery signals the workflow to retry, skip or restart. The
// workflow acknowledges asynchronously through the event stream.
func (q *TemporalQuerier) RequestRecovery(ctx context.Context, workflowID string, req domain.RecoveryRequest) error {
	if err := domain.ValidateRecoveryRequest(req); err != nil {
		return fmt.Errorf("recovery request: %w", err)
	}
	if err := q.client.SignalWorkflow(ctx, workflowID, "", SignalNameRecovery, req); err != nil {
		return wrapNotFound("signal recovery", err)
	}
	q.logger.Info("recovery requested",
		"workflow_id", workflowID, "agent", req.Agent, "action", req.Action, "request_id", req.RequestID)
	return nil
}

var _ PipelineQuerier = (*TemporalQuerier)(nil)
