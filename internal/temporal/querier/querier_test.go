package querier_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/converter"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

// jsonValue is a converter.EncodedValue backed by a JSON document.
type jsonValue struct{ raw []byte }

func (v jsonValue) HasValue() bool { return len(v.raw) > 0 }

func (v jsonValue) Get(ptr interface{}) error { return json.Unmarshal(v.raw, ptr) }

type stubClient struct {
	status    enumspb.WorkflowExecutionStatus
	describeE error
	queryE    error
	result    any
	queries   []string
	listReq   *workflowservice.ListWorkflowExecutionsRequest
	listed    []*workflowpb.WorkflowExecutionInfo
	signals   []any
	signalE   error
}

func (s *stubClient) SignalWorkflow(_ context.Context, _, _, signalName string, arg interface{}) error {
	if s.signalE != nil {
		return s.signalE
	}
	s.signals = append(s.signals, signalName, arg)
	return nil
}

func (s *stubClient) ListWorkflow(_ context.Context, req *workflowservice.ListWorkflowExecutionsRequest) (*workflowservice.ListWorkflowExecutionsResponse, error) {
	s.listReq = req
	return &workflowservice.ListWorkflowExecutionsResponse{Executions: s.listed}, nil
}

func (s *stubClient) DescribeWorkflowExecution(_ context.Context, workflowID, _ string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	if s.describeE != nil {
		return nil, s.describeE
	}
	return &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
			Execution:     &commonpb.WorkflowExecution{WorkflowId: workflowID, RunId: "run-1"},
			Status:        s.status,
			StartTime:     timestamppb.New(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
			TaskQueue:     "bidops-pipeline",
			HistoryLength: 42,
		},
	}, nil
}

func (s *stubClient) QueryWorkflow(_ context.Context, _, _, queryType string, _ ...interface{}) (converter.EncodedValue, error) {
	s.queries = append(s.queries, queryType)
	if s.queryE != nil {
		return nil, s.queryE
	}
	raw, err := json.Marshal(s.result)
	if err != nil {
		return nil, err
	}
	return jsonValue{raw: raw}, nil
}

func runningSnapshot() domain.Snapshot {
	snap := domain.NewSnapshot("", "proj-1")
	snap.Steps[domain.AgentParser] = domain.StatusCompleted
	snap.Steps[domain.AgentAnalysis] = domain.StatusInProgress
	snap.CurrentStep = domain.AgentAnalysis
	snap.Seq = 7
	return snap
}

func TestGetPipelineState_Running(t *testing.T) {
	c := &stubClient{status: enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, result: runningSnapshot()}
	q := querier.New(c, nil)

	snap, err := q.GetPipelineState(context.Background(), "wf-1")
	require.NoError(t, err)

	assert.Equal(t, []string{querier.QueryNamePipelineState}, c.queries)
	assert.Equal(t, "wf-1", snap.WorkflowID, "missing id is filled from the request")
	assert.Equal(t, domain.StatusInProgress, snap.Steps[domain.AgentAnalysis])
	assert.Equal(t, uint64(7), snap.Seq)
	assert.False(t, snap.Completed)
}

func TestGetPipelineState_CompletedMarksSnapshot(t *testing.T) {
	c := &stubClient{status: enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED, result: runningSnapshot()}

	snap, err := querier.New(c, nil).GetPipelineState(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.True(t, snap.Completed)
}

func TestGetPipelineState_UnreadableStatus(t *testing.T) {
	for _, status := range []enumspb.WorkflowExecutionStatus{
		enumspb.WORKFLOW_EXECUTION_STATUS_FAILED,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED,
	} {
		t.Run(status.String(), func(t *testing.T) {
			c := &stubClient{status: status}
			_, err := querier.New(c, nil).GetPipelineState(context.Background(), "wf-1")
			require.Error(t, err)
			assert.Empty(t, c.queries, "no query for a dead workflow")
		})
	}
}

func TestGetPipelineState_NotFound(t *testing.T) {
	c := &stubClient{describeE: serviceerror.NewNotFound("workflow not found")}

	_, err := querier.New(c, nil).GetPipelineState(context.Background(), "missing")
	assert.ErrorIs(t, err, querier.ErrNotFound)
}

func TestGetPipelineState_QueryError(t *testing.T) {
	c := &stubClient{status: enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, queryE: errors.New("no worker")}

	_, err := querier.New(c, nil).GetPipelineState(context.Background(), "wf-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, querier.ErrNotFound)
	assert.Contains(t, err.Error(), "no worker")
}

func TestGetPipelineState_RejectsInvalidSnapshot(t *testing.T) {
	bad := map[string]any{
		"workflowExecutionId": "wf-1",
		"steps":               map[string]string{"PARSER": "exploded"},
	}
	c := &stubClient{status: enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, result: bad}

	_, err := querier.New(c, nil).GetPipelineState(context.Background(), "wf-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestDescribeWorkflow(t *testing.T) {
	c := &stubClient{status: enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING}

	desc, err := querier.New(c, nil).DescribeWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", desc.WorkflowID)
	assert.Equal(t, "run-1", desc.RunID)
	assert.Equal(t, "Running", desc.Status)
	assert.Equal(t, "bidops-pipeline", desc.TaskQueue)
	assert.Equal(t, int64(42), desc.HistoryLength)
	assert.True(t, desc.CloseTime.IsZero())
}

func TestListWorkflows_BuildsQuery(t *testing.T) {
	closed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := &stubClient{listed: []*workflowpb.WorkflowExecutionInfo{{
		Execution: &commonpb.WorkflowExecution{WorkflowId: "wf-1", RunId: "r1"},
		Status:    enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
		StartTime: timestamppb.New(closed.Add(-time.Hour)),
		CloseTime: timestamppb.New(closed),
		TaskQueue: "bidops-pipeline",
	}}}

	got, err := querier.New(c, nil).ListWorkflows(context.Background(), querier.ListOptions{
		TaskQueue:    "bidops-pipeline",
		StatusFilter: "Completed",
		ProjectID:    "proj-1",
	})
	require.NoError(t, err)

	assert.Equal(t, `TaskQueue = "bidops-pipeline" AND ExecutionStatus = "Completed" AND ProjectId = "proj-1"`, c.listReq.Query)
	assert.Equal(t, int32(50), c.listReq.PageSize)
	require.Len(t, got, 1)
	assert.Equal(t, "Completed", got[0].Status)
	assert.Equal(t, closed, got[0].CloseTime)
}

func TestRequestRecovery(t *testing.T) {
	c := &stubClient{}
	q := querier.New(c, nil)
	req := domain.RecoveryRequest{RequestID: "r-1", Agent: domain.AgentQA, Action: domain.ActionSkip}

	require.NoError(t, q.RequestRecovery(context.Background(), "wf-1", req))
	assert.Equal(t, []any{querier.SignalNameRecovery, req}, c.signals)
}

func TestRequestRecovery_Invalid(t *testing.T) {
	c := &stubClient{}
	err := querier.New(c, nil).RequestRecovery(context.Background(), "wf-1", domain.RecoveryRequest{Action: domain.ActionRetry})
	require.Error(t, err)
	assert.Empty(t, c.signals, "invalid requests never reach the workflow")
}

func TestRequestRecovery_NotFound(t *testing.T) {
	c := &stubClient{signalE: serviceerror.NewNotFound("gone")}
	err := querier.New(c, nil).RequestRecovery(context.Background(), "wf-1",
		domain.RecoveryRequest{Action: domain.ActionRestart})
	assert.ErrorIs(t, err, querier.ErrNotFound)
}
