// Package testutil holds fakes shared across package tests.
package testutil

import (
	"context"
	"sync"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

// StubQuerier satisfies querier.PipelineQuerier with canned results. Err is
// returned from every call when set.
type StubQuerier struct {
	mu        sync.Mutex
	Workflows []querier.WorkflowSummary
	Snapshot  *domain.Snapshot
	Desc      *querier.WorkflowDescription
	Err       error

	ListOpts   []querier.ListOptions
	Recoveries []domain.RecoveryRequest
	Queries    int
}

func (s *StubQuerier) ListWorkflows(_ context.Context, opts querier.ListOptions) ([]querier.WorkflowSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListOpts = append(s.ListOpts, opts)
	return s.Workflows, s.Err
}

func (s *StubQuerier) GetPipelineState(_ context.Context, workflowID string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries++
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Snapshot == nil {
		snap := domain.NewSnapshot(workflowID, "")
		return &snap, nil
	}
	snap := *s.Snapshot
	return &snap, nil
}

func (s *StubQuerier) DescribeWorkflow(_ context.Context, _ string) (*querier.WorkflowDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Desc, s.Err
}

func (s *StubQuerier) RequestRecovery(_ context.Context, _ string, req domain.RecoveryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Recoveries = append(s.Recoveries, req)
	return nil
}

// RecoveryRequests returns a copy of the recorded recovery requests.
func (s *StubQuerier) RecoveryRequests() []domain.RecoveryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RecoveryRequest(nil), s.Recoveries...)
}

var _ querier.PipelineQuerier = (*StubQuerier)(nil)
