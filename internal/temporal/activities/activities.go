package activities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/temporal"

	"github.com/bidopsai/bidops-go/internal/ratelimit"
)

// Error types the workflow can branch on.
const (
	ErrTypeInvalidInput    = "InvalidInput"
	ErrTypeBudgetExhausted = "BudgetExhausted"
	ErrTypeInvalidOutput   = "InvalidOutput"
	ErrTypeAgentRefused    = "AgentRefused"
)

// AgentRunner executes one pipeline stage.
type AgentRunner interface {
	Run(ctx context.Context, in AgentInput) (AgentOutput, error)
}

// Activities holds the dependencies for all Temporal activities.
// Each method is registered as a Temporal activity.
type Activities struct {
	Runner AgentRunner
	// Budget caps runs per (workflow, agent) in a window. Nil disables it.
	Budget *ratelimit.ReportBudget
	Logger *slog.Logger
}

func (a *Activities) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// RunAgent runs in.Agent through the agent service. Input, budget and output
// problems are non-retryable, as are runner errors that report themselves
// as not temporary. Other runner errors are left to the retry policy.
func (a *Activities) RunAgent(ctx context.Context, in AgentInput) (AgentOutput, error) {
	if !in.Agent.Valid() {
		return AgentOutput{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown agent %q", in.Agent), ErrTypeInvalidInput, nil)
	}
	if a.Budget != nil && !a.Budget.Allow(in.WorkflowID, string(in.Agent)) {
		return AgentOutput{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("run budget exhausted for %s in workflow %s", in.Agent, in.WorkflowID), ErrTypeBudgetExhausted, nil)
	}

	a.logger().InfoContext(ctx, "running agent",
		"agent", in.Agent, "attempt", in.Attempt, "workflow_id", in.WorkflowID, "project_id", in.ProjectID)
	out, err := a.Runner.Run(ctx, in)
	if err != nil {
		var tmp interface{ Temporary() bool }
		if errors.As(err, &tmp) && !tmp.Temporary() {
			return AgentOutput{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("run %s: %v", in.Agent, err), ErrTypeAgentRefused, err)
		}
		return AgentOutput{}, fmt.Errorf("run %s: %w", in.Agent, err)
	}

	if !out.Verdict.Valid() {
		return AgentOutput{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("agent %s returned verdict %q", in.Agent, out.Verdict), ErrTypeInvalidOutput, nil)
	}
	if out.Verdict == VerdictRejected {
		if !out.ResetReason.Known() && !out.ResetToStep.Valid() {
			return AgentOutput{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("agent %s rejected without a reset target", in.Agent), ErrTypeInvalidOutput, nil)
		}
		if out.ResetToStep.Valid() && out.ResetToStep.Order() > in.Agent.Order() {
			return AgentOutput{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("agent %s cannot reset forward to %s", in.Agent, out.ResetToStep), ErrTypeInvalidOutput, nil)
		}
	}
	return out, nil
}

// PipelineAgent is the registered name of RunAgent.
const PipelineAgent = "RunAgent"
