package activities_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/temporal/activities"
	"github.com/bidopsai/bidops-go/internal/testutil"
)

func input(agent domain.AgentType) activities.AgentInput {
	return activities.AgentInput{ProjectID: "proj-1", WorkflowID: "wf-1", Agent: agent, Attempt: 1}
}

func requireAppErr(t *testing.T, err error, errType string) {
	t.Helper()
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errType, appErr.Type())
	assert.True(t, appErr.NonRetryable())
}

func TestRunAgent_HappyPath(t *testing.T) {
	runner := &testutil.StubRunner{}
	a := &activities.Activities{Runner: runner}

	out, err := a.RunAgent(context.Background(), input(domain.AgentParser))
	require.NoError(t, err)
	assert.Equal(t, activities.VerdictCompleted, out.Verdict)
	assert.Equal(t, []domain.AgentType{domain.AgentParser}, runner.Agents())
}

func TestRunAgent_UnknownAgent(t *testing.T) {
	runner := &testutil.StubRunner{}
	a := &activities.Activities{Runner: runner}

	_, err := a.RunAgent(context.Background(), input("DESIGN"))
	requireAppErr(t, err, activities.ErrTypeInvalidInput)
	assert.Empty(t, runner.Calls)
}

func TestRunAgent_RunnerErrorIsRetryable(t *testing.T) {
	boom := errors.New("agent service unavailable")
	runner := &testutil.StubRunner{Script: map[domain.AgentType][]testutil.StubResult{
		domain.AgentContent: {{Err: boom}},
	}}
	a := &activities.Activities{Runner: runner}

	_, err := a.RunAgent(context.Background(), input(domain.AgentContent))
	require.ErrorIs(t, err, boom)
	var appErr *temporal.ApplicationError
	assert.False(t, errors.As(err, &appErr))
}

func TestRunAgent_InvalidOutput(t *testing.T) {
	tests := []struct {
		name  string
		agent domain.AgentType
		out   activities.AgentOutput
	}{
		{"unknown verdict", domain.AgentQA, activities.AgentOutput{Verdict: "maybe"}},
		{"reject without target", domain.AgentQA, activities.AgentOutput{Verdict: activities.VerdictRejected}},
		{"reject forward", domain.AgentContent, activities.AgentOutput{
			Verdict: activities.VerdictRejected, ResetToStep: domain.AgentComms, ResetReason: "style",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &testutil.StubRunner{Script: map[domain.AgentType][]testutil.StubResult{
				tt.agent: {{Output: tt.out}},
			}}
			a := &activities.Activities{Runner: runner}

			_, err := a.RunAgent(context.Background(), input(tt.agent))
			requireAppErr(t, err, activities.ErrTypeInvalidOutput)
		})
	}
}

func TestRunAgent_RejectWithKnownReason(t *testing.T) {
	runner := &testutil.StubRunner{Script: map[domain.AgentType][]testutil.StubResult{
		domain.AgentQA: {{Output: activities.AgentOutput{
			Verdict: activities.VerdictRejected, ResetReason: domain.ReasonQAFailed,
		}}},
	}}
	a := &activities.Activities{Runner: runner}

	out, err := a.RunAgent(context.Background(), input(domain.AgentQA))
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonQAFailed, out.ResetReason)
}

func TestRunAgent_BudgetExhausted(t *testing.T) {
	runner := &testutil.StubRunner{}
	a := &activities.Activities{Runner: runner, Budget: ratelimit.NewReportBudget(2, time.Hour)}

	for range 2 {
		_, err := a.RunAgent(context.Background(), input(domain.AgentContent))
		require.NoError(t, err)
	}
	_, err := a.RunAgent(context.Background(), input(domain.AgentContent))
	requireAppErr(t, err, activities.ErrTypeBudgetExhausted)

	// Other agents keep their own budget.
	_, err = a.RunAgent(context.Background(), input(domain.AgentQA))
	require.NoError(t, err)
	assert.Len(t, runner.Calls, 3)
}

type refusal struct{ temporary bool }

func (r refusal) Error() string   { return "refused" }
func (r refusal) Temporary() bool { return r.temporary }

func TestRunAgent_PermanentRefusalIsNonRetryable(t *testing.T) {
	runner := &testutil.StubRunner{Script: map[domain.AgentType][]testutil.StubResult{
		domain.AgentSubmission: {{Err: refusal{temporary: false}}, {Err: refusal{temporary: true}}},
	}}
	a := &activities.Activities{Runner: runner}

	_, err := a.RunAgent(context.Background(), input(domain.AgentSubmission))
	requireAppErr(t, err, activities.ErrTypeAgentRefused)

	_, err = a.RunAgent(context.Background(), input(domain.AgentSubmission))
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	assert.False(t, errors.As(err, &appErr))
}
