package testutil

import (
	"context"
	"sync"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/temporal/activities"
)

// StubRunner satisfies activities.AgentRunner. Each agent pops the next
// scripted result from Script; agents with an empty script complete.
type StubRunner struct {
	mu     sync.Mutex
	Script map[domain.AgentType][]StubResult
	Calls  []activities.AgentInput
}

// StubResult is one scripted agent run.
type StubResult struct {
	Output activities.AgentOutput
	Err    error
}

func (s *StubRunner) Run(_ context.Context, in activities.AgentInput) (activities.AgentOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, in)

	queue := s.Script[in.Agent]
	if len(queue) == 0 {
		return activities.AgentOutput{Verdict: activities.VerdictCompleted}, nil
	}
	next := queue[0]
	s.Script[in.Agent] = queue[1:]
	return next.Output, next.Err
}

// Agents returns the agents run so far, in call order.
func (s *StubRunner) Agents() []domain.AgentType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentType, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = c.Agent
	}
	return out
}
