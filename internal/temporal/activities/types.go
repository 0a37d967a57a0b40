// Package activities defines the Temporal activity I/O structs and the
// Activities implementation that hands each pipeline stage to the agent
// service.
package activities

import "github.com/bidopsai/bidops-go/internal/domain"

// Verdict is how an agent run ended.
type Verdict string

const (
	// VerdictCompleted moves the pipeline forward.
	VerdictCompleted Verdict = "completed"
	// VerdictRejected sends the pipeline back according to ResetReason.
	// Only review stages reject.
	VerdictRejected Verdict = "rejected"
	// VerdictNeedsInput pauses the step until the user retries or skips it.
	VerdictNeedsInput Verdict = "needs_input"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictCompleted, VerdictRejected, VerdictNeedsInput:
		return true
	}
	return false
}

// AgentInput is the activity input for one agent run.
type AgentInput struct {
	ProjectID  string           `json:"projectId"`
	WorkflowID string           `json:"workflowExecutionId"`
	Agent      domain.AgentType `json:"agent"`
	Documents  []string         `json:"documents,omitempty"`
	// Attempt counts runs of this agent within the workflow, starting at 1.
	Attempt int `json:"attempt"`
}

// AgentOutput is the activity output from one agent run.
type AgentOutput struct {
	Verdict     Verdict            `json:"verdict"`
	ResetToStep domain.AgentType   `json:"resetToStep,omitempty"`
	ResetReason domain.ResetReason `json:"resetReason,omitempty"`
	Message     string             `json:"message,omitempty"`
	Artifacts   []string           `json:"artifacts,omitempty"`
}
