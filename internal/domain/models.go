package domain

import (
	"encoding/json"
	"time"
)

// WorkflowStep is the local view of one pipeline stage.
type WorkflowStep struct {
	Agent  AgentType  `json:"agent"`
	Status StepStatus `json:"status"`
	Order  int        `json:"order"`
}

// ProgressResetData is the payload of a backward-navigation event.
type ProgressResetData struct {
	ResetToStep   AgentType   `json:"resetToStep"`
	Reason        ResetReason `json:"reason"`
	AffectedSteps []AgentType `json:"affectedSteps"`
}

// AgentFailedData is the payload of an <AGENT>_FAILED event.
type AgentFailedData struct {
	Agent           AgentType       `json:"agent"`
	Error           string          `json:"error"`
	ErrorCode       string          `json:"errorCode"`
	CanRetry        bool            `json:"canRetry"`
	SuggestedAction SuggestedAction `json:"suggestedAction"`
	AffectedSteps   []AgentType     `json:"affectedSteps,omitempty"`
}

// AgentStatusData is the payload of AWAITING_* prompts that carry no reset.
type AgentStatusData struct {
	Agent   AgentType `json:"agent"`
	Message string    `json:"message,omitempty"`
}

// NavigationAction is an immutable audit entry for a handled reset or failure.
type NavigationAction struct {
	Type       NavigationActionType `json:"type"`
	TargetStep AgentType            `json:"targetStep,omitempty"`
	Reason     string               `json:"reason"`
	Timestamp  time.Time            `json:"timestamp"`
}

// WorkflowErrorAction is the contract returned to the UI layer regardless of
// which handler produced it. Agent is empty for connection-level actions.
type WorkflowErrorAction struct {
	Type              ErrorActionType `json:"type"`
	Agent             AgentType       `json:"agent,omitempty"`
	Message           string          `json:"message"`
	Delay             time.Duration   `json:"-"`
	RequiresUserInput bool            `json:"requiresUserInput"`
}

type wireErrorAction struct {
	Type              ErrorActionType `json:"type"`
	Agent             AgentType       `json:"agent,omitempty"`
	Message           string          `json:"message"`
	DelayMS           int64           `json:"delay,omitempty"`
	RequiresUserInput bool            `json:"requiresUserInput"`
}

// MarshalJSON writes Delay as whole milliseconds.
func (a WorkflowErrorAction) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireErrorAction{
		Type:              a.Type,
		Agent:             a.Agent,
		Message:           a.Message,
		DelayMS:           a.Delay.Milliseconds(),
		RequiresUserInput: a.RequiresUserInput,
	})
}

func (a *WorkflowErrorAction) UnmarshalJSON(data []byte) error {
	var w wireErrorAction
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = WorkflowErrorAction{
		Type:              w.Type,
		Agent:             w.Agent,
		Message:           w.Message,
		Delay:             time.Duration(w.DelayMS) * time.Millisecond,
		RequiresUserInput: w.RequiresUserInput,
	}
	return nil
}

// HasDelay reports whether the action schedules a deferred retry.
func (a WorkflowErrorAction) HasDelay() bool {
	return a.Delay > 0
}

// Snapshot is the server's authoritative view of a workflow execution,
// used to rebuild local state after reconnecting.
type Snapshot struct {
	WorkflowID  string                   `json:"workflowExecutionId"`
	ProjectID   string                   `json:"projectId"`
	Steps       map[AgentType]StepStatus `json:"steps"`
	CurrentStep AgentType                `json:"currentStep,omitempty"`
	Seq         uint64                   `json:"seq"`
	Completed   bool                     `json:"completed"`
	ResetReason ResetReason              `json:"resetReason,omitempty"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// NewSnapshot returns a snapshot with every step pending.
func NewSnapshot(workflowID, projectID string) Snapshot {
	steps := make(map[AgentType]StepStatus, len(Agents))
	for _, a := range Agents {
		steps[a] = StatusPending
	}
	return Snapshot{
		WorkflowID: workflowID,
		ProjectID:  projectID,
		Steps:      steps,
		UpdatedAt:  time.Now().UTC(),
	}
}

// RecoveryRequest asks the workflow service to act on a step. Agent is
// empty for a whole-workflow restart.
type RecoveryRequest struct {
	RequestID string          `json:"requestId"`
	Agent     AgentType       `json:"agent,omitempty"`
	Action    ErrorActionType `json:"action"`
	Reason    string          `json:"reason,omitempty"`
}
