// Package domain defines the bid pipeline vocabulary shared by every
// component: agents, step statuses, reset reasons, recovery actions and the
// server-sent event envelope.
package domain

// AgentType names one stage of the bid-preparation pipeline.
type AgentType string

const (
	AgentParser     AgentType = "PARSER"
	AgentAnalysis   AgentType = "ANALYSIS"
	AgentContent    AgentType = "CONTENT"
	AgentCompliance AgentType = "COMPLIANCE"
	AgentQA         AgentType = "QA"
	AgentComms      AgentType = "COMMS"
	AgentSubmission AgentType = "SUBMISSION"
)

// Agents is the canonical forward path. Order is significant: it is also the
// rollback target space.
var Agents = []AgentType{
	AgentParser,
	AgentAnalysis,
	AgentContent,
	AgentCompliance,
	AgentQA,
	AgentComms,
	AgentSubmission,
}

// Order returns the fixed index of the agent in Agents, or -1.
func (a AgentType) Order() int {
	for i, agent := range Agents {
		if agent == a {
			return i
		}
	}
	return -1
}

func (a AgentType) Valid() bool {
	return a.Order() >= 0
}

// DownstreamFrom returns the contiguous closure from agent to SUBMISSION.
// Returns nil for an unknown agent.
func DownstreamFrom(agent AgentType) []AgentType {
	idx := agent.Order()
	if idx < 0 {
		return nil
	}
	out := make([]AgentType, len(Agents)-idx)
	copy(out, Agents[idx:])
	return out
}

// StepStatus is the lifecycle state of a single pipeline step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
	StatusWaiting    StepStatus = "waiting"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusWaiting:
		return true
	}
	return false
}

// ResetReason explains why the server rolled the pipeline backwards.
// Reasons outside ResetReasons take the generic backward-navigation path.
type ResetReason string

const (
	ReasonUserFeedbackAnalysis ResetReason = "user_feedback_analysis"
	ReasonComplianceFailed     ResetReason = "compliance_failed"
	ReasonQAFailed             ResetReason = "qa_failed"
	ReasonUserContentEdits     ResetReason = "user_content_edits"
	ReasonParserFailed         ResetReason = "parser_failed"
)

// ResetReasons lists every reason with a dedicated rollback plan.
var ResetReasons = []ResetReason{
	ReasonUserFeedbackAnalysis,
	ReasonComplianceFailed,
	ReasonQAFailed,
	ReasonUserContentEdits,
	ReasonParserFailed,
}

func (r ResetReason) Known() bool {
	switch r {
	case ReasonUserFeedbackAnalysis, ReasonComplianceFailed, ReasonQAFailed,
		ReasonUserContentEdits, ReasonParserFailed:
		return true
	}
	return false
}

// SuggestedAction is the server's recovery hint attached to an agent failure.
type SuggestedAction string

const (
	SuggestRetry              SuggestedAction = "retry"
	SuggestSkip               SuggestedAction = "skip"
	SuggestRestartWorkflow    SuggestedAction = "restart_workflow"
	SuggestManualIntervention SuggestedAction = "manual_intervention"
)

// SuggestedActions lists every recovery hint the navigation handler knows.
var SuggestedActions = []SuggestedAction{
	SuggestRetry,
	SuggestSkip,
	SuggestRestartWorkflow,
	SuggestManualIntervention,
}

func (s SuggestedAction) Valid() bool {
	switch s {
	case SuggestRetry, SuggestSkip, SuggestRestartWorkflow, SuggestManualIntervention:
		return true
	}
	return false
}

// ErrorActionType is the uniform action handed to the UI layer.
type ErrorActionType string

const (
	ActionRetry   ErrorActionType = "retry"
	ActionSkip    ErrorActionType = "skip"
	ActionRestart ErrorActionType = "restart"
	ActionManual  ErrorActionType = "manual"
	ActionCancel  ErrorActionType = "cancel"
)

func (e ErrorActionType) Valid() bool {
	switch e {
	case ActionRetry, ActionSkip, ActionRestart, ActionManual, ActionCancel:
		return true
	}
	return false
}

// NavigationActionType classifies an entry in the navigation history.
type NavigationActionType string

const (
	NavReset              NavigationActionType = "reset"
	NavLoopDetected       NavigationActionType = "loop_detected"
	NavRetry              NavigationActionType = "retry"
	NavSkip               NavigationActionType = "skip"
	NavRestartWorkflow    NavigationActionType = "restart_workflow"
	NavManualIntervention NavigationActionType = "manual_intervention"
)
