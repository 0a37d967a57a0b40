package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies a server-sent workflow event.
type EventType string

// Cross-cutting event types. Per-agent events are built with AgentEventType.
const (
	EventWorkflowCreated                    EventType = "WORKFLOW_CREATED"
	EventWorkflowUpdated                    EventType = "WORKFLOW_UPDATED"
	EventWorkflowCompleted                  EventType = "WORKFLOW_COMPLETED"
	EventWorkflowCompletedWithoutComms      EventType = "WORKFLOW_COMPLETED_WITHOUT_COMMS"
	EventWorkflowCompletedWithoutSubmission EventType = "WORKFLOW_COMPLETED_WITHOUT_SUBMISSION"
	EventAgentTaskUpdated                   EventType = "AGENT_TASK_UPDATED"
	EventArtifactsReady                     EventType = "ARTIFACTS_READY"
	EventArtifactsExported                  EventType = "ARTIFACTS_EXPORTED"
	EventProgressReset                      EventType = "PROGRESS_RESET"
	EventAwaitingFeedback                   EventType = "AWAITING_FEEDBACK"
	EventAwaitingReview                     EventType = "AWAITING_REVIEW"
	EventReviewPrompt                       EventType = "REVIEW_PROMPT"
)

// AgentPhase is the lifecycle suffix of a per-agent event.
type AgentPhase string

const (
	PhaseStarted   AgentPhase = "STARTED"
	PhaseCompleted AgentPhase = "COMPLETED"
	PhaseFailed    AgentPhase = "FAILED"
)

// AgentEventType returns the event type for agent in the given phase,
// e.g. PARSER_STARTED.
func AgentEventType(agent AgentType, phase AgentPhase) EventType {
	return EventType(string(agent) + "_" + string(phase))
}

// AgentLifecycle decomposes a per-agent event type. ok is false for every
// other type.
func (t EventType) AgentLifecycle() (agent AgentType, phase AgentPhase, ok bool) {
	idx := strings.LastIndexByte(string(t), '_')
	if idx <= 0 {
		return "", "", false
	}
	agent = AgentType(t[:idx])
	phase = AgentPhase(t[idx+1:])
	if !agent.Valid() {
		return "", "", false
	}
	switch phase {
	case PhaseStarted, PhaseCompleted, PhaseFailed:
		return agent, phase, true
	}
	return "", "", false
}

// EventCategory groups event types by the side effects they trigger.
type EventCategory string

const (
	CategoryWorkflow     EventCategory = "workflow"
	CategoryAgent        EventCategory = "agent"
	CategoryArtifacts    EventCategory = "artifacts"
	CategoryNavigation   EventCategory = "navigation"
	CategoryNotification EventCategory = "notification"
	CategoryUnknown      EventCategory = "unknown"
)

// Category classifies the event type.
func (t EventType) Category() EventCategory {
	if _, _, ok := t.AgentLifecycle(); ok {
		return CategoryAgent
	}
	switch t {
	case EventWorkflowCreated, EventWorkflowUpdated, EventWorkflowCompleted,
		EventWorkflowCompletedWithoutComms, EventWorkflowCompletedWithoutSubmission:
		return CategoryWorkflow
	case EventAgentTaskUpdated:
		return CategoryAgent
	case EventArtifactsReady, EventArtifactsExported:
		return CategoryArtifacts
	case EventProgressReset, EventAwaitingFeedback, EventAwaitingReview, EventReviewPrompt:
		return CategoryNavigation
	}
	if t == "" {
		return CategoryUnknown
	}
	return CategoryNotification
}

// IsWorkflowCompletion reports whether the event ends the workflow.
func (t EventType) IsWorkflowCompletion() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowCompletedWithoutComms, EventWorkflowCompletedWithoutSubmission:
		return true
	}
	return false
}

// Event is a single message from the workflow event stream. Data is kept raw
// and decoded per type with DecodeData.
type Event struct {
	Type       EventType       `json:"type"`
	ID         string          `json:"id,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	Timestamp  string          `json:"timestamp"`
	WorkflowID string          `json:"workflowExecutionId,omitempty"`
	ProjectID  string          `json:"projectId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes a raw stream message. Only a missing type is rejected;
// unknown types parse fine and are classified as notifications.
func ParseEvent(raw []byte) (Event, error) {
	return ParseEventNamed(raw, "")
}

// ParseEventNamed is ParseEvent for transports that carry the event name
// out of band. name fills in a missing type.
func ParseEventNamed(raw []byte, name EventType) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if e.Type == "" {
		e.Type = name
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("parse event: type is required")
	}
	return e, nil
}

// DecodeData unmarshals the event payload into target. An empty payload
// leaves target untouched.
func (e Event) DecodeData(target any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}
