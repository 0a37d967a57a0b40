package domain

import "fmt"

// ValidateProgressResetData checks required fields on a ProgressResetData.
// An unknown ResetToStep is not an error here; the state manager ignores it.
func ValidateProgressResetData(d ProgressResetData) error {
	if d.ResetToStep == "" {
		return fmt.Errorf("resetToStep is required")
	}
	for _, a := range d.AffectedSteps {
		if !a.Valid() {
			return fmt.Errorf("invalid affected step: %q", a)
		}
	}
	return nil
}

// ValidateAgentFailedData checks required fields on an AgentFailedData.
// Unknown suggested actions are allowed through: navigation treats them as
// manual intervention.
func ValidateAgentFailedData(d AgentFailedData) error {
	if !d.Agent.Valid() {
		return fmt.Errorf("invalid agent: %q", d.Agent)
	}
	for _, a := range d.AffectedSteps {
		if !a.Valid() {
			return fmt.Errorf("invalid affected step: %q", a)
		}
	}
	return nil
}

// IsDownstreamClosure reports whether AffectedSteps covers exactly the
// contiguous range ResetToStep..SUBMISSION, which is what makes a reset
// semantically safe.
func IsDownstreamClosure(d ProgressResetData) bool {
	want := DownstreamFrom(d.ResetToStep)
	if want == nil || len(want) != len(d.AffectedSteps) {
		return false
	}
	seen := make(map[AgentType]bool, len(d.AffectedSteps))
	for _, a := range d.AffectedSteps {
		seen[a] = true
	}
	for _, a := range want {
		if !seen[a] {
			return false
		}
	}
	return true
}

// ValidateSnapshot checks a server snapshot before it replaces local state.
func ValidateSnapshot(s Snapshot) error {
	if s.WorkflowID == "" {
		return fmt.Errorf("workflowExecutionId is required")
	}
	for agent, status := range s.Steps {
		if !agent.Valid() {
			return fmt.Errorf("invalid agent in steps: %q", agent)
		}
		if !status.Valid() {
			return fmt.Errorf("invalid status for %s: %q", agent, status)
		}
	}
	if s.CurrentStep != "" && !s.CurrentStep.Valid() {
		return fmt.Errorf("invalid currentStep: %q", s.CurrentStep)
	}
	return nil
}

// ValidateRecoveryRequest checks a recovery request before it reaches the
// workflow. Restart and cancel act on the whole workflow and may omit the
// agent.
func ValidateRecoveryRequest(r RecoveryRequest) error {
	if !r.Action.Valid() {
		return fmt.Errorf("invalid action: %q", r.Action)
	}
	if r.Agent == "" {
		if r.Action != ActionRestart && r.Action != ActionCancel {
			return fmt.Errorf("agent is required for %s", r.Action)
		}
		return nil
	}
	if !r.Agent.Valid() {
		return fmt.Errorf("invalid agent: %q", r.Agent)
	}
	return nil
}
