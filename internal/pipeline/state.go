// Package pipeline holds the local, advisory view of a workflow execution:
// one status per agent plus a current-step pointer. The server is the source
// of truth; this state is rebuilt per session from events and snapshots.
package pipeline

import (
	"log/slog"
	"math"
	"sync"

	"github.com/bidopsai/bidops-go/internal/domain"
)

type step struct {
	status  domain.StepStatus
	seq     uint64 // highest applied server sequence
	version uint64 // bumped on every applied write
}

// StateManager tracks per-agent step status. Any status may be set at any
// time; out-of-order protection comes only from server sequence numbers.
type StateManager struct {
	mu      sync.RWMutex
	steps   map[domain.AgentType]*step
	current domain.AgentType
	logger  *slog.Logger
}

// NewStateManager returns a manager with all seven steps pending.
func NewStateManager(logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &StateManager{
		steps:  make(map[domain.AgentType]*step, len(domain.Agents)),
		logger: logger,
	}
	for _, a := range domain.Agents {
		m.steps[a] = &step{status: domain.StatusPending}
	}
	return m
}

// UpdateStepStatus sets the status of one step and moves the current-step
// pointer to it. Unknown agents are ignored.
func (m *StateManager) UpdateStepStatus(agent domain.AgentType, status domain.StepStatus) {
	m.ApplyStepStatus(agent, status, 0)
}

// ApplyStepStatus is UpdateStepStatus with a server sequence number. A
// non-zero seq at or below the last one applied for the agent is stale and
// dropped. Returns whether the write was applied.
func (m *StateManager) ApplyStepStatus(agent domain.AgentType, status domain.StepStatus, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.steps[agent]
	if !ok {
		m.logger.Debug("ignoring status update for unknown agent", "agent", agent, "status", status)
		return false
	}
	if seq > 0 && seq <= s.seq {
		m.logger.Debug("dropping stale status update",
			"agent", agent, "status", status, "seq", seq, "last_seq", s.seq)
		return false
	}
	m.write(s, status, seq)
	m.current = agent
	return true
}

// ResetToStep rolls the affected steps back to pending and restarts the
// target step. An unrecognized target is a silent no-op apart from a debug
// trace.
func (m *StateManager) ResetToStep(data domain.ProgressResetData) {
	m.ResetToStepAt(data, 0)
}

// ResetToStepAt is ResetToStep with a server sequence number. Every touched
// agent's watermark is raised so older in-flight events cannot undo the
// reset.
func (m *StateManager) ResetToStepAt(data domain.ProgressResetData, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.steps[data.ResetToStep]
	if !ok {
		m.logger.Debug("ignoring reset to unknown step", "reset_to_step", data.ResetToStep, "reason", data.Reason)
		return
	}
	for _, a := range data.AffectedSteps {
		if s, ok := m.steps[a]; ok {
			m.write(s, domain.StatusPending, seq)
		}
	}
	m.write(target, domain.StatusInProgress, seq)
	m.current = data.ResetToStep
}

// write must be called with mu held.
func (m *StateManager) write(s *step, status domain.StepStatus, seq uint64) {
	s.status = status
	s.version++
	if seq > s.seq {
		s.seq = seq
	}
}

// StepStatus returns the status of one step, or "" for an unknown agent.
func (m *StateManager) StepStatus(agent domain.AgentType) domain.StepStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.steps[agent]; ok {
		return s.status
	}
	return ""
}

// StepVersion returns a counter that changes whenever the agent's step is
// written. Deferred work compares it before acting to detect staleness.
func (m *StateManager) StepVersion(agent domain.AgentType) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.steps[agent]; ok {
		return s.version
	}
	return 0
}

// CurrentStep returns the agent of the most recent write, or "".
func (m *StateManager) CurrentStep() domain.AgentType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Steps returns a copy of all steps in canonical order.
func (m *StateManager) Steps() []domain.WorkflowStep {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.WorkflowStep, 0, len(domain.Agents))
	for i, a := range domain.Agents {
		out = append(out, domain.WorkflowStep{Agent: a, Status: m.steps[a].status, Order: i})
	}
	return out
}

// ProgressPercentage returns round(100 * completed / 7).
func (m *StateManager) ProgressPercentage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	completed := m.countLocked(domain.StatusCompleted)
	return int(math.Round(100 * float64(completed) / float64(len(domain.Agents))))
}

// IsWorkflowComplete reports whether every step is completed.
func (m *StateManager) IsWorkflowComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(domain.StatusCompleted) == len(domain.Agents)
}

// HasFailedSteps reports whether any step is failed.
func (m *StateManager) HasFailedSteps() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(domain.StatusFailed) > 0
}

func (m *StateManager) countLocked(status domain.StepStatus) int {
	n := 0
	for _, s := range m.steps {
		if s.status == status {
			n++
		}
	}
	return n
}

// Reset sets every step back to pending and clears the current step. Used
// only on a full workflow restart. Sequence watermarks are kept so a restart
// does not reopen the door to stale events.
func (m *StateManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps {
		if s.status != domain.StatusPending {
			s.status = domain.StatusPending
			s.version++
		}
	}
	m.current = ""
}

// Restore replaces local state with a server snapshot. Agents missing from
// the snapshot become pending.
func (m *StateManager) Restore(snap domain.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range domain.Agents {
		status, ok := snap.Steps[a]
		if !ok || !status.Valid() {
			status = domain.StatusPending
		}
		s := m.steps[a]
		s.status = status
		s.version++
		if snap.Seq > s.seq {
			s.seq = snap.Seq
		}
	}
	m.current = ""
	if snap.CurrentStep.Valid() {
		m.current = snap.CurrentStep
	}
}

// Snapshot exports the local state in the server snapshot shape.
func (m *StateManager) Snapshot(workflowID, projectID string) domain.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := domain.NewSnapshot(workflowID, projectID)
	complete := true
	for _, a := range domain.Agents {
		s := m.steps[a]
		snap.Steps[a] = s.status
		if s.seq > snap.Seq {
			snap.Seq = s.seq
		}
		if s.status != domain.StatusCompleted {
			complete = false
		}
	}
	snap.CurrentStep = m.current
	snap.Completed = complete
	return snap
}
