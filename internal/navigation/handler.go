// Package navigation decides how the local pipeline state reacts to server
// resets and agent failures, and guards against reset oscillation.
package navigation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/pipeline"
)

const (
	// DefaultMaxLoopIterations is how many identical resets are applied
	// before the next one is escalated to manual intervention.
	DefaultMaxLoopIterations = 3
	// DefaultHistorySize bounds the navigation audit trail.
	DefaultHistorySize = 100
)

// reviewStages are invalidated when drafted content changes.
var reviewStages = []domain.AgentType{domain.AgentContent, domain.AgentCompliance, domain.AgentQA}

// ManualInterventionFunc surfaces a human-readable reason to the user.
type ManualInterventionFunc func(reason string)

// Option configures a Handler.
type Option func(*Handler)

// WithMaxLoopIterations overrides DefaultMaxLoopIterations.
func WithMaxLoopIterations(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxLoopIterations = n
		}
	}
}

// WithHistorySize overrides DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.history = newHistory(n)
		}
	}
}

// WithManualIntervention registers the manual-intervention trigger.
func WithManualIntervention(fn ManualInterventionFunc) Option {
	return func(h *Handler) { h.onManual = fn }
}

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock replaces time.Now for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// ResetOutcome reports what HandleProgressReset did.
type ResetOutcome struct {
	Applied      bool
	LoopDetected bool
	Target       domain.AgentType
	Iteration    int
	// Plan is the rollback that was written. Zero unless Applied.
	Plan domain.ProgressResetData
}

// RecoveryResult is the structural decision for an agent failure.
type RecoveryResult struct {
	Action  domain.SuggestedAction `json:"action"`
	Agent   domain.AgentType       `json:"agent"`
	Message string                 `json:"message"`
}

// Handler translates reset reasons and failure hints into state changes.
type Handler struct {
	mu                sync.Mutex
	state             *pipeline.StateManager
	loops             map[string]int
	history           *history
	maxLoopIterations int
	onManual          ManualInterventionFunc
	now               func() time.Time
	logger            *slog.Logger
}

// NewHandler creates a Handler over the given state manager.
func NewHandler(state *pipeline.StateManager, opts ...Option) *Handler {
	h := &Handler{
		state:             state,
		loops:             make(map[string]int),
		history:           newHistory(DefaultHistorySize),
		maxLoopIterations: DefaultMaxLoopIterations,
		now:               time.Now,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func loopKey(step domain.AgentType, reason domain.ResetReason) string {
	return string(step) + "-" + string(reason)
}

// HandleProgressReset applies an unsequenced reset.
func (h *Handler) HandleProgressReset(data domain.ProgressResetData) ResetOutcome {
	return h.HandleProgressResetAt(data, 0)
}

// HandleProgressResetAt rolls the pipeline back according to the reset
// reason, unless the same (step, reason) pair has already been applied
// MaxLoopIterations times, in which case the reset is suppressed and
// escalated to manual intervention.
func (h *Handler) HandleProgressResetAt(data domain.ProgressResetData, seq uint64) ResetOutcome {
	h.mu.Lock()
	key := loopKey(data.ResetToStep, data.Reason)
	count := h.loops[key]
	if count >= h.maxLoopIterations {
		delete(h.loops, key)
		msg := fmt.Sprintf("Workflow appears to be looping: reset to %s (%s) repeated %d times",
			data.ResetToStep, data.Reason, count)
		h.record(domain.NavLoopDetected, data.ResetToStep, msg)
		onManual := h.onManual
		h.mu.Unlock()

		h.logger.Warn("reset loop detected",
			"reset_to_step", data.ResetToStep, "reason", data.Reason, "iterations", count)
		if onManual != nil {
			onManual(msg)
		}
		return ResetOutcome{LoopDetected: true, Target: data.ResetToStep, Iteration: count}
	}

	plan := h.planReset(data)
	h.state.ResetToStepAt(plan, seq)
	h.loops[key] = count + 1
	h.record(domain.NavReset, plan.ResetToStep, string(data.Reason))
	h.mu.Unlock()

	h.logger.Info("progress reset applied",
		"reset_to_step", plan.ResetToStep, "reason", data.Reason,
		"affected", plan.AffectedSteps, "iteration", count+1)
	return ResetOutcome{Applied: true, Target: plan.ResetToStep, Iteration: count + 1, Plan: plan}
}

// PlanReset maps a reset reason to its rollback depth. Unknown reasons pass
// the server's data through unchanged. It has no side effects, so workflow
// code may call it.
func PlanReset(data domain.ProgressResetData) domain.ProgressResetData {
	switch data.Reason {
	case domain.ReasonUserFeedbackAnalysis:
		return domain.ProgressResetData{
			ResetToStep:   domain.AgentAnalysis,
			Reason:        data.Reason,
			AffectedSteps: []domain.AgentType{domain.AgentAnalysis},
		}
	case domain.ReasonComplianceFailed, domain.ReasonQAFailed, domain.ReasonUserContentEdits:
		return domain.ProgressResetData{
			ResetToStep:   domain.AgentContent,
			Reason:        data.Reason,
			AffectedSteps: append([]domain.AgentType(nil), reviewStages...),
		}
	case domain.ReasonParserFailed:
		return domain.ProgressResetData{
			ResetToStep:   domain.AgentParser,
			Reason:        data.Reason,
			AffectedSteps: append([]domain.AgentType(nil), domain.Agents...),
		}
	default:
		return data
	}
}

func (h *Handler) planReset(data domain.ProgressResetData) domain.ProgressResetData {
	plan := PlanReset(data)
	if !data.Reason.Known() && !domain.IsDownstreamClosure(data) {
		h.logger.Warn("generic reset does not invalidate the full downstream closure",
			"reset_to_step", data.ResetToStep, "reason", data.Reason, "affected", data.AffectedSteps)
	}
	return plan
}

// HandleErrorRecovery applies the server's suggested recovery to local
// state. Unrecognized actions fall back to manual intervention; no automatic
// recovery is ever guessed.
func (h *Handler) HandleErrorRecovery(data domain.AgentFailedData) RecoveryResult {
	h.mu.Lock()
	var (
		result   RecoveryResult
		onManual ManualInterventionFunc
	)
	switch data.SuggestedAction {
	case domain.SuggestRetry:
		h.state.UpdateStepStatus(data.Agent, domain.StatusPending)
		result = RecoveryResult{Action: domain.SuggestRetry, Message: fmt.Sprintf("Retrying %s agent...", data.Agent)}
		h.record(domain.NavRetry, data.Agent, data.Error)

	case domain.SuggestSkip:
		h.state.UpdateStepStatus(data.Agent, domain.StatusCompleted)
		result = RecoveryResult{Action: domain.SuggestSkip, Message: fmt.Sprintf("Skipping %s agent", data.Agent)}
		h.record(domain.NavSkip, data.Agent, data.Error)

	case domain.SuggestRestartWorkflow:
		h.restartLocked()
		result = RecoveryResult{Action: domain.SuggestRestartWorkflow, Message: "Restarting workflow from the beginning"}
		h.record(domain.NavRestartWorkflow, domain.AgentParser, data.Error)

	case domain.SuggestManualIntervention:
		msg := fmt.Sprintf("Manual intervention required for %s agent: %s", data.Agent, data.Error)
		result = RecoveryResult{Action: domain.SuggestManualIntervention, Message: msg}
		h.record(domain.NavManualIntervention, data.Agent, data.Error)
		onManual = h.onManual

	default:
		result = RecoveryResult{Action: domain.SuggestManualIntervention, Message: "Unknown error recovery action"}
		h.record(domain.NavManualIntervention, data.Agent, fmt.Sprintf("unknown action %q", data.SuggestedAction))
	}
	result.Agent = data.Agent
	h.mu.Unlock()

	h.logger.Info("error recovery", "agent", data.Agent, "suggested", data.SuggestedAction, "action", result.Action)
	if onManual != nil {
		onManual(result.Message)
	}
	return result
}

// RestartWorkflow resets every step and clears history and loop counters.
func (h *Handler) RestartWorkflow(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restartLocked()
	h.record(domain.NavRestartWorkflow, domain.AgentParser, reason)
}

func (h *Handler) restartLocked() {
	h.state.Reset()
	h.history.clear()
	clear(h.loops)
}

// record must be called with mu held.
func (h *Handler) record(typ domain.NavigationActionType, target domain.AgentType, reason string) {
	h.history.add(domain.NavigationAction{
		Type:       typ,
		TargetStep: target,
		Reason:     reason,
		Timestamp:  h.now().UTC(),
	})
}

// History returns the retained navigation actions, oldest first.
func (h *Handler) History() []domain.NavigationAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.list()
}

// LoopCount returns how many times the (step, reason) reset has been applied
// since it was last cleared.
func (h *Handler) LoopCount(step domain.AgentType, reason domain.ResetReason) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loops[loopKey(step, reason)]
}

// State returns the underlying state manager.
func (h *Handler) State() *pipeline.StateManager {
	return h.state
}
