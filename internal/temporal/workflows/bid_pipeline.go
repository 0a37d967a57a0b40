// Package workflows defines the Temporal workflow functions.
package workflows

import (
	"fmt"
	"maps"
	"time"

	"go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/navigation"
	"github.com/bidopsai/bidops-go/internal/temporal/activities"
	"github.com/bidopsai/bidops-go/internal/temporal/versioning"
)

// QueryNamePipelineState is the query handler name. It returns a
// domain.Snapshot.
const QueryNamePipelineState = "pipeline-state"

// SignalNameRecovery carries a domain.RecoveryRequest to the workflow.
const SignalNameRecovery = "recovery-request"

// RecoveryTimeout is how long a failed or waiting step waits for a
// recovery request before the workflow gives up.
const RecoveryTimeout = 24 * time.Hour

// DefaultMaxReviewLoops caps how often one reset reason may send the
// pipeline backwards.
const DefaultMaxReviewLoops = 2

// SearchAttrProjectID lets the relay list workflows by project.
var SearchAttrProjectID = temporal.NewSearchAttributeKeyKeyword("ProjectId")

// TerminationReason describes why the workflow ended.
type TerminationReason string

const (
	ReasonCompleted        TerminationReason = "completed"
	ReasonCancelled        TerminationReason = "cancelled"
	ReasonRecoveryTimedOut TerminationReason = "recovery_timed_out"
)

// PipelineInput is the input to the bid pipeline workflow.
type PipelineInput struct {
	ProjectID string   `json:"projectId"`
	Documents []string `json:"documents,omitempty"`
	// MaxReviewLoops defaults to DefaultMaxReviewLoops when zero.
	MaxReviewLoops int `json:"maxReviewLoops,omitempty"`
}

// PipelineResult is returned on every path; only infra failures produce
// workflow-level errors.
type PipelineResult struct {
	Snapshot domain.Snapshot   `json:"snapshot"`
	Reason   TerminationReason `json:"reason"`
}

type pipeline struct {
	ctx      workflow.Context
	logger   log.Logger
	snap     domain.Snapshot
	maxLoops int
	attempts map[domain.AgentType]int
	loops    map[domain.ResetReason]int
}

func newPipeline(ctx workflow.Context, input PipelineInput) *pipeline {
	maxLoops := input.MaxReviewLoops
	if maxLoops <= 0 {
		maxLoops = DefaultMaxReviewLoops
	}
	snap := domain.NewSnapshot(workflow.GetInfo(ctx).WorkflowExecution.ID, input.ProjectID)
	snap.UpdatedAt = workflow.Now(ctx).UTC()
	return &pipeline{
		ctx:      ctx,
		logger:   workflow.GetLogger(ctx),
		snap:     snap,
		maxLoops: maxLoops,
		attempts: make(map[domain.AgentType]int),
		loops:    make(map[domain.ResetReason]int),
	}
}

func (p *pipeline) touch() {
	p.snap.Seq++
	p.snap.UpdatedAt = workflow.Now(p.ctx).UTC()
}

// set records a step transition. Writes that change nothing keep Seq.
func (p *pipeline) set(agent domain.AgentType, status domain.StepStatus) {
	if p.snap.Steps[agent] == status && p.snap.CurrentStep == agent {
		return
	}
	p.snap.Steps[agent] = status
	p.snap.CurrentStep = agent
	p.touch()
}

// reset rolls the pipeline back in a single snapshot write, so a poller
// sees affected steps pending and the target in progress together.
func (p *pipeline) reset(plan domain.ProgressResetData) {
	for _, a := range plan.AffectedSteps {
		p.snap.Steps[a] = domain.StatusPending
	}
	p.snap.Steps[plan.ResetToStep] = domain.StatusInProgress
	p.snap.CurrentStep = plan.ResetToStep
	p.snap.ResetReason = plan.Reason
	p.touch()
}

func (p *pipeline) restart() {
	for _, a := range domain.Agents {
		p.snap.Steps[a] = domain.StatusPending
	}
	p.snap.CurrentStep = ""
	p.snap.ResetReason = ""
	clear(p.loops)
	p.touch()
}

func (p *pipeline) snapshot() domain.Snapshot {
	out := p.snap
	out.Steps = maps.Clone(p.snap.Steps)
	return out
}

func (p *pipeline) result(reason TerminationReason) PipelineResult {
	return PipelineResult{Snapshot: p.snapshot(), Reason: reason}
}

// control pulls queued restart or cancel requests between steps. Retry and
// skip only apply to a stalled step, so they are dropped here.
func (p *pipeline) control(ch workflow.ReceiveChannel) domain.ErrorActionType {
	for {
		var req domain.RecoveryRequest
		if !ch.ReceiveAsync(&req) {
			return ""
		}
		if err := domain.ValidateRecoveryRequest(req); err != nil {
			p.logger.Warn("invalid recovery request", "request_id", req.RequestID, "error", err)
			continue
		}
		if req.Action == domain.ActionRestart || req.Action == domain.ActionCancel {
			p.logger.Info("recovery request applied", "request_id", req.RequestID, "action", req.Action)
			return req.Action
		}
		p.logger.Info("recovery request ignored, no stalled step",
			"request_id", req.RequestID, "action", req.Action, "agent", req.Agent)
	}
}

// accept decides whether req resolves the stall on agent.
func (p *pipeline) accept(req domain.RecoveryRequest, agent domain.AgentType) bool {
	if err := domain.ValidateRecoveryRequest(req); err != nil {
		p.logger.Warn("invalid recovery request", "request_id", req.RequestID, "error", err)
		return false
	}
	switch req.Action {
	case domain.ActionRestart, domain.ActionCancel:
		return true
	case domain.ActionRetry, domain.ActionSkip:
		if req.Agent == agent {
			return true
		}
	}
	p.logger.Info("recovery request ignored",
		"request_id", req.RequestID, "action", req.Action, "agent", req.Agent, "stalled", agent)
	return false
}

// awaitRecovery blocks until a request resolves the stall on agent or
// RecoveryTimeout passes. An empty action means the wait timed out.
func (p *pipeline) awaitRecovery(ctx workflow.Context, ch workflow.ReceiveChannel, agent domain.AgentType) domain.ErrorActionType {
	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	var action domain.ErrorActionType
	timedOut := false

	selector := workflow.NewSelector(ctx)
	selector.AddReceive(ch, func(c workflow.ReceiveChannel, _ bool) {
		var req domain.RecoveryRequest
		c.Receive(ctx, &req)
		if p.accept(req, agent) {
			p.logger.Info("recovery request applied", "request_id", req.RequestID, "action", req.Action, "agent", agent)
			action = req.Action
		}
	})
	selector.AddFuture(workflow.NewTimer(timerCtx, RecoveryTimeout), func(workflow.Future) {
		if action == "" {
			timedOut = true
			p.logger.Warn("recovery wait timed out", "agent", agent, "timeout", RecoveryTimeout)
		}
	})

	for action == "" && !timedOut {
		selector.Select(ctx)
	}
	return action
}

// BidPipelineWorkflow runs the seven agents in order:
//
//	PARSER -> ANALYSIS -> CONTENT -> COMPLIANCE -> QA -> COMMS -> SUBMISSION
//
// A review stage may reject, which rolls the pipeline back by the reset
// plan for its reason. A failed or waiting step blocks until a recovery
// request arrives over SignalNameRecovery. Progress is exposed through the
// QueryNamePipelineState query.
func BidPipelineWorkflow(ctx workflow.Context, input PipelineInput) (PipelineResult, error) {
	p := newPipeline(ctx, input)

	if err := workflow.SetQueryHandler(ctx, QueryNamePipelineState, func() (domain.Snapshot, error) {
		return p.snapshot(), nil
	}); err != nil {
		return PipelineResult{}, fmt.Errorf("register query handler: %w", err)
	}
	// Starters normally set the attribute; upsert only when they did not.
	_, tagged := workflow.GetTypedSearchAttributes(ctx).GetKeyword(SearchAttrProjectID)
	if input.ProjectID != "" && !tagged {
		if err := workflow.UpsertTypedSearchAttributes(ctx, SearchAttrProjectID.ValueSet(input.ProjectID)); err != nil {
			p.logger.Warn("project search attribute not set", "error", err)
		}
	}
	recoveries := workflow.GetSignalChannel(ctx, SignalNameRecovery)

	actCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		TaskQueue:           versioning.QueueAgents,
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaximumAttempts: 3,
		},
	})

	for i := 0; i < len(domain.Agents); {
		switch p.control(recoveries) {
		case domain.ActionRestart:
			p.restart()
			i = 0
			continue
		case domain.ActionCancel:
			return p.result(ReasonCancelled), nil
		}

		agent := domain.Agents[i]
		p.attempts[agent]++
		p.set(agent, domain.StatusInProgress)

		var out activities.AgentOutput
		err := workflow.ExecuteActivity(actCtx, activities.PipelineAgent, activities.AgentInput{
			ProjectID:  input.ProjectID,
			WorkflowID: p.snap.WorkflowID,
			Agent:      agent,
			Documents:  input.Documents,
			Attempt:    p.attempts[agent],
		}).Get(ctx, &out)

		stalled := domain.StatusFailed
		switch {
		case err != nil:
			p.logger.Warn("agent failed", "agent", agent, "attempt", p.attempts[agent], "error", err)
		case out.Verdict == activities.VerdictNeedsInput:
			p.logger.Info("agent needs input", "agent", agent, "message", out.Message)
			stalled = domain.StatusWaiting
		case out.Verdict == activities.VerdictRejected:
			plan := navigation.PlanReset(domain.ProgressResetData{
				ResetToStep:   out.ResetToStep,
				Reason:        out.ResetReason,
				AffectedSteps: domain.DownstreamFrom(out.ResetToStep),
			})
			p.loops[plan.Reason]++
			if n := p.loops[plan.Reason]; n <= p.maxLoops {
				p.logger.Info("pipeline reset", "agent", agent, "reset_to_step", plan.ResetToStep, "reason", plan.Reason, "iteration", n)
				p.reset(plan)
				i = plan.ResetToStep.Order()
				continue
			}
			p.logger.Warn("review loop limit reached", "agent", agent, "reason", plan.Reason, "limit", p.maxLoops)
		default:
			p.set(agent, domain.StatusCompleted)
			i++
			continue
		}

		p.set(agent, stalled)
		switch p.awaitRecovery(ctx, recoveries, agent) {
		case domain.ActionRetry:
		case domain.ActionSkip:
			p.set(agent, domain.StatusCompleted)
			i++
		case domain.ActionRestart:
			p.restart()
			i = 0
		case domain.ActionCancel:
			return p.result(ReasonCancelled), nil
		default:
			return p.result(ReasonRecoveryTimedOut), nil
		}
	}

	p.snap.Completed = true
	p.touch()
	p.logger.Info("bid pipeline completed", "project_id", input.ProjectID, "seq", p.snap.Seq)
	return p.result(ReasonCompleted), nil
}
