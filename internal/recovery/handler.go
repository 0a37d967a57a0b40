package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/navigation"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
)

// reportTimeout bounds a single monitoring report.
const reportTimeout = 5 * time.Second

// Callback receives every action the handler produces.
type Callback func(domain.WorkflowErrorAction)

// Scope identifies the workflow the handler reports for.
type Scope struct {
	WorkflowID string
	ProjectID  string
}

// Option configures an ErrorHandler.
type Option func(*ErrorHandler)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(h *ErrorHandler) { h.policy = p }
}

// WithMonitor sets the monitoring sink. The default is SlogMonitor.
func WithMonitor(m Monitor) Option {
	return func(h *ErrorHandler) {
		if m != nil {
			h.monitor = m
		}
	}
}

// WithScope sets the workflow and project attached to reports.
func WithScope(s Scope) Option {
	return func(h *ErrorHandler) { h.scope = s }
}

// WithMetrics records produced actions.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *ErrorHandler) { h.metrics = m }
}

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *ErrorHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// ErrorHandler turns agent, connection and timeout failures into a uniform
// WorkflowErrorAction. It never returns an error: every path resolves to an
// action the caller can present.
type ErrorHandler struct {
	nav     *navigation.Handler
	policy  Policy
	monitor Monitor
	budget  *ratelimit.ReportBudget
	scope   Scope
	metrics *observability.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	retries   map[domain.AgentType]int
	callbacks map[string]Callback

	reports sync.WaitGroup
}

// NewErrorHandler creates an ErrorHandler over nav.
func NewErrorHandler(nav *navigation.Handler, opts ...Option) *ErrorHandler {
	h := &ErrorHandler{
		nav:       nav,
		policy:    DefaultPolicy(),
		logger:    slog.Default(),
		retries:   make(map[domain.AgentType]int),
		callbacks: make(map[string]Callback),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.monitor == nil {
		h.monitor = SlogMonitor{Logger: h.logger}
	}
	h.budget = ratelimit.NewReportBudget(h.policy.ReportsPerWindow, h.policy.ReportWindow)
	return h
}

// Policy returns the active policy.
func (h *ErrorHandler) Policy() Policy {
	return h.policy
}

// OnError subscribes cb under id, replacing any previous subscriber with the
// same id.
func (h *ErrorHandler) OnError(id string, cb Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[id] = cb
}

// OffError removes the subscriber registered under id.
func (h *ErrorHandler) OffError(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.callbacks, id)
}

// AgentSucceeded clears the agent's retry count.
func (h *ErrorHandler) AgentSucceeded(agent domain.AgentType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.retries, agent)
}

// RetryCount returns how many automatic retries the agent has used.
func (h *ErrorHandler) RetryCount(agent domain.AgentType) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retries[agent]
}

// takeRetry reports whether the failure may be retried automatically and,
// if so, consumes one retry from the agent's budget.
func (h *ErrorHandler) takeRetry(data domain.AgentFailedData) bool {
	if !data.CanRetry {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retries[data.Agent] >= h.policy.MaxRetries {
		return false
	}
	h.retries[data.Agent]++
	return true
}

// HandleFailure routes an agent failure to its class-specific policy.
func (h *ErrorHandler) HandleFailure(ctx context.Context, data domain.AgentFailedData) domain.WorkflowErrorAction {
	switch data.Agent {
	case domain.AgentParser:
		return h.HandleParserError(ctx, data)
	case domain.AgentContent:
		return h.HandleContentError(ctx, data)
	case domain.AgentCompliance, domain.AgentQA:
		return h.HandleReviewError(ctx, data)
	case domain.AgentSubmission:
		return h.HandleSubmissionError(ctx, data)
	default:
		return h.HandleAgentFailure(ctx, data)
	}
}

// HandleParserError retries parsing with a longer delay while the retry
// budget lasts, then asks the user to check the uploaded files and restart.
func (h *ErrorHandler) HandleParserError(ctx context.Context, data domain.AgentFailedData) domain.WorkflowErrorAction {
	h.logger.ErrorContext(ctx, "parser agent failed",
		"critical", true, "error", data.Error, "error_code", data.ErrorCode, "workflow_id", h.scope.WorkflowID)

	var action domain.WorkflowErrorAction
	if h.takeRetry(data) {
		h.navRetry(data)
		action = domain.WorkflowErrorAction{
			Type:    domain.ActionRetry,
			Agent:   data.Agent,
			Message: "Document parsing failed. Retrying with adjusted settings...",
			Delay:   h.policy.ParserRetryDelay,
		}
	} else {
		action = domain.WorkflowErrorAction{
			Type:              domain.ActionRestart,
			Agent:             data.Agent,
			Message:           "Document parsing failed. Please check your uploaded files and restart the workflow.",
			RequiresUserInput: true,
		}
	}
	return h.finish(ctx, data, "parser_error", true, action)
}

// HandleContentError retries silently, then asks the user to review the
// analysis the content was drafted from.
func (h *ErrorHandler) HandleContentError(ctx context.Context, data domain.AgentFailedData) domain.WorkflowErrorAction {
	var action domain.WorkflowErrorAction
	if h.takeRetry(data) {
		h.navRetry(data)
		action = domain.WorkflowErrorAction{
			Type:    domain.ActionRetry,
			Agent:   data.Agent,
			Message: "Retrying content generation...",
			Delay:   h.policy.ContentRetryDelay,
		}
	} else {
		action = domain.WorkflowErrorAction{
			Type:              domain.ActionManual,
			Agent:             data.Agent,
			Message:           "Content generation failed. Please review the analysis and try again.",
			RequiresUserInput: true,
		}
	}
	return h.finish(ctx, data, "content_error", false, action)
}

// HandleReviewError covers COMPLIANCE and QA. Review failures are not
// pipeline-fatal, so exhausted retries offer a skip.
func (h *ErrorHandler) HandleReviewError(ctx context.Context, data domain.AgentFailedData) domain.WorkflowErrorAction {
	stage := reviewLabel(data.Agent)
	var action domain.WorkflowErrorAction
	if h.takeRetry(data) {
		h.navRetry(data)
		action = domain.WorkflowErrorAction{
			Type:    domain.ActionRetry,
			Agent:   data.Agent,
			Message: fmt.Sprintf("Retrying %s check...", stage),
			Delay:   h.policy.ReviewRetryDelay,
		}
	} else {
		action = domain.WorkflowErrorAction{
			Type:              domain.ActionSkip,
			Agent:             data.Agent,
			Message:           fmt.Sprintf("The %s check failed. You can skip this step and continue.", stage),
			RequiresUserInput: true,
		}
	}
	return h.finish(ctx, data, "review_error", false, action)
}

func reviewLabel(agent domain.AgentType) string {
	if agent == domain.AgentQA {
		return "quality assurance"
	}
	return "compliance"
}

// HandleSubmissionError never retries: a resubmission could duplicate an
// external side effect.
func (h *ErrorHandler) HandleSubmissionError(ctx context.Context, data domain.AgentFailedData) domain.WorkflowErrorAction {
	h.logger.ErrorContext(ctx, "submission agent failed",
		"critical", true, "error", data.Error, "error_code", data.ErrorCode, "workflow_id", h.scope.WorkflowID)
	action := domain.WorkflowErrorAction{
		Type:              domain.ActionManual,
		Agent:             data.Agent,
		Message:           "Submission failed. Please verify the submission status before submitting again manually.",
		RequiresUserInput: true,
	}
	return h.finish(ctx, data, "submission_error", true, action)
}

// HandleAgentFailure is the generic path. The server's suggested action is
// applied through navigation; a retry suggestion past the retry budget is
// downgraded to manual intervention.
func (h *ErrorHandler) HandleAgentFailure(ctx context.Context, data domain.AgentFailedData) domain.WorkflowErrorAction {
	dispatched := data
	if data.SuggestedAction == domain.SuggestRetry && !h.takeRetry(data) {
		dispatched.SuggestedAction = domain.SuggestManualIntervention
	}
	res := h.nav.HandleErrorRecovery(dispatched)

	action := domain.WorkflowErrorAction{Agent: data.Agent, Message: res.Message}
	switch res.Action {
	case domain.SuggestRetry:
		action.Type = domain.ActionRetry
		action.Delay = h.policy.GenericRetryDelay
	case domain.SuggestSkip:
		action.Type = domain.ActionSkip
	case domain.SuggestRestartWorkflow:
		action.Type = domain.ActionRestart
	default:
		action.Type = domain.ActionManual
		action.RequiresUserInput = true
	}
	return h.finish(ctx, data, "agent_failure", false, action)
}

// navRetry puts the agent back to pending through navigation so the retry is
// part of the audit trail.
func (h *ErrorHandler) navRetry(data domain.AgentFailedData) {
	d := data
	d.SuggestedAction = domain.SuggestRetry
	h.nav.HandleErrorRecovery(d)
}

// HandleConnectionError classifies a stream or transport failure. Transient
// failures are retried after ConnectionRetryDelay; anything else needs the
// user to check connectivity.
func (h *ErrorHandler) HandleConnectionError(ctx context.Context, err error) domain.WorkflowErrorAction {
	var action domain.WorkflowErrorAction
	if IsTransient(err) {
		action = domain.WorkflowErrorAction{
			Type:    domain.ActionRetry,
			Message: "Connection lost. Reconnecting...",
			Delay:   h.policy.ConnectionRetryDelay,
		}
	} else {
		action = domain.WorkflowErrorAction{
			Type:              domain.ActionManual,
			Message:           "Unable to reach the workflow service. Please check your connection and try again.",
			RequiresUserInput: true,
		}
	}
	h.logger.WarnContext(ctx, "connection error", "error", err, "action", action.Type)
	h.report(ctx, err, "connection_error", Metadata{Action: action.Type})
	return h.emit(ctx, action)
}

// IsTransient reports whether err looks like a network blip.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var te interface{ Temporary() bool }
	if errors.As(err, &te) && te.Temporary() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"network", "fetch", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// HandleWorkflowTimeout never retries: the agent may still be running
// server-side.
func (h *ErrorHandler) HandleWorkflowTimeout(ctx context.Context, agent domain.AgentType, timeout time.Duration) domain.WorkflowErrorAction {
	action := domain.WorkflowErrorAction{
		Type:  domain.ActionManual,
		Agent: agent,
		Message: fmt.Sprintf("The %s agent did not finish within %s. It may still be running; check its status before retrying.",
			agent, timeout),
		RequiresUserInput: true,
	}
	h.logger.WarnContext(ctx, "agent timed out", "agent", agent, "timeout", timeout)
	h.report(ctx, fmt.Errorf("agent %s timed out after %s", agent, timeout), "workflow_timeout",
		Metadata{Agent: agent, Action: action.Type})
	return h.emit(ctx, action)
}

func (h *ErrorHandler) finish(ctx context.Context, data domain.AgentFailedData, label string, critical bool, action domain.WorkflowErrorAction) domain.WorkflowErrorAction {
	h.report(ctx, errors.New(data.Error), label, Metadata{
		Agent:           data.Agent,
		ErrorCode:       data.ErrorCode,
		CanRetry:        data.CanRetry,
		SuggestedAction: data.SuggestedAction,
		Action:          action.Type,
		Critical:        critical,
	})
	return h.emit(ctx, action)
}

// emit notifies subscribers in id order. A panicking subscriber is logged
// and does not prevent the others from running.
func (h *ErrorHandler) emit(ctx context.Context, action domain.WorkflowErrorAction) domain.WorkflowErrorAction {
	h.metrics.RecordRecoveryAction(ctx, string(action.Agent), string(action.Type))

	h.mu.Lock()
	ids := make([]string, 0, len(h.callbacks))
	for id := range h.callbacks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	cbs := make([]Callback, len(ids))
	for i, id := range ids {
		cbs[i] = h.callbacks[id]
	}
	h.mu.Unlock()

	for i, cb := range cbs {
		h.invoke(ids[i], cb, action)
	}
	return action
}

func (h *ErrorHandler) invoke(id string, cb Callback, action domain.WorkflowErrorAction) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("error callback panicked", "callback_id", id, "panic", r)
		}
	}()
	cb(action)
}

// report sends to the monitor on its own goroutine. The caller's
// cancellation does not abort the report.
func (h *ErrorHandler) report(ctx context.Context, err error, label string, meta Metadata) {
	meta.WorkflowID = h.scope.WorkflowID
	meta.ProjectID = h.scope.ProjectID
	if !h.budget.Allow(meta.WorkflowID, string(meta.Agent)) {
		h.logger.Debug("monitoring report dropped by budget", "label", label, "agent", meta.Agent)
		return
	}

	rctx := context.WithoutCancel(ctx)
	h.reports.Add(1)
	go func() {
		defer h.reports.Done()
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("monitor panicked", "label", label, "panic", r)
			}
		}()
		tctx, cancel := context.WithTimeout(rctx, reportTimeout)
		defer cancel()
		if rerr := h.monitor.Report(tctx, err, label, meta); rerr != nil {
			h.logger.Warn("monitoring report failed", "label", label, "error", rerr)
		}
	}()
}

// Wait blocks until in-flight monitoring reports finish.
func (h *ErrorHandler) Wait() {
	h.reports.Wait()
}
