// Package session owns the client-side view of one workflow execution: the
// step state, navigation and recovery handlers, the live event stream and
// the side effects their decisions call for.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bidopsai/bidops-go/internal/cache"
	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/navigation"
	"github.com/bidopsai/bidops-go/internal/observability"
	"github.com/bidopsai/bidops-go/internal/pipeline"
	"github.com/bidopsai/bidops-go/internal/recovery"
	"github.com/bidopsai/bidops-go/internal/stream"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

const (
	resyncTimeout  = 10 * time.Second
	requestTimeout = 10 * time.Second
	callbackID     = "session"
)

// RecoveryRequester forwards retry, skip and restart decisions to the
// workflow service.
type RecoveryRequester interface {
	RequestRecovery(ctx context.Context, t stream.Target, req domain.RecoveryRequest) error
}

// SnapshotLoader reads the authoritative pipeline snapshot.
type SnapshotLoader interface {
	GetSnapshot(ctx context.Context, t stream.Target) (*domain.Snapshot, error)
}

// Config identifies the workflow and tunes the core handlers.
type Config struct {
	Target            stream.Target
	Policy            recovery.Policy
	MaxLoopIterations int
	HistorySize       int
}

// Option configures a Session.
type Option func(*Session)

// WithConnector enables the live stream. Extra options are passed to the
// consumer after the session's own.
func WithConnector(c stream.Connector, opts ...stream.Option) Option {
	return func(s *Session) {
		s.connector = c
		s.consumerOpts = opts
	}
}

// WithNotifier sets the toast sink. The default logs.
func WithNotifier(n Notifier) Option {
	return func(s *Session) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithManualTrigger sets the call-to-action sink. The default logs.
func WithManualTrigger(m ManualTrigger) Option {
	return func(s *Session) {
		if m != nil {
			s.manual = m
		}
	}
}

// WithRequester sets where recovery requests go. Without one, decisions
// only change local state.
func WithRequester(r RecoveryRequester) Option {
	return func(s *Session) { s.requester = r }
}

// WithSnapshotLoader enables Resync.
func WithSnapshotLoader(l SnapshotLoader) Option {
	return func(s *Session) { s.loader = l }
}

// WithSnapshotCache shares a snapshot cache between sessions. The consumer
// invalidates it on every workflow and agent event.
func WithSnapshotCache(c *cache.Store[domain.Snapshot]) Option {
	return func(s *Session) { s.snapshots = c }
}

// WithMonitor sets the recovery monitoring sink.
func WithMonitor(m recovery.Monitor) Option {
	return func(s *Session) { s.monitor = m }
}

// WithStateListener observes connection state changes.
func WithStateListener(fn func(stream.State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithMetrics records stream, navigation and recovery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the session's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for retry and reconnect timers.
func WithAfterFunc(fn func(time.Duration, func()) (stop func() bool)) Option {
	return func(s *Session) { s.afterFunc = fn }
}

// Session is safe for concurrent use: stream events, timers and user
// actions arrive on different goroutines.
type Session struct {
	id     string
	target stream.Target
	policy recovery.Policy

	state    *pipeline.StateManager
	nav      *navigation.Handler
	errs     *recovery.ErrorHandler
	consumer *stream.Consumer

	connector    stream.Connector
	consumerOpts []stream.Option
	notifier     Notifier
	manual       ManualTrigger
	requester    RecoveryRequester
	loader       SnapshotLoader
	snapshots    *cache.Store[domain.Snapshot]
	monitor      recovery.Monitor
	onState      func(stream.State)
	metrics      *observability.Metrics
	logger       *slog.Logger
	afterFunc    func(time.Duration, func()) func() bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// done closes once the stream has failed for good; failure holds why.
	done     chan struct{}
	failOnce sync.Once
	failure  error

	mu           sync.Mutex
	timers       map[domain.AgentType]*retryTimer
	reconnect    func() bool
	cta          map[string]domain.AgentType
	connRestarts int
	wasConnected bool
	closed       bool
}

// New builds a session for cfg.Target. Zero-valued Config fields take the
// package defaults.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Target.Validate(); err != nil {
		return nil, err
	}
	if cfg.Policy == (recovery.Policy{}) {
		cfg.Policy = recovery.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		id:     uuid.NewString(),
		target: cfg.Target,
		policy: cfg.Policy,
		logger: slog.Default(),
		timers: make(map[domain.AgentType]*retryTimer),
		cta:    make(map[string]domain.AgentType),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.afterFunc == nil {
		s.afterFunc = afterFunc
	}
	s.logger = s.logger.With("session_id", s.id, "workflow_id", cfg.Target.WorkflowID, "project_id", cfg.Target.ProjectID)
	if s.notifier == nil {
		s.notifier = logNotifier{logger: s.logger}
	}
	if s.manual == nil {
		s.manual = logTrigger{logger: s.logger}
	}
	if s.snapshots == nil {
		store, err := cache.New[domain.Snapshot](0, 0, s.logger)
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		s.snapshots = store
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.state = pipeline.NewStateManager(s.logger)
	s.nav = navigation.NewHandler(s.state,
		navigation.WithMaxLoopIterations(cfg.MaxLoopIterations),
		navigation.WithHistorySize(cfg.HistorySize),
		navigation.WithManualIntervention(s.navManual),
		navigation.WithLogger(s.logger),
	)
	s.errs = recovery.NewErrorHandler(s.nav,
		recovery.WithPolicy(cfg.Policy),
		recovery.WithMonitor(s.monitor),
		recovery.WithScope(recovery.Scope{WorkflowID: cfg.Target.WorkflowID, ProjectID: cfg.Target.ProjectID}),
		recovery.WithMetrics(s.metrics),
		recovery.WithLogger(s.logger),
	)
	s.errs.OnError(callbackID, s.dispatch)

	if s.connector != nil {
		copts := append([]stream.Option{
			stream.WithInvalidator(s.snapshots),
			stream.WithStateListener(s.connectionChanged),
			stream.WithTerminal(s.streamTerminated),
			stream.WithMetrics(s.metrics),
			stream.WithLogger(s.logger),
		}, s.consumerOpts...)
		s.consumer = stream.NewConsumer(s.connector, s, copts...)
	}
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Target returns the workflow the session follows.
func (s *Session) Target() stream.Target { return s.target }

// State exposes the step state.
func (s *Session) State() *pipeline.StateManager { return s.state }

// Navigation exposes the navigation handler.
func (s *Session) Navigation() *navigation.Handler { return s.nav }

// Errors exposes the recovery handler.
func (s *Session) Errors() *recovery.ErrorHandler { return s.errs }

// Snapshot exports the local state.
func (s *Session) Snapshot() domain.Snapshot {
	return s.state.Snapshot(s.target.WorkflowID, s.target.ProjectID)
}

// ConnectionState returns the consumer state, or disconnected without one.
func (s *Session) ConnectionState() stream.State {
	if s.consumer == nil {
		return stream.State{Status: stream.StatusDisconnected}
	}
	return s.consumer.State()
}

// Start opens the live stream.
func (s *Session) Start() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if s.consumer == nil {
		return errors.New("session: no stream connector configured")
	}
	s.consumer.Start(s.ctx, s.target)
	return nil
}

// Wait blocks until the stream run ends and returns its error.
func (s *Session) Wait() error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Wait()
}

// Done is closed when the stream has failed and the session will not
// reconnect on its own. Err then reports the cause.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal stream error, or nil while Done is open.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.failure
	default:
		return nil
	}
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		s.failure = fmt.Errorf("session: stream failed: %w", err)
		close(s.done)
	})
}

// Close stops the stream and every pending timer, then waits for in-flight
// recovery requests and monitoring reports. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimersLocked()
	if s.reconnect != nil {
		s.reconnect()
		s.reconnect = nil
	}
	s.mu.Unlock()

	s.cancel()
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.errs.OffError(callbackID)
	s.inflight.Wait()
	s.errs.Wait()
	s.logger.Info("session closed")
}

type retryTimer struct {
	stop func() bool
}

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// stopTimersLocked must be called with mu held.
func (s *Session) stopTimersLocked() {
	for agent, t := range s.timers {
		t.stop()
		delete(s.timers, agent)
	}
}

// HandleEvent applies one stream event. It implements stream.Handler.
func (s *Session) HandleEvent(ctx context.Context, ev domain.Event) {
	if agent, phase, ok := ev.Type.AgentLifecycle(); ok {
		s.handleAgentEvent(ctx, ev, agent, phase)
		return
	}
	switch ev.Type.Category() {
	case domain.CategoryNavigation:
		s.handleNavigationEvent(ctx, ev)
	case domain.CategoryWorkflow:
		if ev.Type.IsWorkflowCompletion() {
			s.workflowCompleted(ev)
		}
	default:
		s.logger.Debug("event passed through", "type", ev.Type)
	}
}

func (s *Session) handleAgentEvent(ctx context.Context, ev domain.Event, agent domain.AgentType, phase domain.AgentPhase) {
	switch phase {
	case domain.PhaseStarted:
		s.state.ApplyStepStatus(agent, domain.StatusInProgress, ev.Seq)

	case domain.PhaseCompleted:
		if s.state.ApplyStepStatus(agent, domain.StatusCompleted, ev.Seq) {
			s.errs.AgentSucceeded(agent)
			s.cancelRetry(agent)
			s.clearCTA(agent)
		}

	case domain.PhaseFailed:
		var data domain.AgentFailedData
		if err := ev.DecodeData(&data); err != nil {
			s.logger.Warn("malformed failure payload", "type", ev.Type, "error", err)
		}
		if data.Agent == "" {
			data.Agent = agent
		}
		if data.Error == "" {
			data.Error = fmt.Sprintf("%s agent failed", agent)
		}
		if err := domain.ValidateAgentFailedData(data); err != nil {
			s.logger.Warn("invalid failure payload", "type", ev.Type, "error", err)
			return
		}
		if !s.state.ApplyStepStatus(agent, domain.StatusFailed, ev.Seq) {
			return
		}
		s.errs.HandleFailure(ctx, data)
	}
}

func (s *Session) handleNavigationEvent(ctx context.Context, ev domain.Event) {
	var data domain.ProgressResetData
	if err := ev.DecodeData(&data); err != nil {
		s.logger.Warn("malformed navigation payload", "type", ev.Type, "error", err)
		return
	}
	if data.ResetToStep == "" {
		// Prompts without reset data only pause the named agent.
		var st domain.AgentStatusData
		_ = ev.DecodeData(&st)
		if st.Agent.Valid() {
			s.state.ApplyStepStatus(st.Agent, domain.StatusWaiting, ev.Seq)
		}
		return
	}
	if err := domain.ValidateProgressResetData(data); err != nil {
		s.logger.Warn("invalid reset payload", "type", ev.Type, "error", err)
		return
	}

	out := s.nav.HandleProgressResetAt(data, ev.Seq)
	switch {
	case out.LoopDetected:
		s.metrics.RecordLoop(ctx, string(data.ResetToStep), string(data.Reason))
		s.notifier.Notify(Toast{
			Variant:     VariantDestructive,
			Title:       "Workflow is looping",
			Description: fmt.Sprintf("The workflow returned to %s too many times. Please review before continuing.", data.ResetToStep),
		})
	case out.Applied:
		s.metrics.RecordReset(ctx, string(out.Plan.ResetToStep), string(out.Plan.Reason))
		for _, a := range out.Plan.AffectedSteps {
			s.cancelRetry(a)
		}
		s.cancelRetry(out.Plan.ResetToStep)
	}
}

func (s *Session) workflowCompleted(ev domain.Event) {
	s.mu.Lock()
	s.stopTimersLocked()
	clear(s.cta)
	s.mu.Unlock()
	s.notifier.Notify(Toast{Variant: VariantSuccess, Title: "Workflow completed", Description: string(ev.Type)})
	s.logger.Info("workflow completed", "type", ev.Type, "progress", s.state.ProgressPercentage())
}

// dispatch runs the side effects of every action the recovery handler
// produces: one toast, at most one call to action, and retry scheduling.
func (s *Session) dispatch(a domain.WorkflowErrorAction) {
	if a.Agent == "" {
		// Connection-level actions are presented by streamTerminated.
		return
	}
	s.notifier.Notify(toastFor(a))

	switch a.Type {
	case domain.ActionRetry:
		s.scheduleRetry(a.Agent, a.Delay)
	case domain.ActionSkip, domain.ActionRestart:
		if a.RequiresUserInput {
			s.raiseCTA(a)
			return
		}
		// Navigation already applied the change locally.
		s.send(domain.RecoveryRequest{Agent: a.Agent, Action: a.Type, Reason: a.Message})
	default:
		s.raiseCTA(a)
	}
}

// navManual receives navigation's manual-intervention escalations, both
// loop suppressions and manual recovery suggestions.
func (s *Session) navManual(reason string) {
	s.raiseCTA(domain.WorkflowErrorAction{
		Type:              domain.ActionManual,
		Message:           reason,
		RequiresUserInput: true,
	})
}

// raiseCTA shows each distinct call to action once until the user acts or
// the agent recovers.
func (s *Session) raiseCTA(a domain.WorkflowErrorAction) {
	s.mu.Lock()
	if _, shown := s.cta[a.Message]; shown || s.closed {
		s.mu.Unlock()
		return
	}
	s.cta[a.Message] = a.Agent
	s.mu.Unlock()
	s.manual.RequireManual(a)
}

func (s *Session) clearCTA(agent domain.AgentType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for msg, a := range s.cta {
		if a == agent || a == "" {
			delete(s.cta, msg)
		}
	}
}

// scheduleRetry fires a retry request after delay unless the step has been
// written in the meantime.
func (s *Session) scheduleRetry(agent domain.AgentType, delay time.Duration) {
	version := s.state.StepVersion(agent)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.timers[agent]; ok {
		prev.stop()
	}
	t := &retryTimer{}
	t.stop = s.afterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[agent] == t {
			delete(s.timers, agent)
		}
		s.mu.Unlock()
		if s.state.StepVersion(agent) != version {
			s.logger.Debug("stale retry timer dropped", "agent", agent)
			return
		}
		s.send(domain.RecoveryRequest{Agent: agent, Action: domain.ActionRetry, Reason: "automatic retry"})
	})
	s.timers[agent] = t
}

func (s *Session) cancelRetry(agent domain.AgentType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[agent]; ok {
		t.stop()
		delete(s.timers, agent)
	}
}

// send forwards a recovery request without blocking the caller. Failures
// are logged; the stream reports the eventual outcome either way.
func (s *Session) send(req domain.RecoveryRequest) {
	if s.requester == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	req.RequestID = uuid.NewString()
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()
		if err := s.requester.RequestRecovery(ctx, s.target, req); err != nil {
			s.logger.Warn("recovery request failed",
				"agent", req.Agent, "action", req.Action, "request_id", req.RequestID, "error", err)
			return
		}
		s.logger.Info("recovery request sent", "agent", req.Agent, "action", req.Action, "request_id", req.RequestID)
	}()
}

// Retry is the user asking to rerun agent now.
func (s *Session) Retry(agent domain.AgentType) error {
	if err := s.userAction(agent); err != nil {
		return err
	}
	s.cancelRetry(agent)
	s.nav.HandleErrorRecovery(domain.AgentFailedData{Agent: agent, SuggestedAction: domain.SuggestRetry, Error: "retried by user"})
	s.send(domain.RecoveryRequest{Agent: agent, Action: domain.ActionRetry, Reason: "retried by user"})
	return nil
}

// Skip is the user accepting the skip offered for agent.
func (s *Session) Skip(agent domain.AgentType) error {
	if err := s.userAction(agent); err != nil {
		return err
	}
	s.cancelRetry(agent)
	s.nav.HandleErrorRecovery(domain.AgentFailedData{Agent: agent, SuggestedAction: domain.SuggestSkip, Error: "skipped by user"})
	s.errs.AgentSucceeded(agent)
	s.send(domain.RecoveryRequest{Agent: agent, Action: domain.ActionSkip, Reason: "skipped by user"})
	return nil
}

// Restart is the user restarting the whole workflow.
func (s *Session) Restart() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopTimersLocked()
	clear(s.cta)
	s.mu.Unlock()

	s.nav.RestartWorkflow("restarted by user")
	for _, a := range domain.Agents {
		s.errs.AgentSucceeded(a)
	}
	s.send(domain.RecoveryRequest{Action: domain.ActionRestart, Reason: "restarted by user"})
	return nil
}

func (s *Session) userAction(agent domain.AgentType) error {
	if !agent.Valid() {
		return fmt.Errorf("session: unknown agent %q", agent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for msg, a := range s.cta {
		if a == agent || a == "" {
			delete(s.cta, msg)
		}
	}
	return nil
}

// Resync replaces local state with the server snapshot. Concurrent calls
// share one request; the cached copy lives until the next workflow event.
func (s *Session) Resync(ctx context.Context) error {
	if s.loader == nil {
		return errors.New("session: no snapshot loader configured")
	}
	key := domain.EntityKey{Type: domain.EntityWorkflowExecution, ID: s.target.WorkflowID}
	snap, err := s.snapshots.GetOrLoad(ctx, key, func(ctx context.Context) (domain.Snapshot, error) {
		snap, err := s.loader.GetSnapshot(ctx, s.target)
		if err != nil {
			return domain.Snapshot{}, err
		}
		return *snap, nil
	})
	if err != nil {
		return fmt.Errorf("session: resync: %w", err)
	}
	s.state.Restore(snap)
	s.logger.Info("state resynced", "seq", snap.Seq, "progress", s.state.ProgressPercentage())
	return nil
}

// connectionChanged resyncs after every reconnect and resets the restart
// budget once a connection holds.
func (s *Session) connectionChanged(st stream.State) {
	if st.Status == stream.StatusConnected {
		s.mu.Lock()
		resync := s.wasConnected
		s.wasConnected = true
		s.connRestarts = 0
		s.mu.Unlock()
		if resync && s.loader != nil {
			ctx, cancel := context.WithTimeout(s.ctx, resyncTimeout)
			if err := s.Resync(ctx); err != nil {
				s.logger.Warn("resync after reconnect failed", "error", err)
			}
			cancel()
		}
	}
	if s.onState != nil {
		s.onState(st)
	}
}

// streamTerminated runs once the consumer gives up. Transient failures
// restart the consumer up to Policy.ConnectionRestarts times; after that, or
// for anything else, the user is asked to step in.
func (s *Session) streamTerminated(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Close waits on inflight before the recovery handler drains its
	// monitoring reports.
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	action := s.errs.HandleConnectionError(s.ctx, err)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	restart := action.Type == domain.ActionRetry && s.connRestarts < s.policy.ConnectionRestarts
	if restart {
		s.connRestarts++
		attempt := s.connRestarts
		s.reconnect = s.afterFunc(action.Delay, func() {
			s.mu.Lock()
			closed := s.closed
			s.reconnect = nil
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Info("restarting stream", "restart", attempt)
			s.consumer.Start(s.ctx, s.target)
		})
	}
	s.mu.Unlock()

	if restart {
		s.notifier.Notify(toastFor(action))
		return
	}
	if action.Type == domain.ActionRetry {
		action = domain.WorkflowErrorAction{
			Type:              domain.ActionManual,
			Message:           "Unable to reach the workflow service. Please check your connection and try again.",
			RequiresUserInput: true,
		}
	}
	s.notifier.Notify(toastFor(action))
	s.raiseCTA(action)
	s.fail(err)
}
