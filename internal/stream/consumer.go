// Package stream consumes the server-sent workflow event stream: it owns the
// live connection, reconnects with capped exponential backoff, forwards
// parsed events and invalidates cached entities they affect.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/observability"
)

// ErrReconnectExhausted is returned once the consumer has given up
// reconnecting.
var ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")

var errStreamClosed = errors.New("stream: connection closed by server")

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Status is the connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusErrored      Status = "error"
	StatusReconnecting Status = "reconnecting"
)

// State is a snapshot of the consumer.
type State struct {
	Status      Status
	Attempts    int
	LastError   error
	LastEventID string
	// NextRetry is the delay of the pending reconnect while reconnecting.
	NextRetry time.Duration
}

// Handler receives every parsed event. It runs on the consumer goroutine
// and must not call Stop.
type Handler interface {
	HandleEvent(ctx context.Context, ev domain.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev domain.Event)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev domain.Event) { f(ctx, ev) }

// Invalidator drops cached server entities.
type Invalidator interface {
	Invalidate(key domain.EntityKey)
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithInvalidator sets the cache invalidation target.
func WithInvalidator(inv Invalidator) Option {
	return func(c *Consumer) { c.invalidator = inv }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Consumer) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff overrides the initial and maximum reconnect delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Consumer) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithTimer replaces time.After for reconnect delays.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Consumer) { c.after = after }
}

// WithStateListener is called on every state change, on the consumer
// goroutine.
func WithStateListener(fn func(State)) Option {
	return func(c *Consumer) { c.onState = fn }
}

// WithTerminal is called when a started consumer gives up. It runs after the
// run has fully stopped, so it may call Start again.
func WithTerminal(fn func(error)) Option {
	return func(c *Consumer) { c.onTerminal = fn }
}

// WithMetrics records events and reconnects.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithLogger sets the consumer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// Consumer runs at most one live connection at a time.
type Consumer struct {
	conn    Connector
	handler Handler

	invalidator    Invalidator
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	after          func(time.Duration) <-chan time.Time
	onState        func(State)
	onTerminal     func(error)
	metrics        *observability.Metrics
	logger         *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// startMu serializes Start and Stop.
	startMu sync.Mutex
}

// NewConsumer creates a consumer that opens connections with conn and
// forwards events to h.
func NewConsumer(conn Connector, h Handler, opts ...Option) *Consumer {
	c := &Consumer{
		conn:           conn,
		handler:        h,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		after:          time.After,
		logger:         slog.Default(),
		state:          State{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a snapshot of the connection state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start tears down any live run and starts a new one in the background.
func (c *Consumer) Start(ctx context.Context, target Target) {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.stopLocked()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.err = nil
	c.mu.Unlock()

	go func() {
		err := c.Run(ctx, target)
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(done)
		if err != nil && c.onTerminal != nil {
			c.onTerminal(err)
		}
	}()
}

// Wait blocks until the current run ends and returns its error.
func (c *Consumer) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop cancels the run, closes the connection and any pending reconnect
// timer, and resets the state to disconnected.
func (c *Consumer) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.stopLocked()
}

// Disconnect is Stop.
func (c *Consumer) Disconnect() {
	c.Stop()
}

func (c *Consumer) stopLocked() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(State{Status: StatusDisconnected})
}

func (c *Consumer) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxInterval = c.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run connects and consumes until ctx is cancelled (returns nil) or
// reconnecting is exhausted (returns an error wrapping
// ErrReconnectExhausted). A clean server close counts as a failure.
func (c *Consumer) Run(ctx context.Context, target Target) error {
	bo := c.newBackoff()
	attempts := 0
	lastEventID := ""

	for {
		c.update(func(s *State) {
			s.Status = StatusConnecting
			s.NextRetry = 0
		})
		src, err := c.conn.Connect(ctx, target, lastEventID)
		if err == nil {
			attempts = 0
			bo.Reset()
			c.update(func(s *State) {
				s.Status = StatusConnected
				s.Attempts = 0
				s.LastError = nil
			})
			c.logger.Info("stream connected", "workflow_id", target.WorkflowID, "project_id", target.ProjectID)
			err = c.consume(ctx, src, target, &lastEventID)
			src.Close()
		}
		if ctx.Err() != nil {
			c.update(func(s *State) { s.Status = StatusDisconnected })
			return nil
		}
		if errors.Is(err, io.EOF) {
			err = errStreamClosed
		}

		c.update(func(s *State) {
			s.Status = StatusErrored
			s.LastError = err
		})
		if attempts >= c.maxAttempts {
			c.logger.Error("stream reconnect exhausted", "attempts", attempts, "error", err)
			c.update(func(s *State) { s.Status = StatusDisconnected })
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, err)
		}

		delay := bo.NextBackOff()
		attempts++
		c.update(func(s *State) {
			s.Status = StatusReconnecting
			s.Attempts = attempts
			s.NextRetry = delay
		})
		c.metrics.RecordReconnect(ctx, attempts)
		c.logger.Warn("stream error, reconnecting", "attempt", attempts, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			c.update(func(s *State) { s.Status = StatusDisconnected })
			return nil
		case <-c.after(delay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, src EventSource, target Target, lastEventID *string) error {
	stop := context.AfterFunc(ctx, func() { src.Close() })
	defer stop()

	for {
		ev, err := src.Next()
		if err != nil {
			return err
		}
		if ev.ID != "" {
			*lastEventID = ev.ID
			c.update(func(s *State) { s.LastEventID = ev.ID })
		}
		category := ev.Type.Category()
		c.metrics.RecordStreamEvent(ctx, string(ev.Type), string(category))

		c.handler.HandleEvent(ctx, ev)
		c.invalidate(ev, category, target)
	}
}

func (c *Consumer) invalidate(ev domain.Event, category domain.EventCategory, target Target) {
	workflowID, projectID := target.WorkflowID, target.ProjectID
	if ev.WorkflowID != "" {
		workflowID = ev.WorkflowID
	}
	if ev.ProjectID != "" {
		projectID = ev.ProjectID
	}

	var keys []domain.EntityKey
	switch category {
	case domain.CategoryWorkflow, domain.CategoryAgent:
		keys = []domain.EntityKey{
			{Type: domain.EntityWorkflowExecution, ID: workflowID},
			{Type: domain.EntityProject, ID: projectID},
		}
	case domain.CategoryArtifacts:
		keys = []domain.EntityKey{{Type: domain.EntityArtifacts, ID: projectID}}
	case domain.CategoryNotification, domain.CategoryUnknown:
		c.logger.Debug("unhandled stream event type", "type", ev.Type)
	}
	if c.invalidator == nil {
		return
	}
	for _, k := range keys {
		c.invalidator.Invalidate(k)
	}
}

func (c *Consumer) update(fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	s := c.state
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Consumer) setState(s State) {
	c.update(func(cur *State) { *cur = s })
}
