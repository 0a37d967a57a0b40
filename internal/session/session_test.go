package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/recovery"
	"github.com/bidopsai/bidops-go/internal/stream"
)

var testTarget = stream.Target{ProjectID: "proj-1", WorkflowID: "wf-1"}

type recorder struct {
	mu       sync.Mutex
	toasts   []Toast
	manual   []domain.WorkflowErrorAction
	requests []domain.RecoveryRequest
}

func (r *recorder) Notify(t Toast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, t)
}

func (r *recorder) RequireManual(a domain.WorkflowErrorAction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manual = append(r.manual, a)
}

func (r *recorder) RequestRecovery(_ context.Context, _ stream.Target, req domain.RecoveryRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *recorder) snapshot() ([]Toast, []domain.WorkflowErrorAction, []domain.RecoveryRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...),
		append([]domain.WorkflowErrorAction(nil), r.manual...),
		append([]domain.RecoveryRequest(nil), r.requests...)
}

// manualClock collects timers and fires them on demand.
type manualClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (c *manualClock) after(d time.Duration, fn func()) func() bool {
	t := &fakeTimer{delay: d, fn: fn}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return func() bool { return !t.stopped.Swap(true) }
}

func (c *manualClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

// fire runs every pending timer once.
func (c *manualClock) fire() {
	for _, t := range c.all() {
		if !t.stopped.Swap(true) {
			t.fn()
		}
	}
}

type fixture struct {
	s     *Session
	rec   *recorder
	clock *manualClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rec := &recorder{}
	clock := &manualClock{}
	base := []Option{
		WithNotifier(rec),
		WithManualTrigger(rec),
		WithRequester(rec),
		WithMonitor(recovery.MonitorFunc(func(context.Context, error, string, recovery.Metadata) error { return nil })),
		WithAfterFunc(clock.after),
	}
	s, err := New(Config{Target: testTarget}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &fixture{s: s, rec: rec, clock: clock}
}

func event(t *testing.T, typ domain.EventType, seq uint64, data any) domain.Event {
	t.Helper()
	ev := domain.Event{Type: typ, Seq: seq}
	if data != nil {
		raw, err := json.Marshal(data)
		require.NoError(t, err)
		ev.Data = raw
	}
	return ev
}

func (f *fixture) waitRequests(t *testing.T, n int) []domain.RecoveryRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _, reqs := f.rec.snapshot()
		return len(reqs) >= n
	}, time.Second, 5*time.Millisecond)
	_, _, reqs := f.rec.snapshot()
	return reqs
}

func TestNew_RequiresTarget(t *testing.T) {
	_, err := New(Config{Target: stream.Target{ProjectID: "proj-1"}})
	assert.Error(t, err)
}

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	p := recovery.DefaultPolicy()
	p.MaxRetries = -1
	_, err := New(Config{Target: testTarget, Policy: p})
	assert.Error(t, err)
}

func TestHandleEvent_LifecycleAndSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s.HandleEvent(ctx, event(t, "PARSER_STARTED", 1, nil))
	f.s.HandleEvent(ctx, event(t, "PARSER_COMPLETED", 2, nil))
	f.s.HandleEvent(ctx, event(t, "PARSER_STARTED", 1, nil))
	f.s.HandleEvent(ctx, event(t, "ANALYSIS_STARTED", 3, nil))
	f.s.HandleEvent(ctx, event(t, "SOMETHING_NEW", 4, nil))

	st := f.s.State()
	assert.Equal(t, domain.StatusCompleted, st.StepStatus(domain.AgentParser), "stale event ignored")
	assert.Equal(t, domain.StatusInProgress, st.StepStatus(domain.AgentAnalysis))
	assert.Equal(t, domain.AgentAnalysis, st.CurrentStep())
	assert.Equal(t, 14, st.ProgressPercentage())
}

func TestHandleEvent_ParserFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)

	f.s.HandleEvent(context.Background(), event(t, "PARSER_FAILED", 5, domain.AgentFailedData{
		Error: "ocr crashed", CanRetry: true, SuggestedAction: domain.SuggestRetry,
	}))

	toasts, manual, _ := f.rec.snapshot()
	require.Len(t, toasts, 1, "one toast per handled error")
	assert.Equal(t, VariantDefault, toasts[0].Variant)
	assert.Empty(t, manual)
	assert.Equal(t, domain.StatusPending, f.s.State().StepStatus(domain.AgentParser))

	timers := f.clock.all()
	require.Len(t, timers, 1)
	assert.Equal(t, 3*time.Second, timers[0].delay)

	f.clock.fire()
	reqs := f.waitRequests(t, 1)
	assert.Equal(t, domain.AgentParser, reqs[0].Agent)
	assert.Equal(t, domain.ActionRetry, reqs[0].Action)
	assert.NotEmpty(t, reqs[0].RequestID)
}

func TestHandleEvent_StaleRetryTimerDoesNotFire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s.HandleEvent(ctx, event(t, "CONTENT_FAILED", 5, domain.AgentFailedData{
		Error: "llm timeout", CanRetry: true, SuggestedAction: domain.SuggestRetry,
	}))
	// The server restarted the agent on its own before the timer fired.
	f.s.HandleEvent(ctx, event(t, "CONTENT_STARTED", 6, nil))
	f.clock.fire()
	f.s.inflight.Wait()

	_, _, reqs := f.rec.snapshot()
	assert.Empty(t, reqs)
}

func TestHandleEvent_CompletionCancelsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s.HandleEvent(ctx, event(t, "QA_FAILED", 5, domain.AgentFailedData{CanRetry: true, SuggestedAction: domain.SuggestRetry}))
	f.s.HandleEvent(ctx, event(t, "QA_COMPLETED", 6, nil))

	timers := f.clock.all()
	require.Len(t, timers, 1)
	assert.True(t, timers[0].stopped.Load())
	assert.Equal(t, 0, f.s.Errors().RetryCount(domain.AgentQA))
}

func TestHandleEvent_SubmissionFailureIsManual(t *testing.T) {
	f := newFixture(t)

	f.s.HandleEvent(context.Background(), event(t, "SUBMISSION_FAILED", 9, domain.AgentFailedData{
		Error: "portal rejected", CanRetry: true, SuggestedAction: domain.SuggestRetry,
	}))

	toasts, manual, reqs := f.rec.snapshot()
	require.Len(t, toasts, 1)
	assert.Equal(t, VariantDestructive, toasts[0].Variant)
	require.Len(t, manual, 1)
	assert.Equal(t, domain.ActionManual, manual[0].Type)
	assert.Empty(t, f.clock.all(), "submission never schedules a retry")
	assert.Empty(t, reqs)
}

func TestHandleEvent_GenericManualRaisesSingleCTA(t *testing.T) {
	f := newFixture(t)

	f.s.HandleEvent(context.Background(), event(t, "ANALYSIS_FAILED", 3, domain.AgentFailedData{
		Error: "missing rfp section", SuggestedAction: domain.SuggestManualIntervention,
	}))

	toasts, manual, _ := f.rec.snapshot()
	assert.Len(t, toasts, 1)
	assert.Len(t, manual, 1, "navigation and recovery escalations collapse into one call to action")
}

func TestHandleEvent_GenericSkipIsForwarded(t *testing.T) {
	f := newFixture(t)

	f.s.HandleEvent(context.Background(), event(t, "COMMS_FAILED", 3, domain.AgentFailedData{
		Error: "mailer down", SuggestedAction: domain.SuggestSkip,
	}))

	assert.Equal(t, domain.StatusCompleted, f.s.State().StepStatus(domain.AgentComms))
	reqs := f.waitRequests(t, 1)
	assert.Equal(t, domain.ActionSkip, reqs[0].Action)
	assert.Equal(t, domain.AgentComms, reqs[0].Agent)
}

func TestHandleEvent_InvalidFailurePayloadIgnored(t *testing.T) {
	f := newFixture(t)

	f.s.HandleEvent(context.Background(), domain.Event{Type: "PARSER_FAILED", Data: json.RawMessage(`{"affectedSteps":["NOPE"]}`)})

	toasts, _, _ := f.rec.snapshot()
	assert.Empty(t, toasts)
	assert.Equal(t, domain.StatusPending, f.s.State().StepStatus(domain.AgentParser))
}

func TestHandleEvent_ResetLoopEscalatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reset := domain.ProgressResetData{
		ResetToStep:   domain.AgentContent,
		Reason:        domain.ReasonQAFailed,
		AffectedSteps: []domain.AgentType{domain.AgentContent, domain.AgentCompliance, domain.AgentQA},
	}

	for i := 1; i <= 4; i++ {
		f.s.HandleEvent(ctx, event(t, domain.EventProgressReset, uint64(10+i), reset))
	}

	toasts, manual, _ := f.rec.snapshot()
	require.Len(t, toasts, 1)
	assert.Equal(t, "Workflow is looping", toasts[0].Title)
	require.Len(t, manual, 1)
	assert.Contains(t, manual[0].Message, "looping")
	assert.Equal(t, 0, f.s.Navigation().LoopCount(domain.AgentContent, domain.ReasonQAFailed))
}

func TestHandleEvent_ResetApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, a := range domain.Agents[:5] {
		f.s.State().UpdateStepStatus(a, domain.StatusCompleted)
	}

	f.s.HandleEvent(ctx, event(t, domain.EventAwaitingReview, 20, domain.ProgressResetData{
		ResetToStep: domain.AgentAnalysis, Reason: domain.ReasonUserFeedbackAnalysis,
	}))

	st := f.s.State()
	assert.Equal(t, domain.StatusInProgress, st.StepStatus(domain.AgentAnalysis))
	assert.Equal(t, domain.StatusCompleted, st.StepStatus(domain.AgentContent))
}

func TestHandleEvent_ResetCancelsDownstreamRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.s.HandleEvent(ctx, event(t, "QA_FAILED", 5, domain.AgentFailedData{CanRetry: true, SuggestedAction: domain.SuggestRetry}))
	f.s.HandleEvent(ctx, event(t, domain.EventProgressReset, 6, domain.ProgressResetData{
		ResetToStep: domain.AgentQA, Reason: domain.ReasonQAFailed,
	}))

	timers := f.clock.all()
	require.Len(t, timers, 1)
	assert.True(t, timers[0].stopped.Load(), "qa is rolled back by the reset")
	assert.Equal(t, domain.StatusInProgress, f.s.State().StepStatus(domain.AgentContent))

	f.clock.fire()
	f.s.inflight.Wait()
	_, _, reqs := f.rec.snapshot()
	assert.Empty(t, reqs)
}

func TestHandleEvent_AwaitingWithoutResetMarksWaiting(t *testing.T) {
	f := newFixture(t)

	f.s.HandleEvent(context.Background(), event(t, domain.EventAwaitingFeedback, 4, domain.AgentStatusData{Agent: domain.AgentAnalysis}))

	assert.Equal(t, domain.StatusWaiting, f.s.State().StepStatus(domain.AgentAnalysis))
}

func TestHandleEvent_WorkflowCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.s.HandleEvent(ctx, event(t, "QA_FAILED", 5, domain.AgentFailedData{CanRetry: true, SuggestedAction: domain.SuggestRetry}))

	f.s.HandleEvent(ctx, event(t, domain.EventWorkflowCompletedWithoutComms, 6, nil))

	toasts, _, _ := f.rec.snapshot()
	assert.Equal(t, VariantSuccess, toasts[len(toasts)-1].Variant)
	for _, tm := range f.clock.all() {
		assert.True(t, tm.stopped.Load())
	}
}

func TestUserActions(t *testing.T) {
	t.Run("skip after review exhausted", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		data := domain.AgentFailedData{Error: "rubric mismatch", CanRetry: false}

		f.s.HandleEvent(ctx, event(t, "COMPLIANCE_FAILED", 5, data))
		_, manual, _ := f.rec.snapshot()
		require.Len(t, manual, 1)
		assert.Equal(t, domain.ActionSkip, manual[0].Type)

		require.NoError(t, f.s.Skip(domain.AgentCompliance))
		assert.Equal(t, domain.StatusCompleted, f.s.State().StepStatus(domain.AgentCompliance))
		reqs := f.waitRequests(t, 1)
		assert.Equal(t, domain.ActionSkip, reqs[0].Action)

		// The call to action can be raised again after the user acted.
		f.s.HandleEvent(ctx, event(t, "COMPLIANCE_FAILED", 6, data))
		_, manual, _ = f.rec.snapshot()
		assert.Len(t, manual, 2)
	})

	t.Run("retry", func(t *testing.T) {
		f := newFixture(t)
		f.s.State().UpdateStepStatus(domain.AgentContent, domain.StatusFailed)

		require.NoError(t, f.s.Retry(domain.AgentContent))
		assert.Equal(t, domain.StatusPending, f.s.State().StepStatus(domain.AgentContent))
		reqs := f.waitRequests(t, 1)
		assert.Equal(t, domain.ActionRetry, reqs[0].Action)
	})

	t.Run("restart", func(t *testing.T) {
		f := newFixture(t)
		f.s.State().UpdateStepStatus(domain.AgentParser, domain.StatusCompleted)

		require.NoError(t, f.s.Restart())
		assert.Equal(t, 0, f.s.State().ProgressPercentage())
		reqs := f.waitRequests(t, 1)
		assert.Equal(t, domain.RecoveryRequest{
			RequestID: reqs[0].RequestID,
			Action:    domain.ActionRestart,
			Reason:    "restarted by user",
		}, reqs[0])
	})

	t.Run("unknown agent", func(t *testing.T) {
		f := newFixture(t)
		assert.Error(t, f.s.Retry("REVIEWER"))
	})
}

type countingLoader struct {
	calls atomic.Int32
	snap  domain.Snapshot
}

func (l *countingLoader) GetSnapshot(_ context.Context, _ stream.Target) (*domain.Snapshot, error) {
	l.calls.Add(1)
	snap := l.snap
	return &snap, nil
}

func TestResync(t *testing.T) {
	snap := domain.NewSnapshot("wf-1", "proj-1")
	snap.Steps[domain.AgentParser] = domain.StatusCompleted
	snap.Steps[domain.AgentAnalysis] = domain.StatusInProgress
	snap.CurrentStep = domain.AgentAnalysis
	snap.Seq = 30
	loader := &countingLoader{snap: snap}
	f := newFixture(t, WithSnapshotLoader(loader))

	require.NoError(t, f.s.Resync(context.Background()))
	require.NoError(t, f.s.Resync(context.Background()))

	assert.Equal(t, int32(1), loader.calls.Load(), "second resync served from cache")
	assert.Equal(t, domain.AgentAnalysis, f.s.State().CurrentStep())

	// Events at or below the snapshot sequence are stale.
	f.s.HandleEvent(context.Background(), event(t, "PARSER_STARTED", 30, nil))
	assert.Equal(t, domain.StatusCompleted, f.s.State().StepStatus(domain.AgentParser))
}

func TestResync_WithoutLoader(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.s.Resync(context.Background()))
}

func TestStreamTerminal_RestartsThenEscalates(t *testing.T) {
	var calls atomic.Int32
	conn := stream.ConnectorFunc(func(context.Context, stream.Target, string) (stream.EventSource, error) {
		calls.Add(1)
		return nil, errors.New("fetch failed")
	})
	f := newFixture(t, WithConnector(conn, stream.WithMaxAttempts(0)))

	require.NoError(t, f.s.Start())
	require.Eventually(t, func() bool {
		toasts, _, _ := f.rec.snapshot()
		return len(toasts) == 1
	}, time.Second, 5*time.Millisecond)
	require.Len(t, f.clock.all(), 1)
	assert.Equal(t, 2*time.Second, f.clock.all()[0].delay)
	toasts, manual, _ := f.rec.snapshot()
	require.Len(t, toasts, 1)
	assert.Equal(t, "Retrying", toasts[0].Title)
	assert.Empty(t, manual)
	assert.NoError(t, f.s.Err(), "a restart is still pending")

	f.clock.fire()
	require.Eventually(t, func() bool {
		_, manual, _ := f.rec.snapshot()
		return len(manual) == 1
	}, time.Second, 5*time.Millisecond)

	toasts, manual, _ = f.rec.snapshot()
	assert.Len(t, toasts, 2)
	assert.Equal(t, domain.ActionManual, manual[0].Type)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, f.clock.all(), 1, "no further restarts")

	select {
	case <-f.s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not report the terminal failure")
	}
	assert.ErrorIs(t, f.s.Err(), stream.ErrReconnectExhausted)
}

func TestStreamTerminal_PermanentErrorIsManual(t *testing.T) {
	conn := stream.ConnectorFunc(func(context.Context, stream.Target, string) (stream.EventSource, error) {
		return nil, &stream.StatusError{Code: 401, Status: "401 Unauthorized"}
	})
	f := newFixture(t, WithConnector(conn, stream.WithMaxAttempts(0)))

	require.NoError(t, f.s.Start())
	require.Eventually(t, func() bool {
		_, manual, _ := f.rec.snapshot()
		return len(manual) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.clock.all())

	<-f.s.Done()
	var se *stream.StatusError
	require.ErrorAs(t, f.s.Err(), &se)
	assert.Equal(t, 401, se.Code)
}

func TestStreamTerminal_AfterCloseIsIgnored(t *testing.T) {
	var reports atomic.Int32
	f := newFixture(t, WithMonitor(recovery.MonitorFunc(func(context.Context, error, string, recovery.Metadata) error {
		reports.Add(1)
		return nil
	})))

	f.s.Close()
	f.s.streamTerminated(fmt.Errorf("%w: fetch failed", stream.ErrReconnectExhausted))

	toasts, manual, _ := f.rec.snapshot()
	assert.Empty(t, toasts)
	assert.Empty(t, manual)
	assert.Zero(t, reports.Load(), "nothing is reported once the session is closed")
	assert.NoError(t, f.s.Err())
}

func TestStart_WithoutConnector(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.s.Start())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	f.s.HandleEvent(context.Background(), event(t, "PARSER_FAILED", 1, domain.AgentFailedData{CanRetry: true, SuggestedAction: domain.SuggestRetry}))

	f.s.Close()
	f.s.Close()

	for _, tm := range f.clock.all() {
		assert.True(t, tm.stopped.Load())
	}
	assert.ErrorIs(t, f.s.Retry(domain.AgentParser), ErrClosed)
	assert.ErrorIs(t, f.s.Restart(), ErrClosed)
}
