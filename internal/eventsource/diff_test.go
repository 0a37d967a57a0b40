package eventsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidopsai/bidops-go/internal/domain"
)

func snapWith(steps map[domain.AgentType]domain.StepStatus) domain.Snapshot {
	s := domain.NewSnapshot("wf-1", "proj-1")
	for a, st := range steps {
		s.Steps[a] = st
	}
	return s
}

func types(evs []domain.Event) []domain.EventType {
	out := make([]domain.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestDiffer_ReplaysInitialState(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)

	evs := d.next(snapWith(map[domain.AgentType]domain.StepStatus{
		domain.AgentParser:   domain.StatusCompleted,
		domain.AgentAnalysis: domain.StatusInProgress,
	}))

	assert.Equal(t, []domain.EventType{"PARSER_COMPLETED", "ANALYSIS_STARTED"}, types(evs))
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, "2", evs[1].ID)
	assert.Equal(t, "proj-1", evs[1].ProjectID)
}

func TestDiffer_NoChangeNoEvents(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)
	s := snapWith(map[domain.AgentType]domain.StepStatus{domain.AgentParser: domain.StatusInProgress})
	d.next(s)

	assert.Empty(t, d.next(s))
}

func TestDiffer_SeqStartsAboveWatermarks(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 40)
	s := snapWith(map[domain.AgentType]domain.StepStatus{domain.AgentParser: domain.StatusInProgress})
	s.Seq = 55

	evs := d.next(s)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(56), evs[0].Seq)

	d2 := newDiffer("wf-1", "proj-1", 90)
	evs = d2.next(s)
	assert.Equal(t, uint64(91), evs[0].Seq, "Last-Event-ID wins when higher")
}

func TestDiffer_BackwardMoveEmitsReset(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)
	d.next(snapWith(map[domain.AgentType]domain.StepStatus{
		domain.AgentParser:     domain.StatusCompleted,
		domain.AgentAnalysis:   domain.StatusCompleted,
		domain.AgentContent:    domain.StatusCompleted,
		domain.AgentCompliance: domain.StatusCompleted,
		domain.AgentQA:         domain.StatusFailed,
	}))

	back := snapWith(map[domain.AgentType]domain.StepStatus{
		domain.AgentParser:   domain.StatusCompleted,
		domain.AgentAnalysis: domain.StatusCompleted,
		domain.AgentContent:  domain.StatusInProgress,
	})
	back.ResetReason = domain.ReasonQAFailed
	evs := d.next(back)

	require.Equal(t, []domain.EventType{domain.EventProgressReset}, types(evs))
	var data domain.ProgressResetData
	require.NoError(t, evs[0].DecodeData(&data))
	assert.Equal(t, domain.ProgressResetData{
		ResetToStep:   domain.AgentContent,
		Reason:        domain.ReasonQAFailed,
		AffectedSteps: []domain.AgentType{domain.AgentContent, domain.AgentCompliance, domain.AgentQA},
	}, data)
}

func TestDiffer_ResetWithoutReasonIsGeneric(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)
	d.next(snapWith(map[domain.AgentType]domain.StepStatus{domain.AgentParser: domain.StatusCompleted}))

	evs := d.next(snapWith(nil))

	require.Len(t, evs, 1)
	var data domain.ProgressResetData
	require.NoError(t, evs[0].DecodeData(&data))
	assert.Equal(t, GenericResetReason, data.Reason)
	assert.Equal(t, domain.AgentParser, data.ResetToStep)
}

func TestDiffer_ResetThenForwardInSamePoll(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)
	d.next(snapWith(map[domain.AgentType]domain.StepStatus{
		domain.AgentParser:   domain.StatusCompleted,
		domain.AgentAnalysis: domain.StatusCompleted,
		domain.AgentContent:  domain.StatusInProgress,
	}))

	// Analysis restarted between polls and content went back to pending.
	evs := d.next(snapWith(map[domain.AgentType]domain.StepStatus{
		domain.AgentParser:   domain.StatusCompleted,
		domain.AgentAnalysis: domain.StatusInProgress,
	}))

	assert.Equal(t, []domain.EventType{domain.EventProgressReset}, types(evs))
}

func TestDiffer_FailureAndWaiting(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)

	evs := d.next(snapWith(map[domain.AgentType]domain.StepStatus{
		domain.AgentParser:     domain.StatusCompleted,
		domain.AgentAnalysis:   domain.StatusWaiting,
		domain.AgentSubmission: domain.StatusFailed,
	}))

	require.Equal(t, []domain.EventType{"PARSER_COMPLETED", domain.EventAwaitingFeedback, "SUBMISSION_FAILED"}, types(evs))
	var failed domain.AgentFailedData
	require.NoError(t, evs[2].DecodeData(&failed))
	assert.False(t, failed.CanRetry)
	assert.Equal(t, domain.SuggestManualIntervention, failed.SuggestedAction)
}

func TestDiffer_Completion(t *testing.T) {
	d := newDiffer("wf-1", "proj-1", 0)
	all := map[domain.AgentType]domain.StepStatus{}
	for _, a := range domain.Agents {
		all[a] = domain.StatusCompleted
	}
	s := snapWith(all)
	s.Completed = true

	evs := d.next(s)
	require.Len(t, evs, len(domain.Agents)+1)
	assert.Equal(t, domain.EventWorkflowCompleted, evs[len(evs)-1].Type)
	assert.Empty(t, d.next(s), "completion is reported once")
}
