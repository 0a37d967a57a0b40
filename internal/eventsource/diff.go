// Package eventsource serves the workflow event stream by polling pipeline
// snapshots from Temporal and translating step transitions into events.
package eventsource

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/bidopsai/bidops-go/internal/domain"
)

// GenericResetReason is sent when the workflow rolled back without
// recording why.
const GenericResetReason domain.ResetReason = "backward_navigation"

// differ turns successive snapshots into sequenced events. Not safe for
// concurrent use; each stream owns one.
type differ struct {
	workflowID string
	projectID  string
	prev       domain.Snapshot
	seq        uint64
	now        func() time.Time
}

// newDiffer starts from an all-pending view so the first snapshot replays
// the current state. lastSeq is the client's Last-Event-ID, if any.
func newDiffer(workflowID, projectID string, lastSeq uint64) *differ {
	return &differ{
		workflowID: workflowID,
		projectID:  projectID,
		prev:       domain.NewSnapshot(workflowID, projectID),
		seq:        lastSeq,
		now:        time.Now,
	}
}

// next compares snap against the previous snapshot. A step that moved back
// to pending, or from completed back to in progress, produces a single
// PROGRESS_RESET covering every such step; forward moves produce agent
// lifecycle events in pipeline order.
func (d *differ) next(snap domain.Snapshot) []domain.Event {
	if snap.Seq > d.seq {
		d.seq = snap.Seq
	}
	if snap.ProjectID != "" {
		d.projectID = snap.ProjectID
	}
	prev := d.prev.Steps
	cur := make(map[domain.AgentType]domain.StepStatus, len(domain.Agents))
	for _, a := range domain.Agents {
		s, ok := snap.Steps[a]
		if !ok || !s.Valid() {
			s = domain.StatusPending
		}
		cur[a] = s
	}

	var out []domain.Event
	if reset, ok := d.detectReset(prev, cur, snap.ResetReason); ok {
		out = append(out, d.event(domain.EventProgressReset, reset))
		// Continue diffing from the state the client holds after the reset.
		prev = make(map[domain.AgentType]domain.StepStatus, len(cur))
		for a, s := range d.prev.Steps {
			prev[a] = s
		}
		for _, a := range reset.AffectedSteps {
			prev[a] = domain.StatusPending
		}
		prev[reset.ResetToStep] = domain.StatusInProgress
	}

	for _, a := range domain.Agents {
		was, is := prev[a], cur[a]
		if was == is {
			continue
		}
		switch is {
		case domain.StatusInProgress:
			out = append(out, d.event(domain.AgentEventType(a, domain.PhaseStarted), domain.AgentStatusData{Agent: a}))
		case domain.StatusCompleted:
			out = append(out, d.event(domain.AgentEventType(a, domain.PhaseCompleted), domain.AgentStatusData{Agent: a}))
		case domain.StatusFailed:
			out = append(out, d.event(domain.AgentEventType(a, domain.PhaseFailed), domain.AgentFailedData{
				Agent:           a,
				Error:           "agent reported failure",
				CanRetry:        a != domain.AgentSubmission,
				SuggestedAction: suggestionFor(a),
			}))
		case domain.StatusWaiting:
			out = append(out, d.event(domain.EventAwaitingFeedback, domain.AgentStatusData{Agent: a}))
		}
	}

	if snap.Completed && !d.prev.Completed {
		out = append(out, d.event(domain.EventWorkflowCompleted, nil))
	}
	d.prev = domain.Snapshot{
		WorkflowID: d.workflowID,
		ProjectID:  d.projectID,
		Steps:      cur,
		Completed:  snap.Completed,
	}
	return out
}

func (d *differ) detectReset(prev, cur map[domain.AgentType]domain.StepStatus, reason domain.ResetReason) (domain.ProgressResetData, bool) {
	var affected []domain.AgentType
	var target domain.AgentType
	for _, a := range domain.Agents {
		was, is := prev[a], cur[a]
		back := (was != domain.StatusPending && is == domain.StatusPending) ||
			(was == domain.StatusCompleted && is == domain.StatusInProgress)
		if !back {
			continue
		}
		affected = append(affected, a)
		if target == "" && is == domain.StatusInProgress {
			target = a
		}
	}
	if len(affected) == 0 {
		return domain.ProgressResetData{}, false
	}
	if target == "" {
		target = affected[0]
	}
	if reason == "" {
		reason = GenericResetReason
	}
	return domain.ProgressResetData{ResetToStep: target, Reason: reason, AffectedSteps: affected}, true
}

func suggestionFor(a domain.AgentType) domain.SuggestedAction {
	switch a {
	case domain.AgentSubmission:
		return domain.SuggestManualIntervention
	case domain.AgentQA, domain.AgentCompliance:
		return domain.SuggestSkip
	}
	return domain.SuggestRetry
}

func (d *differ) event(t domain.EventType, data any) domain.Event {
	d.seq++
	ev := domain.Event{
		Type:       t,
		ID:         strconv.FormatUint(d.seq, 10),
		Seq:        d.seq,
		Timestamp:  d.now().UTC().Format(time.RFC3339Nano),
		WorkflowID: d.workflowID,
		ProjectID:  d.projectID,
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}
