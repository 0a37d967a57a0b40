package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentLifecycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ   EventType
		agent AgentType
		phase AgentPhase
		ok    bool
	}{
		{"PARSER_STARTED", AgentParser, PhaseStarted, true},
		{"QA_COMPLETED", AgentQA, PhaseCompleted, true},
		{"SUBMISSION_FAILED", AgentSubmission, PhaseFailed, true},
		{"COMMS_PAUSED", "", "", false},
		{"AGENT_TASK_UPDATED", "", "", false},
		{"WORKFLOW_COMPLETED", "", "", false},
		{"STARTED", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			t.Parallel()
			agent, phase, ok := tt.typ.AgentLifecycle()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.agent, agent)
			assert.Equal(t, tt.phase, phase)
		})
	}
}

func TestAgentEventTypeRoundTrip(t *testing.T) {
	t.Parallel()
	for _, a := range Agents {
		for _, p := range []AgentPhase{PhaseStarted, PhaseCompleted, PhaseFailed} {
			agent, phase, ok := AgentEventType(a, p).AgentLifecycle()
			require.True(t, ok, "%s_%s", a, p)
			assert.Equal(t, a, agent)
			assert.Equal(t, p, phase)
		}
	}
}

func TestEventCategory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  EventType
		want EventCategory
	}{
		{EventWorkflowCreated, CategoryWorkflow},
		{EventWorkflowCompletedWithoutComms, CategoryWorkflow},
		{"CONTENT_FAILED", CategoryAgent},
		{EventAgentTaskUpdated, CategoryAgent},
		{EventArtifactsReady, CategoryArtifacts},
		{EventArtifactsExported, CategoryArtifacts},
		{EventProgressReset, CategoryNavigation},
		{EventReviewPrompt, CategoryNavigation},
		{"CHAT_MESSAGE", CategoryNotification},
		{"", CategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.typ.Category())
		})
	}
}

func TestParseEvent(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"type":"QA_FAILED","id":"evt-9","seq":42,"timestamp":"2026-03-01T10:00:00Z",
		"data":{"agent":"QA","error":"citation missing","errorCode":"QA_CITATION","canRetry":true,"suggestedAction":"retry"}}`)

	e, err := ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventType("QA_FAILED"), e.Type)
	assert.Equal(t, uint64(42), e.Seq)

	var data AgentFailedData
	require.NoError(t, e.DecodeData(&data))
	assert.Equal(t, AgentQA, data.Agent)
	assert.True(t, data.CanRetry)
	assert.Equal(t, SuggestRetry, data.SuggestedAction)
}

func TestParseEvent_Errors(t *testing.T) {
	t.Parallel()
	_, err := ParseEvent([]byte(`not json`))
	require.Error(t, err)

	_, err = ParseEvent([]byte(`{"timestamp":"2026-03-01T10:00:00Z"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type is required")
}

func TestParseEvent_UnknownTypeIsAccepted(t *testing.T) {
	t.Parallel()
	e, err := ParseEvent([]byte(`{"type":"SOMETHING_NEW","timestamp":"x","data":{"a":1}}`))
	require.NoError(t, err)
	assert.Equal(t, CategoryNotification, e.Type.Category())
}

func TestParseEventNamed(t *testing.T) {
	t.Parallel()
	e, err := ParseEventNamed([]byte(`{"timestamp":"x"}`), EventProgressReset)
	require.NoError(t, err)
	assert.Equal(t, EventProgressReset, e.Type)

	e, err = ParseEventNamed([]byte(`{"type":"QA_STARTED"}`), EventProgressReset)
	require.NoError(t, err)
	assert.Equal(t, EventType("QA_STARTED"), e.Type, "the payload type wins")

	_, err = ParseEventNamed([]byte(`{}`), "")
	assert.ErrorContains(t, err, "type is required")
}

func TestDecodeData_Empty(t *testing.T) {
	t.Parallel()
	data := ProgressResetData{Reason: "unchanged"}
	require.NoError(t, Event{Type: EventProgressReset}.DecodeData(&data))
	require.NoError(t, Event{Type: EventProgressReset, Data: []byte("null")}.DecodeData(&data))
	assert.Equal(t, ResetReason("unchanged"), data.Reason)
}
