package domain

import "testing"

func TestAgentOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		agent AgentType
		want  int
	}{
		{AgentParser, 0},
		{AgentAnalysis, 1},
		{AgentContent, 2},
		{AgentCompliance, 3},
		{AgentQA, 4},
		{AgentComms, 5},
		{AgentSubmission, 6},
		{AgentType("REVIEWER"), -1},
		{AgentType(""), -1},
	}
	for _, tt := range tests {
		t.Run(string(tt.agent), func(t *testing.T) {
			t.Parallel()
			if got := tt.agent.Order(); got != tt.want {
				t.Errorf("AgentType(%q).Order() = %d, want %d", tt.agent, got, tt.want)
			}
			if got := tt.agent.Valid(); got != (tt.want >= 0) {
				t.Errorf("AgentType(%q).Valid() = %v", tt.agent, got)
			}
		})
	}
}

func TestAgentsHasSevenStages(t *testing.T) {
	t.Parallel()
	if len(Agents) != 7 {
		t.Fatalf("len(Agents) = %d, want 7", len(Agents))
	}
}

func TestDownstreamFrom(t *testing.T) {
	t.Parallel()
	got := DownstreamFrom(AgentQA)
	want := []AgentType{AgentQA, AgentComms, AgentSubmission}
	if len(got) != len(want) {
		t.Fatalf("DownstreamFrom(QA) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DownstreamFrom(QA)[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if got := DownstreamFrom(AgentParser); len(got) != 7 {
		t.Errorf("DownstreamFrom(PARSER) has %d agents, want 7", len(got))
	}
	if got := DownstreamFrom("bogus"); got != nil {
		t.Errorf("DownstreamFrom(bogus) = %v, want nil", got)
	}

	// The result must not alias Agents.
	got[0] = "mutated"
	if Agents[4] != AgentQA {
		t.Errorf("DownstreamFrom leaked the canonical slice")
	}
}

func TestStepStatusValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status StepStatus
		valid  bool
	}{
		{StatusPending, true},
		{StatusInProgress, true},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusWaiting, true},
		{StepStatus("done"), false},
		{StepStatus(""), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			if got := tt.status.Valid(); got != tt.valid {
				t.Errorf("StepStatus(%q).Valid() = %v, want %v", tt.status, got, tt.valid)
			}
		})
	}
}

func TestResetReasonKnown(t *testing.T) {
	t.Parallel()
	for _, r := range ResetReasons {
		if !r.Known() {
			t.Errorf("ResetReason(%q).Known() = false", r)
		}
	}
	if ResetReason("backward_navigation").Known() {
		t.Errorf("unexpected known reason")
	}
}

func TestSuggestedActionValid(t *testing.T) {
	t.Parallel()
	for _, a := range SuggestedActions {
		if !a.Valid() {
			t.Errorf("SuggestedAction(%q).Valid() = false", a)
		}
	}
	if SuggestedAction("abort").Valid() {
		t.Errorf("unexpected valid action")
	}
}

func TestErrorActionTypeStringValues(t *testing.T) {
	t.Parallel()
	// Wire values consumed by the UI layer.
	tests := []struct {
		action ErrorActionType
		want   string
	}{
		{ActionRetry, "retry"},
		{ActionSkip, "skip"},
		{ActionRestart, "restart"},
		{ActionManual, "manual"},
		{ActionCancel, "cancel"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if string(tt.action) != tt.want || !tt.action.Valid() {
				t.Errorf("ErrorActionType: got %q, want %q", tt.action, tt.want)
			}
		})
	}
}
