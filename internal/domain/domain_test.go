package domain

import "testing"

func TestRunStatus_Terminal(t *testing.T) {
	cases := map[RunStatus]bool{
		RunStatusQueued:    false,
		RunStatusRunning:   false,
		RunStatusStopping:  false,
		RunStatusStopped:   true,
		RunStatusCompleted: true,
		RunStatusFailed:    true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestRunStatus_Active(t *testing.T) {
	cases := map[RunStatus]bool{
		RunStatusQueued:    true,
		RunStatusRunning:   true,
		RunStatusStopping:  false,
		RunStatusStopped:   false,
		RunStatusCompleted: false,
		RunStatusFailed:    false,
	}
	for status, want := range cases {
		if got := status.Active(); got != want {
			t.Errorf("%s.Active() = %v, want %v", status, got, want)
		}
	}
}

func TestThread_IsAgentBuilder(t *testing.T) {
	withFlag := Thread{Metadata: map[string]interface{}{"is_agent_builder": true}}
	if !withFlag.IsAgentBuilder() {
		t.Error("expected true when metadata carries is_agent_builder=true")
	}

	withoutFlag := Thread{}
	if withoutFlag.IsAgentBuilder() {
		t.Error("expected false when metadata is absent")
	}

	wrongType := Thread{Metadata: map[string]interface{}{"is_agent_builder": "yes"}}
	if wrongType.IsAgentBuilder() {
		t.Error("expected false when the flag is not a bool")
	}
}
