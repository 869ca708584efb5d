package agentengine

import "testing"

func TestStreamItem_TypeStatusError(t *testing.T) {
	item := StreamItem(`{"type":"status","status":"failed","error":"boom"}`)
	if item.Type() != "status" {
		t.Fatalf("Type() = %q, want status", item.Type())
	}
	if item.Status() != "failed" {
		t.Fatalf("Status() = %q, want failed", item.Status())
	}
	if item.Error() != "boom" {
		t.Fatalf("Error() = %q, want boom", item.Error())
	}
}

func TestStreamItem_IsTerminalStatus(t *testing.T) {
	cases := []struct {
		name       string
		item       StreamItem
		wantStatus string
		wantOK     bool
	}{
		{"completed", StreamItem(`{"type":"status","status":"completed"}`), "completed", true},
		{"failed", StreamItem(`{"type":"status","status":"failed"}`), "failed", true},
		{"stopped", StreamItem(`{"type":"status","status":"stopped"}`), "stopped", true},
		{"non-terminal status", StreamItem(`{"type":"status","status":"queued"}`), "", false},
		{"non-status item", StreamItem(`{"type":"chunk","text":"hi"}`), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, ok := tc.item.IsTerminalStatus()
			if ok != tc.wantOK || status != tc.wantStatus {
				t.Fatalf("IsTerminalStatus() = (%q, %v), want (%q, %v)", status, ok, tc.wantStatus, tc.wantOK)
			}
		})
	}
}

func TestSyntheticCompleted(t *testing.T) {
	item := SyntheticCompleted("generator exhausted")
	status, ok := item.IsTerminalStatus()
	if !ok || status != "completed" {
		t.Fatalf("expected a terminal completed item, got (%q, %v)", status, ok)
	}
}
