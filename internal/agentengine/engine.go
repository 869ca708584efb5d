// Package agentengine formalizes the "Agent Engine" the executor drives
// (spec.md §4.E Phase 3) as an opaque collaborator interface, and the tool
// registry as a closed tagged variant with a dispatch table (spec.md §9
// "Dynamic tool registry → closed set with dispatch table"). The LLM wire
// protocol and the tool implementations themselves (file editor, shell,
// component search) are named Non-goals (spec.md §1); only the shapes the
// orchestrator core depends on are defined here.
package agentengine

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StreamItem is one JSON object emitted by the agent generator, destined for
// the durable response list and for subscribers (spec.md GLOSSARY).
type StreamItem json.RawMessage

// Type extracts the item's "type" field without a full unmarshal, since the
// executor inspects this on every item in its hot loop (spec.md §4.E Phase 3
// step 3).
func (s StreamItem) Type() string {
	return gjson.GetBytes(s, "type").String()
}

// Status extracts the item's "status" field, meaningful only when
// Type() == "status".
func (s StreamItem) Status() string {
	return gjson.GetBytes(s, "status").String()
}

// Error extracts the item's "error" field, if present.
func (s StreamItem) Error() string {
	return gjson.GetBytes(s, "error").String()
}

// IsTerminalStatus reports whether this item is a status item carrying one
// of the three terminal values (spec.md §4.E Phase 3 step 3).
func (s StreamItem) IsTerminalStatus() (status string, ok bool) {
	if s.Type() != "status" {
		return "", false
	}
	st := s.Status()
	switch st {
	case "completed", "failed", "stopped":
		return st, true
	default:
		return "", false
	}
}

// SyntheticCompleted builds the synthetic completion item appended when the
// generator exhausts with no terminal status (spec.md §4.E Phase 3: "If the
// loop exits naturally ... append one synthetic status item").
func SyntheticCompleted(message string) StreamItem {
	data, _ := json.Marshal(map[string]string{
		"type":    "status",
		"status":  "completed",
		"message": message,
	})
	return StreamItem(data)
}

// GenerateRequest is the input to one agent run invocation.
type GenerateRequest struct {
	RunID                string
	ThreadID             string
	ProjectID            string
	SandboxID            string
	Model                string
	EnableThinking       bool
	ReasoningEffort      string
	EnableContextManager bool
	AgentConfig          map[string]interface{}
	IsAgentBuilder       bool
	TargetAgentID        string
}

// Engine is the opaque Agent Engine collaborator the executor drives. A
// concrete implementation wraps an LLM provider and the closed tool dispatch
// table in this package; its wire protocol is a named Non-goal.
type Engine interface {
	// Generate returns a channel of stream items for one run. The channel is
	// closed when the generator is exhausted or ctx is cancelled. Any error
	// reaching the channel's end is surfaced as a final status=failed item,
	// never as a second return value the caller must separately drain.
	Generate(ctx context.Context, req GenerateRequest) (<-chan StreamItem, error)
}
