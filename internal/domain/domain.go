// Package domain holds the entity types shared by every component of the
// agent run orchestrator: projects, threads, messages, runs, billing, and
// sandboxes. Storage representation is left to internal/durable; this
// package only fixes the shapes and the run state machine.
package domain

import "time"

// AppType is the kind of project a sandbox is provisioned for.
type AppType string

const (
	AppTypeWeb    AppType = "web"
	AppTypeMobile AppType = "mobile"
)

// SandboxDescriptor is the embedded record a Project carries for its sandbox.
type SandboxDescriptor struct {
	SandboxID  string            `json:"sandbox_id" db:"sandbox_id"`
	PreviewURL string            `json:"preview_url,omitempty" db:"preview_url"`
	VNCURL     string            `json:"vnc_url,omitempty" db:"vnc_url"`
	Deployment map[string]string `json:"deployment,omitempty" db:"-"`
}

// Project owns exactly one sandbox and any number of threads.
type Project struct {
	ProjectID     string            `json:"project_id" db:"project_id"`
	OwnerAccountID string           `json:"owner_account_id" db:"owner_account_id"`
	DisplayName   string            `json:"display_name" db:"display_name"`
	Sandbox       SandboxDescriptor `json:"sandbox" db:"-"`
	AppType       AppType           `json:"app_type" db:"app_type"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// Thread belongs to exactly one project.
type Thread struct {
	ThreadID  string                 `json:"thread_id" db:"thread_id"`
	ProjectID string                 `json:"project_id" db:"project_id"`
	AccountID string                 `json:"account_id" db:"account_id"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
}

// IsAgentBuilder reports the is_agent_builder metadata flag.
func (t Thread) IsAgentBuilder() bool {
	v, ok := t.Metadata["is_agent_builder"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// MessageKind enumerates the message roles a thread carries.
type MessageKind string

const (
	MessageKindUser      MessageKind = "user"
	MessageKindAssistant MessageKind = "assistant"
	MessageKindTool      MessageKind = "tool"
	MessageKindStatus    MessageKind = "status"
)

// Message is one entry in a thread's total order.
type Message struct {
	MessageID      string                 `json:"message_id" db:"message_id"`
	ThreadID       string                 `json:"thread_id" db:"thread_id"`
	Kind           MessageKind            `json:"kind" db:"kind"`
	Content        map[string]interface{} `json:"content" db:"-"`
	IsLLMMessage   bool                   `json:"is_llm_message" db:"is_llm_message"`
	AgentID        *string                `json:"agent_id,omitempty" db:"agent_id"`
	AgentVersionID *string                `json:"agent_version_id,omitempty" db:"agent_version_id"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// RunStatus is the agent run's state machine position.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopping  RunStatus = "stopping"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is one of the run's terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusStopped, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts toward the "one active run per
// project" invariant (spec.md §3, §5).
func (s RunStatus) Active() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// RunMetadata captures the model/flags an agent run was started with.
type RunMetadata struct {
	Model                string `json:"model"`
	EnableThinking        bool   `json:"enable_thinking"`
	ReasoningEffort       string `json:"reasoning_effort,omitempty"`
	EnableContextManager  bool   `json:"enable_context_manager"`
	Stream                bool   `json:"stream"`
	AgentConfig           map[string]interface{} `json:"agent_config,omitempty"`
	IsAgentBuilder        bool   `json:"is_agent_builder,omitempty"`
	TargetAgentID         string `json:"target_agent_id,omitempty"`
}

// AgentRun is one queue→execute→stream→finalize computation.
type AgentRun struct {
	RunID       string      `json:"run_id" db:"run_id"`
	ThreadID    string      `json:"thread_id" db:"thread_id"`
	ProjectID   string      `json:"project_id" db:"project_id"`
	Status      RunStatus   `json:"status" db:"status"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	Error       *string     `json:"error,omitempty" db:"error"`
	Metadata    RunMetadata `json:"metadata" db:"-"`
}

// PlanID is the closed set of billing plans (spec.md §4.C).
type PlanID string

const (
	PlanFree    PlanID = "free"
	PlanPro     PlanID = "pro"
	PlanPremium PlanID = "premium"
	PlanBYOK    PlanID = "byok"
)

// TokenQuota is the plan catalog entry for a plan_id.
type TokenQuota struct {
	TokenQuota      int64
	DisplayCredits  int64
	DeployedProjects int
}

// PlanCatalog is the closed, contractual plan table from spec.md §4.C.
var PlanCatalog = map[PlanID]TokenQuota{
	PlanFree:    {TokenQuota: 100_000, DisplayCredits: 20, DeployedProjects: 1},
	PlanPro:     {TokenQuota: 750_000, DisplayCredits: 150, DeployedProjects: 10},
	PlanPremium: {TokenQuota: 1_250_000, DisplayCredits: 250, DeployedProjects: 25},
	PlanBYOK:    {TokenQuota: -1, DisplayCredits: -1}, // sentinel: unlimited
}

// TokensPerCredit is the floor-division conversion factor (spec.md GLOSSARY).
const TokensPerCredit = 5_000

// MinConversationTokens is the quota precheck floor (spec.md §4.D step 3).
const MinConversationTokens = 5_000

// BillingCustomer is the singleton billing record keyed by account_id.
type BillingCustomer struct {
	AccountID            string    `json:"account_id" db:"account_id"`
	PlanID               PlanID    `json:"plan_id" db:"plan_id"`
	TokenQuotaTotal      int64     `json:"token_quota_total" db:"token_quota_total"`
	TokenQuotaRemaining  int64     `json:"token_quota_remaining" db:"token_quota_remaining"`
	QuotaResetsAt        time.Time `json:"quota_resets_at" db:"quota_resets_at"`
	Email                string    `json:"email" db:"email"`
	Active               bool      `json:"active" db:"active"`
}

// TokenUsageRecord is an append-only usage log entry.
type TokenUsageRecord struct {
	AccountID           string    `json:"account_id" db:"account_id"`
	ThreadID            string    `json:"thread_id,omitempty" db:"thread_id"`
	MessageID           string    `json:"message_id,omitempty" db:"message_id"`
	Model               string    `json:"model" db:"model"`
	PromptTokens        int64     `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens    int64     `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens         int64     `json:"total_tokens" db:"total_tokens"`
	TokensRemainingAfter int64    `json:"tokens_remaining_after" db:"tokens_remaining_after"`
	EstimatedCost       float64   `json:"estimated_cost" db:"estimated_cost"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// SandboxState is the sandbox lifecycle position.
type SandboxState string

const (
	SandboxStateCreating SandboxState = "creating"
	SandboxStateRunning  SandboxState = "running"
	SandboxStateStopped  SandboxState = "stopped"
	SandboxStateArchived SandboxState = "archived"
	SandboxStateDeleted  SandboxState = "deleted"
)

// Sandbox is a remotely hosted, isolated execution environment.
type Sandbox struct {
	SandboxID        string       `json:"sandbox_id" db:"sandbox_id"`
	State            SandboxState `json:"state" db:"state"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	LastUsed         time.Time    `json:"last_used" db:"last_used"`
	AppType          AppType      `json:"app_type" db:"app_type"`
	AssignedAccountID *string     `json:"assigned_account_id,omitempty" db:"assigned_account_id"`
}
