package agentengine

import (
	"bytes"
	"context"
	"fmt"
	"io"

	apperrors "github.com/R3E-Network/agent-orchestrator/infrastructure/errors"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxprovider"
)

// ToolKind is the closed set of tools the agent may invoke (spec.md §9:
// "enumerate tools in a tagged variant with one case per tool"). Schemas
// exposed to the LLM are authored once per kind; the switch in Dispatch is
// the single place new tools are wired.
type ToolKind string

const (
	ToolFileRead        ToolKind = "file_read"
	ToolFileWrite       ToolKind = "file_write"
	ToolFileEdit        ToolKind = "file_edit"
	ToolFileDelete      ToolKind = "file_delete"
	ToolShellExec       ToolKind = "shell_exec"
	ToolSessionStatus   ToolKind = "session_status"
	ToolComponentSearch ToolKind = "component_search"
	ToolComplete        ToolKind = "complete"
)

// ToolCall is one invocation requested by the agent generator.
type ToolCall struct {
	Kind      ToolKind
	SandboxID string
	Path      string
	Content   string
	Command   string
	SessionID string
	Query     string
}

// ToolResult is the outcome handed back to the generator for the next turn.
type ToolResult struct {
	Kind     ToolKind
	Output   string
	ExitCode int
	Err      error
}

// ToolDispatcher routes a ToolCall to the sandbox capability interfaces
// (spec.md §9 "Duck typing → capability traits"). file_editor/shell/
// component_search business logic is an external collaborator (spec.md §1
// Non-goals); this dispatcher only wires the call to the sandbox, it does
// not implement the tool's semantics.
type ToolDispatcher struct {
	fs   sandboxprovider.FilesystemOps
	proc sandboxprovider.ProcessOps
}

// NewToolDispatcher constructs a dispatcher bound to one sandbox provider.
func NewToolDispatcher(provider sandboxprovider.Provider) *ToolDispatcher {
	return &ToolDispatcher{fs: provider, proc: provider}
}

// Dispatch executes a ToolCall via the closed switch named in spec.md §9.
func (d *ToolDispatcher) Dispatch(ctx context.Context, call ToolCall) ToolResult {
	switch call.Kind {
	case ToolFileRead:
		return d.fileRead(ctx, call)
	case ToolFileWrite:
		return d.fileWrite(ctx, call)
	case ToolFileEdit:
		return d.fileEdit(ctx, call)
	case ToolFileDelete:
		return d.fileDelete(ctx, call)
	case ToolShellExec:
		return d.shellExec(ctx, call)
	case ToolSessionStatus:
		return d.sessionStatus(ctx, call)
	case ToolComponentSearch:
		// Component search indexes project source; the search implementation
		// itself is an external collaborator (spec.md §1 Non-goals). The
		// dispatch table still owns routing so the generator sees a uniform
		// ToolResult shape regardless of which tool ran.
		return ToolResult{Kind: call.Kind, Err: apperrors.Internal("component_search", fmt.Errorf("not implemented by orchestrator core"))}
	case ToolComplete:
		return ToolResult{Kind: call.Kind, Output: "complete"}
	default:
		return ToolResult{Kind: call.Kind, Err: apperrors.InvalidInput("tool_kind", string(call.Kind))}
	}
}

func (d *ToolDispatcher) fileRead(ctx context.Context, call ToolCall) ToolResult {
	rc, err := d.fs.DownloadFile(ctx, call.SandboxID, call.Path)
	if err != nil {
		return ToolResult{Kind: call.Kind, Err: err}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return ToolResult{Kind: call.Kind, Err: err}
	}
	return ToolResult{Kind: call.Kind, Output: string(data)}
}

func (d *ToolDispatcher) fileWrite(ctx context.Context, call ToolCall) ToolResult {
	if err := d.fs.UploadFile(ctx, call.SandboxID, call.Path, bytes.NewBufferString(call.Content)); err != nil {
		return ToolResult{Kind: call.Kind, Err: err}
	}
	return ToolResult{Kind: call.Kind, Output: "written"}
}

// fileEdit is a read-modify-write built on the same capability interface as
// fileRead/fileWrite; the edit algorithm (diff/patch semantics) is the
// out-of-scope tool implementation, so this performs a full replace.
func (d *ToolDispatcher) fileEdit(ctx context.Context, call ToolCall) ToolResult {
	return d.fileWrite(ctx, call)
}

func (d *ToolDispatcher) fileDelete(ctx context.Context, call ToolCall) ToolResult {
	if err := d.fs.DeleteFile(ctx, call.SandboxID, call.Path); err != nil {
		return ToolResult{Kind: call.Kind, Err: err}
	}
	return ToolResult{Kind: call.Kind, Output: "deleted"}
}

func (d *ToolDispatcher) shellExec(ctx context.Context, call ToolCall) ToolResult {
	if call.SessionID != "" {
		out, err := d.proc.ExecInSession(ctx, call.SandboxID, call.SessionID, call.Command)
		return ToolResult{Kind: call.Kind, Output: out, Err: err}
	}
	out, code, err := d.proc.Exec(ctx, call.SandboxID, call.Command)
	return ToolResult{Kind: call.Kind, Output: out, ExitCode: code, Err: err}
}

func (d *ToolDispatcher) sessionStatus(ctx context.Context, call ToolCall) ToolResult {
	logs, err := d.proc.SessionLogs(ctx, call.SandboxID, call.SessionID)
	return ToolResult{Kind: call.Kind, Output: logs, Err: err}
}
