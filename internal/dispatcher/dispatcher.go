// Package dispatcher implements the run dispatcher (spec.md §4.D): the
// synchronous edge that converts a client's start/stop request into a
// durable run record and an enqueued work item. Grounded on
// backend/run_agent_background.py's pre-flight checks, restated as a
// sequential Go method instead of a Celery task preamble.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/R3E-Network/agent-orchestrator/infrastructure/errors"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/internal/durable"
	"github.com/R3E-Network/agent-orchestrator/internal/quota"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxpool"
	"github.com/R3E-Network/agent-orchestrator/pkg/blob"
)

// StartRunParams carries the caller-supplied run parameters (spec.md §6).
type StartRunParams struct {
	Model                string
	EnableThinking       bool
	ReasoningEffort      string
	Stream               bool
	EnableContextManager bool
	AgentConfig          map[string]interface{}
	IsAgentBuilder       bool
	TargetAgentID        string
	RequestID            string
}

// StartRunResult is the synchronous response to start_run.
type StartRunResult struct {
	RunID  string
	Status domain.RunStatus
}

// Dispatcher is the run dispatcher component.
type Dispatcher struct {
	coord       *coordination.Store
	store       *durable.Store
	ledger      *quota.Ledger
	pool        *sandboxpool.Pool
	attachments *blob.Storage
	logger      *logging.Logger
	instanceID  string

	overlapPollInterval time.Duration
	overlapWaitTimeout  time.Duration
}

// New constructs a Dispatcher. attachments may be nil, in which case files
// uploaded to InitiateAgent are accepted but not persisted.
func New(coord *coordination.Store, store *durable.Store, ledger *quota.Ledger, pool *sandboxpool.Pool, attachments *blob.Storage, logger *logging.Logger, instanceID string) *Dispatcher {
	return &Dispatcher{
		coord:                coord,
		store:                store,
		ledger:               ledger,
		pool:                 pool,
		attachments:          attachments,
		logger:               logger,
		instanceID:           instanceID,
		overlapPollInterval:  250 * time.Millisecond,
		overlapWaitTimeout:   30 * time.Second,
	}
}

// InitiateParams carries the caller-supplied fields for "create everything
// and enqueue the first run" (spec.md §6 "POST /agent/initiate").
type InitiateParams struct {
	Prompt  string
	AppType domain.AppType
	Files   map[string][]byte
	StartRunParams
}

// InitiateResult is the synchronous response to agent/initiate.
type InitiateResult struct {
	ThreadID string
	RunID    string
	Status   domain.RunStatus
}

// InitiateAgent creates a project and its first thread, then runs the same
// start_run contract StartRun uses (spec.md §6). Uploaded files are persisted
// to blob storage and referenced from the thread's metadata; the tool layer
// that would place them on the sandbox's filesystem is out of scope
// (spec.md §1 "the tool implementations themselves").
func (d *Dispatcher) InitiateAgent(ctx context.Context, accountID string, params InitiateParams) (InitiateResult, error) {
	appType := params.AppType
	if appType == "" {
		appType = domain.AppTypeWeb
	}

	projectID := uuid.NewString()
	project := domain.Project{
		ProjectID:      projectID,
		OwnerAccountID: accountID,
		DisplayName:    firstLine(params.Prompt),
		AppType:        appType,
		CreatedAt:      time.Now().UTC(),
	}
	if err := d.store.CreateProject(ctx, project); err != nil {
		return InitiateResult{}, apperrors.DatabaseError("create_project", err)
	}

	threadID := uuid.NewString()
	fileKeys := make([]string, 0, len(params.Files))
	for name, data := range params.Files {
		if d.attachments == nil {
			continue
		}
		key := attachmentKey(threadID, name)
		if err := d.attachments.Upload(ctx, key, data, ""); err != nil {
			d.logger.WithContext(ctx).WithError(err).WithField("file", name).Warn("upload initiate attachment")
			continue
		}
		fileKeys = append(fileKeys, key)
	}
	thread := domain.Thread{
		ThreadID:  threadID,
		ProjectID: projectID,
		AccountID: accountID,
		Metadata: map[string]interface{}{
			"initial_prompt": params.Prompt,
			"attached_files": fileKeys,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateThread(ctx, thread); err != nil {
		return InitiateResult{}, apperrors.DatabaseError("create_thread", err)
	}

	startParams := params.StartRunParams
	if startParams.AgentConfig == nil {
		startParams.AgentConfig = map[string]interface{}{}
	}
	startParams.AgentConfig["initial_prompt"] = params.Prompt

	result, err := d.StartRun(ctx, threadID, accountID, startParams)
	if err != nil {
		return InitiateResult{}, err
	}
	return InitiateResult{ThreadID: threadID, RunID: result.RunID, Status: result.Status}, nil
}

func attachmentKey(threadID, fileName string) string {
	return threadID + "/" + fileName
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}

// StartRun executes the full start_run contract (spec.md §4.D).
func (d *Dispatcher) StartRun(ctx context.Context, threadID, accountID string, params StartRunParams) (StartRunResult, error) {
	thread, err := d.store.GetThread(ctx, threadID)
	if err != nil {
		return StartRunResult{}, err
	}

	project, err := d.store.GetProject(ctx, thread.ProjectID)
	if err != nil {
		return StartRunResult{}, err
	}
	if project.OwnerAccountID != accountID {
		return StartRunResult{}, apperrors.Forbidden("account does not own this project")
	}

	if err := d.resolveProjectOverlap(ctx, project.ProjectID); err != nil {
		return StartRunResult{}, err
	}

	status, err := d.ledger.GetUserTokenStatus(ctx, accountID)
	if err != nil {
		return StartRunResult{}, err
	}
	if status.PlanID != domain.PlanBYOK && status.TokenQuotaRemaining < domain.MinConversationTokens {
		return StartRunResult{}, apperrors.InsufficientCredits(domain.MinConversationTokens, status.TokenQuotaRemaining)
	}

	sb, err := d.pool.GetSandboxForUser(ctx, accountID, project.ProjectID, project.AppType)
	if err != nil {
		return StartRunResult{}, err
	}
	if _, err := d.pool.EnsureRunning(ctx, sb.SandboxID); err != nil {
		return StartRunResult{}, apperrors.SandboxUnavailable(sb.SandboxID, err)
	}

	runID := uuid.NewString()
	run := domain.AgentRun{
		RunID:     runID,
		ThreadID:  threadID,
		ProjectID: project.ProjectID,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Metadata: domain.RunMetadata{
			Model:                params.Model,
			EnableThinking:       params.EnableThinking,
			ReasoningEffort:      params.ReasoningEffort,
			EnableContextManager: params.EnableContextManager,
			Stream:               params.Stream,
			AgentConfig:          params.AgentConfig,
			IsAgentBuilder:       params.IsAgentBuilder,
			TargetAgentID:        params.TargetAgentID,
		},
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return StartRunResult{}, apperrors.DatabaseError("create_run", err)
	}

	if err := d.coord.SetWithTTL(ctx, coordination.ActiveRunKey(d.instanceID, runID), "1", coordination.DefaultKeyTTL); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("register run liveness marker")
	}

	item := coordination.RunWorkItem{
		RunID:                runID,
		ThreadID:             threadID,
		InstanceID:           d.instanceID,
		ProjectID:            project.ProjectID,
		Model:                params.Model,
		EnableThinking:       params.EnableThinking,
		ReasoningEffort:      params.ReasoningEffort,
		Stream:               params.Stream,
		EnableContextManager: params.EnableContextManager,
		AgentConfig:          params.AgentConfig,
		IsAgentBuilder:       params.IsAgentBuilder,
		TargetAgentID:        params.TargetAgentID,
		RequestID:            params.RequestID,
		AppType:              string(project.AppType),
	}
	if err := d.coord.Enqueue(ctx, item); err != nil {
		errMsg := err.Error()
		_ = d.store.FinalizeRun(ctx, runID, domain.RunStatusFailed, &errMsg, nil)
		return StartRunResult{}, apperrors.Internal("enqueue run work item", err)
	}

	return StartRunResult{RunID: runID, Status: domain.RunStatusRunning}, nil
}

// resolveProjectOverlap enforces "only one active run per project at any
// time" (spec.md §4.D step 2, §8 invariant 4): it finds any queued/running
// run belonging to the project, requests it to stop, and waits for it to
// leave the active set before returning.
func (d *Dispatcher) resolveProjectOverlap(ctx context.Context, projectID string) error {
	active, err := d.store.ActiveRunsForProject(ctx, projectID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	for _, run := range active {
		if err := d.StopRun(ctx, run.RunID); err != nil {
			d.logger.WithContext(ctx).WithError(err).Warn("signal overlapping run to stop")
		}
	}

	deadline := time.Now().Add(d.overlapWaitTimeout)
	for time.Now().Before(deadline) {
		stillActive, err := d.store.ActiveRunsForProject(ctx, projectID)
		if err != nil {
			return err
		}
		if len(stillActive) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.overlapPollInterval):
		}
	}
	return apperrors.Timeout("wait_for_overlapping_run_stop")
}

// StopRun publishes STOP to the run's control channel and marks it
// `stopping` if currently active; idempotent on terminal runs (spec.md §4.D).
func (d *Dispatcher) StopRun(ctx context.Context, runID string) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := d.coord.Publish(ctx, coordination.ControlChannel(runID), coordination.SignalStop); err != nil {
		return apperrors.Internal("publish stop signal", err)
	}
	return d.store.UpdateRunStatus(ctx, runID, domain.RunStatusStopping)
}

// RunStatusResult is the response to get_run_status.
type RunStatusResult struct {
	Status    domain.RunStatus
	Completed bool
}

// GetRunStatus returns the durable status, preferring the transient
// task-status record for liveness when present (spec.md §4.D).
func (d *Dispatcher) GetRunStatus(ctx context.Context, runID string) (RunStatusResult, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return RunStatusResult{}, err
	}
	status := run.Status
	if transient, ok, err := d.coord.Get(ctx, coordination.TaskStatusKey(runID)); err == nil && ok {
		status = domain.RunStatus(transient)
	}
	return RunStatusResult{Status: status, Completed: status.Terminal()}, nil
}
