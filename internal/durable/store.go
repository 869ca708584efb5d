// Package durable adapts the PostgREST-style pkg/supabase client (and the
// embedded SQL migrations in internal/durable/migrations) into the durable
// store operations the orchestrator's components need for the entities in
// spec.md §3. The coordination store (internal/coordination) is the source
// of truth for transient run state; this package is authoritative for
// everything that survives a worker restart.
package durable

import (
	"context"
	"time"

	apperrors "github.com/R3E-Network/agent-orchestrator/infrastructure/errors"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
)

// Store is the durable-store adapter.
type Store struct {
	db *supabase.Client
}

// New wraps a Supabase client.
func New(db *supabase.Client) *Store { return &Store{db: db} }

// CreateProject inserts a new project row.
func (s *Store) CreateProject(ctx context.Context, p domain.Project) error {
	return s.db.From("projects").Insert(ctx, p)
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	var rows []domain.Project
	if err := s.db.From("projects").Select("*").Eq("project_id", projectID).Execute(ctx, &rows); err != nil {
		return domain.Project{}, apperrors.DatabaseError("get_project", err)
	}
	if len(rows) == 0 {
		return domain.Project{}, apperrors.NotFound("project", projectID)
	}
	return rows[0], nil
}

// ListProjectsForOwner returns every project owned by an account, newest
// first (spec.md §6 "GET /projects").
func (s *Store) ListProjectsForOwner(ctx context.Context, ownerAccountID string) ([]domain.Project, error) {
	var rows []domain.Project
	err := s.db.From("projects").Select("*").Eq("owner_account_id", ownerAccountID).Order("created_at", false).Execute(ctx, &rows)
	if err != nil {
		return nil, apperrors.DatabaseError("list_projects_for_owner", err)
	}
	return rows, nil
}

// CreateThread inserts a new thread row.
func (s *Store) CreateThread(ctx context.Context, t domain.Thread) error {
	return s.db.From("threads").Insert(ctx, t)
}

// GetThread fetches a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID string) (domain.Thread, error) {
	var rows []domain.Thread
	if err := s.db.From("threads").Select("*").Eq("thread_id", threadID).Execute(ctx, &rows); err != nil {
		return domain.Thread{}, apperrors.DatabaseError("get_thread", err)
	}
	if len(rows) == 0 {
		return domain.Thread{}, apperrors.NotFound("thread", threadID)
	}
	return rows[0], nil
}

// ListThreadsForAccount returns every thread an account participates in,
// newest first (spec.md §6 "GET /threads").
func (s *Store) ListThreadsForAccount(ctx context.Context, accountID string) ([]domain.Thread, error) {
	var rows []domain.Thread
	err := s.db.From("threads").Select("*").Eq("account_id", accountID).Order("created_at", false).Execute(ctx, &rows)
	if err != nil {
		return nil, apperrors.DatabaseError("list_threads_for_account", err)
	}
	return rows, nil
}

// ActiveRunsForProject returns runs belonging to the project's threads whose
// status is in {queued, running} — the project-level overlap check (spec.md
// §4.D step 2, §8 invariant 4).
func (s *Store) ActiveRunsForProject(ctx context.Context, projectID string) ([]domain.AgentRun, error) {
	var rows []domain.AgentRun
	err := s.db.From("agent_runs").Select("*").
		Eq("project_id", projectID).
		In("status", []interface{}{string(domain.RunStatusQueued), string(domain.RunStatusRunning)}).
		Execute(ctx, &rows)
	if err != nil {
		return nil, apperrors.DatabaseError("active_runs_for_project", err)
	}
	return rows, nil
}

// CreateRun persists a new run row.
func (s *Store) CreateRun(ctx context.Context, run domain.AgentRun) error {
	return s.db.From("agent_runs").Insert(ctx, run)
}

// GetRun fetches a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.AgentRun, error) {
	var rows []domain.AgentRun
	if err := s.db.From("agent_runs").Select("*").Eq("run_id", runID).Execute(ctx, &rows); err != nil {
		return domain.AgentRun{}, apperrors.DatabaseError("get_run", err)
	}
	if len(rows) == 0 {
		return domain.AgentRun{}, apperrors.NotFound("agent_run", runID)
	}
	return rows[0], nil
}

// ListRunsForThread returns runs ordered desc by started_at (spec.md §6).
func (s *Store) ListRunsForThread(ctx context.Context, threadID string) ([]domain.AgentRun, error) {
	var rows []domain.AgentRun
	err := s.db.From("agent_runs").Select("*").Eq("thread_id", threadID).Order("started_at", false).Execute(ctx, &rows)
	if err != nil {
		return nil, apperrors.DatabaseError("list_runs_for_thread", err)
	}
	return rows, nil
}

// UpdateRunStatus sets a run's status, never overwriting a terminal status
// with a non-terminal one (spec.md §9 open question on stopping/stopped).
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	existing, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return nil
	}
	return s.db.From("agent_runs").Eq("run_id", runID).Update(ctx, map[string]interface{}{"status": string(status)})
}

// FinalizeRun writes the terminal status, completed_at, error, and a
// snapshot of the response list (spec.md §4.E Phase 4).
func (s *Store) FinalizeRun(ctx context.Context, runID string, status domain.RunStatus, runErr *string, responses []map[string]interface{}) error {
	now := time.Now().UTC()
	update := map[string]interface{}{
		"status":       string(status),
		"completed_at": now,
		"responses":    responses,
	}
	if runErr != nil {
		update["error"] = *runErr
	}
	return s.db.From("agent_runs").Eq("run_id", runID).Update(ctx, update)
}
