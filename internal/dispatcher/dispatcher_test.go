package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/internal/durable"
	"github.com/R3E-Network/agent-orchestrator/internal/quota"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxpool"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxprovider"
	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
)

// fakeLifecycle reports every sandbox as already running, so the pool
// manager's ensure_running path returns immediately without driving a real
// start/poll sequence.
type fakeLifecycle struct{ created int }

func (f *fakeLifecycle) Create(ctx context.Context, appType domain.AppType) (domain.Sandbox, error) {
	f.created++
	return domain.Sandbox{SandboxID: "sb-1", AppType: appType, State: domain.SandboxStateRunning}, nil
}
func (f *fakeLifecycle) Start(ctx context.Context, sandboxID string) error { return nil }
func (f *fakeLifecycle) Stop(ctx context.Context, sandboxID string) error  { return nil }
func (f *fakeLifecycle) Delete(ctx context.Context, sandboxID string) error { return nil }
func (f *fakeLifecycle) GetPreviewLink(ctx context.Context, sandboxID string) (string, error) {
	return "https://preview.example.test/sb-1", nil
}
func (f *fakeLifecycle) State(ctx context.Context, sandboxID string) (domain.SandboxState, error) {
	return domain.SandboxStateRunning, nil
}

var _ sandboxprovider.LifecycleOps = (*fakeLifecycle)(nil)

// restTable returns the PostgREST table name a request targets, e.g.
// "/rest/v1/threads" -> "threads".
func restTable(r *http.Request) string {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	return parts[len(parts)-1]
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

// newTestDispatcher wires a Dispatcher against miniredis and an httptest
// PostgREST fake that answers just enough of the durable-store surface for
// StartRun's happy path: an existing thread/project pair, no overlapping
// active runs, and an accepting insert for the new run row.
func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeLifecycle) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logging.New("dispatcher-test", "error", "text")
	coord := coordination.New(rdb, logger, nil)

	const projectID = "project-1"
	const threadID = "thread-1"
	const accountID = "account-1"

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch table := restTable(r); {
		case table == "threads" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.Thread{{ThreadID: threadID, ProjectID: projectID, AccountID: accountID}})
		case table == "projects" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.Project{{ProjectID: projectID, OwnerAccountID: accountID, AppType: domain.AppTypeWeb}})
		case table == "agent_runs" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.AgentRun{})
		case table == "agent_runs" && r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
		case table == "billing_customers" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.BillingCustomer{{
				AccountID:           accountID,
				PlanID:              domain.PlanFree,
				TokenQuotaRemaining: domain.MinConversationTokens * 10,
				Active:              true,
			}})
		default:
			t.Fatalf("unexpected PostgREST call: %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(rest.Close)

	client, err := supabase.New(supabase.Config{ProjectURL: rest.URL, ServiceRoleKey: "service-role-key"})
	require.NoError(t, err)

	store := durable.New(client)
	ledger := quota.New(client, coord, logger, nil)
	lifecycle := &fakeLifecycle{}
	pool := sandboxpool.New(coord, lifecycle, logger, nil, sandboxpool.DefaultConfig(), "instance-1")

	return New(coord, store, ledger, pool, nil, logger, "instance-1"), lifecycle
}

func TestStartRun_HappyPath(t *testing.T) {
	d, lifecycle := newTestDispatcher(t)

	result, err := d.StartRun(context.Background(), "thread-1", "account-1", StartRunParams{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, result.Status)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, 1, lifecycle.created)
}

func TestStartRun_RejectsNonOwner(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.StartRun(context.Background(), "thread-1", "someone-else", StartRunParams{})
	require.Error(t, err)
}

// TestStartRun_InsufficientCreditsBlocksEvenWithoutModel guards against the
// precheck being skippable by omitting model: spec.md §4.D step 3 runs this
// check unconditionally for non-BYOK plans, not just when a model is named.
func TestStartRun_InsufficientCreditsBlocksEvenWithoutModel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logging.New("dispatcher-test", "error", "text")
	coord := coordination.New(rdb, logger, nil)

	const projectID = "project-2"
	const threadID = "thread-2"
	const accountID = "acc-2"

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch table := restTable(r); {
		case table == "threads" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.Thread{{ThreadID: threadID, ProjectID: projectID, AccountID: accountID}})
		case table == "projects" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.Project{{ProjectID: projectID, OwnerAccountID: accountID, AppType: domain.AppTypeWeb}})
		case table == "agent_runs" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.AgentRun{})
		case table == "billing_customers" && r.Method == http.MethodGet:
			writeJSON(t, w, []domain.BillingCustomer{{
				AccountID:           accountID,
				PlanID:              domain.PlanFree,
				TokenQuotaRemaining: 3000,
				Active:              true,
			}})
		default:
			t.Fatalf("unexpected PostgREST call after quota should have blocked: %s %s", r.Method, r.URL.Path)
		}
	}))
	t.Cleanup(rest.Close)

	client, err := supabase.New(supabase.Config{ProjectURL: rest.URL, ServiceRoleKey: "service-role-key"})
	require.NoError(t, err)

	store := durable.New(client)
	ledger := quota.New(client, coord, logger, nil)
	lifecycle := &fakeLifecycle{}
	pool := sandboxpool.New(coord, lifecycle, logger, nil, sandboxpool.DefaultConfig(), "instance-1")
	d := New(coord, store, ledger, pool, nil, logger, "instance-1")

	_, err = d.StartRun(context.Background(), threadID, accountID, StartRunParams{})
	require.Error(t, err)
	assert.Equal(t, 0, lifecycle.created)
}
