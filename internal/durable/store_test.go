package durable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
)

// newFakeStore wires a Store against an httptest PostgREST fake that always
// returns rows, so the listing methods can be exercised end to end through
// the real pkg/supabase query builder without a live database.
func newFakeStore(t *testing.T, rows interface{}) (*Store, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(rows))
	}))

	client, err := supabase.New(supabase.Config{
		ProjectURL:     srv.URL,
		ServiceRoleKey: "service-role-key",
	})
	require.NoError(t, err)

	return New(client), srv
}

func TestListProjectsForOwner(t *testing.T) {
	want := []domain.Project{
		{ProjectID: "p1", OwnerAccountID: "acct-1", DisplayName: "first"},
		{ProjectID: "p2", OwnerAccountID: "acct-1", DisplayName: "second"},
	}
	store, srv := newFakeStore(t, want)
	defer srv.Close()

	got, err := store.ListProjectsForOwner(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListThreadsForAccount(t *testing.T) {
	want := []domain.Thread{
		{ThreadID: "t1", AccountID: "acct-1"},
	}
	store, srv := newFakeStore(t, want)
	defer srv.Close()

	got, err := store.ListThreadsForAccount(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListProjectsForOwner_UpstreamErrorIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	client, err := supabase.New(supabase.Config{ProjectURL: srv.URL, ServiceRoleKey: "k"})
	require.NoError(t, err)
	store := New(client)

	_, err = store.ListProjectsForOwner(context.Background(), "acct-1")
	require.Error(t, err)
}
