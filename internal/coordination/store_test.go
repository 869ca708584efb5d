package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logging.New("test", "error", "text")
	return New(client, logger, nil), mr
}

func TestAcquireLock_FirstCallerWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	value, ok, err := store.AcquireLock(ctx, "agent_run_lock:r1", "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "instance-a", value.InstanceID)

	_, ok, err = store.AcquireLock(ctx, "agent_run_lock:r1", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must not acquire an already-held lock")
}

func TestReleaseLock_OnlyOwnerCanRelease(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	value, ok, err := store.AcquireLock(ctx, "agent_run_lock:r2", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := store.ReleaseLock(ctx, "agent_run_lock:r2", "instance-b:999")
	require.NoError(t, err)
	assert.False(t, released, "a value that does not match the owner must not release the lock")

	released, err = store.ReleaseLock(ctx, "agent_run_lock:r2", value.String())
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = store.ReadLock(ctx, "agent_run_lock:r2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReclaimStaleLock_OnlyWhenValueMatches(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	value, ok, err := store.AcquireLock(ctx, "agent_run_lock:r3", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed, err := store.ReclaimStaleLock(ctx, "agent_run_lock:r3", "wrong-value", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, reclaimed)

	reclaimed, err = store.ReclaimStaleLock(ctx, "agent_run_lock:r3", value.String(), "instance-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, reclaimed)

	current, ok, err := store.ReadLock(ctx, "agent_run_lock:r3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "instance-b", current.InstanceID)
}

func TestAppendResponse_PublishesAfterAppend(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sub := store.Subscribe(ctx, NewResponseChannel("r4"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, store.AppendResponse(ctx, "r4", []byte(`{"type":"chunk"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, SignalNewResponse, msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected a new_response notification")
	}

	items, err := store.ReadResponses(ctx, "r4", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"type":"chunk"}`, string(items[0]))
}

func TestScanKeys_CursorBased(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SetWithTTL(ctx, "agent_run_lock:"+string(rune('a'+i)), "x", time.Minute))
	}

	var seen []string
	err := store.ScanKeys(ctx, "agent_run_lock:*", func(key string) error {
		seen = append(seen, key)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 5)
}

func TestLockKind_CollapsesToNamespace(t *testing.T) {
	assert.Equal(t, "agent_run_lock", lockKind("agent_run_lock:abc123"))
	assert.Equal(t, "sandbox_allocation_lock", lockKind("sandbox_allocation_lock:user-1"))
	assert.Equal(t, "no_namespace", lockKind("no_namespace"))
}
