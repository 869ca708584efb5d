package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDequeue_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	item := RunWorkItem{RunID: "r1", ThreadID: "t1", ProjectID: "p1", Model: "anthropic/claude-sonnet-4"}
	require.NoError(t, store.Enqueue(ctx, item))

	got, err := store.Dequeue(ctx, "instance-a", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, item.RunID, got.RunID)
	assert.Equal(t, item.Model, got.Model)
}

func TestDequeue_TimesOutWhenEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	got, err := store.Dequeue(ctx, "instance-a", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}
