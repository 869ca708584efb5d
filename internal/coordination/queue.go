package coordination

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// TaskQueueKey is the at-least-once work queue the dispatcher enqueues to and
// executors consume from (spec.md §4.D step 7, §2 "Task Queue").
const TaskQueueKey = "agent_run:task_queue"

// RunWorkItem is the wire contract for queue items (spec.md §6).
type RunWorkItem struct {
	RunID                 string                 `json:"run_id"`
	ThreadID              string                 `json:"thread_id"`
	InstanceID            string                 `json:"instance_id,omitempty"`
	ProjectID             string                 `json:"project_id"`
	Model                 string                 `json:"model"`
	EnableThinking        bool                   `json:"enable_thinking"`
	ReasoningEffort       string                 `json:"reasoning_effort,omitempty"`
	Stream                bool                   `json:"stream"`
	EnableContextManager   bool                  `json:"enable_context_manager"`
	AgentConfig           map[string]interface{} `json:"agent_config,omitempty"`
	IsAgentBuilder        bool                   `json:"is_agent_builder,omitempty"`
	TargetAgentID         string                 `json:"target_agent_id,omitempty"`
	RequestID             string                 `json:"request_id"`
	AppType               string                 `json:"app_type"`
}

// Enqueue pushes a work item onto the at-least-once task queue.
func (s *Store) Enqueue(ctx context.Context, item RunWorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.rdb.LPush(ctx, TaskQueueKey, data).Err()
}

// Dequeue blocks up to timeout for a work item, using BRPOPLPUSH into a
// per-instance processing list. The item is removed from that list as soon
// as it parses, before the caller executes it, so a crash during execution
// does not leave it there. Nothing in this package moves items from a
// processing list back onto the queue.
func (s *Store) Dequeue(ctx context.Context, instanceID string, timeout time.Duration) (*RunWorkItem, error) {
	processingKey := "agent_run:task_queue:processing:" + instanceID
	raw, err := s.rdb.BRPopLPush(ctx, TaskQueueKey, processingKey, timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var item RunWorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, err
	}
	// Acknowledge: the item parsed, so drop it from the per-instance
	// processing list before returning it. An item stays in processingKey
	// only if it fails to parse or the process dies before this point.
	s.rdb.LRem(ctx, processingKey, 1, raw)
	return &item, nil
}
