// Package executor implements the run executor (spec.md §4.E), the heart of
// the orchestrator: it owns a run from queue pop through finalize, driving
// the agent generator and publishing stream items as they arrive. Grounded
// on backend/run_agent_background.py's task body, restated as an explicit
// task model per spec.md §9 ("Coroutine / async control flow → explicit
// task model").
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/metrics"
	"github.com/R3E-Network/agent-orchestrator/internal/agentengine"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/internal/durable"
)

// RunLockTTL is the run lock's lifetime (spec.md §5 timeouts table).
const RunLockTTL = 24 * time.Hour

// ttlRefreshEvery is how often (in stream items) the executor refreshes the
// active_run liveness marker while driving the generator (spec.md §4.E
// Phase 3 step 4).
const ttlRefreshEvery = 50

// cleanupActionRetries and cleanupBudget implement spec.md §4.E Phase 5's
// per-action retry and overall timeout.
const (
	cleanupActionRetries = 3
	cleanupActionDelay   = 1 * time.Second
	cleanupBudget        = 30 * time.Second
	listenerAwaitTimeout = 5 * time.Second
)

// Executor drives one queued work item through all five phases.
type Executor struct {
	coord      *coordination.Store
	store      *durable.Store
	engine     agentengine.Engine
	logger     *logging.Logger
	m          *metrics.Metrics
	instanceID string
}

// New constructs an Executor.
func New(coord *coordination.Store, store *durable.Store, engine agentengine.Engine, logger *logging.Logger, m *metrics.Metrics, instanceID string) *Executor {
	return &Executor{coord: coord, store: store, engine: engine, logger: logger, m: m, instanceID: instanceID}
}

// Execute runs the full contract for one work item (spec.md §4.E).
func (e *Executor) Execute(ctx context.Context, item coordination.RunWorkItem) {
	start := time.Now()
	log := e.logger.WithContext(ctx).WithField("run_id", item.RunID)

	owned, lockValue, err := e.acquireOwnership(ctx, item.RunID)
	if err != nil {
		log.WithError(err).Error("acquire run lock")
		return
	}
	if !owned {
		log.Debug("run already owned by another instance, skipping")
		return
	}

	finalStatus, runErr := e.runPhasesRecovered(ctx, item, log)

	e.finalize(ctx, item.RunID, finalStatus, runErr, log)
	e.cleanup(ctx, item.RunID, lockValue, log)

	if e.m != nil {
		e.m.RecordRun(string(finalStatus), time.Since(start))
	}
}

// runPhasesRecovered wraps runPhases with a recover so an uncaught panic
// during Phase 3 (the agent generator or stream processing) still leaves the
// run with a terminal status and still runs Phase 4/5, instead of crashing
// the worker process and leaving the run stuck in "running" forever
// (spec.md §4.E "Retry & failure semantics", §8 invariant 2).
func (e *Executor) runPhasesRecovered(ctx context.Context, item coordination.RunWorkItem, log *logrus.Entry) (status domain.RunStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered panic during run phases")
			status = domain.RunStatusFailed
			err = fmt.Errorf("panic during run phases: %v", r)
		}
	}()
	return e.runPhases(ctx, item, log)
}

// acquireOwnership implements Phase 1 (spec.md §4.E): atomic SET NX, falling
// back to a conditional reclaim of a stale lock, otherwise exiting silently
// as the deduplication guard for at-least-once delivery.
func (e *Executor) acquireOwnership(ctx context.Context, runID string) (bool, string, error) {
	key := coordination.RunLockKey(runID)
	value, ok, err := e.coord.AcquireLock(ctx, key, e.instanceID, RunLockTTL)
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, value.String(), nil
	}

	current, ok, err := e.coord.ReadLock(ctx, key)
	if err != nil {
		return false, "", err
	}
	if !ok {
		// The lock vanished between the failed SETNX and our read; try once more.
		value, ok, err = e.coord.AcquireLock(ctx, key, e.instanceID, RunLockTTL)
		if err != nil || !ok {
			return false, "", err
		}
		return true, value.String(), nil
	}

	if coordination.LockAge(current) <= RunLockTTL/2 {
		return false, "", nil
	}

	reclaimed, err := e.coord.ReclaimStaleLock(ctx, key, current.String(), e.instanceID, RunLockTTL)
	if err != nil {
		return false, "", err
	}
	if !reclaimed {
		return false, "", nil
	}
	newValue := fmt.Sprintf("%s:%d", e.instanceID, time.Now().Unix())
	return true, newValue, nil
}

// listener is Phase 2: subscribes to the run's control channels and flips a
// shared stop flag on receiving STOP (spec.md §4.E Phase 2).
type listener struct {
	pubsub       *redis.PubSub
	stopRequested atomic.Bool
	done         chan struct{}
}

func (e *Executor) startListener(ctx context.Context, runID string) *listener {
	ps := e.coord.Subscribe(ctx, coordination.ControlChannel(runID), coordination.InstanceControlChannel(runID, e.instanceID))
	l := &listener{pubsub: ps, done: make(chan struct{})}

	go func() {
		defer close(l.done)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == coordination.SignalStop {
					l.stopRequested.Store(true)
				}
			}
		}
	}()
	return l
}

func (l *listener) stop() {
	_ = l.pubsub.Close()
	select {
	case <-l.done:
	case <-time.After(listenerAwaitTimeout):
	}
}

// runPhases drives Phase 2 and Phase 3, returning the final status and any
// error to record.
func (e *Executor) runPhases(ctx context.Context, item coordination.RunWorkItem, log *logrus.Entry) (domain.RunStatus, error) {
	l := e.startListener(ctx, item.RunID)
	defer l.stop()

	req := agentengine.GenerateRequest{
		RunID:                item.RunID,
		ThreadID:             item.ThreadID,
		ProjectID:            item.ProjectID,
		Model:                item.Model,
		EnableThinking:       item.EnableThinking,
		ReasoningEffort:      item.ReasoningEffort,
		EnableContextManager: item.EnableContextManager,
		AgentConfig:          item.AgentConfig,
		IsAgentBuilder:       item.IsAgentBuilder,
		TargetAgentID:        item.TargetAgentID,
	}

	stream, err := e.engine.Generate(ctx, req)
	if err != nil {
		return domain.RunStatusFailed, err
	}

	return e.drainStream(ctx, item.RunID, stream, l, log)
}

// drainStream is Phase 3's per-item loop (spec.md §4.E Phase 3).
func (e *Executor) drainStream(ctx context.Context, runID string, stream <-chan agentengine.StreamItem, l *listener, log *logrus.Entry) (domain.RunStatus, error) {
	itemCount := 0
	var lastErr error

	for {
		if l.stopRequested.Load() {
			return domain.RunStatusStopped, nil
		}

		select {
		case item, ok := <-stream:
			if !ok {
				// Generator exhausted with no terminal status observed: append a
				// synthetic completion (spec.md §4.E Phase 3).
				synthetic := agentengine.SyntheticCompleted("run completed")
				if err := e.coord.AppendResponse(ctx, runID, []byte(synthetic)); err != nil {
					log.WithError(err).Warn("append synthetic completion")
				}
				return domain.RunStatusCompleted, lastErr
			}

			if err := e.coord.AppendResponse(ctx, runID, []byte(item)); err != nil {
				log.WithError(err).Warn("append stream item")
				lastErr = err
			}

			itemCount++
			if itemCount%ttlRefreshEvery == 0 {
				if err := e.coord.Expire(ctx, coordination.ActiveRunKey(e.instanceID, runID), coordination.DefaultKeyTTL); err != nil {
					log.WithError(err).Debug("refresh active_run ttl")
				}
			}

			if status, ok := item.IsTerminalStatus(); ok {
				var finalErr error
				if errMsg := item.Error(); errMsg != "" {
					finalErr = fmt.Errorf("%s", errMsg)
				}
				return domain.RunStatus(status), finalErr
			}

		case <-ctx.Done():
			return domain.RunStatusStopped, ctx.Err()
		}
	}
}

// finalize is Phase 4 (spec.md §4.E): write the durable row, publish the
// final control signal, and update the transient task-status record.
func (e *Executor) finalize(ctx context.Context, runID string, status domain.RunStatus, runErr error, log *logrus.Entry) {
	raw, err := e.coord.ReadResponses(ctx, runID, 0, -1)
	if err != nil {
		log.WithError(err).Warn("read responses for finalize snapshot")
	}
	responses := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		var m map[string]interface{}
		if json.Unmarshal(r, &m) == nil {
			responses = append(responses, m)
		}
	}

	var errPtr *string
	if runErr != nil {
		msg := runErr.Error()
		errPtr = &msg
	}

	if err := e.store.FinalizeRun(ctx, runID, status, errPtr, responses); err != nil {
		log.WithError(err).Error("finalize run row")
	}

	signal := coordination.SignalEndStream
	switch status {
	case domain.RunStatusFailed:
		signal = coordination.SignalError
	case domain.RunStatusStopped:
		signal = coordination.SignalStop
	}
	if err := e.coord.Publish(ctx, coordination.ControlChannel(runID), signal); err != nil {
		log.WithError(err).Warn("publish final control signal")
	}

	if err := e.coord.SetWithTTL(ctx, coordination.TaskStatusKey(runID), string(status), coordination.DefaultKeyTTL); err != nil {
		log.WithError(err).Warn("update transient task status")
	}
}

// cleanup is Phase 5 (spec.md §4.E): always executed, every action retried,
// errors never propagate as run failures.
func (e *Executor) cleanup(ctx context.Context, runID, lockValue string, log *logrus.Entry) {
	cleanupCtx, cancel := context.WithTimeout(ctx, cleanupBudget)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		retryCleanup(cleanupCtx, log, "expire_response_list", func() error {
			return e.coord.ExpireResponses(cleanupCtx, runID, coordination.DefaultKeyTTL)
		})
	}()

	go func() {
		defer wg.Done()
		retryCleanup(cleanupCtx, log, "delete_active_run_marker", func() error {
			return e.coord.Delete(cleanupCtx, coordination.ActiveRunKey(e.instanceID, runID))
		})
	}()

	go func() {
		defer wg.Done()
		retryCleanup(cleanupCtx, log, "release_run_lock", func() error {
			_, err := e.coord.ReleaseLock(cleanupCtx, coordination.RunLockKey(runID), lockValue)
			return err
		})
	}()

	wg.Wait()
}

func retryCleanup(ctx context.Context, log *logrus.Entry, action string, fn func() error) {
	var err error
	for attempt := 1; attempt <= cleanupActionRetries; attempt++ {
		if err = fn(); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			log.WithError(ctx.Err()).Warnf("cleanup action %s abandoned after %d attempts", action, attempt)
			return
		case <-time.After(cleanupActionDelay):
		}
	}
	// Cleanup errors MUST NOT propagate as run failures (spec.md §4.E Phase 5).
	log.WithError(err).Warnf("cleanup action %s failed after %d attempts", action, cleanupActionRetries)
}
