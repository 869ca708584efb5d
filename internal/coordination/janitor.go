package coordination

import (
	"context"
	"strings"
	"time"
)

// StaleLockJanitor periodically sweeps agent_run_lock:* keys and hands each
// lock whose age exceeds the threshold to the onStale callback; the janitor
// itself neither logs nor deletes the lock. With a callback that resolves the
// run, a worker crash between lock acquisition and cleanup cannot strand a
// run in `running` forever (spec.md §4.E "Retry & failure
// semantics", §9 stale-lock sweeper; grounded on
// utils/concurrency_monitor.py:start_stale_lock_cleanup_task).
type StaleLockJanitor struct {
	store         *Store
	interval      time.Duration
	ageThreshold  time.Duration
	onStale       func(runID string, value LockValue)
}

// NewStaleLockJanitor constructs a janitor with the spec's default cadence
// (60s) and age threshold (300s).
func NewStaleLockJanitor(store *Store, onStale func(runID string, value LockValue)) *StaleLockJanitor {
	return &StaleLockJanitor{
		store:        store,
		interval:     60 * time.Second,
		ageThreshold: 300 * time.Second,
		onStale:      onStale,
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (j *StaleLockJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *StaleLockJanitor) sweepOnce(ctx context.Context) {
	_ = j.store.ScanKeys(ctx, "agent_run_lock:*", func(key string) error {
		raw, ok, err := j.store.Get(ctx, key)
		if err != nil || !ok {
			return nil
		}
		value, ok := parseLockValue(raw)
		if !ok {
			return nil
		}
		if LockAge(value) <= j.ageThreshold {
			return nil
		}
		runID := strings.TrimPrefix(key, "agent_run_lock:")
		if j.onStale != nil {
			j.onStale(runID, value)
		}
		return nil
	})
}
