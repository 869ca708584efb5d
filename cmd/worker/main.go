// Command worker drains the run queue (spec.md §4.E) and drives each work
// item through the executor's five phases. It also runs the stale-lock
// janitor and the sandbox pool's idle sweep as background tickers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/metrics"
	"github.com/R3E-Network/agent-orchestrator/internal/agentengine"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/internal/durable"
	"github.com/R3E-Network/agent-orchestrator/internal/executor"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxpool"
	"github.com/R3E-Network/agent-orchestrator/internal/sandboxprovider"
	"github.com/R3E-Network/agent-orchestrator/pkg/config"
	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
)

// dequeueTimeout is how long each BRPOPLPUSH-style poll blocks before
// retrying (spec.md §9 "at-least-once task queue").
const dequeueTimeout = 5 * time.Second

// idleSweepInterval is the cadence of the idle sandbox reap (spec.md §4.B);
// the stale-lock janitor runs on its own cadence inside StaleLockJanitor.
const (
	idleSweepInterval = 60 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("agent-orchestrator-worker", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("agent-orchestrator-worker")

	db, err := supabase.New(supabase.Config{
		ProjectURL:     cfg.Supabase.ProjectURL,
		AnonKey:        cfg.Supabase.AnonKey,
		ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
	})
	if err != nil {
		logger.WithError(err).Fatal("connect to supabase")
	}

	coord, err := coordination.NewFromURL(cfg.Coordination.RedisURL, logger, m)
	if err != nil {
		logger.WithError(err).Fatal("connect to coordination store")
	}
	defer coord.Close()

	durableStore := durable.New(db)

	if dsn := cfg.Supabase.DatabaseURL; dsn != "" {
		applyMigrations(dsn, logger)
	} else {
		logger.Logger.Warn("SUPABASE_DB_URL not set; skipping schema migrations at startup")
	}

	provider := sandboxprovider.New(sandboxprovider.Config{
		APIKey:             cfg.Sandbox.DaytonaAPIKey,
		ServerURL:          cfg.Sandbox.DaytonaServerURL,
		SnapshotName:       cfg.Sandbox.SnapshotName,
		MobileSnapshotName: cfg.Sandbox.MobileSnapshotName,
	}, logger)

	instanceID := instanceID()
	pool := sandboxpool.New(coord, provider, logger, m, sandboxpool.DefaultConfig(), instanceID)

	engine := agentengine.NewHTTPEngine(agentengine.HTTPEngineConfig{
		BaseURL: cfg.Engine.BaseURL,
		APIKey:  cfg.Engine.APIKey,
	}, logger)

	exec := executor.New(coord, durableStore, engine, logger, m, instanceID)
	janitor := coordination.NewStaleLockJanitor(coord, func(runID string, value coordination.LockValue) {
		escalateStaleRun(context.Background(), coord, durableStore, logger, runID, value)
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		janitor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		maintainPool(ctx, pool, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainQueue(ctx, coord, exec, instanceID, logger)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Logger.Info("shutdown signal received")
	cancel()
	wg.Wait()
}

// applyMigrations opens a direct Postgres connection (lib/pq, via sqlx) and
// runs the embedded schema migrations, separate from the PostgREST path the
// rest of the worker uses for reads and writes. Migration failures are
// logged, not fatal: the worker can still serve runs against an
// already-migrated schema even if this particular instance couldn't apply
// new ones (e.g. a permissions-scoped DSN).
func applyMigrations(dsn string, logger *logging.Logger) {
	sqlxDB, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		logger.WithError(err).Error("connect to postgres for schema migrations")
		return
	}
	defer sqlxDB.Close()

	if err := durable.ApplyMigrations(sqlxDB.DB); err != nil {
		logger.WithError(err).Error("apply schema migrations")
		return
	}
	logger.Logger.Info("schema migrations applied")
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// escalateStaleRun is the janitor's fallback sweeper (spec.md §7, §9): a run
// lock whose age exceeds the janitor's threshold means the owning instance
// crashed or was killed between acquiring the lock and releasing it in
// Phase 5, so the run itself is stuck in `running` with nothing left to
// drive it to a terminal status. This force-clears the lock (conditioned on
// the exact stale value, so a legitimate concurrent release or reclaim can't
// be undone) and marks the run `failed`, unless it already reached a
// terminal status through the normal executor path.
func escalateStaleRun(ctx context.Context, coord *coordination.Store, store *durable.Store, logger *logging.Logger, runID string, value coordination.LockValue) {
	log := logger.WithField("run_id", runID).WithField("owner", value.InstanceID)
	log.Warn("stale run lock detected; escalating run to failed")

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		log.WithError(err).Error("load run for stale-lock escalation")
		return
	}
	if !run.Status.Terminal() {
		errMsg := fmt.Sprintf("run lock held by %s exceeded the staleness threshold; escalated by janitor", value.InstanceID)
		responses := snapshotResponses(ctx, coord, runID, log)
		if err := store.FinalizeRun(ctx, runID, domain.RunStatusFailed, &errMsg, responses); err != nil {
			log.WithError(err).Error("finalize stale run as failed")
			return
		}
		if err := coord.Publish(ctx, coordination.ControlChannel(runID), coordination.SignalError); err != nil {
			log.WithError(err).Warn("publish stale-run failure signal")
		}
	}

	if _, err := coord.ReleaseLock(ctx, coordination.RunLockKey(runID), value.String()); err != nil {
		log.WithError(err).Warn("release stale run lock")
	}
}

// snapshotResponses mirrors the executor's own Phase 4 snapshot step so a
// janitor-escalated run's durable row carries whatever streamed responses
// made it into the coordination store before the owning instance crashed.
func snapshotResponses(ctx context.Context, coord *coordination.Store, runID string, log *logrus.Entry) []map[string]interface{} {
	raw, err := coord.ReadResponses(ctx, runID, 0, -1)
	if err != nil {
		log.WithError(err).Warn("read responses for stale-run escalation snapshot")
		return nil
	}
	responses := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		var m map[string]interface{}
		if json.Unmarshal(r, &m) == nil {
			responses = append(responses, m)
		}
	}
	return responses
}

// drainQueue is the worker's main loop: pop one work item at a time and hand
// it to the executor, which owns its own acquisition/dedup guard so a
// duplicate delivery of the same run_id is always safe (spec.md §4.E
// Phase 1).
func drainQueue(ctx context.Context, coord *coordination.Store, exec *executor.Executor, instanceID string, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := coord.Dequeue(ctx, instanceID, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("dequeue run work item")
			time.Sleep(time.Second)
			continue
		}
		if item == nil {
			continue
		}

		exec.Execute(ctx, *item)
	}
}

// maintainPool periodically reaps sandboxes that have sat idle past the
// pool's max idle time (spec.md §4.B).
func maintainPool(ctx context.Context, pool *sandboxpool.Pool, logger *logging.Logger) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.MaintainIdle(ctx)
		}
	}
}
