// Package coordination implements the agent run orchestrator's coordination
// store (spec.md §4.A): distributed locks, append-only stream logs, pub/sub
// control channels, and TTL'd state keys, backed by Redis.
package coordination

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/metrics"
)

// DefaultKeyTTL is the safety-net TTL applied to every transient key this
// store creates (spec.md §4.A, §8 invariant 6).
const DefaultKeyTTL = 24 * time.Hour

// Control channel signal values (spec.md §4.A).
const (
	SignalStop       = "STOP"
	SignalEndStream  = "END_STREAM"
	SignalError      = "ERROR"
	SignalNewResponse = "new"
)

// Store wraps a Redis client with the key namespaces and atomic scripts the
// run lifecycle depends on. It never performs a blocking full-keyspace scan;
// ScanKeys uses cursor-based SCAN exclusively.
type Store struct {
	rdb    *redis.Client
	logger *logging.Logger
	m      *metrics.Metrics
}

// New constructs a Store from an already-dialed Redis client.
func New(rdb *redis.Client, logger *logging.Logger, m *metrics.Metrics) *Store {
	return &Store{rdb: rdb, logger: logger, m: m}
}

// NewFromURL dials Redis from a connection string (REDIS_URL).
func NewFromURL(url string, logger *logging.Logger, m *metrics.Metrics) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client, logger, m), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// ---------------------------------------------------------------------------
// Key namespaces (spec.md §4.A)
// ---------------------------------------------------------------------------

func RunLockKey(runID string) string          { return "agent_run_lock:" + runID }
func ResponsesKey(runID string) string        { return "agent_run:" + runID + ":responses" }
func NewResponseChannel(runID string) string  { return "agent_run:" + runID + ":new_response" }
func ControlChannel(runID string) string      { return "agent_run:" + runID + ":control" }
func InstanceControlChannel(runID, instanceID string) string {
	return "agent_run:" + runID + ":control:" + instanceID
}
func ActiveRunKey(instanceID, runID string) string { return "active_run:" + instanceID + ":" + runID }
func TaskStatusKey(runID string) string            { return "task_status:" + runID }
func SandboxStateLockKey(sandboxID string) string   { return "sandbox_state_lock:" + sandboxID }
func SandboxAllocationLockKey(userID string) string { return "sandbox_allocation_lock:" + userID }
func UserPlanKey(accountID string) string           { return "user_plan:" + accountID }
func PricingCacheKey() string                       { return "openrouter:models:pricing" }

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

// reclaimScript performs a compare-and-set: only overwrite the lock if its
// current value still matches the expected (stale) value.
var reclaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
	return 1
else
	return 0
end
`)

// releaseScript deletes the lock only if it is still owned by the expected
// value (compare-and-delete, spec.md §5 "Unconditional deletion is forbidden").
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// LockValue encodes the owner_instance_id and acquisition time carried in a
// lock's value (spec.md §4.A: "value is {instance_id}:{unix_seconds_acquired}").
type LockValue struct {
	InstanceID string
	AcquiredAt int64
}

func (v LockValue) String() string { return fmt.Sprintf("%s:%d", v.InstanceID, v.AcquiredAt) }

func parseLockValue(raw string) (LockValue, bool) {
	idx := strings.LastIndex(raw, ":")
	if idx < 0 {
		return LockValue{}, false
	}
	ts, err := strconv.ParseInt(raw[idx+1:], 10, 64)
	if err != nil {
		return LockValue{}, false
	}
	return LockValue{InstanceID: raw[:idx], AcquiredAt: ts}, true
}

// AcquireLock attempts `SET key value NX EX ttl`. Returns the lock value used
// on success and whether it was acquired by this call.
func (s *Store) AcquireLock(ctx context.Context, key, instanceID string, ttl time.Duration) (LockValue, bool, error) {
	value := LockValue{InstanceID: instanceID, AcquiredAt: time.Now().Unix()}
	ok, err := s.rdb.SetNX(ctx, key, value.String(), ttl).Result()
	if s.m != nil {
		outcome := "acquired"
		if err != nil {
			outcome = "error"
		} else if !ok {
			outcome = "contended"
		}
		s.m.RecordLockAcquire(lockKind(key), outcome)
	}
	if err != nil {
		return LockValue{}, false, err
	}
	return value, ok, nil
}

// ReadLock returns the current lock value, if any.
func (s *Store) ReadLock(ctx context.Context, key string) (LockValue, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return LockValue{}, false, nil
	}
	if err != nil {
		return LockValue{}, false, err
	}
	v, ok := parseLockValue(raw)
	return v, ok, nil
}

// ReclaimStaleLock compares the stored value against `expected` and, if it
// still matches, overwrites it with a new value owned by instanceID. Callers
// should only attempt this when the existing lock's age exceeds ttl/2
// (spec.md §4.E Phase 1, §8 "Stale lock").
func (s *Store) ReclaimStaleLock(ctx context.Context, key, expected, instanceID string, ttl time.Duration) (bool, error) {
	newValue := LockValue{InstanceID: instanceID, AcquiredAt: time.Now().Unix()}.String()
	res, err := reclaimScript.Run(ctx, s.rdb, []string{key}, expected, newValue, int(ttl.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLock deletes the lock only if it is still owned by the given value
// (spec.md §8 invariant 7).
func (s *Store) ReleaseLock(ctx context.Context, key, ownedValue string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.rdb, []string{key}, ownedValue).Int()
	if s.m != nil {
		if v, ok := parseLockValue(ownedValue); ok {
			s.m.RecordLockHold(lockKind(key), LockAge(v))
		}
	}
	return res == 1, err
}

// lockKind collapses a lock key to its namespace (stripping the per-run/user
// identifier) so Prometheus label cardinality stays bounded.
func lockKind(key string) string {
	if idx := strings.Index(key, ":"); idx >= 0 {
		return key[:idx]
	}
	return key
}

// LockAge returns how long ago a lock value was acquired.
func LockAge(v LockValue) time.Duration {
	return time.Since(time.Unix(v.AcquiredAt, 0))
}

// ---------------------------------------------------------------------------
// Response log (append-only list)
// ---------------------------------------------------------------------------

// AppendResponse appends a serialized stream item to the run's response log
// and publishes the "new" notification. Order matters: publish happens after
// the append so a subscriber can never observe a notification for an item
// that is not yet readable (spec.md §4.F "Duplicate delivery").
func (s *Store) AppendResponse(ctx context.Context, runID string, item []byte) error {
	key := ResponsesKey(runID)
	if err := s.rdb.RPush(ctx, key, item).Err(); err != nil {
		return err
	}
	s.rdb.Expire(ctx, key, DefaultKeyTTL)
	return s.rdb.Publish(ctx, NewResponseChannel(runID), SignalNewResponse).Err()
}

// ReadResponses reads the response list range [start, stop] (inclusive,
// -1 meaning end) for history replay and resumption.
func (s *Store) ReadResponses(ctx context.Context, runID string, start, stop int64) ([][]byte, error) {
	raw, err := s.rdb.LRange(ctx, ResponsesKey(runID), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		out[i] = []byte(v)
	}
	return out, nil
}

// ExpireResponses sets the retention TTL on the response list (spec.md §4.E
// Phase 5a: preserve for resumption, ensure eventual GC).
func (s *Store) ExpireResponses(ctx context.Context, runID string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, ResponsesKey(runID), ttl).Err()
}

// ---------------------------------------------------------------------------
// Pub/sub
// ---------------------------------------------------------------------------

// Subscribe returns a fresh pub/sub session for the given channels. Each
// subscriber gets an independent session (spec.md §9 "Monkey-patched pub/sub
// quirks" — formalized here as a factory rather than a shared client).
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channels...)
}

// Publish sends a message on a channel (used for STOP/END_STREAM/ERROR).
func (s *Store) Publish(ctx context.Context, channel, message string) error {
	return s.rdb.Publish(ctx, channel, message).Err()
}

// ---------------------------------------------------------------------------
// TTL'd state keys
// ---------------------------------------------------------------------------

// SetWithTTL sets a string value with the default (or given) TTL. Every key
// created through this store namespace carries a TTL (spec.md §8 invariant 6).
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns a key's value, and whether it existed.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	return v, err == nil, err
}

// Expire refreshes a key's TTL (used to keep active_run heartbeats alive).
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Delete removes a key unconditionally (used only for keys with no
// ownership semantics, e.g. active_run heartbeats — never for locks).
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// ScanKeys performs cursor-based iteration over a key pattern; it never
// blocks the keyspace (spec.md §4.A "Scans MUST use cursor-based iteration").
func (s *Store) ScanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Raw exposes the underlying client for components (e.g. a sandbox pool's
// double-checked locking) that need primitives not wrapped above.
func (s *Store) Raw() *redis.Client { return s.rdb }
