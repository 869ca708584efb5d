// Package stream implements stream delivery (spec.md §4.F): per-connection
// SSE replay of a run's historical response log followed by a live tail,
// terminating deterministically when the run reaches a terminal state.
// Grounded on backend/agent_runs.py's streaming endpoint, restated as an
// explicit task with a cancellation token per spec.md §9.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/metrics"
	"github.com/R3E-Network/agent-orchestrator/internal/coordination"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
	"github.com/R3E-Network/agent-orchestrator/internal/durable"
)

// heartbeatTimeout is the listener-await timeout before a heartbeat is sent
// (spec.md §4.F step 4, §5 timeouts table).
const heartbeatTimeout = 30 * time.Second

// listenerAwaitTimeout is the cleanup-path cancel-and-await budget
// (spec.md §4.F step 5, §5 timeouts table).
const listenerAwaitTimeout = 5 * time.Second

// maxConsecutiveFailures caps recoverable pub/sub read failures before the
// stream closes with a terminal error (spec.md §4.F "Recoverable vs. fatal
// listener errors").
const maxConsecutiveFailures = 3

// Delivery drives one SSE connection for one run.
type Delivery struct {
	coord  *coordination.Store
	store  *durable.Store
	logger *logging.Logger
	m      *metrics.Metrics
}

// New constructs a Delivery.
func New(coord *coordination.Store, store *durable.Store, logger *logging.Logger, m *metrics.Metrics) *Delivery {
	return &Delivery{coord: coord, store: store, logger: logger, m: m}
}

// Serve writes the full historical stream followed by a live tail to w,
// flushing after every event, until the run reaches a terminal state or ctx
// is cancelled (client disconnect). flush, if non-nil, is called after every
// event; callers typically pass an http.ResponseWriter and its Flush method.
func (d *Delivery) Serve(ctx context.Context, w io.Writer, flush func(), runID string) error {
	log := d.logger.WithContext(ctx).WithField("run_id", runID)

	lastIndex, closed, err := d.replayHistory(ctx, w, flush, runID)
	if err != nil {
		return err
	}
	if closed {
		return nil
	}

	run, err := d.store.GetRun(ctx, runID)
	if err == nil && run.Status.Terminal() {
		writeEvent(w, flush, map[string]string{"type": "status", "status": "completed"})
		return nil
	}

	ps := d.coord.Subscribe(ctx, coordination.NewResponseChannel(runID), coordination.ControlChannel(runID))
	defer d.cleanupSubscription(ps, log)

	return d.tail(ctx, w, flush, runID, lastIndex, ps, log)
}

// replayHistory emits items [0, end] from the response list (spec.md §4.F
// step 1), returning the last emitted index and whether a terminal status
// was observed inline (in which case Serve must not subscribe further).
func (d *Delivery) replayHistory(ctx context.Context, w io.Writer, flush func(), runID string) (int64, bool, error) {
	items, err := d.coord.ReadResponses(ctx, runID, 0, -1)
	if err != nil {
		return -1, false, fmt.Errorf("read response history: %w", err)
	}
	for i, item := range items {
		writeRaw(w, flush, item)
		if isTerminal(item) {
			return int64(i), true, nil
		}
	}
	return int64(len(items) - 1), false, nil
}

// tail is step 4: the live tailing loop awaiting either channel with a 30 s
// heartbeat timeout.
func (d *Delivery) tail(ctx context.Context, w io.Writer, flush func(), runID string, lastIndex int64, ps *redis.PubSub, log *logrus.Entry) error {
	ch := ps.Channel()
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-ch:
			if !ok {
				consecutiveFailures++
				if consecutiveFailures >= maxConsecutiveFailures {
					writeEvent(w, flush, map[string]string{"type": "status", "status": "failed", "error": "stream listener unavailable"})
					return nil
				}
				writeEvent(w, flush, map[string]string{"type": "warning", "message": "stream listener reconnecting"})
				continue
			}
			consecutiveFailures = 0

			switch msg.Channel {
			case coordination.NewResponseChannel(runID):
				items, err := d.coord.ReadResponses(ctx, runID, lastIndex+1, -1)
				if err != nil {
					log.WithError(err).Warn("read new responses")
					continue
				}
				for _, item := range items {
					writeRaw(w, flush, item)
					lastIndex++
					if isTerminal(item) {
						return nil
					}
				}

			case coordination.ControlChannel(runID):
				if isFinalSignal(msg.Payload) {
					writeEvent(w, flush, map[string]string{"type": "status", "status": signalStatus(msg.Payload)})
					return nil
				}
			}

		case <-time.After(heartbeatTimeout):
			writeEvent(w, flush, map[string]string{"type": "ping"})
		}
	}
}

func (d *Delivery) cleanupSubscription(ps *redis.PubSub, log *logrus.Entry) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := ps.Close(); err != nil {
			log.WithError(err).Warn("close pub/sub subscription")
		}
	}()
	select {
	case <-done:
	case <-time.After(listenerAwaitTimeout):
		log.Warn("pub/sub close did not complete within cleanup budget")
	}
}

func isFinalSignal(payload string) bool {
	switch payload {
	case coordination.SignalStop, coordination.SignalEndStream, coordination.SignalError:
		return true
	default:
		return false
	}
}

func signalStatus(payload string) string {
	switch payload {
	case coordination.SignalStop:
		return string(domain.RunStatusStopped)
	case coordination.SignalError:
		return string(domain.RunStatusFailed)
	default:
		return string(domain.RunStatusCompleted)
	}
}

func isTerminal(raw []byte) bool {
	var probe struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if json.Unmarshal(raw, &probe) != nil {
		return false
	}
	if probe.Type != "status" {
		return false
	}
	switch probe.Status {
	case "completed", "failed", "stopped":
		return true
	default:
		return false
	}
}

func writeRaw(w io.Writer, flush func(), data []byte) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flush != nil {
		flush()
	}
}

func writeEvent(w io.Writer, flush func(), event map[string]string) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	writeRaw(w, flush, data)
}
