package agentengine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/resilience"
)

// HTTPEngineConfig points at the external Agent Engine process. Its request
// and response wire format is an opaque collaborator contract (spec.md §1
// Non-goals: "LLM provider wire protocols"); this client only fixes the
// transport (POST a GenerateRequest, stream newline-delimited StreamItem
// JSON back) that the rest of the orchestrator core depends on.
type HTTPEngineConfig struct {
	BaseURL string
	APIKey  string
}

// HTTPEngine is the default Engine implementation, grounded on the same
// circuit-broken HTTP client shape as sandboxprovider.Client.
type HTTPEngine struct {
	cfg        HTTPEngineConfig
	httpClient *http.Client
	logger     *logging.Logger
	breaker    *resilience.CircuitBreaker
}

// NewHTTPEngine constructs an Engine client for the external Agent Engine.
func NewHTTPEngine(cfg HTTPEngineConfig, logger *logging.Logger) *HTTPEngine {
	return &HTTPEngine{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 0}, // the body is a long-lived stream; connect timeout handled by ctx
		logger:     logger,
		breaker:    resilience.New(resilience.DefaultConfig()),
	}
}

// Generate opens a streaming connection to the Agent Engine and forwards
// each newline-delimited JSON object as a StreamItem (spec.md §4.E Phase 3).
// The returned channel closes when the response body is exhausted, ctx is
// cancelled, or the connection breaks; it carries no separate error value,
// matching the Engine interface's documented failure contract.
func (e *HTTPEngine) Generate(ctx context.Context, req GenerateRequest) (<-chan StreamItem, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	var resp *http.Response
	err = e.breaker.Execute(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/generate", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

		r, doErr := e.httpClient.Do(httpReq)
		if doErr != nil {
			return doErr
		}
		if r.StatusCode >= 400 {
			r.Body.Close()
			return fmt.Errorf("agent engine: generate returned %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamItem, 16)
	go e.pump(ctx, resp, ch)
	return ch, nil
}

func (e *HTTPEngine) pump(ctx context.Context, resp *http.Response, ch chan<- StreamItem) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		item := make(StreamItem, len(line))
		copy(item, line)
		select {
		case ch <- item:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if e.logger != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("agent engine stream ended with a read error")
		}
		data, _ := json.Marshal(map[string]string{"type": "status", "status": "failed", "error": err.Error()})
		select {
		case ch <- StreamItem(data):
		case <-ctx.Done():
		}
	}
}
