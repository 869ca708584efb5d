// Package sandboxprovider defines the capability interfaces the executor and
// sandbox pool depend on (spec.md §9 "Duck typing → capability traits") and
// a concrete HTTP client against the Daytona sandbox provider named in
// spec.md §6 environment configuration. The wire protocol itself is an
// out-of-scope external collaborator (spec.md §1); only the shape the core
// depends on is formalized here.
package sandboxprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/R3E-Network/agent-orchestrator/infrastructure/logging"
	"github.com/R3E-Network/agent-orchestrator/infrastructure/resilience"
	"github.com/R3E-Network/agent-orchestrator/internal/domain"
)

// FilesystemOps is the subset of sandbox filesystem operations the executor
// depends on (spec.md §9).
type FilesystemOps interface {
	UploadFile(ctx context.Context, sandboxID, path string, data io.Reader) error
	DownloadFile(ctx context.Context, sandboxID, path string) (io.ReadCloser, error)
	ListFiles(ctx context.Context, sandboxID, dir string) ([]string, error)
	DeleteFile(ctx context.Context, sandboxID, path string) error
}

// ProcessOps is the subset of sandbox process operations the executor
// depends on (spec.md §9).
type ProcessOps interface {
	Exec(ctx context.Context, sandboxID, command string) (stdout string, exitCode int, err error)
	CreateSession(ctx context.Context, sandboxID string) (sessionID string, err error)
	ExecInSession(ctx context.Context, sandboxID, sessionID, command string) (stdout string, err error)
	SessionLogs(ctx context.Context, sandboxID, sessionID string) (string, error)
}

// LifecycleOps is the subset of provisioning operations the sandbox pool
// manager depends on (spec.md §4.B).
type LifecycleOps interface {
	Create(ctx context.Context, appType domain.AppType) (domain.Sandbox, error)
	Start(ctx context.Context, sandboxID string) error
	Stop(ctx context.Context, sandboxID string) error
	Delete(ctx context.Context, sandboxID string) error
	GetPreviewLink(ctx context.Context, sandboxID string) (string, error)
	State(ctx context.Context, sandboxID string) (domain.SandboxState, error)
}

// Provider is the full capability set a concrete sandbox client offers.
type Provider interface {
	FilesystemOps
	ProcessOps
	LifecycleOps
}

// Config holds the Daytona provider connection details (spec.md §6:
// DAYTONA_API_KEY, DAYTONA_SERVER_URL, SANDBOX_SNAPSHOT_NAME,
// MOBILE_SANDBOX_SNAPSHOT_NAME).
type Config struct {
	APIKey               string
	ServerURL            string
	SnapshotName         string
	MobileSnapshotName   string
}

// Client is an HTTP-backed Provider. Every call goes through a circuit
// breaker; only Create is also retried, per the timeout table in spec.md §5.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
	breaker    *resilience.CircuitBreaker
}

// New constructs a sandbox provider client.
func New(cfg Config, logger *logging.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		breaker:    resilience.New(resilience.DefaultConfig()),
	}
}

func (c *Client) snapshotFor(appType domain.AppType) string {
	if appType == domain.AppTypeMobile && c.cfg.MobileSnapshotName != "" {
		return c.cfg.MobileSnapshotName
	}
	return c.cfg.SnapshotName
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, dest interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	return c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("sandbox provider: %s %s returned %d", method, path, resp.StatusCode)
		}
		if dest == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(dest)
	})
}

// Create provisions a new sandbox for the given app type (spec.md §5
// "Sandbox creation": 300s timeout, 2 retries with exponential backoff).
func (c *Client) Create(ctx context.Context, appType domain.AppType) (domain.Sandbox, error) {
	var sb domain.Sandbox
	retryCfg := resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 10 * time.Second, MaxDelay: 20 * time.Second, Multiplier: 2}
	createCtx, cancel := context.WithTimeout(ctx, 300*time.Second)
	defer cancel()

	err := resilience.Retry(createCtx, retryCfg, func() error {
		return c.do(createCtx, http.MethodPost, "/sandboxes", map[string]string{
			"snapshot": c.snapshotFor(appType),
		}, &sb)
	})
	if err != nil {
		return domain.Sandbox{}, err
	}
	sb.AppType = appType
	sb.State = domain.SandboxStateCreating
	sb.CreatedAt = time.Now().UTC()
	return sb, nil
}

func (c *Client) Start(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/start", nil, nil)
}

func (c *Client) Stop(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/stop", nil, nil)
}

func (c *Client) Delete(ctx context.Context, sandboxID string) error {
	return c.do(ctx, http.MethodDelete, "/sandboxes/"+sandboxID, nil, nil)
}

func (c *Client) GetPreviewLink(ctx context.Context, sandboxID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID+"/preview", nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) State(ctx context.Context, sandboxID string) (domain.SandboxState, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID, nil, &out); err != nil {
		return "", err
	}
	return domain.SandboxState(out.State), nil
}

func (c *Client) UploadFile(ctx context.Context, sandboxID, path string, data io.Reader) error {
	return c.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/sandboxes/"+sandboxID+"/files?path="+path, data)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sandbox provider: upload file returned %d", resp.StatusCode)
		}
		return nil
	})
}

func (c *Client) DownloadFile(ctx context.Context, sandboxID, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.ServerURL+"/sandboxes/"+sandboxID+"/files?path="+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("sandbox provider: download file returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) ListFiles(ctx context.Context, sandboxID, dir string) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID+"/files/list?dir="+dir, nil, &out)
	return out, err
}

func (c *Client) DeleteFile(ctx context.Context, sandboxID, path string) error {
	return c.do(ctx, http.MethodDelete, "/sandboxes/"+sandboxID+"/files?path="+path, nil, nil)
}

func (c *Client) Exec(ctx context.Context, sandboxID, command string) (string, int, error) {
	var out struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/exec", map[string]string{"command": command}, &out); err != nil {
		return "", 0, err
	}
	return out.Stdout, out.ExitCode, nil
}

func (c *Client) CreateSession(ctx context.Context, sandboxID string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/sessions", nil, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *Client) ExecInSession(ctx context.Context, sandboxID, sessionID, command string) (string, error) {
	var out struct {
		Stdout string `json:"stdout"`
	}
	err := c.do(ctx, http.MethodPost, "/sandboxes/"+sandboxID+"/sessions/"+sessionID+"/exec", map[string]string{"command": command}, &out)
	return out.Stdout, err
}

func (c *Client) SessionLogs(ctx context.Context, sandboxID, sessionID string) (string, error) {
	var out struct {
		Logs string `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/sandboxes/"+sandboxID+"/sessions/"+sessionID+"/logs", nil, &out)
	return out.Logs, err
}
