package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// CoordinationConfig controls the Redis-backed coordination store (locks,
// pub/sub, response logs).
type CoordinationConfig struct {
	RedisURL string `json:"redis_url" env:"REDIS_URL"`
}

// SupabaseConfig holds the durable-store connection settings.
type SupabaseConfig struct {
	ProjectURL     string `json:"project_url" env:"SUPABASE_URL"`
	ServiceRoleKey string `json:"service_role_key" env:"SUPABASE_SERVICE_ROLE_KEY"`
	AnonKey        string `json:"anon_key" env:"SUPABASE_ANON_KEY"`
	// DatabaseURL is the direct Postgres connection string (distinct from
	// ProjectURL's PostgREST endpoint), used only to run schema migrations
	// at worker startup. Optional: when unset, migrations are assumed to be
	// managed out of band and the worker starts without applying them.
	DatabaseURL string `json:"database_url" env:"SUPABASE_DB_URL"`
}

// AuthConfig controls identity provider enrichment for first-login users.
type AuthConfig struct {
	ClerkSecretKey string `json:"clerk_secret_key" env:"CLERK_SECRET_KEY"`
	AdminAPIKey    string `json:"admin_api_key" env:"ADMIN_API_KEY"`
}

// SandboxConfig controls the remote sandbox provider used to run agent code.
type SandboxConfig struct {
	DaytonaAPIKey            string `json:"daytona_api_key" env:"DAYTONA_API_KEY"`
	DaytonaServerURL         string `json:"daytona_server_url" env:"DAYTONA_SERVER_URL"`
	SnapshotName             string `json:"snapshot_name" env:"SANDBOX_SNAPSHOT_NAME"`
	MobileSnapshotName       string `json:"mobile_snapshot_name" env:"MOBILE_SANDBOX_SNAPSHOT_NAME"`
}

// LLMConfig controls the default model and system API key used for non-BYOK runs.
type LLMConfig struct {
	OpenRouterAPIKey string `json:"openrouter_api_key" env:"OPENROUTER_API_KEY"`
	ModelToUse       string `json:"model_to_use" env:"MODEL_TO_USE"`
}

// EngineConfig points the worker at the external Agent Engine process that
// drives the generator loop (spec.md §1 Non-goals: "LLM provider wire
// protocols" — only the transport to reach it is this service's concern).
type EngineConfig struct {
	BaseURL string `json:"base_url" env:"AGENT_ENGINE_URL"`
	APIKey  string `json:"api_key" env:"AGENT_ENGINE_API_KEY"`
}

// TracingConfig configures OTLP/Langfuse tracing exporters. Tracing is
// disabled whenever the Langfuse keys are absent.
type TracingConfig struct {
	LangfusePublicKey  string            `json:"langfuse_public_key" env:"LANGFUSE_PUBLIC_KEY"`
	LangfuseSecretKey  string            `json:"langfuse_secret_key" env:"LANGFUSE_SECRET_KEY"`
	LangfuseHost       string            `json:"langfuse_host" env:"LANGFUSE_HOST"`
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// Enabled reports whether Langfuse tracing has been configured.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.LangfusePublicKey) != "" && strings.TrimSpace(t.LangfuseSecretKey) != ""
}

// Config is the top-level configuration structure for the agent run
// orchestration service.
type Config struct {
	Server       ServerConfig        `json:"server"`
	Logging      LoggingConfig       `json:"logging"`
	Coordination CoordinationConfig  `json:"coordination"`
	Supabase     SupabaseConfig      `json:"supabase"`
	Auth         AuthConfig          `json:"auth"`
	Sandbox      SandboxConfig       `json:"sandbox"`
	LLM          LLMConfig           `json:"llm"`
	Engine       EngineConfig        `json:"engine"`
	Tracing      TracingConfig       `json:"tracing"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "agent-orchestrator",
		},
		Coordination: CoordinationConfig{},
		Supabase:     SupabaseConfig{},
		Auth:         AuthConfig{},
		Sandbox:      SandboxConfig{},
		LLM:          LLMConfig{ModelToUse: "anthropic/claude-sonnet-4"},
		Engine:       EngineConfig{},
		Tracing:      TracingConfig{},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()

	return cfg, cfg.Validate()
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// Validate enforces the invariants required before the server accepts runs:
// a coordination store and a durable store are never optional.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Coordination.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if strings.TrimSpace(c.Supabase.ProjectURL) == "" || strings.TrimSpace(c.Supabase.ServiceRoleKey) == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	return nil
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
}
