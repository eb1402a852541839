// Package config loads Steward's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}
	return append(paths, "/etc/steward/config.yaml")
}

// FindConfig locates a config file. An explicit path must exist;
// otherwise the first existing entry of DefaultSearchPaths wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Steward configuration.
type Config struct {
	Listen    ListenConfig              `yaml:"listen"`
	LogLevel  string                    `yaml:"log_level"`
	LogFormat string                    `yaml:"log_format"` // text or json
	DataDir   string                    `yaml:"data_dir"`
	Agent     AgentConfig               `yaml:"agent"`
	Content   ContentConfig             `yaml:"content"`
	Supabase  SupabaseConfig            `yaml:"supabase"`
	Database  DatabaseConfig            `yaml:"database"`
	Ledger    LedgerConfig              `yaml:"ledger"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Pricing   map[string]PricingEntry   `yaml:"pricing"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	CORS      CORSConfig                `yaml:"cors"`
}

// ListenConfig defines the API server bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AgentConfig bounds the turn loop and supplies fallbacks for settings
// the data store does not define.
type AgentConfig struct {
	MaxTurns        int    `yaml:"max_turns"`
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`
	// APIKey is used when the ai_api_key setting is empty.
	APIKey    string `yaml:"api_key"`
	OllamaURL string `yaml:"ollama_url"`
	// ProtectedPaths are repository paths the agent may not write or
	// delete. A trailing slash protects a whole directory.
	ProtectedPaths []string `yaml:"protected_paths"`
}

// ContentConfig selects the content repository.
type ContentConfig struct {
	Backend string `yaml:"backend"` // github or memory
	// Repo is "owner/name".
	Repo    string `yaml:"repo"`
	Branch  string `yaml:"branch"`
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url"` // GitHub Enterprise API root; empty for github.com
	// MemoryPath is the repository path of the agent memory document.
	MemoryPath string `yaml:"memory_path"`
}

// SupabaseConfig defines the data store and identity endpoints.
type SupabaseConfig struct {
	URL        string `yaml:"url"`
	AnonKey    string `yaml:"anon_key"`
	ServiceKey string `yaml:"service_key"`
	// Verifier is "jwks" (verify tokens locally against the project's
	// signing keys) or "remote" (ask /auth/v1/user).
	Verifier string `yaml:"verifier"`
	JWKSURL  string `yaml:"jwks_url"`
}

// DatabaseConfig enables direct Postgres access for privileged SQL.
// When URL is empty, statements go through the run_sql_admin RPC.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LedgerConfig selects where conversations, change records and usage
// are stored.
type LedgerConfig struct {
	Backend string `yaml:"backend"` // supabase or sqlite
	Path    string `yaml:"path"`
}

// ProviderConfig overrides the built-in endpoint for a provider.
type ProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
	APIKey    string `yaml:"api_key"`
}

// PricingEntry is the USD cost per million tokens for a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads configuration from a YAML file. A .env file next to the
// config (if any) is loaded into the environment first, then ${VAR}
// references in the YAML are expanded. Defaults are applied and the
// result validated.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration suitable for local runs against the
// in-memory content repository and a SQLite ledger.
func Default() *Config {
	cfg := &Config{
		Content: ContentConfig{Backend: "memory"},
		Ledger:  LedgerConfig{Backend: "sqlite"},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 25
	}
	if c.Agent.DefaultProvider == "" {
		c.Agent.DefaultProvider = "anthropic"
	}
	if c.Agent.DefaultModel == "" {
		c.Agent.DefaultModel = "claude-sonnet-4-6"
	}
	if c.Agent.OllamaURL == "" {
		c.Agent.OllamaURL = "http://localhost:11434"
	}
	if c.Agent.ProtectedPaths == nil {
		c.Agent.ProtectedPaths = DefaultProtectedPaths()
	}
	if c.Content.Backend == "" {
		c.Content.Backend = "github"
	}
	if c.Content.Branch == "" {
		c.Content.Branch = "main"
	}
	if c.Content.MemoryPath == "" {
		c.Content.MemoryPath = "AGENT.md"
	}
	if c.Supabase.Verifier == "" {
		c.Supabase.Verifier = "remote"
	}
	if c.Supabase.JWKSURL == "" && c.Supabase.URL != "" {
		c.Supabase.JWKSURL = strings.TrimRight(c.Supabase.URL, "/") + "/auth/v1/.well-known/jwks.json"
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "supabase"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "steward.db")
	}
	if c.Pricing == nil {
		c.Pricing = DefaultPricing()
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "steward"
	}
}

// Validate checks the configuration for values the server cannot run
// with.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return validation.Errors{
		"listen": validation.ValidateStruct(&c.Listen,
			validation.Field(&c.Listen.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		),
		"log_format": validation.Validate(c.LogFormat, validation.In("text", "json")),
		"agent": validation.ValidateStruct(&c.Agent,
			validation.Field(&c.Agent.MaxTurns, validation.Required, validation.Min(1)),
		),
		"content": validation.ValidateStruct(&c.Content,
			validation.Field(&c.Content.Backend, validation.In("github", "memory")),
			validation.Field(&c.Content.Repo,
				validation.When(c.Content.Backend == "github", validation.Required, validation.Match(repoPattern)),
			),
			validation.Field(&c.Content.Token, validation.When(c.Content.Backend == "github", validation.Required)),
		),
		"supabase": validation.ValidateStruct(&c.Supabase,
			validation.Field(&c.Supabase.Verifier, validation.In("remote", "jwks")),
			validation.Field(&c.Supabase.URL, validation.When(c.needsSupabase(), validation.Required)),
			validation.Field(&c.Supabase.ServiceKey, validation.When(c.needsSupabase(), validation.Required)),
		),
		"ledger": validation.ValidateStruct(&c.Ledger,
			validation.Field(&c.Ledger.Backend, validation.In("supabase", "sqlite")),
		),
	}.Filter()
}

// needsSupabase reports whether any component talks to the data store.
// Settings, feedback and proposals always live there; only fully local
// runs (memory content + sqlite ledger, no URL) skip it.
func (c *Config) needsSupabase() bool {
	return c.Ledger.Backend == "supabase" || c.Content.Backend == "github"
}

// ListenAddr returns the host:port the API server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}
