// Package config loads the grader's settings from an optional YAML file, applies
// environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"osce/pkg/llm"
)

// Environment variables that override file values.
const (
	EnvModel         = "GEMINI_MODEL"
	EnvSchemeModel   = "GRADING_SCHEME_MODEL"
	EnvSchemeStore   = "GRADING_SCHEME_STORE_NAME"
	EnvPromptsDir    = "OSCE_PROMPTS_DIR"
	EnvAddr          = "OSCE_ADDR"
	EnvDBPath        = "OSCE_DB_PATH"
	EnvSecretsFile   = "OSCE_SECRETS_FILE"
	EnvSecretsPass   = "OSCE_SECRETS_PASSWORD" //nolint:gosec // variable name, not a credential
	EnvGeminiBaseURL = "GEMINI_BASE_URL"
)

// Defaults.
const (
	DefaultModel       = "gemini-2.5-flash"
	DefaultSchemeModel = "gemini-2.5-flash"
	DefaultAddr        = ":3000"
	DefaultDBPath      = "osce.db"
	DefaultSecretsFile = ".osce/secrets.json.enc"
	DefaultNamespace   = "osce"
	DefaultSessionTTL  = 24 * time.Hour
	DefaultTimeout     = 60 * time.Second
)

// Config is the complete runtime configuration.
type Config struct {
	Model       string          `yaml:"model"`
	SchemeModel string          `yaml:"scheme_model"`
	SchemeStore string          `yaml:"scheme_store_name"`
	PromptsDir  string          `yaml:"prompts_dir"`
	SecretsFile string          `yaml:"secrets_file"`
	Server      ServerConfig    `yaml:"server"`
	Gemini      GeminiConfig    `yaml:"gemini"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Retry       llm.RetryConfig `yaml:"retry"`
}

// ServerConfig configures the web interface.
type ServerConfig struct {
	Addr       string        `yaml:"addr"`
	DBPath     string        `yaml:"db_path"`
	SessionTTL time.Duration `yaml:"session_ttl"` // idle sessions older than this are purged
}

// GeminiConfig configures the transport to the Gemini endpoint.
type GeminiConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus recorder.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Enabled   bool   `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model:       DefaultModel,
		SchemeModel: DefaultSchemeModel,
		SecretsFile: DefaultSecretsFile,
		Server: ServerConfig{
			Addr:       DefaultAddr,
			DBPath:     DefaultDBPath,
			SessionTTL: DefaultSessionTTL,
		},
		Gemini:  GeminiConfig{Timeout: DefaultTimeout},
		Metrics: MetricsConfig{Namespace: DefaultNamespace, Enabled: true},
		Retry:   llm.DefaultRetryConfig,
	}
}

// Load reads path over the defaults, then applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	overrides := []struct {
		dst *string
		key string
	}{
		{&c.Model, EnvModel},
		{&c.SchemeModel, EnvSchemeModel},
		{&c.SchemeStore, EnvSchemeStore},
		{&c.PromptsDir, EnvPromptsDir},
		{&c.SecretsFile, EnvSecretsFile},
		{&c.Server.Addr, EnvAddr},
		{&c.Server.DBPath, EnvDBPath},
		{&c.Gemini.BaseURL, EnvGeminiBaseURL},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(getenv(o.key)); v != "" {
			*o.dst = v
		}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Model == "" {
		errs = append(errs, errors.New("model must not be empty"))
	}
	if c.SchemeModel == "" {
		errs = append(errs, errors.New("scheme_model must not be empty"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.DBPath == "" {
		errs = append(errs, errors.New("server.db_path must not be empty"))
	}
	if c.Server.SessionTTL < 0 {
		errs = append(errs, errors.New("server.session_ttl must not be negative"))
	}
	if c.Gemini.Timeout < 0 {
		errs = append(errs, errors.New("gemini.timeout must not be negative"))
	}
	r := c.Retry
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0, got %d", r.MaxRetries))
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 || r.MaxJitter < 0 {
		errs = append(errs, errors.New("retry durations must not be negative"))
	}
	if r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, fmt.Errorf("retry.max_backoff (%s) is below retry.initial_backoff (%s)", r.MaxBackoff, r.InitialBackoff))
	}
	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, errors.New("metrics.namespace must not be empty when metrics are enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Policy builds the retry policy every client shares.
func (c *Config) Policy() *llm.Policy {
	return llm.NewPolicy(c.Retry)
}
