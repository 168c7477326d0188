package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentToken maps a bearer token to the caller identity it authenticates.
// Tokens are issued out of band; mnemod only verifies membership.
type AgentToken struct {
	Token    string `yaml:"token"`
	TenantID string `yaml:"tenant_id"`
	AgentID  string `yaml:"agent_id"`
	Tier     string `yaml:"tier"`
}

// IdempotencyConfig exposes the coordinator's policy knobs. Relative
// ordering must hold: poll interval < stale threshold < retention windows.
type IdempotencyConfig struct {
	StaleAfterSeconds    int `yaml:"stale_after_seconds"`    // default 30
	PollIntervalMillis   int `yaml:"poll_interval_millis"`   // default 200
	PollDeadlineSeconds  int `yaml:"poll_deadline_seconds"`  // default 5
	RetainCompletedHours int `yaml:"retain_completed_hours"` // default 24
	RetainReservedMins   int `yaml:"retain_reserved_mins"`   // default 5
}

// OtelConfig mirrors the telemetry exporter settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout", "otlp", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// DBPath overrides the default sqlite location under HomeDir.
	DBPath string `yaml:"db_path"`

	// AuthTokens is the static token table for agent authentication.
	AuthTokens []AgentToken `yaml:"auth_tokens"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Otel        OtelConfig        `yaml:"otel"`
}

func defaults(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		BindAddr: "127.0.0.1:8787",
		LogLevel: "info",
		Idempotency: IdempotencyConfig{
			StaleAfterSeconds:    30,
			PollIntervalMillis:   200,
			PollDeadlineSeconds:  5,
			RetainCompletedHours: 24,
			RetainReservedMins:   5,
		},
		Otel: OtelConfig{Exporter: "none"},
	}
}

// Path returns the config.yaml location within homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DefaultHomeDir resolves ~/.mnemo, honoring the MNEMO_HOME override.
func DefaultHomeDir() string {
	if v := os.Getenv("MNEMO_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mnemo")
}

// Load reads config.yaml from homeDir, applying defaults for anything unset.
// A missing file yields pure defaults.
func Load(homeDir string) (Config, error) {
	cfg := defaults(homeDir)
	data, err := os.ReadFile(Path(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	if v := os.Getenv("MNEMO_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("MNEMO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	seen := map[string]struct{}{}
	for _, t := range c.AuthTokens {
		token := strings.TrimSpace(t.Token)
		if token == "" {
			return fmt.Errorf("auth token entry with empty token for agent %q", t.AgentID)
		}
		if t.TenantID == "" || t.AgentID == "" {
			return fmt.Errorf("auth token %q missing tenant_id or agent_id", maskToken(token))
		}
		if _, dup := seen[token]; dup {
			return fmt.Errorf("duplicate auth token %q", maskToken(token))
		}
		seen[token] = struct{}{}
	}
	i := c.Idempotency
	poll := time.Duration(i.PollIntervalMillis) * time.Millisecond
	stale := time.Duration(i.StaleAfterSeconds) * time.Second
	if poll >= stale {
		return fmt.Errorf("idempotency poll interval (%s) must be well below stale threshold (%s)", poll, stale)
	}
	return nil
}

// ResolvedDBPath returns the sqlite path, defaulting under HomeDir.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "mnemo.db")
}

func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
