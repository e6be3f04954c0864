// Package config handles msgbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is indirected so tests can point it at a temp dir
// instead of the real search path.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/msgbridge/config.yaml, /config/config.yaml,
// /etc/msgbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "msgbridge", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/msgbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all msgbridge configuration. Only Upstream.BaseURL is
// required by Validate; Upstream.APIKey is not checked, and everything
// else has a usable default.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Coalesce CoalesceConfig `yaml:"coalesce"`
	Pacing   PacingConfig   `yaml:"pacing"`
	LogLevel string         `yaml:"log_level"`

	// modelIndex memoizes the Anthropic->OpenAI lookup, built exactly
	// once via modelIndexOnce so concurrent request handlers calling
	// ModelFor before Load has pre-warmed it (or a Config built without
	// Load, as in tests) never race on the underlying map write.
	// Unexported, so yaml.v3 leaves it alone.
	modelIndexOnce sync.Once
	modelIndex     map[string]string
}

// ListenConfig defines the inbound HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// UpstreamConfig defines the OpenAI-compatible Chat Completions target.
type UpstreamConfig struct {
	BaseURL    string         `yaml:"base_url"`
	APIKey     string         `yaml:"api_key"`
	MaxRetries int            `yaml:"max_retries"` // rate-limit retries, default 3
	Timeout    int            `yaml:"timeout_sec"` // streaming read timeout, default 60, max 600
	Models     []ModelMapping `yaml:"model_mappings"`
}

// ModelMapping maps one Anthropic model name to the upstream's name for
// it. Checked in order; first match wins. A request model with no entry
// passes through unchanged.
type ModelMapping struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
}

// CoalesceConfig defines the request deduplication cache.
type CoalesceConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"` // default 300
}

// PacingConfig defines the optional inter-event delay applied to
// terminal-UI clients during SSE streaming.
type PacingConfig struct {
	DelayMS    int      `yaml:"delay_ms"` // default 0, max 50
	UserAgents []string `yaml:"user_agents"`
}

// Configured reports whether the upstream has both a base URL and an API
// key. A partial configuration is treated as unconfigured.
func (c UpstreamConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks. Environment variables listed in
// applyEnvOverrides take precedence over file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${OPENAI_API_KEY}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.buildModelIndex()

	return cfg, nil
}

// applyEnvOverrides lets deployment environment variables win over
// whatever the config file says, matching container-first conventions.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BRIDGE_UPSTREAM_BASE_URL"); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := os.Getenv("BRIDGE_UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("BRIDGE_LISTEN_ADDRESS"); v != "" {
		c.Listen.Address = v
	}
	if v := os.Getenv("BRIDGE_LISTEN_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.Listen.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 60
	}
	if c.Upstream.Timeout > 600 {
		c.Upstream.Timeout = 600
	}
	if c.Coalesce.TTLSeconds == 0 {
		c.Coalesce.TTLSeconds = 300
	}
	if c.Pacing.DelayMS > 50 {
		c.Pacing.DelayMS = 50
	}
	if len(c.Pacing.UserAgents) == 0 {
		c.Pacing.UserAgents = []string{
			"claude-cli",
			"claude-code",
			"claude-code-router",
			"anthropic-claude-code",
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("upstream.max_retries must be >= 0")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// buildModelIndex builds the Anthropic->OpenAI lookup map, guarded by
// modelIndexOnce so the config can be pre-warmed once at Load time (the
// common case) while still being safe to build lazily on first use for
// a Config assembled directly, as tests do.
func (c *Config) buildModelIndex() {
	c.modelIndexOnce.Do(func() {
		c.modelIndex = make(map[string]string, len(c.Upstream.Models))
		for _, m := range c.Upstream.Models {
			if _, exists := c.modelIndex[m.Anthropic]; !exists {
				c.modelIndex[m.Anthropic] = m.OpenAI
			}
		}
	})
}

// ModelFor resolves an Anthropic model name to the upstream model name
// using the configured mapping table, per the translator's model-name
// rule (O(1) amortised, built once via buildModelIndex). A request
// model with no mapping entry passes through unchanged.
func (c *Config) ModelFor(anthropicModel string) string {
	c.buildModelIndex()
	if mapped, ok := c.modelIndex[anthropicModel]; ok {
		return mapped
	}
	return anthropicModel
}
