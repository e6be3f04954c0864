package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://api.example.com/v1\n  api_key: ${BRIDGE_TEST_KEY}\n")
	os.Setenv("BRIDGE_TEST_KEY", "secret123")
	defer os.Unsetenv("BRIDGE_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Upstream.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Upstream.APIKey, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://api.example.com/v1\n  api_key: sk-test-key\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Upstream.APIKey, "sk-test-key")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://api.example.com/v1\n  api_key: sk-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Upstream.MaxRetries != 3 {
		t.Errorf("Upstream.MaxRetries = %d, want 3", cfg.Upstream.MaxRetries)
	}
	if cfg.Upstream.Timeout != 60 {
		t.Errorf("Upstream.Timeout = %d, want 60", cfg.Upstream.Timeout)
	}
	if cfg.Coalesce.TTLSeconds != 300 {
		t.Errorf("Coalesce.TTLSeconds = %d, want 300", cfg.Coalesce.TTLSeconds)
	}
	if len(cfg.Pacing.UserAgents) == 0 {
		t.Error("Pacing.UserAgents should have defaults")
	}
}

func TestLoad_TimeoutClampedToMax(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://api.example.com/v1\n  api_key: sk-test\n  timeout_sec: 9000\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Upstream.Timeout != 600 {
		t.Errorf("Upstream.Timeout = %d, want clamped to 600", cfg.Upstream.Timeout)
	}
}

func TestLoad_PacingDelayClampedToMax(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://api.example.com/v1\n  api_key: sk-test\npacing:\n  delay_ms: 500\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Pacing.DelayMS != 50 {
		t.Errorf("Pacing.DelayMS = %d, want clamped to 50", cfg.Pacing.DelayMS)
	}
}

func TestLoad_MissingBaseURLFails(t *testing.T) {
	path := writeConfig(t, "upstream:\n  api_key: sk-test\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load should fail when upstream.base_url is missing")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "upstream:\n  base_url: https://file.example.com/v1\n  api_key: file-key\nlisten:\n  port: 7000\n")

	os.Setenv("BRIDGE_UPSTREAM_BASE_URL", "https://env.example.com/v1")
	os.Setenv("BRIDGE_UPSTREAM_API_KEY", "env-key")
	os.Setenv("BRIDGE_LISTEN_PORT", "9090")
	defer func() {
		os.Unsetenv("BRIDGE_UPSTREAM_BASE_URL")
		os.Unsetenv("BRIDGE_UPSTREAM_API_KEY")
		os.Unsetenv("BRIDGE_LISTEN_PORT")
	}()

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Upstream.BaseURL != "https://env.example.com/v1" {
		t.Errorf("BaseURL = %q, want env override", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.Upstream.APIKey)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := &Config{Upstream: UpstreamConfig{BaseURL: "https://x"}, Listen: ListenConfig{Port: 70000}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject out-of-range port")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := &Config{Upstream: UpstreamConfig{BaseURL: "https://x"}, LogLevel: "verbose"}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject an unknown log level")
	}
}

func TestModelFor_MappedAndUnmapped(t *testing.T) {
	cfg := &Config{
		Upstream: UpstreamConfig{
			Models: []ModelMapping{
				{Anthropic: "claude-opus-4", OpenAI: "gpt-4o"},
				{Anthropic: "claude-haiku-4", OpenAI: "gpt-4o-mini"},
			},
		},
	}

	if got := cfg.ModelFor("claude-opus-4"); got != "gpt-4o" {
		t.Errorf("ModelFor(claude-opus-4) = %q, want gpt-4o", got)
	}
	if got := cfg.ModelFor("claude-haiku-4"); got != "gpt-4o-mini" {
		t.Errorf("ModelFor(claude-haiku-4) = %q, want gpt-4o-mini", got)
	}
	if got := cfg.ModelFor("unknown-model"); got != "unknown-model" {
		t.Errorf("ModelFor(unknown-model) = %q, want passthrough", got)
	}
}

func TestUpstreamConfig_Configured(t *testing.T) {
	cases := []struct {
		name string
		cfg  UpstreamConfig
		want bool
	}{
		{"both set", UpstreamConfig{BaseURL: "https://x", APIKey: "k"}, true},
		{"missing key", UpstreamConfig{BaseURL: "https://x"}, false},
		{"missing base url", UpstreamConfig{APIKey: "k"}, false},
		{"neither", UpstreamConfig{}, false},
	}
	for _, tc := range cases {
		if got := tc.cfg.Configured(); got != tc.want {
			t.Errorf("%s: Configured() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
