// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML/TOML loading, env var expansion, env fallbacks, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearRemoteEnv blanks every environment variable the loader consults so the
// host environment cannot leak into a test.
func clearRemoteEnv(t *testing.T) {
	t.Helper()
	for _, group := range [][]string{endpointEnvVars, agentIDEnvVars, apiKeyEnvVars, searchEndpointEnvVars, searchIndexEnvVars, searchAPIKeyEnvVars} {
		for _, name := range group {
			t.Setenv(name, "")
		}
	}
	t.Setenv("AGENT_RELAY_DB_PATH", "")
	t.Setenv("REDIS_ADDR", "")
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	clearRemoteEnv(t)

	configPath := writeConfig(t, "relay.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  path: "./test.db"

remote:
  endpoint: "https://example.services.ai.azure.com/api/projects/demo"
  agent_id: "asst_123"
  api_version: "2024-12-01-preview"
  request_timeout: "10s"

run:
  poll_interval: "2s"
  max_wait: "90s"

sessions:
  capacity: 50
  idle_ttl: "30m"
  persist: true

queue:
  enabled: true
  redis_addr: "localhost:6379"
  input: "in"
  output: "out"
  workers: 2

response:
  render_html: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50051")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Remote.AgentID != "asst_123" {
		t.Errorf("Remote.AgentID = %q, want %q", cfg.Remote.AgentID, "asst_123")
	}
	if cfg.Remote.APIVersion != "2024-12-01-preview" {
		t.Errorf("Remote.APIVersion = %q, want %q", cfg.Remote.APIVersion, "2024-12-01-preview")
	}
	if cfg.Remote.RequestTimeout != 10*time.Second {
		t.Errorf("Remote.RequestTimeout = %v, want %v", cfg.Remote.RequestTimeout, 10*time.Second)
	}
	if cfg.Run.PollInterval != 2*time.Second {
		t.Errorf("Run.PollInterval = %v, want %v", cfg.Run.PollInterval, 2*time.Second)
	}
	if cfg.Run.MaxWait != 90*time.Second {
		t.Errorf("Run.MaxWait = %v, want %v", cfg.Run.MaxWait, 90*time.Second)
	}
	if cfg.Sessions.Capacity != 50 || cfg.Sessions.IdleTTL != 30*time.Minute || !cfg.Sessions.Persist {
		t.Errorf("Sessions = %+v, want capacity 50, idle 30m, persist", cfg.Sessions)
	}
	if !cfg.Queue.Enabled || cfg.Queue.Input != "in" || cfg.Queue.Output != "out" || cfg.Queue.Workers != 2 {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if !cfg.Response.RenderHTML {
		t.Error("Response.RenderHTML = false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if len(cfg.Remote.Missing()) != 0 {
		t.Errorf("Remote.Missing() = %v, want none", cfg.Remote.Missing())
	}
}

func TestLoad_TOML(t *testing.T) {
	clearRemoteEnv(t)

	configPath := writeConfig(t, "relay.toml", `
[server]
http_addr = "127.0.0.1:9090"

[remote]
endpoint = "https://example.test/api/projects/p"
agent_id = "asst_toml"

[run]
poll_interval = "500ms"
max_wait = "5s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Remote.AgentID != "asst_toml" {
		t.Errorf("Remote.AgentID = %q", cfg.Remote.AgentID)
	}
	if cfg.Run.PollInterval != 500*time.Millisecond || cfg.Run.MaxWait != 5*time.Second {
		t.Errorf("Run = %+v", cfg.Run)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	clearRemoteEnv(t)
	t.Setenv("TEST_RELAY_KEY", "key-from-env")

	configPath := writeConfig(t, "relay.yaml", `
remote:
  endpoint: "https://example.test"
  agent_id: "asst_1"
  api_key: "${TEST_RELAY_KEY}"
auth:
  jwt_secret: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.APIKey != "key-from-env" {
		t.Errorf("Remote.APIKey = %q, want %q", cfg.Remote.APIKey, "key-from-env")
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty string for unset env var", cfg.Auth.JWTSecret)
	}
}

func TestLoad_EnvFallbacks(t *testing.T) {
	clearRemoteEnv(t)
	t.Setenv("AZURE_EXISTING_AIPROJECT_ENDPOINT", "https://legacy.test")
	t.Setenv("EXISTING_AGENT_ID", "asst_legacy")
	t.Setenv("AZURE_AI_API_KEY", "legacy-key")

	configPath := writeConfig(t, "relay.yaml", "logging:\n  level: info\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Endpoint != "https://legacy.test" {
		t.Errorf("Remote.Endpoint = %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.AgentID != "asst_legacy" {
		t.Errorf("Remote.AgentID = %q", cfg.Remote.AgentID)
	}
	if cfg.Remote.APIKey != "legacy-key" {
		t.Errorf("Remote.APIKey = %q", cfg.Remote.APIKey)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearRemoteEnv(t)

	cfg, err := Load(writeConfig(t, "relay.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Run.PollInterval != DefaultPollInterval {
		t.Errorf("Run.PollInterval = %v, want %v", cfg.Run.PollInterval, DefaultPollInterval)
	}
	if cfg.Run.MaxWait != DefaultMaxWait {
		t.Errorf("Run.MaxWait = %v, want %v", cfg.Run.MaxWait, DefaultMaxWait)
	}
	if cfg.Sessions.Capacity != DefaultSessionCap {
		t.Errorf("Sessions.Capacity = %d, want %d", cfg.Sessions.Capacity, DefaultSessionCap)
	}
	if cfg.Queue.Input != DefaultInputQueue || cfg.Queue.Output != DefaultOutputQueue {
		t.Errorf("Queue names = %q/%q", cfg.Queue.Input, cfg.Queue.Output)
	}
	if cfg.Remote.APIVersion != DefaultAPIVersion {
		t.Errorf("Remote.APIVersion = %q", cfg.Remote.APIVersion)
	}
}

func TestRemoteConfig_Missing(t *testing.T) {
	clearRemoteEnv(t)

	cfg, err := Load(writeConfig(t, "relay.yaml", "remote:\n  agent_id: \"  \"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"AGENT_RELAY_ENDPOINT", "AGENT_RELAY_AGENT_ID"}
	if got := cfg.Remote.Missing(); !reflect.DeepEqual(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearRemoteEnv(t)

	_, err := Load(writeConfig(t, "relay.yaml", "run:\n  max_wait: \"soon\"\n"))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "run.max_wait") {
		t.Errorf("error = %v, want mention of run.max_wait", err)
	}
}

func TestLoad_PollIntervalExceedsMaxWait(t *testing.T) {
	clearRemoteEnv(t)

	_, err := Load(writeConfig(t, "relay.yaml", "run:\n  poll_interval: \"10s\"\n  max_wait: \"5s\"\n"))
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
}

func TestLoad_QueueRequiresRedis(t *testing.T) {
	clearRemoteEnv(t)

	_, err := Load(writeConfig(t, "relay.yaml", "queue:\n  enabled: true\n"))
	if err == nil {
		t.Fatal("Load() expected error when queue enabled without redis_addr")
	}
}

func TestLoad_SearchSettings(t *testing.T) {
	clearRemoteEnv(t)
	t.Setenv("SEARCH_ENDPOINT", "https://search.test")
	t.Setenv("SEARCH_INDEX_NAME", "documents")
	t.Setenv("AGENT_RELAY_SEARCH_API_KEY", "search-key")

	cfg, err := Load(writeConfig(t, "relay.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Search.Enabled() {
		t.Fatal("Search.Enabled() = false, want true")
	}
	if cfg.Search.Index != "documents" || cfg.Search.APIKey != "search-key" {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.Search.Input != DefaultSearchInput || cfg.Search.Output != DefaultSearchOutput {
		t.Errorf("Search queues = %q/%q", cfg.Search.Input, cfg.Search.Output)
	}
	if cfg.Search.Top != DefaultSearchTop || cfg.Search.APIVersion != DefaultSearchAPIVersion {
		t.Errorf("Search.Top = %d, APIVersion = %q", cfg.Search.Top, cfg.Search.APIVersion)
	}
}

func TestLoad_SearchValidation(t *testing.T) {
	clearRemoteEnv(t)

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing index", "search:\n  endpoint: https://search.test\n", "search.index"},
		{"shared input", "search:\n  endpoint: https://search.test\n  index: docs\n  input: ai-agent-input\n", "search.input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "relay.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}

	cfg, err := Load(writeConfig(t, "relay.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Search.Enabled() {
		t.Error("Search.Enabled() = true without an endpoint")
	}
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	clearRemoteEnv(t)

	_, err := Load(writeConfig(t, "relay.yaml", "tailscale:\n  enabled: true\n"))
	if err == nil {
		t.Fatal("Load() expected error when tailscale enabled without hostname")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/relay.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadOptional_MissingFileUsesEnvironment(t *testing.T) {
	clearRemoteEnv(t)
	t.Setenv("AGENT_RELAY_ENDPOINT", "https://env.test")
	t.Setenv("AGENT_RELAY_AGENT_ID", "asst_env")

	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional() error = %v", err)
	}
	if cfg.Remote.Endpoint != "https://env.test" || cfg.Remote.AgentID != "asst_env" {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "relay.yaml", `
server:
  http_addr "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}
