// ABOUTME: Configuration loading and parsing for agent-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default values applied when the config leaves a field empty.
const (
	DefaultHTTPAddr       = "localhost:8080"
	DefaultDatabasePath   = ":memory:"
	DefaultAPIVersion     = "2025-05-01"
	DefaultTokenResource  = "https://ai.azure.com"
	DefaultRequestTimeout = 30 * time.Second
	DefaultPollInterval   = time.Second
	DefaultMaxWait        = 60 * time.Second
	DefaultSessionCap     = 1000
	DefaultSessionIdleTTL = 24 * time.Hour
	DefaultInputQueue     = "ai-agent-input"
	DefaultOutputQueue    = "ai-agent-output"
	DefaultQueueWorkers   = 4
	DefaultProbeInterval  = time.Minute

	DefaultSearchAPIVersion = "2023-11-01"
	DefaultSearchTop        = 5
	DefaultSearchInput      = "search-input"
	DefaultSearchOutput     = "search-output"
)

// Config represents the complete agent-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Remote    RemoteConfig    `yaml:"remote" toml:"remote"`
	Run       RunConfig       `yaml:"run" toml:"run"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Search    SearchConfig    `yaml:"search" toml:"search"`
	Response  ResponseConfig  `yaml:"response" toml:"response"`
	Health    HealthConfig    `yaml:"health" toml:"health"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds inbound API authentication configuration.
// When JWTSecret is empty the API is anonymous.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// RemoteConfig describes the hosted agent service.
type RemoteConfig struct {
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	AgentID       string `yaml:"agent_id" toml:"agent_id"`
	APIKey        string `yaml:"api_key" toml:"api_key"`
	APIVersion    string `yaml:"api_version" toml:"api_version"`
	TokenResource string `yaml:"token_resource" toml:"token_resource"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// RunConfig holds the polling discipline for agent runs
type RunConfig struct {
	PollInterval time.Duration `yaml:"-" toml:"-"`
	MaxWait      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	MaxWaitRaw      string `yaml:"max_wait" toml:"max_wait"`
}

// SessionsConfig bounds the conversation session cache
type SessionsConfig struct {
	Capacity int  `yaml:"capacity" toml:"capacity"`
	Persist  bool `yaml:"persist" toml:"persist"`

	IdleTTL    time.Duration `yaml:"-" toml:"-"`
	IdleTTLRaw string        `yaml:"idle_ttl" toml:"idle_ttl"`
}

// QueueConfig holds the Redis-backed queue transport configuration
type QueueConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisUsername string `yaml:"redis_username" toml:"redis_username"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	Input         string `yaml:"input" toml:"input"`
	Output        string `yaml:"output" toml:"output"`
	Workers       int    `yaml:"workers" toml:"workers"`
}

// SearchConfig describes the document index answering direct search queries.
// Search runs over the queue transport and is off while Endpoint is empty.
type SearchConfig struct {
	Endpoint   string `yaml:"endpoint" toml:"endpoint"`
	Index      string `yaml:"index" toml:"index"`
	APIKey     string `yaml:"api_key" toml:"api_key"`
	APIVersion string `yaml:"api_version" toml:"api_version"`
	Top        int    `yaml:"top" toml:"top"`
	Input      string `yaml:"input" toml:"input"`
	Output     string `yaml:"output" toml:"output"`
	Workers    int    `yaml:"workers" toml:"workers"`
}

// Enabled reports whether a search endpoint is configured.
func (s SearchConfig) Enabled() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// ResponseConfig controls optional response shaping
type ResponseConfig struct {
	RenderHTML bool `yaml:"render_html" toml:"render_html"`
}

// HealthConfig controls the background reachability probe
type HealthConfig struct {
	ProbeInterval    time.Duration `yaml:"-" toml:"-"`
	ProbeIntervalRaw string        `yaml:"probe_interval" toml:"probe_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Environment variables consulted for remote settings, in priority order.
// The later names are the ones used by existing Azure Functions deployments.
var (
	endpointEnvVars = []string{"AGENT_RELAY_ENDPOINT", "AZURE_EXISTING_AIPROJECT_ENDPOINT", "PROJECT_ENDPOINT"}
	agentIDEnvVars  = []string{"AGENT_RELAY_AGENT_ID", "AZURE_EXISTING_AGENT_ID", "EXISTING_AGENT_ID"}
	apiKeyEnvVars   = []string{"AGENT_RELAY_API_KEY", "AZURE_AI_API_KEY", "AZURE_AI_PROJECT_API_KEY"}

	searchEndpointEnvVars = []string{"AGENT_RELAY_SEARCH_ENDPOINT", "SEARCH_ENDPOINT"}
	searchIndexEnvVars    = []string{"AGENT_RELAY_SEARCH_INDEX", "SEARCH_INDEX_NAME"}
	searchAPIKeyEnvVars   = []string{"AGENT_RELAY_SEARCH_API_KEY", "SEARCH_API_KEY"}
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return finish(&cfg)
}

// LoadOptional behaves like Load but returns an environment-only configuration
// when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// firstEnv returns the first non-empty value among the named environment variables.
func firstEnv(names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

// applyEnv fills remote settings the file left empty from the environment.
func applyEnv(cfg *Config) {
	if cfg.Remote.Endpoint == "" {
		cfg.Remote.Endpoint = firstEnv(endpointEnvVars)
	}
	if cfg.Remote.AgentID == "" {
		cfg.Remote.AgentID = firstEnv(agentIDEnvVars)
	}
	if cfg.Remote.APIKey == "" {
		cfg.Remote.APIKey = firstEnv(apiKeyEnvVars)
	}
	if cfg.Search.Endpoint == "" {
		cfg.Search.Endpoint = firstEnv(searchEndpointEnvVars)
	}
	if cfg.Search.Index == "" {
		cfg.Search.Index = firstEnv(searchIndexEnvVars)
	}
	if cfg.Search.APIKey == "" {
		cfg.Search.APIKey = firstEnv(searchAPIKeyEnvVars)
	}
	if envPath := os.Getenv("AGENT_RELAY_DB_PATH"); envPath != "" {
		cfg.Database.Path = envPath
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" && cfg.Queue.RedisAddr == "" {
		cfg.Queue.RedisAddr = addr
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.Remote.APIVersion == "" {
		cfg.Remote.APIVersion = DefaultAPIVersion
	}
	if cfg.Remote.TokenResource == "" {
		cfg.Remote.TokenResource = DefaultTokenResource
	}
	if cfg.Remote.RequestTimeout == 0 {
		cfg.Remote.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Run.PollInterval == 0 {
		cfg.Run.PollInterval = DefaultPollInterval
	}
	if cfg.Run.MaxWait == 0 {
		cfg.Run.MaxWait = DefaultMaxWait
	}
	if cfg.Sessions.Capacity == 0 {
		cfg.Sessions.Capacity = DefaultSessionCap
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = DefaultSessionIdleTTL
	}
	if cfg.Queue.Input == "" {
		cfg.Queue.Input = DefaultInputQueue
	}
	if cfg.Queue.Output == "" {
		cfg.Queue.Output = DefaultOutputQueue
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = DefaultQueueWorkers
	}
	if cfg.Search.APIVersion == "" {
		cfg.Search.APIVersion = DefaultSearchAPIVersion
	}
	if cfg.Search.Top == 0 {
		cfg.Search.Top = DefaultSearchTop
	}
	if cfg.Search.Input == "" {
		cfg.Search.Input = DefaultSearchInput
	}
	if cfg.Search.Output == "" {
		cfg.Search.Output = DefaultSearchOutput
	}
	if cfg.Search.Workers == 0 {
		cfg.Search.Workers = 1
	}
	if cfg.Health.ProbeInterval == 0 {
		cfg.Health.ProbeInterval = DefaultProbeInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks structural configuration errors.
// Missing remote settings are not an error here: the relay starts anyway and
// reports them per request (see RemoteConfig.Missing).
func (c *Config) Validate() error {
	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Run.PollInterval < 0 || c.Run.MaxWait < 0 {
		return fmt.Errorf("run.poll_interval and run.max_wait must be positive")
	}
	if c.Run.PollInterval > c.Run.MaxWait {
		return fmt.Errorf("run.poll_interval (%s) exceeds run.max_wait (%s)", c.Run.PollInterval, c.Run.MaxWait)
	}

	if c.Sessions.Capacity < 0 {
		return fmt.Errorf("sessions.capacity must not be negative")
	}

	if c.Queue.Enabled && c.Queue.RedisAddr == "" {
		return fmt.Errorf("queue.redis_addr is required when queue is enabled")
	}
	if c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must not be negative")
	}

	if c.Search.Enabled() {
		if strings.TrimSpace(c.Search.Index) == "" {
			return fmt.Errorf("search.index is required when search.endpoint is set")
		}
		if c.Search.Top < 0 || c.Search.Workers < 0 {
			return fmt.Errorf("search.top and search.workers must not be negative")
		}
		if c.Search.Input == c.Queue.Input {
			return fmt.Errorf("search.input must differ from queue.input (both %q)", c.Search.Input)
		}
	}

	return nil
}

// Missing lists the remote settings that must be present before a chat
// request can be served. The names match the environment variables an
// operator would set.
func (r RemoteConfig) Missing() []string {
	var missing []string
	if strings.TrimSpace(r.Endpoint) == "" {
		missing = append(missing, endpointEnvVars[0])
	}
	if strings.TrimSpace(r.AgentID) == "" {
		missing = append(missing, agentIDEnvVars[0])
	}
	return missing
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"remote.request_timeout", cfg.Remote.RequestTimeoutRaw, &cfg.Remote.RequestTimeout},
		{"run.poll_interval", cfg.Run.PollIntervalRaw, &cfg.Run.PollInterval},
		{"run.max_wait", cfg.Run.MaxWaitRaw, &cfg.Run.MaxWait},
		{"sessions.idle_ttl", cfg.Sessions.IdleTTLRaw, &cfg.Sessions.IdleTTL},
		{"health.probe_interval", cfg.Health.ProbeIntervalRaw, &cfg.Health.ProbeInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
