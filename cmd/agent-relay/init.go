// ABOUTME: Interactive init command that scaffolds a relay config file
// ABOUTME: Prompts for the agent service, transports and logging, then writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/agent-relay/internal/config"
)

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agent-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "relay.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Agent Service ---")
	endpoint := prompt(reader, "Project endpoint (or ${AZURE_EXISTING_AIPROJECT_ENDPOINT})", "${AZURE_EXISTING_AIPROJECT_ENDPOINT}")
	agentID := prompt(reader, "Agent id (or ${AZURE_EXISTING_AGENT_ID})", "${AZURE_EXISTING_AGENT_ID}")
	apiKey := prompt(reader, "API key (leave empty for managed identity / service principal)", "")
	maxWait := prompt(reader, "Max wait for a run", config.DefaultMaxWait.String())

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, "gRPC health address (leave empty to disable)", "")
	dbPath := prompt(reader, "SQLite database path", defaultDBPath)

	var jwtSecret string
	if isYes(prompt(reader, "Require bearer tokens on the API?", "no")) {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		jwtSecret = secret
	}

	fmt.Println("\n--- Queue ---")
	queueEnabled := isYes(prompt(reader, "Consume a Redis queue?", "no"))
	var redisAddr string
	if queueEnabled {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}

	fmt.Println("\n--- Tailscale ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "agent-relay")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# agent-relay configuration\n")
	cfg.WriteString("# Generated by agent-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)
	}

	cfg.WriteString("remote:\n")
	fmt.Fprintf(&cfg, "  endpoint: %q\n", endpoint)
	fmt.Fprintf(&cfg, "  agent_id: %q\n", agentID)
	if apiKey != "" {
		fmt.Fprintf(&cfg, "  api_key: %q\n", apiKey)
	}
	fmt.Fprintf(&cfg, "  api_version: %q\n\n", config.DefaultAPIVersion)

	cfg.WriteString("run:\n")
	fmt.Fprintf(&cfg, "  poll_interval: %q\n", config.DefaultPollInterval.String())
	fmt.Fprintf(&cfg, "  max_wait: %q\n\n", maxWait)

	cfg.WriteString("sessions:\n")
	fmt.Fprintf(&cfg, "  capacity: %d\n", config.DefaultSessionCap)
	fmt.Fprintf(&cfg, "  idle_ttl: %q\n", config.DefaultSessionIdleTTL.String())
	cfg.WriteString("  persist: true\n\n")

	cfg.WriteString("queue:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", queueEnabled)
	if queueEnabled {
		fmt.Fprintf(&cfg, "  redis_addr: %q\n", redisAddr)
		fmt.Fprintf(&cfg, "  input: %q\n", config.DefaultInputQueue)
		fmt.Fprintf(&cfg, "  output: %q\n", config.DefaultOutputQueue)
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold an API key and the JWT secret.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	green := color.New(color.FgGreen)
	fmt.Println()
	green.Printf("  ✓ Config written to %s\n", outputFile)
	if jwtSecret != "" {
		fmt.Println("  Mint a token for a frontend with:")
		fmt.Println("    agent-relay token <frontend-name>")
	}
	fmt.Println("\nTo start the server:")
	fmt.Println("  agent-relay serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
