// ABOUTME: Entry point for the agent-relay server and its companion commands
// ABOUTME: serve runs the relay; init, health, chat and token help operate it

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _                      _
  __ _  __ _  ___ _ __ | |_      _ __ ___| | __ _ _   _
 / _' |/ _' |/ _ \ '_ \| __|____| '__/ _ \ |/ _' | | | |
| (_| | (_| |  __/ | | | ||_____| | |  __/ | (_| | |_| |
 \__,_|\__, |\___|_| |_|\__|    |_|  \___|_|\__,_|\__, |
       |___/                                      |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: AGENT_RELAY_CONFIG env var > XDG_CONFIG_HOME/agent-relay/relay.yaml > ~/.config/agent-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENT_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-relay", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/agent-relay > ~/.local/share/agent-relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-relay")
}

// loadConfig loads the config file. A missing file is only tolerated at the
// default location, where the environment alone may configure the relay.
func loadConfig() (*config.Config, string, error) {
	path := getConfigPath()
	load := config.LoadOptional
	if os.Getenv("AGENT_RELAY_CONFIG") != "" {
		load = config.Load
	}
	cfg, err := load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func usage() {
	fmt.Println("Usage: agent-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the relay server")
	fmt.Println("  init                           Create a new config file interactively")
	fmt.Println("  health                         Check relay health")
	fmt.Println("  chat [-session ID] MESSAGE     Send one message through a running relay")
	fmt.Println("  token [-ttl 720h] SUBJECT      Mint an API token signed with auth.jwt_secret")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "chat":
		err = runChat(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Agent:     ")
	if cfg.Remote.AgentID != "" {
		cyan.Print(cfg.Remote.AgentID)
	} else {
		yellow.Print("not configured")
	}
	fmt.Println()
	if cfg.Queue.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Queue:     %s -> %s @ %s\n", cfg.Queue.Input, cfg.Queue.Output, cfg.Queue.RedisAddr)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if missing := cfg.Remote.Missing(); len(missing) > 0 {
		yellow.Print("    ! ")
		fmt.Printf("Missing:   %v (chat requests will be rejected)\n", missing)
	}

	fmt.Println()

	logger.Info("starting agent-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"queue", cfg.Queue.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
