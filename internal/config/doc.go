// Package config handles configuration loading for agent-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML when the file name ends in
// .toml) with environment variable expansion, then completed from the
// environment and defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENT_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agent-relay/relay.yaml
//  3. ~/.config/agent-relay/relay.yaml
//
// When the default file does not exist the relay runs from the environment
// alone (see LoadOptional).
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	remote:
//	  api_key: "${AZURE_AI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// Remote settings left empty are also read directly from the environment:
//
//	AGENT_RELAY_ENDPOINT, AZURE_EXISTING_AIPROJECT_ENDPOINT, PROJECT_ENDPOINT
//	AGENT_RELAY_AGENT_ID, AZURE_EXISTING_AGENT_ID, EXISTING_AGENT_ID
//	AGENT_RELAY_API_KEY, AZURE_AI_API_KEY, AZURE_AI_PROJECT_API_KEY
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health service
//
//	remote:
//	  endpoint: "https://<resource>.services.ai.azure.com/api/projects/<project>"
//	  agent_id: "asst_..."
//	  api_version: "2025-05-01"
//	  request_timeout: "30s"
//
//	run:
//	  poll_interval: "1s"
//	  max_wait: "60s"
//
//	sessions:
//	  capacity: 1000
//	  idle_ttl: "24h"
//	  persist: true
//
//	queue:
//	  enabled: true
//	  redis_addr: "localhost:6379"
//	  input: "ai-agent-input"
//	  output: "ai-agent-output"
//	  workers: 4
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Validate rejects structurally broken configs (bad durations, queue without
// Redis, Tailscale without hostname). A missing endpoint or agent id is not a
// load error: requests report it through RemoteConfig.Missing.
package config
