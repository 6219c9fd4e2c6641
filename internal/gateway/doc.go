// Package gateway wires the relay together and serves it.
//
// # Overview
//
// New builds every process-wide object once from configuration: the SQLite
// store, the credential resolver, the agent service client, the session
// manager, the conversation coordinator, the relay handler and the exchange
// feed. Nothing global is shared between packages; each is injected.
//
// # HTTP API
//
//   - POST /api/chat - Relay one message; OPTIONS answers CORS preflights
//   - GET /api/health - Credentials, configuration and agent reachability
//   - GET /api/exchanges - Recent exchanges, newest first (?limit=N)
//   - GET /api/exchanges/{correlationId} - One exchange
//   - GET /api/exchanges/stream - Server-sent events as exchanges are recorded
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Every response carries permissive CORS headers. When auth.jwt_secret is
// set, the chat and exchange routes require a bearer token.
//
// # Other front-ends
//
// With queue.enabled, a worker pool consumes the Redis input list and writes
// replies to the output list. With server.grpc_addr (or Tailscale), the
// standard gRPC health service reports SERVING while the Monitor last found
// the agent reachable. With tailscale.enabled, the HTTP API listens on the
// tailnet instead of a TCP address.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
//
// Run drains HTTP for up to five seconds, lets queue workers finish their
// in-flight messages, then closes the store.
package gateway
