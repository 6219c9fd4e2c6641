// ABOUTME: Reachability monitor probing credentials and the configured agent
// ABOUTME: Feeds /api/health, /health/ready and the gRPC health service

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/agent-relay/internal/credential"
)

// HealthServiceName is the gRPC health service name for the relay.
const HealthServiceName = "agentrelay.Relay"

// probeTimeout bounds a single probe.
const probeTimeout = 15 * time.Second

// AgentChecker verifies the configured agent is reachable.
type AgentChecker interface {
	CheckAgent(ctx context.Context, agentID string) error
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Credentials *credential.Resolver
	Agents      AgentChecker
	Missing     []string
	Health      *health.Server // optional
	Logger      *slog.Logger
}

// Probe is the result of one reachability check.
type Probe struct {
	Credentials    credential.Status
	AgentReachable bool
	Error          string
	CheckedAt      time.Time
}

// Healthy reports whether the relay can serve requests.
func (p Probe) Healthy() bool {
	return p.Credentials.Resolved && p.AgentReachable
}

// Monitor runs probes and remembers the last result.
type Monitor struct {
	creds   *credential.Resolver
	agents  AgentChecker
	missing []string
	health  *health.Server
	logger  *slog.Logger

	mu   sync.RWMutex
	last Probe
}

// NewMonitor creates a monitor. No probe runs until Check or Run.
func NewMonitor(cfg MonitorConfig) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		creds:   cfg.Credentials,
		agents:  cfg.Agents,
		missing: cfg.Missing,
		health:  cfg.Health,
		logger:  logger.With("component", "health"),
	}
}

// Check resolves credentials, retrying if the last attempt failed, and looks
// up the agent. Incomplete configuration skips both.
func (m *Monitor) Check(ctx context.Context) Probe {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	p := Probe{CheckedAt: time.Now().UTC()}
	switch {
	case len(m.missing) > 0:
		p.Error = "incomplete configuration"
	default:
		if _, err := m.creds.Resolve(ctx); err != nil {
			p.Error = err.Error()
			break
		}
		if err := m.agents.CheckAgent(ctx, ""); err != nil {
			p.Error = err.Error()
			break
		}
		p.AgentReachable = true
	}
	p.Credentials = m.creds.Status()

	m.mu.Lock()
	prev := m.last
	m.last = p
	m.mu.Unlock()

	if prev.CheckedAt.IsZero() || prev.Healthy() != p.Healthy() {
		if p.Healthy() {
			m.logger.Info("agent reachable", "method", p.Credentials.Method)
		} else {
			m.logger.Warn("agent unreachable", "error", p.Error)
		}
	}
	m.publish(p)
	return p
}

// Last returns the most recent probe. CheckedAt is zero if none ran yet.
func (m *Monitor) Last() Probe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) publish(p Probe) {
	if m.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if p.Healthy() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(HealthServiceName, status)
}
