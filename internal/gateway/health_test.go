// ABOUTME: Tests for the reachability monitor and the gRPC health status it drives
// ABOUTME: Uses a stub agent checker and an in-process health server

package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/agent-relay/internal/credential"
)

type stubChecker struct {
	err   atomic.Pointer[error]
	calls atomic.Int32
}

func (s *stubChecker) fail(err error) { s.err.Store(&err) }

func (s *stubChecker) CheckAgent(context.Context, string) error {
	s.calls.Add(1)
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func servingStatus(t *testing.T, hs *health.Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthServiceName})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestMonitor_ReachableAgentServes(t *testing.T) {
	_, hs := createGRPCServer()
	checker := &stubChecker{}
	m := NewMonitor(MonitorConfig{
		Credentials: credential.NewResolver(testLogger(), &credential.APIKeyStrategy{Key: "k"}),
		Agents:      checker,
		Health:      hs,
		Logger:      testLogger(),
	})

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, hs))
	assert.True(t, m.Last().CheckedAt.IsZero())

	p := m.Check(context.Background())
	assert.True(t, p.Healthy())
	assert.Equal(t, credential.MethodAPIKey, p.Credentials.Method)
	assert.Equal(t, p, m.Last())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(t, hs))

	checker.fail(errors.New("agent lookup: not found"))
	p = m.Check(context.Background())
	assert.False(t, p.Healthy())
	assert.Equal(t, "agent lookup: not found", p.Error)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(t, hs))
}

func TestMonitor_CredentialFailureSkipsAgent(t *testing.T) {
	checker := &stubChecker{}
	m := NewMonitor(MonitorConfig{
		Credentials: credential.NewResolver(testLogger(), &credential.APIKeyStrategy{}),
		Agents:      checker,
		Logger:      testLogger(),
	})

	p := m.Check(context.Background())
	assert.False(t, p.Healthy())
	assert.False(t, p.Credentials.Resolved)
	assert.NotEmpty(t, p.Credentials.Attempts)
	assert.Zero(t, checker.calls.Load())
}

func TestMonitor_MissingConfigSkipsProbe(t *testing.T) {
	checker := &stubChecker{}
	m := NewMonitor(MonitorConfig{
		Credentials: credential.NewResolver(testLogger(), &credential.APIKeyStrategy{Key: "k"}),
		Agents:      checker,
		Missing:     []string{"AGENT_RELAY_AGENT_ID"},
		Logger:      testLogger(),
	})

	p := m.Check(context.Background())
	assert.False(t, p.Healthy())
	assert.Equal(t, "incomplete configuration", p.Error)
	assert.Zero(t, checker.calls.Load())
}

func TestMonitor_RunProbesPeriodically(t *testing.T) {
	checker := &stubChecker{}
	m := NewMonitor(MonitorConfig{
		Credentials: credential.NewResolver(testLogger(), &credential.APIKeyStrategy{Key: "k"}),
		Agents:      checker,
		Logger:      testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return checker.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.True(t, m.Last().Healthy())
}
