// ABOUTME: Service coordinates one agent run: verify agent, post message, start run, poll, read reply
// ABOUTME: Steps are strictly sequential; polling is bounded by a wait budget and the caller's context

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/agent-relay/internal/remote"
	"github.com/2389/agent-relay/internal/session"
)

// FallbackReply is returned when a completed run left no readable answer.
const FallbackReply = "Sorry, no response could be generated."

// Default polling discipline.
const (
	DefaultPollInterval = time.Second
	DefaultMaxWait      = 60 * time.Second
)

// errBudgetExhausted is the cancellation cause of the polling budget.
var errBudgetExhausted = errors.New("wait budget exhausted")

// Sessions hands out conversation sessions.
type Sessions interface {
	GetOrCreate(ctx context.Context, key string) (*session.Session, error)
	Forget(ctx context.Context, key string)
}

// Config configures a Service.
type Config struct {
	AgentID      string // used when a request names no agent
	PollInterval time.Duration
	MaxWait      time.Duration
	Logger       *slog.Logger
}

// Service is the agent run coordinator.
type Service struct {
	agents       remote.AgentService
	sessions     Sessions
	agentID      string
	pollInterval time.Duration
	maxWait      time.Duration
	logger       *slog.Logger
}

// New creates a coordinator.
func New(agents remote.AgentService, sessions Sessions, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Service{
		agents:       agents,
		sessions:     sessions,
		agentID:      cfg.AgentID,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		logger:       logger.With("component", "conversation"),
	}
}

// RunRequest is one message to relay to the agent.
type RunRequest struct {
	SessionKey    string // empty for a one-off conversation
	Message       string
	AgentID       string
	CorrelationID string
}

// Reply is the agent's answer from a completed run.
type Reply struct {
	Text     string
	ThreadID string
	RunID    string
	AgentID  string
	Fallback bool // true when Text is FallbackReply
	Duration time.Duration
}

// Progress reports how far a Send got before it returned. The Handler uses it
// to fill thread and run ids into failure envelopes.
type Progress struct {
	ThreadID string
	RunID    string
}

// Send relays one message and waits for the agent's answer.
func (s *Service) Send(ctx context.Context, req *RunRequest) (*Reply, error) {
	reply, _, err := s.SendWithProgress(ctx, req)
	return reply, err
}

// SendWithProgress is Send that also reports the thread and run it reached,
// which is useful when it fails.
func (s *Service) SendWithProgress(ctx context.Context, req *RunRequest) (*Reply, Progress, error) {
	var progress Progress
	start := time.Now()

	agentID := req.AgentID
	if agentID == "" {
		agentID = s.agentID
	}
	if agentID == "" {
		return nil, progress, fmt.Errorf("%w: no agent id configured", ErrAgentLookup)
	}

	logger := s.logger.With("correlation_id", req.CorrelationID, "agent_id", agentID)

	// 1. Verify the agent exists.
	if err := s.CheckAgent(ctx, agentID); err != nil {
		return nil, progress, err
	}

	// 2. Thread ready.
	sess, err := s.sessions.GetOrCreate(ctx, req.SessionKey)
	if err != nil {
		return nil, progress, classify(ErrThreadCreation, err)
	}
	progress.ThreadID = sess.ThreadID
	logger = logger.With("thread_id", sess.ThreadID)
	logger.Debug("thread ready", "session_key", req.SessionKey, "reused", sess.Reused)

	// 3. Message sent.
	if _, err := s.agents.CreateMessage(ctx, sess.ThreadID, remote.RoleUser, req.Message); err != nil {
		if remote.IsNotFound(err) && sess.Reused {
			// The remote thread is gone; the next request starts over.
			s.sessions.Forget(context.WithoutCancel(ctx), req.SessionKey)
		}
		return nil, progress, classify(ErrMessageSubmission, err)
	}

	// 4. Run pending.
	run, err := s.agents.CreateRun(ctx, sess.ThreadID, agentID)
	if err != nil {
		return nil, progress, classify(ErrRunCreation, err)
	}
	progress.RunID = run.ID
	logger = logger.With("run_id", run.ID)
	logger.Debug("run started", "status", run.Status)

	// 5. Wait for a terminal status.
	if _, err := s.waitForRun(ctx, logger, sess.ThreadID, run.ID); err != nil {
		return nil, progress, err
	}

	// 6. Read the answer.
	msgs, err := s.agents.ListMessages(ctx, sess.ThreadID)
	if err != nil {
		return nil, progress, classify(ErrRemoteService, err)
	}

	reply := &Reply{
		ThreadID: sess.ThreadID,
		RunID:    run.ID,
		AgentID:  agentID,
		Duration: time.Since(start),
	}
	if text, ok := ExtractReply(msgs, run.ID); ok {
		reply.Text = text
	} else {
		reply.Text = FallbackReply
		reply.Fallback = true
		logger.Warn("completed run left no assistant text, using fallback")
	}

	logger.Info("run completed", "duration", reply.Duration, "fallback", reply.Fallback)
	return reply, progress, nil
}

// CheckAgent verifies that the agent exists and the service answers.
func (s *Service) CheckAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		agentID = s.agentID
	}
	if _, err := s.agents.GetAgent(ctx, agentID); err != nil {
		return classify(ErrAgentLookup, err)
	}
	return nil
}

// waitForRun polls immediately and then every poll interval until the run is
// terminal, the wait budget is spent, or ctx is done.
func (s *Service) waitForRun(ctx context.Context, logger *slog.Logger, threadID, runID string) (*remote.Run, error) {
	budgetCtx, cancel := context.WithTimeoutCause(ctx, s.maxWait, errBudgetExhausted)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	lastStatus := ""
	polls := 0
	for {
		polls++
		run, err := s.agents.GetRun(budgetCtx, threadID, runID)
		switch {
		case err == nil:
			if run.Status != lastStatus {
				logger.Debug("run status", "status", run.Status, "poll", polls)
				if run.Status == remote.RunRequiresAction {
					logger.Warn("run requires action, treating as pending")
				}
			}
			lastStatus = run.Status

			if run.Status == remote.RunCompleted {
				return run, nil
			}
			if remote.IsFailureStatus(run.Status) {
				rfe := newRunFailedError(run)
				logger.Warn("run failed", "status", run.Status, "code", rfe.Code, "reason", rfe.Reason)
				return nil, rfe
			}

		case budgetCtx.Err() != nil:
			// Handled by the select below.

		case remote.IsServiceFailure(err):
			logger.Warn("transient error while polling run, continuing", "poll", polls, "error", err)

		default:
			return nil, classify(ErrRemoteService, fmt.Errorf("polling run %s: %w", runID, err))
		}

		select {
		case <-budgetCtx.Done():
			if err := ctx.Err(); err != nil {
				logger.Info("caller went away while waiting for run", "polls", polls)
				return nil, err
			}
			logger.Warn("run timed out", "after", s.maxWait, "last_status", lastStatus, "polls", polls)
			return nil, &RunTimedOutError{RunID: runID, After: s.maxWait, LastStatus: lastStatus}
		case <-ticker.C:
		}
	}
}

// ExtractReply returns the last text segment of the newest non-user message.
// It does not look past that message: when runID is set and the newest answer
// belongs to another run, or the answer has no text, there is no reply.
// msgs must be in ascending order.
func ExtractReply(msgs []remote.Message, runID string) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == remote.RoleUser {
			continue
		}
		if runID != "" && m.RunID != "" && m.RunID != runID {
			return "", false
		}
		texts := m.Texts()
		if len(texts) == 0 {
			return "", false
		}
		return texts[len(texts)-1], true
	}
	return "", false
}
