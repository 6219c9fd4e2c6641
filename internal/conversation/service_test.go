// ABOUTME: Tests for the agent run coordinator against the fake agent service
// ABOUTME: Covers replies, fallback, failed and timed-out runs, step errors and session reuse

package conversation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/credential"
	"github.com/2389/agent-relay/internal/remote"
	"github.com/2389/agent-relay/internal/remote/remotetest"
	"github.com/2389/agent-relay/internal/session"
)

const testAgentID = "asst_test"

type testEnv struct {
	fake     *remotetest.Server
	client   *remote.Client
	sessions *session.Manager
	svc      *Service
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	fake := remotetest.New(testAgentID)
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	client, err := remote.NewClient(remote.ClientConfig{
		Endpoint:    ts.URL,
		APIVersion:  "2025-05-01",
		Credentials: credential.NewResolver(nil, &credential.APIKeyStrategy{Key: "k"}),
	})
	require.NoError(t, err)

	sessions := session.NewManager(client, session.Config{Capacity: 10, IdleTTL: time.Hour})
	t.Cleanup(sessions.Close)

	if cfg.AgentID == "" {
		cfg.AgentID = testAgentID
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Second
	}
	return &testEnv{fake: fake, client: client, sessions: sessions, svc: New(client, sessions, cfg)}
}

func TestSend_ReturnsAgentReply(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.fake.SetRunStatuses(remote.RunQueued, remote.RunInProgress, remote.RunCompleted)

	reply, err := env.svc.Send(context.Background(), &RunRequest{Message: "hello", CorrelationID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, "You said: hello", reply.Text)
	assert.False(t, reply.Fallback)
	assert.NotEmpty(t, reply.ThreadID)
	assert.NotEmpty(t, reply.RunID)
	assert.Equal(t, testAgentID, reply.AgentID)
	assert.Equal(t, 3, env.fake.Calls(remotetest.OpGetRun))
	assert.Equal(t, 1, env.fake.Calls(remotetest.OpGetAgent))
	assert.Equal(t, 1, env.fake.Calls(remotetest.OpListMessages))
}

func TestSend_FallbackWhenNoAssistantText(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.fake.SetReply(func(string) string { return "" })

	reply, err := env.svc.Send(context.Background(), &RunRequest{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply.Text)
	assert.True(t, reply.Fallback)
}

func TestSend_ReusedSessionNeverReturnsEarlierAnswer(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first, err := env.svc.Send(ctx, &RunRequest{SessionKey: "s1", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hello", first.Text)

	tests := []struct {
		name  string
		reply remotetest.ReplyFunc
	}{
		{name: "blank answer", reply: func(string) string { return "   " }},
		{name: "no answer", reply: func(string) string { return "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.fake.SetReply(tt.reply)
			reply, err := env.svc.Send(ctx, &RunRequest{SessionKey: "s1", Message: "again"})
			require.NoError(t, err)
			assert.Equal(t, first.ThreadID, reply.ThreadID)
			assert.Equal(t, FallbackReply, reply.Text)
			assert.True(t, reply.Fallback)
		})
	}
}

func TestSend_SessionKeyReusesThread(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first, err := env.svc.Send(ctx, &RunRequest{SessionKey: "user-1", Message: "one"})
	require.NoError(t, err)
	second, err := env.svc.Send(ctx, &RunRequest{SessionKey: "user-1", Message: "two"})
	require.NoError(t, err)

	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, "You said: two", second.Text)
	assert.Equal(t, 1, env.fake.Threads())
	assert.Len(t, env.fake.Messages(first.ThreadID), 4)
}

func TestSend_UnkeyedRequestsGetFreshThreads(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first, err := env.svc.Send(ctx, &RunRequest{Message: "one"})
	require.NoError(t, err)
	second, err := env.svc.Send(ctx, &RunRequest{Message: "two"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, 2, env.fake.Threads())
}

func TestSend_FailedRunCarriesReason(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.fake.SetRunStatuses(remote.RunQueued, remote.RunInProgress, remote.RunFailed)
	env.fake.SetRunError("rate_limit_exceeded", "quota exhausted")

	_, progress, err := env.svc.SendWithProgress(context.Background(), &RunRequest{Message: "hi"})
	require.Error(t, err)

	var rfe *RunFailedError
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, remote.RunFailed, rfe.Status)
	assert.Equal(t, "rate_limit_exceeded", rfe.Code)
	assert.Equal(t, "quota exhausted", rfe.Reason)
	assert.Contains(t, err.Error(), "quota exhausted")
	assert.NotEmpty(t, progress.ThreadID)
	assert.Equal(t, rfe.RunID, progress.RunID)
	assert.Equal(t, 0, env.fake.Calls(remotetest.OpListMessages), "no reply is read for a failed run")
}

func TestSend_FailureStatusesWithoutReason(t *testing.T) {
	for _, status := range []string{remote.RunCancelled, remote.RunExpired, remote.RunIncomplete} {
		t.Run(status, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.fake.SetRunStatuses(status)

			_, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi"})
			var rfe *RunFailedError
			require.ErrorAs(t, err, &rfe)
			assert.Equal(t, status, rfe.Status)
			assert.NotEmpty(t, rfe.Reason)
		})
	}
}

func TestSend_TimesOutAfterBudget(t *testing.T) {
	env := newTestEnv(t, Config{PollInterval: 10 * time.Millisecond, MaxWait: 150 * time.Millisecond})
	env.fake.SetRunStatuses(remote.RunInProgress)

	start := time.Now()
	_, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi"})
	elapsed := time.Since(start)

	var timeout *RunTimedOutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, remote.RunInProgress, timeout.LastStatus)
	assert.Equal(t, 150*time.Millisecond, timeout.After)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "returns promptly once the budget is spent")
	assert.Greater(t, env.fake.Calls(remotetest.OpGetRun), 2)
}

func TestSend_RequiresActionIsPending(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.fake.SetRunStatuses(remote.RunRequiresAction, remote.RunRequiresAction, remote.RunCompleted)

	reply, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hi", reply.Text)
}

func TestSend_TransientPollErrorsAreTolerated(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.fake.SetRunStatuses(remote.RunInProgress, remote.RunCompleted)
	env.fake.Fail(remotetest.OpGetRun, http.StatusServiceUnavailable, "busy", "try later", 2)

	reply, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "You said: hi", reply.Text)
	assert.Equal(t, 4, env.fake.Calls(remotetest.OpGetRun))
}

func TestSend_CallerCancellationStopsPolling(t *testing.T) {
	env := newTestEnv(t, Config{PollInterval: 10 * time.Millisecond, MaxWait: 10 * time.Second})
	env.fake.SetRunStatuses(remote.RunInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := env.svc.Send(ctx, &RunRequest{Message: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var timeout *RunTimedOutError
	assert.False(t, errors.As(err, &timeout), "caller deadline is not a run timeout")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSend_UnknownAgent(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi", AgentID: "asst_missing"})
	require.ErrorIs(t, err, ErrAgentLookup)
	assert.True(t, remote.IsNotFound(err))
	assert.Equal(t, 0, env.fake.Threads(), "nothing is created for an unknown agent")
}

func TestSend_StepErrors(t *testing.T) {
	tests := []struct {
		name string
		op   remotetest.Op
		want error
	}{
		{name: "thread rejected", op: remotetest.OpCreateThread, want: ErrThreadCreation},
		{name: "message rejected", op: remotetest.OpCreateMessage, want: ErrMessageSubmission},
		{name: "run rejected", op: remotetest.OpCreateRun, want: ErrRunCreation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.fake.Fail(tt.op, http.StatusBadRequest, "invalid_request", "bad input", 1)

			_, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi"})
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "bad input")
		})
	}
}

func TestSend_ServiceOutageIsRemoteFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.fake.Fail(remotetest.OpCreateThread, http.StatusInternalServerError, "server_error", "down", -1)

	_, err := env.svc.Send(context.Background(), &RunRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrRemoteService)
}

func TestSend_StaleThreadIsForgotten(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	first, err := env.svc.Send(ctx, &RunRequest{SessionKey: "user", Message: "one"})
	require.NoError(t, err)

	env.fake.Fail(remotetest.OpCreateMessage, http.StatusNotFound, "not_found", "thread not found", 1)
	_, err = env.svc.Send(ctx, &RunRequest{SessionKey: "user", Message: "two"})
	require.ErrorIs(t, err, ErrMessageSubmission)

	third, err := env.svc.Send(ctx, &RunRequest{SessionKey: "user", Message: "three"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ThreadID, third.ThreadID)
}

func TestSend_NoAgentConfigured(t *testing.T) {
	svc := New(nil, nil, Config{})
	_, err := svc.Send(context.Background(), &RunRequest{Message: "hi"})
	assert.ErrorIs(t, err, ErrAgentLookup)
}

func TestExtractReply(t *testing.T) {
	text := func(role string, values ...string) remote.Message {
		m := remote.Message{Role: role}
		for _, v := range values {
			m.Content = append(m.Content, remote.ContentPart{Type: "text", Text: &remote.TextContent{Value: v}})
		}
		return m
	}
	image := remote.Message{Role: "assistant", Content: []remote.ContentPart{{Type: "image_file"}}}
	fromRun := func(runID, value string) remote.Message {
		m := text("assistant", value)
		m.RunID = runID
		return m
	}

	tests := []struct {
		name string
		msgs  []remote.Message
		runID string
		want  string
		ok    bool
	}{
		{name: "empty", msgs: nil},
		{name: "only user", msgs: []remote.Message{text("user", "hi")}},
		{name: "latest assistant", msgs: []remote.Message{text("user", "a"), text("assistant", "first"), text("user", "b"), text("assistant", "second")}, want: "second", ok: true},
		{name: "last text segment", msgs: []remote.Message{text("assistant", "part 1", "part 2")}, want: "part 2", ok: true},
		{name: "newest has no text", msgs: []remote.Message{text("assistant", "words"), image}},
		{name: "matching run", msgs: []remote.Message{fromRun("run_1", "old"), text("user", "b"), fromRun("run_2", "new")}, runID: "run_2", want: "new", ok: true},
		{name: "newest from older run", msgs: []remote.Message{fromRun("run_1", "old"), text("user", "b")}, runID: "run_2"},
		{name: "user after assistant", msgs: []remote.Message{text("assistant", "answer"), text("user", "thanks")}, want: "answer", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractReply(tt.msgs, tt.runID)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)

			again, _ := ExtractReply(tt.msgs, tt.runID)
			assert.Equal(t, got, again)
		})
	}
}

func TestRunFailedError_Message(t *testing.T) {
	err := newRunFailedError(&remote.Run{ID: "run_1", Status: remote.RunFailed})
	assert.Equal(t, "run run_1 ended with status failed: no reason given", err.Error())

	err = newRunFailedError(&remote.Run{ID: "run_2", Status: remote.RunIncomplete, IncompleteDetails: &remote.IncompleteDetails{Reason: "max_prompt_tokens"}})
	assert.Equal(t, "max_prompt_tokens", err.Reason)
}
