// ABOUTME: Tests for the request handler over the full coordinator stack
// ABOUTME: Uses the fake agent service to check validation, config checks, failures and ledger records

package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/conversation"
	"github.com/2389/agent-relay/internal/credential"
	"github.com/2389/agent-relay/internal/remote"
	"github.com/2389/agent-relay/internal/remote/remotetest"
	"github.com/2389/agent-relay/internal/session"
	"github.com/2389/agent-relay/internal/store"
)

const testAgentID = "asst_test"

type handlerEnv struct {
	fake    *remotetest.Server
	store   *store.MockStore
	feed    *Feed
	handler *Handler
}

func newHandlerEnv(t *testing.T, cfg HandlerConfig) *handlerEnv {
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

	st := store.NewMockStore()
	feed := NewFeed(nil)
	t.Cleanup(feed.Close)

	if cfg.Coordinator == nil {
		cfg.Coordinator = conversation.New(client, sessions, conversation.Config{
			AgentID:      testAgentID,
			PollInterval: 5 * time.Millisecond,
			MaxWait:      500 * time.Millisecond,
		})
	}
	cfg.Exchanges = st
	cfg.Feed = feed

	return &handlerEnv{fake: fake, store: st, feed: feed, handler: NewHandler(cfg)}
}

func TestHandle_Success(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	env.fake.SetReply(func(string) string { return "hi there" })

	out := env.handler.Handle(context.Background(), Payload{Message: "  hello  ", CorrelationID: "c-1"})

	require.True(t, out.Success, "failure: %+v", out.Failure)
	assert.Equal(t, "hi there", out.Value)
	assert.Equal(t, "c-1", out.CorrelationID)
	assert.NotEmpty(t, out.ThreadID)
	assert.NotEmpty(t, out.RunID)

	ex, err := env.store.GetExchangeByCorrelationID(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.ExchangeCompleted, ex.Status)
	assert.Equal(t, "hello", ex.Request)
	assert.Equal(t, "hi there", ex.Response)
	assert.Equal(t, store.TransportHTTP, ex.Transport)
	assert.Equal(t, out.ThreadID, ex.ThreadID)
}

func TestHandle_EmptyMessageMakesNoRemoteCalls(t *testing.T) {
	for _, msg := range []string{"", "   ", "\n\t"} {
		env := newHandlerEnv(t, HandlerConfig{})

		out := env.handler.Handle(context.Background(), Payload{Message: msg})

		assert.False(t, out.Success)
		assert.Equal(t, KindValidation, out.Failure.Kind)
		assert.Equal(t, "Message is required", out.Failure.Message)
		assert.Equal(t, 0, env.fake.TotalCalls())
	}
}

func TestHandle_MissingConfigMakesNoRemoteCalls(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{Missing: []string{"AGENT_RELAY_ENDPOINT", "AGENT_RELAY_AGENT_ID"}})

	out := env.handler.Handle(context.Background(), Payload{Message: "hello"})

	assert.False(t, out.Success)
	assert.Equal(t, KindConfig, out.Failure.Kind)
	assert.Equal(t, []string{"AGENT_RELAY_ENDPOINT", "AGENT_RELAY_AGENT_ID"}, out.Failure.Missing)
	assert.Equal(t, 0, env.fake.TotalCalls())
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})

	a := env.handler.Handle(context.Background(), Payload{Message: "one"})
	b := env.handler.Handle(context.Background(), Payload{Message: "two"})

	assert.Len(t, a.CorrelationID, 36)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestHandle_FailedRunCarriesReasonAndIDs(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	env.fake.SetRunStatuses(remote.RunQueued, remote.RunInProgress, remote.RunFailed)
	env.fake.SetRunError("server_error", "tool crashed")

	out := env.handler.Handle(context.Background(), Payload{Message: "hi", CorrelationID: "c-f"})

	require.False(t, out.Success)
	assert.Equal(t, KindRunFailed, out.Failure.Kind)
	assert.Equal(t, "tool crashed", out.Failure.Details)
	assert.NotEmpty(t, out.ThreadID)
	assert.NotEmpty(t, out.RunID)

	ex, err := env.store.GetExchangeByCorrelationID(context.Background(), "c-f")
	require.NoError(t, err)
	assert.Equal(t, store.ExchangeFailed, ex.Status)
	assert.Contains(t, ex.Error, "tool crashed")
}

func TestHandle_Timeout(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	env.fake.SetRunStatuses(remote.RunInProgress)

	out := env.handler.Handle(context.Background(), Payload{Message: "hi", CorrelationID: "c-t"})

	assert.Equal(t, KindTimeout, out.Failure.Kind)
	ex, err := env.store.GetExchangeByCorrelationID(context.Background(), "c-t")
	require.NoError(t, err)
	assert.Equal(t, store.ExchangeTimedOut, ex.Status)
}

func TestHandle_ThreadIDKeysTheSession(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	ctx := context.Background()

	first := env.handler.Handle(ctx, Payload{Message: "one", ThreadID: "caller-thread", Transport: store.TransportQueue})
	second := env.handler.Handle(ctx, Payload{Message: "two", ThreadID: "caller-thread", Transport: store.TransportQueue})

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.Equal(t, 1, env.fake.Threads())
}

func TestHandle_RendersHTML(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{RenderHTML: true})
	env.fake.SetReply(func(string) string { return "**done**" })

	out := env.handler.Handle(context.Background(), Payload{Message: "hi"})
	require.True(t, out.Success)
	assert.Equal(t, "**done**", out.Value)
	assert.Contains(t, out.Metadata[MetadataHTML], "<strong>done</strong>")
}

type panickingCoordinator struct{}

func (panickingCoordinator) SendWithProgress(context.Context, *conversation.RunRequest) (*conversation.Reply, conversation.Progress, error) {
	panic("unexpected state")
}

func TestHandle_RecoversPanics(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{Coordinator: panickingCoordinator{}})

	out := env.handler.Handle(context.Background(), Payload{Message: "hi", CorrelationID: "c-p"})

	require.False(t, out.Success)
	assert.Equal(t, KindInternal, out.Failure.Kind)
	assert.Contains(t, out.Failure.Details, "unexpected state")
}

type failingExchanges struct{ store.MockStore }

func (*failingExchanges) SaveExchange(context.Context, *store.Exchange) error {
	return errors.New("disk full")
}

func TestHandle_LedgerFailureDoesNotChangeResult(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	env.handler.exchanges = &failingExchanges{}

	out := env.handler.Handle(context.Background(), Payload{Message: "hi"})
	assert.True(t, out.Success)
}

func TestHandle_PublishesToFeed(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	ch, _ := env.feed.Subscribe(t.Context(), "user-7")

	env.handler.Handle(context.Background(), Payload{Message: "hi", SessionID: "user-7", CorrelationID: "c-feed"})

	select {
	case ex := <-ch:
		assert.Equal(t, "c-feed", ex.CorrelationID)
		assert.Equal(t, store.ExchangeCompleted, ex.Status)
	case <-time.After(time.Second):
		t.Fatal("no exchange published")
	}
}

func TestHandle_SlowServiceIsRemoteFailure(t *testing.T) {
	fake := remotetest.New(testAgentID)
	fake.SetDelay(300 * time.Millisecond)
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	client, err := remote.NewClient(remote.ClientConfig{
		Endpoint:    ts.URL,
		APIVersion:  "2025-05-01",
		Credentials: credential.NewResolver(nil, &credential.APIKeyStrategy{Key: "k"}),
		HTTPClient:  &http.Client{Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)
	sessions := session.NewManager(client, session.Config{Capacity: 10, IdleTTL: time.Hour})
	t.Cleanup(sessions.Close)

	h := NewHandler(HandlerConfig{
		Coordinator: conversation.New(client, sessions, conversation.Config{AgentID: testAgentID}),
	})
	out := h.Handle(context.Background(), Payload{Message: "hi"})

	require.NotNil(t, out.Failure)
	assert.Equal(t, KindRemoteService, out.Failure.Kind)
	assert.Equal(t, http.StatusBadGateway, out.Failure.Kind.HTTPStatus())
}

func TestHandle_CanceledCaller(t *testing.T) {
	env := newHandlerEnv(t, HandlerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := env.handler.Handle(ctx, Payload{Message: "hi", CorrelationID: "c-x"})
	assert.Equal(t, KindCanceled, out.Failure.Kind)

	_, err := env.store.GetExchangeByCorrelationID(context.Background(), "c-x")
	assert.NoError(t, err, "exchange recorded with a detached context")
}
