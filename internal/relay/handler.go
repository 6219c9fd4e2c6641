// ABOUTME: Request handler shared by the HTTP and queue transports
// ABOUTME: Validates, checks configuration, runs the coordinator, formats and records the exchange

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/conversation"
	"github.com/2389/agent-relay/internal/store"
)

// recordTimeout bounds the ledger write after a request finished.
const recordTimeout = 5 * time.Second

// Coordinator runs one agent conversation turn.
type Coordinator interface {
	SendWithProgress(ctx context.Context, req *conversation.RunRequest) (*conversation.Reply, conversation.Progress, error)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Coordinator Coordinator
	Missing     []string            // remote settings absent at start-up
	Exchanges   store.ExchangeStore // optional ledger
	Feed        *Feed               // optional live feed
	RenderHTML  bool
	Logger      *slog.Logger
}

// Handler turns payloads into envelopes. It is safe for concurrent use.
type Handler struct {
	coordinator Coordinator
	missing     []string
	exchanges   store.ExchangeStore
	feed        *Feed
	renderHTML  bool
	logger      *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		coordinator: cfg.Coordinator,
		missing:     append([]string(nil), cfg.Missing...),
		exchanges:   cfg.Exchanges,
		feed:        cfg.Feed,
		renderHTML:  cfg.RenderHTML,
		logger:      logger.With("component", "relay"),
	}
}

// Handle processes one payload. It never returns nil and never panics.
func (h *Handler) Handle(ctx context.Context, p Payload) *Envelope {
	start := time.Now()

	correlationID := strings.TrimSpace(p.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if p.Transport == "" {
		p.Transport = store.TransportHTTP
	}
	p.Message = strings.TrimSpace(p.Message)

	logger := h.logger.With("correlation_id", correlationID, "transport", p.Transport)

	reply, progress, err := h.run(ctx, logger, p, correlationID)

	env := Format(reply, err, correlationID)
	if !env.Success {
		env.ThreadID = progress.ThreadID
		env.RunID = progress.RunID
	}
	if env.Success && h.renderHTML {
		if html, rerr := RenderHTML(env.Value); rerr != nil {
			logger.Warn("rendering reply as html failed", "error", rerr)
		} else {
			env.Metadata[MetadataHTML] = html
		}
	}

	h.log(logger, env, time.Since(start))
	h.record(ctx, logger, p, env, start)
	return env
}

func (h *Handler) run(ctx context.Context, logger *slog.Logger, p Payload, correlationID string) (reply *conversation.Reply, progress conversation.Progress, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling request", "panic", r, "stack", string(debug.Stack()))
			reply = nil
			err = &PanicError{Value: r}
		}
	}()

	if p.Message == "" {
		return nil, progress, &ValidationError{Message: "Message is required"}
	}
	if len(h.missing) > 0 {
		return nil, progress, &MissingConfigError{Missing: h.missing}
	}

	return h.coordinator.SendWithProgress(ctx, &conversation.RunRequest{
		SessionKey:    p.SessionKey(),
		Message:       p.Message,
		AgentID:       p.AgentID,
		CorrelationID: correlationID,
	})
}

func (h *Handler) log(logger *slog.Logger, env *Envelope, elapsed time.Duration) {
	if env.Success {
		logger.Info("request completed", "thread_id", env.ThreadID, "run_id", env.RunID, "duration", elapsed)
		return
	}

	f := env.Failure
	attrs := []any{"kind", f.Kind, "error", f.Text(), "duration", elapsed}
	switch f.Kind {
	case KindValidation:
		logger.Debug("request rejected", attrs...)
	case KindConfig:
		logger.Error("request rejected, remote not configured", append(attrs, "missing", f.Missing)...)
	case KindCanceled:
		logger.Info("caller went away", append(attrs, "status", StatusClientClosedRequest)...)
	case KindInternal, KindAuth:
		logger.Error("request failed", attrs...)
	default:
		logger.Warn("request failed", attrs...)
	}
}

// record writes the exchange to the ledger and the feed. Failures are logged
// and never change the envelope.
func (h *Handler) record(ctx context.Context, logger *slog.Logger, p Payload, env *Envelope, start time.Time) {
	if h.exchanges == nil && h.feed == nil {
		return
	}

	ex := &store.Exchange{
		ID:            uuid.NewString(),
		CorrelationID: env.CorrelationID,
		SessionKey:    p.SessionKey(),
		ThreadID:      env.ThreadID,
		RunID:         env.RunID,
		Transport:     p.Transport,
		Status:        exchangeStatus(env),
		Request:       p.Message,
		StartedAt:     start,
		FinishedAt:    time.Now(),
	}
	if env.Success {
		ex.Response = env.Value
	} else {
		ex.Error = fmt.Sprintf("%s: %s", env.Failure.Kind, env.Failure.Text())
	}

	if h.exchanges != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := h.exchanges.SaveExchange(saveCtx, ex); err != nil {
			logger.Warn("recording exchange failed", "error", err)
		}
	}
	if h.feed != nil {
		h.feed.Publish(ex)
	}
}

func exchangeStatus(env *Envelope) store.ExchangeStatus {
	if env.Success {
		return store.ExchangeCompleted
	}
	switch env.Failure.Kind {
	case KindValidation, KindConfig:
		return store.ExchangeRejected
	case KindRunFailed:
		return store.ExchangeFailed
	case KindTimeout:
		return store.ExchangeTimedOut
	default:
		return store.ExchangeError
	}
}
