// ABOUTME: Fixed pool of workers consuming the input queue and writing reply envelopes
// ABOUTME: In-flight requests finish after shutdown starts; only receiving stops

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/relay"
	"github.com/2389/agent-relay/internal/store"
)

// UnknownCorrelationID is used for replies to messages that could not be parsed.
const UnknownCorrelationID = "unknown"

// receiveBackoff is the pause after a failed receive.
const receiveBackoff = time.Second

// Handler processes one parsed request.
type Handler interface {
	Handle(ctx context.Context, p relay.Payload) *relay.Envelope
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Workers int
	Logger  *slog.Logger
}

// Worker runs the consume loop. process answers one raw message.
type Worker struct {
	queue   Queue
	process func(ctx context.Context, body []byte)
	workers int
	logger  *slog.Logger
}

func newWorker(q Queue, cfg WorkerConfig, component string) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Worker{
		queue:   q,
		workers: cfg.Workers,
		logger:  logger.With("component", component),
	}
}

// NewWorker creates a pool relaying agent requests through h. Workers
// defaults to 1.
func NewWorker(q Queue, h Handler, cfg WorkerConfig) *Worker {
	w := newWorker(q, cfg, "queue")
	w.process = func(ctx context.Context, body []byte) { w.relayMessage(ctx, h, body) }
	return w
}

// Run consumes until ctx is done or the queue closes, then waits for
// in-flight messages to be answered.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue workers starting", "workers", w.workers)

	var wg sync.WaitGroup
	for i := range w.workers {
		wg.Go(func() { w.loop(ctx, i) })
	}
	wg.Wait()

	w.logger.Info("queue workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("worker", id)
	for {
		body, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			logger.Error("receiving from queue failed", "error", err)
			select {
			case <-time.After(receiveBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		// The reply is owed even if shutdown starts now.
		w.process(context.WithoutCancel(ctx), body)
	}
}

// relayMessage handles one agent request and sends its reply.
func (w *Worker) relayMessage(ctx context.Context, h Handler, body []byte) {
	env := w.handle(ctx, h, body)
	w.reply(ctx, relay.QueueResponse(env), env.CorrelationID, env.Success)
}

func (w *Worker) handle(ctx context.Context, h Handler, body []byte) *relay.Envelope {
	p, err := relay.ParsePayload(body)
	if err != nil {
		w.logger.Warn("unparseable queue message", "error", err, "size", len(body))
		return relay.Format(nil, &relay.ValidationError{Message: err.Error()}, UnknownCorrelationID)
	}
	p.Transport = store.TransportQueue
	return h.Handle(ctx, p)
}

// reply encodes msg and sends it to the output queue.
func (w *Worker) reply(ctx context.Context, msg any, correlationID string, success bool) {
	out, err := json.Marshal(msg)
	if err != nil {
		w.logger.Error("encoding reply failed", "correlation_id", correlationID, "error", err)
		return
	}
	if err := w.queue.Send(ctx, out); err != nil {
		w.logger.Error("sending reply failed", "correlation_id", correlationID, "error", err)
		return
	}
	w.logger.Debug("reply sent", "correlation_id", correlationID, "success", success)
}
