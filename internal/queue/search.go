// ABOUTME: Worker pool answering direct search queries from the search input queue
// ABOUTME: Queries the document index without the agent and writes result envelopes

package queue

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/relay"
	"github.com/2389/agent-relay/internal/search"
)

// SearchConfig configures a search worker pool.
type SearchConfig struct {
	WorkerConfig
	Top int // results requested per query
}

// NewSearchWorker creates a pool answering search queries with s. Messages
// use the same body shape as agent requests; the query is the message.
func NewSearchWorker(q Queue, s search.Searcher, cfg SearchConfig) *Worker {
	if cfg.Top <= 0 {
		cfg.Top = search.DefaultTop
	}
	w := newWorker(q, cfg.WorkerConfig, "search")
	w.process = func(ctx context.Context, body []byte) {
		resp := w.answerSearch(ctx, s, cfg.Top, body)
		w.reply(ctx, resp, resp.CorrelationID, resp.Success)
	}
	return w
}

func (w *Worker) answerSearch(ctx context.Context, s search.Searcher, top int, body []byte) search.Response {
	p, err := relay.ParsePayload(body)
	if err != nil {
		w.logger.Warn("unparseable search message", "error", err, "size", len(body))
		return search.FormatError(err.Error(), UnknownCorrelationID)
	}

	correlationID := strings.TrimSpace(p.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	query := strings.TrimSpace(p.Message)
	if query == "" {
		return search.FormatError("Query is required", correlationID)
	}

	results, err := s.Search(ctx, query, top)
	if err != nil {
		w.logger.Error("search failed", "correlation_id", correlationID, "error", err)
		return search.FormatError(err.Error(), correlationID)
	}
	w.logger.Info("search answered", "correlation_id", correlationID, "results", len(results))
	return search.FormatResults(results, correlationID)
}
