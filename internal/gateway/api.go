// ABOUTME: HTTP API handlers for the relay: chat, health and the exchange ledger
// ABOUTME: Also streams recorded exchanges as server-sent events

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/agent-relay/internal/credential"
	"github.com/2389/agent-relay/internal/relay"
	"github.com/2389/agent-relay/internal/store"
)

const (
	maxRequestBody       = 1 << 20
	defaultExchangeLimit = 50
	maxExchangeLimit     = 500
	sseKeepAlive         = 30 * time.Second
)

// HealthResponse is the JSON body of GET /api/health.
type HealthResponse struct {
	Status         string              `json:"status"`
	Timestamp      time.Time           `json:"timestamp"`
	Authentication credential.Status   `json:"authentication"`
	Configuration  ConfigurationStatus `json:"configuration"`
	AgentReachable bool                `json:"agentReachable"`
	LastCheck      time.Time           `json:"lastCheck,omitzero"`
	Error          string              `json:"error,omitempty"`
	Queue          *QueueStatus        `json:"queue,omitempty"`
}

// ConfigurationStatus reports the agent service settings, never secrets.
type ConfigurationStatus struct {
	AgentID  string   `json:"agentId"`
	Endpoint string   `json:"endpoint"`
	Missing  []string `json:"missing,omitempty"`
}

// QueueStatus reports the queue transport.
type QueueStatus struct {
	Reachable bool   `json:"reachable"`
	Depth     *int64 `json:"depth,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ExchangeResponse is the JSON form of a recorded exchange.
type ExchangeResponse struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	SessionKey    string    `json:"sessionKey,omitempty"`
	ThreadID      string    `json:"threadId,omitempty"`
	RunID         string    `json:"runId,omitempty"`
	Transport     string    `json:"transport"`
	Status        string    `json:"status"`
	Request       string    `json:"request"`
	Response      string    `json:"response,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	DurationMs    int64     `json:"durationMs"`
}

// ListExchangesResponse is the JSON body of GET /api/exchanges.
type ListExchangesResponse struct {
	Exchanges []ExchangeResponse `json:"exchanges"`
}

func toExchangeResponse(e *store.Exchange) ExchangeResponse {
	return ExchangeResponse{
		ID:            e.ID,
		CorrelationID: e.CorrelationID,
		SessionKey:    e.SessionKey,
		ThreadID:      e.ThreadID,
		RunID:         e.RunID,
		Transport:     e.Transport,
		Status:        string(e.Status),
		Request:       e.Request,
		Response:      e.Response,
		Error:         e.Error,
		StartedAt:     e.StartedAt,
		FinishedAt:    e.FinishedAt,
		DurationMs:    e.Duration().Milliseconds(),
	}
}

// withCORS sets the CORS headers on every response.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		next.ServeHTTP(w, r)
	})
}

// handleChat relays one message to the agent.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Max-Age", "3600")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, fmt.Sprintf("Method %s not supported", r.Method))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var payload relay.Payload
	if len(bytes.TrimSpace(body)) > 0 {
		payload, err = relay.ParsePayload(body)
		if err != nil {
			g.logger.Debug("rejecting malformed chat body", "error", err)
			g.sendJSONError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}
	if payload.CorrelationID == "" {
		payload.CorrelationID = r.Header.Get("X-Correlation-ID")
	}
	payload.Transport = store.TransportHTTP

	env := g.handler.Handle(r.Context(), payload)
	status, resp := relay.HTTPResponse(env)
	w.Header().Set("X-Correlation-ID", env.CorrelationID)
	g.sendJSON(w, status, resp)
}

// handlePreflight answers CORS preflights for the ledger routes.
func (g *Gateway) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
}

// handleAPIHealth reports credentials, configuration and agent reachability.
// An unresolved credential is retried on every call.
func (g *Gateway) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	probe := g.monitor.Last()
	if !probe.Healthy() || probe.CheckedAt.IsZero() {
		probe = g.monitor.Check(r.Context())
	}

	resp := HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Authentication: probe.Credentials,
		Configuration: ConfigurationStatus{
			AgentID:  g.config.Remote.AgentID,
			Endpoint: g.endpoint(),
			Missing:  g.missing,
		},
		AgentReachable: probe.AgentReachable,
		LastCheck:      probe.CheckedAt,
		Error:          probe.Error,
	}
	if g.queue != nil {
		resp.Queue = g.queueStatus(r.Context())
	}

	status := http.StatusOK
	if !probe.Healthy() || (resp.Queue != nil && !resp.Queue.Reachable) {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	g.sendJSON(w, status, resp)
}

func (g *Gateway) endpoint() string {
	if g.client != nil {
		return g.client.Endpoint()
	}
	return g.config.Remote.Endpoint
}

// depther is implemented by queues that can report their backlog.
type depther interface {
	Depth(ctx context.Context) (int64, error)
}

func (g *Gateway) queueStatus(ctx context.Context) *QueueStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	qs := &QueueStatus{}
	if err := g.queue.Ping(ctx); err != nil {
		qs.Error = err.Error()
		return qs
	}
	qs.Reachable = true
	if d, ok := g.queue.(depther); ok {
		if n, err := d.Depth(ctx); err == nil {
			qs.Depth = &n
		}
	}
	return qs
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the agent was reachable at the last probe.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(g.missing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "missing configuration: %v", g.missing)
		return
	}
	probe := g.monitor.Last()
	if !probe.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		if probe.CheckedAt.IsZero() {
			_, _ = w.Write([]byte("agent not checked yet"))
			return
		}
		_, _ = w.Write([]byte("agent unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (agent checked %s)", probe.CheckedAt.Format(time.RFC3339))
}

// handleListExchanges returns the most recent exchanges, newest first.
func (g *Gateway) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	limit := defaultExchangeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxExchangeLimit)
	}

	exchanges, err := g.store.ListExchanges(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list exchanges", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListExchangesResponse{Exchanges: make([]ExchangeResponse, 0, len(exchanges))}
	for _, e := range exchanges {
		resp.Exchanges = append(resp.Exchanges, toExchangeResponse(e))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetExchange returns one exchange by correlation id.
func (g *Gateway) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	correlationID := r.PathValue("correlationId")
	if correlationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "correlation id is required")
		return
	}

	e, err := g.store.GetExchangeByCorrelationID(r.Context(), correlationID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "exchange not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get exchange", "correlation_id", correlationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, toExchangeResponse(e))
}

// handleExchangeStream streams exchanges as they are recorded. The optional
// session query parameter narrows the stream to one session key.
func (g *Gateway) handleExchangeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionKey := r.URL.Query().Get("session")
	events, _ := g.feed.Subscribe(r.Context(), sessionKey)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "subscribed", map[string]string{"session": sessionKey})
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "exchange", toExchangeResponse(e))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
