// ABOUTME: Wire shapes of envelopes for the HTTP API and the output queue
// ABOUTME: HTTP uses camelCase bodies; the queue keeps PascalCase keys of existing consumers

package relay

import (
	"net/http"

	"github.com/2389/agent-relay/internal/credential"
)

// ChatRequest is the JSON body of POST /api/chat.
type ChatRequest struct {
	Message       string `json:"message"`
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// ChatResponse is the 200 body of POST /api/chat.
type ChatResponse struct {
	Response      string         `json:"response"`
	ThreadID      string         `json:"threadId"`
	RunID         string         `json:"runId,omitempty"`
	Status        string         `json:"status"`
	CorrelationID string         `json:"correlationId"`
	ResponseHTML  string         `json:"responseHtml,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ChatErrorResponse is the body of a failed POST /api/chat.
type ChatErrorResponse struct {
	Error         string               `json:"error"`
	Details       string               `json:"details,omitempty"`
	Kind          Kind                 `json:"kind,omitempty"`
	CorrelationID string               `json:"correlationId,omitempty"`
	ThreadID      string               `json:"threadId,omitempty"`
	RunID         string               `json:"runId,omitempty"`
	Missing       []string             `json:"missing,omitempty"`
	Attempts      []credential.Attempt `json:"attempts,omitempty"`
}

// HTTPResponse returns the status and body an envelope is served with.
func HTTPResponse(env *Envelope) (int, any) {
	if env.Success {
		resp := ChatResponse{
			Response:      env.Value,
			ThreadID:      env.ThreadID,
			RunID:         env.RunID,
			Status:        "success",
			CorrelationID: env.CorrelationID,
			Metadata:      env.Metadata,
		}
		if html, ok := env.Metadata[MetadataHTML].(string); ok {
			resp.ResponseHTML = html
		}
		return http.StatusOK, resp
	}

	f := env.Failure
	if f == nil {
		f = &Failure{Kind: KindInternal, Message: "Internal server error"}
	}
	if f.Kind == KindValidation {
		return f.Kind.HTTPStatus(), ChatErrorResponse{Error: f.Message}
	}
	body := ChatErrorResponse{
		Error:         f.Message,
		Details:       f.Details,
		CorrelationID: env.CorrelationID,
		ThreadID:      env.ThreadID,
		RunID:         env.RunID,
		Missing:       f.Missing,
		Attempts:      f.Attempts,
		Kind:          f.Kind,
	}
	return f.Kind.HTTPStatus(), body
}

// QueueMessage is the JSON written to the output queue.
type QueueMessage struct {
	Value         string         `json:"Value"`
	CorrelationID string         `json:"CorrelationId"`
	Success       bool           `json:"Success"`
	ThreadID      string         `json:"ThreadId,omitempty"`
	RunID         string         `json:"RunId,omitempty"`
	Error         string         `json:"Error,omitempty"`
	Metadata      map[string]any `json:"Metadata,omitempty"`
}

// QueueResponse converts an envelope to its output queue message.
func QueueResponse(env *Envelope) QueueMessage {
	msg := QueueMessage{
		Value:         env.Value,
		CorrelationID: env.CorrelationID,
		Success:       env.Success,
		ThreadID:      env.ThreadID,
		RunID:         env.RunID,
		Metadata:      env.Metadata,
	}
	if env.Failure != nil {
		msg.Error = env.Failure.Text()
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["kind"] = string(env.Failure.Kind)
	}
	return msg
}
