// ABOUTME: Wire types of the Assistants-compatible agent service
// ABOUTME: Agents, threads, messages, runs and the narrow AgentService interface

package remote

import (
	"context"
	"strings"
)

// Run statuses reported by the service.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCancelling     = "cancelling"
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunExpired        = "expired"
	RunCancelled      = "cancelled"
	RunCanceled       = "canceled"
	RunIncomplete     = "incomplete"
)

// RoleUser is the role of caller-authored messages.
const RoleUser = "user"

// AgentService is the subset of the remote API the relay needs.
type AgentService interface {
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	CreateThread(ctx context.Context) (*Thread, error)
	CreateMessage(ctx context.Context, threadID, role, content string) (*Message, error)
	CreateRun(ctx context.Context, threadID, agentID string) (*Run, error)
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)
	ListMessages(ctx context.Context, threadID string) ([]Message, error)
}

// Agent is a configured assistant.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	CreatedAt    int64  `json:"created_at,omitempty"`
}

// Thread is a remote conversation.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Message is one entry in a thread.
type Message struct {
	ID          string        `json:"id"`
	ThreadID    string        `json:"thread_id,omitempty"`
	Role        string        `json:"role"`
	RunID       string        `json:"run_id,omitempty"`
	AssistantID string        `json:"assistant_id,omitempty"`
	Content     []ContentPart `json:"content"`
	CreatedAt   int64         `json:"created_at,omitempty"`
}

// ContentPart is a typed content segment. Only text parts carry Text.
type ContentPart struct {
	Type string       `json:"type"`
	Text *TextContent `json:"text,omitempty"`
}

// TextContent holds the value of a text segment.
type TextContent struct {
	Value string `json:"value"`
}

// Texts returns the non-empty text segments of the message in order.
func (m *Message) Texts() []string {
	var out []string
	for _, part := range m.Content {
		if part.Type != "text" || part.Text == nil {
			continue
		}
		if strings.TrimSpace(part.Text.Value) == "" {
			continue
		}
		out = append(out, part.Text.Value)
	}
	return out
}

// Run is one execution of an agent over a thread.
type Run struct {
	ID                string             `json:"id"`
	ThreadID          string             `json:"thread_id"`
	AssistantID       string             `json:"assistant_id"`
	Status            string             `json:"status"`
	LastError         *RunError          `json:"last_error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
	CreatedAt         int64              `json:"created_at,omitempty"`
}

// RunError describes why a run failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IncompleteDetails describes why a run ended incomplete.
type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// IsTerminal reports whether the run will not change status again.
func (r *Run) IsTerminal() bool {
	return r.Status == RunCompleted || IsFailureStatus(r.Status)
}

// IsFailureStatus reports whether status is a terminal non-success status.
func IsFailureStatus(status string) bool {
	switch status {
	case RunFailed, RunExpired, RunCancelled, RunCanceled, RunIncomplete:
		return true
	}
	return false
}

// MessageList is a page of messages.
type MessageList struct {
	Object  string    `json:"object,omitempty"`
	Data    []Message `json:"data"`
	FirstID string    `json:"first_id,omitempty"`
	LastID  string    `json:"last_id,omitempty"`
	HasMore bool      `json:"has_more"`
}

// CreateMessageRequest is the body of a post-message call.
type CreateMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CreateRunRequest is the body of a start-run call.
type CreateRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// ErrorResponse is the error body returned on non-2xx responses.
type ErrorResponse struct {
	Error *ErrorDetail `json:"error"`
}

// ErrorDetail carries the service error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
