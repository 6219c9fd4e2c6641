// ABOUTME: Response formatter mapping coordinator results to transport-neutral envelopes
// ABOUTME: Classifies every error into a failure kind with its HTTP status

package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/agent-relay/internal/conversation"
	"github.com/2389/agent-relay/internal/credential"
	"github.com/2389/agent-relay/internal/remote"
)

// Kind classifies a failed request.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConfig            Kind = "config"
	KindAuth              Kind = "auth"
	KindAgentLookup       Kind = "agent_lookup"
	KindMessageSubmission Kind = "message_submission"
	KindThreadCreation    Kind = "thread_creation"
	KindRunCreation       Kind = "run_creation"
	KindRunFailed         Kind = "run_failed"
	KindTimeout           Kind = "timeout"
	KindRemoteService     Kind = "remote_service"
	KindCanceled          Kind = "canceled"
	KindInternal          Kind = "internal"
)

// StatusClientClosedRequest is logged for requests whose caller went away.
const StatusClientClosedRequest = 499

// ErrorValuePrefix starts the Value of every failure envelope.
const ErrorValuePrefix = "Sorry, an error occurred while processing your query: "

// HTTPStatus returns the status code a failure of kind is served with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRemoteService:
		return http.StatusBadGateway
	case KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Failure describes why a request did not produce a reply.
type Failure struct {
	Kind     Kind
	Message  string
	Details  string
	Missing  []string
	Attempts []credential.Attempt
}

// Text is the message and details as one line.
func (f *Failure) Text() string {
	if f.Details == "" {
		return f.Message
	}
	return f.Message + ": " + f.Details
}

// Envelope is the transport-neutral result of one request.
type Envelope struct {
	Value         string
	CorrelationID string
	Success       bool
	ThreadID      string
	RunID         string
	Metadata      map[string]any
	Failure       *Failure
}

// ValidationError rejects a request before anything is sent.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// MissingConfigError rejects a request because remote settings are absent.
type MissingConfigError struct {
	Missing []string
}

func (e *MissingConfigError) Error() string {
	return "missing configuration: " + strings.Join(e.Missing, ", ")
}

// PanicError carries a recovered panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Format builds the envelope for a coordinator result. It has no side effects.
func Format(reply *conversation.Reply, err error, correlationID string) *Envelope {
	if err == nil && reply == nil {
		err = errors.New("no reply produced")
	}
	if err != nil {
		f := classifyFailure(err)
		return &Envelope{
			Value:         ErrorValuePrefix + f.Text(),
			CorrelationID: correlationID,
			Failure:       f,
		}
	}

	meta := map[string]any{
		"agentId":    reply.AgentID,
		"durationMs": reply.Duration.Milliseconds(),
	}
	if reply.Fallback {
		meta["fallback"] = true
	}
	return &Envelope{
		Value:         reply.Text,
		CorrelationID: correlationID,
		Success:       true,
		ThreadID:      reply.ThreadID,
		RunID:         reply.RunID,
		Metadata:      meta,
	}
}

func classifyFailure(err error) *Failure {
	var (
		validation *ValidationError
		missing    *MissingConfigError
		resolution *credential.ResolutionError
		failed     *conversation.RunFailedError
		timedOut   *conversation.RunTimedOutError
	)

	switch {
	case errors.As(err, &validation):
		return &Failure{Kind: KindValidation, Message: validation.Message}

	case errors.As(err, &missing):
		return &Failure{
			Kind:    KindConfig,
			Message: "Incomplete configuration",
			Details: "missing " + strings.Join(missing.Missing, ", "),
			Missing: missing.Missing,
		}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: KindCanceled, Message: "Request canceled", Details: err.Error()}

	case errors.As(err, &resolution):
		return &Failure{
			Kind:     KindAuth,
			Message:  "Authentication failed",
			Details:  resolution.Error(),
			Attempts: resolution.Attempts,
		}

	case errors.As(err, &failed):
		return &Failure{Kind: KindRunFailed, Message: "The agent could not process your query", Details: failed.Reason}

	case errors.As(err, &timedOut):
		return &Failure{
			Kind:    KindTimeout,
			Message: "The agent did not respond in time",
			Details: fmt.Sprintf("no answer after %s", timedOut.After),
		}

	case errors.Is(err, conversation.ErrRemoteService):
		return &Failure{Kind: KindRemoteService, Message: "Agent service unavailable", Details: err.Error()}

	case errors.Is(err, conversation.ErrAgentLookup):
		msg := "Agent lookup failed"
		if remote.IsNotFound(err) {
			msg = "Agent not found"
		}
		return &Failure{Kind: KindAgentLookup, Message: msg, Details: err.Error()}

	case errors.Is(err, conversation.ErrThreadCreation):
		return &Failure{Kind: KindThreadCreation, Message: "Conversation thread could not be created", Details: err.Error()}

	case errors.Is(err, conversation.ErrMessageSubmission):
		return &Failure{Kind: KindMessageSubmission, Message: "Message could not be submitted", Details: err.Error()}

	case errors.Is(err, conversation.ErrRunCreation):
		return &Failure{Kind: KindRunCreation, Message: "Run could not be started", Details: err.Error()}

	default:
		return &Failure{Kind: KindInternal, Message: "Internal server error", Details: err.Error()}
	}
}
