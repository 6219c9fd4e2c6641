// ABOUTME: Error taxonomy of the agent run coordinator
// ABOUTME: Step sentinels plus typed errors for failed and timed-out runs

package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/agent-relay/internal/remote"
)

// Step failures. Wrapped errors keep the underlying remote error reachable
// through errors.As.
var (
	ErrAgentLookup       = errors.New("agent lookup failed")
	ErrThreadCreation    = errors.New("thread creation failed")
	ErrMessageSubmission = errors.New("message submission failed")
	ErrRunCreation       = errors.New("run creation failed")
	ErrRemoteService     = errors.New("agent service failure")
)

// RunFailedError is returned when a run reaches a terminal failure status.
type RunFailedError struct {
	RunID  string
	Status string
	Code   string
	Reason string
}

func (e *RunFailedError) Error() string {
	msg := fmt.Sprintf("run %s ended with status %s", e.RunID, e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func newRunFailedError(run *remote.Run) *RunFailedError {
	e := &RunFailedError{RunID: run.ID, Status: run.Status}
	switch {
	case run.LastError != nil:
		e.Code = run.LastError.Code
		e.Reason = run.LastError.Message
	case run.IncompleteDetails != nil:
		e.Reason = run.IncompleteDetails.Reason
	}
	if e.Reason == "" {
		e.Reason = "no reason given"
	}
	return e
}

// RunTimedOutError is returned when a run is still pending after the
// configured wait budget. The remote run is left running.
type RunTimedOutError struct {
	RunID      string
	After      time.Duration
	LastStatus string
}

func (e *RunTimedOutError) Error() string {
	if e.LastStatus == "" {
		return fmt.Sprintf("run %s did not finish within %s", e.RunID, e.After)
	}
	return fmt.Sprintf("run %s did not finish within %s (last status %s)", e.RunID, e.After, e.LastStatus)
}

// classify wraps a remote error for the given step. Caller cancellation and
// credential failures pass through unchanged so they keep their own kind.
func classify(step error, err error) error {
	if err == nil {
		return nil
	}
	if remote.IsServiceFailure(err) {
		return fmt.Errorf("%w: %w", ErrRemoteService, err)
	}
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %w", step, err)
	}
	return err
}
