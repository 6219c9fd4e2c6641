// ABOUTME: Error types returned by the remote agent client
// ABOUTME: Classifies service failures, auth rejections and not-found responses

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable marks transport-level failures: the service could not be
// reached or the response could not be read.
var ErrUnavailable = errors.New("agent service unavailable")

// APIError is a non-2xx response from the agent service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("agent service returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("agent service returned %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("agent service returned %d", e.StatusCode)
	}
}

// IsServiceFailure reports whether err is the service's fault rather than the
// request's: transport failures, 5xx and throttling.
func IsServiceFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsNotFound reports whether the service answered 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsAuthFailure reports whether the service rejected the credential.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}
