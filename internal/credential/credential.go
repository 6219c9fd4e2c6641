// ABOUTME: Credential resolution for calls to the hosted agent service
// ABOUTME: Tries an ordered list of strategies once, caches the winner process-wide

package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// resolveTimeout bounds one shared resolution, which outlives the caller
// that started it.
const resolveTimeout = 30 * time.Second

// Method names the way a credential was obtained.
type Method string

const (
	MethodAPIKey          Method = "api_key"
	MethodManagedIdentity Method = "managed_identity"
	MethodDefaultChain    Method = "default_chain"
)

// Credential authorizes outbound requests to the agent service.
type Credential interface {
	Method() Method
	Authorize(ctx context.Context, req *http.Request) error
}

// Strategy is one way of obtaining a Credential.
type Strategy interface {
	Method() Method
	Resolve(ctx context.Context) (Credential, error)
}

// Attempt records a failed strategy.
type Attempt struct {
	Method Method `json:"method"`
	Reason string `json:"reason"`
}

// ResolutionError is returned when every strategy failed.
type ResolutionError struct {
	Attempts []Attempt
}

func (e *ResolutionError) Error() string {
	if len(e.Attempts) == 0 {
		return "no credential strategies configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Method, a.Reason)
	}
	return "credential resolution failed (" + strings.Join(parts, "; ") + ")"
}

// Status is a snapshot of the resolver used by health reporting.
type Status struct {
	Method     Method    `json:"method,omitempty"`
	Resolved   bool      `json:"resolved"`
	Attempts   []Attempt `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitzero"`
}

// Resolver walks its strategies in order and keeps the first credential that
// works. Concurrent resolutions are collapsed into one.
type Resolver struct {
	strategies []Strategy
	logger     *slog.Logger
	flight     singleflight.Group

	mu         sync.Mutex
	active     Credential
	attempts   []Attempt
	lastErr    error
	resolvedAt time.Time
}

// NewResolver creates a resolver over the given strategies, tried in order.
func NewResolver(logger *slog.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		strategies: strategies,
		logger:     logger.With("component", "credential"),
	}
}

// Resolve returns the cached credential, resolving it first if needed.
func (r *Resolver) Resolve(ctx context.Context) (Credential, error) {
	r.mu.Lock()
	if r.active != nil {
		cred := r.active
		r.mu.Unlock()
		return cred, nil
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := r.flight.DoChan("resolve", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.resolve(rctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (r *Resolver) resolve(ctx context.Context) (Credential, error) {
	r.mu.Lock()
	if r.active != nil {
		cred := r.active
		r.mu.Unlock()
		return cred, nil
	}
	r.mu.Unlock()

	var attempts []Attempt
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cred, err := s.Resolve(ctx)
		if err != nil {
			r.logger.Debug("credential strategy failed", "method", s.Method(), "error", err)
			attempts = append(attempts, Attempt{Method: s.Method(), Reason: err.Error()})
			continue
		}

		r.mu.Lock()
		r.active = cred
		r.attempts = attempts
		r.lastErr = nil
		r.resolvedAt = time.Now()
		r.mu.Unlock()

		r.logger.Info("credential resolved", "method", cred.Method(), "failed_attempts", len(attempts))
		return cred, nil
	}

	resErr := &ResolutionError{Attempts: attempts}
	r.mu.Lock()
	r.attempts = attempts
	r.lastErr = resErr
	r.mu.Unlock()

	r.logger.Error("credential resolution failed", "attempts", len(attempts), "error", resErr)
	return nil, resErr
}

// Invalidate drops cred if it is still the active credential, so the next
// Resolve walks the strategies again.
func (r *Resolver) Invalidate(cred Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cred == nil || r.active != cred {
		return
	}
	r.logger.Warn("credential invalidated", "method", cred.Method())
	r.active = nil
	r.resolvedAt = time.Time{}
}

// Status reports the current resolution state.
func (r *Resolver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		Resolved:   r.active != nil,
		Attempts:   append([]Attempt(nil), r.attempts...),
		ResolvedAt: r.resolvedAt,
	}
	if r.active != nil {
		st.Method = r.active.Method()
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	return st
}
