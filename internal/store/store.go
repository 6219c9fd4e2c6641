// ABOUTME: Store interface and data types for agent-relay persistence
// ABOUTME: Defines conversation sessions and the exchange ledger

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session maps a caller-supplied conversation key to a remote thread.
type Session struct {
	Key        string
	ThreadID   string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Transport names for exchanges
const (
	TransportHTTP  = "http"
	TransportQueue = "queue"
)

// ExchangeStatus is the outcome of one relayed request.
type ExchangeStatus string

const (
	ExchangeCompleted ExchangeStatus = "completed"
	ExchangeFailed    ExchangeStatus = "failed"
	ExchangeTimedOut  ExchangeStatus = "timed_out"
	ExchangeRejected  ExchangeStatus = "rejected" // validation or configuration failure, nothing sent
	ExchangeError     ExchangeStatus = "error"
)

// Exchange is one request/response pair handled by the relay.
type Exchange struct {
	ID            string
	CorrelationID string
	SessionKey    string
	ThreadID      string
	RunID         string
	Transport     string
	Status        ExchangeStatus
	Request       string
	Response      string
	Error         string // failure kind and message, empty on success
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Duration returns how long the exchange took.
func (e *Exchange) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

// SessionStore persists conversation sessions.
type SessionStore interface {
	GetSession(ctx context.Context, key string) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error
	TouchSession(ctx context.Context, key string, at time.Time) error
	DeleteSession(ctx context.Context, key string) error
	DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error)
}

// ExchangeStore records the exchange ledger.
type ExchangeStore interface {
	SaveExchange(ctx context.Context, exchange *Exchange) error
	GetExchangeByCorrelationID(ctx context.Context, correlationID string) (*Exchange, error)
	ListExchanges(ctx context.Context, limit int) ([]*Exchange, error)
}

// Store defines the full persistence interface
type Store interface {
	SessionStore
	ExchangeStore

	// Ping checks the database is usable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
