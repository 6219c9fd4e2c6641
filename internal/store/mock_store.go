// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session // keyed by session key
	exchanges []*Exchange         // append order

	// SaveErr, when set, is returned by every write.
	SaveErr error
}

// Compile-time check
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
	}
}

// GetSession retrieves a session by key.
func (m *MockStore) GetSession(ctx context.Context, key string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *s
	return &result, nil
}

// SaveSession stores or replaces a session.
func (m *MockStore) SaveSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}

	// Make a copy to avoid external modification
	s := *session
	m.sessions[s.Key] = &s
	return nil
}

// TouchSession updates the last-used time of a session.
func (m *MockStore) TouchSession(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	s, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	s.LastUsedAt = at
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, key)
	return nil
}

// DeleteIdleSessions removes sessions last used before the given time.
func (m *MockStore) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, s := range m.sessions {
		if s.LastUsedAt.Before(before) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed, nil
}

// SaveExchange appends an exchange.
func (m *MockStore) SaveExchange(ctx context.Context, exchange *Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if exchange.ID == "" {
		return errors.New("exchange id is required")
	}

	e := *exchange
	m.exchanges = append(m.exchanges, &e)
	return nil
}

// GetExchangeByCorrelationID returns the most recent exchange for a correlation id.
func (m *MockStore) GetExchangeByCorrelationID(ctx context.Context, correlationID string) (*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.exchanges) - 1; i >= 0; i-- {
		if m.exchanges[i].CorrelationID == correlationID {
			result := *m.exchanges[i]
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// ListExchanges returns exchanges newest first.
func (m *MockStore) ListExchanges(ctx context.Context, limit int) ([]*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]*Exchange, 0, len(m.exchanges))
	for _, e := range m.exchanges {
		c := *e
		result = append(result, &c)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
