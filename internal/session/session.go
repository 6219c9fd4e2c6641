// ABOUTME: Conversation sessions mapping caller keys to remote threads
// ABOUTME: Get-or-create with an LRU cache, singleflight dedupe and optional persistence

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/agent-relay/internal/remote"
	"github.com/2389/agent-relay/internal/store"
)

// Session is a conversation bound to one remote thread.
type Session struct {
	Key        string // empty for ephemeral sessions
	ThreadID   string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Reused     bool // true when the thread existed before this call
}

// ThreadCreator creates remote threads.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (*remote.Thread, error)
}

// Config configures a Manager.
type Config struct {
	Capacity int
	IdleTTL  time.Duration
	Store    store.SessionStore // optional
	Logger   *slog.Logger
}

// Manager hands out sessions. Keyed sessions are reused until evicted or idle
// for longer than the TTL; unkeyed ones get a fresh thread every time.
type Manager struct {
	threads ThreadCreator
	cache   *Cache
	store   store.SessionStore
	ttl     time.Duration
	flight  singleflight.Group
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a manager. Close it to stop the cache sweeper.
func NewManager(threads ThreadCreator, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		threads: threads,
		cache:   NewCache(cfg.IdleTTL, cfg.Capacity),
		store:   cfg.Store,
		ttl:     cfg.IdleTTL,
		logger:  logger.With("component", "session"),
		now:     time.Now,
	}
}

// GetOrCreate returns the session for key, creating a remote thread when
// none is known. Concurrent misses on one key share a single creation.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return m.create(ctx, "")
	}

	if s, ok := m.cache.Get(key); ok {
		s.Reused = true
		m.touch(ctx, key, s.LastUsedAt)
		return &s, nil
	}

	ch := m.flight.DoChan(key, func() (any, error) {
		// The flight outlives any single caller's cancellation.
		return m.load(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*Session)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load looks in the cache again, then the store, then creates a thread.
func (m *Manager) load(ctx context.Context, key string) (*Session, error) {
	if s, ok := m.cache.Get(key); ok {
		s.Reused = true
		return &s, nil
	}

	if s, ok := m.rehydrate(ctx, key); ok {
		return s, nil
	}

	return m.create(ctx, key)
}

func (m *Manager) rehydrate(ctx context.Context, key string) (*Session, bool) {
	if m.store == nil {
		return nil, false
	}

	rec, err := m.store.GetSession(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("loading persisted session failed", "key", key, "error", err)
		}
		return nil, false
	}

	now := m.now()
	if m.ttl > 0 && now.Sub(rec.LastUsedAt) > m.ttl {
		m.logger.Debug("persisted session idle, discarding", "key", key, "last_used", rec.LastUsedAt)
		return nil, false
	}

	s := Session{
		Key:        rec.Key,
		ThreadID:   rec.ThreadID,
		CreatedAt:  rec.CreatedAt,
		LastUsedAt: now,
	}
	m.put(s)
	m.touch(ctx, key, now)

	m.logger.Debug("session restored from store", "key", key, "thread_id", s.ThreadID)
	s.Reused = true
	return &s, true
}

func (m *Manager) create(ctx context.Context, key string) (*Session, error) {
	thread, err := m.threads.CreateThread(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating thread: %w", err)
	}

	now := m.now()
	s := Session{
		Key:        key,
		ThreadID:   thread.ID,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	if key != "" {
		m.put(s)
		if m.store != nil {
			rec := &store.Session{Key: key, ThreadID: s.ThreadID, CreatedAt: now, LastUsedAt: now}
			if err := m.store.SaveSession(ctx, rec); err != nil {
				m.logger.Warn("persisting session failed", "key", key, "error", err)
			}
		}
	}

	m.logger.Debug("session created", "key", key, "thread_id", s.ThreadID)
	return &s, nil
}

func (m *Manager) put(s Session) {
	if evicted := m.cache.Put(s); evicted != "" {
		m.logger.Debug("session evicted", "key", evicted)
	}
}

func (m *Manager) touch(ctx context.Context, key string, at time.Time) {
	if m.store == nil {
		return
	}
	if err := m.store.TouchSession(ctx, key, at); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("touching persisted session failed", "key", key, "error", err)
	}
}

// Forget drops a session so the next request for key starts a new thread.
func (m *Manager) Forget(ctx context.Context, key string) {
	if key == "" {
		return
	}
	m.cache.Remove(key)
	if m.store != nil {
		if err := m.store.DeleteSession(ctx, key); err != nil {
			m.logger.Warn("deleting persisted session failed", "key", key, "error", err)
		}
	}
}

// PruneStore deletes persisted sessions idle for longer than the TTL.
func (m *Manager) PruneStore(ctx context.Context) (int64, error) {
	if m.store == nil || m.ttl <= 0 {
		return 0, nil
	}
	return m.store.DeleteIdleSessions(ctx, m.now().Add(-m.ttl))
}

// Len returns the number of cached sessions.
func (m *Manager) Len() int { return m.cache.Len() }

// Close stops background work.
func (m *Manager) Close() { m.cache.Close() }
