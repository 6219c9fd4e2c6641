// ABOUTME: In-memory fan-out of recorded exchanges to live subscribers
// ABOUTME: Backs the exchange stream endpoint; subscribers pick one session key or all

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/store"
)

// AllSessions subscribes to exchanges of every session, keyed or not.
const AllSessions = ""

const subscriberBufferSize = 64

// Feed is in-memory pub/sub for recorded exchanges.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Exchange // sessionKey -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewFeed creates a feed. Pass nil logger for default.
func NewFeed(logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		subscribers: make(map[string]map[string]chan *store.Exchange),
		logger:      logger.With("component", "feed"),
	}
}

// Subscribe registers for exchanges of sessionKey (AllSessions for every
// exchange). The subscription ends and the channel closes when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, sessionKey string) (<-chan *store.Exchange, string) {
	subID := uuid.NewString()
	ch := make(chan *store.Exchange, subscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := f.subscribers[sessionKey]; !ok {
		f.subscribers[sessionKey] = make(map[string]chan *store.Exchange)
	}
	f.subscribers[sessionKey][subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "session_key", sessionKey, "sub_id", subID)

	go func() {
		<-ctx.Done()
		f.Unsubscribe(sessionKey, subID)
	}()

	return ch, subID
}

// Publish delivers ex to subscribers of its session and to AllSessions
// subscribers. Slow subscribers miss events instead of blocking the caller.
func (f *Feed) Publish(ex *store.Exchange) {
	f.mu.RLock()
	var targets []chan *store.Exchange
	for _, ch := range f.subscribers[AllSessions] {
		targets = append(targets, ch)
	}
	if ex.SessionKey != AllSessions {
		for _, ch := range f.subscribers[ex.SessionKey] {
			targets = append(targets, ch)
		}
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ex:
		default:
			f.logger.Debug("dropped exchange for slow subscriber", "correlation_id", ex.CorrelationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (f *Feed) Unsubscribe(sessionKey, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[sessionKey]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(f.subscribers, sessionKey)
	}

	f.logger.Debug("subscriber removed", "session_key", sessionKey, "sub_id", subID)
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, subs := range f.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for key, subs := range f.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(f.subscribers, key)
	}
}
