// ABOUTME: Conformance tests run against both MockStore and SQLiteStore
// ABOUTME: Ensures the in-memory store behaves like the SQLite one for session and ledger calls

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()
	sqlite := newTestStore(t)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"mock":   NewMockStore(),
		"sqlite": sqlite,
	}
}

func TestStores_SessionLifecycle(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			_, err := s.GetSession(ctx, "caller-1")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveSession(ctx, &Session{
				Key: "caller-1", ThreadID: "thread_1", CreatedAt: now, LastUsedAt: now,
			}))

			got, err := s.GetSession(ctx, "caller-1")
			require.NoError(t, err)
			assert.Equal(t, "thread_1", got.ThreadID)

			later := now.Add(time.Minute)
			require.NoError(t, s.TouchSession(ctx, "caller-1", later))
			got, err = s.GetSession(ctx, "caller-1")
			require.NoError(t, err)
			assert.True(t, got.LastUsedAt.Equal(later))

			removed, err := s.DeleteIdleSessions(ctx, later.Add(time.Second))
			require.NoError(t, err)
			assert.EqualValues(t, 1, removed)

			_, err = s.GetSession(ctx, "caller-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStores_ExchangeLedger(t *testing.T) {
	for name, s := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()

			first := &Exchange{
				ID: "ex-a", CorrelationID: "corr", Transport: TransportHTTP, Status: ExchangeTimedOut,
				Request: "slow question", Error: "timeout: run did not finish",
				StartedAt: base, FinishedAt: base.Add(time.Minute),
			}
			retry := &Exchange{
				ID: "ex-b", CorrelationID: "corr", Transport: TransportHTTP, Status: ExchangeCompleted,
				Request: "slow question", Response: "done",
				StartedAt: base.Add(2 * time.Minute), FinishedAt: base.Add(3 * time.Minute),
			}
			require.NoError(t, s.SaveExchange(ctx, first))
			require.NoError(t, s.SaveExchange(ctx, retry))

			got, err := s.GetExchangeByCorrelationID(ctx, "corr")
			require.NoError(t, err)
			assert.Equal(t, "ex-b", got.ID, "latest exchange for a correlation id wins")

			list, err := s.ListExchanges(ctx, 10)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "ex-b", list[0].ID)
			assert.Equal(t, ExchangeTimedOut, list[1].Status)
		})
	}
}

func TestMockStore_SaveErr(t *testing.T) {
	s := NewMockStore()
	s.SaveErr = errors.New("disk full")

	now := time.Now()
	err := s.SaveSession(context.Background(), &Session{Key: "k", ThreadID: "t", CreatedAt: now, LastUsedAt: now})
	assert.EqualError(t, err, "disk full")

	err = s.SaveExchange(context.Background(), &Exchange{ID: "x", CorrelationID: "c"})
	assert.EqualError(t, err, "disk full")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveSession(ctx, &Session{Key: "k", ThreadID: "t", CreatedAt: now, LastUsedAt: now}))
	got, err := s.GetSession(ctx, "k")
	require.NoError(t, err)
	got.ThreadID = "mutated"

	again, err := s.GetSession(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "t", again.ThreadID)
}
