// Package store provides persistent storage for agent-relay using SQLite.
//
// # Architecture
//
// The store package splits its interface by concern:
//
//   - SessionStore: conversation sessions (caller key to remote thread id)
//   - ExchangeStore: the exchange ledger, one row per relayed request
//   - Store: both, plus Ping and Close
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore implements it in memory for tests.
//
// # Data Models
//
//   - Session: Key, ThreadID, CreatedAt, LastUsedAt. Sessions let keyed
//     conversations survive a restart; the in-process cache in package
//     session remains the primary lookup.
//   - Exchange: correlation id, session key, thread and run ids, transport
//     (http or queue), status (completed, failed, timed_out, rejected, error),
//     request and response text, error description and timing.
//
// # Schema
//
// Tables are created on open with CREATE TABLE IF NOT EXISTS. Timestamps are
// stored as fixed-width UTC strings so range queries compare lexically.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/agent-relay/relay.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.SaveExchange(ctx, &store.Exchange{...})
//
// Use ":memory:" for a throwaway database.
package store
