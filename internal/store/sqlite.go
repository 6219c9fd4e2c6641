// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session and exchange persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// maxListLimit caps list queries
const maxListLimit = 1000

// timeLayout is fixed-width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. The path ":memory:" gives a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key  TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_used_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_last_used ON sessions(last_used_at);

		CREATE TABLE IF NOT EXISTS exchanges (
			exchange_id    TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			session_key    TEXT,
			thread_id      TEXT,
			run_id         TEXT,
			transport      TEXT NOT NULL,
			status         TEXT NOT NULL,
			request        TEXT NOT NULL,
			response       TEXT,
			error          TEXT,
			started_at     TEXT NOT NULL,
			finished_at    TEXT NOT NULL,

			CHECK (transport IN ('http', 'queue')),
			CHECK (status IN ('completed', 'failed', 'timed_out', 'rejected', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_correlation ON exchanges(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetSession retrieves a session by key.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*Session, error) {
	query := `
		SELECT session_key, thread_id, created_at, last_used_at
		FROM sessions
		WHERE session_key = ?
	`

	var session Session
	var createdAtStr, lastUsedStr string

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&session.Key,
		&session.ThreadID,
		&createdAtStr,
		&lastUsedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if session.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if session.LastUsedAt, err = parseTime("last_used_at", lastUsedStr); err != nil {
		return nil, err
	}

	return &session, nil
}

// SaveSession inserts a session or replaces the thread of an existing key.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (session_key, thread_id, created_at, last_used_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			thread_id = excluded.thread_id,
			created_at = excluded.created_at,
			last_used_at = excluded.last_used_at
	`

	_, err := s.db.ExecContext(ctx, query,
		session.Key,
		session.ThreadID,
		formatTime(session.CreatedAt),
		formatTime(session.LastUsedAt),
	)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("saved session", "key", session.Key, "thread_id", session.ThreadID)
	return nil
}

// TouchSession updates the last-used time of a session.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) TouchSession(ctx context.Context, key string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = ? WHERE session_key = ?`,
		formatTime(at), key,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteIdleSessions removes sessions last used before the given time and
// returns how many were removed.
func (s *SQLiteStore) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_used_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting idle sessions: %w", err)
	}
	return result.RowsAffected()
}

// SaveExchange appends an exchange to the ledger
func (s *SQLiteStore) SaveExchange(ctx context.Context, e *Exchange) error {
	query := `
		INSERT INTO exchanges (
			exchange_id, correlation_id, session_key, thread_id, run_id,
			transport, status, request, response, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.CorrelationID,
		nullString(e.SessionKey),
		nullString(e.ThreadID),
		nullString(e.RunID),
		e.Transport,
		string(e.Status),
		e.Request,
		nullString(e.Response),
		nullString(e.Error),
		formatTime(e.StartedAt),
		formatTime(e.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting exchange: %w", err)
	}

	s.logger.Debug("saved exchange", "id", e.ID, "correlation_id", e.CorrelationID, "status", e.Status)
	return nil
}

const exchangeColumns = `
	exchange_id, correlation_id, session_key, thread_id, run_id,
	transport, status, request, response, error, started_at, finished_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (*Exchange, error) {
	var e Exchange
	var sessionKey, threadID, runID, response, errText sql.NullString
	var status, startedStr, finishedStr string

	if err := row.Scan(
		&e.ID,
		&e.CorrelationID,
		&sessionKey,
		&threadID,
		&runID,
		&e.Transport,
		&status,
		&e.Request,
		&response,
		&errText,
		&startedStr,
		&finishedStr,
	); err != nil {
		return nil, err
	}

	e.SessionKey = sessionKey.String
	e.ThreadID = threadID.String
	e.RunID = runID.String
	e.Response = response.String
	e.Error = errText.String
	e.Status = ExchangeStatus(status)

	var err error
	if e.StartedAt, err = parseTime("started_at", startedStr); err != nil {
		return nil, err
	}
	if e.FinishedAt, err = parseTime("finished_at", finishedStr); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExchangeByCorrelationID returns the most recent exchange with the given
// correlation id. Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetExchangeByCorrelationID(ctx context.Context, correlationID string) (*Exchange, error) {
	query := `SELECT ` + exchangeColumns + `
		FROM exchanges
		WHERE correlation_id = ?
		ORDER BY started_at DESC
		LIMIT 1
	`

	e, err := scanExchange(s.db.QueryRowContext(ctx, query, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying exchange: %w", err)
	}
	return e, nil
}

// ListExchanges returns exchanges newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListExchanges(ctx context.Context, limit int) ([]*Exchange, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + exchangeColumns + `
		FROM exchanges
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []*Exchange
	for rows.Next() {
		e, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning exchange row: %w", err)
		}
		exchanges = append(exchanges, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchange rows: %w", err)
	}

	return exchanges, nil
}
