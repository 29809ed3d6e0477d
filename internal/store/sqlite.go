package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/convoq/convoq/internal/models"
)

// SQLiteStore is the development fallback for result persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/convoq.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/convoq.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_results_session ON results (session_id, created_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		lane TEXT NOT NULL,
		attempt_count INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		next_retry_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_retry ON dead_letters (next_retry_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StoreResult persists a completed response, idempotent on message id.
func (s *SQLiteStore) StoreResult(ctx context.Context, messageID, sessionID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO results (message_id, session_id, body)
		VALUES (?, ?, ?)
	`, messageID, sessionID, body)
	return err
}

// GetResult retrieves a persisted response by message id.
func (s *SQLiteStore) GetResult(ctx context.Context, messageID string) (*models.Result, error) {
	result := &models.Result{}
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, session_id, body, created_at
		FROM results WHERE message_id = ?
	`, messageID).Scan(
		&result.MessageID,
		&result.SessionID,
		&result.Body,
		&result.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// CreateDeadLetter records a terminally failed task.
func (s *SQLiteStore) CreateDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error,
			next_retry_at = excluded.next_retry_at
	`, entry.MessageID, entry.SessionID, entry.Payload, string(entry.Lane),
		entry.AttemptCount, entry.LastError, entry.NextRetryAt)
	return err
}

// GetDeadLetter retrieves a dead-letter entry by message id.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, messageID string) (*models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at, created_at
		FROM dead_letters WHERE message_id = ?
	`, messageID)
	if err != nil {
		return nil, err
	}
	entries, err := scanDeadLetterRows(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ListDeadLetters returns the most recently parked entries.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanDeadLetterRows(rows)
}

// ListDueDeadLetters returns entries whose scheduled retry time has passed.
func (s *SQLiteStore) ListDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at, created_at
		FROM dead_letters WHERE next_retry_at <= ? ORDER BY next_retry_at LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanDeadLetterRows(rows)
}

// DeleteDeadLetter removes a resolved entry.
func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE message_id = ?`, messageID)
	return err
}

// CountDeadLetters returns the dead-letter backlog size.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, err
}

func scanDeadLetterRows(rows *sql.Rows) ([]models.DeadLetterEntry, error) {
	defer rows.Close()

	var entries []models.DeadLetterEntry
	for rows.Next() {
		var e models.DeadLetterEntry
		var lane string
		if err := rows.Scan(&e.MessageID, &e.SessionID, &e.Payload, &lane,
			&e.AttemptCount, &e.LastError, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Lane = models.Lane(lane)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
