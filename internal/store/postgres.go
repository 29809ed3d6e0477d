package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoq/convoq/internal/models"
)

// PostgresStore handles PostgreSQL persistence for results and dead letters.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// RunMigrations creates the schema if it does not exist.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS results (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_results_session ON results (session_id, created_at);

		CREATE TABLE IF NOT EXISTS dead_letters (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			lane TEXT NOT NULL,
			attempt_count INT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			next_retry_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_retry ON dead_letters (next_retry_at);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// StoreResult persists a completed response. Idempotent: a second write for
// the same message id is a no-op, which makes duplicate delivery harmless.
func (s *PostgresStore) StoreResult(ctx context.Context, messageID, sessionID, body string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO results (message_id, session_id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING
	`, messageID, sessionID, body)
	return err
}

// GetResult retrieves a persisted response by message id.
func (s *PostgresStore) GetResult(ctx context.Context, messageID string) (*models.Result, error) {
	result := &models.Result{}
	err := s.pool.QueryRow(ctx, `
		SELECT message_id, session_id, body, created_at
		FROM results WHERE message_id = $1
	`, messageID).Scan(
		&result.MessageID,
		&result.SessionID,
		&result.Body,
		&result.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// CreateDeadLetter records a terminally failed task.
func (s *PostgresStore) CreateDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id) DO UPDATE SET
			attempt_count = EXCLUDED.attempt_count,
			last_error = EXCLUDED.last_error,
			next_retry_at = EXCLUDED.next_retry_at
	`, entry.MessageID, entry.SessionID, entry.Payload, string(entry.Lane),
		entry.AttemptCount, entry.LastError, entry.NextRetryAt)
	return err
}

// GetDeadLetter retrieves a dead-letter entry by message id.
func (s *PostgresStore) GetDeadLetter(ctx context.Context, messageID string) (*models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at, created_at
		FROM dead_letters WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, err
	}
	entries, err := scanDeadLetters(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ListDeadLetters returns the most recently parked entries.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

// ListDueDeadLetters returns entries whose scheduled retry time has passed.
func (s *PostgresStore) ListDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, session_id, payload, lane, attempt_count, last_error, next_retry_at, created_at
		FROM dead_letters WHERE next_retry_at <= $1 ORDER BY next_retry_at LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

// DeleteDeadLetter removes a resolved entry.
func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE message_id = $1`, messageID)
	return err
}

// CountDeadLetters returns the dead-letter backlog size.
func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, err
}

func scanDeadLetters(rows pgx.Rows) ([]models.DeadLetterEntry, error) {
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
