package store

import (
	"context"
	"time"

	"github.com/convoq/convoq/internal/models"
)

// ResultStore defines the durable persistence boundary for completed
// responses and dead-letter records. Both PostgresStore and SQLiteStore
// implement this interface.
type ResultStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Result operations. StoreResult is idempotent on message id.
	StoreResult(ctx context.Context, messageID, sessionID, body string) error
	GetResult(ctx context.Context, messageID string) (*models.Result, error)

	// Dead-letter operations
	CreateDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, messageID string) (*models.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error)
	ListDueDeadLetters(ctx context.Context, now time.Time, limit int) ([]models.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, messageID string) error
	CountDeadLetters(ctx context.Context) (int64, error)
}
