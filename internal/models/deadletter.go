package models

import "time"

// DeadLetterEntry is a task that exhausted its retry budget. It is the
// terminal failure record: every message either produces a persisted result
// or one of these.
type DeadLetterEntry struct {
	MessageID    string    `json:"message_id"`
	SessionID    string    `json:"session_id"`
	Payload      string    `json:"payload"`
	Lane         Lane      `json:"lane"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
}
