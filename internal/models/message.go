package models

import "time"

// InboundMessage is one unit of work accepted at the ingest boundary.
// The payload is opaque to the pipeline; it is handed to the completion
// service verbatim.
type InboundMessage struct {
	MessageID string `json:"message_id"` // ULID
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"ts"` // Unix ms, set at ingest
}

// Task is the queued form of an inbound message. It carries everything a
// worker needs to process the message without consulting the ingest store.
type Task struct {
	MessageID  string `json:"message_id"`
	SessionID  string `json:"session_id"`
	Payload    string `json:"payload"`
	Lane       Lane   `json:"lane"`
	Priority   int    `json:"priority"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`          // Unix ms
	ExpiresAt  int64  `json:"expires_at,omitempty"` // Unix ms, 0 = no TTL

	// Receipt identifies this dequeue's claim on the task. Set by the
	// store when the task is claimed, consumed by Ack. Never serialized:
	// it belongs to one delivery, not the task.
	Receipt string `json:"-"`
}

// Expired reports whether the task's queue TTL has elapsed at the given time.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.UnixMilli() > t.ExpiresAt
}

// Result is a persisted completion for a processed message.
type Result struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
