package models

// EventType classifies processing-lifecycle events published to the events
// channel.
type EventType string

const (
	EventMessageReceived     EventType = "message.received"
	EventMessageRouted       EventType = "message.routed"
	EventGenerationStarted   EventType = "generation.started"
	EventGenerationCompleted EventType = "generation.completed"
	EventGenerationFailed    EventType = "generation.failed"
	EventMessageRetried      EventType = "message.retried"
	EventMessageDeadLettered EventType = "message.deadlettered"
	EventLockLost            EventType = "lock.lost"
)

// Event is one processing-lifecycle event. Consumed by external
// observability tooling over Redis pub/sub.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Lane      Lane      `json:"lane,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp int64     `json:"ts"` // Unix ms
}
