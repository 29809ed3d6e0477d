package models

import (
	"fmt"
	"time"
)

// Lane identifies one of the priority queues a message can be routed to.
type Lane string

const (
	LaneUrgent Lane = "urgent"
	LaneNormal Lane = "normal"
	LaneBuffer Lane = "buffer"
)

// Lanes lists every lane in serving order.
var Lanes = []Lane{LaneUrgent, LaneNormal, LaneBuffer}

// Valid reports whether the lane is one of the known lanes.
func (l Lane) Valid() bool {
	switch l {
	case LaneUrgent, LaneNormal, LaneBuffer:
		return true
	}
	return false
}

// Priority levels assigned by the router. Higher is served first.
const (
	PriorityDefault  = 10
	PriorityMid      = 50
	PriorityFollowUp = 80
	PriorityBurst    = 90
)

// QueueRoute is a routing decision for a single message. It is computed per
// message and not persisted beyond the enqueue operation.
type QueueRoute struct {
	Lane       Lane          `json:"lane"`
	RoutingKey string        `json:"routing_key"`
	Priority   int           `json:"priority"`
	Delay      time.Duration `json:"delay,omitempty"` // deferred visibility
}

// RoutingKey derives the session-scoped routing key for a lane.
func RoutingKey(lane Lane, sessionID string) string {
	return fmt.Sprintf("%s:%s", lane, sessionID)
}
