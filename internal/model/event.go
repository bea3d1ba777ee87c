package model

import (
	"encoding/json"
	"time"
)

// DeliveryMode selects how an event reaches its listeners.
type DeliveryMode string

const (
	// DeliverySync invokes every listener before Publish returns.
	DeliverySync DeliveryMode = "sync"
	// DeliveryAsync persists the event for queue processing.
	DeliveryAsync DeliveryMode = "async"
)

// EventPriority orders queued events. Higher priorities are always
// dequeued first, regardless of age.
type EventPriority int

const (
	EventPriorityLow    EventPriority = 1
	EventPriorityNormal EventPriority = 2
	EventPriorityHigh   EventPriority = 3
)

// EventStatus tracks a queued event through delivery.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusDelivering EventStatus = "delivering"
	EventStatusDelivered  EventStatus = "delivered"
	EventStatusDeadLetter EventStatus = "dead_letter"
)

// Event is a named payload published on the bus.
type Event struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Mode        DeliveryMode    `json:"mode"`
	Priority    EventPriority   `json:"priority"`
	Status      EventStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextAttempt time.Time       `json:"next_attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}
