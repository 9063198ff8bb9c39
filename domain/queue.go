package domain

import (
	"time"

	"github.com/google/uuid"
)

// QueuedMessage is one entry held for a disconnected user until they come
// back online, the TTL elapses, or capacity eviction claims it.
type QueuedMessage struct {
	ID         uuid.UUID
	EventType  string
	Payload    any
	Priority   Priority
	EnqueuedAt time.Time
	ExpiresAt  time.Time
	Attempts   int
}

func (m QueuedMessage) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}
