package domain

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastEvent is a transient fan-out request. It is never persisted.
// Recipients are the union of TargetUsers and members of TargetRooms,
// minus ExcludeUsers, filtered by subscription.
type BroadcastEvent struct {
	ID           uuid.UUID
	Type         string
	Payload      any
	Priority     Priority
	TargetUsers  []UserID
	TargetRooms  []RoomID
	ExcludeUsers []UserID
	Batchable    bool
	At           time.Time
}
