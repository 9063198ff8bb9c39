package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncEvent records one mutating event for conflict detection. Two events
// with the same scope and type within the conflict window are concurrent
// writes; the greater timestamp wins.
type SyncEvent struct {
	ID      uuid.UUID
	Type    string
	Payload any
	UserID  UserID
	RoomID  RoomID
	At      time.Time
	Version int
}

// Scope is the conflict-detection partition: the room when set, otherwise
// the submitting user.
func (e SyncEvent) Scope() string {
	if e.RoomID != "" {
		return "room:" + string(e.RoomID)
	}
	return "user:" + string(e.UserID)
}
