package domain

import "time"

// TypingKey identifies one typing entry. ThreadID is empty for room-level
// typing.
type TypingKey struct {
	UserID   UserID
	RoomID   RoomID
	ThreadID string
}

// TypingState is ephemeral. Readers must treat an entry older than the
// typing timeout as absent, whether or not the sweep evicted it yet.
type TypingState struct {
	Key       TypingKey
	Username  string
	StartedAt time.Time
}
