package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotifyMention     NotificationType = "mention"
	NotifyRoomMessage NotificationType = "room_message"
	NotifyReaction    NotificationType = "reaction"
	NotifySystem      NotificationType = "system"
)

type NotificationPriority string

const (
	NotifyLow    NotificationPriority = "low"
	NotifyNormal NotificationPriority = "normal"
	NotifyUrgent NotificationPriority = "urgent"
)

type Notification struct {
	ID        uuid.UUID
	UserID    UserID
	Type      NotificationType
	Title     string
	Body      string
	RoomID    RoomID
	SenderID  UserID
	Priority  NotificationPriority
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NotificationSettings holds per-user delivery preferences. Settings live
// for the session lifetime only.
type NotificationSettings struct {
	MentionsEnabled     bool
	RoomMessagesEnabled bool
	ReactionsEnabled    bool
	SystemEnabled       bool
	MutedRooms          map[RoomID]struct{}
	MutedUsers          map[UserID]struct{}
	// Quiet hours as minutes from midnight, local to the engine clock.
	// Start == End disables quiet hours. Windows may wrap past midnight.
	QuietStartMin int
	QuietEndMin   int
}

func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		MentionsEnabled:     true,
		RoomMessagesEnabled: true,
		ReactionsEnabled:    true,
		SystemEnabled:       true,
		MutedRooms:          make(map[RoomID]struct{}),
		MutedUsers:          make(map[UserID]struct{}),
	}
}

// DeviceSubscription is a push-style delivery target, swept when stale.
type DeviceSubscription struct {
	UserID    UserID
	DeviceID  DeviceID
	Endpoint  string
	CreatedAt time.Time
	LastSeen  time.Time
}
