package domain

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

type ActivityType string

const (
	ActivityMessaging ActivityType = "messaging"
	ActivityTyping    ActivityType = "typing"
	ActivityBrowsing  ActivityType = "browsing"
	ActivityIdle      ActivityType = "idle"
)

// PresenceRecord is the derived state of a user across all their devices.
// A user is online iff at least one device is still tracked.
type PresenceRecord struct {
	UserID        UserID
	Status        PresenceStatus
	IsOnline      bool
	CustomMessage string
	LastSeen      time.Time
	LastActivity  time.Time
	ActivityType  ActivityType
	OnlineDevices []DeviceID
}

type PresenceChangeType string

const (
	ChangeStatus   PresenceChangeType = "status"
	ChangeActivity PresenceChangeType = "activity"
	ChangeOnline   PresenceChangeType = "online"
	ChangeOffline  PresenceChangeType = "offline"
)

// PresenceChange captures one transition for listeners and history.
type PresenceChange struct {
	Previous   PresenceRecord
	Current    PresenceRecord
	ChangeType PresenceChangeType
	At         time.Time
}
