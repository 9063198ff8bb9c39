// Package domain contains core concepts of the realtime engine.
// This file defines Session entities and their lifecycle states.
// No runtime, network, or UI logic should be added here.
package domain

import "time"

type (
	SessionID string
	UserID    string
	DeviceID  string
	RoomID    string
)

type SessionState string

const (
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionIdle         SessionState = "idle"
	SessionDisconnected SessionState = "disconnected"
)

// Session represents one live connection from a single device, mapped to
// exactly one user. A user may own several concurrent sessions.
type Session struct {
	ID              SessionID
	UserID          UserID
	Username        string
	DeviceID        DeviceID
	State           SessionState
	ConnectedAt     time.Time
	LastActivityAt  time.Time
	LastHeartbeatAt time.Time
}

// Identity is an already-authenticated user, produced by the token
// verification collaborator. The engine never checks credentials itself.
type Identity struct {
	UserID   UserID
	Username string
}
