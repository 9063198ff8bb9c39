// Package event defines the domain events the engine publishes to sinks.
// Events are immutable snapshots; consumers must not retain mutable refs.
package event

import (
	"time"

	"chat-relay/domain"
)

type Type string

const (
	TypeSessionConnected    Type = "session.connected"
	TypeSessionDisconnected Type = "session.disconnected"
	TypeTypingStarted       Type = "typing.started"
	TypeTypingStopped       Type = "typing.stopped"
	TypePresenceChanged     Type = "presence.changed"
	TypeMessageDelivered    Type = "message.delivered"
	TypeMessageRead         Type = "message.read"
	TypeConflictResolved    Type = "sync.conflict_resolved"
)

type DomainEvent interface {
	EventType() Type
}

type SessionConnected struct {
	SessionID domain.SessionID
	UserID    domain.UserID
	Username  string
	At        time.Time
}

func (SessionConnected) EventType() Type { return TypeSessionConnected }

type SessionDisconnected struct {
	SessionID domain.SessionID
	UserID    domain.UserID
	At        time.Time
}

func (SessionDisconnected) EventType() Type { return TypeSessionDisconnected }

type TypingStarted struct {
	UserID   domain.UserID
	Username string
	RoomID   domain.RoomID
	ThreadID string
	At       time.Time
}

func (TypingStarted) EventType() Type { return TypeTypingStarted }

type TypingStopped struct {
	UserID   domain.UserID
	RoomID   domain.RoomID
	ThreadID string
	At       time.Time
}

func (TypingStopped) EventType() Type { return TypeTypingStopped }

type PresenceChanged struct {
	Change domain.PresenceChange
}

func (PresenceChanged) EventType() Type { return TypePresenceChanged }

type MessageDelivered struct {
	MessageID string
	UserID    domain.UserID
	At        time.Time
}

func (MessageDelivered) EventType() Type { return TypeMessageDelivered }

type MessageRead struct {
	MessageID string
	UserID    domain.UserID
	At        time.Time
}

func (MessageRead) EventType() Type { return TypeMessageRead }

type ConflictResolved struct {
	Scope    string
	Kind     string
	WinnerID string
	LoserID  string
	At       time.Time
}

func (ConflictResolved) EventType() Type { return TypeConflictResolved }
