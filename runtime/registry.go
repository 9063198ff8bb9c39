// Package runtime wires the engine together: session registry, component
// cascade, and supervised sweeps. It orchestrates without owning domain
// rules.
package runtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-relay/domain"
)

type Set map[domain.SessionID]struct{}

type roomState struct {
	sessions       Set
	typingUsers    map[domain.UserID]struct{}
	createdAt      time.Time
	lastActivityAt time.Time
	// emptySince is zero while the room has members. A room emptied by the
	// disconnect cascade lingers until the retention sweep collects it.
	emptySince time.Time
}

// ConnectionStats is the upward-facing snapshot of registry state.
type ConnectionStats struct {
	Sessions      int
	Users         int
	Rooms         int
	StaleSessions int
}

// RoomStats describes one room for introspection.
type RoomStats struct {
	RoomID         domain.RoomID
	Members        int
	TypingUsers    int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Registry owns connection lifecycle and room membership. Every mutation is
// safe under concurrent connection handlers and never blocks on I/O.
type Registry struct {
	mu                sync.RWMutex
	log               *slog.Logger
	sessions          map[domain.SessionID]*domain.Session
	userSessions      map[domain.UserID]Set
	sessionRooms      map[domain.SessionID]map[domain.RoomID]struct{}
	rooms             map[domain.RoomID]*roomState
	inactivity        time.Duration
	roomRetention     time.Duration
	heartbeatInterval time.Duration

	now func() time.Time
}

func NewRegistry(log *slog.Logger, inactivity, roomRetention, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		log:               log,
		sessions:          make(map[domain.SessionID]*domain.Session),
		userSessions:      make(map[domain.UserID]Set),
		sessionRooms:      make(map[domain.SessionID]map[domain.RoomID]struct{}),
		rooms:             make(map[domain.RoomID]*roomState),
		inactivity:        inactivity,
		roomRetention:     roomRetention,
		heartbeatInterval: heartbeatInterval,
		now:               time.Now,
	}
}

// AddConnection registers a live connection for an authenticated identity.
// The session enters Connected state immediately; the transport already
// finished its handshake by the time the engine hears about it.
func (r *Registry) AddConnection(sessionID domain.SessionID, identity domain.Identity, deviceID domain.DeviceID) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	session := &domain.Session{
		ID:              sessionID,
		UserID:          identity.UserID,
		Username:        identity.Username,
		DeviceID:        deviceID,
		State:           domain.SessionConnected,
		ConnectedAt:     now,
		LastActivityAt:  now,
		LastHeartbeatAt: now,
	}
	r.sessions[sessionID] = session
	if _, ok := r.userSessions[identity.UserID]; !ok {
		r.userSessions[identity.UserID] = make(Set)
	}
	r.userSessions[identity.UserID][sessionID] = struct{}{}
	r.sessionRooms[sessionID] = make(map[domain.RoomID]struct{})
	return session
}

// RemoveConnection removes a session and cascades to room membership.
// Returns the removed session and the rooms it was in, or nil for an
// unknown session. Rooms emptied here are kept for the retention sweep so
// a quick reconnect finds them intact.
func (r *Registry) RemoveConnection(sessionID domain.SessionID) (*domain.Session, []domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	now := r.now()

	var left []domain.RoomID
	for roomID := range r.sessionRooms[sessionID] {
		left = append(left, roomID)
		if room, exists := r.rooms[roomID]; exists {
			delete(room.sessions, sessionID)
			delete(room.typingUsers, session.UserID)
			if len(room.sessions) == 0 {
				room.emptySince = now
			}
		}
	}
	delete(r.sessionRooms, sessionID)
	delete(r.sessions, sessionID)

	if owned, exists := r.userSessions[session.UserID]; exists {
		delete(owned, sessionID)
		if len(owned) == 0 {
			delete(r.userSessions, session.UserID)
		}
	}
	session.State = domain.SessionDisconnected
	return session, left
}

// UpdateActivity refreshes the activity clock and wakes an idle session.
func (r *Registry) UpdateActivity(sessionID domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	session.LastActivityAt = r.now()
	if session.State == domain.SessionIdle {
		session.State = domain.SessionConnected
	}
	return true
}

// Heartbeat records a liveness ping from the transport.
func (r *Registry) Heartbeat(sessionID domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	session.LastHeartbeatAt = r.now()
	if session.State == domain.SessionIdle {
		session.State = domain.SessionConnected
	}
	return true
}

// JoinRoom adds a session to a room, creating the room lazily. Idempotent:
// returns false when already a member or the session is unknown.
func (r *Registry) JoinRoom(sessionID domain.SessionID, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	now := r.now()
	room, ok := r.rooms[roomID]
	if !ok {
		room = &roomState{
			sessions:    make(Set),
			typingUsers: make(map[domain.UserID]struct{}),
			createdAt:   now,
		}
		r.rooms[roomID] = room
	}
	if _, member := room.sessions[sessionID]; member {
		return false
	}
	room.sessions[sessionID] = struct{}{}
	room.lastActivityAt = now
	room.emptySince = time.Time{}
	r.sessionRooms[sessionID][roomID] = struct{}{}
	return true
}

// LeaveRoom removes a session from a room. An explicit leave of the last
// member deletes the room state immediately.
func (r *Registry) LeaveRoom(sessionID domain.SessionID, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := room.sessions[sessionID]; !member {
		return false
	}
	delete(room.sessions, sessionID)
	if session, exists := r.sessions[sessionID]; exists {
		delete(room.typingUsers, session.UserID)
		delete(r.sessionRooms[sessionID], roomID)
	}
	if len(room.sessions) == 0 {
		delete(r.rooms, roomID)
	}
	return true
}

// SetTyping flips a user's typing flag in a room, guarded by membership.
func (r *Registry) SetTyping(sessionID domain.SessionID, roomID domain.RoomID, typing bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := room.sessions[sessionID]; !member {
		return false
	}
	if typing {
		room.typingUsers[session.UserID] = struct{}{}
	} else {
		delete(room.typingUsers, session.UserID)
	}
	room.lastActivityAt = r.now()
	return true
}

// CleanupInactiveConnections removes sessions idle past the inactivity
// threshold and returns them so the engine can run its disconnect cascade.
func (r *Registry) CleanupInactiveConnections(now time.Time) []*domain.Session {
	r.mu.RLock()
	var stale []domain.SessionID
	for id, session := range r.sessions {
		if now.Sub(session.LastActivityAt) > r.inactivity {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var removed []*domain.Session
	for _, id := range stale {
		if session, _ := r.RemoveConnection(id); session != nil {
			removed = append(removed, session)
			r.log.Info(fmt.Sprintf("Removed inactive session %s (user %s)", id, session.UserID))
		}
	}
	return removed
}

// CleanupEmptyRooms deletes rooms that stayed empty past the retention
// window. Returns the number of rooms collected.
func (r *Registry) CleanupEmptyRooms(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for roomID, room := range r.rooms {
		if len(room.sessions) == 0 && !room.emptySince.IsZero() &&
			now.Sub(room.emptySince) > r.roomRetention {
			delete(r.rooms, roomID)
			count++
		}
	}
	return count
}

// MarkStaleSessions flags sessions with no heartbeat within two intervals
// as Idle. Diagnostic only; removal is the inactivity sweep's job.
func (r *Registry) MarkStaleSessions(now time.Time) []domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []domain.SessionID
	for id, session := range r.sessions {
		if session.State == domain.SessionConnected &&
			now.Sub(session.LastHeartbeatAt) > 2*r.heartbeatInterval {
			session.State = domain.SessionIdle
			stale = append(stale, id)
		}
	}
	return stale
}

// GetSession returns a copy of the session, or nil if unknown.
func (r *Registry) GetSession(sessionID domain.SessionID) *domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	copied := *session
	return &copied
}

// SessionsForUser lists the session ids a user currently owns.
func (r *Registry) SessionsForUser(userID domain.UserID) []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []domain.SessionID
	for id := range r.userSessions[userID] {
		res = append(res, id)
	}
	return res
}

// IsUserOnline reports whether any session exists for the user.
func (r *Registry) IsUserOnline(userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSessions[userID]) > 0
}

// UsersInRoom resolves the distinct users behind a room's sessions.
func (r *Registry) UsersInRoom(roomID domain.RoomID) []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	seen := make(map[domain.UserID]struct{})
	var res []domain.UserID
	for sessionID := range room.sessions {
		if session, exists := r.sessions[sessionID]; exists {
			if _, dup := seen[session.UserID]; !dup {
				seen[session.UserID] = struct{}{}
				res = append(res, session.UserID)
			}
		}
	}
	return res
}

// RoomsForSession lists the rooms a session joined.
func (r *Registry) RoomsForSession(sessionID domain.SessionID) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []domain.RoomID
	for roomID := range r.sessionRooms[sessionID] {
		res = append(res, roomID)
	}
	return res
}

// Stats summarizes registry state for the upward surfaces.
func (r *Registry) Stats() ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := 0
	for _, session := range r.sessions {
		if session.State == domain.SessionIdle {
			stale++
		}
	}
	return ConnectionStats{
		Sessions:      len(r.sessions),
		Users:         len(r.userSessions),
		Rooms:         len(r.rooms),
		StaleSessions: stale,
	}
}

// GetRoomStats describes one room, or nil if it does not exist.
func (r *Registry) GetRoomStats(roomID domain.RoomID) *RoomStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return &RoomStats{
		RoomID:         roomID,
		Members:        len(room.sessions),
		TypingUsers:    len(room.typingUsers),
		CreatedAt:      room.createdAt,
		LastActivityAt: room.lastActivityAt,
	}
}
