// Package typing tracks ephemeral per-room typing state with debounce and
// timeout. One sweep goroutine expires entries; readers also evict lazily.
package typing

import (
	"log/slog"
	"sync"
	"time"

	"chat-relay/domain"
	"chat-relay/domain/event"
)

type Tracker struct {
	mu       sync.Mutex
	log      *slog.Logger
	entries  map[domain.TypingKey]*domain.TypingState
	debounce time.Duration
	timeout  time.Duration

	now func() time.Time
}

func NewTracker(log *slog.Logger, debounce, timeout time.Duration) *Tracker {
	return &Tracker{
		log:      log,
		entries:  make(map[domain.TypingKey]*domain.TypingState),
		debounce: debounce,
		timeout:  timeout,
		now:      time.Now,
	}
}

// StartTyping registers or refreshes a typing entry. A repeat call within
// the debounce window of the previous accepted call is a no-op and returns
// nil; callers broadcast nothing in that case.
func (t *Tracker) StartTyping(userID domain.UserID, username string,
	roomID domain.RoomID, threadID string) *event.TypingStarted {
	key := domain.TypingKey{UserID: userID, RoomID: roomID, ThreadID: threadID}

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	if existing, ok := t.entries[key]; ok && now.Sub(existing.StartedAt) < t.debounce {
		return nil
	}
	t.entries[key] = &domain.TypingState{Key: key, Username: username, StartedAt: now}
	return &event.TypingStarted{
		UserID:   userID,
		Username: username,
		RoomID:   roomID,
		ThreadID: threadID,
		At:       now,
	}
}

// StopTyping clears an entry. Returns nil when the user was not typing.
func (t *Tracker) StopTyping(userID domain.UserID, roomID domain.RoomID, threadID string) *event.TypingStopped {
	key := domain.TypingKey{UserID: userID, RoomID: roomID, ThreadID: threadID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; !ok {
		return nil
	}
	delete(t.entries, key)
	return &event.TypingStopped{UserID: userID, RoomID: roomID, ThreadID: threadID, At: t.now()}
}

// GetTypingUsersInRoom lists live typing entries for a room and thread,
// lazily evicting any that silently expired.
func (t *Tracker) GetTypingUsersInRoom(roomID domain.RoomID, threadID string) []domain.TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	var res []domain.TypingState
	for key, entry := range t.entries {
		if key.RoomID != roomID || key.ThreadID != threadID {
			continue
		}
		if now.Sub(entry.StartedAt) >= t.timeout {
			delete(t.entries, key)
			continue
		}
		res = append(res, *entry)
	}
	return res
}

// CleanupUserTyping removes all of a user's entries on disconnect and
// returns the stop events to broadcast.
func (t *Tracker) CleanupUserTyping(userID domain.UserID) []event.TypingStopped {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	var stops []event.TypingStopped
	for key := range t.entries {
		if key.UserID != userID {
			continue
		}
		delete(t.entries, key)
		stops = append(stops, event.TypingStopped{
			UserID:   key.UserID,
			RoomID:   key.RoomID,
			ThreadID: key.ThreadID,
			At:       now,
		})
	}
	return stops
}

// Sweep expires entries older than the typing timeout and returns the
// corresponding stop events, exactly one per expired entry.
func (t *Tracker) Sweep(now time.Time) []event.TypingStopped {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stops []event.TypingStopped
	for key, entry := range t.entries {
		if now.Sub(entry.StartedAt) >= t.timeout {
			delete(t.entries, key)
			stops = append(stops, event.TypingStopped{
				UserID:   key.UserID,
				RoomID:   key.RoomID,
				ThreadID: key.ThreadID,
				At:       now,
			})
		}
	}
	return stops
}
