// Package broadcast resolves recipients for an event and fans it out,
// batching low-priority traffic to keep transport overhead down.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/observability"
)

// Directory is the slice of the session registry the fan-out needs.
type Directory interface {
	UsersInRoom(roomID domain.RoomID) []domain.UserID
	SessionsForUser(userID domain.UserID) []domain.SessionID
}

// Result reports one broadcast: how many users got an immediate or batched
// send, and which targeted users had no active session. Queuing for the
// offline ones is the caller's responsibility.
type Result struct {
	Delivered    int
	Batched      int
	OfflineUsers []domain.UserID
}

type batchKey struct {
	Type     string
	Priority domain.Priority
}

type batchBuffer struct {
	events     []domain.BroadcastEvent
	recipients map[domain.UserID]struct{}
	createdAt  time.Time
}

// BatchPayload is the combined payload of one flushed batch.
type BatchPayload struct {
	Type     string
	Priority domain.Priority
	Events   []domain.BroadcastEvent
}

type Engine struct {
	mu          sync.Mutex
	log         *slog.Logger
	directory   Directory
	transport   contract.Transport
	stats       *observability.Stats
	subs        map[domain.UserID]map[string]struct{}
	batches     map[batchKey]*batchBuffer
	flushSize   int
	flushWindow time.Duration

	now func() time.Time
}

func NewEngine(log *slog.Logger, directory Directory, transport contract.Transport,
	stats *observability.Stats, flushSize int, flushWindow time.Duration) *Engine {
	return &Engine{
		log:         log,
		directory:   directory,
		transport:   transport,
		stats:       stats,
		subs:        make(map[domain.UserID]map[string]struct{}),
		batches:     make(map[batchKey]*batchBuffer),
		flushSize:   flushSize,
		flushWindow: flushWindow,
		now:         time.Now,
	}
}

// Subscribe narrows a user's event feed to the given types. A user with no
// subscription record receives everything.
func (e *Engine) Subscribe(userID domain.UserID, eventTypes ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, ok := e.subs[userID]
	if !ok {
		set = make(map[string]struct{})
		e.subs[userID] = set
	}
	for _, t := range eventTypes {
		set[t] = struct{}{}
	}
}

// Unsubscribe removes the subscription record; the user is back to the
// receive-everything default.
func (e *Engine) Unsubscribe(userID domain.UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, userID)
}

// shouldReceiveEvent: active session plus subscription to the type.
func (e *Engine) shouldReceiveEvent(userID domain.UserID, eventType string) bool {
	e.mu.Lock()
	set, ok := e.subs[userID]
	e.mu.Unlock()
	if ok {
		if _, subscribed := set[eventType]; !subscribed {
			return false
		}
	}
	return len(e.directory.SessionsForUser(userID)) > 0
}

// Broadcast computes the recipient set and either batches or sends now.
// Critical events are never batched.
func (e *Engine) Broadcast(evt domain.BroadcastEvent) Result {
	recipients := make(map[domain.UserID]struct{})
	for _, userID := range evt.TargetUsers {
		recipients[userID] = struct{}{}
	}
	for _, roomID := range evt.TargetRooms {
		for _, userID := range e.directory.UsersInRoom(roomID) {
			recipients[userID] = struct{}{}
		}
	}
	for _, userID := range evt.ExcludeUsers {
		delete(recipients, userID)
	}

	var result Result
	active := make([]domain.UserID, 0, len(recipients))
	for userID := range recipients {
		if e.shouldReceiveEvent(userID, evt.Type) {
			active = append(active, userID)
			continue
		}
		// Only users explicitly targeted count as offline for the caller;
		// room members who are gone simply fall out of the set.
		if len(e.directory.SessionsForUser(userID)) == 0 {
			result.OfflineUsers = append(result.OfflineUsers, userID)
		}
	}
	if len(active) == 0 {
		return result
	}

	if evt.Batchable && evt.Priority != domain.PriorityCritical {
		result.Batched = len(active)
		e.appendToBatch(evt, active)
		return result
	}

	result.Delivered = e.sendNow([]domain.BroadcastEvent{evt}, evt.Type, evt.Priority, active)
	return result
}

func (e *Engine) appendToBatch(evt domain.BroadcastEvent, recipients []domain.UserID) {
	key := batchKey{Type: evt.Type, Priority: evt.Priority}

	e.mu.Lock()
	buffer, ok := e.batches[key]
	if !ok {
		buffer = &batchBuffer{
			recipients: make(map[domain.UserID]struct{}),
			createdAt:  e.now(),
		}
		e.batches[key] = buffer
	}
	buffer.events = append(buffer.events, evt)
	for _, userID := range recipients {
		buffer.recipients[userID] = struct{}{}
	}
	full := len(buffer.events) >= e.flushSize
	if full {
		delete(e.batches, key)
	}
	e.mu.Unlock()

	e.stats.IncrBatched()
	if full {
		e.flush(key, buffer)
	}
}

// flush sends one combined payload to every accumulated recipient.
func (e *Engine) flush(key batchKey, buffer *batchBuffer) {
	users := make([]domain.UserID, 0, len(buffer.recipients))
	for userID := range buffer.recipients {
		users = append(users, userID)
	}
	e.sendNow(buffer.events, key.Type, key.Priority, users)
}

func (e *Engine) sendNow(events []domain.BroadcastEvent, eventType string,
	priority domain.Priority, users []domain.UserID) int {
	payload := any(events[0])
	if len(events) > 1 {
		payload = BatchPayload{Type: eventType, Priority: priority, Events: events}
	}

	delivered := 0
	for _, userID := range users {
		sessions := e.directory.SessionsForUser(userID)
		if len(sessions) == 0 {
			continue
		}
		if err := e.transport.SendToSessions(sessions, payload); err != nil {
			e.stats.IncrDropped()
			e.log.Warn(fmt.Sprintf("Send failed for user %s", userID), "error", err)
			continue
		}
		delivered++
		e.stats.IncrSent()
	}
	return delivered
}

// SweepBatches flushes every buffer older than the flush window.
func (e *Engine) SweepBatches(now time.Time) int {
	e.mu.Lock()
	var due []batchKey
	for key, buffer := range e.batches {
		if now.Sub(buffer.createdAt) >= e.flushWindow {
			due = append(due, key)
		}
	}
	buffers := make([]*batchBuffer, 0, len(due))
	for _, key := range due {
		buffers = append(buffers, e.batches[key])
		delete(e.batches, key)
	}
	e.mu.Unlock()

	for i, key := range due {
		e.flush(key, buffers[i])
	}
	return len(due)
}

// PendingBatches reports how many buffers are waiting for flush.
func (e *Engine) PendingBatches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}
