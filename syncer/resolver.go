// Package syncer records mutating events per scope, resolves concurrent
// writes with last-writer-wins, and retries events that failed to apply
// against the persistent store.
package syncer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/observability"
)

// Handler reconciles one winning event with the persistent store.
type Handler func(evt domain.SyncEvent) error

// ConsistencyReport is the diagnostic result of an on-demand check.
type ConsistencyReport struct {
	RoomID         domain.RoomID
	CachedEvents   int
	MissingInStore int
	MissingIDs     []string
}

type Resolver struct {
	mu       sync.Mutex
	log      *slog.Logger
	repo     contract.MessageRepository
	stats    *observability.Stats
	handlers map[string]Handler
	cache    map[string][]domain.SyncEvent
	pending  map[domain.UserID][]domain.SyncEvent

	conflictWindow time.Duration
	retention      time.Duration
	retryRetention time.Duration
	cacheSize      int
	pendingCap     int

	now func() time.Time
}

func NewResolver(log *slog.Logger, repo contract.MessageRepository, stats *observability.Stats,
	conflictWindow, retention, retryRetention time.Duration, cacheSize, pendingCap int) *Resolver {
	return &Resolver{
		log:            log,
		repo:           repo,
		stats:          stats,
		handlers:       make(map[string]Handler),
		cache:          make(map[string][]domain.SyncEvent),
		pending:        make(map[domain.UserID][]domain.SyncEvent),
		conflictWindow: conflictWindow,
		retention:      retention,
		retryRetention: retryRetention,
		cacheSize:      cacheSize,
		pendingCap:     pendingCap,
		now:            time.Now,
	}
}

func (r *Resolver) RegisterHandler(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// SyncEvent records the event, resolves conflicts, and applies the winner.
// Returns ErrSuperseded when a concurrent event with a later timestamp
// already won; the caller must abandon its mutation, not retry it.
func (r *Resolver) SyncEvent(evt domain.SyncEvent) error {
	scope := evt.Scope()

	r.mu.Lock()
	events := r.cache[scope]

	// Look for a concurrent write: same type, different id, within the
	// conflict window.
	conflictIdx := -1
	for i, other := range events {
		if other.Type != evt.Type || other.ID == evt.ID {
			continue
		}
		delta := evt.At.Sub(other.At)
		if delta < 0 {
			delta = -delta
		}
		if delta <= r.conflictWindow {
			conflictIdx = i
			break
		}
	}

	if conflictIdx >= 0 {
		other := events[conflictIdx]
		r.stats.IncrConflicts()
		if !evt.At.After(other.At) {
			// The cached event wins; the newcomer is never admitted.
			r.cache[scope] = events
			r.mu.Unlock()
			r.log.Info(fmt.Sprintf("Event %s superseded by %s in scope %s", evt.ID, other.ID, scope))
			return errors.ErrSuperseded
		}
		// The newcomer wins; evict the loser from the scope cache.
		events = append(events[:conflictIdx], events[conflictIdx+1:]...)
		r.log.Info(fmt.Sprintf("Event %s supersedes %s in scope %s", evt.ID, other.ID, scope))
	}

	events = append(events, evt)
	if len(events) > r.cacheSize {
		events = events[len(events)-r.cacheSize:]
	}
	r.cache[scope] = events
	handler := r.handlers[evt.Type]
	r.mu.Unlock()

	if handler == nil {
		return nil
	}
	if err := handler(evt); err != nil {
		r.addPending(evt)
		r.log.Warn(fmt.Sprintf("Handler failed for event %s, queued for retry", evt.ID), "error", err)
	}
	return nil
}

// addPending parks a failed event on the submitter's bounded retry list.
func (r *Resolver) addPending(evt domain.SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := append(r.pending[evt.UserID], evt)
	if len(list) > r.pendingCap {
		list = list[len(list)-r.pendingCap:]
	}
	r.pending[evt.UserID] = list
}

// RetryPendingEvents replays a user's retry list, keeping only the
// entries that still fail. Returns the number that succeeded.
func (r *Resolver) RetryPendingEvents(userID domain.UserID) int {
	r.mu.Lock()
	list := r.pending[userID]
	delete(r.pending, userID)
	handlers := make(map[string]Handler, len(r.handlers))
	for t, h := range r.handlers {
		handlers[t] = h
	}
	r.mu.Unlock()

	succeeded := 0
	var stillFailing []domain.SyncEvent
	for _, evt := range list {
		handler := handlers[evt.Type]
		if handler == nil {
			succeeded++
			continue
		}
		if err := handler(evt); err != nil {
			stillFailing = append(stillFailing, evt)
			continue
		}
		succeeded++
	}

	if len(stillFailing) > 0 {
		r.mu.Lock()
		r.pending[userID] = append(stillFailing, r.pending[userID]...)
		r.mu.Unlock()
	}
	return succeeded
}

// PendingCount reports the size of a user's retry list.
func (r *Resolver) PendingCount(userID domain.UserID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[userID])
}

// GetEventHistory returns the cached events for a scope, oldest first.
func (r *Resolver) GetEventHistory(scope string) []domain.SyncEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.cache[scope]
	res := make([]domain.SyncEvent, len(events))
	copy(res, events)
	return res
}

// Sweep prunes cache entries and retry entries past their retentions.
func (r *Resolver) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for scope, events := range r.cache {
		var kept []domain.SyncEvent
		for _, evt := range events {
			if now.Sub(evt.At) < r.retention {
				kept = append(kept, evt)
			}
		}
		if len(kept) == 0 {
			delete(r.cache, scope)
			continue
		}
		r.cache[scope] = kept
	}
	for userID, events := range r.pending {
		var kept []domain.SyncEvent
		for _, evt := range events {
			if now.Sub(evt.At) < r.retryRetention {
				kept = append(kept, evt)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, userID)
			continue
		}
		r.pending[userID] = kept
	}
}

// ValidateConsistency compares the cached message events of a room against
// the persistent store. Diagnostic only; it mutates nothing.
func (r *Resolver) ValidateConsistency(roomID domain.RoomID, messageID string) (ConsistencyReport, error) {
	scope := "room:" + string(roomID)

	r.mu.Lock()
	events := make([]domain.SyncEvent, len(r.cache[scope]))
	copy(events, r.cache[scope])
	r.mu.Unlock()

	report := ConsistencyReport{RoomID: roomID, CachedEvents: len(events)}
	for _, evt := range events {
		id, ok := evt.Payload.(string)
		if !ok {
			continue
		}
		if messageID != "" && id != messageID {
			continue
		}
		exists, err := r.repo.MessageExists(id)
		if err != nil {
			return report, fmt.Errorf("consistency check failed: %w", err)
		}
		if !exists {
			report.MissingInStore++
			report.MissingIDs = append(report.MissingIDs, id)
		}
	}
	return report, nil
}
