// Package delivery holds priority-ordered, bounded, TTL-expiring per-user
// queues for messages that could not be delivered immediately.
package delivery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
)

// UserQueueStats is the introspection view of one user's queue.
type UserQueueStats struct {
	UserID     domain.UserID
	Size       int
	ByPriority map[string]int
	Oldest     *time.Time
	Online     bool
}

// GlobalStats summarizes all queues.
type GlobalStats struct {
	Users      int
	Messages   int
	ByPriority map[string]int
}

type Queue struct {
	mu         sync.Mutex
	log        *slog.Logger
	queues     map[domain.UserID][]domain.QueuedMessage
	online     map[domain.UserID]bool
	draining   map[domain.UserID]bool
	callbacks  map[domain.UserID]contract.DeliveryCallback
	capacity   int
	defaultTTL time.Duration
	batchSize  int

	now func() time.Time
}

func NewQueue(log *slog.Logger, capacity int, defaultTTL time.Duration, batchSize int) *Queue {
	return &Queue{
		log:        log,
		queues:     make(map[domain.UserID][]domain.QueuedMessage),
		online:     make(map[domain.UserID]bool),
		draining:   make(map[domain.UserID]bool),
		callbacks:  make(map[domain.UserID]contract.DeliveryCallback),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// RegisterCallback installs the per-user delivery callback, typically done
// by the transport layer on connect.
func (q *Queue) RegisterCallback(userID domain.UserID, cb contract.DeliveryCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks[userID] = cb
}

func (q *Queue) UnregisterCallback(userID domain.UserID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.callbacks, userID)
}

// QueueMessage inserts preserving priority order, FIFO within a tier. On
// overflow the oldest low item goes first, then the oldest normal; when
// nothing is evictable a new critical/high enqueue is rejected with
// ErrQueueFull and a new low/normal one is dropped quietly.
func (q *Queue) QueueMessage(userID domain.UserID, eventType string, payload any,
	priority domain.Priority, ttl time.Duration) (uuid.UUID, error) {
	if ttl <= 0 {
		ttl = q.defaultTTL
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	queue := q.queues[userID]
	if len(queue) >= q.capacity {
		evicted := false
		for _, tier := range []domain.Priority{domain.PriorityLow, domain.PriorityNormal} {
			for i, msg := range queue {
				if msg.Priority == tier {
					queue = append(queue[:i], queue[i+1:]...)
					evicted = true
					break
				}
			}
			if evicted {
				break
			}
		}
		if !evicted {
			if priority.Evictable() {
				q.log.Debug(fmt.Sprintf("Dropping %s message for user %s, queue full of undroppable messages",
					priority, userID))
				q.queues[userID] = queue
				return uuid.Nil, nil
			}
			q.log.Error(fmt.Sprintf("Capacity alarm: rejecting %s message for user %s", priority, userID))
			return uuid.Nil, errors.ErrQueueFull
		}
	}

	msg := domain.QueuedMessage{
		ID:         uuid.New(),
		EventType:  eventType,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	// Stable insert: after the last message of equal or higher priority.
	pos := len(queue)
	for i, existing := range queue {
		if existing.Priority > priority {
			pos = i
			break
		}
	}
	queue = append(queue, domain.QueuedMessage{})
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = msg
	q.queues[userID] = queue
	return msg.ID, nil
}

// MarkUserOnline drains the user's queue in bounded batches through the
// registered callback. On a callback failure the in-flight batch is pushed
// back to the front of the queue, the user is marked offline again, and
// the error is returned; nothing is lost. Remaining messages wait for the
// next online transition.
//
// Drains are serialized per user: a concurrent call (a second device
// connecting mid-drain) only flips the online flag and returns, and the
// active drain picks up whatever is queued. Interleaved batches would
// break priority order.
func (q *Queue) MarkUserOnline(userID domain.UserID) (int, error) {
	q.mu.Lock()
	q.online[userID] = true
	if q.draining[userID] {
		q.mu.Unlock()
		return 0, nil
	}
	cb, hasCallback := q.callbacks[userID]
	if !hasCallback {
		q.mu.Unlock()
		return 0, errors.ErrNoDeliveryCallback
	}
	q.draining[userID] = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.draining, userID)
		q.mu.Unlock()
	}()

	delivered := 0
	for {
		q.mu.Lock()
		if !q.online[userID] || len(q.queues[userID]) == 0 {
			q.mu.Unlock()
			return delivered, nil
		}
		queue := q.queues[userID]
		n := q.batchSize
		if n > len(queue) {
			n = len(queue)
		}
		batch := make([]domain.QueuedMessage, n)
		copy(batch, queue[:n])
		q.queues[userID] = queue[n:]
		q.mu.Unlock()

		for i := range batch {
			batch[i].Attempts++
		}
		if err := cb.Deliver(batch); err != nil {
			q.mu.Lock()
			q.online[userID] = false
			q.queues[userID] = append(batch, q.queues[userID]...)
			q.mu.Unlock()
			q.log.Warn(fmt.Sprintf("Delivery failed for user %s, re-queued %d messages", userID, len(batch)),
				"error", err)
			return delivered, err
		}
		delivered += len(batch)
	}
}

// MarkUserOffline stops delivery attempts for the user.
func (q *Queue) MarkUserOffline(userID domain.UserID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online[userID] = false
}

// ClearUserQueue drops a user's queued messages, optionally only one
// priority tier. Returns the number removed.
func (q *Queue) ClearUserQueue(userID domain.UserID, priority *domain.Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[userID]
	if priority == nil {
		delete(q.queues, userID)
		return len(queue)
	}
	var kept []domain.QueuedMessage
	removed := 0
	for _, msg := range queue {
		if msg.Priority == *priority {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	q.queues[userID] = kept
	return removed
}

// Sweep expires messages past their deadline and deletes queues that are
// both empty and belong to an offline user.
func (q *Queue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for userID, queue := range q.queues {
		var kept []domain.QueuedMessage
		for _, msg := range queue {
			if msg.Expired(now) {
				expired++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 && !q.online[userID] {
			delete(q.queues, userID)
			delete(q.online, userID)
			continue
		}
		q.queues[userID] = kept
	}
	return expired
}

// UserStats describes one user's queue.
func (q *Queue) UserStats(userID domain.UserID) UserQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[userID]
	stats := UserQueueStats{
		UserID:     userID,
		Size:       len(queue),
		ByPriority: make(map[string]int),
		Online:     q.online[userID],
	}
	for _, msg := range queue {
		stats.ByPriority[msg.Priority.String()]++
		if stats.Oldest == nil || msg.EnqueuedAt.Before(*stats.Oldest) {
			at := msg.EnqueuedAt
			stats.Oldest = &at
		}
	}
	return stats
}

// Stats summarizes every queue.
func (q *Queue) Stats() GlobalStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := GlobalStats{ByPriority: make(map[string]int)}
	for _, queue := range q.queues {
		if len(queue) == 0 {
			continue
		}
		stats.Users++
		stats.Messages += len(queue)
		for _, msg := range queue {
			stats.ByPriority[msg.Priority.String()]++
		}
	}
	return stats
}
