// Package receipts tracks per-message, per-recipient acknowledgment state
// and serves a cached aggregate read status.
package receipts

import (
	"log/slog"
	"sync"
	"time"

	"chat-relay/domain"
)

type cachedStatus struct {
	status   domain.MessageReadStatus
	cachedAt time.Time
}

type Tracker struct {
	mu         sync.Mutex
	log        *slog.Logger
	delivered  map[string]map[domain.UserID]time.Time
	read       map[string]map[domain.UserID]time.Time
	recipients map[string]map[domain.UserID]struct{}
	// lastRead is the per-user per-room watermark: everything up to and
	// including that message id counts as read.
	lastRead    map[domain.UserID]map[domain.RoomID]string
	statusCache map[string]cachedStatus
	cacheTTL    time.Duration

	now func() time.Time
}

func NewTracker(log *slog.Logger, cacheTTL time.Duration) *Tracker {
	return &Tracker{
		log:         log,
		delivered:   make(map[string]map[domain.UserID]time.Time),
		read:        make(map[string]map[domain.UserID]time.Time),
		recipients:  make(map[string]map[domain.UserID]struct{}),
		lastRead:    make(map[domain.UserID]map[domain.RoomID]string),
		statusCache: make(map[string]cachedStatus),
		cacheTTL:    cacheTTL,
		now:         time.Now,
	}
}

// MarkAsDelivered upserts a delivery receipt. The bool reports whether the
// receipt is new; a repeat call changes nothing.
func (t *Tracker) MarkAsDelivered(messageID string, userID domain.UserID) (domain.Receipt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markDeliveredLocked(messageID, userID)
}

func (t *Tracker) markDeliveredLocked(messageID string, userID domain.UserID) (domain.Receipt, bool) {
	byUser, ok := t.delivered[messageID]
	if !ok {
		byUser = make(map[domain.UserID]time.Time)
		t.delivered[messageID] = byUser
	}
	if at, exists := byUser[userID]; exists {
		return domain.Receipt{MessageID: messageID, UserID: userID, Kind: domain.ReceiptDelivered, At: at}, false
	}
	now := t.now()
	byUser[userID] = now
	delete(t.statusCache, messageID)
	return domain.Receipt{MessageID: messageID, UserID: userID, Kind: domain.ReceiptDelivered, At: now}, true
}

// MarkAsRead upserts a read receipt, creating the delivery receipt first
// if it is missing: read implies delivered. It also advances the user's
// last-read watermark for the room.
func (t *Tracker) MarkAsRead(messageID string, userID domain.UserID, roomID domain.RoomID) (domain.Receipt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.markDeliveredLocked(messageID, userID)

	byUser, ok := t.read[messageID]
	if !ok {
		byUser = make(map[domain.UserID]time.Time)
		t.read[messageID] = byUser
	}
	if rooms, ok := t.lastRead[userID]; ok {
		rooms[roomID] = messageID
	} else {
		t.lastRead[userID] = map[domain.RoomID]string{roomID: messageID}
	}
	if at, exists := byUser[userID]; exists {
		return domain.Receipt{MessageID: messageID, UserID: userID, Kind: domain.ReceiptRead, At: at}, false
	}
	now := t.now()
	byUser[userID] = now
	delete(t.statusCache, messageID)
	return domain.Receipt{MessageID: messageID, UserID: userID, Kind: domain.ReceiptRead, At: now}, true
}

// SetMessageRecipients establishes the denominator for aggregate status.
func (t *Tracker) SetMessageRecipients(messageID string, recipientIDs []domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := make(map[domain.UserID]struct{}, len(recipientIDs))
	for _, id := range recipientIDs {
		set[id] = struct{}{}
	}
	t.recipients[messageID] = set
	delete(t.statusCache, messageID)
}

// GetMessageReadStatus aggregates receipts against the recipient set,
// served from a short-TTL cache invalidated by any write to the message.
func (t *Tracker) GetMessageReadStatus(messageID string) domain.MessageReadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()

	if cached, ok := t.statusCache[messageID]; ok && now.Sub(cached.cachedAt) < t.cacheTTL {
		return cached.status
	}

	total := len(t.recipients[messageID])
	status := domain.MessageReadStatus{
		MessageID:        messageID,
		TotalRecipients:  total,
		DeliveredTo:      len(t.delivered[messageID]),
		ReadBy:           len(t.read[messageID]),
		IsFullyDelivered: total > 0 && len(t.delivered[messageID]) >= total,
		IsFullyRead:      total > 0 && len(t.read[messageID]) >= total,
	}
	t.statusCache[messageID] = cachedStatus{status: status, cachedAt: now}
	return status
}

// GetUnreadMessages returns the suffix of allMessageIDs after the user's
// last-read message in the room. With no watermark, or a watermark absent
// from the list, everything is unread.
func (t *Tracker) GetUnreadMessages(userID domain.UserID, roomID domain.RoomID, allMessageIDs []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	rooms, ok := t.lastRead[userID]
	if !ok {
		return allMessageIDs
	}
	watermark, ok := rooms[roomID]
	if !ok {
		return allMessageIDs
	}
	for i, id := range allMessageIDs {
		if id == watermark {
			return allMessageIDs[i+1:]
		}
	}
	return allMessageIDs
}

// CleanupUser removes all receipts and watermarks of a deleted user.
func (t *Tracker) CleanupUser(userID domain.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for messageID, byUser := range t.delivered {
		if _, ok := byUser[userID]; ok {
			delete(byUser, userID)
			delete(t.statusCache, messageID)
		}
	}
	for messageID, byUser := range t.read {
		if _, ok := byUser[userID]; ok {
			delete(byUser, userID)
			delete(t.statusCache, messageID)
		}
	}
	for _, set := range t.recipients {
		delete(set, userID)
	}
	delete(t.lastRead, userID)
}

// CleanupMessage removes all receipt state of a deleted message, including
// watermarks that pointed at it.
func (t *Tracker) CleanupMessage(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.delivered, messageID)
	delete(t.read, messageID)
	delete(t.recipients, messageID)
	delete(t.statusCache, messageID)
	for _, rooms := range t.lastRead {
		for roomID, watermark := range rooms {
			if watermark == messageID {
				delete(rooms, roomID)
			}
		}
	}
}

// Sweep drops aged cache entries so a quiet message does not pin memory.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for messageID, cached := range t.statusCache {
		if now.Sub(cached.cachedAt) >= t.cacheTTL {
			delete(t.statusCache, messageID)
		}
	}
}
