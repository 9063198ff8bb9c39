package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/broadcast"
	"chat-relay/contract"
	"chat-relay/delivery"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/internal"
	"chat-relay/notify"
	"chat-relay/observability"
	"chat-relay/presence"
	"chat-relay/ratelimit"
	"chat-relay/receipts"
	"chat-relay/runtime/workers"
	"chat-relay/syncer"
	"chat-relay/typing"
)

const sinkTimeout = 2 * time.Second

// outboxEntry holds message content between submission and the moment the
// sync resolver confirms persistence, so retries can replay the write.
type outboxEntry struct {
	roomID   domain.RoomID
	senderID domain.UserID
	content  string
	at       time.Time
}

// Engine composes every component and runs the cross-component cascades.
// It orchestrates without owning domain rules: each component stays
// self-consistent on its own lock, and the cascade steps are idempotent so
// partial completion never corrupts a single component.
type Engine struct {
	mu             sync.Mutex
	log            *slog.Logger
	verifier       contract.TokenVerifier
	messageRepo    contract.MessageRepository
	supervisor     contract.ISupervisor
	permanentSinks []contract.EventSink

	registry  *Registry
	limiter   *ratelimit.Limiter
	presence  *presence.Tracker
	typing    *typing.Tracker
	receipts  *receipts.Tracker
	queue     *delivery.Queue
	fanout    *broadcast.Engine
	resolver  *syncer.Resolver
	notifier  *notify.Dispatcher
	stats     *observability.Stats

	outbox map[string]outboxEntry

	sweepInterval  time.Duration
	statsInterval  time.Duration
	flushWindow    time.Duration
	retryRetention time.Duration
}

func NewEngine(log *slog.Logger, cfg internal.Config, verifier contract.TokenVerifier,
	transport contract.Transport, statusRepo contract.StatusRepository,
	messageRepo contract.MessageRepository) *Engine {

	stats := observability.NewStats()
	limiter := ratelimit.NewLimiter(log, cfg.RateWindow, ratelimit.Limits{
		ratelimit.CategoryMessage:      cfg.MaxMessagesPerWin,
		ratelimit.CategoryJoin:         cfg.MaxJoinsPerWin,
		ratelimit.CategoryTyping:       cfg.MaxTypingPerWin,
		ratelimit.CategoryNotification: cfg.MaxNotifsPerWin,
	}, cfg.RateViolationLimit, cfg.RateBlockBase, cfg.RateBlockMaxFactor)

	registry := NewRegistry(log, cfg.SessionInactivity, cfg.RoomRetention, cfg.HeartbeatInterval)

	e := &Engine{
		log:            log,
		verifier:       verifier,
		messageRepo:    messageRepo,
		supervisor:     workers.NewSupervisor(log),
		registry:       registry,
		limiter:        limiter,
		presence:       presence.NewTracker(log, statusRepo, cfg.AwayAfter, cfg.OfflineAfter, cfg.PresenceHistory),
		typing:         typing.NewTracker(log, cfg.TypingDebounce, cfg.TypingTimeout),
		receipts:       receipts.NewTracker(log, cfg.ReadStatusCacheTTL),
		queue:          delivery.NewQueue(log, cfg.QueueCapacity, cfg.QueueDefaultTTL, cfg.DrainBatchSize),
		fanout:         broadcast.NewEngine(log, registry, transport, stats, cfg.BatchFlushSize, cfg.BatchFlushWindow),
		resolver:       syncer.NewResolver(log, messageRepo, stats, cfg.ConflictWindow, cfg.SyncRetention, cfg.RetryRetention, cfg.SyncCacheSize, cfg.PendingRetryCap),
		notifier:       notify.NewDispatcher(log, limiter, stats, cfg.NotifDedupTTL, cfg.NotifTTL, cfg.SubscriptionTTL),
		stats:          stats,
		outbox:         make(map[string]outboxEntry),
		sweepInterval:  cfg.SweepInterval,
		statsInterval:  cfg.StatsInterval,
		flushWindow:    cfg.BatchFlushWindow,
		retryRetention: cfg.RetryRetention,
	}

	e.resolver.RegisterHandler("message.new", e.persistMessage)
	e.presence.AddListener(e.onPresenceChange)
	return e
}

// Add registers permanent event sinks, e.g. audit or projection surfaces.
func (e *Engine) Add(sinks ...contract.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.permanentSinks = append(e.permanentSinks, sinks...)
}

// emit pushes one domain event to every sink, bounded by the sink timeout.
// A slow or failing sink never blocks the cascade that produced the event.
func (e *Engine) emit(evt event.DomainEvent) {
	e.mu.Lock()
	sinks := make([]contract.EventSink, len(e.permanentSinks))
	copy(sinks, e.permanentSinks)
	e.mu.Unlock()

	for _, sink := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.Consume(ctx, evt); err != nil {
			e.log.Warn("Sink rejected event", "type", evt.EventType(), "error", err)
		}
		cancel()
	}
}

// Connect authenticates a token, registers the session, flips presence and
// drains anything queued while the user was away.
func (e *Engine) Connect(token string, sessionID domain.SessionID, deviceID domain.DeviceID) (*domain.Session, error) {
	identity, err := e.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidToken, err)
	}

	session := e.registry.AddConnection(sessionID, identity, deviceID)
	e.presence.SetOnline(identity.UserID, deviceID, domain.StatusOnline, "")
	e.markUserOnline(identity.UserID)

	e.emit(event.SessionConnected{
		SessionID: sessionID,
		UserID:    identity.UserID,
		Username:  identity.Username,
		At:        session.ConnectedAt,
	})
	e.log.Info(fmt.Sprintf("Session %s connected (user %s, device %s)", sessionID, identity.UserID, deviceID))
	return session, nil
}

// markUserOnline drains the offline queue, flushes pending notifications
// and replays failed sync events. A drain failure flips the queue back to
// offline; nothing is lost.
func (e *Engine) markUserOnline(userID domain.UserID) {
	if delivered, err := e.queue.MarkUserOnline(userID); err != nil {
		if err == errors.ErrNoDeliveryCallback {
			// Transport has not registered its callback yet; the queue
			// drains on the next online transition.
			e.log.Debug(fmt.Sprintf("No delivery callback for user %s yet", userID))
		} else {
			e.log.Warn(fmt.Sprintf("Drain failed for user %s, messages restored", userID), "error", err)
		}
	} else if delivered > 0 {
		e.log.Info(fmt.Sprintf("Delivered %d queued messages to user %s", delivered, userID))
	}
	if flushed := e.flushNotifications(userID); flushed > 0 {
		e.log.Info(fmt.Sprintf("Flushed %d pending notifications to user %s", flushed, userID))
	}
	if replayed := e.resolver.RetryPendingEvents(userID); replayed > 0 {
		e.log.Info(fmt.Sprintf("Replayed %d pending sync events for user %s", replayed, userID))
	}
}

// flushNotifications drains the dispatcher's pending queue for an online
// user and fans each notification out to their sessions.
func (e *Engine) flushNotifications(userID domain.UserID) int {
	pending := e.notifier.DrainPending(userID)
	for _, n := range pending {
		priority := domain.PriorityNormal
		if n.Priority == domain.NotifyUrgent {
			priority = domain.PriorityHigh
		}
		e.fanout.Broadcast(domain.BroadcastEvent{
			ID:          uuid.New(),
			Type:        "notification",
			Payload:     n,
			Priority:    priority,
			TargetUsers: []domain.UserID{n.UserID},
			At:          n.CreatedAt,
		})
	}
	return len(pending)
}

// Disconnect runs the removal cascade: registry, typing, presence, rate
// limiter, delivery queue, receipts, notifications. Each step is
// idempotent and order-independent.
func (e *Engine) Disconnect(sessionID domain.SessionID) bool {
	session, _ := e.registry.RemoveConnection(sessionID)
	if session == nil {
		return false
	}
	userID := session.UserID

	// User-level state only unwinds once the last session is gone; another
	// device may still be holding the user online.
	if !e.registry.IsUserOnline(userID) {
		for _, stop := range e.typing.CleanupUserTyping(userID) {
			e.broadcastTypingStopped(stop)
		}
		e.limiter.RemoveIdentity(string(userID))
		e.queue.MarkUserOffline(userID)
		e.notifier.CleanupUser(userID)
		e.fanout.Unsubscribe(userID)
	}
	e.presence.SetOffline(userID, session.DeviceID)

	e.emit(event.SessionDisconnected{SessionID: sessionID, UserID: userID, At: time.Now()})
	e.log.Info(fmt.Sprintf("Session %s disconnected (user %s)", sessionID, userID))
	return true
}

// JoinRoom admits a session into a room after the join budget check.
func (e *Engine) JoinRoom(sessionID domain.SessionID, roomID domain.RoomID) error {
	session := e.registry.GetSession(sessionID)
	if session == nil {
		return errors.ErrUnknownSession
	}
	if !e.limiter.CheckAndConsume(string(session.UserID), ratelimit.CategoryJoin) {
		return nil
	}
	if !e.registry.JoinRoom(sessionID, roomID) {
		return nil
	}
	e.registry.UpdateActivity(sessionID)
	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:           uuid.New(),
		Type:         "room.user_joined",
		Payload:      map[string]any{"user_id": session.UserID, "username": session.Username},
		Priority:     domain.PriorityNormal,
		TargetRooms:  []domain.RoomID{roomID},
		ExcludeUsers: []domain.UserID{session.UserID},
		At:           time.Now(),
	})
	return nil
}

// LeaveRoom removes a session from a room and stops any typing indicator
// the user had there.
func (e *Engine) LeaveRoom(sessionID domain.SessionID, roomID domain.RoomID) error {
	session := e.registry.GetSession(sessionID)
	if session == nil {
		return errors.ErrUnknownSession
	}
	if !e.registry.LeaveRoom(sessionID, roomID) {
		return nil
	}
	if stop := e.typing.StopTyping(session.UserID, roomID, ""); stop != nil {
		e.broadcastTypingStopped(*stop)
	}
	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:          uuid.New(),
		Type:        "room.user_left",
		Payload:     map[string]any{"user_id": session.UserID},
		Priority:    domain.PriorityNormal,
		TargetRooms: []domain.RoomID{roomID},
		At:          time.Now(),
	})
	return nil
}

// StartTyping refreshes the typing indicator, debounced, and fans the
// start event out to the room.
func (e *Engine) StartTyping(sessionID domain.SessionID, roomID domain.RoomID, threadID string) error {
	session := e.registry.GetSession(sessionID)
	if session == nil {
		return errors.ErrUnknownSession
	}
	if !e.limiter.CheckAndConsume(string(session.UserID), ratelimit.CategoryTyping) {
		return nil
	}
	if !e.registry.SetTyping(sessionID, roomID, true) {
		return errors.ErrNotAMember
	}
	e.registry.UpdateActivity(sessionID)
	e.presence.UpdateActivity(session.UserID, domain.ActivityTyping)

	started := e.typing.StartTyping(session.UserID, session.Username, roomID, threadID)
	if started == nil {
		// Within the debounce window: nothing to broadcast.
		return nil
	}
	e.emit(*started)
	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:           uuid.New(),
		Type:         "typing.started",
		Payload:      *started,
		Priority:     domain.PriorityLow,
		TargetRooms:  []domain.RoomID{roomID},
		ExcludeUsers: []domain.UserID{session.UserID},
		Batchable:    true,
		At:           started.At,
	})
	return nil
}

// StopTyping clears the indicator and fans the stop event out.
func (e *Engine) StopTyping(sessionID domain.SessionID, roomID domain.RoomID, threadID string) error {
	session := e.registry.GetSession(sessionID)
	if session == nil {
		return errors.ErrUnknownSession
	}
	e.registry.SetTyping(sessionID, roomID, false)
	if stop := e.typing.StopTyping(session.UserID, roomID, threadID); stop != nil {
		e.broadcastTypingStopped(*stop)
	}
	return nil
}

func (e *Engine) broadcastTypingStopped(stop event.TypingStopped) {
	e.emit(stop)
	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:           uuid.New(),
		Type:         "typing.stopped",
		Payload:      stop,
		Priority:     domain.PriorityLow,
		TargetRooms:  []domain.RoomID{stop.RoomID},
		ExcludeUsers: []domain.UserID{stop.UserID},
		Batchable:    true,
		At:           stop.At,
	})
}

// SendMessage validates the sender, persists through the sync resolver and
// fans the message out to the room. Returns the new message id.
func (e *Engine) SendMessage(sessionID domain.SessionID, roomID domain.RoomID, content string) (string, error) {
	session := e.registry.GetSession(sessionID)
	if session == nil {
		return "", errors.ErrUnknownSession
	}
	member := false
	for _, r := range e.registry.RoomsForSession(sessionID) {
		if r == roomID {
			member = true
			break
		}
	}
	if !member {
		return "", errors.ErrNotAMember
	}
	if !e.limiter.CheckAndConsume(string(session.UserID), ratelimit.CategoryMessage) {
		return "", nil
	}

	messageID := uuid.NewString()
	now := time.Now()

	e.mu.Lock()
	e.outbox[messageID] = outboxEntry{roomID: roomID, senderID: session.UserID, content: content, at: now}
	e.mu.Unlock()

	syncEvt := domain.SyncEvent{
		ID:      uuid.New(),
		Type:    "message.new",
		UserID:  session.UserID,
		RoomID:  roomID,
		Payload: messageID,
		At:      now,
	}
	if err := e.resolver.SyncEvent(syncEvt); err != nil {
		e.mu.Lock()
		delete(e.outbox, messageID)
		e.mu.Unlock()
		e.emit(event.ConflictResolved{
			Scope:   syncEvt.Scope(),
			Kind:    syncEvt.Type,
			LoserID: messageID,
			At:      now,
		})
		return "", err
	}

	// If typing stops are implied by sending, clear the indicator.
	if stop := e.typing.StopTyping(session.UserID, roomID, ""); stop != nil {
		e.broadcastTypingStopped(*stop)
	}
	e.registry.UpdateActivity(sessionID)
	e.presence.UpdateActivity(session.UserID, domain.ActivityIdle)

	recipients := e.registry.UsersInRoom(roomID)
	e.receipts.SetMessageRecipients(messageID, excludeUser(recipients, session.UserID))

	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:   uuid.New(),
		Type: "message.new",
		Payload: map[string]any{
			"message_id": messageID,
			"room_id":    roomID,
			"sender_id":  session.UserID,
			"content":    content,
		},
		Priority:     domain.PriorityHigh,
		TargetRooms:  []domain.RoomID{roomID},
		ExcludeUsers: []domain.UserID{session.UserID},
		At:           now,
	})
	return messageID, nil
}

// persistMessage is the sync resolver's handler for message.new events. It
// replays from the outbox so a failed store can retry later.
func (e *Engine) persistMessage(evt domain.SyncEvent) error {
	messageID, ok := evt.Payload.(string)
	if !ok {
		return errors.ErrInvalidPayload
	}
	e.mu.Lock()
	entry, ok := e.outbox[messageID]
	e.mu.Unlock()
	if !ok {
		// Already persisted by an earlier attempt.
		return nil
	}
	if err := e.messageRepo.StoreMessage(messageID, entry.roomID, entry.senderID, entry.content); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.outbox, messageID)
	e.mu.Unlock()
	return nil
}

// SendToUser delivers directly to a user's sessions, or queues when the
// user is offline.
func (e *Engine) SendToUser(userID domain.UserID, eventType string, payload any, priority domain.Priority) error {
	if e.registry.IsUserOnline(userID) {
		e.fanout.Broadcast(domain.BroadcastEvent{
			ID:          uuid.New(),
			Type:        eventType,
			Payload:     payload,
			Priority:    priority,
			TargetUsers: []domain.UserID{userID},
			At:          time.Now(),
		})
		return nil
	}
	if _, err := e.queue.QueueMessage(userID, eventType, payload, priority, 0); err != nil {
		return err
	}
	e.stats.IncrQueued()
	return nil
}

// AcknowledgeDelivery records a delivery receipt from a client.
func (e *Engine) AcknowledgeDelivery(messageID string, userID domain.UserID) bool {
	receipt, created := e.receipts.MarkAsDelivered(messageID, userID)
	if created {
		e.emit(event.MessageDelivered{MessageID: messageID, UserID: userID, At: receipt.At})
	}
	return created
}

// MarkRead records a read receipt, auto-creating the delivery receipt, and
// fans the read event out to the room.
func (e *Engine) MarkRead(messageID string, userID domain.UserID, roomID domain.RoomID) bool {
	receipt, created := e.receipts.MarkAsRead(messageID, userID, roomID)
	if !created {
		return false
	}
	e.emit(event.MessageRead{MessageID: messageID, UserID: userID, At: receipt.At})
	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:           uuid.New(),
		Type:         "receipt.read",
		Payload:      receipt,
		Priority:     domain.PriorityLow,
		TargetRooms:  []domain.RoomID{roomID},
		ExcludeUsers: []domain.UserID{userID},
		Batchable:    true,
		At:           receipt.At,
	})
	return true
}

// Notify runs the dispatcher's admission gates and, for an online user,
// pushes the pending notifications out immediately.
func (e *Engine) Notify(input notify.CreateNotificationInput) error {
	notification, err := e.notifier.CreateNotification(input)
	if err != nil {
		return err
	}
	if notification == nil || !e.registry.IsUserOnline(input.UserID) {
		return nil
	}
	e.flushNotifications(input.UserID)
	return nil
}

// Heartbeat records transport liveness for a session.
func (e *Engine) Heartbeat(sessionID domain.SessionID) bool {
	return e.registry.Heartbeat(sessionID)
}

// UpdateActivity refreshes both the session clock and the user's presence.
func (e *Engine) UpdateActivity(sessionID domain.SessionID, activityType domain.ActivityType) bool {
	session := e.registry.GetSession(sessionID)
	if session == nil {
		return false
	}
	e.registry.UpdateActivity(sessionID)
	e.presence.UpdateActivity(session.UserID, activityType)
	return true
}

// onPresenceChange fans a presence transition out to the rooms the user's
// sessions are currently in.
func (e *Engine) onPresenceChange(change domain.PresenceChange) {
	e.emit(event.PresenceChanged{Change: change})

	userID := change.Current.UserID
	roomSet := make(map[domain.RoomID]struct{})
	for _, sessionID := range e.registry.SessionsForUser(userID) {
		for _, roomID := range e.registry.RoomsForSession(sessionID) {
			roomSet[roomID] = struct{}{}
		}
	}
	if len(roomSet) == 0 {
		return
	}
	rooms := make([]domain.RoomID, 0, len(roomSet))
	for roomID := range roomSet {
		rooms = append(rooms, roomID)
	}
	e.fanout.Broadcast(domain.BroadcastEvent{
		ID:           uuid.New(),
		Type:         "presence.changed",
		Payload:      change,
		Priority:     domain.PriorityLow,
		TargetRooms:  rooms,
		ExcludeUsers: []domain.UserID{userID},
		Batchable:    true,
		At:           change.At,
	})
}

// Start registers all sweep workers plus the heartbeat under the
// supervisor and blocks until the context is canceled.
func (e *Engine) Start(ctx context.Context) {
	e.supervisor.Add(
		workers.NewSweeperWorker(e.log, "sessions", e.sweepInterval, e.sweepSessions),
		workers.NewSweeperWorker(e.log, "rooms", e.sweepInterval, e.registry.CleanupEmptyRooms),
		workers.NewSweeperWorker(e.log, "stale-sessions", e.sweepInterval, func(now time.Time) int {
			return len(e.registry.MarkStaleSessions(now))
		}),
		workers.NewSweeperWorker(e.log, "presence", e.sweepInterval, func(now time.Time) int {
			e.presence.Sweep(now)
			return 0
		}),
		workers.NewSweeperWorker(e.log, "typing", e.sweepInterval, e.sweepTyping),
		workers.NewSweeperWorker(e.log, "receipts", e.sweepInterval, func(now time.Time) int {
			e.receipts.Sweep(now)
			return 0
		}),
		workers.NewSweeperWorker(e.log, "delivery", e.sweepInterval, e.queue.Sweep),
		workers.NewSweeperWorker(e.log, "batches", e.flushWindow, e.fanout.SweepBatches),
		workers.NewSweeperWorker(e.log, "ratelimit", e.sweepInterval, func(now time.Time) int {
			e.limiter.Sweep(now)
			return 0
		}),
		workers.NewSweeperWorker(e.log, "syncer", e.sweepInterval, func(now time.Time) int {
			e.resolver.Sweep(now)
			e.sweepOutbox(now)
			return 0
		}),
		workers.NewSweeperWorker(e.log, "notifications", e.sweepInterval, func(now time.Time) int {
			e.notifier.Sweep(now)
			return 0
		}),
		workers.NewHeartbeatWorker(e.log, e, e.statsInterval),
	)
	e.log.Info("Starting engine and all supervised workers")
	e.supervisor.Run(ctx)
}

// sweepSessions removes inactive sessions and runs the full disconnect
// cascade for each of them.
func (e *Engine) sweepSessions(now time.Time) int {
	removed := e.registry.CleanupInactiveConnections(now)
	for _, session := range removed {
		if !e.registry.IsUserOnline(session.UserID) {
			for _, stop := range e.typing.CleanupUserTyping(session.UserID) {
				e.broadcastTypingStopped(stop)
			}
			e.limiter.RemoveIdentity(string(session.UserID))
			e.queue.MarkUserOffline(session.UserID)
			e.notifier.CleanupUser(session.UserID)
			e.fanout.Unsubscribe(session.UserID)
		}
		e.presence.SetOffline(session.UserID, session.DeviceID)
		e.emit(event.SessionDisconnected{SessionID: session.ID, UserID: session.UserID, At: now})
	}
	return len(removed)
}

func (e *Engine) sweepTyping(now time.Time) int {
	stops := e.typing.Sweep(now)
	for _, stop := range stops {
		e.broadcastTypingStopped(stop)
	}
	return len(stops)
}

// sweepOutbox drops entries whose retries aged out; the resolver's pending
// list gave up on them too.
func (e *Engine) sweepOutbox(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for messageID, entry := range e.outbox {
		if now.Sub(entry.at) >= e.retryRetention {
			delete(e.outbox, messageID)
		}
	}
}

// Stop initiates a graceful shutdown: all workers observe the canceled
// context and drain.
func (e *Engine) Stop() {
	e.log.Info("Requesting engine shutdown")
	e.supervisor.Stop()
}

// Upward surfaces. All plain data, no wire format implied.

func (e *Engine) Snapshot() observability.Snapshot        { return e.stats.Snapshot() }
func (e *Engine) ConnectionCount() int                    { return e.registry.Stats().Sessions }
func (e *Engine) ConnectionStats() ConnectionStats        { return e.registry.Stats() }
func (e *Engine) RoomStats(roomID domain.RoomID) *RoomStats { return e.registry.GetRoomStats(roomID) }

func (e *Engine) PresenceSnapshot() []domain.PresenceRecord { return e.presence.Snapshot() }
func (e *Engine) GetPresence(userID domain.UserID) *domain.PresenceRecord {
	return e.presence.GetPresence(userID)
}

func (e *Engine) GetTypingUsers(roomID domain.RoomID, threadID string) []domain.TypingState {
	return e.typing.GetTypingUsersInRoom(roomID, threadID)
}

func (e *Engine) GetMessageReadStatus(messageID string) domain.MessageReadStatus {
	return e.receipts.GetMessageReadStatus(messageID)
}

// GetUnreadMessages resolves a user's unread ids from the durable store
// plus the read watermark.
func (e *Engine) GetUnreadMessages(userID domain.UserID, roomID domain.RoomID) ([]string, error) {
	all, err := e.messageRepo.MessageIDsForRoom(roomID)
	if err != nil {
		return nil, fmt.Errorf("unread lookup failed: %w", err)
	}
	return e.receipts.GetUnreadMessages(userID, roomID, all), nil
}

func (e *Engine) PresenceHistory(userID domain.UserID) []domain.PresenceChange {
	return e.presence.History(userID)
}

func (e *Engine) QueueStats() delivery.GlobalStats { return e.queue.Stats() }
func (e *Engine) ClearUserQueue(userID domain.UserID, priority *domain.Priority) int {
	return e.queue.ClearUserQueue(userID, priority)
}
func (e *Engine) UserQueueStats(userID domain.UserID) delivery.UserQueueStats {
	return e.queue.UserStats(userID)
}

// RegisterDeliveryCallback installs the transport's drain hook. If the
// user is already online the queue drains right away.
func (e *Engine) RegisterDeliveryCallback(userID domain.UserID, cb contract.DeliveryCallback) {
	e.queue.RegisterCallback(userID, cb)
	if e.registry.IsUserOnline(userID) {
		e.markUserOnline(userID)
	}
}
func (e *Engine) UnregisterDeliveryCallback(userID domain.UserID) {
	e.queue.UnregisterCallback(userID)
}

func (e *Engine) ListBlocked() []ratelimit.BlockedIdentity       { return e.limiter.ListBlocked() }
func (e *Engine) ListSuspicious() []ratelimit.SuspiciousIdentity { return e.limiter.ListSuspicious() }
func (e *Engine) Unblock(identity string) bool                   { return e.limiter.Unblock(identity) }

func (e *Engine) UpdateNotificationSettings(userID domain.UserID, input notify.SettingsInput) error {
	return e.notifier.UpdateSettings(userID, input)
}
func (e *Engine) RegisterDevice(userID domain.UserID, deviceID domain.DeviceID, endpoint string) {
	e.notifier.RegisterDevice(userID, deviceID, endpoint)
}

func (e *Engine) Subscribe(userID domain.UserID, eventTypes ...string) {
	e.fanout.Subscribe(userID, eventTypes...)
}

func (e *Engine) ValidateConsistency(roomID domain.RoomID) (syncer.ConsistencyReport, error) {
	return e.resolver.ValidateConsistency(roomID, "")
}

func excludeUser(users []domain.UserID, drop domain.UserID) []domain.UserID {
	var res []domain.UserID
	for _, u := range users {
		if u != drop {
			res = append(res, u)
		}
	}
	return res
}
