// Package notify gates notification creation on user preferences, mutes,
// quiet hours and rate budgets, then holds admitted notifications per user
// until a delivery surface drains them.
package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/ratelimit"
)

// CreateNotificationInput is the validated request shape for one
// notification.
type CreateNotificationInput struct {
	UserID   domain.UserID               `validate:"required"`
	Type     domain.NotificationType     `validate:"required,oneof=mention room_message reaction system"`
	Title    string                      `validate:"required,max=200"`
	Body     string                      `validate:"max=2000"`
	RoomID   domain.RoomID
	SenderID domain.UserID
	Priority domain.NotificationPriority `validate:"omitempty,oneof=low normal urgent"`
}

// SettingsInput carries a user's preference update. Quiet hours are
// minutes from midnight; Start == End disables them.
type SettingsInput struct {
	MentionsEnabled     bool
	RoomMessagesEnabled bool
	ReactionsEnabled    bool
	SystemEnabled       bool
	MutedRooms          []domain.RoomID
	MutedUsers          []domain.UserID
	QuietStartMin       int `validate:"min=0,max=1439"`
	QuietEndMin         int `validate:"min=0,max=1439"`
}

type Dispatcher struct {
	mu        sync.Mutex
	log       *slog.Logger
	limiter   *ratelimit.Limiter
	stats     *observability.Stats
	validator *validator.Validate

	settings map[domain.UserID]domain.NotificationSettings
	pending  map[domain.UserID][]domain.Notification
	sent     map[string]time.Time
	subs     map[domain.UserID]map[domain.DeviceID]domain.DeviceSubscription

	dedupTTL time.Duration
	notifTTL time.Duration
	subTTL   time.Duration

	now func() time.Time
}

func NewDispatcher(log *slog.Logger, limiter *ratelimit.Limiter, stats *observability.Stats,
	dedupTTL, notifTTL, subTTL time.Duration) *Dispatcher {
	return &Dispatcher{
		log:       log,
		limiter:   limiter,
		stats:     stats,
		validator: validator.New(),
		settings:  make(map[domain.UserID]domain.NotificationSettings),
		pending:   make(map[domain.UserID][]domain.Notification),
		sent:      make(map[string]time.Time),
		subs:      make(map[domain.UserID]map[domain.DeviceID]domain.DeviceSubscription),
		dedupTTL:  dedupTTL,
		notifTTL:  notifTTL,
		subTTL:    subTTL,
		now:       time.Now,
	}
}

// UpdateSettings replaces a user's preferences after validation.
func (d *Dispatcher) UpdateSettings(userID domain.UserID, input SettingsInput) error {
	if err := d.validator.Struct(input); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}

	settings := domain.NotificationSettings{
		MentionsEnabled:     input.MentionsEnabled,
		RoomMessagesEnabled: input.RoomMessagesEnabled,
		ReactionsEnabled:    input.ReactionsEnabled,
		SystemEnabled:       input.SystemEnabled,
		MutedRooms:          make(map[domain.RoomID]struct{}, len(input.MutedRooms)),
		MutedUsers:          make(map[domain.UserID]struct{}, len(input.MutedUsers)),
		QuietStartMin:       input.QuietStartMin,
		QuietEndMin:         input.QuietEndMin,
	}
	for _, roomID := range input.MutedRooms {
		settings.MutedRooms[roomID] = struct{}{}
	}
	for _, senderID := range input.MutedUsers {
		settings.MutedUsers[senderID] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings[userID] = settings
	return nil
}

// GetSettings returns the stored preferences, or the defaults for a user
// who never set any.
func (d *Dispatcher) GetSettings(userID domain.UserID) domain.NotificationSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.settings[userID]; ok {
		return s
	}
	return domain.DefaultNotificationSettings()
}

// CreateNotification runs the admission gates in order: preference toggle,
// mute lists, quiet hours (bypassed by urgent priority), recent-duplicate
// suppression, then the per-user rate budget. A vetoed notification returns
// (nil, nil): the veto is a policy outcome, not a failure.
func (d *Dispatcher) CreateNotification(input CreateNotificationInput) (*domain.Notification, error) {
	if err := d.validator.Struct(input); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if input.Priority == "" {
		input.Priority = domain.NotifyNormal
	}
	now := d.now()

	d.mu.Lock()
	settings, ok := d.settings[input.UserID]
	if !ok {
		settings = domain.DefaultNotificationSettings()
	}

	if !typeEnabled(settings, input.Type) ||
		isMuted(settings, input.RoomID, input.SenderID) ||
		(input.Priority != domain.NotifyUrgent && inQuietHours(settings, now)) {
		d.mu.Unlock()
		d.stats.IncrNotifBlocks()
		return nil, nil
	}
	if sentAt, dup := d.sent[dedupKey(input)]; dup && now.Sub(sentAt) < d.dedupTTL {
		d.mu.Unlock()
		d.stats.IncrNotifBlocks()
		return nil, nil
	}
	d.mu.Unlock()

	if !d.limiter.CheckAndConsume(string(input.UserID), ratelimit.CategoryNotification) {
		d.stats.IncrNotifBlocks()
		d.log.Warn(fmt.Sprintf("Notification budget exceeded for user %s, dropping %s", input.UserID, input.Type))
		return nil, nil
	}

	notification := domain.Notification{
		ID:        uuid.New(),
		UserID:    input.UserID,
		Type:      input.Type,
		Title:     input.Title,
		Body:      input.Body,
		RoomID:    input.RoomID,
		SenderID:  input.SenderID,
		Priority:  input.Priority,
		CreatedAt: now,
		ExpiresAt: now.Add(d.notifTTL),
	}

	d.mu.Lock()
	d.pending[input.UserID] = append(d.pending[input.UserID], notification)
	d.mu.Unlock()
	return &notification, nil
}

// DrainPending hands over and clears a user's queued notifications, marking
// each as sent for duplicate suppression.
func (d *Dispatcher) DrainPending(userID domain.UserID) []domain.Notification {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.pending[userID]
	delete(d.pending, userID)

	var fresh []domain.Notification
	for _, n := range list {
		if now.After(n.ExpiresAt) {
			continue
		}
		d.sent[dedupKey(CreateNotificationInput{
			UserID: n.UserID, Type: n.Type, RoomID: n.RoomID, SenderID: n.SenderID,
		})] = now
		fresh = append(fresh, n)
	}
	return fresh
}

// PendingCount reports the size of a user's pending queue.
func (d *Dispatcher) PendingCount(userID domain.UserID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[userID])
}

// RegisterDevice records or refreshes a push delivery target.
func (d *Dispatcher) RegisterDevice(userID domain.UserID, deviceID domain.DeviceID, endpoint string) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	devices, ok := d.subs[userID]
	if !ok {
		devices = make(map[domain.DeviceID]domain.DeviceSubscription)
		d.subs[userID] = devices
	}
	sub, ok := devices[deviceID]
	if !ok {
		sub = domain.DeviceSubscription{UserID: userID, DeviceID: deviceID, CreatedAt: now}
	}
	sub.Endpoint = endpoint
	sub.LastSeen = now
	devices[deviceID] = sub
}

// TouchDevice refreshes a subscription's liveness without changing it.
func (d *Dispatcher) TouchDevice(userID domain.UserID, deviceID domain.DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sub, ok := d.subs[userID][deviceID]; ok {
		sub.LastSeen = d.now()
		d.subs[userID][deviceID] = sub
	}
}

// RemoveDevice drops one subscription.
func (d *Dispatcher) RemoveDevice(userID domain.UserID, deviceID domain.DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.subs[userID], deviceID)
	if len(d.subs[userID]) == 0 {
		delete(d.subs, userID)
	}
}

// Subscriptions lists a user's registered devices.
func (d *Dispatcher) Subscriptions(userID domain.UserID) []domain.DeviceSubscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := make([]domain.DeviceSubscription, 0, len(d.subs[userID]))
	for _, sub := range d.subs[userID] {
		res = append(res, sub)
	}
	return res
}

// CleanupUser clears session-scoped state on disconnect. Device
// subscriptions survive: they outlive individual sessions.
func (d *Dispatcher) CleanupUser(userID domain.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.settings, userID)
	delete(d.pending, userID)
}

// Sweep expires dedup entries, pending notifications past their TTL, and
// device subscriptions not seen within the subscription TTL.
func (d *Dispatcher) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, sentAt := range d.sent {
		if now.Sub(sentAt) >= d.dedupTTL {
			delete(d.sent, key)
		}
	}
	for userID, list := range d.pending {
		var kept []domain.Notification
		for _, n := range list {
			if now.Before(n.ExpiresAt) {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(d.pending, userID)
			continue
		}
		d.pending[userID] = kept
	}
	for userID, devices := range d.subs {
		for deviceID, sub := range devices {
			if now.Sub(sub.LastSeen) >= d.subTTL {
				delete(devices, deviceID)
			}
		}
		if len(devices) == 0 {
			delete(d.subs, userID)
		}
	}
}

func typeEnabled(s domain.NotificationSettings, t domain.NotificationType) bool {
	switch t {
	case domain.NotifyMention:
		return s.MentionsEnabled
	case domain.NotifyRoomMessage:
		return s.RoomMessagesEnabled
	case domain.NotifyReaction:
		return s.ReactionsEnabled
	case domain.NotifySystem:
		return s.SystemEnabled
	}
	return false
}

func isMuted(s domain.NotificationSettings, roomID domain.RoomID, senderID domain.UserID) bool {
	if _, ok := s.MutedRooms[roomID]; ok && roomID != "" {
		return true
	}
	if _, ok := s.MutedUsers[senderID]; ok && senderID != "" {
		return true
	}
	return false
}

// inQuietHours handles windows that wrap past midnight, e.g. 22:00-07:00.
func inQuietHours(s domain.NotificationSettings, now time.Time) bool {
	if s.QuietStartMin == s.QuietEndMin {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if s.QuietStartMin < s.QuietEndMin {
		return minute >= s.QuietStartMin && minute < s.QuietEndMin
	}
	return minute >= s.QuietStartMin || minute < s.QuietEndMin
}

func dedupKey(input CreateNotificationInput) string {
	return fmt.Sprintf("%s|%s|%s|%s", input.UserID, input.Type, input.RoomID, input.SenderID)
}
