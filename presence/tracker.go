// Package presence derives a per-user online/away/busy/offline state from
// multi-device session activity.
package presence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"chat-relay/contract"
	"chat-relay/domain"
)

// Listener receives every presence transition. Listeners must not block;
// they run on the mutating goroutine after the tracker lock is released.
type Listener func(change domain.PresenceChange)

type record struct {
	rec     domain.PresenceRecord
	devices map[domain.DeviceID]struct{}
	history []domain.PresenceChange
}

type Tracker struct {
	mu           sync.Mutex
	log          *slog.Logger
	statusRepo   contract.StatusRepository
	records      map[domain.UserID]*record
	listeners    []Listener
	awayAfter    time.Duration
	offlineAfter time.Duration
	historySize  int

	now func() time.Time
}

func NewTracker(log *slog.Logger, statusRepo contract.StatusRepository,
	awayAfter, offlineAfter time.Duration, historySize int) *Tracker {
	return &Tracker{
		log:          log,
		statusRepo:   statusRepo,
		records:      make(map[domain.UserID]*record),
		awayAfter:    awayAfter,
		offlineAfter: offlineAfter,
		historySize:  historySize,
		now:          time.Now,
	}
}

func (t *Tracker) AddListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// SetOnline tracks a device coming online. The first device of a user
// flips them online; further devices only refresh activity.
func (t *Tracker) SetOnline(userID domain.UserID, deviceID domain.DeviceID,
	status domain.PresenceStatus, customMessage string) domain.PresenceRecord {
	if status == "" || status == domain.StatusOffline {
		status = domain.StatusOnline
	}

	t.mu.Lock()
	now := t.now()
	rec, ok := t.records[userID]
	if !ok {
		rec = &record{
			rec: domain.PresenceRecord{
				UserID:       userID,
				Status:       domain.StatusOffline,
				ActivityType: domain.ActivityIdle,
			},
			devices: make(map[domain.DeviceID]struct{}),
		}
		t.records[userID] = rec
	}
	previous := rec.rec
	rec.devices[deviceID] = struct{}{}
	rec.rec.Status = status
	rec.rec.IsOnline = true
	rec.rec.CustomMessage = customMessage
	rec.rec.LastSeen = now
	rec.rec.LastActivity = now
	rec.rec.OnlineDevices = deviceList(rec.devices)

	changeType := domain.ChangeStatus
	if !previous.IsOnline {
		changeType = domain.ChangeOnline
	}
	change := t.transition(rec, previous, changeType, now)
	current := rec.rec
	t.mu.Unlock()

	t.notify(change)
	return current
}

// UpdateStatus changes the visible status of an already-tracked user.
func (t *Tracker) UpdateStatus(userID domain.UserID, status domain.PresenceStatus, customMessage string) bool {
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || !rec.rec.IsOnline {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	previous := rec.rec
	rec.rec.Status = status
	rec.rec.CustomMessage = customMessage
	rec.rec.LastSeen = now
	change := t.transition(rec, previous, domain.ChangeStatus, now)
	t.mu.Unlock()

	t.notify(change)
	return true
}

// UpdateActivity refreshes the activity clock. A user who decayed to away
// comes back online on their next activity.
func (t *Tracker) UpdateActivity(userID domain.UserID, activityType domain.ActivityType) bool {
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || !rec.rec.IsOnline {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	previous := rec.rec
	rec.rec.LastActivity = now
	rec.rec.LastSeen = now
	rec.rec.ActivityType = activityType
	if rec.rec.Status == domain.StatusAway {
		rec.rec.Status = domain.StatusOnline
	}
	change := t.transition(rec, previous, domain.ChangeActivity, now)
	t.mu.Unlock()

	t.notify(change)
	return true
}

// SetOffline removes one device, or all of them when deviceID is empty.
// The user only goes offline once their last device is gone.
func (t *Tracker) SetOffline(userID domain.UserID, deviceID domain.DeviceID) bool {
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if deviceID == "" {
		rec.devices = make(map[domain.DeviceID]struct{})
	} else {
		delete(rec.devices, deviceID)
	}
	now := t.now()
	previous := rec.rec
	rec.rec.OnlineDevices = deviceList(rec.devices)
	if len(rec.devices) > 0 {
		rec.rec.LastSeen = now
		t.mu.Unlock()
		return true
	}
	rec.rec.IsOnline = false
	rec.rec.Status = domain.StatusOffline
	rec.rec.LastSeen = now
	change := t.transition(rec, previous, domain.ChangeOffline, now)
	t.mu.Unlock()

	t.notify(change)
	return true
}

// BulkEntry is one user's target state for a resync.
type BulkEntry struct {
	UserID   domain.UserID
	DeviceID domain.DeviceID
	Status   domain.PresenceStatus
}

// BulkSetOnline synchronizes many users at once, e.g. on reconnect-resync.
func (t *Tracker) BulkSetOnline(entries []BulkEntry) []domain.PresenceRecord {
	return lo.Map(entries, func(e BulkEntry, _ int) domain.PresenceRecord {
		return t.SetOnline(e.UserID, e.DeviceID, e.Status, "")
	})
}

// Sweep decays online users to away after the idle threshold, and away
// users to offline after the longer one.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	var changes []domain.PresenceChange
	var toOffline []domain.UserID
	for userID, rec := range t.records {
		if !rec.rec.IsOnline {
			continue
		}
		idle := now.Sub(rec.rec.LastActivity)
		switch {
		case rec.rec.Status == domain.StatusAway && idle > t.offlineAfter:
			toOffline = append(toOffline, userID)
		case rec.rec.Status == domain.StatusOnline && idle > t.awayAfter:
			previous := rec.rec
			rec.rec.Status = domain.StatusAway
			changes = append(changes, t.transition(rec, previous, domain.ChangeStatus, now))
		}
	}
	t.mu.Unlock()

	for _, change := range changes {
		t.notify(change)
	}
	for _, userID := range toOffline {
		t.SetOffline(userID, "")
	}
}

// GetPresence returns a snapshot of one user, or nil if never seen.
func (t *Tracker) GetPresence(userID domain.UserID) *domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return nil
	}
	copied := rec.rec
	return &copied
}

// Snapshot returns all tracked users, online or not.
func (t *Tracker) Snapshot() []domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]domain.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		res = append(res, rec.rec)
	}
	return res
}

// History returns the bounded ring of recent transitions for a user,
// oldest first.
func (t *Tracker) History(userID domain.UserID) []domain.PresenceChange {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[userID]
	if !ok {
		return nil
	}
	res := make([]domain.PresenceChange, len(rec.history))
	copy(res, rec.history)
	return res
}

// transition records the change in history and persists the new status.
// Persistence is best-effort: a store failure is logged, never retried
// inline, and never blocks the presence mutation.
func (t *Tracker) transition(rec *record, previous domain.PresenceRecord,
	changeType domain.PresenceChangeType, now time.Time) domain.PresenceChange {
	change := domain.PresenceChange{
		Previous:   previous,
		Current:    rec.rec,
		ChangeType: changeType,
		At:         now,
	}
	rec.history = append(rec.history, change)
	if len(rec.history) > t.historySize {
		rec.history = rec.history[len(rec.history)-t.historySize:]
	}
	if err := t.statusRepo.UpdateStatus(rec.rec.UserID, rec.rec.Status, rec.rec.IsOnline); err != nil {
		t.log.Warn(fmt.Sprintf("Failed to persist status for user %s", rec.rec.UserID), "error", err)
	}
	return change
}

func (t *Tracker) notify(change domain.PresenceChange) {
	t.mu.Lock()
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}

func deviceList(devices map[domain.DeviceID]struct{}) []domain.DeviceID {
	res := make([]domain.DeviceID, 0, len(devices))
	for id := range devices {
		res = append(res, id)
	}
	return res
}
