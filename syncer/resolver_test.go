package syncer

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/observability"
)

type fakeMessageRepo struct {
	existing map[string]bool
	failing  bool
}

func (f *fakeMessageRepo) StoreMessage(messageID string, roomID domain.RoomID, senderID domain.UserID, content string) error {
	return nil
}

func (f *fakeMessageRepo) MessageExists(messageID string) (bool, error) {
	if f.failing {
		return false, fmt.Errorf("store down")
	}
	return f.existing[messageID], nil
}

func (f *fakeMessageRepo) MessageIDsForRoom(roomID domain.RoomID) ([]string, error) {
	return nil, nil
}

func newTestResolver(repo *fakeMessageRepo) *Resolver {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolver(log, repo, observability.NewStats(),
		5*time.Second, time.Minute, 5*time.Minute, 100, 3)
}

func syncEventAt(eventType string, roomID domain.RoomID, at time.Time) domain.SyncEvent {
	return domain.SyncEvent{
		ID:     uuid.New(),
		Type:   eventType,
		UserID: "alice",
		RoomID: roomID,
		At:     at,
	}
}

func TestResolver_NoConflictOutsideWindow(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	first := syncEventAt("topic.update", "general", base)
	second := syncEventAt("topic.update", "general", base.Add(10*time.Second))

	req.NoError(resolver.SyncEvent(first))
	req.NoError(resolver.SyncEvent(second))

	// Both events survive: they were not concurrent
	req.Len(resolver.GetEventHistory("room:general"), 2)
}

func TestResolver_LastWriterWins(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	older := syncEventAt("topic.update", "general", base)
	newer := syncEventAt("topic.update", "general", base.Add(2*time.Second))

	req.NoError(resolver.SyncEvent(older))
	req.NoError(resolver.SyncEvent(newer))

	// The later write wins; the older is gone from the history
	history := resolver.GetEventHistory("room:general")
	req.Len(history, 1)
	req.Equal(newer.ID, history[0].ID)
}

func TestResolver_EarlierSubmitterIsSuperseded(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	newer := syncEventAt("topic.update", "general", base.Add(2*time.Second))
	older := syncEventAt("topic.update", "general", base)

	// Given the later write already arrived
	req.NoError(resolver.SyncEvent(newer))

	// When the earlier one shows up, its submitter must abandon it
	req.ErrorIs(resolver.SyncEvent(older), errors.ErrSuperseded)

	history := resolver.GetEventHistory("room:general")
	req.Len(history, 1)
	req.Equal(newer.ID, history[0].ID)
}

func TestResolver_ScopesAreIndependent(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	req.NoError(resolver.SyncEvent(syncEventAt("topic.update", "general", base)))
	req.NoError(resolver.SyncEvent(syncEventAt("topic.update", "random", base.Add(time.Second))))

	req.Len(resolver.GetEventHistory("room:general"), 1)
	req.Len(resolver.GetEventHistory("room:random"), 1)
}

func TestResolver_FailedHandlerGoesToPending(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})

	attempts := 0
	resolver.RegisterHandler("message.new", func(evt domain.SyncEvent) error {
		attempts++
		if attempts <= 2 {
			return fmt.Errorf("store down")
		}
		return nil
	})

	evt := syncEventAt("message.new", "general", time.Now())

	// The failure is absorbed, not returned
	req.NoError(resolver.SyncEvent(evt))
	req.Equal(1, resolver.PendingCount("alice"))

	// First retry still fails, the entry is kept
	req.Equal(0, resolver.RetryPendingEvents("alice"))
	req.Equal(1, resolver.PendingCount("alice"))

	// Second retry succeeds and clears the list
	req.Equal(1, resolver.RetryPendingEvents("alice"))
	req.Equal(0, resolver.PendingCount("alice"))
}

func TestResolver_PendingListIsBounded(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})
	resolver.RegisterHandler("message.new", func(evt domain.SyncEvent) error {
		return fmt.Errorf("always failing")
	})

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		// Spread out in time so events do not conflict with each other
		req.NoError(resolver.SyncEvent(syncEventAt("message.new", "general", base.Add(time.Duration(i)*time.Minute))))
	}

	// Capacity is 3: only the newest survive
	req.Equal(3, resolver.PendingCount("alice"))
}

func TestResolver_SweepPrunesOldEntries(t *testing.T) {
	req := require.New(t)
	resolver := newTestResolver(&fakeMessageRepo{})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	req.NoError(resolver.SyncEvent(syncEventAt("topic.update", "general", base)))

	resolver.Sweep(base.Add(2 * time.Minute))

	req.Empty(resolver.GetEventHistory("room:general"))
}

func TestResolver_ValidateConsistency(t *testing.T) {
	req := require.New(t)
	repo := &fakeMessageRepo{existing: map[string]bool{"m1": true}}
	resolver := newTestResolver(repo)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	persisted := syncEventAt("message.new", "general", base)
	persisted.Payload = "m1"
	ghost := syncEventAt("message.new", "general", base.Add(10*time.Second))
	ghost.Payload = "m2"

	req.NoError(resolver.SyncEvent(persisted))
	req.NoError(resolver.SyncEvent(ghost))

	report, err := resolver.ValidateConsistency("general", "")
	req.NoError(err)
	req.Equal(2, report.CachedEvents)
	req.Equal(1, report.MissingInStore)
	req.Equal([]string{"m2"}, report.MissingIDs)
}
