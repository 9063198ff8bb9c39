package typing

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/domain"
)

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := NewTracker(log, time.Second, 5*time.Second)
	tracker.now = func() time.Time { return now }
	return tracker, &now
}

func TestTracker_Debounce(t *testing.T) {
	req := require.New(t)
	tracker, now := newTestTracker()

	// When two startTyping calls arrive within the debounce window
	first := tracker.StartTyping("alice", "alice", "general", "")
	*now = now.Add(500 * time.Millisecond)
	second := tracker.StartTyping("alice", "alice", "general", "")

	// Then only the first produced an event
	req.NotNil(first)
	req.Nil(second)

	// When the debounce window elapsed, the next call refreshes again
	*now = now.Add(time.Second)
	third := tracker.StartTyping("alice", "alice", "general", "")
	req.NotNil(third)
}

func TestTracker_StopTyping(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker()

	// Stopping without typing is a no-op
	req.Nil(tracker.StopTyping("alice", "general", ""))

	tracker.StartTyping("alice", "alice", "general", "")
	stop := tracker.StopTyping("alice", "general", "")
	req.NotNil(stop)
	req.Equal(domain.RoomID("general"), stop.RoomID)

	// Entry is gone afterwards
	req.Empty(tracker.GetTypingUsersInRoom("general", ""))
}

func TestTracker_SweepExpiresExactlyOnce(t *testing.T) {
	req := require.New(t)
	tracker, now := newTestTracker()
	tracker.StartTyping("alice", "alice", "general", "")

	// When nothing happens for the typing timeout
	stops := tracker.Sweep(now.Add(5 * time.Second))
	req.Len(stops, 1)
	req.Equal(domain.UserID("alice"), stops[0].UserID)

	// Then a second sweep produces nothing
	req.Empty(tracker.Sweep(now.Add(10 * time.Second)))
}

func TestTracker_LazyEvictionOnRead(t *testing.T) {
	req := require.New(t)
	tracker, now := newTestTracker()
	tracker.StartTyping("alice", "alice", "general", "")
	tracker.StartTyping("bob", "bob", "general", "")

	*now = now.Add(2 * time.Second)
	tracker.StartTyping("alice", "alice", "general", "") // refresh

	// When bob's entry silently expired
	*now = now.Add(4 * time.Second)

	// Then the reader only sees alice and bob's entry is evicted
	users := tracker.GetTypingUsersInRoom("general", "")
	req.Len(users, 1)
	req.Equal(domain.UserID("alice"), users[0].Key.UserID)
	// The evicted entry is really gone, not merely filtered
	req.Empty(tracker.Sweep(*now))
}

func TestTracker_ThreadsAreSeparateKeys(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker()

	req.NotNil(tracker.StartTyping("alice", "alice", "general", ""))
	req.NotNil(tracker.StartTyping("alice", "alice", "general", "thread-1"))

	req.Len(tracker.GetTypingUsersInRoom("general", ""), 1)
	req.Len(tracker.GetTypingUsersInRoom("general", "thread-1"), 1)
}

func TestTracker_CleanupUserTyping(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker()
	tracker.StartTyping("alice", "alice", "general", "")
	tracker.StartTyping("alice", "alice", "random", "")
	tracker.StartTyping("bob", "bob", "general", "")

	// When alice disconnects
	stops := tracker.CleanupUserTyping("alice")

	// Then all her entries produce stop events, bob is untouched
	req.Len(stops, 2)
	req.Len(tracker.GetTypingUsersInRoom("general", ""), 1)
	req.Empty(tracker.GetTypingUsersInRoom("random", ""))
}
