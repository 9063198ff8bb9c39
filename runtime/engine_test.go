package runtime

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/internal"
	"chat-relay/notify"
)

type fakeVerifier struct {
	identities map[string]domain.Identity
}

func (f *fakeVerifier) Verify(token string) (domain.Identity, error) {
	identity, ok := f.identities[token]
	if !ok {
		return domain.Identity{}, fmt.Errorf("unknown token")
	}
	return identity, nil
}

type engineSent struct {
	sessions []domain.SessionID
	payload  any
}

type engineTransport struct {
	mu   sync.Mutex
	sent []engineSent
}

func (f *engineTransport) SendToSession(sessionID domain.SessionID, payload any) error {
	return f.SendToSessions([]domain.SessionID{sessionID}, payload)
}

func (f *engineTransport) SendToSessions(sessionIDs []domain.SessionID, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, engineSent{sessions: sessionIDs, payload: payload})
	return nil
}

func (f *engineTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *engineTransport) sentTo(sessionID domain.SessionID) []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []any
	for _, s := range f.sent {
		for _, id := range s.sessions {
			if id == sessionID {
				res = append(res, s.payload)
			}
		}
	}
	return res
}

type engineStatusRepo struct{}

func (engineStatusRepo) UpdateStatus(domain.UserID, domain.PresenceStatus, bool) error { return nil }
func (engineStatusRepo) FindStatus(domain.UserID) (domain.PresenceRecord, error) {
	return domain.PresenceRecord{}, nil
}

type engineMessageRepo struct {
	mu     sync.Mutex
	stored map[string]domain.RoomID
}

func (f *engineMessageRepo) StoreMessage(messageID string, roomID domain.RoomID, senderID domain.UserID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = make(map[string]domain.RoomID)
	}
	f.stored[messageID] = roomID
	return nil
}

func (f *engineMessageRepo) MessageExists(messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[messageID]
	return ok, nil
}

func (f *engineMessageRepo) MessageIDsForRoom(roomID domain.RoomID) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []string
	for id, r := range f.stored {
		if r == roomID {
			res = append(res, id)
		}
	}
	return res, nil
}

type engineCallback struct {
	mu      sync.Mutex
	batches [][]domain.QueuedMessage
}

func (f *engineCallback) Deliver(messages []domain.QueuedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, messages)
	return nil
}

func (f *engineCallback) delivered() []domain.QueuedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res []domain.QueuedMessage
	for _, batch := range f.batches {
		res = append(res, batch...)
	}
	return res
}

func testConfig() internal.Config {
	return internal.Config{
		RateWindow:         time.Minute,
		RateViolationLimit: 5,
		RateBlockBase:      time.Minute,
		RateBlockMaxFactor: 16,
		MaxMessagesPerWin:  30,
		MaxJoinsPerWin:     10,
		MaxTypingPerWin:    60,
		MaxNotifsPerWin:    20,
		SessionInactivity:  30 * time.Minute,
		RoomRetention:      time.Hour,
		HeartbeatInterval:  30 * time.Second,
		AwayAfter:          5 * time.Minute,
		OfflineAfter:       15 * time.Minute,
		PresenceHistory:    20,
		TypingDebounce:     time.Second,
		TypingTimeout:      5 * time.Second,
		ReadStatusCacheTTL: 5 * time.Second,
		QueueCapacity:      100,
		QueueDefaultTTL:    24 * time.Hour,
		DrainBatchSize:     20,
		BatchFlushSize:     10,
		BatchFlushWindow:   100 * time.Millisecond,
		ConflictWindow:     5 * time.Second,
		SyncCacheSize:      100,
		SyncRetention:      time.Minute,
		PendingRetryCap:    50,
		RetryRetention:     5 * time.Minute,
		NotifDedupTTL:      time.Minute,
		NotifTTL:           24 * time.Hour,
		SubscriptionTTL:    720 * time.Hour,
		SweepInterval:      5 * time.Second,
		StatsInterval:      30 * time.Second,
	}
}

func newTestEngine() (*Engine, *engineTransport, *engineMessageRepo) {
	verifier := &fakeVerifier{identities: map[string]domain.Identity{
		"token-alice": {UserID: "alice", Username: "Alice"},
		"token-bob":   {UserID: "bob", Username: "Bob"},
	}}
	transport := &engineTransport{}
	repo := &engineMessageRepo{}
	engine := NewEngine(testLogger(), testConfig(), verifier, transport, engineStatusRepo{}, repo)
	return engine, transport, repo
}

func TestEngine_ConnectRejectsBadToken(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("forged", "s1", "laptop")

	req.ErrorIs(err, errors.ErrInvalidToken)
	req.Equal(0, engine.ConnectionCount())
}

func TestEngine_ConnectTracksSessionAndPresence(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	session, err := engine.Connect("token-alice", "s1", "laptop")

	req.NoError(err)
	req.Equal(domain.UserID("alice"), session.UserID)
	req.Equal(1, engine.ConnectionCount())

	rec := engine.GetPresence("alice")
	req.NotNil(rec)
	req.Equal(domain.StatusOnline, rec.Status)
}

func TestEngine_SendMessageRequiresMembership(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)

	_, err = engine.SendMessage("s1", "general", "hello")

	req.ErrorIs(err, errors.ErrNotAMember)
}

func TestEngine_SendMessageFansOutAndPersists(t *testing.T) {
	req := require.New(t)
	engine, transport, repo := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	_, err = engine.Connect("token-bob", "s2", "phone")
	req.NoError(err)
	req.NoError(engine.JoinRoom("s1", "general"))
	req.NoError(engine.JoinRoom("s2", "general"))

	messageID, err := engine.SendMessage("s1", "general", "hello room")

	req.NoError(err)
	req.NotEmpty(messageID)

	// Persisted through the resolver handler
	exists, err := repo.MessageExists(messageID)
	req.NoError(err)
	req.True(exists)

	// Bob got the fan-out, alice (the sender) did not get her own message
	req.NotEmpty(transport.sentTo("s2"))

	// Receipt tracking knows bob is the only recipient
	status := engine.GetMessageReadStatus(messageID)
	req.Equal(1, status.TotalRecipients)
	req.Equal(0, status.DeliveredTo)
}

func TestEngine_OfflineQueueDrainsOnConnect(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	callback := &engineCallback{}
	engine.RegisterDeliveryCallback("bob", callback)

	// Given a high-priority message queued while bob is offline
	req.NoError(engine.SendToUser("bob", "message.new", "payload-M", domain.PriorityHigh))
	req.Empty(callback.delivered())

	// When bob connects, the queue drains without bob asking
	_, err := engine.Connect("token-bob", "s2", "phone")
	req.NoError(err)

	delivered := callback.delivered()
	req.Len(delivered, 1)
	req.Equal("payload-M", delivered[0].Payload)
	req.Equal(domain.PriorityHigh, delivered[0].Priority)
}

func TestEngine_OfflineNotificationsFlushOnConnect(t *testing.T) {
	req := require.New(t)
	engine, transport, _ := newTestEngine()

	// Given a notification admitted while bob is offline
	req.NoError(engine.Notify(notify.CreateNotificationInput{
		UserID: "bob",
		Type:   domain.NotifyMention,
		Title:  "alice mentioned you",
	}))
	req.Equal(0, transport.sentCount())

	// When bob connects, the pending notification goes out without any
	// further Notify call
	_, err := engine.Connect("token-bob", "s2", "phone")
	req.NoError(err)

	var flushed []domain.Notification
	for _, payload := range transport.sentTo("s2") {
		if n, ok := payload.(domain.Notification); ok {
			flushed = append(flushed, n)
		}
	}
	req.Len(flushed, 1)
	req.Equal("alice mentioned you", flushed[0].Title)
}

func TestEngine_ReceiptProgression(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	_, err = engine.Connect("token-bob", "s2", "phone")
	req.NoError(err)
	req.NoError(engine.JoinRoom("s1", "general"))
	req.NoError(engine.JoinRoom("s2", "general"))

	messageID, err := engine.SendMessage("s1", "general", "read me")
	req.NoError(err)

	status := engine.GetMessageReadStatus(messageID)
	req.Equal(0, status.DeliveredTo)
	req.Equal(0, status.ReadBy)

	// Bob acknowledges receipt
	req.True(engine.AcknowledgeDelivery(messageID, "bob"))
	status = engine.GetMessageReadStatus(messageID)
	req.Equal(1, status.DeliveredTo)
	req.Equal(0, status.ReadBy)

	// Bob reads; delivered count never regresses
	req.True(engine.MarkRead(messageID, "bob", "general"))
	status = engine.GetMessageReadStatus(messageID)
	req.Equal(1, status.DeliveredTo)
	req.Equal(1, status.ReadBy)
	req.True(status.IsFullyRead)
}

func TestEngine_TypingDebounceAndFanout(t *testing.T) {
	req := require.New(t)
	engine, transport, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	_, err = engine.Connect("token-bob", "s2", "phone")
	req.NoError(err)
	req.NoError(engine.JoinRoom("s1", "general"))
	req.NoError(engine.JoinRoom("s2", "general"))

	before := transport.sentCount()
	req.NoError(engine.StartTyping("s1", "general", ""))
	req.NoError(engine.StartTyping("s1", "general", ""))

	// The second call fell in the debounce window: one typing entry, and
	// no duplicate traffic beyond the first start
	req.Len(engine.GetTypingUsers("general", ""), 1)
	req.LessOrEqual(transport.sentCount()-before, 1)
}

func TestEngine_DisconnectCascade(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	req.NoError(engine.JoinRoom("s1", "general"))
	req.NoError(engine.StartTyping("s1", "general", ""))

	req.True(engine.Disconnect("s1"))

	req.Equal(0, engine.ConnectionCount())
	req.Empty(engine.GetTypingUsers("general", ""))
	rec := engine.GetPresence("alice")
	req.NotNil(rec)
	req.False(rec.IsOnline)

	// A second disconnect is a no-op, not an error
	req.False(engine.Disconnect("s1"))
}

func TestEngine_MultiDeviceStaysOnline(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	_, err = engine.Connect("token-alice", "s1b", "phone")
	req.NoError(err)

	engine.Disconnect("s1")

	// The phone keeps alice online
	rec := engine.GetPresence("alice")
	req.NotNil(rec)
	req.True(rec.IsOnline)
}

func TestEngine_UnreadMessages(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	_, err = engine.Connect("token-bob", "s2", "phone")
	req.NoError(err)
	req.NoError(engine.JoinRoom("s1", "general"))
	req.NoError(engine.JoinRoom("s2", "general"))

	first, err := engine.SendMessage("s1", "general", "one")
	req.NoError(err)

	// No watermark yet: everything unread for bob
	unread, err := engine.GetUnreadMessages("bob", "general")
	req.NoError(err)
	req.Equal([]string{first}, unread)

	engine.MarkRead(first, "bob", "general")

	unread, err = engine.GetUnreadMessages("bob", "general")
	req.NoError(err)
	req.Empty(unread)
}

func TestEngine_ConsistencyReport(t *testing.T) {
	req := require.New(t)
	engine, _, _ := newTestEngine()

	_, err := engine.Connect("token-alice", "s1", "laptop")
	req.NoError(err)
	req.NoError(engine.JoinRoom("s1", "general"))

	_, err = engine.SendMessage("s1", "general", "hello")
	req.NoError(err)

	report, err := engine.ValidateConsistency("general")
	req.NoError(err)
	req.Equal(1, report.CachedEvents)
	req.Equal(0, report.MissingInStore)
}
