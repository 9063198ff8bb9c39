package repositories

import (
	"log/slog"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat-relay/domain"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMessageRepository_StoreAndExists(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openTestDB(t), slog.Default())

	messageID := uuid.NewString()
	req.NoError(repository.StoreMessage(messageID, "general", "alice", "hello"))

	exists, err := repository.MessageExists(messageID)
	req.NoError(err)
	req.True(exists)

	exists, err = repository.MessageExists(uuid.NewString())
	req.NoError(err)
	req.False(exists)
}

func TestMessageRepository_IDsComeBackChronological(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openTestDB(t), slog.Default())

	var ids []string
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		ids = append(ids, id)
		req.NoError(repository.StoreMessage(id, "general", "alice", "msg"))
	}
	// A message in another room must not leak into the scan
	req.NoError(repository.StoreMessage(uuid.NewString(), "random", "bob", "elsewhere"))

	fetched, err := repository.MessageIDsForRoom("general")
	req.NoError(err)
	req.Equal(ids, fetched)
}

func TestMessageRepository_MessagesForRoom(t *testing.T) {
	req := require.New(t)
	repository := NewMessageRepository(openTestDB(t), slog.Default())

	messageID := uuid.NewString()
	req.NoError(repository.StoreMessage(messageID, "general", "alice", "full record"))

	messages, err := repository.MessagesForRoom("general")
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal(messageID, messages[0].ID)
	req.Equal("alice", messages[0].SenderID)
	req.Equal("full record", messages[0].Content)
}

func TestStatusRepository_RoundTrip(t *testing.T) {
	req := require.New(t)
	repository := NewStatusRepository(openTestDB(t))

	req.NoError(repository.UpdateStatus("alice", domain.StatusAway, true))

	record, err := repository.FindStatus("alice")
	req.NoError(err)
	req.Equal(domain.StatusAway, record.Status)
	req.True(record.IsOnline)
}

func TestStatusRepository_UnknownUser(t *testing.T) {
	req := require.New(t)
	repository := NewStatusRepository(openTestDB(t))

	_, err := repository.FindStatus("ghost")

	req.Error(err)
}
