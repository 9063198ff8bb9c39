//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"chat-relay/contract"
	"chat-relay/domain"
)

var _ contract.MessageRepository = MessageRepository{}

type MessageRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewMessageRepository(db *badger.DB, log *slog.Logger) MessageRepository {
	return MessageRepository{db: db, log: log}
}

// DiskMessage is the CBOR value stored under the room-scoped key.
type DiskMessage struct {
	ID       string `cbor:"1,keyasint"`
	RoomID   string `cbor:"2,keyasint"`
	SenderID string `cbor:"3,keyasint"`
	Content  string `cbor:"4,keyasint"`
	At       int64  `cbor:"5,keyasint"`
}

// StoreMessage persists a message in BadgerDB under two keys:
//   - "msg:{room_id}:{timestamp_padded}:{message_id}" for chronological
//     prefix scans (19-digit zero padding keeps lexicographic order), with
//     the message id as a collision disconnector;
//   - "msgid:{message_id}" pointing back to the primary key, so existence
//     checks by id alone stay a single Get.
func (m MessageRepository) StoreMessage(messageID string, roomID domain.RoomID,
	senderID domain.UserID, content string) error {
	now := time.Now()
	primary := fmt.Sprintf("msg:%s:%019d:%s", roomID, now.UnixNano(), messageID)

	data, err := cbor.Marshal(DiskMessage{
		ID:       messageID,
		RoomID:   string(roomID),
		SenderID: string(senderID),
		Content:  content,
		At:       now.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(primary), data); err != nil {
			return err
		}
		return txn.Set([]byte("msgid:"+messageID), []byte(primary))
	})
}

// MessageExists reports whether a message id was ever persisted.
func (m MessageRepository) MessageExists(messageID string) (bool, error) {
	err := m.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("msgid:" + messageID))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MessageIDsForRoom returns the room's message ids in chronological order,
// courtesy of the padded timestamp in the key.
func (m MessageRepository) MessageIDsForRoom(roomID domain.RoomID) ([]string, error) {
	var ids []string
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("msg:%s:", roomID))
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			// The id follows the last separator: msg:{room}:{ts}:{id}
			if idx := bytes.LastIndexByte(key, ':'); idx >= 0 {
				ids = append(ids, string(key[idx+1:]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MessagesForRoom loads full message records in chronological order.
func (m MessageRepository) MessagesForRoom(roomID domain.RoomID) ([]DiskMessage, error) {
	var messages []DiskMessage
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("msg:%s:", roomID))
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg DiskMessage
				if err := cbor.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
