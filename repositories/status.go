//go:generate go run go.uber.org/mock/mockgen -source=status.go -destination=../mocks/mock_status_repository.go -package=mocks
package repositories

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
)

var _ contract.StatusRepository = StatusRepository{}

// StatusRepository persists derived presence under "status:{user_id}" so
// surfaces outside the engine can read it after the fact.
type StatusRepository struct {
	db *badger.DB
}

func NewStatusRepository(db *badger.DB) StatusRepository {
	return StatusRepository{db: db}
}

type diskStatus struct {
	Status    string `cbor:"1,keyasint"`
	Online    bool   `cbor:"2,keyasint"`
	UpdatedAt int64  `cbor:"3,keyasint"`
}

// UpdateStatus overwrites the stored status for a user.
func (s StatusRepository) UpdateStatus(userID domain.UserID, status domain.PresenceStatus, online bool) error {
	data, err := cbor.Marshal(diskStatus{
		Status:    string(status),
		Online:    online,
		UpdatedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("status:"+userID), data)
	})
}

// FindStatus loads the persisted status. Returns ErrUnknownUser for a user
// never stored.
func (s StatusRepository) FindStatus(userID domain.UserID) (domain.PresenceRecord, error) {
	var stored diskStatus
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("status:" + userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &stored)
		})
	})
	if err == badger.ErrKeyNotFound {
		return domain.PresenceRecord{}, errors.ErrUnknownUser
	}
	if err != nil {
		return domain.PresenceRecord{}, err
	}

	at := time.Unix(0, stored.UpdatedAt)
	return domain.PresenceRecord{
		UserID:       userID,
		Status:       domain.PresenceStatus(stored.Status),
		IsOnline:     stored.Online,
		LastSeen:     at,
		LastActivity: at,
	}, nil
}
