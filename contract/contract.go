//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"chat-relay/domain"
	"chat-relay/domain/event"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// Transport is the fire-and-forget send primitive provided by the socket
// layer. The engine never blocks on it.
type Transport interface {
	SendToSession(sessionID domain.SessionID, payload any) error
	SendToSessions(sessionIDs []domain.SessionID, payload any) error
}

// DeliveryCallback drains queued messages for one user once they come
// back online. Registered by the transport layer, one per user.
type DeliveryCallback interface {
	Deliver(messages []domain.QueuedMessage) error
}

// TokenVerifier turns a bearer token into an authenticated identity.
// Credential checking itself happens outside the engine.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

// StatusRepository persists derived presence so other surfaces can read it
// after the fact. All calls are fallible and best-effort from the engine's
// point of view.
type StatusRepository interface {
	UpdateStatus(userID domain.UserID, status domain.PresenceStatus, online bool) error
	FindStatus(userID domain.UserID) (domain.PresenceRecord, error)
}

// MessageRepository is the durable message store collaborator. The sync
// resolver uses it to reconcile winning events against persisted state.
type MessageRepository interface {
	StoreMessage(messageID string, roomID domain.RoomID, senderID domain.UserID, content string) error
	MessageExists(messageID string) (bool, error)
	MessageIDsForRoom(roomID domain.RoomID) ([]string, error)
}
