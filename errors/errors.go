package errors

import "fmt"

var (
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrUnknownSession     = fmt.Errorf("unknown session")
	ErrUnknownUser        = fmt.Errorf("unknown user")
	ErrNotAMember         = fmt.Errorf("session is not a room member")
	ErrQueueFull          = fmt.Errorf("delivery queue full of undroppable messages")
	ErrSuperseded         = fmt.Errorf("event superseded by a concurrent write")
	ErrInvalidToken       = fmt.Errorf("invalid token")
	ErrInvalidPayload     = fmt.Errorf("invalid event payload")
	ErrNoDeliveryCallback = fmt.Errorf("no delivery callback registered")
)
