package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownConnection is returned when an operation names a connection
	// id that is not registered (for example, one that already disconnected).
	ErrUnknownConnection = errors.New("realtime: unknown connection")

	// ErrAuthenticationMismatch is returned when the claimed role does not
	// match the role stored in the user directory, or the user is unknown.
	ErrAuthenticationMismatch = errors.New("realtime: authentication mismatch")

	ErrUnauthenticated = errors.New("realtime: connection is not authenticated")
	ErrForbidden       = errors.New("realtime: not permitted for this role")
	ErrUnknownEvent    = errors.New("realtime: unknown event")
	ErrInvalidPayload  = errors.New("realtime: invalid payload")
)

// PersistenceError reports a failed data-store call inside an event handler.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistenceFailure(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

func invalidPayload(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// errorCode maps an error to the code sent to the client in an "error" event.
func errorCode(err error) string {
	var pe *PersistenceError
	switch {
	case errors.As(err, &pe):
		return "persistence_failed"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrAuthenticationMismatch):
		return "authentication_failed"
	default:
		return "internal_error"
	}
}
