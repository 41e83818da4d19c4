package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection-fatal conditions.
var (
	// ErrUnauthorized is returned when credential verification fails.
	// Fatal: the connection closes with CloseUnauthorized, no retry.
	ErrUnauthorized = errors.New("server: unauthorized")

	// ErrRoomFull is returned when a join hits the room capacity.
	// Fatal: the connection closes with CloseRoomFull, no retry.
	ErrRoomFull = errors.New("server: room at capacity")

	// ErrSessionClosed is returned when an operation is attempted on a
	// closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrManagerClosed is returned when joining through a manager that
	// has shut down.
	ErrManagerClosed = errors.New("server: room manager closed")
)

// WebSocket close codes in the private range, one per fatal condition
// so clients can distinguish them.
const (
	CloseUnauthorized = 4401 // credential rejected
	CloseRoomFull     = 4409 // room at capacity
)

// SessionError wraps an error with connection context for debugging.
type SessionError struct {
	ClientID string
	Op       string
	Err      error
}

// Error returns the error message with connection context.
func (e *SessionError) Error() string {
	if e.ClientID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: client %s: %s: %v", e.ClientID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}
