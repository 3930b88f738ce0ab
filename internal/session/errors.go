package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by Submit when the session is not open.
	ErrSessionClosed = errors.New("mpv ipc session closed")
	// ErrConnectionClosed resolves requests and subscriptions still live when Close is called.
	ErrConnectionClosed = errors.New("mpv ipc connection closed")
	// ErrConnectionLost resolves requests and subscriptions still live when the transport fails.
	ErrConnectionLost = errors.New("mpv ipc connection lost")
	// ErrCanceled resolves a request abandoned by its caller.
	ErrCanceled = errors.New("mpv ipc request canceled")
)

// CommandError is a command the player rejected. The session stays open.
type CommandError struct {
	RequestID int64
	Command   string
	Message   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("mpv command %q (request_id=%d) failed: %s", e.Command, e.RequestID, e.Message)
}
