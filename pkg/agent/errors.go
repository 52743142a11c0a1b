package agent

import "fmt"

// HandshakeError means the agent leg could not be opened or was not acknowledged in time.
type HandshakeError struct {
	SessionID string
	Stage     string
	Err       error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("agent handshake failed for session %s (%s): %v", e.SessionID, e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
