package relay

import "fmt"

const (
	LegTelephony = "telephony"
	LegAgent     = "agent"
)

// TransportError is an abnormal close of one leg of a relayed call.
type TransportError struct {
	SessionID string
	Leg       string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s leg of session %s closed abnormally: %v", e.Leg, e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
