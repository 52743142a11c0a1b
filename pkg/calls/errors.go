package calls

import (
	"errors"
	"fmt"
	"strings"

	"outbound-intake-relay/pkg/telephony"
)

// ValidationError reports missing required patient fields. No session is created.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required patient fields: %s", strings.Join(e.Fields, ", "))
}

// AttemptsExhaustedError refuses a dial for a phone number that already used every attempt.
// The refused session is recorded as failed with max_attempts_reached.
type AttemptsExhaustedError struct {
	SessionID   string
	PhoneNumber string
	Attempts    int
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("phone number %s already dialed %d times", e.PhoneNumber, e.Attempts)
}

// ProviderDialError is a telephony provider failure during dial, carrying the provider's answer
// verbatim. Dial errors of this class are never retried automatically.
type ProviderDialError struct {
	SessionID  string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderDialError) Error() string {
	return fmt.Sprintf("dial failed for session %s: %v", e.SessionID, e.Err)
}

func (e *ProviderDialError) Unwrap() error {
	return e.Err
}

func newProviderDialError(sessionID string, err error) *ProviderDialError {
	dialErr := &ProviderDialError{SessionID: sessionID, Message: err.Error(), Err: err}

	var perr *telephony.ProviderError
	if errors.As(err, &perr) {
		dialErr.StatusCode = perr.StatusCode
		dialErr.Code = perr.Code
		dialErr.Message = perr.Message
	}
	return dialErr
}
