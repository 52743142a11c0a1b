package constants

import "time"

// Retry policy for status-driven dial failures
const (
	// MaxDialAttempts - ceiling on dial attempts per phone number, initial dial included
	MaxDialAttempts = 3

	// DefaultRetryDelaySeconds - wait before redialing after no_answer/busy
	DefaultRetryDelaySeconds = 300
)

// Session lifetime
const (
	// DefaultPurgeDelaySeconds - grace window a terminal session stays readable
	DefaultPurgeDelaySeconds = 300

	// DefaultCleanupIntervalSeconds - cleanup sweep period
	DefaultCleanupIntervalSeconds = 300

	// DefaultMaxSessionAgeSeconds - sessions idle longer than this are evicted regardless of status
	DefaultMaxSessionAgeSeconds = 24 * 60 * 60

	// DefaultStaleLegGraceSeconds - connected sessions without a live telephony leg for this long are closed by the sweep
	DefaultStaleLegGraceSeconds = 60
)

// Provider timeouts
const (
	DefaultDialTimeoutSeconds      = 30
	DefaultHandshakeTimeoutSeconds = 10
	DefaultAgentWriteTimeoutMS     = 5000
	DefaultRelayWriteTimeoutMS     = 5000
)

// Audio
const (
	// TelephonySampleRate - 16-bit PCM mono on the telephony leg
	TelephonySampleRate  = 16000
	StreamSamplingRate   = "16k"
	PlayAudioContentType = "raw"
)

// Failure reasons recorded on sessions
const (
	ReasonMaxAttempts       = "max_attempts_reached"
	ReasonProtocolViolation = "protocol_violation"
	ReasonHandshakeFailed   = "agent_handshake_failed"
	ReasonStaleLeg          = "telephony_leg_lost"
	ReasonTelephonyLegError = "telephony_transport_error"
	ReasonAgentLegError     = "agent_transport_error"
)

// Redis keys
const (
	CallEventsStream    = "call_status_events"
	CallEventsMaxLength = 10000
)

// Configuration environment variable names
const (
	EnvConfigFile = "CONFIG_FILE"
)

func SecondsToMilliseconds(seconds int) int64 {
	return int64(seconds * 1000)
}

func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
