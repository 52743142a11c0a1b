package models

import "time"

// CallStatus is the lifecycle state of one dial attempt
type CallStatus string

const (
	StatusInitiating   CallStatus = "initiating"
	StatusDialing      CallStatus = "dialing"
	StatusConnected    CallStatus = "connected"
	StatusActive       CallStatus = "active"
	StatusCompleted    CallStatus = "completed"
	StatusFailed       CallStatus = "failed"
	StatusDisconnected CallStatus = "disconnected"
	StatusNoAnswer     CallStatus = "no_answer"
	StatusBusy         CallStatus = "busy"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []CallStatus{
	StatusInitiating,
	StatusDialing,
	StatusConnected,
	StatusActive,
	StatusCompleted,
	StatusFailed,
	StatusDisconnected,
	StatusNoAnswer,
	StatusBusy,
}

func (s CallStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are accepted
func (s CallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDisconnected
}

// Retryable reports whether the status makes the phone number eligible for a redial
func (s CallStatus) Retryable() bool {
	return s == StatusNoAnswer || s == StatusBusy
}

// Live reports whether the telephony leg is up
func (s CallStatus) Live() bool {
	return s == StatusConnected || s == StatusActive
}

// PatientData is the CRM record a call is placed for. Immutable once a session is created.
type PatientData struct {
	ID            string                 `json:"id,omitempty"`
	PhoneNumber   string                 `json:"phoneNumber"`
	Name          string                 `json:"name"`
	TreatmentType string                 `json:"treatmentType,omitempty"`
	CRMData       map[string]interface{} `json:"crmData,omitempty"`
}

// CallSession represents one dial attempt and its lifecycle
type CallSession struct {
	SessionID      string                 `json:"session_id"`
	PatientData    PatientData            `json:"patient_data"`
	Status         CallStatus             `json:"status"`
	Attempts       int                    `json:"attempts"`
	ProviderCallID string                 `json:"provider_call_id,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	StreamMetadata map[string]interface{} `json:"stream_metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ConnectedAt    *time.Time             `json:"connected_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	FailedAt       *time.Time             `json:"failed_at,omitempty"`
	LastUpdate     time.Time              `json:"last_update"`
}

// SessionPatch carries the fields of a partial session update. Nil fields are left untouched.
type SessionPatch struct {
	Status         *CallStatus
	ProviderCallID *string
	FailureReason  *string
	StreamMetadata map[string]interface{}
}

// StatusUpdate is a status report from the provider webhook, the relay or the dialer
type StatusUpdate struct {
	Status         CallStatus             `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
	ProviderCallID string                 `json:"provider_call_id,omitempty"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// StatusEvent is emitted for every accepted status transition
type StatusEvent struct {
	SessionID   string     `json:"session_id"`
	PhoneNumber string     `json:"phone_number"`
	From        CallStatus `json:"from"`
	To          CallStatus `json:"to"`
	Reason      string     `json:"reason,omitempty"`
	Attempts    int        `json:"attempts"`
	At          time.Time  `json:"at"`
}

// CallStats counts registry sessions by status
type CallStats struct {
	Total    int                `json:"total"`
	ByStatus map[CallStatus]int `json:"by_status"`
}

// AgentSession is the voice-agent leg of one call
type AgentSession struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	AudioFormat    string    `json:"audio_format"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}
