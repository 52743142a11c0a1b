package models

// RelayMessageType identifies an agent event translated for the relay
type RelayMessageType string

const (
	RelayUserTranscript    RelayMessageType = "user_transcript"
	RelayAgentResponse     RelayMessageType = "agent_response"
	RelayAgentAudio        RelayMessageType = "agent_audio"
	RelayAgentAudioEnd     RelayMessageType = "agent_audio_end"
	RelayConversationEnded RelayMessageType = "conversation_ended"
	RelayAgentClosed       RelayMessageType = "agent_closed"
)

// RelayMessage is what the agent manager hands to the per-session relay handler
type RelayMessage struct {
	Type  RelayMessageType
	Text  string
	Audio string // base64 PCM
	Err   error  // set on abnormal agent_closed
}

// Telephony control frame types
const (
	ControlCallStart = "call_start"
	ControlCallEnd   = "call_end"
	ControlDTMF      = "dtmf"
)

// ControlFrame is a JSON text frame on the telephony leg after metadata
type ControlFrame struct {
	Type  string `json:"type"`
	Digit string `json:"digit,omitempty"`
}

// PlayAudioCommand asks the telephony provider to play agent audio to the callee
type PlayAudioCommand struct {
	Type string        `json:"type"`
	Data PlayAudioData `json:"data"`
}

type PlayAudioData struct {
	AudioContentType string `json:"audioContentType"`
	SampleRate       int    `json:"sampleRate"`
	AudioContent     string `json:"audioContent"`
}
