package agent

import (
	"fmt"
	"net/url"
	"strings"
)

// Inbound event types sent by the voice-agent provider
const (
	eventInitiationMetadata = "conversation_initiation_metadata"
	eventUserTranscript     = "user_transcript"
	eventAgentResponse      = "agent_response"
	eventAgentCorrection    = "agent_response_correction"
	eventAudioDelta         = "agent_response_audio_delta"
	eventAudio              = "audio"
	eventAudioEnd           = "agent_response_audio_end"
	eventConversationEnd    = "conversation_end"
	eventPing               = "ping"
)

const initiationClientData = "conversation_initiation_client_data"

type initiationMessage struct {
	Type                           string                 `json:"type"`
	ConversationInitiationMetadata initiationUser         `json:"conversation_initiation_metadata"`
	DynamicVariables               map[string]interface{} `json:"dynamic_variables,omitempty"`
}

type initiationUser struct {
	UserID string `json:"user_id"`
}

type inboundEvent struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID         string `json:"conversation_id"`
		AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`
	UserTranscriptEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcript_event,omitempty"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	AudioDelta *struct {
		DeltaAudioBase64 string `json:"delta_audio_base_64"`
	} `json:"agent_response_audio_delta_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms,omitempty"`
	} `json:"ping_event,omitempty"`
}

func (e *inboundEvent) transcript() string {
	if e.UserTranscription != nil {
		return e.UserTranscription.UserTranscript
	}
	if e.UserTranscriptEvent != nil {
		return e.UserTranscriptEvent.UserTranscript
	}
	return ""
}

func (e *inboundEvent) agentText() string {
	if e.AgentResponse != nil {
		return e.AgentResponse.AgentResponse
	}
	return ""
}

func (e *inboundEvent) audio() string {
	if e.AudioDelta != nil && e.AudioDelta.DeltaAudioBase64 != "" {
		return e.AudioDelta.DeltaAudioBase64
	}
	if e.Audio != nil {
		return e.Audio.AudioBase64
	}
	return ""
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type userText struct {
	UserText string `json:"user_text"`
}

type pongMessage struct {
	Type      string    `json:"type"`
	PongEvent pongEvent `json:"pong_event"`
}

type pongEvent struct {
	EventID int64 `json:"event_id"`
}

func newPong(eventID int64) pongMessage {
	return pongMessage{Type: "pong", PongEvent: pongEvent{EventID: eventID}}
}

// buildAgentURL adds the agent id to the provider conversation endpoint.
func buildAgentURL(base, agentID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid agent url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if agentID != "" {
		q := u.Query()
		q.Set("agent_id", agentID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
