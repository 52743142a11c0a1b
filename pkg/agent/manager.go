package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

// Handler receives the relay messages of one conversation, in agent event order.
type Handler func(msg models.RelayMessage)

// Recorder persists what the agent learns during a conversation
type Recorder interface {
	SaveTranscript(ctx context.Context, sessionID, transcript string)
	CompleteConversation(ctx context.Context, sessionID string, patient map[string]interface{})
}

// Manager owns the agent legs, one per call session. Handlers are registered per session at
// creation; there is no shared handler.
type Manager struct {
	config   *config.Config
	dialer   *websocket.Dialer
	recorder Recorder

	mu            sync.RWMutex
	conversations map[string]*conversation

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewManager(config *config.Config, recorder Recorder, logger *logrus.Logger, metrics *metrics.Metrics) *Manager {
	return &Manager{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout(),
		},
		recorder:      recorder,
		conversations: make(map[string]*conversation),
		logger:        logger,
		metrics:       metrics,
	}
}

// CreateConversation opens the agent leg for a call session and returns once the provider has
// acknowledged the handshake. vars are passed to the agent as dynamic variables.
func (m *Manager) CreateConversation(ctx context.Context, sessionID string, vars map[string]interface{}, handler Handler) (models.AgentSession, error) {
	start := time.Now()
	log := m.logger.WithField("session_id", sessionID)

	if handler == nil {
		handler = func(models.RelayMessage) {}
	}

	m.EndConversation(sessionID)

	hsCtx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout())
	defer cancel()

	endpoint, err := buildAgentURL(m.config.AgentURL, m.config.AgentID)
	if err != nil {
		return models.AgentSession{}, &HandshakeError{SessionID: sessionID, Stage: "config", Err: err}
	}

	header := http.Header{}
	if m.config.AgentAPIKey != "" {
		header.Set("xi-api-key", m.config.AgentAPIKey)
	}

	conn, _, err := m.dialer.DialContext(hsCtx, endpoint, header)
	if err != nil {
		return models.AgentSession{}, &HandshakeError{SessionID: sessionID, Stage: "dial", Err: err}
	}

	// Unblocks the handshake read when ctx is cancelled before its deadline.
	stop := context.AfterFunc(hsCtx, func() { conn.Close() })

	info, err := m.handshake(hsCtx, conn, sessionID, vars)
	if !stop() && err == nil {
		err = hsCtx.Err()
	}
	if err != nil {
		conn.Close()
		log.WithError(err).Error("Agent handshake failed")
		return models.AgentSession{}, &HandshakeError{SessionID: sessionID, Stage: "handshake", Err: err}
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	conv := &conversation{
		info:     info,
		vars:     vars,
		conn:     conn,
		handler:  handler,
		manager:  m,
		outbound: make(chan interface{}, outboundQueueSize),
		done:     make(chan struct{}),
		log: log.WithFields(logrus.Fields{
			"conversation_id": info.ConversationID,
		}),
	}

	m.mu.Lock()
	m.conversations[sessionID] = conv
	count := len(m.conversations)
	m.mu.Unlock()

	m.metrics.AgentSessionsActive.Set(float64(count))
	m.metrics.AgentHandshakeDuration.Observe(time.Since(start).Seconds())

	go conv.readLoop()
	go conv.writeLoop()

	if greeting := m.config.AgentGreeting; greeting != "" {
		conv.enqueue(userText{UserText: greeting})
	}

	conv.log.WithFields(logrus.Fields{
		"audio_format": info.AudioFormat,
		"duration":     time.Since(start),
	}).Info("Agent conversation started")

	return info, nil
}

// handshake sends the initiation message and waits for the provider's metadata event.
// Pings received before the metadata are answered.
func (m *Manager) handshake(ctx context.Context, conn *websocket.Conn, sessionID string, vars map[string]interface{}) (models.AgentSession, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	init := initiationMessage{
		Type:                           initiationClientData,
		ConversationInitiationMetadata: initiationUser{UserID: sessionID},
		DynamicVariables:               vars,
	}
	if err := conn.WriteJSON(init); err != nil {
		return models.AgentSession{}, fmt.Errorf("sending initiation: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return models.AgentSession{}, fmt.Errorf("waiting for initiation metadata: %w", err)
		}

		var event inboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		switch event.Type {
		case eventInitiationMetadata:
			if event.InitiationMetadata == nil {
				return models.AgentSession{}, errors.New("initiation metadata event without payload")
			}
			return models.AgentSession{
				SessionID:      sessionID,
				ConversationID: event.InitiationMetadata.ConversationID,
				AudioFormat:    event.InitiationMetadata.AgentOutputAudioFormat,
				Active:         true,
				CreatedAt:      time.Now(),
			}, nil
		case eventPing:
			if event.Ping != nil {
				if err := conn.WriteJSON(newPong(event.Ping.EventID)); err != nil {
					return models.AgentSession{}, fmt.Errorf("answering ping: %w", err)
				}
			}
		}
	}
}

// SendAudio forwards a base64 PCM chunk to the session's agent. Without an open session it
// logs a warning and does nothing.
func (m *Manager) SendAudio(sessionID, pcmBase64 string) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		m.logger.WithField("session_id", sessionID).Warn("No agent session for audio, dropping chunk")
		return
	}
	conv.enqueue(userAudioChunk{UserAudioChunk: pcmBase64})
}

// SendText forwards user text to the session's agent. Without an open session it logs a
// warning and does nothing.
func (m *Manager) SendText(sessionID, text string) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		m.logger.WithField("session_id", sessionID).Warn("No agent session for text, dropping message")
		return
	}
	conv.enqueue(userText{UserText: text})
}

// EndConversation closes the session's agent leg. Safe to call any number of times.
func (m *Manager) EndConversation(sessionID string) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		return
	}
	conv.close(true, nil)
}

// Session returns the agent session for a call session, if open.
func (m *Manager) Session(sessionID string) (models.AgentSession, bool) {
	conv, ok := m.lookup(sessionID)
	if !ok {
		return models.AgentSession{}, false
	}
	return conv.info, true
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// Shutdown closes every open agent leg.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	open := make([]*conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		open = append(open, conv)
	}
	m.mu.RUnlock()

	for _, conv := range open {
		conv.close(true, nil)
	}
}

func (m *Manager) lookup(sessionID string) (*conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[sessionID]
	return conv, ok
}

// release forgets conv if it is still the session's registered leg.
func (m *Manager) release(conv *conversation) {
	m.mu.Lock()
	if current, ok := m.conversations[conv.info.SessionID]; ok && current == conv {
		delete(m.conversations, conv.info.SessionID)
	}
	count := len(m.conversations)
	m.mu.Unlock()

	m.metrics.AgentSessionsActive.Set(float64(count))
}
