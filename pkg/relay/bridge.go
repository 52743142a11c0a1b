package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/agent"
	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/models"
)

// State is the lifecycle of one telephony leg
type State int

const (
	StateAwaitingMetadata State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingMetadata:
		return "awaiting_metadata"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errProtocolViolation = errors.New("first frame must be JSON session metadata")

// Bridge pairs the telephony leg of one call with its agent leg.
type Bridge struct {
	sessionID string
	session   models.CallSession
	conn      *websocket.Conn
	hub       *Hub

	mu                sync.Mutex
	state             State
	agentReady        bool
	conversationEnded bool
	metadata          map[string]interface{}

	closeOnce sync.Once
	done      chan struct{}
	log       *logrus.Entry
}

func newBridge(hub *Hub, session models.CallSession, conn *websocket.Conn) *Bridge {
	return &Bridge{
		sessionID: session.SessionID,
		session:   session,
		conn:      conn,
		hub:       hub,
		state:     StateAwaitingMetadata,
		done:      make(chan struct{}),
		log:       hub.logger.WithField("session_id", session.SessionID),
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metadata returns the session metadata received as the first frame
func (b *Bridge) Metadata() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metadata
}

// Done is closed once the bridge reaches StateClosed
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// run reads the telephony leg until it closes. It owns the only reader of the connection.
func (b *Bridge) run() {
	if err := b.readMetadata(); err != nil {
		b.log.WithError(err).Warn("Telephony protocol violation")
		b.finish(models.StatusFailed, constants.ReasonProtocolViolation, websocket.CloseProtocolError, "protocol violation")
		return
	}

	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			b.telephonyClosed(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			b.forwardAudio(data)
		case websocket.TextMessage:
			b.handleControl(data)
		}
	}
}

func (b *Bridge) readMetadata() error {
	_ = b.conn.SetReadDeadline(time.Now().Add(b.hub.config.HandshakeTimeout()))
	messageType, data, err := b.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	_ = b.conn.SetReadDeadline(time.Time{})

	if messageType != websocket.TextMessage {
		return errProtocolViolation
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return errProtocolViolation
	}
	if ref := sessionRef(metadata); ref != "" && ref != b.sessionID {
		return fmt.Errorf("metadata references session %q", ref)
	}

	b.mu.Lock()
	b.metadata = metadata
	b.state = StateStreaming
	b.mu.Unlock()

	b.hub.metrics.RelayFrames.WithLabelValues("inbound", "metadata").Inc()
	b.log.WithField("metadata", metadata).Info("Telephony stream started")
	return nil
}

// sessionRef finds the call session id the provider echoes back in the stream metadata.
func sessionRef(metadata map[string]interface{}) string {
	for _, key := range []string{"callid", "client_meta_id", "call_session_id"} {
		if v, ok := metadata[key].(string); ok && v != "" {
			return v
		}
	}
	if nested, ok := metadata["session_metadata"].(map[string]interface{}); ok {
		if v, ok := nested["call_session_id"].(string); ok {
			return v
		}
	}
	return ""
}

func (b *Bridge) forwardAudio(pcm []byte) {
	b.mu.Lock()
	ready := b.agentReady && b.state == StateStreaming
	b.mu.Unlock()

	if !ready {
		b.hub.metrics.RelayFrames.WithLabelValues("inbound", "audio_before_agent").Inc()
		return
	}

	b.hub.metrics.RelayFrames.WithLabelValues("inbound", "audio").Inc()
	b.hub.conversations.SendAudio(b.sessionID, base64.StdEncoding.EncodeToString(pcm))
}

func (b *Bridge) handleControl(data []byte) {
	var frame models.ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		b.log.WithError(err).Warn("Ignoring malformed control frame")
		return
	}
	b.hub.metrics.RelayFrames.WithLabelValues("inbound", "control").Inc()

	switch frame.Type {
	case models.ControlCallStart:
		b.report(models.StatusActive, "")

	case models.ControlCallEnd:
		b.log.Info("Telephony call ended")
		b.report(models.StatusCompleted, "")
		b.finish("", "", websocket.CloseNormalClosure, "call ended")

	case models.ControlDTMF:
		b.log.WithField("digit", frame.Digit).Info("DTMF received")
		if hook := b.hub.dtmfHook(); hook != nil {
			hook(b.sessionID, frame.Digit)
		}

	default:
		b.log.WithField("type", frame.Type).Debug("Unknown control frame")
	}
}

// openAgent opens the agent leg for this call. Runs concurrently with the telephony read loop.
func (b *Bridge) openAgent(ctx context.Context) {
	vars := dynamicVariables(b.session)

	_, err := b.hub.conversations.CreateConversation(ctx, b.sessionID, vars, agent.Handler(b.handleAgentMessage))
	if err != nil {
		b.log.WithError(err).Error("Failed to open agent leg")
		b.finish(models.StatusFailed, constants.ReasonHandshakeFailed, websocket.CloseInternalServerErr, "agent unavailable")
		return
	}

	b.mu.Lock()
	closed := b.state == StateClosed
	if !closed {
		b.agentReady = true
	}
	b.mu.Unlock()

	if closed {
		b.hub.conversations.EndConversation(b.sessionID)
	}
}

func (b *Bridge) handleAgentMessage(msg models.RelayMessage) {
	switch msg.Type {
	case models.RelayAgentAudio:
		b.playAudio(msg.Audio)

	case models.RelayConversationEnded:
		b.mu.Lock()
		b.conversationEnded = true
		b.mu.Unlock()

	case models.RelayAgentClosed:
		b.agentClosed(msg.Err)

	case models.RelayUserTranscript, models.RelayAgentResponse:
		b.log.WithFields(logrus.Fields{
			"type": msg.Type,
			"text": msg.Text,
		}).Debug("Conversation turn")

	case models.RelayAgentAudioEnd:
		b.log.Debug("Agent finished speaking")
	}
}

// playAudio writes an agent audio delta to the telephony leg. Deltas arriving after the leg
// closed are dropped.
func (b *Bridge) playAudio(audio string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		b.hub.metrics.RelayAudioDropped.Inc()
		return
	}

	cmd := models.PlayAudioCommand{
		Type: "playAudio",
		Data: models.PlayAudioData{
			AudioContentType: constants.PlayAudioContentType,
			SampleRate:       constants.TelephonySampleRate,
			AudioContent:     audio,
		},
	}

	_ = b.conn.SetWriteDeadline(time.Now().Add(time.Duration(constants.DefaultRelayWriteTimeoutMS) * time.Millisecond))
	if err := b.conn.WriteJSON(cmd); err != nil {
		b.hub.metrics.RelayAudioDropped.Inc()
		b.log.WithError(err).Debug("Failed to write agent audio to telephony leg")
		return
	}
	b.hub.metrics.RelayFrames.WithLabelValues("outbound", "audio").Inc()
}

func (b *Bridge) telephonyClosed(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		b.log.Info("Telephony leg closed")
		b.finish(models.StatusDisconnected, "", websocket.CloseNormalClosure, "")
		return
	}

	if b.State() == StateClosed {
		return
	}

	terr := &TransportError{SessionID: b.sessionID, Leg: LegTelephony, Err: err}
	b.log.WithError(terr).Warn("Telephony leg lost")
	b.finish(models.StatusFailed, constants.ReasonTelephonyLegError, websocket.CloseInternalServerErr, "")
}

func (b *Bridge) agentClosed(err error) {
	if err != nil {
		terr := &TransportError{SessionID: b.sessionID, Leg: LegAgent, Err: err}
		b.log.WithError(terr).Warn("Agent leg lost")
		b.finish(models.StatusFailed, constants.ReasonAgentLegError, websocket.CloseInternalServerErr, "agent unavailable")
		return
	}

	b.mu.Lock()
	ended := b.conversationEnded
	b.mu.Unlock()

	status := models.StatusDisconnected
	if ended {
		status = models.StatusCompleted
	}
	b.finish(status, "", websocket.CloseNormalClosure, "conversation ended")
}

// finish moves the bridge to StateClosed once: it closes the telephony leg with code, ends the
// agent leg and reports status (skipped when empty).
func (b *Bridge) finish(status models.CallStatus, reason string, code int, text string) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state = StateClosed
		b.agentReady = false
		_ = b.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
		b.mu.Unlock()
		_ = b.conn.Close()

		b.hub.conversations.EndConversation(b.sessionID)
		if status != "" {
			b.report(status, reason)
		}
		b.hub.untrack(b)
		close(b.done)

		b.log.WithFields(logrus.Fields{
			"status": status,
			"reason": reason,
			"code":   code,
		}).Info("Relay closed")
	})
}

func (b *Bridge) report(status models.CallStatus, reason string) {
	b.hub.reporter.HandleStatusUpdate(context.Background(), b.sessionID, models.StatusUpdate{
		Status: status,
		Reason: reason,
	})
}

// dynamicVariables builds the agent context for a call from the patient record.
func dynamicVariables(session models.CallSession) map[string]interface{} {
	patient := session.PatientData
	vars := make(map[string]interface{}, len(patient.CRMData)+4)
	for k, v := range patient.CRMData {
		vars[k] = v
	}

	treatment := patient.TreatmentType
	if treatment == "" {
		treatment = "general consultation"
	}
	vars["patient_name"] = patient.Name
	vars["patient_phone"] = patient.PhoneNumber
	vars["treatment_type"] = treatment
	vars["call_session_id"] = session.SessionID
	return vars
}
