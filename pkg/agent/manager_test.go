package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

// fakeProvider is a voice-agent provider that runs script on every accepted connection.
type fakeProvider struct {
	server *httptest.Server
	query  chan string
	apiKey chan string
}

func newFakeProvider(t *testing.T, script func(conn *websocket.Conn)) *fakeProvider {
	t.Helper()

	p := &fakeProvider{query: make(chan string, 4), apiKey: make(chan string, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.query <- r.URL.Query().Get("agent_id")
		p.apiKey <- r.Header.Get("xi-api-key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) url() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http")
}

type fakeRecorder struct {
	mu          sync.Mutex
	transcripts []string
	completed   map[string]interface{}
}

func (r *fakeRecorder) SaveTranscript(ctx context.Context, sessionID, transcript string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts = append(r.transcripts, transcript)
}

func (r *fakeRecorder) CompleteConversation(ctx context.Context, sessionID string, patient map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = patient
}

func newTestManager(t *testing.T, agentURL string, recorder Recorder) (*Manager, *config.Config) {
	t.Helper()

	cfg := config.Default()
	cfg.AgentURL = agentURL
	cfg.AgentID = "agent-1"
	cfg.AgentAPIKey = "xi-secret"
	cfg.AgentGreeting = ""
	cfg.AgentHandshakeTimeoutMS = 2000

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return NewManager(cfg, recorder, logger, metrics.NewMetrics(prometheus.NewRegistry())), cfg
}

// acceptHandshake reads the initiation message and acknowledges it.
func acceptHandshake(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	var init map[string]interface{}
	if err := conn.ReadJSON(&init); err != nil {
		t.Errorf("reading initiation: %v", err)
		return nil
	}
	_ = conn.WriteJSON(map[string]interface{}{
		"type": "conversation_initiation_metadata",
		"conversation_initiation_metadata_event": map[string]interface{}{
			"conversation_id":           "conv-123",
			"agent_output_audio_format": "pcm_16000",
		},
	})
	return init
}

type messageLog struct {
	ch chan models.RelayMessage
}

func newMessageLog() *messageLog {
	return &messageLog{ch: make(chan models.RelayMessage, 32)}
}

func (l *messageLog) handler(msg models.RelayMessage) {
	l.ch <- msg
}

func (l *messageLog) next(t *testing.T) models.RelayMessage {
	t.Helper()
	select {
	case msg := <-l.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay message")
		return models.RelayMessage{}
	}
}

func TestCreateConversation_Handshake(t *testing.T) {
	initCh := make(chan map[string]interface{}, 1)
	greetingCh := make(chan map[string]interface{}, 1)
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		initCh <- acceptHandshake(t, conn)
		var greeting map[string]interface{}
		if err := conn.ReadJSON(&greeting); err == nil {
			greetingCh <- greeting
		}
		conn.ReadMessage()
	})

	manager, cfg := newTestManager(t, provider.url(), nil)
	cfg.AgentGreeting = "Hi"
	defer manager.Shutdown()

	session, err := manager.CreateConversation(context.Background(), "sess-1", map[string]interface{}{"treatment_type": "physiotherapy"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "conv-123", session.ConversationID)
	assert.Equal(t, "pcm_16000", session.AudioFormat)
	assert.True(t, session.Active)
	assert.Equal(t, "agent-1", <-provider.query)
	assert.Equal(t, "xi-secret", <-provider.apiKey)

	init := <-initCh
	assert.Equal(t, "conversation_initiation_client_data", init["type"])
	assert.Equal(t, "sess-1", init["conversation_initiation_metadata"].(map[string]interface{})["user_id"])
	assert.Equal(t, "physiotherapy", init["dynamic_variables"].(map[string]interface{})["treatment_type"])

	select {
	case greeting := <-greetingCh:
		assert.Equal(t, "Hi", greeting["user_text"])
	case <-time.After(2 * time.Second):
		t.Fatal("greeting not sent")
	}

	open, ok := manager.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, "conv-123", open.ConversationID)
	assert.Equal(t, 1, manager.ActiveCount())
}

func TestCreateConversation_HandshakeTimeout(t *testing.T) {
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		conn.ReadMessage()
		time.Sleep(500 * time.Millisecond)
	})

	manager, cfg := newTestManager(t, provider.url(), nil)
	cfg.AgentHandshakeTimeoutMS = 100

	_, err := manager.CreateConversation(context.Background(), "sess-2", nil, nil)
	require.Error(t, err)

	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, "sess-2", hsErr.SessionID)
	assert.Equal(t, "handshake", hsErr.Stage)
	assert.Equal(t, 0, manager.ActiveCount())
}

func TestCreateConversation_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	manager, _ := newTestManager(t, url, nil)

	_, err := manager.CreateConversation(context.Background(), "sess-3", nil, nil)

	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, "dial", hsErr.Stage)
}

func TestConversation_PingAnsweredWithSameID(t *testing.T) {
	pongCh := make(chan map[string]interface{}, 1)
	pongSeen := make(chan struct{})
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn)
		conn.WriteJSON(map[string]interface{}{"type": "ping", "ping_event": map[string]interface{}{"event_id": 42, "ping_ms": 10}})
		conn.WriteJSON(map[string]interface{}{"type": "agent_response", "agent_response_event": map[string]interface{}{"agent_response": "Hello"}})

		var pong map[string]interface{}
		if err := conn.ReadJSON(&pong); err == nil {
			pongCh <- pong
			close(pongSeen)
		}
		conn.ReadMessage()
	})

	manager, _ := newTestManager(t, provider.url(), nil)
	defer manager.Shutdown()

	// the agent_response handler holds the read loop until the provider has the pong; a pong
	// written after the handler would never arrive
	var mu sync.Mutex
	var order []string
	messages := newMessageLog()
	handler := func(msg models.RelayMessage) {
		if msg.Type == models.RelayAgentResponse {
			select {
			case <-pongSeen:
				mu.Lock()
				order = append(order, "pong")
				mu.Unlock()
			case <-time.After(time.Second):
			}
			mu.Lock()
			order = append(order, string(msg.Type))
			mu.Unlock()
		}
		messages.handler(msg)
	}

	_, err := manager.CreateConversation(context.Background(), "sess-4", nil, handler)
	require.NoError(t, err)

	msg := messages.next(t)
	assert.Equal(t, models.RelayAgentResponse, msg.Type)
	assert.Equal(t, "Hello", msg.Text)

	mu.Lock()
	assert.Equal(t, []string{"pong", string(models.RelayAgentResponse)}, order)
	mu.Unlock()

	select {
	case pong := <-pongCh:
		event := pong["pong_event"].(map[string]interface{})
		assert.Equal(t, float64(42), event["event_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("pong not received")
	}
}

func TestConversation_EventTranslation(t *testing.T) {
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn)
		conn.WriteJSON(map[string]interface{}{"type": "user_transcript", "user_transcription_event": map[string]interface{}{"user_transcript": "my knee hurts"}})
		conn.WriteJSON(map[string]interface{}{"type": "agent_response_audio_delta", "agent_response_audio_delta_event": map[string]interface{}{"delta_audio_base_64": "AAEC"}})
		conn.WriteJSON(map[string]interface{}{"type": "audio", "audio_event": map[string]interface{}{"audio_base_64": "AwQF", "event_id": 3}})
		conn.WriteJSON(map[string]interface{}{"type": "agent_response_audio_end"})
		conn.WriteJSON(map[string]interface{}{"type": "something_new"})
		conn.WriteJSON(map[string]interface{}{"type": "conversation_end"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage()
	})

	recorder := &fakeRecorder{}
	manager, _ := newTestManager(t, provider.url(), recorder)
	defer manager.Shutdown()

	messages := newMessageLog()
	vars := map[string]interface{}{"patientName": "Asha"}
	_, err := manager.CreateConversation(context.Background(), "sess-5", vars, messages.handler)
	require.NoError(t, err)

	msg := messages.next(t)
	assert.Equal(t, models.RelayUserTranscript, msg.Type)
	assert.Equal(t, "my knee hurts", msg.Text)

	msg = messages.next(t)
	assert.Equal(t, models.RelayAgentAudio, msg.Type)
	assert.Equal(t, "AAEC", msg.Audio)

	msg = messages.next(t)
	assert.Equal(t, models.RelayAgentAudio, msg.Type)
	assert.Equal(t, "AwQF", msg.Audio)

	assert.Equal(t, models.RelayAgentAudioEnd, messages.next(t).Type)
	assert.Equal(t, models.RelayConversationEnded, messages.next(t).Type)

	closed := messages.next(t)
	assert.Equal(t, models.RelayAgentClosed, closed.Type)
	assert.NoError(t, closed.Err, "normal close is not an error")

	recorder.mu.Lock()
	assert.Equal(t, []string{"my knee hurts"}, recorder.transcripts)
	assert.Equal(t, vars, recorder.completed)
	recorder.mu.Unlock()

	assert.Eventually(t, func() bool { return manager.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConversation_AbnormalRemoteClose(t *testing.T) {
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn)
		// drop the TCP connection without a close frame
		conn.UnderlyingConn().Close()
	})

	manager, _ := newTestManager(t, provider.url(), nil)
	messages := newMessageLog()
	_, err := manager.CreateConversation(context.Background(), "sess-6", nil, messages.handler)
	require.NoError(t, err)

	closed := messages.next(t)
	assert.Equal(t, models.RelayAgentClosed, closed.Type)
	assert.Error(t, closed.Err)

	_, ok := manager.Session("sess-6")
	assert.False(t, ok)
}

func TestSendAudioAndText(t *testing.T) {
	received := make(chan map[string]interface{}, 4)
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn)
		for i := 0; i < 2; i++ {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
		conn.ReadMessage()
	})

	manager, _ := newTestManager(t, provider.url(), nil)
	defer manager.Shutdown()

	_, err := manager.CreateConversation(context.Background(), "sess-7", nil, nil)
	require.NoError(t, err)

	manager.SendAudio("sess-7", "UENNREFUQQ==")
	manager.SendText("sess-7", "my name is Asha")

	first := <-received
	second := <-received
	assert.Equal(t, "UENNREFUQQ==", first["user_audio_chunk"])
	assert.Equal(t, "my name is Asha", second["user_text"])

	// no session: warning only
	assert.NotPanics(t, func() {
		manager.SendAudio("missing", "AAAA")
		manager.SendText("missing", "hello")
	})
}

func TestEndConversation_Idempotent(t *testing.T) {
	provider := newFakeProvider(t, func(conn *websocket.Conn) {
		acceptHandshake(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	manager, _ := newTestManager(t, provider.url(), nil)
	messages := newMessageLog()
	_, err := manager.CreateConversation(context.Background(), "sess-8", nil, messages.handler)
	require.NoError(t, err)

	manager.EndConversation("sess-8")
	manager.EndConversation("sess-8")
	manager.EndConversation("never-opened")

	_, ok := manager.Session("sess-8")
	assert.False(t, ok)
	assert.Equal(t, 0, manager.ActiveCount())

	select {
	case msg := <-messages.ch:
		t.Fatalf("local close must not be reported, got %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}

	assert.NotPanics(t, func() { manager.SendAudio("sess-8", "AAAA") })
}

func TestBuildAgentURL(t *testing.T) {
	u, err := buildAgentURL("wss://api.example.com/v1/convai/conversation", "agent-9")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/v1/convai/conversation?agent_id=agent-9", u)

	u, err = buildAgentURL("ws://localhost:9000/agent?debug=1", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/agent?debug=1", u)
}

func TestInboundEventDecoding(t *testing.T) {
	var event inboundEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"user_transcript","user_transcript_event":{"user_transcript":"legacy shape"}}`), &event))
	assert.Equal(t, "legacy shape", event.transcript())

	event = inboundEvent{}
	require.NoError(t, json.Unmarshal([]byte(`{"type":"audio","audio_event":{"audio_base_64":"QQ=="}}`), &event))
	assert.Equal(t, "QQ==", event.audio())
}
