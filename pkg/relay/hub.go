package relay

import (
	"context"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/agent"
	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

const dialPollInterval = 20 * time.Millisecond

// Conversations opens and drives agent legs
type Conversations interface {
	CreateConversation(ctx context.Context, sessionID string, vars map[string]interface{}, handler agent.Handler) (models.AgentSession, error)
	SendAudio(sessionID, pcmBase64 string)
	EndConversation(sessionID string)
}

// StatusReporter applies call status changes
type StatusReporter interface {
	HandleStatusUpdate(ctx context.Context, sessionID string, update models.StatusUpdate) bool
}

// Sessions gives read access to the call sessions
type Sessions interface {
	Get(sessionID string) (models.CallSession, bool)
	ListActive() []models.CallSession
}

// DTMFHook is called for every DTMF digit received on a telephony leg
type DTMFHook func(sessionID, digit string)

// Hub accepts telephony stream connections on /call-stream/{sessionId} and runs one Bridge per
// call.
type Hub struct {
	config        *config.Config
	sessions      Sessions
	conversations Conversations
	reporter      StatusReporter
	upgrader      websocket.Upgrader

	mu      sync.RWMutex
	bridges map[string]*Bridge
	onDTMF  DTMFHook

	ctx    context.Context
	cancel context.CancelFunc

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewHub(config *config.Config, sessions Sessions, conversations Conversations, reporter StatusReporter, logger *logrus.Logger, metrics *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		config:        config,
		sessions:      sessions,
		conversations: conversations,
		reporter:      reporter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		bridges: make(map[string]*Bridge),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
	}
}

// OnDTMF installs the DTMF hook
func (h *Hub) OnDTMF(hook DTMFHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDTMF = hook
}

func (h *Hub) dtmfHook() DTMFHook {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onDTMF
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	if sessionID == "" {
		sessionID = path.Base(r.URL.Path)
	}
	log := h.logger.WithField("session_id", sessionID)

	session, ok := h.sessions.Get(sessionID)
	if !ok {
		log.Warn("Telephony stream for unknown session rejected")
		http.Error(w, "unknown call session", http.StatusNotFound)
		return
	}
	if session.Status.Terminal() {
		log.WithField("status", session.Status).Warn("Telephony stream for finished session rejected")
		http.Error(w, "call session already finished", http.StatusConflict)
		return
	}
	if _, exists := h.Bridge(sessionID); exists {
		http.Error(w, "call session already streaming", http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Telephony stream upgrade failed")
		return
	}

	bridge := newBridge(h, session, conn)
	if !h.track(bridge) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already streaming"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	log.Info("Telephony leg connected")
	if status := h.awaitDialResponse(sessionID); status == models.StatusInitiating {
		log.Warn("Dial response still pending, connected report will be refused")
	}
	h.reporter.HandleStatusUpdate(h.ctx, sessionID, models.StatusUpdate{Status: models.StatusConnected})

	go bridge.openAgent(h.ctx)
	bridge.run()
}

// awaitDialResponse holds a stream that arrived before the dial response until its session
// leaves initiating, bounded by the dial timeout. Frames queue on the socket meanwhile.
func (h *Hub) awaitDialResponse(sessionID string) models.CallStatus {
	wait := h.config.DialTimeout()
	if wait <= 0 {
		wait = constants.SecondsToDuration(constants.DefaultDialTimeoutSeconds)
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(dialPollInterval)
	defer ticker.Stop()

	for {
		session, ok := h.sessions.Get(sessionID)
		if !ok || session.Status != models.StatusInitiating {
			return session.Status
		}
		select {
		case <-h.ctx.Done():
			return session.Status
		case <-deadline.C:
			return session.Status
		case <-ticker.C:
		}
	}
}

// Bridge returns the live bridge of a session
func (h *Hub) Bridge(sessionID string) (*Bridge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bridges[sessionID]
	return b, ok
}

func (h *Hub) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bridges)
}

func (h *Hub) track(b *Bridge) bool {
	h.mu.Lock()
	if _, exists := h.bridges[b.sessionID]; exists {
		h.mu.Unlock()
		return false
	}
	h.bridges[b.sessionID] = b
	count := len(h.bridges)
	h.mu.Unlock()

	h.metrics.RelayBridgesActive.Set(float64(count))
	return true
}

func (h *Hub) untrack(b *Bridge) {
	h.mu.Lock()
	if current, ok := h.bridges[b.sessionID]; ok && current == b {
		delete(h.bridges, b.sessionID)
	}
	count := len(h.bridges)
	h.mu.Unlock()

	h.metrics.RelayBridgesActive.Set(float64(count))
}

// Sweep closes out connected or active sessions that have had no telephony leg for longer than
// the stale-leg grace period. It returns the number of sessions marked disconnected.
func (h *Hub) Sweep(now time.Time) int {
	grace := h.config.StaleLegGrace()
	closed := 0

	for _, session := range h.sessions.ListActive() {
		if !session.Status.Live() {
			continue
		}
		if _, live := h.Bridge(session.SessionID); live {
			continue
		}
		if now.Sub(session.LastUpdate) < grace {
			continue
		}

		if h.reporter.HandleStatusUpdate(context.Background(), session.SessionID, models.StatusUpdate{
			Status: models.StatusDisconnected,
			Reason: constants.ReasonStaleLeg,
		}) {
			closed++
		}
	}

	if closed > 0 {
		h.logger.WithField("closed_count", closed).Info("Closed sessions without a telephony leg")
	}
	return closed
}

// Shutdown closes every relayed call and aborts agent handshakes in flight.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.RLock()
	bridges := make([]*Bridge, 0, len(h.bridges))
	for _, b := range h.bridges {
		bridges = append(bridges, b)
	}
	h.mu.RUnlock()

	for _, b := range bridges {
		b.finish(models.StatusDisconnected, "", websocket.CloseGoingAway, "server shutting down")
	}
}
