package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/models"
)

const outboundQueueSize = 256

// conversation is one open agent leg. The read loop is the only reader; the write loop and
// synchronous pongs share writeMu.
type conversation struct {
	info    models.AgentSession
	vars    map[string]interface{}
	conn    *websocket.Conn
	handler Handler
	manager *Manager

	writeMu  sync.Mutex
	outbound chan interface{}
	done     chan struct{}

	closeOnce sync.Once
	log       *logrus.Entry
}

func (c *conversation) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close(false, classifyReadError(err))
			return
		}

		var event inboundEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.WithError(err).Warn("Ignoring malformed agent event")
			continue
		}
		c.dispatch(&event)
	}
}

// dispatch handles one inbound event. Pings are answered before the next read.
func (c *conversation) dispatch(event *inboundEvent) {
	c.manager.metrics.AgentEventsReceived.WithLabelValues(event.Type).Inc()

	switch event.Type {
	case eventPing:
		var id int64
		if event.Ping != nil {
			id = event.Ping.EventID
		}
		if err := c.writeJSON(newPong(id)); err != nil {
			c.log.WithError(err).WithField("event_id", id).Warn("Failed to answer agent ping")
		}

	case eventUserTranscript:
		text := event.transcript()
		if text == "" {
			return
		}
		c.log.WithField("transcript", text).Debug("User transcript")
		if c.manager.recorder != nil {
			c.manager.recorder.SaveTranscript(context.Background(), c.info.SessionID, text)
		}
		c.handler(models.RelayMessage{Type: models.RelayUserTranscript, Text: text})

	case eventAgentResponse:
		if text := event.agentText(); text != "" {
			c.handler(models.RelayMessage{Type: models.RelayAgentResponse, Text: text})
		}

	case eventAudioDelta, eventAudio:
		if audio := event.audio(); audio != "" {
			c.handler(models.RelayMessage{Type: models.RelayAgentAudio, Audio: audio})
		}

	case eventAudioEnd:
		c.handler(models.RelayMessage{Type: models.RelayAgentAudioEnd})

	case eventConversationEnd:
		c.log.Info("Agent ended the conversation")
		if c.manager.recorder != nil {
			c.manager.recorder.CompleteConversation(context.Background(), c.info.SessionID, c.vars)
		}
		c.handler(models.RelayMessage{Type: models.RelayConversationEnded})

	case eventInitiationMetadata, eventAgentCorrection:
		c.log.WithField("type", event.Type).Debug("Agent event ignored")

	default:
		c.log.WithField("type", event.Type).Debug("Unknown agent event")
	}
}

func (c *conversation) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outbound:
			if err := c.writeJSON(msg); err != nil {
				c.log.WithError(err).Warn("Failed to write to agent leg")
				c.close(false, fmt.Errorf("agent write: %w", err))
				return
			}
		}
	}
}

// enqueue hands a frame to the write loop without blocking. Frames are dropped when the queue
// is full or the leg is closed.
func (c *conversation) enqueue(msg interface{}) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.outbound <- msg:
		return true
	default:
		c.manager.metrics.AgentFramesDropped.Inc()
		return false
	}
}

func (c *conversation) writeJSON(payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Duration(constants.DefaultAgentWriteTimeoutMS) * time.Millisecond))
	return c.conn.WriteJSON(payload)
}

// close tears the leg down once. Remote and abnormal closes are reported to the handler as
// agent_closed; closes requested through EndConversation are not.
func (c *conversation) close(local bool, cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.manager.release(c)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.conn.Close()

		if local {
			c.log.Info("Agent leg closed")
			return
		}

		if cause != nil {
			c.log.WithError(cause).Warn("Agent leg closed abnormally")
		} else {
			c.log.Info("Agent leg closed by provider")
		}
		c.handler(models.RelayMessage{Type: models.RelayAgentClosed, Err: cause})
	})
}

// classifyReadError returns nil for a normal close and the error otherwise.
func classifyReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return fmt.Errorf("agent read: %w", err)
}
