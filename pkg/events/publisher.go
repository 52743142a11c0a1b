package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

// ErrDisabled is returned by readers when no Redis stream is configured
var ErrDisabled = errors.New("call status events are disabled")

// Publisher records call status transitions
type Publisher interface {
	Publish(ctx context.Context, event models.StatusEvent) error
	Recent(ctx context.Context, count int64) ([]models.StatusEvent, error)
}

// StreamPublisher appends status events to a capped Redis stream.
type StreamPublisher struct {
	rdb     *redis.Client
	stream  string
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStreamPublisher(rdb *redis.Client, stream string, logger *logrus.Logger, metrics *metrics.Metrics) *StreamPublisher {
	if stream == "" {
		stream = constants.CallEventsStream
	}
	return &StreamPublisher{
		rdb:     rdb,
		stream:  stream,
		logger:  logger,
		metrics: metrics,
	}
}

func (p *StreamPublisher) Publish(ctx context.Context, event models.StatusEvent) error {
	start := time.Now()
	defer func() {
		p.metrics.EventPublishDuration.Observe(time.Since(start).Seconds())
	}()

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	messageID, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: constants.CallEventsMaxLength,
		Approx: true,
		Values: map[string]interface{}{
			"session_id": event.SessionID,
			"from":       string(event.From),
			"to":         string(event.To),
			"at":         event.At.UnixMilli(),
			"event_data": string(eventData),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add status event to stream: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"to":         event.To,
		"message_id": messageID,
	}).Debug("Published call status event")
	return nil
}

// Recent returns up to count events, newest first.
func (p *StreamPublisher) Recent(ctx context.Context, count int64) ([]models.StatusEvent, error) {
	messages, err := p.rdb.XRevRangeN(ctx, p.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read status events: %w", err)
	}

	out := make([]models.StatusEvent, 0, len(messages))
	for _, msg := range messages {
		raw, ok := msg.Values["event_data"].(string)
		if !ok {
			continue
		}
		var event models.StatusEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			p.logger.WithError(err).WithField("message_id", msg.ID).Warn("Skipping malformed status event")
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

// NopPublisher is used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.StatusEvent) error { return nil }

func (NopPublisher) Recent(context.Context, int64) ([]models.StatusEvent, error) {
	return nil, ErrDisabled
}

// TransitionHook adapts a Publisher to the registry's transition hook. Publish failures are logged
// and never block the status change.
func TransitionHook(publisher Publisher, timeout time.Duration, logger *logrus.Logger) func(models.StatusEvent) {
	return func(event models.StatusEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := publisher.Publish(ctx, event); err != nil {
			logger.WithError(err).WithField("session_id", event.SessionID).Warn("Failed to publish call status event")
		}
	}
}
