package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

const testStream = "test_call_status_events"

func setupTestRedis(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   3,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}
	rdb.Del(ctx, testStream)
	t.Cleanup(func() {
		rdb.Del(context.Background(), testStream)
		rdb.Close()
	})

	return rdb
}

func newTestPublisher(t *testing.T) *StreamPublisher {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewStreamPublisher(setupTestRedis(t), testStream, logger, metrics.NewMetrics(prometheus.NewRegistry()))
}

func TestStreamPublisher_PublishAndRecent(t *testing.T) {
	publisher := newTestPublisher(t)
	ctx := context.Background()

	at := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, publisher.Publish(ctx, models.StatusEvent{
		SessionID: "s1", PhoneNumber: "+911234567890",
		From: models.StatusInitiating, To: models.StatusDialing, Attempts: 1, At: at,
	}))
	require.NoError(t, publisher.Publish(ctx, models.StatusEvent{
		SessionID: "s1", PhoneNumber: "+911234567890",
		From: models.StatusDialing, To: models.StatusNoAnswer, Attempts: 1, At: at,
	}))

	events, err := publisher.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.StatusNoAnswer, events[0].To)
	assert.Equal(t, models.StatusDialing, events[1].To)
	assert.True(t, at.Equal(events[1].At))

	events, err = publisher.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStreamPublisher_StreamEntryFields(t *testing.T) {
	publisher := newTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, publisher.Publish(ctx, models.StatusEvent{
		SessionID: "s2", From: models.StatusActive, To: models.StatusCompleted, At: time.Now(),
	}))

	messages, err := publisher.rdb.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "s2", messages[0].Values["session_id"])
	assert.Equal(t, "completed", messages[0].Values["to"])
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.Publish(context.Background(), models.StatusEvent{}))

	_, err := p.Recent(context.Background(), 10)
	assert.True(t, errors.Is(err, ErrDisabled))
}

type failingPublisher struct {
	NopPublisher
	calls int
}

func (f *failingPublisher) Publish(context.Context, models.StatusEvent) error {
	f.calls++
	return errors.New("connection refused")
}

func TestTransitionHook_SwallowsErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	publisher := &failingPublisher{}

	hook := TransitionHook(publisher, time.Second, logger)
	assert.NotPanics(t, func() {
		hook(models.StatusEvent{SessionID: "s3", To: models.StatusFailed})
	})
	assert.Equal(t, 1, publisher.calls)
}
