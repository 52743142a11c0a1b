package calls

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

func setupTest(t *testing.T) (*config.Config, *logrus.Logger, *metrics.Metrics) {
	t.Helper()

	cfg := config.Default()
	cfg.TestMode = true
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return cfg, logger, metrics.NewMetrics(prometheus.NewRegistry())
}

func statusPtr(s models.CallStatus) *models.CallStatus {
	return &s
}

var asha = models.PatientData{PhoneNumber: "+911234567890", Name: "Asha"}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.CallStatus
		allowed  bool
	}{
		{models.StatusInitiating, models.StatusDialing, true},
		{models.StatusInitiating, models.StatusConnected, false},
		{models.StatusInitiating, models.StatusNoAnswer, false},
		{models.StatusDialing, models.StatusConnected, true},
		{models.StatusDialing, models.StatusNoAnswer, true},
		{models.StatusConnected, models.StatusActive, true},
		{models.StatusConnected, models.StatusDialing, false},
		{models.StatusActive, models.StatusCompleted, true},
		{models.StatusActive, models.StatusConnected, false},
		{models.StatusNoAnswer, models.StatusNoAnswer, true},
		{models.StatusNoAnswer, models.StatusBusy, true},
		{models.StatusNoAnswer, models.StatusFailed, true},
		{models.StatusBusy, models.StatusConnected, false},
		{models.StatusCompleted, models.StatusCompleted, false},
		{models.StatusFailed, models.StatusDialing, false},
		{models.StatusDisconnected, models.StatusActive, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRegistry_CreateAndGet(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	id := registry.Create(asha, 1)
	require.NotEmpty(t, id)

	session, ok := registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusInitiating, session.Status)
	assert.Equal(t, asha, session.PatientData)
	assert.Equal(t, 1, session.Attempts)
	assert.False(t, session.CreatedAt.IsZero())

	other := registry.Create(asha, 1)
	assert.NotEqual(t, id, other)

	_, ok = registry.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_UpdateUnknownIsNoop(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	assert.False(t, registry.Update("missing", models.SessionPatch{Status: statusPtr(models.StatusDialing)}))
	assert.Empty(t, registry.ListActive())
}

func TestRegistry_UpdateStampsTimestamps(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	id := registry.Create(asha, 1)
	require.True(t, registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusDialing)}))
	require.True(t, registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusConnected)}))

	session, _ := registry.Get(id)
	require.NotNil(t, session.ConnectedAt)
	assert.Nil(t, session.CompletedAt)

	require.True(t, registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusCompleted)}))
	session, _ = registry.Get(id)
	require.NotNil(t, session.CompletedAt)

	// terminal: nothing moves it any more
	assert.False(t, registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusActive)}))
	session, _ = registry.Get(id)
	assert.Equal(t, models.StatusCompleted, session.Status)
}

func TestRegistry_RejectsSkippingDialing(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	id := registry.Create(asha, 1)
	assert.False(t, registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusConnected)}))

	session, _ := registry.Get(id)
	assert.Equal(t, models.StatusInitiating, session.Status)
	assert.Nil(t, session.ConnectedAt)
}

func TestRegistry_TransitionHooks(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	var events []models.StatusEvent
	registry.OnTransition(func(event models.StatusEvent) {
		events = append(events, event)
	})

	id := registry.Create(asha, 1)
	registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusDialing)})
	registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusDialing)})
	registry.Update(id, models.SessionPatch{Status: statusPtr(models.StatusBusy)})

	require.Len(t, events, 2)
	assert.Equal(t, models.StatusInitiating, events[0].From)
	assert.Equal(t, models.StatusDialing, events[0].To)
	assert.Equal(t, models.StatusBusy, events[1].To)
	assert.Equal(t, asha.PhoneNumber, events[1].PhoneNumber)
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	id := registry.Create(asha, 1)
	registry.Update(id, models.SessionPatch{
		Status:         statusPtr(models.StatusDialing),
		StreamMetadata: map[string]interface{}{"callid": id},
	})

	session, _ := registry.Get(id)
	session.Status = models.StatusFailed
	session.StreamMetadata["callid"] = "changed"

	fresh, _ := registry.Get(id)
	assert.Equal(t, models.StatusDialing, fresh.Status)
	assert.Equal(t, id, fresh.StreamMetadata["callid"])
}

func TestRegistry_StatsAndListActive(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	first := registry.Create(asha, 1)
	time.Sleep(time.Millisecond)
	second := registry.Create(models.PatientData{PhoneNumber: "+919999999999", Name: "Ravi"}, 1)
	registry.Update(second, models.SessionPatch{Status: statusPtr(models.StatusDialing)})

	active := registry.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, first, active[0].SessionID)
	assert.Equal(t, second, active[1].SessionID)

	stats := registry.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.StatusInitiating])
	assert.Equal(t, 1, stats.ByStatus[models.StatusDialing])
	assert.Len(t, stats.ByStatus, len(models.AllStatuses))
}

func TestRegistry_AttemptCounter(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	attempt, ok := registry.ReserveAttempt(asha.PhoneNumber, 3)
	assert.True(t, ok)
	assert.Equal(t, 1, attempt)

	attempt, ok = registry.ReserveAttempt(asha.PhoneNumber, 3)
	assert.True(t, ok)
	assert.Equal(t, 2, attempt)

	attempt, ok = registry.ReserveAttempt(asha.PhoneNumber, 3)
	assert.True(t, ok)
	assert.Equal(t, 3, attempt)

	attempt, ok = registry.ReserveAttempt(asha.PhoneNumber, 3)
	assert.False(t, ok)
	assert.Equal(t, 3, attempt)
	assert.Equal(t, 3, registry.Attempts(asha.PhoneNumber))

	assert.Equal(t, 0, registry.Attempts("+910000000000"))
}

func TestRegistry_ConcurrentReserveNeverExceedsLimit(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := registry.ReserveAttempt(asha.PhoneNumber, 3); ok {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, reserved)
	assert.Equal(t, 3, registry.Attempts(asha.PhoneNumber))
}

func TestRegistry_FindByProviderCall(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	old := registry.Create(asha, 1)
	time.Sleep(time.Millisecond)
	recent := registry.Create(asha, 2)
	callID := "kc-1"
	registry.Update(old, models.SessionPatch{Status: statusPtr(models.StatusDialing), ProviderCallID: &callID})

	session, ok := registry.FindByProviderCall("kc-1", "")
	require.True(t, ok)
	assert.Equal(t, old, session.SessionID)

	session, ok = registry.FindByProviderCall("unknown", asha.PhoneNumber)
	require.True(t, ok)
	assert.Equal(t, recent, session.SessionID)

	_, ok = registry.FindByProviderCall("unknown", "+910000000000")
	assert.False(t, ok)
}

func TestRegistry_SweepPurgesTerminalAfterDelay(t *testing.T) {
	cfg, logger, m := setupTest(t)
	registry := NewRegistry(cfg, logger, m)

	now := time.Now()
	registry.now = func() time.Time { return now }

	var purged []string
	registry.OnPurge(func(sessionID string) { purged = append(purged, sessionID) })

	done := registry.Create(asha, 1)
	registry.Update(done, models.SessionPatch{Status: statusPtr(models.StatusDialing)})
	registry.Update(done, models.SessionPatch{Status: statusPtr(models.StatusConnected)})
	registry.Update(done, models.SessionPatch{Status: statusPtr(models.StatusCompleted)})

	live := registry.Create(models.PatientData{PhoneNumber: "+919999999999", Name: "Ravi"}, 1)
	registry.Update(live, models.SessionPatch{Status: statusPtr(models.StatusDialing)})

	assert.Equal(t, 0, registry.Sweep(now.Add(cfg.PurgeDelay()-time.Second)))
	assert.Len(t, registry.ListActive(), 2)

	assert.Equal(t, 1, registry.Sweep(now.Add(cfg.PurgeDelay())))
	assert.Equal(t, []string{done}, purged)
	_, ok := registry.Get(done)
	assert.False(t, ok)
	_, ok = registry.Get(live)
	assert.True(t, ok)

	// idle sessions are evicted once they exceed the max age
	assert.Equal(t, 1, registry.Sweep(now.Add(cfg.MaxSessionAge()+time.Second)))
	assert.Empty(t, registry.ListActive())
}
