package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
	"outbound-intake-relay/pkg/tools"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.TestMode = true
	cfg.Port = "0"
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	svc, err := NewService(context.Background(), cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	return svc
}

func postJSON(t *testing.T, url string, body interface{}) map[string]interface{} {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return decoded
}

func TestNewService_UnknownStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.DialStrategy = "carrier_pigeon"
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewService(context.Background(), cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestNewService_RedisUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	_, err := NewService(context.Background(), cfg, logger, metrics.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestService_EndToEnd(t *testing.T) {
	svc := newTestService(t)
	server := httptest.NewServer(svc.Handler())
	defer server.Close()
	defer svc.Stop(context.Background())

	body := postJSON(t, server.URL+"/api/outbound-call", map[string]interface{}{
		"patientData": map[string]interface{}{"phoneNumber": "+911234567890", "name": "Asha"},
	})
	sessionID := body["data"].(map[string]interface{})["sessionId"].(string)

	postJSON(t, server.URL+"/api/tools/"+tools.ToolSavePatientResponse, map[string]interface{}{
		"session_id": sessionID,
		"input":      map[string]interface{}{"field": "city", "value": "Pune"},
	})
	postJSON(t, server.URL+"/api/telephony/webhook", map[string]interface{}{
		"call_session_id": sessionID,
		"status":          "connected",
	})
	postJSON(t, server.URL+"/api/telephony/webhook", map[string]interface{}{
		"call_session_id": sessionID,
		"status":          "completed",
	})

	session, ok := svc.Registry().Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, session.Status)

	_, ok = svc.tools.Record(sessionID)
	assert.True(t, ok)

	// purge drops the session and its patient record
	svc.sweep(time.Now().Add(svc.config.PurgeDelay() + time.Second))
	_, ok = svc.Registry().Get(sessionID)
	assert.False(t, ok)
	_, ok = svc.tools.Record(sessionID)
	assert.False(t, ok)

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestService_SweepClosesOrphanedLegs(t *testing.T) {
	svc := newTestService(t)
	defer svc.Stop(context.Background())

	result, err := svc.Dialer().Initiate(context.Background(), models.PatientData{PhoneNumber: "+911234567890", Name: "Asha"})
	require.NoError(t, err)

	connected := models.StatusConnected
	svc.Registry().Update(result.SessionID, models.SessionPatch{Status: &connected})

	svc.sweep(time.Now().Add(svc.config.StaleLegGrace() + time.Second))

	session, ok := svc.Registry().Get(result.SessionID)
	require.True(t, ok)
	assert.Equal(t, models.StatusDisconnected, session.Status)
}

func TestService_RecordDTMF(t *testing.T) {
	svc := newTestService(t)
	defer svc.Stop(context.Background())

	svc.recordDTMF("s1", "7")

	record, ok := svc.tools.Record("s1")
	require.True(t, ok)
	assert.Equal(t, "7", record.Responses["dtmf"].Value)
}

func TestService_StartStop(t *testing.T) {
	svc := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.Start(ctx))
	assert.NoError(t, svc.Stop(context.Background()))
}
