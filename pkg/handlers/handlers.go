package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/calls"
	"outbound-intake-relay/pkg/events"
	"outbound-intake-relay/pkg/models"
	"outbound-intake-relay/pkg/tools"
)

const (
	defaultEventCount = 50
	maxEventCount     = 1000
)

// RuntimeStatus reports live connection counts for /health and /status
type RuntimeStatus func() map[string]int

type Handler struct {
	registry  *calls.Registry
	dialer    *calls.Dialer
	scheduler *calls.RetryScheduler
	tools     *tools.Registry
	events    events.Publisher
	runtime   RuntimeStatus
	logger    *logrus.Logger
}

func NewHandler(registry *calls.Registry, dialer *calls.Dialer, scheduler *calls.RetryScheduler, tools *tools.Registry, events events.Publisher, runtime RuntimeStatus, logger *logrus.Logger) *Handler {
	if runtime == nil {
		runtime = func() map[string]int { return nil }
	}
	return &Handler{
		registry:  registry,
		dialer:    dialer,
		scheduler: scheduler,
		tools:     tools,
		events:    events,
		runtime:   runtime,
		logger:    logger,
	}
}

func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var request struct {
		PatientData *models.PatientData `json:"patientData"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.PatientData == nil {
		writeError(w, http.StatusBadRequest, "Patient data with phoneNumber and name is required")
		return
	}

	result, err := h.dialer.Initiate(r.Context(), *request.PatientData)
	if err != nil {
		var validationErr *calls.ValidationError
		var dialErr *calls.ProviderDialError
		var exhausted *calls.AttemptsExhaustedError

		switch {
		case errors.As(err, &validationErr):
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":  "Patient data with phoneNumber and name is required",
				"fields": validationErr.Fields,
			})
		case errors.As(err, &exhausted):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":      "Maximum dial attempts reached for this phone number",
				"session_id": exhausted.SessionID,
				"attempts":   exhausted.Attempts,
			})
		case errors.As(err, &dialErr):
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":           dialErr.Message,
				"session_id":      dialErr.SessionID,
				"provider_status": dialErr.StatusCode,
				"provider_code":   dialErr.Code,
				"details":         "Failed to initiate outbound call",
			})
		default:
			h.logger.WithError(err).Error("Failed to initiate outbound call")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Outbound call initiated successfully",
		"data":    result,
	})
}

func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	session, ok := h.registry.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Call session not found")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeCalls":    h.registry.ListActive(),
		"stats":          h.registry.Stats(),
		"pendingRetries": h.scheduler.Pending(),
	})
}

// CancelRetries drops the redials scheduled from a session.
func (h *Handler) CancelRetries(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"cancelled": h.scheduler.Cancel(sessionID),
	})
}

// Webhook accepts provider status reports: {call_session_id, status, reason?, ...free-form}.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sessionID := stringField(body, "call_session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "call_session_id is required")
		return
	}

	status, ok := normalizeStatus(stringField(body, "status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	update := models.StatusUpdate{
		Status:         status,
		Reason:         stringField(body, "reason"),
		ProviderCallID: stringField(body, "provider_call_id"),
		Fields:         extraFields(body, "call_session_id", "status", "reason", "provider_call_id"),
	}
	applied := h.scheduler.HandleStatusUpdate(r.Context(), sessionID, update)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Status updated",
		"applied": applied,
	})
}

// Callback accepts the telephony provider's own call report, keyed by its call id or the callee
// number rather than our session id.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	callID := stringField(body, "call_id")
	customerNumber := stringField(body, "customer_number")
	log := h.logger.WithFields(logrus.Fields{
		"call_id":         callID,
		"customer_number": customerNumber,
	})

	applied := false
	session, found := h.registry.FindByProviderCall(callID, customerNumber)
	status, known := normalizeStatus(stringField(body, "status"))

	switch {
	case !found:
		log.Warn("Callback for unknown call ignored")
	case !known:
		log.WithField("status", body["status"]).Warn("Callback with unknown status ignored")
	default:
		applied = h.scheduler.HandleStatusUpdate(r.Context(), session.SessionID, models.StatusUpdate{
			Status:         status,
			Reason:         stringField(body, "reason"),
			ProviderCallID: callID,
			Fields:         extraFields(body, "call_id", "status", "customer_number", "caller_id", "reason"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Callback processed",
		"applied": applied,
	})
}

func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	count := int64(defaultEventCount)
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		if n > maxEventCount {
			n = maxEventCount
		}
		count = n
	}

	recent, err := h.events.Recent(r.Context(), count)
	if errors.Is(err, events.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, "call status events are disabled")
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to read call status events")
		writeError(w, http.StatusInternalServerError, "Failed to read call status events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": recent,
		"count":  len(recent),
	})
}

func (h *Handler) PatientRecord(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	record, ok := h.tools.Record(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "Patient record not found")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// ExecuteTool runs an intake tool on behalf of the voice agent: {session_id, input}.
func (h *Handler) ExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var request struct {
		SessionID string                 `json:"session_id"`
		Input     map[string]interface{} `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.tools.Execute(r.Context(), name, request.SessionID, request.Input)
	if errors.Is(err, tools.ErrUnknownTool) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": h.tools.Names(),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"sessions":  h.registry.Stats().Total,
		"timestamp": time.Now(),
	})
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"stats":           h.registry.Stats(),
		"pending_retries": len(h.scheduler.Pending()),
		"timestamp":       time.Now(),
	}
	for k, v := range h.runtime() {
		response[k] = v
	}

	writeJSON(w, http.StatusOK, response)
}

// normalizeStatus maps provider spellings ("no-answer", "ANSWERED") onto call statuses.
func normalizeStatus(raw string) (models.CallStatus, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")

	switch s {
	case "answered", "in_progress":
		return models.StatusConnected, true
	case "noanswer", "not_answered", "missed":
		return models.StatusNoAnswer, true
	case "hangup", "hung_up":
		return models.StatusDisconnected, true
	}

	status := models.CallStatus(s)
	return status, status.Valid()
}

func stringField(body map[string]interface{}, key string) string {
	switch v := body[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func extraFields(body map[string]interface{}, skip ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	for _, k := range skip {
		delete(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
