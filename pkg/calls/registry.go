package calls

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

// TransitionHook observes accepted status transitions. Hooks run outside the registry lock.
type TransitionHook func(event models.StatusEvent)

// PurgeHook observes sessions removed by Sweep
type PurgeHook func(sessionID string)

type registryEntry struct {
	session models.CallSession
	purgeAt time.Time
}

// Registry is the in-memory store of call sessions and per-phone attempt counters.
// It performs no I/O; observers attach through OnTransition.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*registryEntry
	attempts map[string]int
	hooks    []TransitionHook
	purged   []PurgeHook

	purgeDelay time.Duration
	maxAge     time.Duration
	now        func() time.Time

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRegistry(config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Registry {
	return &Registry{
		sessions:   make(map[string]*registryEntry),
		attempts:   make(map[string]int),
		purgeDelay: config.PurgeDelay(),
		maxAge:     config.MaxSessionAge(),
		now:        time.Now,
		logger:     logger,
		metrics:    metrics,
	}
}

// OnTransition registers a hook called after every accepted status change.
func (r *Registry) OnTransition(hook TransitionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *Registry) OnPurge(hook PurgeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purged = append(r.purged, hook)
}

// Create stores a new session in status initiating and returns its id.
func (r *Registry) Create(patient models.PatientData, attempt int) string {
	now := r.now()
	sessionID := uuid.New().String()

	r.mu.Lock()
	r.sessions[sessionID] = &registryEntry{
		session: models.CallSession{
			SessionID:   sessionID,
			PatientData: patient,
			Status:      models.StatusInitiating,
			Attempts:    attempt,
			CreatedAt:   now,
			LastUpdate:  now,
		},
	}
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.ActiveSessions.Set(float64(count))

	r.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"attempt":    attempt,
	}).Debug("Created call session")

	return sessionID
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (models.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return models.CallSession{}, false
	}
	return cloneSession(entry.session), true
}

// Update applies a partial update. Unknown ids and refused status edges are logged and ignored;
// the return value reports whether the patch was applied.
func (r *Registry) Update(sessionID string, patch models.SessionPatch) bool {
	r.mu.Lock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		r.logger.WithField("session_id", sessionID).Warn("Update for unknown call session ignored")
		return false
	}

	session := &entry.session
	from := session.Status
	to := from
	if patch.Status != nil {
		to = *patch.Status
	}

	if !CanTransition(from, to) {
		r.mu.Unlock()
		r.metrics.RejectedTransitions.Inc()
		log := r.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"from":       from,
			"to":         to,
		})
		if from.Terminal() {
			log.Debug("Status update after terminal state ignored")
		} else {
			log.Warn("Invalid status transition ignored")
		}
		return false
	}

	now := r.now()
	session.Status = to
	session.LastUpdate = now

	if patch.ProviderCallID != nil {
		session.ProviderCallID = *patch.ProviderCallID
	}
	if patch.FailureReason != nil {
		session.FailureReason = *patch.FailureReason
	}
	if patch.StreamMetadata != nil {
		session.StreamMetadata = patch.StreamMetadata
	}

	if from != to {
		switch to {
		case models.StatusConnected:
			if session.ConnectedAt == nil {
				session.ConnectedAt = &now
			}
		case models.StatusCompleted:
			session.CompletedAt = &now
		case models.StatusFailed:
			session.FailedAt = &now
		}
		if to.Terminal() {
			entry.purgeAt = now.Add(r.purgeDelay)
		}
	}

	event := models.StatusEvent{
		SessionID:   sessionID,
		PhoneNumber: session.PatientData.PhoneNumber,
		From:        from,
		To:          to,
		Reason:      session.FailureReason,
		Attempts:    session.Attempts,
		At:          now,
	}
	hooks := r.hooks
	r.mu.Unlock()

	if from != to {
		r.metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
		for _, hook := range hooks {
			hook(event)
		}
	}

	return true
}

// ListActive returns every session still held, oldest first.
func (r *Registry) ListActive() []models.CallSession {
	r.mu.RLock()
	sessions := make([]models.CallSession, 0, len(r.sessions))
	for _, entry := range r.sessions {
		sessions = append(sessions, cloneSession(entry.session))
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Stats counts sessions by status. Every known status is present in the map.
func (r *Registry) Stats() models.CallStats {
	stats := models.CallStats{ByStatus: make(map[models.CallStatus]int, len(models.AllStatuses))}
	for _, status := range models.AllStatuses {
		stats.ByStatus[status] = 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.sessions {
		stats.Total++
		stats.ByStatus[entry.session.Status]++
	}
	return stats
}

// ReserveAttempt increments the phone number's counter when it is below limit. The counter is
// shared by fresh dials and retries and lives until the process exits.
// It returns the reserved attempt number and whether the reservation succeeded.
func (r *Registry) ReserveAttempt(phoneNumber string, limit int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.attempts[phoneNumber]
	if current >= limit {
		return current, false
	}
	r.attempts[phoneNumber] = current + 1
	return current + 1, true
}

func (r *Registry) Attempts(phoneNumber string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.attempts[phoneNumber]
}

// FindByProviderCall resolves a provider callback to a session, by provider call id first and
// then by the callee phone number (most recent session wins).
func (r *Registry) FindByProviderCall(providerCallID, phoneNumber string) (models.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *models.CallSession
	for _, entry := range r.sessions {
		session := &entry.session
		if providerCallID != "" && session.ProviderCallID == providerCallID {
			return cloneSession(*session), true
		}
		if phoneNumber != "" && session.PatientData.PhoneNumber == phoneNumber {
			if match == nil || session.CreatedAt.After(match.CreatedAt) {
				match = session
			}
		}
	}
	if match == nil {
		return models.CallSession{}, false
	}
	return cloneSession(*match), true
}

// LiveSession returns a connected or active session for the phone number, other than exceptID.
func (r *Registry) LiveSession(phoneNumber, exceptID string) (models.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, entry := range r.sessions {
		if id == exceptID {
			continue
		}
		if entry.session.PatientData.PhoneNumber == phoneNumber && entry.session.Status.Live() {
			return cloneSession(entry.session), true
		}
	}
	return models.CallSession{}, false
}

// Sweep removes terminal sessions past their grace window and sessions idle longer than the
// max session age. It returns the number of sessions removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var ids []string
	for id, entry := range r.sessions {
		expired := !entry.purgeAt.IsZero() && !now.Before(entry.purgeAt)
		stale := r.maxAge > 0 && now.Sub(entry.session.LastUpdate) > r.maxAge
		if expired || stale {
			delete(r.sessions, id)
			ids = append(ids, id)
		}
	}
	count := len(r.sessions)
	hooks := r.purged
	r.mu.Unlock()

	removed := len(ids)
	for _, id := range ids {
		for _, hook := range hooks {
			hook(id)
		}
	}

	r.metrics.ActiveSessions.Set(float64(count))
	if removed > 0 {
		r.metrics.SessionsPurged.Add(float64(removed))
		r.logger.WithFields(logrus.Fields{
			"removed_count": removed,
			"remaining":     count,
		}).Info("Purged expired call sessions")
	}

	return removed
}

func cloneSession(s models.CallSession) models.CallSession {
	out := s
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		out.ConnectedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.FailedAt != nil {
		t := *s.FailedAt
		out.FailedAt = &t
	}
	if s.StreamMetadata != nil {
		out.StreamMetadata = make(map[string]interface{}, len(s.StreamMetadata))
		for k, v := range s.StreamMetadata {
			out.StreamMetadata[k] = v
		}
	}
	return out
}
