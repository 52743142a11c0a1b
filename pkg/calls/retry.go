package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
)

// Redialer places a retry whose attempt number is already reserved
type Redialer interface {
	Redial(ctx context.Context, patient models.PatientData, attempt int) (*InitiateResult, error)
}

// PendingRetry describes a scheduled redial
type PendingRetry struct {
	OriginSessionID string    `json:"origin_session_id"`
	PhoneNumber     string    `json:"phone_number"`
	Attempt         int       `json:"attempt"`
	FireAt          time.Time `json:"fire_at"`
}

type scheduledRetry struct {
	PendingRetry
	patient models.PatientData
	timer   *time.Timer
}

// RetryScheduler is the single entry point for status reports. It applies them to the registry
// and redials no_answer/busy outcomes until the per-phone attempt ceiling is reached.
//
// A scheduled retry is not cancelled when its originating session later reaches a terminal
// state; only Cancel and Stop remove pending retries.
type RetryScheduler struct {
	registry    *Registry
	redialer    Redialer
	maxAttempts int
	delay       time.Duration

	mu      sync.Mutex
	pending map[uint64]*scheduledRetry
	nextID  uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewRetryScheduler(registry *Registry, redialer Redialer, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *RetryScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &RetryScheduler{
		registry:    registry,
		redialer:    redialer,
		maxAttempts: maxDialAttempts(config),
		delay:       config.RetryDelay(),
		pending:     make(map[uint64]*scheduledRetry),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		metrics:     metrics,
	}
}

// HandleStatusUpdate applies a status report to a session. It returns false when the session is
// unknown or the report was refused by the transition table.
func (s *RetryScheduler) HandleStatusUpdate(ctx context.Context, sessionID string, update models.StatusUpdate) bool {
	log := s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"status":     update.Status,
	})
	if len(update.Fields) > 0 {
		log = log.WithField("fields", update.Fields)
	}
	log.Info("Call status update")

	patch := models.SessionPatch{Status: &update.Status}
	if update.ProviderCallID != "" {
		patch.ProviderCallID = &update.ProviderCallID
	}

	switch {
	case update.Status.Retryable():
		if !s.registry.Update(sessionID, patch) {
			return false
		}
		session, ok := s.registry.Get(sessionID)
		if !ok {
			return false
		}
		s.retryOrFail(session, string(update.Status))
		return true

	case update.Status == models.StatusFailed:
		reason := update.Reason
		if reason == "" {
			reason = "provider_reported_failure"
		}
		patch.FailureReason = &reason
		return s.registry.Update(sessionID, patch)

	default:
		if update.Reason != "" {
			patch.FailureReason = &update.Reason
		}
		return s.registry.Update(sessionID, patch)
	}
}

func (s *RetryScheduler) retryOrFail(session models.CallSession, reason string) {
	phone := session.PatientData.PhoneNumber

	attempt, ok := s.registry.ReserveAttempt(phone, s.maxAttempts)
	if !ok {
		failed := models.StatusFailed
		maxReached := constants.ReasonMaxAttempts
		s.registry.Update(session.SessionID, models.SessionPatch{Status: &failed, FailureReason: &maxReached})

		s.logger.WithFields(logrus.Fields{
			"session_id": session.SessionID,
			"attempts":   attempt,
		}).Warn("Max dial attempts reached")
		return
	}

	s.schedule(session, attempt, reason)
}

func (s *RetryScheduler) schedule(session models.CallSession, attempt int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.nextID++
	id := s.nextID
	retry := &scheduledRetry{
		PendingRetry: PendingRetry{
			OriginSessionID: session.SessionID,
			PhoneNumber:     session.PatientData.PhoneNumber,
			Attempt:         attempt,
			FireAt:          time.Now().Add(s.delay),
		},
		patient: session.PatientData,
	}
	retry.timer = time.AfterFunc(s.delay, func() { s.fire(id) })
	s.pending[id] = retry

	s.metrics.RetriesScheduled.WithLabelValues(reason).Inc()
	s.logger.WithFields(logrus.Fields{
		"session_id": session.SessionID,
		"attempt":    attempt,
		"delay":      s.delay,
		"reason":     reason,
	}).Info("Scheduled redial")
}

func (s *RetryScheduler) fire(id uint64) {
	s.mu.Lock()
	retry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	stopped := s.stopped
	s.mu.Unlock()

	if !ok || stopped {
		return
	}

	log := s.logger.WithFields(logrus.Fields{
		"origin_session_id": retry.OriginSessionID,
		"attempt":           retry.Attempt,
	})

	if live, found := s.registry.LiveSession(retry.PhoneNumber, retry.OriginSessionID); found {
		log.WithField("live_session_id", live.SessionID).Info("Skipping redial, phone number already on a live call")
		return
	}

	result, err := s.redialer.Redial(s.ctx, retry.patient, retry.Attempt)
	if err != nil {
		log.WithError(err).Error("Redial failed")
		return
	}
	log.WithField("session_id", result.SessionID).Info("Redial placed")
}

// Pending lists the scheduled redials, earliest first.
func (s *RetryScheduler) Pending() []PendingRetry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PendingRetry, 0, len(s.pending))
	for _, retry := range s.pending {
		out = append(out, retry.PendingRetry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

// Cancel drops every pending redial scheduled from the given session and returns how many
// were dropped.
func (s *RetryScheduler) Cancel(originSessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for id, retry := range s.pending {
		if retry.OriginSessionID == originSessionID {
			retry.timer.Stop()
			delete(s.pending, id)
			cancelled++
		}
	}
	return cancelled
}

// Stop cancels every pending redial and aborts redials in flight.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, retry := range s.pending {
		retry.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.cancel()
}
