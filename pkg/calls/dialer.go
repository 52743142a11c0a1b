package calls

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
	"outbound-intake-relay/pkg/telephony"
)

// InitiateResult is returned to the caller of a successful dial
type InitiateResult struct {
	SessionID      string                 `json:"sessionId"`
	ProviderCallID string                 `json:"providerCallId"`
	PatientData    models.PatientData     `json:"patientData"`
	CallMetadata   map[string]interface{} `json:"callMetadata,omitempty"`
}

// Dialer creates call sessions and places them through the configured dial strategy.
type Dialer struct {
	registry    *Registry
	strategy    telephony.Strategy
	config      *config.Config
	maxAttempts int
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewDialer(registry *Registry, strategy telephony.Strategy, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics) *Dialer {
	return &Dialer{
		registry:    registry,
		strategy:    strategy,
		config:      config,
		maxAttempts: maxDialAttempts(config),
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Initiate reserves the next attempt on the patient's phone number and dials it. A number that
// already used every attempt is not dialed again.
func (d *Dialer) Initiate(ctx context.Context, patient models.PatientData) (*InitiateResult, error) {
	if err := validatePatient(patient); err != nil {
		return nil, err
	}

	attempt, ok := d.registry.ReserveAttempt(patient.PhoneNumber, d.maxAttempts)
	if !ok {
		return nil, d.refuse(patient, attempt)
	}
	return d.dial(ctx, patient, attempt)
}

// Redial places a retry whose attempt number was already reserved on the registry.
func (d *Dialer) Redial(ctx context.Context, patient models.PatientData, attempt int) (*InitiateResult, error) {
	if err := validatePatient(patient); err != nil {
		return nil, err
	}
	return d.dial(ctx, patient, attempt)
}

func (d *Dialer) refuse(patient models.PatientData, attempts int) error {
	sessionID := d.registry.Create(patient, attempts)
	failed := models.StatusFailed
	reason := constants.ReasonMaxAttempts
	d.registry.Update(sessionID, models.SessionPatch{Status: &failed, FailureReason: &reason})
	d.metrics.CallsInitiated.WithLabelValues(d.strategy.Name(), "refused").Inc()

	d.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"attempts":   attempts,
	}).Warn("Dial refused, max dial attempts reached")

	return &AttemptsExhaustedError{SessionID: sessionID, PhoneNumber: patient.PhoneNumber, Attempts: attempts}
}

func (d *Dialer) dial(ctx context.Context, patient models.PatientData, attempt int) (*InitiateResult, error) {
	sessionID := d.registry.Create(patient, attempt)
	now := d.now()

	stream := telephony.BuildStreamDescriptor(d.config.PublicStreamURL, sessionID, d.config.TelephonyCallerID, patient, now)
	req := telephony.DialRequest{
		CallerNumber: d.config.TelephonyCallerID,
		CalleeNumber: patient.PhoneNumber,
		Stream:       stream,
	}

	log := d.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"strategy":   d.strategy.Name(),
		"attempt":    attempt,
		"test_mode":  d.config.TestMode,
	})
	log.Info("Placing outbound call")

	var resp *telephony.DialResponse
	var err error
	if d.config.TestMode {
		resp = &telephony.DialResponse{
			ProviderCallID: fmt.Sprintf("test_call_%d", now.UnixMilli()),
			Raw:            map[string]interface{}{"status": "success", "message": "Test call initiated"},
		}
	} else {
		resp, err = d.callProvider(ctx, req)
	}

	if err != nil {
		dialErr := newProviderDialError(sessionID, err)
		failed := models.StatusFailed
		reason := dialErr.Message
		d.registry.Update(sessionID, models.SessionPatch{Status: &failed, FailureReason: &reason})
		d.metrics.CallsInitiated.WithLabelValues(d.strategy.Name(), "error").Inc()

		log.WithError(err).WithField("provider_status", dialErr.StatusCode).Error("Outbound call failed")
		return nil, dialErr
	}

	dialing := models.StatusDialing
	d.registry.Update(sessionID, models.SessionPatch{
		Status:         &dialing,
		ProviderCallID: &resp.ProviderCallID,
		StreamMetadata: stream.Metadata,
	})
	d.metrics.CallsInitiated.WithLabelValues(d.strategy.Name(), "success").Inc()

	log.WithField("provider_call_id", resp.ProviderCallID).Info("Outbound call placed")

	return &InitiateResult{
		SessionID:      sessionID,
		ProviderCallID: resp.ProviderCallID,
		PatientData:    patient,
		CallMetadata:   resp.Raw,
	}, nil
}

func (d *Dialer) callProvider(ctx context.Context, req telephony.DialRequest) (*telephony.DialResponse, error) {
	start := time.Now()
	defer func() {
		d.metrics.DialDuration.WithLabelValues(d.strategy.Name()).Observe(time.Since(start).Seconds())
	}()

	if timeout := d.config.DialTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return d.strategy.Dial(ctx, req)
}

func maxDialAttempts(config *config.Config) int {
	if config.MaxDialAttempts > 0 {
		return config.MaxDialAttempts
	}
	return constants.MaxDialAttempts
}

func validatePatient(patient models.PatientData) error {
	var missing []string
	if strings.TrimSpace(patient.PhoneNumber) == "" {
		missing = append(missing, "phoneNumber")
	}
	if strings.TrimSpace(patient.Name) == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}
