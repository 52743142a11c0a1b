package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"outbound-intake-relay/pkg/constants"
	"outbound-intake-relay/pkg/models"
)

// StreamDescriptor tells the provider where to stream the call audio for one session
type StreamDescriptor struct {
	URL          string
	SamplingRate string
	Metadata     map[string]interface{}
}

// BuildStreamDescriptor templates the relay endpoint with the session id and embeds the session
// metadata the provider echoes back in the first stream frame.
func BuildStreamDescriptor(baseURL, sessionID, callerID string, patient models.PatientData, now time.Time) *StreamDescriptor {
	treatment := patient.TreatmentType
	if treatment == "" {
		treatment = "general consultation"
	}
	patientID := patient.ID
	if patientID == "" {
		patientID = sessionID
	}

	return &StreamDescriptor{
		URL:          fmt.Sprintf("%s/%s", strings.TrimRight(baseURL, "/"), sessionID),
		SamplingRate: constants.StreamSamplingRate,
		Metadata: map[string]interface{}{
			"callid":          sessionID,
			"client_meta_id":  sessionID,
			"virtual_number":  callerID,
			"customer_number": patient.PhoneNumber,
			"event_timestamp": now.UnixMilli(),
			"session_metadata": map[string]interface{}{
				"patient_id":      patientID,
				"patient_name":    patient.Name,
				"patient_phone":   patient.PhoneNumber,
				"treatment_type":  treatment,
				"call_type":       "outbound_data_collection",
				"call_session_id": sessionID,
				"initiated_at":    now.UTC().Format(time.RFC3339),
			},
		},
	}
}

// MetadataJSON encodes the metadata the way the provider expects it: a JSON string field.
func (d *StreamDescriptor) MetadataJSON() (string, error) {
	data, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", fmt.Errorf("encoding stream metadata: %w", err)
	}
	return string(data), nil
}
