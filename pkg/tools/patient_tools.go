package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ToolSavePatientResponse     = "save_patient_response"
	ToolSavePatientData         = "save_patient_data"
	ToolSaveConversationSummary = "save_conversation_summary"
	ToolValidatePatientData     = "validate_patient_data"
)

var requiredIntakeFields = []string{"patientName", "age", "gender", "healthIssue", "duration", "severity", "city"}

type saveResponseTool struct {
	store *Store
	now   func() time.Time
}

func (t *saveResponseTool) Name() string {
	return ToolSavePatientResponse
}

func (t *saveResponseTool) Description() string {
	return "Save individual patient response"
}

// Call expects {"field": "...", "value": "..."}.
func (t *saveResponseTool) Call(ctx context.Context, sessionID string, input map[string]interface{}) (map[string]interface{}, error) {
	field := getString(input, "field")
	if field == "" {
		return nil, fmt.Errorf("%s: missing field", t.Name())
	}
	value := getString(input, "value")
	now := t.now()

	t.store.update(sessionID, now, func(record *PatientRecord) {
		record.Responses[field] = Response{Value: value, Timestamp: now}
	})

	return map[string]interface{}{
		"success":   true,
		"message":   "Response saved successfully",
		"sessionId": sessionID,
		"field":     field,
		"value":     value,
	}, nil
}

type savePatientDataTool struct {
	store *Store
	now   func() time.Time
}

func (t *savePatientDataTool) Name() string {
	return ToolSavePatientData
}

func (t *savePatientDataTool) Description() string {
	return "Save complete patient information"
}

// Call expects {"patientData": {...}, "status": "..."}.
func (t *savePatientDataTool) Call(ctx context.Context, sessionID string, input map[string]interface{}) (map[string]interface{}, error) {
	data, _ := input["patientData"].(map[string]interface{})
	status := getString(input, "status")
	now := t.now()

	t.store.update(sessionID, now, func(record *PatientRecord) {
		if record.PatientData == nil {
			record.PatientData = make(map[string]interface{}, len(data))
		}
		for k, v := range data {
			record.PatientData[k] = v
		}
		if status != "" {
			record.Status = status
		}
		if status == "completed" {
			completed := now
			record.CompletedAt = &completed
		}
	})

	return map[string]interface{}{
		"success":   true,
		"message":   "Patient data saved successfully",
		"sessionId": sessionID,
		"dataId":    sessionID,
	}, nil
}

type saveSummaryTool struct {
	store *Store
	now   func() time.Time
}

func (t *saveSummaryTool) Name() string {
	return ToolSaveConversationSummary
}

func (t *saveSummaryTool) Description() string {
	return "Save conversation summary"
}

func (t *saveSummaryTool) Call(ctx context.Context, sessionID string, input map[string]interface{}) (map[string]interface{}, error) {
	summary := getString(input, "summary")
	if summary == "" {
		return nil, fmt.Errorf("%s: missing summary", t.Name())
	}

	t.store.update(sessionID, t.now(), func(record *PatientRecord) {
		record.Summary = summary
	})

	return map[string]interface{}{
		"success":   true,
		"message":   "Summary saved successfully",
		"sessionId": sessionID,
	}, nil
}

type validatePatientDataTool struct{}

func (t *validatePatientDataTool) Name() string {
	return ToolValidatePatientData
}

func (t *validatePatientDataTool) Description() string {
	return "Validate patient data completeness and format"
}

// Call checks the intake fields of {"patientData": {...}}. It never fails; problems are reported
// in the result.
func (t *validatePatientDataTool) Call(ctx context.Context, sessionID string, input map[string]interface{}) (map[string]interface{}, error) {
	data, _ := input["patientData"].(map[string]interface{})

	missing := []string{}
	invalid := []string{}
	warnings := []string{}

	for _, field := range requiredIntakeFields {
		if strings.TrimSpace(fieldString(data, field)) == "" {
			missing = append(missing, field)
		}
	}

	if age, ok := fieldNumber(data, "age"); ok && (age < 0 || age > 120) {
		invalid = append(invalid, "age")
	} else if !ok && fieldString(data, "age") != "" {
		invalid = append(invalid, "age")
	}

	if severity, ok := fieldNumber(data, "severity"); ok && (severity < 1 || severity > 10) {
		invalid = append(invalid, "severity")
	} else if !ok && fieldString(data, "severity") != "" {
		invalid = append(invalid, "severity")
	}

	if gender := strings.ToLower(fieldString(data, "gender")); gender != "" {
		switch gender {
		case "male", "female", "पुरुष", "महिला":
		default:
			warnings = append(warnings, "gender_format")
		}
	}

	return map[string]interface{}{
		"isValid":       len(missing) == 0 && len(invalid) == 0,
		"missingFields": missing,
		"invalidFields": invalid,
		"warnings":      warnings,
	}, nil
}

// Summarize renders the captured intake fields as a short plain-text summary.
func Summarize(record PatientRecord) string {
	var b strings.Builder
	b.WriteString("Patient intake summary:\n")

	labels := []struct{ key, label string }{
		{"patientName", "Name"},
		{"age", "Age"},
		{"gender", "Gender"},
		{"healthIssue", "Health issue"},
		{"duration", "Duration"},
		{"severity", "Severity (1-10)"},
		{"city", "City"},
		{"query", "Original query"},
	}
	for _, l := range labels {
		value := fieldString(record.PatientData, l.key)
		if value == "" {
			value = "N/A"
		}
		fmt.Fprintf(&b, "- %s: %s\n", l.label, value)
	}

	if last, ok := record.Responses["user_response"]; ok {
		fmt.Fprintf(&b, "- Last response: %s\n", last.Value)
	}
	return b.String()
}

func fieldString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func fieldNumber(m map[string]interface{}, key string) (float64, bool) {
	raw := strings.TrimSpace(fieldString(m, key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
