package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"outbound-intake-relay/pkg/config"
)

const (
	StrategyClickToCall = "click_to_call"
	StrategyIVRCampaign = "ivr_campaign"
)

// DialRequest is what the dialer hands to a strategy
type DialRequest struct {
	CallerNumber string
	CalleeNumber string
	Stream       *StreamDescriptor
}

// DialResponse carries the provider call id and the raw provider payload
type DialResponse struct {
	ProviderCallID string
	Raw            map[string]interface{}
}

// Strategy places one outbound call with the telephony provider.
type Strategy interface {
	Name() string
	Dial(ctx context.Context, req DialRequest) (*DialResponse, error)
}

// ProviderError is a non-success answer or transport failure from the provider.
// StatusCode is zero for transport failures.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("telephony provider error: %s", e.Message)
	}
	return fmt.Sprintf("telephony provider error (status %d): %s", e.StatusCode, e.Message)
}

// NewStrategy selects the dial strategy named in the configuration.
func NewStrategy(cfg *config.Config, client *http.Client) (Strategy, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.DialTimeout()}
	}

	switch cfg.DialStrategy {
	case "", StrategyClickToCall:
		return NewClickToCall(cfg, client), nil
	case StrategyIVRCampaign:
		return NewIVRCampaign(cfg, client), nil
	default:
		return nil, fmt.Errorf("unknown dial strategy %q", cfg.DialStrategy)
	}
}

// doJSON executes req and decodes a JSON object body, converting non-2xx answers and transport
// failures into ProviderError.
func doJSON(client *http.Client, req *http.Request) (map[string]interface{}, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("reading response: %v", err)}
	}

	var payload map[string]interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil && resp.StatusCode < 300 {
			return nil, &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response body: %v", err)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if msg := stringField(payload, "message"); msg != "" {
			perr.Message = msg
		} else if errObj, ok := payload["error"].(map[string]interface{}); ok {
			perr.Code = stringField(errObj, "code")
			if msg := stringField(errObj, "message"); msg != "" {
				perr.Message = msg
			}
		} else if msg := stringField(payload, "error"); msg != "" {
			perr.Message = msg
		} else if len(body) > 0 && payload == nil {
			perr.Message = string(body)
		}
		if code := stringField(payload, "code"); code != "" {
			perr.Code = code
		}
		return nil, perr
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}
	return payload, nil
}

// extractCallID reads the provider call id from either {"success": {"call_id": ...}} or
// {"call_id": ...}.
func extractCallID(payload map[string]interface{}) string {
	if success, ok := payload["success"].(map[string]interface{}); ok {
		if id := stringField(success, "call_id"); id != "" {
			return id
		}
	}
	return stringField(payload, "call_id")
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// campaignStartTime formats the provider's "YYYY-MM-DD HH:MM" schedule field.
func campaignStartTime(now time.Time, lead time.Duration) string {
	return now.Add(lead).Format("2006-01-02 15:04")
}
