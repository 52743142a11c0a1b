package telephony

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"outbound-intake-relay/pkg/config"
)

// ClickToCall is the canonical dial strategy: one GET against the provider's click-to-call API.
// The provider attaches the stream node configured for the caller id, so the stream descriptor is
// not sent on this path.
type ClickToCall struct {
	baseURL  string
	apiKey   string
	callerID string
	client   *http.Client
}

func NewClickToCall(cfg *config.Config, client *http.Client) *ClickToCall {
	return &ClickToCall{
		baseURL:  strings.TrimRight(cfg.TelephonySRURL, "/"),
		apiKey:   cfg.TelephonyAPIKey,
		callerID: cfg.TelephonyCallerID,
		client:   client,
	}
}

func (c *ClickToCall) Name() string {
	return StrategyClickToCall
}

func (c *ClickToCall) Dial(ctx context.Context, req DialRequest) (*DialResponse, error) {
	caller := req.CallerNumber
	if caller == "" {
		caller = c.callerID
	}

	params := url.Values{}
	params.Set("phone_number", req.CalleeNumber)
	params.Set("agent_number", caller)
	params.Set("sr_number", caller)
	params.Set("caller_id", caller)
	params.Set("is_promotional", "false")

	endpoint := fmt.Sprintf("%s/newsr/api/v1/click2call/?%s", c.baseURL, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building click-to-call request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("content-type", "application/json")

	payload, err := doJSON(c.client, httpReq)
	if err != nil {
		return nil, err
	}

	return &DialResponse{ProviderCallID: extractCallID(payload), Raw: payload}, nil
}
