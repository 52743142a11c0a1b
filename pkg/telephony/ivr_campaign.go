package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"outbound-intake-relay/pkg/config"
)

// IVRCampaign dials through a single-number campaign whose IVR flow is one stream node pointing at
// the relay. Selected with DIAL_STRATEGY=ivr_campaign.
type IVRCampaign struct {
	baseURL   string
	apiKey    string
	authToken string
	callerID  string
	client    *http.Client
	now       func() time.Time
}

func NewIVRCampaign(cfg *config.Config, client *http.Client) *IVRCampaign {
	return &IVRCampaign{
		baseURL:   strings.TrimRight(cfg.TelephonyAPIURL, "/"),
		apiKey:    cfg.TelephonyAPIKey,
		authToken: cfg.TelephonyAuthToken,
		callerID:  cfg.TelephonyCallerID,
		client:    client,
		now:       time.Now,
	}
}

func (c *IVRCampaign) Name() string {
	return StrategyIVRCampaign
}

type ivrNode struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

type ivrFlow struct {
	Flow struct {
		Nodes []ivrNode `json:"nodes"`
	} `json:"flow"`
}

type campaignRequest struct {
	KNumber          string  `json:"k_number"`
	AdditionalNumber string  `json:"additional_number"`
	CallerID         string  `json:"caller_id"`
	StartTime        string  `json:"start_time"`
	Timezone         string  `json:"timezone"`
	Priority         int     `json:"priority"`
	OrderThrottling  int     `json:"order_throttling"`
	RetryDuration    int     `json:"retry_duration"`
	MaxRetry         int     `json:"max_retry"`
	CallScheduling   string  `json:"call_scheduling"`
	ScheduleStart    string  `json:"call_scheduling_start_time"`
	ScheduleStop     string  `json:"call_scheduling_stop_time"`
	IsPromotional    bool    `json:"is_promotional"`
	IVRFlow          ivrFlow `json:"ivr_flow"`
}

func (c *IVRCampaign) Dial(ctx context.Context, req DialRequest) (*DialResponse, error) {
	if req.Stream == nil {
		return nil, fmt.Errorf("ivr campaign requires a stream descriptor")
	}
	caller := req.CallerNumber
	if caller == "" {
		caller = c.callerID
	}

	metadata, err := req.Stream.MetadataJSON()
	if err != nil {
		return nil, err
	}

	var flow ivrFlow
	flow.Flow.Nodes = []ivrNode{{
		ID:   "stream_start",
		Type: "stream",
		Config: map[string]string{
			"wss_url":       req.Stream.URL,
			"sampling_rate": req.Stream.SamplingRate,
			"metadata":      metadata,
		},
	}}

	// Retries are owned by the relay's scheduler, never by the provider campaign.
	body := campaignRequest{
		KNumber:          caller,
		AdditionalNumber: req.CalleeNumber,
		CallerID:         caller,
		StartTime:        campaignStartTime(c.now(), 30*time.Second),
		Timezone:         "Asia/Kolkata",
		Priority:         1,
		OrderThrottling:  1,
		RetryDuration:    0,
		MaxRetry:         0,
		CallScheduling:   "[1, 1, 1, 1, 1, 1, 1]",
		ScheduleStart:    "00:00",
		ScheduleStop:     "23:59",
		IsPromotional:    false,
		IVRFlow:          flow,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding campaign request: %w", err)
	}

	endpoint := c.baseURL + "/Basic/v1/account/call/campaign"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building campaign request: %w", err)
	}
	httpReq.Header.Set("authorization", c.authToken)
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	payload, err := doJSON(c.client, httpReq)
	if err != nil {
		return nil, err
	}

	return &DialResponse{ProviderCallID: extractCallID(payload), Raw: payload}, nil
}
