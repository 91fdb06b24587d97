package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider dials interviews through a provider-agnostic HTTP endpoint.
// The endpoint receives the dial request as JSON and must answer with a JSON
// body carrying the call identifier.
type HTTPProvider struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPProvider builds a provider client for the given endpoint.
func NewHTTPProvider(endpoint string, token string, timeout time.Duration) (*HTTPProvider, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("provider endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Dial implements CallProvider.
func (provider *HTTPProvider) Dial(ctx context.Context, request DialRequest) (DialResult, error) {
	payload, err := json.Marshal(map[string]any{
		"session_id":      request.SessionID,
		"user_id":         request.UserID,
		"planned_minutes": request.PlannedMinutes,
	})
	if err != nil {
		return DialResult{}, err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.endpoint, bytes.NewReader(payload))
	if err != nil {
		return DialResult{}, err
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if provider.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+provider.token)
	}

	response, err := provider.client.Do(httpRequest)
	if err != nil {
		return DialResult{}, fmt.Errorf("provider dial: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return DialResult{}, fmt.Errorf("provider dial: unexpected status %d", response.StatusCode)
	}

	var decoded struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return DialResult{}, fmt.Errorf("provider dial: decode response: %w", err)
	}
	if strings.TrimSpace(decoded.CallID) == "" {
		return DialResult{}, fmt.Errorf("provider dial: response carries no call_id")
	}
	return DialResult{CallID: decoded.CallID}, nil
}
