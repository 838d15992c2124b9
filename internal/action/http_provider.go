package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 64 << 10

// HTTPProvider performs rolls against a remote randomizer over HTTP.
//
// Request:  POST {baseURL}/rolls {"channel_id": "...", "kind": "d20"} with a bearer token.
// Response: {"value": 17} or {"error": {"code": "...", "description": "..."}}.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

type rollRequest struct {
	ChannelID string `json:"channel_id"`
	Kind      Kind   `json:"kind"`
}

type rollResponse struct {
	Value *int `json:"value"`
	Error *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// NewHTTPProvider creates a provider whose requests are bounded by timeout
// in addition to the context passed to Perform.
func NewHTTPProvider(baseURL, token string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Perform(ctx context.Context, channelID string, kind Kind) (Roll, error) {
	payload, err := json.Marshal(rollRequest{ChannelID: channelID, Kind: kind})
	if err != nil {
		return Roll{}, fmt.Errorf("encode roll request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rolls", bytes.NewReader(payload))
	if err != nil {
		return Roll{}, fmt.Errorf("build roll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return Roll{}, fmt.Errorf("roll POST: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Roll{}, fmt.Errorf("read roll response: %w", err)
	}

	var decoded rollResponse
	decodeErr := json.Unmarshal(body, &decoded)
	if decodeErr == nil && decoded.Error != nil && (decoded.Error.Code != "" || decoded.Error.Description != "") {
		return Roll{}, &RemoteError{Code: decoded.Error.Code, Description: decoded.Error.Description}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Roll{}, fmt.Errorf("roll POST: unexpected status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return Roll{}, fmt.Errorf("decode roll response: %w", decodeErr)
	}
	return Roll{Value: decoded.Value}, nil
}

// Close drops idle keep-alive connections.
func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// IsTimeout reports whether err is a deadline or client timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
