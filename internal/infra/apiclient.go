package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// HTTPPolicyClient implements domain.PolicyClient against the
// compliance service HTTP API.
type HTTPPolicyClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPPolicyClient creates a new HTTP client for the service API.
func NewHTTPPolicyClient(baseURL, token string, logger *zap.Logger) *HTTPPolicyClient {
	return &HTTPPolicyClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With(zap.String("component", "policy-client")),
	}
}

// CheckEmergencyCredential verifies an emergency-unlock credential.
// A non-2xx response or transport failure is an error; a well-formed
// rejection comes back as Success=false.
func (c *HTTPPolicyClient) CheckEmergencyCredential(ctx context.Context, password, reason string) (domain.CredentialResult, error) {
	body := map[string]string{"password": password}
	if reason != "" {
		body["reason"] = reason
	}

	var result domain.CredentialResult
	if err := c.post(ctx, "/v1/agent/emergency-unlock/verify", body, &result); err != nil {
		return domain.CredentialResult{}, err
	}
	return result, nil
}

// FetchWorkTimePolicy returns the current server work-time fields.
func (c *HTTPPolicyClient) FetchWorkTimePolicy(ctx context.Context) (*domain.WorkTimePolicy, error) {
	u, err := c.endpoint("/v1/agent/work-time-policy")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, data); err != nil {
		return nil, err
	}

	var policy domain.WorkTimePolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy response: %w", err)
	}

	c.logger.Debug("work-time policy received",
		zap.String("screen_type", policy.ScreenType),
		zap.String("leave_seat_use", policy.LeaveSeatUse))

	return &policy, nil
}

// ReportLeaveSeat delivers one leave-seat report.
func (c *HTTPPolicyClient) ReportLeaveSeat(ctx context.Context, report domain.LeaveSeatReport) error {
	return c.post(ctx, "/v1/agent/leave-seat", report, nil)
}

// ReportAgentEvents delivers a telemetry batch.
func (c *HTTPPolicyClient) ReportAgentEvents(ctx context.Context, events []domain.AgentEvent) error {
	return c.post(ctx, "/v1/agent/events", events, nil)
}

func (c *HTTPPolicyClient) post(ctx context.Context, path string, body, out any) error {
	u, err := c.endpoint(path)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, data); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *HTTPPolicyClient) endpoint(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path
	return u.String(), nil
}

func (c *HTTPPolicyClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
}

func checkStatus(code int, body []byte) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: invalid or disabled token")
	case code == http.StatusForbidden:
		return fmt.Errorf("forbidden: not authorized for this device")
	case code < 200 || code > 299:
		return fmt.Errorf("unexpected status %d: %s", code, string(body))
	}
	return nil
}

// Ensure HTTPPolicyClient implements domain.PolicyClient.
var _ domain.PolicyClient = (*HTTPPolicyClient)(nil)
