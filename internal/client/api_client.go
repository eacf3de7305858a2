package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// APIClient handles communication with the backend telemetry API.
type APIClient struct {
	baseURL    string
	token      string
	deviceID   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a new API client carrying the app-level token.
func NewAPIClient(baseURL, token, deviceID string, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL:  baseURL,
		token:    token,
		deviceID: deviceID,
		timeout:  timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// TrackRouteLocation delivers one location sample to the backend.
func (c *APIClient) TrackRouteLocation(ctx context.Context, req models.TrackRouteLocationRequest) error {
	return c.post(ctx, "/trackroutelocation", req)
}

// UpdateWorkStatus asserts the current work status of an assignment.
// The backend treats repeated assertions of the same status as no-ops.
func (c *APIClient) UpdateWorkStatus(ctx context.Context, req models.UpdateWorkStatusRequest) error {
	return c.post(ctx, "/updateassignmentworkstatus", req)
}

func (c *APIClient) post(ctx context.Context, path string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("Request failed",
			zap.Error(err),
			zap.String("path", path),
			zap.Duration("duration", duration),
		)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("Request succeeded",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.Duration("duration", duration),
		)
		return nil
	}

	errMsg := fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.logger.Error("Authentication failed",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
		)
		return &AuthError{Message: errMsg, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Warn("Rate limited", zap.String("path", path))
		return &RateLimitError{Message: errMsg, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Error("Request rejected",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(body)),
		)
		return &RejectedError{Message: errMsg, StatusCode: resp.StatusCode}
	default:
		c.logger.Error("Backend error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
		)
		return &BackendError{Message: errMsg, StatusCode: resp.StatusCode}
	}
}

// AuthError marks 401/403 responses. Items stay queued for retry after
// re-authentication.
type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	return e.Message
}

// RateLimitError marks 429 responses; treated as transient.
type RateLimitError struct {
	Message    string
	StatusCode int
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// RejectedError marks non-auth 4xx responses; the request will never
// succeed and must not be retried.
type RejectedError struct {
	Message    string
	StatusCode int
}

func (e *RejectedError) Error() string {
	return e.Message
}

// BackendError marks 5xx responses; treated as transient.
type BackendError struct {
	Message    string
	StatusCode int
}

func (e *BackendError) Error() string {
	return e.Message
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsPermanent reports whether err is a permanent rejection that should
// drop the item instead of retrying.
func IsPermanent(err error) bool {
	var rejErr *RejectedError
	return errors.As(err, &rejErr)
}
