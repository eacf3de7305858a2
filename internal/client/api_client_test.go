package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

func testClient(serverURL string) *APIClient {
	return NewAPIClient(serverURL, "test-token", "device-1", 2*time.Second, zap.NewNop())
}

func TestTrackRouteLocationSendsHeadersAndBody(t *testing.T) {
	var gotAuth, gotDevice, gotPath string
	var gotBody models.TrackRouteLocationRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-Id")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := models.TrackRouteLocationRequest{
		RouteID:    "route-1",
		EmployeeID: "emp-1",
		Latitude:   52.52,
		Longitude:  13.405,
		Status:     "active",
	}
	if err := testClient(srv.URL).TrackRouteLocation(context.Background(), req); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	if gotPath != "/trackroutelocation" {
		t.Errorf("path = %s, want /trackroutelocation", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotDevice != "device-1" {
		t.Errorf("device header = %q", gotDevice)
	}
	if gotBody.RouteID != "route-1" || gotBody.Latitude != 52.52 {
		t.Errorf("unexpected body: %+v", gotBody)
	}
}

func TestUpdateWorkStatusPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testClient(srv.URL).UpdateWorkStatus(context.Background(), models.UpdateWorkStatusRequest{
		EmployeeID:   "emp-1",
		AssignmentID: "asg-1",
		WorkStatus:   models.WorkStatusWorking,
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if gotPath != "/updateassignmentworkstatus" {
		t.Errorf("path = %s, want /updateassignmentworkstatus", gotPath)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		check     func(error) bool
		checkName string
	}{
		{"unauthorized", http.StatusUnauthorized, IsAuth, "IsAuth"},
		{"forbidden", http.StatusForbidden, IsAuth, "IsAuth"},
		{"unprocessable", http.StatusUnprocessableEntity, IsPermanent, "IsPermanent"},
		{"bad request", http.StatusBadRequest, IsPermanent, "IsPermanent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := testClient(srv.URL).TrackRouteLocation(context.Background(), models.TrackRouteLocationRequest{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tt.check(err) {
				t.Errorf("%s(err) = false for status %d: %v", tt.checkName, tt.status, err)
			}
		})
	}
}

func TestRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient(srv.URL).TrackRouteLocation(context.Background(), models.TrackRouteLocationRequest{})
	var rateErr *RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if IsAuth(err) || IsPermanent(err) {
		t.Error("rate limiting must be neither auth nor permanent")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := testClient(srv.URL).TrackRouteLocation(context.Background(), models.TrackRouteLocationRequest{})
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if IsAuth(err) || IsPermanent(err) {
		t.Error("backend errors must be neither auth nor permanent")
	}
}

func TestConnectionFailureIsPlainError(t *testing.T) {
	// Closed immediately so the dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	err := testClient(srv.URL).TrackRouteLocation(context.Background(), models.TrackRouteLocationRequest{})
	if err == nil {
		t.Fatal("expected an error")
	}
	if IsAuth(err) || IsPermanent(err) {
		t.Error("transport failures must stay retryable")
	}
}
