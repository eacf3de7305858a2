package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldtrack/telemetry-agent/internal/background"
	"fieldtrack/telemetry-agent/internal/client"
	"fieldtrack/telemetry-agent/internal/database"
	"fieldtrack/telemetry-agent/internal/filter"
	"fieldtrack/telemetry-agent/internal/models"
	"fieldtrack/telemetry-agent/internal/queue"
	"fieldtrack/telemetry-agent/internal/session"

	"go.uber.org/zap"
)

type memSessionRepo struct {
	mu     sync.Mutex
	stored *models.TrackingSession
}

func (r *memSessionRepo) Save(s *models.TrackingSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := *s
	r.stored = &snap
	return nil
}

func (r *memSessionRepo) Load() (*models.TrackingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stored == nil {
		return nil, nil
	}
	snap := *r.stored
	return &snap, nil
}

func (r *memSessionRepo) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = nil
	return nil
}

type silentNotifier struct{}

func (silentNotifier) Notify(_, _ string, _ models.WorkStatus) {}

type idleWatchdog struct{}

func (idleWatchdog) Arm(_ *models.TrackingSession) {}
func (idleWatchdog) Disarm()                       {}

type stubProvider struct{}

func (stubProvider) StartUpdates(_ func(models.LocationSample)) error { return nil }
func (stubProvider) StopUpdates() error                               { return nil }
func (stubProvider) RequestSample() error                             { return nil }

func newTestService(t *testing.T, backendURL string) (*TelemetryService, *session.Machine, *queue.DeliveryQueue) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "service.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	machine := session.NewMachine(&memSessionRepo{}, silentNotifier{}, zap.NewNop())
	machine.SetWatchdog(idleWatchdog{})

	engine := filter.NewEngine(filter.DefaultThresholds(), false, zap.NewNop())
	q := queue.NewDeliveryQueue(db.DB, zap.NewNop())
	api := client.NewAPIClient(backendURL, "token", "device-1", 2*time.Second, zap.NewNop())

	svc := NewTelemetryService(
		machine, engine, q, api, stubProvider{},
		2*time.Second,  // api timeout
		time.Minute,    // retry interval
		15*time.Second, // stale after
		zap.NewNop(),
	)
	return svc, machine, q
}

func startWorking(t *testing.T, machine *session.Machine) {
	t.Helper()
	err := machine.Start(models.TrackingSession{
		RouteID:      "route-1",
		AssignmentID: "asg-1",
		EmployeeID:   "emp-1",
		ScheduledEnd: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
}

func rawSample(id string, lat float64) models.LocationSample {
	return models.LocationSample{
		ID:         id,
		Latitude:   lat,
		Longitude:  13.405,
		AccuracyM:  5,
		CapturedAt: time.Now(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSampleIgnoredWithoutWorkingSession(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	svc, _, q := newTestService(t, backend.URL)

	svc.onSample(rawSample("s1", 52.52))

	time.Sleep(50 * time.Millisecond)
	count, _ := q.PendingCount()
	if count != 0 {
		t.Errorf("idle engine must not enqueue, got %d pending", count)
	}
	if hits.Load() != 0 {
		t.Errorf("idle engine must not transmit, got %d requests", hits.Load())
	}
}

func TestAcceptedSampleDeliveredAndAcked(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc, machine, q := newTestService(t, backend.URL)
	startWorking(t, machine)

	svc.onSample(rawSample("s1", 52.52))

	waitFor(t, "delivery", func() bool { return hits.Load() == 1 })
	waitFor(t, "acknowledgement", func() bool {
		count, _ := q.PendingCount()
		return count == 0
	})
}

func TestFilteredJitterNotEnqueued(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc, machine, q := newTestService(t, backend.URL)
	startWorking(t, machine)

	svc.onSample(rawSample("s1", 52.52))
	waitFor(t, "first delivery", func() bool {
		count, _ := q.PendingCount()
		return count == 0
	})

	// A second fix within the distance floor is jitter and must not
	// touch the queue.
	svc.onSample(rawSample("s2", 52.52+1.0/111320))

	time.Sleep(50 * time.Millisecond)
	count, _ := q.PendingCount()
	if count != 0 {
		t.Errorf("jitter sample must not enqueue, got %d pending", count)
	}
}

func TestTransientFailureKeepsItemQueued(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	svc, machine, q := newTestService(t, backend.URL)
	startWorking(t, machine)

	svc.onSample(rawSample("s1", 52.52))

	waitFor(t, "attempt recorded", func() bool {
		items, _ := q.PeekAll()
		return len(items) == 1 && items[0].AttemptCount == 1
	})
}

func TestPermanentRejectionDropsItem(t *testing.T) {
	var delivered atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer backend.Close()

	svc, machine, q := newTestService(t, backend.URL)
	startWorking(t, machine)

	svc.onSample(rawSample("s1", 52.52))

	waitFor(t, "rejection handled", func() bool { return delivered.Load() == 1 })
	waitFor(t, "item dropped", func() bool {
		count, _ := q.PendingCount()
		return count == 0
	})
}

func TestTransmitLatestWithoutRecentSample(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	svc, machine, _ := newTestService(t, backend.URL)
	startWorking(t, machine)

	err := svc.TransmitLatest(context.Background())
	if !errors.Is(err, background.ErrNoRecentSample) {
		t.Fatalf("expected ErrNoRecentSample, got %v", err)
	}
}

func TestBuildTrackRequestMapsSessionAndSample(t *testing.T) {
	started := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	sess := &models.TrackingSession{
		RouteID:    "route-7",
		PlanID:     "plan-1",
		ScreenID:   "screen-3",
		ScheduleID: "sched-9",
		EmployeeID: "emp-5",
		State:      models.StateWorking,
		StartedAt:  started,
		ResumedAt:  started,
	}
	speed := 4.2
	sample := models.LocationSample{
		Latitude:            52.52,
		Longitude:           13.405,
		AccuracyM:           7,
		SpeedMPS:            &speed,
		BatteryLevel:        0.8,
		SignalStrength:      4,
		CapturedAt:          started.Add(90 * time.Minute),
		DistanceFromPrevM:   12.5,
		CumulativeDistanceM: 480,
	}

	req := buildTrackRequest(sess, sample)

	if req.RouteID != "route-7" || req.EmployeeID != "emp-5" || req.ScheduleID != "sched-9" {
		t.Errorf("session identifiers not mapped: %+v", req)
	}
	if req.SessionDate != "2025-06-02" {
		t.Errorf("session date = %s", req.SessionDate)
	}
	if req.ActualStartTime != started.Format(time.RFC3339) {
		t.Errorf("actual start = %s", req.ActualStartTime)
	}
	if req.DurationMinutes != 90 {
		t.Errorf("duration minutes = %d, want 90", req.DurationMinutes)
	}
	if req.Speed == nil || *req.Speed != 4.2 {
		t.Errorf("speed not carried: %+v", req.Speed)
	}
	if req.DistanceFromPrevious != 12.5 || req.CumulativeDistance != 480 {
		t.Errorf("distances not carried: %+v", req)
	}
	if req.Status != "active" {
		t.Errorf("status = %s", req.Status)
	}
}
