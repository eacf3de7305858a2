package repository

import (
	"path/filepath"
	"testing"
	"time"

	"fieldtrack/telemetry-agent/internal/database"
	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

func testRepo(t *testing.T) (*SessionRepository, *database.DB) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "session.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewSessionRepository(db.DB, zap.NewNop()), db
}

func TestSaveLoadRoundTrip(t *testing.T) {
	repo, _ := testRepo(t)

	start := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	session := &models.TrackingSession{
		RouteID:        "route-7",
		AssignmentID:   "asg-42",
		PlanID:         "plan-1",
		ScreenID:       "screen-3",
		ScheduleID:     "sched-9",
		EmployeeID:     "emp-5",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(8 * time.Hour),
		State:          models.StateWorking,
		StartedAt:      start.Add(5 * time.Minute),
		ResumedAt:      start.Add(5 * time.Minute),
		ActiveDuration: 30 * time.Minute,
		UpdatedAt:      start.Add(time.Hour),
	}

	if err := repo.Save(session); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := repo.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a session, got nil")
	}

	if loaded.AssignmentID != session.AssignmentID ||
		loaded.EmployeeID != session.EmployeeID ||
		loaded.State != session.State ||
		!loaded.ScheduledEnd.Equal(session.ScheduledEnd) ||
		loaded.ActiveDuration != session.ActiveDuration {
		t.Errorf("loaded session differs: %+v vs %+v", loaded, session)
	}
}

func TestLoadAbsentReturnsNil(t *testing.T) {
	repo, _ := testRepo(t)

	session, err := repo.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session, got %+v", session)
	}
}

func TestLoadCorruptRecordTreatedAsAbsent(t *testing.T) {
	repo, db := testRepo(t)

	_, err := db.Exec(
		`INSERT INTO tracking_session (id, session_data, updated_at) VALUES (1, ?, ?)`,
		"{not valid json", time.Now(),
	)
	if err != nil {
		t.Fatalf("failed to plant corrupt record: %v", err)
	}

	session, err := repo.Load()
	if err != nil {
		t.Fatalf("corrupt record must not be fatal: %v", err)
	}
	if session != nil {
		t.Fatalf("expected nil session, got %+v", session)
	}
}

func TestSaveReplacesPrevious(t *testing.T) {
	repo, _ := testRepo(t)

	first := &models.TrackingSession{AssignmentID: "asg-1", State: models.StateWorking}
	second := &models.TrackingSession{AssignmentID: "asg-1", State: models.StatePaused}

	if err := repo.Save(first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := repo.Save(second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := repo.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.State != models.StatePaused {
		t.Errorf("expected replaced state paused, got %s", loaded.State)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	repo, _ := testRepo(t)

	if err := repo.Save(&models.TrackingSession{AssignmentID: "asg-1", State: models.StateWorking}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	if err := repo.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if err := repo.Clear(); err != nil {
		t.Fatalf("clearing an absent record must be a no-op: %v", err)
	}

	session, _ := repo.Load()
	if session != nil {
		t.Fatalf("expected nil after clear, got %+v", session)
	}
}
