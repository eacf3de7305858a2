package models

import "time"

// SessionState is the lifecycle state of a tracking session.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateWorking   SessionState = "working"
	StatePaused    SessionState = "paused"
	StateCompleted SessionState = "completed"
	StateExpired   SessionState = "expired"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateExpired
}

// WorkStatus values accepted by the backend work-status endpoint.
type WorkStatus string

const (
	WorkStatusPending   WorkStatus = "pending"
	WorkStatusWorking   WorkStatus = "working"
	WorkStatusPaused    WorkStatus = "paused"
	WorkStatusCompleted WorkStatus = "completed"
)

// TrackingSession is the single active assignment being tracked.
// At most one non-terminal session exists process-wide; the session
// machine owns all mutation, everything else reads copies.
type TrackingSession struct {
	RouteID      string `json:"routeId"`
	AssignmentID string `json:"assignmentId"`
	PlanID       string `json:"planId"`
	ScreenID     string `json:"screenId"`
	ScheduleID   string `json:"scheduleId"`
	EmployeeID   string `json:"employeeId"`

	ScheduledStart time.Time `json:"scheduledStart"`
	ScheduledEnd   time.Time `json:"scheduledEnd"`

	State        SessionState `json:"state"`
	StartedAt    time.Time    `json:"startedAt"`
	EndedAt      time.Time    `json:"endedAt"`
	LastSampleAt time.Time    `json:"lastSampleAt"`

	// ActiveDuration accumulates completed working stretches; ResumedAt
	// marks the start of the current stretch while State is working.
	ActiveDuration time.Duration `json:"activeDuration"`
	ResumedAt      time.Time     `json:"resumedAt"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// WorkedDuration returns time spent in the working state up to now,
// with paused stretches excluded.
func (s *TrackingSession) WorkedDuration(now time.Time) time.Duration {
	d := s.ActiveDuration
	if s.State == StateWorking && !s.ResumedAt.IsZero() && now.After(s.ResumedAt) {
		d += now.Sub(s.ResumedAt)
	}
	return d
}
