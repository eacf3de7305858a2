package models

// TrackRouteLocationRequest is the body for POST /trackroutelocation,
// matching the backend contract field for field.
type TrackRouteLocationRequest struct {
	RouteID     string `json:"route_id"`
	PlanID      string `json:"plan_id"`
	ScreenID    string `json:"screen_id"`
	EmployeeID  string `json:"employee_id"`
	ScheduleID  string `json:"schedule_id"`
	SessionDate string `json:"session_date"` // YYYY-MM-DD

	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`

	ActualStartTime string `json:"actual_start_time"`
	ActualEndTime   string `json:"actual_end_time,omitempty"`
	Status          string `json:"status"` // always "active" for live samples

	BatteryLevel   float64 `json:"battery_level"`   // 0..1
	SignalStrength int     `json:"signal_strength"` // 0..5

	DurationMinutes      int     `json:"duration_minutes"`
	DistanceFromPrevious float64 `json:"distance_from_previous"`
	CumulativeDistance   float64 `json:"cumulative_distance"`
}

// UpdateWorkStatusRequest is the body for POST /updateassignmentworkstatus.
type UpdateWorkStatusRequest struct {
	EmployeeID   string     `json:"employee_id"`
	AssignmentID string     `json:"assignment_id"`
	WorkStatus   WorkStatus `json:"work_status"`
}
