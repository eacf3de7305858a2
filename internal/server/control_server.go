package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fieldtrack/telemetry-agent/internal/filter"
	"fieldtrack/telemetry-agent/internal/models"
	"fieldtrack/telemetry-agent/internal/service"
	"fieldtrack/telemetry-agent/internal/session"

	"go.uber.org/zap"
)

// StartSessionRequest is the control-API body for starting tracking of
// an assignment.
type StartSessionRequest struct {
	RouteID        string    `json:"route_id"`
	AssignmentID   string    `json:"assignment_id"`
	PlanID         string    `json:"plan_id"`
	ScreenID       string    `json:"screen_id"`
	ScheduleID     string    `json:"schedule_id"`
	EmployeeID     string    `json:"employee_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
}

// FilterUpdateRequest tunes the sampling heuristic at runtime.
type FilterUpdateRequest struct {
	TimeCeilingSec  *int     `json:"time_ceiling,omitempty"`
	DistanceFloor   *float64 `json:"distance_floor,omitempty"`
	HeadingDelta    *float64 `json:"heading_delta,omitempty"`
	SpeedDelta      *float64 `json:"speed_delta,omitempty"`
	StationaryBelow *float64 `json:"stationary_below,omitempty"`
	MovingAbove     *float64 `json:"moving_above,omitempty"`
	AccuracyCeiling *float64 `json:"accuracy_ceiling,omitempty"`
	Passthrough     *bool    `json:"passthrough,omitempty"`
}

// ControlServer is the localhost listener the host application drives
// the engine through: session verbs, lifecycle notifications, filter
// tuning and status.
type ControlServer struct {
	svc     *service.TelemetryService
	machine *session.Machine
	engine  *filter.Engine
	logger  *zap.Logger
}

// NewControlServer creates the control API handler.
func NewControlServer(
	svc *service.TelemetryService,
	machine *session.Machine,
	engine *filter.Engine,
	logger *zap.Logger,
) *ControlServer {
	return &ControlServer{
		svc:     svc,
		machine: machine,
		engine:  engine,
		logger:  logger,
	}
}

// Handler builds the route mux wrapped in logging middleware.
func (s *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.svc.Status())
	})

	mux.HandleFunc("/api/v1/session/start", s.handleStart)
	mux.HandleFunc("/api/v1/session/pause", s.transition("pause", s.machine.Pause))
	mux.HandleFunc("/api/v1/session/resume", s.transition("resume", s.machine.Resume))
	mux.HandleFunc("/api/v1/session/complete", s.transition("complete", s.machine.Complete))

	mux.HandleFunc("/api/v1/lifecycle/background", s.lifecycle(s.svc.EnterBackground))
	mux.HandleFunc("/api/v1/lifecycle/foreground", s.lifecycle(s.svc.EnterForeground))

	mux.HandleFunc("/api/v1/filter", s.handleFilter)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("Control request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)
		mux.ServeHTTP(w, r)
	})
}

func (s *ControlServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode start request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.AssignmentID == "" || req.EmployeeID == "" || req.ScheduledEnd.IsZero() {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	err := s.machine.Start(models.TrackingSession{
		RouteID:        req.RouteID,
		AssignmentID:   req.AssignmentID,
		PlanID:         req.PlanID,
		ScreenID:       req.ScreenID,
		ScheduleID:     req.ScheduleID,
		EmployeeID:     req.EmployeeID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if errors.Is(err, session.ErrSessionActive) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("Failed to start session", zap.Error(err))
		http.Error(w, "Failed to start session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"state": string(s.machine.State()),
	})
}

// transition wraps a user-initiated state-machine verb. Illegal
// transitions surface as 409 rather than mutating anything.
func (s *ControlServer) transition(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		err := fn()
		if errors.Is(err, session.ErrIllegalTransition) {
			http.Error(w, "Illegal transition: "+name, http.StatusConflict)
			return
		}
		if err != nil {
			s.logger.Error("Session transition failed", zap.String("operation", name), zap.Error(err))
			http.Error(w, "Transition failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"state": string(s.machine.State()),
		})
	}
}

func (s *ControlServer) lifecycle(fn func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *ControlServer) handleFilter(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		thresholds, passthrough := s.engine.Snapshot()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"thresholds":  thresholds,
			"passthrough": passthrough,
		})
	case http.MethodPut:
		var req FilterUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		thresholds, _ := s.engine.Snapshot()
		if req.TimeCeilingSec != nil {
			thresholds.TimeCeiling = time.Duration(*req.TimeCeilingSec) * time.Second
		}
		if req.DistanceFloor != nil {
			thresholds.DistanceFloorM = *req.DistanceFloor
		}
		if req.HeadingDelta != nil {
			thresholds.HeadingDeltaDeg = *req.HeadingDelta
		}
		if req.SpeedDelta != nil {
			thresholds.SpeedDeltaMPS = *req.SpeedDelta
		}
		if req.StationaryBelow != nil {
			thresholds.StationaryMPS = *req.StationaryBelow
		}
		if req.MovingAbove != nil {
			thresholds.MovingMPS = *req.MovingAbove
		}
		if req.AccuracyCeiling != nil {
			thresholds.AccuracyCeilM = *req.AccuracyCeiling
		}
		s.engine.Update(thresholds)

		if req.Passthrough != nil {
			s.engine.SetPassthrough(*req.Passthrough)
		}

		newThresholds, passthrough := s.engine.Snapshot()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"thresholds":  newThresholds,
			"passthrough": passthrough,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
