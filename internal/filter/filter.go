package filter

import (
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/geo"
	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// Thresholds are the tunable parameters of the sampling heuristic.
type Thresholds struct {
	TimeCeiling     time.Duration `json:"timeCeiling"`     // max gap between transmissions
	DistanceFloorM  float64       `json:"distanceFloor"`   // below this, jitter
	HeadingDeltaDeg float64       `json:"headingDelta"`    // turn detection
	SpeedDeltaMPS   float64       `json:"speedDelta"`      // velocity change detection
	StationaryMPS   float64       `json:"stationaryBelow"` // stop boundary
	MovingMPS       float64       `json:"movingAbove"`     // start boundary
	AccuracyCeilM   float64       `json:"accuracyCeiling"` // worst acceptable fix
}

// DefaultThresholds returns the stock heuristic parameters.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TimeCeiling:     60 * time.Second,
		DistanceFloorM:  3,
		HeadingDeltaDeg: 15,
		SpeedDeltaMPS:   2,
		StationaryMPS:   1,
		MovingMPS:       2,
		AccuracyCeilM:   20,
	}
}

// Engine decides whether a candidate sample is worth transmitting.
// The decision itself is pure; the engine only adds a mutex so the
// thresholds can be retuned at runtime without a restart.
type Engine struct {
	mu          sync.RWMutex
	thresholds  Thresholds
	passthrough bool
	logger      *zap.Logger
}

// NewEngine creates a filter engine with the given starting thresholds.
func NewEngine(t Thresholds, passthrough bool, logger *zap.Logger) *Engine {
	return &Engine{
		thresholds:  t,
		passthrough: passthrough,
		logger:      logger,
	}
}

// ShouldSend applies the heuristic rules in order, first match wins.
// last is the previously transmitted sample, nil for the first of a
// session.
func (e *Engine) ShouldSend(candidate models.LocationSample, last *models.LocationSample) bool {
	e.mu.RLock()
	t := e.thresholds
	passthrough := e.passthrough
	e.mu.RUnlock()

	if passthrough {
		return true
	}
	return Decide(candidate, last, t)
}

// Decide is the pure decision function behind ShouldSend.
func Decide(candidate models.LocationSample, last *models.LocationSample, t Thresholds) bool {
	// First sample of the session always goes out.
	if last == nil {
		return true
	}

	// Liveness: never stay silent longer than the time ceiling.
	if candidate.CapturedAt.Sub(last.CapturedAt) >= t.TimeCeiling {
		return true
	}

	// GPS jitter suppression.
	dist := geo.HaversineM(last.Latitude, last.Longitude, candidate.Latitude, candidate.Longitude)
	if dist < t.DistanceFloorM {
		return false
	}

	// Turns and velocity changes.
	if candidate.HeadingDeg != nil && last.HeadingDeg != nil {
		if geo.HeadingDeltaDeg(*candidate.HeadingDeg, *last.HeadingDeg) > t.HeadingDeltaDeg {
			return true
		}
	}
	if candidate.SpeedMPS != nil && last.SpeedMPS != nil {
		if delta := *candidate.SpeedMPS - *last.SpeedMPS; delta > t.SpeedDeltaMPS || delta < -t.SpeedDeltaMPS {
			return true
		}

		// Stop/start events across the stationary boundary.
		if (*candidate.SpeedMPS < t.StationaryMPS && *last.SpeedMPS > t.MovingMPS) ||
			(*candidate.SpeedMPS > t.MovingMPS && *last.SpeedMPS < t.StationaryMPS) {
			return true
		}
	}

	// Low-quality fixes pollute the trace.
	if candidate.AccuracyM > t.AccuracyCeilM {
		return false
	}

	return false
}

// Snapshot returns the current thresholds and pass-through flag.
func (e *Engine) Snapshot() (Thresholds, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds, e.passthrough
}

// Update replaces the thresholds at runtime.
func (e *Engine) Update(t Thresholds) {
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()

	e.logger.Info("Filter thresholds updated",
		zap.Duration("time_ceiling", t.TimeCeiling),
		zap.Float64("distance_floor_m", t.DistanceFloorM),
		zap.Float64("accuracy_ceiling_m", t.AccuracyCeilM),
	)
}

// SetPassthrough toggles diagnostics pass-through mode.
func (e *Engine) SetPassthrough(enabled bool) {
	e.mu.Lock()
	e.passthrough = enabled
	e.mu.Unlock()

	e.logger.Info("Filter passthrough changed", zap.Bool("enabled", enabled))
}
