package watchdog

import (
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// Watchdog owns the single deadline timer tied to the active session's
// scheduled end. Timers do not survive process death, so the machine
// re-arms after every rehydration.
type Watchdog struct {
	fire   func()
	logger *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watchdog that invokes fire when the window deadline
// passes.
func New(fire func(), logger *zap.Logger) *Watchdog {
	return &Watchdog{
		fire:   fire,
		logger: logger,
	}
}

// Arm schedules the deadline callback for the session's scheduled end,
// replacing any prior timer. The stop-and-replace happens in one
// critical section so at most one timer is ever outstanding. A deadline
// already in the past fires synchronously.
func (w *Watchdog) Arm(session *models.TrackingSession) {
	remaining := time.Until(session.ScheduledEnd)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if remaining <= 0 {
		w.mu.Unlock()
		w.logger.Info("Window deadline already passed, firing immediately",
			zap.String("assignment_id", session.AssignmentID),
			zap.Time("scheduled_end", session.ScheduledEnd),
		)
		w.fire()
		return
	}
	w.timer = time.AfterFunc(remaining, w.fire)
	w.mu.Unlock()

	w.logger.Info("Window watchdog armed",
		zap.String("assignment_id", session.AssignmentID),
		zap.Duration("remaining", remaining),
	)
}

// Disarm cancels any outstanding timer. A firing that already raced
// past the cancel is neutralized by the state guard in the session
// machine.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
		w.logger.Debug("Window watchdog disarmed")
	}
}
