package session

import (
	"errors"
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// ErrIllegalTransition is returned when an operation is invalid for the
// current state. The machine never corrupts state on a bad call; the
// caller gets this error and the session stays where it was.
var ErrIllegalTransition = errors.New("illegal session transition")

// ErrSessionActive is returned by Start while a non-terminal session
// exists. At most one session is tracked process-wide.
var ErrSessionActive = errors.New("a tracking session is already active")

// Repository persists the active session across process restarts.
type Repository interface {
	Save(session *models.TrackingSession) error
	Load() (*models.TrackingSession, error)
	Clear() error
}

// Notifier mirrors state transitions to the backend.
type Notifier interface {
	Notify(assignmentID, employeeID string, status models.WorkStatus)
}

// Deadline is the window watchdog owned by this machine.
type Deadline interface {
	Arm(session *models.TrackingSession)
	Disarm()
}

// Machine owns the lifecycle of the active tracking session. All
// mutation happens behind its mutex; side effects (watchdog, notifier)
// run after the lock is released so a synchronous deadline firing can
// re-enter safely.
type Machine struct {
	repo     Repository
	notifier Notifier
	watchdog Deadline
	logger   *zap.Logger

	mu      sync.Mutex
	session *models.TrackingSession
}

// NewMachine creates a session machine in the idle state.
func NewMachine(repo Repository, notifier Notifier, logger *zap.Logger) *Machine {
	return &Machine{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// SetWatchdog attaches the window watchdog. Wired after construction
// because the watchdog's fire callback points back at Expire.
func (m *Machine) SetWatchdog(w Deadline) {
	m.watchdog = w
}

// Start transitions Idle -> Working for the given assignment, persists
// the session, arms the watchdog and announces "working".
func (m *Machine) Start(assignment models.TrackingSession) error {
	m.mu.Lock()
	if m.session != nil && !m.session.State.Terminal() {
		activeID := m.session.AssignmentID
		m.mu.Unlock()
		m.logger.Error("Start rejected, session already active",
			zap.String("active_assignment", activeID),
			zap.String("requested_assignment", assignment.AssignmentID),
		)
		return ErrSessionActive
	}

	now := time.Now()
	sess := assignment
	sess.State = models.StateWorking
	sess.StartedAt = now
	sess.ResumedAt = now
	sess.ActiveDuration = 0
	sess.UpdatedAt = now

	if err := m.repo.Save(&sess); err != nil {
		m.mu.Unlock()
		return err
	}
	m.session = &sess
	snap := sess
	m.mu.Unlock()

	m.logger.Info("Tracking session started",
		zap.String("assignment_id", snap.AssignmentID),
		zap.String("employee_id", snap.EmployeeID),
		zap.Time("scheduled_end", snap.ScheduledEnd),
	)

	m.watchdog.Arm(&snap)
	m.notifier.Notify(snap.AssignmentID, snap.EmployeeID, models.WorkStatusWorking)
	return nil
}

// Pause transitions Working -> Paused, freezing the accumulated
// duration. The window deadline stays armed: a paused session still
// expires at its scheduled end.
func (m *Machine) Pause() error {
	m.mu.Lock()
	if m.session == nil || m.session.State != models.StateWorking {
		state := m.currentStateLocked()
		m.mu.Unlock()
		return m.illegal("pause", state)
	}

	now := time.Now()
	m.session.ActiveDuration += now.Sub(m.session.ResumedAt)
	m.session.ResumedAt = time.Time{}
	m.session.State = models.StatePaused
	m.session.UpdatedAt = now

	if err := m.repo.Save(m.session); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := *m.session
	m.mu.Unlock()

	m.logger.Info("Tracking session paused",
		zap.String("assignment_id", snap.AssignmentID),
		zap.Duration("active_duration", snap.ActiveDuration),
	)

	m.notifier.Notify(snap.AssignmentID, snap.EmployeeID, models.WorkStatusPaused)
	return nil
}

// Resume transitions Paused -> Working and restarts the duration
// counter.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.session == nil || m.session.State != models.StatePaused {
		state := m.currentStateLocked()
		m.mu.Unlock()
		return m.illegal("resume", state)
	}

	now := time.Now()
	m.session.ResumedAt = now
	m.session.State = models.StateWorking
	m.session.UpdatedAt = now

	if err := m.repo.Save(m.session); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := *m.session
	m.mu.Unlock()

	m.logger.Info("Tracking session resumed",
		zap.String("assignment_id", snap.AssignmentID),
	)

	m.notifier.Notify(snap.AssignmentID, snap.EmployeeID, models.WorkStatusWorking)
	return nil
}

// Complete transitions Working|Paused -> Completed on user action.
func (m *Machine) Complete() error {
	return m.finish(models.StateCompleted, false)
}

// Expire transitions Working|Paused -> Expired when the window deadline
// passes. System-triggered; a stale firing after the session already
// ended is a silent no-op rather than an error.
func (m *Machine) Expire() error {
	return m.finish(models.StateExpired, true)
}

func (m *Machine) finish(terminal models.SessionState, automatic bool) error {
	m.mu.Lock()
	if m.session == nil || m.session.State.Terminal() {
		state := m.currentStateLocked()
		m.mu.Unlock()
		if automatic {
			// Expected when a timer firing races a completed transition.
			m.logger.Debug("Stale expiration ignored", zap.String("state", string(state)))
			return nil
		}
		return m.illegal("complete", state)
	}

	now := time.Now()
	if m.session.State == models.StateWorking {
		m.session.ActiveDuration += now.Sub(m.session.ResumedAt)
		m.session.ResumedAt = time.Time{}
	}
	m.session.State = terminal
	m.session.EndedAt = now
	m.session.UpdatedAt = now

	if err := m.repo.Clear(); err != nil {
		m.mu.Unlock()
		return err
	}
	snap := *m.session
	m.session = nil
	m.mu.Unlock()

	if automatic {
		m.logger.Info("Tracking session expired automatically",
			zap.String("assignment_id", snap.AssignmentID),
			zap.Time("scheduled_end", snap.ScheduledEnd),
			zap.Duration("active_duration", snap.ActiveDuration),
		)
	} else {
		m.logger.Info("Tracking session completed",
			zap.String("assignment_id", snap.AssignmentID),
			zap.Duration("active_duration", snap.ActiveDuration),
		)
	}

	m.watchdog.Disarm()
	m.notifier.Notify(snap.AssignmentID, snap.EmployeeID, models.WorkStatusCompleted)
	return nil
}

// Rehydrate restores the persisted session after a process restart. A
// session whose scheduled end has already passed is expired on the
// spot; otherwise tracking resumes and the watchdog is re-armed with
// the remaining time.
func (m *Machine) Rehydrate() error {
	m.mu.Lock()
	sess, err := m.repo.Load()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if sess == nil {
		m.mu.Unlock()
		m.logger.Debug("No persisted session to rehydrate")
		return nil
	}
	if sess.State.Terminal() {
		// A terminal session should never have been left in storage.
		if clearErr := m.repo.Clear(); clearErr != nil {
			m.logger.Error("Failed to clear terminal session record", zap.Error(clearErr))
		}
		m.mu.Unlock()
		return nil
	}

	m.session = sess
	snap := *sess
	m.mu.Unlock()

	m.logger.Info("Rehydrated tracking session",
		zap.String("assignment_id", snap.AssignmentID),
		zap.String("state", string(snap.State)),
		zap.Time("scheduled_end", snap.ScheduledEnd),
	)

	if !time.Now().Before(snap.ScheduledEnd) {
		return m.Expire()
	}

	m.watchdog.Arm(&snap)
	return nil
}

// TouchSample records that a sample was accepted at t and persists the
// updated session record.
func (m *Machine) TouchSample(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || m.session.State.Terminal() {
		return
	}
	m.session.LastSampleAt = t
	m.session.UpdatedAt = time.Now()
	if err := m.repo.Save(m.session); err != nil {
		m.logger.Error("Failed to persist last-sample timestamp", zap.Error(err))
	}
}

// Session returns a copy of the active session, or nil when idle.
func (m *Machine) Session() *models.TrackingSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}
	snap := *m.session
	return &snap
}

// State returns the current lifecycle state, StateIdle when no session
// exists.
func (m *Machine) State() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentStateLocked()
}

// IsWorking reports whether samples should currently be collected.
func (m *Machine) IsWorking() bool {
	return m.State() == models.StateWorking
}

func (m *Machine) currentStateLocked() models.SessionState {
	if m.session == nil {
		return models.StateIdle
	}
	return m.session.State
}

func (m *Machine) illegal(op string, state models.SessionState) error {
	// Programming error in the caller, never a crash.
	m.logger.Error("Illegal session transition",
		zap.String("operation", op),
		zap.String("state", string(state)),
	)
	return ErrIllegalTransition
}
