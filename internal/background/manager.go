package background

import (
	"context"
	"errors"
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/models"
	"fieldtrack/telemetry-agent/internal/platform"
	"fieldtrack/telemetry-agent/internal/session"

	"go.uber.org/zap"
)

// ErrNoRecentSample is returned by a Sender when no fresh location
// sample is available to transmit.
var ErrNoRecentSample = errors.New("no recent location sample")

// Sender runs one sample-and-send cycle on behalf of the poll.
type Sender interface {
	// TransmitLatest pushes the most recent sample through the filter
	// and delivery path. Returns ErrNoRecentSample when the freshest
	// sample is too stale to use.
	TransmitLatest(ctx context.Context) error

	// LastAcceptedAt is when a sample last entered the delivery path.
	LastAcceptedAt() time.Time
}

// Manager negotiates a bounded execution allowance from the host OS
// while the app is backgrounded and runs a periodic poll within it. The
// allowance is always released in a scoped manner: on foreground
// return, on session end, and on teardown.
type Manager struct {
	budget   platform.BudgetProvider
	provider platform.LocationProvider
	machine  *session.Machine
	sender   Sender

	pollInterval time.Duration
	throttle     time.Duration
	graceDelay   time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	lease    platform.BudgetLease
	stopChan chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
	active   bool
}

// NewManager creates a background execution manager.
func NewManager(
	budget platform.BudgetProvider,
	provider platform.LocationProvider,
	machine *session.Machine,
	sender Sender,
	pollInterval time.Duration,
	throttle time.Duration,
	graceDelay time.Duration,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		budget:       budget,
		provider:     provider,
		machine:      machine,
		sender:       sender,
		pollInterval: pollInterval,
		throttle:     throttle,
		graceDelay:   graceDelay,
		logger:       logger,
	}
}

// BeginBudget acquires a background allowance and starts the poll.
// Idempotent while a budget is already held.
func (m *Manager) BeginBudget() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return nil
	}

	lease, err := m.budget.RequestBackgroundTime()
	if err != nil {
		m.logger.Warn("Background allowance denied", zap.Error(err))
		return err
	}

	m.lease = lease
	m.active = true
	m.stopChan = make(chan struct{})
	m.stopDone = make(chan struct{})

	m.wg.Add(1)
	go m.pollLoop(m.stopChan)

	m.logger.Info("Background budget acquired",
		zap.Duration("poll_interval", m.pollInterval),
	)
	return nil
}

// EndBudget stops the poll and releases the allowance. Safe to call
// when no budget is held. Every caller returns only after the release
// has completed, including callers racing the one doing the work.
func (m *Manager) EndBudget() {
	m.mu.Lock()
	if !m.active {
		done := m.stopDone
		m.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	m.active = false
	close(m.stopChan)
	lease := m.lease
	m.lease = nil
	done := m.stopDone
	m.mu.Unlock()

	m.wg.Wait()
	lease.Release()
	close(done)

	m.logger.Info("Background budget released")
}

// Active reports whether a budget is currently held.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) pollLoop(stopChan chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.poll(stopChan)
		case <-stopChan:
			return
		}
	}
}

// poll checks session validity, expires a session past its window, and
// triggers at most one transmission per throttle interval.
func (m *Manager) poll(stopChan chan struct{}) {
	sess := m.machine.Session()
	if sess == nil || sess.State.Terminal() {
		m.logger.Debug("No active session, releasing background budget")
		go m.EndBudget()
		return
	}

	if !time.Now().Before(sess.ScheduledEnd) {
		m.logger.Info("Session window elapsed during background poll",
			zap.String("assignment_id", sess.AssignmentID),
		)
		if err := m.machine.Expire(); err != nil {
			m.logger.Error("Failed to expire session", zap.Error(err))
		}
		return
	}

	if sess.State != models.StateWorking {
		return
	}

	if time.Since(m.sender.LastAcceptedAt()) < m.throttle {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.pollInterval)
	defer cancel()

	err := m.sender.TransmitLatest(ctx)
	if !errors.Is(err, ErrNoRecentSample) {
		if err != nil {
			m.logger.Warn("Background transmit failed", zap.Error(err))
		}
		return
	}

	// Nothing fresh on hand: ask the provider for a fix and retry after
	// a short grace delay.
	if err := m.provider.RequestSample(); err != nil {
		m.logger.Warn("One-shot sample request failed", zap.Error(err))
		return
	}

	select {
	case <-time.After(m.graceDelay):
	case <-stopChan:
		return
	}

	if err := m.sender.TransmitLatest(ctx); err != nil {
		m.logger.Debug("No sample after grace delay", zap.Error(err))
	}
}
