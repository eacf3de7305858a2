package service

import (
	"context"
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/background"
	"fieldtrack/telemetry-agent/internal/client"
	"fieldtrack/telemetry-agent/internal/filter"
	"fieldtrack/telemetry-agent/internal/geo"
	"fieldtrack/telemetry-agent/internal/models"
	"fieldtrack/telemetry-agent/internal/platform"
	"fieldtrack/telemetry-agent/internal/queue"
	"fieldtrack/telemetry-agent/internal/session"

	"go.uber.org/zap"
)

// TelemetryService glues the capture pipeline together: location
// updates flow through the filter engine into the durable delivery
// queue and out over the API client. All pipeline state mutation is
// serialized behind one mutex; provider callbacks, timer callbacks and
// control-API calls all marshal through it before touching anything
// shared.
type TelemetryService struct {
	machine   *session.Machine
	engine    *filter.Engine
	queue     *queue.DeliveryQueue
	apiClient *client.APIClient
	provider  platform.LocationProvider
	bg        *background.Manager

	apiTimeout    time.Duration
	retryInterval time.Duration
	staleAfter    time.Duration
	logger        *zap.Logger

	mu             sync.Mutex
	lastRaw        *models.LocationSample
	lastRawAt      time.Time
	lastAccepted   *models.LocationSample
	lastAcceptedAt time.Time
	cumulativeM    float64
	stopped        bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTelemetryService creates the orchestrator. The background manager
// is attached afterwards via SetBackgroundManager because it needs this
// service as its Sender.
func NewTelemetryService(
	machine *session.Machine,
	engine *filter.Engine,
	deliveryQueue *queue.DeliveryQueue,
	apiClient *client.APIClient,
	provider platform.LocationProvider,
	apiTimeout time.Duration,
	retryInterval time.Duration,
	staleAfter time.Duration,
	logger *zap.Logger,
) *TelemetryService {
	return &TelemetryService{
		machine:       machine,
		engine:        engine,
		queue:         deliveryQueue,
		apiClient:     apiClient,
		provider:      provider,
		apiTimeout:    apiTimeout,
		retryInterval: retryInterval,
		staleAfter:    staleAfter,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// SetBackgroundManager attaches the background execution manager.
func (s *TelemetryService) SetBackgroundManager(bg *background.Manager) {
	s.bg = bg
}

// Start subscribes to the location stream and begins the queue retry
// loop. The process start counts as a foreground transition, so pending
// deliveries from a previous run are retried immediately.
func (s *TelemetryService) Start() error {
	if err := s.provider.StartUpdates(s.onSample); err != nil {
		return err
	}

	s.wg.Add(1)
	go s.retryLoop()

	go s.retryPendingNow()

	s.logger.Info("Telemetry service started",
		zap.Duration("retry_interval", s.retryInterval),
	)
	return nil
}

// Stop tears the pipeline down: no new samples, budget released,
// background goroutines drained.
func (s *TelemetryService) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopChan:
		s.mu.Unlock()
		return
	default:
		s.stopped = true
		close(s.stopChan)
	}
	s.mu.Unlock()

	if err := s.provider.StopUpdates(); err != nil {
		s.logger.Warn("Failed to stop location updates", zap.Error(err))
	}
	if s.bg != nil {
		s.bg.EndBudget()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.logger.Warn("Some goroutines did not stop within timeout")
	}

	s.logger.Info("Telemetry service stopped")
}

// onSample is the location-provider callback. The session machine gates
// sampling: no working session means the sample is discarded untouched.
func (s *TelemetryService) onSample(raw models.LocationSample) {
	if !s.machine.IsWorking() {
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	s.lastRaw = &raw
	s.lastRawAt = time.Now()
	item, accepted := s.acceptLocked(raw)
	s.mu.Unlock()

	if accepted {
		go s.deliver(item)
	}
}

// acceptLocked runs the filter and, on accept, performs the durable
// write-through enqueue and commits the pipeline state. Caller holds
// s.mu.
func (s *TelemetryService) acceptLocked(raw models.LocationSample) (models.PendingDeliveryItem, bool) {
	sess := s.machine.Session()
	if sess == nil || sess.State != models.StateWorking {
		return models.PendingDeliveryItem{}, false
	}

	// Derived distances are relative to the last accepted sample, so a
	// dropped fix never inflates the cumulative trace.
	if s.lastAccepted != nil {
		raw.DistanceFromPrevM = geo.HaversineM(
			s.lastAccepted.Latitude, s.lastAccepted.Longitude,
			raw.Latitude, raw.Longitude,
		)
	}
	raw.CumulativeDistanceM = s.cumulativeM + raw.DistanceFromPrevM

	if !s.engine.ShouldSend(raw, s.lastAccepted) {
		s.logger.Debug("Sample dropped by filter",
			zap.String("sample_id", raw.ID),
			zap.Float64("distance_from_prev_m", raw.DistanceFromPrevM),
		)
		return models.PendingDeliveryItem{}, false
	}

	req := buildTrackRequest(sess, raw)
	item, err := s.queue.Enqueue(raw, req)
	if err != nil {
		// The sample is lost; everything else keeps running.
		s.logger.Error("Failed to enqueue sample", zap.Error(err), zap.String("sample_id", raw.ID))
		return models.PendingDeliveryItem{}, false
	}

	s.lastAccepted = &raw
	s.lastAcceptedAt = time.Now()
	s.cumulativeM = raw.CumulativeDistanceM
	s.machine.TouchSample(raw.CapturedAt)

	return item, true
}

// deliver transmits one freshly accepted item and settles it against
// the queue according to the error taxonomy.
func (s *TelemetryService) deliver(item models.PendingDeliveryItem) {
	ctx, cancel := context.WithTimeout(context.Background(), s.apiTimeout)
	defer cancel()

	err := s.Transmit(ctx, item)
	switch {
	case err == nil:
		if ackErr := s.queue.Acknowledge(item.ID); ackErr != nil {
			s.logger.Error("Failed to acknowledge delivered sample", zap.Error(ackErr), zap.Int64("id", item.ID))
		}
	case client.IsAuth(err):
		// Stays queued until re-authentication; already logged by the
		// client.
	case client.IsPermanent(err):
		if dropErr := s.queue.Drop(item.ID, err.Error()); dropErr != nil {
			s.logger.Error("Failed to drop rejected sample", zap.Error(dropErr), zap.Int64("id", item.ID))
		}
	default:
		if incErr := s.queue.IncrementAttempt(item.ID); incErr != nil {
			s.logger.Error("Failed to record attempt", zap.Error(incErr), zap.Int64("id", item.ID))
		}
	}
}

// Transmit implements queue.Transmitter.
func (s *TelemetryService) Transmit(ctx context.Context, item models.PendingDeliveryItem) error {
	return s.apiClient.TrackRouteLocation(ctx, item.Request)
}

// TransmitLatest implements background.Sender: it re-runs the freshest
// raw sample through the normal accept path. Returns ErrNoRecentSample
// when nothing fresh enough exists.
func (s *TelemetryService) TransmitLatest(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.lastRaw == nil || time.Since(s.lastRawAt) > s.staleAfter {
		s.mu.Unlock()
		return background.ErrNoRecentSample
	}
	raw := *s.lastRaw
	item, accepted := s.acceptLocked(raw)
	s.mu.Unlock()

	if !accepted {
		return nil
	}

	err := s.Transmit(ctx, item)
	switch {
	case err == nil:
		return s.queue.Acknowledge(item.ID)
	case client.IsPermanent(err):
		return s.queue.Drop(item.ID, err.Error())
	default:
		if incErr := s.queue.IncrementAttempt(item.ID); incErr != nil {
			s.logger.Error("Failed to record attempt", zap.Error(incErr), zap.Int64("id", item.ID))
		}
		return err
	}
}

// LastAcceptedAt implements background.Sender.
func (s *TelemetryService) LastAcceptedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAcceptedAt
}

// EnterBackground is the host lifecycle hook for losing foreground. A
// budget is only worth acquiring while a session is actively working.
func (s *TelemetryService) EnterBackground() {
	if s.bg == nil {
		return
	}
	if !s.machine.IsWorking() {
		return
	}
	if err := s.bg.BeginBudget(); err != nil {
		s.logger.Warn("Failed to begin background budget", zap.Error(err))
	}
}

// EnterForeground releases the background budget and retries queued
// deliveries immediately.
func (s *TelemetryService) EnterForeground() {
	if s.bg != nil {
		s.bg.EndBudget()
	}
	go s.retryPendingNow()
}

// RetryPending pushes every queued item through the transmitter.
func (s *TelemetryService) RetryPending(ctx context.Context) error {
	return s.queue.RetryAll(ctx, s)
}

func (s *TelemetryService) retryPendingNow() {
	ctx, cancel := context.WithTimeout(context.Background(), s.retryInterval)
	defer cancel()

	if err := s.RetryPending(ctx); err != nil {
		s.logger.Warn("Retry pass did not complete", zap.Error(err))
	}
}

// retryLoop periodically drains the delivery queue while the process is
// up, catching samples whose first transmission failed.
func (s *TelemetryService) retryLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.retryPendingNow()
		case <-s.stopChan:
			return
		}
	}
}

// Status reports the current pipeline state for the control API.
func (s *TelemetryService) Status() map[string]interface{} {
	s.mu.Lock()
	lastAcceptedAt := s.lastAcceptedAt
	cumulative := s.cumulativeM
	s.mu.Unlock()

	pendingCount, _ := s.queue.PendingCount()

	status := map[string]interface{}{
		"session_state":        string(s.machine.State()),
		"pending_samples":      pendingCount,
		"cumulative_distance":  cumulative,
		"background_active":    s.bg != nil && s.bg.Active(),
		"last_accepted_sample": lastAcceptedAt,
	}
	if sess := s.machine.Session(); sess != nil {
		status["assignment_id"] = sess.AssignmentID
		status["scheduled_end"] = sess.ScheduledEnd
		status["worked_duration"] = sess.WorkedDuration(time.Now()).String()
	}
	return status
}

// buildTrackRequest maps a session and an accepted sample onto the
// backend wire contract.
func buildTrackRequest(sess *models.TrackingSession, sample models.LocationSample) models.TrackRouteLocationRequest {
	return models.TrackRouteLocationRequest{
		RouteID:     sess.RouteID,
		PlanID:      sess.PlanID,
		ScreenID:    sess.ScreenID,
		EmployeeID:  sess.EmployeeID,
		ScheduleID:  sess.ScheduleID,
		SessionDate: sess.StartedAt.Format("2006-01-02"),

		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Accuracy:  sample.AccuracyM,
		Speed:     sample.SpeedMPS,
		Heading:   sample.HeadingDeg,

		ActualStartTime: sess.StartedAt.Format(time.RFC3339),
		Status:          "active",

		BatteryLevel:   sample.BatteryLevel,
		SignalStrength: sample.SignalStrength,

		DurationMinutes:      int(sess.WorkedDuration(sample.CapturedAt).Minutes()),
		DistanceFromPrevious: sample.DistanceFromPrevM,
		CumulativeDistance:   sample.CumulativeDistanceM,
	}
}
