package platform

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SimulatedLocationProvider emits a deterministic random walk at a
// fixed cadence. Used for development runs and tests when no real
// provider is wired in.
type SimulatedLocationProvider struct {
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	callback func(models.LocationSample)
	lat      float64
	lng      float64
	heading  float64
	rng      *rand.Rand
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewSimulatedLocationProvider creates a provider walking away from the
// given origin.
func NewSimulatedLocationProvider(lat, lng float64, interval time.Duration, seed int64, logger *zap.Logger) *SimulatedLocationProvider {
	return &SimulatedLocationProvider{
		interval: interval,
		logger:   logger,
		lat:      lat,
		lng:      lng,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (p *SimulatedLocationProvider) StartUpdates(callback func(models.LocationSample)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.callback = callback
	p.stopChan = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.walkLoop()

	p.logger.Info("Simulated location provider started",
		zap.Duration("interval", p.interval),
	)
	return nil
}

func (p *SimulatedLocationProvider) StopUpdates() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Simulated location provider stopped")
	return nil
}

// RequestSample emits one fix immediately.
func (p *SimulatedLocationProvider) RequestSample() error {
	p.emit()
	return nil
}

func (p *SimulatedLocationProvider) walkLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.emit()
		case <-p.stopChan:
			return
		}
	}
}

func (p *SimulatedLocationProvider) emit() {
	p.mu.Lock()
	// Drift the heading a little, then step roughly 5-20 meters.
	p.heading = math.Mod(p.heading+p.rng.Float64()*20-10+360, 360)
	stepM := 5 + p.rng.Float64()*15
	p.lat += stepM * math.Cos(p.heading*math.Pi/180) / 111320
	p.lng += stepM * math.Sin(p.heading*math.Pi/180) / (111320 * math.Cos(p.lat*math.Pi/180))

	speed := stepM / p.interval.Seconds()
	heading := p.heading
	sample := models.LocationSample{
		ID:             uuid.NewString(),
		Latitude:       p.lat,
		Longitude:      p.lng,
		AccuracyM:      3 + p.rng.Float64()*10,
		SpeedMPS:       &speed,
		HeadingDeg:     &heading,
		BatteryLevel:   0.5 + p.rng.Float64()*0.5,
		SignalStrength: 2 + p.rng.Intn(4),
		CapturedAt:     time.Now(),
	}
	callback := p.callback
	p.mu.Unlock()

	if callback != nil {
		callback(sample)
	}
}

// UnboundedBudgetProvider grants allowances unconditionally. Stands in
// for the host OS budget on platforms without one.
type UnboundedBudgetProvider struct {
	logger *zap.Logger
}

func NewUnboundedBudgetProvider(logger *zap.Logger) *UnboundedBudgetProvider {
	return &UnboundedBudgetProvider{logger: logger}
}

func (b *UnboundedBudgetProvider) RequestBackgroundTime() (BudgetLease, error) {
	b.logger.Debug("Background allowance granted")
	return &unboundedLease{logger: b.logger}, nil
}

type unboundedLease struct {
	once   sync.Once
	logger *zap.Logger
}

func (l *unboundedLease) Release() {
	l.once.Do(func() {
		l.logger.Debug("Background allowance released")
	})
}
