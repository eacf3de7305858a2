package janitor

import (
	"time"

	"fieldtrack/telemetry-agent/internal/queue"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor prunes poison items from the delivery queue on a schedule:
// samples that have been failing for longer than the retention window
// with more than the allowed attempts are never going to deliver and
// only grow the store.
type Janitor struct {
	queue       *queue.DeliveryQueue
	retention   time.Duration
	maxAttempts int
	schedule    string
	logger      *zap.Logger
	cron        *cron.Cron
}

// New creates a janitor. schedule is a cron spec, e.g. "@every 1h".
func New(q *queue.DeliveryQueue, retention time.Duration, maxAttempts int, schedule string, logger *zap.Logger) *Janitor {
	return &Janitor{
		queue:       q,
		retention:   retention,
		maxAttempts: maxAttempts,
		schedule:    schedule,
		logger:      logger,
	}
}

// Start registers and starts the pruning schedule.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.prune); err != nil {
		return err
	}
	c.Start()
	j.cron = c

	j.logger.Info("Queue janitor started",
		zap.String("schedule", j.schedule),
		zap.Duration("retention", j.retention),
		zap.Int("max_attempts", j.maxAttempts),
	)
	return nil
}

// Stop halts the schedule, waiting for a running prune to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.logger.Info("Queue janitor stopped")
	}
}

func (j *Janitor) prune() {
	pruned, err := j.queue.PruneOld(j.retention, j.maxAttempts)
	if err != nil {
		j.logger.Error("Queue prune failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		j.logger.Warn("Pruned undeliverable samples", zap.Int64("count", pruned))
	}
}
