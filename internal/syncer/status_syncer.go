package syncer

import (
	"context"
	"sync"
	"time"

	"fieldtrack/telemetry-agent/internal/client"
	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// StatusSyncer mirrors session-state transitions to the backend. Calls
// are fire-and-forget: a failure is logged, not retried here, because
// the status is always re-derivable from session state and the next
// polling cycle or foreground event will assert it again.
type StatusSyncer struct {
	apiClient *client.APIClient
	timeout   time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewStatusSyncer creates a status syncer over the API client.
func NewStatusSyncer(apiClient *client.APIClient, timeout time.Duration, logger *zap.Logger) *StatusSyncer {
	return &StatusSyncer{
		apiClient: apiClient,
		timeout:   timeout,
		logger:    logger,
	}
}

// Notify asserts the assignment's current work status on the backend.
// Returns immediately; the network call runs in the background.
func (s *StatusSyncer) Notify(assignmentID, employeeID string, status models.WorkStatus) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		err := s.apiClient.UpdateWorkStatus(ctx, models.UpdateWorkStatusRequest{
			EmployeeID:   employeeID,
			AssignmentID: assignmentID,
			WorkStatus:   status,
		})
		if err != nil {
			s.logger.Warn("Failed to sync work status",
				zap.Error(err),
				zap.String("assignment_id", assignmentID),
				zap.String("work_status", string(status)),
			)
			return
		}

		s.logger.Info("Work status synced",
			zap.String("assignment_id", assignmentID),
			zap.String("work_status", string(status)),
		)
	}()
}

// Wait blocks until all in-flight notifications finish. Used on
// shutdown so a final transition is not cut off mid-request.
func (s *StatusSyncer) Wait() {
	s.wg.Wait()
}
