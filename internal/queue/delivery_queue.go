package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fieldtrack/telemetry-agent/internal/client"
	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// Transmitter delivers a single pending item to the backend.
type Transmitter interface {
	Transmit(ctx context.Context, item models.PendingDeliveryItem) error
}

// DeliveryQueue is the durable FIFO buffer of samples pending delivery.
// Every enqueue writes through to sqlite before returning, so a crash
// between enqueue and transmission never loses a sample. Delivery is
// at-least-once; the backend tolerates duplicates.
type DeliveryQueue struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeliveryQueue creates a delivery queue over the given store.
func NewDeliveryQueue(db *sql.DB, logger *zap.Logger) *DeliveryQueue {
	return &DeliveryQueue{
		db:     db,
		logger: logger,
	}
}

// payload is what a pending_samples row serializes: the sample plus the
// wire request built for it at accept time.
type payload struct {
	Sample  models.LocationSample            `json:"sample"`
	Request models.TrackRouteLocationRequest `json:"request"`
}

// Enqueue durably appends a sample and its wire request, returning the
// stored item with its assigned queue id.
func (q *DeliveryQueue) Enqueue(sample models.LocationSample, req models.TrackRouteLocationRequest) (models.PendingDeliveryItem, error) {
	data, err := json.Marshal(payload{Sample: sample, Request: req})
	if err != nil {
		return models.PendingDeliveryItem{}, fmt.Errorf("failed to marshal sample: %w", err)
	}

	enqueuedAt := time.Now()
	result, err := q.db.Exec(`
		INSERT INTO pending_samples (sample_data, enqueued_at, attempt_count)
		VALUES (?, ?, 0)
	`, string(data), enqueuedAt)
	if err != nil {
		return models.PendingDeliveryItem{}, fmt.Errorf("failed to enqueue sample: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.PendingDeliveryItem{}, fmt.Errorf("failed to read queue id: %w", err)
	}

	q.logger.Debug("Sample enqueued",
		zap.Int64("id", id),
		zap.String("sample_id", sample.ID),
	)

	return models.PendingDeliveryItem{
		ID:         id,
		Sample:     sample,
		Request:    req,
		EnqueuedAt: enqueuedAt,
	}, nil
}

// PeekAll returns every pending item in FIFO order without removing
// anything. Corrupt rows are deleted on sight.
func (q *DeliveryQueue) PeekAll() ([]models.PendingDeliveryItem, error) {
	rows, err := q.db.Query(`
		SELECT id, sample_data, enqueued_at, attempt_count
		FROM pending_samples
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending samples: %w", err)
	}
	defer rows.Close()

	var items []models.PendingDeliveryItem
	var corrupt []int64

	for rows.Next() {
		var item models.PendingDeliveryItem
		var data string

		if err := rows.Scan(&item.ID, &data, &item.EnqueuedAt, &item.AttemptCount); err != nil {
			q.logger.Error("Failed to scan row", zap.Error(err))
			continue
		}

		var p payload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			q.logger.Error("Dropping corrupt queued sample", zap.Error(err), zap.Int64("id", item.ID))
			corrupt = append(corrupt, item.ID)
			continue
		}
		item.Sample = p.Sample
		item.Request = p.Request

		items = append(items, item)
	}

	for _, id := range corrupt {
		if _, err := q.db.Exec(`DELETE FROM pending_samples WHERE id = ?`, id); err != nil {
			q.logger.Error("Failed to delete corrupt row", zap.Error(err), zap.Int64("id", id))
		}
	}

	return items, nil
}

// Acknowledge removes a delivered item. Acknowledging an item that was
// already removed is a no-op.
func (q *DeliveryQueue) Acknowledge(id int64) error {
	if _, err := q.db.Exec(`DELETE FROM pending_samples WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to acknowledge sample: %w", err)
	}
	return nil
}

// Drop removes an item that will never be deliverable, logging the
// reason so the loss is visible.
func (q *DeliveryQueue) Drop(id int64, reason string) error {
	if _, err := q.db.Exec(`DELETE FROM pending_samples WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to drop sample: %w", err)
	}

	q.logger.Warn("Dropped undeliverable sample",
		zap.Int64("id", id),
		zap.String("reason", reason),
	)
	return nil
}

// IncrementAttempt bumps the retry counter after a failed transmission.
func (q *DeliveryQueue) IncrementAttempt(id int64) error {
	_, err := q.db.Exec(`
		UPDATE pending_samples
		SET attempt_count = attempt_count + 1, last_attempt = ?
		WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to increment attempt: %w", err)
	}
	return nil
}

// PendingCount returns the number of queued items.
func (q *DeliveryQueue) PendingCount() (int, error) {
	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_samples`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get pending count: %w", err)
	}
	return count, nil
}

// RetryAll walks every pending item in enqueue order and attempts
// delivery. A 2xx acknowledges the item, a permanent rejection drops it,
// an auth failure aborts the pass leaving everything queued, and any
// other failure leaves the item for the next pass.
func (q *DeliveryQueue) RetryAll(ctx context.Context, tx Transmitter) error {
	items, err := q.PeekAll()
	if err != nil {
		return err
	}

	if len(items) == 0 {
		return nil
	}

	q.logger.Debug("Retrying pending samples", zap.Int("count", len(items)))

	var delivered int
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := tx.Transmit(ctx, item)
		switch {
		case err == nil:
			if ackErr := q.Acknowledge(item.ID); ackErr != nil {
				q.logger.Error("Failed to acknowledge sample", zap.Error(ackErr), zap.Int64("id", item.ID))
			}
			delivered++
		case client.IsAuth(err):
			// Retrying the rest would fail the same way; wait for
			// re-authentication.
			q.logger.Warn("Retry pass aborted on auth failure", zap.Error(err))
			return err
		case client.IsPermanent(err):
			if dropErr := q.Drop(item.ID, err.Error()); dropErr != nil {
				q.logger.Error("Failed to drop rejected sample", zap.Error(dropErr), zap.Int64("id", item.ID))
			}
		default:
			if incErr := q.IncrementAttempt(item.ID); incErr != nil {
				q.logger.Error("Failed to record attempt", zap.Error(incErr), zap.Int64("id", item.ID))
			}
		}
	}

	if delivered > 0 {
		q.logger.Info("Delivered queued samples",
			zap.Int("delivered", delivered),
			zap.Int("pending", len(items)-delivered),
		)
	}

	return nil
}

// PruneOld removes items past both the age and attempt limits. These
// have been failing long enough that keeping them only grows the store.
func (q *DeliveryQueue) PruneOld(olderThan time.Duration, maxAttempts int) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := q.db.Exec(`
		DELETE FROM pending_samples
		WHERE enqueued_at < ? AND attempt_count > ?
	`, cutoff, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old samples: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		q.logger.Info("Pruned stale samples", zap.Int64("count", rowsAffected))
	}

	return rowsAffected, nil
}
