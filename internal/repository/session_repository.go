package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldtrack/telemetry-agent/internal/models"

	"go.uber.org/zap"
)

// SessionRepository persists the single active TrackingSession. The
// record is written through on every state transition so a process
// restart can rehydrate exactly where it left off.
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSessionRepository(db *sql.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// Save writes the session record, replacing any previous one.
func (r *SessionRepository) Save(session *models.TrackingSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO tracking_session (id, session_data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET session_data = excluded.session_data, updated_at = excluded.updated_at
	`, string(data), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// Load returns the persisted session, or nil when none exists. A record
// that fails to deserialize is treated as no prior state, never as a
// fatal condition.
func (r *SessionRepository) Load() (*models.TrackingSession, error) {
	var data string
	err := r.db.QueryRow(`SELECT session_data FROM tracking_session WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session models.TrackingSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		r.logger.Warn("Discarding corrupt session record", zap.Error(err))
		if _, delErr := r.db.Exec(`DELETE FROM tracking_session WHERE id = 1`); delErr != nil {
			r.logger.Error("Failed to delete corrupt session record", zap.Error(delErr))
		}
		return nil, nil
	}

	return &session, nil
}

// Clear removes the persisted session. Clearing an absent record is a
// no-op.
func (r *SessionRepository) Clear() error {
	if _, err := r.db.Exec(`DELETE FROM tracking_session WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
