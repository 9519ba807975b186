package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/firewatch/internal/logger"
)

// Manager manages local state persistence: the session identity and the
// prediction history.
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the state database at dbPath
func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log,
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	if _, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}
	return nil
}

// GetSystemState retrieves a system state value, "" when unset
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	err := m.db.GetDB().QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}
	return value, nil
}

// DeleteSystemState removes a system state value
func (m *Manager) DeleteSystemState(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM system_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete system state: %w", err)
	}
	return nil
}

// RecoveredState is what RecoverState reports on startup
type RecoveredState struct {
	SystemState  map[string]string
	Predictions  int
	FireDetected int
}

// RecoverState loads persisted state on startup
func (m *Manager) RecoverState(ctx context.Context) (*RecoveredState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.logger.Info("Recovering local state")

	recovered := &RecoveredState{SystemState: make(map[string]string)}

	rows, err := m.db.GetDB().QueryContext(ctx, `SELECT key, value FROM system_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to recover system state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to recover system state: %w", err)
		}
		recovered.SystemState[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to recover system state: %w", err)
	}

	err = m.db.GetDB().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN label = 'fire' THEN 1 ELSE 0 END), 0)
		FROM predictions
	`).Scan(&recovered.Predictions, &recovered.FireDetected)
	if err != nil {
		return nil, fmt.Errorf("failed to count predictions: %w", err)
	}

	m.logger.Info("State recovery complete",
		"keys", len(recovered.SystemState),
		"predictions", recovered.Predictions,
		"fire_detected", recovered.FireDetected,
	)
	return recovered, nil
}
