package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Prediction sources
const (
	SourceUpload = "upload"
	SourceLive   = "live"
	SourceManual = "manual"
)

// PredictionRecord is one persisted classification
type PredictionRecord struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Label     string    `json:"label"`
	Score     float64   `json:"score"`
	Message   string    `json:"message,omitempty"`
	ImagePath string    `json:"image_path,omitempty"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordPrediction stores a prediction, filling ID and CreatedAt when unset
func (m *Manager) RecordPrediction(ctx context.Context, rec *PredictionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO predictions (id, source, label, score, message, image_path, email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := m.db.GetDB().ExecContext(ctx, query,
		rec.ID, rec.Source, rec.Label, rec.Score,
		nullString(rec.Message), nullString(rec.ImagePath), nullString(rec.Email), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

// ListPredictions returns the most recent predictions, newest first.
// An empty source matches every source.
func (m *Manager) ListPredictions(ctx context.Context, source string, limit int) ([]PredictionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, source, label, score, message, image_path, email, created_at
		FROM predictions
		WHERE (? = '' OR source = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := m.db.GetDB().QueryContext(ctx, query, source, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list predictions: %w", err)
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var rec PredictionRecord
		var message, imagePath, email sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Label, &rec.Score,
			&message, &imagePath, &email, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		rec.Message = message.String
		rec.ImagePath = imagePath.String
		rec.Email = email.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PrunePredictions deletes predictions older than cutoff
func (m *Manager) PrunePredictions(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM predictions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune predictions: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
