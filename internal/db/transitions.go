package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	DefaultTransitionLimit = 100
	MaxTransitionLimit     = 1000
)

// TransitionRecord is one zone transition as stored locally.
type TransitionRecord struct {
	ID             int64     `json:"id"`
	Type           string    `json:"type"`
	Zone           string    `json:"zone"`
	AlertTriggered bool      `json:"alert_triggered"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Accuracy       *float64  `json:"accuracy,omitempty"`
	PositionTime   time.Time `json:"position_time"`
	ReceivedAt     time.Time `json:"received_at"`
}

// RecordTransition appends r to the log and returns its row ID.
func (db *DB) RecordTransition(ctx context.Context, r TransitionRecord) (int64, error) {
	var accuracy sql.NullFloat64
	if r.Accuracy != nil {
		accuracy = sql.NullFloat64{Float64: *r.Accuracy, Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO zone_transitions (
			event_type, zone, alert_triggered, latitude, longitude, accuracy,
			position_unix_ms, received_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Type, r.Zone, r.AlertTriggered, r.Latitude, r.Longitude, accuracy,
		r.PositionTime.UnixMilli(), r.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("record transition: %w", err)
	}
	return res.LastInsertId()
}

// RecentTransitions returns up to limit transitions, newest first. A
// non-positive limit uses DefaultTransitionLimit.
func (db *DB) RecentTransitions(ctx context.Context, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = DefaultTransitionLimit
	}
	if limit > MaxTransitionLimit {
		limit = MaxTransitionLimit
	}

	rows, err := db.QueryContext(ctx, `
		SELECT transition_id, event_type, zone, alert_triggered, latitude, longitude,
			accuracy, position_unix_ms, received_unix_ms
		FROM zone_transitions
		ORDER BY received_unix_ms DESC, transition_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var (
			r                    TransitionRecord
			accuracy             sql.NullFloat64
			positionMs, received int64
		)
		if err := rows.Scan(
			&r.ID, &r.Type, &r.Zone, &r.AlertTriggered, &r.Latitude, &r.Longitude,
			&accuracy, &positionMs, &received,
		); err != nil {
			return nil, err
		}
		if accuracy.Valid {
			a := accuracy.Float64
			r.Accuracy = &a
		}
		r.PositionTime = time.UnixMilli(positionMs).UTC()
		r.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
