package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"report-pipeline/internal/models"
)

// InsertAlert appends one operational alert event. Alert rows are
// never mutated; recovery is a later row for the same source with a
// resolved marker in context.
func (s *Store) InsertAlert(ctx context.Context, alert models.Alert) (models.Alert, error) {
	if !alert.Severity.Valid() {
		return models.Alert{}, fmt.Errorf("invalid severity %q", string(alert.Severity))
	}
	if alert.Context == nil {
		alert.Context = map[string]any{}
	}
	ctxJSON, err := json.Marshal(alert.Context)
	if err != nil {
		return models.Alert{}, fmt.Errorf("marshal alert context: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO ops_alerts (severity, source, message, context)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, string(alert.Severity), alert.Source, alert.Message, ctxJSON).
		Scan(&alert.ID, &alert.CreatedAt)
	if err != nil {
		return models.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return alert, nil
}

// LatestAlertForSource returns the most recent alert row for a
// source, or found=false when none exists. The alerter uses it to
// decide whether a recovery notice has anything to resolve.
func (s *Store) LatestAlertForSource(ctx context.Context, source string) (models.Alert, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, severity, source, message, context, created_at
		FROM ops_alerts WHERE source = $1
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, source)
	alert, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, false, nil
	}
	if err != nil {
		return models.Alert{}, false, err
	}
	return alert, true, nil
}

// RecentAlerts lists the newest alert events for the operational API.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, severity, source, message, context, created_at
		FROM ops_alerts
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

func scanAlert(row pgx.Row) (models.Alert, error) {
	var alert models.Alert
	var severity string
	var ctxJSON []byte
	if err := row.Scan(&alert.ID, &severity, &alert.Source, &alert.Message,
		&ctxJSON, &alert.CreatedAt); err != nil {
		return models.Alert{}, err
	}
	alert.Severity = models.Severity(severity)
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &alert.Context); err != nil {
			return models.Alert{}, fmt.Errorf("unmarshal alert context: %w", err)
		}
	}
	return alert, nil
}
