package store

import (
	"context"
	"fmt"

	"report-pipeline/internal/models"
)

// UpsertHeartbeat overwrites the worker's heartbeat row with the
// latest cycle counts. One row per worker.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats
			(worker_name, queue_name, last_seen_at, claimed, completed, failed,
			 requeued, poisoned, oldest_queued_age_seconds,
			 avg_processing_delay_seconds, failure_rate)
		VALUES ($1, $2, NOW(), $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (worker_name) DO UPDATE SET
			queue_name                   = EXCLUDED.queue_name,
			last_seen_at                 = NOW(),
			claimed                      = EXCLUDED.claimed,
			completed                    = EXCLUDED.completed,
			failed                       = EXCLUDED.failed,
			requeued                     = EXCLUDED.requeued,
			poisoned                     = EXCLUDED.poisoned,
			oldest_queued_age_seconds    = EXCLUDED.oldest_queued_age_seconds,
			avg_processing_delay_seconds = EXCLUDED.avg_processing_delay_seconds,
			failure_rate                 = EXCLUDED.failure_rate
	`, hb.WorkerName, string(hb.Queue), hb.Claimed, hb.Completed, hb.Failed,
		hb.Requeued, hb.Poisoned, hb.OldestQueuedAgeSec, hb.AvgProcessingDelay, hb.FailureRate)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

// ListHeartbeats returns every worker's latest heartbeat.
func (s *Store) ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_name, queue_name, last_seen_at, claimed, completed, failed,
		       requeued, poisoned, oldest_queued_age_seconds,
		       avg_processing_delay_seconds, failure_rate
		FROM worker_heartbeats
		ORDER BY worker_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []models.Heartbeat
	for rows.Next() {
		var hb models.Heartbeat
		var queue string
		if err := rows.Scan(&hb.WorkerName, &queue, &hb.LastSeenAt, &hb.Claimed,
			&hb.Completed, &hb.Failed, &hb.Requeued, &hb.Poisoned,
			&hb.OldestQueuedAgeSec, &hb.AvgProcessingDelay, &hb.FailureRate); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Queue = models.Queue(queue)
		out = append(out, hb)
	}
	return out, rows.Err()
}
