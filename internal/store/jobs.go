package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"report-pipeline/internal/models"
)

const jobColumns = "id, subject_id, user_id, status, attempts, locked_at, last_error, poison_reason, poisoned_at, created_at, updated_at, completed_at"

// EnqueueJob upserts the queue row for a subject, resetting it to
// queued. Used for first submission and for re-queuing after a crash;
// attempts are kept so the retry budget survives re-enqueues.
func (s *Store) EnqueueJob(ctx context.Context, queue models.Queue, subjectID, userID string) (models.Job, error) {
	table, err := queue.Table()
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, subject_id, user_id, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', 0, NOW(), NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			status        = 'queued',
			locked_at     = NULL,
			last_error    = NULL,
			poison_reason = NULL,
			poisoned_at   = NULL,
			completed_at  = NULL,
			updated_at    = NOW()
		RETURNING `+jobColumns, table),
		uuid.New().String(), subjectID, userID)
	return scanJob(row)
}

// ClaimableJobs loads the oldest queued/processing rows as claim
// candidates. Callers claim at most a third of what they load so
// racing workers still find work.
func (s *Store) ClaimableJobs(ctx context.Context, queue models.Queue, limit int) ([]models.Job, error) {
	table, err := queue.Table()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+jobColumns+`
		FROM %s
		WHERE status IN ('queued', 'processing')
		ORDER BY created_at ASC
		LIMIT $1
	`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("query claim candidates: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob is the sole mutual-exclusion primitive: a single
// conditional update that only succeeds if status and locked_at still
// match the candidate snapshot. On success the row is processing,
// attempts are bumped, and the lease timestamp is set. ErrNotClaimed
// means another worker won the race.
func (s *Store) ClaimJob(ctx context.Context, queue models.Queue, candidate models.Job) (models.Job, error) {
	table, err := queue.Table()
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'processing', attempts = attempts + 1, locked_at = NOW(), last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND locked_at IS NOT DISTINCT FROM $3
		RETURNING `+jobColumns, table),
		candidate.ID, string(candidate.Status), candidate.LockedAt)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotClaimed
	}
	return job, err
}

// CompleteJob marks a processing job complete and releases its lease.
func (s *Store) CompleteJob(ctx context.Context, queue models.Queue, id string) error {
	table, err := queue.Table()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'complete', locked_at = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, table), id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", id, ErrNotFound)
	}
	return nil
}

// FailJob records a handler failure. Below the attempt cap the row
// goes back to queued with last_error retained; at or above the cap
// it is poisoned so it never retries again. One rule at one site:
// poison once the next attempt would exceed the cap.
func (s *Store) FailJob(ctx context.Context, queue models.Queue, id, cause string, attemptCap int) (bool, error) {
	table, err := queue.Table()
	if err != nil {
		return false, err
	}
	var status string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status        = CASE WHEN attempts >= $3 THEN 'failed' ELSE 'queued' END,
		    poison_reason = CASE WHEN attempts >= $3 THEN $2 ELSE poison_reason END,
		    poisoned_at   = CASE WHEN attempts >= $3 THEN NOW() ELSE poisoned_at END,
		    last_error    = $2,
		    locked_at     = NULL,
		    updated_at    = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING status
	`, table), id, cause, attemptCap).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("fail job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return status == string(models.JobFailed), nil
}

// RecoverStale handles processing rows whose lease expired: requeue
// if retry budget remains, poison otherwise. Any worker may reclaim
// an expired lease, including the one that originally held it.
func (s *Store) RecoverStale(ctx context.Context, queue models.Queue, lockTimeout time.Duration, attemptCap int) (requeued, poisoned int, err error) {
	table, err := queue.Table()
	if err != nil {
		return 0, 0, err
	}
	cutoff := time.Now().Add(-lockTimeout)

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'queued', locked_at = NULL, updated_at = NOW()
		WHERE status = 'processing' AND locked_at < $1 AND attempts < $2
	`, table), cutoff, attemptCap)
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale: %w", err)
	}
	requeued = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', locked_at = NULL,
		    poison_reason = 'lease expired with retry budget exhausted',
		    poisoned_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND locked_at < $1 AND attempts >= $2
	`, table), cutoff, attemptCap)
	if err != nil {
		return requeued, 0, fmt.Errorf("poison stale: %w", err)
	}
	return requeued, int(tag.RowsAffected()), nil
}

// RecoverOrphans re-enqueues business entities stuck in a live state
// with no live queue row backing them. A short grace period avoids
// racing submissions that have created the entity but not the job yet.
func (s *Store) RecoverOrphans(ctx context.Context, queue models.Queue) (int, error) {
	table, err := queue.Table()
	if err != nil {
		return 0, err
	}
	var subjectTable string
	switch queue {
	case models.QueueReports:
		subjectTable = "reports"
	case models.QueueSnapshots:
		subjectTable = "snapshots"
	default:
		return 0, fmt.Errorf("invalid queue %q", string(queue))
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (id, subject_id, user_id, status, attempts, created_at, updated_at)
		SELECT gen_random_uuid(), b.id, b.user_id, 'queued', 0, NOW(), NOW()
		FROM %[2]s b
		WHERE b.status IN ('queued', 'running')
		  AND b.updated_at < NOW() - INTERVAL '5 minutes'
		  AND NOT EXISTS (
			SELECT 1 FROM %[1]s j
			WHERE j.subject_id = b.id AND j.status IN ('queued', 'processing', 'failed')
		  )
		ON CONFLICT (subject_id) DO UPDATE SET
			status = 'queued', locked_at = NULL, last_error = NULL,
			completed_at = NULL, updated_at = NOW()
	`, table, subjectTable))
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetJobBySubject fetches the queue row for a subject.
func (s *Store) GetJobBySubject(ctx context.Context, queue models.Queue, subjectID string) (models.Job, error) {
	table, err := queue.Table()
	if err != nil {
		return models.Job{}, err
	}
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT `+jobColumns+` FROM %s WHERE subject_id = $1`, table), subjectID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// QueueStats computes the health metrics for one queue: depth, oldest
// queued age, lock-acquisition delay over a recent sample, and the
// failure rate over a trailing window.
func (s *Store) QueueStats(ctx context.Context, queue models.Queue, failureWindow time.Duration) (models.QueueStats, error) {
	table, err := queue.Table()
	if err != nil {
		return models.QueueStats{}, err
	}
	stats := models.QueueStats{Queue: queue}

	var oldestSec, delaySec float64
	var failed, completed int64
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status IN ('queued', 'processing')),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at) FILTER (WHERE status = 'queued')), 0),
			COALESCE((
				SELECT AVG(EXTRACT(EPOCH FROM sample.locked_at - sample.created_at))
				FROM (
					SELECT locked_at, created_at FROM %[1]s
					WHERE locked_at IS NOT NULL
					ORDER BY locked_at DESC LIMIT 50
				) sample
			), 0),
			COUNT(*) FILTER (WHERE status = 'failed' AND updated_at > NOW() - $1::interval),
			COUNT(*) FILTER (WHERE status = 'complete' AND completed_at > NOW() - $1::interval)
		FROM %[1]s
	`, table), failureWindow.String()).Scan(
		&stats.Depth, &stats.ActiveJobs, &oldestSec, &delaySec, &failed, &completed)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	stats.OldestQueuedAge = time.Duration(oldestSec * float64(time.Second))
	stats.AvgProcessingDelay = time.Duration(delaySec * float64(time.Second))
	if failed+completed > 0 {
		stats.FailureRate = float64(failed) / float64(failed+completed)
	}
	return stats, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var lockedAt, poisonedAt, completedAt pgtype.Timestamptz
	var lastErr, poisonReason pgtype.Text

	if err := row.Scan(&job.ID, &job.SubjectID, &job.UserID, &status, &job.Attempts,
		&lockedAt, &lastErr, &poisonReason, &poisonedAt,
		&job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return models.Job{}, err
	}
	parsed, err := models.ParseJobStatus(status)
	if err != nil {
		return models.Job{}, err
	}
	job.Status = parsed
	job.LockedAt = tsPtr(lockedAt)
	job.PoisonedAt = tsPtr(poisonedAt)
	job.CompletedAt = tsPtr(completedAt)
	job.LastError = textPtr(lastErr)
	job.PoisonReason = textPtr(poisonReason)
	return job, nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
