package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"report-pipeline/internal/models"
)

// CreateReport inserts a new report entity in queued state.
func (s *Store) CreateReport(ctx context.Context, userID, sourceURL string, gapAnalysis bool) (models.Report, error) {
	r := models.Report{
		ID:          uuid.New().String(),
		UserID:      userID,
		SourceURL:   sourceURL,
		Status:      models.SubjectQueued,
		GapAnalysis: gapAnalysis,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reports (id, user_id, source_url, status, gap_analysis)
		VALUES ($1, $2, $3, 'queued', $4)
		RETURNING created_at, updated_at
	`, r.ID, userID, sourceURL, gapAnalysis).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return r, nil
}

// GetReport fetches a report by id.
func (s *Store) GetReport(ctx context.Context, id string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, source_url, status, quota_charged, gap_analysis, result,
		       artifact_key, error, created_at, updated_at, completed_at
		FROM reports WHERE id = $1
	`, id)

	var r models.Report
	var status string
	var resultJSON []byte
	var artifactKey, errText pgtype.Text
	var completedAt pgtype.Timestamptz

	err := row.Scan(&r.ID, &r.UserID, &r.SourceURL, &status, &r.QuotaCharged, &r.GapAnalysis,
		&resultJSON, &artifactKey, &errText, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Report{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("scan report: %w", err)
	}
	parsed, err := models.ParseSubjectStatus(status)
	if err != nil {
		return models.Report{}, err
	}
	r.Status = parsed
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
			return models.Report{}, fmt.Errorf("unmarshal report result: %w", err)
		}
	}
	r.ArtifactKey = textPtr(artifactKey)
	r.Error = textPtr(errText)
	r.CompletedAt = tsPtr(completedAt)
	return r, nil
}

// MarkReportRunning flips a report to running when a worker picks up
// its job.
func (s *Store) MarkReportRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id)
	return err
}

// RequestGapAnalysis re-opens a finished report for a gap-analysis
// re-run. The previous result stays until the re-run overwrites it.
func (s *Store) RequestGapAnalysis(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reports
		SET gap_analysis = TRUE, status = 'queued', error = NULL,
		    completed_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("request gap analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkReportFailed mirrors a queue-level failure onto the report so
// user-facing status never diverges from queue-internal state.
func (s *Store) MarkReportFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reports SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'complete'
	`, id, reason)
	return err
}

// SaveReportResult persists a finished report without touching the
// ledger. Used when finalization is routed to reconciliation so the
// user still sees their result; quota_charged stays false until the
// ledger is repaired.
func (s *Store) SaveReportResult(ctx context.Context, id string, result map[string]any, artifactKey string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE reports
		SET status = 'complete', result = $2, artifact_key = NULLIF($3, ''),
		    error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, resultJSON, artifactKey)
	return err
}

// SaveSnapshotResult is the snapshot analog of SaveReportResult.
func (s *Store) SaveSnapshotResult(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE snapshots
		SET status = 'complete', result = $2, error = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, resultJSON)
	return err
}

// CreateSnapshot inserts a new snapshot entity in queued state.
func (s *Store) CreateSnapshot(ctx context.Context, userID, sourceURL string) (models.Snapshot, error) {
	sn := models.Snapshot{
		ID:        uuid.New().String(),
		UserID:    userID,
		SourceURL: sourceURL,
		Status:    models.SubjectQueued,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO snapshots (id, user_id, source_url, status)
		VALUES ($1, $2, $3, 'queued')
		RETURNING created_at, updated_at
	`, sn.ID, userID, sourceURL).Scan(&sn.CreatedAt, &sn.UpdatedAt)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return sn, nil
}

// GetSnapshot fetches a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (models.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, source_url, status, result, error, created_at, updated_at, completed_at
		FROM snapshots WHERE id = $1
	`, id)

	var sn models.Snapshot
	var status string
	var resultJSON []byte
	var errText pgtype.Text
	var completedAt pgtype.Timestamptz

	err := row.Scan(&sn.ID, &sn.UserID, &sn.SourceURL, &status, &resultJSON, &errText,
		&sn.CreatedAt, &sn.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	parsed, err := models.ParseSubjectStatus(status)
	if err != nil {
		return models.Snapshot{}, err
	}
	sn.Status = parsed
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &sn.Result); err != nil {
			return models.Snapshot{}, fmt.Errorf("unmarshal snapshot result: %w", err)
		}
	}
	sn.Error = textPtr(errText)
	sn.CompletedAt = tsPtr(completedAt)
	return sn, nil
}

// MarkSnapshotRunning flips a snapshot to running.
func (s *Store) MarkSnapshotRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE snapshots SET status = 'running', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id)
	return err
}

// MarkSnapshotFailed mirrors a queue-level failure onto the snapshot.
func (s *Store) MarkSnapshotFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE snapshots SET status = 'failed', error = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'complete'
	`, id, reason)
	return err
}

// MarkSubjectFailed routes a mirror update to the entity behind the
// given queue.
func (s *Store) MarkSubjectFailed(ctx context.Context, queue models.Queue, subjectID, reason string) error {
	switch queue {
	case models.QueueReports:
		return s.MarkReportFailed(ctx, subjectID, reason)
	case models.QueueSnapshots:
		return s.MarkSnapshotFailed(ctx, subjectID, reason)
	}
	return fmt.Errorf("invalid queue %q", string(queue))
}
