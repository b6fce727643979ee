package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"report-pipeline/internal/models"
)

// QuotaLimits seeds a user's quota row on first reservation.
type QuotaLimits struct {
	Tokens    int64
	CostCents int64
}

// Reserve places a hold against the user's quota for the current
// period. Idempotent on key: a repeat call returns the existing
// reservation untouched. The quota row is locked FOR UPDATE so
// concurrent reservations for the same user serialize; no caller ever
// reads a balance and writes it back outside this transaction.
func (s *Store) Reserve(ctx context.Context, userID, key string, kind models.UsageKind, subjectID string, usage models.Usage, defaults QuotaLimits) (models.Reservation, error) {
	if !kind.Valid() {
		return models.Reservation{}, fmt.Errorf("invalid usage kind %q", string(kind))
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	// Existing key short-circuits before touching the quota row.
	existing, err := getReservationTx(ctx, tx, userID, key)
	if err == nil {
		if cerr := tx.Commit(ctx); cerr != nil {
			return models.Reservation{}, fmt.Errorf("commit: %w", cerr)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return models.Reservation{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO user_quotas (user_id, period_start, token_limit, cost_limit_cents)
		VALUES ($1, date_trunc('month', NOW()), $2, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, defaults.Tokens, defaults.CostCents); err != nil {
		return models.Reservation{}, fmt.Errorf("seed quota: %w", err)
	}

	var periodStart time.Time
	var tokenLimit, costLimit int64
	if err := tx.QueryRow(ctx, `
		SELECT period_start, token_limit, cost_limit_cents
		FROM user_quotas WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&periodStart, &tokenLimit, &costLimit); err != nil {
		return models.Reservation{}, fmt.Errorf("lock quota row: %w", err)
	}

	// Roll the period forward lazily when a new month starts.
	if err := tx.QueryRow(ctx, `
		UPDATE user_quotas SET period_start = date_trunc('month', NOW())
		WHERE user_id = $1 AND period_start < date_trunc('month', NOW())
		RETURNING period_start
	`, userID).Scan(&periodStart); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, fmt.Errorf("roll quota period: %w", err)
	}

	var usedTokens, usedCost int64
	if err := tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'reserved' THEN reserved_tokens ELSE committed_tokens END), 0),
			COALESCE(SUM(CASE WHEN status = 'reserved' THEN reserved_cost_cents ELSE committed_cost_cents END), 0)
		FROM reservations
		WHERE user_id = $1 AND status IN ('reserved', 'committed') AND created_at >= $2
	`, userID, periodStart).Scan(&usedTokens, &usedCost); err != nil {
		return models.Reservation{}, fmt.Errorf("sum period usage: %w", err)
	}

	if usedTokens+usage.Tokens > tokenLimit || usedCost+usage.CostCents > costLimit {
		return models.Reservation{}, fmt.Errorf("reserve %s for %s: %w", key, userID, ErrQuotaExceeded)
	}

	res := models.Reservation{
		Key:               key,
		UserID:            userID,
		Kind:              kind,
		ReservedTokens:    usage.Tokens,
		ReservedCostCents: usage.CostCents,
		Status:            models.ReservationReserved,
	}
	if subjectID != "" {
		res.SubjectID = &subjectID
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO reservations (reservation_key, user_id, usage_kind, subject_id, reserved_tokens, reserved_cost_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'reserved')
		RETURNING created_at
	`, key, userID, string(kind), res.SubjectID, usage.Tokens, usage.CostCents).Scan(&res.CreatedAt); err != nil {
		// Two concurrent reserves for the same key can both pass the
		// pre-check; the loser hits the primary key and takes the
		// winner's row, keeping the call idempotent.
		if isUniqueViolation(err) {
			return getReservationTx(ctx, s.pool, userID, key)
		}
		return models.Reservation{}, fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Reservation{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Finalize transitions reserved -> committed with the measured usage.
// Idempotent when already committed; finalizing a rolled-back
// reservation is an error, as is exceeding the reserved amounts.
func (s *Store) Finalize(ctx context.Context, userID, key string, usage models.Usage) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := finalizeTx(ctx, tx, userID, key, usage); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback releases a hold without charging. Idempotent when already
// rolled back; rolling back a committed reservation is an error.
func (s *Store) Rollback(ctx context.Context, userID, key string) error {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE reservations
		SET status = CASE WHEN status = 'reserved' THEN 'rolledback' ELSE status END,
		    closed_at = CASE WHEN status = 'reserved' THEN NOW() ELSE closed_at END
		WHERE reservation_key = $1 AND user_id = $2
		RETURNING status
	`, key, userID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rollback %s: %w", key, ErrReservationNotFound)
	}
	if err != nil {
		return fmt.Errorf("rollback reservation: %w", err)
	}
	if status == string(models.ReservationCommitted) {
		return fmt.Errorf("rollback %s: %w", key, ErrAlreadyClosed)
	}
	return nil
}

// CompleteReportWithUsage commits the reservation and persists the
// report result in one transaction, so a crash between "work
// finished" and "result saved" cannot desynchronize the two.
func (s *Store) CompleteReportWithUsage(ctx context.Context, userID, reportID, key string, result map[string]any, artifactKey string, usage models.Usage) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := finalizeTx(ctx, tx, userID, key, usage); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE reports
		SET status = 'complete', quota_charged = TRUE, result = $2,
		    artifact_key = NULLIF($3, ''), error = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, reportID, resultJSON, artifactKey)
	if err != nil {
		return fmt.Errorf("persist report result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CompleteSnapshotWithUsage is the snapshot-queue analog of
// CompleteReportWithUsage.
func (s *Store) CompleteSnapshotWithUsage(ctx context.Context, userID, snapshotID, key string, result map[string]any, usage models.Usage) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := finalizeTx(ctx, tx, userID, key, usage); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE snapshots
		SET status = 'complete', result = $2, error = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, snapshotID, resultJSON)
	if err != nil {
		return fmt.Errorf("persist snapshot result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetReservation fetches one reservation by user and key.
func (s *Store) GetReservation(ctx context.Context, userID, key string) (models.Reservation, error) {
	return getReservationTx(ctx, s.pool, userID, key)
}

// StaleReservations returns reserved-status rows older than cutoff;
// those are the sweeper's candidates. The sweeper checks each for an
// open reconciliation entry before touching it.
func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT reservation_key, user_id, usage_kind, subject_id,
		       reserved_tokens, reserved_cost_cents,
		       committed_tokens, committed_cost_cents,
		       status, created_at, closed_at
		FROM reservations
		WHERE status = 'reserved' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale reservations: %w", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func finalizeTx(ctx context.Context, tx pgx.Tx, userID, key string, usage models.Usage) error {
	res, err := getReservationForUpdate(ctx, tx, userID, key)
	if err != nil {
		return err
	}
	switch res.Status {
	case models.ReservationCommitted:
		return nil // idempotent
	case models.ReservationRolledBack:
		return fmt.Errorf("finalize %s: %w", key, ErrAlreadyClosed)
	case models.ReservationReserved:
		// fall through to the transition
	default:
		return fmt.Errorf("finalize %s: invalid status %q", key, string(res.Status))
	}
	if usage.Tokens > res.ReservedTokens || usage.CostCents > res.ReservedCostCents {
		return fmt.Errorf("finalize %s: %w", key, ErrExceedsReservation)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations
		SET status = 'committed', committed_tokens = $3, committed_cost_cents = $4, closed_at = NOW()
		WHERE reservation_key = $1 AND user_id = $2
	`, key, userID, usage.Tokens, usage.CostCents); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func getReservationTx(ctx context.Context, q rowQuerier, userID, key string) (models.Reservation, error) {
	row := q.QueryRow(ctx, `
		SELECT reservation_key, user_id, usage_kind, subject_id,
		       reserved_tokens, reserved_cost_cents,
		       committed_tokens, committed_cost_cents,
		       status, created_at, closed_at
		FROM reservations WHERE reservation_key = $1 AND user_id = $2
	`, key, userID)
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, fmt.Errorf("reservation %s: %w", key, ErrReservationNotFound)
	}
	return res, err
}

func getReservationForUpdate(ctx context.Context, tx pgx.Tx, userID, key string) (models.Reservation, error) {
	row := tx.QueryRow(ctx, `
		SELECT reservation_key, user_id, usage_kind, subject_id,
		       reserved_tokens, reserved_cost_cents,
		       committed_tokens, committed_cost_cents,
		       status, created_at, closed_at
		FROM reservations WHERE reservation_key = $1 AND user_id = $2
		FOR UPDATE
	`, key, userID)
	res, err := scanReservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reservation{}, fmt.Errorf("reservation %s: %w", key, ErrReservationNotFound)
	}
	return res, err
}

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var res models.Reservation
	var kind, status string
	var subjectID pgtype.Text
	var closedAt pgtype.Timestamptz

	if err := row.Scan(&res.Key, &res.UserID, &kind, &subjectID,
		&res.ReservedTokens, &res.ReservedCostCents,
		&res.CommittedTokens, &res.CommittedCostCents,
		&status, &res.CreatedAt, &closedAt); err != nil {
		return models.Reservation{}, err
	}
	parsedKind, err := models.ParseUsageKind(kind)
	if err != nil {
		return models.Reservation{}, err
	}
	parsedStatus, err := models.ParseReservationStatus(status)
	if err != nil {
		return models.Reservation{}, err
	}
	res.Kind = parsedKind
	res.Status = parsedStatus
	res.SubjectID = textPtr(subjectID)
	res.ClosedAt = tsPtr(closedAt)
	return res, nil
}
