package store

import (
	"context"
	"fmt"

	"report-pipeline/internal/models"
)

// EnqueueReconciliation records a finalization that could not be
// confirmed after exhausting both the exact and fallback attempts.
// The reservation stays reserved; the entry carries everything an
// operator needs to repair the ledger either way.
func (s *Store) EnqueueReconciliation(ctx context.Context, entry models.ReconciliationEntry) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO reconciliation_queue
			(reservation_key, user_id, route, exact_tokens, exact_cost_cents,
			 fallback_tokens, fallback_cost_cents, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, entry.ReservationKey, entry.UserID, entry.Route,
		entry.Exact.Tokens, entry.Exact.CostCents,
		entry.Fallback.Tokens, entry.Fallback.CostCents,
		entry.ErrorMessage).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue reconciliation: %w", err)
	}
	return id, nil
}

// MarkReconciled closes every open entry for a reservation key once
// the ledger and business state are confirmed consistent.
func (s *Store) MarkReconciled(ctx context.Context, reservationKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE reconciliation_queue SET reconciled_at = NOW()
		WHERE reservation_key = $1 AND reconciled_at IS NULL
	`, reservationKey)
	if err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	return nil
}

// HasOpenReconciliation reports whether any unresolved entry exists
// for the key. The sweeper leaves such reservations alone.
func (s *Store) HasOpenReconciliation(ctx context.Context, reservationKey string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reconciliation_queue
			WHERE reservation_key = $1 AND reconciled_at IS NULL
		)
	`, reservationKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check open reconciliation: %w", err)
	}
	return exists, nil
}

// CountOpenReconciliations feeds the reconciliation depth gauge.
func (s *Store) CountOpenReconciliations(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM reconciliation_queue WHERE reconciled_at IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open reconciliations: %w", err)
	}
	return n, nil
}
