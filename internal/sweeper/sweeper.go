// Package sweeper repairs reservations left open by crashed workers:
// ledger state is reconciled against the owning subject's terminal
// state instead of guessing.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
)

// Store is the ledger-facing slice the sweeper drives.
type Store interface {
	StaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error)
	HasOpenReconciliation(ctx context.Context, reservationKey string) (bool, error)
	Rollback(ctx context.Context, userID, key string) error
	Finalize(ctx context.Context, userID, key string, usage models.Usage) error
	GetReport(ctx context.Context, id string) (models.Report, error)
}

// Alerter raises operational alerts for cases needing a human.
type Alerter interface {
	Emit(ctx context.Context, severity models.Severity, source, message string, alertCtx map[string]any) error
}

// Sweeper periodically resolves stale reservations.
type Sweeper struct {
	store    Store
	alerter  Alerter
	stale    time.Duration
	critical time.Duration
	limit    int
	now      func() time.Time
}

func New(st Store, alerter Alerter, stale, critical time.Duration) *Sweeper {
	return &Sweeper{
		store:    st,
		alerter:  alerter,
		stale:    stale,
		critical: critical,
		limit:    200,
		now:      time.Now,
	}
}

// Sweep runs one pass. Reservations with an open reconciliation entry
// are skipped; those are an operator's to resolve, and they become
// sweepable again once the entry is marked reconciled.
func (s *Sweeper) Sweep(ctx context.Context) (models.SweepStats, error) {
	var stats models.SweepStats
	now := s.now()

	reservations, err := s.store.StaleReservations(ctx, now.Add(-s.stale), s.limit)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(reservations)

	for _, res := range reservations {
		open, err := s.store.HasOpenReconciliation(ctx, res.Key)
		if err != nil {
			slog.Error("sweep: reconciliation check", "key", res.Key, "error", err)
			stats.Skipped++
			continue
		}
		if open {
			stats.Skipped++
			continue
		}
		switch res.Kind {
		case models.UsageGapReport:
			s.sweepGapReport(ctx, res, now, &stats)
		case models.UsageGenerate, models.UsageSnapshot:
			s.sweepRelease(ctx, res, &stats)
		default:
			stats.Skipped++
		}
	}

	if stats.Resolved > 0 {
		telemetry.SweepsResolved.Add(float64(stats.Resolved))
	}
	slog.Info("reservation sweep finished",
		"scanned", stats.Scanned, "resolved", stats.Resolved, "skipped", stats.Skipped)
	return stats, nil
}

// sweepGapReport consults the owning report's terminal state before
// touching the ledger.
func (s *Sweeper) sweepGapReport(ctx context.Context, res models.Reservation, now time.Time, stats *models.SweepStats) {
	var report models.Report
	var missing bool
	if res.SubjectID == nil {
		missing = true
	} else {
		var err error
		report, err = s.store.GetReport(ctx, *res.SubjectID)
		if errors.Is(err, store.ErrNotFound) {
			missing = true
		} else if err != nil {
			slog.Error("sweep: load report", "key", res.Key, "error", err)
			stats.Skipped++
			return
		}
	}

	switch {
	case missing || report.Status == models.SubjectFailed:
		if err := s.store.Rollback(ctx, res.UserID, res.Key); err != nil {
			s.alertFailure(ctx, res, "rollback failed", err)
			stats.Skipped++
			return
		}
		stats.Resolved++
	case report.Status == models.SubjectComplete && report.QuotaCharged:
		// The business completion landed but the ledger commit did
		// not; commit the reserved upper bound directly.
		usage := models.Usage{Tokens: res.ReservedTokens, CostCents: res.ReservedCostCents}
		if err := s.store.Finalize(ctx, res.UserID, res.Key, usage); err != nil {
			s.alertFailure(ctx, res, "direct commit failed", err)
			stats.Skipped++
			return
		}
		stats.Resolved++
	default:
		// Still running or queued: never guess. Past the critical age
		// a human has to look.
		stats.Skipped++
		if now.Sub(res.CreatedAt) > s.critical {
			_ = s.alerter.Emit(ctx, models.SeverityCritical, "sweeper",
				"reservation held past critical age, manual inspection required",
				map[string]any{
					"reservation_key": res.Key,
					"user_id":         res.UserID,
					"kind":            string(res.Kind),
					"age_seconds":     now.Sub(res.CreatedAt).Seconds(),
				})
		}
	}
}

// sweepRelease rolls back kinds whose in-flight work cannot be
// confirmed; anything with a pending reconciliation entry was already
// skipped.
func (s *Sweeper) sweepRelease(ctx context.Context, res models.Reservation, stats *models.SweepStats) {
	if err := s.store.Rollback(ctx, res.UserID, res.Key); err != nil {
		s.alertFailure(ctx, res, "rollback failed", err)
		stats.Skipped++
		return
	}
	stats.Resolved++
}

func (s *Sweeper) alertFailure(ctx context.Context, res models.Reservation, msg string, err error) {
	slog.Error("sweep: "+msg, "key", res.Key, "error", err)
	_ = s.alerter.Emit(ctx, models.SeverityWarning, "sweeper", msg, map[string]any{
		"reservation_key": res.Key,
		"user_id":         res.UserID,
		"kind":            string(res.Kind),
		"error":           err.Error(),
	})
}
