// Package ledger implements the caller side of the finalization
// protocol: exact usage first, the reserved upper bound as fallback,
// and a durable reconciliation entry when neither can be confirmed.
// A chargeable event is never silently dropped; the failure mode is
// temporarily over-holding quota.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
)

// Store is the slice of the persistence layer the finalizer drives.
type Store interface {
	Finalize(ctx context.Context, userID, key string, usage models.Usage) error
	CompleteReportWithUsage(ctx context.Context, userID, reportID, key string, result map[string]any, artifactKey string, usage models.Usage) error
	CompleteSnapshotWithUsage(ctx context.Context, userID, snapshotID, key string, result map[string]any, usage models.Usage) error
	SaveReportResult(ctx context.Context, id string, result map[string]any, artifactKey string) error
	SaveSnapshotResult(ctx context.Context, id string, result map[string]any) error
	EnqueueReconciliation(ctx context.Context, entry models.ReconciliationEntry) (int64, error)
}

// Finalizer applies the finalization-with-fallback protocol.
type Finalizer struct {
	store   Store
	retries int
	backoff time.Duration
}

func NewFinalizer(st Store, retries int, backoff time.Duration) *Finalizer {
	if retries < 1 {
		retries = 1
	}
	return &Finalizer{store: st, retries: retries, backoff: backoff}
}

// CompleteReportParams carries everything needed to close out a
// finished report job.
type CompleteReportParams struct {
	UserID      string
	ReportID    string
	Key         string
	Result      map[string]any
	ArtifactKey string
	Measured    models.Usage
	Reserved    models.Usage
}

// CompleteReport atomically commits the reservation and persists the
// report result. The measured usage is clamped to the reserved bound
// before any attempt. On total finalization failure the result is
// still saved and the charge is retained for reconciliation.
func (f *Finalizer) CompleteReport(ctx context.Context, p CompleteReportParams) error {
	exact := p.Measured.Clamp(p.Reserved)
	err := f.run(ctx, p.UserID, p.Key, "report:"+p.ReportID, exact, p.Reserved,
		func(usage models.Usage) error {
			return f.store.CompleteReportWithUsage(ctx, p.UserID, p.ReportID, p.Key, p.Result, p.ArtifactKey, usage)
		})
	if err != nil {
		if saveErr := f.store.SaveReportResult(ctx, p.ReportID, p.Result, p.ArtifactKey); saveErr != nil {
			slog.Error("save report result after finalize failure",
				"report_id", p.ReportID, "error", saveErr)
		}
	}
	return err
}

// CompleteSnapshotParams carries everything needed to close out a
// finished snapshot job.
type CompleteSnapshotParams struct {
	UserID     string
	SnapshotID string
	Key        string
	Result     map[string]any
	Measured   models.Usage
	Reserved   models.Usage
}

// CompleteSnapshot is the snapshot analog of CompleteReport.
func (f *Finalizer) CompleteSnapshot(ctx context.Context, p CompleteSnapshotParams) error {
	exact := p.Measured.Clamp(p.Reserved)
	err := f.run(ctx, p.UserID, p.Key, "snapshot:"+p.SnapshotID, exact, p.Reserved,
		func(usage models.Usage) error {
			return f.store.CompleteSnapshotWithUsage(ctx, p.UserID, p.SnapshotID, p.Key, p.Result, usage)
		})
	if err != nil {
		if saveErr := f.store.SaveSnapshotResult(ctx, p.SnapshotID, p.Result); saveErr != nil {
			slog.Error("save snapshot result after finalize failure",
				"snapshot_id", p.SnapshotID, "error", saveErr)
		}
	}
	return err
}

// Finalize runs the protocol against the bare ledger operation, for
// callers that have no business result to persist alongside.
func (f *Finalizer) Finalize(ctx context.Context, userID, key, route string, measured, reserved models.Usage) error {
	exact := measured.Clamp(reserved)
	return f.run(ctx, userID, key, route, exact, reserved, func(usage models.Usage) error {
		return f.store.Finalize(ctx, userID, key, usage)
	})
}

func (f *Finalizer) run(ctx context.Context, userID, key, route string, exact, reserved models.Usage, attempt func(models.Usage) error) error {
	exactErr := f.retry(ctx, exact, attempt)
	if exactErr == nil {
		return nil
	}
	if permanent(exactErr) {
		return exactErr
	}

	// Charging the reserved amount is always safe: it cannot exceed
	// what was already authorized.
	telemetry.FinalizeFallbacks.Inc()
	slog.Warn("exact finalize failed, falling back to reserved amount",
		"key", key, "route", route, "error", exactErr)
	fallbackErr := f.retry(ctx, reserved, attempt)
	if fallbackErr == nil {
		return nil
	}
	if permanent(fallbackErr) {
		return fallbackErr
	}

	entry := models.ReconciliationEntry{
		ReservationKey: key,
		UserID:         userID,
		Route:          route,
		Exact:          exact,
		Fallback:       reserved,
		ErrorMessage:   fallbackErr.Error(),
	}
	if _, recErr := f.store.EnqueueReconciliation(ctx, entry); recErr != nil {
		return fmt.Errorf("finalize %s failed and reconciliation enqueue failed: %w", key, errors.Join(fallbackErr, recErr))
	}
	telemetry.Reconciliations.Inc()
	slog.Error("charge retained, unreconciled",
		"key", key, "route", route, "user_id", userID,
		"exact_tokens", exact.Tokens, "exact_cost_cents", exact.CostCents,
		"fallback_tokens", reserved.Tokens, "fallback_cost_cents", reserved.CostCents,
		"error", fallbackErr)
	return fmt.Errorf("finalize %s unresolved, queued for reconciliation: %w", key, fallbackErr)
}

func (f *Finalizer) retry(ctx context.Context, usage models.Usage, attempt func(models.Usage) error) error {
	var err error
	for i := 0; i < f.retries; i++ {
		if err = attempt(usage); err == nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(f.backoff * time.Duration(i+1)):
		}
	}
	return err
}

// permanent reports ledger states no amount of retrying will change.
func permanent(err error) bool {
	return errors.Is(err, store.ErrAlreadyClosed) ||
		errors.Is(err, store.ErrExceedsReservation) ||
		errors.Is(err, store.ErrReservationNotFound)
}
