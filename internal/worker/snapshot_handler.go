package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"report-pipeline/internal/ledger"
	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
)

// SnapshotStore is the subject-facing slice the snapshot handler needs.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, error)
	MarkSnapshotRunning(ctx context.Context, id string) error
	GetReservation(ctx context.Context, userID, key string) (models.Reservation, error)
}

// SnapshotHandler executes one free-snapshot job. Snapshots carry a
// zero-cost reservation so usage is still metered per user.
type SnapshotHandler struct {
	store     SnapshotStore
	fetcher   SiteFetcher
	analyzer  Analyzer
	finalizer *ledger.Finalizer
}

func NewSnapshotHandler(st SnapshotStore, fetcher SiteFetcher, analyzer Analyzer, fin *ledger.Finalizer) *SnapshotHandler {
	return &SnapshotHandler{store: st, fetcher: fetcher, analyzer: analyzer, finalizer: fin}
}

// Handle satisfies the worker Handler contract.
func (h *SnapshotHandler) Handle(ctx context.Context, subjectID, userID string) error {
	snapshot, err := h.store.GetSnapshot(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return Permanent(fmt.Errorf("snapshot %s does not exist", subjectID))
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snapshot.Status == models.SubjectComplete {
		return nil
	}

	key := models.ReservationKey(models.UsageSnapshot, snapshot.ID)
	res, err := h.store.GetReservation(ctx, userID, key)
	if errors.Is(err, store.ErrReservationNotFound) {
		return Permanent(fmt.Errorf("snapshot %s has no reservation %s", subjectID, key))
	}
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}

	if err := h.store.MarkSnapshotRunning(ctx, snapshot.ID); err != nil {
		return fmt.Errorf("mark snapshot running: %w", err)
	}

	content, err := h.fetcher.Fetch(ctx, snapshot.SourceURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", snapshot.SourceURL, err)
	}
	analysis, err := h.analyzer.Analyze(ctx, content, false)
	if err != nil {
		return fmt.Errorf("analyze snapshot %s: %w", snapshot.ID, err)
	}

	reserved := models.Usage{Tokens: res.ReservedTokens, CostCents: res.ReservedCostCents}
	measured := models.Usage{Tokens: analysis.Tokens, CostCents: analysis.CostCents}
	err = h.finalizer.CompleteSnapshot(ctx, ledger.CompleteSnapshotParams{
		UserID:     userID,
		SnapshotID: snapshot.ID,
		Key:        key,
		Result:     analysis.Findings,
		Measured:   measured,
		Reserved:   reserved,
	})
	if err != nil {
		slog.Error("snapshot finalization unresolved",
			"snapshot_id", snapshot.ID, "key", key, "error", err)
	}
	return nil
}
