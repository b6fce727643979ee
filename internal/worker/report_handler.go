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

// SiteFetcher retrieves the content to analyze. Implementations
// (scraping, extraction) live outside this core.
type SiteFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Analysis is an Analyzer's output: structured findings, the rendered
// document, and the measured usage to charge.
type Analysis struct {
	Findings  map[string]any
	Document  []byte
	Tokens    int64
	CostCents int64
}

// Analyzer runs the AI analysis over fetched content. Implementations
// live outside this core.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte, gapAnalysis bool) (Analysis, error)
}

// ArtifactStore persists finished analysis documents.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// ReportStore is the subject-facing slice of the persistence layer
// the report handler needs.
type ReportStore interface {
	GetReport(ctx context.Context, id string) (models.Report, error)
	MarkReportRunning(ctx context.Context, id string) error
	GetReservation(ctx context.Context, userID, key string) (models.Reservation, error)
}

// ReportHandler executes one full-report job: fetch, analyze, store
// the artifact, then finalize the reservation with the measured cost.
type ReportHandler struct {
	store          ReportStore
	fetcher        SiteFetcher
	analyzer       Analyzer
	artifacts      ArtifactStore
	finalizer      *ledger.Finalizer
	artifactPrefix string
}

func NewReportHandler(st ReportStore, fetcher SiteFetcher, analyzer Analyzer, artifacts ArtifactStore, fin *ledger.Finalizer, artifactPrefix string) *ReportHandler {
	return &ReportHandler{
		store:          st,
		fetcher:        fetcher,
		analyzer:       analyzer,
		artifacts:      artifacts,
		finalizer:      fin,
		artifactPrefix: artifactPrefix,
	}
}

// Handle satisfies the worker Handler contract.
func (h *ReportHandler) Handle(ctx context.Context, subjectID, userID string) error {
	report, err := h.store.GetReport(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return Permanent(fmt.Errorf("report %s does not exist", subjectID))
	}
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if report.Status == models.SubjectComplete {
		return nil // reclaimed retry of an already-finished job
	}

	kind := models.UsageGenerate
	if report.GapAnalysis {
		kind = models.UsageGapReport
	}
	key := models.ReservationKey(kind, report.ID)
	res, err := h.store.GetReservation(ctx, userID, key)
	if errors.Is(err, store.ErrReservationNotFound) {
		return Permanent(fmt.Errorf("report %s has no reservation %s", subjectID, key))
	}
	if err != nil {
		return fmt.Errorf("load reservation: %w", err)
	}

	if err := h.store.MarkReportRunning(ctx, report.ID); err != nil {
		return fmt.Errorf("mark report running: %w", err)
	}

	content, err := h.fetcher.Fetch(ctx, report.SourceURL)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", report.SourceURL, err)
	}
	analysis, err := h.analyzer.Analyze(ctx, content, report.GapAnalysis)
	if err != nil {
		return fmt.Errorf("analyze report %s: %w", report.ID, err)
	}

	artifactKey := h.artifactPrefix + report.ID + ".json"
	if err := h.artifacts.Put(ctx, artifactKey, analysis.Document, "application/json"); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}

	reserved := models.Usage{Tokens: res.ReservedTokens, CostCents: res.ReservedCostCents}
	measured := models.Usage{Tokens: analysis.Tokens, CostCents: analysis.CostCents}
	err = h.finalizer.CompleteReport(ctx, ledger.CompleteReportParams{
		UserID:      userID,
		ReportID:    report.ID,
		Key:         key,
		Result:      analysis.Findings,
		ArtifactKey: artifactKey,
		Measured:    measured,
		Reserved:    reserved,
	})
	if err != nil {
		// The result is saved and the charge is retained for
		// reconciliation; the user-visible outcome must not fail here.
		slog.Error("report finalization unresolved",
			"report_id", report.ID, "key", key, "error", err)
	}
	return nil
}
