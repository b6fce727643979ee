package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"report-pipeline/internal/config"
	"report-pipeline/internal/models"
	"report-pipeline/internal/ratelimit"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the producer API. Requests reserve
// quota and enqueue work, then return immediately; workers do the
// rest.
type Server struct {
	cfg     config.Config
	store   *store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/reports", s.handleCreateReport)
	r.Post("/reports/{id}/gap", s.handleGapReport)
	r.Get("/reports/{id}", s.handleGetReport)
	r.Post("/snapshots", s.handleCreateSnapshot)
	r.Get("/snapshots/{id}", s.handleGetSnapshot)
	r.Get("/queues/health", s.handleQueueHealth)
	r.Get("/alerts", s.handleAlerts)
	r.Post("/reconciliations/{key}/resolve", s.handleResolveReconciliation)
	return r
}

type createReportRequest struct {
	SourceURL string `json:"source_url"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authedUser(w, r)
	if !ok {
		return
	}
	var req createReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}

	report, err := s.store.CreateReport(r.Context(), userID, req.SourceURL, false)
	if err != nil {
		http.Error(w, "create report failed", http.StatusInternalServerError)
		return
	}

	usage := models.Usage{Tokens: s.cfg.ReserveReportTokens, CostCents: s.cfg.ReserveReportCents}
	if !s.reserveAndEnqueue(w, r, userID, report.ID, models.UsageGenerate, models.QueueReports, usage) {
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

// handleGapReport re-runs an existing report with gap analysis. The
// report keeps its id, so the gap reservation keys on the same subject
// and the queue row is the subject's own, reset by the enqueue upsert.
func (s *Server) handleGapReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authedUser(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	report, err := s.store.GetReport(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load report failed", http.StatusInternalServerError)
		return
	}
	if report.UserID != userID {
		http.Error(w, "report not found", http.StatusNotFound)
		return
	}
	if !report.Status.Terminal() {
		http.Error(w, "report still processing", http.StatusConflict)
		return
	}

	if err := s.store.RequestGapAnalysis(r.Context(), report.ID); err != nil {
		http.Error(w, "reopen report failed", http.StatusInternalServerError)
		return
	}
	usage := models.Usage{Tokens: s.cfg.ReserveGapTokens, CostCents: s.cfg.ReserveGapCents}
	if !s.reserveAndEnqueue(w, r, userID, report.ID, models.UsageGapReport, models.QueueReports, usage) {
		return
	}
	report.GapAnalysis = true
	report.Status = models.SubjectQueued
	writeJSON(w, http.StatusAccepted, report)
}

type createSnapshotRequest struct {
	SourceURL string `json:"source_url"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authedUser(w, r)
	if !ok {
		return
	}
	var req createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceURL == "" {
		http.Error(w, "source_url is required", http.StatusBadRequest)
		return
	}

	snapshot, err := s.store.CreateSnapshot(r.Context(), userID, req.SourceURL)
	if err != nil {
		http.Error(w, "create snapshot failed", http.StatusInternalServerError)
		return
	}
	// Snapshots are free but still metered: a zero-cost reservation
	// records the token spend per user.
	usage := models.Usage{Tokens: s.cfg.ReserveSnapshotTokens, CostCents: 0}
	if !s.reserveAndEnqueue(w, r, userID, snapshot.ID, models.UsageSnapshot, models.QueueSnapshots, usage) {
		return
	}
	writeJSON(w, http.StatusAccepted, snapshot)
}

// reserveAndEnqueue applies the rate limit, reserves quota, and
// upserts the queue row. Quota exhaustion surfaces synchronously as a
// rejection before any job exists.
func (s *Server) reserveAndEnqueue(w http.ResponseWriter, r *http.Request, userID, subjectID string, kind models.UsageKind, queue models.Queue, usage models.Usage) bool {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return false
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return false
		}
	}

	key := models.ReservationKey(kind, subjectID)
	defaults := store.QuotaLimits{Tokens: s.cfg.DefaultTokenLimit, CostCents: s.cfg.DefaultCostLimit}
	_, err := s.store.Reserve(r.Context(), userID, key, kind, subjectID, usage, defaults)
	if errors.Is(err, store.ErrQuotaExceeded) {
		telemetry.QuotaRejections.Inc()
		_ = s.store.MarkSubjectFailed(r.Context(), queue, subjectID, "quota exceeded")
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
		return false
	}
	if err != nil {
		http.Error(w, "reserve failed", http.StatusInternalServerError)
		return false
	}
	telemetry.Reservations.WithLabelValues(string(kind)).Inc()

	if _, err := s.store.EnqueueJob(r.Context(), queue, subjectID, userID); err != nil {
		// Release the hold; no job will ever consume it.
		_ = s.store.Rollback(r.Context(), userID, key)
		_ = s.store.MarkSubjectFailed(r.Context(), queue, subjectID, "enqueue failed")
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return false
	}
	telemetry.JobsEnqueued.WithLabelValues(string(queue)).Inc()
	return true
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authedUser(w, r)
	if !ok {
		return
	}
	report, err := s.store.GetReport(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && report.UserID != userID) {
		http.Error(w, "report not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load report failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authedUser(w, r)
	if !ok {
		return
	}
	snapshot, err := s.store.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && snapshot.UserID != userID) {
		http.Error(w, "snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "load snapshot failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	snap := models.HealthSnapshot{CollectedAt: time.Now()}
	for _, q := range models.Queues {
		stats, err := s.store.QueueStats(r.Context(), q, s.cfg.FailureRateWindow)
		if err != nil {
			http.Error(w, "collect queue stats failed", http.StatusInternalServerError)
			return
		}
		snap.Queues = append(snap.Queues, stats)
	}
	workers, err := s.store.ListHeartbeats(r.Context())
	if err != nil {
		http.Error(w, "list heartbeats failed", http.StatusInternalServerError)
		return
	}
	snap.Workers = workers
	writeJSON(w, http.StatusOK, snap)
}

// handleResolveReconciliation closes the open reconciliation entries
// for a reservation key once an operator has confirmed ledger and
// business state agree. The reservation becomes sweepable again.
func (s *Server) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	open, err := s.store.HasOpenReconciliation(r.Context(), key)
	if err != nil {
		http.Error(w, "reconciliation lookup failed", http.StatusInternalServerError)
		return
	}
	if !open {
		http.Error(w, "no open reconciliation for key", http.StatusNotFound)
		return
	}
	if err := s.store.MarkReconciled(r.Context(), key); err != nil {
		http.Error(w, "mark reconciled failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation_key": key, "resolved": true})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.RecentAlerts(r.Context(), 100)
	if err != nil {
		http.Error(w, "load alerts failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// authedUser resolves the caller identity. Auth proper lives at the
// edge; this core trusts the forwarded header.
func (s *Server) authedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v, true
	}
	http.Error(w, "missing X-User-ID", http.StatusUnauthorized)
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
