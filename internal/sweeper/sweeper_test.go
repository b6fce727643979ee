package sweeper

import (
	"context"
	"testing"
	"time"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
)

type fakeLedger struct {
	reservations   []models.Reservation
	reports        map[string]models.Report
	openReconciled map[string]bool

	rolledBack []string
	committed  map[string]models.Usage
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		reports:        make(map[string]models.Report),
		openReconciled: make(map[string]bool),
		committed:      make(map[string]models.Usage),
	}
}

func (f *fakeLedger) StaleReservations(_ context.Context, cutoff time.Time, _ int) ([]models.Reservation, error) {
	var out []models.Reservation
	for _, r := range f.reservations {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) HasOpenReconciliation(_ context.Context, key string) (bool, error) {
	return f.openReconciled[key], nil
}

func (f *fakeLedger) Rollback(_ context.Context, _, key string) error {
	f.rolledBack = append(f.rolledBack, key)
	return nil
}

func (f *fakeLedger) Finalize(_ context.Context, _, key string, usage models.Usage) error {
	f.committed[key] = usage
	return nil
}

func (f *fakeLedger) GetReport(_ context.Context, id string) (models.Report, error) {
	r, ok := f.reports[id]
	if !ok {
		return models.Report{}, store.ErrNotFound
	}
	return r, nil
}

type recordingAlerter struct {
	alerts []models.Alert
}

func (r *recordingAlerter) Emit(_ context.Context, severity models.Severity, source, message string, alertCtx map[string]any) error {
	r.alerts = append(r.alerts, models.Alert{
		Severity: severity,
		Source:   source,
		Message:  message,
		Context:  alertCtx,
	})
	return nil
}

func reservation(kind models.UsageKind, subjectID string, age time.Duration, now time.Time) models.Reservation {
	sid := subjectID
	return models.Reservation{
		Key:               models.ReservationKey(kind, subjectID),
		UserID:            "u1",
		Kind:              kind,
		SubjectID:         &sid,
		ReservedTokens:    80_000,
		ReservedCostCents: 25,
		Status:            models.ReservationReserved,
		CreatedAt:         now.Add(-age),
	}
}

func newTestSweeper(st Store, alerter Alerter, now time.Time) *Sweeper {
	s := New(st, alerter, 45*time.Minute, 120*time.Minute)
	s.now = func() time.Time { return now }
	return s
}

func TestSweepReleasesUnconfirmedWork(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{
		reservation(models.UsageGenerate, "r1", time.Hour, now),
		reservation(models.UsageSnapshot, "s1", time.Hour, now),
		reservation(models.UsageGenerate, "r2", 10*time.Minute, now), // too young
	}
	al := &recordingAlerter{}

	stats, err := newTestSweeper(lg, al, now).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != 2 || stats.Resolved != 2 {
		t.Fatalf("expected 2 scanned and resolved, got %+v", stats)
	}
	if len(lg.rolledBack) != 2 {
		t.Fatalf("expected 2 rollbacks, got %v", lg.rolledBack)
	}
	if len(al.alerts) != 0 {
		t.Fatalf("unexpected alerts: %v", al.alerts)
	}
}

func TestSweepRollsBackFailedGapReport(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{reservation(models.UsageGapReport, "r1", time.Hour, now)}
	lg.reports["r1"] = models.Report{ID: "r1", Status: models.SubjectFailed}

	stats, err := newTestSweeper(lg, &recordingAlerter{}, now).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Resolved != 1 {
		t.Fatalf("expected resolution, got %+v", stats)
	}
	if len(lg.rolledBack) != 1 || lg.rolledBack[0] != "gap_report:r1" {
		t.Fatalf("expected gap_report:r1 rolled back, got %v", lg.rolledBack)
	}
}

func TestSweepRollsBackVanishedSubject(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{reservation(models.UsageGapReport, "ghost", time.Hour, now)}

	stats, err := newTestSweeper(lg, &recordingAlerter{}, now).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Resolved != 1 || len(lg.rolledBack) != 1 {
		t.Fatalf("expected vanished subject rolled back, got %+v %v", stats, lg.rolledBack)
	}
}

func TestSweepCommitsCompletedButUnchargedReport(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{reservation(models.UsageGapReport, "r1", time.Hour, now)}
	lg.reports["r1"] = models.Report{ID: "r1", Status: models.SubjectComplete, QuotaCharged: true}

	stats, err := newTestSweeper(lg, &recordingAlerter{}, now).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Resolved != 1 {
		t.Fatalf("expected resolution, got %+v", stats)
	}
	usage, ok := lg.committed["gap_report:r1"]
	if !ok {
		t.Fatal("expected a direct commit")
	}
	if usage.Tokens != 80_000 || usage.CostCents != 25 {
		t.Fatalf("expected the reserved amount committed, got %v", usage)
	}
	if len(lg.rolledBack) != 0 {
		t.Fatalf("unexpected rollbacks: %v", lg.rolledBack)
	}
}

func TestSweepLeavesRunningWorkAlone(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{reservation(models.UsageGapReport, "r1", time.Hour, now)}
	lg.reports["r1"] = models.Report{ID: "r1", Status: models.SubjectRunning}
	al := &recordingAlerter{}

	stats, err := newTestSweeper(lg, al, now).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Resolved != 0 {
		t.Fatalf("expected skip, got %+v", stats)
	}
	if len(lg.rolledBack) != 0 || len(lg.committed) != 0 {
		t.Fatal("running work must not be touched")
	}
	if len(al.alerts) != 0 {
		t.Fatalf("no alert below critical age, got %v", al.alerts)
	}
}

func TestSweepSkipsOpenReconciliationUntilResolved(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{reservation(models.UsageGenerate, "r1", time.Hour, now)}
	lg.openReconciled["generate:r1"] = true
	al := &recordingAlerter{}
	sw := newTestSweeper(lg, al, now)

	stats, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 || stats.Resolved != 0 {
		t.Fatalf("open reconciliation must be skipped, got %+v", stats)
	}
	if len(lg.rolledBack) != 0 {
		t.Fatalf("reservation under reconciliation must not be touched, got %v", lg.rolledBack)
	}

	// Once an operator marks the entry reconciled the reservation is
	// swept normally on the next pass.
	lg.openReconciled["generate:r1"] = false
	stats, err = sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Resolved != 1 || len(lg.rolledBack) != 1 {
		t.Fatalf("reconciled reservation must become sweepable, got %+v %v", stats, lg.rolledBack)
	}
}

func TestSweepEscalatesPastCriticalAge(t *testing.T) {
	now := time.Now()
	lg := newFakeLedger()
	lg.reservations = []models.Reservation{reservation(models.UsageGapReport, "r1", 3*time.Hour, now)}
	lg.reports["r1"] = models.Report{ID: "r1", Status: models.SubjectRunning}
	al := &recordingAlerter{}

	stats, err := newTestSweeper(lg, al, now).Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 1 {
		t.Fatalf("expected skip, got %+v", stats)
	}
	if len(al.alerts) != 1 {
		t.Fatalf("expected one critical alert, got %d", len(al.alerts))
	}
	if al.alerts[0].Severity != models.SeverityCritical || al.alerts[0].Source != "sweeper" {
		t.Fatalf("unexpected alert: %+v", al.alerts[0])
	}
}
