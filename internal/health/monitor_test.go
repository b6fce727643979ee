package health

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"report-pipeline/internal/models"
)

// fakeOps backs the monitor with programmable stats and doubles as the
// sink so recovery lookups see previously emitted alerts.
type fakeOps struct {
	stats      map[models.Queue]models.QueueStats
	heartbeats []models.Heartbeat
	alerts     []models.Alert
}

func (f *fakeOps) QueueStats(_ context.Context, queue models.Queue, _ time.Duration) (models.QueueStats, error) {
	s := f.stats[queue]
	s.Queue = queue
	return s, nil
}

func (f *fakeOps) ListHeartbeats(context.Context) ([]models.Heartbeat, error) {
	return f.heartbeats, nil
}

func (f *fakeOps) LatestAlertForSource(_ context.Context, source string) (models.Alert, bool, error) {
	for i := len(f.alerts) - 1; i >= 0; i-- {
		if f.alerts[i].Source == source {
			return f.alerts[i], true, nil
		}
	}
	return models.Alert{}, false, nil
}

func (f *fakeOps) CountOpenReconciliations(context.Context) (int64, error) { return 0, nil }

func (f *fakeOps) Emit(_ context.Context, severity models.Severity, source, message string, alertCtx map[string]any) error {
	f.alerts = append(f.alerts, models.Alert{
		Severity: severity,
		Source:   source,
		Message:  message,
		Context:  alertCtx,
	})
	return nil
}

func testThresholds() Thresholds {
	return Thresholds{
		QueueLagTrigger:         600 * time.Second,
		QueueLagRecovery:        300 * time.Second,
		ProcessingDelayTrigger:  300 * time.Second,
		ProcessingDelayRecovery: 150 * time.Second,
		MinActiveJobs:           3,
		FailureRateTrigger:      0.35,
		FailureRateRecovery:     0.15,
		HeartbeatTTL:            180 * time.Second,
		FailureRateWindow:       30 * time.Minute,
	}
}

func newTestMonitor(t *testing.T, ops *fakeOps) (*Monitor, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cooldown := NewRedisCooldown(client, 15*time.Minute)
	return NewMonitor(ops, ops, cooldown, testThresholds()), mr
}

func alertsFor(alerts []models.Alert, source string) []models.Alert {
	var out []models.Alert
	for _, a := range alerts {
		if a.Source == source {
			out = append(out, a)
		}
	}
	return out
}

func TestMonitorLagBreachAndCooldown(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{stats: map[models.Queue]models.QueueStats{
		models.QueueReports: {OldestQueuedAge: 650 * time.Second, Depth: 12},
	}}
	m, _ := newTestMonitor(t, ops)

	snap, err := m.CollectSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	lag := alertsFor(ops.alerts, "queue_lag:report_jobs")
	if len(lag) != 1 {
		t.Fatalf("expected one lag alert, got %d", len(lag))
	}
	if lag[0].Severity != models.SeverityWarning {
		t.Fatalf("expected warning, got %s", lag[0].Severity)
	}

	// Same breach again inside the cooldown window: no duplicate.
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if got := alertsFor(ops.alerts, "queue_lag:report_jobs"); len(got) != 1 {
		t.Fatalf("cooldown should suppress duplicates, got %d alerts", len(got))
	}
}

func TestMonitorRecoveryEmittedOnce(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{stats: map[models.Queue]models.QueueStats{
		models.QueueReports: {OldestQueuedAge: 650 * time.Second},
	}}
	m, _ := newTestMonitor(t, ops)

	snap, _ := m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}

	// Queue drains below the recovery bound.
	ops.stats[models.QueueReports] = models.QueueStats{OldestQueuedAge: 250 * time.Second}
	snap, _ = m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}

	lag := alertsFor(ops.alerts, "queue_lag:report_jobs")
	if len(lag) != 2 {
		t.Fatalf("expected breach plus recovery, got %d", len(lag))
	}
	recovery := lag[1]
	if !recovery.Resolved() {
		t.Fatalf("recovery must carry resolved context: %+v", recovery)
	}
	if !strings.HasSuffix(recovery.Message, "(recovered)") {
		t.Fatalf("unexpected recovery message: %q", recovery.Message)
	}

	// Still healthy on the next cycle: nothing further.
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if got := alertsFor(ops.alerts, "queue_lag:report_jobs"); len(got) != 2 {
		t.Fatalf("recovery must only fire once, got %d alerts", len(got))
	}
}

func TestMonitorHysteresisBandIsQuiet(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{stats: map[models.Queue]models.QueueStats{
		models.QueueReports: {OldestQueuedAge: 450 * time.Second},
	}}
	m, _ := newTestMonitor(t, ops)

	snap, _ := m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if len(ops.alerts) != 0 {
		t.Fatalf("values inside the band must not alert, got %v", ops.alerts)
	}
}

func TestMonitorRecoveryClearsCooldown(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{stats: map[models.Queue]models.QueueStats{
		models.QueueReports: {OldestQueuedAge: 650 * time.Second},
	}}
	m, _ := newTestMonitor(t, ops)

	snap, _ := m.CollectSnapshot(ctx)
	_ = m.Evaluate(ctx, snap)

	ops.stats[models.QueueReports] = models.QueueStats{OldestQueuedAge: 100 * time.Second}
	snap, _ = m.CollectSnapshot(ctx)
	_ = m.Evaluate(ctx, snap)

	// A fresh breach after recovery alerts again immediately, without
	// waiting out the original cooldown.
	ops.stats[models.QueueReports] = models.QueueStats{OldestQueuedAge: 700 * time.Second}
	snap, _ = m.CollectSnapshot(ctx)
	_ = m.Evaluate(ctx, snap)

	lag := alertsFor(ops.alerts, "queue_lag:report_jobs")
	if len(lag) != 3 {
		t.Fatalf("expected breach, recovery, breach; got %d alerts", len(lag))
	}
}

func TestMonitorProcessingDelayGatedOnActivity(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{stats: map[models.Queue]models.QueueStats{
		models.QueueReports: {AvgProcessingDelay: 400 * time.Second, ActiveJobs: 1},
	}}
	m, _ := newTestMonitor(t, ops)

	snap, _ := m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if got := alertsFor(ops.alerts, "processing_delay:report_jobs"); len(got) != 0 {
		t.Fatalf("near-idle queue must not alert on delay, got %v", got)
	}

	ops.stats[models.QueueReports] = models.QueueStats{AvgProcessingDelay: 400 * time.Second, ActiveJobs: 5}
	snap, _ = m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if got := alertsFor(ops.alerts, "processing_delay:report_jobs"); len(got) != 1 {
		t.Fatalf("expected one delay alert once active, got %d", len(got))
	}
}

func TestMonitorFailureRateCritical(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{stats: map[models.Queue]models.QueueStats{
		models.QueueSnapshots: {FailureRate: 0.5},
	}}
	m, _ := newTestMonitor(t, ops)

	snap, _ := m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	got := alertsFor(ops.alerts, "failure_rate:snapshot_jobs")
	if len(got) != 1 || got[0].Severity != models.SeverityCritical {
		t.Fatalf("expected one critical failure-rate alert, got %v", got)
	}
}

func TestMonitorStaleHeartbeat(t *testing.T) {
	ctx := context.Background()
	ops := &fakeOps{
		stats: map[models.Queue]models.QueueStats{},
		heartbeats: []models.Heartbeat{
			{WorkerName: "w1", Queue: models.QueueReports, LastSeenAt: time.Now().Add(-10 * time.Minute)},
			{WorkerName: "w2", Queue: models.QueueReports, LastSeenAt: time.Now()},
		},
	}
	m, _ := newTestMonitor(t, ops)

	snap, _ := m.CollectSnapshot(ctx)
	if err := m.Evaluate(ctx, snap); err != nil {
		t.Fatal(err)
	}
	if got := alertsFor(ops.alerts, "worker_heartbeat:w1"); len(got) != 1 {
		t.Fatalf("expected stale-heartbeat alert for w1, got %d", len(got))
	}
	if got := alertsFor(ops.alerts, "worker_heartbeat:w2"); len(got) != 0 {
		t.Fatalf("w2 is live, got %v", got)
	}
}
