// Package health aggregates queue and worker metrics and raises or
// clears operational alerts. Trigger and recovery use distinct
// thresholds so a metric hovering at the boundary cannot flap.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"report-pipeline/internal/models"
	"report-pipeline/internal/telemetry"
)

// Store is the metrics-facing slice the monitor reads.
type Store interface {
	QueueStats(ctx context.Context, queue models.Queue, failureWindow time.Duration) (models.QueueStats, error)
	ListHeartbeats(ctx context.Context) ([]models.Heartbeat, error)
	LatestAlertForSource(ctx context.Context, source string) (models.Alert, bool, error)
	CountOpenReconciliations(ctx context.Context) (int64, error)
}

// Sink receives emitted alerts.
type Sink interface {
	Emit(ctx context.Context, severity models.Severity, source, message string, alertCtx map[string]any) error
}

// Thresholds holds the hysteresis band per metric. Recovery bounds
// are strictly tighter than their triggers.
type Thresholds struct {
	QueueLagTrigger         time.Duration
	QueueLagRecovery        time.Duration
	ProcessingDelayTrigger  time.Duration
	ProcessingDelayRecovery time.Duration
	MinActiveJobs           int64
	FailureRateTrigger      float64
	FailureRateRecovery     float64
	HeartbeatTTL            time.Duration
	FailureRateWindow       time.Duration
}

// Monitor collects snapshots and evaluates them against thresholds.
type Monitor struct {
	store      Store
	sink       Sink
	cooldown   Cooldown
	thresholds Thresholds
	now        func() time.Time
}

func NewMonitor(st Store, sink Sink, cooldown Cooldown, thresholds Thresholds) *Monitor {
	return &Monitor{
		store:      st,
		sink:       sink,
		cooldown:   cooldown,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// CollectSnapshot reads current queue and worker metrics.
func (m *Monitor) CollectSnapshot(ctx context.Context) (models.HealthSnapshot, error) {
	snap := models.HealthSnapshot{CollectedAt: m.now()}
	for _, q := range models.Queues {
		stats, err := m.store.QueueStats(ctx, q, m.thresholds.FailureRateWindow)
		if err != nil {
			return models.HealthSnapshot{}, fmt.Errorf("stats for %s: %w", string(q), err)
		}
		snap.Queues = append(snap.Queues, stats)
	}
	workers, err := m.store.ListHeartbeats(ctx)
	if err != nil {
		return models.HealthSnapshot{}, fmt.Errorf("list heartbeats: %w", err)
	}
	snap.Workers = workers
	return snap, nil
}

// Run does one collect-and-evaluate cycle; scheduled via cron.
func (m *Monitor) Run(ctx context.Context) {
	snap, err := m.CollectSnapshot(ctx)
	if err != nil {
		slog.Error("health snapshot failed", "error", err)
		return
	}
	if depth, err := m.store.CountOpenReconciliations(ctx); err == nil {
		telemetry.ReconciliationDepth.Set(float64(depth))
	}
	if err := m.Evaluate(ctx, snap); err != nil {
		slog.Error("health evaluation failed", "error", err)
	}
}

// Evaluate compares a snapshot against the thresholds, emitting
// breach alerts (subject to cooldown) and recovery notices (only when
// a matching unresolved alert exists).
func (m *Monitor) Evaluate(ctx context.Context, snap models.HealthSnapshot) error {
	for _, qs := range snap.Queues {
		queue := string(qs.Queue)

		m.check(ctx, check{
			source:    "queue_lag:" + queue,
			message:   "oldest queued job exceeds lag threshold",
			severity:  models.SeverityWarning,
			breached:  qs.OldestQueuedAge >= m.thresholds.QueueLagTrigger,
			recovered: qs.OldestQueuedAge < m.thresholds.QueueLagRecovery,
			context: map[string]any{
				"queue":       queue,
				"lag_seconds": qs.OldestQueuedAge.Seconds(),
				"depth":       qs.Depth,
			},
		})

		// Near-idle queues produce noisy delay numbers; gate on a
		// minimum number of active jobs.
		m.check(ctx, check{
			source:    "processing_delay:" + queue,
			message:   "average processing delay exceeds threshold",
			severity:  models.SeverityWarning,
			breached:  qs.AvgProcessingDelay >= m.thresholds.ProcessingDelayTrigger && qs.ActiveJobs >= m.thresholds.MinActiveJobs,
			recovered: qs.AvgProcessingDelay < m.thresholds.ProcessingDelayRecovery,
			context: map[string]any{
				"queue":         queue,
				"delay_seconds": qs.AvgProcessingDelay.Seconds(),
				"active_jobs":   qs.ActiveJobs,
			},
		})

		m.check(ctx, check{
			source:    "failure_rate:" + queue,
			message:   "failure rate exceeds threshold",
			severity:  models.SeverityCritical,
			breached:  qs.FailureRate >= m.thresholds.FailureRateTrigger,
			recovered: qs.FailureRate < m.thresholds.FailureRateRecovery,
			context: map[string]any{
				"queue":        queue,
				"failure_rate": qs.FailureRate,
			},
		})
	}

	for _, hb := range snap.Workers {
		age := snap.CollectedAt.Sub(hb.LastSeenAt)
		m.check(ctx, check{
			source:    "worker_heartbeat:" + hb.WorkerName,
			message:   "worker heartbeat is stale",
			severity:  models.SeverityCritical,
			breached:  age > m.thresholds.HeartbeatTTL,
			recovered: age <= m.thresholds.HeartbeatTTL,
			context: map[string]any{
				"worker":      hb.WorkerName,
				"queue":       string(hb.Queue),
				"age_seconds": age.Seconds(),
			},
		})
	}
	return nil
}

type check struct {
	source    string
	message   string
	severity  models.Severity
	breached  bool
	recovered bool
	context   map[string]any
}

func (m *Monitor) check(ctx context.Context, c check) {
	if c.breached {
		allowed, err := m.cooldown.Allow(ctx, c.source, c.message)
		if err != nil {
			slog.Error("alert cooldown check failed", "source", c.source, "error", err)
			return
		}
		if !allowed {
			return
		}
		if err := m.sink.Emit(ctx, c.severity, c.source, c.message, c.context); err != nil {
			slog.Error("emit alert failed", "source", c.source, "error", err)
		}
		return
	}

	if !c.recovered {
		// Inside the hysteresis band: neither alert nor clear.
		return
	}

	latest, found, err := m.store.LatestAlertForSource(ctx, c.source)
	if err != nil {
		slog.Error("latest alert lookup failed", "source", c.source, "error", err)
		return
	}
	if !found || latest.Resolved() {
		return
	}
	recoveryCtx := map[string]any{"resolved": true}
	for k, v := range c.context {
		recoveryCtx[k] = v
	}
	if err := m.sink.Emit(ctx, models.SeverityInfo, c.source, c.message+" (recovered)", recoveryCtx); err != nil {
		slog.Error("emit recovery failed", "source", c.source, "error", err)
		return
	}
	if err := m.cooldown.Clear(ctx, c.source, c.message); err != nil {
		slog.Error("cooldown clear failed", "source", c.source, "error", err)
	}
}
