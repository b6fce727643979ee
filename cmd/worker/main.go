package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"report-pipeline/internal/alert"
	"report-pipeline/internal/artifact"
	"report-pipeline/internal/collab"
	"report-pipeline/internal/config"
	"report-pipeline/internal/health"
	"report-pipeline/internal/ledger"
	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/sweeper"
	"report-pipeline/internal/telemetry"
	"report-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		slog.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		slog.Error("migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	artifacts, err := artifact.New(ctx, cfg.ArtifactBucket)
	if err != nil {
		slog.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	fetcher := collab.NewHTTPFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes)
	analyzer := collab.NewAnalyzerClient(cfg.AnalyzerURL, cfg.FetchTimeout)
	finalizer := ledger.NewFinalizer(st, cfg.FinalizeRetries, cfg.FinalizeBackoff)

	sink := alert.NewSink(st, redisClient, cfg.AlertChannel)
	cooldown := health.NewRedisCooldown(redisClient, cfg.AlertCooldown)
	monitor := health.NewMonitor(st, sink, cooldown, health.Thresholds{
		QueueLagTrigger:         cfg.QueueLagTrigger,
		QueueLagRecovery:        cfg.QueueLagRecovery,
		ProcessingDelayTrigger:  cfg.ProcessingDelayTrigger,
		ProcessingDelayRecovery: cfg.ProcessingDelayRecovery,
		MinActiveJobs:           cfg.MinActiveJobs,
		FailureRateTrigger:      cfg.FailureRateTrigger,
		FailureRateRecovery:     cfg.FailureRateRecovery,
		HeartbeatTTL:            cfg.HeartbeatTTL,
		FailureRateWindow:       cfg.FailureRateWindow,
	})
	sweep := sweeper.New(st, sink, cfg.StaleReservation, cfg.CriticalReservation)

	workerName := os.Getenv("WORKER_NAME")
	if workerName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = fmt.Sprintf("pid-%d", os.Getpid())
		}
		workerName = hostname
	}

	reportHandler := worker.NewReportHandler(st, fetcher, analyzer, artifacts, finalizer, cfg.ArtifactPrefix)
	snapshotHandler := worker.NewSnapshotHandler(st, fetcher, analyzer, finalizer)

	runners := []*worker.Runner{
		worker.NewRunner(models.QueueReports, st, reportHandler.Handle, worker.Options{
			WorkerName:    workerName + ":reports",
			LockTimeout:   cfg.LockTimeout,
			AttemptCap:    cfg.MaxAttempts,
			ClaimLimit:    cfg.ClaimLimit,
			Concurrency:   cfg.HandlerConcurrency,
			FailureWindow: cfg.FailureRateWindow,
			PollInterval:  cfg.WorkerPollInterval,
		}),
		worker.NewRunner(models.QueueSnapshots, st, snapshotHandler.Handle, worker.Options{
			WorkerName:    workerName + ":snapshots",
			LockTimeout:   cfg.LockTimeout,
			AttemptCap:    cfg.MaxAttempts,
			ClaimLimit:    cfg.ClaimLimit,
			Concurrency:   cfg.HandlerConcurrency,
			FailureWindow: cfg.FailureRateWindow,
			PollInterval:  cfg.WorkerPollInterval,
		}),
	}
	for _, r := range runners {
		go func(r *worker.Runner) {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("runner stopped", "error", err)
			}
		}(r)
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.SweepSchedule, func() {
		if _, err := sweep.Sweep(ctx); err != nil {
			slog.Error("reservation sweep failed", "error", err)
		}
	}); err != nil {
		slog.Error("schedule sweeper", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc(cfg.MonitorSchedule, func() {
		monitor.Run(ctx)
	}); err != nil {
		slog.Error("schedule monitor", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	slog.Info("worker started",
		"name", workerName, "lock_timeout", cfg.LockTimeout,
		"attempt_cap", cfg.MaxAttempts, "poll_interval", cfg.WorkerPollInterval)
	<-ctx.Done()
}

func setupLogger(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	slog.SetDefault(slog.New(handler))
}
