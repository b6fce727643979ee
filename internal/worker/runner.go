package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
	"report-pipeline/internal/telemetry"
)

// JobStore is the queue-facing slice of the persistence layer.
type JobStore interface {
	RecoverStale(ctx context.Context, queue models.Queue, lockTimeout time.Duration, attemptCap int) (requeued, poisoned int, err error)
	RecoverOrphans(ctx context.Context, queue models.Queue) (int, error)
	ClaimableJobs(ctx context.Context, queue models.Queue, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, queue models.Queue, candidate models.Job) (models.Job, error)
	CompleteJob(ctx context.Context, queue models.Queue, id string) error
	FailJob(ctx context.Context, queue models.Queue, id, cause string, attemptCap int) (bool, error)
	MarkSubjectFailed(ctx context.Context, queue models.Queue, subjectID, reason string) error
	QueueStats(ctx context.Context, queue models.Queue, failureWindow time.Duration) (models.QueueStats, error)
	UpsertHeartbeat(ctx context.Context, hb models.Heartbeat) error
}

// Handler executes the business work for one claimed job. Any error
// means retry-unless-exhausted; wrap with Permanent to poison at once.
type Handler func(ctx context.Context, subjectID, userID string) error

// Options tunes one runner. Zero values fall back to safe defaults.
type Options struct {
	WorkerName    string
	LockTimeout   time.Duration
	AttemptCap    int
	ClaimLimit    int
	Concurrency   int64
	FailureWindow time.Duration
	PollInterval  time.Duration
}

// Runner drives the claim -> execute -> terminal-transition loop for
// one queue. Multiple runners across processes poll the same queue
// with no coordinator; the claim CAS is the only exclusion mechanism.
type Runner struct {
	queue   models.Queue
	store   JobStore
	handler Handler
	opts    Options
}

func NewRunner(queue models.Queue, st JobStore, handler Handler, opts Options) *Runner {
	if opts.WorkerName == "" {
		opts.WorkerName = "worker-" + string(queue)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Minute
	}
	if opts.AttemptCap <= 0 {
		opts.AttemptCap = 6
	}
	if opts.ClaimLimit <= 0 {
		opts.ClaimLimit = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.FailureWindow <= 0 {
		opts.FailureWindow = 30 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Runner{queue: queue, store: st, handler: handler, opts: opts}
}

// Run polls until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("worker started",
		"queue", string(r.queue), "worker", r.opts.WorkerName,
		"lock_timeout", r.opts.LockTimeout, "attempt_cap", r.opts.AttemptCap)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		stats, err := r.RunOnce(ctx)
		if err != nil {
			slog.Error("worker cycle failed", "queue", string(r.queue), "error", err)
		} else if stats.Claimed > 0 {
			slog.Info("worker cycle",
				"queue", string(r.queue), "claimed", stats.Claimed,
				"completed", stats.Completed, "failed", stats.Failed,
				"requeued", stats.Requeued, "poisoned", stats.Poisoned)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// RunOnce executes a single cycle: recover stale leases and orphaned
// subjects, claim up to the limit from a 3x candidate window, run the
// handler per claimed job under a bounded semaphore, then publish a
// heartbeat.
func (r *Runner) RunOnce(ctx context.Context) (models.RunStats, error) {
	var stats models.RunStats

	requeued, poisoned, err := r.store.RecoverStale(ctx, r.queue, r.opts.LockTimeout, r.opts.AttemptCap)
	if err != nil {
		return stats, fmt.Errorf("recover stale: %w", err)
	}
	stats.Requeued = requeued
	stats.Poisoned = poisoned
	if requeued > 0 {
		telemetry.JobsRequeued.WithLabelValues(string(r.queue)).Add(float64(requeued))
	}
	if poisoned > 0 {
		telemetry.JobsPoisoned.WithLabelValues(string(r.queue)).Add(float64(poisoned))
	}

	if n, err := r.store.RecoverOrphans(ctx, r.queue); err != nil {
		slog.Error("recover orphans", "queue", string(r.queue), "error", err)
	} else if n > 0 {
		slog.Info("re-enqueued orphaned subjects", "queue", string(r.queue), "count", n)
	}

	candidates, err := r.store.ClaimableJobs(ctx, r.queue, r.opts.ClaimLimit*3)
	if err != nil {
		return stats, fmt.Errorf("load candidates: %w", err)
	}
	stats.Scanned = len(candidates)

	now := time.Now()
	var claimed []models.Job
	for _, cand := range candidates {
		if len(claimed) >= r.opts.ClaimLimit {
			break
		}
		if !r.claimable(cand, now) {
			continue
		}
		job, err := r.store.ClaimJob(ctx, r.queue, cand)
		if errors.Is(err, store.ErrNotClaimed) {
			// Another worker won the race; move to the next candidate.
			telemetry.ClaimLost.WithLabelValues(string(r.queue)).Inc()
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("claim job: %w", err)
		}
		claimed = append(claimed, job)
	}
	stats.Claimed = len(claimed)
	telemetry.JobsClaimed.WithLabelValues(string(r.queue)).Add(float64(len(claimed)))

	sem := semaphore.NewWeighted(r.opts.Concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, job := range claimed {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(job models.Job) {
			defer wg.Done()
			defer sem.Release(1)
			completed, jobPoisoned := r.execute(ctx, job)
			mu.Lock()
			if completed {
				stats.Completed++
			} else {
				stats.Failed++
				if jobPoisoned {
					stats.Poisoned++
				}
			}
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	r.publishHeartbeat(ctx, stats)
	return stats, nil
}

// claimable filters the candidate window: queued rows always, and
// processing rows only once their lease has expired.
func (r *Runner) claimable(job models.Job, now time.Time) bool {
	switch job.Status {
	case models.JobQueued:
		return true
	case models.JobProcessing:
		return job.LockedAt != nil && now.Sub(*job.LockedAt) > r.opts.LockTimeout
	case models.JobFailed, models.JobComplete:
		return false
	}
	return false
}

// execute runs the handler and performs the terminal transition.
// Returns (completed, poisoned).
func (r *Runner) execute(ctx context.Context, job models.Job) (bool, bool) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	err := r.handler(ctx, job.SubjectID, job.UserID)
	if err == nil {
		if cerr := r.store.CompleteJob(ctx, r.queue, job.ID); cerr != nil {
			slog.Error("complete job", "queue", string(r.queue), "job_id", job.ID, "error", cerr)
			return false, false
		}
		telemetry.JobsCompleted.WithLabelValues(string(r.queue)).Inc()
		return true, false
	}

	telemetry.JobsFailed.WithLabelValues(string(r.queue)).Inc()
	attemptCap := r.opts.AttemptCap
	if IsPermanent(err) {
		// A zero cap forces the poison branch regardless of attempts.
		attemptCap = 0
	}
	poisoned, ferr := r.store.FailJob(ctx, r.queue, job.ID, err.Error(), attemptCap)
	if ferr != nil {
		slog.Error("fail job", "queue", string(r.queue), "job_id", job.ID, "error", ferr)
		return false, false
	}
	if poisoned {
		telemetry.JobsPoisoned.WithLabelValues(string(r.queue)).Inc()
		slog.Error("job poisoned",
			"queue", string(r.queue), "job_id", job.ID,
			"subject_id", job.SubjectID, "attempts", job.Attempts, "error", err)
		// Mirror onto the business entity so user-facing status never
		// diverges from queue-internal state.
		if merr := r.store.MarkSubjectFailed(ctx, r.queue, job.SubjectID, err.Error()); merr != nil {
			slog.Error("mirror subject failure", "subject_id", job.SubjectID, "error", merr)
		}
	} else {
		slog.Warn("job requeued after failure",
			"queue", string(r.queue), "job_id", job.ID,
			"attempts", job.Attempts, "error", err)
	}
	return false, poisoned
}

func (r *Runner) publishHeartbeat(ctx context.Context, stats models.RunStats) {
	qs, err := r.store.QueueStats(ctx, r.queue, r.opts.FailureWindow)
	if err != nil {
		slog.Error("collect queue stats", "queue", string(r.queue), "error", err)
		qs = models.QueueStats{Queue: r.queue}
	} else {
		telemetry.QueueDepth.WithLabelValues(string(r.queue)).Set(float64(qs.Depth))
	}
	hb := models.Heartbeat{
		WorkerName:         r.opts.WorkerName,
		Queue:              r.queue,
		LastSeenAt:         time.Now(),
		Claimed:            stats.Claimed,
		Completed:          stats.Completed,
		Failed:             stats.Failed,
		Requeued:           stats.Requeued,
		Poisoned:           stats.Poisoned,
		OldestQueuedAgeSec: qs.OldestQueuedAge.Seconds(),
		AvgProcessingDelay: qs.AvgProcessingDelay.Seconds(),
		FailureRate:        qs.FailureRate,
	}
	if err := r.store.UpsertHeartbeat(ctx, hb); err != nil {
		slog.Error("publish heartbeat", "worker", r.opts.WorkerName, "error", err)
	}
}
