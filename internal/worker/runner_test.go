package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"report-pipeline/internal/models"
	"report-pipeline/internal/store"
)

// memJobStore mirrors the conditional-update claim semantics of the
// real store in memory so runner behavior can be tested without a
// database.
type memJobStore struct {
	mu            sync.Mutex
	jobs          map[string]*models.Job
	subjectFailed map[string]string
	heartbeats    int
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:          make(map[string]*models.Job),
		subjectFailed: make(map[string]string),
	}
}

func (m *memJobStore) add(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := job
	m.jobs[job.ID] = &j
}

func (m *memJobStore) get(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memJobStore) RecoverStale(_ context.Context, _ models.Queue, lockTimeout time.Duration, attemptCap int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-lockTimeout)
	var requeued, poisoned int
	for _, j := range m.jobs {
		if j.Status != models.JobProcessing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		j.LockedAt = nil
		if j.Attempts < attemptCap {
			j.Status = models.JobQueued
			requeued++
		} else {
			j.Status = models.JobFailed
			poisoned++
		}
	}
	return requeued, poisoned, nil
}

func (m *memJobStore) RecoverOrphans(context.Context, models.Queue) (int, error) { return 0, nil }

func (m *memJobStore) ClaimableJobs(_ context.Context, _ models.Queue, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobQueued || j.Status == models.JobProcessing {
			out = append(out, *j)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memJobStore) ClaimJob(_ context.Context, _ models.Queue, candidate models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[candidate.ID]
	if !ok {
		return models.Job{}, store.ErrNotClaimed
	}
	sameLock := (j.LockedAt == nil && candidate.LockedAt == nil) ||
		(j.LockedAt != nil && candidate.LockedAt != nil && j.LockedAt.Equal(*candidate.LockedAt))
	if j.Status != candidate.Status || !sameLock {
		return models.Job{}, store.ErrNotClaimed
	}
	now := time.Now()
	j.Status = models.JobProcessing
	j.Attempts++
	j.LockedAt = &now
	return *j, nil
}

func (m *memJobStore) CompleteJob(_ context.Context, _ models.Queue, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return store.ErrNotFound
	}
	j.Status = models.JobComplete
	j.LockedAt = nil
	return nil
}

func (m *memJobStore) FailJob(_ context.Context, _ models.Queue, id, cause string, attemptCap int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobProcessing {
		return false, store.ErrNotFound
	}
	j.LockedAt = nil
	j.LastError = &cause
	if j.Attempts >= attemptCap {
		j.Status = models.JobFailed
		j.PoisonReason = &cause
		return true, nil
	}
	j.Status = models.JobQueued
	return false, nil
}

func (m *memJobStore) MarkSubjectFailed(_ context.Context, _ models.Queue, subjectID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjectFailed[subjectID] = reason
	return nil
}

func (m *memJobStore) QueueStats(context.Context, models.Queue, time.Duration) (models.QueueStats, error) {
	return models.QueueStats{Queue: models.QueueReports}, nil
}

func (m *memJobStore) UpsertHeartbeat(context.Context, models.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	return nil
}

func TestRunnerRetriesThenCompletes(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	st.add(models.Job{ID: "j1", SubjectID: "r1", UserID: "u1", Status: models.JobQueued})

	var calls int
	handler := func(ctx context.Context, subjectID, userID string) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient failure %d", calls)
		}
		return nil
	}

	r := NewRunner(models.QueueReports, st, handler, Options{AttemptCap: 6, Concurrency: 1})
	for i := 0; i < 3; i++ {
		if _, err := r.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	job := st.get("j1")
	if job.Status != models.JobComplete {
		t.Fatalf("expected complete, got %s (last_error=%v)", job.Status, job.LastError)
	}
	if job.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.Attempts)
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
}

func TestRunnerPoisonsAtAttemptCap(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	st.add(models.Job{ID: "j1", SubjectID: "r1", UserID: "u1", Status: models.JobQueued})

	handler := func(ctx context.Context, subjectID, userID string) error {
		return errors.New("always fails")
	}

	attemptCap := 3
	r := NewRunner(models.QueueReports, st, handler, Options{AttemptCap: attemptCap, Concurrency: 1})
	for i := 0; i < attemptCap+2; i++ {
		if _, err := r.RunOnce(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}

	job := st.get("j1")
	if job.Status != models.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Attempts != attemptCap {
		t.Fatalf("expected attempts to stop at %d, got %d", attemptCap, job.Attempts)
	}
	if job.PoisonReason == nil {
		t.Fatal("expected poison reason to be set")
	}
	if st.subjectFailed["r1"] == "" {
		t.Fatal("expected subject failure to be mirrored")
	}
}

func TestRunnerPermanentErrorPoisonsImmediately(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	st.add(models.Job{ID: "j1", SubjectID: "r1", UserID: "u1", Status: models.JobQueued})

	handler := func(ctx context.Context, subjectID, userID string) error {
		return Permanent(errors.New("subject does not exist"))
	}

	r := NewRunner(models.QueueReports, st, handler, Options{AttemptCap: 6, Concurrency: 1})
	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	job := st.get("j1")
	if job.Status != models.JobFailed {
		t.Fatalf("expected failed after one attempt, got %s", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", job.Attempts)
	}
}

func TestRunnerSkipsHeldLeases(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	held := time.Now().Add(-1 * time.Minute)
	st.add(models.Job{ID: "j1", SubjectID: "r1", UserID: "u1", Status: models.JobProcessing, Attempts: 1, LockedAt: &held})

	handler := func(ctx context.Context, subjectID, userID string) error { return nil }
	r := NewRunner(models.QueueReports, st, handler, Options{LockTimeout: 10 * time.Minute, Concurrency: 1})

	stats, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected no claims on a live lease, got %d", stats.Claimed)
	}
	if got := st.get("j1"); got.Status != models.JobProcessing {
		t.Fatalf("job should remain processing, got %s", got.Status)
	}
}

func TestRunnerReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	expired := time.Now().Add(-20 * time.Minute)
	st.add(models.Job{ID: "j1", SubjectID: "r1", UserID: "u1", Status: models.JobProcessing, Attempts: 2, LockedAt: &expired})

	handler := func(ctx context.Context, subjectID, userID string) error { return nil }
	r := NewRunner(models.QueueReports, st, handler, Options{LockTimeout: 10 * time.Minute, AttemptCap: 6, Concurrency: 1})

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	job := st.get("j1")
	if job.Status != models.JobComplete {
		t.Fatalf("expected reclaimed job to complete, got %s", job.Status)
	}
	if job.Attempts != 3 {
		t.Fatalf("expected attempts bumped to 3, got %d", job.Attempts)
	}
}

func TestRunnersRaceClaimsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemJobStore()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		st.add(models.Job{
			ID:        fmt.Sprintf("j%d", i),
			SubjectID: fmt.Sprintf("r%d", i),
			UserID:    "u1",
			Status:    models.JobQueued,
		})
	}

	var mu sync.Mutex
	handled := make(map[string]int)
	handler := func(ctx context.Context, subjectID, userID string) error {
		mu.Lock()
		handled[subjectID]++
		mu.Unlock()
		return nil
	}

	a := NewRunner(models.QueueReports, st, handler, Options{WorkerName: "a", ClaimLimit: jobs, Concurrency: 4})
	b := NewRunner(models.QueueReports, st, handler, Options{WorkerName: "b", ClaimLimit: jobs, Concurrency: 4})

	var wg sync.WaitGroup
	for _, r := range []*Runner{a, b} {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			if _, err := r.RunOnce(ctx); err != nil {
				t.Errorf("cycle: %v", err)
			}
		}(r)
	}
	wg.Wait()

	for subject, n := range handled {
		if n != 1 {
			t.Fatalf("subject %s handled %d times", subject, n)
		}
	}
	if len(handled) != jobs {
		t.Fatalf("expected all %d jobs handled, got %d", jobs, len(handled))
	}
	for i := 0; i < jobs; i++ {
		if job := st.get(fmt.Sprintf("j%d", i)); job.Status != models.JobComplete {
			t.Fatalf("job j%d not complete: %s", i, job.Status)
		}
	}
}
