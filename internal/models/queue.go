package models

import (
	"fmt"
	"time"
)

// Queue names one of the two job queues. The value doubles as the
// backing table name, so the set must stay closed.
type Queue string

const (
	QueueReports   Queue = "report_jobs"
	QueueSnapshots Queue = "snapshot_jobs"
)

// Queues lists every queue in polling order.
var Queues = []Queue{QueueReports, QueueSnapshots}

func (q Queue) Valid() bool {
	return q == QueueReports || q == QueueSnapshots
}

// Table returns the backing table name, guarding against values from
// outside the closed set ever reaching SQL text.
func (q Queue) Table() (string, error) {
	if !q.Valid() {
		return "", fmt.Errorf("invalid queue %q", string(q))
	}
	return string(q), nil
}

// Job is one row in a queue table. Exactly one row exists per subject.
type Job struct {
	ID           string     `json:"id"`
	SubjectID    string     `json:"subject_id"`
	UserID       string     `json:"user_id"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	PoisonReason *string    `json:"poison_reason,omitempty"`
	PoisonedAt   *time.Time `json:"poisoned_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunStats aggregates one worker cycle for heartbeats and logs.
type RunStats struct {
	Scanned   int `json:"scanned"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Poisoned  int `json:"poisoned"`
}

// QueueStats is a point-in-time view of one queue used by the health
// monitor.
type QueueStats struct {
	Queue              Queue         `json:"queue"`
	Depth              int64         `json:"depth"`
	OldestQueuedAge    time.Duration `json:"oldest_queued_age"`
	AvgProcessingDelay time.Duration `json:"avg_processing_delay"`
	ActiveJobs         int64         `json:"active_jobs"`
	FailureRate        float64       `json:"failure_rate"`
}
