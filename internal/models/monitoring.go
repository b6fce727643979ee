package models

import "time"

// Heartbeat is one worker's last published cycle. One row per worker,
// overwritten every cycle.
type Heartbeat struct {
	WorkerName         string    `json:"worker_name"`
	Queue              Queue     `json:"queue"`
	LastSeenAt         time.Time `json:"last_seen_at"`
	Claimed            int       `json:"claimed"`
	Completed          int       `json:"completed"`
	Failed             int       `json:"failed"`
	Requeued           int       `json:"requeued"`
	Poisoned           int       `json:"poisoned"`
	OldestQueuedAgeSec float64   `json:"oldest_queued_age_seconds"`
	AvgProcessingDelay float64   `json:"avg_processing_delay_seconds"`
	FailureRate        float64   `json:"failure_rate"`
}

// Alert is an append-only operational event. A later row for the same
// source with Context["resolved"] == true records recovery; alert rows
// are never mutated.
type Alert struct {
	ID        int64          `json:"id"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Resolved reports whether this row is a recovery notice.
func (a Alert) Resolved() bool {
	v, ok := a.Context["resolved"].(bool)
	return ok && v
}

// HealthSnapshot is what the monitor collects and evaluates.
type HealthSnapshot struct {
	CollectedAt time.Time    `json:"collected_at"`
	Queues      []QueueStats `json:"queues"`
	Workers     []Heartbeat  `json:"workers"`
}
