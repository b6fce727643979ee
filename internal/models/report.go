package models

import "time"

// Report is the business entity behind a report_jobs row.
type Report struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	SourceURL    string         `json:"source_url"`
	Status       SubjectStatus  `json:"status"`
	QuotaCharged bool           `json:"quota_charged"`
	GapAnalysis  bool           `json:"gap_analysis"`
	Result       map[string]any `json:"result,omitempty"`
	ArtifactKey  *string        `json:"artifact_key,omitempty"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Snapshot is the business entity behind a snapshot_jobs row.
type Snapshot struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	SourceURL   string         `json:"source_url"`
	Status      SubjectStatus  `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}
