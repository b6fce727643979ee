package models

import "time"

// Reservation is a provisional hold against a user's quota, keyed by
// an idempotency key. It transitions reserved -> committed or
// reserved -> rolledback exactly once.
type Reservation struct {
	Key                string            `json:"key"`
	UserID             string            `json:"user_id"`
	Kind               UsageKind         `json:"kind"`
	SubjectID          *string           `json:"subject_id,omitempty"`
	ReservedTokens     int64             `json:"reserved_tokens"`
	ReservedCostCents  int64             `json:"reserved_cost_cents"`
	CommittedTokens    int64             `json:"committed_tokens"`
	CommittedCostCents int64             `json:"committed_cost_cents"`
	Status             ReservationStatus `json:"status"`
	CreatedAt          time.Time         `json:"created_at"`
	ClosedAt           *time.Time        `json:"closed_at,omitempty"`
}

// ReservationKey derives the idempotency key for a subject's quota
// hold. One hold per (kind, subject), so re-running a crashed job
// reuses the original reservation instead of double-charging.
func ReservationKey(kind UsageKind, subjectID string) string {
	return string(kind) + ":" + subjectID
}

// Usage pairs tokens with cost for reserve/finalize calls.
type Usage struct {
	Tokens    int64 `json:"tokens"`
	CostCents int64 `json:"cost_cents"`
}

// Clamp caps u at the reserved bound, component-wise. Finalized usage
// must never exceed what was authorized.
func (u Usage) Clamp(reserved Usage) Usage {
	if u.Tokens > reserved.Tokens {
		u.Tokens = reserved.Tokens
	}
	if u.CostCents > reserved.CostCents {
		u.CostCents = reserved.CostCents
	}
	return u
}

// ReconciliationEntry records a finalization that could not be
// confirmed, with both the exact and fallback amounts so an operator
// can repair the ledger either way.
type ReconciliationEntry struct {
	ID             int64      `json:"id"`
	ReservationKey string     `json:"reservation_key"`
	UserID         string     `json:"user_id"`
	Route          string     `json:"route"`
	Exact          Usage      `json:"exact"`
	Fallback       Usage      `json:"fallback"`
	ErrorMessage   string     `json:"error_message"`
	CreatedAt      time.Time  `json:"created_at"`
	ReconciledAt   *time.Time `json:"reconciled_at,omitempty"`
}

// SweepStats summarizes one sweeper pass.
type SweepStats struct {
	Scanned  int `json:"scanned"`
	Resolved int `json:"resolved"`
	Skipped  int `json:"skipped"`
}
