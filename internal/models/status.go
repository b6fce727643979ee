package models

import "fmt"

// JobStatus is the closed set of queue row lifecycle states.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobFailed     JobStatus = "failed"
	JobComplete   JobStatus = "complete"
)

// Valid reports whether s is a member of the closed set.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobProcessing, JobFailed, JobComplete:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobFailed || s == JobComplete
}

// ParseJobStatus converts a stored string back into a JobStatus.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid job status %q", v)
	}
	return s, nil
}

// ReservationStatus tracks a quota hold through its single transition.
type ReservationStatus string

const (
	ReservationReserved   ReservationStatus = "reserved"
	ReservationCommitted  ReservationStatus = "committed"
	ReservationRolledBack ReservationStatus = "rolledback"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationReserved, ReservationCommitted, ReservationRolledBack:
		return true
	}
	return false
}

// Closed reports whether the reservation has already been finalized.
func (s ReservationStatus) Closed() bool {
	return s == ReservationCommitted || s == ReservationRolledBack
}

func ParseReservationStatus(v string) (ReservationStatus, error) {
	s := ReservationStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid reservation status %q", v)
	}
	return s, nil
}

// UsageKind labels what a reservation pays for.
type UsageKind string

const (
	UsageGenerate  UsageKind = "generate"
	UsageGapReport UsageKind = "gap_report"
	UsageSnapshot  UsageKind = "snapshot"
)

func (k UsageKind) Valid() bool {
	switch k {
	case UsageGenerate, UsageGapReport, UsageSnapshot:
		return true
	}
	return false
}

func ParseUsageKind(v string) (UsageKind, error) {
	k := UsageKind(v)
	if !k.Valid() {
		return "", fmt.Errorf("invalid usage kind %q", v)
	}
	return k, nil
}

// SubjectStatus is the user-visible state of a report or snapshot.
type SubjectStatus string

const (
	SubjectQueued   SubjectStatus = "queued"
	SubjectRunning  SubjectStatus = "running"
	SubjectComplete SubjectStatus = "complete"
	SubjectFailed   SubjectStatus = "failed"
)

func (s SubjectStatus) Valid() bool {
	switch s {
	case SubjectQueued, SubjectRunning, SubjectComplete, SubjectFailed:
		return true
	}
	return false
}

func (s SubjectStatus) Terminal() bool {
	return s == SubjectComplete || s == SubjectFailed
}

func ParseSubjectStatus(v string) (SubjectStatus, error) {
	s := SubjectStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid subject status %q", v)
	}
	return s, nil
}

// Severity grades operational alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}
