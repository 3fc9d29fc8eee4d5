package models

import "time"

// Incident is the durable record of a detected failure class on one service.
// One incident exists per (ServiceID, Fingerprint); recurrences update it.
type Incident struct {
	ID                string
	ServiceID         string
	ServiceName       string
	EnvironmentID     string
	Fingerprint       string
	Severity          Severity
	Status            IncidentStatus
	Confidence        float64
	RootCause         string
	RecommendedAction RecommendedAction
	Reasoning         string
	LogContext        map[string]any
	DetectedAt        time.Time
	ResolvedAt        *time.Time
	Metadata          map[string]any
}

// CanTransition reports whether moving an incident from one status to another
// is allowed. The matrix is deliberately narrow; everything not listed here is
// rejected with an invalid-transition error by the store.
func CanTransition(from, to IncidentStatus) bool {
	if from == to {
		return false
	}
	// Anyone may manually resolve at any point.
	if to == StatusManualResolved {
		return true
	}
	switch from {
	case StatusDetected:
		return to == StatusAwaitingAction || to == StatusIgnored
	case StatusAwaitingAction:
		return to == StatusAutoRemediated || to == StatusFailed
	case StatusFailed:
		// A fresh signal re-opens a failed incident.
		return to == StatusDetected || to == StatusAwaitingAction
	}
	return false
}

// Candidate is the detector's pre-persistence view of an incident: severity and
// classification plus the fingerprint, before the store decides created/updated.
type Candidate struct {
	ServiceID         string
	ServiceName       string
	EnvironmentID     string
	Fingerprint       string
	Severity          Severity
	Confidence        float64
	RootCause         string
	RecommendedAction RecommendedAction
	Reasoning         string
	LogContext        map[string]any
}

// UpsertOutcome tells the detector what the store did with a candidate.
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
	UpsertSkipped UpsertOutcome = "skipped"
)
