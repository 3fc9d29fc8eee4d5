package models

import "time"

// RemediationAction records one side-effecting (or diagnostic) remediation
// attempt against an incident. At most one non-terminal action may exist per
// incident at any instant; the store enforces this.
type RemediationAction struct {
	ID            string
	IncidentID    string
	InitiatorType InitiatorType
	InitiatorRef  string
	ActionType    RecommendedAction
	Parameters    map[string]any
	RequestedAt   time.Time
	CompletedAt   *time.Time
	Status        ActionStatus
	ResultMessage string
	FailureReason string
}

// AutoFixRequest is the broker payload asking the coordinator to remediate.
type AutoFixRequest struct {
	IncidentID   string
	Initiator    InitiatorType
	InitiatorRef string
	Action       RecommendedAction
	Parameters   map[string]any
}
