package models

import (
	"fmt"
	"strings"
)

// LogLevel enumerates normalized log severities as they arrive off the stream.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// ParseLogLevel normalizes a raw severity string, clamping unknown values to info.
func ParseLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "trace":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "err":
		return LevelError
	case "fatal", "critical", "panic":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Score maps a level onto the 1..5 severity scale used by the detector.
func (l LogLevel) Score() int {
	switch l {
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarn:
		return 3
	case LevelError:
		return 4
	case LevelFatal:
		return 5
	default:
		return 2
	}
}

func (l LogLevel) String() string { return string(l) }

// Severity captures incident impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a stored severity string.
func ParseSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToLower(raw)) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(strings.ToLower(raw)), nil
	}
	return "", fmt.Errorf("invalid severity %q", raw)
}

// Rank orders severities so the detector can take the max of two lanes.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Max returns the higher-ranked of the two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

func (s Severity) String() string { return string(s) }

// IncidentStatus tracks an incident through its lifecycle.
type IncidentStatus string

const (
	StatusDetected       IncidentStatus = "detected"
	StatusAwaitingAction IncidentStatus = "awaiting_action"
	StatusAutoRemediated IncidentStatus = "auto_remediated"
	StatusManualResolved IncidentStatus = "manual_resolved"
	StatusFailed         IncidentStatus = "failed"
	StatusIgnored        IncidentStatus = "ignored"
)

// ParseIncidentStatus validates a stored status string.
func ParseIncidentStatus(raw string) (IncidentStatus, error) {
	switch IncidentStatus(raw) {
	case StatusDetected, StatusAwaitingAction, StatusAutoRemediated,
		StatusManualResolved, StatusFailed, StatusIgnored:
		return IncidentStatus(raw), nil
	}
	return "", fmt.Errorf("invalid incident status %q", raw)
}

// Terminal reports whether the status ends the incident lifecycle. Terminal
// incidents are skipped by the upsert path and refuse remediation.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case StatusAutoRemediated, StatusManualResolved, StatusIgnored:
		return true
	}
	return false
}

func (s IncidentStatus) String() string { return string(s) }

// RecommendedAction enumerates the fixed remediation vocabulary.
type RecommendedAction string

const (
	ActionRestart       RecommendedAction = "restart"
	ActionRedeploy      RecommendedAction = "redeploy"
	ActionScaleMemory   RecommendedAction = "scale_memory"
	ActionScaleReplicas RecommendedAction = "scale_replicas"
	ActionRollback      RecommendedAction = "rollback"
	ActionStop          RecommendedAction = "stop"
	ActionManualFix     RecommendedAction = "manual_fix"
	ActionNone          RecommendedAction = "none"
)

// ParseRecommendedAction validates an action name, defaulting blanks to none.
func ParseRecommendedAction(raw string) (RecommendedAction, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ActionNone, nil
	}
	switch RecommendedAction(normalized) {
	case ActionRestart, ActionRedeploy, ActionScaleMemory, ActionScaleReplicas,
		ActionRollback, ActionStop, ActionManualFix, ActionNone:
		return RecommendedAction(normalized), nil
	}
	return "", fmt.Errorf("invalid recommended action %q", raw)
}

func (a RecommendedAction) String() string { return string(a) }

// ActionStatus tracks a remediation action through execution.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionSucceeded  ActionStatus = "succeeded"
	ActionFailed     ActionStatus = "failed"
)

// Terminal reports whether the action finished.
func (s ActionStatus) Terminal() bool {
	return s == ActionSucceeded || s == ActionFailed
}

func (s ActionStatus) String() string { return string(s) }

// InitiatorType distinguishes policy-driven from human-driven remediation.
type InitiatorType string

const (
	InitiatorAutomated InitiatorType = "automated"
	InitiatorUser      InitiatorType = "user"
)

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ParseMessageRole validates a stored role string.
func ParseMessageRole(raw string) (MessageRole, error) {
	switch MessageRole(raw) {
	case RoleUser, RoleAssistant, RoleSystem:
		return MessageRole(raw), nil
	}
	return "", fmt.Errorf("invalid message role %q", raw)
}

// LLMProvider selects which language model backend classifies incidents.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderAuto      LLMProvider = "auto"
)

// ParseLLMProvider validates a provider name.
func ParseLLMProvider(raw string) (LLMProvider, error) {
	switch LLMProvider(strings.ToLower(raw)) {
	case ProviderOpenAI, ProviderAnthropic, ProviderAuto:
		return LLMProvider(strings.ToLower(raw)), nil
	case "":
		return ProviderAuto, nil
	}
	return "", fmt.Errorf("invalid llm provider %q", raw)
}
