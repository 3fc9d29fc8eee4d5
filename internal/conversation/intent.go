package conversation

import (
	"regexp"
	"strconv"
	"strings"
)

// IntentKind enumerates what a chat message asks for.
type IntentKind string

const (
	IntentStatus        IntentKind = "status"
	IntentLogs          IntentKind = "logs"
	IntentDeployments   IntentKind = "deployments"
	IntentRestart       IntentKind = "restart"
	IntentRedeploy      IntentKind = "redeploy"
	IntentStop          IntentKind = "stop"
	IntentScaleMemory   IntentKind = "scale_memory"
	IntentScaleReplicas IntentKind = "scale_replicas"
	IntentRollback      IntentKind = "rollback"
	IntentResolve       IntentKind = "resolve"
	IntentHelp          IntentKind = "help"
	IntentUnknown       IntentKind = "unknown"
)

// Intent is one parsed chat command.
type Intent struct {
	Kind   IntentKind
	Amount int
}

var (
	reScaleMemory   = regexp.MustCompile(`(?i)scale\s+mem(?:ory)?\s+(?:to\s+)?(\d+)`)
	reScaleReplicas = regexp.MustCompile(`(?i)scale\s+replicas?\s+(?:to\s+)?(\d+)`)
)

// ParseIntent maps free text onto the fixed command vocabulary. Matching is
// keyword-based and case-insensitive; anything unrecognized is unknown.
func ParseIntent(text string) Intent {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return Intent{Kind: IntentUnknown}
	}

	if m := reScaleMemory.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Intent{Kind: IntentScaleMemory, Amount: n}
	}
	if m := reScaleReplicas.FindStringSubmatch(t); m != nil {
		n, _ := strconv.Atoi(m[1])
		return Intent{Kind: IntentScaleReplicas, Amount: n}
	}

	switch {
	case strings.Contains(t, "help") || t == "?":
		return Intent{Kind: IntentHelp}
	case strings.Contains(t, "status") || strings.Contains(t, "what happened") || strings.Contains(t, "what's wrong"):
		return Intent{Kind: IntentStatus}
	case strings.Contains(t, "deployments") || strings.Contains(t, "deploys"):
		return Intent{Kind: IntentDeployments}
	case strings.Contains(t, "resolve"):
		return Intent{Kind: IntentResolve}
	case strings.Contains(t, "log"):
		return Intent{Kind: IntentLogs}
	case strings.Contains(t, "restart"):
		return Intent{Kind: IntentRestart}
	case strings.Contains(t, "redeploy"):
		return Intent{Kind: IntentRedeploy}
	case strings.Contains(t, "rollback") || strings.Contains(t, "roll back"):
		return Intent{Kind: IntentRollback}
	case strings.Contains(t, "stop") || strings.Contains(t, "shut down") || strings.Contains(t, "shutdown"):
		return Intent{Kind: IntentStop}
	}
	return Intent{Kind: IntentUnknown}
}

const helpText = `I understand these commands:
• *status* — current incident diagnosis and action history
• *logs* — recent deployment logs
• *deployments* — recent deployments and their states
• *restart* / *redeploy* / *stop* / *rollback* — run that remediation
• *scale memory <mb>* / *scale replicas <n>* — resize the service
• *resolve* — mark the incident resolved and close this session`
