package llm

import (
	"fmt"
	"strings"

	"github.com/railwatch/railwatch/internal/models"
)

const classifySystemPrompt = `You are a production incident analyst. Given recent log lines from one service,
judge whether they represent an incident and respond with a single JSON object:
{"severity": "critical|high|medium|low",
 "root_cause": "<one sentence>",
 "recommended_action": "restart|redeploy|scale_memory|scale_replicas|rollback|stop|manual_fix|none",
 "confidence": <0.0-1.0>,
 "reasoning": "<short explanation>"}
Respond with the JSON object only.`

// buildClassifyPrompt renders the event window for the model. The line budget
// stays small so a full window fits comfortably in one request.
func buildClassifyPrompt(serviceName string, events []models.LogEvent, patternHint models.Severity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\n", serviceName)
	if patternHint != "" {
		fmt.Fprintf(&b, "Pattern matcher pre-assessment: %s\n", patternHint)
	}
	b.WriteString("Recent log lines (oldest first):\n")
	for _, event := range events {
		msg := event.Message
		if len(msg) > 500 {
			msg = msg[:500]
		}
		fmt.Fprintf(&b, "[%s] %s %s\n", event.Timestamp.Format("15:04:05"), strings.ToUpper(string(event.Level)), msg)
	}
	return b.String()
}

// BuildRefinementPrompt renders deployment logs for the auto-fix confirmation
// flow, where the model re-checks its recommendation with fresher context.
func BuildRefinementPrompt(incident *models.Incident, deployLogs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Service: %s\nExisting diagnosis: %s\nProposed action: %s\n",
		incident.ServiceName, incident.RootCause, incident.RecommendedAction)
	b.WriteString("Latest deployment logs:\n")
	for _, line := range deployLogs {
		if len(line) > 500 {
			line = line[:500]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("Re-evaluate and answer with the same JSON object format.")
	return b.String()
}
