package detector

import (
	"regexp"
	"time"

	"github.com/railwatch/railwatch/internal/models"
)

// PatternMatch is the pattern lane's verdict for a window.
type PatternMatch struct {
	Severity          models.Severity
	RootCause         string
	RecommendedAction models.RecommendedAction
	Signal            string
	MatchedEvent      models.LogEvent
}

type signal struct {
	name      string
	re        *regexp.Regexp
	severity  models.Severity
	rootCause string
	action    models.RecommendedAction
	// minHits > 1 requires that many matches within hitWindow.
	minHits   int
	hitWindow time.Duration
}

var signals = []signal{
	{
		name:      "oom",
		re:        regexp.MustCompile(`(?i)oom|out of memory|killed by oom`),
		severity:  models.SeverityCritical,
		rootCause: "process killed or failing due to memory exhaustion",
		action:    models.ActionScaleMemory,
	},
	{
		name:      "fatal",
		re:        regexp.MustCompile(`(?i)fatal|panic`),
		severity:  models.SeverityCritical,
		rootCause: "process crashed with a fatal error",
		action:    models.ActionRestart,
	},
	{
		name:      "connection",
		re:        regexp.MustCompile(`(?i)econnrefused|connection refused|tls handshake failed`),
		severity:  models.SeverityHigh,
		rootCause: "downstream connection failures",
		action:    models.ActionRestart,
	},
	{
		name:      "server_error",
		re:        regexp.MustCompile(`(?i)http 5\d\d|internal server error|exception|traceback|stack ?trace`),
		severity:  models.SeverityHigh,
		rootCause: "unhandled server errors in request path",
		action:    models.ActionRedeploy,
	},
	{
		name:      "timeout",
		re:        regexp.MustCompile(`(?i)timeout|deadline exceeded`),
		severity:  models.SeverityMedium,
		rootCause: "repeated timeouts against a dependency",
		action:    models.ActionManualFix,
		minHits:   3,
		hitWindow: time.Minute,
	},
}

// EvaluatePatterns runs the signal table over a window and returns the
// highest-severity match, or nil. A lone warn-level event never escalates:
// message signals are considered for warn and above, and multi-hit signals
// need their full hit count inside the hit window.
func EvaluatePatterns(events []models.LogEvent, now time.Time) *PatternMatch {
	var best *PatternMatch
	for _, sig := range signals {
		var hits int
		var matched models.LogEvent
		cutoff := time.Time{}
		if sig.hitWindow > 0 {
			cutoff = now.Add(-sig.hitWindow)
		}
		for _, event := range events {
			if event.Level.Score() < models.LevelWarn.Score() {
				continue
			}
			if !cutoff.IsZero() && event.Timestamp.Before(cutoff) {
				continue
			}
			if sig.re.MatchString(event.Message) {
				hits++
				matched = event
			}
		}
		need := sig.minHits
		if need < 1 {
			need = 1
		}
		if hits < need {
			continue
		}
		// Warn-level noise with a single match only counts for multi-hit
		// signals; a single warn line alone must not open an incident.
		if need == 1 && matched.Level.Score() < models.LevelError.Score() {
			continue
		}
		if best == nil || sig.severity.Rank() > best.Severity.Rank() {
			best = &PatternMatch{
				Severity:          sig.severity,
				RootCause:         sig.rootCause,
				RecommendedAction: sig.action,
				Signal:            sig.name,
				MatchedEvent:      matched,
			}
		}
	}
	return best
}
