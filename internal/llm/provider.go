// Package llm provides the language-model classification lane: provider
// clients, prompt construction, and structured-judgment parsing.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

// Judgment is the structured result of a classification call.
type Judgment struct {
	Severity          models.Severity
	RootCause         string
	RecommendedAction models.RecommendedAction
	Confidence        float64
	Reasoning         string
}

// Client completes a prompt against one provider.
type Client interface {
	Name() string
	Complete(ctx context.Context, system, user string) (string, error)
}

// Router selects a client per the configured or per-service provider
// preference, with auto falling back to whichever provider is available.
type Router struct {
	openai    Client
	anthropic Client
	prefer    models.LLMProvider
}

// NewRouter builds a router; either client may be nil when unconfigured.
func NewRouter(openai, anthropic Client, prefer models.LLMProvider) *Router {
	return &Router{openai: openai, anthropic: anthropic, prefer: prefer}
}

// Enabled reports whether any provider is configured.
func (r *Router) Enabled() bool {
	return r != nil && (r.openai != nil || r.anthropic != nil)
}

// Pick resolves a provider preference to a usable client.
func (r *Router) Pick(prefer models.LLMProvider) (Client, error) {
	if r == nil {
		return nil, utils.E(utils.KindNotConfigured, "llm.Pick", "no llm provider configured", nil)
	}
	if prefer == "" || prefer == models.ProviderAuto {
		prefer = r.prefer
	}
	switch prefer {
	case models.ProviderOpenAI:
		if r.openai != nil {
			return r.openai, nil
		}
		if r.anthropic != nil {
			return r.anthropic, nil
		}
	case models.ProviderAnthropic:
		if r.anthropic != nil {
			return r.anthropic, nil
		}
		if r.openai != nil {
			return r.openai, nil
		}
	default:
		if r.openai != nil {
			return r.openai, nil
		}
		if r.anthropic != nil {
			return r.anthropic, nil
		}
	}
	return nil, utils.E(utils.KindNotConfigured, "llm.Pick", "no llm provider configured", nil)
}

// Classify runs the incident-classification prompt for a window of events and
// parses the structured judgment.
func Classify(ctx context.Context, client Client, serviceName string, events []models.LogEvent, patternHint models.Severity) (Judgment, error) {
	if client == nil {
		return Judgment{}, utils.E(utils.KindNotConfigured, "llm.Classify", "nil client", nil)
	}
	raw, err := client.Complete(ctx, classifySystemPrompt, buildClassifyPrompt(serviceName, events, patternHint))
	if err != nil {
		return Judgment{}, err
	}
	return ParseJudgment(raw)
}

// ParseJudgment extracts the JSON judgment from a completion, tolerating
// surrounding prose and markdown fences.
func ParseJudgment(raw string) (Judgment, error) {
	const op = "llm.ParseJudgment"

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Judgment{}, utils.E(utils.KindParseFailure, op, "no json object in completion", nil)
	}

	var payload struct {
		Severity          string  `json:"severity"`
		RootCause         string  `json:"root_cause"`
		RecommendedAction string  `json:"recommended_action"`
		Confidence        float64 `json:"confidence"`
		Reasoning         string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return Judgment{}, utils.E(utils.KindParseFailure, op, "decode judgment", err)
	}

	severity, err := models.ParseSeverity(payload.Severity)
	if err != nil {
		return Judgment{}, utils.E(utils.KindParseFailure, op, fmt.Sprintf("bad severity %q", payload.Severity), err)
	}
	action, err := models.ParseRecommendedAction(payload.RecommendedAction)
	if err != nil {
		return Judgment{}, utils.E(utils.KindParseFailure, op, fmt.Sprintf("bad action %q", payload.RecommendedAction), err)
	}
	confidence := payload.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Judgment{
		Severity:          severity,
		RootCause:         payload.RootCause,
		RecommendedAction: action,
		Confidence:        confidence,
		Reasoning:         payload.Reasoning,
	}, nil
}
