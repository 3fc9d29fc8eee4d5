package notifier

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/railwatch/railwatch/internal/models"
)

// Button action identifiers. Alert buttons carry "<action>:<incident_id>"
// values; the confirmation button carries "confirm:<incident_id>:<action_name>".
const (
	ActionAutoFix        = "auto_fix"
	ActionStartChat      = "start_chat"
	ActionIgnore         = "ignore"
	ActionConfirmAutoFix = "confirm_auto_fix"
	ActionCancelAutoFix  = "cancel_auto_fix"
)

func severityMarker(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "🔴"
	case models.SeverityHigh:
		return "🟠"
	case models.SeverityMedium:
		return "🟡"
	default:
		return "🔵"
	}
}

// alertBlocks renders the interactive incident alert.
func alertBlocks(incident *models.Incident) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		fmt.Sprintf("%s %s incident: %s", severityMarker(incident.Severity),
			incident.Severity, incident.ServiceName), true, false))

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Service:*\n%s", incident.ServiceName), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Status:*\n%s", incident.Status), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Severity:*\n%s", incident.Severity), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Confidence:*\n%.0f%%", incident.Confidence*100), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Root cause:*\n%s", orDash(incident.RootCause)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("*Recommended:*\n%s", incident.RecommendedAction), false, false),
	}
	details := slack.NewSectionBlock(nil, fields, nil)

	blocks := []slack.Block{header, details}
	if incident.Reasoning != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, incident.Reasoning, false, false)))
	}

	if !incident.Status.Terminal() {
		blocks = append(blocks, slack.NewActionBlock("incident_actions",
			button(ActionAutoFix, incident.ID, "Auto Fix", slack.StylePrimary),
			button(ActionStartChat, incident.ID, "Start Chat", slack.StyleDefault),
			button(ActionIgnore, incident.ID, "Ignore", slack.StyleDanger),
		))
	}
	return blocks
}

// confirmBlocks renders the auto-fix confirmation posted in the thread.
func confirmBlocks(incident *models.Incident, refinement string) []slack.Block {
	text := fmt.Sprintf("Proposed fix for *%s*: `%s`", incident.ServiceName, incident.RecommendedAction)
	if refinement != "" {
		text += "\n" + refinement
	}
	confirm := slack.NewButtonBlockElement(ActionConfirmAutoFix,
		fmt.Sprintf("confirm:%s:%s", incident.ID, incident.RecommendedAction),
		slack.NewTextBlockObject(slack.PlainTextType, "Confirm", false, false)).
		WithStyle(slack.StylePrimary)
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("confirm_actions",
			confirm,
			button(ActionCancelAutoFix, incident.ID, "Cancel", slack.StyleDefault),
		),
	}
}

func button(action, incidentID, label string, style slack.Style) *slack.ButtonBlockElement {
	b := slack.NewButtonBlockElement(action, action+":"+incidentID,
		slack.NewTextBlockObject(slack.PlainTextType, label, false, false))
	if style != slack.StyleDefault {
		b = b.WithStyle(style)
	}
	return b
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
