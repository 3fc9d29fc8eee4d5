package stream

import (
	"encoding/json"
	"time"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

type rawLogEntry struct {
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Tags      map[string]any `json:"tags"`
	Attrs     map[string]any `json:"attributes"`
}

type nextPayload struct {
	Data struct {
		EnvironmentLogs []rawLogEntry `json:"environmentLogs"`
		DeploymentLogs  []rawLogEntry `json:"deploymentLogs"`
	} `json:"data"`
}

// normalizeNext converts a next/data frame payload into log events stamped
// with the subscription's target identity. Entries that carry their own
// service tag keep it; env-wide subscriptions rely on that tag.
func normalizeNext(payload json.RawMessage, target models.Target, serviceName string, now func() time.Time) ([]models.LogEvent, error) {
	var next nextPayload
	if err := json.Unmarshal(payload, &next); err != nil {
		return nil, utils.E(utils.KindParseFailure, "stream.normalize", "decode next payload", err)
	}

	entries := next.Data.EnvironmentLogs
	if len(entries) == 0 {
		entries = next.Data.DeploymentLogs
	}

	events := make([]models.LogEvent, 0, len(entries))
	for _, entry := range entries {
		level := models.ParseLogLevel(entry.Severity)
		event := models.LogEvent{
			ServiceID:     target.ServiceID,
			EnvironmentID: target.EnvironmentID,
			ServiceName:   serviceName,
			Timestamp:     utils.ParseTimestampOrNow(entry.Timestamp, now),
			Level:         level,
			Message:       entry.Message,
			SeverityScore: level.Score(),
			Source:        "railway",
		}
		if len(entry.Tags) > 0 {
			event.RawMetadata = entry.Tags
			if svc, ok := entry.Tags["serviceId"].(string); ok && svc != "" {
				event.ServiceID = svc
			}
		} else if len(entry.Attrs) > 0 {
			event.RawMetadata = entry.Attrs
		}
		event.Truncate()
		events = append(events, event)
	}
	return events, nil
}
