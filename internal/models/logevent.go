package models

import "time"

// MaxLogMessageChars bounds stored log messages.
const MaxLogMessageChars = 10000

// LogEvent is one normalized log line from a monitored service. Events are
// transient: they flow from the stream to the detector and are only persisted
// when buffer retention is enabled.
type LogEvent struct {
	ServiceID     string
	EnvironmentID string
	ServiceName   string
	Timestamp     time.Time
	Level         LogLevel
	Message       string
	SeverityScore int
	RawMetadata   map[string]any
	Source        string
}

// Truncate clamps the message to the storage bound.
func (e *LogEvent) Truncate() {
	if len(e.Message) > MaxLogMessageChars {
		e.Message = e.Message[:MaxLogMessageChars]
	}
}
