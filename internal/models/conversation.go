package models

import "time"

// ConversationSession is a chat thread bound to at most one incident.
// ChannelRef uniquely identifies the thread; reuse returns the same session.
type ConversationSession struct {
	ID            string
	IncidentID    string
	Channel       string
	ChannelRef    string
	ParticipantID string
	StartedAt     time.Time
	ClosedAt      *time.Time
	Context       map[string]any
}

// ConversationMessage is a single message within a session. Listing yields
// non-decreasing timestamps.
type ConversationMessage struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	Timestamp time.Time
	ActionRef string
}

// StartChatRequest is the broker payload emitted by the notifier when a user
// opens a thread from an alert.
type StartChatRequest struct {
	IncidentID string
	ChannelID  string
	UserID     string
	ThreadTS   string
}
