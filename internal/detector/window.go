package detector

import (
	"time"

	"github.com/railwatch/railwatch/internal/models"
)

// DefaultWindowSize is the per-service sliding window bound.
const DefaultWindowSize = 20

// Window holds the most recent events for one service. Adding beyond the
// bound evicts the oldest entry.
type Window struct {
	events []models.LogEvent
	bound  int
}

// NewWindow constructs a window with the given bound.
func NewWindow(bound int) *Window {
	if bound <= 0 {
		bound = DefaultWindowSize
	}
	return &Window{bound: bound}
}

// Add appends an event, evicting the oldest when full.
func (w *Window) Add(event models.LogEvent) {
	w.events = append(w.events, event)
	if len(w.events) > w.bound {
		copy(w.events, w.events[1:])
		w.events = w.events[:w.bound]
	}
}

// Events returns a copy of the current window, oldest first.
func (w *Window) Events() []models.LogEvent {
	out := make([]models.LogEvent, len(w.events))
	copy(out, w.events)
	return out
}

// Len reports the number of buffered events.
func (w *Window) Len() int { return len(w.events) }

// MaxScore returns the highest severity score in the window.
func (w *Window) MaxScore() int {
	max := 0
	for _, e := range w.events {
		if e.SeverityScore > max {
			max = e.SeverityScore
		}
	}
	return max
}

// CountMatching counts events newer than cutoff that satisfy pred.
func (w *Window) CountMatching(cutoff time.Time, pred func(models.LogEvent) bool) int {
	count := 0
	for _, e := range w.events {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if pred(e) {
			count++
		}
	}
	return count
}
