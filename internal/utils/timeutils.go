package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseTimestampOrNow parses an ISO-8601 timestamp into UTC, falling back to
// the current time when the value is missing or malformed. Log frames arrive
// with inconsistent timestamp formats, so ingestion never fails on one.
func ParseTimestampOrNow(value string, now func() time.Time) time.Time {
	if now == nil {
		now = time.Now
	}
	if value == "" {
		return now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return now().UTC()
}

// Jitter returns d scaled by a factor in [1-frac, 1+frac] derived from seed.
// Used to spread periodic work so replicas do not tick in lockstep.
func Jitter(d time.Duration, frac float64, seed int64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	if frac > 1 {
		frac = 1
	}
	// Cheap deterministic spread; callers pass a varying seed.
	unit := float64(seed%1000)/500.0 - 1.0
	return time.Duration(float64(d) * (1 + frac*unit))
}
