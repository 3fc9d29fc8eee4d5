package detector

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/railwatch/railwatch/internal/models"
)

// Template normalization: variable fragments are replaced with typed
// placeholders so recurrences of the same failure hash identically.
var (
	reUUID     = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	reHex      = regexp.MustCompile(`\b[0-9a-fA-F]{12,}\b`)
	reDuration = regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s|m|h)\b`)
	reNumber   = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	reQuoted   = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	reSpace    = regexp.MustCompile(`\s+`)
)

// NormalizeMessage reduces a log message to its stable template.
func NormalizeMessage(message string) string {
	t := strings.ToLower(message)
	t = reUUID.ReplaceAllString(t, "<uuid>")
	t = reQuoted.ReplaceAllString(t, "<str>")
	t = reDuration.ReplaceAllString(t, "<dur>")
	t = reHex.ReplaceAllString(t, "<hex>")
	t = reNumber.ReplaceAllString(t, "<num>")
	t = reSpace.ReplaceAllString(strings.TrimSpace(t), " ")
	if len(t) > 300 {
		t = t[:300]
	}
	return t
}

// Fingerprint hashes the normalized template with the level and service so
// that the same kind of failure always lands on the same incident row.
func Fingerprint(message string, level models.LogLevel, serviceID string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeMessage(message)))
	h.Write([]byte{0})
	h.Write([]byte(level))
	h.Write([]byte{0})
	h.Write([]byte(serviceID))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
