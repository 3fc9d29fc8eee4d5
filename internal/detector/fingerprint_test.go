package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/railwatch/railwatch/internal/models"
)

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "uuid",
			in:   "request 9f8b4a31-1c2d-4e5f-8a9b-0c1d2e3f4a5b failed",
			want: "request <uuid> failed",
		},
		{
			name: "numbers and durations",
			in:   "query took 1500ms after 3 retries",
			want: "query took <dur> after <num> retries",
		},
		{
			name: "quoted strings",
			in:   `cannot open file "users.csv"`,
			want: "cannot open file <str>",
		},
		{
			name: "whitespace collapse",
			in:   "too   many\t spaces",
			want: "too many spaces",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeMessage(tt.in))
		})
	}
}

func TestFingerprintStableAcrossVariableParts(t *testing.T) {
	a := Fingerprint("timeout after 30s for user 123", models.LevelError, "svc-1")
	b := Fingerprint("timeout after 45s for user 456", models.LevelError, "svc-1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFingerprintDiscriminates(t *testing.T) {
	base := Fingerprint("connection refused", models.LevelError, "svc-1")
	assert.NotEqual(t, base, Fingerprint("connection refused", models.LevelError, "svc-2"))
	assert.NotEqual(t, base, Fingerprint("connection refused", models.LevelFatal, "svc-1"))
	assert.NotEqual(t, base, Fingerprint("connection reset", models.LevelError, "svc-1"))
}
