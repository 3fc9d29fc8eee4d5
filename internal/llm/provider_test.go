package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/utils"
)

func TestParseJudgment(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Judgment
		wantErr bool
	}{
		{
			name: "bare json",
			raw:  `{"severity":"high","root_cause":"db pool exhausted","recommended_action":"restart","confidence":0.82,"reasoning":"repeated pool timeouts"}`,
			want: Judgment{
				Severity:          models.SeverityHigh,
				RootCause:         "db pool exhausted",
				RecommendedAction: models.ActionRestart,
				Confidence:        0.82,
				Reasoning:         "repeated pool timeouts",
			},
		},
		{
			name: "markdown fenced with prose",
			raw: "Here is my assessment:\n```json\n" +
				`{"severity":"critical","root_cause":"oom","recommended_action":"scale_memory","confidence":0.95,"reasoning":"heap exhausted"}` +
				"\n```\nLet me know if you need more.",
			want: Judgment{
				Severity:          models.SeverityCritical,
				RootCause:         "oom",
				RecommendedAction: models.ActionScaleMemory,
				Confidence:        0.95,
				Reasoning:         "heap exhausted",
			},
		},
		{
			name: "confidence clamped to one",
			raw:  `{"severity":"low","root_cause":"noise","recommended_action":"none","confidence":3.5,"reasoning":"x"}`,
			want: Judgment{
				Severity:          models.SeverityLow,
				RootCause:         "noise",
				RecommendedAction: models.ActionNone,
				Confidence:        1,
				Reasoning:         "x",
			},
		},
		{
			name: "negative confidence clamped to zero",
			raw:  `{"severity":"low","root_cause":"noise","recommended_action":"none","confidence":-0.2,"reasoning":"x"}`,
			want: Judgment{
				Severity:          models.SeverityLow,
				RootCause:         "noise",
				RecommendedAction: models.ActionNone,
				Confidence:        0,
				Reasoning:         "x",
			},
		},
		{name: "no json object", raw: "I cannot classify this.", wantErr: true},
		{name: "truncated json", raw: `{"severity":"high",`, wantErr: true},
		{name: "unknown severity", raw: `{"severity":"apocalyptic","recommended_action":"none","confidence":0.5}`, wantErr: true},
		{name: "unknown action", raw: `{"severity":"high","recommended_action":"reboot_universe","confidence":0.5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJudgment(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, utils.IsKind(err, utils.KindParseFailure))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type staticClient struct {
	name  string
	reply string
	err   error
	last  string
}

func (c *staticClient) Name() string { return c.name }

func (c *staticClient) Complete(_ context.Context, _, user string) (string, error) {
	c.last = user
	return c.reply, c.err
}

func TestRouterPick(t *testing.T) {
	openai := &staticClient{name: "openai"}
	anthropic := &staticClient{name: "anthropic"}

	both := NewRouter(openai, anthropic, models.ProviderOpenAI)

	got, err := both.Pick(models.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", got.Name())

	got, err = both.Pick(models.ProviderAuto)
	require.NoError(t, err)
	assert.Equal(t, "openai", got.Name(), "auto follows the router default")

	// Preference degrades to whichever provider exists.
	onlyOpenAI := NewRouter(openai, nil, models.ProviderAuto)
	got, err = onlyOpenAI.Pick(models.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "openai", got.Name())

	none := NewRouter(nil, nil, models.ProviderAuto)
	_, err = none.Pick(models.ProviderAuto)
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))
	assert.False(t, none.Enabled())

	var nilRouter *Router
	_, err = nilRouter.Pick(models.ProviderAuto)
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))
	assert.False(t, nilRouter.Enabled())
}

func TestClassifyIncludesWindowAndHint(t *testing.T) {
	client := &staticClient{
		name:  "openai",
		reply: `{"severity":"high","root_cause":"bad deploy","recommended_action":"rollback","confidence":0.7,"reasoning":"errors started after deploy"}`,
	}

	events := []models.LogEvent{
		{Level: models.LevelError, Message: "500 on /checkout", Timestamp: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)},
		{Level: models.LevelFatal, Message: "panic: nil pointer", Timestamp: time.Date(2026, 8, 24, 10, 0, 5, 0, time.UTC)},
	}

	judgment, err := Classify(context.Background(), client, "payments", events, models.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, models.ActionRollback, judgment.RecommendedAction)

	assert.Contains(t, client.last, "Service: payments")
	assert.Contains(t, client.last, "Pattern matcher pre-assessment: high")
	assert.Contains(t, client.last, "500 on /checkout")
	assert.Contains(t, client.last, "FATAL panic: nil pointer")
}

func TestClassifyNilClient(t *testing.T) {
	_, err := Classify(context.Background(), nil, "payments", nil, "")
	assert.True(t, utils.IsKind(err, utils.KindNotConfigured))
}
