package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		text string
		want Intent
	}{
		{text: "status", want: Intent{Kind: IntentStatus}},
		{text: "What happened here?", want: Intent{Kind: IntentStatus}},
		{text: "what's wrong with payments", want: Intent{Kind: IntentStatus}},
		{text: "show me the logs", want: Intent{Kind: IntentLogs}},
		{text: "recent deployments please", want: Intent{Kind: IntentDeployments}},
		{text: "restart the service", want: Intent{Kind: IntentRestart}},
		{text: "REDEPLOY", want: Intent{Kind: IntentRedeploy}},
		{text: "roll back to the last good deploy", want: Intent{Kind: IntentRollback}},
		{text: "please stop it", want: Intent{Kind: IntentStop}},
		{text: "shut down the service", want: Intent{Kind: IntentStop}},
		{text: "scale memory to 2048", want: Intent{Kind: IntentScaleMemory, Amount: 2048}},
		{text: "scale mem 512", want: Intent{Kind: IntentScaleMemory, Amount: 512}},
		{text: "scale replicas to 3", want: Intent{Kind: IntentScaleReplicas, Amount: 3}},
		{text: "scale replica 1", want: Intent{Kind: IntentScaleReplicas, Amount: 1}},
		{text: "resolve", want: Intent{Kind: IntentResolve}},
		{text: "this is resolved now", want: Intent{Kind: IntentResolve}},
		{text: "help", want: Intent{Kind: IntentHelp}},
		{text: "?", want: Intent{Kind: IntentHelp}},
		{text: "tell me a joke", want: Intent{Kind: IntentUnknown}},
		{text: "", want: Intent{Kind: IntentUnknown}},
		{text: "   ", want: Intent{Kind: IntentUnknown}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseIntent(tt.text), "text=%q", tt.text)
	}
}

func TestParseIntentScaleBeatsKeywords(t *testing.T) {
	// "scale memory ... restart" must resolve to the explicit scale command,
	// not the restart keyword.
	got := ParseIntent("scale memory to 1024 then restart")
	assert.Equal(t, IntentScaleMemory, got.Kind)
	assert.Equal(t, 1024, got.Amount)
}
