package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestObserversIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	frames := testutil.ToFloat64(streamFramesTotal.WithLabelValues("next"))
	reconnects := testutil.ToFloat64(streamReconnectsTotal)
	drops := testutil.ToFloat64(streamDropsTotal)
	retries := testutil.ToFloat64(platformRetriesTotal.WithLabelValues("network"))

	ObserveStreamFrame("next")
	ObserveStreamReconnect()
	ObserveStreamDrop()
	ObservePlatformRetry("network")
	ObserveLogEvent("error")
	ObserveIncidentUpsert("high", "created")
	ObserveLLMCall("openai", true, time.Second)
	ObserveRemediation("restart", false, 2*time.Second)
	ObserveAlertLatency(-time.Second)

	assert.Equal(t, frames+1, testutil.ToFloat64(streamFramesTotal.WithLabelValues("next")))
	assert.Equal(t, reconnects+1, testutil.ToFloat64(streamReconnectsTotal))
	assert.Equal(t, drops+1, testutil.ToFloat64(streamDropsTotal))
	assert.Equal(t, retries+1, testutil.ToFloat64(platformRetriesTotal.WithLabelValues("network")))
}
