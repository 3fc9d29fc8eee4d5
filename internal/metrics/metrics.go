package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels calls and actions that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels calls and actions that failed.
	OutcomeError = "error"
)

var (
	logEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "log_events_total",
			Help:      "Log events ingested off the stream, partitioned by level.",
		},
		[]string{"level"},
	)

	streamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "stream_frames_total",
			Help:      "WebSocket frames received, partitioned by frame type.",
		},
		[]string{"type"},
	)

	streamReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "stream_reconnects_total",
			Help:      "Stream reconnect attempts.",
		},
	)

	streamDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "stream_drops_total",
			Help:      "Events discarded because the ingest buffer was full.",
		},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "incidents_total",
			Help:      "Incident upserts, partitioned by severity and outcome.",
		},
		[]string{"severity", "outcome"},
	)

	alertLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "railwatch",
			Name:      "alert_latency_seconds",
			Help:      "Time from incident detection to alert delivery.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)

	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "llm_calls_total",
			Help:      "LLM classification calls, partitioned by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	llmCallSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "railwatch",
			Name:      "llm_call_seconds",
			Help:      "LLM call latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	remediationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "remediations_total",
			Help:      "Remediation actions executed, partitioned by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	remediationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "railwatch",
			Name:      "remediation_seconds",
			Help:      "Remediation duration from request to completion.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	platformRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "railwatch",
			Name:      "platform_retries_total",
			Help:      "Platform API retries, partitioned by reason.",
		},
		[]string{"reason"},
	)
)

// Register attaches railwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		logEventsTotal,
		streamFramesTotal,
		streamReconnectsTotal,
		streamDropsTotal,
		incidentsTotal,
		alertLatencySeconds,
		llmCallsTotal,
		llmCallSeconds,
		remediationsTotal,
		remediationSeconds,
		platformRetriesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveLogEvent counts one ingested event.
func ObserveLogEvent(level string) {
	logEventsTotal.WithLabelValues(level).Inc()
}

// ObserveStreamFrame counts one received frame.
func ObserveStreamFrame(frameType string) {
	streamFramesTotal.WithLabelValues(frameType).Inc()
}

// ObserveStreamReconnect counts one reconnect attempt.
func ObserveStreamReconnect() { streamReconnectsTotal.Inc() }

// ObserveStreamDrop counts one discarded event.
func ObserveStreamDrop() { streamDropsTotal.Inc() }

// ObserveIncidentUpsert records one detector upsert outcome.
func ObserveIncidentUpsert(severity, outcome string) {
	incidentsTotal.WithLabelValues(severity, outcome).Inc()
}

// ObserveAlertLatency records detection-to-alert latency.
func ObserveAlertLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	alertLatencySeconds.Observe(d.Seconds())
}

// ObserveLLMCall records one classification call.
func ObserveLLMCall(provider string, ok bool, d time.Duration) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	llmCallsTotal.WithLabelValues(provider, outcome).Inc()
	if d < 0 {
		d = 0
	}
	llmCallSeconds.Observe(d.Seconds())
}

// ObserveRemediation records one executed action.
func ObserveRemediation(action string, ok bool, d time.Duration) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	remediationsTotal.WithLabelValues(action, outcome).Inc()
	if d < 0 {
		d = 0
	}
	remediationSeconds.Observe(d.Seconds())
}

// ObservePlatformRetry counts one platform API retry by reason.
func ObservePlatformRetry(reason string) {
	platformRetriesTotal.WithLabelValues(reason).Inc()
}
