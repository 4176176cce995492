// Package observability exposes the pipeline's Prometheus metrics. Metrics
// are registered once at import via promauto and recorded through the
// exported helpers so callers never touch collector types directly.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_active_sessions",
		Help: "Number of sessions currently active.",
	})

	turnsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_turns_ended_total",
		Help: "Turns ended, partitioned by speaker and end reason.",
	}, []string{"speaker", "reason"})

	interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_interruptions_total",
		Help: "Bot turns cut short by user barge-in.",
	})

	stageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_stage_errors_total",
		Help: "Stage errors that exhausted retries, partitioned by stage and error class.",
	}, []string{"stage", "class"})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_audio_bytes_total",
		Help: "Audio bytes moved through the pipeline, partitioned by direction.",
	}, []string{"direction"})

	responseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_response_latency_seconds",
		Help:    "Time from user turn finality to the first bot media frame.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
)

func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }

func TurnEnded(speaker, reason string) {
	turnsEnded.WithLabelValues(speaker, reason).Inc()
}

func InterruptionObserved() { interruptions.Inc() }

func StageError(stage, class string) {
	stageErrors.WithLabelValues(stage, class).Inc()
}

func AudioIn(bytes int) {
	audioBytes.WithLabelValues("in").Add(float64(bytes))
}

func AudioOut(bytes int) {
	audioBytes.WithLabelValues("out").Add(float64(bytes))
}

func ResponseLatency(d time.Duration) {
	responseLatency.Observe(d.Seconds())
}
