package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"edu-vision/server/internal/model"
)

var (
	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduvision",
		Name:      "turns_total",
		Help:      "Completed conversation turns by mode and outcome.",
	}, []string{"mode", "outcome"})
	metricXPAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduvision",
		Name:      "xp_awarded_total",
		Help:      "XP granted to learners, by source (tag or media bonus).",
	}, []string{"source"})
	metricReauth = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduvision",
		Name:      "reauthorizations_total",
		Help:      "Key re-selections triggered by permission errors.",
	}, []string{"outcome"})
	metricVideoPolls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "eduvision",
		Name:      "video_polls_total",
		Help:      "Status polls issued for long-running video jobs.",
	})
	metricBackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eduvision",
		Name:      "backend_call_seconds",
		Help:      "Latency of generative backend calls.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"op"})
	metricSpeech = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eduvision",
		Name:      "speech_requests_total",
		Help:      "Speech synthesis requests by outcome.",
	}, []string{"outcome"})
)

func recordTurn(mode model.Mode, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	metricTurns.WithLabelValues(string(mode), outcome).Inc()
}

func recordXP(source string, gain int) {
	if gain > 0 {
		metricXPAwarded.WithLabelValues(source).Add(float64(gain))
	}
}

func recordReauth(ok bool) {
	if ok {
		metricReauth.WithLabelValues("selected").Inc()
		return
	}
	metricReauth.WithLabelValues("failed").Inc()
}

func recordVideoPoll() {
	metricVideoPolls.Inc()
}

func observeBackend(op string, start time.Time) {
	metricBackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func recordSpeech(err error) {
	if err != nil {
		metricSpeech.WithLabelValues("error").Inc()
		return
	}
	metricSpeech.WithLabelValues("ok").Inc()
}
