// Package metrics exposes prompt dispatch and response completion metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatwatch",
		Name:      "prompts_sent_total",
		Help:      "Prompts dispatched, by send path (keys, inject, none).",
	}, []string{"path"})
	metricResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatwatch",
		Name:      "responses_total",
		Help:      "Awaited responses, by outcome.",
	}, []string{"outcome"})
	metricSuspicious = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatwatch",
		Name:      "responses_suspicious_total",
		Help:      "Responses that ended below the minimum acceptable length.",
	})
	metricResponseSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatwatch",
		Name:      "response_duration_seconds",
		Help:      "Time from await start to the final answer.",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120},
	}, []string{"outcome"})
	metricFirstTokenSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chatwatch",
		Name:      "response_first_token_seconds",
		Help:      "Time from await start to the first observed growth.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	})
	metricCases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatwatch",
		Name:      "cases_total",
		Help:      "Suite cases evaluated, by result (pass, fail).",
	}, []string{"result"})
	metricSimilarity = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatwatch",
		Name:      "similarity_score",
		Help:      "Cosine similarity between response and expected text.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"language"})
)

// ObserveDispatch records one send.
func ObserveDispatch(path string) {
	if path == "" {
		path = "none"
	}
	metricDispatches.WithLabelValues(path).Inc()
}

// ObserveResponse records one awaited answer. A zero ttft means the stream never started.
func ObserveResponse(outcome string, elapsed, ttft time.Duration, suspicious bool) {
	metricResponses.WithLabelValues(outcome).Inc()
	metricResponseSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if ttft > 0 {
		metricFirstTokenSeconds.Observe(ttft.Seconds())
	}
	if suspicious {
		metricSuspicious.Inc()
	}
}

// ObserveCase records a suite case verdict and its similarity, when scored.
func ObserveCase(language string, passed bool, similarity float64, scored bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	metricCases.WithLabelValues(result).Inc()
	if scored {
		metricSimilarity.WithLabelValues(language).Observe(similarity)
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
