// Package metrics exposes Prometheus collectors for the identification flow.
//
// Collectors are registered on the default registry at init and served by
// promhttp.Handler at /metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Brastelizcar/bucaraflora-onnx/api/internal/plant"
)

const namespace = "bucaraflora"

var (
	// SessionsStarted counts submitted images by result (ok, error).
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "identify",
		Name:      "sessions_started_total",
		Help:      "Identification sequences started, by prediction result.",
	}, []string{"result"})

	// Outcomes counts how sequences end: confirmed, corrected, not_identified, reset.
	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "identify",
		Name:      "outcomes_total",
		Help:      "Terminal outcomes of identification sequences.",
	}, []string{"outcome"})

	Rejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "identify",
		Name:      "rejections_total",
		Help:      "Predictions rejected by users.",
	})

	// CollaboratorCalls counts calls to external services by service, operation and result.
	CollaboratorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collaborator",
		Name:      "calls_total",
		Help:      "Calls to prediction, feedback and reference services.",
	}, []string{"service", "op", "result"})

	CollaboratorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "collaborator",
		Name:      "call_duration_seconds",
		Help:      "Latency of calls to external services.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service", "op"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "identify",
		Name:      "active_sessions",
		Help:      "Sessions currently held in memory.",
	})
)

// ObserveCall records one collaborator call started at start.
func ObserveCall(service, op string, start time.Time, err error) {
	CollaboratorLatency.WithLabelValues(service, op).Observe(time.Since(start).Seconds())
	CollaboratorCalls.WithLabelValues(service, op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, plant.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, plant.ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, plant.ErrNoAlternatives):
		return "empty"
	case errors.Is(err, plant.ErrBadResponse):
		return "bad_response"
	default:
		return "error"
	}
}
